package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/blackhillsinfosec/cryptproxy/crypt"
	"github.com/blackhillsinfosec/cryptproxy/log"
	"github.com/blackhillsinfosec/cryptproxy/passwd"
)

const (
	RunModeDev        = "dev"
	RunModeProduction = "production"
	// RunModeEnv overrides ProxyServerOptions.RunMode when set.
	RunModeEnv = "RUN_MODE"
)

// ServerOptions are the listener options shared by the proxy and
// admin servers.
type ServerOptions struct {
	// AddtlCorsUrls additionally accepted CORS origins.
	AddtlCorsUrls []string `yaml:"additional_cors_urls" mapstructure:"additional_cors_urls" json:"additional_cors_urls"`
	// Interface is the name or address of the network interface to
	// bind. 0.0.0.0 binds every interface.
	Interface string `nonzero:"0.0.0.0" yaml:"interface" mapstructure:"interface" json:"interface"`
	// Port is the port number the server will listen on.
	Port uint16 `yaml:"port" mapstructure:"port" json:"port"`
	// ip address of Interface.
	//
	// Validate must be called for this value to be populated.
	ip string
}

// Validate ServerOptions.
func (s *ServerOptions) Validate() (err error) {
	s.ip, err = FindInterface(s.Interface)
	return err
}

// IP gets the ServerOptions' validated ip value.
func (s *ServerOptions) IP() string {
	return s.ip
}

// Socket returns the socket the server targets.
func (s *ServerOptions) Socket() string {
	return net.JoinHostPort(s.ip, fmt.Sprint(s.Port))
}

// ProxyServerOptions configure the client facing proxy.
type ProxyServerOptions struct {
	ServerOptions `nonzero:"" mapstructure:",squash" yaml:",inline"`
	// RunMode is "dev" or "production". Error details reach clients
	// only in dev mode.
	RunMode string `nonzero:"production" yaml:"run_mode" mapstructure:"run_mode" json:"run_mode"`
	// WebdavPrefix is the WebDAV mount path, identical at the proxy
	// and at the backend.
	WebdavPrefix string `nonzero:"/dav" yaml:"webdav_prefix" mapstructure:"webdav_prefix" json:"webdav_prefix"`
	// CompactPropfind minifies rewritten PROPFIND bodies.
	CompactPropfind bool `yaml:"compact_propfind" mapstructure:"compact_propfind" json:"compact_propfind"`
}

// Validate ProxyServerOptions.
func (p *ProxyServerOptions) Validate() (err error) {
	if err = p.ServerOptions.Validate(); err != nil {
		return err
	}
	if p.Port == 0 {
		return errors.New("proxy_server_config.port is required")
	}
	switch p.RunMode {
	case RunModeDev, RunModeProduction:
	default:
		return fmt.Errorf("unknown run_mode %q", p.RunMode)
	}
	if !strings.HasPrefix(p.WebdavPrefix, "/") {
		p.WebdavPrefix = "/" + p.WebdavPrefix
	}
	return nil
}

// Dev reports whether the proxy runs in dev mode.
func (p *ProxyServerOptions) Dev() bool {
	return p.RunMode == RunModeDev
}

// BackendOptions locate the Alist/WebDAV server being proxied.
type BackendOptions struct {
	// Url is the backend origin, e.g. http://127.0.0.1:5244.
	Url string `nonzero:"" yaml:"url" mapstructure:"url" json:"url"`
	// VerifyTls enables certificate validation. Backends are usually
	// privately operated, so it is off unless set.
	VerifyTls bool `yaml:"verify_tls" mapstructure:"verify_tls" json:"verify_tls"`
	// Timeout bounds dialing and waiting for response headers.
	Timeout      time.Duration `nonzero:"30s" yaml:"timeout" mapstructure:"timeout" json:"timeout"`
	MaxIdleConns int           `nonzero:"100" yaml:"max_idle_conns" mapstructure:"max_idle_conns" json:"max_idle_conns"`
	// Token authorizes Alist API lookups for requests that carry no
	// credential, such as signed download links.
	Token string `yaml:"token" mapstructure:"token" json:"-"`
}

// Validate BackendOptions.
func (b *BackendOptions) Validate() error {
	u, err := url.Parse(b.Url)
	if err != nil {
		return fmt.Errorf("invalid backend url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("backend url must be an absolute http(s) url: %s", b.Url)
	}
	b.Url = strings.TrimSuffix(b.Url, "/")
	return nil
}

// CacheOptions configure the metadata cache.
type CacheOptions struct {
	// Ttl is the lifetime of a cached record. A negative value keeps
	// records until they are invalidated.
	Ttl time.Duration `nonzero:"10m" yaml:"ttl" mapstructure:"ttl" json:"ttl"`
	// SweepInterval is how often expired records are dropped.
	SweepInterval time.Duration `nonzero:"1m" yaml:"sweep_interval" mapstructure:"sweep_interval" json:"sweep_interval"`
}

// LoggingOptions configure the leveled loggers.
type LoggingOptions struct {
	Level string `nonzero:"info" yaml:"level" mapstructure:"level" json:"level"`
	Json  bool   `yaml:"json" mapstructure:"json" json:"json"`
}

// PasswdOptions protect one or more directory subtrees.
type PasswdOptions struct {
	Paths    []string `nonzero:"" yaml:"paths" mapstructure:"paths" json:"paths"`
	Password string   `nonzero:"" yaml:"password" mapstructure:"password" json:"-"`
	// EncType selects the content cipher: aesctr or chacha20.
	EncType string `nonzero:"aesctr" yaml:"enc_type" mapstructure:"enc_type" json:"enc_type"`
	// EncName enables filename obfuscation.
	EncName bool `yaml:"enc_name" mapstructure:"enc_name" json:"enc_name"`
	// Enable switches the rule on or off. Rules are on unless set to
	// false.
	Enable   *bool  `yaml:"enable,omitempty" mapstructure:"enable" json:"enable,omitempty"`
	Describe string `yaml:"describe" mapstructure:"describe" json:"describe"`
}

// Enabled reports whether the rule is active.
func (p *PasswdOptions) Enabled() bool {
	return p.Enable == nil || *p.Enable
}

// AdminServerOptions are options related to the admin
// server used to inspect the proxy and manage its cache.
type AdminServerOptions struct {
	ServerOptions `nonzero:"" yaml:",inline" mapstructure:",squash"`
	// Disabled turns the admin server off.
	Disabled bool `yaml:"disabled" mapstructure:"disabled" json:"disabled"`
}

// Validate AdminServerOptions.
func (as *AdminServerOptions) Validate() (err error) {
	if as.Disabled {
		return nil
	}
	if as.Port == 0 {
		return errors.New("admin_server_config.port is required unless the admin server is disabled")
	}
	as.ip, err = FindInterface(as.Interface)
	return err
}

// AdminAuthHeaderOptions provides options related to JWT header
// authentication.
type AdminAuthHeaderOptions struct {
	Name   string `nonzero:"Authorization" yaml:"name" json:"name" mapstructure:"name"`
	Scheme string `nonzero:"Bearer" yaml:"scheme" json:"scheme" mapstructure:"scheme"`
}

type AuthOptions struct {
	Header AdminAuthHeaderOptions `nonzero:"" yaml:"header" mapstructure:"header" json:"header"`
	Jwt    JwtOptions             `nonzero:"" mapstructure:"jwt" yaml:"jwt" json:"jwt"`
}

// JwtOptions provides options related to JWT header
// authentication.
type JwtOptions struct {
	SafeJwtOptions `nonzero:"" mapstructure:",squash" yaml:",inline"`
	SigningKey     string `nonzero:"" yaml:"signing_key" mapstructure:"signing_key" json:"-"`
}

type SafeJwtOptions struct {
	Realm     string       `nonzero:"cryptproxy" yaml:"realm" mapstructure:"realm" json:"realm"`
	FieldKeys JwtFieldKeys `nonzero:"" yaml:"field_names" mapstructure:"field_names" json:"field_keys"`
}

type JwtFieldKeys struct {
	Username string `nonzero:"user" yaml:"username" mapstructure:"username" json:"username"`
	Admin    string `nonzero:"is_admin" yaml:"admin" mapstructure:"admin" json:"admin"`
}

// Credential objects represent a set of login credentials.
type Credential struct {
	// Username value
	Username string `nonzero:"" mapstructure:"username" yaml:"username" json:"username"`
	// Password value
	Password string `nonzero:"" mapstructure:"password" yaml:"password" json:"-"`
	// IsAdmin determines if the user may use the admin API.
	IsAdmin bool `mapstructure:"is_admin" yaml:"is_admin" json:"is_admin"`
}

// ProxyConfig holds all options of a cryptproxy deployment.
type ProxyConfig struct {
	ProxyServer ProxyServerOptions `nonzero:"" mapstructure:"proxy_server_config" yaml:"proxy_server_config"`
	Backend     BackendOptions     `nonzero:"" mapstructure:"backend_config" yaml:"backend_config"`
	Cache       CacheOptions       `nonzero:"" mapstructure:"cache_config" yaml:"cache_config"`
	Logging     LoggingOptions     `nonzero:"" mapstructure:"logging" yaml:"logging"`
	// PasswdList has the protected subtrees.
	PasswdList  []PasswdOptions    `nonzero:"optional" mapstructure:"passwd_list" yaml:"passwd_list"`
	AdminServer AdminServerOptions `nonzero:"" mapstructure:"admin_server_config" yaml:"admin_server_config"`
	Auth        AuthOptions        `nonzero:"" mapstructure:"auth_config" yaml:"auth_config"`
	// Users has credentials for the admin API.
	Users []Credential `nonzero:"optional" mapstructure:"users" yaml:"users"`
}

// Validate ProxyConfig, applying defaults and the RUN_MODE
// environment override.
func (pc *ProxyConfig) Validate() (err error) {

	if mode := os.Getenv(RunModeEnv); mode != "" {
		pc.ProxyServer.RunMode = strings.ToLower(mode)
	}

	// Recursively check all configurations for zero values.
	if err = CheckNonZeroFormat(pc); err != nil {
		return err
	}

	if err = pc.ProxyServer.Validate(); err != nil {
		log.ERR.Println("Validation of proxy server config failed")
		return err
	}

	if err = pc.Backend.Validate(); err != nil {
		log.ERR.Println("Validation of backend config failed")
		return err
	}

	if err = pc.AdminServer.Validate(); err != nil {
		log.ERR.Println("Validation of admin server config failed")
		return err
	}

	if _, err = log.ParseLevel(pc.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}

	if _, err = pc.Rules(); err != nil {
		log.ERR.Println("Validation of passwd_list failed")
		return err
	}

	return nil
}

// Rules converts the enabled entries of PasswdList into a RuleSet.
func (pc *ProxyConfig) Rules() (*passwd.RuleSet, error) {
	var rules []passwd.Rule
	for _, p := range pc.PasswdList {
		if !p.Enabled() {
			continue
		}
		rules = append(rules, passwd.Rule{
			Paths:    p.Paths,
			Password: p.Password,
			Tag:      crypt.Tag(p.EncType),
			EncName:  p.EncName,
			Describe: p.Describe,
		})
	}
	return passwd.NewRuleSet(rules)
}
