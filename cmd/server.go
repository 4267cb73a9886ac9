package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/blackhillsinfosec/cryptproxy/alist"
	"github.com/blackhillsinfosec/cryptproxy/config"
	"github.com/blackhillsinfosec/cryptproxy/davclient"
	"github.com/blackhillsinfosec/cryptproxy/log"
	"github.com/blackhillsinfosec/cryptproxy/meta"
	"github.com/blackhillsinfosec/cryptproxy/proxy"
	"github.com/blackhillsinfosec/cryptproxy/server"
	"github.com/blackhillsinfosec/cryptproxy/util"
	"github.com/fsnotify/fsnotify"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/impostorkeanu/go-commoners/rando"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"gopkg.in/yaml.v3"
)

var (
	conSem = semaphore.NewWeighted(1)

	//===============
	// COBRA COMMANDS
	//===============

	serverCmd = &cobra.Command{
		Use:     "server",
		Aliases: []string{"s", "srv"},
		Short:   "Configure and run the proxy.",
	}
	runServersCmd = &cobra.Command{
		Use:     "run",
		Aliases: []string{"r", "start"},
		Short:   "Run the proxy and admin servers.",
		RunE:    runProxy,
	}
	genServerConfigCmd = &cobra.Command{
		Use:     "generate-config",
		Aliases: genAliases,
		Short:   "Generate a proxy configuration file.",
		Run:     genProxyConfig,
	}

	//================
	// OTHER VARIABLES
	//================

	// gConfig is the global ProxyConfig.
	gConfig = &config.ProxyConfig{}

	// service is shared by the proxy and admin servers.
	service *proxy.Service

	// pServer is the client facing proxy.
	pServer server.ProxyServer

	// aServer is the admin server.
	aServer server.AdminServer

	_viper = viper.NewWithOptions(viper.KeyDelimiter("|"))
)

func init() {
	gin.SetMode(gin.ReleaseMode)
	RootCmd.AddCommand(serverCmd)
	serverCmd.AddCommand(genServerConfigCmd, runServersCmd)
	runServersCmd.Flags().StringVarP(&configFile, "config-file", "c",
		"", "Configuration file.")
	runServersCmd.MarkFlagRequired("config-file")
	runServersCmd.Flags().Bool("no-admin-server", false,
		"Run only the proxy server. Make any updates by updating the config file.")
}

func runProxy(cmd *cobra.Command, args []string) (err error) {

	//===========================
	// APPLY VIPER CONFIGURATIONS
	//===========================

	log.INFO.Printf("Using config file at %s", configFile)
	if _, err = os.Stat(configFile); err != nil {
		return err
	}

	_viper.SetConfigType("yaml")
	_viper.SetConfigFile(configFile)

	if err = _viper.ReadInConfig(); err != nil {
		log.ERR.Printf("Failed to read config file: %v", err)
		return err
	}

	if err = _viper.UnmarshalExact(gConfig); err != nil {
		log.ERR.Printf("Failed to unmarshal config file (poorly formatted YAML?): %v", err)
		return err
	}

	if err = gConfig.Validate(); err != nil {
		log.ERR.Printf("Configuration failed validation")
		return err
	}

	log.Configure(os.Stderr, gConfig.Logging.Json)
	setLevel(gConfig.Logging.Level)
	if gConfig.ProxyServer.Dev() {
		log.WARN.Println("Running in dev mode, error details are sent to clients")
		gin.SetMode(gin.DebugMode)
	}

	if service, err = newService(gConfig); err != nil {
		log.ERR.Printf("Failed to initialize proxy: %v", err)
		return err
	}
	log.INFO.Printf("Loaded %d password rules", service.Rules().Len())

	//=====================
	// WATCH FOR NEW CONFIG
	//=====================

	_viper.OnConfigChange(func(e fsnotify.Event) {
		log.INFO.Printf("Config file changed: %s", e.Name)
		log.INFO.Printf("Reloading proxy config")
		if err := reloadConfig(); err != nil {
			log.WARN.Printf("Failed to reload configuration file: %v", err)
			log.INFO.Printf("Preserving previously loaded config file")
		}
	})
	_viper.WatchConfig()

	//================
	// RUN THE SERVERS
	//================

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	pServer = server.ProxyServer{
		Config:  &gConfig.ProxyServer,
		Cache:   &gConfig.Cache,
		Service: service,
		Kill:    make(chan uint8, 1),
	}
	g.Go(pServer.Run)

	noRunAdmin, _ := cmd.Flags().GetBool("no-admin-server")
	if noRunAdmin || gConfig.AdminServer.Disabled {
		log.INFO.Println("Admin server disabled")
	} else {
		if len(gConfig.Users) == 0 {
			log.WARN.Print("Zero (0) users have been configured.")
			log.WARN.Print("Configure an admin user to access the admin server")
		}
		aServer = server.AdminServer{
			Config:  &gConfig.AdminServer,
			Auth:    &gConfig.Auth,
			Users:   &gConfig.Users,
			Service: service,
			Kill:    make(chan uint8, 1),
		}
		g.Go(aServer.Run)
	}

	g.Go(func() error {
		<-ctx.Done()
		pServer.Kill <- 1
		if aServer.Kill != nil {
			aServer.Kill <- 1
		}
		return nil
	})

	log.INFO.Printf("Blocking until shutdown request")
	return g.Wait()
}

// newService builds the proxy service and its backend clients.
func newService(conf *config.ProxyConfig) (*proxy.Service, error) {
	rules, err := conf.Rules()
	if err != nil {
		return nil, err
	}

	if !conf.Backend.VerifyTls {
		log.WARN.Println("Backend certificate validation is disabled")
	}
	transport := util.NewBackendTransport(util.TransportOptions{
		InsecureSkipVerify: !conf.Backend.VerifyTls,
		Timeout:            conf.Backend.Timeout,
		MaxIdleConns:       conf.Backend.MaxIdleConns,
	})

	return proxy.New(
		proxy.Options{
			BackendURL:      conf.Backend.Url,
			DavPrefix:       conf.ProxyServer.WebdavPrefix,
			CompactPropfind: conf.ProxyServer.CompactPropfind,
			Token:           conf.Backend.Token,
		},
		rules,
		meta.NewCache(conf.Cache.Ttl),
		davclient.New(conf.Backend.Url, conf.ProxyServer.WebdavPrefix, transport),
		alist.New(conf.Backend.Url, transport),
		&http.Client{Transport: transport}), nil
}

func setLevel(s string) {
	lvl, err := log.ParseLevel(s)
	if err != nil {
		log.WARN.Printf("Unknown log level %q, using info", s)
	}
	log.SetLevel(lvl)
}

func reloadConfig() (err error) {

	//=================================
	// LOAD AND VALIDATE THE NEW CONFIG
	//=================================

	if err = conSem.Acquire(context.Background(), 1); err != nil {
		log.ERR.Println("Failed to acquire semaphore to reload config file")
		return err
	}
	defer conSem.Release(1)

	if err = _viper.ReadInConfig(); err != nil {
		log.ERR.Printf("Failed to read config file: %v", err)
		return err
	}

	buff := config.ProxyConfig{}

	if err = _viper.UnmarshalExact(&buff); err != nil {
		log.ERR.Printf("Failed to unmarshal config file (poorly formatted YAML?): %v", err)
		return err
	}

	if err = buff.Validate(); err != nil {
		log.ERR.Printf("New configuration failed validation: %v", err)
		return err
	}

	//=========================
	// NOTIFY OF STATIC CHANGES
	//=========================

	restartMsg := "Stop and restart the server to implement this change"
	for _, c := range staticChanges(gConfig, &buff) {
		log.WARN.Println(c)
		log.WARN.Println(restartMsg)
	}

	//========================
	// UPDATE TO LATEST CONFIG
	//========================

	rules, err := buff.Rules()
	if err != nil {
		return err
	}
	service.SetRules(rules)
	gConfig.PasswdList = buff.PasswdList
	log.INFO.Printf("Loaded %d password rules", rules.Len())

	if buff.Logging.Level != gConfig.Logging.Level {
		setLevel(buff.Logging.Level)
		gConfig.Logging.Level = buff.Logging.Level
		log.INFO.Printf("Log level changed to %s", buff.Logging.Level)
	}

	return err
}

// staticChanges describes differences between two configurations that
// only take effect after a restart.
func staticChanges(cur, next *config.ProxyConfig) (out []string) {
	if cur.ProxyServer.Port != next.ProxyServer.Port {
		out = append(out, fmt.Sprintf("Proxy server port changed to: %d", next.ProxyServer.Port))
	}
	if cur.ProxyServer.Interface != next.ProxyServer.Interface {
		out = append(out, fmt.Sprintf("Proxy server interface changed to: %v", next.ProxyServer.Interface))
	}
	if cur.ProxyServer.WebdavPrefix != next.ProxyServer.WebdavPrefix {
		out = append(out, fmt.Sprintf("WebDAV prefix changed to: %v", next.ProxyServer.WebdavPrefix))
	}
	if cur.Backend != next.Backend {
		out = append(out, "Backend configuration changed")
	}
	if cur.Cache != next.Cache {
		out = append(out, "Cache configuration changed")
	}
	if cur.AdminServer.Port != next.AdminServer.Port || cur.AdminServer.Interface != next.AdminServer.Interface {
		out = append(out, fmt.Sprintf("Admin server socket changed to: %v:%d", next.AdminServer.Interface, next.AdminServer.Port))
	}
	if cur.Logging.Json != next.Logging.Json {
		out = append(out, "Log format changed")
	}
	if !slices.Equal(cur.Users, next.Users) {
		out = append(out, "Admin users changed")
	}
	return out
}

func genProxyConfig(cmd *cobra.Command, args []string) {

	//===============================
	// CONFIGURE & DUMP A CONFIG FILE
	//===============================

	enable := true
	var configBytes []byte
	configBytes, _ = yaml.Marshal(&config.ProxyConfig{
		ProxyServer: config.ProxyServerOptions{
			ServerOptions: config.ServerOptions{
				Interface: "0.0.0.0",
				Port:      5344,
			},
			RunMode:      config.RunModeProduction,
			WebdavPrefix: "/dav",
		},
		Backend: config.BackendOptions{
			Url:          "http://127.0.0.1:5244",
			Timeout:      30 * time.Second,
			MaxIdleConns: 100,
		},
		Cache: config.CacheOptions{
			Ttl:           10 * time.Minute,
			SweepInterval: time.Minute,
		},
		Logging: config.LoggingOptions{
			Level: "info",
		},
		PasswdList: []config.PasswdOptions{
			{
				Paths:    []string{"/encrypted"},
				Password: rando.AnyString(uint32(20), " "),
				EncType:  "aesctr",
				EncName:  true,
				Enable:   &enable,
				Describe: "Encrypted storage",
			},
		},
		AdminServer: config.AdminServerOptions{
			ServerOptions: config.ServerOptions{
				Interface: "127.0.0.1",
				Port:      5345,
			},
		},
		Auth: config.AuthOptions{
			Header: config.AdminAuthHeaderOptions{
				Name:   "Authorization",
				Scheme: "Bearer",
			},
			Jwt: config.JwtOptions{
				SafeJwtOptions: config.SafeJwtOptions{
					Realm: "cryptproxy",
					FieldKeys: config.JwtFieldKeys{
						Username: "user",
						Admin:    "is_admin",
					},
				},
				SigningKey: uuid.New().String(),
			},
		},
		Users: []config.Credential{
			{
				Username: rando.AnyString(uint32(7), "-"),
				Password: rando.AnyString(uint32(20), " "),
				IsAdmin:  true,
			}}})
	fmt.Println(string(configBytes))
}
