package cmd

import (
	"errors"
	"fmt"

	"github.com/blackhillsinfosec/cryptproxy/config"
	"github.com/blackhillsinfosec/cryptproxy/crypt"
	"github.com/blackhillsinfosec/cryptproxy/log"
	"github.com/blackhillsinfosec/cryptproxy/util"
	"github.com/spf13/cobra"
)

var (
	// codecCmd groups the offline name translation commands.
	codecCmd = &cobra.Command{
		Use:     "codec",
		Aliases: []string{"names"},
		Short:   "Translate file names between clear and obfuscated forms.",
	}
	encodeNamesCmd = &cobra.Command{
		Use:     "encode NAME...",
		Aliases: []string{"enc"},
		Short:   "Obfuscate clear file names.",
		Args:    cobra.MinimumNArgs(1),
		RunE:    runCodec(true),
	}
	decodeNamesCmd = &cobra.Command{
		Use:     "decode NAME...",
		Aliases: []string{"dec"},
		Short:   "Recover clear file names.",
		Args:    cobra.MinimumNArgs(1),
		RunE:    runCodec(false),
	}

	// keyPassword and keyEncType select a key without a config
	// file.
	keyPassword string
	keyEncType  string
	// rulePath selects the rule of a config file.
	rulePath string
)

func init() {
	RootCmd.AddCommand(codecCmd)
	codecCmd.AddCommand(encodeNamesCmd, decodeNamesCmd)
	for _, c := range []*cobra.Command{encodeNamesCmd, decodeNamesCmd} {
		addKeyFlags(c)
	}
}

// addKeyFlags registers the flags read by selectKey.
func addKeyFlags(c *cobra.Command) {
	c.Flags().StringVarP(&keyPassword, "password", "p", "",
		"Rule password. Ignored when a config file is supplied.")
	c.Flags().StringVarP(&keyEncType, "enc-type", "e", string(crypt.AesCtr),
		"Cipher tag: aesctr or chacha20. Ignored when a config file is supplied.")
	c.Flags().StringVarP(&configFile, "config-file", "c", "",
		"Config file providing the rule.")
	c.Flags().StringVarP(&rulePath, "path", "", "",
		"Virtual path whose rule applies. Required with --config-file.")
}

// selectKey returns the password and tag chosen by the key flags.
func selectKey() (string, crypt.Tag, error) {
	if configFile != "" {
		return keyFromConfig(configFile, rulePath)
	}
	if keyPassword == "" {
		return "", "", errors.New("either --password or --config-file is required")
	}
	tag, err := crypt.ParseTag(keyEncType)
	return keyPassword, tag, err
}

// keyFromConfig loads the passwd_list of a config file and returns the
// key of the rule protecting virtualPath.
func keyFromConfig(file, virtualPath string) (string, crypt.Tag, error) {
	if virtualPath == "" {
		return "", "", errors.New("--path is required with --config-file")
	}

	conf := config.ProxyConfig{}
	if err := util.UnmarshalFileInto(&file, &conf); err != nil {
		log.ERR.Printf("Failed to parse config file: %v", err)
		return "", "", err
	}
	for i := range conf.PasswdList {
		if err := config.CheckNonZeroFormat(&conf.PasswdList[i]); err != nil {
			return "", "", fmt.Errorf("passwd_list[%d]: %w", i, err)
		}
	}

	rules, err := conf.Rules()
	if err != nil {
		return "", "", err
	}
	auth := rules.Resolve(virtualPath)
	if !auth.Matched() {
		return "", "", fmt.Errorf("no rule protects %s", virtualPath)
	}
	log.DEBUG.Printf("Using rule %s (%s)", auth.Prefix, auth.Rule.Describe)
	return auth.Rule.Password, auth.Rule.Tag, nil
}

func runCodec(encode bool) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		password, tag, err := selectKey()
		if err != nil {
			return err
		}
		codec, err := crypt.NewNameCodec(password, tag)
		if err != nil {
			return err
		}

		var failed int
		for _, name := range args {
			var out string
			if encode {
				out, err = codec.Encode(name)
			} else {
				out, err = codec.Decode(name)
			}
			if err != nil {
				log.WARN.Printf("%s: %v", name, err)
				failed++
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", name, out)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d names failed", failed, len(args))
		}
		return nil
	}
}
