package cmd

import (
	"github.com/spf13/cobra"
)

var (
	// configFile is a string path pointing to a config
	// file on disk.
	configFile string
	// genAliases is a slice of aliases that point to
	// various generate-config subcommands.
	genAliases = []string{"gen", "gen-c"}
	// RootCmd is the base command for the CLI.
	RootCmd = &cobra.Command{
		Use:   "cryptproxy",
		Short: "Encrypting reverse proxy for Alist and WebDAV servers.",
		Long: "Encrypting reverse proxy for Alist and WebDAV servers.\n\n" +
			"Files below protected paths are decrypted on download and their\n" +
			"names are translated between clear and obfuscated forms.",
		RunE: nil,
	}
)
