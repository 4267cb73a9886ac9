package main

import (
	"fmt"
	"os"

	"github.com/blackhillsinfosec/cryptproxy/cmd"
)

// Main hands CLI arguments to the cobra command tree.
func main() {

	// Handle CLI arguments and config file options
	if err := cmd.RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
