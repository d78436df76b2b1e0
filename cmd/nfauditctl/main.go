// Package main is the entry point for the nfauditctl CLI.
package main

import (
	"fmt"
	"os"
)

// Version is injected at build time.
var Version = "dev"

func main() {
	rootCmd := NewRootCmd()
	rootCmd.Version = Version
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
