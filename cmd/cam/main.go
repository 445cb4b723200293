// Package main provides the entry point for the cam CLI.
package main

import (
	"os"

	"github.com/camctl/cam/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
