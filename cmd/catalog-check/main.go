// Package main validates a catalog override file against the fact grammar.
package main

import (
	"flag"
	"os"

	"github.com/spolepaka/mathraid/internal/platform/config"
	"github.com/spolepaka/mathraid/internal/tools/catalogcheck"
)

func main() {
	cfg, err := catalogcheck.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}
	if err := catalogcheck.Run(cfg, os.Stdout); err != nil {
		config.Exitf("check catalog: %v", err)
	}
}
