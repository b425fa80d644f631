// Package main generates a resume token secret for raid deployments.
package main

import (
	"flag"
	"os"

	"github.com/spolepaka/mathraid/internal/platform/config"
	"github.com/spolepaka/mathraid/internal/tools/tokenkey"
)

func main() {
	cfg, err := tokenkey.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}
	if err := tokenkey.Run(cfg, os.Stdout, nil); err != nil {
		config.Exitf("generate secret: %v", err)
	}
}
