// Package main starts the raid session service and handles termination.
//
// The process owns session lifecycle, adaptive fact selection, and offline
// batch reconciliation behind a WebSocket transport.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	raidcmd "github.com/spolepaka/mathraid/internal/cmd/raid"
)

func main() {
	cfg, err := raidcmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	log.SetPrefix("[RAID] ")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := raidcmd.Run(ctx, cfg); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}
