// Package main starts the gateway service process lifecycle.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	gatewaycmd "github.com/israasaleh/flashcard-gateway/internal/cmd/gateway"
	"github.com/israasaleh/flashcard-gateway/internal/platform/config"
)

func main() {
	cfg, err := gatewaycmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}
	log.SetPrefix("[GATEWAY] ")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := gatewaycmd.Run(ctx, cfg); err != nil {
		config.Exitf("failed to serve: %v", err)
	}
}
