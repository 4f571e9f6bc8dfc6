// Command mesh-gateway runs one MudVault Mesh gateway instance.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/mudvault/mesh/internal/gateway"
)

func main() {
	configPath := flag.String("config", "gateway.json", "path to the gateway configuration file")
	pretty := flag.Bool("pretty", false, "human-readable console logging")
	flag.Parse()

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if *pretty {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	cfg, err := gateway.LoadConfig(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Str("config", *configPath).Msg("Failed to load configuration")
	}

	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && cfg.LogLevel != "" {
		logger = logger.Level(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gw, err := gateway.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to start gateway")
	}

	if err := gw.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Gateway exited with error")
	}
}
