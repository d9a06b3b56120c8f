package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"fleetd/pkg/telemetry"
	"fleetd/services/agent"
)

// version is set at build time.
var version = "dev"

func main() {
	configPath := flag.String("config", agent.ConfigPath, "path to agent configuration file")
	pretty := flag.Bool("pretty", false, "human readable console logs")
	flag.Parse()

	cfg, err := agent.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fleet-agent: %v\n", err)
		os.Exit(1)
	}

	logger := telemetry.SetupLogging("fleet-agent", cfg.LogLevel, cfg.LogPretty || *pretty)

	a, err := agent.New(cfg, version, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise agent")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info().Str("agent_id", a.ID().String()).Str("server", cfg.Server).Msg("fleet-agent starting")
	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("agent exited")
	}
	logger.Info().Msg("fleet-agent stopped")
}
