// Settlement - escrow-backed wallet settlement for auction marketplaces
package main

import (
	"context"
	"os"

	"github.com/mezatlabs/settlement/internal/config"
	"github.com/mezatlabs/settlement/internal/logging"
	"github.com/mezatlabs/settlement/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting settlement",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"commission_rate", cfg.DefaultCommissionRate,
		"hold_period", cfg.EscrowHoldPeriod,
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
