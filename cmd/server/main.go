// luxbill - marketplace billing for luxury car rental operators
package main

import (
	"context"
	"os"

	"github.com/mbd888/luxbill/internal/config"
	"github.com/mbd888/luxbill/internal/logging"
	"github.com/mbd888/luxbill/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting luxbill",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"processor_configured", cfg.ProcessorConfigured(),
		"deposit_fee_policy", cfg.DepositFeePolicy,
		"postgres", cfg.DatabaseURL != "",
	)

	server.Version = Version
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
