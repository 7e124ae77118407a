// Marketplace escrow settlement service
package main

import (
	"context"
	"os"

	"github.com/dog-best/meta-sub000/internal/config"
	"github.com/dog-best/meta-sub000/internal/logging"
	"github.com/dog-best/meta-sub000/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Bootstrap logger until configuration is known
	logger := logging.New("info", "text")

	logger.Info("starting settlement service",
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
		"database", cfg.DatabaseURL != "",
		"platform_fee_bps", cfg.PlatformFeeBps,
		"usdc_rail", cfg.CryptoEnabled(),
		"chain", cfg.Chain,
		"chain_id", cfg.ChainID,
		"kafka", len(cfg.KafkaBrokers) > 0,
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
