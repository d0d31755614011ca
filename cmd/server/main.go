// Marketplace settlement service - orders, stock reservations, escrow
package main

import (
	"context"
	"os"

	"github.com/abdulrehman-75/SE-marketplace-project-semester3-sub002/internal/config"
	"github.com/abdulrehman-75/SE-marketplace-project-semester3-sub002/internal/logging"
	"github.com/abdulrehman-75/SE-marketplace-project-semester3-sub002/internal/server"
	"github.com/abdulrehman-75/SE-marketplace-project-semester3-sub002/internal/traces"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Create logger
	logger := logging.New("info", "text")

	logger.Info("starting settlement service",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"verification_days", cfg.VerificationDays,
		"buyer_protection_bp", cfg.BuyerProtectionBP,
	)

	ctx := context.Background()

	// Tracing (no-op when OTLP endpoint unset)
	shutdownTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Warn("failed to initialize tracing", "error", err)
	} else {
		defer func() { _ = shutdownTraces(ctx) }()
	}

	// Create and run server
	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
