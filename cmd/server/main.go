// Duel Arena - two-party wager duels with escrowed gold stakes
package main

import (
	"context"
	"os"

	"github.com/veldtgames/duelarena/internal/config"
	"github.com/veldtgames/duelarena/internal/logging"
	"github.com/veldtgames/duelarena/internal/server"
	"github.com/veldtgames/duelarena/internal/traces"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting duelarena",
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
		"challenge_expiry", cfg.ChallengeExpiry,
		"play_window", cfg.PlayWindow,
		"max_wager", cfg.MaxWager,
	)

	ctx := context.Background()

	tracesShutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}
	srv.SetTracesShutdown(tracesShutdown)

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
