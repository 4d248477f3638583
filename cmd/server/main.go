// Command server runs the viralloop HTTP API: verified engagement tracking,
// variant suggestions and referral verification.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mbd888/viralloop/internal/config"
	"github.com/mbd888/viralloop/internal/logging"
	"github.com/mbd888/viralloop/internal/server"
	"github.com/mbd888/viralloop/internal/traces"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Bootstrap logger until the configured one exists
	logger := logging.New("info", "text")

	logger.Info("starting viralloop",
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
		"persistent", cfg.DatabaseURL != "",
		"bandit_strategy", cfg.BanditStrategy,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := traces.Init(ctx, traces.Options{
		Endpoint:       cfg.OTLPEndpoint,
		ServiceVersion: Version,
		Environment:    cfg.Env,
		SampleRatio:    cfg.TraceSampleRatio,
	}, logger)
	if err != nil {
		logger.Error("failed to init tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("tracing shutdown", "error", err)
		}
	}()

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
