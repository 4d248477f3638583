// Command migrate applies the embedded goose migrations to DATABASE_URL.
//
//	migrate up | down | status | version | redo | up-to N | down-to N
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/mbd888/viralloop/internal/logging"
	"github.com/mbd888/viralloop/internal/retry"
	"github.com/mbd888/viralloop/internal/storage"
	"github.com/mbd888/viralloop/migrations"
)

const usage = "usage: migrate up|down|status|version|redo|up-to <version>|down-to <version>"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	_ = godotenv.Load()
	logger := logging.New(envOr("LOG_LEVEL", "info"), "text")

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logging.WithLogger(ctx, logger)

	if err := run(ctx, dsn, os.Args[1], os.Args[2:]); err != nil {
		logger.Error("migration failed", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, dsn, command string, args []string) error {
	db, err := storage.Open(ctx, dsn, storage.DefaultPool(), retry.DefaultPolicy(), logging.L(ctx))
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	return migrations.Run(ctx, db, command, args...)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
