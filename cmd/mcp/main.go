// Command mcp serves the viralloop API to LLM content coaches as MCP tools
// over stdio. Stdout carries the protocol, so logs go to stderr.
package main

import (
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/viralloop/internal/mcpserver"
)

func main() {
	_ = godotenv.Load()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg := mcpserver.Config{
		APIURL: os.Getenv("VIRALLOOP_API_URL"),
		APIKey: os.Getenv("VIRALLOOP_API_KEY"),
	}
	if cfg.APIURL == "" {
		cfg.APIURL = "http://localhost:8080"
	}
	if raw := os.Getenv("VIRALLOOP_API_TIMEOUT"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			logger.Error("invalid VIRALLOOP_API_TIMEOUT", "value", raw, "error", err)
			os.Exit(2)
		}
		cfg.Timeout = d
	}

	logger.Info("serving MCP over stdio", "api", cfg.APIURL)
	if err := server.ServeStdio(mcpserver.NewMCPServer(cfg)); err != nil {
		logger.Error("mcp server stopped", "error", err)
		os.Exit(1)
	}
}
