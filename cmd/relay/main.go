// Relay server — bridges one desktop PC client with its mobile controllers
// per event, over HMAC-admitted WebSockets.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/canvaslink/relay/pkg/api"
	"github.com/canvaslink/relay/pkg/bridge"
	"github.com/canvaslink/relay/pkg/config"
	"github.com/canvaslink/relay/pkg/signing"
	"github.com/canvaslink/relay/pkg/store"
	"github.com/canvaslink/relay/pkg/version"
)

func main() {
	envFile := flag.String("env-file", ".env", "Path to optional .env file")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", *envFile, "error", err)
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting relay",
		"version", version.Full(),
		"http_port", cfg.HTTPPort,
		"domain_id", cfg.DomainID,
		"store", cfg.StoreBackend,
		"allowed_origins", cfg.AllowedOrigins)

	ctx := context.Background()

	var st store.Store
	switch cfg.StoreBackend {
	case config.StorePostgres:
		dbCfg, err := store.LoadPostgresConfigFromEnv()
		if err != nil {
			slog.Error("Failed to load database config", "error", err)
			os.Exit(1)
		}
		pg, err := store.NewPostgresStore(ctx, dbCfg)
		if err != nil {
			slog.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("Connected to PostgreSQL store")
	default:
		st = store.NewMemoryStore()
		slog.Info("Using in-memory store")
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("Error closing store", "error", err)
		}
	}()

	verifier := signing.NewVerifier([]byte(cfg.Secret))
	registry := bridge.NewRegistry(st, verifier, bridge.Options{})
	httpServer := api.NewServer(cfg, registry, st, verifier)

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.HTTPPort
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// Close sockets first so clients see a clean 1001, then stop HTTP.
	registry.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
