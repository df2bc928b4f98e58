package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lucid-hq/lucid/internal/api"
	"github.com/lucid-hq/lucid/internal/hub"
	"github.com/lucid-hq/lucid/internal/identity"
	"github.com/lucid-hq/lucid/internal/store"
)

const (
	recorderQueueDepth = 256
	verifyCacheTTL     = 24 * time.Hour
)

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	port := env("LUCID_PORT", "8080")
	dbPath := env("LUCID_DB_PATH", "data/lucid.db")
	cachePath := env("LUCID_CACHE_PATH", "data/verify-cache.db")
	directoryURL := os.Getenv("LUCID_DIRECTORY_URL")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The durable mirror is best-effort: a store that fails to open
	// degrades the daemon, it does not stop it.
	var rec hub.Recorder
	st, err := store.Open(dbPath)
	if err != nil {
		slog.Warn("durable store unavailable, running in-memory only", "path", dbPath, "error", err)
		st = nil
	} else {
		defer st.Close()
		async := store.NewAsyncRecorder(st, recorderQueueDepth)
		go async.Run(ctx)
		rec = async
	}

	var verifier *identity.Verifier
	if directoryURL != "" {
		var cache *identity.Cache
		c, err := identity.OpenCache(cachePath, verifyCacheTTL)
		if err != nil {
			slog.Warn("identity cache unavailable, verifying without cache", "path", cachePath, "error", err)
		} else {
			defer c.Close()
			c.Sweep()
			cache = c
		}
		verifier = identity.NewVerifier(directoryURL, cache)
	}

	rooms := hub.NewRegistry(ctx, rec)
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: api.New(ctx, rooms, st, verifier).Routes(),
	}

	// Start server in a goroutine so we can listen for shutdown signals.
	go func() {
		slog.Info("hub starting", "port", port, "mirror", st != nil, "verifier", verifier != nil)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	slog.Info("shutting down hub")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	slog.Info("hub stopped")
}
