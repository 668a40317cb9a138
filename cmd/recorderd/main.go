// Recorder daemon - captures dual-channel audio, deduplicates transcripts,
// and schedules LLM cleanup over HTTP/WebSocket control surfaces
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/twintrack/recorder/internal/config"
	"github.com/twintrack/recorder/internal/device"
	"github.com/twintrack/recorder/internal/llm"
	"github.com/twintrack/recorder/internal/metrics"
	"github.com/twintrack/recorder/internal/processing"
	"github.com/twintrack/recorder/internal/server"
	"github.com/twintrack/recorder/internal/session"
	"github.com/twintrack/recorder/internal/store"
)

func main() {
	// Setup structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)

	cfg := config.Load()

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		slog.Error("failed to open database", "path", cfg.DBPath, "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	resolver, err := device.NewResolver()
	if err != nil {
		slog.Error("failed to initialize audio devices", "error", err)
		os.Exit(1)
	}
	defer func() { _ = resolver.Close() }()

	llmClient := llm.NewClient(llm.Options{
		BaseURL: cfg.LLMBaseURL,
		APIKey:  cfg.LLMAPIKey,
		Model:   cfg.LLMModel,
		Timeout: cfg.LLMTimeout,
		Metrics: metrics.Default,
	})

	coord := processing.NewCoordinator(processing.Options{
		Client:  llmClient,
		Metrics: metrics.Default,
	})

	ctrl := session.New(session.Options{
		Config:      cfg,
		Coordinator: coord,
		Resolver:    resolver,
		Store:       db,
		Metrics:     metrics.Default,
	})

	srv := server.New(ctrl, db)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctrl.Run(ctx)

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("recorder starting", "http", cfg.HTTPAddr, "model", cfg.LLMModel, "db", cfg.DBPath)
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down...")

	// End any active session so its final cleanup and summary run.
	if ctrl.State() != session.StateIdle {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.FinalJobWait+cfg.ShutdownTimeout)
		if _, err := ctrl.Stop(stopCtx); err != nil {
			slog.Error("session stop error", "error", err)
		}
		stopCancel()
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	slog.Info("shutdown complete")
}
