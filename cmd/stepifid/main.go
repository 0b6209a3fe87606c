// Package main is the entrypoint for the stepifi conversion server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/asisto-io/stepifi"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := stepifi.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.Info("config loaded",
		"maxConcurrent", cfg.MaxConcurrent,
		"ttl", cfg.TTL,
		"engine", cfg.EngineCommand,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := stepifi.NewBadgerStore(cfg.StoreDir, logger)
	if err != nil {
		return fmt.Errorf("open job store: %w", err)
	}
	defer store.Close()
	logger.Info("job store opened", "dir", cfg.StoreDir)

	artifacts, err := stepifi.NewArtifactStore(cfg.UploadsDir, cfg.ConvertedDir)
	if err != nil {
		return fmt.Errorf("create artifact store: %w", err)
	}

	engine := stepifi.NewFreeCADEngine(cfg.EngineCommand, cfg.EngineScript, cfg.ConvertTimeout, logger)
	if err := engine.Healthy(); err != nil {
		logger.Warn("conversion engine not found, jobs will fail until it is available",
			"command", cfg.EngineCommand, "error", err)
	}

	queue := stepifi.NewFIFOQueue(cfg.QueueCapacity)
	pool := stepifi.NewPool(store, queue, engine, artifacts, cfg, logger)
	if err := pool.Start(ctx); err != nil {
		return fmt.Errorf("start worker pool: %w", err)
	}

	sweeper := stepifi.NewSweeper(store, artifacts, pool, cfg.CleanupInterval, logger)
	go sweeper.Run(ctx)

	server := stepifi.NewServer(store, queue, pool, artifacts, sweeper, engine.Healthy, cfg, logger)
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      server.Router(),
		ReadTimeout:  5 * time.Minute, // large mesh uploads
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	queue.Close()
	pool.Stop()
	sweeper.Stop()

	logger.Info("server stopped gracefully")
	return nil
}
