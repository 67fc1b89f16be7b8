package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/rampart/pkg/api"
	"github.com/Mindburn-Labs/rampart/pkg/config"
)

// runServeCmd implements `rampart serve`.
//
// Exit codes:
//
//	0 = clean shutdown
//	2 = configuration or startup error
func runServeCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		configPath string
		rps        float64
		burst      int
		maxBody    int64
	)
	cmd.StringVar(&configPath, "config", configFlagDefault(), "Path to the YAML configuration")
	cmd.Float64Var(&rps, "rate", 0, "Per-client requests per second on the adapter (0 disables)")
	cmd.IntVar(&burst, "burst", 50, "Per-client burst when --rate is set")
	cmd.Int64Var(&maxBody, "max-body", api.DefaultMaxBody, "Largest accepted snapshot in bytes")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	logger := cfg.Logger(stdout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	h, err := openHost(ctx, cfg, logger)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := h.Close(closeCtx); err != nil {
			logger.Error("shutdown", "error", err)
		}
	}()

	if cfg.Path() != "" {
		watcher, err := config.NewWatcher(cfg, logger, func(next *config.Config) {
			excluded := h.orch.Reload(ctx, next.Descriptors())
			logger.Info("plugins reloaded", "plugins", len(h.orch.Plugins()), "excluded", len(excluded))
		})
		if err != nil {
			logger.Warn("hot reload disabled", "error", err)
		} else {
			go func() { _ = watcher.Run(ctx) }()
		}
	}

	var handler http.Handler = api.NewServer(h.orch, logger, maxBody)
	if rps > 0 {
		limiter := api.NewRateLimiter(rps, burst)
		defer limiter.Close()
		handler = limiter.Middleware(handler)
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("rampart listening", "addr", cfg.Listen, "plugins", len(h.orch.Plugins()))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			return 2
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown", "error", err)
		}
	}
	return 0
}
