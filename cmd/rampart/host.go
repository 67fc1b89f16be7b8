package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Mindburn-Labs/rampart/pkg/artifacts"
	"github.com/Mindburn-Labs/rampart/pkg/bridge"
	"github.com/Mindburn-Labs/rampart/pkg/config"
	"github.com/Mindburn-Labs/rampart/pkg/observability"
	"github.com/Mindburn-Labs/rampart/pkg/orchestrator"
	"github.com/Mindburn-Labs/rampart/pkg/statestore"
)

// host wires the configured subsystems around an orchestrator.
type host struct {
	telemetry *observability.Provider
	store     statestore.Store
	orch      *orchestrator.Orchestrator
}

func openHost(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*host, error) {
	telemetry, err := observability.New(ctx, &cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	modules, err := artifacts.NewStore(ctx, cfg.Artifacts)
	if err != nil {
		_ = telemetry.Shutdown(ctx)
		return nil, fmt.Errorf("artifact store: %w", err)
	}

	store := cfg.NewStateStore()
	logRate, logBurst := cfg.PluginLogLimit()
	b := bridge.New(bridge.Options{
		Store:     store,
		KeyPrefix: cfg.State.KeyPrefix,
		Metrics:   telemetry,
		Logger:    logger,
		LogRate:   logRate,
		LogBurst:  logBurst,
	})

	orch, err := orchestrator.New(ctx, orchestrator.Options{
		Settings:  cfg.Orchestrator,
		Policy:    cfg.Sandbox,
		Bridge:    b,
		Resolver:  &artifacts.Resolver{Store: modules, BaseDir: cfg.PluginDir},
		Telemetry: telemetry,
		Logger:    logger,
	}, cfg.Descriptors())
	if err != nil {
		_ = store.Close()
		_ = telemetry.Shutdown(ctx)
		return nil, err
	}
	return &host{telemetry: telemetry, store: store, orch: orch}, nil
}

func (h *host) Close(ctx context.Context) error {
	return errors.Join(
		h.orch.Close(ctx),
		h.store.Close(),
		h.telemetry.Shutdown(ctx),
	)
}
