package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/rampart/pkg/bridge"
	"github.com/Mindburn-Labs/rampart/pkg/observability"
	"github.com/Mindburn-Labs/rampart/pkg/plugin"
	"github.com/Mindburn-Labs/rampart/pkg/sandbox"
)

// Settings are the operator-facing knobs, loaded from the config file.
type Settings struct {
	// RequestBudget bounds each entrypoint (BeginRequest, DeliverResponse)
	// as a whole. Exceeding it aborts the request. Zero disables it.
	RequestBudget time.Duration `yaml:"request_budget"`
	// Parallelism caps concurrent invocations per phase; 0 is unbounded.
	Parallelism int `yaml:"parallelism"`
	// PoolSize is the number of pre-instantiated instances per plugin.
	PoolSize int `yaml:"pool_size"`
	// LoadConcurrency bounds how many plugins compile at once.
	LoadConcurrency int `yaml:"load_concurrency"`
	// AbortOnUnavailable aborts a request when any plugin saw the state
	// store unreachable. Off by default: the plugin just gets -3.
	AbortOnUnavailable bool `yaml:"abort_on_unavailable"`
	// FailOpen is the hint returned with Error results.
	FailOpen bool `yaml:"fail_open"`
	// DenyStatus and DenyBody shape the response for Denied outcomes
	// unless a plugin mutated status or body.
	DenyStatus int    `yaml:"deny_status"`
	DenyBody   string `yaml:"deny_body"`
	// RequestTTL evicts requests whose response never arrives.
	RequestTTL time.Duration `yaml:"request_ttl"`
	// DefaultLimits fill descriptor limits left at zero.
	DefaultLimits plugin.Limits `yaml:"default_limits"`
}

// DefaultSettings returns the settings used when the config omits them.
func DefaultSettings() Settings {
	return Settings{
		RequestBudget:   time.Second,
		PoolSize:        4,
		LoadConcurrency: 4,
		DenyStatus:      403,
		DenyBody:        "Forbidden",
		RequestTTL:      time.Minute,
		DefaultLimits: plugin.Limits{
			MemoryBytes: 16 << 20,
			Timeout:     100 * time.Millisecond,
		},
	}
}

// ModuleResolver loads the wasm bytes a descriptor points at.
type ModuleResolver interface {
	Resolve(ctx context.Context, module string) ([]byte, error)
}

// Options wires an Orchestrator.
type Options struct {
	Settings  Settings
	Policy    sandbox.Policy
	Bridge    *bridge.Bridge
	Resolver  ModuleResolver
	Telemetry *observability.Provider
	Logger    *slog.Logger
}
