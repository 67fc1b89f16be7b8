// Package bridge implements the host functions plugins import from the
// "rampart" module. Every effect a plugin has outside its own memory goes
// through here and is checked against the capabilities in its descriptor.
package bridge

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/rampart/pkg/plugin"
	"github.com/Mindburn-Labs/rampart/pkg/requestctx"
	"github.com/Mindburn-Labs/rampart/pkg/statestore"
)

const (
	// ModuleName is the wasm import module plugins link against.
	ModuleName = "rampart"
	// ABIVersion is matched against each descriptor's abi constraint.
	ABIVersion = "1.0.0"
)

// MetricSink receives plugin-recorded samples.
type MetricSink interface {
	RecordPluginMetric(ctx context.Context, plugin, name string, value float64)
}

// Options configures a Bridge.
type Options struct {
	Store statestore.Store
	// KeyPrefix is prepended to every state key, ahead of the plugin id.
	KeyPrefix string
	Metrics   MetricSink
	Logger    *slog.Logger
	// LogRate and LogBurst bound plugin log lines and clamp warnings per
	// plugin. Zero LogRate means unlimited.
	LogRate  rate.Limit
	LogBurst int
}

// Bridge is shared by every plugin runtime. Per-invocation state lives in
// Call.
type Bridge struct {
	store    statestore.Store
	prefix   string
	metrics  MetricSink
	logger   *slog.Logger
	logRate  rate.Limit
	logBurst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New creates a bridge. A nil store falls back to an in-process store.
func New(opts Options) *Bridge {
	b := &Bridge{
		store:    opts.Store,
		prefix:   opts.KeyPrefix,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
		logRate:  opts.LogRate,
		logBurst: opts.LogBurst,
		limiters: make(map[string]*rate.Limiter),
	}
	if b.store == nil {
		b.store = statestore.NewMemoryStore()
	}
	if b.prefix == "" {
		b.prefix = ModuleName
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	b.logger = b.logger.With("component", "bridge")
	if b.logBurst <= 0 {
		b.logBurst = 10
	}
	return b
}

// NewCall prepares the host side of one invocation.
func (b *Bridge) NewCall(desc *plugin.Descriptor, req *requestctx.Context, phase requestctx.Phase) *Call {
	return &Call{bridge: b, desc: desc, req: req, phase: phase}
}

// Store returns the backing state store.
func (b *Bridge) Store() statestore.Store { return b.store }

// ModuleName implements sandbox.HostModule.
func (b *Bridge) ModuleName() string { return ModuleName }

// Exports lists every host function name, sorted.
func (b *Bridge) Exports() []string {
	names := make([]string, 0, len(hostFunctions))
	for _, fn := range hostFunctions {
		names = append(names, fn.name)
	}
	sort.Strings(names)
	return names
}

func (b *Bridge) namespace(pluginID, key string) string {
	return b.prefix + ":" + pluginID + ":" + key
}

func (b *Bridge) allowLog(pluginID string) bool {
	if b.logRate == 0 || b.logRate == rate.Inf {
		return true
	}
	b.mu.Lock()
	l, ok := b.limiters[pluginID]
	if !ok {
		l = rate.NewLimiter(b.logRate, b.logBurst)
		b.limiters[pluginID] = l
	}
	b.mu.Unlock()
	return l.Allow()
}

func (b *Bridge) warn(ctx context.Context, pluginID, msg string, args ...any) {
	if !b.allowLog(pluginID) {
		return
	}
	b.logger.WarnContext(ctx, msg, append([]any{"plugin", pluginID}, args...)...)
}
