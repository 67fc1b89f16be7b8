package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/Mindburn-Labs/rampart/pkg/decision"
	"github.com/Mindburn-Labs/rampart/pkg/requestctx"
	"github.com/Mindburn-Labs/rampart/pkg/sandbox"
)

// inflight is the host-side bookkeeping for one open request.
type inflight struct {
	reg     *registry
	rc      *requestctx.Context
	entries []*entry
	started time.Time
	track   func(action string, err error)

	// gate serialises entrypoints for the request.
	gate sync.Mutex

	mu        sync.Mutex
	cancel    context.CancelFunc
	instances map[*entry]*sandbox.Instance
	faults    []FaultReport

	releaseOnce sync.Once
}

func newInflight(reg *registry, rc *requestctx.Context, entries []*entry) *inflight {
	return &inflight{
		reg:       reg,
		rc:        rc,
		entries:   entries,
		started:   time.Now(),
		instances: make(map[*entry]*sandbox.Instance, len(entries)),
	}
}

// enter starts an entrypoint bounded by budget. The returned func must be
// called when the entrypoint returns.
func (f *inflight) enter(ctx context.Context, budget time.Duration) (context.Context, func()) {
	f.gate.Lock()

	var cancel context.CancelFunc
	if budget > 0 {
		ctx, cancel = context.WithTimeout(ctx, budget)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	f.mu.Lock()
	f.cancel = cancel
	f.mu.Unlock()

	return ctx, func() {
		f.mu.Lock()
		f.cancel = nil
		f.mu.Unlock()
		cancel()
		f.gate.Unlock()
	}
}

// interrupt cancels the running entrypoint. It reports false when the
// request is idle.
func (f *inflight) interrupt() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancel == nil {
		return false
	}
	f.cancel()
	return true
}

// instance returns the request's instance of e, replacing one that faulted.
func (f *inflight) instance(ctx context.Context, e *entry) (*sandbox.Instance, error) {
	f.mu.Lock()
	inst := f.instances[e]
	if inst != nil && !inst.Usable() {
		delete(f.instances, e)
		e.pool.Put(inst)
		inst = nil
	}
	f.mu.Unlock()
	if inst != nil {
		return inst, nil
	}

	inst, err := e.pool.Get(ctx)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.instances[e] = inst
	f.mu.Unlock()
	return inst, nil
}

func (f *inflight) returnInstances() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for e, inst := range f.instances {
		e.pool.Put(inst)
	}
	clear(f.instances)
}

func (f *inflight) fault(r FaultReport) {
	f.mu.Lock()
	f.faults = append(f.faults, r)
	f.mu.Unlock()
}

func (f *inflight) result(action Action, agg *decision.AggregateDecision, headers map[string][]string) PhaseResult {
	f.mu.Lock()
	faults := append([]FaultReport(nil), f.faults...)
	f.mu.Unlock()
	return PhaseResult{
		RequestID: f.rc.ID(),
		Action:    action,
		Decision:  agg,
		Headers:   headers,
		Faults:    faults,
	}
}
