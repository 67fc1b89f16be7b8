// Package orchestrator drives plugins through the phases of an exchange.
//
// A request moves through on_request, on_request_decision, then either
// on_response_decision (once the upstream response arrives) or straight to
// on_decision when the request was denied. Within a phase every subscribed
// plugin runs concurrently; the phase ends at a barrier, after which the
// decisions recorded for it are aggregated. A plugin that times out or traps
// contributes nothing and the request carries on without it.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/rampart/pkg/bridge"
	"github.com/Mindburn-Labs/rampart/pkg/decision"
	"github.com/Mindburn-Labs/rampart/pkg/observability"
	"github.com/Mindburn-Labs/rampart/pkg/plugin"
	"github.com/Mindburn-Labs/rampart/pkg/requestctx"
	"github.com/Mindburn-Labs/rampart/pkg/sandbox"
)

var (
	ErrUnknownRequest   = errors.New("orchestrator: unknown request id")
	ErrDuplicateRequest = errors.New("orchestrator: duplicate request id")
	ErrClosed           = errors.New("orchestrator: closed")
)

// Orchestrator owns the plugin registry and the in-flight requests.
type Orchestrator struct {
	settings  Settings
	policy    sandbox.Policy
	bridge    *bridge.Bridge
	resolver  ModuleResolver
	telemetry *observability.Provider
	logger    *slog.Logger

	regMu    sync.RWMutex
	registry *registry
	reloadMu sync.Mutex

	reqMu    sync.Mutex
	requests map[string]*inflight
	closed   bool

	retiring sync.WaitGroup
	stop     chan struct{}
	janitor  sync.WaitGroup
}

// New loads descs and starts the orchestrator. Plugins that fail to load
// are excluded and reported through Excluded.
func New(ctx context.Context, opts Options, descs []*plugin.Descriptor) (*Orchestrator, error) {
	o := &Orchestrator{
		settings:  opts.Settings,
		policy:    opts.Policy,
		bridge:    opts.Bridge,
		resolver:  opts.Resolver,
		telemetry: opts.Telemetry,
		logger:    opts.Logger,
		requests:  make(map[string]*inflight),
		stop:      make(chan struct{}),
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	o.logger = o.logger.With("component", "orchestrator")
	if o.telemetry == nil {
		p, err := observability.New(ctx, &observability.Config{Enabled: false})
		if err != nil {
			return nil, err
		}
		o.telemetry = p
	}
	if o.bridge == nil {
		o.bridge = bridge.New(bridge.Options{Metrics: o.telemetry, Logger: opts.Logger})
	}

	o.registry = o.loadRegistry(ctx, descs)
	o.logger.InfoContext(ctx, "registry loaded",
		"plugins", len(o.registry.entries), "excluded", len(o.registry.excluded))

	if ttl := o.settings.RequestTTL; ttl > 0 {
		o.janitor.Add(1)
		go o.evictExpired(ttl)
	}
	return o, nil
}

// Reload swaps in a registry built from descs. Requests already in flight
// finish on the registry they started with; the old modules are released
// once the last of them completes.
func (o *Orchestrator) Reload(ctx context.Context, descs []*plugin.Descriptor) []Exclusion {
	o.reloadMu.Lock()
	defer o.reloadMu.Unlock()

	next := o.loadRegistry(ctx, descs)

	o.regMu.Lock()
	old := o.registry
	o.registry = next
	o.regMu.Unlock()

	o.retiring.Add(1)
	go func() {
		defer o.retiring.Done()
		old.retire(context.Background())
	}()

	o.logger.InfoContext(ctx, "registry reloaded",
		"plugins", len(next.entries), "excluded", len(next.excluded))
	return append([]Exclusion(nil), next.excluded...)
}

// Plugins returns the loaded descriptors in canonical order.
func (o *Orchestrator) Plugins() []*plugin.Descriptor {
	o.regMu.RLock()
	defer o.regMu.RUnlock()
	return o.registry.descriptors()
}

// Excluded returns the plugins the current registry left out.
func (o *Orchestrator) Excluded() []Exclusion {
	o.regMu.RLock()
	defer o.regMu.RUnlock()
	return append([]Exclusion(nil), o.registry.excluded...)
}

// InFlight returns the number of requests awaiting completion.
func (o *Orchestrator) InFlight() int {
	o.reqMu.Lock()
	defer o.reqMu.Unlock()
	return len(o.requests)
}

// BeginRequest runs on_request and on_request_decision. A Denied aggregate
// also runs on_decision and completes the request; otherwise the request
// stays open until DeliverResponse or Abort.
func (o *Orchestrator) BeginRequest(ctx context.Context, req *requestctx.RequestSnapshot) PhaseResult {
	snap := req.Clone()
	if snap.ID == "" {
		snap.ID = uuid.NewString()
	}

	inf, err := o.admit(ctx, snap)
	if err != nil {
		return o.errorResult(snap.ID, err)
	}

	ctx, done := inf.enter(ctx, o.settings.RequestBudget)
	defer done()

	for _, phase := range []requestctx.Phase{requestctx.PhaseOnRequest, requestctx.PhaseOnRequestDecision} {
		if err := o.runPhase(ctx, inf, phase); err != nil {
			return o.abort(inf, err)
		}
	}
	agg := o.aggregate(ctx, inf, requestctx.PhaseOnRequestDecision,
		inf.rc.Decisions(requestctx.PhaseOnRequestDecision))
	if agg.Outcome != decision.Denied {
		return inf.result(Continue, &agg, decisionHeaders(&agg))
	}
	return o.finish(ctx, inf, &agg)
}

// DeliverResponse runs on_response_decision and on_decision for a request
// started with BeginRequest.
func (o *Orchestrator) DeliverResponse(ctx context.Context, resp *requestctx.ResponseSnapshot) PhaseResult {
	inf, ok := o.lookup(resp.RequestID)
	if !ok {
		return o.errorResult(resp.RequestID, fmt.Errorf("%w: %s", ErrUnknownRequest, resp.RequestID))
	}

	ctx, done := inf.enter(ctx, o.settings.RequestBudget)
	defer done()

	if err := inf.rc.AttachResponse(resp); err != nil {
		return o.abort(inf, err)
	}

	// A plugin's response-phase entry supersedes its request-phase entry.
	merged := make(map[string]int)
	entries := inf.rc.Decisions(requestctx.PhaseOnRequestDecision)
	for i, e := range entries {
		merged[e.PluginID] = i
	}
	if err := o.runPhase(ctx, inf, requestctx.PhaseOnResponseDecision); err != nil {
		return o.abort(inf, err)
	}
	for _, e := range inf.rc.Decisions(requestctx.PhaseOnResponseDecision) {
		if i, ok := merged[e.PluginID]; ok {
			entries[i] = e
			continue
		}
		merged[e.PluginID] = len(entries)
		entries = append(entries, e)
	}

	agg := o.aggregate(ctx, inf, requestctx.PhaseOnResponseDecision, entries)
	return o.finish(ctx, inf, &agg)
}

// Abort tears a request down and cancels any invocation still running for
// it. It reports false for unknown or finished requests.
func (o *Orchestrator) Abort(requestID, reason string) bool {
	inf, ok := o.lookup(requestID)
	if !ok {
		return false
	}
	if !inf.rc.Abort(reason) {
		return false
	}
	o.logger.Info("request aborted", "request_id", requestID, "reason", reason)
	if !inf.interrupt() {
		// Nothing is running; the next entrypoint will never come.
		o.release(inf, Error, errors.New(reason))
	}
	return true
}

// Close aborts every open request, waits for retiring registries and
// frees all modules.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.reqMu.Lock()
	if o.closed {
		o.reqMu.Unlock()
		return nil
	}
	o.closed = true
	ids := make([]string, 0, len(o.requests))
	for id := range o.requests {
		ids = append(ids, id)
	}
	o.reqMu.Unlock()

	close(o.stop)
	o.janitor.Wait()
	for _, id := range ids {
		o.Abort(id, "shutdown")
	}

	o.retiring.Wait()
	o.regMu.Lock()
	reg := o.registry
	o.regMu.Unlock()

	waited := make(chan struct{})
	go func() {
		reg.retire(ctx)
		close(waited)
	}()
	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) admit(ctx context.Context, snap *requestctx.RequestSnapshot) (*inflight, error) {
	// The registry reference is taken while closed is known to be false, so
	// Close never waits on a registry that is still being acquired.
	o.reqMu.Lock()
	if o.closed {
		o.reqMu.Unlock()
		return nil, ErrClosed
	}
	o.regMu.RLock()
	reg := o.registry
	reg.acquire()
	o.regMu.RUnlock()
	o.reqMu.Unlock()

	inf := newInflight(reg, requestctx.New(snap), reg.selectFor(o, snap))

	o.reqMu.Lock()
	defer o.reqMu.Unlock()
	switch {
	case o.closed:
		reg.release()
		return nil, ErrClosed
	case o.requests[snap.ID] != nil:
		reg.release()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateRequest, snap.ID)
	}
	o.requests[snap.ID] = inf
	_, inf.track = o.telemetry.TrackRequest(ctx, snap.ID)
	return inf, nil
}

func (o *Orchestrator) lookup(id string) (*inflight, bool) {
	o.reqMu.Lock()
	defer o.reqMu.Unlock()
	inf, ok := o.requests[id]
	return inf, ok
}

// finish runs on_decision and completes the request.
func (o *Orchestrator) finish(ctx context.Context, inf *inflight, agg *decision.AggregateDecision) PhaseResult {
	if err := o.runPhase(ctx, inf, requestctx.PhaseOnDecision); err != nil {
		return o.abort(inf, err)
	}
	if err := inf.rc.Transition(requestctx.StateComplete); err != nil {
		return o.abort(inf, err)
	}

	mut := inf.rc.Builder().Mutation()
	headers := decisionHeaders(agg)
	for name, vals := range mut.SetHeaders {
		headers[name] = append([]string(nil), vals...)
	}

	var res PhaseResult
	if agg.Outcome == decision.Denied {
		res = inf.result(Deny, agg, headers)
		res.Status = o.settings.DenyStatus
		if mut.Status != 0 {
			res.Status = mut.Status
		}
		res.Body = []byte(o.settings.DenyBody)
		if mut.ReplaceBody {
			res.Body = mut.Body
		}
	} else {
		res = inf.result(Continue, agg, headers)
	}
	res.Mutation = mut
	o.release(inf, res.Action, nil)
	return res
}

// abort ends a request that cannot continue: budget exhaustion, an explicit
// Abort, store unavailability when configured, or an invalid transition.
func (o *Orchestrator) abort(inf *inflight, cause error) PhaseResult {
	reason := cause.Error()
	if inf.rc.Abort(reason) {
		o.logger.Warn("request aborted", "request_id", inf.rc.ID(), "reason", reason)
	} else if r := inf.rc.AbortReason(); r != "" {
		reason = r
	}
	o.release(inf, Error, cause)
	res := inf.result(Error, nil, nil)
	res.Reason = reason
	res.FailOpen = o.settings.FailOpen
	return res
}

func (o *Orchestrator) errorResult(id string, err error) PhaseResult {
	o.logger.Warn("request rejected", "request_id", id, "error", err)
	return PhaseResult{RequestID: id, Action: Error, Reason: err.Error(), FailOpen: o.settings.FailOpen}
}

// release returns the request's instances, drops its registry reference
// and forgets it. Safe to call more than once.
func (o *Orchestrator) release(inf *inflight, action Action, err error) {
	inf.releaseOnce.Do(func() {
		o.reqMu.Lock()
		delete(o.requests, inf.rc.ID())
		o.reqMu.Unlock()

		inf.returnInstances()
		inf.reg.release()
		if inf.track != nil {
			inf.track(action.String(), err)
		}
	})
}

func (o *Orchestrator) evictExpired(ttl time.Duration) {
	defer o.janitor.Done()
	tick := time.NewTicker(ttl / 2)
	defer tick.Stop()
	for {
		select {
		case <-o.stop:
			return
		case now := <-tick.C:
			o.reqMu.Lock()
			var expired []string
			for id, inf := range o.requests {
				if now.Sub(inf.started) > ttl {
					expired = append(expired, id)
				}
			}
			o.reqMu.Unlock()
			for _, id := range expired {
				o.Abort(id, "request expired")
			}
		}
	}
}
