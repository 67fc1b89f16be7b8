package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/Mindburn-Labs/rampart/pkg/bridge"
	"github.com/Mindburn-Labs/rampart/pkg/decision"
	"github.com/Mindburn-Labs/rampart/pkg/requestctx"
	"github.com/Mindburn-Labs/rampart/pkg/sandbox"
)

var (
	errBudgetExceeded   = errors.New("request budget exceeded")
	errStoreUnavailable = errors.New("state store unavailable")
)

// runPhase invokes every selected plugin subscribed to phase and waits for
// all of them. Plugin faults never fail the phase; only the request's own
// budget, an abort, or store unavailability (when configured) do.
func (o *Orchestrator) runPhase(ctx context.Context, inf *inflight, phase requestctx.Phase) error {
	if err := inf.rc.Transition(requestctx.PhaseState(phase)); err != nil {
		return err
	}

	ctx, span := o.telemetry.StartSpan(ctx, "rampart.phase",
		trace.WithAttributes(
			attribute.String("rampart.request_id", inf.rc.ID()),
			attribute.String("rampart.phase", phase.String()),
		))
	defer span.End()

	var (
		g           errgroup.Group
		unavailable atomic.Bool
	)
	if n := o.settings.Parallelism; n > 0 {
		g.SetLimit(n)
	}
	for _, e := range inf.entries {
		if !e.desc.Subscribes(phase) {
			continue
		}
		g.Go(func() error {
			if o.invoke(ctx, inf, e, phase) {
				unavailable.Store(true)
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		if reason := inf.rc.AbortReason(); reason != "" {
			return errors.New(reason)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w during %s", errBudgetExceeded, phase)
		}
		return fmt.Errorf("request cancelled during %s: %w", phase, err)
	}
	if unavailable.Load() && o.settings.AbortOnUnavailable {
		return fmt.Errorf("%w during %s", errStoreUnavailable, phase)
	}
	return nil
}

// invoke runs one plugin and records its contribution. It reports whether
// the plugin saw the state store unreachable.
func (o *Orchestrator) invoke(ctx context.Context, inf *inflight, e *entry, phase requestctx.Phase) bool {
	id := e.desc.ID()
	start := time.Now()

	inst, err := inf.instance(ctx, e)
	if err != nil {
		o.recordFault(ctx, inf, id, phase, sandbox.FaultTrapped, fmt.Sprintf("instantiate: %v", err))
		o.telemetry.RecordInvocation(ctx, id, phase.String(), string(sandbox.FaultTrapped), time.Since(start))
		return false
	}

	call := o.bridge.NewCall(e.desc, inf.rc, phase)
	err = inst.Invoke(bridge.WithCall(ctx, call), phase)

	result := "ok"
	var fault *sandbox.Fault
	switch {
	case errors.As(err, &fault):
		result = string(fault.Kind)
		o.recordFault(ctx, inf, id, phase, fault.Kind, fault.Reason)
	case err != nil:
		result = string(sandbox.FaultTrapped)
		o.recordFault(ctx, inf, id, phase, sandbox.FaultTrapped, err.Error())
	default:
		call.Commit()
		if !phase.EmitsDecision() {
			break
		}
		if entry, ok := call.Result(); ok {
			inf.rc.RecordDecision(phase, entry)
		}
	}
	o.telemetry.RecordInvocation(ctx, id, phase.String(), result, time.Since(start))
	return call.StoreUnavailable()
}

func (o *Orchestrator) recordFault(ctx context.Context, inf *inflight, plugin string, phase requestctx.Phase, kind sandbox.FaultKind, reason string) {
	o.logger.WarnContext(ctx, "plugin fault",
		"request_id", inf.rc.ID(), "plugin", plugin, "phase", phase.String(), "kind", kind, "reason", reason)
	o.telemetry.RecordFault(ctx, plugin, phase.String(), string(kind))
	inf.fault(FaultReport{Plugin: plugin, Phase: phase.String(), Kind: string(kind), Reason: reason})
}

// aggregate combines entries and publishes the result to plugins of later
// phases.
func (o *Orchestrator) aggregate(ctx context.Context, inf *inflight, phase requestctx.Phase, entries []decision.Entry) decision.AggregateDecision {
	agg := decision.Aggregate(entries)
	inf.rc.SetAggregate(phase, agg)
	o.telemetry.RecordDecision(ctx, phase.String(), agg.Outcome.String())
	o.logger.DebugContext(ctx, "phase aggregated",
		"request_id", inf.rc.ID(), "phase", phase.String(), "outcome", agg.Outcome.String(),
		"score", agg.Score, "contributors", len(entries))
	return agg
}
