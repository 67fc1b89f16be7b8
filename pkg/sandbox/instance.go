package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"

	"github.com/Mindburn-Labs/rampart/pkg/requestctx"
)

// Instance is one instantiation of a Module. It belongs to a single request
// and is used by one goroutine at a time.
type Instance struct {
	module *Module
	mod    api.Module
	output *limitedBuffer
	broken bool
}

// Usable reports whether the instance can take another invocation. Any
// fault leaves it unusable.
func (i *Instance) Usable() bool { return !i.broken }

// Invoke runs the export for phase. The plugin's host calls see ctx, so the
// caller attaches whatever per-invocation state the host module needs.
// Failures come back as *Fault.
func (i *Instance) Invoke(ctx context.Context, phase requestctx.Phase) error {
	desc := i.module.desc
	fault := func(kind FaultKind, err error, format string, args ...any) error {
		i.broken = true
		return &Fault{Kind: kind, Plugin: desc.ID(), Phase: phase, Reason: fmt.Sprintf(format, args...), Err: err}
	}

	if i.broken {
		return fault(FaultTrapped, nil, "instance already faulted")
	}
	fn := i.mod.ExportedFunction(phase.Export())
	if fn == nil {
		return fault(FaultTrapped, nil, "export %s missing", phase.Export())
	}

	var (
		callCtx context.Context
		cancel  context.CancelFunc
	)
	if desc.Limits.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, desc.Limits.Timeout)
	} else {
		callCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	var budget *stepBudget
	if desc.Limits.Steps > 0 {
		budget = &stepBudget{limit: desc.Limits.Steps, cancel: cancel}
		callCtx = context.WithValue(callCtx, budgetKey{}, budget)
	}

	_, err := fn.Call(callCtx)
	i.flushOutput(ctx, phase)
	if err == nil {
		return nil
	}

	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		// Any exit closes the module, even a clean one.
		i.broken = true
		switch code := exitErr.ExitCode(); {
		case code == 0:
			return nil
		case budget != nil && budget.exceeded.Load():
			return fault(FaultTimeout, err, "call budget of %d exhausted", desc.Limits.Steps)
		case ctx.Err() != nil:
			return fault(FaultTimeout, err, "request cancelled: %v", ctx.Err())
		case code == sys.ExitCodeDeadlineExceeded:
			return fault(FaultTimeout, err, "wall-clock limit %s exceeded", desc.Limits.Timeout)
		case code == sys.ExitCodeContextCanceled:
			return fault(FaultTimeout, err, "invocation cancelled")
		default:
			return fault(FaultTrapped, err, "exited with code %d", code)
		}
	}
	return fault(FaultTrapped, err, "%v", err)
}

// Close releases the instance's memory.
func (i *Instance) Close(ctx context.Context) error {
	i.broken = true
	return i.mod.Close(ctx)
}

func (i *Instance) flushOutput(ctx context.Context, phase requestctx.Phase) {
	out, truncated := i.output.drain()
	if len(out) == 0 {
		return
	}
	i.module.logger.DebugContext(ctx, "plugin output",
		"phase", phase.String(), "output", string(out), "truncated", truncated)
}

// limitedBuffer keeps at most max bytes of guest output and drops the rest.
type limitedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.max - b.buf.Len()
	if b.max <= 0 {
		room = len(p)
	}
	if room < len(p) {
		b.truncated = true
		if room > 0 {
			b.buf.Write(p[:room])
		}
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *limitedBuffer) drain() ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := append([]byte(nil), b.buf.Bytes()...)
	truncated := b.truncated
	b.buf.Reset()
	b.truncated = false
	return out, truncated
}
