package sandbox

import (
	"context"
	"sync/atomic"

	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
)

// stepBudget counts function entries during one invocation. Crossing the
// limit cancels the invocation context, which wazero observes because the
// runtime closes modules on context done.
type stepBudget struct {
	limit    uint64
	used     atomic.Uint64
	exceeded atomic.Bool
	cancel   context.CancelFunc
}

type budgetKey struct{}

// stepMeter is installed on metered runtimes at compile time. It is a no-op
// for calls made without a budget in the context.
type stepMeter struct{}

func (stepMeter) NewFunctionListener(api.FunctionDefinition) experimental.FunctionListener {
	return stepMeter{}
}

func (stepMeter) Before(ctx context.Context, _ api.Module, _ api.FunctionDefinition, _ []uint64, _ experimental.StackIterator) {
	b, ok := ctx.Value(budgetKey{}).(*stepBudget)
	if !ok {
		return
	}
	if b.used.Add(1) > b.limit && b.exceeded.CompareAndSwap(false, true) {
		b.cancel()
	}
}

func (stepMeter) After(context.Context, api.Module, api.FunctionDefinition, []uint64) {}

func (stepMeter) Abort(context.Context, api.Module, api.FunctionDefinition, error) {}
