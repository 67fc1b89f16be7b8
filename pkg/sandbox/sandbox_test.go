package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero"

	"github.com/Mindburn-Labs/rampart/internal/wasmtest"
	"github.com/Mindburn-Labs/rampart/pkg/plugin"
	"github.com/Mindburn-Labs/rampart/pkg/requestctx"
)

// testHost exposes a single no-op function under "rampart".
type testHost struct{}

func (testHost) ModuleName() string { return "rampart" }
func (testHost) Exports() []string  { return []string{"noop"} }
func (testHost) Instantiate(ctx context.Context, r wazero.Runtime) error {
	_, err := r.NewHostModuleBuilder("rampart").
		NewFunctionBuilder().WithFunc(func(context.Context) {}).Export("noop").
		Instantiate(ctx)
	return err
}

func descriptor(phases ...requestctx.Phase) *plugin.Descriptor {
	if len(phases) == 0 {
		phases = []requestctx.Phase{requestctx.PhaseOnRequest}
	}
	return &plugin.Descriptor{
		Name:    "sensor",
		Version: "1.0.0",
		Module:  "inline",
		Phases:  phases,
		Limits:  plugin.Limits{MemoryBytes: 1 << 20, Timeout: 200 * time.Millisecond},
	}
}

func testPolicy() Policy {
	return Policy{MaxMemoryBytes: 4 << 20, MaxTimeout: 5 * time.Second, OutputMaxBytes: 1024}
}

// module exporting on_request with the given body.
func moduleWith(body ...[]byte) []byte {
	m := wasmtest.New()
	m.Import("rampart", "noop", nil, nil)
	fn := m.Func(nil, nil, nil, body...)
	return m.Memory(1).Export("on_request", fn).Bytes()
}

func sandboxCode(t *testing.T, err error) string {
	t.Helper()
	var se *SandboxError
	require.ErrorAs(t, err, &se)
	return se.Code
}

func faultOf(t *testing.T, err error) *Fault {
	t.Helper()
	var f *Fault
	require.ErrorAs(t, err, &f)
	return f
}

func TestLoadAndInvoke(t *testing.T) {
	ctx := context.Background()
	m, err := Load(ctx, testPolicy(), descriptor(), moduleWith(wasmtest.Call(0)), testHost{})
	require.NoError(t, err)
	defer m.Close(ctx)

	inst, err := m.Instantiate(ctx)
	require.NoError(t, err)
	require.NoError(t, inst.Invoke(ctx, requestctx.PhaseOnRequest))
	require.NoError(t, inst.Invoke(ctx, requestctx.PhaseOnRequest))
	assert.True(t, inst.Usable())
}

func TestLoad_LinkFailures(t *testing.T) {
	ctx := context.Background()

	unknownHostFn := wasmtest.New()
	unknownHostFn.Import("rampart", "open_socket", nil, nil)
	fn := unknownHostFn.Func(nil, nil, nil)
	unknownHostFn.Export("on_request", fn)

	unknownModule := wasmtest.New()
	unknownModule.Import("env", "abort", nil, nil)
	fn = unknownModule.Func(nil, nil, nil)
	unknownModule.Export("on_request", fn)

	missingExport := wasmtest.New()
	fn = missingExport.Func(nil, nil, nil)
	missingExport.Export("on_request", fn)

	wrongSignature := wasmtest.New()
	fn = wrongSignature.Func([]byte{wasmtest.I32}, nil, nil)
	wrongSignature.Export("on_request", fn)

	tests := []struct {
		name   string
		wasm   []byte
		phases []requestctx.Phase
	}{
		{"unknown host function", unknownHostFn.Bytes(), nil},
		{"unknown import module", unknownModule.Bytes(), nil},
		{"subscribed phase not exported", missingExport.Bytes(), []requestctx.Phase{requestctx.PhaseOnRequest, requestctx.PhaseOnDecision}},
		{"wrong export signature", wrongSignature.Bytes(), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(ctx, testPolicy(), descriptor(tt.phases...), tt.wasm, testHost{})
			assert.Equal(t, ErrLinkFailure, sandboxCode(t, err))
		})
	}
}

func TestLoad_CompileFailure(t *testing.T) {
	_, err := Load(context.Background(), testPolicy(), descriptor(), []byte("not wasm"), testHost{})
	assert.Equal(t, ErrCompileFailure, sandboxCode(t, err))
}

func TestLoad_ResourceExceeded(t *testing.T) {
	ctx := context.Background()

	t.Run("declared memory above limit", func(t *testing.T) {
		m := wasmtest.New()
		fn := m.Func(nil, nil, nil)
		wasm := m.Memory(32).Export("on_request", fn).Bytes()

		_, err := Load(ctx, testPolicy(), descriptor(), wasm, testHost{})
		assert.Equal(t, ErrResourceExceeded, sandboxCode(t, err))
	})

	t.Run("limits above ceilings", func(t *testing.T) {
		d := descriptor()
		d.Limits.MemoryBytes = 1 << 30
		_, err := Load(ctx, testPolicy(), d, moduleWith(), testHost{})
		assert.Equal(t, ErrResourceExceeded, sandboxCode(t, err))

		d = descriptor()
		d.Limits.Timeout = time.Minute
		_, err = Load(ctx, testPolicy(), d, moduleWith(), testHost{})
		assert.Equal(t, ErrResourceExceeded, sandboxCode(t, err))
	})
}

func TestInvoke_TimeoutFault(t *testing.T) {
	ctx := context.Background()
	d := descriptor()
	d.Limits.Timeout = 50 * time.Millisecond

	spin := moduleWith(wasmtest.Loop, wasmtest.Br(0), wasmtest.End)
	m, err := Load(ctx, testPolicy(), d, spin, testHost{})
	require.NoError(t, err)
	defer m.Close(ctx)

	inst, err := m.Instantiate(ctx)
	require.NoError(t, err)

	start := time.Now()
	err = inst.Invoke(ctx, requestctx.PhaseOnRequest)
	f := faultOf(t, err)
	assert.Equal(t, FaultTimeout, f.Kind)
	assert.Equal(t, "sensor", f.Plugin)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.False(t, inst.Usable())
}

func TestInvoke_CallBudgetFault(t *testing.T) {
	ctx := context.Background()
	d := descriptor()
	d.Limits.Timeout = 3 * time.Second
	d.Limits.Steps = 500

	m := wasmtest.New()
	m.Import("rampart", "noop", nil, nil)
	helper := m.Func(nil, nil, nil)
	entry := m.Func(nil, nil, nil, wasmtest.Loop, wasmtest.Call(helper), wasmtest.Br(0), wasmtest.End)
	wasm := m.Memory(1).Export("on_request", entry).Bytes()

	mod, err := Load(ctx, testPolicy(), d, wasm, testHost{})
	require.NoError(t, err)
	defer mod.Close(ctx)

	inst, err := mod.Instantiate(ctx)
	require.NoError(t, err)

	start := time.Now()
	f := faultOf(t, inst.Invoke(ctx, requestctx.PhaseOnRequest))
	assert.Equal(t, FaultTimeout, f.Kind)
	assert.Contains(t, f.Reason, "call budget")
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestInvoke_TrapFault(t *testing.T) {
	ctx := context.Background()
	m, err := Load(ctx, testPolicy(), descriptor(), moduleWith(wasmtest.Unreachable), testHost{})
	require.NoError(t, err)
	defer m.Close(ctx)

	inst, err := m.Instantiate(ctx)
	require.NoError(t, err)
	f := faultOf(t, inst.Invoke(ctx, requestctx.PhaseOnRequest))
	assert.Equal(t, FaultTrapped, f.Kind)

	// A faulted instance stays faulted; a sibling is unaffected.
	f = faultOf(t, inst.Invoke(ctx, requestctx.PhaseOnRequest))
	assert.Equal(t, FaultTrapped, f.Kind)

	sibling, err := m.Instantiate(ctx)
	require.NoError(t, err)
	assert.True(t, sibling.Usable())
}

func TestInvoke_CancelledRequest(t *testing.T) {
	d := descriptor()
	d.Limits.Timeout = 3 * time.Second
	m, err := Load(context.Background(), testPolicy(), d, moduleWith(wasmtest.Loop, wasmtest.Br(0), wasmtest.End), testHost{})
	require.NoError(t, err)
	defer m.Close(context.Background())

	inst, err := m.Instantiate(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	f := faultOf(t, inst.Invoke(ctx, requestctx.PhaseOnRequest))
	assert.Equal(t, FaultTimeout, f.Kind)
	assert.Contains(t, f.Reason, "request cancelled")
}

// Invariant: instances never share linear memory.
func TestInstances_IsolatedMemory(t *testing.T) {
	ctx := context.Background()
	// Stores 42 at address 16.
	wasm := moduleWith(wasmtest.I32Const(16), wasmtest.I32Const(42), wasmtest.I32Store(0))
	m, err := Load(ctx, testPolicy(), descriptor(), wasm, testHost{})
	require.NoError(t, err)
	defer m.Close(ctx)

	first, err := m.Instantiate(ctx)
	require.NoError(t, err)
	second, err := m.Instantiate(ctx)
	require.NoError(t, err)

	require.NoError(t, first.Invoke(ctx, requestctx.PhaseOnRequest))

	v, ok := first.mod.Memory().ReadByte(16)
	require.True(t, ok)
	assert.Equal(t, byte(42), v)

	v, ok = second.mod.Memory().ReadByte(16)
	require.True(t, ok)
	assert.Zero(t, v)
}

func TestPool_ReplacesReleasedInstances(t *testing.T) {
	ctx := context.Background()
	wasm := moduleWith(wasmtest.I32Const(16), wasmtest.I32Const(42), wasmtest.I32Store(0))
	m, err := Load(ctx, testPolicy(), descriptor(), wasm, testHost{})
	require.NoError(t, err)
	defer m.Close(ctx)

	pool, err := NewPool(ctx, m, 2)
	require.NoError(t, err)
	defer pool.Close(ctx)
	assert.Equal(t, 2, pool.Warm())

	inst, err := pool.Get(ctx)
	require.NoError(t, err)
	require.NoError(t, inst.Invoke(ctx, requestctx.PhaseOnRequest))
	pool.Put(inst)
	assert.False(t, inst.Usable())

	require.Eventually(t, func() bool { return pool.Warm() == 2 }, 2*time.Second, 10*time.Millisecond)

	for i := 0; i < 2; i++ {
		fresh, err := pool.Get(ctx)
		require.NoError(t, err)
		v, ok := fresh.mod.Memory().ReadByte(16)
		require.True(t, ok)
		assert.Zero(t, v, "pooled instance must start from clean memory")
	}
}

func TestPool_EmptyInstantiatesOnDemand(t *testing.T) {
	ctx := context.Background()
	m, err := Load(ctx, testPolicy(), descriptor(), moduleWith(), testHost{})
	require.NoError(t, err)
	defer m.Close(ctx)

	pool, err := NewPool(ctx, m, 0)
	require.NoError(t, err)
	inst, err := pool.Get(ctx)
	require.NoError(t, err)
	pool.Put(inst)
	assert.Zero(t, pool.Warm())
	pool.Close(ctx)
}

func TestLimitedBuffer(t *testing.T) {
	b := &limitedBuffer{max: 4}
	n, err := b.Write([]byte("abcdef"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	out, truncated := b.drain()
	assert.Equal(t, "abcd", string(out))
	assert.True(t, truncated)

	out, truncated = b.drain()
	assert.Empty(t, out)
	assert.False(t, truncated)
}
