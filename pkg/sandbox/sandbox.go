// Package sandbox loads plugin modules into isolated wazero runtimes and runs
// their phase exports under memory, wall-clock and call budgets.
//
// Every plugin gets its own runtime so the memory ceiling can follow the
// plugin's descriptor. WASI is deny-by-default: no filesystem, no
// environment, no clocks beyond what wazero provides, stdio captured.
package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/experimental"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/Mindburn-Labs/rampart/pkg/plugin"
)

const pageSize = 64 * 1024

const wasiModule = wasi_snapshot_preview1.ModuleName

// Policy holds the host-wide ceilings no descriptor may exceed.
type Policy struct {
	MaxMemoryBytes int64         `yaml:"max_memory_bytes"`
	MaxTimeout     time.Duration `yaml:"max_timeout"`
	// MaxSteps caps the per-invocation call budget; 0 leaves it unbounded.
	MaxSteps uint64 `yaml:"max_steps"`
	// OutputMaxBytes bounds captured guest stdout+stderr per invocation.
	OutputMaxBytes int `yaml:"output_max_bytes"`
}

// DefaultPolicy returns conservative ceilings for request-path plugins.
func DefaultPolicy() Policy {
	return Policy{
		MaxMemoryBytes: 64 << 20,
		MaxTimeout:     250 * time.Millisecond,
		OutputMaxBytes: 64 << 10,
	}
}

// HostModule is the import namespace plugins link against.
type HostModule interface {
	ModuleName() string
	Exports() []string
	Instantiate(ctx context.Context, r wazero.Runtime) error
}

// Module is a compiled, link-checked plugin ready to instantiate.
type Module struct {
	desc     *plugin.Descriptor
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	policy   Policy
	logger   *slog.Logger
	seq      atomic.Uint64
}

// Load compiles wasm for desc and checks it against policy and the host
// module. Failures are returned as *SandboxError.
func Load(ctx context.Context, policy Policy, desc *plugin.Descriptor, wasm []byte, host HostModule) (*Module, error) {
	if err := checkLimits(policy, desc); err != nil {
		return nil, err
	}

	pages := uint32(desc.Limits.MemoryBytes / pageSize)
	if pages == 0 {
		pages = 1
	}

	// Metered plugins run on the interpreter, where function listeners are
	// always available.
	rc := wazero.NewRuntimeConfig()
	if desc.Limits.Steps > 0 {
		rc = wazero.NewRuntimeConfigInterpreter()
		ctx = experimental.WithFunctionListenerFactory(ctx, stepMeter{})
	}
	rc = rc.WithMemoryLimitPages(pages).WithCloseOnContextDone(true)

	r := wazero.NewRuntimeWithConfig(ctx, rc)
	fail := func(code, format string, args ...any) (*Module, error) {
		_ = r.Close(ctx)
		return nil, &SandboxError{Code: code, Plugin: desc.ID(), Message: fmt.Sprintf(format, args...)}
	}

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		return fail(ErrLinkFailure, "instantiate wasi: %v", err)
	}
	if err := host.Instantiate(ctx, r); err != nil {
		return fail(ErrLinkFailure, "instantiate host module: %v", err)
	}

	compiled, err := r.CompileModule(ctx, wasm)
	if err != nil {
		if isMemoryError(err) {
			return fail(ErrResourceExceeded, "declared memory exceeds %d bytes: %v", desc.Limits.MemoryBytes, err)
		}
		return fail(ErrCompileFailure, "%v", err)
	}

	if code, msg := checkLink(compiled, desc, host); code != "" {
		return fail(code, "%s", msg)
	}

	m := &Module{
		desc:     desc,
		runtime:  r,
		compiled: compiled,
		policy:   policy,
		logger:   slog.Default().With("component", "sandbox", "plugin", desc.ID()),
	}

	// A trial instantiation surfaces unresolvable imports and failing
	// initialisers at load time instead of on the request path.
	inst, err := m.Instantiate(ctx)
	if err != nil {
		if isMemoryError(err) {
			return fail(ErrResourceExceeded, "%v", err)
		}
		return fail(ErrLinkFailure, "%v", err)
	}
	_ = inst.Close(ctx)

	return m, nil
}

// Descriptor returns the plugin's descriptor.
func (m *Module) Descriptor() *plugin.Descriptor { return m.desc }

// Close releases the runtime and every instance created from it.
func (m *Module) Close(ctx context.Context) error {
	return m.runtime.Close(ctx)
}

func checkLimits(policy Policy, desc *plugin.Descriptor) error {
	exceeded := func(format string, args ...any) error {
		return &SandboxError{Code: ErrResourceExceeded, Plugin: desc.ID(), Message: fmt.Sprintf(format, args...)}
	}
	l := desc.Limits
	switch {
	case l.MemoryBytes <= 0:
		return exceeded("memory limit must be positive")
	case policy.MaxMemoryBytes > 0 && l.MemoryBytes > policy.MaxMemoryBytes:
		return exceeded("memory limit %d above ceiling %d", l.MemoryBytes, policy.MaxMemoryBytes)
	case l.Timeout <= 0:
		return exceeded("timeout must be positive")
	case policy.MaxTimeout > 0 && l.Timeout > policy.MaxTimeout:
		return exceeded("timeout %s above ceiling %s", l.Timeout, policy.MaxTimeout)
	case policy.MaxSteps > 0 && (l.Steps == 0 || l.Steps > policy.MaxSteps):
		return exceeded("call budget %d outside ceiling %d", l.Steps, policy.MaxSteps)
	}
	return nil
}

func checkLink(compiled wazero.CompiledModule, desc *plugin.Descriptor, host HostModule) (string, string) {
	provided := make(map[string]bool)
	for _, name := range host.Exports() {
		provided[name] = true
	}

	for _, def := range compiled.ImportedFunctions() {
		module, name, _ := def.Import()
		switch module {
		case host.ModuleName():
			if !provided[name] {
				return ErrLinkFailure, fmt.Sprintf("unknown host function %s.%s", module, name)
			}
		case wasiModule:
		default:
			return ErrLinkFailure, fmt.Sprintf("import from unknown module %s.%s", module, name)
		}
	}
	if mems := compiled.ImportedMemories(); len(mems) > 0 {
		module, name, _ := mems[0].Import()
		return ErrLinkFailure, fmt.Sprintf("imported memory %s.%s is not provided", module, name)
	}

	exports := compiled.ExportedFunctions()
	for _, phase := range desc.Phases {
		def, ok := exports[phase.Export()]
		if !ok {
			return ErrLinkFailure, fmt.Sprintf("subscribed phase %s is not exported", phase)
		}
		if len(def.ParamTypes()) != 0 || len(def.ResultTypes()) != 0 {
			return ErrLinkFailure, fmt.Sprintf("export %s must take and return nothing", phase)
		}
	}

	limitPages := uint32(desc.Limits.MemoryBytes / pageSize)
	for name, mem := range compiled.ExportedMemories() {
		if mem.Min() > limitPages {
			return ErrResourceExceeded, fmt.Sprintf("memory %q needs %d pages, limit is %d", name, mem.Min(), limitPages)
		}
	}
	return "", ""
}

// isMemoryError matches wazero's memory limit diagnostics.
func isMemoryError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "memory") &&
		(strings.Contains(msg, "limit") || strings.Contains(msg, "exceeded"))
}

// Instantiate creates a fresh instance with its own linear memory.
func (m *Module) Instantiate(ctx context.Context) (*Instance, error) {
	out := &limitedBuffer{max: m.policy.OutputMaxBytes}
	name := fmt.Sprintf("%s-%d", m.desc.ID(), m.seq.Add(1))
	cfg := wazero.NewModuleConfig().
		WithName(name).
		WithStdout(out).
		WithStderr(out).
		WithStartFunctions("_initialize")
	// Deny-by-default: no WithFSConfig, no WithEnv, no WithArgs.

	mod, err := m.runtime.InstantiateModule(ctx, m.compiled, cfg)
	if err != nil {
		return nil, fmt.Errorf("instantiate %s: %w", name, err)
	}
	return &Instance{module: m, mod: mod, output: out}, nil
}
