package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/Mindburn-Labs/rampart/pkg/bridge"
	"github.com/Mindburn-Labs/rampart/pkg/plugin"
	"github.com/Mindburn-Labs/rampart/pkg/requestctx"
	"github.com/Mindburn-Labs/rampart/pkg/sandbox"
)

// Exclusion codes for failures that happen before the sandbox sees a module.
const (
	ErrInvalidDescriptor = "ERR_INVALID_DESCRIPTOR"
	ErrDuplicatePlugin   = "ERR_DUPLICATE_PLUGIN"
	ErrInvalidSelector   = "ERR_INVALID_SELECTOR"
	ErrModuleUnavailable = "ERR_MODULE_UNAVAILABLE"
)

// Exclusion reports a plugin left out of a registry. It stays out until
// the next reload.
type Exclusion struct {
	Plugin  string `json:"plugin"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type entry struct {
	desc     *plugin.Descriptor
	module   *sandbox.Module
	pool     *sandbox.Pool
	selector *plugin.Selector
}

// registry is an immutable set of loaded plugins. In-flight requests hold a
// reference so a reload never closes a module under them.
type registry struct {
	entries  []*entry // ascending plugin id
	excluded []Exclusion
	refs     sync.WaitGroup
}

func (r *registry) acquire() { r.refs.Add(1) }
func (r *registry) release() { r.refs.Done() }

// retire waits for every in-flight request, then frees the modules.
func (r *registry) retire(ctx context.Context) {
	r.refs.Wait()
	r.close(ctx)
}

func (r *registry) close(ctx context.Context) {
	for _, e := range r.entries {
		e.pool.Close(ctx)
		_ = e.module.Close(ctx)
	}
}

func (r *registry) descriptors() []*plugin.Descriptor {
	out := make([]*plugin.Descriptor, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.desc)
	}
	return out
}

// selectFor returns the entries whose selector matches req.
func (r *registry) selectFor(o *Orchestrator, req *requestctx.RequestSnapshot) []*entry {
	out := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		ok, err := e.selector.Matches(req)
		if err != nil {
			o.logger.Warn("selector evaluation failed", "plugin", e.desc.ID(), "request_id", req.ID, "error", err)
			continue
		}
		if ok {
			out = append(out, e)
		}
	}
	return out
}

type loadResult struct {
	entry     *entry
	exclusion *Exclusion
}

// loadRegistry validates, resolves and compiles every descriptor. Plugins
// that fail are excluded and reported; the rest form the registry.
func (o *Orchestrator) loadRegistry(ctx context.Context, descs []*plugin.Descriptor) *registry {
	results := make([]loadResult, len(descs))
	seen := make(map[string]bool)

	var g errgroup.Group
	if n := o.settings.LoadConcurrency; n > 0 {
		g.SetLimit(n)
	}
	for i, d := range descs {
		d = d.WithDefaults(o.settings.DefaultLimits)
		exclude := func(code string, err error) {
			results[i] = loadResult{exclusion: &Exclusion{Plugin: d.Name, Code: code, Message: err.Error()}}
		}
		if err := d.Validate(bridge.ABIVersion); err != nil {
			exclude(ErrInvalidDescriptor, err)
			continue
		}
		if seen[d.ID()] {
			exclude(ErrDuplicatePlugin, fmt.Errorf("plugin %s declared more than once", d.ID()))
			continue
		}
		seen[d.ID()] = true

		g.Go(func() error {
			e, code, err := o.loadPlugin(ctx, d)
			if err != nil {
				exclude(code, err)
				return nil
			}
			results[i] = loadResult{entry: e}
			return nil
		})
	}
	_ = g.Wait()

	reg := &registry{}
	for _, res := range results {
		switch {
		case res.entry != nil:
			reg.entries = append(reg.entries, res.entry)
		case res.exclusion != nil:
			reg.excluded = append(reg.excluded, *res.exclusion)
			o.logger.WarnContext(ctx, "plugin excluded",
				"plugin", res.exclusion.Plugin, "code", res.exclusion.Code, "error", res.exclusion.Message)
			o.telemetry.RecordLoadFailure(ctx, res.exclusion.Plugin, res.exclusion.Code)
		}
	}
	sortEntries(reg.entries)
	return reg
}

func (o *Orchestrator) loadPlugin(ctx context.Context, d *plugin.Descriptor) (*entry, string, error) {
	sel, err := plugin.CompileSelector(d.When)
	if err != nil {
		return nil, ErrInvalidSelector, err
	}
	if o.resolver == nil {
		return nil, ErrModuleUnavailable, errors.New("no module resolver configured")
	}
	wasm, err := o.resolver.Resolve(ctx, d.Module)
	if err != nil {
		return nil, ErrModuleUnavailable, err
	}

	mod, err := sandbox.Load(ctx, o.policy, d, wasm, o.bridge)
	if err != nil {
		var se *sandbox.SandboxError
		if errors.As(err, &se) {
			return nil, se.Code, err
		}
		return nil, sandbox.ErrLinkFailure, err
	}
	pool, err := sandbox.NewPool(ctx, mod, o.settings.PoolSize)
	if err != nil {
		_ = mod.Close(ctx)
		return nil, sandbox.ErrResourceExceeded, err
	}
	o.logger.InfoContext(ctx, "plugin loaded",
		"plugin", d.ID(), "version", d.Version, "phases", len(d.Phases), "metered", d.Limits.Steps > 0)
	return &entry{desc: d, module: mod, pool: pool, selector: sel}, "", nil
}

func sortEntries(es []*entry) {
	sort.Slice(es, func(i, j int) bool { return es[i].desc.ID() < es[j].desc.ID() })
}
