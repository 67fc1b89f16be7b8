// Package requestctx holds the per-request state shared between the phases
// of one exchange: the request and response snapshots, the response builder,
// the decisions recorded per phase, per-plugin scratch values and the
// lifecycle state machine.
package requestctx

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Mindburn-Labs/rampart/pkg/decision"
)

// State is the lifecycle position of a request.
type State int

const (
	StateCreated State = iota
	StateOnRequest
	StateOnRequestDecision
	StateOnResponseDecision
	StateOnDecision
	StateComplete
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateOnRequest:
		return "on_request"
	case StateOnRequestDecision:
		return "on_request_decision"
	case StateOnResponseDecision:
		return "on_response_decision"
	case StateOnDecision:
		return "on_decision"
	case StateComplete:
		return "complete"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == StateComplete || s == StateAborted }

// ErrInvalidTransition signals a lifecycle violation. The request cannot be
// trusted afterwards and must be aborted.
var ErrInvalidTransition = errors.New("requestctx: invalid state transition")

var transitions = map[State][]State{
	StateCreated:            {StateOnRequest},
	StateOnRequest:          {StateOnRequestDecision},
	StateOnRequestDecision:  {StateOnResponseDecision, StateOnDecision},
	StateOnResponseDecision: {StateOnDecision},
	StateOnDecision:         {StateComplete},
}

// PhaseState maps a phase to the state entered when it starts.
func PhaseState(p Phase) State {
	switch p {
	case PhaseOnRequest:
		return StateOnRequest
	case PhaseOnRequestDecision:
		return StateOnRequestDecision
	case PhaseOnResponseDecision:
		return StateOnResponseDecision
	case PhaseOnDecision:
		return StateOnDecision
	default:
		return StateAborted
	}
}

// Context is created at request arrival and torn down after OnDecision or an
// abort. It is safe for concurrent use by the plugins of one phase.
type Context struct {
	mu sync.RWMutex

	request  *RequestSnapshot
	response *ResponseSnapshot
	builder  ResponseBuilder

	state       State
	abortReason string

	decisions  map[Phase][]decision.Entry
	aggregates map[Phase]decision.AggregateDecision
	last       *decision.AggregateDecision
	params     map[string]map[string][]byte
}

// New creates a context owning a private copy of req.
func New(req *RequestSnapshot) *Context {
	return &Context{
		request:    req.Clone(),
		decisions:  make(map[Phase][]decision.Entry),
		aggregates: make(map[Phase]decision.AggregateDecision),
		params:     make(map[string]map[string][]byte),
	}
}

// ID is the request identifier.
func (c *Context) ID() string { return c.request.ID }

// Request returns the request snapshot. Callers must not modify it.
func (c *Context) Request() *RequestSnapshot { return c.request }

// RequestField returns a copy of a request field.
func (c *Context) RequestField(name string) ([]byte, bool) {
	return c.request.Field(name)
}

// AttachResponse stores the upstream response. It may only happen once.
func (c *Context) AttachResponse(resp *ResponseSnapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.response != nil {
		return fmt.Errorf("%w: response already delivered", ErrInvalidTransition)
	}
	c.response = resp.Clone()
	return nil
}

// ResponseField returns a copy of a response field once the response exists.
func (c *Context) ResponseField(name string) ([]byte, bool) {
	c.mu.RLock()
	resp := c.response
	c.mu.RUnlock()
	if resp == nil {
		return nil, false
	}
	return resp.Field(name)
}

// Builder returns the response builder.
func (c *Context) Builder() *ResponseBuilder { return &c.builder }

// State returns the current lifecycle state.
func (c *Context) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Transition moves to next or fails with ErrInvalidTransition.
func (c *Context) Transition(next State) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if next == StateAborted && !c.state.Terminal() {
		c.state = next
		return nil
	}
	for _, allowed := range transitions[c.state] {
		if allowed == next {
			c.state = next
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.state, next)
}

// Abort moves to StateAborted and records why. It reports false when the
// request had already finished.
func (c *Context) Abort(reason string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Terminal() {
		return false
	}
	c.state = StateAborted
	c.abortReason = reason
	return true
}

// AbortReason is set once the request was aborted.
func (c *Context) AbortReason() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.abortReason
}

// RecordDecision stores a plugin's entry for a phase. A second entry from the
// same plugin in the same phase replaces the first.
func (c *Context) RecordDecision(p Phase, e decision.Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries := c.decisions[p]
	for i := range entries {
		if entries[i].PluginID == e.PluginID {
			entries[i] = e
			return
		}
	}
	c.decisions[p] = append(entries, e)
}

// Decisions returns a copy of the entries recorded for a phase.
func (c *Context) Decisions(p Phase) []decision.Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]decision.Entry(nil), c.decisions[p]...)
}

// SetAggregate records the aggregate of a completed phase. It becomes the
// most recent outcome visible to plugins.
func (c *Context) SetAggregate(p Phase, agg decision.AggregateDecision) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.aggregates[p] = agg
	c.last = &agg
}

// Aggregate returns the aggregate of a completed phase.
func (c *Context) Aggregate(p Phase) (decision.AggregateDecision, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	agg, ok := c.aggregates[p]
	return agg, ok
}

// LastAggregate returns the most recent completed aggregate, if any.
func (c *Context) LastAggregate() (decision.AggregateDecision, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.last == nil {
		return decision.AggregateDecision{}, false
	}
	return *c.last, true
}

// SetParam stores a request-scoped value in the plugin's namespace.
func (c *Context) SetParam(pluginID, key string, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ns, ok := c.params[pluginID]
	if !ok {
		ns = make(map[string][]byte)
		c.params[pluginID] = ns
	}
	ns[key] = append([]byte(nil), value...)
}

// Param reads a value from the plugin's namespace.
func (c *Context) Param(pluginID, key string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.params[pluginID][key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), v...), true
}
