package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/Mindburn-Labs/rampart/pkg/decision"
	"github.com/Mindburn-Labs/rampart/pkg/plugin"
	"github.com/Mindburn-Labs/rampart/pkg/requestctx"
	"github.com/Mindburn-Labs/rampart/pkg/statestore"
)

const (
	maxKeyLen = 512
	maxTagLen = 128
	maxTags   = 32
)

// Call is the host side of one plugin invocation. The orchestrator creates
// it before invoking a phase export and collects the result afterwards.
type Call struct {
	bridge *Bridge
	desc   *plugin.Descriptor
	req    *requestctx.Context
	phase  requestctx.Phase

	mu          sync.Mutex
	decision    *decision.Decision
	tags        []string
	params      map[string][]byte
	unavailable bool
}

type callKey struct{}

// WithCall attaches c to ctx so host functions can find it.
func WithCall(ctx context.Context, c *Call) context.Context {
	return context.WithValue(ctx, callKey{}, c)
}

// CallFrom returns the call attached to ctx, or nil.
func CallFrom(ctx context.Context) *Call {
	c, _ := ctx.Value(callKey{}).(*Call)
	return c
}

// Plugin returns the calling plugin's descriptor.
func (c *Call) Plugin() *plugin.Descriptor { return c.desc }

// Phase returns the phase being invoked.
func (c *Call) Phase() requestctx.Phase { return c.phase }

// ReadRequestField returns a copy of a request field.
func (c *Call) ReadRequestField(name string) ([]byte, error) {
	v, ok := c.req.RequestField(name)
	if !ok {
		return nil, fmt.Errorf("%w: request field %q", ErrNotFound, name)
	}
	return v, nil
}

// ReadResponseField returns a copy of a response field. It is not found
// until the response has been delivered.
func (c *Call) ReadResponseField(name string) ([]byte, error) {
	v, ok := c.req.ResponseField(name)
	if !ok {
		return nil, fmt.Errorf("%w: response field %q", ErrNotFound, name)
	}
	return v, nil
}

// MutateResponse applies a mutation to the request's response builder.
func (c *Call) MutateResponse(field string, value []byte) error {
	if err := c.require(plugin.CapResponseMutate, "mutate_response"); err != nil {
		return err
	}
	if err := c.req.Builder().Apply(field, value); err != nil {
		if errors.Is(err, requestctx.ErrUnknownField) {
			return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		}
		return err
	}
	return nil
}

// SetParam stages a request-scoped value visible only to this plugin. It
// reaches the request context when the invocation commits.
func (c *Call) SetParam(key string, value []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.params == nil {
		c.params = make(map[string][]byte)
	}
	c.params[key] = append([]byte(nil), value...)
	return nil
}

// GetParam reads a value stored with SetParam during the same request,
// including values staged by this invocation.
func (c *Call) GetParam(key string) ([]byte, error) {
	c.mu.Lock()
	staged, ok := c.params[key]
	c.mu.Unlock()
	if ok {
		return append([]byte(nil), staged...), nil
	}
	v, ok := c.req.Param(c.desc.ID(), key)
	if !ok {
		return nil, fmt.Errorf("%w: param %q", ErrNotFound, key)
	}
	return v, nil
}

// Commit publishes staged params to the request. The orchestrator calls it
// only for invocations that completed without a fault.
func (c *Call) Commit() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range c.params {
		c.req.SetParam(c.desc.ID(), k, v)
	}
	c.params = nil
}

// Config returns the JSON encoding of a guest configuration entry.
func (c *Call) Config(key string) ([]byte, error) {
	v, ok := c.desc.ConfigValue(key)
	if !ok {
		return nil, fmt.Errorf("%w: config %q", ErrNotFound, key)
	}
	return v, nil
}

// StateGet reads a key from the plugin's namespace.
func (c *Call) StateGet(ctx context.Context, key string) ([]byte, error) {
	full, err := c.stateKey(key, "state_get")
	if err != nil {
		return nil, err
	}
	v, err := c.bridge.store.Get(ctx, full)
	return v, c.storeErr(err)
}

// StateSet writes a key; ttl <= 0 keeps it until deleted.
func (c *Call) StateSet(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	full, err := c.stateKey(key, "state_set")
	if err != nil {
		return err
	}
	return c.storeErr(c.bridge.store.Set(ctx, full, value, ttl))
}

// StateIncr adds delta atomically in a single store round trip.
func (c *Call) StateIncr(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	full, err := c.stateKey(key, "state_incr")
	if err != nil {
		return 0, err
	}
	n, err := c.bridge.store.Incr(ctx, full, delta, ttl)
	return n, c.storeErr(err)
}

// StateDel removes a key and reports whether it existed.
func (c *Call) StateDel(ctx context.Context, key string) (bool, error) {
	full, err := c.stateKey(key, "state_del")
	if err != nil {
		return false, err
	}
	n, err := c.bridge.store.Del(ctx, full)
	return n > 0, c.storeErr(err)
}

// StateExpire sets a new TTL on an existing key.
func (c *Call) StateExpire(ctx context.Context, key string, ttl time.Duration) error {
	full, err := c.stateKey(key, "state_expire")
	if err != nil {
		return err
	}
	if ttl <= 0 {
		return fmt.Errorf("%w: ttl must be positive", ErrInvalidArgument)
	}
	return c.storeErr(c.bridge.store.Expire(ctx, full, ttl))
}

// RateLimitIncr counts attempts in a fixed window.
func (c *Call) RateLimitIncr(ctx context.Context, key string, delta int64, window time.Duration) (statestore.Rate, error) {
	full, err := c.stateKey(key, "rate_limit_incr")
	if err != nil {
		return statestore.Rate{}, err
	}
	r, err := c.bridge.store.IncrRateLimit(ctx, full, delta, window)
	return r, c.storeErr(err)
}

// RateLimitCheck reads a window without counting.
func (c *Call) RateLimitCheck(ctx context.Context, key string) (statestore.Rate, error) {
	full, err := c.stateKey(key, "rate_limit_check")
	if err != nil {
		return statestore.Rate{}, err
	}
	r, err := c.bridge.store.CheckRateLimit(ctx, full)
	return r, c.storeErr(err)
}

// BreakerIncr records successes and failures for a circuit.
func (c *Call) BreakerIncr(ctx context.Context, key string, successes, failures int64, window time.Duration) (statestore.Breaker, error) {
	full, err := c.stateKey(key, "breaker_incr")
	if err != nil {
		return statestore.Breaker{}, err
	}
	b, err := c.bridge.store.IncrBreaker(ctx, full, successes, failures, window)
	return b, c.storeErr(err)
}

// BreakerCheck reads a circuit without updating it.
func (c *Call) BreakerCheck(ctx context.Context, key string) (statestore.Breaker, error) {
	full, err := c.stateKey(key, "breaker_check")
	if err != nil {
		return statestore.Breaker{}, err
	}
	b, err := c.bridge.store.CheckBreaker(ctx, full)
	return b, c.storeErr(err)
}

// EmitDecision records the plugin's decision for this phase. Invalid
// weights are clamped and logged; a later emit replaces an earlier one.
func (c *Call) EmitDecision(ctx context.Context, d decision.Decision) error {
	if !c.phase.EmitsDecision() {
		return fmt.Errorf("%w: %s", ErrWrongPhase, c.phase)
	}
	clamped, adjusted := decision.Clamp(d)
	if adjusted {
		c.bridge.warn(ctx, c.desc.ID(), "plugin emitted invalid decision",
			"phase", c.phase.String(), "emitted", d.String(), "clamped", clamped.String())
	}
	c.mu.Lock()
	c.decision = &clamped
	c.mu.Unlock()
	return nil
}

// AddTag attaches a tag to this phase's decision.
func (c *Call) AddTag(tag string) error {
	if !c.phase.EmitsDecision() {
		return fmt.Errorf("%w: %s", ErrWrongPhase, c.phase)
	}
	tag = strings.TrimSpace(tag)
	if tag == "" || len(tag) > maxTagLen {
		return fmt.Errorf("%w: tag length", ErrInvalidArgument)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.tags) >= maxTags {
		return fmt.Errorf("%w: more than %d tags", ErrInvalidArgument, maxTags)
	}
	c.tags = append(c.tags, tag)
	return nil
}

// Outcome returns the aggregate of the last completed phase.
func (c *Call) Outcome() (decision.AggregateDecision, error) {
	agg, ok := c.req.LastAggregate()
	if !ok {
		return decision.AggregateDecision{}, fmt.Errorf("%w: no completed decision phase", ErrNotFound)
	}
	return agg, nil
}

// RecordMetric forwards a sample to the metrics sink. It never fails.
func (c *Call) RecordMetric(ctx context.Context, name string, value float64) {
	if name == "" || math.IsNaN(value) || math.IsInf(value, 0) || c.bridge.metrics == nil {
		return
	}
	c.bridge.metrics.RecordPluginMetric(ctx, c.desc.ID(), name, value)
}

// Log writes a plugin log line, subject to the per-plugin log rate.
func (c *Call) Log(ctx context.Context, level slog.Level, msg string) {
	if !c.bridge.allowLog(c.desc.ID()) {
		return
	}
	c.bridge.logger.Log(ctx, level, msg, "plugin", c.desc.ID(), "phase", c.phase.String(), "request_id", c.req.ID())
}

// Result returns what the plugin emitted. ok is false when it emitted
// neither a decision nor tags.
func (c *Call) Result() (decision.Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.decision == nil && len(c.tags) == 0 {
		return decision.Entry{}, false
	}
	e := decision.Entry{PluginID: c.desc.ID(), Decision: decision.Unknown()}
	if c.decision != nil {
		e.Decision = *c.decision
	}
	e.Tags = append([]string(nil), c.tags...)
	return e, true
}

// StoreUnavailable reports whether any store call in this invocation failed
// because the backend could not be reached.
func (c *Call) StoreUnavailable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unavailable
}

func (c *Call) require(capability plugin.Capability, op string) error {
	if !c.desc.Has(capability) {
		return &CapabilityError{Plugin: c.desc.ID(), Capability: capability, Op: op}
	}
	return nil
}

func (c *Call) stateKey(key, op string) (string, error) {
	if err := c.require(plugin.CapState, op); err != nil {
		return "", err
	}
	if err := checkKey(key); err != nil {
		return "", err
	}
	return c.bridge.namespace(c.desc.ID(), key), nil
}

func (c *Call) storeErr(err error) error {
	if errors.Is(err, statestore.ErrUnavailable) {
		c.mu.Lock()
		c.unavailable = true
		c.mu.Unlock()
	}
	return err
}

func checkKey(key string) error {
	if key == "" || len(key) > maxKeyLen {
		return fmt.Errorf("%w: key length %d", ErrInvalidArgument, len(key))
	}
	return nil
}
