package bridge

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/rampart/pkg/decision"
	"github.com/Mindburn-Labs/rampart/pkg/plugin"
	"github.com/Mindburn-Labs/rampart/pkg/requestctx"
	"github.com/Mindburn-Labs/rampart/pkg/statestore"
)

type sample struct {
	plugin, name string
	value        float64
}

type recordingSink struct {
	mu      sync.Mutex
	samples []sample
}

func (s *recordingSink) RecordPluginMetric(_ context.Context, pluginID, name string, value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, sample{pluginID, name, value})
}

func (s *recordingSink) all() []sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sample(nil), s.samples...)
}

// downStore fails every call as unreachable.
type downStore struct{ statestore.Store }

func (downStore) Get(context.Context, string) ([]byte, error) {
	return nil, &statestore.OpError{Op: "get", Attempts: 3, Err: statestore.ErrUnavailable}
}

func (downStore) Incr(context.Context, string, int64, time.Duration) (int64, error) {
	return 0, &statestore.OpError{Op: "incr", Attempts: 1, Err: statestore.ErrTimeout}
}

func newRequest() *requestctx.Context {
	return requestctx.New(&requestctx.RequestSnapshot{
		ID:      "req-1",
		Method:  http.MethodPost,
		Path:    "/login",
		Headers: http.Header{"X-Api-Key": {"secret"}},
		Body:    []byte(`{"user":"a"}`),
	})
}

func newDesc(name string, caps ...plugin.Capability) *plugin.Descriptor {
	return &plugin.Descriptor{
		Name:         name,
		Version:      "1.0.0",
		Capabilities: caps,
		Config:       map[string]any{"threshold": 5, "mode": "strict"},
	}
}

func TestReadRequestField_ReturnsCopy(t *testing.T) {
	b := New(Options{})
	c := b.NewCall(newDesc("sensor"), newRequest(), requestctx.PhaseOnRequest)

	body, err := c.ReadRequestField("body")
	require.NoError(t, err)
	body[0] = 'X'

	again, err := c.ReadRequestField("body")
	require.NoError(t, err)
	assert.Equal(t, `{"user":"a"}`, string(again))

	v, err := c.ReadRequestField("header:x-api-key")
	require.NoError(t, err)
	assert.Equal(t, "secret", string(v))

	_, err = c.ReadRequestField("header:missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, StatusNotFound, StatusOf(err))
}

func TestReadResponseField_BeforeAndAfterDelivery(t *testing.T) {
	req := newRequest()
	c := New(Options{}).NewCall(newDesc("sensor"), req, requestctx.PhaseOnResponseDecision)

	_, err := c.ReadResponseField("status")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, req.AttachResponse(&requestctx.ResponseSnapshot{RequestID: "req-1", Status: 503}))
	v, err := c.ReadResponseField("status")
	require.NoError(t, err)
	assert.Equal(t, "503", string(v))
}

func TestMutateResponse_RequiresCapability(t *testing.T) {
	req := newRequest()
	b := New(Options{})

	denied := b.NewCall(newDesc("reader"), req, requestctx.PhaseOnRequest)
	err := denied.MutateResponse("header:x-blocked", []byte("1"))
	var capErr *CapabilityError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, plugin.CapResponseMutate, capErr.Capability)
	assert.Equal(t, StatusDenied, StatusOf(err))
	assert.Empty(t, req.Builder().Mutation().SetHeaders)

	granted := b.NewCall(newDesc("writer", plugin.CapResponseMutate), req, requestctx.PhaseOnRequest)
	require.NoError(t, granted.MutateResponse("header:x-blocked", []byte("1")))
	require.NoError(t, granted.MutateResponse("status", []byte("429")))
	assert.Equal(t, StatusInvalid, StatusOf(granted.MutateResponse("cookie", []byte("x"))))

	m := req.Builder().Mutation()
	assert.Equal(t, "1", m.SetHeaders.Get("X-Blocked"))
	assert.Equal(t, 429, m.Status)
}

func TestState_NamespacedPerPlugin(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewMemoryStore()
	b := New(Options{Store: store, KeyPrefix: "rp"})
	req := newRequest()

	a := b.NewCall(newDesc("alpha", plugin.CapState), req, requestctx.PhaseOnRequest)
	z := b.NewCall(newDesc("zeta", plugin.CapState), req, requestctx.PhaseOnRequest)

	require.NoError(t, a.StateSet(ctx, "counter", []byte("a"), 0))
	_, err := z.StateGet(ctx, "counter")
	assert.ErrorIs(t, err, statestore.ErrNotFound)
	assert.Equal(t, StatusNotFound, StatusOf(err))

	raw, err := store.Get(ctx, "rp:alpha:counter")
	require.NoError(t, err)
	assert.Equal(t, "a", string(raw))

	n, err := z.StateIncr(ctx, "hits", 2, time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	deleted, err := a.StateDel(ctx, "counter")
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = a.StateDel(ctx, "counter")
	require.NoError(t, err)
	assert.False(t, deleted)

	assert.Equal(t, StatusInvalid, StatusOf(a.StateExpire(ctx, "hits", 0)))
	assert.Equal(t, StatusInvalid, StatusOf(a.StateSet(ctx, "", []byte("x"), 0)))
}

func TestState_DeniedWithoutCapability(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewMemoryStore()
	c := New(Options{Store: store}).NewCall(newDesc("nostate"), newRequest(), requestctx.PhaseOnRequest)

	err := c.StateSet(ctx, "k", []byte("v"), 0)
	assert.ErrorIs(t, err, ErrCapabilityDenied)
	_, err = c.RateLimitIncr(ctx, "k", 1, time.Second)
	assert.ErrorIs(t, err, ErrCapabilityDenied)
	_, err = c.BreakerCheck(ctx, "k")
	assert.ErrorIs(t, err, ErrCapabilityDenied)

	_, err = store.Get(ctx, "rampart:nostate:k")
	assert.ErrorIs(t, err, statestore.ErrNotFound)
}

func TestRateLimitAndBreaker(t *testing.T) {
	ctx := context.Background()
	c := New(Options{}).NewCall(newDesc("limiter", plugin.CapState), newRequest(), requestctx.PhaseOnRequest)

	for i := 0; i < 3; i++ {
		_, err := c.RateLimitIncr(ctx, "ip:1.2.3.4", 1, time.Minute)
		require.NoError(t, err)
	}
	r, err := c.RateLimitCheck(ctx, "ip:1.2.3.4")
	require.NoError(t, err)
	assert.EqualValues(t, 3, r.Attempts)
	assert.NotZero(t, r.Expiration)

	br, err := c.BreakerIncr(ctx, "upstream", 0, 1, time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 1, br.Failures)
	assert.EqualValues(t, 1, br.ConsecutiveFailures)
}

func TestStore_UnavailableAndTimeoutCodes(t *testing.T) {
	ctx := context.Background()
	c := New(Options{Store: downStore{}}).NewCall(newDesc("sensor", plugin.CapState), newRequest(), requestctx.PhaseOnRequest)

	_, err := c.StateIncr(ctx, "k", 1, 0)
	assert.Equal(t, StatusTimeout, StatusOf(err))
	assert.False(t, c.StoreUnavailable())

	_, err = c.StateGet(ctx, "k")
	assert.Equal(t, StatusUnavailable, StatusOf(err))
	assert.True(t, c.StoreUnavailable())
}

func TestEmitDecision(t *testing.T) {
	ctx := context.Background()
	var logs bytes.Buffer
	b := New(Options{Logger: slog.New(slog.NewTextHandler(&logs, nil))})
	req := newRequest()

	early := b.NewCall(newDesc("sensor"), req, requestctx.PhaseOnRequest)
	err := early.EmitDecision(ctx, decision.Decision{Deny: 1})
	assert.ErrorIs(t, err, ErrWrongPhase)
	assert.Equal(t, StatusWrongPhase, StatusOf(err))
	_, ok := early.Result()
	assert.False(t, ok)

	c := b.NewCall(newDesc("sensor"), req, requestctx.PhaseOnRequestDecision)
	require.NoError(t, c.EmitDecision(ctx, decision.Decision{Accept: 0.1}))
	require.NoError(t, c.EmitDecision(ctx, decision.Decision{Accept: 1, Restrict: 1, Deny: math.NaN()}))
	require.NoError(t, c.AddTag("bot"))

	e, ok := c.Result()
	require.True(t, ok)
	assert.Equal(t, "sensor", e.PluginID)
	assert.NoError(t, e.Decision.Validate())
	assert.Zero(t, e.Decision.Deny)
	assert.InDelta(t, 0.5, e.Decision.Accept, 1e-9)
	assert.Equal(t, []string{"bot"}, e.Tags)
	assert.Contains(t, logs.String(), "plugin emitted invalid decision")

	assert.Equal(t, StatusInvalid, StatusOf(c.AddTag("  ")))
}

func TestResult_TagsOnlyIsUnknown(t *testing.T) {
	c := New(Options{}).NewCall(newDesc("tagger"), newRequest(), requestctx.PhaseOnResponseDecision)
	require.NoError(t, c.AddTag("slow-upstream"))

	e, ok := c.Result()
	require.True(t, ok)
	assert.True(t, e.Decision.IsUnknown())
}

func TestOutcome_LastCompletedPhase(t *testing.T) {
	req := newRequest()
	c := New(Options{}).NewCall(newDesc("sensor"), req, requestctx.PhaseOnDecision)

	_, err := c.Outcome()
	assert.ErrorIs(t, err, ErrNotFound)

	agg := decision.Aggregate([]decision.Entry{{PluginID: "a", Decision: decision.Decision{Deny: 0.8}}})
	req.SetAggregate(requestctx.PhaseOnRequestDecision, agg)

	got, err := c.Outcome()
	require.NoError(t, err)
	assert.Equal(t, decision.Denied, got.Outcome)
}

func TestParamsAndConfig(t *testing.T) {
	req := newRequest()
	b := New(Options{})
	a := b.NewCall(newDesc("alpha"), req, requestctx.PhaseOnRequest)
	z := b.NewCall(newDesc("zeta"), req, requestctx.PhaseOnRequestDecision)

	require.NoError(t, a.SetParam("score", []byte("7")))
	v, err := a.GetParam("score")
	require.NoError(t, err)
	assert.Equal(t, "7", string(v))

	_, err = z.GetParam("score")
	assert.ErrorIs(t, err, ErrNotFound)

	// Staged until the invocation commits.
	_, ok := req.Param("alpha", "score")
	assert.False(t, ok)
	a.Commit()
	later := b.NewCall(newDesc("alpha"), req, requestctx.PhaseOnRequestDecision)
	v, err = later.GetParam("score")
	require.NoError(t, err)
	assert.Equal(t, "7", string(v))

	// A call that never commits leaves nothing behind.
	dropped := b.NewCall(newDesc("alpha"), req, requestctx.PhaseOnRequest)
	require.NoError(t, dropped.SetParam("partial", []byte("1")))
	_, ok = req.Param("alpha", "partial")
	assert.False(t, ok)

	cfg, err := a.Config("threshold")
	require.NoError(t, err)
	assert.JSONEq(t, `5`, string(cfg))
	_, err = a.Config("absent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordMetric_BestEffort(t *testing.T) {
	sink := &recordingSink{}
	c := New(Options{Metrics: sink}).NewCall(newDesc("sensor"), newRequest(), requestctx.PhaseOnRequest)

	c.RecordMetric(context.Background(), "latency_ms", 12.5)
	c.RecordMetric(context.Background(), "bad", math.Inf(1))
	c.RecordMetric(context.Background(), "", 1)

	assert.Equal(t, []sample{{"sensor", "latency_ms", 12.5}}, sink.all())

	// No sink configured: must not panic.
	New(Options{}).NewCall(newDesc("sensor"), newRequest(), requestctx.PhaseOnRequest).
		RecordMetric(context.Background(), "x", 1)
}

func TestLog_RateLimitedPerPlugin(t *testing.T) {
	var logs bytes.Buffer
	b := New(Options{
		Logger:   slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug})),
		LogRate:  rate.Every(time.Hour),
		LogBurst: 2,
	})
	noisy := b.NewCall(newDesc("noisy"), newRequest(), requestctx.PhaseOnRequest)
	quiet := b.NewCall(newDesc("quiet"), newRequest(), requestctx.PhaseOnRequest)

	for i := 0; i < 5; i++ {
		noisy.Log(context.Background(), slog.LevelInfo, "spam")
	}
	quiet.Log(context.Background(), slog.LevelWarn, "once")

	assert.Equal(t, 2, strings.Count(logs.String(), "msg=spam"))
	assert.Equal(t, 1, strings.Count(logs.String(), "msg=once"))
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err  error
		want int32
	}{
		{nil, StatusOK},
		{ErrNotFound, StatusNotFound},
		{&statestore.OpError{Err: statestore.ErrNotFound}, StatusNotFound},
		{&CapabilityError{Plugin: "p", Capability: plugin.CapState}, StatusDenied},
		{&statestore.OpError{Err: statestore.ErrUnavailable}, StatusUnavailable},
		{&statestore.OpError{Err: statestore.ErrTimeout}, StatusTimeout},
		{&statestore.OpError{Err: statestore.ErrRejected}, StatusInvalid},
		{ErrInvalidArgument, StatusInvalid},
		{ErrWrongPhase, StatusWrongPhase},
		{errors.New("boom"), StatusInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusOf(tt.err), "%v", tt.err)
	}
}

func TestExports(t *testing.T) {
	names := New(Options{}).Exports()
	assert.Contains(t, names, "emit_decision")
	assert.Contains(t, names, "state_incr")
	assert.Contains(t, names, "read_response_field")
	assert.Len(t, names, len(hostFunctions))
	assert.IsIncreasing(t, names)
}
