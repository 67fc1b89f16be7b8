package bridge

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/Mindburn-Labs/rampart/pkg/decision"
)

const (
	i32 = api.ValueTypeI32
	i64 = api.ValueTypeI64
	f64 = api.ValueTypeF64
)

const maxLogLen = 1024

// OutcomeSize is the number of bytes get_outcome writes: the outcome as
// i64 followed by score, accept, restrict and deny as f64.
const OutcomeSize = 40

type hostFunction struct {
	name    string
	params  []api.ValueType
	results []api.ValueType
	fn      func(ctx context.Context, c *Call, mod api.Module, stack []uint64)
}

var hostFunctions = []hostFunction{
	{"read_request_field", []api.ValueType{i32, i32, i32, i32}, []api.ValueType{i32}, readRequestField},
	{"read_response_field", []api.ValueType{i32, i32, i32, i32}, []api.ValueType{i32}, readResponseField},
	{"mutate_response", []api.ValueType{i32, i32, i32, i32}, []api.ValueType{i32}, mutateResponse},
	{"get_param", []api.ValueType{i32, i32, i32, i32}, []api.ValueType{i32}, getParam},
	{"set_param", []api.ValueType{i32, i32, i32, i32}, []api.ValueType{i32}, setParam},
	{"get_config", []api.ValueType{i32, i32, i32, i32}, []api.ValueType{i32}, getConfig},
	{"state_get", []api.ValueType{i32, i32, i32, i32}, []api.ValueType{i32}, stateGet},
	{"state_set", []api.ValueType{i32, i32, i32, i32, i64}, []api.ValueType{i32}, stateSet},
	{"state_incr", []api.ValueType{i32, i32, i64, i64, i32}, []api.ValueType{i32}, stateIncr},
	{"state_del", []api.ValueType{i32, i32}, []api.ValueType{i32}, stateDel},
	{"state_expire", []api.ValueType{i32, i32, i64}, []api.ValueType{i32}, stateExpire},
	{"rate_limit_incr", []api.ValueType{i32, i32, i64, i64, i32}, []api.ValueType{i32}, rateLimitIncr},
	{"rate_limit_check", []api.ValueType{i32, i32, i32}, []api.ValueType{i32}, rateLimitCheck},
	{"breaker_incr", []api.ValueType{i32, i32, i64, i64, i64, i32}, []api.ValueType{i32}, breakerIncr},
	{"breaker_check", []api.ValueType{i32, i32, i32}, []api.ValueType{i32}, breakerCheck},
	{"emit_decision", []api.ValueType{f64, f64, f64}, []api.ValueType{i32}, emitDecision},
	{"emit_tag", []api.ValueType{i32, i32}, []api.ValueType{i32}, emitTag},
	{"get_outcome", []api.ValueType{i32}, []api.ValueType{i32}, getOutcome},
	{"record_metric", []api.ValueType{i32, i32, f64}, nil, recordMetric},
	{"log", []api.ValueType{i32, i32, i32}, nil, logLine},
}

// Instantiate registers the host module in r. It implements
// sandbox.HostModule.
func (b *Bridge) Instantiate(ctx context.Context, r wazero.Runtime) error {
	builder := r.NewHostModuleBuilder(ModuleName)
	for _, hf := range hostFunctions {
		hf := hf
		fn := api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
			c := CallFrom(ctx)
			if c == nil {
				// Called outside an invocation, e.g. from _initialize.
				if len(hf.results) > 0 {
					stack[0] = api.EncodeI32(StatusWrongPhase)
				}
				return
			}
			hf.fn(ctx, c, mod, stack)
		})
		builder.NewFunctionBuilder().
			WithGoModuleFunction(fn, hf.params, hf.results).
			WithName(hf.name).
			Export(hf.name)
	}
	_, err := builder.Instantiate(ctx)
	return err
}

func readRequestField(_ context.Context, c *Call, mod api.Module, stack []uint64) {
	name, ok := readString(mod, stack[0], stack[1])
	if !ok {
		ret(stack, StatusInvalid)
		return
	}
	v, err := c.ReadRequestField(name)
	retBytes(mod, stack, stack[2], stack[3], v, err)
}

func readResponseField(_ context.Context, c *Call, mod api.Module, stack []uint64) {
	name, ok := readString(mod, stack[0], stack[1])
	if !ok {
		ret(stack, StatusInvalid)
		return
	}
	v, err := c.ReadResponseField(name)
	retBytes(mod, stack, stack[2], stack[3], v, err)
}

func mutateResponse(_ context.Context, c *Call, mod api.Module, stack []uint64) {
	field, ok1 := readString(mod, stack[0], stack[1])
	value, ok2 := readBytes(mod, stack[2], stack[3])
	if !ok1 || !ok2 {
		ret(stack, StatusInvalid)
		return
	}
	ret(stack, StatusOf(c.MutateResponse(field, value)))
}

func getParam(_ context.Context, c *Call, mod api.Module, stack []uint64) {
	key, ok := readString(mod, stack[0], stack[1])
	if !ok {
		ret(stack, StatusInvalid)
		return
	}
	v, err := c.GetParam(key)
	retBytes(mod, stack, stack[2], stack[3], v, err)
}

func setParam(_ context.Context, c *Call, mod api.Module, stack []uint64) {
	key, ok1 := readString(mod, stack[0], stack[1])
	value, ok2 := readBytes(mod, stack[2], stack[3])
	if !ok1 || !ok2 {
		ret(stack, StatusInvalid)
		return
	}
	ret(stack, StatusOf(c.SetParam(key, value)))
}

func getConfig(_ context.Context, c *Call, mod api.Module, stack []uint64) {
	key, ok := readString(mod, stack[0], stack[1])
	if !ok {
		ret(stack, StatusInvalid)
		return
	}
	v, err := c.Config(key)
	retBytes(mod, stack, stack[2], stack[3], v, err)
}

func stateGet(ctx context.Context, c *Call, mod api.Module, stack []uint64) {
	key, ok := readString(mod, stack[0], stack[1])
	if !ok {
		ret(stack, StatusInvalid)
		return
	}
	v, err := c.StateGet(ctx, key)
	retBytes(mod, stack, stack[2], stack[3], v, err)
}

func stateSet(ctx context.Context, c *Call, mod api.Module, stack []uint64) {
	key, ok1 := readString(mod, stack[0], stack[1])
	value, ok2 := readBytes(mod, stack[2], stack[3])
	if !ok1 || !ok2 {
		ret(stack, StatusInvalid)
		return
	}
	ret(stack, StatusOf(c.StateSet(ctx, key, value, millis(stack[4]))))
}

func stateIncr(ctx context.Context, c *Call, mod api.Module, stack []uint64) {
	key, ok := readString(mod, stack[0], stack[1])
	if !ok {
		ret(stack, StatusInvalid)
		return
	}
	if !outFits(mod, stack[4], 1) {
		ret(stack, StatusInvalid)
		return
	}
	n, err := c.StateIncr(ctx, key, int64(stack[2]), millis(stack[3]))
	if err != nil {
		ret(stack, StatusOf(err))
		return
	}
	retInts(mod, stack, stack[4], n)
}

func stateDel(ctx context.Context, c *Call, mod api.Module, stack []uint64) {
	key, ok := readString(mod, stack[0], stack[1])
	if !ok {
		ret(stack, StatusInvalid)
		return
	}
	deleted, err := c.StateDel(ctx, key)
	switch {
	case err != nil:
		ret(stack, StatusOf(err))
	case deleted:
		ret(stack, 1)
	default:
		ret(stack, 0)
	}
}

func stateExpire(ctx context.Context, c *Call, mod api.Module, stack []uint64) {
	key, ok := readString(mod, stack[0], stack[1])
	if !ok {
		ret(stack, StatusInvalid)
		return
	}
	ret(stack, StatusOf(c.StateExpire(ctx, key, millis(stack[2]))))
}

func rateLimitIncr(ctx context.Context, c *Call, mod api.Module, stack []uint64) {
	key, ok := readString(mod, stack[0], stack[1])
	if !ok {
		ret(stack, StatusInvalid)
		return
	}
	if !outFits(mod, stack[4], 2) {
		ret(stack, StatusInvalid)
		return
	}
	r, err := c.RateLimitIncr(ctx, key, int64(stack[2]), millis(stack[3]))
	if err != nil {
		ret(stack, StatusOf(err))
		return
	}
	retInts(mod, stack, stack[4], r.Attempts, r.Expiration)
}

func rateLimitCheck(ctx context.Context, c *Call, mod api.Module, stack []uint64) {
	key, ok := readString(mod, stack[0], stack[1])
	if !ok {
		ret(stack, StatusInvalid)
		return
	}
	r, err := c.RateLimitCheck(ctx, key)
	if err != nil {
		ret(stack, StatusOf(err))
		return
	}
	retInts(mod, stack, stack[2], r.Attempts, r.Expiration)
}

func breakerIncr(ctx context.Context, c *Call, mod api.Module, stack []uint64) {
	key, ok := readString(mod, stack[0], stack[1])
	if !ok {
		ret(stack, StatusInvalid)
		return
	}
	if !outFits(mod, stack[5], 6) {
		ret(stack, StatusInvalid)
		return
	}
	br, err := c.BreakerIncr(ctx, key, int64(stack[2]), int64(stack[3]), millis(stack[4]))
	if err != nil {
		ret(stack, StatusOf(err))
		return
	}
	retInts(mod, stack, stack[5], br.Generation, br.Successes, br.Failures,
		br.ConsecutiveSuccesses, br.ConsecutiveFailures, br.Expiration)
}

func breakerCheck(ctx context.Context, c *Call, mod api.Module, stack []uint64) {
	key, ok := readString(mod, stack[0], stack[1])
	if !ok {
		ret(stack, StatusInvalid)
		return
	}
	br, err := c.BreakerCheck(ctx, key)
	if err != nil {
		ret(stack, StatusOf(err))
		return
	}
	retInts(mod, stack, stack[2], br.Generation, br.Successes, br.Failures,
		br.ConsecutiveSuccesses, br.ConsecutiveFailures, br.Expiration)
}

func emitDecision(ctx context.Context, c *Call, _ api.Module, stack []uint64) {
	d := decision.Decision{
		Accept:   api.DecodeF64(stack[0]),
		Restrict: api.DecodeF64(stack[1]),
		Deny:     api.DecodeF64(stack[2]),
	}
	ret(stack, StatusOf(c.EmitDecision(ctx, d)))
}

func emitTag(_ context.Context, c *Call, mod api.Module, stack []uint64) {
	tag, ok := readString(mod, stack[0], stack[1])
	if !ok {
		ret(stack, StatusInvalid)
		return
	}
	ret(stack, StatusOf(c.AddTag(tag)))
}

func getOutcome(_ context.Context, c *Call, mod api.Module, stack []uint64) {
	agg, err := c.Outcome()
	if err != nil {
		ret(stack, StatusOf(err))
		return
	}
	ptr := api.DecodeU32(stack[0])
	mem := mod.Memory()
	vals := []uint64{
		uint64(agg.Outcome),
		math.Float64bits(agg.Score),
		math.Float64bits(agg.Combined.Accept),
		math.Float64bits(agg.Combined.Restrict),
		math.Float64bits(agg.Combined.Deny),
	}
	for i, v := range vals {
		if mem == nil || !mem.WriteUint64Le(ptr+uint32(i*8), v) {
			ret(stack, StatusInvalid)
			return
		}
	}
	ret(stack, StatusOK)
}

func recordMetric(ctx context.Context, c *Call, mod api.Module, stack []uint64) {
	name, ok := readString(mod, stack[0], stack[1])
	if !ok {
		return
	}
	c.RecordMetric(ctx, name, api.DecodeF64(stack[2]))
}

func logLine(ctx context.Context, c *Call, mod api.Module, stack []uint64) {
	n := api.DecodeU32(stack[2])
	if n > maxLogLen {
		n = maxLogLen
	}
	msg, ok := readString(mod, stack[1], uint64(n))
	if !ok {
		return
	}
	c.Log(ctx, logLevel(api.DecodeI32(stack[0])), msg)
}

// logLevel maps guest levels 0..3 to debug, info, warn and error.
func logLevel(l int32) slog.Level {
	switch {
	case l <= 0:
		return slog.LevelDebug
	case l == 1:
		return slog.LevelInfo
	case l == 2:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

func millis(v uint64) time.Duration {
	ms := int64(v)
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

func ret(stack []uint64, status int32) {
	stack[0] = api.EncodeI32(status)
}

// readBytes copies guest memory so the host never holds a view into it.
func readBytes(mod api.Module, ptr, n uint64) ([]byte, bool) {
	size := api.DecodeU32(n)
	if size == 0 {
		return []byte{}, true
	}
	mem := mod.Memory()
	if mem == nil {
		return nil, false
	}
	b, ok := mem.Read(api.DecodeU32(ptr), size)
	if !ok {
		return nil, false
	}
	return append([]byte(nil), b...), true
}

func readString(mod api.Module, ptr, n uint64) (string, bool) {
	b, ok := readBytes(mod, ptr, n)
	return string(b), ok
}

// retBytes copies v into the guest buffer when it fits and returns the full
// length either way, so the guest can retry with a larger buffer.
func retBytes(mod api.Module, stack []uint64, ptr, capacity uint64, v []byte, err error) {
	if err != nil {
		ret(stack, StatusOf(err))
		return
	}
	if len(v) > math.MaxInt32 {
		ret(stack, StatusInternal)
		return
	}
	if len(v) > 0 && uint32(len(v)) <= api.DecodeU32(capacity) {
		mem := mod.Memory()
		if mem == nil || !mem.Write(api.DecodeU32(ptr), v) {
			ret(stack, StatusInvalid)
			return
		}
	}
	ret(stack, int32(len(v)))
}

// outFits reports whether n int64 results fit at ptr. Mutating calls check
// it before touching the store so a bad pointer leaves state unchanged.
func outFits(mod api.Module, ptr uint64, n uint32) bool {
	mem := mod.Memory()
	if mem == nil {
		return false
	}
	_, ok := mem.Read(api.DecodeU32(ptr), n*8)
	return ok
}

// retInts writes little-endian i64 values at ptr and returns 0.
func retInts(mod api.Module, stack []uint64, ptr uint64, vals ...int64) {
	mem := mod.Memory()
	base := api.DecodeU32(ptr)
	for i, v := range vals {
		if mem == nil || !mem.WriteUint64Le(base+uint32(i*8), uint64(v)) {
			ret(stack, StatusInvalid)
			return
		}
	}
	ret(stack, StatusOK)
}
