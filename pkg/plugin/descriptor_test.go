package plugin

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/rampart/pkg/requestctx"
)

const hostABI = "1.0.0"

func validDescriptor() *Descriptor {
	return &Descriptor{
		Name:         "sqli-detector",
		Version:      "0.3.1",
		ABI:          "^1.0",
		Module:       "plugins/sqli.wasm",
		Capabilities: []Capability{CapState},
		Phases:       []requestctx.Phase{requestctx.PhaseOnRequestDecision},
		Config:       map[string]any{"threshold": 3, "mode": "strict"},
		ConfigSchema: `{
			"type": "object",
			"properties": {
				"threshold": {"type": "integer", "minimum": 1},
				"mode": {"enum": ["strict", "lenient"]}
			},
			"required": ["threshold"]
		}`,
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, validDescriptor().Validate(hostABI))

	tests := []struct {
		name   string
		mutate func(d *Descriptor)
	}{
		{"bad name", func(d *Descriptor) { d.Name = "Bad Name" }},
		{"bad version", func(d *Descriptor) { d.Version = "latest" }},
		{"abi mismatch", func(d *Descriptor) { d.ABI = ">=2.0.0" }},
		{"bad abi constraint", func(d *Descriptor) { d.ABI = "not-a-constraint" }},
		{"no module", func(d *Descriptor) { d.Module = "" }},
		{"no phases", func(d *Descriptor) { d.Phases = nil }},
		{"unknown capability", func(d *Descriptor) { d.Capabilities = []Capability{"network"} }},
		{"negative timeout", func(d *Descriptor) { d.Limits.Timeout = -time.Second }},
		{"config violates schema", func(d *Descriptor) { d.Config = map[string]any{"threshold": 0} }},
		{"config missing required", func(d *Descriptor) { d.Config = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := validDescriptor()
			tt.mutate(d)
			assert.ErrorIs(t, d.Validate(hostABI), ErrInvalidDescriptor)
		})
	}
}

func TestWithDefaults(t *testing.T) {
	d := validDescriptor()
	d.Limits.Timeout = 20 * time.Millisecond

	got := d.WithDefaults(Limits{Steps: 1000, MemoryBytes: 1 << 20, Timeout: time.Second})
	assert.Equal(t, uint64(1000), got.Limits.Steps)
	assert.Equal(t, int64(1<<20), got.Limits.MemoryBytes)
	assert.Equal(t, 20*time.Millisecond, got.Limits.Timeout)
	assert.Zero(t, d.Limits.Steps, "receiver must not change")
}

func TestCapabilitiesAndPhases(t *testing.T) {
	d := validDescriptor()
	assert.True(t, d.Has(CapState))
	assert.False(t, d.Has(CapResponseMutate))
	assert.True(t, d.Subscribes(requestctx.PhaseOnRequestDecision))
	assert.False(t, d.Subscribes(requestctx.PhaseOnRequest))
}

func TestConfigValue(t *testing.T) {
	d := validDescriptor()
	v, ok := d.ConfigValue("mode")
	require.True(t, ok)
	assert.Equal(t, `"strict"`, string(v))

	_, ok = d.ConfigValue("missing")
	assert.False(t, ok)
}

func TestSortByID(t *testing.T) {
	ds := []*Descriptor{{Name: "c"}, {Name: "a"}, {Name: "b"}}
	SortByID(ds)
	assert.Equal(t, "a", ds[0].ID())
	assert.Equal(t, "c", ds[2].ID())
}

func TestSelector(t *testing.T) {
	req := &requestctx.RequestSnapshot{
		Method:  "POST",
		Path:    "/api/login",
		Headers: http.Header{"X-Api-Key": {"k"}},
		Body:    []byte("abc"),
	}

	tests := []struct {
		expr string
		want bool
	}{
		{"", true},
		{`request.path.startsWith("/api/")`, true},
		{`request.method == "GET"`, false},
		{`"x-api-key" in request.headers`, true},
		{`request.body_size > 2`, true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			s, err := CompileSelector(tt.expr)
			require.NoError(t, err)
			got, err := s.Matches(req)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSelector_CompileErrors(t *testing.T) {
	_, err := CompileSelector(`request.path +`)
	assert.Error(t, err)

	_, err = CompileSelector(`"just a string"`)
	assert.Error(t, err)
}
