package config

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/rampart/pkg/artifacts"
	"github.com/Mindburn-Labs/rampart/pkg/plugin"
	"github.com/Mindburn-Labs/rampart/pkg/requestctx"
	"github.com/Mindburn-Labs/rampart/pkg/statestore"
)

const sample = `
listen: ":9000"
log:
  level: debug
  format: text
plugin_dir: modules
orchestrator:
  request_budget: 250ms
  deny_status: 429
  deny_body: slow down
state:
  backend: redis
  key_prefix: edge
  redis:
    addr: cache:6379
plugins:
  - name: bot-score
    version: 1.2.0
    module: bot.wasm
    capabilities: [state]
    phases: [on_request, on_request_decision]
    when: request.path.startsWith("/login")
    limits:
      timeout: 20ms
      steps: 100000
    config:
      threshold: 0.8
`

func clearEnv(t *testing.T) {
	for _, name := range []string{
		"RAMPART_LISTEN", "RAMPART_LOG_LEVEL", "RAMPART_LOG_FORMAT", "RAMPART_PLUGIN_DIR",
		"RAMPART_STATE_BACKEND", "RAMPART_KEY_PREFIX", "RAMPART_REDIS_ADDR", "RAMPART_REDIS_PASSWORD",
		"RAMPART_OTLP_ENDPOINT", "RAMPART_S3_BUCKET", "RAMPART_GCS_BUCKET", "RAMPART_ARTIFACT_STORE",
		"RAMPART_TELEMETRY_ENABLED", "RAMPART_FAIL_OPEN", "RAMPART_ABORT_ON_UNAVAILABLE",
	} {
		t.Setenv(name, "")
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rampart.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// TestLoad_Defaults verifies the host boots with no file and no env.
func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, BackendMemory, cfg.State.Backend)
	assert.Equal(t, "rampart", cfg.State.KeyPrefix)
	assert.Equal(t, 403, cfg.Orchestrator.DenyStatus)
	assert.Equal(t, time.Second, cfg.Orchestrator.RequestBudget)
	assert.False(t, cfg.Telemetry.Enabled)
	assert.Empty(t, cfg.Plugins)
	assert.IsType(t, &statestore.MemoryStore{}, cfg.NewStateStore())

	lvl, err := cfg.LogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, lvl)
}

func TestLoad_File(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, sample)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "modules"), cfg.PluginDir)
	assert.Equal(t, 250*time.Millisecond, cfg.Orchestrator.RequestBudget)
	assert.Equal(t, 429, cfg.Orchestrator.DenyStatus)
	// Untouched settings keep their defaults.
	assert.Equal(t, time.Minute, cfg.Orchestrator.RequestTTL)
	assert.Equal(t, "cache:6379", cfg.State.Redis.Addr)
	assert.Equal(t, 3, cfg.State.Redis.Retry.MaxAttempts)

	require.Len(t, cfg.Plugins, 1)
	d := cfg.Plugins[0]
	assert.Equal(t, "bot-score", d.Name)
	assert.Equal(t, []plugin.Capability{plugin.CapState}, d.Capabilities)
	assert.Equal(t, []requestctx.Phase{requestctx.PhaseOnRequest, requestctx.PhaseOnRequestDecision}, d.Phases)
	assert.Equal(t, 20*time.Millisecond, d.Limits.Timeout)
	assert.Equal(t, uint64(100000), d.Limits.Steps)
	assert.Equal(t, 0.8, d.Config["threshold"])
	require.NoError(t, d.Validate("1.0.0"))
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("RAMPART_LISTEN", ":7070")
	t.Setenv("RAMPART_STATE_BACKEND", "redis")
	t.Setenv("RAMPART_REDIS_ADDR", "redis.internal:6380")
	t.Setenv("RAMPART_FAIL_OPEN", "true")
	t.Setenv("RAMPART_ARTIFACT_STORE", "s3")
	t.Setenv("RAMPART_S3_BUCKET", "modules")

	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.Listen)
	assert.Equal(t, "redis.internal:6380", cfg.State.Redis.Addr)
	assert.True(t, cfg.Orchestrator.FailOpen)
	assert.Equal(t, artifacts.StoreTypeS3, cfg.Artifacts.Type)
	assert.Equal(t, "modules", cfg.Artifacts.S3.Bucket)
}

func TestLoad_Errors(t *testing.T) {
	clearEnv(t)

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = Load(writeConfig(t, "listen: [\n"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "listne: \":80\"\n"))
	assert.ErrorContains(t, err, "listne")

	_, err = Load(writeConfig(t, "state:\n  backend: etcd\nlog:\n  format: xml\n"))
	require.ErrorIs(t, err, ErrInvalid)
	assert.ErrorContains(t, err, "state.backend")
	assert.ErrorContains(t, err, "log.format")

	t.Setenv("RAMPART_FAIL_OPEN", "maybe")
	_, err = Load("")
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestConfig_Descriptors(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)

	descs := cfg.Descriptors()
	descs[0].Name = "changed"
	assert.Equal(t, "bot-score", cfg.Plugins[0].Name)
}

func TestConfig_PluginLogLimit(t *testing.T) {
	cfg := Default()
	limit, burst := cfg.PluginLogLimit()
	assert.Equal(t, rate.Limit(10), limit)
	assert.Equal(t, 20, burst)

	cfg.Log.PluginRate = 0
	limit, _ = cfg.PluginLogLimit()
	assert.Equal(t, rate.Inf, limit)
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "listen: \":1000\"\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	var (
		reloads atomic.Int32
		listen  atomic.Value
	)
	w, err := NewWatcher(cfg, nil, func(c *Config) {
		listen.Store(c.Listen)
		reloads.Add(1)
	})
	require.NoError(t, err)
	w.SetDebounce(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// A broken edit is ignored.
	require.NoError(t, os.WriteFile(path, []byte("listen: [\n"), 0o600))
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, reloads.Load())

	require.NoError(t, os.WriteFile(path, []byte("listen: \":2000\"\n"), 0o600))
	require.Eventually(t, func() bool { return reloads.Load() > 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, ":2000", listen.Load())

	cancel()
	assert.NoError(t, <-done)
}

func TestNewWatcher_RequiresFile(t *testing.T) {
	_, err := NewWatcher(Default(), nil, func(*Config) {})
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrInvalid))
}
