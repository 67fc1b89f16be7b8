// Package config loads the host configuration: a YAML file with defaults
// for everything it omits, overridden by RAMPART_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/rampart/pkg/artifacts"
	"github.com/Mindburn-Labs/rampart/pkg/observability"
	"github.com/Mindburn-Labs/rampart/pkg/orchestrator"
	"github.com/Mindburn-Labs/rampart/pkg/plugin"
	"github.com/Mindburn-Labs/rampart/pkg/retry"
	"github.com/Mindburn-Labs/rampart/pkg/sandbox"
	"github.com/Mindburn-Labs/rampart/pkg/statestore"
)

// State backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

// LogConfig controls the host logger and the per-plugin log budget.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or text
	// PluginRate is log lines per second each plugin may emit; 0 is unlimited.
	PluginRate  float64 `yaml:"plugin_rate"`
	PluginBurst int     `yaml:"plugin_burst"`
}

// StateConfig selects the shared state backend.
type StateConfig struct {
	Backend   string                 `yaml:"backend"`
	KeyPrefix string                 `yaml:"key_prefix"`
	Redis     statestore.RedisConfig `yaml:"redis"`
}

// Config is the whole host configuration.
type Config struct {
	Listen string    `yaml:"listen"`
	Log    LogConfig `yaml:"log"`
	// PluginDir is where relative module paths resolve. It and
	// Artifacts.Dir are relative to the config file.
	PluginDir    string                `yaml:"plugin_dir"`
	Sandbox      sandbox.Policy        `yaml:"sandbox"`
	Orchestrator orchestrator.Settings `yaml:"orchestrator"`
	State        StateConfig           `yaml:"state"`
	Artifacts    artifacts.Config      `yaml:"artifacts"`
	Telemetry    observability.Config  `yaml:"telemetry"`
	Plugins      []*plugin.Descriptor  `yaml:"plugins"`

	path string
}

// Default returns the configuration used for anything a file leaves out.
func Default() *Config {
	redisRetry := retry.DefaultPolicy()
	return &Config{
		Listen: ":8080",
		Log: LogConfig{
			Level:       "info",
			Format:      "json",
			PluginRate:  10,
			PluginBurst: 20,
		},
		PluginDir:    "plugins",
		Sandbox:      sandbox.DefaultPolicy(),
		Orchestrator: orchestrator.DefaultSettings(),
		State: StateConfig{
			Backend:   BackendMemory,
			KeyPrefix: "rampart",
			Redis: statestore.RedisConfig{
				Addr:     "localhost:6379",
				PoolSize: 32,
				Retry:    redisRetry,
			},
		},
		Artifacts: artifacts.Config{Type: artifacts.StoreTypeFS, Dir: "data"},
		Telemetry: *observability.DefaultConfig(),
	}
}

// Load reads path (if non-empty), applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.path = path
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if cfg.path != "" {
		base := filepath.Dir(cfg.path)
		for _, dir := range []*string{&cfg.PluginDir, &cfg.Artifacts.Dir} {
			if *dir != "" && !filepath.IsAbs(*dir) {
				*dir = filepath.Join(base, *dir)
			}
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv() error {
	str := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	boolean := func(name string, dst *bool) error {
		v := os.Getenv(name)
		if v == "" {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q: %v", ErrInvalid, name, v, err)
		}
		*dst = b
		return nil
	}

	str("RAMPART_LISTEN", &c.Listen)
	str("RAMPART_LOG_LEVEL", &c.Log.Level)
	str("RAMPART_LOG_FORMAT", &c.Log.Format)
	str("RAMPART_PLUGIN_DIR", &c.PluginDir)
	str("RAMPART_STATE_BACKEND", &c.State.Backend)
	str("RAMPART_KEY_PREFIX", &c.State.KeyPrefix)
	str("RAMPART_REDIS_ADDR", &c.State.Redis.Addr)
	str("RAMPART_REDIS_PASSWORD", &c.State.Redis.Password)
	str("RAMPART_OTLP_ENDPOINT", &c.Telemetry.OTLPEndpoint)
	str("RAMPART_S3_BUCKET", &c.Artifacts.S3.Bucket)
	str("RAMPART_GCS_BUCKET", &c.Artifacts.GCS.Bucket)
	if v := os.Getenv("RAMPART_ARTIFACT_STORE"); v != "" {
		c.Artifacts.Type = artifacts.StoreType(v)
	}
	if err := boolean("RAMPART_TELEMETRY_ENABLED", &c.Telemetry.Enabled); err != nil {
		return err
	}
	if err := boolean("RAMPART_FAIL_OPEN", &c.Orchestrator.FailOpen); err != nil {
		return err
	}
	return boolean("RAMPART_ABORT_ON_UNAVAILABLE", &c.Orchestrator.AbortOnUnavailable)
}

// Validate checks host-level settings. Plugin descriptors are validated by
// the orchestrator so one bad plugin does not stop the host.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if c.Listen == "" {
		bad("listen address is empty")
	}
	if _, err := c.LogLevel(); err != nil {
		bad("log.level: %v", err)
	}
	if f := c.Log.Format; f != "json" && f != "text" {
		bad("log.format %q must be json or text", f)
	}
	if c.Log.PluginRate < 0 || c.Log.PluginBurst < 0 {
		bad("log.plugin_rate and log.plugin_burst must not be negative")
	}
	if c.Sandbox.MaxMemoryBytes <= 0 || c.Sandbox.MaxTimeout <= 0 {
		bad("sandbox.max_memory_bytes and sandbox.max_timeout must be positive")
	}

	o := c.Orchestrator
	if o.RequestBudget < 0 || o.RequestTTL < 0 {
		bad("orchestrator durations must not be negative")
	}
	if o.Parallelism < 0 || o.PoolSize < 0 || o.LoadConcurrency < 0 {
		bad("orchestrator counts must not be negative")
	}
	if o.DenyStatus < 100 || o.DenyStatus > 599 {
		bad("orchestrator.deny_status %d is not an HTTP status", o.DenyStatus)
	}

	switch c.State.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.State.Redis.Addr == "" {
			bad("state.redis.addr is required for the redis backend")
		}
	default:
		bad("state.backend %q must be %s or %s", c.State.Backend, BackendMemory, BackendRedis)
	}
	if strings.Contains(c.State.KeyPrefix, ":") {
		bad("state.key_prefix %q must not contain ':'", c.State.KeyPrefix)
	}
	return errors.Join(errs...)
}

// Path returns the file the configuration was loaded from.
func (c *Config) Path() string { return c.path }

// Descriptors returns copies of the configured plugin descriptors.
func (c *Config) Descriptors() []*plugin.Descriptor {
	out := make([]*plugin.Descriptor, 0, len(c.Plugins))
	for _, d := range c.Plugins {
		cp := *d
		out = append(out, &cp)
	}
	return out
}

// LogLevel parses Log.Level.
func (c *Config) LogLevel() (slog.Level, error) {
	var lvl slog.Level
	err := lvl.UnmarshalText([]byte(c.Log.Level))
	return lvl, err
}

// Logger builds the host logger writing to w.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	lvl, _ := c.LogLevel()
	opts := &slog.HandlerOptions{Level: lvl}
	if c.Log.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// PluginLogLimit returns the per-plugin log rate and burst.
func (c *Config) PluginLogLimit() (rate.Limit, int) {
	if c.Log.PluginRate == 0 {
		return rate.Inf, c.Log.PluginBurst
	}
	return rate.Limit(c.Log.PluginRate), c.Log.PluginBurst
}

// NewStateStore opens the configured backend.
func (c *Config) NewStateStore() statestore.Store {
	if c.State.Backend == BackendRedis {
		return statestore.NewRedisStore(c.State.Redis)
	}
	return statestore.NewMemoryStore()
}
