// Package plugin describes detection plugins: identity, version, granted
// capabilities, resource limits, phase subscriptions, guest configuration and
// the selector deciding which requests a plugin sees.
package plugin

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/Mindburn-Labs/rampart/pkg/requestctx"
)

// Capability gates a class of host functions.
type Capability string

const (
	// CapResponseMutate allows mutate_response.
	CapResponseMutate Capability = "response:mutate"
	// CapState allows the shared state store functions.
	CapState Capability = "state"
)

var knownCapabilities = map[Capability]bool{
	CapResponseMutate: true,
	CapState:          true,
}

// Limits bounds one invocation. Zero fields inherit the host defaults.
type Limits struct {
	// Steps is the function-call budget per invocation; 0 disables metering.
	Steps       uint64        `yaml:"steps" json:"steps"`
	MemoryBytes int64         `yaml:"memory_bytes" json:"memory_bytes"`
	Timeout     time.Duration `yaml:"timeout" json:"timeout"`
}

// Descriptor is immutable once loaded into a registry.
type Descriptor struct {
	Name         string             `yaml:"name" json:"name"`
	Version      string             `yaml:"version" json:"version"`
	ABI          string             `yaml:"abi" json:"abi,omitempty"`
	Module       string             `yaml:"module" json:"module"`
	Capabilities []Capability       `yaml:"capabilities" json:"capabilities,omitempty"`
	Limits       Limits             `yaml:"limits" json:"limits"`
	Phases       []requestctx.Phase `yaml:"phases" json:"phases"`
	When         string             `yaml:"when" json:"when,omitempty"`
	Config       map[string]any     `yaml:"config" json:"config,omitempty"`
	ConfigSchema string             `yaml:"config_schema" json:"config_schema,omitempty"`
}

var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,62}$`)

// ErrInvalidDescriptor wraps every validation failure.
var ErrInvalidDescriptor = errors.New("plugin: invalid descriptor")

// ID identifies the plugin in state keys, decision entries and canonical
// ordering.
func (d *Descriptor) ID() string { return d.Name }

// Has reports whether the capability was granted.
func (d *Descriptor) Has(c Capability) bool {
	for _, got := range d.Capabilities {
		if got == c {
			return true
		}
	}
	return false
}

// Subscribes reports whether the plugin runs in phase p.
func (d *Descriptor) Subscribes(p requestctx.Phase) bool {
	for _, got := range d.Phases {
		if got == p {
			return true
		}
	}
	return false
}

// Validate checks the descriptor against the host ABI version.
func (d *Descriptor) Validate(hostABI string) error {
	if !namePattern.MatchString(d.Name) {
		return fmt.Errorf("%w: name %q must match %s", ErrInvalidDescriptor, d.Name, namePattern)
	}
	if _, err := semver.NewVersion(d.Version); err != nil {
		return fmt.Errorf("%w: %s: version %q: %v", ErrInvalidDescriptor, d.Name, d.Version, err)
	}
	if d.ABI != "" {
		constraint, err := semver.NewConstraint(d.ABI)
		if err != nil {
			return fmt.Errorf("%w: %s: abi constraint %q: %v", ErrInvalidDescriptor, d.Name, d.ABI, err)
		}
		host, err := semver.NewVersion(hostABI)
		if err != nil {
			return fmt.Errorf("host abi version %q: %w", hostABI, err)
		}
		if !constraint.Check(host) {
			return fmt.Errorf("%w: %s: requires abi %s, host provides %s", ErrInvalidDescriptor, d.Name, d.ABI, hostABI)
		}
	}
	if d.Module == "" {
		return fmt.Errorf("%w: %s: module reference is empty", ErrInvalidDescriptor, d.Name)
	}
	if len(d.Phases) == 0 {
		return fmt.Errorf("%w: %s: no phase subscriptions", ErrInvalidDescriptor, d.Name)
	}
	for _, c := range d.Capabilities {
		if !knownCapabilities[c] {
			return fmt.Errorf("%w: %s: unknown capability %q", ErrInvalidDescriptor, d.Name, c)
		}
	}
	if d.Limits.MemoryBytes < 0 || d.Limits.Timeout < 0 {
		return fmt.Errorf("%w: %s: negative limits", ErrInvalidDescriptor, d.Name)
	}
	if d.ConfigSchema != "" {
		if err := validateConfig(d.Name, d.ConfigSchema, d.Config); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidDescriptor, d.Name, err)
		}
	}
	return nil
}

// WithDefaults returns a copy with zero limits taken from defaults.
func (d *Descriptor) WithDefaults(defaults Limits) *Descriptor {
	out := *d
	if out.Limits.Steps == 0 {
		out.Limits.Steps = defaults.Steps
	}
	if out.Limits.MemoryBytes == 0 {
		out.Limits.MemoryBytes = defaults.MemoryBytes
	}
	if out.Limits.Timeout == 0 {
		out.Limits.Timeout = defaults.Timeout
	}
	return &out
}

// ConfigValue returns the JSON encoding of one guest config entry.
func (d *Descriptor) ConfigValue(key string) ([]byte, bool) {
	v, ok := d.Config[key]
	if !ok {
		return nil, false
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	return b, true
}

// SortByID orders descriptors canonically.
func SortByID(ds []*Descriptor) {
	sort.Slice(ds, func(i, j int) bool { return ds[i].ID() < ds[j].ID() })
}
