package sandbox

import (
	"fmt"

	"github.com/Mindburn-Labs/rampart/pkg/requestctx"
)

// Deterministic error codes for load-time failures. A plugin failing with
// any of them stays excluded until the next registry reload.
const (
	ErrCompileFailure   = "ERR_SANDBOX_COMPILE_FAILURE"
	ErrLinkFailure      = "ERR_SANDBOX_LINK_FAILURE"
	ErrResourceExceeded = "ERR_SANDBOX_RESOURCE_EXCEEDED"
)

// SandboxError is a typed load-time failure.
type SandboxError struct {
	Code    string `json:"code"`
	Plugin  string `json:"plugin"`
	Message string `json:"message"`
}

func (e *SandboxError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Code, e.Plugin, e.Message)
}

// FaultKind classifies an invocation failure.
type FaultKind string

const (
	// FaultTimeout covers the wall-clock limit, the call budget and
	// cancellation of the surrounding request.
	FaultTimeout FaultKind = "timeout"
	// FaultTrapped covers wasm traps and non-zero exits.
	FaultTrapped FaultKind = "trapped"
)

// Fault is returned by Invoke. The plugin's contribution to the phase is
// treated as fully unknown and the request carries on.
type Fault struct {
	Kind   FaultKind
	Plugin string
	Phase  requestctx.Phase
	Reason string
	Err    error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("plugin %s %s: %s: %s", f.Plugin, f.Phase, f.Kind, f.Reason)
}

func (f *Fault) Unwrap() error { return f.Err }
