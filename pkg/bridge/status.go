package bridge

import (
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/rampart/pkg/plugin"
	"github.com/Mindburn-Labs/rampart/pkg/statestore"
)

// Status codes returned to guests in place of a length or count.
const (
	StatusOK          int32 = 0
	StatusNotFound    int32 = -1
	StatusDenied      int32 = -2
	StatusUnavailable int32 = -3
	StatusTimeout     int32 = -4
	StatusInvalid     int32 = -5
	StatusWrongPhase  int32 = -6
	StatusInternal    int32 = -7
)

var (
	ErrNotFound        = errors.New("bridge: not found")
	ErrInvalidArgument = errors.New("bridge: invalid argument")
	// ErrWrongPhase is returned for calls the current phase does not allow,
	// such as emitting a decision from on_request.
	ErrWrongPhase = errors.New("bridge: not permitted in phase")
	// ErrCapabilityDenied is what every *CapabilityError unwraps to.
	ErrCapabilityDenied = errors.New("bridge: capability denied")
)

// CapabilityError reports a host call the plugin was not granted.
type CapabilityError struct {
	Plugin     string
	Capability plugin.Capability
	Op         string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("plugin %s: %s requires capability %q", e.Plugin, e.Op, e.Capability)
}

func (e *CapabilityError) Unwrap() error { return ErrCapabilityDenied }

// StatusOf maps an error from a Call method to its guest status code.
func StatusOf(err error) int32 {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrNotFound), errors.Is(err, statestore.ErrNotFound):
		return StatusNotFound
	case errors.Is(err, ErrCapabilityDenied):
		return StatusDenied
	case errors.Is(err, statestore.ErrUnavailable):
		return StatusUnavailable
	case errors.Is(err, statestore.ErrTimeout):
		return StatusTimeout
	case errors.Is(err, ErrInvalidArgument), errors.Is(err, statestore.ErrRejected):
		return StatusInvalid
	case errors.Is(err, ErrWrongPhase):
		return StatusWrongPhase
	default:
		return StatusInternal
	}
}
