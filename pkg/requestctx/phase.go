package requestctx

import "fmt"

// Phase is a stage of the request lifecycle a plugin can subscribe to.
type Phase int

const (
	PhaseOnRequest Phase = iota + 1
	PhaseOnRequestDecision
	PhaseOnResponseDecision
	PhaseOnDecision
)

// Phases lists every phase in execution order.
var Phases = []Phase{PhaseOnRequest, PhaseOnRequestDecision, PhaseOnResponseDecision, PhaseOnDecision}

// String returns the export name a plugin module provides for the phase.
func (p Phase) String() string {
	switch p {
	case PhaseOnRequest:
		return "on_request"
	case PhaseOnRequestDecision:
		return "on_request_decision"
	case PhaseOnResponseDecision:
		return "on_response_decision"
	case PhaseOnDecision:
		return "on_decision"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Export is the name of the guest function invoked for the phase.
func (p Phase) Export() string { return p.String() }

// EmitsDecision reports whether plugins may emit a decision in the phase.
func (p Phase) EmitsDecision() bool {
	return p == PhaseOnRequestDecision || p == PhaseOnResponseDecision
}

// ParsePhase accepts the export names.
func ParsePhase(s string) (Phase, error) {
	for _, p := range Phases {
		if p.String() == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown phase %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Phase) UnmarshalText(b []byte) error {
	parsed, err := ParsePhase(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
