package orchestrator

import (
	"fmt"
	"net/http"

	"github.com/Mindburn-Labs/rampart/pkg/decision"
	"github.com/Mindburn-Labs/rampart/pkg/requestctx"
)

// Action tells the proxy what to do with the exchange.
type Action int

const (
	// Continue forwards the request or response, applying Headers and
	// Mutation.
	Continue Action = iota
	// Deny answers the client with Status and Body.
	Deny
	// Error means the host could not reach a decision; FailOpen says which
	// way the operator wants that to go.
	Error
)

func (a Action) String() string {
	switch a {
	case Continue:
		return "continue"
	case Deny:
		return "deny"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

func (a Action) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

// FaultReport describes a plugin invocation that timed out or trapped.
type FaultReport struct {
	Plugin string `json:"plugin"`
	Phase  string `json:"phase"`
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
}

// PhaseResult is returned by BeginRequest and DeliverResponse.
type PhaseResult struct {
	RequestID string `json:"request_id"`
	Action    Action `json:"action"`
	// Decision is the aggregate that produced Action, if any phase emitted
	// one.
	Decision *decision.AggregateDecision `json:"decision,omitempty"`
	// Headers carry the decision and tag headers plus any header
	// mutations.
	Headers  http.Header         `json:"headers,omitempty"`
	Mutation requestctx.Mutation `json:"mutation"`
	Status   int                 `json:"status,omitempty"`
	Body     []byte              `json:"body,omitempty"`
	Reason   string              `json:"reason,omitempty"`
	FailOpen bool                `json:"fail_open,omitempty"`
	Faults   []FaultReport       `json:"faults,omitempty"`
}

func decisionHeaders(agg *decision.AggregateDecision) http.Header {
	h := make(http.Header)
	if agg == nil {
		return h
	}
	h.Set(decision.HeaderDecision, agg.Header())
	if tags := agg.TagsHeader(); tags != "" {
		h.Set(decision.HeaderTags, tags)
	}
	return h
}
