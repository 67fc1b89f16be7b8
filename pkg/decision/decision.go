// Package decision implements the uncertain-evidence verdicts plugins emit and
// the combination rule that merges them into one request outcome.
//
// A Decision assigns mass to three singleton hypotheses (accept, restrict,
// deny). Whatever mass is left over belongs to the whole frame and reads as
// "unknown". A plugin that never emits anything, or that faults, counts as
// fully unknown.
package decision

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidDecision is returned by Validate for weights outside [0,1] or a
// total mass above 1.
var ErrInvalidDecision = errors.New("decision: invalid mass assignment")

// Decision is a plugin's belief assignment. The unknown mass is implicit.
type Decision struct {
	Accept   float64 `json:"accept"`
	Restrict float64 `json:"restrict"`
	Deny     float64 `json:"deny"`
}

// Unknown returns the vacuous decision: no evidence for any outcome.
func Unknown() Decision { return Decision{} }

// Sum is the mass committed to the three singletons.
func (d Decision) Sum() float64 {
	return d.Accept + d.Restrict + d.Deny
}

// UnknownMass is the mass left on the whole frame.
func (d Decision) UnknownMass() float64 {
	u := 1 - d.Sum()
	if u < 0 {
		return 0
	}
	return u
}

// IsUnknown reports whether the decision carries no evidence at all.
func (d Decision) IsUnknown() bool {
	return d.Accept == 0 && d.Restrict == 0 && d.Deny == 0
}

// Validate checks the mass invariant without changing anything.
func (d Decision) Validate() error {
	for _, w := range []float64{d.Accept, d.Restrict, d.Deny} {
		if math.IsNaN(w) || math.IsInf(w, 0) || w < 0 || w > 1 {
			return fmt.Errorf("%w: weight %v", ErrInvalidDecision, w)
		}
	}
	if d.Sum() > 1 {
		return fmt.Errorf("%w: total mass %v exceeds 1", ErrInvalidDecision, d.Sum())
	}
	return nil
}

func (d Decision) String() string {
	return fmt.Sprintf("accept=%.4f restrict=%.4f deny=%.4f unknown=%.4f",
		d.Accept, d.Restrict, d.Deny, d.UnknownMass())
}

// Clamp coerces an arbitrary triple into a valid Decision. NaN, infinite and
// negative weights become 0; a total above 1 is scaled down proportionally.
// The boolean reports whether anything had to change.
func Clamp(d Decision) (Decision, bool) {
	adjusted := false
	fix := func(w float64) float64 {
		if math.IsNaN(w) || math.IsInf(w, 0) || w < 0 {
			adjusted = true
			return 0
		}
		return w
	}
	out := Decision{Accept: fix(d.Accept), Restrict: fix(d.Restrict), Deny: fix(d.Deny)}

	if s := out.Sum(); s > 1 {
		adjusted = true
		out = normalize(out, s)
	}
	return out, adjusted
}

// normalize divides by s and pins the deny mass so Sum() never exceeds 1
// after rounding.
func normalize(d Decision, s float64) Decision {
	out := Decision{Accept: d.Accept / s, Restrict: d.Restrict / s, Deny: d.Deny / s}
	if out.Sum() > 1 {
		if out.Accept+out.Restrict > 1 {
			out.Restrict = math.Max(0, 1-out.Accept)
		}
		out.Deny = math.Max(0, 1-(out.Accept+out.Restrict))
	}
	return out
}
