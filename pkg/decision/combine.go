package decision

import "errors"

// ErrTotalConflict means two decisions share no compatible mass. The
// normalising denominator would be zero.
var ErrTotalConflict = errors.New("decision: total conflict")

// conflictEpsilon is the smallest normalisation factor still treated as
// partial conflict.
const conflictEpsilon = 1e-12

// Combine applies the normalised conjunctive rule to two decisions over the
// frame {accept, restrict, deny}. Every focal element is a singleton or the
// whole frame, so an intersection is either the shared singleton, the other
// side's singleton (when one side is the frame), the frame itself, or empty.
// Empty intersections accumulate into the conflict mass K which is returned
// alongside the combined decision.
func Combine(a, b Decision) (Decision, float64, error) {
	ua, ub := a.UnknownMass(), b.UnknownMass()

	accept := a.Accept*b.Accept + a.Accept*ub + ua*b.Accept
	restrict := a.Restrict*b.Restrict + a.Restrict*ub + ua*b.Restrict
	deny := a.Deny*b.Deny + a.Deny*ub + ua*b.Deny

	k := a.Accept*(b.Restrict+b.Deny) +
		a.Restrict*(b.Accept+b.Deny) +
		a.Deny*(b.Accept+b.Restrict)

	norm := 1 - k
	if norm <= conflictEpsilon {
		return Decision{}, 1, ErrTotalConflict
	}

	out := Decision{Accept: accept / norm, Restrict: restrict / norm, Deny: deny / norm}
	if s := out.Sum(); s > 1 {
		out = normalize(out, s)
	}
	return out, k, nil
}
