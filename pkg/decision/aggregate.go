package decision

import (
	"errors"
	"sort"
)

// Outcome is the discrete verdict derived from a combined decision.
type Outcome int

const (
	Inconclusive Outcome = iota
	Accepted
	Restricted
	Denied
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Restricted:
		return "restricted"
	case Denied:
		return "denied"
	default:
		return "inconclusive"
	}
}

func (o Outcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

// TotalConflictScore is reported when the evidence is fully contradictory.
const TotalConflictScore = 0.5

// Entry is one plugin's contribution to a phase.
type Entry struct {
	PluginID string
	Decision Decision
	Tags     []string
}

// AggregateDecision is the result of combining every entry of a phase.
type AggregateDecision struct {
	Outcome             Outcome  `json:"outcome"`
	Score               float64  `json:"score"`
	Combined            Decision `json:"combined"`
	Conflict            float64  `json:"conflict"`
	ContributingPlugins []string `json:"contributing_plugins"`
	Tags                []string `json:"tags,omitempty"`
}

// Aggregate folds entries together in ascending plugin-id order so the result
// never depends on the order in which plugins finished. Fully unknown entries
// carry no evidence and are skipped; their tags are still kept.
//
// Rules:
//  1. No evidence at all → Inconclusive, score 0.
//  2. Total conflict at any step → Inconclusive, score 0.5.
//  3. Otherwise the outcome with the largest mass wins, ties resolved towards
//     the more severe outcome (deny, then restrict, then accept).
func Aggregate(entries []Entry) AggregateDecision {
	ordered := make([]Entry, len(entries))
	copy(ordered, entries)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].PluginID < ordered[j].PluginID
	})

	result := AggregateDecision{
		ContributingPlugins: []string{},
		Tags:                mergeTags(ordered),
	}

	combined := Unknown()
	survived := 1.0
	conflicted := false
	for _, e := range ordered {
		if e.Decision.IsUnknown() {
			continue
		}
		result.ContributingPlugins = append(result.ContributingPlugins, e.PluginID)
		if conflicted {
			continue
		}

		next, k, err := Combine(combined, e.Decision)
		if errors.Is(err, ErrTotalConflict) {
			conflicted = true
			continue
		}
		survived *= 1 - k
		combined = next
	}

	if conflicted {
		result.Outcome = Inconclusive
		result.Score = TotalConflictScore
		result.Conflict = 1
		result.Combined = Unknown()
		return result
	}

	result.Combined = combined
	result.Conflict = 1 - survived
	result.Outcome, result.Score = argmax(combined)
	return result
}

func argmax(d Decision) (Outcome, float64) {
	switch {
	case d.IsUnknown():
		return Inconclusive, 0
	case d.Deny >= d.Restrict && d.Deny >= d.Accept:
		return Denied, d.Deny
	case d.Restrict >= d.Accept:
		return Restricted, d.Restrict
	default:
		return Accepted, d.Accept
	}
}

func mergeTags(entries []Entry) []string {
	seen := make(map[string]struct{})
	var tags []string
	for _, e := range entries {
		for _, t := range e.Tags {
			if t == "" {
				continue
			}
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			tags = append(tags, t)
		}
	}
	sort.Strings(tags)
	return tags
}
