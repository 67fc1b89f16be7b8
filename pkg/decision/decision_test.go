package decision

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClamp(t *testing.T) {
	tests := []struct {
		name     string
		in       Decision
		want     Decision
		adjusted bool
	}{
		{"valid passes through", Decision{Accept: 0.2, Restrict: 0.3, Deny: 0.1}, Decision{Accept: 0.2, Restrict: 0.3, Deny: 0.1}, false},
		{"negative becomes zero", Decision{Accept: -0.5, Deny: 0.4}, Decision{Deny: 0.4}, true},
		{"nan becomes zero", Decision{Accept: math.NaN(), Restrict: 0.2}, Decision{Restrict: 0.2}, true},
		{"inf becomes zero", Decision{Deny: math.Inf(1), Accept: 0.1}, Decision{Accept: 0.1}, true},
		{"sum above one rescaled", Decision{Accept: 1, Restrict: 1, Deny: 2}, Decision{Accept: 0.25, Restrict: 0.25, Deny: 0.5}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, adjusted := Clamp(tt.in)
			assert.Equal(t, tt.adjusted, adjusted)
			assert.InDelta(t, tt.want.Accept, got.Accept, 1e-12)
			assert.InDelta(t, tt.want.Restrict, got.Restrict, 1e-12)
			assert.InDelta(t, tt.want.Deny, got.Deny, 1e-12)
			require.NoError(t, got.Validate())
		})
	}
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Unknown().Validate())
	assert.ErrorIs(t, Decision{Accept: 0.7, Deny: 0.7}.Validate(), ErrInvalidDecision)
	assert.ErrorIs(t, Decision{Restrict: -0.1}.Validate(), ErrInvalidDecision)
	assert.ErrorIs(t, Decision{Deny: math.NaN()}.Validate(), ErrInvalidDecision)
}

func TestCombine_UnknownIsIdentity(t *testing.T) {
	d := Decision{Accept: 0.1, Restrict: 0.2, Deny: 0.3}
	got, k, err := Combine(Unknown(), d)
	require.NoError(t, err)
	assert.Zero(t, k)
	assert.InDelta(t, d.Accept, got.Accept, 1e-12)
	assert.InDelta(t, d.Restrict, got.Restrict, 1e-12)
	assert.InDelta(t, d.Deny, got.Deny, 1e-12)
}

func TestCombine_TotalConflict(t *testing.T) {
	_, k, err := Combine(Decision{Deny: 1}, Decision{Accept: 1})
	require.ErrorIs(t, err, ErrTotalConflict)
	assert.Equal(t, 1.0, k)
}

// Hand-computed: deny 0.9 against accept 0.8 leaves K = 0.72.
func TestAggregate_HandComputed(t *testing.T) {
	agg := Aggregate([]Entry{
		{PluginID: "p2", Decision: Decision{Accept: 0.8}},
		{PluginID: "p1", Decision: Decision{Deny: 0.9}},
	})

	assert.Equal(t, Denied, agg.Outcome)
	assert.InDelta(t, 0.18/0.28, agg.Score, 1e-9)
	assert.InDelta(t, 0.08/0.28, agg.Combined.Accept, 1e-9)
	assert.InDelta(t, 0.18/0.28, agg.Combined.Deny, 1e-9)
	assert.InDelta(t, 0.02/0.28, agg.Combined.UnknownMass(), 1e-9)
	assert.InDelta(t, 0.72, agg.Conflict, 1e-9)
	assert.Equal(t, []string{"p1", "p2"}, agg.ContributingPlugins)
}

func TestAggregate_TotalConflictIsInconclusive(t *testing.T) {
	agg := Aggregate([]Entry{
		{PluginID: "a", Decision: Decision{Deny: 1}},
		{PluginID: "b", Decision: Decision{Accept: 1}},
		{PluginID: "c", Decision: Decision{Restrict: 0.4}},
	})
	assert.Equal(t, Inconclusive, agg.Outcome)
	assert.Equal(t, TotalConflictScore, agg.Score)
	assert.Equal(t, 1.0, agg.Conflict)
	assert.Equal(t, []string{"a", "b", "c"}, agg.ContributingPlugins)
}

func TestAggregate_NoEvidence(t *testing.T) {
	agg := Aggregate([]Entry{
		{PluginID: "a", Decision: Unknown(), Tags: []string{"seen"}},
	})
	assert.Equal(t, Inconclusive, agg.Outcome)
	assert.Zero(t, agg.Score)
	assert.Empty(t, agg.ContributingPlugins)
	assert.Equal(t, []string{"seen"}, agg.Tags)

	empty := Aggregate(nil)
	assert.Equal(t, Inconclusive, empty.Outcome)
	assert.Zero(t, empty.Score)
}

func TestAggregate_SeverityTieBreak(t *testing.T) {
	tests := []struct {
		name string
		d    Decision
		want Outcome
	}{
		{"deny beats accept", Decision{Accept: 0.5, Deny: 0.5}, Denied},
		{"deny beats restrict", Decision{Restrict: 0.4, Deny: 0.4}, Denied},
		{"restrict beats accept", Decision{Accept: 0.3, Restrict: 0.3}, Restricted},
		{"clear accept", Decision{Accept: 0.6, Restrict: 0.1}, Accepted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agg := Aggregate([]Entry{{PluginID: "x", Decision: tt.d}})
			assert.Equal(t, tt.want, agg.Outcome)
		})
	}
}

func TestAggregate_OrderIndependent(t *testing.T) {
	entries := []Entry{
		{PluginID: "c", Decision: Decision{Accept: 0.3, Deny: 0.2}, Tags: []string{"z"}},
		{PluginID: "a", Decision: Decision{Restrict: 0.5}, Tags: []string{"b", "a"}},
		{PluginID: "b", Decision: Decision{Deny: 0.4, Accept: 0.1}},
		{PluginID: "d", Decision: Unknown()},
	}
	reversed := []Entry{entries[3], entries[2], entries[1], entries[0]}

	assert.Equal(t, Aggregate(entries), Aggregate(reversed))
	assert.Equal(t, []string{"a", "b", "z"}, Aggregate(entries).Tags)
}

func TestHeader(t *testing.T) {
	agg := Aggregate([]Entry{{PluginID: "p", Decision: Decision{Deny: 0.75}, Tags: []string{"sqli", `we"ird`}}})
	assert.Equal(t, "accept=0.000, restrict=0.000, deny=0.750, unknown=0.250, outcome=denied, score=0.750", agg.Header())
	assert.Equal(t, `"sqli", "we\"ird"`, agg.TagsHeader())
	assert.Empty(t, Aggregate(nil).TagsHeader())
}
