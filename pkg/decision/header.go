package decision

import (
	"strconv"
	"strings"
)

// Header names set on requests and responses that passed through the host.
const (
	HeaderDecision = "Rampart-Decision"
	HeaderTags     = "Rampart-Tags"
)

// Header renders the aggregate as a structured-field dictionary (RFC 8941),
// e.g. `accept=0.000, restrict=0.000, deny=0.643, unknown=0.357, outcome=denied, score=0.643`.
func (a AggregateDecision) Header() string {
	var b strings.Builder
	b.WriteString("accept=")
	b.WriteString(sfDecimal(a.Combined.Accept))
	b.WriteString(", restrict=")
	b.WriteString(sfDecimal(a.Combined.Restrict))
	b.WriteString(", deny=")
	b.WriteString(sfDecimal(a.Combined.Deny))
	b.WriteString(", unknown=")
	b.WriteString(sfDecimal(a.Combined.UnknownMass()))
	b.WriteString(", outcome=")
	b.WriteString(a.Outcome.String())
	b.WriteString(", score=")
	b.WriteString(sfDecimal(a.Score))
	return b.String()
}

// TagsHeader renders the tags as a structured-field list of strings. It is
// empty when there are no tags.
func (a AggregateDecision) TagsHeader() string {
	if len(a.Tags) == 0 {
		return ""
	}
	parts := make([]string, 0, len(a.Tags))
	for _, t := range a.Tags {
		parts = append(parts, sfString(t))
	}
	return strings.Join(parts, ", ")
}

func sfDecimal(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

// sfString quotes s as an sf-string. Characters outside printable ASCII are
// dropped since the grammar cannot carry them.
func sfString(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < 0x20 || c > 0x7e {
			continue
		}
		if c == '"' || c == '\\' {
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}
	b.WriteByte('"')
	return b.String()
}
