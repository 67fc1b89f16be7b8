package requestctx

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// ErrUnknownField is returned for mutation targets the builder does not know.
var ErrUnknownField = errors.New("requestctx: unknown field")

// ResponseBuilder accumulates response mutations requested by plugins.
// Writes are last-write-wins.
type ResponseBuilder struct {
	mu      sync.Mutex
	set     http.Header
	removed map[string]struct{}
	status  int
	body    []byte
	hasBody bool
}

// Mutation is the accumulated result handed to the proxy adapter.
type Mutation struct {
	SetHeaders    http.Header
	RemoveHeaders []string
	Status        int
	Body          []byte
	ReplaceBody   bool
}

// Apply records a mutation. Field names are header:<name>, status and body.
// An empty header value removes the header.
func (b *ResponseBuilder) Apply(field string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case field == "status":
		code, err := strconv.Atoi(string(value))
		if err != nil || code < 100 || code > 599 {
			return fmt.Errorf("%w: invalid status %q", ErrUnknownField, value)
		}
		b.status = code
	case field == "body":
		b.body = append([]byte(nil), value...)
		b.hasBody = true
	case strings.HasPrefix(field, "header:"):
		name := http.CanonicalHeaderKey(strings.TrimPrefix(field, "header:"))
		if name == "" {
			return fmt.Errorf("%w: empty header name", ErrUnknownField)
		}
		if b.set == nil {
			b.set = make(http.Header)
			b.removed = make(map[string]struct{})
		}
		if len(value) == 0 {
			b.set.Del(name)
			b.removed[name] = struct{}{}
			return nil
		}
		delete(b.removed, name)
		b.set.Set(name, string(value))
	default:
		return fmt.Errorf("%w: %q", ErrUnknownField, field)
	}
	return nil
}

// Mutation returns a copy of everything applied so far.
func (b *ResponseBuilder) Mutation() Mutation {
	b.mu.Lock()
	defer b.mu.Unlock()

	m := Mutation{
		SetHeaders:  b.set.Clone(),
		Status:      b.status,
		ReplaceBody: b.hasBody,
	}
	if b.hasBody {
		m.Body = append([]byte(nil), b.body...)
	}
	for name := range b.removed {
		m.RemoveHeaders = append(m.RemoveHeaders, name)
	}
	sort.Strings(m.RemoveHeaders)
	return m
}
