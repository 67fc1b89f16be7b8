package requestctx

import (
	"net/http"
	"strconv"
	"strings"
)

// RequestSnapshot is the request as handed over by the proxy adapter. The
// host treats it as immutable once a request begins.
type RequestSnapshot struct {
	ID         string      `json:"id"`
	Method     string      `json:"method"`
	Path       string      `json:"path"`
	Headers    http.Header `json:"headers,omitempty"`
	Body       []byte      `json:"body,omitempty"`
	Trailers   http.Header `json:"trailers,omitempty"`
	RemoteAddr string      `json:"remote_addr,omitempty"`
}

// ResponseSnapshot is the upstream response for a request in flight.
type ResponseSnapshot struct {
	RequestID string      `json:"request_id"`
	Status    int         `json:"status"`
	Headers   http.Header `json:"headers,omitempty"`
	Body      []byte      `json:"body,omitempty"`
	Trailers  http.Header `json:"trailers,omitempty"`
}

// Field returns a copy of a request field. Supported names are id, method,
// path, body, remote_addr, header:<name> and trailer:<name>; repeated
// headers are joined with ", ".
func (r *RequestSnapshot) Field(name string) ([]byte, bool) {
	switch name {
	case "id":
		return []byte(r.ID), true
	case "method":
		return []byte(r.Method), true
	case "path":
		return []byte(r.Path), true
	case "body":
		return append([]byte{}, r.Body...), true
	case "remote_addr":
		return []byte(r.RemoteAddr), true
	}
	return headerField(name, r.Headers, r.Trailers)
}

// Field returns a copy of a response field: status, body, header:<name> or
// trailer:<name>.
func (r *ResponseSnapshot) Field(name string) ([]byte, bool) {
	switch name {
	case "status":
		return []byte(strconv.Itoa(r.Status)), true
	case "body":
		return append([]byte{}, r.Body...), true
	}
	return headerField(name, r.Headers, r.Trailers)
}

func headerField(name string, headers, trailers http.Header) ([]byte, bool) {
	var src http.Header
	switch {
	case strings.HasPrefix(name, "header:"):
		src, name = headers, strings.TrimPrefix(name, "header:")
	case strings.HasPrefix(name, "trailer:"):
		src, name = trailers, strings.TrimPrefix(name, "trailer:")
	default:
		return nil, false
	}
	vals := src.Values(name)
	if len(vals) == 0 {
		return nil, false
	}
	return []byte(strings.Join(vals, ", ")), true
}

// Clone deep-copies the snapshot.
func (r *RequestSnapshot) Clone() *RequestSnapshot {
	out := *r
	out.Headers = r.Headers.Clone()
	out.Trailers = r.Trailers.Clone()
	out.Body = append([]byte(nil), r.Body...)
	return &out
}

// Clone deep-copies the snapshot.
func (r *ResponseSnapshot) Clone() *ResponseSnapshot {
	out := *r
	out.Headers = r.Headers.Clone()
	out.Trailers = r.Trailers.Clone()
	out.Body = append([]byte(nil), r.Body...)
	return &out
}
