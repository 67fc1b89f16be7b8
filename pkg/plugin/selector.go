package plugin

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/rampart/pkg/requestctx"
)

// Selector decides per request whether a plugin takes part. It wraps a CEL
// expression over a `request` map with method, path, headers (lower-case
// names, repeated values joined by ", "), remote_addr and body_size.
//
//	request.path.startsWith("/api/") && request.method != "OPTIONS"
type Selector struct {
	expr string
	prg  cel.Program
}

var selectorEnv *cel.Env

func init() {
	env, err := cel.NewEnv(cel.Variable("request", cel.MapType(cel.StringType, cel.DynType)))
	if err != nil {
		panic(fmt.Sprintf("plugin: selector environment: %v", err))
	}
	selectorEnv = env
}

// CompileSelector compiles expr. An empty expression selects every request.
func CompileSelector(expr string) (*Selector, error) {
	if strings.TrimSpace(expr) == "" {
		return &Selector{}, nil
	}
	ast, iss := selectorEnv.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("selector %q: %w", expr, iss.Err())
	}
	if t := ast.OutputType(); !t.IsExactType(cel.BoolType) && !t.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("selector %q: must evaluate to bool, got %s", expr, t)
	}
	prg, err := selectorEnv.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("selector %q: %w", expr, err)
	}
	return &Selector{expr: expr, prg: prg}, nil
}

// String returns the source expression.
func (s *Selector) String() string { return s.expr }

// Matches evaluates the selector against a request.
func (s *Selector) Matches(req *requestctx.RequestSnapshot) (bool, error) {
	if s == nil || s.prg == nil {
		return true, nil
	}
	out, _, err := s.prg.Eval(map[string]any{"request": selectorInput(req)})
	if err != nil {
		return false, fmt.Errorf("selector %q: %w", s.expr, err)
	}
	matched, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("selector %q: non-bool result %T", s.expr, out.Value())
	}
	return matched, nil
}

func selectorInput(req *requestctx.RequestSnapshot) map[string]any {
	headers := make(map[string]string, len(req.Headers))
	for name, vals := range req.Headers {
		headers[strings.ToLower(name)] = strings.Join(vals, ", ")
	}
	return map[string]any{
		"method":      req.Method,
		"path":        req.Path,
		"headers":     headers,
		"remote_addr": req.RemoteAddr,
		"body_size":   int64(len(req.Body)),
	}
}
