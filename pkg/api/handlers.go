package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/Mindburn-Labs/rampart/pkg/orchestrator"
	"github.com/Mindburn-Labs/rampart/pkg/plugin"
	"github.com/Mindburn-Labs/rampart/pkg/requestctx"
)

// DefaultMaxBody bounds decoded snapshots, bodies included.
const DefaultMaxBody = 8 << 20

// Engine is the orchestrator surface the adapter needs.
type Engine interface {
	BeginRequest(ctx context.Context, req *requestctx.RequestSnapshot) orchestrator.PhaseResult
	DeliverResponse(ctx context.Context, resp *requestctx.ResponseSnapshot) orchestrator.PhaseResult
	Abort(requestID, reason string) bool
	Plugins() []*plugin.Descriptor
	Excluded() []orchestrator.Exclusion
	InFlight() int
}

// Server routes adapter calls to an Engine.
type Server struct {
	engine  Engine
	logger  *slog.Logger
	maxBody int64
	mux     *http.ServeMux
}

// NewServer builds the adapter. maxBody <= 0 uses DefaultMaxBody.
func NewServer(engine Engine, logger *slog.Logger, maxBody int64) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if maxBody <= 0 {
		maxBody = DefaultMaxBody
	}
	s := &Server{
		engine:  engine,
		logger:  logger.With("component", "api"),
		maxBody: maxBody,
		mux:     http.NewServeMux(),
	}
	s.mux.HandleFunc("POST /v1/requests", s.handleBegin)
	s.mux.HandleFunc("POST /v1/requests/{id}/response", s.handleResponse)
	s.mux.HandleFunc("DELETE /v1/requests/{id}", s.handleAbort)
	s.mux.HandleFunc("GET /v1/plugins", s.handlePlugins)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleBegin(w http.ResponseWriter, r *http.Request) {
	var req requestctx.RequestSnapshot
	if !s.decode(w, r, &req) {
		return
	}
	if req.Method == "" || req.Path == "" {
		WriteBadRequest(w, r, "method and path are required")
		return
	}
	if req.RemoteAddr == "" {
		req.RemoteAddr = clientIP(r)
	}
	writeJSON(w, http.StatusOK, s.engine.BeginRequest(r.Context(), &req))
}

func (s *Server) handleResponse(w http.ResponseWriter, r *http.Request) {
	var resp requestctx.ResponseSnapshot
	if !s.decode(w, r, &resp) {
		return
	}
	resp.RequestID = r.PathValue("id")
	res := s.engine.DeliverResponse(r.Context(), &resp)
	if res.Action == orchestrator.Error && strings.Contains(res.Reason, orchestrator.ErrUnknownRequest.Error()) {
		WriteNotFound(w, r, res.Reason)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "aborted by client"
	}
	if !s.engine.Abort(r.PathValue("id"), reason) {
		WriteNotFound(w, r, "request is not in flight")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type pluginsResponse struct {
	Plugins  []*plugin.Descriptor     `json:"plugins"`
	Excluded []orchestrator.Exclusion `json:"excluded"`
}

func (s *Server) handlePlugins(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, pluginsResponse{
		Plugins:  s.engine.Plugins(),
		Excluded: s.engine.Excluded(),
	})
}

type healthResponse struct {
	Status   string `json:"status"`
	Plugins  int    `json:"plugins"`
	Excluded int    `json:"excluded"`
	InFlight int    `json:"in_flight"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:   "ok",
		Plugins:  len(s.engine.Plugins()),
		Excluded: len(s.engine.Excluded()),
		InFlight: s.engine.InFlight(),
	})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteError(w, r, http.StatusRequestEntityTooLarge, "Payload Too Large", err.Error())
			return false
		}
		s.logger.Debug("invalid snapshot", "path", r.URL.Path, "error", err)
		WriteBadRequest(w, r, "invalid JSON: "+err.Error())
		return false
	}
	return true
}
