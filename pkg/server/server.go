// Copyright 2026 © The Valiant Authors
// SPDX-License-Identifier: Apache-2.0

// Package server exposes the engine over HTTP/JSON: session events and
// directives, generation cancel, session reads, an observer event stream,
// health and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Vusisean11/valiant/pkg/core"
	"github.com/Vusisean11/valiant/pkg/engine"
	"github.com/Vusisean11/valiant/pkg/errors"
	"github.com/Vusisean11/valiant/pkg/repository"
)

// maxBodyBytes bounds event and directive payloads.
const maxBodyBytes = 1 << 20

// Server routes HTTP requests to an Engine.
type Server struct {
	engine  *engine.Engine
	events  *core.Broadcaster
	health  *core.HealthRegistry
	metrics *httpMetrics
	log     *slog.Logger
	mux     *http.ServeMux
}

// Option configures a Server.
type Option func(*Server)

// WithEvents enables GET /v1/stream over b. b must also be the engine's
// emitter for events to show up.
func WithEvents(b *core.Broadcaster) Option {
	return func(s *Server) { s.events = b }
}

// WithHealth sets the checkers behind GET /healthz.
func WithHealth(h *core.HealthRegistry) Option {
	return func(s *Server) {
		if h != nil {
			s.health = h
		}
	}
}

// WithRegistry registers the HTTP metrics on reg and serves it on /metrics.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) { s.metrics = newHTTPMetrics(reg) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// New builds the server and its routes.
func New(e *engine.Engine, opts ...Option) *Server {
	s := &Server{
		engine: e,
		health: core.NewHealthRegistry(),
		log:    slog.Default(),
		mux:    http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = newHTTPMetrics(nil)
	}

	m := s.metrics
	s.mux.HandleFunc("POST /v1/sessions/{id}/events", m.instrument("events", s.handleEvent))
	s.mux.HandleFunc("POST /v1/sessions/{id}/directives", m.instrument("directives", s.handleDirective))
	s.mux.HandleFunc("POST /v1/sessions/{id}/cancel", m.instrument("cancel", s.handleCancel))
	s.mux.HandleFunc("GET /v1/sessions/{id}", m.instrument("session", s.handleSession))
	s.mux.HandleFunc("GET /v1/stream", m.instrument("stream", s.handleStream))
	s.mux.HandleFunc("GET /healthz", m.instrument("healthz", s.handleHealth))
	s.mux.Handle("GET /metrics", m.handler())
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("server.listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// eventRequest is the body of POST /v1/sessions/{id}/events.
type eventRequest struct {
	AgentID    string         `json:"agent_id,omitempty"`
	CustomerID string         `json:"customer_id,omitempty"`
	Text       string         `json:"text"`
	Variables  map[string]any `json:"variables,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// directiveRequest is the body of POST /v1/sessions/{id}/directives.
type directiveRequest struct {
	AgentID string `json:"agent_id,omitempty"`
	repository.Directive
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	ev := engine.Message(req.Text)
	ev.AgentID = req.AgentID
	ev.CustomerID = req.CustomerID
	ev.Variables = req.Variables
	ev.Metadata = req.Metadata
	s.runTurn(w, r, ev)
}

func (s *Server) handleDirective(w http.ResponseWriter, r *http.Request) {
	var req directiveRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	ev := engine.Control(req.Directive)
	ev.AgentID = req.AgentID
	s.runTurn(w, r, ev)
}

func (s *Server) runTurn(w http.ResponseWriter, r *http.Request, ev engine.Event) {
	s.metrics.inflightTurns.Inc()
	defer s.metrics.inflightTurns.Dec()
	res, err := s.engine.HandleEvent(r.Context(), r.PathValue("id"), ev)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	canceled := s.engine.CancelGeneration(r.PathValue("id"))
	writeJSON(w, http.StatusOK, map[string]bool{"canceled": canceled})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.engine.Session(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// handleStream writes observer events as server-sent events. The optional
// session query parameter filters by session id.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		s.writeError(w, r, errors.New(errors.CodeNotFound, "event stream is not enabled", nil))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, r, errors.New(errors.CodeInternal, "streaming unsupported", nil))
		return
	}
	filter := r.URL.Query().Get("session")

	events, unsubscribe := s.events.Subscribe()
	defer unsubscribe()
	s.metrics.streams.Inc()
	defer s.metrics.streams.Dec()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if filter != "" && ev.SessionID != filter {
				continue
			}
			if err := writeSSE(w, ev); err != nil {
				s.log.DebugContext(r.Context(), "server.stream.closed", slog.String("error", err.Error()))
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w io.Writer, ev core.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}

type healthResponse struct {
	Status     core.HealthStatus   `json:"status"`
	Components []core.HealthResult `json:"components"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	results, overall := s.health.CheckAll(r.Context())
	status := http.StatusOK
	if overall == core.HealthUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, healthResponse{Status: overall, Components: results})
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.New(errors.CodeInvalidInput, "malformed request body", err)
	}
	return nil
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error *errors.Error `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	e := errors.As(err)
	status := e.StatusCode
	if status == 0 {
		status = http.StatusInternalServerError
	}
	if status >= http.StatusInternalServerError {
		s.log.ErrorContext(r.Context(), "server.request.failed",
			slog.String("path", r.URL.Path),
			slog.String("code", string(e.Code)),
			slog.String("error", err.Error()),
		)
	}
	writeJSON(w, status, errorBody{Error: e})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
