// Copyright 2026 © The Valiant Authors
// SPDX-License-Identifier: Apache-2.0

// Package engine runs the turn loop: for each session event it matches
// conditions, resolves relationships, advances the journey, invokes tools,
// folds control directives into the session and requests generation.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Vusisean11/valiant/pkg/audit"
	"github.com/Vusisean11/valiant/pkg/core"
	"github.com/Vusisean11/valiant/pkg/errors"
	"github.com/Vusisean11/valiant/pkg/generation"
	"github.com/Vusisean11/valiant/pkg/journey"
	"github.com/Vusisean11/valiant/pkg/matcher"
	"github.com/Vusisean11/valiant/pkg/repository"
	"github.com/Vusisean11/valiant/pkg/session"
	"github.com/Vusisean11/valiant/pkg/telemetry"
	"github.com/Vusisean11/valiant/pkg/tools"
)

// Engine handles session events. It is safe for concurrent use; events of
// one session are processed one at a time in arrival order.
type Engine struct {
	repos        *repository.Registry
	matcher      *matcher.Matcher
	orchestrator *tools.Orchestrator
	generator    *generation.Resilient
	store        session.Store
	customers    session.CustomerStore
	serializer   *session.Serializer
	tracker      journey.Tracker
	fallback     string
	window       int
	emitter      core.EventEmitter
	audit        audit.Store
	metrics      *telemetry.EngineMetrics
	log          *slog.Logger

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

// Option configures an Engine.
type Option func(*Engine)

// WithStore sets the session store. Defaults to an in-memory store.
func WithStore(s session.Store) Option {
	return func(e *Engine) { e.store = s }
}

// WithGenerator sets the generation capability. Without one every turn is
// silent and flagged degraded.
func WithGenerator(g *generation.Resilient) Option {
	return func(e *Engine) { e.generator = g }
}

// WithStallTurns sets the journey stall threshold; zero disables it.
func WithStallTurns(n int) Option {
	return func(e *Engine) { e.tracker.StallTurns = n }
}

// WithFallback sets the utterance used when generation fails. Empty means
// the turn stays silent.
func WithFallback(text string) Option {
	return func(e *Engine) { e.fallback = text }
}

// WithTranscriptWindow bounds how many transcript entries evaluators and
// generation see.
func WithTranscriptWindow(n int) Option {
	return func(e *Engine) { e.window = n }
}

// WithEmitter sets the observer sink.
func WithEmitter(em core.EventEmitter) Option {
	return func(e *Engine) {
		if em != nil {
			e.emitter = em
		}
	}
}

// WithAudit records every committed turn.
func WithAudit(s audit.Store) Option {
	return func(e *Engine) { e.audit = s }
}

// WithMetrics records turn metrics.
func WithMetrics(m *telemetry.EngineMetrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// New creates an engine over the published repository versions in repos.
func New(repos *repository.Registry, m *matcher.Matcher, o *tools.Orchestrator, opts ...Option) *Engine {
	e := &Engine{
		repos:        repos,
		matcher:      m,
		orchestrator: o,
		store:        session.NewMemoryStore(),
		serializer:   session.NewSerializer(),
		tracker:      journey.Tracker{StallTurns: 3},
		window:       10,
		emitter:      core.NoopEventEmitter{},
		log:          slog.Default(),
		inflight:     make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.customers == nil {
		if cs, ok := e.store.(session.CustomerStore); ok {
			e.customers = cs
		} else {
			e.customers = session.NewMemoryStore()
		}
	}
	return e
}

// Session returns the committed state of a session.
func (e *Engine) Session(ctx context.Context, id string) (*session.Session, error) {
	return e.store.Load(ctx, id)
}

// Pending returns how many events wait behind the in-flight turn of a session.
func (e *Engine) Pending(sessionID string) int {
	return e.serializer.Pending(sessionID)
}

// CancelGeneration cancels the generation step of the session's in-flight
// turn. Tool calls already issued complete and are still committed. It
// reports whether a generation was running.
func (e *Engine) CancelGeneration(sessionID string) bool {
	e.mu.Lock()
	cancel, ok := e.inflight[sessionID]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// HandleEvent processes one event for sessionID and returns its TurnResult.
// The session is created on its first event, which must name the agent.
// On error the session keeps its last committed state.
func (e *Engine) HandleEvent(ctx context.Context, sessionID string, ev Event) (*TurnResult, error) {
	if sessionID == "" {
		return nil, errors.New(errors.CodeInvalidInput, "session id is required", nil)
	}
	if err := ev.validate(); err != nil {
		return nil, err
	}

	release, err := e.serializer.Acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer release()

	start := time.Now()
	ctx = core.WithSessionID(ctx, sessionID)
	ctx, turnID := core.EnsureTurnID(ctx)
	ctx, span := telemetry.Tracer().Start(ctx, "Engine.HandleEvent", trace.WithAttributes(
		attribute.String(telemetry.AttrSessionID, sessionID),
		attribute.String(telemetry.AttrTurnID, turnID),
		attribute.String(telemetry.AttrEventKind, string(ev.Kind)),
	))
	defer span.End()

	t, err := e.handle(ctx, sessionID, turnID, ev)
	agentID := ev.AgentID
	if t != nil {
		agentID = t.v.AgentID
	}
	e.metrics.RecordTurn(ctx, agentID, string(ev.Kind), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.log.ErrorContext(ctx, "engine.turn.error",
			slog.String("session_id", sessionID),
			slog.String("turn_id", turnID),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	res := t.result()
	rec := t.record()
	span.SetAttributes(telemetry.TurnAttributes(res.AgentID, res.AgentVersion, sessionID, turnID)...)
	span.SetAttributes(
		attribute.String(telemetry.AttrControlMode, string(res.ControlMode)),
		attribute.Bool(telemetry.AttrDegraded, res.Degraded),
	)
	rec.FinishedAt = time.Now()
	if e.audit != nil {
		if err := e.audit.Record(ctx, rec); err != nil {
			e.log.WarnContext(ctx, "engine.audit.error", slog.String("session_id", sessionID), slog.String("error", err.Error()))
		}
	}
	e.log.InfoContext(ctx, "engine.turn.completed",
		slog.String("session_id", sessionID),
		slog.String("turn_id", turnID),
		slog.String("agent_id", res.AgentID),
		slog.Int("active", len(res.Active)),
		slog.Int("tools", len(res.ToolOutcomes)),
		slog.String("mode", string(res.ControlMode)),
		slog.Duration("duration", time.Since(start)),
	)
	e.emit(ctx, t.mode, res)
	return res, nil
}

func (e *Engine) handle(ctx context.Context, sessionID, turnID string, ev Event) (*turn, error) {
	committed, err := e.loadOrCreate(ctx, sessionID, ev)
	if err != nil {
		return nil, err
	}
	v, err := e.repos.Current(committed.AgentID)
	if err != nil {
		return nil, err
	}
	defer e.orchestrator.Ledger().Forget(sessionID, turnID)

	t := &turn{
		e:      e,
		v:      v,
		sess:   committed.Clone(),
		ev:     ev,
		turnID: turnID,
		from:   committed.Journey,
		mode:   committed.Mode,
	}
	t.sess.Journey = journey.Normalize(v, t.sess.Journey)
	if ev.CustomerID != "" && t.sess.CustomerID == "" {
		t.sess.CustomerID = ev.CustomerID
	}
	if err := e.seedVariables(ctx, v, t.sess); err != nil {
		return nil, err
	}
	for k, val := range ev.Variables {
		t.sess.Variables[k] = val
	}

	switch ev.Kind {
	case EventControl:
		err = t.control(ctx)
	default:
		err = t.message(ctx)
	}
	if err != nil {
		return nil, err
	}

	persistStart := time.Now()
	if err := e.store.Save(ctx, t.sess); err != nil {
		return nil, err
	}
	e.metrics.RecordStage(ctx, telemetry.StagePersist, time.Since(persistStart))
	e.shareCustomerVariables(ctx, t)
	return t, nil
}

func (e *Engine) loadOrCreate(ctx context.Context, sessionID string, ev Event) (*session.Session, error) {
	sess, err := e.store.Load(ctx, sessionID)
	if err == nil {
		if ev.AgentID != "" && ev.AgentID != sess.AgentID {
			return nil, errors.New(errors.CodeInvalidInput, "session belongs to another agent", nil).
				WithContext("session_id", sessionID).
				WithContext("agent_id", sess.AgentID)
		}
		return sess, nil
	}
	if !errors.IsCode(err, errors.CodeNotFound) {
		return nil, err
	}
	if ev.AgentID == "" {
		return nil, errors.New(errors.CodeInvalidInput, "first event of a session must name the agent", nil).
			WithContext("session_id", sessionID)
	}
	if _, err := e.repos.Current(ev.AgentID); err != nil {
		return nil, err
	}
	sess = session.New(sessionID, ev.AgentID, ev.CustomerID)
	if err := e.store.Create(ctx, sess); err != nil {
		return nil, err
	}
	e.log.InfoContext(ctx, "engine.session.created",
		slog.String("session_id", sessionID),
		slog.String("agent_id", ev.AgentID),
	)
	return sess, nil
}

// generationContext registers a cancelable context for the session's
// generation step.
func (e *Engine) generationContext(ctx context.Context, sessionID string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.inflight[sessionID] = cancel
	e.mu.Unlock()
	return ctx, func() {
		e.mu.Lock()
		delete(e.inflight, sessionID)
		e.mu.Unlock()
		cancel()
	}
}

func (e *Engine) emit(ctx context.Context, before session.Mode, res *TurnResult) {
	if res.ControlMode != before {
		e.emitter.Emit(ctx, core.NewEvent(core.EventModeChanged, res.SessionID, res.TurnID, map[string]any{
			"from": string(before),
			"to":   string(res.ControlMode),
		}))
	}
	for _, o := range res.ToolOutcomes {
		e.emitter.Emit(ctx, core.NewEvent(core.EventToolOutcome, res.SessionID, res.TurnID, map[string]any{
			"tool_id": o.ToolID,
			"status":  string(o.Status),
			"sources": o.Sources,
			"error":   o.Error,
		}))
	}
	if res.Journey.Changed() {
		e.emitter.Emit(ctx, core.NewEvent(core.EventJourneyChanged, res.SessionID, res.TurnID, map[string]any{
			"kind": string(res.Journey.Kind),
			"from": res.Journey.From,
			"to":   res.Journey.To,
		}))
	}
	if res.EvaluationFailures > 0 {
		e.emitter.Emit(ctx, core.NewEvent(core.EventEvaluationFailed, res.SessionID, res.TurnID, map[string]any{
			"failures": res.EvaluationFailures,
		}))
	}
	if res.Degraded {
		e.emitter.Emit(ctx, core.NewEvent(core.EventGenerationDegraded, res.SessionID, res.TurnID, map[string]any{
			"error":    res.GenerationError,
			"fallback": res.Utterance,
		}))
	}
	e.emitter.Emit(ctx, core.NewEvent(core.EventTurnCompleted, res.SessionID, res.TurnID, map[string]any{
		"agent_id":         res.AgentID,
		"utterance":        res.Utterance,
		"mode":             string(res.ControlMode),
		"no_auto_response": res.NoAutoResponse,
	}))
}
