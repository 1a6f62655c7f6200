// Copyright 2026 © The Valiant Authors
// SPDX-License-Identifier: Apache-2.0

package scenario

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Vusisean11/valiant/pkg/core"
	"github.com/Vusisean11/valiant/pkg/engine"
	"github.com/Vusisean11/valiant/pkg/errors"
	"github.com/Vusisean11/valiant/pkg/generation"
	"github.com/Vusisean11/valiant/pkg/matcher"
	"github.com/Vusisean11/valiant/pkg/repository"
	"github.com/Vusisean11/valiant/pkg/session"
	"github.com/Vusisean11/valiant/pkg/tools"
)

// NoInstructions is the scripted reply when nothing applies.
const NoInstructions = "(no applicable guideline)"

// Runner plays scenarios against the published agents of a registry.
type Runner struct {
	repos   *repository.Registry
	log     *slog.Logger
	timeout time.Duration
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger handed to the engine under test.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.log = l
		}
	}
}

// WithTimeout bounds each scenario.
func WithTimeout(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// NewRunner creates a runner over repos.
func NewRunner(repos *repository.Registry, opts ...Option) *Runner {
	r := &Runner{repos: repos, log: slog.Default(), timeout: 30 * time.Second}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run plays s on a fresh engine and session. Turn failures are reported in
// the result; the error is only set when the scenario could not be played.
func (r *Runner) Run(ctx context.Context, s *Scenario) (*Result, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if _, err := r.repos.Current(s.Agent); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	sc := &script{}
	calls := &callLog{}
	collector := NewEventCollector()

	registry := tools.NewRegistry()
	for id, stub := range s.Tools {
		registry.Register(id, stubCapability(id, stub, sc, calls))
	}

	opts := []engine.Option{
		engine.WithStore(session.NewMemoryStore()),
		engine.WithGenerator(generation.NewResilient(generation.Func(scriptedReply),
			generation.WithRetry(1, time.Millisecond, time.Millisecond),
			generation.WithLogger(r.log),
		)),
		engine.WithEmitter(collector),
		engine.WithLogger(r.log),
	}
	if s.StallTurns > 0 {
		opts = append(opts, engine.WithStallTurns(s.StallTurns))
	}
	eng := engine.New(r.repos,
		matcher.New(matcher.EvaluatorFunc(sc.evaluate), matcher.WithLogger(r.log)),
		tools.New(registry, tools.WithLogger(r.log)),
		opts...,
	)

	res := &Result{Scenario: s.Name, Path: s.path}
	sessionID := "scenario-" + uuid.NewString()
	start := time.Now()
	for i, turn := range s.Turns {
		sc.set(i+1, turn.Match)
		ev := event(s, turn, i == 0)

		out, err := eng.HandleEvent(ctx, sessionID, ev)
		report := TurnReport{Index: i + 1, Input: describeInput(turn)}
		if out != nil {
			report.fill(out)
		}
		report.Failures = check(turn.Expect, out, err)
		res.Turns = append(res.Turns, report)
		if ctx.Err() != nil {
			break
		}
	}
	res.Duration = time.Since(start)
	res.ToolCalls = calls.records()
	res.Events = collector.Events()
	return res, nil
}

func event(s *Scenario, t Turn, first bool) engine.Event {
	var ev engine.Event
	if t.Directive != nil {
		ev = engine.Control(*t.Directive)
	} else {
		ev = engine.Message(t.Say)
	}
	ev.AgentID = s.Agent
	ev.CustomerID = s.Customer
	ev.Metadata = t.Metadata
	ev.Variables = t.Variables
	if first && len(s.Variables) > 0 {
		vars := make(map[string]any, len(s.Variables)+len(t.Variables))
		for k, v := range s.Variables {
			vars[k] = v
		}
		for k, v := range t.Variables {
			vars[k] = v
		}
		ev.Variables = vars
	}
	return ev
}

func describeInput(t Turn) string {
	if t.Directive == nil {
		return t.Say
	}
	in := "/" + string(t.Directive.Kind)
	if t.Directive.Mode != "" {
		in += " " + t.Directive.Mode
	}
	if t.Directive.Journey != "" {
		in += " " + t.Directive.Journey
	}
	return in
}

// scriptedReply echoes the best template, or the active actions in
// priority order.
func scriptedReply(_ context.Context, pc generation.PromptContext) (string, error) {
	if len(pc.Templates) > 0 {
		return pc.Templates[0].Text, nil
	}
	if len(pc.Instructions) == 0 {
		return NoInstructions, nil
	}
	actions := make([]string, len(pc.Instructions))
	for i, in := range pc.Instructions {
		actions[i] = in.Action
	}
	return strings.Join(actions, "\n"), nil
}

// script answers conditions from the current turn's match list.
type script struct {
	mu      sync.RWMutex
	turn    int
	matched map[string]bool
}

func (s *script) set(turn int, conditions []string) {
	m := make(map[string]bool, len(conditions))
	for _, c := range conditions {
		m[normalize(c)] = true
	}
	s.mu.Lock()
	s.turn = turn
	s.matched = m
	s.mu.Unlock()
}

func (s *script) current() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.turn
}

func (s *script) evaluate(ctx context.Context, condition string, _ matcher.Context) (matcher.Verdict, error) {
	if err := ctx.Err(); err != nil {
		return matcher.Verdict{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.matched[normalize(condition)] {
		return matcher.Verdict{Matched: true, Confidence: 1, Rationale: "scripted"}, nil
	}
	return matcher.Verdict{Confidence: 1, Rationale: "scripted"}, nil
}

func normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// ToolCallRecord records a stubbed tool invocation.
type ToolCallRecord struct {
	Turn      int            `json:"turn"`
	ToolID    string         `json:"tool_id"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Inputs    map[string]any `json:"inputs,omitempty"`
	Error     string         `json:"error,omitempty"`
}

type callLog struct {
	mu    sync.Mutex
	calls []ToolCallRecord
}

func (l *callLog) add(rec ToolCallRecord) {
	l.mu.Lock()
	l.calls = append(l.calls, rec)
	l.mu.Unlock()
}

func (l *callLog) records() []ToolCallRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ToolCallRecord, len(l.calls))
	copy(out, l.calls)
	return out
}

func stubCapability(id string, stub ToolStub, sc *script, calls *callLog) tools.Capability {
	return tools.CapabilityFunc(func(_ context.Context, call tools.Call) (tools.Result, error) {
		rec := ToolCallRecord{Turn: sc.current(), ToolID: id, Arguments: call.Arguments, Inputs: call.Inputs, Error: stub.Error}
		calls.add(rec)
		if stub.Error != "" {
			return tools.Result{}, stderrors.New(stub.Error)
		}
		return tools.Result{Payload: stub.Payload, Outputs: stub.Outputs}, nil
	})
}

// Result is the outcome of one scenario.
type Result struct {
	Scenario  string           `json:"scenario"`
	Path      string           `json:"path,omitempty"`
	Turns     []TurnReport     `json:"turns"`
	ToolCalls []ToolCallRecord `json:"tool_calls,omitempty"`
	Events    []core.Event     `json:"-"`
	Duration  time.Duration    `json:"duration"`
}

// TurnReport is what the engine decided on one turn and what did not
// meet the expectations.
type TurnReport struct {
	Index     int      `json:"turn"`
	Input     string   `json:"input"`
	Active    []string `json:"active,omitempty"`
	Journey   string   `json:"journey"`
	Mode      string   `json:"mode,omitempty"`
	Utterance string   `json:"utterance,omitempty"`
	Failures  []string `json:"failures,omitempty"`
}

func (r *TurnReport) fill(out *engine.TurnResult) {
	for _, a := range out.Active {
		r.Active = append(r.Active, a.ID)
	}
	r.Journey = describeJourney(out)
	r.Mode = string(out.ControlMode)
	r.Utterance = out.Utterance
}

// Passed reports whether every turn met its expectations.
func (r *Result) Passed() bool {
	return len(r.Failures()) == 0
}

// Failures lists every unmet expectation, prefixed with its turn.
func (r *Result) Failures() []string {
	var out []string
	for _, t := range r.Turns {
		for _, f := range t.Failures {
			out = append(out, fmt.Sprintf("turn %d (%s): %s", t.Index, t.Input, f))
		}
	}
	return out
}

// Calls returns the stub invocations of toolID.
func (r *Result) Calls(toolID string) []ToolCallRecord {
	var out []ToolCallRecord
	for _, c := range r.ToolCalls {
		if c.ToolID == toolID {
			out = append(out, c)
		}
	}
	return out
}

// errorCode extracts the engine error code of err, or "".
func errorCode(err error) string {
	if err == nil {
		return ""
	}
	return string(errors.As(err).Code)
}
