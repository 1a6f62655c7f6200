// Copyright 2026 © The Valiant Authors
// SPDX-License-Identifier: Apache-2.0

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/Vusisean11/valiant/pkg/errors"
	"github.com/Vusisean11/valiant/pkg/governance"
	"github.com/Vusisean11/valiant/pkg/repository"
	"github.com/Vusisean11/valiant/pkg/resilience"
	"github.com/Vusisean11/valiant/pkg/telemetry"
)

// Status of a tool outcome.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Outcome is the tagged result of one requested tool. Failures carry the
// error instead of aborting anything.
type Outcome struct {
	ToolID    string                `json:"tool_id"`
	Sources   []string              `json:"sources"`
	Status    Status                `json:"status"`
	Payload   any                   `json:"payload,omitempty"`
	Outputs   map[string]any        `json:"outputs,omitempty"`
	Directive *repository.Directive `json:"directive,omitempty"`
	Error     string                `json:"error,omitempty"`
	Duration  time.Duration         `json:"duration"`

	Err error `json:"-"`
}

// Attachment is a tool attached to an active guideline or step.
type Attachment struct {
	Source    string
	Tool      string
	Condition string
}

// ConditionFunc reports which attachment conditions hold.
type ConditionFunc func(ctx context.Context, conditions []string) map[string]bool

// Request describes the tools to consider for one pass of a turn.
type Request struct {
	AgentID   string
	SessionID string
	TurnID    string
	Version   *repository.Version
	// Attachments in active-set rank order.
	Attachments []Attachment
	Variables   map[string]any
	Metadata    map[string]any
	// Conditions evaluates attachment conditions; nil treats them all as met.
	Conditions ConditionFunc
}

// Orchestrator invokes tools for the active set.
type Orchestrator struct {
	registry    *Registry
	filter      *governance.ToolFilter
	ledger      *Ledger
	concurrency int
	timeout     time.Duration
	logger      *slog.Logger
	metrics     *telemetry.EngineMetrics
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithFilter sets the governance filter. Denied tools are skipped.
func WithFilter(f *governance.ToolFilter) Option {
	return func(o *Orchestrator) { o.filter = f }
}

// WithLedger shares a ledger, e.g. across orchestrators of one engine.
func WithLedger(l *Ledger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.ledger = l
		}
	}
}

// WithConcurrency bounds concurrent invocations within a layer.
func WithConcurrency(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithTimeout sets the default per-tool timeout; a tool's own timeout wins.
func WithTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics records tool outcomes.
func WithMetrics(m *telemetry.EngineMetrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// New creates an orchestrator over registry.
func New(registry *Registry, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		registry:    registry,
		ledger:      NewLedger(),
		concurrency: 8,
		timeout:     30 * time.Second,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Ledger returns the invocation ledger.
func (o *Orchestrator) Ledger() *Ledger { return o.ledger }

type planned struct {
	tool    *repository.Tool
	sources []string
	outcome *Outcome
	layer   int
	deps    []*planned
}

// Invoke runs the eligible tools of req and returns one outcome per distinct
// tool, in the order the tools were first requested.
//
// Tools without a data dependency between them run concurrently. A tool
// whose declared inputs are produced by another requested tool runs after
// it, and fails without being invoked when that producer did not succeed.
func (o *Orchestrator) Invoke(ctx context.Context, req Request) []Outcome {
	ctx, span := telemetry.Tracer().Start(ctx, "Tools.Invoke")
	defer span.End()

	plan := o.plan(ctx, req)
	if len(plan) == 0 {
		return nil
	}

	maxLayer := 0
	for _, p := range plan {
		if p.outcome == nil && p.layer > maxLayer {
			maxLayer = p.layer
		}
	}
	for layer := 0; layer <= maxLayer; layer++ {
		var g errgroup.Group
		g.SetLimit(o.concurrency)
		for _, p := range plan {
			if p.outcome != nil || p.layer != layer {
				continue
			}
			if failed := upstreamFailure(p); failed != "" {
				err := errors.New(errors.CodeToolFailure, "upstream tool did not succeed", nil).
					WithContext("tool_id", p.tool.ID).
					WithContext("upstream", failed)
				p.outcome = &Outcome{ToolID: p.tool.ID, Sources: p.sources, Status: StatusFailed, Err: err, Error: err.Error()}
				continue
			}
			g.Go(func() error {
				out := o.run(ctx, req, p)
				p.outcome = &out
				return nil
			})
		}
		_ = g.Wait()
	}

	outcomes := make([]Outcome, 0, len(plan))
	failed := 0
	for _, p := range plan {
		out := *p.outcome
		outcomes = append(outcomes, out)
		o.metrics.RecordToolOutcome(ctx, out.ToolID, string(out.Status))
		if out.Status == StatusFailed {
			failed++
			o.logger.WarnContext(ctx, "tools.invoke.failed",
				slog.String("session_id", req.SessionID),
				slog.String("turn_id", req.TurnID),
				slog.String("tool_id", out.ToolID),
				slog.String("error", out.Error),
			)
		}
	}
	span.SetAttributes(
		attribute.Int("valiant.tools.requested", len(plan)),
		attribute.Int("valiant.tools.failed", failed),
	)
	return outcomes
}

// plan selects eligible tools, dedups them, applies the ledger and the
// governance filter, and assigns dependency layers.
func (o *Orchestrator) plan(ctx context.Context, req Request) []*planned {
	var conds []string
	for _, a := range req.Attachments {
		if c := strings.TrimSpace(a.Condition); c != "" && !slices.Contains(conds, c) {
			conds = append(conds, c)
		}
	}
	var met map[string]bool
	if len(conds) > 0 && req.Conditions != nil {
		met = req.Conditions(ctx, conds)
	}

	var plan []*planned
	byID := map[string]*planned{}
	for _, a := range req.Attachments {
		if c := strings.TrimSpace(a.Condition); c != "" && req.Conditions != nil && !met[c] {
			continue
		}
		if p, ok := byID[a.Tool]; ok {
			if !slices.Contains(p.sources, a.Source) {
				p.sources = append(p.sources, a.Source)
			}
			continue
		}
		tool, ok := req.Version.Tool(a.Tool)
		if !ok {
			continue // rejected at compile time; a stale attachment is ignored
		}
		p := &planned{tool: tool, sources: []string{a.Source}}
		byID[a.Tool] = p
		plan = append(plan, p)
	}

	for _, p := range plan {
		if !o.ledger.Claim(req.SessionID, req.TurnID, p.tool.ID) {
			p.outcome = &Outcome{ToolID: p.tool.ID, Sources: p.sources, Status: StatusSkipped,
				Error: "already invoked in this turn"}
			continue
		}
		if d := o.filter.IsAllowed(ctx, req.AgentID, p.tool.ID); !d.IsAllowed() {
			reason := d.Reason
			if reason == "" {
				reason = "denied by policy"
			}
			p.outcome = &Outcome{ToolID: p.tool.ID, Sources: p.sources, Status: StatusSkipped, Error: reason}
		}
	}

	// Producers among this request only; tools requested in an earlier pass
	// of the turn are not waited for.
	for _, p := range plan {
		for _, in := range p.tool.Inputs {
			for _, producer := range req.Version.Producers(in) {
				if dep, ok := byID[producer]; ok && dep != p && !slices.Contains(p.deps, dep) {
					p.deps = append(p.deps, dep)
				}
			}
		}
	}
	var layerOf func(p *planned, depth int) int
	layerOf = func(p *planned, depth int) int {
		if depth > len(plan) {
			return 0 // unreachable for a compiled version
		}
		l := 0
		for _, d := range p.deps {
			if dl := layerOf(d, depth+1) + 1; dl > l {
				l = dl
			}
		}
		return l
	}
	for _, p := range plan {
		p.layer = layerOf(p, 0)
	}
	return plan
}

func upstreamFailure(p *planned) string {
	for _, d := range p.deps {
		if d.outcome == nil || d.outcome.Status != StatusSucceeded {
			return d.tool.ID
		}
	}
	return ""
}

func (o *Orchestrator) run(ctx context.Context, req Request, p *planned) Outcome {
	start := time.Now()
	out := Outcome{ToolID: p.tool.ID, Sources: p.sources}
	fail := func(err error) Outcome {
		out.Status = StatusFailed
		out.Err = err
		out.Error = err.Error()
		out.Duration = time.Since(start)
		return out
	}

	capability, ok := o.registry.Get(p.tool.ID)
	if !ok {
		if p.tool.Directive != nil {
			d := *p.tool.Directive
			out.Status = StatusSucceeded
			out.Directive = &d
			out.Duration = time.Since(start)
			return out
		}
		return fail(errors.New(errors.CodeToolFailure, "no capability registered for tool", nil).
			WithContext("tool_id", p.tool.ID))
	}

	inputs := map[string]any{}
	for _, d := range p.deps {
		for k, v := range d.outcome.Outputs {
			if slices.Contains(p.tool.Inputs, k) {
				inputs[k] = v
			}
		}
	}
	args, err := resolveArguments(p.tool, inputs, req.Metadata, req.Variables)
	if err != nil {
		return fail(err)
	}

	timeout := o.timeout
	if p.tool.Timeout > 0 {
		timeout = p.tool.Timeout
	}
	call := Call{
		AgentID:   req.AgentID,
		SessionID: req.SessionID,
		TurnID:    req.TurnID,
		ToolID:    p.tool.ID,
		Arguments: args,
		Inputs:    inputs,
	}
	res, err := resilience.WithTimeoutValue(ctx, resilience.TimeoutConfig{Duration: timeout},
		func(ctx context.Context) (res Result, err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("tool panic: %v", r)
				}
			}()
			return capability.Invoke(ctx, call)
		})
	if err != nil {
		if !errors.IsCode(err, errors.CodeTimeout) && !errors.IsCode(err, errors.CodeCanceled) {
			err = errors.New(errors.CodeToolFailure, "tool invocation failed", err).
				WithContext("tool_id", p.tool.ID)
		}
		return fail(err)
	}

	out.Status = StatusSucceeded
	out.Payload = res.Payload
	out.Outputs = res.Outputs
	if out.Outputs == nil && len(p.tool.Outputs) == 1 && res.Payload != nil {
		out.Outputs = map[string]any{p.tool.Outputs[0]: res.Payload}
	}
	out.Directive = res.Directive
	if out.Directive == nil && p.tool.Directive != nil {
		d := *p.tool.Directive
		out.Directive = &d
	}
	out.Duration = time.Since(start)
	return out
}

// resolveArguments fills declared arguments from upstream outputs, then
// event metadata, then context variables.
func resolveArguments(tool *repository.Tool, sources ...map[string]any) (map[string]any, error) {
	args := make(map[string]any, len(tool.Arguments))
	for _, arg := range tool.Arguments {
		var (
			value any
			found bool
		)
		for _, src := range sources {
			if v, ok := src[arg.Name]; ok && v != nil {
				value, found = v, true
				break
			}
		}
		if !found {
			if arg.Required {
				return nil, errors.New(errors.CodeInvalidInput, "missing required tool argument", nil).
					WithContext("tool_id", tool.ID).
					WithContext("argument", arg.Name)
			}
			continue
		}
		if !typeMatches(arg.Type, value) {
			return nil, errors.New(errors.CodeInvalidInput, "tool argument has the wrong type", nil).
				WithContext("tool_id", tool.ID).
				WithContext("argument", arg.Name).
				WithContext("want", arg.Type).
				WithContext("got", fmt.Sprintf("%T", value))
		}
		args[arg.Name] = value
	}
	return args, nil
}

func typeMatches(typ string, v any) bool {
	switch typ {
	case "", "object", "array":
		return true
	case "string":
		_, ok := v.(string)
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "number", "integer":
		switch n := v.(type) {
		case int, int32, int64, float32:
			return true
		case float64:
			return typ == "number" || n == float64(int64(n))
		case json.Number:
			return true
		}
		return false
	}
	return true
}
