// Copyright 2026 © The Valiant Authors
// SPDX-License-Identifier: Apache-2.0

package matcher

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/Vusisean11/valiant/pkg/errors"
	"github.com/Vusisean11/valiant/pkg/resilience"
	"github.com/Vusisean11/valiant/pkg/telemetry"
)

// CandidateKind tells what a candidate condition gates.
type CandidateKind string

const (
	KindGuideline         CandidateKind = "guideline"
	KindStepCondition     CandidateKind = "step_condition"
	KindStepCompletion    CandidateKind = "step_completion"
	KindJourneyActivation CandidateKind = "journey_activation"
	KindJourneyExit       CandidateKind = "journey_exit"
	KindToolCondition     CandidateKind = "tool_condition"
	KindTemplate          CandidateKind = "template"
)

// Candidate is one condition to judge. Key is unique within a pool;
// Subject names the guideline, step, journey, tool or template it belongs to.
type Candidate struct {
	Key       string
	Kind      CandidateKind
	Subject   string
	Condition string
}

// Match is a candidate whose condition held.
type Match struct {
	Candidate
	Verdict
}

// Failure is a candidate whose evaluation failed. It counts as not matched.
type Failure struct {
	Candidate
	Err error
}

// Result is the outcome of one Match call.
type Result struct {
	Matches  map[string]Match
	Failures []Failure
	// Evaluations counts evaluator calls actually made; memo hits are free.
	Evaluations int
}

// Matched reports whether the candidate with key matched.
func (r Result) Matched(key string) bool {
	_, ok := r.Matches[key]
	return ok
}

// Confidence returns the confidence of a matched key, or 0.
func (r Result) Confidence(key string) float64 {
	return r.Matches[key].Confidence
}

// Keys returns matched keys sorted.
func (r Result) Keys() []string {
	out := make([]string, 0, len(r.Matches))
	for k := range r.Matches {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Merge folds other into r. Keys in other win.
func (r *Result) Merge(other Result) {
	if r.Matches == nil {
		r.Matches = map[string]Match{}
	}
	for k, m := range other.Matches {
		r.Matches[k] = m
	}
	r.Failures = append(r.Failures, other.Failures...)
	r.Evaluations += other.Evaluations
}

// Matcher evaluates candidate pools concurrently.
type Matcher struct {
	evaluator     Evaluator
	concurrency   int
	timeout       time.Duration
	minConfidence float64
	logger        *slog.Logger
}

// Option configures a Matcher.
type Option func(*Matcher)

// WithConcurrency bounds in-flight evaluator calls per Match.
func WithConcurrency(n int) Option {
	return func(m *Matcher) {
		if n > 0 {
			m.concurrency = n
		}
	}
}

// WithTimeout bounds each evaluator call. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(m *Matcher) { m.timeout = d }
}

// WithMinConfidence sets the confidence a verdict needs to count as matched.
func WithMinConfidence(f float64) Option {
	return func(m *Matcher) { m.minConfidence = f }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Matcher) {
		if l != nil {
			m.logger = l
		}
	}
}

// New creates a matcher around e.
func New(e Evaluator, opts ...Option) *Matcher {
	m := &Matcher{
		evaluator:   e,
		concurrency: 16,
		timeout:     10 * time.Second,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type memoKey struct {
	context   uint64
	condition string
}

type memoEntry struct {
	verdict Verdict
	err     error
}

// Turn is the memo scope of one turn. Identical (condition, context) pairs
// are evaluated once per Turn; nothing is carried across turns.
type Turn struct {
	m *Matcher

	mu   sync.Mutex
	c    Context
	hash uint64
	memo map[memoKey]memoEntry
}

// Begin opens the memo scope for a turn evaluated against c.
func (m *Matcher) Begin(c Context) *Turn {
	return &Turn{m: m, c: c, hash: c.Hash(), memo: make(map[memoKey]memoEntry)}
}

// Context returns the context the turn currently evaluates against.
func (t *Turn) Context() Context {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.c
}

// SetContext replaces the evaluation context, e.g. after the journey
// pointer moved. Memo entries for the previous context stay valid.
func (t *Turn) SetContext(c Context) {
	h := c.Hash()
	t.mu.Lock()
	t.c, t.hash = c, h
	t.mu.Unlock()
}

// Match evaluates pool and returns every candidate whose condition held.
// Evaluator failures are reported in Result.Failures and never abort the
// call. Candidates with an empty condition match unconditionally.
func (t *Turn) Match(ctx context.Context, pool []Candidate) Result {
	ctx, span := telemetry.Tracer().Start(ctx, "Matcher.Match")
	defer span.End()

	t.mu.Lock()
	c, hash := t.c, t.hash
	var pending []string
	queued := map[string]bool{}
	for _, cand := range pool {
		cond := strings.TrimSpace(cand.Condition)
		if cond == "" || queued[cond] {
			continue
		}
		if _, ok := t.memo[memoKey{hash, cond}]; ok {
			continue
		}
		queued[cond] = true
		pending = append(pending, cond)
	}
	t.mu.Unlock()

	if len(pending) > 0 {
		var g errgroup.Group
		g.SetLimit(t.m.concurrency)
		for _, cond := range pending {
			g.Go(func() error {
				v, err := t.m.evaluate(ctx, cond, c)
				t.mu.Lock()
				t.memo[memoKey{hash, cond}] = memoEntry{verdict: v, err: err}
				t.mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
	}

	res := Result{Matches: make(map[string]Match), Evaluations: len(pending)}
	t.mu.Lock()
	for _, cand := range pool {
		cond := strings.TrimSpace(cand.Condition)
		if cond == "" {
			res.Matches[cand.Key] = Match{Candidate: cand, Verdict: Verdict{Matched: true, Confidence: 1}}
			continue
		}
		entry := t.memo[memoKey{hash, cond}]
		if entry.err != nil {
			res.Failures = append(res.Failures, Failure{Candidate: cand, Err: entry.err})
			continue
		}
		if entry.verdict.Matched && entry.verdict.Confidence >= t.m.minConfidence {
			res.Matches[cand.Key] = Match{Candidate: cand, Verdict: entry.verdict}
		}
	}
	t.mu.Unlock()

	for _, f := range res.Failures {
		t.m.logger.WarnContext(ctx, "matcher.evaluate.error",
			slog.String("session_id", c.SessionID),
			slog.String("candidate", f.Key),
			slog.String("kind", string(f.Kind)),
			slog.String("error", f.Err.Error()),
		)
	}

	span.SetAttributes(
		attribute.Int(telemetry.AttrCandidateCount, len(pool)),
		attribute.Int(telemetry.AttrMatchedCount, len(res.Matches)),
		attribute.Int(telemetry.AttrFailedCount, len(res.Failures)),
	)
	if len(res.Failures) > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d evaluation(s) failed", len(res.Failures)))
	}
	return res
}

func (m *Matcher) evaluate(ctx context.Context, condition string, c Context) (Verdict, error) {
	v, err := resilience.WithTimeoutValue(ctx, resilience.TimeoutConfig{Duration: m.timeout},
		func(ctx context.Context) (v Verdict, err error) {
			defer func() {
				if r := recover(); r != nil {
					err = errors.New(errors.CodeEvaluation, fmt.Sprintf("evaluator panic: %v", r), nil)
				}
			}()
			return m.evaluator.Evaluate(ctx, condition, c)
		})
	if err != nil {
		if errors.IsCode(err, errors.CodeTimeout) || errors.IsCode(err, errors.CodeCanceled) {
			return Verdict{}, err
		}
		return Verdict{}, errors.New(errors.CodeEvaluation, "condition evaluation failed", err).
			WithContext("condition", truncate(condition, 120))
	}
	return v, nil
}
