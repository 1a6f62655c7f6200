// SPDX-License-Identifier: Apache-2.0

package matcher

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
)

// Verdict is an evaluator's judgement of one condition.
type Verdict struct {
	Matched    bool    `json:"matched"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale,omitempty"`
}

// Evaluator judges whether a natural-language condition holds in a context.
// Implementations must be safe for concurrent use.
type Evaluator interface {
	Evaluate(ctx context.Context, condition string, c Context) (Verdict, error)
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(ctx context.Context, condition string, c Context) (Verdict, error)

// Evaluate calls f.
func (f EvaluatorFunc) Evaluate(ctx context.Context, condition string, c Context) (Verdict, error) {
	return f(ctx, condition, c)
}

// StaticEvaluator answers from fixed tables keyed by condition text.
// Unknown conditions do not match. It counts calls, which makes it the
// deterministic stand-in for tests and offline runs.
type StaticEvaluator struct {
	mu       sync.RWMutex
	verdicts map[string]Verdict
	errs     map[string]error
	calls    atomic.Int64
}

// NewStaticEvaluator creates an evaluator that matches the given conditions
// with full confidence.
func NewStaticEvaluator(matched ...string) *StaticEvaluator {
	s := &StaticEvaluator{verdicts: map[string]Verdict{}, errs: map[string]error{}}
	for _, c := range matched {
		s.verdicts[normalize(c)] = Verdict{Matched: true, Confidence: 1}
	}
	return s
}

// Set records the verdict for condition.
func (s *StaticEvaluator) Set(condition string, v Verdict) *StaticEvaluator {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verdicts[normalize(condition)] = v
	delete(s.errs, normalize(condition))
	return s
}

// Match marks conditions as matched with full confidence.
func (s *StaticEvaluator) Match(conditions ...string) *StaticEvaluator {
	for _, c := range conditions {
		s.Set(c, Verdict{Matched: true, Confidence: 1})
	}
	return s
}

// Unmatch marks conditions as not matched.
func (s *StaticEvaluator) Unmatch(conditions ...string) *StaticEvaluator {
	for _, c := range conditions {
		s.Set(c, Verdict{})
	}
	return s
}

// Fail makes condition return err.
func (s *StaticEvaluator) Fail(condition string, err error) *StaticEvaluator {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[normalize(condition)] = err
	return s
}

// Calls returns the number of Evaluate calls so far.
func (s *StaticEvaluator) Calls() int { return int(s.calls.Load()) }

// Evaluate implements Evaluator.
func (s *StaticEvaluator) Evaluate(ctx context.Context, condition string, _ Context) (Verdict, error) {
	s.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return Verdict{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	key := normalize(condition)
	if err, ok := s.errs[key]; ok {
		return Verdict{}, err
	}
	return s.verdicts[key], nil
}

func normalize(condition string) string {
	return strings.ToLower(strings.Join(strings.Fields(condition), " "))
}
