// Copyright 2026 © The Valiant Authors
// SPDX-License-Identifier: Apache-2.0

package generation

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/Vusisean11/valiant/pkg/errors"
	"github.com/Vusisean11/valiant/pkg/resilience"
	"github.com/Vusisean11/valiant/pkg/telemetry"
)

// Result reports what a resilient generation did.
type Result struct {
	Utterance string
	Attempts  int
}

// Option configures a Resilient generator.
type Option func(*Resilient)

// WithTimeout bounds each attempt.
func WithTimeout(d time.Duration) Option {
	return func(r *Resilient) { r.timeout = d }
}

// WithRetry sets the attempt budget and backoff bounds.
func WithRetry(maxAttempts int, initial, max time.Duration) Option {
	return func(r *Resilient) {
		r.retry = r.retry.WithMaxAttempts(maxAttempts).WithInitialDelay(initial)
		if max > 0 {
			r.retry = r.retry.WithMaxDelay(max)
		}
	}
}

// WithBreaker guards the generator with a circuit breaker.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(r *Resilient) { r.breaker = cb }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resilient) {
		if l != nil {
			r.log = l
		}
	}
}

// WithMetrics records breaker state transitions.
func WithMetrics(m *telemetry.EngineMetrics) Option {
	return func(r *Resilient) { r.metrics = m }
}

// Resilient wraps a Generator with a per-attempt timeout, bounded
// exponential backoff and an optional circuit breaker.
type Resilient struct {
	gen     Generator
	timeout time.Duration
	retry   resilience.RetryConfig
	breaker *resilience.CircuitBreaker
	log     *slog.Logger
	metrics *telemetry.EngineMetrics
}

// NewResilient wraps gen. Defaults: 30s per attempt, three attempts.
func NewResilient(gen Generator, opts ...Option) *Resilient {
	r := &Resilient{
		gen:     gen,
		timeout: 30 * time.Second,
		retry:   resilience.DefaultRetryConfig().WithMaxAttempts(3),
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.retry = r.retry.WithIsRecoverable(recoverable)
	return r
}

// Generate runs the wrapped generator until it succeeds, a non-recoverable
// error occurs or the attempt budget is spent. Failures come back as
// GENERATION_ERROR unless the caller canceled.
func (r *Resilient) Generate(ctx context.Context, pc PromptContext) (Result, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "Generation.Generate")
	defer span.End()

	var attempts atomic.Int32
	utterance, err := resilience.DoValue(ctx, r.retry, func(ctx context.Context) (string, error) {
		attempts.Add(1)
		return r.attempt(ctx, pc)
	})
	res := Result{Utterance: utterance, Attempts: int(attempts.Load())}
	span.SetAttributes(attribute.Int(telemetry.AttrGenAttempts, res.Attempts))
	if r.breaker != nil {
		r.metrics.RecordCircuitBreakerState(ctx, "generation", int64(r.breaker.State()))
	}
	if err == nil {
		return res, nil
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	r.log.WarnContext(ctx, "generation.failed",
		slog.String("session_id", pc.SessionID),
		slog.Int("attempts", res.Attempts),
		slog.String("error", err.Error()),
	)
	switch {
	case errors.IsCode(err, errors.CodeCanceled), errors.IsCode(err, errors.CodeGeneration):
		return res, err
	case stderrors.Is(err, context.Canceled):
		return res, errors.New(errors.CodeCanceled, "generation canceled", err)
	}
	return res, errors.New(errors.CodeGeneration, "generation failed", err).
		WithContext("attempts", res.Attempts)
}

func (r *Resilient) attempt(ctx context.Context, pc PromptContext) (string, error) {
	call := func(ctx context.Context) (string, error) {
		return resilience.WithTimeoutValue(ctx, resilience.TimeoutConfig{Duration: r.timeout}, func(ctx context.Context) (string, error) {
			return r.gen.Generate(ctx, pc)
		})
	}
	if r.breaker == nil {
		return call(ctx)
	}
	var out string
	err := r.breaker.Call(ctx, func(ctx context.Context) error {
		var err error
		out, err = call(ctx)
		return err
	})
	return out, err
}

func recoverable(err error) bool {
	if errors.IsCode(err, errors.CodeCanceled) || stderrors.Is(err, context.Canceled) {
		return false
	}
	var e *errors.Error
	if stderrors.As(err, &e) {
		return e.Recoverable
	}
	return true
}
