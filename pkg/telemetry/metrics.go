// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Vusisean11/valiant/pkg/errors"
)

// EngineMetrics records turn-level counters and stage latency.
// All methods are safe on a nil receiver.
type EngineMetrics struct {
	turns          metric.Int64Counter
	evalErrors     metric.Int64Counter
	toolOutcomes   metric.Int64Counter
	degraded       metric.Int64Counter
	journeyChanges metric.Int64Counter
	stageLatency   metric.Float64Histogram
	breakerState   metric.Int64Gauge
}

// NewEngineMetrics creates instruments on the global meter provider.
func NewEngineMetrics() (*EngineMetrics, error) {
	return NewEngineMetricsWithMeter(otel.Meter(instrumentationName))
}

// NewEngineMetricsWithMeter creates instruments on meter.
func NewEngineMetricsWithMeter(meter metric.Meter) (*EngineMetrics, error) {
	var (
		m   EngineMetrics
		err error
	)
	if m.turns, err = meter.Int64Counter("valiant.turns.total",
		metric.WithDescription("Turns handled by event kind and outcome")); err != nil {
		return nil, err
	}
	if m.evalErrors, err = meter.Int64Counter("valiant.matcher.evaluation_errors",
		metric.WithDescription("Candidates failed closed by evaluator errors")); err != nil {
		return nil, err
	}
	if m.toolOutcomes, err = meter.Int64Counter("valiant.tools.outcomes",
		metric.WithDescription("Tool outcomes by tool and status")); err != nil {
		return nil, err
	}
	if m.degraded, err = meter.Int64Counter("valiant.generation.degraded",
		metric.WithDescription("Turns whose generation fell back or was silenced")); err != nil {
		return nil, err
	}
	if m.journeyChanges, err = meter.Int64Counter("valiant.journey.transitions",
		metric.WithDescription("Journey state transitions by kind")); err != nil {
		return nil, err
	}
	if m.stageLatency, err = meter.Float64Histogram("valiant.stage.duration",
		metric.WithDescription("Turn stage latency"),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if m.breakerState, err = meter.Int64Gauge("valiant.circuitbreaker.state",
		metric.WithDescription("Generation circuit breaker state (0=closed, 1=open, 2=half-open)")); err != nil {
		return nil, err
	}
	return &m, nil
}

// RecordTurn counts one handled event.
func (m *EngineMetrics) RecordTurn(ctx context.Context, agentID, kind string, err error) {
	if m == nil {
		return
	}
	code := "OK"
	if err != nil {
		code = string(errors.As(err).Code)
	}
	m.turns.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrAgentID, agentID),
		attribute.String(AttrEventKind, kind),
		attribute.String(AttrErrorCode, code),
	))
}

// RecordEvaluationErrors counts candidates that failed closed.
func (m *EngineMetrics) RecordEvaluationErrors(ctx context.Context, agentID string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.evalErrors.Add(ctx, int64(n), metric.WithAttributes(attribute.String(AttrAgentID, agentID)))
}

// RecordToolOutcome counts one tool outcome.
func (m *EngineMetrics) RecordToolOutcome(ctx context.Context, toolID, status string) {
	if m == nil {
		return
	}
	m.toolOutcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrToolID, toolID),
		attribute.String(AttrToolStatus, status),
	))
}

// RecordDegraded counts a degraded generation.
func (m *EngineMetrics) RecordDegraded(ctx context.Context, agentID string) {
	if m == nil {
		return
	}
	m.degraded.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrAgentID, agentID)))
}

// RecordJourneyTransition counts a journey state change.
func (m *EngineMetrics) RecordJourneyTransition(ctx context.Context, journeyID, kind string) {
	if m == nil {
		return
	}
	m.journeyChanges.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrJourneyID, journeyID),
		attribute.String(AttrJourneyState, kind),
	))
}

// RecordStage records how long a stage took.
func (m *EngineMetrics) RecordStage(ctx context.Context, stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageLatency.Record(ctx, float64(d.Microseconds())/1000, metric.WithAttributes(
		attribute.String(AttrStage, stage),
	))
}

// RecordCircuitBreakerState records the generation breaker state.
func (m *EngineMetrics) RecordCircuitBreakerState(ctx context.Context, name string, state int64) {
	if m == nil {
		return
	}
	m.breakerState.Record(ctx, state, metric.WithAttributes(attribute.String("breaker", name)))
}
