package telemetry

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/Vusisean11/valiant/pkg/core"
	verrors "github.com/Vusisean11/valiant/pkg/errors"
)

func TestInitNone(t *testing.T) {
	shutdown, err := InitWithConfig(context.Background(), "test-service", "v0.0.1", Config{Exporter: "none"})
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}

func TestInitStdout(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := InitWithConfig(context.Background(), "test-service", "v0.0.1", Config{Exporter: "stdout", Writer: &buf})
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}

func TestInitRejectsUnknownExporter(t *testing.T) {
	if _, err := InitWithConfig(context.Background(), "svc", "v", Config{Exporter: "zipkin"}); err == nil {
		t.Errorf("expected error")
	}
	if _, err := InitWithConfig(context.Background(), "svc", "v", Config{Exporter: "otlp"}); err == nil {
		t.Errorf("expected error for missing endpoint")
	}
}

func TestTraceHandlerInjectsIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := ConfigureSlog(&buf, "debug", "json")

	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background())
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	logger.InfoContext(ctx, "engine.turn.start")
	span.End()

	out := buf.String()
	if !strings.Contains(out, `"trace_id"`) || !strings.Contains(out, `"span_id"`) {
		t.Errorf("expected trace ids in %s", out)
	}

	buf.Reset()
	Component(logger, "matcher").Debug("no span")
	if strings.Contains(buf.String(), "trace_id") {
		t.Errorf("unexpected trace id without span")
	}
	if !strings.Contains(buf.String(), `"component":"matcher"`) {
		t.Errorf("missing component attr: %s", buf.String())
	}
}

func TestTurnHandlerInjectsSessionAndTurn(t *testing.T) {
	var buf bytes.Buffer
	logger := ConfigureSlog(&buf, "info", "json")

	ctx := core.WithSessionID(context.Background(), "s-1")
	ctx = core.WithTurnID(ctx, "turn-1")
	logger.InfoContext(ctx, "engine.turn.start")
	out := buf.String()
	if !strings.Contains(out, `"session_id":"s-1"`) || !strings.Contains(out, `"turn_id":"turn-1"`) {
		t.Errorf("expected session and turn ids in %s", out)
	}

	buf.Reset()
	logger.InfoContext(ctx, "engine.turn.start", "session_id", "explicit")
	if strings.Count(buf.String(), "session_id") != 1 || !strings.Contains(buf.String(), `"explicit"`) {
		t.Errorf("explicit attribute should win: %s", buf.String())
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]string{"debug": "DEBUG", "WARNING": "WARN", "error": "ERROR", "": "INFO"}
	for in, want := range tests {
		if got := parseLogLevel(in).String(); got != want {
			t.Errorf("parseLogLevel(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestEngineMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewEngineMetricsWithMeter(mp.Meter("test"))
	if err != nil {
		t.Fatalf("NewEngineMetrics: %v", err)
	}

	ctx := context.Background()
	m.RecordTurn(ctx, "bookstore", "message", nil)
	m.RecordTurn(ctx, "bookstore", "message", verrors.New(verrors.CodeGeneration, "down", nil))
	m.RecordTurn(ctx, "bookstore", "control", errors.New("plain"))
	m.RecordEvaluationErrors(ctx, "bookstore", 2)
	m.RecordToolOutcome(ctx, "list_books", "succeeded")
	m.RecordDegraded(ctx, "bookstore")
	m.RecordJourneyTransition(ctx, "recommend_book", "activated")
	m.RecordStage(ctx, StageMatch, 3*time.Millisecond)
	m.RecordCircuitBreakerState(ctx, "generation", 0)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	names := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			names[md.Name] = true
		}
	}
	for _, want := range []string{"valiant.turns.total", "valiant.tools.outcomes", "valiant.stage.duration"} {
		if !names[want] {
			t.Errorf("metric %s not collected", want)
		}
	}
}

func TestEngineMetricsNilSafe(t *testing.T) {
	var m *EngineMetrics
	ctx := context.Background()
	m.RecordTurn(ctx, "a", "message", nil)
	m.RecordEvaluationErrors(ctx, "a", 1)
	m.RecordToolOutcome(ctx, "t", "failed")
	m.RecordDegraded(ctx, "a")
	m.RecordJourneyTransition(ctx, "j", "exited")
	m.RecordStage(ctx, StageTools, time.Second)
	m.RecordCircuitBreakerState(ctx, "g", 1)
}
