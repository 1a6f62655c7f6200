// SPDX-License-Identifier: Apache-2.0

// Package internal documents dashboard and alert templates for Valiant
// (Grafana, or any OpenTelemetry backend). It holds no code.
//
// Engine metrics are OpenTelemetry instruments exported through the
// configured telemetry.exporter (otlp or stdout). HTTP metrics are served by
// `valiant serve` on GET /metrics in Prometheus format.
//
// DASHBOARD: Turn Pipeline
//
//	Queries:
//	- valiant.turns.total{valiant.agent.id, valiant.event.kind, error.code} (rate 5m)
//	  Display: stacked area by error.code; OK should dominate.
//	  INVALID_INPUT spikes usually mean a client sending bad directives.
//	  SESSION_CONFLICT means two writers on one session (check for
//	  duplicated deliveries upstream).
//
//	- valiant.stage.duration{valiant.stage} (p50, p95, p99)
//	  Stages: match, resolve, journey, tools, generate, persist.
//	  match and generate are model-bound; resolve and journey should stay
//	  well under a millisecond for any realistic repository.
//
//	- valiant_inflight_turns (Prometheus gauge)
//	  Turns currently inside HandleEvent across all sessions.
//
// DASHBOARD: Matching & Journeys
//
//	Queries:
//	- valiant.matcher.evaluation_errors{valiant.agent.id} (rate 5m)
//	  Conditions that failed closed. Non-zero means the evaluator model is
//	  timing out or returning unparseable verdicts.
//
//	- valiant.journey.transitions{valiant.journey.id, valiant.journey.state}
//	  Breakdown by transition kind: activated, advanced, completed, exited,
//	  switched, stalled, finished, restarted.
//	  Insight: a journey with many "stalled" and few "completed" has a step
//	  whose completion condition customers never meet.
//
// DASHBOARD: Tools & Generation
//
//	Queries:
//	- valiant.tools.outcomes{valiant.tool.id, valiant.tool.status}
//	  Display: table of failed/skipped ratios per tool.
//	  "skipped" comes from governance policies or the per-turn ledger.
//
//	- valiant.generation.degraded{valiant.agent.id} (rate 5m)
//	  Turns answered with the fallback utterance or silence.
//
//	- valiant.circuitbreaker.state{breaker="generation"}
//	  0=closed, 1=open, 2=half-open.
//
// DASHBOARD: HTTP
//
//	Queries:
//	- rate(valiant_http_requests_total[5m]) by (route, code)
//	- histogram_quantile(0.95, rate(valiant_http_request_duration_seconds_bucket[5m])) by (route)
//	- valiant_http_event_streams: open server-sent event subscribers.
//
// ALERTS
//
//	1. Generation degraded
//	   Condition: rate(valiant.generation.degraded[5m]) > 0.1 * rate(valiant.turns.total[5m])
//	   Severity: critical. Customers are receiving fallback replies.
//
//	2. Breaker open
//	   Condition: valiant.circuitbreaker.state{breaker="generation"} == 1 for 2m
//	   Severity: warning. Check the LLM provider status.
//
//	3. Evaluation failures
//	   Condition: rate(valiant.matcher.evaluation_errors[5m]) > 1
//	   Severity: warning. Guidelines silently stop applying when their
//	   conditions fail closed.
//
//	4. Health
//	   Condition: GET /healthz returns 503
//	   Severity: critical. The session store is unreachable.
package internal
