// Copyright 2026 © The Valiant Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Span and metric attribute keys.
const (
	AttrAgentID        = "valiant.agent.id"
	AttrAgentVersion   = "valiant.agent.version"
	AttrSessionID      = "valiant.session.id"
	AttrTurnID         = "valiant.turn.id"
	AttrEventKind      = "valiant.event.kind"
	AttrControlMode    = "valiant.session.mode"
	AttrStage          = "valiant.stage"
	AttrCandidateCount = "valiant.matcher.candidates"
	AttrMatchedCount   = "valiant.matcher.matched"
	AttrFailedCount    = "valiant.matcher.failed"
	AttrActiveCount    = "valiant.resolver.active"
	AttrDroppedCount   = "valiant.resolver.dropped"
	AttrJourneyID      = "valiant.journey.id"
	AttrJourneyStep    = "valiant.journey.step"
	AttrJourneyState   = "valiant.journey.state"
	AttrToolID         = "valiant.tool.id"
	AttrToolStatus     = "valiant.tool.status"
	AttrGenAttempts    = "valiant.generation.attempts"
	AttrDegraded       = "valiant.generation.degraded"
	AttrErrorCode      = "error.code"
)

// Stage names used for latency metrics and span names.
const (
	StageMatch    = "match"
	StageResolve  = "resolve"
	StageJourney  = "journey"
	StageTools    = "tools"
	StageGenerate = "generate"
	StagePersist  = "persist"
)

// TurnAttributes returns the identifying attributes of a turn span.
func TurnAttributes(agentID string, version int64, sessionID, turnID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrAgentID, agentID),
		attribute.Int64(AttrAgentVersion, version),
		attribute.String(AttrSessionID, sessionID),
		attribute.String(AttrTurnID, turnID),
	}
}
