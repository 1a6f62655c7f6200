// Copyright 2026 © The Valiant Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"strings"

	"github.com/Vusisean11/valiant/pkg/errors"
	"github.com/Vusisean11/valiant/pkg/journey"
	"github.com/Vusisean11/valiant/pkg/repository"
	"github.com/Vusisean11/valiant/pkg/resolver"
	"github.com/Vusisean11/valiant/pkg/session"
	"github.com/Vusisean11/valiant/pkg/tools"
)

// EventKind tells customer messages and control directives apart.
type EventKind string

const (
	EventMessage EventKind = "message"
	EventControl EventKind = "control"
)

// Event triggers one turn.
type Event struct {
	Kind EventKind `json:"kind"`
	// AgentID is required when the event creates the session.
	AgentID    string `json:"agent_id,omitempty"`
	CustomerID string `json:"customer_id,omitempty"`
	Text       string `json:"text,omitempty"`
	// Variables are merged into the session's context variables.
	Variables map[string]any `json:"variables,omitempty"`
	// Metadata is visible to tool argument resolution for this turn only.
	Metadata  map[string]any        `json:"metadata,omitempty"`
	Directive *repository.Directive `json:"directive,omitempty"`
}

// Message builds a customer message event.
func Message(text string) Event {
	return Event{Kind: EventMessage, Text: text}
}

// Control builds a directive event.
func Control(d repository.Directive) Event {
	return Event{Kind: EventControl, Directive: &d}
}

func (e Event) validate() error {
	switch e.Kind {
	case EventMessage:
		if strings.TrimSpace(e.Text) == "" {
			return errors.New(errors.CodeInvalidInput, "message event needs text", nil)
		}
	case EventControl:
		if e.Directive == nil {
			return errors.New(errors.CodeInvalidInput, "control event needs a directive", nil)
		}
		switch e.Directive.Kind {
		case repository.DirectiveSetMode:
			if !session.Mode(e.Directive.Mode).Valid() {
				return errors.Newf(errors.CodeInvalidInput, "unknown mode %q", e.Directive.Mode)
			}
		case repository.DirectiveRestartJourney:
		default:
			return errors.Newf(errors.CodeInvalidInput, "unknown directive %q", e.Directive.Kind)
		}
	default:
		return errors.Newf(errors.CodeInvalidInput, "unknown event kind %q", e.Kind)
	}
	return nil
}

// TurnResult is the single terminal result of HandleEvent.
type TurnResult struct {
	SessionID    string `json:"session_id"`
	TurnID       string `json:"turn_id"`
	AgentID      string `json:"agent_id"`
	AgentVersion int64  `json:"agent_version"`

	// Utterance is empty when generation was skipped, canceled or degraded
	// to silence.
	Utterance string `json:"utterance,omitempty"`
	// NoAutoResponse is set when generation was not requested: the session
	// is in manual mode or the event was a directive.
	NoAutoResponse bool `json:"no_auto_response,omitempty"`
	// Degraded is set when generation failed and the fallback was used.
	Degraded        bool   `json:"degraded,omitempty"`
	Canceled        bool   `json:"canceled,omitempty"`
	GenerationError string `json:"generation_error,omitempty"`

	ToolOutcomes  []tools.Outcome    `json:"tool_outcomes,omitempty"`
	ControlMode   session.Mode       `json:"control_mode"`
	ActiveJourney *journey.Pointer   `json:"active_journey,omitempty"`
	Journey       journey.Transition `json:"journey_transition"`
	Active        []resolver.Active  `json:"active,omitempty"`
	Dropped       []resolver.Drop    `json:"dropped,omitempty"`
	// EvaluationFailures counts candidates that failed closed.
	EvaluationFailures int `json:"evaluation_failures,omitempty"`
}
