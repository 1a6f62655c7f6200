// Copyright 2026 © The Valiant Authors
// SPDX-License-Identifier: Apache-2.0

// Package session persists per-session conversation state and serializes
// turns so that one session never runs two turns at once.
package session

import (
	"context"
	"maps"
	"slices"
	"sort"
	"time"

	"github.com/Vusisean11/valiant/pkg/journey"
	"github.com/Vusisean11/valiant/pkg/matcher"
)

// Mode is the control mode of a session.
type Mode string

const (
	ModeAuto   Mode = "auto"
	ModeManual Mode = "manual"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool { return m == ModeAuto || m == ModeManual }

// Message is one transcript entry. The transcript is append-only.
type Message struct {
	Source string    `json:"source"`
	Text   string    `json:"text"`
	TurnID string    `json:"turn_id,omitempty"`
	At     time.Time `json:"at"`
}

// Session is the mutable state of one conversation. It holds ids into the
// rule repository, never copies of definitions.
type Session struct {
	ID         string          `json:"id"`
	AgentID    string          `json:"agent_id"`
	CustomerID string          `json:"customer_id,omitempty"`
	Mode       Mode            `json:"mode"`
	Journey    journey.Pointer `json:"journey"`
	Variables  map[string]any  `json:"variables,omitempty"`
	// Satisfied holds guidelines already acted upon.
	Satisfied  map[string]bool `json:"satisfied,omitempty"`
	Transcript []Message       `json:"transcript"`
	// Version is the optimistic concurrency token; Save bumps it.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New returns a fresh session in auto mode with an idle journey pointer.
func New(id, agentID, customerID string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:         id,
		AgentID:    agentID,
		CustomerID: customerID,
		Mode:       ModeAuto,
		Journey:    journey.Idle(),
		Variables:  map[string]any{},
		Satisfied:  map[string]bool{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Clone returns a deep enough copy for a turn to mutate without touching
// the committed state: maps and the transcript slice are copied, variable
// values are shared.
func (s *Session) Clone() *Session {
	out := *s
	out.Variables = maps.Clone(s.Variables)
	if out.Variables == nil {
		out.Variables = map[string]any{}
	}
	out.Satisfied = maps.Clone(s.Satisfied)
	if out.Satisfied == nil {
		out.Satisfied = map[string]bool{}
	}
	out.Transcript = slices.Clone(s.Transcript)
	return &out
}

// Append adds a transcript entry.
func (s *Session) Append(m Message) {
	if m.At.IsZero() {
		m.At = time.Now().UTC()
	}
	s.Transcript = append(s.Transcript, m)
}

// Tail returns the last n transcript entries as evaluator utterances.
// n <= 0 returns the whole transcript.
func (s *Session) Tail(n int) []matcher.Utterance {
	msgs := s.Transcript
	if n > 0 && len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	out := make([]matcher.Utterance, len(msgs))
	for i, m := range msgs {
		out[i] = matcher.Utterance{Source: m.Source, Text: m.Text}
	}
	return out
}

// MarkSatisfied records that a guideline was acted upon.
func (s *Session) MarkSatisfied(id string) {
	if s.Satisfied == nil {
		s.Satisfied = map[string]bool{}
	}
	s.Satisfied[id] = true
}

// IsSatisfied reports whether a guideline was already acted upon.
func (s *Session) IsSatisfied(id string) bool { return s.Satisfied[id] }

// SatisfiedIDs returns the satisfied guideline ids, sorted.
func (s *Session) SatisfiedIDs() []string {
	ids := make([]string, 0, len(s.Satisfied))
	for id, ok := range s.Satisfied {
		if ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Store loads and saves sessions.
//
// Save is optimistic: it succeeds only when the stored version equals
// s.Version, and then increments s.Version. A mismatch is a
// SESSION_CONFLICT error and leaves the stored session untouched.
type Store interface {
	Load(ctx context.Context, id string) (*Session, error)
	Create(ctx context.Context, s *Session) error
	Save(ctx context.Context, s *Session) error
}
