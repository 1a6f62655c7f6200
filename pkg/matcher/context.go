// Copyright 2026 © The Valiant Authors
// SPDX-License-Identifier: Apache-2.0

// Package matcher decides which guideline, journey and tool conditions hold
// for the current turn by fanning condition checks out to an Evaluator.
package matcher

import (
	"encoding/json"

	"github.com/cespare/xxhash/v2"
)

// Transcript sources.
const (
	SourceCustomer = "customer"
	SourceAgent    = "agent"
	SourceSystem   = "system"
)

// Utterance is one transcript entry visible to evaluators.
type Utterance struct {
	Source string `json:"source"`
	Text   string `json:"text"`
}

// JourneyContext describes the active journey step, if any.
type JourneyContext struct {
	JourneyID string `json:"journey_id"`
	Title     string `json:"title,omitempty"`
	StepID    string `json:"step_id"`
	StepIndex int    `json:"step_index"`
	Action    string `json:"action,omitempty"`
}

// Context is the read-only view of a session an evaluator judges against.
type Context struct {
	AgentID    string          `json:"agent_id"`
	SessionID  string          `json:"session_id"`
	CustomerID string          `json:"customer_id,omitempty"`
	Transcript []Utterance     `json:"transcript,omitempty"`
	Variables  map[string]any  `json:"variables,omitempty"`
	Journey    *JourneyContext `json:"journey,omitempty"`
}

// Hash returns a stable digest of c. encoding/json sorts map keys, so equal
// contexts hash equally.
func (c Context) Hash() uint64 {
	raw, err := json.Marshal(c)
	if err != nil {
		// Unencodable variables still need a key; fall back to the
		// parts that always encode.
		raw, _ = json.Marshal(struct {
			A, S, C string
			T       []Utterance
			J       *JourneyContext
		}{c.AgentID, c.SessionID, c.CustomerID, c.Transcript, c.Journey})
	}
	return xxhash.Sum64(raw)
}

// LastCustomerText returns the most recent customer utterance.
func (c Context) LastCustomerText() string {
	for i := len(c.Transcript) - 1; i >= 0; i-- {
		if c.Transcript[i].Source == SourceCustomer {
			return c.Transcript[i].Text
		}
	}
	return ""
}
