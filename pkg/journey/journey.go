// SPDX-License-Identifier: Apache-2.0

// Package journey tracks which journey a session is in and at which step.
// The Tracker is a pure state machine; the pointer lives in the session.
package journey

import (
	"github.com/Vusisean11/valiant/pkg/repository"
)

// State of a session's journey pointer.
type State string

const (
	StateIdle       State = "idle"
	StateInJourney  State = "in_journey"
	StateCompleting State = "completing"
)

// Pointer locates a session inside a journey. StepID is kept next to the
// index so a republished journey with reordered steps still resolves.
type Pointer struct {
	JourneyID string `json:"journey_id,omitempty"`
	StepID    string `json:"step_id,omitempty"`
	Step      int    `json:"step"`
	State     State  `json:"state"`
	Stall     int    `json:"stall,omitempty"`
}

// Idle is the initial pointer.
func Idle() Pointer { return Pointer{State: StateIdle} }

// Active reports whether the pointer is inside a journey.
func (p Pointer) Active() bool { return p.State == StateInJourney && p.JourneyID != "" }

// NodeID returns the graph id of the current step, or "".
func (p Pointer) NodeID() string {
	if !p.Active() {
		return ""
	}
	return repository.StepNodeID(p.JourneyID, p.StepID)
}

// Observation is what the matcher saw this turn about journeys.
type Observation struct {
	// Activated lists journeys whose activation condition matched.
	Activated []string
	// Exited is set when the active journey's exit condition matched.
	Exited bool
	// Completed is set when the current step's completion condition matched
	// and the step survived resolution.
	Completed bool
	// StepMatched is set when the current step's own condition matched.
	StepMatched bool
	// Sustained is set when an active guideline sustains the journey.
	Sustained bool
}

// TransitionKind names a pointer change.
type TransitionKind string

const (
	TransitionNone      TransitionKind = "none"
	TransitionActivated TransitionKind = "activated"
	TransitionAdvanced  TransitionKind = "advanced"
	TransitionCompleted TransitionKind = "completed"
	TransitionExited    TransitionKind = "exited"
	TransitionSwitched  TransitionKind = "switched"
	TransitionStalled   TransitionKind = "stalled"
	TransitionFinished  TransitionKind = "finished"
	TransitionRestarted TransitionKind = "restarted"
)

// Transition describes one Update or Restart.
type Transition struct {
	Kind TransitionKind `json:"kind"`
	From Pointer        `json:"from"`
	To   Pointer        `json:"to"`
}

// Moved reports whether the current step changed, which means the new step
// has to be evaluated in the same turn.
func (t Transition) Moved() bool {
	return t.To.Active() && (t.From.JourneyID != t.To.JourneyID || t.From.Step != t.To.Step || !t.From.Active())
}

// Changed reports whether anything but the stall counter changed.
func (t Transition) Changed() bool {
	return t.From.JourneyID != t.To.JourneyID || t.From.Step != t.To.Step || t.From.State != t.To.State
}
