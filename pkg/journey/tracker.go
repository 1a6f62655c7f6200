package journey

import (
	"slices"

	"github.com/Vusisean11/valiant/pkg/errors"
	"github.com/Vusisean11/valiant/pkg/repository"
)

// Tracker advances journey pointers.
type Tracker struct {
	// StallTurns is how many consecutive turns without step progress are
	// tolerated before the journey is abandoned. Zero disables it.
	StallTurns int
}

// Current returns the journey and step p points at in v.
func Current(v *repository.Version, p Pointer) (*repository.Journey, *repository.Step, bool) {
	if !p.Active() {
		return nil, nil, false
	}
	j, ok := v.Journey(p.JourneyID)
	if !ok || p.Step < 0 || p.Step >= len(j.Steps) {
		return nil, nil, false
	}
	return j, &j.Steps[p.Step], true
}

// Normalize re-resolves p against v. A pointer into a journey that no longer
// exists, or whose step is gone, becomes idle.
func Normalize(v *repository.Version, p Pointer) Pointer {
	if p.State == "" {
		p.State = StateIdle
	}
	if p.State != StateInJourney {
		return p
	}
	j, ok := v.Journey(p.JourneyID)
	if !ok {
		return Idle()
	}
	if p.StepID != "" {
		for i, s := range j.Steps {
			if s.ID == p.StepID {
				p.Step = i
				return p
			}
		}
		return Idle()
	}
	if p.Step < 0 || p.Step >= len(j.Steps) {
		return Idle()
	}
	p.StepID = j.Steps[p.Step].ID
	return p
}

// Update applies one turn's observation to p. At most one step advance
// happens per call; the step index never decreases.
func (t Tracker) Update(v *repository.Version, p Pointer, obs Observation) (Pointer, Transition) {
	from := p
	p = Normalize(v, p)
	if from.State == StateInJourney && !p.Active() {
		// The journey was removed by a newer version.
		return p, Transition{Kind: TransitionExited, From: from, To: p}
	}

	finished := false
	if p.State == StateCompleting {
		p = Idle()
		finished = true
	}

	if p.Active() {
		j, _ := v.Journey(p.JourneyID)
		switch {
		case obs.Exited:
			if next := t.firstActivated(v, obs.Activated, p.JourneyID); next != nil {
				to := start(next)
				return to, Transition{Kind: TransitionSwitched, From: from, To: to}
			}
			return Idle(), Transition{Kind: TransitionExited, From: from, To: Idle()}
		case obs.Completed:
			if p.Step+1 < len(j.Steps) {
				to := Pointer{JourneyID: j.ID, Step: p.Step + 1, StepID: j.Steps[p.Step+1].ID, State: StateInJourney}
				return to, Transition{Kind: TransitionAdvanced, From: from, To: to}
			}
			to := Pointer{JourneyID: j.ID, Step: p.Step, StepID: p.StepID, State: StateCompleting}
			return to, Transition{Kind: TransitionCompleted, From: from, To: to}
		case obs.StepMatched || obs.Sustained:
			p.Stall = 0
			return p, Transition{Kind: TransitionNone, From: from, To: p}
		default:
			p.Stall++
			if t.StallTurns > 0 && p.Stall > t.StallTurns {
				return Idle(), Transition{Kind: TransitionStalled, From: from, To: Idle()}
			}
			return p, Transition{Kind: TransitionNone, From: from, To: p}
		}
	}

	if next := t.firstActivated(v, obs.Activated, ""); next != nil {
		to := start(next)
		return to, Transition{Kind: TransitionActivated, From: from, To: to}
	}
	if finished {
		return p, Transition{Kind: TransitionFinished, From: from, To: p}
	}
	return p, Transition{Kind: TransitionNone, From: from, To: p}
}

// Restart moves the pointer to the first step of journeyID, or of the active
// journey when journeyID is empty. It is the only way a step index goes back.
func (t Tracker) Restart(v *repository.Version, p Pointer, journeyID string) (Pointer, Transition, error) {
	from := p
	if journeyID == "" {
		if p.JourneyID == "" || p.State == StateIdle {
			return p, Transition{Kind: TransitionNone, From: from, To: p},
				errors.New(errors.CodeInvalidInput, "restart_journey needs a journey when none is active", nil)
		}
		journeyID = p.JourneyID
	}
	j, ok := v.Journey(journeyID)
	if !ok || len(j.Steps) == 0 {
		return p, Transition{Kind: TransitionNone, From: from, To: p},
			errors.New(errors.CodeNotFound, "unknown journey", nil).WithContext("journey_id", journeyID)
	}
	to := start(j)
	return to, Transition{Kind: TransitionRestarted, From: from, To: to}, nil
}

// firstActivated picks the earliest declared journey in activated, skipping except.
func (t Tracker) firstActivated(v *repository.Version, activated []string, except string) *repository.Journey {
	if len(activated) == 0 {
		return nil
	}
	for _, j := range v.Journeys() {
		if j.ID != except && len(j.Steps) > 0 && slices.Contains(activated, j.ID) {
			return j
		}
	}
	return nil
}

func start(j *repository.Journey) Pointer {
	return Pointer{JourneyID: j.ID, Step: 0, StepID: j.Steps[0].ID, State: StateInJourney}
}
