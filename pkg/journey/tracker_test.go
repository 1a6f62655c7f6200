package journey

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Vusisean11/valiant/pkg/errors"
	"github.com/Vusisean11/valiant/pkg/repository"
)

func version(t *testing.T) *repository.Version {
	t.Helper()
	v, err := repository.Compile(repository.Definition{
		Agent: "bookstore",
		Journeys: []repository.Journey{
			{
				ID:         "recommend_book",
				Activation: []string{"wants a recommendation"},
				Exit:       []string{"no longer interested"},
				Steps: []repository.Step{
					{ID: "ask_preferences", Action: "ask", Completion: "stated preferences"},
					{ID: "recommend", Action: "recommend", Completion: "picked a book"},
					{ID: "add_to_cart", Action: "offer cart"},
				},
			},
			{
				ID:         "returns",
				Activation: []string{"wants to return a book"},
				Steps:      []repository.Step{{ID: "ask_order", Action: "ask for the order number"}},
			},
		},
	})
	require.NoError(t, err)
	return v
}

func at(journeyID, stepID string, step int) Pointer {
	return Pointer{JourneyID: journeyID, StepID: stepID, Step: step, State: StateInJourney}
}

func TestUpdate(t *testing.T) {
	v := version(t)
	tracker := Tracker{StallTurns: 2}

	tests := []struct {
		name     string
		from     Pointer
		obs      Observation
		want     Pointer
		wantKind TransitionKind
	}{
		{
			name:     "idle stays idle",
			from:     Idle(),
			want:     Idle(),
			wantKind: TransitionNone,
		},
		{
			name:     "activation",
			from:     Idle(),
			obs:      Observation{Activated: []string{"recommend_book"}},
			want:     at("recommend_book", "ask_preferences", 0),
			wantKind: TransitionActivated,
		},
		{
			name:     "first declared journey wins",
			from:     Idle(),
			obs:      Observation{Activated: []string{"returns", "recommend_book"}},
			want:     at("recommend_book", "ask_preferences", 0),
			wantKind: TransitionActivated,
		},
		{
			name:     "activation ignored while a journey is active",
			from:     at("recommend_book", "recommend", 1),
			obs:      Observation{Activated: []string{"returns"}, StepMatched: true},
			want:     at("recommend_book", "recommend", 1),
			wantKind: TransitionNone,
		},
		{
			name:     "advance on completion",
			from:     at("recommend_book", "ask_preferences", 0),
			obs:      Observation{Completed: true},
			want:     at("recommend_book", "recommend", 1),
			wantKind: TransitionAdvanced,
		},
		{
			name:     "last step completes",
			from:     at("recommend_book", "add_to_cart", 2),
			obs:      Observation{Completed: true},
			want:     Pointer{JourneyID: "recommend_book", StepID: "add_to_cart", Step: 2, State: StateCompleting},
			wantKind: TransitionCompleted,
		},
		{
			name:     "completing finishes",
			from:     Pointer{JourneyID: "recommend_book", StepID: "add_to_cart", Step: 2, State: StateCompleting},
			want:     Idle(),
			wantKind: TransitionFinished,
		},
		{
			name:     "completing then activation in the same turn",
			from:     Pointer{JourneyID: "recommend_book", StepID: "add_to_cart", Step: 2, State: StateCompleting},
			obs:      Observation{Activated: []string{"returns"}},
			want:     at("returns", "ask_order", 0),
			wantKind: TransitionActivated,
		},
		{
			name:     "exit",
			from:     at("recommend_book", "recommend", 1),
			obs:      Observation{Exited: true, Completed: true},
			want:     Idle(),
			wantKind: TransitionExited,
		},
		{
			name:     "exit with another activation switches",
			from:     at("recommend_book", "recommend", 1),
			obs:      Observation{Exited: true, Activated: []string{"recommend_book", "returns"}},
			want:     at("returns", "ask_order", 0),
			wantKind: TransitionSwitched,
		},
		{
			name:     "stall counts",
			from:     at("recommend_book", "recommend", 1),
			want:     Pointer{JourneyID: "recommend_book", StepID: "recommend", Step: 1, State: StateInJourney, Stall: 1},
			wantKind: TransitionNone,
		},
		{
			name:     "stall abandons after threshold",
			from:     Pointer{JourneyID: "recommend_book", StepID: "recommend", Step: 1, State: StateInJourney, Stall: 2},
			want:     Idle(),
			wantKind: TransitionStalled,
		},
		{
			name:     "sustaining guideline resets stall",
			from:     Pointer{JourneyID: "recommend_book", StepID: "recommend", Step: 1, State: StateInJourney, Stall: 2},
			obs:      Observation{Sustained: true},
			want:     at("recommend_book", "recommend", 1),
			wantKind: TransitionNone,
		},
		{
			name:     "removed journey exits",
			from:     at("gone", "x", 0),
			want:     Idle(),
			wantKind: TransitionExited,
		},
		{
			name:     "step id wins over a stale index",
			from:     Pointer{JourneyID: "recommend_book", StepID: "recommend", Step: 0, State: StateInJourney},
			obs:      Observation{Completed: true},
			want:     at("recommend_book", "add_to_cart", 2),
			wantKind: TransitionAdvanced,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, tr := tracker.Update(v, tt.from, tt.obs)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantKind, tr.Kind)
			assert.Equal(t, tt.from, tr.From)
			assert.Equal(t, got, tr.To)
		})
	}
}

func TestStallDisabled(t *testing.T) {
	v := version(t)
	p := at("recommend_book", "recommend", 1)
	for i := 0; i < 50; i++ {
		p, _ = Tracker{}.Update(v, p, Observation{})
	}
	assert.True(t, p.Active())
	assert.Equal(t, 50, p.Stall)
}

func TestStepNeverRegresses(t *testing.T) {
	v := version(t)
	tracker := Tracker{StallTurns: 3}
	observations := []Observation{
		{Activated: []string{"recommend_book"}},
		{},
		{Completed: true},
		{StepMatched: true},
		{Completed: true, Activated: []string{"recommend_book"}},
		{},
		{Completed: true},
	}
	p := Idle()
	last := -1
	for _, obs := range observations {
		var tr Transition
		p, tr = tracker.Update(v, p, obs)
		if p.JourneyID == "recommend_book" && tr.Kind != TransitionActivated {
			assert.GreaterOrEqual(t, p.Step, last)
		}
		last = p.Step
	}
	assert.Equal(t, StateCompleting, p.State)
}

func TestRestart(t *testing.T) {
	v := version(t)
	tracker := Tracker{}

	p, tr, err := tracker.Restart(v, at("recommend_book", "add_to_cart", 2), "")
	require.NoError(t, err)
	assert.Equal(t, at("recommend_book", "ask_preferences", 0), p)
	assert.Equal(t, TransitionRestarted, tr.Kind)
	assert.True(t, tr.Moved())

	p, _, err = tracker.Restart(v, Idle(), "returns")
	require.NoError(t, err)
	assert.Equal(t, "returns", p.JourneyID)

	_, _, err = tracker.Restart(v, Idle(), "")
	assert.True(t, errors.IsCode(err, errors.CodeInvalidInput))

	_, _, err = tracker.Restart(v, Idle(), "nope")
	assert.True(t, errors.IsCode(err, errors.CodeNotFound))
}

func TestCurrent(t *testing.T) {
	v := version(t)
	j, s, ok := Current(v, at("recommend_book", "recommend", 1))
	require.True(t, ok)
	assert.Equal(t, "recommend_book", j.ID)
	assert.Equal(t, "recommend", s.ID)
	assert.Equal(t, "recommend_book/recommend", at("recommend_book", "recommend", 1).NodeID())

	_, _, ok = Current(v, Idle())
	assert.False(t, ok)
}
