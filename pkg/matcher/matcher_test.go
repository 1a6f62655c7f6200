package matcher

import (
	"context"
	stderrors "errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/Vusisean11/valiant/pkg/errors"
	"github.com/Vusisean11/valiant/pkg/llm"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func sessionContext(text string) Context {
	return Context{
		AgentID:    "bookstore",
		SessionID:  "s1",
		Transcript: []Utterance{{Source: "customer", Text: text}},
	}
}

func TestMatchSelectsMatchedCandidates(t *testing.T) {
	eval := NewStaticEvaluator("the customer wants a book recommendation")
	m := New(eval)
	res := m.Begin(sessionContext("I'm looking for a mystery novel")).Match(context.Background(), []Candidate{
		{Key: "recommend", Kind: KindJourneyActivation, Subject: "recommend_book", Condition: "the customer wants a book recommendation"},
		{Key: "frustrated", Kind: KindGuideline, Subject: "frustrated", Condition: "the customer is frustrated"},
		{Key: "step", Kind: KindStepCondition, Subject: "recommend_book/ask"},
	})

	assert.Equal(t, []string{"recommend", "step"}, res.Keys())
	assert.Empty(t, res.Failures)
	assert.Equal(t, 2, res.Evaluations)
	assert.InDelta(t, 1.0, res.Confidence("recommend"), 1e-9)
}

func TestMatchMemoizesWithinTurn(t *testing.T) {
	eval := NewStaticEvaluator("c1")
	m := New(eval)
	turn := m.Begin(sessionContext("hi"))
	pool := []Candidate{
		{Key: "a", Condition: "c1"},
		{Key: "b", Condition: "  c1 "},
		{Key: "c", Condition: "c2"},
	}

	first := turn.Match(context.Background(), pool)
	assert.Equal(t, 2, eval.Calls())
	assert.True(t, first.Matched("a"))
	assert.True(t, first.Matched("b"))

	second := turn.Match(context.Background(), pool)
	assert.Equal(t, 2, eval.Calls(), "same context is served from the memo")
	assert.Equal(t, 0, second.Evaluations)
	assert.Equal(t, first.Keys(), second.Keys())

	turn.SetContext(sessionContext("something else"))
	turn.Match(context.Background(), pool)
	assert.Equal(t, 4, eval.Calls(), "a changed context is evaluated again")

	// a fresh turn never sees the previous memo
	m.Begin(sessionContext("hi")).Match(context.Background(), pool)
	assert.Equal(t, 6, eval.Calls())
}

func TestMatchFailsClosed(t *testing.T) {
	boom := stderrors.New("backend down")
	eval := NewStaticEvaluator("ok").Fail("broken", boom)
	res := New(eval).Begin(sessionContext("x")).Match(context.Background(), []Candidate{
		{Key: "ok", Condition: "ok"},
		{Key: "broken", Condition: "broken"},
	})

	assert.True(t, res.Matched("ok"))
	assert.False(t, res.Matched("broken"))
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "broken", res.Failures[0].Key)
	assert.True(t, errors.IsCode(res.Failures[0].Err, errors.CodeEvaluation))
	assert.ErrorIs(t, res.Failures[0].Err, boom)
}

func TestMatchMinConfidence(t *testing.T) {
	eval := NewStaticEvaluator().
		Set("weak", Verdict{Matched: true, Confidence: 0.3}).
		Set("strong", Verdict{Matched: true, Confidence: 0.8})
	res := New(eval, WithMinConfidence(0.5)).Begin(sessionContext("x")).Match(context.Background(), []Candidate{
		{Key: "weak", Condition: "weak"},
		{Key: "strong", Condition: "strong"},
	})
	assert.Equal(t, []string{"strong"}, res.Keys())
}

func TestMatchTimeoutDegradesCandidate(t *testing.T) {
	eval := EvaluatorFunc(func(ctx context.Context, condition string, _ Context) (Verdict, error) {
		if condition == "slow" {
			<-ctx.Done()
			return Verdict{}, ctx.Err()
		}
		return Verdict{Matched: true, Confidence: 1}, nil
	})
	res := New(eval, WithTimeout(20*time.Millisecond)).Begin(sessionContext("x")).Match(context.Background(), []Candidate{
		{Key: "slow", Condition: "slow"},
		{Key: "fast", Condition: "fast"},
	})
	assert.Equal(t, []string{"fast"}, res.Keys())
	require.Len(t, res.Failures, 1)
	assert.True(t, errors.IsCode(res.Failures[0].Err, errors.CodeTimeout))
}

func TestMatchRecoversEvaluatorPanic(t *testing.T) {
	eval := EvaluatorFunc(func(context.Context, string, Context) (Verdict, error) {
		panic("bad evaluator")
	})
	res := New(eval).Begin(sessionContext("x")).Match(context.Background(), []Candidate{{Key: "a", Condition: "a"}})
	require.Len(t, res.Failures, 1)
	assert.Contains(t, res.Failures[0].Err.Error(), "bad evaluator")
}

func TestMatchBoundsConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	eval := EvaluatorFunc(func(context.Context, string, Context) (Verdict, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return Verdict{Matched: true, Confidence: 1}, nil
	})
	pool := make([]Candidate, 0, 12)
	for _, c := range "abcdefghijkl" {
		pool = append(pool, Candidate{Key: string(c), Condition: string(c)})
	}
	res := New(eval, WithConcurrency(3)).Begin(sessionContext("x")).Match(context.Background(), pool)
	assert.Len(t, res.Matches, 12)
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestMatchIsDeterministic(t *testing.T) {
	eval := NewStaticEvaluator("a", "c", "e")
	pool := []Candidate{{Key: "a", Condition: "a"}, {Key: "b", Condition: "b"}, {Key: "c", Condition: "c"}, {Key: "d", Condition: "d"}, {Key: "e", Condition: "e"}}
	want := New(eval).Begin(sessionContext("x")).Match(context.Background(), pool).Keys()
	for i := 0; i < 20; i++ {
		got := New(eval, WithConcurrency(5)).Begin(sessionContext("x")).Match(context.Background(), pool).Keys()
		require.Equal(t, want, got)
	}
}

func TestContextHashStable(t *testing.T) {
	a := Context{SessionID: "s", Variables: map[string]any{"x": 1, "y": "z"}}
	b := Context{SessionID: "s", Variables: map[string]any{"y": "z", "x": 1}}
	assert.Equal(t, a.Hash(), b.Hash())
	b.Journey = &JourneyContext{JourneyID: "j", StepID: "s1"}
	assert.NotEqual(t, a.Hash(), b.Hash())
}

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		name    string
		output  string
		want    Verdict
		wantErr bool
	}{
		{name: "plain", output: `{"matched": true, "confidence": 0.9, "rationale": "asks for a book"}`, want: Verdict{Matched: true, Confidence: 0.9, Rationale: "asks for a book"}},
		{name: "fenced", output: "```json\n{\"matched\": false}\n```", want: Verdict{}},
		{name: "confidence defaults when matched", output: `Sure: {"matched": true}`, want: Verdict{Matched: true, Confidence: 1}},
		{name: "clamped", output: `{"matched": true, "confidence": 7}`, want: Verdict{Matched: true, Confidence: 1}},
		{name: "no json", output: "yes", wantErr: true},
		{name: "invalid json", output: "{matched: yes}", wantErr: true},
		{name: "missing field", output: `{"confidence": 1}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseVerdict(tt.output)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsCode(err, errors.CodeEvaluation))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLLMEvaluator(t *testing.T) {
	provider := llm.NewScriptedMockProvider(`{"matched": true, "confidence": 0.75}`)
	eval := NewLLMEvaluator(provider, "test-model")
	c := sessionContext("I want a thriller")
	c.Variables = map[string]any{"tier": "gold"}
	c.Journey = &JourneyContext{JourneyID: "recommend_book", StepID: "ask_preferences", Action: "ask about genre"}

	v, err := eval.Evaluate(context.Background(), "the customer named a genre", c)
	require.NoError(t, err)
	assert.Equal(t, Verdict{Matched: true, Confidence: 0.75}, v)

	require.Equal(t, 1, provider.CallCount())
	req := provider.Requests[0]
	assert.True(t, req.JSON)
	assert.Equal(t, "test-model", req.Model)
	prompt := req.Messages[1].Content
	assert.Contains(t, prompt, "customer: I want a thriller")
	assert.Contains(t, prompt, `"tier":"gold"`)
	assert.Contains(t, prompt, "Condition: the customer named a genre")
	assert.Contains(t, prompt, `current step "ask_preferences"`)
}

func TestTruncateKeepsRunes(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "caf...", truncate("café au lait", 4))
	assert.Equal(t, "café...", truncate("café au lait", 5))
	assert.Equal(t, "...", truncate("日本", 2))
}
