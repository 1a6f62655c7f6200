// Copyright 2026 © The Valiant Authors
// SPDX-License-Identifier: Apache-2.0

package scenario

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/Vusisean11/valiant/pkg/core"
	"github.com/Vusisean11/valiant/pkg/errors"
	"github.com/Vusisean11/valiant/pkg/repository"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

const exampleDir = "../../examples/bookstore"

func bookstoreRegistry(t *testing.T) *repository.Registry {
	t.Helper()
	defs, err := repository.LoadDir(filepath.Join(exampleDir, "agents"))
	require.NoError(t, err)
	repos := repository.NewRegistry(repository.WithLogger(quiet))
	for agent, err := range repos.PublishAll(defs) {
		require.NoError(t, err, agent)
	}
	return repos
}

func TestBookstoreScenarios(t *testing.T) {
	scenarios, err := LoadDir(filepath.Join(exampleDir, "scenarios"))
	require.NoError(t, err)
	require.Len(t, scenarios, 3)

	runner := NewRunner(bookstoreRegistry(t), WithLogger(quiet))
	for _, s := range scenarios {
		t.Run(s.Name, func(t *testing.T) {
			res, err := runner.Run(context.Background(), s)
			require.NoError(t, err)
			res.Assert(t)
			assert.Len(t, res.Turns, len(s.Turns))
		})
	}
}

func TestStubbedToolsReceiveArguments(t *testing.T) {
	s, err := LoadFile(filepath.Join(exampleDir, "scenarios", "01-recommend-then-handoff.yaml"))
	require.NoError(t, err)

	res, err := NewRunner(bookstoreRegistry(t), WithLogger(quiet)).Run(context.Background(), s)
	require.NoError(t, err)
	require.True(t, res.Passed(), res.Failures())

	calls := res.Calls("list_books")
	require.Len(t, calls, 1)
	assert.Equal(t, 2, calls[0].Turn)
	assert.Equal(t, "mystery", calls[0].Arguments["genre"])

	var types []core.EventType
	for _, ev := range res.Events {
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, core.EventModeChanged)
	assert.Contains(t, types, core.EventJourneyChanged)
	assert.Equal(t, "manual", res.Turns[2].Mode)
	assert.Empty(t, res.Turns[2].Utterance)
}

const shop = `
agent: shop
guidelines:
  - id: greet
    condition: the customer greets the agent
    action: say hello
  - id: refund
    condition: the customer wants a refund
    action: start a refund
    tools:
      - tool: open_ticket
tools:
  - id: open_ticket
templates:
  - id: hello
    text: Hello and welcome!
    guidelines: [greet]
`

func shopRegistry(t *testing.T) *repository.Registry {
	t.Helper()
	def, err := repository.ParseYAML([]byte(shop))
	require.NoError(t, err)
	repos := repository.NewRegistry(repository.WithLogger(quiet))
	_, err = repos.Publish(*def)
	require.NoError(t, err)
	return repos
}

func TestFailuresAreReported(t *testing.T) {
	s := &Scenario{
		Name:  "wrong expectations",
		Agent: "shop",
		Tools: map[string]ToolStub{"open_ticket": {Error: "ticketing is down"}},
		Turns: []Turn{
			{
				Say:   "hello, I want a refund",
				Match: []string{"The customer greets the agent", "the customer wants a refund"},
				Expect: Expect{
					Active:    []string{"refund"},
					Journey:   "checkout",
					Tools:     map[string]string{"open_ticket": "succeeded"},
					Mode:      "manual",
					Utterance: &TextMatch{Equals: "Hello and welcome!", Regex: "^Bye"},
				},
			},
			{
				Directive: &repository.Directive{Kind: repository.DirectiveSetMode, Mode: "manual"},
				Expect:    Expect{Error: string(errors.CodeInvalidInput)},
			},
		},
	}

	res, err := NewRunner(shopRegistry(t), WithLogger(quiet)).Run(context.Background(), s)
	require.NoError(t, err)
	assert.False(t, res.Passed())
	assert.Equal(t, []string{
		`turn 1 (hello, I want a refund): active set [greet refund], want [refund]`,
		`turn 1 (hello, I want a refund): journey idle, want checkout`,
		`turn 1 (hello, I want a refund): tool open_ticket failed, want succeeded`,
		`turn 1 (hello, I want a refund): mode auto, want manual`,
		`turn 1 (hello, I want a refund): utterance "Hello and welcome!": want matches regex "^Bye"`,
		`turn 2 (/set_mode manual): expected error INVALID_INPUT, got ""`,
	}, res.Failures())

	require.Len(t, res.Calls("open_ticket"), 1)
	assert.Equal(t, "ticketing is down", res.Calls("open_ticket")[0].Error)
}

func TestScriptedReply(t *testing.T) {
	s := &Scenario{
		Name:  "replies",
		Agent: "shop",
		Turns: []Turn{
			{Say: "hi", Match: []string{"the customer greets the agent"}, Expect: Expect{
				Utterance: &TextMatch{Equals: "Hello and welcome!"},
			}},
			{Say: "what's the weather?", Expect: Expect{
				Active:    []string{},
				Utterance: &TextMatch{Equals: NoInstructions},
			}},
			{Say: "refund please", Match: []string{"the customer wants a refund"}, Expect: Expect{
				Tools:     map[string]string{"open_ticket": "failed"},
				Utterance: &TextMatch{Equals: "start a refund"},
			}},
		},
	}
	res, err := NewRunner(shopRegistry(t), WithLogger(quiet)).Run(context.Background(), s)
	require.NoError(t, err)
	res.Assert(t)
}

func TestRunUnknownAgent(t *testing.T) {
	s := &Scenario{Name: "ghost", Agent: "nobody", Turns: []Turn{{Say: "hi"}}}
	_, err := NewRunner(shopRegistry(t)).Run(context.Background(), s)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeNotFound))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		s       Scenario
		wantErr string
	}{
		{"ok", Scenario{Name: "a", Agent: "shop", Turns: []Turn{{Say: "hi"}}}, ""},
		{"no agent", Scenario{Name: "a", Turns: []Turn{{Say: "hi"}}}, "agent is required"},
		{"no turns", Scenario{Name: "a", Agent: "shop"}, "at least one turn"},
		{"empty turn", Scenario{Name: "a", Agent: "shop", Turns: []Turn{{}}}, "turn 1: exactly one of say and directive"},
		{"both", Scenario{Name: "a", Agent: "shop", Turns: []Turn{{
			Say: "hi", Directive: &repository.Directive{Kind: repository.DirectiveRestartJourney},
		}}}, "turn 1: exactly one of say and directive"},
		{"bad regex", Scenario{Name: "a", Agent: "shop", Turns: []Turn{{
			Say: "hi", Expect: Expect{Utterance: &TextMatch{Regex: "("}},
		}}}, "turn 1: error parsing regexp"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.s.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.IsCode(err, errors.CodeConfiguration))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "greeting.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
agent: shop
turns:
  - say: hi
    match: [the customer greets the agent]
    expect:
      includes: [greet]
`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o600))

	s, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "greeting", s.Name)
	assert.Equal(t, path, s.Path())
	assert.Equal(t, []string{"greet"}, s.Turns[0].Expect.Includes)

	all, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, all, 1)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yml"), []byte("turns: ["), 0o600))
	_, err = LoadDir(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken.yml")
}

func TestStringMatchers(t *testing.T) {
	assert.True(t, Contains("ell").Match("hello"))
	assert.False(t, Equals("hello").Match("hello!"))
	assert.True(t, Regex(`^h.*o$`).Match("hello"))
	assert.False(t, Regex(`(`).Match("("))
	assert.True(t, HasPrefix("he").Match("hello"))
	assert.Equal(t, `contains "x"`, Contains("x").Description())
}
