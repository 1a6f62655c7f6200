// Copyright 2026 © The Valiant Authors
// SPDX-License-Identifier: Apache-2.0

// Package scenario runs scripted conversations against an agent definition
// and checks what the engine decided on every turn.
//
// A scenario replaces the model with deterministic stand-ins: each turn
// lists the conditions that hold, tools are answered by stubs and the reply
// is the list of active actions. This makes agent definitions testable
// offline, e.g. from CI:
//
//	name: angry customer is handed off
//	agent: bookstore
//	turns:
//	  - say: I want a mystery novel
//	    match: [the customer wants a book recommendation]
//	    expect:
//	      journey: recommend_book/ask_preferences
//	  - say: this is useless!
//	    match: [the customer is frustrated or angry]
//	    expect:
//	      includes: [frustrated]
//	      tools: {human_handoff: succeeded}
//	      mode: manual
package scenario

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Vusisean11/valiant/pkg/errors"
	"github.com/Vusisean11/valiant/pkg/repository"
)

// Scenario is a scripted conversation with per-turn expectations.
type Scenario struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Agent       string `yaml:"agent" json:"agent"`
	Customer    string `yaml:"customer,omitempty" json:"customer,omitempty"`
	// Variables are sent with the first turn.
	Variables map[string]any `yaml:"variables,omitempty" json:"variables,omitempty"`
	// Tools stubs tool capabilities by id. Declared tools without a stub
	// and without a directive fail when invoked.
	Tools map[string]ToolStub `yaml:"tools,omitempty" json:"tools,omitempty"`
	// StallTurns overrides the journey stall limit; zero keeps the default.
	StallTurns int    `yaml:"stall_turns,omitempty" json:"stall_turns,omitempty"`
	Turns      []Turn `yaml:"turns" json:"turns"`

	path string
}

// Path is the file the scenario was loaded from, if any.
func (s *Scenario) Path() string { return s.path }

// ToolStub is the canned answer of a stubbed tool.
type ToolStub struct {
	Payload any            `yaml:"payload,omitempty" json:"payload,omitempty"`
	Outputs map[string]any `yaml:"outputs,omitempty" json:"outputs,omitempty"`
	// Error makes the tool fail with this message.
	Error string `yaml:"error,omitempty" json:"error,omitempty"`
}

// Turn is one event of the scenario. Exactly one of Say and Directive is set.
type Turn struct {
	Say       string                `yaml:"say,omitempty" json:"say,omitempty"`
	Directive *repository.Directive `yaml:"directive,omitempty" json:"directive,omitempty"`
	// Match lists the conditions that hold on this turn. Every other
	// condition is false.
	Match     []string       `yaml:"match,omitempty" json:"match,omitempty"`
	Variables map[string]any `yaml:"variables,omitempty" json:"variables,omitempty"`
	Metadata  map[string]any `yaml:"metadata,omitempty" json:"metadata,omitempty"`
	Expect    Expect         `yaml:"expect,omitempty" json:"expect,omitempty"`
}

// Expect lists what must hold after a turn. Empty fields are not checked.
type Expect struct {
	// Active is the exact active set in priority order.
	Active   []string `yaml:"active,omitempty" json:"active,omitempty"`
	Includes []string `yaml:"includes,omitempty" json:"includes,omitempty"`
	Excludes []string `yaml:"excludes,omitempty" json:"excludes,omitempty"`
	// Journey is "idle", "<journey>" or "<journey>/<step>".
	Journey    string `yaml:"journey,omitempty" json:"journey,omitempty"`
	Transition string `yaml:"transition,omitempty" json:"transition,omitempty"`
	// Tools maps tool ids to their expected status.
	Tools map[string]string `yaml:"tools,omitempty" json:"tools,omitempty"`
	Mode  string            `yaml:"mode,omitempty" json:"mode,omitempty"`
	// Silent expects no agent message this turn.
	Silent    bool       `yaml:"silent,omitempty" json:"silent,omitempty"`
	Utterance *TextMatch `yaml:"utterance,omitempty" json:"utterance,omitempty"`
	// Error is the expected error code; the turn must fail with it.
	Error string `yaml:"error,omitempty" json:"error,omitempty"`
}

// TextMatch combines string matchers; all set fields must match.
type TextMatch struct {
	Contains string `yaml:"contains,omitempty" json:"contains,omitempty"`
	Equals   string `yaml:"equals,omitempty" json:"equals,omitempty"`
	Regex    string `yaml:"regex,omitempty" json:"regex,omitempty"`
	Prefix   string `yaml:"prefix,omitempty" json:"prefix,omitempty"`
}

func (m *TextMatch) matchers() []StringMatcher {
	var out []StringMatcher
	if m.Contains != "" {
		out = append(out, Contains(m.Contains))
	}
	if m.Equals != "" {
		out = append(out, Equals(m.Equals))
	}
	if m.Regex != "" {
		out = append(out, Regex(m.Regex))
	}
	if m.Prefix != "" {
		out = append(out, HasPrefix(m.Prefix))
	}
	return out
}

// Validate checks the scenario is runnable.
func (s *Scenario) Validate() error {
	var problems []string
	if strings.TrimSpace(s.Name) == "" {
		problems = append(problems, "name is required")
	}
	if s.Agent == "" {
		problems = append(problems, "agent is required")
	}
	if len(s.Turns) == 0 {
		problems = append(problems, "at least one turn is required")
	}
	for i, t := range s.Turns {
		if (t.Say == "") == (t.Directive == nil) {
			problems = append(problems, fmt.Sprintf("turn %d: exactly one of say and directive is required", i+1))
		}
		if t.Expect.Utterance != nil {
			for _, m := range t.Expect.Utterance.matchers() {
				if rm, ok := m.(*regexMatcher); ok && rm.err != nil {
					problems = append(problems, fmt.Sprintf("turn %d: %v", i+1, rm.err))
				}
			}
		}
	}
	if len(problems) > 0 {
		return errors.New(errors.CodeConfiguration, "invalid scenario", fmt.Errorf("%s", strings.Join(problems, "; "))).
			WithContext("scenario", s.Name).
			WithContext("path", s.path)
	}
	return nil
}

// Parse decodes one YAML scenario.
func Parse(data []byte) (*Scenario, error) {
	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, errors.New(errors.CodeConfiguration, "parse scenario", err)
	}
	return &s, nil
}

// LoadFile reads and validates a scenario file.
func LoadFile(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.New(errors.CodeConfiguration, "read scenario", err).WithContext("path", path)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	s.path = path
	if s.Name == "" {
		s.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// LoadDir loads every *.yaml and *.yml scenario in dir, sorted by file name.
func LoadDir(dir string) ([]*Scenario, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.New(errors.CodeConfiguration, "read scenario dir", err).WithContext("path", dir)
	}
	var names []string
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if !e.IsDir() && (ext == ".yaml" || ext == ".yml") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	out := make([]*Scenario, 0, len(names))
	for _, name := range names {
		s, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
