// Copyright 2026 © The Valiant Authors
// SPDX-License-Identifier: Apache-2.0

package scenario

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"testing"

	"github.com/Vusisean11/valiant/pkg/engine"
)

// StringMatcher defines how to match strings in expectations.
type StringMatcher interface {
	Match(s string) bool
	Description() string
}

// Contains returns a matcher that checks if the string contains the substring.
func Contains(substr string) StringMatcher {
	return &containsMatcher{substr: substr}
}

// Equals returns a matcher that checks exact string equality.
func Equals(expected string) StringMatcher {
	return &equalsMatcher{expected: expected}
}

// Regex returns a matcher that checks against a regular expression.
// An invalid pattern never matches.
func Regex(pattern string) StringMatcher {
	re, err := regexp.Compile(pattern)
	return &regexMatcher{pattern: pattern, re: re, err: err}
}

// HasPrefix returns a matcher that checks if the string has the given prefix.
func HasPrefix(prefix string) StringMatcher {
	return &prefixMatcher{prefix: prefix}
}

type containsMatcher struct {
	substr string
}

func (m *containsMatcher) Match(s string) bool { return strings.Contains(s, m.substr) }

func (m *containsMatcher) Description() string { return fmt.Sprintf("contains %q", m.substr) }

type equalsMatcher struct {
	expected string
}

func (m *equalsMatcher) Match(s string) bool { return s == m.expected }

func (m *equalsMatcher) Description() string { return fmt.Sprintf("equals %q", m.expected) }

type regexMatcher struct {
	pattern string
	re      *regexp.Regexp
	err     error
}

func (m *regexMatcher) Match(s string) bool { return m.re != nil && m.re.MatchString(s) }

func (m *regexMatcher) Description() string { return fmt.Sprintf("matches regex %q", m.pattern) }

type prefixMatcher struct {
	prefix string
}

func (m *prefixMatcher) Match(s string) bool { return strings.HasPrefix(s, m.prefix) }

func (m *prefixMatcher) Description() string { return fmt.Sprintf("has prefix %q", m.prefix) }

// check compares one turn's outcome with its expectations.
func check(exp Expect, out *engine.TurnResult, err error) []string {
	var failures []string
	fail := func(format string, args ...any) {
		failures = append(failures, fmt.Sprintf(format, args...))
	}

	if exp.Error != "" {
		if got := errorCode(err); got != exp.Error {
			fail("expected error %s, got %q", exp.Error, got)
		}
		return failures
	}
	if err != nil {
		fail("unexpected error: %v", err)
		return failures
	}

	active := make([]string, len(out.Active))
	for i, a := range out.Active {
		active[i] = a.ID
	}
	if exp.Active != nil && !slices.Equal(exp.Active, active) {
		fail("active set %v, want %v", active, exp.Active)
	}
	for _, id := range exp.Includes {
		if !slices.Contains(active, id) {
			fail("%s not active (active: %v)", id, active)
		}
	}
	for _, id := range exp.Excludes {
		if slices.Contains(active, id) {
			fail("%s unexpectedly active", id)
		}
	}

	if exp.Journey != "" {
		got := describeJourney(out)
		want := exp.Journey
		if !strings.Contains(want, "/") && want != "idle" {
			got, _, _ = strings.Cut(got, "/")
		}
		if got != want {
			fail("journey %s, want %s", describeJourney(out), exp.Journey)
		}
	}
	if exp.Transition != "" && string(out.Journey.Kind) != exp.Transition {
		fail("journey transition %s, want %s", out.Journey.Kind, exp.Transition)
	}

	for id, want := range exp.Tools {
		got := "not invoked"
		for _, o := range out.ToolOutcomes {
			if o.ToolID == id {
				got = string(o.Status)
			}
		}
		if got != want {
			fail("tool %s %s, want %s", id, got, want)
		}
	}

	if exp.Mode != "" && string(out.ControlMode) != exp.Mode {
		fail("mode %s, want %s", out.ControlMode, exp.Mode)
	}
	if exp.Silent && out.Utterance != "" {
		fail("expected no message, got %q", out.Utterance)
	}
	if exp.Utterance != nil {
		for _, m := range exp.Utterance.matchers() {
			if !m.Match(out.Utterance) {
				fail("utterance %q: want %s", out.Utterance, m.Description())
			}
		}
	}
	return failures
}

func describeJourney(out *engine.TurnResult) string {
	p := out.ActiveJourney
	if p == nil || p.JourneyID == "" {
		return "idle"
	}
	if p.StepID == "" {
		return p.JourneyID
	}
	return p.JourneyID + "/" + p.StepID
}

// Assert reports every unmet expectation to t.
func (r *Result) Assert(t testing.TB) {
	t.Helper()
	for _, f := range r.Failures() {
		t.Errorf("scenario %q: %s", r.Scenario, f)
	}
}
