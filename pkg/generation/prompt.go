// Copyright 2026 © The Valiant Authors
// SPDX-License-Identifier: Apache-2.0

// Package generation produces the outgoing utterance of a turn from the
// resolved guidelines, journey step, glossary, templates and tool outcomes.
package generation

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/Vusisean11/valiant/pkg/llm"
	"github.com/Vusisean11/valiant/pkg/matcher"
	"github.com/Vusisean11/valiant/pkg/repository"
	"github.com/Vusisean11/valiant/pkg/tools"
)

// Instruction is one active guideline or step action, in priority order.
type Instruction struct {
	ID     string `json:"id"`
	Action string `json:"action"`
}

// PromptContext is everything generation may condition on for one turn.
type PromptContext struct {
	AgentID      string                    `json:"agent_id"`
	SessionID    string                    `json:"session_id"`
	Instructions []Instruction             `json:"instructions"`
	Journey      *matcher.JourneyContext   `json:"journey,omitempty"`
	Glossary     []repository.GlossaryTerm `json:"glossary,omitempty"`
	Templates    []repository.Template     `json:"templates,omitempty"`
	Transcript   []matcher.Utterance       `json:"transcript"`
	ToolOutcomes []tools.Outcome           `json:"tool_outcomes,omitempty"`
	Variables    map[string]any            `json:"variables,omitempty"`
}

const systemPreamble = `You are a customer-facing agent. Write the next agent message only.
Follow the instructions in the order given; earlier instructions win on conflict.
When a response template fits, use its wording. Never invent tool results.`

// Messages renders the prompt as chat messages.
func (p PromptContext) Messages() []llm.Message {
	var sys strings.Builder
	sys.WriteString(systemPreamble)

	if len(p.Instructions) > 0 {
		sys.WriteString("\n\nInstructions:")
		for i, in := range p.Instructions {
			fmt.Fprintf(&sys, "\n%d. %s", i+1, in.Action)
		}
	}
	if p.Journey != nil && p.Journey.JourneyID != "" {
		fmt.Fprintf(&sys, "\n\nYou are guiding the customer through %q (step %d, %s).", journeyTitle(p.Journey), p.Journey.StepIndex+1, p.Journey.StepID)
	}
	if len(p.Glossary) > 0 {
		sys.WriteString("\n\nGlossary:")
		for _, term := range p.Glossary {
			fmt.Fprintf(&sys, "\n- %s: %s", term.Term, term.Description)
		}
	}
	if len(p.Templates) > 0 {
		sys.WriteString("\n\nResponse templates:")
		for _, t := range p.Templates {
			fmt.Fprintf(&sys, "\n- [%s] %s", t.ID, t.Text)
		}
	}
	if len(p.ToolOutcomes) > 0 {
		sys.WriteString("\n\nTool results:")
		for _, o := range p.ToolOutcomes {
			sys.WriteString("\n- " + describeOutcome(o))
		}
	}
	if len(p.Variables) > 0 {
		sys.WriteString("\n\nCustomer context:")
		keys := make([]string, 0, len(p.Variables))
		for k := range p.Variables {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&sys, "\n- %s: %v", k, p.Variables[k])
		}
	}

	messages := make([]llm.Message, 0, len(p.Transcript)+1)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: sys.String()})
	for _, u := range p.Transcript {
		role := llm.RoleUser
		if u.Source == matcher.SourceAgent {
			role = llm.RoleAssistant
		}
		messages = append(messages, llm.Message{Role: role, Content: u.Text})
	}
	return messages
}

func journeyTitle(j *matcher.JourneyContext) string {
	if j.Title != "" {
		return j.Title
	}
	return j.JourneyID
}

func describeOutcome(o tools.Outcome) string {
	switch o.Status {
	case tools.StatusSucceeded:
		payload, err := json.Marshal(o.Payload)
		if err != nil || o.Payload == nil {
			return fmt.Sprintf("%s succeeded", o.ToolID)
		}
		return fmt.Sprintf("%s succeeded: %s", o.ToolID, payload)
	case tools.StatusFailed:
		return fmt.Sprintf("%s failed: %s", o.ToolID, o.Error)
	default:
		return fmt.Sprintf("%s was skipped: %s", o.ToolID, o.Error)
	}
}
