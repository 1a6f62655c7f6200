// Package repository holds the declarative rule set of an agent (guidelines,
// journeys, tools, relationships, glossary, variables and templates) and
// publishes it as immutable, validated versions.
package repository

import "time"

// Definition is the declared configuration of one agent.
type Definition struct {
	Agent         string         `json:"agent" yaml:"agent"`
	Description   string         `json:"description,omitempty" yaml:"description,omitempty"`
	Guidelines    []Guideline    `json:"guidelines,omitempty" yaml:"guidelines,omitempty"`
	Journeys      []Journey      `json:"journeys,omitempty" yaml:"journeys,omitempty"`
	Tools         []Tool         `json:"tools,omitempty" yaml:"tools,omitempty"`
	Relationships []Relationship `json:"relationships,omitempty" yaml:"relationships,omitempty"`
	Glossary      []GlossaryTerm `json:"glossary,omitempty" yaml:"glossary,omitempty"`
	Variables     []Variable     `json:"variables,omitempty" yaml:"variables,omitempty"`
	Templates     []Template     `json:"templates,omitempty" yaml:"templates,omitempty"`
}

// Guideline is a condition/action rule.
type Guideline struct {
	ID        string           `json:"id" yaml:"id"`
	Condition string           `json:"condition" yaml:"condition"`
	Action    string           `json:"action" yaml:"action"`
	Tools     []ToolAttachment `json:"tools,omitempty" yaml:"tools,omitempty"`
	// Once suppresses the guideline after it has been acted upon in a session.
	Once bool `json:"once,omitempty" yaml:"once,omitempty"`
	// Journeys scopes the guideline: it is only a candidate while one of
	// these journeys is active. Empty means global.
	Journeys []string `json:"journeys,omitempty" yaml:"journeys,omitempty"`
	// Sustains lists journeys whose stall counter is reset while this
	// guideline is active.
	Sustains []string `json:"sustains,omitempty" yaml:"sustains,omitempty"`
	Tags     []string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// ToolAttachment binds a tool to a guideline or step. An empty Condition
// means the tool runs whenever its owner is active.
type ToolAttachment struct {
	Tool      string `json:"tool" yaml:"tool"`
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// Journey is an ordered multi-turn procedure.
type Journey struct {
	ID    string `json:"id" yaml:"id"`
	Title string `json:"title,omitempty" yaml:"title,omitempty"`
	// Activation conditions; any match activates the journey.
	Activation []string `json:"activation" yaml:"activation"`
	// Exit conditions; any match leaves the journey.
	Exit  []string `json:"exit,omitempty" yaml:"exit,omitempty"`
	Steps []Step   `json:"steps" yaml:"steps"`
}

// Step is one stage of a journey; it behaves like a guideline scoped to the
// journey's current position.
type Step struct {
	ID     string `json:"id" yaml:"id"`
	Action string `json:"action" yaml:"action"`
	// Condition optionally narrows when the current step applies. Without it
	// the step is active whenever the journey points at it.
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
	// Completion advances the journey to the next step when it matches.
	Completion string           `json:"completion,omitempty" yaml:"completion,omitempty"`
	Tools      []ToolAttachment `json:"tools,omitempty" yaml:"tools,omitempty"`
}

// Tool declares an invokable action.
type Tool struct {
	ID          string     `json:"id" yaml:"id"`
	Description string     `json:"description,omitempty" yaml:"description,omitempty"`
	Arguments   []Argument `json:"arguments,omitempty" yaml:"arguments,omitempty"`
	// Inputs name values produced by other tools in the same turn.
	Inputs []string `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	// Outputs name values this tool produces for downstream tools.
	Outputs []string `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	// Directive makes this a control tool. Without a registered capability
	// the directive is emitted as the tool's result.
	Directive *Directive    `json:"directive,omitempty" yaml:"directive,omitempty"`
	Timeout   time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Argument describes one tool argument.
type Argument struct {
	Name        string `json:"name" yaml:"name"`
	Type        string `json:"type,omitempty" yaml:"type,omitempty"` // string, number, integer, boolean, object, array
	Required    bool   `json:"required,omitempty" yaml:"required,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// DirectiveKind enumerates control effects.
type DirectiveKind string

const (
	DirectiveSetMode        DirectiveKind = "set_mode"
	DirectiveRestartJourney DirectiveKind = "restart_journey"
)

// Directive is a typed control effect folded into session state by the turn loop.
type Directive struct {
	Kind DirectiveKind `json:"kind" yaml:"kind"`
	// Mode is the target control mode for set_mode (auto or manual).
	Mode string `json:"mode,omitempty" yaml:"mode,omitempty"`
	// Journey is the journey to restart; empty restarts the active one.
	Journey string `json:"journey,omitempty" yaml:"journey,omitempty"`
}

// RelationshipType is the kind of a relationship edge.
type RelationshipType string

const (
	PrioritizedOver   RelationshipType = "prioritized_over"
	DependsOn         RelationshipType = "depends_on"
	MutuallyExclusive RelationshipType = "mutually_exclusive"
)

// Relationship is a directed edge between guidelines or journeys.
// A journey endpoint stands for every step of that journey.
type Relationship struct {
	From string           `json:"from" yaml:"from"`
	To   string           `json:"to" yaml:"to"`
	Type RelationshipType `json:"type" yaml:"type"`
}

// GlossaryTerm is domain vocabulary surfaced to generation when mentioned.
type GlossaryTerm struct {
	Term        string   `json:"term" yaml:"term"`
	Description string   `json:"description" yaml:"description"`
	Synonyms    []string `json:"synonyms,omitempty" yaml:"synonyms,omitempty"`
}

// VariableScope tells who owns a context variable.
type VariableScope string

const (
	ScopeCustomer VariableScope = "customer"
	ScopeSession  VariableScope = "session"
)

// Variable declares a context variable.
type Variable struct {
	Name        string        `json:"name" yaml:"name"`
	Scope       VariableScope `json:"scope,omitempty" yaml:"scope,omitempty"`
	Description string        `json:"description,omitempty" yaml:"description,omitempty"`
	Default     any           `json:"default,omitempty" yaml:"default,omitempty"`
}

// Template is a pre-authored response fragment. It is eligible when any of
// its guidelines is active or its condition matched.
type Template struct {
	ID         string   `json:"id" yaml:"id"`
	Text       string   `json:"text" yaml:"text"`
	Guidelines []string `json:"guidelines,omitempty" yaml:"guidelines,omitempty"`
	Condition  string   `json:"condition,omitempty" yaml:"condition,omitempty"`
}
