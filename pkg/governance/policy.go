// Package governance decides which tools an agent may invoke.
package governance

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/Vusisean11/valiant/pkg/config"
)

// ActionType describes the type of action to evaluate.
type ActionType string

const (
	ActionTool      ActionType = "tool"
	ActionDirective ActionType = "directive"
)

// Action describes a decision target for policy evaluation.
type Action struct {
	Type    ActionType
	Name    string
	AgentID string
}

// Decision captures the outcome of a policy evaluation.
type Decision struct {
	Allowed bool
	Reason  string
	RuleID  string
	Status  DecisionStatus
}

// PolicyEngine evaluates actions.
type PolicyEngine interface {
	Evaluate(ctx context.Context, action Action) Decision
}

// Rule defines a single policy rule.
type Rule struct {
	ID     string
	Effect string // allow or deny
	Type   ActionType
	Name   string // glob pattern, optional
	Agent  string // glob pattern, optional
	Reason string
}

// DecisionStatus captures the policy outcome.
type DecisionStatus string

const (
	DecisionStatusAllow DecisionStatus = "allow"
	DecisionStatusDeny  DecisionStatus = "deny"
)

// RuleSet evaluates rules in order.
type RuleSet struct {
	Rules           []Rule
	DefaultDecision Decision
}

// NewRuleSet creates a rule set with a default allow decision.
func NewRuleSet(rules []Rule) *RuleSet {
	return &RuleSet{
		Rules:           append([]Rule(nil), rules...),
		DefaultDecision: Decision{Allowed: true, Status: DecisionStatusAllow},
	}
}

// Evaluate checks rules in order and returns the first match.
func (r *RuleSet) Evaluate(_ context.Context, action Action) Decision {
	for _, rule := range r.Rules {
		if rule.Type != "" && rule.Type != action.Type {
			continue
		}
		if rule.Name != "" && !matchPattern(rule.Name, action.Name) {
			continue
		}
		if rule.Agent != "" && !matchPattern(rule.Agent, action.AgentID) {
			continue
		}
		decision := Decision{Reason: rule.Reason, RuleID: rule.ID}
		if strings.EqualFold(rule.Effect, "deny") {
			decision.Status = DecisionStatusDeny
		} else {
			decision.Status = DecisionStatusAllow
		}
		decision.Allowed = decision.Status == DecisionStatusAllow
		return decision
	}
	return r.DefaultDecision
}

// IsAllowed returns true when the decision permits the action.
func (d Decision) IsAllowed() bool {
	if d.Status == "" {
		return d.Allowed
	}
	return d.Status == DecisionStatusAllow
}

func matchPattern(pattern, value string) bool {
	if pattern == "" {
		return true
	}
	ok, err := path.Match(pattern, value)
	if err == nil && ok {
		return true
	}
	return pattern == value
}

// RuleSetFromConfig builds a rule set from the engine.tools.policies section.
func RuleSetFromConfig(cfg config.ToolsConfig) *RuleSet {
	rules := make([]Rule, 0, len(cfg.Policies))
	for i, p := range cfg.Policies {
		id := strings.TrimSpace(p.ID)
		if id == "" {
			id = fmt.Sprintf("policy-%d", i+1)
		}
		rules = append(rules, Rule{
			ID:     id,
			Effect: p.Effect,
			Type:   ActionTool,
			Name:   p.Tool,
			Agent:  p.Agent,
			Reason: p.Reason,
		})
	}
	return NewRuleSet(rules)
}

// FilterFromConfig builds the tool filter configured under engine.tools.
func FilterFromConfig(cfg config.ToolsConfig) *ToolFilter {
	opts := []ToolFilterOption{WithAllowlist(cfg.Allow), WithDenylist(cfg.Deny)}
	if len(cfg.Policies) > 0 {
		opts = append(opts, WithPolicyEngine(RuleSetFromConfig(cfg)))
	}
	return NewToolFilter(opts...)
}
