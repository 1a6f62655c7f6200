// Copyright 2026 © The Valiant Authors
// SPDX-License-Identifier: Apache-2.0

package governance

import (
	"context"
	"path"
	"strings"
)

// ToolFilter decides whether a tool may run, from allow/deny glob lists and
// an optional policy engine. The tool orchestrator turns a denial into a
// skipped outcome.
type ToolFilter struct {
	allowlist    map[string]bool
	denylist     map[string]bool
	policyEngine PolicyEngine
}

// ToolFilterOption configures a ToolFilter.
type ToolFilterOption func(*ToolFilter)

// NewToolFilter creates a new ToolFilter with the given options.
func NewToolFilter(opts ...ToolFilterOption) *ToolFilter {
	tf := &ToolFilter{
		allowlist: make(map[string]bool),
		denylist:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(tf)
	}
	return tf
}

// WithAllowlist sets the allowlist of permitted tool ids/patterns.
func WithAllowlist(tools []string) ToolFilterOption {
	return func(tf *ToolFilter) {
		tf.AddToAllowlist(tools...)
	}
}

// WithDenylist sets the denylist of forbidden tool ids/patterns.
func WithDenylist(tools []string) ToolFilterOption {
	return func(tf *ToolFilter) {
		tf.AddToDenylist(tools...)
	}
}

// WithPolicyEngine attaches a policy engine for additional evaluation.
func WithPolicyEngine(engine PolicyEngine) ToolFilterOption {
	return func(tf *ToolFilter) {
		tf.policyEngine = engine
	}
}

// IsAllowed checks if agentID may invoke toolID.
// Evaluation order:
// 1. If denylist contains tool → deny
// 2. If allowlist is non-empty and doesn't contain tool → deny
// 3. If policy engine exists, evaluate → respect decision
// 4. Otherwise → allow
func (tf *ToolFilter) IsAllowed(ctx context.Context, agentID, toolID string) Decision {
	if tf == nil {
		return Decision{Allowed: true, Status: DecisionStatusAllow}
	}
	if tf.matchesList(toolID, tf.denylist) {
		return Decision{
			Allowed: false,
			Status:  DecisionStatusDeny,
			Reason:  "tool is in denylist",
		}
	}

	if len(tf.allowlist) > 0 && !tf.matchesList(toolID, tf.allowlist) {
		return Decision{
			Allowed: false,
			Status:  DecisionStatusDeny,
			Reason:  "tool is not in allowlist",
		}
	}

	if tf.policyEngine != nil {
		return tf.policyEngine.Evaluate(ctx, Action{
			Type:    ActionTool,
			Name:    toolID,
			AgentID: agentID,
		})
	}

	return Decision{
		Allowed: true,
		Status:  DecisionStatusAllow,
	}
}

// FilterTools returns only the tool ids agentID may invoke.
func (tf *ToolFilter) FilterTools(ctx context.Context, agentID string, toolIDs []string) []string {
	if tf == nil || (len(tf.allowlist) == 0 && len(tf.denylist) == 0 && tf.policyEngine == nil) {
		return toolIDs
	}

	filtered := make([]string, 0, len(toolIDs))
	for _, id := range toolIDs {
		if tf.IsAllowed(ctx, agentID, id).IsAllowed() {
			filtered = append(filtered, id)
		}
	}
	return filtered
}

// matchesList checks if toolID matches any pattern in the list.
// Supports glob patterns (e.g., "crm_*").
func (tf *ToolFilter) matchesList(toolID string, list map[string]bool) bool {
	if list[toolID] {
		return true
	}
	for pattern := range list {
		if ok, err := path.Match(pattern, toolID); err == nil && ok {
			return true
		}
	}
	return false
}

// AddToAllowlist adds tools to the allowlist.
func (tf *ToolFilter) AddToAllowlist(tools ...string) {
	for _, tool := range tools {
		tool = strings.TrimSpace(tool)
		if tool != "" {
			tf.allowlist[tool] = true
		}
	}
}

// AddToDenylist adds tools to the denylist.
func (tf *ToolFilter) AddToDenylist(tools ...string) {
	for _, tool := range tools {
		tool = strings.TrimSpace(tool)
		if tool != "" {
			tf.denylist[tool] = true
		}
	}
}
