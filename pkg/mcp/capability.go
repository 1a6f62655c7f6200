// Copyright 2026 © The Valiant Authors
// SPDX-License-Identifier: Apache-2.0

package mcp

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/Vusisean11/valiant/pkg/tools"
)

// ToolCaller abstracts MCP tool execution for capabilities.
type ToolCaller interface {
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)
}

// Capability runs one MCP tool as a tools.Capability.
type Capability struct {
	tool   mcp.Tool
	caller ToolCaller
}

// NewCapability builds a capability backed by an MCP tool definition and caller.
func NewCapability(tool mcp.Tool, caller ToolCaller) (*Capability, error) {
	if tool.Name == "" {
		return nil, stderrors.New("mcp tool name is required")
	}
	if caller == nil {
		return nil, stderrors.New("tool caller is required")
	}
	return &Capability{tool: tool, caller: caller}, nil
}

// Name returns the MCP tool name.
func (c *Capability) Name() string { return c.tool.Name }

// Invoke implements tools.Capability. Declared arguments and upstream inputs
// are sent together; arguments win on a name clash.
func (c *Capability) Invoke(ctx context.Context, call tools.Call) (tools.Result, error) {
	args := make(map[string]any, len(call.Arguments)+len(call.Inputs))
	for k, v := range call.Inputs {
		args[k] = v
	}
	for k, v := range call.Arguments {
		args[k] = v
	}
	if err := validateRequiredArgs(c.tool, args); err != nil {
		return tools.Result{}, err
	}

	result, err := c.caller.CallTool(ctx, c.tool.Name, args)
	if err != nil {
		return tools.Result{}, err
	}
	return toolResult(result)
}

// Bind lists the server's tools and registers those named in toolIDs.
// A non-empty prefix is stripped from MCP names before matching, so a server
// exposing "shop_list_books" can serve the tool "list_books".
// It returns the ids bound.
func Bind(ctx context.Context, client *Client, registry *tools.Registry, prefix string, toolIDs []string) ([]string, error) {
	available, err := client.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("list mcp tools: %w", err)
	}
	wanted := make(map[string]bool, len(toolIDs))
	for _, id := range toolIDs {
		wanted[id] = true
	}

	var bound []string
	for _, t := range available {
		id := strings.TrimPrefix(t.Name, prefix)
		if !wanted[id] {
			continue
		}
		capability, err := NewCapability(t, client)
		if err != nil {
			return bound, err
		}
		registry.Register(id, capability)
		bound = append(bound, id)
		slog.Debug("mcp.tool.bound", slog.String("tool_id", id), slog.String("mcp_tool", t.Name))
	}
	return bound, nil
}

func validateRequiredArgs(tool mcp.Tool, args map[string]any) error {
	schema := tool.InputSchema
	if schema.Type != "" && schema.Type != "object" {
		return nil
	}
	for _, key := range schema.Required {
		if _, ok := args[key]; !ok {
			return fmt.Errorf("mcp tool args: missing required field %q", key)
		}
	}
	return nil
}

func toolResult(result *mcp.CallToolResult) (tools.Result, error) {
	if result == nil {
		return tools.Result{}, stderrors.New("mcp tool result is nil")
	}
	if result.IsError {
		return tools.Result{}, fmt.Errorf("mcp tool returned error: %s", extractTextContent(result.Content))
	}

	if result.StructuredContent != nil {
		out := tools.Result{Payload: result.StructuredContent}
		if m, ok := result.StructuredContent.(map[string]any); ok {
			out.Outputs = m
		}
		return out, nil
	}
	if text := extractTextContent(result.Content); text != "" {
		return tools.Result{Payload: text}, nil
	}
	return tools.Result{}, nil
}

func extractTextContent(items []mcp.Content) string {
	var parts []string
	for _, item := range items {
		switch content := item.(type) {
		case mcp.TextContent:
			parts = append(parts, content.Text)
		case *mcp.TextContent:
			parts = append(parts, content.Text)
		}
	}
	return strings.Join(parts, "\n")
}

var _ tools.Capability = (*Capability)(nil)
