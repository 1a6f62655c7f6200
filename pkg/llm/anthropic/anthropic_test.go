// Copyright 2026 © The Valiant Authors
// SPDX-License-Identifier: Apache-2.0

package anthropic

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Vusisean11/valiant/pkg/errors"
	"github.com/Vusisean11/valiant/pkg/llm"
)

func TestProviderImplementsInterface(t *testing.T) {
	var _ llm.Provider = (*Provider)(nil)
}

func TestChat(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"msg_1","type":"message","role":"assistant","model":"claude-test",
			"content":[{"type":"text","text":"Which genre "},{"type":"text","text":"do you like?"}],
			"stop_reason":"end_turn","usage":{"input_tokens":12,"output_tokens":5}}`)
	}))
	defer srv.Close()

	p := New(WithBaseURL(srv.URL+"/"), WithAPIKey("test"), WithModel("claude-test"))
	resp, err := p.Chat(context.Background(), llm.ChatRequest{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "You are a bookstore agent."},
			{Role: llm.RoleUser, Content: "I want a mystery novel"},
		},
		JSON: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "Which genre do you like?", resp.Content)
	assert.Equal(t, 17, resp.Usage.TotalTokens)

	assert.Equal(t, "claude-test", body["model"])
	msgs, _ := body["messages"].([]any)
	assert.Len(t, msgs, 1, "system prompt must not be sent as a message")
	assert.NotEmpty(t, body["system"])
}

func TestChatServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, `{"type":"error","error":{"type":"overloaded_error","message":"busy"}}`)
	}))
	defer srv.Close()

	_, err := New(WithBaseURL(srv.URL+"/"), WithAPIKey("test")).Chat(context.Background(), llm.ChatRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeGeneration))
	assert.True(t, errors.As(err).Recoverable)
}
