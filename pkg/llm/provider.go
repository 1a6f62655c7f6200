// Package llm abstracts the text-generation backends used for condition
// evaluation and response generation.
package llm

import (
	"context"
	stderrors "errors"
	"net/http"

	"github.com/Vusisean11/valiant/pkg/errors"
)

// Role represents the role of a message sender.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single unit of communication.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ChatRequest encapsulates the input for the LLM.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	// JSON asks the backend to constrain output to a single JSON object
	// where it supports that.
	JSON bool `json:"json,omitempty"`
}

// ChatResponse encapsulates the output from the LLM.
type ChatResponse struct {
	Content string `json:"content"`
	Usage   Usage  `json:"usage"`
}

// Usage tracks token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Provider defines the interface for interacting with LLM backends.
type Provider interface {
	// Chat sends a chat request to the LLM and returns the response.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, req ChatRequest) (*ChatResponse, error)

// Chat calls f.
func (f ProviderFunc) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	return f(ctx, req)
}

// WrapError classifies a backend failure. Rate limits, server errors and
// transport failures are recoverable; caller cancellation is not.
func WrapError(provider string, status int, err error) error {
	if stderrors.Is(err, context.Canceled) {
		return errors.New(errors.CodeCanceled, provider+" request canceled", err)
	}
	e := errors.New(errors.CodeGeneration, provider+" request failed", err).
		WithAttribute("llm.provider", provider)
	if status == 0 {
		return e.WithRecoverable(true)
	}
	e.WithContext("status", status)
	return e.WithRecoverable(status >= 500 || status == http.StatusTooManyRequests)
}
