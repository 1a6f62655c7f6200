// Copyright 2026 © The Valiant Authors
// SPDX-License-Identifier: Apache-2.0

package generation

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Vusisean11/valiant/pkg/errors"
	"github.com/Vusisean11/valiant/pkg/llm"
	"github.com/Vusisean11/valiant/pkg/telemetry"
)

// Generator produces the outgoing utterance for a turn.
type Generator interface {
	Generate(ctx context.Context, pc PromptContext) (string, error)
}

// Func adapts a function to Generator.
type Func func(ctx context.Context, pc PromptContext) (string, error)

// Generate calls f.
func (f Func) Generate(ctx context.Context, pc PromptContext) (string, error) {
	return f(ctx, pc)
}

// LLMGenerator generates utterances with a chat provider.
type LLMGenerator struct {
	Provider    llm.Provider
	Model       string
	Temperature float64
	MaxTokens   int
}

// NewLLMGenerator returns a generator backed by provider.
func NewLLMGenerator(provider llm.Provider, model string) *LLMGenerator {
	return &LLMGenerator{Provider: provider, Model: model, MaxTokens: 1024}
}

// Generate implements Generator.
func (g *LLMGenerator) Generate(ctx context.Context, pc PromptContext) (string, error) {
	messages := pc.Messages()
	ctx, span := telemetry.Tracer().Start(ctx, "Generation.Chat", trace.WithAttributes(
		attribute.String("llm.model", g.Model),
		attribute.Int("llm.messages", len(messages)),
	))
	defer span.End()

	resp, err := g.Provider.Chat(ctx, llm.ChatRequest{
		Model:       g.Model,
		Messages:    messages,
		Temperature: g.Temperature,
		MaxTokens:   g.MaxTokens,
	})
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return "", errors.New(errors.CodeGeneration, "empty completion", nil).WithRecoverable(true)
	}
	return text, nil
}
