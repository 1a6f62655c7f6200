package matcher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	"github.com/Vusisean11/valiant/pkg/errors"
	"github.com/Vusisean11/valiant/pkg/llm"
)

const evaluatorSystemPrompt = `You judge whether a condition holds in a customer service conversation.
Answer with a single JSON object and nothing else:
{"matched": true|false, "confidence": <number between 0 and 1>, "rationale": "<one short sentence>"}
Judge only the condition given. Use the latest customer message first and the
earlier transcript, context variables and active journey step as background.`

// LLMEvaluator asks a chat model for a JSON verdict.
type LLMEvaluator struct {
	Provider    llm.Provider
	Model       string
	Temperature float64
	MaxTokens   int
}

// NewLLMEvaluator creates an evaluator backed by provider.
func NewLLMEvaluator(provider llm.Provider, model string) *LLMEvaluator {
	return &LLMEvaluator{Provider: provider, Model: model, MaxTokens: 256}
}

// Evaluate implements Evaluator.
func (e *LLMEvaluator) Evaluate(ctx context.Context, condition string, c Context) (Verdict, error) {
	resp, err := e.Provider.Chat(ctx, llm.ChatRequest{
		Model:       e.Model,
		Temperature: e.Temperature,
		MaxTokens:   e.MaxTokens,
		JSON:        true,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: evaluatorSystemPrompt},
			{Role: llm.RoleUser, Content: renderEvaluation(condition, c)},
		},
	})
	if err != nil {
		return Verdict{}, err
	}
	return ParseVerdict(resp.Content)
}

// ParseVerdict extracts a verdict from model output. Prose or code fences
// around the JSON object are tolerated.
func ParseVerdict(output string) (Verdict, error) {
	start := strings.Index(output, "{")
	end := strings.LastIndex(output, "}")
	if start == -1 || end <= start {
		return Verdict{}, errors.New(errors.CodeEvaluation, "evaluator output has no JSON object", nil).
			WithContext("output", truncate(output, 200))
	}
	raw := output[start : end+1]
	if !gjson.Valid(raw) {
		return Verdict{}, errors.New(errors.CodeEvaluation, "evaluator output is not valid JSON", nil).
			WithContext("output", truncate(raw, 200))
	}

	matched := gjson.Get(raw, "matched")
	if !matched.Exists() {
		matched = gjson.Get(raw, "applies")
	}
	if !matched.Exists() {
		return Verdict{}, errors.New(errors.CodeEvaluation, "evaluator output lacks a matched field", nil).
			WithContext("output", truncate(raw, 200))
	}

	v := Verdict{Matched: matched.Bool(), Rationale: gjson.Get(raw, "rationale").String()}
	if conf := gjson.Get(raw, "confidence"); conf.Exists() {
		v.Confidence = clamp(conf.Float())
	} else if v.Matched {
		v.Confidence = 1
	}
	return v, nil
}

func renderEvaluation(condition string, c Context) string {
	var b strings.Builder
	b.WriteString("Transcript:\n")
	if len(c.Transcript) == 0 {
		b.WriteString("(empty)\n")
	}
	for _, u := range c.Transcript {
		fmt.Fprintf(&b, "%s: %s\n", u.Source, u.Text)
	}
	if len(c.Variables) > 0 {
		if raw, err := json.Marshal(c.Variables); err == nil {
			fmt.Fprintf(&b, "\nContext variables: %s\n", raw)
		}
	}
	if c.Journey != nil {
		fmt.Fprintf(&b, "\nActive journey %q, current step %q: %s\n", c.Journey.JourneyID, c.Journey.StepID, c.Journey.Action)
	}
	fmt.Fprintf(&b, "\nCondition: %s\n", condition)
	return b.String()
}

func clamp(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

// truncate shortens s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
