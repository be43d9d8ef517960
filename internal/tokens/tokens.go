// Package tokens implements the pure token-counting and context-budget
// functions of spec.md §4.C: a tokeniser approximation usable when a
// provider does not report exact counts, and a budget evaluator comparing
// consumption against a model's context limit.
package tokens

import (
	"encoding/json"

	"github.com/loomrun/loom/pkg/conversation"
)

// CharsPerToken is the approximate character-to-token ratio used by the
// heuristic counter, matching the donor's context-window estimator
// (internal/context/window.go) and compaction estimator
// (internal/compaction/compaction.go), both of which use a 4-chars-per-
// token (equivalently 0.25 tokens-per-char) approximation.
const CharsPerToken = 4

// ModelContextWindows holds known context-window sizes by model id. Models
// absent from the table fall back to DefaultContextWindow.
var ModelContextWindows = map[string]int{
	"claude-opus-4":        200_000,
	"claude-sonnet-4":      200_000,
	"claude-3-5-sonnet":    200_000,
	"claude-3-5-haiku":     200_000,
	"gpt-4o":               128_000,
	"gpt-4o-mini":          128_000,
	"gpt-4-turbo":          128_000,
	"o1":                   200_000,
	"gemini-1.5-pro":       2_000_000,
	"gemini-1.5-flash":     1_000_000,
}

// DefaultContextWindow is used when a model is not present in
// ModelContextWindows.
const DefaultContextWindow = 128_000

// ContextWindowFor returns the known context window for a model id, or
// DefaultContextWindow if the model is unrecognised.
func ContextWindowFor(model string) int {
	if w, ok := ModelContextWindows[model]; ok {
		return w
	}
	return DefaultContextWindow
}

// estimateText approximates the token count of a string.
func estimateText(s string) int {
	if s == "" {
		return 0
	}
	n := len(s) / CharsPerToken
	if n == 0 {
		n = 1
	}
	return n
}

// CountMessage estimates the token footprint of a single message: its text
// parts plus a rough per-part overhead for non-text content (tool
// schemas/arguments, images), so that a conversation heavy on tool traffic
// is not under-counted just because Text() ignores those parts.
func CountMessage(m conversation.Message) int {
	total := 0
	for _, p := range m.Parts {
		switch v := p.(type) {
		case conversation.Text:
			total += estimateText(v.Value)
		case conversation.Thinking:
			total += estimateText(v.Value)
		case conversation.SystemNotification:
			total += estimateText(v.Value)
		case conversation.ToolRequest:
			total += estimateText(v.ToolName) + estimateText(string(v.Arguments))
		case conversation.ToolResponse:
			total += estimateText(v.Result.Text()) + estimateText(v.Result.Err)
		case conversation.ToolConfirmationRequest:
			total += estimateText(v.ToolName) + estimateText(string(v.Arguments)) + estimateText(v.Explanation)
		case conversation.FrontendToolRequest:
			total += estimateText(v.ToolName) + estimateText(string(v.Arguments))
		case conversation.Image:
			// Flat per-image overhead; providers bill images far above
			// their base64 character count, so charsPerToken would wildly
			// under/over count depending on resolution. 1.5k tokens is a
			// mid-resolution Anthropic/OpenAI vision estimate.
			total += 1500
		case conversation.RedactedThinking:
			total += estimateText(v.Data)
		}
	}
	return total
}

// CountMessages sums CountMessage over a slice.
func CountMessages(msgs []conversation.Message) int {
	total := 0
	for _, m := range msgs {
		total += CountMessage(m)
	}
	return total
}

// ToolSchema is the minimal shape Count needs from a tool descriptor; it is
// satisfied by conversation.ToolDescriptor without importing extra fields.
type ToolSchema struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// Count implements the spec.md §4.C pure function:
// count(system, messages, tools) -> usize.
func Count(system string, messages []conversation.Message, tools []ToolSchema) int {
	total := estimateText(system)
	total += CountMessages(messages)
	for _, t := range tools {
		total += estimateText(t.Name) + estimateText(t.Description) + estimateText(string(t.Schema))
	}
	return total
}

// DefaultThreshold is the default usage_ratio above which the context
// manager performs compaction (spec.md §4.C, overridable per session).
const DefaultThreshold = 0.8

// Budget is the result of evaluating token consumption against a model's
// context limit.
type Budget struct {
	Counted    int
	Limit      int
	Threshold  float64
	UsageRatio float64
}

// OverThreshold reports whether the budget has crossed its threshold.
func (b Budget) OverThreshold() bool { return b.UsageRatio >= b.Threshold }

// Evaluate computes a Budget. A threshold outside (0, 1] collapses to
// DefaultThreshold per spec.md §8's documented boundary-case fallback.
func Evaluate(counted, limit int, threshold float64) Budget {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	if limit <= 0 {
		limit = DefaultContextWindow
	}
	ratio := float64(counted) / float64(limit)
	return Budget{Counted: counted, Limit: limit, Threshold: threshold, UsageRatio: ratio}
}

// Source identifies where a Budget's token count came from, per spec.md
// §4.C's ordered preference: provider-reported totals first, on-the-fly
// estimation second.
type Source string

const (
	SourceProvider  Source = "provider_reported"
	SourceEstimated Source = "estimated"
)

// Resolve picks the authoritative token count for a turn: a provider-
// reported total when available, falling back to estimation over the
// agent-visible messages.
func Resolve(providerReported *int, system string, agentVisible []conversation.Message, tools []ToolSchema) (int, Source) {
	if providerReported != nil {
		return *providerReported, SourceProvider
	}
	return Count(system, agentVisible, tools), SourceEstimated
}
