package compaction

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/loomrun/loom/internal/provider"
	"github.com/loomrun/loom/internal/tokens"
	"github.com/loomrun/loom/pkg/conversation"
)

// projectMessage renders a pkg/conversation.Message as the flat textual
// Message this package's summarization helpers were built for. Tool
// requests/responses are serialized to their ToolCalls/ToolResults string
// fields rather than dropped, so a summarizer still sees what the agent
// tried to do and what came back.
func projectMessage(m conversation.Message) *Message {
	role := string(m.Role)

	var toolCalls, toolResults []string
	for _, tr := range m.ToolRequests() {
		if raw, err := json.Marshal(tr); err == nil {
			toolCalls = append(toolCalls, string(raw))
		}
	}
	for _, resp := range m.ToolResponses() {
		if raw, err := json.Marshal(resp); err == nil {
			toolResults = append(toolResults, string(raw))
		}
	}

	out := &Message{
		Role:      role,
		Content:   m.Text(),
		Timestamp: m.CreatedAt.Unix(),
		ID:        m.ID,
	}
	if len(toolCalls) > 0 {
		raw, _ := json.Marshal(toolCalls)
		out.ToolCalls = string(raw)
	}
	if len(toolResults) > 0 {
		raw, _ := json.Marshal(toolResults)
		out.ToolResults = string(raw)
	}
	return out
}

func projectMessages(msgs []conversation.Message) []*Message {
	out := make([]*Message, len(msgs))
	for i, m := range msgs {
		out[i] = projectMessage(m)
	}
	return out
}

// ProviderSummarizer adapts a provider.Provider's cheap/fast completion
// path to the Summarizer interface, per spec.md §4.G's requirement that
// compaction calls complete_fast rather than the primary model.
type ProviderSummarizer struct {
	Provider provider.Provider
	System   string
}

// GenerateSummary renders messages as text and asks the fast model to
// summarize them, honoring CustomInstructions/PreviousSummary from config.
func (s *ProviderSummarizer) GenerateSummary(ctx context.Context, messages []*Message, config *SummarizationConfig) (string, error) {
	if s.Provider == nil {
		return "", fmt.Errorf("no provider configured for summarization")
	}

	instructions := "Summarize the following conversation excerpt concisely, preserving facts, decisions, open questions, and any in-progress tool work. Write it as notes a continuing agent can resume from."
	if config != nil && config.CustomInstructions != "" {
		instructions = config.CustomInstructions
	}
	if config != nil && config.PreviousSummary != "" && config.PreviousSummary != DefaultSummaryFallback {
		instructions = instructions + "\n\nPrior summary to build on:\n" + config.PreviousSummary
	}

	prompt := instructions + "\n\n---\n\n" + FormatMessagesForSummary(messages)
	promptMsg := conversation.NewMessage("compaction-prompt", conversation.RoleUser, conversation.Text{Value: prompt})

	reply, _, err := s.Provider.CompleteFast(ctx, s.System, []conversation.Message{promptMsg})
	if err != nil {
		return "", fmt.Errorf("complete_fast for summarization: %w", err)
	}
	return reply.Text(), nil
}

// Result reports what a Compact call did.
type Result struct {
	// Applied is false when the conversation was already under threshold
	// or too short to usefully compact — Conversation is returned
	// unchanged in that case.
	Applied bool

	SummarizedMessages int
	SummaryTokens      int
	RemainingTokens    int

	// Notification, when Applied, is the human-readable note inserted
	// into the conversation announcing the compaction (spec.md §4.G
	// "continuation instruction").
	Notification string
}

// Compactor implements the spec.md §4.G context-compaction algorithm
// against pkg/conversation types, built on this package's existing
// chunking/summarization helpers.
type Compactor struct {
	summarizer Summarizer
	config     *SummarizationConfig
}

// NewCompactor creates a Compactor. config may be nil for defaults.
func NewCompactor(summarizer Summarizer, config *SummarizationConfig) *Compactor {
	if config == nil {
		config = DefaultSummarizationConfig()
	}
	return &Compactor{summarizer: summarizer, config: config}
}

// keepTailShare is the fraction of the context window reserved for the
// most recent exchange, left untouched by summarization so the agent's
// immediate working context survives compaction intact.
const keepTailShare = 0.25

// Compact evaluates whether conv is over threshold, and if so summarizes
// its oldest contiguous prefix (cut at a clean user-message boundary so
// no tool request/response pair or role-alternation invariant is broken),
// replacing that prefix with a single assistant notification message
// carrying the summary. The kept tail is returned unchanged.
func (c *Compactor) Compact(ctx context.Context, conv conversation.Conversation, system string, tools []tokens.ToolSchema, contextWindow int, threshold float64) (conversation.Conversation, Result, error) {
	agentVisible := conv.AgentVisible()
	counted := tokens.Count(system, agentVisible, tools)
	budget := tokens.Evaluate(counted, contextWindow, threshold)

	if !budget.OverThreshold() {
		return conv, Result{Applied: false, RemainingTokens: counted}, nil
	}

	msgs := conv.Messages()
	keepTokens := int(float64(contextWindow) * keepTailShare)
	splitIdx := findSplitIndex(msgs, keepTokens)
	if splitIdx <= 0 {
		// Nothing we can safely drop without breaking the tail — surface
		// this as a no-op rather than forcing an unsafe cut (Open
		// Question #1's "surfaced, not silent" resolution applies here
		// too: the caller decides whether to drop further history).
		return conv, Result{Applied: false, RemainingTokens: counted}, nil
	}

	prefix := msgs[:splitIdx]
	tail := msgs[splitIdx:]

	projected := projectMessages(prefix)
	summary, err := SummarizeInStages(ctx, projected, c.summarizer, c.config)
	if err != nil {
		return conv, Result{}, fmt.Errorf("summarize prefix: %w", err)
	}

	note := fmt.Sprintf("[Conversation compacted: %d earlier messages summarized]\n\n%s\n\nContinue the conversation using this summary as prior context.", len(prefix), summary)
	summaryMsg := conversation.NewMessage(
		fmt.Sprintf("compaction-summary-%d", len(prefix)),
		conversation.RoleAssistant,
		conversation.SystemNotification{Value: note},
	).WithVisibility(conversation.Both())

	newSeq := append([]conversation.Message{summaryMsg}, tail...)
	newConv := conversation.NewUnvalidated(newSeq)

	remaining := tokens.Count(system, newConv.AgentVisible(), tools)
	return newConv, Result{
		Applied:            true,
		SummarizedMessages: len(prefix),
		SummaryTokens:      tokens.CountMessage(summaryMsg),
		RemainingTokens:    remaining,
		Notification:       note,
	}, nil
}

// findSplitIndex scans backward accumulating token counts until it finds
// a Role=user message (a clean boundary that can never land inside a
// dangling tool-request/response pair or break role alternation) whose
// tail holds at least keepTokens. Returns 0 — "nothing safe to
// summarize" — if the whole conversation is smaller than keepTokens.
func findSplitIndex(msgs []conversation.Message, keepTokens int) int {
	running := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		running += tokens.CountMessage(msgs[i])
		if running >= keepTokens && msgs[i].Role == conversation.RoleUser {
			return i
		}
	}
	return 0
}
