// Package compaction implements the token-budget bookkeeping behind
// context compaction: estimating a message's token cost, splitting and
// chunking a message slice for summarization, and pruning history down
// to a budget. project.go builds the conversation-aware Compactor on
// top of these primitives.
package compaction

import (
	"context"
	"fmt"
	"strings"
)

const (
	// BaseChunkRatio is the default share of the context window one
	// summarization chunk is allowed to occupy.
	BaseChunkRatio = 0.4

	// MinChunkRatio floors ComputeAdaptiveChunkRatio so chunks never
	// shrink to the point of being mostly per-message overhead.
	MinChunkRatio = 0.15

	// SafetyMargin is the 1.2 factor ComputeAdaptiveChunkRatio applies to
	// the average-message/context-window ratio before subtracting it from
	// BaseChunkRatio; per-message token estimates are not scaled by it.
	SafetyMargin = 1.2

	// DefaultSummaryFallback is returned wherever there is nothing to
	// summarize.
	DefaultSummaryFallback = "No prior history."

	// DefaultParts is SummarizeInStages' fan-out width when a config
	// doesn't specify one.
	DefaultParts = 2

	// OversizedThreshold marks a single message too large to summarize
	// once it alone would consume this share of the context window.
	OversizedThreshold = 0.5

	// CharsPerToken is the character-per-token ratio EstimateTokens uses
	// in place of a real tokenizer — cheap and run far more often than a
	// model call, so precision is traded for speed here.
	CharsPerToken = 4

	// DefaultContextWindow is ResolveContextWindowTokens' last-resort
	// fallback when no model-reported window is available.
	DefaultContextWindow = 100000

	// DefaultMinMessagesForSplit is the floor below which
	// SummarizeInStages skips splitting into parts.
	DefaultMinMessagesForSplit = 4
)

// Message is the compaction package's transport-agnostic view of one
// conversation turn — project.go maps pkg/conversation.Message to this
// shape before calling into these primitives.
type Message struct {
	Role        string
	Content     string
	Timestamp   int64
	ID          string
	ToolCalls   string
	ToolResults string
	Metadata    map[string]any
}

// EstimateTokens approximates msg's token cost from its combined text
// length. A nil message costs nothing.
func EstimateTokens(msg *Message) int {
	if msg == nil {
		return 0
	}
	chars := len(msg.Content) + len(msg.ToolCalls) + len(msg.ToolResults)
	return (chars + CharsPerToken - 1) / CharsPerToken
}

// EstimateMessagesTokens sums EstimateTokens across messages.
func EstimateMessagesTokens(messages []*Message) int {
	total := 0
	for _, msg := range messages {
		total += EstimateTokens(msg)
	}
	return total
}

// SplitMessagesByTokenShare divides messages into parts roughly
// balanced by token count, for fanning summarization out across
// independent calls rather than one long serial pass.
func SplitMessagesByTokenShare(messages []*Message, parts int) [][]*Message {
	if len(messages) == 0 {
		return nil
	}
	if parts <= 0 {
		parts = DefaultParts
	}
	if parts == 1 || len(messages) < parts {
		return [][]*Message{messages}
	}

	targetPerPart := EstimateMessagesTokens(messages) / parts

	var result [][]*Message
	currentPart := make([]*Message, 0)
	currentTokens := 0

	for i, msg := range messages {
		currentPart = append(currentPart, msg)
		currentTokens += EstimateTokens(msg)

		remainingParts := parts - len(result) - 1
		isLastMessage := i == len(messages)-1
		if !isLastMessage && remainingParts > 0 && currentTokens >= targetPerPart {
			result = append(result, currentPart)
			currentPart = make([]*Message, 0)
			currentTokens = 0
		}
	}
	if len(currentPart) > 0 {
		result = append(result, currentPart)
	}
	return result
}

// ChunkMessagesByMaxTokens splits messages into chunks that never
// exceed maxTokens, each message landing in exactly one chunk. A single
// message larger than maxTokens gets its own oversized chunk rather
// than being dropped.
func ChunkMessagesByMaxTokens(messages []*Message, maxTokens int) [][]*Message {
	if len(messages) == 0 {
		return nil
	}
	if maxTokens <= 0 {
		return [][]*Message{messages}
	}

	var result [][]*Message
	currentChunk := make([]*Message, 0)
	currentTokens := 0

	flush := func() {
		if len(currentChunk) > 0 {
			result = append(result, currentChunk)
			currentChunk = make([]*Message, 0)
			currentTokens = 0
		}
	}

	for _, msg := range messages {
		msgTokens := EstimateTokens(msg)
		if msgTokens > maxTokens {
			flush()
			result = append(result, []*Message{msg})
			continue
		}
		if currentTokens+msgTokens > maxTokens {
			flush()
		}
		currentChunk = append(currentChunk, msg)
		currentTokens += msgTokens
	}
	flush()
	return result
}

// ComputeAdaptiveChunkRatio shrinks BaseChunkRatio as average message
// size grows relative to the context window, so a history of a few huge
// messages doesn't get chunked the same way as many small ones.
func ComputeAdaptiveChunkRatio(messages []*Message, contextWindow int) float64 {
	if len(messages) == 0 || contextWindow <= 0 {
		return BaseChunkRatio
	}

	avgTokensPerMsg := float64(EstimateMessagesTokens(messages)) / float64(len(messages))
	windowRatio := avgTokensPerMsg / float64(contextWindow)

	ratio := BaseChunkRatio * (1 - windowRatio*SafetyMargin)
	switch {
	case ratio < MinChunkRatio:
		ratio = MinChunkRatio
	case ratio > BaseChunkRatio:
		ratio = BaseChunkRatio
	}
	return ratio
}

// IsOversizedForSummary reports whether msg alone exceeds
// OversizedThreshold's share of contextWindow.
func IsOversizedForSummary(msg *Message, contextWindow int) bool {
	if msg == nil || contextWindow <= 0 {
		return false
	}
	threshold := float64(contextWindow) * OversizedThreshold
	return float64(EstimateTokens(msg)) > threshold
}

// SummarizationConfig parameterizes a summarization pass: which model
// to call, how to chunk, and what context (previous summary, extra
// instructions) to carry into the prompt.
type SummarizationConfig struct {
	Model              string
	APIKey             string
	ReserveTokens      int
	MaxChunkTokens     int
	ContextWindow      int
	CustomInstructions string
	PreviousSummary    string
	Parts              int
	MinMessagesForSplit int
}

// DefaultSummarizationConfig returns the baseline every caller starts
// from before overriding individual fields.
func DefaultSummarizationConfig() *SummarizationConfig {
	return &SummarizationConfig{
		ReserveTokens:       2000,
		MaxChunkTokens:      20000,
		ContextWindow:       DefaultContextWindow,
		Parts:               DefaultParts,
		MinMessagesForSplit: DefaultMinMessagesForSplit,
	}
}

// Summarizer generates a natural-language summary of a set of messages.
// project.go's ProviderSummarizer is the production implementation,
// routing through a provider.Provider's fast completion path.
type Summarizer interface {
	GenerateSummary(ctx context.Context, messages []*Message, config *SummarizationConfig) (string, error)
}

// SummarizeChunks chunks messages to config.MaxChunkTokens (or a ratio
// of ContextWindow if unset), summarizes each chunk independently, and
// merges the results into one summary.
func SummarizeChunks(ctx context.Context, messages []*Message, summarizer Summarizer, config *SummarizationConfig) (string, error) {
	if len(messages) == 0 {
		return DefaultSummaryFallback, nil
	}
	if summarizer == nil {
		return "", fmt.Errorf("summarizer is nil")
	}
	if config == nil {
		config = DefaultSummarizationConfig()
	}

	maxChunkTokens := config.MaxChunkTokens
	if maxChunkTokens <= 0 {
		maxChunkTokens = int(float64(config.ContextWindow) * BaseChunkRatio)
	}

	chunks := ChunkMessagesByMaxTokens(messages, maxChunkTokens)
	if len(chunks) == 0 {
		return DefaultSummaryFallback, nil
	}
	if len(chunks) == 1 {
		return summarizer.GenerateSummary(ctx, chunks[0], config)
	}

	chunkSummaries := make([]string, 0, len(chunks))
	for i, chunk := range chunks {
		summary, err := summarizer.GenerateSummary(ctx, chunk, config)
		if err != nil {
			return "", fmt.Errorf("summarizing chunk %d: %w", i, err)
		}
		chunkSummaries = append(chunkSummaries, summary)
	}
	return mergeSummaries(ctx, chunkSummaries, summarizer, config)
}

// mergeSummaries folds several chunk summaries into one coherent pass
// by feeding them back to the summarizer as synthetic system messages.
func mergeSummaries(ctx context.Context, summaries []string, summarizer Summarizer, config *SummarizationConfig) (string, error) {
	if len(summaries) == 0 {
		return DefaultSummaryFallback, nil
	}
	if len(summaries) == 1 {
		return summaries[0], nil
	}

	mergeMessages := make([]*Message, len(summaries))
	for i, s := range summaries {
		mergeMessages[i] = &Message{
			Role:    "system",
			Content: fmt.Sprintf("Chunk %d summary:\n%s", i+1, s),
		}
	}

	mergeConfig := *config
	mergeInstructions := "Merge these chunk summaries into a single coherent summary. Preserve key details and maintain chronological flow."
	if config.CustomInstructions != "" {
		mergeInstructions = config.CustomInstructions + "\n\n" + mergeInstructions
	}
	mergeConfig.CustomInstructions = mergeInstructions

	return summarizer.GenerateSummary(ctx, mergeMessages, &mergeConfig)
}

// SummarizeWithFallback summarizes the messages that fit, and replaces
// any message too large to summarize with a note of its size rather
// than failing the whole pass.
func SummarizeWithFallback(ctx context.Context, messages []*Message, summarizer Summarizer, config *SummarizationConfig) (string, error) {
	if len(messages) == 0 {
		return DefaultSummaryFallback, nil
	}
	if summarizer == nil {
		return "", fmt.Errorf("summarizer is nil")
	}
	if config == nil {
		config = DefaultSummarizationConfig()
	}

	var normal []*Message
	var oversizedNotes []string
	for _, msg := range messages {
		if IsOversizedForSummary(msg, config.ContextWindow) {
			oversizedNotes = append(oversizedNotes, fmt.Sprintf(
				"[Oversized %s message with %d tokens - content omitted]", msg.Role, EstimateTokens(msg)))
			continue
		}
		normal = append(normal, msg)
	}

	summary := DefaultSummaryFallback
	if len(normal) > 0 {
		var err error
		summary, err = SummarizeChunks(ctx, normal, summarizer, config)
		if err != nil {
			return "", fmt.Errorf("summarizing normal messages: %w", err)
		}
	}
	if len(oversizedNotes) > 0 {
		summary = summary + "\n\n" + strings.Join(oversizedNotes, "\n")
	}
	return summary, nil
}

// SummarizeInStages splits long histories into config.Parts partitions,
// summarizes each with fallback handling, then merges the results —
// giving large histories a chance to be processed as independent pieces
// rather than one pass over everything.
func SummarizeInStages(ctx context.Context, messages []*Message, summarizer Summarizer, config *SummarizationConfig) (string, error) {
	if len(messages) == 0 {
		return DefaultSummaryFallback, nil
	}
	if summarizer == nil {
		return "", fmt.Errorf("summarizer is nil")
	}
	if config == nil {
		config = DefaultSummarizationConfig()
	}

	minMessages := config.MinMessagesForSplit
	if minMessages <= 0 {
		minMessages = DefaultMinMessagesForSplit
	}
	if len(messages) < minMessages {
		return SummarizeWithFallback(ctx, messages, summarizer, config)
	}

	parts := config.Parts
	if parts <= 0 {
		parts = DefaultParts
	}
	partitions := SplitMessagesByTokenShare(messages, parts)
	if len(partitions) <= 1 {
		return SummarizeWithFallback(ctx, messages, summarizer, config)
	}

	partSummaries := make([]string, 0, len(partitions))
	for i, partition := range partitions {
		summary, err := SummarizeWithFallback(ctx, partition, summarizer, config)
		if err != nil {
			return "", fmt.Errorf("summarizing part %d: %w", i, err)
		}
		partSummaries = append(partSummaries, summary)
	}

	if config.PreviousSummary != "" && config.PreviousSummary != DefaultSummaryFallback {
		partSummaries = append([]string{config.PreviousSummary}, partSummaries...)
	}
	return mergeSummaries(ctx, partSummaries, summarizer, config)
}

// PruneResult reports what PruneHistoryForContextShare kept and dropped.
type PruneResult struct {
	Messages        []*Message
	DroppedChunks   int
	DroppedMessages int
	DroppedTokens   int
	KeptTokens      int
	BudgetTokens    int
}

// PruneHistoryForContextShare keeps the most recent messages that fit
// within maxHistoryShare of maxContextTokens, dropping the oldest first.
// parts, if positive, is used only to report how many SplitMessagesByTokenShare
// chunks were dropped entirely — it does not change which messages are kept.
func PruneHistoryForContextShare(messages []*Message, maxContextTokens int, maxHistoryShare float64, parts int) *PruneResult {
	result := &PruneResult{Messages: messages, BudgetTokens: maxContextTokens}
	if len(messages) == 0 || maxContextTokens <= 0 {
		return result
	}
	if maxHistoryShare <= 0 || maxHistoryShare > 1 {
		maxHistoryShare = 1.0
	}

	budgetTokens := int(float64(maxContextTokens) * maxHistoryShare)
	result.BudgetTokens = budgetTokens

	totalTokens := EstimateMessagesTokens(messages)
	if totalTokens <= budgetTokens {
		result.KeptTokens = totalTokens
		return result
	}

	var keptMessages []*Message
	keptTokens := 0
	for i := len(messages) - 1; i >= 0; i-- {
		msgTokens := EstimateTokens(messages[i])
		if keptTokens+msgTokens > budgetTokens {
			break
		}
		keptMessages = append([]*Message{messages[i]}, keptMessages...)
		keptTokens += msgTokens
	}

	result.Messages = keptMessages
	result.DroppedMessages = len(messages) - len(keptMessages)
	result.DroppedTokens = totalTokens - keptTokens
	result.KeptTokens = keptTokens
	if parts > 0 && result.DroppedMessages > 0 {
		result.DroppedChunks = countDroppedChunks(messages, keptMessages, parts)
	}
	return result
}

// countDroppedChunks reports how many of SplitMessagesByTokenShare's
// chunks over the full message set contain none of the kept messages,
// identifying kept messages by pointer rather than an O(n^2) scan.
func countDroppedChunks(all, kept []*Message, parts int) int {
	keptSet := make(map[*Message]struct{}, len(kept))
	for _, msg := range kept {
		keptSet[msg] = struct{}{}
	}

	dropped := 0
	for _, chunk := range SplitMessagesByTokenShare(all, parts) {
		allDropped := true
		for _, msg := range chunk {
			if _, ok := keptSet[msg]; ok {
				allDropped = false
				break
			}
		}
		if allDropped {
			dropped++
		}
	}
	return dropped
}

// ResolveContextWindowTokens prefers a model-reported window, falling
// back to defaultContextWindow and finally DefaultContextWindow.
func ResolveContextWindowTokens(modelContextWindow, defaultContextWindow int) int {
	if modelContextWindow > 0 {
		return modelContextWindow
	}
	if defaultContextWindow > 0 {
		return defaultContextWindow
	}
	return DefaultContextWindow
}

// FormatMessagesForSummary renders messages as plain text suitable for
// inclusion in a summarization prompt.
func FormatMessagesForSummary(messages []*Message) string {
	var sb strings.Builder
	for _, msg := range messages {
		if msg == nil {
			continue
		}
		sb.WriteString(fmt.Sprintf("[%s]: %s", msg.Role, msg.Content))
		if msg.ToolCalls != "" {
			sb.WriteString(fmt.Sprintf("\n  [Tool calls: %s]", truncateString(msg.ToolCalls, 200)))
		}
		if msg.ToolResults != "" {
			sb.WriteString(fmt.Sprintf("\n  [Tool results: %s]", truncateString(msg.ToolResults, 200)))
		}
		sb.WriteString("\n\n")
	}
	return sb.String()
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
