// Package provider defines the uniform contract the reply loop drives any
// LLM backend through (spec.md §4.B). Concrete adapters (Anthropic, OpenAI,
// ...) live outside this module's tested surface — only the contract they
// satisfy is specified here.
package provider

import (
	"context"

	"github.com/loomrun/loom/internal/tokens"
	"github.com/loomrun/loom/pkg/conversation"
)

// Usage reports token consumption for a single completion. Fields are
// pointers because a provider may not report all of them; the core falls
// back to the token counter so downstream accounting is never left unset
// where a decision depends on it (spec.md §4.B).
type Usage struct {
	InputTokens  *int
	OutputTokens *int
	TotalTokens  *int
}

// ModelConfig describes a model's static characteristics.
type ModelConfig struct {
	Name         string
	ContextLimit int
	MaxTokens    int
	Temperature  *float64
	// FastModel, if set, names a cheaper companion model CompleteFast
	// should route to (e.g. for summarisation), grounded on the donor's
	// internal/agent/routing package.
	FastModel string
}

// ProviderMetadata is static, non-behavioural information about an
// adapter, used for display and capability checks.
type ProviderMetadata struct {
	Name            string
	SupportsTools   bool
	SupportsVision  bool
	SupportsStreaming bool
}

// StreamChunk is one piece of a streaming completion. Exactly one of Text,
// Thinking, ToolRequest, Done, or Err is meaningful per chunk; Usage is
// only populated on the final chunk.
type StreamChunk struct {
	Text          string
	Thinking      string
	ThinkingStart bool
	ThinkingEnd   bool
	ToolRequest   *conversation.ToolRequest
	Done          bool
	Err           error
	Usage         *Usage
}

// Provider is the capability set spec.md §4.B requires of any LLM backend:
// buffered completion, streaming completion, static configuration lookup,
// a cheap "fast" completion route for summarisation, and a streaming-
// support probe.
type Provider interface {
	// Complete performs a buffered completion, returning the full assistant
	// message plus usage.
	Complete(ctx context.Context, system string, messages []conversation.Message, tools []tokens.ToolSchema) (conversation.Message, Usage, error)

	// Stream performs a streaming completion, delivering chunks on the
	// returned channel until it is closed. The channel is always closed,
	// even on error (the final chunk carries Err).
	Stream(ctx context.Context, system string, messages []conversation.Message, tools []tokens.ToolSchema) (<-chan StreamChunk, error)

	// CompleteFast routes to a cheaper companion model (ModelConfig.FastModel)
	// when configured, falling back to Complete otherwise. Used by the
	// context manager for summarisation (spec.md §4.G step 3).
	CompleteFast(ctx context.Context, system string, messages []conversation.Message) (conversation.Message, Usage, error)

	// ModelConfig returns the active model's static configuration.
	ModelConfig() ModelConfig

	// SupportsStreaming reports whether Stream is backed by real streaming
	// or merely Complete wrapped in a single-chunk channel.
	SupportsStreaming() bool

	// Metadata returns static provider information.
	Metadata() ProviderMetadata
}
