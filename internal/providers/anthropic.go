// Package providers holds concrete internal/provider.Provider adapters.
// Per SPEC_FULL.md §11 only the two backends the donor's own go.mod
// already depended on directly are kept: Anthropic and OpenAI. Every
// other donor adapter (Azure, Bedrock, Google, Ollama, OpenRouter,
// Copilot-proxy) used a dependency SPEC_FULL.md drops (cloud SDKs beyond
// these two, or no SDK at all) and is not carried forward.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/loomrun/loom/internal/provider"
	"github.com/loomrun/loom/internal/tokens"
	"github.com/loomrun/loom/pkg/conversation"
)

// AnthropicConfig configures an Anthropic adapter.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	FastModel    string // companion model for CompleteFast, e.g. a Haiku tier
	MaxTokens    int
	ContextLimit int
}

// Anthropic implements internal/provider.Provider against Claude's
// Messages API, grounded on the donor's internal/agent/providers
// AnthropicProvider: same SDK, same event-by-event stream assembly
// (message_start → content_block_start/delta/stop → message_delta →
// message_stop), re-targeted at pkg/conversation types instead of the
// donor's flat agent.CompletionMessage/ToolCall structs.
type Anthropic struct {
	client anthropic.Client
	cfg    AnthropicConfig
}

// NewAnthropic builds an adapter. cfg.DefaultModel and cfg.MaxTokens fall
// back to sensible values when zero.
func NewAnthropic(cfg AnthropicConfig) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("providers: anthropic API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-20250514"
	}
	if cfg.FastModel == "" {
		cfg.FastModel = "claude-3-5-haiku-20241022"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.ContextLimit <= 0 {
		cfg.ContextLimit = 200000
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Anthropic{client: anthropic.NewClient(opts...), cfg: cfg}, nil
}

func (p *Anthropic) ModelConfig() provider.ModelConfig {
	return provider.ModelConfig{
		Name:         p.cfg.DefaultModel,
		ContextLimit: p.cfg.ContextLimit,
		MaxTokens:    p.cfg.MaxTokens,
		FastModel:    p.cfg.FastModel,
	}
}

func (p *Anthropic) SupportsStreaming() bool { return true }

func (p *Anthropic) Metadata() provider.ProviderMetadata {
	return provider.ProviderMetadata{
		Name:              "anthropic",
		SupportsTools:     true,
		SupportsVision:    true,
		SupportsStreaming: true,
	}
}

func (p *Anthropic) Complete(ctx context.Context, system string, messages []conversation.Message, tools []tokens.ToolSchema) (conversation.Message, provider.Usage, error) {
	return p.complete(ctx, p.cfg.DefaultModel, system, messages, tools)
}

func (p *Anthropic) CompleteFast(ctx context.Context, system string, messages []conversation.Message) (conversation.Message, provider.Usage, error) {
	model := p.cfg.FastModel
	if model == "" {
		model = p.cfg.DefaultModel
	}
	return p.complete(ctx, model, system, messages, nil)
}

func (p *Anthropic) complete(ctx context.Context, model, system string, messages []conversation.Message, tools []tokens.ToolSchema) (conversation.Message, provider.Usage, error) {
	chunks, err := p.stream(ctx, model, system, messages, tools)
	if err != nil {
		return conversation.Message{}, provider.Usage{}, err
	}
	msg, usage, streamErr := collectChunks(chunks)
	return msg, usage, streamErr
}

func (p *Anthropic) Stream(ctx context.Context, system string, messages []conversation.Message, tools []tokens.ToolSchema) (<-chan provider.StreamChunk, error) {
	return p.stream(ctx, p.cfg.DefaultModel, system, messages, tools)
}

func (p *Anthropic) stream(ctx context.Context, model, system string, messages []conversation.Message, toolSchemas []tokens.ToolSchema) (<-chan provider.StreamChunk, error) {
	msgParams, err := convertMessagesToAnthropic(messages)
	if err != nil {
		return nil, provider.NewError(provider.ErrRequestFailed, fmt.Errorf("anthropic: convert messages: %w", err))
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  msgParams,
		MaxTokens: int64(p.cfg.MaxTokens),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if len(toolSchemas) > 0 {
		toolParams, err := convertToolsToAnthropic(toolSchemas)
		if err != nil {
			return nil, provider.NewError(provider.ErrRequestFailed, fmt.Errorf("anthropic: convert tools: %w", err))
		}
		params.Tools = toolParams
	}

	anthStream := p.client.Messages.NewStreaming(ctx, params)
	out := make(chan provider.StreamChunk, 16)
	go processAnthropicStream(anthStream, out)
	return out, nil
}

func processAnthropicStream(stream interface {
	Next() bool
	Current() anthropic.MessageStreamEventUnion
	Err() error
}, out chan<- provider.StreamChunk) {
	defer close(out)

	var toolID, toolName string
	var toolInput strings.Builder
	var inThinking bool
	var inputTokens, outputTokens int

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			if start.Message.Usage.InputTokens > 0 {
				inputTokens = int(start.Message.Usage.InputTokens)
			}
		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			switch block.Type {
			case "thinking":
				inThinking = true
				out <- provider.StreamChunk{ThinkingStart: true}
			case "tool_use":
				tu := block.AsToolUse()
				toolID, toolName = tu.ID, tu.Name
				toolInput.Reset()
			}
		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					out <- provider.StreamChunk{Text: delta.Text}
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					out <- provider.StreamChunk{Thinking: delta.Thinking}
				}
			case "input_json_delta":
				toolInput.WriteString(delta.PartialJSON)
			}
		case "content_block_stop":
			switch {
			case inThinking:
				inThinking = false
				out <- provider.StreamChunk{ThinkingEnd: true}
			case toolID != "":
				out <- provider.StreamChunk{ToolRequest: &conversation.ToolRequest{
					ID:        toolID,
					ToolName:  toolName,
					Arguments: json.RawMessage(toolInput.String()),
				}}
				toolID, toolName = "", ""
			}
		case "message_delta":
			if u := event.AsMessageDelta().Usage; u.OutputTokens > 0 {
				outputTokens = int(u.OutputTokens)
			}
		case "message_stop":
			in, outT := inputTokens, outputTokens
			out <- provider.StreamChunk{Done: true, Usage: &provider.Usage{InputTokens: &in, OutputTokens: &outT}}
			return
		case "error":
			out <- provider.StreamChunk{Err: provider.NewError(provider.ErrServerError, errors.New("anthropic: stream error event"))}
			return
		}
	}
	if err := stream.Err(); err != nil {
		out <- provider.StreamChunk{Err: classifyAnthropicError(err)}
	}
}

// collectChunks drains a StreamChunk channel into a single assistant
// Message plus its Usage, the same buffering Complete needs on top of a
// Provider that only streams natively.
func collectChunks(chunks <-chan provider.StreamChunk) (conversation.Message, provider.Usage, error) {
	var parts []conversation.Part
	var text strings.Builder
	var thinking strings.Builder
	var usage provider.Usage

	flushText := func() {
		if text.Len() > 0 {
			parts = append(parts, conversation.Text{Value: text.String()})
			text.Reset()
		}
	}
	flushThinking := func() {
		if thinking.Len() > 0 {
			parts = append(parts, conversation.Thinking{Value: thinking.String()})
			thinking.Reset()
		}
	}

	for c := range chunks {
		switch {
		case c.Err != nil:
			return conversation.Message{}, usage, c.Err
		case c.ThinkingStart:
			flushText()
		case c.ThinkingEnd:
			flushThinking()
		case c.Thinking != "":
			thinking.WriteString(c.Thinking)
		case c.Text != "":
			text.WriteString(c.Text)
		case c.ToolRequest != nil:
			flushText()
			parts = append(parts, *c.ToolRequest)
		case c.Done:
			flushText()
			flushThinking()
			if c.Usage != nil {
				usage = *c.Usage
			}
		}
	}
	msg := conversation.Message{Role: conversation.RoleAssistant, Parts: parts, Visibility: conversation.Both()}
	return msg, usage, nil
}

func convertMessagesToAnthropic(messages []conversation.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for _, m := range messages {
		var blocks []anthropic.ContentBlockParamUnion
		for _, p := range m.Parts {
			switch v := p.(type) {
			case conversation.Text:
				if v.Value != "" {
					blocks = append(blocks, anthropic.NewTextBlock(v.Value))
				}
			case conversation.Image:
				blocks = append(blocks, anthropic.NewImageBlockBase64(v.MimeType, v.Data))
			case conversation.ToolRequest:
				var input any
				if len(v.Arguments) > 0 {
					if err := json.Unmarshal(v.Arguments, &input); err != nil {
						return nil, fmt.Errorf("tool request %s: %w", v.ID, err)
					}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(v.ID, input, v.ToolName))
			case conversation.ToolResponse:
				if v.Result.IsError() {
					blocks = append(blocks, anthropic.NewToolResultBlock(v.ID, v.Result.Err, true))
				} else {
					blocks = append(blocks, anthropic.NewToolResultBlock(v.ID, v.Result.Text(), false))
				}
			case conversation.Thinking:
				// Best-effort: Claude requires signed thinking blocks to echo
				// a signature we do not carry; downgrade to text so the
				// content is not silently dropped from context.
				if v.Value != "" {
					blocks = append(blocks, anthropic.NewTextBlock(v.Value))
				}
			}
		}
		if len(blocks) == 0 {
			continue
		}
		if m.Role == conversation.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(blocks...))
		} else {
			result = append(result, anthropic.NewUserMessage(blocks...))
		}
	}
	return result, nil
}

func convertToolsToAnthropic(schemas []tokens.ToolSchema) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, t := range schemas {
		var schema anthropic.ToolInputSchemaParam
		if len(t.Schema) > 0 {
			if err := json.Unmarshal(t.Schema, &schema); err != nil {
				return nil, fmt.Errorf("tool %s: invalid schema: %w", t.Name, err)
			}
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, t.Name)
		if toolParam.OfTool != nil {
			toolParam.OfTool.Description = anthropic.String(t.Description)
		}
		result = append(result, toolParam)
	}
	return result, nil
}

// classifyAnthropicError maps the SDK's *anthropic.Error into spec.md §7's
// provider error taxonomy by HTTP status, grounded on the donor's
// wrapError (status-code-driven classification, donor's own failover
// reasons collapsed into the spec's narrower ErrorKind set).
func classifyAnthropicError(err error) *provider.Error {
	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return provider.NewError(provider.ErrRequestFailed, err)
	}
	switch apiErr.StatusCode {
	case 401, 403:
		return provider.NewError(provider.ErrAuthentication, err)
	case 429:
		return provider.NewError(provider.ErrRateLimitExceeded, err)
	case 400:
		if strings.Contains(strings.ToLower(apiErr.Error()), "too long") ||
			strings.Contains(strings.ToLower(apiErr.Error()), "context") {
			return provider.NewError(provider.ErrContextLengthExceeded, err)
		}
		return provider.NewError(provider.ErrRequestFailed, err)
	default:
		if apiErr.StatusCode >= 500 {
			return provider.NewError(provider.ErrServerError, err)
		}
		return provider.NewError(provider.ErrRequestFailed, err)
	}
}
