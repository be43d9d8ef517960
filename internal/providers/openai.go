package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/loomrun/loom/internal/provider"
	"github.com/loomrun/loom/internal/tokens"
	"github.com/loomrun/loom/pkg/conversation"
)

// OpenAIConfig configures an OpenAI adapter.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	FastModel    string
	MaxTokens    int
	ContextLimit int
}

// OpenAI implements internal/provider.Provider against the Chat
// Completions streaming API, grounded on the donor's
// internal/agent/providers.OpenAIProvider: same go-openai client and
// streaming-chunk assembly (accumulate tool-call deltas by index, flush
// on finish_reason == "tool_calls" or stream EOF), re-targeted at
// pkg/conversation types instead of the donor's agent.CompletionChunk.
type OpenAI struct {
	client *openai.Client
	cfg    OpenAIConfig
}

// NewOpenAI builds an adapter. cfg.DefaultModel and cfg.MaxTokens fall
// back to sensible values when zero.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("providers: openai API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gpt-4o"
	}
	if cfg.FastModel == "" {
		cfg.FastModel = "gpt-4o-mini"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.ContextLimit <= 0 {
		cfg.ContextLimit = 128000
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAI{client: openai.NewClientWithConfig(clientCfg), cfg: cfg}, nil
}

func (p *OpenAI) ModelConfig() provider.ModelConfig {
	return provider.ModelConfig{
		Name:         p.cfg.DefaultModel,
		ContextLimit: p.cfg.ContextLimit,
		MaxTokens:    p.cfg.MaxTokens,
		FastModel:    p.cfg.FastModel,
	}
}

func (p *OpenAI) SupportsStreaming() bool { return true }

func (p *OpenAI) Metadata() provider.ProviderMetadata {
	return provider.ProviderMetadata{
		Name:              "openai",
		SupportsTools:     true,
		SupportsVision:    true,
		SupportsStreaming: true,
	}
}

func (p *OpenAI) Complete(ctx context.Context, system string, messages []conversation.Message, tools []tokens.ToolSchema) (conversation.Message, provider.Usage, error) {
	return p.complete(ctx, p.cfg.DefaultModel, system, messages, tools)
}

func (p *OpenAI) CompleteFast(ctx context.Context, system string, messages []conversation.Message) (conversation.Message, provider.Usage, error) {
	model := p.cfg.FastModel
	if model == "" {
		model = p.cfg.DefaultModel
	}
	return p.complete(ctx, model, system, messages, nil)
}

func (p *OpenAI) complete(ctx context.Context, model, system string, messages []conversation.Message, toolSchemas []tokens.ToolSchema) (conversation.Message, provider.Usage, error) {
	chunks, err := p.stream(ctx, model, system, messages, toolSchemas)
	if err != nil {
		return conversation.Message{}, provider.Usage{}, err
	}
	return collectChunks(chunks)
}

func (p *OpenAI) Stream(ctx context.Context, system string, messages []conversation.Message, tools []tokens.ToolSchema) (<-chan provider.StreamChunk, error) {
	return p.stream(ctx, p.cfg.DefaultModel, system, messages, tools)
}

func (p *OpenAI) stream(ctx context.Context, model, system string, messages []conversation.Message, toolSchemas []tokens.ToolSchema) (<-chan provider.StreamChunk, error) {
	oaiMessages, err := convertMessagesToOpenAI(system, messages)
	if err != nil {
		return nil, provider.NewError(provider.ErrRequestFailed, fmt.Errorf("openai: convert messages: %w", err))
	}

	req := openai.ChatCompletionRequest{
		Model:     model,
		Messages:  oaiMessages,
		Stream:    true,
		MaxTokens: p.cfg.MaxTokens,
	}
	if len(toolSchemas) > 0 {
		req.Tools = convertToolsToOpenAI(toolSchemas)
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, classifyOpenAIError(err)
	}

	out := make(chan provider.StreamChunk, 16)
	go processOpenAIStream(stream, out)
	return out, nil
}

// openaiToolCall accumulates one tool call's streamed argument fragments,
// matching the donor's processStream's toolCalls map keyed by delta index.
type openaiToolCall struct {
	id   string
	name string
	args strings.Builder
}

func processOpenAIStream(stream *openai.ChatCompletionStream, out chan<- provider.StreamChunk) {
	defer close(out)
	defer stream.Close()

	toolCalls := make(map[int]*openaiToolCall)
	flushToolCalls := func() {
		for _, tc := range toolCalls {
			if tc.id == "" || tc.name == "" {
				continue
			}
			out <- provider.StreamChunk{ToolRequest: &conversation.ToolRequest{
				ID:        tc.id,
				ToolName:  tc.name,
				Arguments: json.RawMessage(tc.args.String()),
			}}
		}
		toolCalls = make(map[int]*openaiToolCall)
	}

	for {
		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				flushToolCalls()
				out <- provider.StreamChunk{Done: true}
				return
			}
			out <- provider.StreamChunk{Err: classifyOpenAIError(err)}
			return
		}

		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]
		delta := choice.Delta

		if delta.Content != "" {
			out <- provider.StreamChunk{Text: delta.Content}
		}
		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			entry, ok := toolCalls[index]
			if !ok {
				entry = &openaiToolCall{}
				toolCalls[index] = entry
			}
			if tc.ID != "" {
				entry.id = tc.ID
			}
			if tc.Function.Name != "" {
				entry.name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				entry.args.WriteString(tc.Function.Arguments)
			}
		}
		if choice.FinishReason == openai.FinishReasonToolCalls {
			flushToolCalls()
		}
	}
}

func convertMessagesToOpenAI(system string, messages []conversation.Message) ([]openai.ChatCompletionMessage, error) {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}

	for _, m := range messages {
		role := openai.ChatMessageRoleUser
		if m.Role == conversation.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}

		var text strings.Builder
		var imageParts []openai.ChatMessagePart
		var toolCalls []openai.ToolCall
		var toolResults []openai.ChatCompletionMessage

		for _, part := range m.Parts {
			switch v := part.(type) {
			case conversation.Text:
				text.WriteString(v.Value)
			case conversation.Thinking:
				text.WriteString(v.Value)
			case conversation.Image:
				imageParts = append(imageParts, openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{
						URL:    fmt.Sprintf("data:%s;base64,%s", v.MimeType, v.Data),
						Detail: openai.ImageURLDetailAuto,
					},
				})
			case conversation.ToolRequest:
				toolCalls = append(toolCalls, openai.ToolCall{
					ID:   v.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      v.ToolName,
						Arguments: string(v.Arguments),
					},
				})
			case conversation.ToolResponse:
				content := v.Result.Text()
				if v.Result.IsError() {
					content = v.Result.Err
				}
				toolResults = append(toolResults, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    content,
					ToolCallID: v.ID,
				})
			}
		}

		if len(imageParts) > 0 {
			if text.Len() > 0 {
				imageParts = append([]openai.ChatMessagePart{{Type: openai.ChatMessagePartTypeText, Text: text.String()}}, imageParts...)
			}
			result = append(result, openai.ChatCompletionMessage{Role: role, MultiContent: imageParts})
		} else if text.Len() > 0 || len(toolCalls) > 0 {
			result = append(result, openai.ChatCompletionMessage{Role: role, Content: text.String(), ToolCalls: toolCalls})
		}
		result = append(result, toolResults...)
	}
	return result, nil
}

func convertToolsToOpenAI(schemas []tokens.ToolSchema) []openai.Tool {
	result := make([]openai.Tool, 0, len(schemas))
	for _, t := range schemas {
		var params any
		if len(t.Schema) > 0 {
			if err := json.Unmarshal(t.Schema, &params); err != nil {
				params = map[string]any{"type": "object", "properties": map[string]any{}}
			}
		} else {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result = append(result, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return result
}

// classifyOpenAIError maps go-openai's *openai.APIError (and context
// errors) into the shared provider error taxonomy by HTTP status,
// mirroring the donor's isRetryableError string-matching but against the
// typed error the SDK actually returns.
func classifyOpenAIError(err error) *provider.Error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return provider.NewError(provider.ErrAuthentication, err)
		case http.StatusTooManyRequests:
			return provider.NewError(provider.ErrRateLimitExceeded, err)
		case http.StatusBadRequest:
			if strings.Contains(strings.ToLower(apiErr.Message), "context") ||
				strings.Contains(strings.ToLower(apiErr.Message), "maximum context length") {
				return provider.NewError(provider.ErrContextLengthExceeded, err)
			}
			return provider.NewError(provider.ErrRequestFailed, err)
		default:
			if apiErr.HTTPStatusCode >= 500 {
				return provider.NewError(provider.ErrServerError, err)
			}
			return provider.NewError(provider.ErrRequestFailed, err)
		}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode >= 500 {
		return provider.NewError(provider.ErrServerError, err)
	}
	return provider.NewError(provider.ErrRequestFailed, err)
}
