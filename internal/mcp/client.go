package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// protocolVersion is the MCP wire version this client speaks during the
// initialize handshake.
const protocolVersion = "2024-11-05"

// Client is one live MCP connection: a Transport plus the capability
// cache (tools/resources/prompts) a Manager exposes to the rest of the
// agent core.
type Client struct {
	config    *ServerConfig
	transport Transport
	logger    *slog.Logger

	mu        sync.RWMutex
	tools     []*MCPTool
	resources []*MCPResource
	prompts   []*MCPPrompt

	serverInfo ServerInfo
}

// NewClient builds an unconnected client for cfg; call Connect before
// using it.
func NewClient(cfg *ServerConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		config:    cfg,
		transport: NewTransport(cfg),
		logger:    logger.With("mcp_server", cfg.ID),
	}
}

// Connect performs the transport handshake, the MCP initialize
// request/response, and an initial capability refresh.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.transport.Connect(ctx); err != nil {
		return fmt.Errorf("transport connect: %w", err)
	}

	result, err := c.transport.Call(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities": map[string]any{
			"roots": map[string]any{"listChanged": true},
		},
		"clientInfo": map[string]any{
			"name":    "loomd",
			"version": "1.0.0",
		},
	})
	if err != nil {
		c.transport.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	var initResult InitializeResult
	if err := json.Unmarshal(result, &initResult); err != nil {
		c.transport.Close()
		return fmt.Errorf("parse initialize result: %w", err)
	}
	c.serverInfo = initResult.ServerInfo
	c.logger.Info("mcp handshake complete",
		"name", c.serverInfo.Name,
		"version", c.serverInfo.Version,
		"protocol", initResult.ProtocolVersion)

	if err := c.transport.Notify(ctx, "notifications/initialized", nil); err != nil {
		c.logger.Warn("failed to send initialized notification", "error", err)
	}
	if err := c.RefreshCapabilities(ctx); err != nil {
		c.logger.Warn("failed to refresh capabilities", "error", err)
	}
	return nil
}

// Close tears down the underlying transport.
func (c *Client) Close() error {
	return c.transport.Close()
}

// Config returns the server configuration this client was built from.
func (c *Client) Config() *ServerConfig {
	return c.config
}

// ServerInfo returns the server's self-reported identity from the
// initialize handshake.
func (c *Client) ServerInfo() ServerInfo {
	return c.serverInfo
}

// Connected reports whether the underlying transport is live.
func (c *Client) Connected() bool {
	return c.transport.Connected()
}

// listInto calls method and unmarshals its result into dst, silently
// leaving the existing cached value in place on any error — a server
// that transiently fails one list call shouldn't wipe out a
// previously-good capability list.
func listInto[T any](ctx context.Context, c *Client, method string, dst *T, label string) {
	result, err := c.transport.Call(ctx, method, nil)
	if err != nil {
		c.logger.Debug("capability refresh call failed", "method", method, "error", err)
		return
	}
	if err := json.Unmarshal(result, dst); err != nil {
		c.logger.Debug("capability refresh decode failed", "method", method, "error", err)
		return
	}
	c.logger.Debug("refreshed "+label, "method", method)
}

// RefreshCapabilities re-fetches the server's tool, resource, and prompt
// lists and replaces the cached values.
func (c *Client) RefreshCapabilities(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var tools ListToolsResult
	listInto(ctx, c, "tools/list", &tools, "tools")
	if tools.Tools != nil {
		c.tools = tools.Tools
	}

	var resources ListResourcesResult
	listInto(ctx, c, "resources/list", &resources, "resources")
	if resources.Resources != nil {
		c.resources = resources.Resources
	}

	var prompts ListPromptsResult
	listInto(ctx, c, "prompts/list", &prompts, "prompts")
	if prompts.Prompts != nil {
		c.prompts = prompts.Prompts
	}
	return nil
}

// Tools returns the most recently cached tool list.
func (c *Client) Tools() []*MCPTool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tools
}

// Resources returns the most recently cached resource list.
func (c *Client) Resources() []*MCPResource {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.resources
}

// Prompts returns the most recently cached prompt list.
func (c *Client) Prompts() []*MCPPrompt {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.prompts
}

// CallTool invokes name on the server with the given arguments.
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]any) (*ToolCallResult, error) {
	params := CallToolParams{Name: name}
	if arguments != nil {
		argsJSON, err := json.Marshal(arguments)
		if err != nil {
			return nil, fmt.Errorf("marshal arguments: %w", err)
		}
		params.Arguments = argsJSON
	}

	result, err := c.transport.Call(ctx, "tools/call", params)
	if err != nil {
		return nil, err
	}
	var callResult ToolCallResult
	if err := json.Unmarshal(result, &callResult); err != nil {
		return nil, fmt.Errorf("parse tool call result: %w", err)
	}
	return &callResult, nil
}

// ReadResource fetches one resource's contents by URI.
func (c *Client) ReadResource(ctx context.Context, uri string) ([]*ResourceContent, error) {
	result, err := c.transport.Call(ctx, "resources/read", map[string]any{"uri": uri})
	if err != nil {
		return nil, err
	}
	var readResult ReadResourceResult
	if err := json.Unmarshal(result, &readResult); err != nil {
		return nil, fmt.Errorf("parse resource read result: %w", err)
	}
	return readResult.Contents, nil
}

// GetPrompt resolves a named prompt template with the given arguments.
func (c *Client) GetPrompt(ctx context.Context, name string, arguments map[string]string) (*GetPromptResult, error) {
	result, err := c.transport.Call(ctx, "prompts/get", map[string]any{
		"name":      name,
		"arguments": arguments,
	})
	if err != nil {
		return nil, err
	}
	var promptResult GetPromptResult
	if err := json.Unmarshal(result, &promptResult); err != nil {
		return nil, fmt.Errorf("parse prompt result: %w", err)
	}
	return &promptResult, nil
}

// Events exposes the transport's server-initiated notification stream.
func (c *Client) Events() <-chan *JSONRPCNotification {
	return c.transport.Events()
}

// SamplingHandler answers a server-initiated "sampling/createMessage"
// request — the server asking the agent's own model to generate a
// completion on its behalf.
type SamplingHandler func(ctx context.Context, req *SamplingRequest) (*SamplingResponse, error)

// HandleSampling starts a background goroutine dispatching every
// sampling request the transport receives to handler. A nil handler is
// a no-op (sampling support is opt-in per server).
func (c *Client) HandleSampling(handler SamplingHandler) {
	if handler == nil {
		return
	}
	go func() {
		for req := range c.transport.Requests() {
			if req == nil || req.Method != "sampling/createMessage" {
				continue
			}
			go c.handleSamplingRequest(req, handler)
		}
	}()
}

func (c *Client) handleSamplingRequest(req *JSONRPCRequest, handler SamplingHandler) {
	timeout := c.config.Timeout
	if timeout <= 0 {
		timeout = DefaultExtensionTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var params SamplingRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			_ = c.transport.Respond(ctx, req.ID, nil, &JSONRPCError{
				Code:    ErrCodeInvalidParams,
				Message: "invalid sampling params",
			})
			return
		}
	}

	response, err := handler(ctx, &params)
	if err != nil {
		_ = c.transport.Respond(ctx, req.ID, nil, &JSONRPCError{
			Code:    ErrCodeInternalError,
			Message: err.Error(),
		})
		return
	}
	if response == nil {
		_ = c.transport.Respond(ctx, req.ID, nil, &JSONRPCError{
			Code:    ErrCodeInternalError,
			Message: "sampling handler returned nil response",
		})
		return
	}
	if err := c.transport.Respond(ctx, req.ID, response, nil); err != nil {
		c.logger.Warn("failed to respond to sampling request", "error", err)
	}
}
