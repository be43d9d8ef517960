package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// sseReconnectDelay is how long connectSSE waits before retrying a dropped
// streamable-HTTP notification channel.
const sseReconnectDelay = 5 * time.Second

// HTTPTransport speaks MCP's streamable-HTTP transport: JSON-RPC requests
// go out as individual POSTs, and an SSE stream carries the server's
// unsolicited notifications and server-initiated requests back.
type HTTPTransport struct {
	config *ServerConfig
	logger *slog.Logger
	client *http.Client

	events    chan *JSONRPCNotification
	requests  chan *JSONRPCRequest
	connected atomic.Bool
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

// NewHTTPTransport builds a transport bound to cfg. cfg.URL is required
// before Connect succeeds; cfg.Timeout governs both the HTTP client's
// per-call deadline and, via DefaultExtensionTimeout, its fallback.
func NewHTTPTransport(cfg *ServerConfig) *HTTPTransport {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultExtensionTimeout
	}
	return &HTTPTransport{
		config:   cfg,
		logger:   slog.Default().With("mcp_server", cfg.ID, "transport", "http"),
		client:   &http.Client{Timeout: timeout},
		events:   make(chan *JSONRPCNotification, 100),
		requests: make(chan *JSONRPCRequest, 100),
		stopChan: make(chan struct{}),
	}
}

// Connect marks the transport ready and starts the background SSE reader.
// There is no handshake at this layer — the MCP client issues the
// "initialize" RPC over Call once Connect returns.
func (t *HTTPTransport) Connect(ctx context.Context) error {
	if t.config.URL == "" {
		return fmt.Errorf("mcp http transport: url is required")
	}
	t.connected.Store(true)
	t.logger.Info("http transport ready", "url", t.config.URL)

	t.wg.Add(1)
	go t.sseLoop(ctx)
	return nil
}

// Close stops the SSE reader and marks the transport disconnected.
func (t *HTTPTransport) Close() error {
	t.connected.Store(false)
	close(t.stopChan)
	t.wg.Wait()
	return nil
}

// send POSTs an arbitrary JSON-RPC envelope and returns the raw response
// body, factoring out the header/timeout plumbing every one of Call,
// Notify, and Respond otherwise repeated line for line.
func (t *HTTPTransport) send(ctx context.Context, envelope any) (*http.Response, error) {
	if !t.connected.Load() {
		return nil, fmt.Errorf("mcp http transport: not connected")
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.config.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range t.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post to %s: %w", t.config.URL, err)
	}
	return resp, nil
}

// Call sends a JSON-RPC request and decodes its matching response.
func (t *HTTPTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	req := JSONRPCRequest{JSONRPC: "2.0", ID: uuid.New().String(), Method: method}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = paramsJSON
	}

	resp, err := t.send(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("extension returned http %d: %s", resp.StatusCode, string(errBody))
	}

	var rpcResp JSONRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("extension rpc error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	return rpcResp.Result, nil
}

// Notify sends a one-way JSON-RPC notification, discarding any response
// body — MCP notifications have no reply by definition.
func (t *HTTPTransport) Notify(ctx context.Context, method string, params any) error {
	notif := JSONRPCNotification{JSONRPC: "2.0", Method: method}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		notif.Params = paramsJSON
	}

	resp, err := t.send(ctx, notif)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Events exposes the channel of server-initiated notifications read off
// the SSE stream.
func (t *HTTPTransport) Events() <-chan *JSONRPCNotification {
	return t.events
}

// Requests exposes the channel of server-initiated requests read off the
// SSE stream (e.g. elicitation or sampling callbacks).
func (t *HTTPTransport) Requests() <-chan *JSONRPCRequest {
	return t.requests
}

// Respond answers a server-initiated request received via Requests.
func (t *HTTPTransport) Respond(ctx context.Context, id any, result any, rpcErr *JSONRPCError) error {
	resp := JSONRPCResponse{JSONRPC: "2.0", ID: id, Error: rpcErr}
	if rpcErr == nil && result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		resp.Result = data
	}

	httpResp, err := t.send(ctx, resp)
	if err != nil {
		return err
	}
	httpResp.Body.Close()
	return nil
}

// Connected reports whether Connect has succeeded and Close has not yet
// been called.
func (t *HTTPTransport) Connected() bool {
	return t.connected.Load()
}

// sseLoop keeps a notification stream alive for the transport's
// lifetime, reconnecting after sseReconnectDelay whenever the server
// drops the connection.
func (t *HTTPTransport) sseLoop(ctx context.Context) {
	defer t.wg.Done()

	sseURL := strings.TrimSuffix(t.config.URL, "/") + "/sse"

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopChan:
			return
		default:
		}

		t.connectSSE(ctx, sseURL)

		select {
		case <-ctx.Done():
			return
		case <-t.stopChan:
			return
		case <-time.After(sseReconnectDelay):
		}
	}
}

// connectSSE opens one SSE connection and drains it line by line until
// the server closes it or the transport is asked to stop.
func (t *HTTPTransport) connectSSE(ctx context.Context, sseURL string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sseURL, nil)
	if err != nil {
		t.logger.Debug("failed to build sse request", "error", err)
		return
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	for k, v := range t.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		t.logger.Debug("sse connection failed", "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.logger.Debug("sse endpoint returned non-200", "status", resp.StatusCode)
		return
	}
	t.logger.Debug("sse connected", "url", sseURL)

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		case <-t.stopChan:
			return
		default:
		}
		t.handleSSELine(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		t.logger.Debug("sse scanner stopped", "error", err)
	}
}

// handleSSELine parses one "data: {...}" SSE line into either a
// server-initiated request (has an id) or a notification (no id),
// dropping anything that isn't a data line or doesn't carry a method.
func (t *HTTPTransport) handleSSELine(line string) {
	const dataPrefix = "data: "
	if !strings.HasPrefix(line, dataPrefix) {
		return
	}
	data := strings.TrimPrefix(line, dataPrefix)

	var envelope struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      any             `json:"id"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params,omitempty"`
	}
	if err := json.Unmarshal([]byte(data), &envelope); err != nil || envelope.Method == "" {
		return
	}

	if envelope.ID != nil {
		req := &JSONRPCRequest{JSONRPC: envelope.JSONRPC, ID: envelope.ID, Method: envelope.Method, Params: envelope.Params}
		select {
		case t.requests <- req:
		default:
			t.logger.Warn("request channel full, dropping server-initiated request", "method", envelope.Method)
		}
		return
	}

	notif := &JSONRPCNotification{JSONRPC: envelope.JSONRPC, Method: envelope.Method, Params: envelope.Params}
	select {
	case t.events <- notif:
	default:
		t.logger.Warn("notification channel full, dropping event", "method", envelope.Method)
	}
}
