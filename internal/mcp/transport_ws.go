package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// mcpSubprotocol is the WebSocket subprotocol token MCP servers expect
// (spec.md §4.D item 3 / §6 "Transport surface").
const mcpSubprotocol = "mcp"

// wsPingInterval governs the library-level ping/pong keepalive spec.md §4.D
// requires of the WebSocket transport.
const wsPingInterval = 25 * time.Second

// WebSocketTransport implements the MCP WebSocket transport: one JSON
// message per text frame, no in-client reconnection — on disconnect the
// extension is marked failed and the session owner must re-add it.
type WebSocketTransport struct {
	config *ServerConfig
	logger *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn

	pending   map[string]chan *JSONRPCResponse
	pendingMu sync.Mutex

	events   chan *JSONRPCNotification
	requests chan *JSONRPCRequest

	connected atomic.Bool
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

// NewWebSocketTransport creates a new WebSocket transport.
func NewWebSocketTransport(cfg *ServerConfig) *WebSocketTransport {
	return &WebSocketTransport{
		config:   cfg,
		logger:   slog.Default().With("mcp_server", cfg.ID, "transport", "websocket"),
		pending:  make(map[string]chan *JSONRPCResponse),
		events:   make(chan *JSONRPCNotification, 100),
		requests: make(chan *JSONRPCRequest, 100),
		stopChan: make(chan struct{}),
	}
}

// wsURL rewrites an http(s):// URL to ws(s):// per spec.md §6.
func wsURL(raw string) string {
	switch {
	case strings.HasPrefix(raw, "https://"):
		return "wss://" + strings.TrimPrefix(raw, "https://")
	case strings.HasPrefix(raw, "http://"):
		return "ws://" + strings.TrimPrefix(raw, "http://")
	default:
		return raw
	}
}

// Connect dials the WebSocket server and starts the read loop.
func (t *WebSocketTransport) Connect(ctx context.Context) error {
	if t.config.URL == "" {
		return fmt.Errorf("URL is required for websocket transport")
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		Subprotocols:     []string{mcpSubprotocol},
	}

	header := make(map[string][]string)
	for k, v := range t.config.Headers {
		header[k] = []string{v}
	}

	conn, _, err := dialer.DialContext(ctx, wsURL(t.config.URL), header)
	if err != nil {
		return fmt.Errorf("dial websocket: %w", err)
	}
	conn.SetPingHandler(func(data string) error {
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(5*time.Second))
	})

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	t.connected.Store(true)
	t.logger.Info("websocket transport connected", "url", t.config.URL)

	t.wg.Add(2)
	go t.readLoop()
	go t.pingLoop()

	return nil
}

// Close closes the socket. Per spec.md §4.D item 3, the transport never
// reconnects on its own; the caller re-adds the extension if it wants one.
func (t *WebSocketTransport) Close() error {
	if !t.connected.CompareAndSwap(true, false) {
		return nil
	}
	close(t.stopChan)

	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(2*time.Second))
		conn.Close()
	}

	t.wg.Wait()
	return nil
}

func (t *WebSocketTransport) send(v any) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// Call sends a request and waits for its matching response.
func (t *WebSocketTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, fmt.Errorf("not connected")
	}

	id := uuid.New().String()
	req := JSONRPCRequest{JSONRPC: "2.0", ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = raw
	}

	respChan := make(chan *JSONRPCResponse, 1)
	t.pendingMu.Lock()
	t.pending[id] = respChan
	t.pendingMu.Unlock()
	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
	}()

	if err := t.send(req); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	timeout := t.config.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	select {
	case resp := <-respChan:
		if resp.Error != nil {
			return nil, fmt.Errorf("MCP error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, fmt.Errorf("request timeout after %v", timeout)
	case <-t.stopChan:
		return nil, fmt.Errorf("transport closed")
	}
}

// Notify sends a notification (no response expected).
func (t *WebSocketTransport) Notify(ctx context.Context, method string, params any) error {
	if !t.connected.Load() {
		return fmt.Errorf("not connected")
	}
	notif := JSONRPCNotification{JSONRPC: "2.0", Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		notif.Params = raw
	}
	return t.send(notif)
}

// Events returns the notification channel.
func (t *WebSocketTransport) Events() <-chan *JSONRPCNotification { return t.events }

// Requests returns the server-initiated-request channel.
func (t *WebSocketTransport) Requests() <-chan *JSONRPCRequest { return t.requests }

// Respond answers a server-initiated request.
func (t *WebSocketTransport) Respond(ctx context.Context, id any, result any, rpcErr *JSONRPCError) error {
	if !t.connected.Load() {
		return fmt.Errorf("not connected")
	}
	resp := JSONRPCResponse{JSONRPC: "2.0", ID: id, Error: rpcErr}
	if rpcErr == nil && result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		resp.Result = raw
	}
	return t.send(resp)
}

// Connected reports whether the socket is currently open.
func (t *WebSocketTransport) Connected() bool { return t.connected.Load() }

// pingLoop sends WebSocket ping control frames on an interval; gorilla/websocket
// answers peer pings automatically via the handler set in Connect, this
// loop is for keeping NAT/proxies from closing an otherwise idle socket.
func (t *WebSocketTransport) pingLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopChan:
			return
		case <-ticker.C:
			t.mu.Lock()
			conn := t.conn
			t.mu.Unlock()
			if conn == nil {
				continue
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				t.logger.Debug("ping failed", "error", err)
			}
		}
	}
}

// readLoop reads text frames and dispatches them as responses,
// server-initiated requests, or notifications. On any read error the
// extension is marked disconnected; this transport never reconnects.
func (t *WebSocketTransport) readLoop() {
	defer t.wg.Done()
	defer t.connected.Store(false)

	for {
		t.mu.Lock()
		conn := t.conn
		t.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-t.stopChan:
			default:
				t.logger.Warn("websocket read failed, marking extension failed", "error", err)
			}
			return
		}

		t.processMessage(data)
	}
}

func (t *WebSocketTransport) processMessage(data []byte) {
	var probe struct {
		ID     any    `json:"id"`
		Method string `json:"method"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		t.logger.Warn("malformed websocket frame", "error", err)
		return
	}

	if probe.Method != "" && probe.ID != nil {
		var req JSONRPCRequest
		if err := json.Unmarshal(data, &req); err == nil {
			select {
			case t.requests <- &req:
			default:
				t.logger.Warn("request channel full, dropping")
			}
		}
		return
	}

	if probe.Method != "" {
		var notif JSONRPCNotification
		if err := json.Unmarshal(data, &notif); err == nil {
			select {
			case t.events <- &notif:
			default:
				t.logger.Warn("notification channel full, dropping")
			}
		}
		return
	}

	var resp JSONRPCResponse
	if err := json.Unmarshal(data, &resp); err == nil && resp.ID != nil {
		id := fmt.Sprintf("%v", resp.ID)
		t.pendingMu.Lock()
		ch, ok := t.pending[id]
		if ok {
			delete(t.pending, id)
		}
		t.pendingMu.Unlock()
		if ok {
			select {
			case ch <- &resp:
			default:
			}
		}
	}
}
