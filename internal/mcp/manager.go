package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultExtensionTimeout is the per-RPC ceiling applied to a server whose
// ServerConfig.Timeout is unset (spec.md §4.D's 30s default).
const DefaultExtensionTimeout = 30 * time.Second

// Manager owns the set of MCP server connections a loomd process
// maintains for the lifetime of one extension set (spec.md §4.D):
// starting the auto-start subset at boot, connecting/disconnecting
// servers on demand, and fanning tool/resource/prompt listings and calls
// out to the right underlying Client.
type Manager struct {
	config  *Config
	logger  *slog.Logger
	clients map[string]*Client

	mu sync.RWMutex
}

// Config is the set of MCP servers a Manager may connect to.
type Config struct {
	Enabled bool            `yaml:"enabled"`
	Servers []*ServerConfig `yaml:"servers"`
}

// NewManager builds a Manager over cfg. A nil logger falls back to
// slog.Default() so callers in tests don't need to thread one through.
func NewManager(cfg *Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		config:  cfg,
		logger:  logger.With("component", "mcp"),
		clients: make(map[string]*Client),
	}
}

// Start connects every server configured with AutoStart, logging and
// continuing past any individual failure so one misconfigured extension
// doesn't block the rest of the fleet from coming up.
func (m *Manager) Start(ctx context.Context) error {
	if m.config == nil || !m.config.Enabled {
		m.logger.Debug("mcp disabled, no servers to start")
		return nil
	}

	for _, serverCfg := range m.config.Servers {
		if !serverCfg.AutoStart {
			continue
		}
		if err := m.Connect(ctx, serverCfg.ID); err != nil {
			m.logger.Error("extension failed to connect at startup",
				"server", serverCfg.ID, "error", err)
		}
	}
	return nil
}

// Stop closes every live connection. Errors are logged, not returned,
// since a shutdown path should still release the rest of the clients.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, client := range m.clients {
		if err := client.Close(); err != nil {
			m.logger.Error("failed to close extension connection", "server", id, "error", err)
		}
		delete(m.clients, id)
	}
	return nil
}

func (m *Manager) findServerConfig(serverID string) *ServerConfig {
	if m.config == nil {
		return nil
	}
	for _, cfg := range m.config.Servers {
		if cfg.ID == serverID {
			return cfg
		}
	}
	return nil
}

// Connect establishes (or, if already connected, no-ops) the connection
// to the named server, bounding the handshake by the server's configured
// timeout (or DefaultExtensionTimeout).
func (m *Manager) Connect(ctx context.Context, serverID string) error {
	serverCfg := m.findServerConfig(serverID)
	if serverCfg == nil {
		return fmt.Errorf("extension %q not found in config", serverID)
	}

	m.mu.RLock()
	_, exists := m.clients[serverID]
	m.mu.RUnlock()
	if exists {
		return nil
	}

	timeout := serverCfg.Timeout
	if timeout <= 0 {
		timeout = DefaultExtensionTimeout
	}
	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client := NewClient(serverCfg, m.logger)
	if err := client.Connect(connectCtx); err != nil {
		return fmt.Errorf("connect to extension %q: %w", serverID, err)
	}

	m.mu.Lock()
	m.clients[serverID] = client
	m.mu.Unlock()

	m.logger.Info("extension connected", "server", serverID, "name", client.ServerInfo().Name)
	return nil
}

// Disconnect closes and forgets one server's connection. Disconnecting an
// unknown or already-disconnected server is a no-op.
func (m *Manager) Disconnect(serverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	client, exists := m.clients[serverID]
	if !exists {
		return nil
	}
	if err := client.Close(); err != nil {
		return err
	}
	delete(m.clients, serverID)
	m.logger.Info("extension disconnected", "server", serverID)
	return nil
}

// Client returns the live connection for serverID, if connected.
func (m *Manager) Client(serverID string) (*Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	client, exists := m.clients[serverID]
	return client, exists
}

// Clients returns a snapshot of every currently connected client, keyed
// by server id.
func (m *Manager) Clients() map[string]*Client {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]*Client, len(m.clients))
	for id, client := range m.clients {
		out[id] = client
	}
	return out
}

// SetSamplingHandler installs handler on every client connected at the
// time of the call, so their servers' sampling requests are answered by
// it. Clients connected afterwards do not receive it. A nil handler
// changes nothing.
func (m *Manager) SetSamplingHandler(handler SamplingHandler) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, client := range m.clients {
		client.HandleSampling(handler)
	}
}

// AllTools returns every connected server's advertised tools, keyed by
// server id. Servers with no tools are omitted rather than appearing
// with an empty slice.
func (m *Manager) AllTools() map[string][]*MCPTool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string][]*MCPTool)
	for id, client := range m.clients {
		if tools := client.Tools(); len(tools) > 0 {
			out[id] = tools
		}
	}
	return out
}

// AllResources returns every connected server's advertised resources,
// keyed by server id.
func (m *Manager) AllResources() map[string][]*MCPResource {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string][]*MCPResource)
	for id, client := range m.clients {
		if resources := client.Resources(); len(resources) > 0 {
			out[id] = resources
		}
	}
	return out
}

// AllPrompts returns every connected server's advertised prompts, keyed
// by server id.
func (m *Manager) AllPrompts() map[string][]*MCPPrompt {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string][]*MCPPrompt)
	for id, client := range m.clients {
		if prompts := client.Prompts(); len(prompts) > 0 {
			out[id] = prompts
		}
	}
	return out
}

// CallTool invokes a tool on one specific connected server.
func (m *Manager) CallTool(ctx context.Context, serverID, toolName string, arguments map[string]any) (*ToolCallResult, error) {
	client, exists := m.Client(serverID)
	if !exists {
		return nil, fmt.Errorf("extension %q not connected", serverID)
	}
	return client.CallTool(ctx, toolName, arguments)
}

// FindTool locates a tool by its bare (un-namespaced) name across every
// connected server, returning the owning server's id alongside it. The
// empty string/nil pair means no connected server advertises that name.
func (m *Manager) FindTool(name string) (serverID string, tool *MCPTool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for id, client := range m.clients {
		for _, t := range client.Tools() {
			if t.Name == name {
				return id, t
			}
		}
	}
	return "", nil
}

// ReadResource reads one resource from one specific connected server.
func (m *Manager) ReadResource(ctx context.Context, serverID, uri string) ([]*ResourceContent, error) {
	client, exists := m.Client(serverID)
	if !exists {
		return nil, fmt.Errorf("extension %q not connected", serverID)
	}
	return client.ReadResource(ctx, uri)
}

// GetPrompt resolves one prompt from one specific connected server.
func (m *Manager) GetPrompt(ctx context.Context, serverID, name string, arguments map[string]string) (*GetPromptResult, error) {
	client, exists := m.Client(serverID)
	if !exists {
		return nil, fmt.Errorf("extension %q not connected", serverID)
	}
	return client.GetPrompt(ctx, name, arguments)
}

// ToolSchema is a flattened, server-tagged view of one tool's input
// schema, shaped for handing to a provider's tool-definition list.
type ToolSchema struct {
	ServerID    string          `json:"server_id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// ToolSchemas flattens every connected server's tools into the form a
// provider adapter's tool-definition list expects.
func (m *Manager) ToolSchemas() []ToolSchema {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ToolSchema
	for id, client := range m.clients {
		for _, tool := range client.Tools() {
			out = append(out, ToolSchema{
				ServerID:    id,
				Name:        tool.Name,
				Description: tool.Description,
				InputSchema: tool.InputSchema,
			})
		}
	}
	return out
}

// ServerStatus summarizes one configured server's connection state and
// advertised-capability counts, whether or not it is currently connected.
type ServerStatus struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Connected bool       `json:"connected"`
	Server    ServerInfo `json:"server"`
	Tools     int        `json:"tools"`
	Resources int        `json:"resources"`
	Prompts   int        `json:"prompts"`
}

// Status reports the connection state of every configured server, in
// config order, regardless of whether it has been connected yet.
func (m *Manager) Status() []ServerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ServerStatus
	if m.config == nil {
		return out
	}
	for _, cfg := range m.config.Servers {
		status := ServerStatus{ID: cfg.ID, Name: cfg.Name}
		if client, exists := m.clients[cfg.ID]; exists {
			status.Connected = client.Connected()
			status.Server = client.ServerInfo()
			status.Tools = len(client.Tools())
			status.Resources = len(client.Resources())
			status.Prompts = len(client.Prompts())
		}
		out = append(out, status)
	}
	return out
}
