package extensions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/loomrun/loom/internal/mcp"
	"github.com/loomrun/loom/pkg/conversation"
)

// separator divides an extension name from its tool name in a namespaced
// tool descriptor, e.g. "developer__shell".
const separator = "__"

// PlatformExtension is a built-in extension that is not backed by an MCP
// server connection — it runs in-process. Examples: listing available
// skills, managing other extensions, searching the repo index.
type PlatformExtension interface {
	Name() string
	Tools() []conversation.ToolDescriptor
	Call(ctx context.Context, tool string, arguments json.RawMessage) (conversation.ToolOutcome, error)
}

// Manager namespaces tools across MCP server connections and in-process
// platform extensions and dispatches calls to the right one by splitting
// the tool name on the first separator.
type Manager struct {
	mcpMgr   *mcp.Manager
	logger   *slog.Logger
	mu       sync.RWMutex
	platform map[string]PlatformExtension

	toolSchemas map[string]json.RawMessage
	schemas     *schemaCache
}

// NewManager creates a new extension manager wrapping an MCP manager.
func NewManager(mcpMgr *mcp.Manager, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		mcpMgr:      mcpMgr,
		logger:      logger.With("component", "extensions"),
		platform:    make(map[string]PlatformExtension),
		toolSchemas: make(map[string]json.RawMessage),
		schemas:     newSchemaCache(),
	}
}

// RegisterPlatform adds a built-in, in-process extension. Platform
// extensions take precedence over MCP-backed tools sharing the same
// extension name, matching the resolution order in Dispatch.
func (m *Manager) RegisterPlatform(ext PlatformExtension) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.platform[ext.Name()] = ext
}

// ListTools returns every tool across connected MCP servers and platform
// extensions, namespaced as "<extension>__<tool>" and deduplicated — a
// platform extension wins a name collision against an MCP server.
func (m *Manager) ListTools() []conversation.ToolDescriptor {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]struct{})
	var out []conversation.ToolDescriptor

	for name, ext := range m.platform {
		for _, tool := range ext.Tools() {
			full := name + separator + tool.Name
			if _, ok := seen[full]; ok {
				continue
			}
			seen[full] = struct{}{}
			tool.Name = full
			m.toolSchemas[full] = tool.Schema
			out = append(out, tool)
		}
	}

	if m.mcpMgr != nil {
		for serverID, tools := range m.mcpMgr.AllTools() {
			for _, tool := range tools {
				full := serverID + separator + tool.Name
				if _, ok := seen[full]; ok {
					continue
				}
				seen[full] = struct{}{}
				m.toolSchemas[full] = tool.InputSchema
				out = append(out, conversation.ToolDescriptor{
					Name:        full,
					Description: tool.Description,
					Schema:      tool.InputSchema,
				})
			}
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// UnresolvedToolError reports that a namespaced tool name did not match any
// connected MCP server or registered platform extension.
type UnresolvedToolError struct {
	ToolName     string
	ExtensionTag string
}

func (e *UnresolvedToolError) Error() string {
	return fmt.Sprintf("extension %q has no tool %q (or extension not loaded)", e.ExtensionTag, e.ToolName)
}

// splitToolName splits a namespaced tool name on the first separator.
func splitToolName(name string) (extension, tool string, ok bool) {
	idx := strings.Index(name, separator)
	if idx < 0 {
		return "", "", false
	}
	return name[:idx], name[idx+len(separator):], true
}

// Dispatch resolves a namespaced tool call to its owning extension and
// invokes it. Resolution order: a registered platform extension matching
// the extension tag, then an already-connected MCP server, then failure.
// Builtin (process-local, always-available) and session-config (added by
// the current session's extension list but not yet connected) resolution
// is the caller's responsibility before Dispatch is reached — by the time
// a tool name arrives here it must name a live extension.
func (m *Manager) Dispatch(ctx context.Context, toolCall conversation.ToolRequest) conversation.ToolOutcome {
	extTag, toolName, ok := splitToolName(toolCall.ToolName)
	if !ok {
		return conversation.ToolOutcome{Err: fmt.Sprintf("malformed tool name %q: expected \"<extension>__<tool>\"", toolCall.ToolName)}
	}

	if err := m.ValidateArguments(toolCall.ToolName, toolCall.Arguments); err != nil {
		return conversation.ToolOutcome{Err: err.Error()}
	}

	m.mu.RLock()
	platform, isPlatform := m.platform[extTag]
	m.mu.RUnlock()

	if isPlatform {
		outcome, err := platform.Call(ctx, toolName, toolCall.Arguments)
		if err != nil {
			return conversation.ToolOutcome{Err: err.Error()}
		}
		return outcome
	}

	if m.mcpMgr != nil {
		if _, exists := m.mcpMgr.Client(extTag); exists {
			var args map[string]any
			if len(toolCall.Arguments) > 0 {
				if err := json.Unmarshal(toolCall.Arguments, &args); err != nil {
					return conversation.ToolOutcome{Err: fmt.Sprintf("invalid arguments: %v", err)}
				}
			}
			result, err := m.mcpMgr.CallTool(ctx, extTag, toolName, args)
			if err != nil {
				return conversation.ToolOutcome{Err: err.Error()}
			}
			return mcpResultToOutcome(result)
		}
	}

	m.logger.Warn("dispatch to unresolved extension", "extension", extTag, "tool", toolName)
	return conversation.ToolOutcome{Err: (&UnresolvedToolError{ToolName: toolName, ExtensionTag: extTag}).Error()}
}

// mcpResultToOutcome projects an MCP tool-call result onto the tagged
// content-part ToolOutcome used by the conversation model.
func mcpResultToOutcome(result *mcp.ToolCallResult) conversation.ToolOutcome {
	if result == nil {
		return conversation.ToolOutcome{}
	}
	var parts []conversation.Part
	for _, c := range result.Content {
		switch c.Type {
		case "image":
			parts = append(parts, conversation.Image{MimeType: c.MimeType, Data: c.Data})
		default:
			parts = append(parts, conversation.Text{Value: c.Text})
		}
	}
	outcome := conversation.ToolOutcome{Content: parts}
	if result.IsError {
		outcome.Err = outcome.Text()
	}
	return outcome
}

// Extensions lists the connected MCP servers and registered platform
// extensions by tag, for session persistence and the "list_extensions"
// platform tool.
func (m *Manager) Extensions() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []string
	for name := range m.platform {
		out = append(out, name)
	}
	if m.mcpMgr != nil {
		for id := range m.mcpMgr.Clients() {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
