package extensions

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/loomrun/loom/pkg/conversation"
)

// ManagerExtension is a built-in platform extension that lets the agent
// introspect its own set of loaded extensions through two read-only
// tools, list_extensions and list_tools; it cannot enable or disable an
// MCP server. Its tag is "platform". It takes effect only once passed to
// Manager.RegisterPlatform, after which it wins over an MCP server that
// claims the same tag; cmd/loomd does not register it.
type ManagerExtension struct {
	mgr *Manager
}

// NewManagerExtension wraps mgr as a self-describing platform extension.
func NewManagerExtension(mgr *Manager) *ManagerExtension {
	return &ManagerExtension{mgr: mgr}
}

func (p *ManagerExtension) Name() string { return "platform" }

func (p *ManagerExtension) Tools() []conversation.ToolDescriptor {
	return []conversation.ToolDescriptor{
		{
			Name:        "list_extensions",
			Description: "List every currently loaded extension (MCP servers and built-in platform extensions).",
			Schema:      json.RawMessage(`{"type":"object","additionalProperties":false}`),
			Annotations: conversation.ToolAnnotations{ReadOnly: true, Idempotent: true},
		},
		{
			Name:        "list_tools",
			Description: "List every tool currently available across loaded extensions, with its namespaced name.",
			Schema:      json.RawMessage(`{"type":"object","additionalProperties":false}`),
			Annotations: conversation.ToolAnnotations{ReadOnly: true, Idempotent: true},
		},
	}
}

func (p *ManagerExtension) Call(ctx context.Context, tool string, arguments json.RawMessage) (conversation.ToolOutcome, error) {
	switch tool {
	case "list_extensions":
		names := p.mgr.Extensions()
		data, err := json.Marshal(names)
		if err != nil {
			return conversation.ToolOutcome{}, err
		}
		return conversation.ToolOutcome{Content: []conversation.Part{conversation.Text{Value: string(data)}}}, nil
	case "list_tools":
		tools := p.mgr.ListTools()
		data, err := json.Marshal(tools)
		if err != nil {
			return conversation.ToolOutcome{}, err
		}
		return conversation.ToolOutcome{Content: []conversation.Part{conversation.Text{Value: string(data)}}}, nil
	default:
		return conversation.ToolOutcome{}, fmt.Errorf("platform extension has no tool %q", tool)
	}
}
