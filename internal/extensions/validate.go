package extensions

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// schemaCache compiles and caches a tool's JSON Schema so repeated calls to
// the same tool in a loop iteration don't pay recompilation cost.
type schemaCache struct {
	mu      sync.Mutex
	schemas map[string]*jsonschema.Schema
}

func newSchemaCache() *schemaCache {
	return &schemaCache{schemas: make(map[string]*jsonschema.Schema)}
}

func (c *schemaCache) compiled(toolName string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.schemas[toolName]; ok {
		return s, nil
	}
	s, err := jsonschema.CompileString(toolName, string(raw))
	if err != nil {
		return nil, fmt.Errorf("compile schema for %q: %w", toolName, err)
	}
	c.schemas[toolName] = s
	return s, nil
}

// ToolArgumentError reports that a tool call's arguments failed schema
// validation. It is surfaced to the model as a tool error rather than
// executed, so a model that mis-calls a tool gets a chance to retry.
type ToolArgumentError struct {
	ToolName string
	Cause    error
}

func (e *ToolArgumentError) Error() string {
	return fmt.Sprintf("invalid arguments for tool %q: %v", e.ToolName, e.Cause)
}

func (e *ToolArgumentError) Unwrap() error { return e.Cause }

// ValidateArguments checks a tool call's arguments against the tool's
// cached input schema, if one was advertised by its extension. Tools with
// no schema (or an empty object schema) pass unconditionally.
func (m *Manager) ValidateArguments(toolName string, arguments json.RawMessage) error {
	m.mu.RLock()
	schemaRaw, ok := m.toolSchemas[toolName]
	m.mu.RUnlock()
	if !ok || len(schemaRaw) == 0 {
		return nil
	}

	compiled, err := m.schemas.compiled(toolName, schemaRaw)
	if err != nil {
		// A malformed schema shouldn't block execution — it's an
		// extension bug, not a bad call.
		m.logger.Warn("tool schema failed to compile, skipping validation", "tool", toolName, "error", err)
		return nil
	}
	if compiled == nil {
		return nil
	}

	var payload any
	if len(arguments) == 0 {
		payload = map[string]any{}
	} else if err := json.Unmarshal(arguments, &payload); err != nil {
		return &ToolArgumentError{ToolName: toolName, Cause: err}
	}

	if err := compiled.Validate(payload); err != nil {
		return &ToolArgumentError{ToolName: toolName, Cause: err}
	}
	return nil
}
