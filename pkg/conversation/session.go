package conversation

import (
	"encoding/json"
	"time"
)

// TransportKind identifies one of the three MCP transports an extension may
// speak (spec.md §4.D).
type TransportKind string

const (
	TransportStdio TransportKind = "stdio"
	TransportHTTP  TransportKind = "http"
	TransportWS    TransportKind = "websocket"
)

// ExtensionEntry is one row of the extension manager's name → config
// mapping (spec.md §3 "Extension record"): a declared transport
// configuration, an enabled flag, and a capability cache populated on
// connect. The live MCP client object itself is not part of the persisted
// Session — only enough to reconnect is stored here.
type ExtensionEntry struct {
	Name      string          `json:"name"`
	Transport TransportKind   `json:"transport"`
	Command   string          `json:"command,omitempty"` // stdio
	Args      []string        `json:"args,omitempty"`    // stdio
	URL       string          `json:"url,omitempty"`     // http/websocket
	Env       map[string]string `json:"env,omitempty"`
	TimeoutMS int64           `json:"timeout_ms,omitempty"`
	Enabled   bool            `json:"enabled"`
	// Tools is the last-known tool list for this extension, namespaced
	// "<extension>__<tool>", cached so a restored session can render its
	// available tools before the extension reconnects.
	Tools []ToolDescriptor `json:"tools,omitempty"`
}

// ToolDescriptor is a namespaced, schema-described tool as advertised to
// the provider (spec.md §3 "Tool descriptor").
type ToolDescriptor struct {
	// Name is the fully namespaced "<extension>__<tool>" identifier.
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
	Annotations ToolAnnotations `json:"annotations,omitempty"`
}

// ToolAnnotations are advisory hints about a tool's effects, used by the
// permission engine's "safe" mode to auto-approve read-only calls.
type ToolAnnotations struct {
	ReadOnly   bool `json:"read_only,omitempty"`
	Destructive bool `json:"destructive,omitempty"`
	Idempotent bool `json:"idempotent,omitempty"`
	OpenWorld  bool `json:"open_world,omitempty"`
}

// Session is a Conversation plus durable identity and metadata: an opaque
// id, the working directory the agent was opened against, the last-known
// model/provider, cumulative token counters, an optional parent for forks,
// and the set of configured extensions.
type Session struct {
	ID             string           `json:"id"`
	ParentSessionID *string         `json:"parent_id,omitempty"`
	Name           string           `json:"name,omitempty"`
	WorkingDir     string           `json:"working_dir"`
	Model          string           `json:"model"`
	Provider       string           `json:"provider"`
	TotalTokens    *int             `json:"total_tokens,omitempty"`
	Conversation   Conversation     `json:"-"`
	Extensions     []ExtensionEntry `json:"extensions,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// wireSession is the on-disk JSON shape from spec.md §6: a schema-versioned
// envelope wrapping the conversation under a "messages" key.
type wireSession struct {
	SchemaVersion int              `json:"schema_version"`
	ID            string           `json:"id"`
	ParentID      *string          `json:"parent_id,omitempty"`
	Name          string           `json:"name,omitempty"`
	WorkingDir    string           `json:"working_dir"`
	Model         string           `json:"model"`
	Provider      string           `json:"provider"`
	TotalTokens   *int             `json:"total_tokens,omitempty"`
	Conversation  struct {
		Messages []Message `json:"messages"`
	} `json:"conversation"`
	Extensions []ExtensionEntry `json:"extensions,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// CurrentSchemaVersion is written into every session file produced by this
// module; FileStore.Load rejects files from a newer, unknown schema.
const CurrentSchemaVersion = 1

// MarshalJSON implements the spec.md §6 session file format.
func (s Session) MarshalJSON() ([]byte, error) {
	w := wireSession{
		SchemaVersion: CurrentSchemaVersion,
		ID:            s.ID,
		ParentID:      s.ParentSessionID,
		Name:          s.Name,
		WorkingDir:    s.WorkingDir,
		Model:         s.Model,
		Provider:      s.Provider,
		TotalTokens:   s.TotalTokens,
		Extensions:    s.Extensions,
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
	}
	w.Conversation.Messages = s.Conversation.Messages()
	return json.Marshal(w)
}

// UnmarshalJSON reconstructs a Session, including the unvalidated
// Conversation (a stored session may legitimately contain a dangling tool
// request if it was saved mid-turn, e.g. after a crash).
func (s *Session) UnmarshalJSON(data []byte) error {
	var w wireSession
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	s.ID = w.ID
	s.ParentSessionID = w.ParentID
	s.Name = w.Name
	s.WorkingDir = w.WorkingDir
	s.Model = w.Model
	s.Provider = w.Provider
	s.TotalTokens = w.TotalTokens
	s.Extensions = w.Extensions
	s.CreatedAt = w.CreatedAt
	s.UpdatedAt = w.UpdatedAt
	s.Conversation = NewUnvalidated(w.Conversation.Messages)
	return nil
}
