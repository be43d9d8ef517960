package conversation

import (
	"encoding/json"
	"time"
)

// Role indicates the message author. Tool output never has its own role —
// it travels inside a ToolResponse part of an assistant message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Visibility carries the two independent flags that decide whether a
// message is considered by the next provider call (AgentVisible) and/or
// rendered in the UI (UserVisible). A message can be both, either, or
// neither; compaction works entirely by rewriting this metadata.
type Visibility struct {
	AgentVisible bool `json:"agent_visible"`
	UserVisible  bool `json:"user_visible"`
}

// Both is the default visibility for freshly produced messages.
func Both() Visibility { return Visibility{AgentVisible: true, UserVisible: true} }

// AgentOnly hides a message from the UI while keeping it in the prompt
// (e.g. the compaction continuation instruction).
func AgentOnly() Visibility { return Visibility{AgentVisible: true, UserVisible: false} }

// UserOnly keeps a message visible in the UI but out of future prompts
// (e.g. compacted-away history, or a SystemNotification).
func UserOnly() Visibility { return Visibility{AgentVisible: false, UserVisible: true} }

// Message is an immutable conversation record: a role, a stable id, a
// creation timestamp, an ordered sequence of content parts, and visibility
// metadata. Updates are expressed by building a new Message and replacing
// the old one — never by mutating fields after the message is appended.
type Message struct {
	ID         string     `json:"id"`
	Role       Role       `json:"role"`
	Parts      []Part     `json:"parts"`
	Visibility Visibility `json:"visibility"`
	CreatedAt  time.Time  `json:"created_at"`
}

// NewMessage constructs a Message with default (both-visible) visibility.
func NewMessage(id string, role Role, parts ...Part) Message {
	return Message{ID: id, Role: role, Parts: parts, Visibility: Both(), CreatedAt: time.Time{}}
}

// ToolRequests returns the ToolRequest parts in the message, in order.
func (m Message) ToolRequests() []ToolRequest {
	var out []ToolRequest
	for _, p := range m.Parts {
		if tr, ok := p.(ToolRequest); ok {
			out = append(out, tr)
		}
	}
	return out
}

// ToolResponses returns the ToolResponse parts in the message, in order.
func (m Message) ToolResponses() []ToolResponse {
	var out []ToolResponse
	for _, p := range m.Parts {
		if tr, ok := p.(ToolResponse); ok {
			out = append(out, tr)
		}
	}
	return out
}

// Text concatenates every Text part in the message. Used for summarisation
// dumps and logging, never for constructing provider requests (those
// consume Parts directly).
func (m Message) Text() string {
	var out string
	for _, p := range m.Parts {
		if t, ok := p.(Text); ok {
			out += t.Value
		}
	}
	return out
}

// HasToolCalls reports whether the message carries any ToolRequest or
// FrontendToolRequest parts.
func (m Message) HasToolCalls() bool {
	for _, p := range m.Parts {
		switch p.(type) {
		case ToolRequest, FrontendToolRequest:
			return true
		}
	}
	return false
}

// WithVisibility returns a copy of the message with new visibility flags.
// The receiver is left untouched.
func (m Message) WithVisibility(v Visibility) Message {
	clone := m
	clone.Visibility = v
	return clone
}

// wireMessage is the on-disk/JSON form of Message, needed because Part is
// an interface and requires the envelope encoding in parts.go.
type wireMessage struct {
	ID         string            `json:"id"`
	Role       Role              `json:"role"`
	Parts      []json.RawMessage `json:"parts"`
	Visibility Visibility        `json:"visibility"`
	CreatedAt  time.Time         `json:"created_at"`
}

// MarshalJSON implements stable, schema-tagged serialisation of the part
// sequence via the envelope format in parts.go.
func (m Message) MarshalJSON() ([]byte, error) {
	w := wireMessage{ID: m.ID, Role: m.Role, Visibility: m.Visibility, CreatedAt: m.CreatedAt}
	for _, p := range m.Parts {
		raw, err := MarshalPart(p)
		if err != nil {
			return nil, err
		}
		w.Parts = append(w.Parts, raw)
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes a Message, reconstructing each tagged content part.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	m.ID, m.Role, m.Visibility, m.CreatedAt = w.ID, w.Role, w.Visibility, w.CreatedAt
	m.Parts = make([]Part, 0, len(w.Parts))
	for _, raw := range w.Parts {
		p, err := UnmarshalPart(raw)
		if err != nil {
			return err
		}
		m.Parts = append(m.Parts, p)
	}
	return nil
}
