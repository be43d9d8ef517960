// Package conversation holds the agent core's conversation data model: the
// tagged content-part Message, the invariant-checked Conversation, and the
// Session wrapper persisted by internal/sessions.
package conversation

import "encoding/json"

// PartKind discriminates the content-part variants a Message can carry.
type PartKind string

const (
	KindText                    PartKind = "text"
	KindImage                   PartKind = "image"
	KindToolRequest              PartKind = "tool_request"
	KindToolResponse             PartKind = "tool_response"
	KindToolConfirmationRequest  PartKind = "tool_confirmation_request"
	KindThinking                 PartKind = "thinking"
	KindRedactedThinking          PartKind = "redacted_thinking"
	KindSystemNotification        PartKind = "system_notification"
	KindFrontendToolRequest        PartKind = "frontend_tool_request"
)

// Part is one element of a Message's ordered content sequence. Parts are
// value types; a Message is never mutated in place, only replaced wholesale.
type Part interface {
	Kind() PartKind
}

// Text is plain assistant or user text.
type Text struct {
	Value string `json:"text"`
}

func (Text) Kind() PartKind { return KindText }

// Image carries an inline image payload.
type Image struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"` // base64
}

func (Image) Kind() PartKind { return KindImage }

// ToolRequest is an assistant's request to invoke a tool. ID is unique
// within the owning conversation and is matched by exactly one
// ToolResponse before the conversation is considered complete.
type ToolRequest struct {
	ID        string          `json:"id"`
	ToolName  string          `json:"tool_name"`
	Arguments json.RawMessage `json:"arguments"`
	// ProviderMeta carries opaque provider-specific hints (e.g. prompt-cache
	// breakpoints) echoed back verbatim on the next provider call. The core
	// never interprets it.
	ProviderMeta json.RawMessage `json:"provider_meta,omitempty"`
}

func (ToolRequest) Kind() PartKind { return KindToolRequest }

// ToolOutcome is the outcome of executing a tool: either a sequence of
// content parts on success, or an error string on failure. Exactly one of
// the two is meaningful; IsError reports which.
type ToolOutcome struct {
	Content []Part `json:"content,omitempty"`
	Err     string `json:"err,omitempty"`
}

// IsError reports whether the outcome represents a failure.
func (o ToolOutcome) IsError() bool { return o.Err != "" }

// Text concatenates the text parts of a successful outcome, ignoring
// non-text parts (images, etc). Used for summarisation projections.
func (o ToolOutcome) Text() string {
	var out string
	for _, p := range o.Content {
		if t, ok := p.(Text); ok {
			out += t.Value
		}
	}
	return out
}

// ToolResponse matches a ToolRequest by ID and carries its result.
type ToolResponse struct {
	ID     string      `json:"id"`
	Result ToolOutcome `json:"result"`
}

func (ToolResponse) Kind() PartKind { return KindToolResponse }

// ToolConfirmationRequest is emitted to the user-visible channel when the
// permission gate suspends a call pending a human decision.
type ToolConfirmationRequest struct {
	ID          string          `json:"id"`
	ToolName    string          `json:"tool_name"`
	Arguments   json.RawMessage `json:"arguments"`
	Explanation string          `json:"explanation,omitempty"`
}

func (ToolConfirmationRequest) Kind() PartKind { return KindToolConfirmationRequest }

// Thinking is free-form reasoning text. Some providers require it to be
// echoed back alongside the next tool-bearing request even though it is
// never rendered to the user.
type Thinking struct {
	Value string `json:"text"`
}

func (Thinking) Kind() PartKind { return KindThinking }

// RedactedThinking is an opaque, provider-signed blob passed through
// unexamined.
type RedactedThinking struct {
	Data string `json:"data"`
}

func (RedactedThinking) Kind() PartKind { return KindRedactedThinking }

// SystemNotification is a textual event injected into the event stream
// (e.g. "extension X failed to start"). It is never sent to the provider
// and is not agent_visible by construction.
type SystemNotification struct {
	Value string `json:"text"`
}

func (SystemNotification) Kind() PartKind { return KindSystemNotification }

// FrontendToolRequest is a tool call that must be executed by the client
// rather than dispatched to an MCP server.
type FrontendToolRequest struct {
	ID        string          `json:"id"`
	ToolName  string          `json:"tool_name"`
	Arguments json.RawMessage `json:"arguments"`
}

func (FrontendToolRequest) Kind() PartKind { return KindFrontendToolRequest }

// partEnvelope is the wire form used to (de)serialize the Part interface:
// a discriminator plus the variant's own fields inlined as raw JSON.
type partEnvelope struct {
	Kind PartKind        `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// MarshalPart encodes a Part with its kind discriminator.
func MarshalPart(p Part) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return json.Marshal(partEnvelope{Kind: p.Kind(), Data: data})
}

// UnmarshalPart decodes a kind-tagged Part.
func UnmarshalPart(raw []byte) (Part, error) {
	var env partEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	switch env.Kind {
	case KindText:
		var v Text
		return v, json.Unmarshal(env.Data, &v)
	case KindImage:
		var v Image
		return v, json.Unmarshal(env.Data, &v)
	case KindToolRequest:
		var v ToolRequest
		return v, json.Unmarshal(env.Data, &v)
	case KindToolResponse:
		var v ToolResponse
		return v, json.Unmarshal(env.Data, &v)
	case KindToolConfirmationRequest:
		var v ToolConfirmationRequest
		return v, json.Unmarshal(env.Data, &v)
	case KindThinking:
		var v Thinking
		return v, json.Unmarshal(env.Data, &v)
	case KindRedactedThinking:
		var v RedactedThinking
		return v, json.Unmarshal(env.Data, &v)
	case KindSystemNotification:
		var v SystemNotification
		return v, json.Unmarshal(env.Data, &v)
	case KindFrontendToolRequest:
		var v FrontendToolRequest
		return v, json.Unmarshal(env.Data, &v)
	default:
		return nil, &UnknownPartKindError{Kind: env.Kind}
	}
}

// UnknownPartKindError is returned when decoding a part envelope whose kind
// discriminator does not match any known variant.
type UnknownPartKindError struct {
	Kind PartKind
}

func (e *UnknownPartKindError) Error() string {
	return "conversation: unknown content-part kind " + string(e.Kind)
}
