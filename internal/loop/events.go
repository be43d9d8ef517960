// Package loop implements the reply loop orchestrator (spec.md §4.I): the
// central state machine driving one conversational turn from a user
// message through provider streaming, compaction, permission-gated tool
// dispatch, and back to a terminal event.
package loop

import (
	"encoding/json"

	"github.com/loomrun/loom/pkg/conversation"
)

// EventKind discriminates the Event variants emitted on a Run's channel,
// grounded on the donor's ResponseChunk but reshaped around the spec's
// three named event kinds plus an explicit cancellation terminal.
type EventKind string

const (
	EventMessage         EventKind = "message"
	EventMcpNotification EventKind = "mcp_notification"
	EventHistoryReplaced EventKind = "history_replaced"
	EventCancelled       EventKind = "cancelled"
	EventFatal           EventKind = "fatal"
)

// Event is one item on a Run's output stream.
type Event interface {
	Kind() EventKind
}

// ToolStatus reports the lifecycle of a single tool call as it passes
// through permission classification and execution.
type ToolStatus struct {
	ToolCallID string
	ToolName   string
	Stage      string // requested, needs_approval, approved, denied, blocked, started, succeeded, failed
	Output     string
	Error      string
}

// MessageEvent carries one incremental piece of the current assistant
// turn: a text delta, a thinking delta, or a tool status update. At most
// one of Text/Thinking/ToolStatus is populated per event.
type MessageEvent struct {
	Text       string
	Thinking   string
	ToolStatus *ToolStatus
	// Final, when true, marks this as the completed assistant message for
	// the turn rather than an incremental delta.
	Final        bool
	FinalMessage conversation.Message
}

func (MessageEvent) Kind() EventKind { return EventMessage }

// McpNotificationEvent passes a server-initiated MCP notification straight
// through to the caller.
type McpNotificationEvent struct {
	RequestID string
	Payload   json.RawMessage
}

func (McpNotificationEvent) Kind() EventKind { return EventMcpNotification }

// HistoryReplacedEvent is emitted whenever compaction rewrites visibility
// or content, so the front end can resync its view of the conversation.
type HistoryReplacedEvent struct {
	Conversation conversation.Conversation
}

func (HistoryReplacedEvent) Kind() EventKind { return EventHistoryReplaced }

// CancelledEvent is the terminal event when the run's context is
// cancelled mid-turn. Any partial assistant message has already been
// appended to the conversation as user-visible history.
type CancelledEvent struct{}

func (CancelledEvent) Kind() EventKind { return EventCancelled }

// FatalEvent is the terminal event for an unrecoverable error (a
// non-context-length provider error, or a compaction failure, or
// exceeding MaxCompactionAttempts).
type FatalEvent struct {
	Err error
}

func (FatalEvent) Kind() EventKind { return EventFatal }
