package conversation

import "fmt"

// InvalidConversationError reports why a sequence of messages fails the
// Conversation invariants (see NewValidated).
type InvalidConversationError struct {
	Reason string
}

func (e *InvalidConversationError) Error() string {
	return fmt.Sprintf("invalid conversation: %s", e.Reason)
}

// Conversation is an ordered, invariant-checked sequence of Messages. The
// invariants are:
//   - every ToolRequest id is matched by exactly one ToolResponse before the
//     conversation is considered complete (a dangling request is tolerated
//     mid-turn, while the model waits on tool execution, but never across
//     two assistant turns);
//   - role alternation is legal: user and assistant messages alternate,
//     with tool traffic between them. Since tool output travels in an
//     assistant message, two consecutive assistant messages are allowed
//     when the second carries ToolResponse parts answering every pending
//     ToolRequest, or when the first carried ToolResponse parts (the
//     model's reply to tool results). Messages that are not agent-visible,
//     such as a ToolConfirmationRequest record, are left out of this check.
//
// Messages are never mutated after insertion; Append and WithMetadata both
// return relevant copies rather than editing in place.
type Conversation struct {
	messages []Message
}

// NewUnvalidated builds a Conversation from a message sequence without
// checking invariants. Used for intermediate manipulation such as
// compaction or import, where the sequence is momentarily inconsistent.
func NewUnvalidated(seq []Message) Conversation {
	out := make([]Message, len(seq))
	copy(out, seq)
	return Conversation{messages: out}
}

// NewValidated builds a Conversation from a message sequence, checking
// invariants and returning an *InvalidConversationError if they fail.
func NewValidated(seq []Message) (Conversation, error) {
	c := NewUnvalidated(seq)
	if err := c.validate(); err != nil {
		return Conversation{}, err
	}
	return c, nil
}

func (c Conversation) validate() error {
	var lastRole Role
	lastHadResponses := false
	pending := map[string]bool{}
	for i, m := range c.messages {
		if lastRole != "" && m.Visibility.AgentVisible {
			continuation := m.Role == RoleAssistant && (lastHadResponses || answersOutstanding(m, pending))
			if m.Role == lastRole && !continuation {
				return &InvalidConversationError{Reason: fmt.Sprintf("message %d (%s) illegally follows another %s message", i, m.ID, lastRole)}
			}
		}
		for _, tr := range m.ToolRequests() {
			if pending[tr.ID] {
				return &InvalidConversationError{Reason: fmt.Sprintf("duplicate tool request id %q", tr.ID)}
			}
			pending[tr.ID] = true
		}
		for _, resp := range m.ToolResponses() {
			if !pending[resp.ID] {
				return &InvalidConversationError{Reason: fmt.Sprintf("tool response %q has no matching request", resp.ID)}
			}
			delete(pending, resp.ID)
		}
		if m.Visibility.AgentVisible {
			lastRole = m.Role
			lastHadResponses = len(m.ToolResponses()) > 0
		}
	}
	return nil
}

// answersOutstanding reports whether m's ToolResponses fully cover the
// currently pending ToolRequest ids, one of the cases where two
// consecutive messages may share a role (a tool-result message answering
// the prior assistant turn, modelled here as role=assistant per spec.md's
// "user/assistant or tool sequences" alternation).
func answersOutstanding(m Message, pending map[string]bool) bool {
	if len(pending) == 0 {
		return false
	}
	responded := map[string]bool{}
	for _, r := range m.ToolResponses() {
		responded[r.ID] = true
	}
	for id := range pending {
		if !responded[id] {
			return false
		}
	}
	return true
}

// Append adds a message to the end of the conversation, returning a new
// Conversation. It re-validates the full sequence so invariants are
// preserved incrementally; callers building up an in-progress assistant
// turn (dangling ToolRequests awaiting execution) should use AppendUnchecked
// until the turn completes.
func (c Conversation) Append(m Message) (Conversation, error) {
	seq := append(append([]Message{}, c.messages...), m)
	return NewValidated(seq)
}

// AppendUnchecked adds a message without re-validating, for intermediate
// states such as a ToolRequest message awaiting its ToolResponse.
func (c Conversation) AppendUnchecked(m Message) Conversation {
	seq := append(append([]Message{}, c.messages...), m)
	return NewUnvalidated(seq)
}

// Messages returns every message in the conversation, in order.
func (c Conversation) Messages() []Message {
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Len returns the number of messages in the conversation.
func (c Conversation) Len() int { return len(c.messages) }

// AgentVisible returns the subsequence of messages with AgentVisible=true,
// the view passed to the next provider call.
func (c Conversation) AgentVisible() []Message {
	var out []Message
	for _, m := range c.messages {
		if m.Visibility.AgentVisible {
			out = append(out, m)
		}
	}
	return out
}

// UserVisible returns the subsequence of messages with UserVisible=true,
// the view rendered in the UI.
func (c Conversation) UserVisible() []Message {
	var out []Message
	for _, m := range c.messages {
		if m.Visibility.UserVisible {
			out = append(out, m)
		}
	}
	return out
}

// WithMetadata returns a copy of the conversation with the message at the
// given id replaced by one carrying new visibility metadata. It never
// mutates the original message in place, matching the "visibility as
// metadata, not two conversations" design (spec.md §9).
func (c Conversation) WithMetadata(id string, v Visibility) Conversation {
	seq := make([]Message, len(c.messages))
	for i, m := range c.messages {
		if m.ID == id {
			m = m.WithVisibility(v)
		}
		seq[i] = m
	}
	return NewUnvalidated(seq)
}

// Truncate returns a new Conversation containing only messages[:idx],
// unvalidated — used by Fork (cutoff at a message boundary may leave a
// dangling ToolRequest, which the caller is expected to tolerate exactly as
// a live conversation does mid-turn).
func (c Conversation) Truncate(idx int) Conversation {
	if idx < 0 {
		idx = 0
	}
	if idx > len(c.messages) {
		idx = len(c.messages)
	}
	return NewUnvalidated(c.messages[:idx])
}
