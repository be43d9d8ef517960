// Package permission implements the tool-permission engine: every tool
// call a reply loop wants to execute passes through here first and comes
// back classified as approved, needing approval, denied, or hard-blocked.
package permission

import "time"

// Decision is the outcome of classifying a tool call.
type Decision string

const (
	// Approved means the call may execute immediately.
	Approved Decision = "approved"
	// NeedsApproval means a human must confirm before the call executes.
	NeedsApproval Decision = "needs_approval"
	// Denied means the call is rejected but the agent may try a different
	// approach — denial is reported back to the model as a tool error.
	Denied Decision = "denied"
	// Blocked means the call matched a hard-blocked threat pattern and is
	// refused unconditionally, regardless of approval mode or allowlists.
	Blocked Decision = "blocked"
)

// Mode is an approval-mode preset selecting how aggressively tool calls
// are gated before the threat-pattern and allow/deny layers run.
type Mode string

const (
	// ModeSafe requires approval for anything not explicitly allowlisted.
	ModeSafe Mode = "safe"
	// ModeParanoid requires approval for everything, including tools that
	// would otherwise be allowlisted or classified as safe reads.
	ModeParanoid Mode = "paranoid"
	// ModeAutopilot approves without prompting, except for hard-blocked
	// patterns, explicit denylist entries, and calls matching a High or
	// Medium threat pattern, which still need approval.
	ModeAutopilot Mode = "autopilot"
)

// ParseMode normalizes a user-facing mode name.
func ParseMode(value string) (Mode, bool) {
	switch Mode(value) {
	case ModeSafe, ModeParanoid, ModeAutopilot:
		return Mode(value), true
	}
	return "", false
}

// Verdict is the full result of classifying one tool call.
type Verdict struct {
	Decision Decision
	Reason   string
	// Category is set when a threat pattern matched — the pattern's
	// category, for logging and for session-level audit trails.
	Category string
	Severity Severity
}

// Request describes the tool call being classified.
type Request struct {
	ToolName  string
	Arguments string // rendered arguments, for pattern matching
	AgentID   string
	SessionID string
}

// PendingApproval mirrors a tool call waiting on a human decision, tracked
// so the reply loop can resume once Engine.Resolve records a decision.
type PendingApproval struct {
	ID         string
	ToolCallID string
	ToolName   string
	Arguments  string
	SessionID  string
	Reason     string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	Decision   Decision
	DecidedAt  time.Time
}
