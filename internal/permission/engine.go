package permission

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// AlwaysAllowStore persists per-tool "always allow" decisions so a human's
// one-time approval of a tool sticks across future calls in the same
// scope (spec.md §4.F "persistent per-tool decisions").
type AlwaysAllowStore interface {
	IsAlwaysAllowed(scope, toolName string) bool
	SetAlwaysAllowed(scope, toolName string) error
	Clear(scope, toolName string) error
}

// Engine classifies tool calls into Approved / NeedsApproval / Denied /
// Blocked. Checks run in this order: the fixed threat-pattern table (a
// Critical match blocks; a High or Medium match yields NeedsApproval, or
// Denied for a denylisted tool, in every mode; it never approves), the
// denylist, persisted per-tool always-allow decisions, the approval-mode
// preset, and finally, in safe mode, the allowlist and safe-read tools.
type Engine struct {
	mu      sync.RWMutex
	policy  *Policy
	store   AlwaysAllowStore
	pending map[string]*PendingApproval
}

// NewEngine creates an Engine with the given policy (DefaultPolicy() if
// nil) and an optional persistent always-allow store.
func NewEngine(policy *Policy, store AlwaysAllowStore) *Engine {
	if policy == nil {
		policy = DefaultPolicy()
	}
	return &Engine{
		policy:  policy,
		store:   store,
		pending: make(map[string]*PendingApproval),
	}
}

// SetPolicy replaces the active policy.
func (e *Engine) SetPolicy(p *Policy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p != nil {
		e.policy = p
	}
}

// Policy returns the active policy. Treat as read-only.
func (e *Engine) Policy() *Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.policy
}

// Classify evaluates one tool call and returns its verdict.
func (e *Engine) Classify(ctx context.Context, req Request) Verdict {
	e.mu.RLock()
	policy := e.policy
	e.mu.RUnlock()

	// Layer 1: threat-pattern table. A Critical match always blocks,
	// regardless of mode or allowlist — this is the hard ceiling nothing
	// below can override.
	if tp, matched := Match(req.Arguments); matched {
		if tp.Severity == SeverityCritical {
			return Verdict{
				Decision: Blocked,
				Reason:   fmt.Sprintf("matched blocked pattern category %q", tp.Category),
				Category: tp.Category,
				Severity: tp.Severity,
			}
		}
		if matchesAny(policy.Denylist, req.ToolName) {
			return Verdict{Decision: Denied, Reason: "tool in denylist", Category: tp.Category, Severity: tp.Severity}
		}
		// High/Medium matches always need a human look, even in
		// autopilot mode and even if the tool is allowlisted.
		if tp.Severity == SeverityHigh || tp.Severity == SeverityMedium {
			if policy.Mode == ModeAutopilot {
				// Autopilot still refuses to silently run a flagged
				// command; it downgrades to NeedsApproval rather than
				// Approved, the one case autopilot doesn't bypass.
				return Verdict{Decision: NeedsApproval, Reason: fmt.Sprintf("autopilot requires confirmation for %q pattern", tp.Category), Category: tp.Category, Severity: tp.Severity}
			}
			return Verdict{Decision: NeedsApproval, Reason: fmt.Sprintf("matched %q pattern", tp.Category), Category: tp.Category, Severity: tp.Severity}
		}
	}

	// Layer 2: denylist always wins over allow.
	if matchesAny(policy.Denylist, req.ToolName) {
		return Verdict{Decision: Denied, Reason: "tool in denylist"}
	}

	// Layer 3: persisted per-tool "always allow" decisions.
	if e.store != nil && e.store.IsAlwaysAllowed(req.SessionID, req.ToolName) {
		return Verdict{Decision: Approved, Reason: "previously approved for this session"}
	}

	// Layer 4: approval-mode preset.
	switch policy.Mode {
	case ModeParanoid:
		return Verdict{Decision: NeedsApproval, Reason: "paranoid mode requires approval for every tool call"}
	case ModeAutopilot:
		return Verdict{Decision: Approved, Reason: "autopilot mode"}
	}

	// ModeSafe (default): allowlist and safe-read tools pass, everything
	// else needs a human.
	if matchesAny(policy.Allowlist, req.ToolName) {
		return Verdict{Decision: Approved, Reason: "tool in allowlist"}
	}
	if matchesAny(policy.SafeReadTools, req.ToolName) {
		return Verdict{Decision: Approved, Reason: "read-only tool"}
	}
	return Verdict{Decision: NeedsApproval, Reason: "safe mode default"}
}

// RememberApproval persists an always-allow decision for future calls to
// the same tool within scope, if a store is configured.
func (e *Engine) RememberApproval(scope, toolName string) error {
	if e.store == nil {
		return nil
	}
	return e.store.SetAlwaysAllowed(scope, toolName)
}

// CreatePending registers a tool call awaiting a human decision and
// returns the tracking record.
func (e *Engine) CreatePending(toolCallID, toolName, arguments, sessionID, reason string, ttl time.Duration) *PendingApproval {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	p := &PendingApproval{
		ID:         toolCallID + "-approval",
		ToolCallID: toolCallID,
		ToolName:   toolName,
		Arguments:  arguments,
		SessionID:  sessionID,
		Reason:     reason,
		CreatedAt:  time.Now(),
		ExpiresAt:  time.Now().Add(ttl),
		Decision:   NeedsApproval,
	}
	e.mu.Lock()
	e.pending[p.ID] = p
	e.mu.Unlock()
	return p
}

// Resolve records a human decision against a pending approval and
// optionally remembers it for future calls when remember is true.
func (e *Engine) Resolve(id string, decision Decision, remember bool) (*PendingApproval, error) {
	e.mu.Lock()
	p, ok := e.pending[id]
	if ok {
		p.Decision = decision
		p.DecidedAt = time.Now()
	}
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no pending approval %q", id)
	}
	if remember && decision == Approved {
		if err := e.RememberApproval(p.SessionID, p.ToolName); err != nil {
			return p, err
		}
	}
	return p, nil
}

// Get returns a pending-or-resolved approval record by id without
// mutating it, for callers that need to observe a decision made
// elsewhere (e.g. a waiter polling for a human's response).
func (e *Engine) Get(id string) (*PendingApproval, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.pending[id]
	return p, ok
}

// Pending returns all outstanding, non-expired pending approvals for a
// session.
func (e *Engine) Pending(sessionID string) []*PendingApproval {
	e.mu.RLock()
	defer e.mu.RUnlock()
	now := time.Now()
	var out []*PendingApproval
	for _, p := range e.pending {
		if p.Decision != NeedsApproval {
			continue
		}
		if !p.ExpiresAt.IsZero() && p.ExpiresAt.Before(now) {
			continue
		}
		if sessionID != "" && p.SessionID != sessionID {
			continue
		}
		out = append(out, p)
	}
	return out
}
