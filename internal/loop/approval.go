package loop

import (
	"context"
	"time"

	"github.com/loomrun/loom/internal/permission"
)

// ApprovalWaiter blocks until a pending approval is resolved (by a human
// decision arriving through whatever channel the embedding application
// uses — a CLI prompt, a UI click, an API call into permission.Engine.
// Resolve) or the context is cancelled. It is the loop's one cooperative
// suspension point for step 8c of spec.md §4.I.
type ApprovalWaiter interface {
	Await(ctx context.Context, pending *permission.PendingApproval) (permission.Decision, error)
}

// PollingApprovalWaiter polls the engine's pending-approval state at a
// fixed interval, returning as soon as the decision leaves NeedsApproval
// or the approval's own TTL expires. Polling rather than a notification
// channel matches the donor's DBLocker polling idiom
// (internal/sessions/locker.go's PollInterval) for a cross-process
// decision source.
type PollingApprovalWaiter struct {
	Engine   *permission.Engine
	Interval time.Duration
}

// Await implements ApprovalWaiter.
func (w *PollingApprovalWaiter) Await(ctx context.Context, pending *permission.PendingApproval) (permission.Decision, error) {
	interval := w.Interval
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if current, ok := w.Engine.Get(pending.ID); ok && current.Decision != permission.NeedsApproval {
			return current.Decision, nil
		}

		select {
		case <-ctx.Done():
			return permission.Denied, ctx.Err()
		case <-ticker.C:
			if time.Now().After(pending.ExpiresAt) {
				return permission.Denied, nil
			}
		}
	}
}
