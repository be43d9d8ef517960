package loop

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomrun/loom/internal/compaction"
	"github.com/loomrun/loom/internal/permission"
	"github.com/loomrun/loom/internal/provider"
	"github.com/loomrun/loom/internal/tokens"
	"github.com/loomrun/loom/pkg/conversation"
)

// ToolDispatcher resolves and executes namespaced tool calls. Satisfied by
// *internal/extensions.Manager; a narrow interface here keeps the loop
// testable without a live MCP manager.
type ToolDispatcher interface {
	ListTools() []conversation.ToolDescriptor
	Dispatch(ctx context.Context, toolCall conversation.ToolRequest) conversation.ToolOutcome
}

// FrontendToolHandler executes a tool call the front end owns (spec.md
// §4.I step 7), e.g. opening a local file picker. The loop awaits its
// result exactly like any other suspension point.
type FrontendToolHandler interface {
	HandleFrontendTool(ctx context.Context, req conversation.FrontendToolRequest) conversation.ToolOutcome
}

// SessionPersister is the subset of internal/sessions.FileStore the loop
// needs to append messages as a turn progresses, so a crash mid-turn
// loses at most the in-flight provider call.
type SessionPersister interface {
	AppendMessage(sessionID string, msg conversation.Message) error
}

// Loop is the spec.md §4.I reply-loop orchestrator: one Run call drives a
// single conversational turn (which may itself span several provider
// round trips when tool calls are involved) to completion, cancellation,
// or a fatal error.
type Loop struct {
	provider   provider.Provider
	dispatcher ToolDispatcher
	engine     *permission.Engine
	compactor  *compaction.Compactor
	waiter     ApprovalWaiter
	persister  SessionPersister
	frontend   FrontendToolHandler

	system string
	config Config
}

// New builds a Loop. frontend and persister may be nil (no front-end
// tools configured / no persistence wired yet, respectively).
func New(p provider.Provider, dispatcher ToolDispatcher, engine *permission.Engine, compactor *compaction.Compactor, waiter ApprovalWaiter, persister SessionPersister, frontend FrontendToolHandler, system string, config Config) *Loop {
	return &Loop{
		provider:   p,
		dispatcher: dispatcher,
		engine:     engine,
		compactor:  compactor,
		waiter:     waiter,
		persister:  persister,
		frontend:   frontend,
		system:     system,
		config:     sanitizeConfig(config),
	}
}

// eventBufferSize matches the donor's processBufferSize for the
// equivalent ResponseChunk channel.
const eventBufferSize = 64

// Run drives one turn: userMsg is appended to session.Conversation, then
// the loop iterates compact→stream→dispatch until a terminal condition is
// reached. The returned channel is always closed; a CancelledEvent or
// FatalEvent is the final item on any non-success path, and a successful
// turn's final item is a MessageEvent with Final=true.
func (l *Loop) Run(ctx context.Context, session *conversation.Session, userMsg conversation.Message) (<-chan Event, error) {
	if l.provider == nil {
		return nil, fmt.Errorf("loop: no provider configured")
	}
	if session == nil {
		return nil, fmt.Errorf("loop: session is required")
	}

	events := make(chan Event, eventBufferSize)

	go func() {
		defer close(events)

		session.Conversation = session.Conversation.AppendUnchecked(userMsg)
		l.persist(session.ID, userMsg)

		compactionAttempts := 0

		for iteration := 0; iteration < l.config.MaxIterations; iteration++ {
			if ctx.Err() != nil {
				events <- CancelledEvent{}
				return
			}

			tools := l.toolSchemas()

			if !l.maybeCompact(ctx, session, tools, events) {
				return
			}

			chunkCh, err := l.provider.Stream(ctx, l.system, session.Conversation.AgentVisible(), tools)
			if err != nil {
				retry, ok := l.handleStreamError(ctx, err, session, tools, events, &compactionAttempts)
				if !ok {
					return
				}
				if retry {
					continue
				}
				return
			}

			assistantMsg, err := l.collectStream(ctx, chunkCh, events)
			if err != nil {
				events <- FatalEvent{Err: err}
				return
			}

			session.Conversation = session.Conversation.AppendUnchecked(assistantMsg)
			l.persist(session.ID, assistantMsg)

			if ctx.Err() != nil {
				events <- CancelledEvent{}
				return
			}

			frontendReqs, remaining := categorizeToolCalls(assistantMsg)
			if len(frontendReqs) == 0 && len(remaining) == 0 {
				events <- MessageEvent{Final: true, FinalMessage: assistantMsg}
				return
			}

			responseMsg, ok := l.runTools(ctx, session, frontendReqs, remaining, events)
			if !ok {
				return
			}

			newConv, err := session.Conversation.Append(responseMsg)
			if err != nil {
				events <- FatalEvent{Err: fmt.Errorf("append tool responses: %w", err)}
				return
			}
			session.Conversation = newConv
			l.persist(session.ID, responseMsg)

			if ctx.Err() != nil {
				events <- CancelledEvent{}
				return
			}
		}

		events <- FatalEvent{Err: fmt.Errorf("loop: exceeded max iterations (%d)", l.config.MaxIterations)}
	}()

	return events, nil
}

func (l *Loop) persist(sessionID string, msg conversation.Message) {
	if l.persister == nil {
		return
	}
	_ = l.persister.AppendMessage(sessionID, msg)
}

func (l *Loop) toolSchemas() []tokens.ToolSchema {
	if l.dispatcher == nil {
		return nil
	}
	descriptors := l.dispatcher.ListTools()
	out := make([]tokens.ToolSchema, len(descriptors))
	for i, d := range descriptors {
		out[i] = tokens.ToolSchema{Name: d.Name, Description: d.Description, Schema: d.Schema}
	}
	return out
}

// maybeCompact runs the context manager (spec.md §4.I step 2). It reports
// false if a fatal error was emitted and the caller should return.
func (l *Loop) maybeCompact(ctx context.Context, session *conversation.Session, tools []tokens.ToolSchema, events chan<- Event) bool {
	if l.compactor == nil {
		return true
	}
	newConv, result, err := l.compactor.Compact(ctx, session.Conversation, l.system, tools, l.config.ContextWindow, l.config.CompactionThreshold)
	if err != nil {
		events <- FatalEvent{Err: fmt.Errorf("compaction: %w", err)}
		return false
	}
	session.Conversation = newConv
	if result.Applied {
		events <- HistoryReplacedEvent{Conversation: newConv}
	}
	return true
}

// handleStreamError implements spec.md §4.I step 3's recovery policy. The
// first return value is true when the caller should retry the stream
// after a forced compaction; the second is false when a fatal/cancelled
// event has already been emitted and the caller must return immediately.
func (l *Loop) handleStreamError(ctx context.Context, err error, session *conversation.Session, tools []tokens.ToolSchema, events chan<- Event, attempts *int) (retry bool, ok bool) {
	perr, isProviderErr := err.(*provider.Error)
	if !isProviderErr || perr.Kind != provider.ErrContextLengthExceeded {
		events <- FatalEvent{Err: err}
		return false, false
	}

	*attempts++
	if *attempts > l.config.MaxCompactionAttempts {
		events <- FatalEvent{Err: fmt.Errorf("context length exceeded after %d forced compactions: %w", *attempts-1, err)}
		return false, false
	}

	if l.compactor == nil {
		events <- FatalEvent{Err: fmt.Errorf("context length exceeded and no compactor configured: %w", err)}
		return false, false
	}

	newConv, result, compactErr := l.compactor.Compact(ctx, session.Conversation, l.system, tools, l.config.ContextWindow, 0)
	if compactErr != nil {
		events <- FatalEvent{Err: fmt.Errorf("forced compaction: %w", compactErr)}
		return false, false
	}
	session.Conversation = newConv
	if result.Applied {
		events <- HistoryReplacedEvent{Conversation: newConv}
	}
	return true, true
}

// collectStream drains a provider stream into a single assistant message,
// emitting incremental MessageEvents as chunks arrive (spec.md §4.I step
// 4). Text and thinking deltas are each folded into a single trailing
// part of their kind; ToolRequest chunks each become their own part,
// appended in arrival order.
func (l *Loop) collectStream(ctx context.Context, chunkCh <-chan provider.StreamChunk, events chan<- Event) (conversation.Message, error) {
	var parts []conversation.Part
	var text, thinking string

	flushText := func() {
		if text != "" {
			parts = append(parts, conversation.Text{Value: text})
			text = ""
		}
	}
	flushThinking := func() {
		if thinking != "" {
			parts = append(parts, conversation.Thinking{Value: thinking})
			thinking = ""
		}
	}

	for chunk := range chunkCh {
		if chunk.Err != nil {
			return conversation.Message{}, chunk.Err
		}
		if chunk.Text != "" {
			flushThinking()
			text += chunk.Text
			events <- MessageEvent{Text: chunk.Text}
		}
		if chunk.Thinking != "" {
			flushText()
			thinking += chunk.Thinking
			events <- MessageEvent{Thinking: chunk.Thinking}
		}
		if chunk.ToolRequest != nil {
			flushText()
			flushThinking()
			parts = append(parts, *chunk.ToolRequest)
			events <- MessageEvent{ToolStatus: &ToolStatus{
				ToolCallID: chunk.ToolRequest.ID,
				ToolName:   chunk.ToolRequest.ToolName,
				Stage:      "requested",
			}}
		}
		if ctx.Err() != nil {
			break
		}
	}
	flushText()
	flushThinking()

	return conversation.Message{
		ID:         uuid.NewString(),
		Role:       conversation.RoleAssistant,
		Parts:      parts,
		Visibility: conversation.Both(),
	}, nil
}

func categorizeToolCalls(msg conversation.Message) (frontend []conversation.FrontendToolRequest, remaining []conversation.ToolRequest) {
	for _, p := range msg.Parts {
		switch v := p.(type) {
		case conversation.FrontendToolRequest:
			frontend = append(frontend, v)
		case conversation.ToolRequest:
			remaining = append(remaining, v)
		}
	}
	return
}

// runTools executes every outstanding tool call from the just-collected
// assistant message (spec.md §4.I steps 6-9) and returns the single
// assistant-role message carrying all ToolResponse parts, in the original
// declaration order, that answers them. ok is false once a fatal or
// cancelled event has already been emitted.
func (l *Loop) runTools(ctx context.Context, session *conversation.Session, frontendReqs []conversation.FrontendToolRequest, remaining []conversation.ToolRequest, events chan<- Event) (conversation.Message, bool) {
	type indexedResponse struct {
		index int
		resp  conversation.ToolResponse
	}

	total := len(frontendReqs) + len(remaining)
	responses := make([]conversation.ToolResponse, total)

	// Frontend tool calls run first, in order, since they belong to the
	// embedding application rather than the concurrent MCP pool.
	for i, req := range frontendReqs {
		if ctx.Err() != nil {
			events <- CancelledEvent{}
			return conversation.Message{}, false
		}
		outcome := l.dispatchFrontend(ctx, req, events)
		responses[i] = conversation.ToolResponse{ID: req.ID, Result: outcome}
	}

	// Remaining (MCP-backed) calls go through permission classification,
	// then execute with bounded concurrency (spec.md §5).
	offset := len(frontendReqs)
	sem := make(chan struct{}, l.config.ToolConcurrency)
	var wg sync.WaitGroup
	resultCh := make(chan indexedResponse, len(remaining))

	enabledExtensionSucceeded := false
	var enabledMu sync.Mutex

	for i, req := range remaining {
		verdict := l.classify(ctx, req, session.ID)
		events <- MessageEvent{ToolStatus: &ToolStatus{ToolCallID: req.ID, ToolName: req.ToolName, Stage: string(verdict.Decision)}}

		switch verdict.Decision {
		case permission.Denied, permission.Blocked:
			resultCh <- indexedResponse{offset + i, conversation.ToolResponse{
				ID: req.ID,
				Result: conversation.ToolOutcome{
					Err: fmt.Sprintf("%s: %s", verdict.Decision, verdict.Reason),
				},
			}}
			continue
		case permission.NeedsApproval:
			l.recordConfirmationRequest(session, req, verdict)
			decision, err := l.awaitApproval(ctx, req, session.ID, verdict)
			if err != nil {
				events <- CancelledEvent{}
				return conversation.Message{}, false
			}
			if decision != permission.Approved {
				resultCh <- indexedResponse{offset + i, conversation.ToolResponse{
					ID:     req.ID,
					Result: conversation.ToolOutcome{Err: fmt.Sprintf("denied: %s", decision)},
				}}
				continue
			}
		}

		wg.Add(1)
		go func(idx int, call conversation.ToolRequest) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			events <- MessageEvent{ToolStatus: &ToolStatus{ToolCallID: call.ID, ToolName: call.ToolName, Stage: "started"}}
			outcome := l.dispatcher.Dispatch(ctx, call)
			stage := "succeeded"
			if outcome.IsError() {
				stage = "failed"
			} else if isEnableExtensionTool(call.ToolName) {
				enabledMu.Lock()
				enabledExtensionSucceeded = true
				enabledMu.Unlock()
			}
			events <- MessageEvent{ToolStatus: &ToolStatus{ToolCallID: call.ID, ToolName: call.ToolName, Stage: stage, Output: outcome.Text(), Error: outcome.Err}}
			resultCh <- indexedResponse{offset + idx, conversation.ToolResponse{ID: call.ID, Result: outcome}}
		}(i, req)
	}

	go func() {
		wg.Wait()
		close(resultCh)
	}()

	for ir := range resultCh {
		responses[ir.index] = ir.resp
	}

	if enabledExtensionSucceeded {
		// spec.md §4.I step 9: persist the freshly-enabled extension list.
		l.persistExtensionState(session)
	}

	parts := make([]conversation.Part, len(responses))
	for i, r := range responses {
		parts[i] = r
	}

	return conversation.Message{
		ID:         uuid.NewString(),
		Role:       conversation.RoleAssistant,
		Parts:      parts,
		Visibility: conversation.Both(),
	}, true
}

func (l *Loop) dispatchFrontend(ctx context.Context, req conversation.FrontendToolRequest, events chan<- Event) conversation.ToolOutcome {
	events <- MessageEvent{ToolStatus: &ToolStatus{ToolCallID: req.ID, ToolName: req.ToolName, Stage: "started"}}
	if l.frontend == nil {
		outcome := conversation.ToolOutcome{Err: "no frontend tool handler configured"}
		events <- MessageEvent{ToolStatus: &ToolStatus{ToolCallID: req.ID, ToolName: req.ToolName, Stage: "failed", Error: outcome.Err}}
		return outcome
	}
	outcome := l.frontend.HandleFrontendTool(ctx, req)
	stage := "succeeded"
	if outcome.IsError() {
		stage = "failed"
	}
	events <- MessageEvent{ToolStatus: &ToolStatus{ToolCallID: req.ID, ToolName: req.ToolName, Stage: stage, Output: outcome.Text(), Error: outcome.Err}}
	return outcome
}

func (l *Loop) classify(ctx context.Context, req conversation.ToolRequest, sessionID string) permission.Verdict {
	if l.engine == nil {
		return permission.Verdict{Decision: permission.Approved, Reason: "no permission engine configured"}
	}
	return l.engine.Classify(ctx, permission.Request{
		ToolName:  req.ToolName,
		Arguments: string(req.Arguments),
		SessionID: sessionID,
	})
}

// awaitApproval registers a pending approval and blocks (cooperatively,
// via the configured ApprovalWaiter) until it is resolved one way or the
// other, or the context is cancelled.
func (l *Loop) awaitApproval(ctx context.Context, req conversation.ToolRequest, sessionID string, verdict permission.Verdict) (permission.Decision, error) {
	if l.engine == nil || l.waiter == nil {
		return permission.Denied, nil
	}
	pending := l.engine.CreatePending(req.ID, req.ToolName, string(req.Arguments), sessionID, verdict.Reason, l.config.ApprovalTTL)
	return l.waiter.Await(ctx, pending)
}

// recordConfirmationRequest appends a user-visible ToolConfirmationRequest
// part to the conversation before suspending on awaitApproval, so a session
// replay or export shows why the turn paused even if the process restarts
// before the approval resolves.
func (l *Loop) recordConfirmationRequest(session *conversation.Session, req conversation.ToolRequest, verdict permission.Verdict) {
	msg := conversation.Message{
		ID:   uuid.NewString(),
		Role: conversation.RoleAssistant,
		Parts: []conversation.Part{conversation.ToolConfirmationRequest{
			ID:          req.ID,
			ToolName:    req.ToolName,
			Arguments:   req.Arguments,
			Explanation: verdict.Reason,
		}},
		Visibility: conversation.UserOnly(),
	}
	session.Conversation = session.Conversation.AppendUnchecked(msg)
	l.persist(session.ID, msg)
}

// persistExtensionState bumps the session's UpdatedAt after a successful
// "enable extension" call (spec.md §4.I step 9), so a subsequent Save
// picks up the extension manager's refreshed Session.Extensions rather
// than leaving it stamped with the turn's start time.
func (l *Loop) persistExtensionState(session *conversation.Session) {
	session.UpdatedAt = time.Now()
}

func isEnableExtensionTool(name string) bool {
	return name == "extensions__enable" || name == "builtin__enable_extension"
}
