package loop

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/loomrun/loom/internal/compaction"
	"github.com/loomrun/loom/internal/permission"
	"github.com/loomrun/loom/internal/provider"
	"github.com/loomrun/loom/internal/tokens"
	"github.com/loomrun/loom/pkg/conversation"
)

// stubSummarizer never actually runs — the test conversations are short
// enough that findSplitIndex always returns 0 (nothing safe to drop), so
// Compact short-circuits before calling GenerateSummary.
type stubSummarizer struct{}

func (stubSummarizer) GenerateSummary(ctx context.Context, messages []*compaction.Message, config *compaction.SummarizationConfig) (string, error) {
	return "summary", nil
}

// fakeProvider streams a fixed, scripted sequence of StreamChunk slices,
// one slice per call to Stream — round i of the loop gets scripted[i].
type fakeProvider struct {
	scripted [][]provider.StreamChunk
	calls    int
}

func (f *fakeProvider) Complete(ctx context.Context, system string, messages []conversation.Message, tools []tokens.ToolSchema) (conversation.Message, provider.Usage, error) {
	return conversation.Message{}, provider.Usage{}, nil
}

func (f *fakeProvider) Stream(ctx context.Context, system string, messages []conversation.Message, tools []tokens.ToolSchema) (<-chan provider.StreamChunk, error) {
	idx := f.calls
	f.calls++
	if idx >= len(f.scripted) {
		idx = len(f.scripted) - 1
	}
	ch := make(chan provider.StreamChunk, len(f.scripted[idx]))
	for _, c := range f.scripted[idx] {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func (f *fakeProvider) CompleteFast(ctx context.Context, system string, messages []conversation.Message) (conversation.Message, provider.Usage, error) {
	return conversation.Message{}, provider.Usage{}, nil
}

func (f *fakeProvider) ModelConfig() provider.ModelConfig {
	return provider.ModelConfig{Name: "fake", ContextLimit: 128_000}
}

func (f *fakeProvider) SupportsStreaming() bool { return true }

func (f *fakeProvider) Metadata() provider.ProviderMetadata {
	return provider.ProviderMetadata{Name: "fake", SupportsTools: true}
}

// fakeDispatcher echoes back a fixed outcome per tool name.
type fakeDispatcher struct {
	outcomes map[string]conversation.ToolOutcome
}

func (f *fakeDispatcher) ListTools() []conversation.ToolDescriptor { return nil }

func (f *fakeDispatcher) Dispatch(ctx context.Context, call conversation.ToolRequest) conversation.ToolOutcome {
	if o, ok := f.outcomes[call.ToolName]; ok {
		return o
	}
	return conversation.ToolOutcome{Content: []conversation.Part{conversation.Text{Value: "ok"}}}
}

func newTestSession() *conversation.Session {
	return &conversation.Session{ID: "sess-1", WorkingDir: "/tmp", Conversation: conversation.NewUnvalidated(nil)}
}

func drain(t *testing.T, ch <-chan Event, timeout time.Duration) []Event {
	t.Helper()
	var out []Event
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatal("timed out draining events")
		}
	}
}

func TestLoop_NoToolCalls_EmitsFinalMessage(t *testing.T) {
	p := &fakeProvider{scripted: [][]provider.StreamChunk{
		{{Text: "hello"}, {Text: " world"}},
	}}
	l := New(p, nil, nil, nil, nil, nil, nil, "system prompt", DefaultConfig())

	session := newTestSession()
	userMsg := conversation.NewMessage("u1", conversation.RoleUser, conversation.Text{Value: "hi"})

	events, err := l.Run(context.Background(), session, userMsg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := drain(t, events, time.Second)
	last := got[len(got)-1]
	msgEvent, ok := last.(MessageEvent)
	if !ok || !msgEvent.Final {
		t.Fatalf("expected final MessageEvent, got %#v", last)
	}
	if msgEvent.FinalMessage.Text() != "hello world" {
		t.Fatalf("unexpected final text %q", msgEvent.FinalMessage.Text())
	}
}

func TestLoop_ToolCall_DispatchesAndAppendsResponse(t *testing.T) {
	toolReq := conversation.ToolRequest{ID: "call-1", ToolName: "fs__read", Arguments: json.RawMessage(`{}`)}
	p := &fakeProvider{scripted: [][]provider.StreamChunk{
		{{ToolRequest: &toolReq}},
		{{Text: "done"}},
	}}
	dispatcher := &fakeDispatcher{outcomes: map[string]conversation.ToolOutcome{
		"fs__read": {Content: []conversation.Part{conversation.Text{Value: "file contents"}}},
	}}
	engine := permission.NewEngine(permission.DefaultPolicy(), nil)
	engine.SetPolicy(&permission.Policy{Mode: permission.ModeAutopilot})

	l := New(p, dispatcher, engine, nil, nil, nil, nil, "system", DefaultConfig())
	session := newTestSession()
	userMsg := conversation.NewMessage("u1", conversation.RoleUser, conversation.Text{Value: "read the file"})

	events, err := l.Run(context.Background(), session, userMsg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := drain(t, events, 2*time.Second)

	last := got[len(got)-1]
	msgEvent, ok := last.(MessageEvent)
	if !ok || !msgEvent.Final {
		t.Fatalf("expected final MessageEvent, got %#v", last)
	}

	msgs := session.Conversation.Messages()
	var sawResponse bool
	for _, m := range msgs {
		for _, r := range m.ToolResponses() {
			if r.ID == "call-1" {
				sawResponse = true
				if r.Result.IsError() {
					t.Fatalf("unexpected tool error: %s", r.Result.Err)
				}
			}
		}
	}
	if !sawResponse {
		t.Fatal("expected a ToolResponse for call-1 in the conversation")
	}
}

func TestLoop_DeniedTool_SynthesizesErrorResponse(t *testing.T) {
	toolReq := conversation.ToolRequest{ID: "call-2", ToolName: "shell__exec", Arguments: json.RawMessage(`{}`)}
	p := &fakeProvider{scripted: [][]provider.StreamChunk{
		{{ToolRequest: &toolReq}},
		{{Text: "ok"}},
	}}
	dispatcher := &fakeDispatcher{outcomes: map[string]conversation.ToolOutcome{}}
	policy := permission.DefaultPolicy()
	policy.Denylist = []string{"shell__exec"}
	engine := permission.NewEngine(policy, nil)

	l := New(p, dispatcher, engine, nil, nil, nil, nil, "system", DefaultConfig())
	session := newTestSession()
	userMsg := conversation.NewMessage("u1", conversation.RoleUser, conversation.Text{Value: "run rm -rf"})

	events, err := l.Run(context.Background(), session, userMsg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	drain(t, events, 2*time.Second)

	var found bool
	for _, m := range session.Conversation.Messages() {
		for _, r := range m.ToolResponses() {
			if r.ID == "call-2" {
				found = true
				if !r.Result.IsError() {
					t.Fatal("expected denied tool call to produce an error response")
				}
			}
		}
	}
	if !found {
		t.Fatal("expected a synthesized error ToolResponse for call-2")
	}
}

// autoApproveWaiter immediately approves every pending approval without
// blocking, so the NeedsApproval path under test doesn't stall.
type autoApproveWaiter struct{}

func (autoApproveWaiter) Await(ctx context.Context, pending *permission.PendingApproval) (permission.Decision, error) {
	return permission.Approved, nil
}

func TestLoop_NeedsApproval_RecordsToolConfirmationRequest(t *testing.T) {
	toolReq := conversation.ToolRequest{ID: "call-3", ToolName: "fs__write", Arguments: json.RawMessage(`{"path":"x"}`)}
	p := &fakeProvider{scripted: [][]provider.StreamChunk{
		{{ToolRequest: &toolReq}},
		{{Text: "done"}},
	}}
	dispatcher := &fakeDispatcher{outcomes: map[string]conversation.ToolOutcome{}}
	engine := permission.NewEngine(permission.DefaultPolicy(), nil)

	l := New(p, dispatcher, engine, nil, autoApproveWaiter{}, nil, nil, "system", DefaultConfig())
	session := newTestSession()
	userMsg := conversation.NewMessage("u1", conversation.RoleUser, conversation.Text{Value: "write a file"})

	events, err := l.Run(context.Background(), session, userMsg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	drain(t, events, 2*time.Second)

	var found bool
	for _, m := range session.Conversation.Messages() {
		for _, part := range m.Parts {
			req, ok := part.(conversation.ToolConfirmationRequest)
			if !ok || req.ID != "call-3" {
				continue
			}
			found = true
			if req.ToolName != "fs__write" {
				t.Fatalf("expected ToolConfirmationRequest.ToolName %q, got %q", "fs__write", req.ToolName)
			}
			if m.Visibility.AgentVisible {
				t.Fatal("expected ToolConfirmationRequest message to be hidden from the agent-visible channel")
			}
			if !m.Visibility.UserVisible {
				t.Fatal("expected ToolConfirmationRequest message to be user-visible")
			}
		}
	}
	if !found {
		t.Fatal("expected a ToolConfirmationRequest part recorded for call-3")
	}
}

func TestLoop_Cancellation_EmitsCancelledEvent(t *testing.T) {
	p := &fakeProvider{scripted: [][]provider.StreamChunk{
		{{Text: "partial"}},
	}}
	l := New(p, nil, nil, nil, nil, nil, nil, "system", DefaultConfig())
	session := newTestSession()
	userMsg := conversation.NewMessage("u1", conversation.RoleUser, conversation.Text{Value: "hi"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	events, err := l.Run(ctx, session, userMsg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := drain(t, events, time.Second)
	last := got[len(got)-1]
	if _, ok := last.(CancelledEvent); !ok {
		t.Fatalf("expected CancelledEvent, got %#v", last)
	}
}

func TestLoop_ContextLengthExceeded_RetriesAfterForcedCompaction(t *testing.T) {
	p := &erroringThenOKProvider{
		failFirstN: 1,
		failKind:   provider.ErrContextLengthExceeded,
		ok:         []provider.StreamChunk{{Text: "recovered"}},
	}
	compactor := compaction.NewCompactor(stubSummarizer{}, nil)

	l := New(p, nil, nil, compactor, nil, nil, nil, "system", DefaultConfig())
	session := newTestSession()
	userMsg := conversation.NewMessage("u1", conversation.RoleUser, conversation.Text{Value: "hi"})

	events, err := l.Run(context.Background(), session, userMsg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := drain(t, events, time.Second)
	last := got[len(got)-1]
	msgEvent, ok := last.(MessageEvent)
	if !ok || !msgEvent.Final {
		t.Fatalf("expected final MessageEvent after recovery, got %#v", last)
	}
	if msgEvent.FinalMessage.Text() != "recovered" {
		t.Fatalf("unexpected text %q", msgEvent.FinalMessage.Text())
	}
}

func TestLoop_NonContextLengthProviderError_IsFatal(t *testing.T) {
	p := &erroringThenOKProvider{failFirstN: 1, failKind: provider.ErrRequestFailed}
	l := New(p, nil, nil, nil, nil, nil, nil, "system", DefaultConfig())
	session := newTestSession()
	userMsg := conversation.NewMessage("u1", conversation.RoleUser, conversation.Text{Value: "hi"})

	events, err := l.Run(context.Background(), session, userMsg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := drain(t, events, time.Second)
	last := got[len(got)-1]
	fatal, ok := last.(FatalEvent)
	if !ok {
		t.Fatalf("expected FatalEvent, got %#v", last)
	}
	if fatal.Err == nil {
		t.Fatal("expected non-nil error on FatalEvent")
	}
}

// erroringThenOKProvider fails its first failFirstN Stream calls with the
// given provider error kind, then succeeds with the scripted ok chunks.
type erroringThenOKProvider struct {
	failFirstN int
	failKind   provider.ErrorKind
	calls      int
	ok         []provider.StreamChunk
}

func (e *erroringThenOKProvider) Complete(ctx context.Context, system string, messages []conversation.Message, tools []tokens.ToolSchema) (conversation.Message, provider.Usage, error) {
	return conversation.Message{}, provider.Usage{}, nil
}

func (e *erroringThenOKProvider) Stream(ctx context.Context, system string, messages []conversation.Message, tools []tokens.ToolSchema) (<-chan provider.StreamChunk, error) {
	if e.calls < e.failFirstN {
		e.calls++
		return nil, &provider.Error{Kind: e.failKind, Message: "boom"}
	}
	e.calls++
	ch := make(chan provider.StreamChunk, len(e.ok))
	for _, c := range e.ok {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func (e *erroringThenOKProvider) CompleteFast(ctx context.Context, system string, messages []conversation.Message) (conversation.Message, provider.Usage, error) {
	return conversation.Message{}, provider.Usage{}, nil
}

func (e *erroringThenOKProvider) ModelConfig() provider.ModelConfig {
	return provider.ModelConfig{Name: "fake", ContextLimit: 128_000}
}

func (e *erroringThenOKProvider) SupportsStreaming() bool { return true }

func (e *erroringThenOKProvider) Metadata() provider.ProviderMetadata {
	return provider.ProviderMetadata{Name: "fake"}
}
