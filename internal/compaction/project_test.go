package compaction

import (
	"context"
	"testing"

	"github.com/loomrun/loom/pkg/conversation"
)

func TestCompactor_SkipsWhenUnderThreshold(t *testing.T) {
	summarizer := &stubSummarizer{result: "summary text"}
	compactor := NewCompactor(summarizer, nil)

	conv := conversation.NewUnvalidated([]conversation.Message{
		conversation.NewMessage("m1", conversation.RoleUser, conversation.Text{Value: "hi"}),
	})

	result, res, err := compactor.Compact(context.Background(), conv, "system", nil, 100000, 0.8)
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if res.Applied {
		t.Fatal("expected compaction to be skipped under threshold")
	}
	if result.Len() != conv.Len() {
		t.Fatalf("expected unchanged conversation, got %d messages", result.Len())
	}
}

func TestCompactor_SummarizesOverThreshold(t *testing.T) {
	summarizer := &stubSummarizer{result: "summary text"}
	compactor := NewCompactor(summarizer, nil)

	var msgs []conversation.Message
	big := make([]byte, 2000)
	for i := range big {
		big[i] = 'x'
	}
	for i := 0; i < 10; i++ {
		msgs = append(msgs,
			conversation.NewMessage("u"+itoa(i), conversation.RoleUser, conversation.Text{Value: string(big)}),
			conversation.NewMessage("a"+itoa(i), conversation.RoleAssistant, conversation.Text{Value: string(big)}),
		)
	}
	conv := conversation.NewUnvalidated(msgs)

	result, res, err := compactor.Compact(context.Background(), conv, "system", nil, 1000, 0.8)
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if !res.Applied {
		t.Fatal("expected compaction to apply when over threshold")
	}
	if result.Len() == 0 || result.Len() >= conv.Len() {
		t.Fatalf("expected a shorter conversation, got %d (was %d)", result.Len(), conv.Len())
	}
	first := result.Messages()[0]
	if first.Role != conversation.RoleAssistant {
		t.Fatalf("expected compaction summary message first, got role %v", first.Role)
	}
}

type stubSummarizer struct {
	result string
}

func (s *stubSummarizer) GenerateSummary(ctx context.Context, messages []*Message, config *SummarizationConfig) (string, error) {
	return s.result, nil
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	digits := []byte{}
	for i > 0 {
		digits = append([]byte{byte('0' + i%10)}, digits...)
		i /= 10
	}
	return string(digits)
}
