package window

import (
	"testing"

	"github.com/wilhg/clinic-assist/pkg/conversation"
)

func history(pairs ...string) []conversation.Message {
	var out []conversation.Message
	for i, s := range pairs {
		role := conversation.RoleUser
		if i%2 == 1 {
			role = conversation.RoleAssistant
		}
		out = append(out, conversation.Message{Role: role, Content: s})
	}
	return out
}

func TestSelectByTurns(t *testing.T) {
	w := New(WithMaxTurns(2))
	h := history("u1", "a1", "u2", "a2", "u3", "a3")
	out, lg := w.Select(h)
	if len(out) != 4 || out[0].Content != "u2" || out[3].Content != "a3" {
		t.Fatalf("out=%+v", out)
	}
	if lg.Turns != 2 || lg.DroppedCount != 2 {
		t.Fatalf("log=%+v", lg)
	}
}

func TestSelectByTokens(t *testing.T) {
	est := func(s string) int { return len(s) }
	w := New(WithTokenEstimator(est), WithMaxTokens(10), WithMaxTurns(50))
	h := history("aaaa", "bbbb", "cccc", "dd")
	// Newest first: dd(2) + cccc(4) + bbbb(4) = 10, aaaa would exceed.
	out, lg := w.Select(h)
	if len(out) != 3 || out[0].Content != "bbbb" {
		t.Fatalf("out=%+v", out)
	}
	if lg.Tokens != 10 || lg.DroppedCount != 1 {
		t.Fatalf("log=%+v", lg)
	}
}

func TestSelectEmptyAndDefault(t *testing.T) {
	out, lg := New().Select(nil)
	if len(out) != 0 || lg.Turns != 0 {
		t.Fatalf("out=%v log=%+v", out, lg)
	}
}

func TestNewTikTokenEstimator(t *testing.T) {
	est, err := NewTikTokenEstimator("gpt-4")
	if err != nil {
		t.Skipf("tiktoken not available for model: %v", err)
	}
	if got := est("hello world"); got <= 0 {
		t.Fatalf("got %d tokens, want > 0", got)
	}
}
