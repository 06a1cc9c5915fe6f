// Package window selects the trailing slice of a conversation's history that
// is handed to the intent classifier.
package window

import (
	"github.com/wilhg/clinic-assist/pkg/conversation"
)

// TokenEstimator estimates token usage of text content.
type TokenEstimator func(text string) int

// Log summarizes a selection.
type Log struct {
	Turns        int // user turns included
	Tokens       int // estimated tokens of included messages
	DroppedCount int // older messages left out
}

// Window deterministically trims history to a turn count and token budget.
type Window struct {
	estimate  TokenEstimator
	maxTurns  int
	maxTokens int
}

// Option configures the Window.
type Option func(*Window)

// WithTokenEstimator sets the token estimator. Defaults to rune length.
func WithTokenEstimator(est TokenEstimator) Option {
	return func(w *Window) {
		if est != nil {
			w.estimate = est
		}
	}
}

// WithMaxTurns caps the number of user turns. Zero or less keeps the default of 10.
func WithMaxTurns(n int) Option {
	return func(w *Window) {
		if n > 0 {
			w.maxTurns = n
		}
	}
}

// WithMaxTokens caps the estimated token total. Zero or less means no cap.
func WithMaxTokens(n int) Option {
	return func(w *Window) {
		if n > 0 {
			w.maxTokens = n
		}
	}
}

// New creates a Window.
func New(opts ...Option) *Window {
	w := &Window{
		estimate: func(s string) int { return len([]rune(s)) },
		maxTurns: 10,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Select returns the newest messages that fit, oldest first.
// A turn starts at a user message and includes the replies that follow it.
// Walking backwards, selection stops before the turn that would exceed
// maxTurns or before the first message that would exceed the token budget.
// System messages are included but never start a turn.
func (w *Window) Select(history []conversation.Message) ([]conversation.Message, Log) {
	var lg Log
	start := len(history)
	budget := w.maxTokens
	for i := len(history) - 1; i >= 0; i-- {
		m := history[i]
		if m.Role == conversation.RoleUser {
			if lg.Turns == w.maxTurns {
				break
			}
		}
		cost := w.estimate(m.Content)
		if w.maxTokens > 0 && cost > budget {
			break
		}
		budget -= cost
		lg.Tokens += cost
		if m.Role == conversation.RoleUser {
			lg.Turns++
		}
		start = i
	}
	lg.DroppedCount = start
	out := make([]conversation.Message, len(history)-start)
	copy(out, history[start:])
	return out, lg
}
