// Package events publishes conversation lifecycle events after a turn has
// been committed.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types.
const (
	TypeTurnCompleted    = "turn.completed"
	TypeHandoffRequested = "handoff.requested"
	TypeHandoffActivated = "handoff.activated"
)

type Event struct {
	ID             string         `json:"id"`
	Type           string         `json:"type"`
	ConversationID string         `json:"conversationId"`
	Assistant      string         `json:"assistant"`
	OccurredAt     time.Time      `json:"occurredAt"`
	Data           map[string]any `json:"data,omitempty"`
}

// NewEvent stamps an event with a fresh id.
func NewEvent(typ, conversationID, assistant string, at time.Time, data map[string]any) Event {
	return Event{
		ID:             uuid.NewString(),
		Type:           typ,
		ConversationID: conversationID,
		Assistant:      assistant,
		OccurredAt:     at.UTC(),
		Data:           data,
	}
}

// Publisher delivers events. Events for one conversation are delivered in
// the order given.
type Publisher interface {
	Publish(ctx context.Context, evs ...Event) error
	Close() error
}

// Noop drops every event.
type Noop struct{}

func (Noop) Publish(context.Context, ...Event) error { return nil }
func (Noop) Close() error                            { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	// Err, when set, is returned by Publish and nothing is recorded.
	Err error
}

func (r *Recorder) Publish(_ context.Context, evs ...Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.events = append(r.events, evs...)
	return nil
}

func (r *Recorder) Close() error { return nil }

// Events returns a copy of what has been published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}
