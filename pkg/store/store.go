// Package store persists conversation contexts. Every backend exposes one
// write path, Commit, which stores the whole context together with an
// optional turn audit record, so a context is never partially updated.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/wilhg/clinic-assist/pkg/conversation"
)

var (
	// ErrNotFound is returned by Load for an unknown conversation id.
	ErrNotFound = errors.New("store: conversation not found")
	// ErrConflict is returned by Commit when the stored version moved on
	// since the context was loaded.
	ErrConflict = errors.New("store: version conflict")
)

// TurnRecord is the audit row written with the context at the end of a turn.
type TurnRecord struct {
	TurnID         string                    `json:"turnId"`
	ConversationID string                    `json:"conversationId"`
	Assistant      string                    `json:"assistant"`
	Intent         string                    `json:"intent"`
	Confidence     float64                   `json:"confidence"`
	ToolsExecuted  []string                  `json:"toolsExecuted"`
	HandoffState   conversation.HandoffState `json:"handoffState"`
	CreatedAt      time.Time                 `json:"createdAt"`
}

// Store is the conversation context store.
//
// Commit expects c.Version to be the version that was loaded (zero for a
// context that has never been stored). On success it sets c.Version to the
// new version. A stale version yields ErrConflict and nothing is written.
type Store interface {
	Load(ctx context.Context, id string) (*conversation.Context, error)
	Commit(ctx context.Context, c *conversation.Context, turn *TurnRecord) error
	Turns(ctx context.Context, conversationID string) ([]TurnRecord, error)
	Close() error
}
