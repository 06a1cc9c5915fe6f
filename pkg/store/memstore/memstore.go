// Package memstore is an in-process conversation store for development and
// tests. Contexts are deep-copied on the way in and out.
package memstore

import (
	"context"
	"sync"

	"github.com/wilhg/clinic-assist/pkg/conversation"
	"github.com/wilhg/clinic-assist/pkg/store"
)

type Store struct {
	mu    sync.RWMutex
	convs map[string]*conversation.Context
	turns map[string][]store.TurnRecord
}

func New() *Store {
	return &Store{
		convs: map[string]*conversation.Context{},
		turns: map[string][]store.TurnRecord{},
	}
}

func (s *Store) Load(ctx context.Context, id string) (*conversation.Context, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return c.Clone(), nil
}

func (s *Store) Commit(ctx context.Context, c *conversation.Context, turn *store.TurnRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var current int64
	if prev, ok := s.convs[c.ID]; ok {
		current = prev.Version
	}
	if current != c.Version {
		return store.ErrConflict
	}
	saved := c.Clone()
	saved.Version = current + 1
	s.convs[c.ID] = saved
	if turn != nil {
		rec := *turn
		rec.ToolsExecuted = append([]string(nil), turn.ToolsExecuted...)
		s.turns[c.ID] = append(s.turns[c.ID], rec)
	}
	c.Version = saved.Version
	return nil
}

func (s *Store) Turns(ctx context.Context, conversationID string) ([]store.TurnRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]store.TurnRecord(nil), s.turns[conversationID]...), nil
}

func (s *Store) Close() error { return nil }
