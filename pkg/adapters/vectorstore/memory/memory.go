// Package memory is an in-process cosine-similarity VectorStore.
package memory

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"

	"github.com/wilhg/clinic-assist/pkg/adapters/vectorstore"
)

const defaultNamespace = "default"

type entry struct {
	item vectorstore.Item
	norm float64
}

// Store keeps items per namespace with precomputed norms.
type Store struct {
	mu  sync.RWMutex
	nss map[string]map[string]entry
}

func New() *Store {
	return &Store{nss: make(map[string]map[string]entry)}
}

// Upsert inserts or replaces items by (namespace, id).
func (s *Store) Upsert(ctx context.Context, items []vectorstore.Item) error {
	for _, it := range items {
		if it.ID == "" {
			return errors.New("memory vectorstore: empty id")
		}
		if len(it.Vector) == 0 {
			return errors.New("memory vectorstore: empty vector")
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range items {
		ns := it.Namespace
		if ns == "" {
			ns = defaultNamespace
		}
		bucket, ok := s.nss[ns]
		if !ok {
			bucket = make(map[string]entry)
			s.nss[ns] = bucket
		}
		bucket[it.ID] = entry{item: it, norm: math.Sqrt(dot(it.Vector, it.Vector))}
	}
	return nil
}

// Query ranks items by cosine similarity; ties break by id for stable output.
func (s *Store) Query(ctx context.Context, query vectorstore.Vector, k int, filter vectorstore.Filter) ([]vectorstore.Match, error) {
	qn := math.Sqrt(dot(query, query))
	if qn == 0 {
		return nil, errors.New("memory vectorstore: zero-norm query vector")
	}
	ns := filter.Namespace
	if ns == "" {
		ns = defaultNamespace
	}

	s.mu.RLock()
	matches := make([]vectorstore.Match, 0, len(s.nss[ns]))
	for _, e := range s.nss[ns] {
		if len(e.item.Vector) != len(query) || e.norm == 0 || !metaEquals(e.item.Metadata, filter.Equals) {
			continue
		}
		score := float32(dot(query, e.item.Vector) / (qn * e.norm))
		matches = append(matches, vectorstore.Match{Item: e.item, Score: score})
	}
	s.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Item.ID < matches[j].Item.ID
	})
	if k > 0 && len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// Len returns the number of items in a namespace.
func (s *Store) Len(namespace string) int {
	if namespace == "" {
		namespace = defaultNamespace
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nss[namespace])
}

func metaEquals(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

func dot(a, b vectorstore.Vector) float64 {
	n := min(len(a), len(b))
	var s float64
	for i := 0; i < n; i++ {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}
