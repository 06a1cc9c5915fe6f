// Package vectorstore indexes labelled example utterances for nearest
// neighbour search by the embedding classifier.
package vectorstore

import (
	"context"
)

// Vector is a dense embedding.
type Vector []float32

// Item is one indexed vector with its label and metadata.
type Item struct {
	ID        string
	Namespace string
	Vector    Vector
	// Label is what a match votes for, e.g. an intent name.
	Label    string
	Metadata map[string]string
}

// Match is a search result; higher scores are more similar.
type Match struct {
	Item  Item
	Score float32
}

// Filter constrains query results.
type Filter struct {
	Namespace string
	// Equals matches exact metadata values (AND across keys).
	Equals map[string]string
}

// VectorStore upserts items and answers top-k similarity queries.
type VectorStore interface {
	Upsert(ctx context.Context, items []Item) error
	Query(ctx context.Context, query Vector, k int, filter Filter) ([]Match, error)
}
