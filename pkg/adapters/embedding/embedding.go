// Package embedding is the text-embedding boundary used by the embedding
// intent classifier. Providers register a factory by name.
package embedding

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Vector is a single embedding.
type Vector []float32

// Embedder returns one vector per input, in order. Implementations must honor ctx.
type Embedder interface {
	Name() string
	Embed(ctx context.Context, inputs []string) ([]Vector, error)
}

// Config is the provider-independent construction input.
type Config struct {
	APIKey string
	Model  string
	// Dimensions is used by providers that produce fixed-size local vectors.
	Dimensions int
}

type Factory func(ctx context.Context, cfg Config) (Embedder, error)

var (
	regMu     sync.RWMutex
	factories = map[string]Factory{}
)

// Register registers an Embedder factory under a provider name.
func Register(name string, f Factory) error {
	if name == "" {
		return fmt.Errorf("embedding: empty provider name")
	}
	if f == nil {
		return fmt.Errorf("embedding: nil factory for %q", name)
	}
	regMu.Lock()
	defer regMu.Unlock()
	if _, exists := factories[name]; exists {
		return fmt.Errorf("embedding: provider %q already registered", name)
	}
	factories[name] = f
	return nil
}

// Open resolves a provider and constructs it.
func Open(ctx context.Context, name string, cfg Config) (Embedder, error) {
	regMu.RLock()
	f, ok := factories[name]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("embedding: unknown provider %q (registered: %v)", name, Providers())
	}
	return f(ctx, cfg)
}

// Providers lists registered provider names in order.
func Providers() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make([]string, 0, len(factories))
	for n := range factories {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
