// Package llm is the chat-model boundary used by the LLM intent classifier.
// Providers register a factory by name from their init function.
package llm

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Role is the author of a prompt message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role
	Content string
}

// Options tune a single generation.
type Options struct {
	// Model overrides the provider's configured model.
	Model string
	// JSON asks the provider for a single JSON object answer.
	JSON bool
	// MaxOutputTokens caps the answer; zero leaves the provider default.
	MaxOutputTokens int
}

// Result is the model's text output with token usage when reported.
type Result struct {
	Text         string
	Model        string
	PromptTokens int
	OutputTokens int
}

// LLM generates one answer from a list of messages.
type LLM interface {
	Name() string
	Generate(ctx context.Context, messages []Message, opts Options) (Result, error)
}

// Config is the provider-independent construction input. An empty APIKey
// means the provider reads its usual environment variable.
type Config struct {
	APIKey string
	Model  string
}

// Factory constructs an LLM from config.
type Factory func(ctx context.Context, cfg Config) (LLM, error)

var (
	regMu     sync.RWMutex
	factories = map[string]Factory{}
)

// Register registers an LLM factory under a provider name.
func Register(name string, f Factory) error {
	if name == "" {
		return fmt.Errorf("llm: empty provider name")
	}
	if f == nil {
		return fmt.Errorf("llm: nil factory for %q", name)
	}
	regMu.Lock()
	defer regMu.Unlock()
	if _, exists := factories[name]; exists {
		return fmt.Errorf("llm: provider %q already registered", name)
	}
	factories[name] = f
	return nil
}

// Open resolves a provider and constructs it.
func Open(ctx context.Context, name string, cfg Config) (LLM, error) {
	regMu.RLock()
	f, ok := factories[name]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("llm: unknown provider %q (registered: %v)", name, Providers())
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
