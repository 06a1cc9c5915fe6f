// Package openai registers the "openai" embedding provider.
package openai

import (
	"context"
	"fmt"
	"os"

	oa "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/wilhg/clinic-assist/pkg/adapters/embedding"
)

const defaultModel = "text-embedding-3-small"

type embedder struct {
	client oa.Client
	model  string
}

func (e *embedder) Name() string { return "openai" }

func (e *embedder) Embed(ctx context.Context, inputs []string) ([]embedding.Vector, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	resp, err := e.client.Embeddings.New(ctx, oa.EmbeddingNewParams{
		Model: oa.EmbeddingModel(e.model),
		Input: oa.EmbeddingNewParamsInputUnion{OfArrayOfStrings: inputs},
	})
	if err != nil {
		return nil, fmt.Errorf("openai embed: %w", err)
	}
	if len(resp.Data) != len(inputs) {
		return nil, fmt.Errorf("openai embed: got %d vectors for %d inputs", len(resp.Data), len(inputs))
	}
	out := make([]embedding.Vector, len(inputs))
	for _, d := range resp.Data {
		if d.Index < 0 || int(d.Index) >= len(out) {
			return nil, fmt.Errorf("openai embed: index %d out of range", d.Index)
		}
		vec := make(embedding.Vector, len(d.Embedding))
		for i, f := range d.Embedding {
			vec[i] = float32(f)
		}
		out[d.Index] = vec
	}
	return out, nil
}

// Factory builds the provider; the key falls back to OPENAI_API_KEY.
func Factory(ctx context.Context, cfg embedding.Config) (embedding.Embedder, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("openai: missing API key; set OPENAI_API_KEY")
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	return &embedder{client: oa.NewClient(option.WithAPIKey(apiKey)), model: model}, nil
}

func init() {
	_ = embedding.Register("openai", Factory)
}
