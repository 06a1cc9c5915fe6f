//go:build integration

package openai

import (
	"context"
	"os"
	"testing"

	"github.com/wilhg/clinic-assist/pkg/adapters/embedding"
)

func TestOpenAIEmbeddings(t *testing.T) {
	if os.Getenv("OPENAI_API_KEY") == "" {
		t.Skip("OPENAI_API_KEY not set")
	}
	ctx := context.Background()
	e, err := Factory(ctx, embedding.Config{})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	vecs, err := e.Embed(ctx, []string{"book an appointment", "what do I owe"})
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(vecs) != 2 || len(vecs[0]) == 0 {
		t.Fatalf("vectors=%d dim=%d", len(vecs), len(vecs[0]))
	}
}
