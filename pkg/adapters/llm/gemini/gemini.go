// Package gemini registers the "gemini" chat provider.
package gemini

import (
	"context"
	"fmt"
	"os"

	genai "google.golang.org/genai"

	"github.com/wilhg/clinic-assist/pkg/adapters/llm"
)

const defaultModel = "gemini-2.5-flash-lite"

type chat struct {
	client *genai.Client
	model  string
}

func (c *chat) Name() string { return "gemini" }

func (c *chat) Generate(ctx context.Context, messages []llm.Message, opts llm.Options) (llm.Result, error) {
	model := c.model
	if opts.Model != "" {
		model = opts.Model
	}
	cfg := &genai.GenerateContentConfig{}
	var contents []*genai.Content
	for _, m := range messages {
		if m.Content == "" {
			continue
		}
		switch m.Role {
		case llm.RoleSystem:
			// Gemini takes system text separately from the turn list.
			if cfg.SystemInstruction == nil {
				cfg.SystemInstruction = &genai.Content{}
			}
			cfg.SystemInstruction.Parts = append(cfg.SystemInstruction.Parts, &genai.Part{Text: m.Content})
		case llm.RoleAssistant:
			contents = append(contents, &genai.Content{Role: "model", Parts: []*genai.Part{{Text: m.Content}}})
		default:
			contents = append(contents, &genai.Content{Role: "user", Parts: []*genai.Part{{Text: m.Content}}})
		}
	}
	if opts.JSON {
		cfg.ResponseMIMEType = "application/json"
	}
	if opts.MaxOutputTokens > 0 {
		cfg.MaxOutputTokens = int32(opts.MaxOutputTokens)
	}
	res, err := c.client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return llm.Result{}, fmt.Errorf("gemini generate: %w", err)
	}
	out := llm.Result{Text: res.Text(), Model: model}
	if u := res.UsageMetadata; u != nil {
		out.PromptTokens = int(u.PromptTokenCount)
		out.OutputTokens = int(u.CandidatesTokenCount)
	}
	return out, nil
}

// Factory builds the provider; the key falls back to GOOGLE_API_KEY.
func Factory(ctx context.Context, cfg llm.Config) (llm.LLM, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("GOOGLE_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("gemini: missing API key; set GOOGLE_API_KEY")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI})
	if err != nil {
		return nil, err
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	return &chat{client: client, model: model}, nil
}

func init() {
	_ = llm.Register("gemini", Factory)
}
