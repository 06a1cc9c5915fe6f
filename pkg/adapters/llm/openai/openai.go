// Package openai registers the "openai" chat provider.
package openai

import (
	"context"
	"fmt"
	"os"

	oa "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"github.com/wilhg/clinic-assist/pkg/adapters/llm"
)

const defaultModel = "gpt-5-nano"

type chat struct {
	client oa.Client
	model  string
}

func (c *chat) Name() string { return "openai" }

func (c *chat) Generate(ctx context.Context, messages []llm.Message, opts llm.Options) (llm.Result, error) {
	model := c.model
	if opts.Model != "" {
		model = opts.Model
	}
	mm := make([]oa.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case llm.RoleSystem:
			mm = append(mm, oa.SystemMessage(m.Content))
		case llm.RoleAssistant:
			mm = append(mm, oa.AssistantMessage(m.Content))
		default:
			mm = append(mm, oa.UserMessage(m.Content))
		}
	}
	params := oa.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: mm,
	}
	if opts.JSON {
		params.ResponseFormat = oa.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}
	if opts.MaxOutputTokens > 0 {
		params.MaxCompletionTokens = oa.Int(int64(opts.MaxOutputTokens))
	}
	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return llm.Result{}, fmt.Errorf("openai chat: %w", err)
	}
	var out string
	if len(resp.Choices) > 0 {
		out = resp.Choices[0].Message.Content
	}
	return llm.Result{
		Text:         out,
		Model:        model,
		PromptTokens: int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
	}, nil
}

// Factory builds the provider; the key falls back to OPENAI_API_KEY.
func Factory(ctx context.Context, cfg llm.Config) (llm.LLM, error) {
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
	return &chat{client: oa.NewClient(option.WithAPIKey(apiKey)), model: model}, nil
}

func init() {
	_ = llm.Register("openai", Factory)
}
