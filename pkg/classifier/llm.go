package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/wilhg/clinic-assist/pkg/adapters/llm"
	"github.com/wilhg/clinic-assist/pkg/conversation"
	"github.com/wilhg/clinic-assist/pkg/errmodel"
	"github.com/wilhg/clinic-assist/pkg/prompt"
)

// PromptName is the template the LLM classifier renders as its system message.
const PromptName = "intent_classifier"

const defaultPrompt = `You classify messages sent to a medical clinic's assistant.
Today is {{.Today}}.
Allowed intents: {{.Intents}}.
Reply with exactly one JSON object:
{"intent": "<one allowed intent>", "confidence": <number between 0 and 1>, "entities": {"<field>": "<value>"}}
Entity fields: {{.Fields}}. Use YYYY-MM-DD for dates and 24h HH:MM for times.
Only include entities the customer actually stated. Use OTHER when unsure.`

// RegisterDefaultPrompts stores version 1 of the classifier prompt.
func RegisterDefaultPrompts(s *prompt.Store) error {
	_, _, err := s.Save(prompt.Prompt{
		Name:     PromptName,
		Body:     defaultPrompt,
		Requires: []string{"Intents", "Fields", "Today"},
		Meta:     map[string]string{"owner": "classifier"},
	})
	return err
}

// LLM asks a chat model for a JSON classification.
type LLM struct {
	model   llm.LLM
	prompts *prompt.Store
	version int
	now     func() time.Time
}

// LLMOption configures the LLM classifier.
type LLMOption func(*LLM)

// WithPromptVersion pins a prompt version; zero means latest.
func WithPromptVersion(v int) LLMOption { return func(c *LLM) { c.version = v } }

func WithLLMClock(now func() time.Time) LLMOption {
	return func(c *LLM) {
		if now != nil {
			c.now = now
		}
	}
}

// NewLLM builds the classifier. A nil store gets the default prompt.
func NewLLM(model llm.LLM, prompts *prompt.Store, opts ...LLMOption) (*LLM, error) {
	if prompts == nil {
		prompts = prompt.NewStore()
		if err := RegisterDefaultPrompts(prompts); err != nil {
			return nil, err
		}
	}
	c := &LLM{model: model, prompts: prompts, now: time.Now}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

type llmAnswer struct {
	Intent     string            `json:"intent"`
	Confidence float64           `json:"confidence"`
	Entities   map[string]string `json:"entities"`
}

func (c *LLM) Classify(ctx context.Context, req Request) (Classification, error) {
	now := req.Now
	if now.IsZero() {
		now = c.now()
	}
	intents := make([]string, 0, len(Intents()))
	for _, in := range Intents() {
		intents = append(intents, string(in))
	}
	fields := make([]string, 0, len(conversation.Fields()))
	for _, f := range conversation.Fields() {
		fields = append(fields, string(f))
	}
	system, p, err := c.prompts.Render(PromptName, c.version, map[string]string{
		"Today":   now.Format(time.DateOnly),
		"Intents": strings.Join(intents, ", "),
		"Fields":  strings.Join(fields, ", "),
	})
	if err != nil {
		return Classification{}, errmodel.Model("prompt_render", "classifier prompt unavailable", nil, err)
	}

	msgs := make([]llm.Message, 0, len(req.History)+2)
	msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: system})
	for _, m := range req.History {
		role := llm.RoleUser
		if m.Role == conversation.RoleAssistant {
			role = llm.RoleAssistant
		}
		msgs = append(msgs, llm.Message{Role: role, Content: m.Content})
	}
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: req.Message})

	res, err := c.model.Generate(ctx, msgs, llm.Options{JSON: true, MaxOutputTokens: 300})
	if err != nil {
		return Classification{}, errmodel.Model("generate_failed", "classifier model call failed",
			map[string]any{"provider": c.model.Name(), "prompt_version": p.Version}, err)
	}
	ans, err := parseAnswer(res.Text)
	if err != nil {
		return Classification{}, errmodel.Model("bad_answer", "classifier answer is not valid JSON",
			map[string]any{"provider": c.model.Name(), "prompt_version": p.Version}, err)
	}
	out := Classification{Intent: Intent(ans.Intent), Confidence: ans.Confidence, Entities: map[conversation.Field]string{}}
	for k, v := range ans.Entities {
		out.Entities[conversation.Field(k)] = v
	}
	// Malformed values are dropped so regex extraction can fill them along
	// with anything the model left out.
	cleanEntities(out.Entities)
	out.InvoiceNumber = InvoiceNumber(req.Message)
	for f, v := range Extract(req.Message, now) {
		if _, ok := out.Entities[f]; !ok {
			out.Entities[f] = v
		}
	}
	return normalize(out), nil
}

// parseAnswer tolerates code fences and prose around the JSON object.
func parseAnswer(text string) (llmAnswer, error) {
	var ans llmAnswer
	start, end := strings.Index(text, "{"), strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return ans, errors.New("no JSON object in answer")
	}
	err := json.Unmarshal([]byte(text[start:end+1]), &ans)
	return ans, err
}
