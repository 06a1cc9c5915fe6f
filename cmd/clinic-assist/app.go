package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/wilhg/clinic-assist/internal/config"
	"github.com/wilhg/clinic-assist/pkg/adapters/embedding"
	_ "github.com/wilhg/clinic-assist/pkg/adapters/embedding/fake"
	_ "github.com/wilhg/clinic-assist/pkg/adapters/embedding/openai"
	"github.com/wilhg/clinic-assist/pkg/adapters/llm"
	_ "github.com/wilhg/clinic-assist/pkg/adapters/llm/gemini"
	_ "github.com/wilhg/clinic-assist/pkg/adapters/llm/openai"
	"github.com/wilhg/clinic-assist/pkg/adapters/vectorstore/memory"
	"github.com/wilhg/clinic-assist/pkg/classifier"
	"github.com/wilhg/clinic-assist/pkg/clinic"
	"github.com/wilhg/clinic-assist/pkg/clinic/memclinic"
	"github.com/wilhg/clinic-assist/pkg/clinic/restclinic"
	"github.com/wilhg/clinic-assist/pkg/conversation/window"
	"github.com/wilhg/clinic-assist/pkg/dispatch"
	"github.com/wilhg/clinic-assist/pkg/events"
	"github.com/wilhg/clinic-assist/pkg/orchestrator"
	"github.com/wilhg/clinic-assist/pkg/prompt"
	"github.com/wilhg/clinic-assist/pkg/store"
	"github.com/wilhg/clinic-assist/pkg/store/memstore"
	"github.com/wilhg/clinic-assist/pkg/store/sqlstore"
	"github.com/wilhg/clinic-assist/pkg/tool/clinictools"
)

// app is the fully wired service.
type app struct {
	cfg          *config.Config
	log          *slog.Logger
	store        store.Store
	classifier   *classifier.Guarded
	dispatcher   *dispatch.Dispatcher
	publisher    events.Publisher
	orchestrator *orchestrator.Orchestrator
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func buildApp(ctx context.Context, cfg *config.Config, log *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}
	var err error
	if a.store, err = openStore(ctx, cfg.Store); err != nil {
		return nil, err
	}

	svc := clinicServices(cfg.Clinic)
	reg, err := clinictools.New(svc, clinictools.Options{
		DefaultBranchID:     cfg.Policy.DefaultBranchID,
		DefaultSlotDuration: cfg.Policy.DefaultSlotDurationMinutes,
	})
	if err != nil {
		_ = a.store.Close()
		return nil, err
	}
	a.dispatcher = dispatch.New(reg, dispatch.WithTimeout(cfg.Policy.ToolTimeout), dispatch.WithLogger(log))

	cls, err := buildClassifier(ctx, cfg.Classifier)
	if err != nil {
		_ = a.store.Close()
		return nil, err
	}
	a.classifier = classifier.Guard(cls, cfg.Policy.ClassifierTimeout, log)

	a.publisher = events.Noop{}
	if len(cfg.Events.Brokers) > 0 {
		a.publisher = events.NewKafka(cfg.Events.Brokers, cfg.Events.Topic)
	}

	a.orchestrator = orchestrator.New(a.store, a.classifier, a.dispatcher,
		orchestrator.WithPolicy(orchestrator.Policy{
			ConfidenceThreshold: cfg.Policy.ConfidenceThreshold,
			EscalateAfter:       cfg.Policy.HandoffEscalateAfter,
			DefaultServiceID:    cfg.Policy.DefaultServiceID,
			FollowupAssignee:    cfg.Policy.FollowupAssignee,
		}),
		orchestrator.WithWindow(buildWindow(cfg.Policy, cfg.Classifier.LLMModel, log)),
		orchestrator.WithPublisher(a.publisher),
		orchestrator.WithCustomerAgent(cfg.CustomerAgentCaller()),
		orchestrator.WithLogger(log),
	)
	return a, nil
}

func (a *app) Close() error {
	return errors.Join(a.publisher.Close(), a.store.Close())
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	if cfg.DatabaseURL == "" {
		return memstore.New(), nil
	}
	st, err := sqlstore.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return st, nil
}

func clinicServices(cfg config.ClinicConfig) clinic.Services {
	if cfg.BaseURL == "" {
		return memclinic.Demo().Services()
	}
	return restclinic.New(cfg.BaseURL, cfg.Token, cfg.Timeout).Services()
}

func buildClassifier(ctx context.Context, cfg config.ClassifierConfig) (classifier.Classifier, error) {
	switch cfg.Provider {
	case "llm":
		model, err := llm.Open(ctx, cfg.LLMProvider, llm.Config{Model: cfg.LLMModel})
		if err != nil {
			return nil, fmt.Errorf("llm classifier: %w", err)
		}
		prompts := prompt.NewStore()
		if err := classifier.RegisterDefaultPrompts(prompts); err != nil {
			return nil, err
		}
		return classifier.NewLLM(model, prompts)
	case "embedding":
		emb, err := embedding.Open(ctx, cfg.EmbeddingProvider, embedding.Config{Model: cfg.EmbeddingModel})
		if err != nil {
			return nil, fmt.Errorf("embedding classifier: %w", err)
		}
		return classifier.NewEmbedding(ctx, emb, memory.New(), classifier.DefaultExemplars(), 5)
	default:
		return classifier.NewKeyword(nil), nil
	}
}

// buildWindow uses tiktoken counts when a token cap is set and the encoding
// is available, and falls back to the window's rune estimate otherwise.
func buildWindow(p config.PolicyConfig, model string, log *slog.Logger) *window.Window {
	opts := []window.Option{window.WithMaxTurns(p.HistoryWindowTurns), window.WithMaxTokens(p.HistoryWindowTokens)}
	if p.HistoryWindowTokens <= 0 {
		return window.New(opts...)
	}
	if model == "" {
		model = "gpt-4o"
	}
	if est, err := window.NewTikTokenEstimator(model); err == nil {
		opts = append(opts, window.WithTokenEstimator(est))
	} else {
		log.Warn("tiktoken unavailable, estimating tokens from runes", "model", model, "error", err)
	}
	return window.New(opts...)
}

// loadApp is the shared prologue of every subcommand.
func loadApp(ctx context.Context, logOut io.Writer) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log := newLogger(cfg.Log, logOut)
	slog.SetDefault(log)
	start := time.Now()
	a, err := buildApp(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	log.Debug("app ready", "classifier", cfg.Classifier.Provider, "persistent_store", cfg.Store.DatabaseURL != "", "took", time.Since(start))
	return a, nil
}
