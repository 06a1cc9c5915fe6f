// Package config loads clinic-assist settings: built-in defaults, then an
// optional YAML file, then environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wilhg/clinic-assist/pkg/permission"
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Log           LogConfig           `yaml:"log"`
	Policy        PolicyConfig        `yaml:"policy"`
	Roles         map[string][]string `yaml:"roles"`
	CustomerAgent AgentConfig         `yaml:"customer_agent"`
	Classifier    ClassifierConfig    `yaml:"classifier"`
	Store         StoreConfig         `yaml:"store"`
	Clinic        ClinicConfig        `yaml:"clinic"`
	Events        EventsConfig        `yaml:"events"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
}

type ServerConfig struct {
	Addr          string        `yaml:"addr"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type PolicyConfig struct {
	ConfidenceThreshold        float64       `yaml:"confidence_threshold"`
	HistoryWindowTurns         int           `yaml:"history_window_turns"`
	HistoryWindowTokens        int           `yaml:"history_window_tokens"`
	HandoffEscalateAfter       int           `yaml:"handoff_escalate_after"`
	ClassifierTimeout          time.Duration `yaml:"classifier_timeout"`
	ToolTimeout                time.Duration `yaml:"tool_timeout"`
	DefaultSlotDurationMinutes int           `yaml:"default_slot_duration_minutes"`
	DefaultBranchID            string        `yaml:"default_branch_id"`
	DefaultServiceID           string        `yaml:"default_service_id"`
	FollowupAssignee           string        `yaml:"followup_assignee"`
}

type AgentConfig struct {
	ID           string   `yaml:"id"`
	Capabilities []string `yaml:"capabilities"`
}

type ClassifierConfig struct {
	// Provider is keyword, llm or embedding.
	Provider          string `yaml:"provider"`
	LLMProvider       string `yaml:"llm_provider"`
	LLMModel          string `yaml:"llm_model"`
	EmbeddingProvider string `yaml:"embedding_provider"`
	EmbeddingModel    string `yaml:"embedding_model"`
}

type StoreConfig struct {
	// DatabaseURL selects the SQL store; empty keeps conversations in memory.
	DatabaseURL string `yaml:"database_url"`
}

type ClinicConfig struct {
	BaseURL string        `yaml:"base_url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

type EventsConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type TelemetryConfig struct {
	ServiceName string `yaml:"service_name"`
	Stdout      bool   `yaml:"stdout"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:          ":8080",
			ReadTimeout:   15 * time.Second,
			WriteTimeout:  30 * time.Second,
			ShutdownGrace: 10 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "json"},
		Policy: PolicyConfig{
			ConfidenceThreshold:        0.6,
			HistoryWindowTurns:         10,
			HistoryWindowTokens:        2000,
			HandoffEscalateAfter:       2,
			ClassifierTimeout:          3 * time.Second,
			ToolTimeout:                5 * time.Second,
			DefaultSlotDurationMinutes: 30,
			DefaultBranchID:            "main",
			DefaultServiceID:           "consultation",
			FollowupAssignee:           "front-desk",
		},
		CustomerAgent: AgentConfig{ID: "customer-agent"},
		Classifier:    ClassifierConfig{Provider: "keyword", LLMProvider: "openai", EmbeddingProvider: "fake"},
		Clinic:        ClinicConfig{Timeout: 5 * time.Second},
		Events:        EventsConfig{Topic: "clinic-assist.turns"},
		Telemetry:     TelemetryConfig{ServiceName: "clinic-assist"},
	}
}

// Load reads path (or CLINIC_ASSIST_CONFIG when path is empty) over the
// defaults and applies environment overrides. A missing file is an error only
// when a path was given.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv("CLINIC_ASSIST_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if v := os.Getenv("CLINIC_ASSIST_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Store.DatabaseURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Events.Brokers = splitList(v)
	}
	if v := os.Getenv("CLASSIFIER_PROVIDER"); v != "" {
		cfg.Classifier.Provider = v
	}
	if v := os.Getenv("CLINIC_API_URL"); v != "" {
		cfg.Clinic.BaseURL = v
	}
	if v := os.Getenv("CLINIC_API_TOKEN"); v != "" {
		cfg.Clinic.Token = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	p := c.Policy
	if p.ConfidenceThreshold < 0 || p.ConfidenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("policy.confidence_threshold must be within [0,1], got %v", p.ConfidenceThreshold))
	}
	if p.HistoryWindowTurns <= 0 {
		errs = append(errs, fmt.Errorf("policy.history_window_turns must be positive, got %d", p.HistoryWindowTurns))
	}
	if p.HistoryWindowTokens < 0 {
		errs = append(errs, fmt.Errorf("policy.history_window_tokens must not be negative, got %d", p.HistoryWindowTokens))
	}
	if p.HandoffEscalateAfter < 1 {
		errs = append(errs, fmt.Errorf("policy.handoff_escalate_after must be at least 1, got %d", p.HandoffEscalateAfter))
	}
	if p.ClassifierTimeout <= 0 {
		errs = append(errs, errors.New("policy.classifier_timeout must be positive"))
	}
	if p.ToolTimeout <= 0 {
		errs = append(errs, errors.New("policy.tool_timeout must be positive"))
	}
	if p.DefaultSlotDurationMinutes <= 0 {
		errs = append(errs, errors.New("policy.default_slot_duration_minutes must be positive"))
	}
	switch c.Classifier.Provider {
	case "keyword", "llm", "embedding":
	default:
		errs = append(errs, fmt.Errorf("classifier.provider %q is not one of keyword, llm, embedding", c.Classifier.Provider))
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not one of json, text", c.Log.Format))
	}
	if c.Clinic.BaseURL != "" && c.Clinic.Timeout <= 0 {
		errs = append(errs, errors.New("clinic.timeout must be positive"))
	}
	if len(c.Events.Brokers) > 0 && c.Events.Topic == "" {
		errs = append(errs, errors.New("events.topic is required when brokers are set"))
	}
	if c.CustomerAgent.ID == "" {
		errs = append(errs, errors.New("customer_agent.id is required"))
	}
	return errors.Join(errs...)
}

// RoleTable returns the built-in roles with configured roles replacing them.
func (c *Config) RoleTable() permission.RoleTable {
	t := permission.DefaultRoles()
	for role, caps := range c.Roles {
		t[permission.Role(role)] = capSet(caps)
	}
	return t
}

// CustomerAgentCaller is the service identity the customer agent calls tools
// as. Configured capabilities replace the customer_agent role's defaults.
func (c *Config) CustomerAgentCaller() permission.Caller {
	caller := permission.NewCaller(c.CustomerAgent.ID, permission.RoleCustomerAgent, c.RoleTable())
	if len(c.CustomerAgent.Capabilities) > 0 {
		caller.Capabilities = capSet(c.CustomerAgent.Capabilities)
	}
	return caller
}

func capSet(caps []string) permission.Set {
	cs := make([]permission.Capability, len(caps))
	for i, s := range caps {
		cs[i] = permission.Capability(strings.TrimSpace(s))
	}
	return permission.NewSet(cs...)
}
