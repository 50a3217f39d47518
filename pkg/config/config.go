package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/spawn-mcp/research-coordinator/pkg/types"
)

// Config is the full coordinator configuration.
type Config struct {
	ProjectID string                            `yaml:"project_id"`
	Region    string                            `yaml:"region"`
	LLM       LLMConfig                         `yaml:"llm"`
	Research  ResearchConfig                    `yaml:"research"`
	Store     StoreConfig                       `yaml:"store"`
	Events    EventsConfig                      `yaml:"events"`
	Workers   map[types.WorkerRole]WorkerConfig `yaml:"workers"`
	Logging   LoggingConfig                     `yaml:"logging"`
}

// LLMConfig is passed through to the model provider unchanged.
type LLMConfig struct {
	BaseURL     string                      `yaml:"base_url"`
	APIKey      string                      `yaml:"api_key"`
	Model       string                      `yaml:"model"`
	Temperature float64                     `yaml:"temperature"`
	MaxTokens   int                         `yaml:"max_tokens"`
	RoleModels  map[types.WorkerRole]string `yaml:"role_models"`
}

// ModelFor returns the model configured for role, falling back to Model.
func (c LLMConfig) ModelFor(role types.WorkerRole) string {
	if m, ok := c.RoleModels[role]; ok && m != "" {
		return m
	}
	return c.Model
}

// ResearchConfig bounds a research run.
type ResearchConfig struct {
	Concurrency        int           `yaml:"concurrency"`
	MaxTasks           int           `yaml:"max_tasks"`
	MaxAnalyses        int           `yaml:"max_analyses"`
	MaxVerifications   int           `yaml:"max_verifications"`
	FreshnessThreshold time.Duration `yaml:"freshness_threshold"`
	ShortTermBudget    int           `yaml:"short_term_budget"`
	LongTermBudget     int           `yaml:"long_term_budget"`
	WorkerTimeout      time.Duration `yaml:"worker_timeout"`
	SynthesisTimeout   time.Duration `yaml:"synthesis_timeout"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Backend    string `yaml:"backend"`
	SQLitePath string `yaml:"sqlite_path"`
}

// EventsConfig selects where run events are published.
type EventsConfig struct {
	Backend string `yaml:"backend"`
	Topic   string `yaml:"topic"`
}

// WorkerConfig points a role at a remote drone instead of an in-process agent.
type WorkerConfig struct {
	URL          string `yaml:"url"`
	Service      string `yaml:"service"`
	Authenticate bool   `yaml:"authenticate"`
}

// Remote reports whether the role is served by a drone.
func (w WorkerConfig) Remote() bool {
	return w.URL != "" || w.Service != ""
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

const (
	StoreMemory    = "memory"
	StoreSQLite    = "sqlite"
	StoreFirestore = "firestore"

	EventsLog    = "log"
	EventsPubSub = "pubsub"
)

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Region: "us-central1",
		LLM: LLMConfig{
			BaseURL:     "https://api.openai.com/v1",
			Model:       "gpt-4o-mini",
			Temperature: 0.2,
			MaxTokens:   2048,
		},
		Research: ResearchConfig{
			Concurrency:        3,
			MaxTasks:           5,
			MaxAnalyses:        5,
			MaxVerifications:   5,
			FreshnessThreshold: 24 * time.Hour,
			ShortTermBudget:    4000,
			LongTermBudget:     16000,
			WorkerTimeout:      2 * time.Minute,
			SynthesisTimeout:   3 * time.Minute,
		},
		Store:   StoreConfig{Backend: StoreMemory, SQLitePath: ".research/research.db"},
		Events:  EventsConfig{Backend: EventsLog, Topic: "research-status"},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads path over the defaults and applies environment overrides.
// An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func applyEnv(cfg *Config) error {
	cfg.ProjectID = getEnvOrDefault("GOOGLE_CLOUD_PROJECT", cfg.ProjectID)
	cfg.Region = getEnvOrDefault("GOOGLE_CLOUD_REGION", cfg.Region)
	cfg.LLM.BaseURL = getEnvOrDefault("LLM_BASE_URL", cfg.LLM.BaseURL)
	cfg.LLM.APIKey = getEnvOrDefault("LLM_API_KEY", cfg.LLM.APIKey)
	cfg.LLM.Model = getEnvOrDefault("LLM_MODEL", cfg.LLM.Model)
	cfg.Store.Backend = getEnvOrDefault("RESEARCH_STORE", cfg.Store.Backend)
	cfg.Events.Backend = getEnvOrDefault("RESEARCH_EVENTS", cfg.Events.Backend)
	cfg.Logging.Level = getEnvOrDefault("LOG_LEVEL", cfg.Logging.Level)

	if v := os.Getenv("RESEARCH_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("RESEARCH_CONCURRENCY: %w", err)
		}
		cfg.Research.Concurrency = n
	}
	return nil
}

// Validate rejects settings the pipeline cannot run with.
func (c Config) Validate() error {
	r := c.Research
	switch {
	case r.Concurrency <= 0:
		return fmt.Errorf("research.concurrency must be positive, got %d", r.Concurrency)
	case r.ShortTermBudget <= 0 || r.LongTermBudget <= 0:
		return fmt.Errorf("memory budgets must be positive")
	case r.MaxTasks < 0 || r.MaxAnalyses < 0 || r.MaxVerifications < 0:
		return fmt.Errorf("research limits must not be negative")
	case r.FreshnessThreshold <= 0:
		return fmt.Errorf("research.freshness_threshold must be positive")
	}

	switch c.Store.Backend {
	case StoreMemory, StoreSQLite:
	case StoreFirestore:
		if c.ProjectID == "" {
			return fmt.Errorf("store backend firestore requires project_id")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}

	switch c.Events.Backend {
	case EventsLog:
	case EventsPubSub:
		if c.ProjectID == "" {
			return fmt.Errorf("events backend pubsub requires project_id")
		}
	default:
		return fmt.Errorf("unknown events backend %q", c.Events.Backend)
	}

	for role, w := range c.Workers {
		if !role.Valid() {
			return fmt.Errorf("unknown worker role %q", role)
		}
		if w.Service != "" && c.ProjectID == "" {
			return fmt.Errorf("worker %s resolves a Cloud Run service and requires project_id", role)
		}
	}
	return nil
}

// NeedsGCP reports whether any configured component talks to Google Cloud.
func (c Config) NeedsGCP() bool {
	if c.Store.Backend == StoreFirestore || c.Events.Backend == EventsPubSub {
		return true
	}
	for _, w := range c.Workers {
		if w.Service != "" {
			return true
		}
	}
	return false
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
