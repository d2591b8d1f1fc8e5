// Package config provides configuration loading for coursegen.
package config

import (
	"fmt"

	"github.com/maslennikov-ig/coursegen/internal/escalate"
	"github.com/maslennikov-ig/coursegen/internal/gate"
	"github.com/maslennikov-ig/coursegen/internal/logging"
	"github.com/maslennikov-ig/coursegen/internal/phase"
	"github.com/maslennikov-ig/coursegen/internal/pipeline"
)

// Config is the root configuration.
type Config struct {
	Logging   logging.Config  `koanf:"logging"`
	Models    []ModelTier     `koanf:"models"`
	Budget    BudgetConfig    `koanf:"budget"`
	Retrieval RetrievalConfig `koanf:"retrieval"`
	Phase     phase.Config    `koanf:"phase"`
	Gate      gate.Config     `koanf:"gate"`
	Retry     escalate.Config `koanf:"retry"`
	Pipeline  pipeline.Config `koanf:"pipeline"`
	Metrics   MetricsConfig   `koanf:"metrics"`
}

// ModelTier configures one rung of the escalation ladder. Tiers are ordered
// cheapest first; the last tier is the terminal fallback.
type ModelTier struct {
	Name         string  `koanf:"name"`
	Provider     string  `koanf:"provider"` // anthropic or openai
	Model        string  `koanf:"model"`
	APIKeyEnv    string  `koanf:"api_key_env"`
	BaseURL      string  `koanf:"base_url"`
	Temperature  float64 `koanf:"temperature"`
	MaxTokens    int     `koanf:"max_tokens"`
	ContextLimit int     `koanf:"context_limit"`
	RPS          float64 `koanf:"rps"`
}

// BudgetConfig configures token budgeting.
type BudgetConfig struct {
	// MaxRetrievalShare caps retrieval at this fraction of a tier's
	// context limit.
	MaxRetrievalShare float64 `koanf:"max_retrieval_share"`

	// Tokenizer selects the counter: "tiktoken" or "heuristic".
	Tokenizer string `koanf:"tokenizer"`
}

// RetrievalConfig configures the vector store and embedder.
type RetrievalConfig struct {
	// Path is the persistent store directory. Empty means in-memory.
	Path string `koanf:"path"`

	Collection     string `koanf:"collection"`
	EmbeddingModel string `koanf:"embedding_model"`

	// Enabled gates retrieval for section phases. Runs without an
	// indexed corpus leave this off.
	Enabled bool `koanf:"enabled"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Listen  string `koanf:"listen"`
}

// applyDefaults fills in defaults for missing values.
func applyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if len(cfg.Models) == 0 {
		cfg.Models = []ModelTier{
			{
				Name:         "fast",
				Provider:     "anthropic",
				Model:        "claude-haiku-4-5",
				APIKeyEnv:    "ANTHROPIC_API_KEY",
				Temperature:  0.7,
				MaxTokens:    8192,
				ContextLimit: 150000,
				RPS:          2,
			},
			{
				Name:         "strong",
				Provider:     "anthropic",
				Model:        "claude-sonnet-4-5",
				APIKeyEnv:    "ANTHROPIC_API_KEY",
				Temperature:  0.7,
				MaxTokens:    16384,
				ContextLimit: 180000,
				RPS:          1,
			},
		}
	}
	for i := range cfg.Models {
		t := &cfg.Models[i]
		if t.Name == "" {
			t.Name = fmt.Sprintf("tier-%d", i)
		}
		if t.MaxTokens == 0 {
			t.MaxTokens = 8192
		}
		if t.ContextLimit == 0 {
			t.ContextLimit = 150000
		}
		if t.RPS == 0 {
			t.RPS = 1
		}
		if t.APIKeyEnv == "" {
			switch t.Provider {
			case "openai":
				t.APIKeyEnv = "OPENAI_API_KEY"
			default:
				t.APIKeyEnv = "ANTHROPIC_API_KEY"
			}
		}
	}
	if cfg.Budget.MaxRetrievalShare == 0 {
		cfg.Budget.MaxRetrievalShare = 0.40
	}
	if cfg.Budget.Tokenizer == "" {
		cfg.Budget.Tokenizer = "tiktoken"
	}
	if cfg.Retrieval.Collection == "" {
		cfg.Retrieval.Collection = "course-material"
	}
	if cfg.Retrieval.EmbeddingModel == "" {
		cfg.Retrieval.EmbeddingModel = "BAAI/bge-small-en-v1.5"
	}
	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = ":9090"
	}

	pd := phase.DefaultConfig()
	if cfg.Phase.MaxRetrievalRounds == 0 {
		cfg.Phase.MaxRetrievalRounds = pd.MaxRetrievalRounds
	}
	if cfg.Phase.InvokeTimeout == 0 {
		cfg.Phase.InvokeTimeout = pd.InvokeTimeout
	}
	if cfg.Phase.TransportRetries == 0 {
		cfg.Phase.TransportRetries = pd.TransportRetries
	}
	if cfg.Phase.BackoffBase == 0 {
		cfg.Phase.BackoffBase = pd.BackoffBase
	}

	rd := escalate.DefaultConfig()
	if cfg.Retry.MaxSameModelRetries == 0 {
		cfg.Retry.MaxSameModelRetries = rd.MaxSameModelRetries
	}
	if cfg.Retry.TemperatureStep == 0 {
		cfg.Retry.TemperatureStep = rd.TemperatureStep
	}
	if cfg.Retry.MaxQualityRetriesPerTier == 0 {
		cfg.Retry.MaxQualityRetriesPerTier = rd.MaxQualityRetriesPerTier
	}

	cd := pipeline.DefaultConfig()
	if cfg.Pipeline.Parallelism == 0 {
		cfg.Pipeline.Parallelism = cd.Parallelism
	}
	if cfg.Pipeline.MinSectionSuccess == 0 {
		cfg.Pipeline.MinSectionSuccess = cd.MinSectionSuccess
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if len(c.Models) == 0 {
		return fmt.Errorf("at least one model tier is required")
	}
	for i, t := range c.Models {
		if t.Provider != "anthropic" && t.Provider != "openai" {
			return fmt.Errorf("models[%d]: unknown provider %q", i, t.Provider)
		}
		if t.Model == "" {
			return fmt.Errorf("models[%d]: model is required", i)
		}
		if t.Temperature < 0 || t.Temperature > 1 {
			return fmt.Errorf("models[%d]: temperature %v out of range [0, 1]", i, t.Temperature)
		}
		if t.MaxTokens <= 0 {
			return fmt.Errorf("models[%d]: max_tokens must be positive", i)
		}
		if t.ContextLimit <= 0 {
			return fmt.Errorf("models[%d]: context_limit must be positive", i)
		}
	}
	if s := c.Budget.MaxRetrievalShare; s <= 0 || s > 1 {
		return fmt.Errorf("budget: max_retrieval_share %v out of range (0, 1]", s)
	}
	if tk := c.Budget.Tokenizer; tk != "tiktoken" && tk != "heuristic" {
		return fmt.Errorf("budget: unknown tokenizer %q", tk)
	}
	if p := c.Pipeline.Parallelism; p < 1 {
		return fmt.Errorf("pipeline: parallelism must be at least 1")
	}
	if f := c.Pipeline.MinSectionSuccess; f <= 0 || f > 1 {
		return fmt.Errorf("pipeline: min_section_success %v out of range (0, 1]", f)
	}
	return nil
}
