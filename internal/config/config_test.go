package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsOnly(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	require.Len(t, cfg.Models, 2)
	assert.Equal(t, "fast", cfg.Models[0].Name)
	assert.Equal(t, "strong", cfg.Models[1].Name)
	assert.Equal(t, 0.40, cfg.Budget.MaxRetrievalShare)
	assert.Equal(t, "tiktoken", cfg.Budget.Tokenizer)
	assert.Equal(t, 2, cfg.Pipeline.Parallelism)
	assert.Equal(t, 0.5, cfg.Pipeline.MinSectionSuccess)
	assert.Equal(t, 3, cfg.Phase.MaxRetrievalRounds)
	assert.Equal(t, 2, cfg.Retry.MaxSameModelRetries)
}

func TestLoad_YAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
logging:
  level: debug
  format: console
models:
  - name: cheap
    provider: openai
    model: gpt-4o-mini
    temperature: 0.5
    max_tokens: 4096
    context_limit: 100000
pipeline:
  parallelism: 4
  min_section_success: 0.75
budget:
  max_retrieval_share: 0.25
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	require.Len(t, cfg.Models, 1)
	assert.Equal(t, "cheap", cfg.Models[0].Name)
	assert.Equal(t, "openai", cfg.Models[0].Provider)
	assert.Equal(t, "OPENAI_API_KEY", cfg.Models[0].APIKeyEnv)
	assert.Equal(t, 4, cfg.Pipeline.Parallelism)
	assert.Equal(t, 0.75, cfg.Pipeline.MinSectionSuccess)
	assert.Equal(t, 0.25, cfg.Budget.MaxRetrievalShare)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: warn\n"), 0o600))

	t.Setenv("COURSEGEN_LOGGING_LEVEL", "debug")
	t.Setenv("COURSEGEN_PIPELINE_PARALLELISM", "8")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 8, cfg.Pipeline.Parallelism)
}

func TestLoad_RejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad provider", "models:\n  - provider: cohere\n    model: x\n"},
		{"bad temperature", "models:\n  - provider: openai\n    model: x\n    temperature: 1.5\n"},
		{"bad retrieval share", "budget:\n  max_retrieval_share: 1.5\n"},
		{"bad tokenizer", "budget:\n  tokenizer: sentencepiece\n"},
		{"bad log level", "logging:\n  level: shout\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.yaml), 0o600))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
