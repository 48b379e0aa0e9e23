package config

import (
	"time"

	"github.com/quarrylab/quarry/pkg/accounting"
)

// Defaults returns the built-in configuration. User YAML is merged over it,
// so every field here must be safe to run with.
func Defaults() *Config {
	return &Config{
		Workspace: WorkspaceConfig{
			Root: ".",
		},
		LLM: LLMConfig{
			APIKeyEnv:      "OPENAI_API_KEY",
			Model:          "gpt-4o-mini",
			EmbeddingModel: "text-embedding-3-small",
			EmbeddingDims:  384,
			Temperature:    0.1,
			Timeout:        60 * time.Second,
		},
		Bounds: accounting.DefaultBounds(),
		Server: ServerConfig{
			Port: 8080,
		},
		Index: IndexConfig{
			PersistDir: "./data/index",
		},
		Retention: RetentionConfig{
			EventTTL:       30 * 24 * time.Hour,
			SessionIdleTTL: 7 * 24 * time.Hour,
			SweepInterval:  time.Hour,
		},
	}
}
