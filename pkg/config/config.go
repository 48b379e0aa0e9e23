// Package config loads and validates quarry.yaml: the analysis workspace,
// the LLM provider, the exploration bounds, the HTTP server and the
// retention policy. User settings are merged over built-in defaults; a
// config error aborts startup.
package config

import (
	"time"

	"github.com/quarrylab/quarry/pkg/accounting"
)

// WorkspaceConfig points the agent at the repository to analyze.
type WorkspaceConfig struct {
	// Root is the directory every tool call is rooted at. Paths in tool
	// arguments, citations and index rows are relative to it.
	Root string `yaml:"root"`

	// Languages restricts analysis to the named languages. Empty means
	// auto-detect from marker files, falling back to all supported ones.
	Languages []string `yaml:"languages"`
}

// LLMConfig selects the completion provider and the embedder.
type LLMConfig struct {
	// BaseURL points at any OpenAI-compatible endpoint. Empty means the
	// hosted OpenAI API.
	BaseURL string `yaml:"base_url"`

	// APIKeyEnv names the environment variable holding the API key. The
	// key itself never appears in YAML.
	APIKeyEnv string `yaml:"api_key_env"`

	Model          string  `yaml:"model"`
	EmbeddingModel string  `yaml:"embedding_model"`
	EmbeddingDims  int     `yaml:"embedding_dims"`
	Temperature    float32 `yaml:"temperature"`

	// Timeout is the per-call soft deadline applied by the adapter.
	Timeout time.Duration `yaml:"-"`
}

// ServerConfig holds the HTTP/WebSocket surface settings.
type ServerConfig struct {
	Port int `yaml:"port"`

	// AllowedWSOrigins are origin patterns accepted on the WebSocket
	// endpoint in addition to same-host.
	AllowedWSOrigins []string `yaml:"allowed_ws_origins"`
}

// IndexConfig controls the symbol/vector indexer.
type IndexConfig struct {
	// PersistDir is where the vector collection is exported between
	// runs. Empty keeps the index in memory only.
	PersistDir string `yaml:"persist_dir"`

	// ReindexOnStart forces a full rescan even when the index has rows.
	ReindexOnStart bool `yaml:"reindex_on_start"`
}

// RetentionConfig controls the background sweeper.
type RetentionConfig struct {
	// EventTTL is the maximum age of persisted analysis events.
	EventTTL time.Duration `yaml:"-"`

	// SessionIdleTTL is how long an untouched session digest survives.
	SessionIdleTTL time.Duration `yaml:"-"`

	// SweepInterval is how often the sweeper runs.
	SweepInterval time.Duration `yaml:"-"`
}

// Config is the resolved runtime configuration.
type Config struct {
	Workspace WorkspaceConfig
	LLM       LLMConfig
	Bounds    accounting.Bounds
	Server    ServerConfig
	Index     IndexConfig
	Retention RetentionConfig

	configDir string
}

// ConfigDir returns the directory the configuration was loaded from.
func (c *Config) ConfigDir() string { return c.configDir }
