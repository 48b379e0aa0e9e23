package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/quarrylab/quarry/pkg/accounting"
)

// quarryYAML mirrors the quarry.yaml file structure. Durations are strings
// here ("90s", "24h") and parsed during resolution.
type quarryYAML struct {
	Workspace *WorkspaceConfig  `yaml:"workspace"`
	LLM       *llmYAML          `yaml:"llm"`
	Bounds    *accounting.Bounds `yaml:"bounds"`
	Server    *ServerConfig     `yaml:"server"`
	Index     *IndexConfig      `yaml:"index"`
	Retention *retentionYAML    `yaml:"retention"`
}

type llmYAML struct {
	BaseURL        string  `yaml:"base_url"`
	APIKeyEnv      string  `yaml:"api_key_env"`
	Model          string  `yaml:"model"`
	EmbeddingModel string  `yaml:"embedding_model"`
	EmbeddingDims  int     `yaml:"embedding_dims"`
	Temperature    float32 `yaml:"temperature"`
	Timeout        string  `yaml:"timeout"`
}

type retentionYAML struct {
	EventTTL       string `yaml:"event_ttl"`
	SessionIdleTTL string `yaml:"session_idle_ttl"`
	SweepInterval  string `yaml:"sweep_interval"`
}

// Initialize loads, merges and validates configuration from configDir.
// This is the primary entry point: it returns a Config ready for use or an
// error that should abort startup.
func Initialize(_ context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	raw, err := loadQuarryYAML(configDir)
	if err != nil {
		return nil, &LoadError{File: "quarry.yaml", Err: err}
	}

	cfg := Defaults()
	cfg.configDir = configDir
	if err := resolve(cfg, raw); err != nil {
		return nil, err
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	log.Info("Configuration initialized",
		"workspace", cfg.Workspace.Root,
		"model", cfg.LLM.Model,
		"port", cfg.Server.Port)
	return cfg, nil
}

// loadQuarryYAML reads and parses quarry.yaml with environment expansion.
// A missing file is fine; the defaults carry the process.
func loadQuarryYAML(configDir string) (*quarryYAML, error) {
	path := filepath.Join(configDir, "quarry.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Warn("No quarry.yaml found, running on built-in defaults", "path", path)
			return &quarryYAML{}, nil
		}
		return nil, err
	}

	data = ExpandEnv(data)

	var raw quarryYAML
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	return &raw, nil
}

// resolve merges user YAML over the defaults. Non-zero user values win.
func resolve(cfg *Config, raw *quarryYAML) error {
	if raw.Workspace != nil {
		if err := mergo.Merge(&cfg.Workspace, raw.Workspace, mergo.WithOverride); err != nil {
			return fmt.Errorf("failed to merge workspace config: %w", err)
		}
	}
	if raw.Bounds != nil {
		if err := mergo.Merge(&cfg.Bounds, raw.Bounds, mergo.WithOverride); err != nil {
			return fmt.Errorf("failed to merge bounds config: %w", err)
		}
	}
	if raw.Server != nil {
		if err := mergo.Merge(&cfg.Server, raw.Server, mergo.WithOverride); err != nil {
			return fmt.Errorf("failed to merge server config: %w", err)
		}
	}
	if raw.Index != nil {
		if err := mergo.Merge(&cfg.Index, raw.Index, mergo.WithOverride); err != nil {
			return fmt.Errorf("failed to merge index config: %w", err)
		}
	}
	if raw.LLM != nil {
		resolveLLM(&cfg.LLM, raw.LLM)
	}
	if raw.Retention != nil {
		resolveRetention(&cfg.Retention, raw.Retention)
	}
	return nil
}

func resolveLLM(cfg *LLMConfig, raw *llmYAML) {
	if raw.BaseURL != "" {
		cfg.BaseURL = raw.BaseURL
	}
	if raw.APIKeyEnv != "" {
		cfg.APIKeyEnv = raw.APIKeyEnv
	}
	if raw.Model != "" {
		cfg.Model = raw.Model
	}
	if raw.EmbeddingModel != "" {
		cfg.EmbeddingModel = raw.EmbeddingModel
	}
	if raw.EmbeddingDims > 0 {
		cfg.EmbeddingDims = raw.EmbeddingDims
	}
	if raw.Temperature > 0 {
		cfg.Temperature = raw.Temperature
	}
	cfg.Timeout = parseDuration("llm.timeout", raw.Timeout, cfg.Timeout)
}

func resolveRetention(cfg *RetentionConfig, raw *retentionYAML) {
	cfg.EventTTL = parseDuration("retention.event_ttl", raw.EventTTL, cfg.EventTTL)
	cfg.SessionIdleTTL = parseDuration("retention.session_idle_ttl", raw.SessionIdleTTL, cfg.SessionIdleTTL)
	cfg.SweepInterval = parseDuration("retention.sweep_interval", raw.SweepInterval, cfg.SweepInterval)
}

// parseDuration parses a YAML duration string, keeping the default on an
// empty or malformed value.
func parseDuration(field, value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		slog.Warn("Invalid duration in config, using default",
			"field", field, "value", value, "default", fallback, "error", err)
		return fallback
	}
	return d
}
