package config

import (
	"fmt"
	"os"

	"github.com/quarrylab/quarry/pkg/lang"
)

// validate checks the resolved configuration. The first problem found is
// returned; startup aborts on any of them.
func validate(cfg *Config) error {
	if cfg.Workspace.Root == "" {
		return &ValidationError{Field: "workspace.root", Reason: "must not be empty"}
	}
	info, err := os.Stat(cfg.Workspace.Root)
	if err != nil {
		return &ValidationError{Field: "workspace.root", Reason: fmt.Sprintf("not accessible: %v", err)}
	}
	if !info.IsDir() {
		return &ValidationError{Field: "workspace.root", Reason: "is not a directory"}
	}

	for _, name := range cfg.Workspace.Languages {
		if !lang.Known(lang.ID(name)) {
			return &ValidationError{Field: "workspace.languages", Reason: fmt.Sprintf("unsupported language %q", name)}
		}
	}

	if cfg.LLM.Model == "" {
		return &ValidationError{Field: "llm.model", Reason: "must not be empty"}
	}
	if cfg.LLM.EmbeddingDims <= 0 {
		return &ValidationError{Field: "llm.embedding_dims", Reason: "must be positive"}
	}
	if cfg.LLM.Timeout <= 0 {
		return &ValidationError{Field: "llm.timeout", Reason: "must be positive"}
	}

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return &ValidationError{Field: "server.port", Reason: "must be in 1..65535"}
	}

	if err := validateBounds(cfg); err != nil {
		return err
	}

	if cfg.Retention.SweepInterval <= 0 {
		return &ValidationError{Field: "retention.sweep_interval", Reason: "must be positive"}
	}
	return nil
}

func validateBounds(cfg *Config) error {
	b := cfg.Bounds
	checks := []struct {
		field string
		value int
	}{
		{"bounds.max_tree_depth", b.MaxTreeDepth},
		{"bounds.max_file_slice_tokens", b.MaxFileSliceTokens},
		{"bounds.max_grep_results", b.MaxGrepResults},
		{"bounds.max_symbol_results", b.MaxSymbolResults},
		{"bounds.max_files_per_query", b.MaxFilesPerQuery},
		{"bounds.max_total_code_tokens", b.MaxTotalCodeTokens},
		{"bounds.max_llm_calls", b.MaxLLMCalls},
		{"bounds.max_agent_hops", b.MaxAgentHops},
	}
	for _, c := range checks {
		if c.value <= 0 {
			return &ValidationError{Field: c.field, Reason: "must be positive"}
		}
	}
	return nil
}
