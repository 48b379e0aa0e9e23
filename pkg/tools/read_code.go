package tools

import (
	"context"
	"path"
	"strings"

	"github.com/quarrylab/quarry/pkg/lang"
	"github.com/quarrylab/quarry/pkg/model"
)

// read_code fallback order. The first two strategies return content; the
// glob strategies only suggest candidates, because picking one of several
// matching files silently would hand the planner the wrong code.
const (
	strategyExactPath     = "exact_path"
	strategyExtensionSwap = "extension_swap"
	strategyFilenameGlob  = "filename_glob"
	strategyStemGlob      = "stem_glob"
)

// readCodeSpec builds the composed file-reading chain, the second of the
// two plannable tools.
func readCodeSpec(ts *toolset) Spec {
	return Spec{
		Name:        "read_code",
		Category:    CategoryComposed,
		Risk:        RiskReadOnly,
		Description: "Read a file by path, recovering from near-miss paths via sibling extensions and filename search.",
		Params: []Param{
			{Name: "path", Type: ParamString, Required: true},
			{Name: "start_line", Type: ParamInt},
			{Name: "end_line", Type: ParamInt},
		},
		Exposed: true,
		Handler: ts.readCode,
	}
}

func (ts *toolset) readCode(ctx context.Context, args map[string]any) *model.ToolResult {
	const tool = "read_code"
	requested := stringArg(args, "path")
	readArgs := func(p string) map[string]any {
		out := map[string]any{"path": p}
		if v, ok := args["start_line"]; ok {
			out["start_line"] = v
		}
		if v, ok := args["end_line"]; ok {
			out["end_line"] = v
		}
		return out
	}

	chain := &fallbackChain{tool: tool}

	// 1. The path as given.
	if r := chain.attempt(strategyExactPath, "read_file", map[string]any{"path": requested},
		func() *model.ToolResult { return ts.readFile(ctx, readArgs(requested)) },
	); r != nil {
		return r
	}

	// 2. Sibling extensions (.py/.pyi, .ts/.tsx, ...).
	ext := path.Ext(requested)
	for _, swap := range lang.ExtensionSwaps(requested) {
		swapped := strings.TrimSuffix(requested, ext) + swap
		if r := chain.attempt(strategyExtensionSwap, "read_file", map[string]any{"path": swapped},
			func() *model.ToolResult { return ts.readFile(ctx, readArgs(swapped)) },
		); r != nil {
			return r
		}
	}

	// 3. The exact filename anywhere in the tree. A single match is read;
	// several become candidates for the planner to choose from.
	base := path.Base(requested)
	if r := ts.globStrategy(ctx, chain, strategyFilenameGlob, "**/"+base, readArgs); r != nil {
		return r
	}

	// 4. The filename stem with any extension.
	stem := stemOf(requested)
	if stem != "" && stem != base {
		if r := ts.globStrategy(ctx, chain, strategyStemGlob, "**/"+stem+".*", readArgs); r != nil {
			return r
		}
	}

	result := chain.exhausted(map[string]any{"path": requested})
	if candidates := ts.nearbyPaths(ctx, base); len(candidates) > 0 {
		result.Data["candidates"] = candidates
	}
	return result
}

// globStrategy resolves a glob pattern: one hit is read through read_file,
// multiple hits come back as a candidates-only success so the planner picks
// the file itself.
func (ts *toolset) globStrategy(ctx context.Context, chain *fallbackChain, strategy, pattern string, readArgs func(string) map[string]any) *model.ToolResult {
	return chain.attempt(strategy, "glob_files", map[string]any{"pattern": pattern}, func() *model.ToolResult {
		globbed := ts.globFiles(ctx, map[string]any{"pattern": pattern})
		if !globbed.Succeeded() {
			return globbed
		}
		paths, _ := globbed.Data["paths"].([]string)
		if len(paths) == 1 {
			return ts.readFile(ctx, readArgs(paths[0]))
		}
		return successResult("glob_files", "", map[string]any{"candidates": paths})
	})
}

// nearbyPaths suggests up to five files whose names resemble the requested
// one, so a full miss still gives the planner somewhere to go next.
func (ts *toolset) nearbyPaths(ctx context.Context, base string) []string {
	stem := strings.TrimSuffix(base, path.Ext(base))
	if len(stem) < 3 {
		return nil
	}
	paths, err := ts.deps.Workspace.Glob(ctx, "**/*"+stem+"*")
	if err != nil || len(paths) == 0 {
		return nil
	}
	if len(paths) > 5 {
		paths = paths[:5]
	}
	return paths
}
