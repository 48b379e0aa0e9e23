package tools

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/quarrylab/quarry/pkg/accounting"
	"github.com/quarrylab/quarry/pkg/model"
	"github.com/quarrylab/quarry/pkg/storage"
)

// Deps bundles the storage capabilities the tool layer reads through.
// Vectors and Embedder may be nil when semantic search is disabled; Git may
// be nil when the workspace is not a git repository.
type Deps struct {
	Workspace storage.Workspace
	Symbols   storage.SymbolIndex
	Vectors   storage.VectorIndex
	Embedder  storage.Embedder
	Git       storage.GitReader
	Estimator *accounting.Estimator
	Bounds    accounting.Bounds
}

// toolset holds the shared dependencies behind every handler closure.
type toolset struct {
	deps Deps
}

func successResult(tool, foundVia string, data map[string]any) *model.ToolResult {
	return &model.ToolResult{Tool: tool, Status: model.ToolStatusSuccess, FoundVia: foundVia, Data: data}
}

func notFoundResult(tool string, data map[string]any) *model.ToolResult {
	return &model.ToolResult{Tool: tool, Status: model.ToolStatusNotFound, Data: data}
}

func errorResult(tool string, err error) *model.ToolResult {
	return &model.ToolResult{Tool: tool, Status: model.ToolStatusError, Error: err.Error()}
}

// RegisterAll builds the full catalog: fifteen primitives plus the two
// composed chains, all read-only. The caller freezes the registry once
// registration succeeds.
func RegisterAll(reg *Registry, deps Deps) error {
	ts := &toolset{deps: deps}

	specs := []Spec{
		{
			Name:        "read_file",
			Description: "Read a file, optionally restricted to a line range.",
			Params: []Param{
				{Name: "path", Type: ParamString, Required: true},
				{Name: "start_line", Type: ParamInt},
				{Name: "end_line", Type: ParamInt},
			},
			Handler: ts.readFile,
		},
		{
			Name:        "glob_files",
			Description: "Match workspace files against a glob pattern.",
			Params:      []Param{{Name: "pattern", Type: ParamString, Required: true}},
			Handler:     ts.globFiles,
		},
		{
			Name:        "grep_search",
			Description: "Regex search over workspace code files.",
			Params: []Param{
				{Name: "pattern", Type: ParamString, Required: true},
				{Name: "scope", Type: ParamString},
				{Name: "case_insensitive", Type: ParamString},
			},
			Handler: ts.grepSearch,
		},
		{
			Name:        "tree",
			Description: "Bounded directory listing.",
			Params: []Param{
				{Name: "dir", Type: ParamString},
				{Name: "depth", Type: ParamInt},
			},
			Handler: ts.tree,
		},
		{
			Name:        "find_symbol",
			Description: "Look up symbol definitions by exact or partial name.",
			Params: []Param{
				{Name: "name", Type: ParamString, Required: true},
				{Name: "scope", Type: ParamString},
				{Name: "kind", Type: ParamString},
				{Name: "partial", Type: ParamString},
			},
			Handler: ts.findSymbol,
		},
		{
			Name:        "get_file_symbols",
			Description: "List the definitions of one file.",
			Params:      []Param{{Name: "path", Type: ParamString, Required: true}},
			Handler:     ts.getFileSymbols,
		},
		{
			Name:        "get_imports",
			Description: "List what a file imports.",
			Params:      []Param{{Name: "path", Type: ParamString, Required: true}},
			Handler:     ts.getImports,
		},
		{
			Name:        "get_importers",
			Description: "Find the files importing a module.",
			Params:      []Param{{Name: "module", Type: ParamString, Required: true}},
			Handler:     ts.getImporters,
		},
		{
			Name:        "semantic_search",
			Description: "Vector-similarity search over embedded code chunks.",
			Params: []Param{
				{Name: "query", Type: ParamString, Required: true},
				{Name: "scope", Type: ParamString},
				{Name: "limit", Type: ParamInt},
			},
			Handler: ts.semanticSearch,
		},
		{
			Name:        "find_similar_files",
			Description: "Find files semantically similar to a given file.",
			Params:      []Param{{Name: "path", Type: ParamString, Required: true}},
			Handler:     ts.findSimilarFiles,
		},
		{
			Name:        "git_log",
			Description: "Recent commit history, optionally for one path.",
			Params: []Param{
				{Name: "path", Type: ParamString},
				{Name: "limit", Type: ParamInt},
			},
			Handler: ts.gitLog,
		},
		{
			Name:        "git_blame",
			Description: "Line attribution for a file range.",
			Params: []Param{
				{Name: "path", Type: ParamString, Required: true},
				{Name: "start_line", Type: ParamInt},
				{Name: "end_line", Type: ParamInt},
			},
			Handler: ts.gitBlame,
		},
		{
			Name:        "git_diff",
			Description: "Textual diff between refs.",
			Params: []Param{
				{Name: "base", Type: ParamString},
				{Name: "head", Type: ParamString},
				{Name: "path", Type: ParamString},
			},
			Handler: ts.gitDiff,
		},
		{
			Name:        "git_status",
			Description: "Working-tree status.",
			Handler:     ts.gitStatus,
		},
		{
			Name:        "list_tools",
			Description: "List the registered tools.",
			Handler:     listToolsHandler(reg),
		},
	}

	for i := range specs {
		specs[i].Category = CategoryPrimitive
		specs[i].Risk = RiskReadOnly
		if err := reg.Register(specs[i]); err != nil {
			return err
		}
	}

	if err := reg.Register(searchCodeSpec(ts, reg)); err != nil {
		return err
	}
	return reg.Register(readCodeSpec(ts))
}

// readFile returns a token-bounded slice of one file.
func (ts *toolset) readFile(ctx context.Context, args map[string]any) *model.ToolResult {
	const tool = "read_file"
	p := stringArg(args, "path")
	slice, err := ts.deps.Workspace.ReadFileRange(ctx, p, intArg(args, "start_line", 0), intArg(args, "end_line", 0))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return notFoundResult(tool, map[string]any{"path": p})
		}
		return errorResult(tool, err)
	}
	return successResult(tool, "", ts.sliceData(slice))
}

// sliceData renders a file slice, truncating content to the per-file token
// cap and flagging the cut.
func (ts *toolset) sliceData(slice *storage.FileSlice) map[string]any {
	content := slice.Content
	truncated := slice.Truncated
	if cap := ts.deps.Bounds.MaxFileSliceTokens; cap > 0 && ts.deps.Estimator != nil {
		if ts.deps.Estimator.Count(content) > cap {
			content = truncateToTokens(content, cap, ts.deps.Estimator)
			truncated = true
		}
	}
	return map[string]any{
		"path":        slice.Path,
		"content":     content,
		"start_line":  slice.StartLine,
		"end_line":    slice.EndLine,
		"total_lines": slice.TotalLines,
		"truncated":   truncated,
	}
}

// truncateToTokens cuts text on a line boundary so it fits the token cap.
func truncateToTokens(text string, cap int, est *accounting.Estimator) string {
	lines := strings.Split(text, "\n")
	lo, hi := 0, len(lines)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if est.Count(strings.Join(lines[:mid], "\n")) <= cap {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	if lo == 0 {
		return ""
	}
	return strings.Join(lines[:lo], "\n")
}

func (ts *toolset) globFiles(ctx context.Context, args map[string]any) *model.ToolResult {
	const tool = "glob_files"
	pattern := stringArg(args, "pattern")
	paths, err := ts.deps.Workspace.Glob(ctx, pattern)
	if err != nil {
		return errorResult(tool, err)
	}
	if len(paths) == 0 {
		return notFoundResult(tool, map[string]any{"pattern": pattern})
	}
	if max := ts.deps.Bounds.MaxFilesPerQuery; max > 0 && len(paths) > max {
		paths = paths[:max]
	}
	return successResult(tool, "", map[string]any{"pattern": pattern, "paths": paths})
}

func (ts *toolset) grepSearch(ctx context.Context, args map[string]any) *model.ToolResult {
	const tool = "grep_search"
	q := storage.GrepQuery{
		Pattern:         stringArg(args, "pattern"),
		Scope:           stringArg(args, "scope"),
		CaseInsensitive: stringArg(args, "case_insensitive") == "true",
		MaxResults:      ts.deps.Bounds.MaxGrepResults,
	}
	matches, err := ts.deps.Workspace.Grep(ctx, q)
	if err != nil {
		return errorResult(tool, err)
	}
	if len(matches) == 0 {
		return notFoundResult(tool, map[string]any{"pattern": q.Pattern})
	}
	return successResult(tool, "", map[string]any{"pattern": q.Pattern, "matches": grepMatchData(matches)})
}

func grepMatchData(matches []storage.GrepMatch) []map[string]any {
	out := make([]map[string]any, 0, len(matches))
	for _, m := range matches {
		out = append(out, map[string]any{"path": m.Path, "line": m.Line, "text": m.Text})
	}
	return out
}

func (ts *toolset) tree(ctx context.Context, args map[string]any) *model.ToolResult {
	const tool = "tree"
	dir := stringArg(args, "dir")
	depth := intArg(args, "depth", ts.deps.Bounds.MaxTreeDepth)
	if depth > ts.deps.Bounds.MaxTreeDepth {
		depth = ts.deps.Bounds.MaxTreeDepth
	}
	entries, err := ts.deps.Workspace.Tree(ctx, dir, depth, 500)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return notFoundResult(tool, map[string]any{"dir": dir})
		}
		return errorResult(tool, err)
	}
	data := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		data = append(data, map[string]any{"path": e.Path, "is_dir": e.IsDir, "depth": e.Depth})
	}
	return successResult(tool, "", map[string]any{"root": dir, "entries": data})
}

func (ts *toolset) findSymbol(ctx context.Context, args map[string]any) *model.ToolResult {
	const tool = "find_symbol"
	name := stringArg(args, "name")
	scope := stringArg(args, "scope")
	kind := stringArg(args, "kind")
	limit := ts.deps.Bounds.MaxSymbolResults

	var rows []storage.SymbolRow
	var err error
	if stringArg(args, "partial") == "true" {
		rows, err = ts.deps.Symbols.LookupPartial(ctx, name, scope, limit)
	} else {
		rows, err = ts.deps.Symbols.LookupExact(ctx, name, scope, limit)
	}
	if err != nil {
		return errorResult(tool, err)
	}
	if kind != "" {
		filtered := rows[:0]
		for _, r := range rows {
			if r.Kind == kind {
				filtered = append(filtered, r)
			}
		}
		rows = filtered
	}
	if len(rows) == 0 {
		return notFoundResult(tool, map[string]any{"name": name})
	}
	return successResult(tool, "", map[string]any{"name": name, "matches": symbolRowData(rows)})
}

func symbolRowData(rows []storage.SymbolRow) []map[string]any {
	out := make([]map[string]any, 0, len(rows))
	for _, r := range rows {
		out = append(out, map[string]any{
			"path":     r.Path,
			"symbol":   r.Symbol,
			"kind":     r.Kind,
			"line":     r.LineStart,
			"line_end": r.LineEnd,
			"language": r.Language,
		})
	}
	return out
}

func (ts *toolset) getFileSymbols(ctx context.Context, args map[string]any) *model.ToolResult {
	const tool = "get_file_symbols"
	p := stringArg(args, "path")
	rows, err := ts.deps.Symbols.SymbolsInFile(ctx, p, ts.deps.Bounds.MaxSymbolResults)
	if err != nil {
		return errorResult(tool, err)
	}
	if len(rows) == 0 {
		return notFoundResult(tool, map[string]any{"path": p})
	}
	return successResult(tool, "", map[string]any{"path": p, "symbols": symbolRowData(rows)})
}

func (ts *toolset) getImports(ctx context.Context, args map[string]any) *model.ToolResult {
	const tool = "get_imports"
	p := stringArg(args, "path")
	rows, err := ts.deps.Symbols.ImportsOf(ctx, p, ts.deps.Bounds.MaxSymbolResults)
	if err != nil {
		return errorResult(tool, err)
	}
	if len(rows) == 0 {
		return notFoundResult(tool, map[string]any{"path": p})
	}
	return successResult(tool, "", map[string]any{"path": p, "imports": symbolRowData(rows)})
}

func (ts *toolset) getImporters(ctx context.Context, args map[string]any) *model.ToolResult {
	const tool = "get_importers"
	module := stringArg(args, "module")
	rows, err := ts.deps.Symbols.ImportersOf(ctx, module, ts.deps.Bounds.MaxSymbolResults)
	if err != nil {
		return errorResult(tool, err)
	}
	if len(rows) == 0 {
		return notFoundResult(tool, map[string]any{"module": module})
	}
	return successResult(tool, "", map[string]any{"module": module, "importers": symbolRowData(rows)})
}

func (ts *toolset) semanticSearch(ctx context.Context, args map[string]any) *model.ToolResult {
	const tool = "semantic_search"
	query := stringArg(args, "query")
	hits, err := ts.semanticHits(ctx, query, stringArg(args, "scope"), intArg(args, "limit", 10))
	if err != nil {
		if errors.Is(err, storage.ErrVectorIndexEmpty) {
			return notFoundResult(tool, map[string]any{"query": query})
		}
		return errorResult(tool, err)
	}
	if len(hits) == 0 {
		return notFoundResult(tool, map[string]any{"query": query})
	}
	return successResult(tool, "", map[string]any{"query": query, "matches": vectorHitData(hits)})
}

// semanticHits embeds the query and runs the vector lookup. Disabled
// semantic search reports as an error so fallback chains can skip past it.
func (ts *toolset) semanticHits(ctx context.Context, query, scope string, limit int) ([]storage.VectorHit, error) {
	if ts.deps.Vectors == nil || ts.deps.Embedder == nil {
		return nil, fmt.Errorf("semantic search is not configured")
	}
	embedding, err := ts.deps.Embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return ts.deps.Vectors.Search(ctx, embedding, limit, scope)
}

func vectorHitData(hits []storage.VectorHit) []map[string]any {
	out := make([]map[string]any, 0, len(hits))
	for _, h := range hits {
		out = append(out, map[string]any{
			"path":       h.Path,
			"line":       h.Line,
			"symbol":     h.Symbol,
			"similarity": h.Similarity,
			"snippet":    h.Snippet,
		})
	}
	return out
}

func (ts *toolset) findSimilarFiles(ctx context.Context, args map[string]any) *model.ToolResult {
	const tool = "find_similar_files"
	p := stringArg(args, "path")
	content, err := ts.deps.Workspace.ReadFile(ctx, p)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return notFoundResult(tool, map[string]any{"path": p})
		}
		return errorResult(tool, err)
	}

	// Embed the head of the file; whole files dilute the signal and large
	// ones exceed embedding input limits anyway.
	sample := content
	if len(sample) > 2000 {
		sample = sample[:2000]
	}
	hits, err := ts.semanticHits(ctx, sample, "", 10)
	if err != nil {
		return errorResult(tool, err)
	}

	seen := map[string]bool{p: true}
	var similar []map[string]any
	for _, h := range hits {
		if seen[h.Path] {
			continue
		}
		seen[h.Path] = true
		similar = append(similar, map[string]any{"path": h.Path, "similarity": h.Similarity})
	}
	if len(similar) == 0 {
		return notFoundResult(tool, map[string]any{"path": p})
	}
	return successResult(tool, "", map[string]any{"path": p, "similar": similar})
}

func (ts *toolset) gitAvailable(ctx context.Context) error {
	if ts.deps.Git == nil || !ts.deps.Git.Available(ctx) {
		return fmt.Errorf("workspace is not a git repository")
	}
	return nil
}

func (ts *toolset) gitLog(ctx context.Context, args map[string]any) *model.ToolResult {
	const tool = "git_log"
	if err := ts.gitAvailable(ctx); err != nil {
		return errorResult(tool, err)
	}
	commits, err := ts.deps.Git.Log(ctx, stringArg(args, "path"), intArg(args, "limit", 10))
	if err != nil {
		return errorResult(tool, err)
	}
	if len(commits) == 0 {
		return notFoundResult(tool, nil)
	}
	data := make([]map[string]any, 0, len(commits))
	for _, c := range commits {
		data = append(data, map[string]any{
			"hash":    c.Hash,
			"author":  c.Author,
			"date":    c.When.Format("2006-01-02"),
			"subject": c.Subject,
		})
	}
	return successResult(tool, "", map[string]any{"commits": data})
}

func (ts *toolset) gitBlame(ctx context.Context, args map[string]any) *model.ToolResult {
	const tool = "git_blame"
	if err := ts.gitAvailable(ctx); err != nil {
		return errorResult(tool, err)
	}
	p := stringArg(args, "path")
	lines, err := ts.deps.Git.Blame(ctx, p, intArg(args, "start_line", 0), intArg(args, "end_line", 0))
	if err != nil {
		return errorResult(tool, err)
	}
	if len(lines) == 0 {
		return notFoundResult(tool, map[string]any{"path": p})
	}
	data := make([]map[string]any, 0, len(lines))
	for _, l := range lines {
		data = append(data, map[string]any{
			"line":   l.Line,
			"hash":   l.Hash,
			"author": l.Author,
			"date":   l.When.Format("2006-01-02"),
			"text":   l.Text,
		})
	}
	return successResult(tool, "", map[string]any{"path": p, "lines": data})
}

func (ts *toolset) gitDiff(ctx context.Context, args map[string]any) *model.ToolResult {
	const tool = "git_diff"
	if err := ts.gitAvailable(ctx); err != nil {
		return errorResult(tool, err)
	}
	diff, err := ts.deps.Git.Diff(ctx, stringArg(args, "base"), stringArg(args, "head"), stringArg(args, "path"))
	if err != nil {
		return errorResult(tool, err)
	}
	if strings.TrimSpace(diff) == "" {
		return notFoundResult(tool, nil)
	}
	return successResult(tool, "", map[string]any{"diff": diff})
}

func (ts *toolset) gitStatus(ctx context.Context, _ map[string]any) *model.ToolResult {
	const tool = "git_status"
	if err := ts.gitAvailable(ctx); err != nil {
		return errorResult(tool, err)
	}
	changes, err := ts.deps.Git.Status(ctx)
	if err != nil {
		return errorResult(tool, err)
	}
	data := make([]map[string]any, 0, len(changes))
	for _, c := range changes {
		data = append(data, map[string]any{"status": c.Status, "path": c.Path})
	}
	return successResult(tool, "", map[string]any{"changes": data})
}

func listToolsHandler(reg *Registry) Handler {
	return func(_ context.Context, _ map[string]any) *model.ToolResult {
		names := reg.Names()
		data := make([]map[string]any, 0, len(names))
		for _, name := range names {
			spec, err := reg.Lookup(name)
			if err != nil {
				continue
			}
			data = append(data, map[string]any{
				"name":        spec.Name,
				"category":    string(spec.Category),
				"description": spec.Description,
			})
		}
		return successResult("list_tools", "", map[string]any{"tools": data})
	}
}

// stemOf returns the file name without its extension.
func stemOf(p string) string {
	base := path.Base(p)
	return strings.TrimSuffix(base, path.Ext(base))
}
