package tools

import (
	"context"
	"path"
	"regexp"
	"strings"

	"github.com/quarrylab/quarry/pkg/evidence"
	"github.com/quarrylab/quarry/pkg/model"
)

// search_code fallback order. Each strategy only runs when every strategy
// before it came up empty; the first hit wins and names itself in FoundVia.
const (
	strategyExactSymbol     = "exact_symbol"
	strategyPartialSymbol   = "partial_symbol"
	strategyGrepSensitive   = "grep_case_sensitive"
	strategyGrepInsensitive = "grep_case_insensitive"
	strategySemantic        = "semantic"
)

// searchCodeSpec builds the composed symbol/text/semantic search chain. It
// is one of the two tools the planner may place in a plan.
func searchCodeSpec(ts *toolset, reg *Registry) Spec {
	return Spec{
		Name:        "search_code",
		Category:    CategoryComposed,
		Risk:        RiskReadOnly,
		Description: "Find code by symbol name, text pattern, or meaning. Falls back from exact symbol lookup through grep to semantic search.",
		Params: []Param{
			{Name: "query", Type: ParamString, Required: true},
			{Name: "scope", Type: ParamString},
			{Name: "kind", Type: ParamString},
		},
		Exposed: true,
		Handler: ts.searchCode(reg),
	}
}

// looksLikePath reports whether a query is a file path rather than a symbol
// or phrase. Paths go to read_code; searching for them wastes the chain.
func looksLikePath(query string) bool {
	if strings.ContainsAny(query, " \t") {
		return false
	}
	if strings.Contains(query, "/") {
		return true
	}
	ext := path.Ext(query)
	return len(ext) >= 2 && len(ext) <= 6 && !strings.Contains(query, "(")
}

func (ts *toolset) searchCode(reg *Registry) Handler {
	return func(ctx context.Context, args map[string]any) *model.ToolResult {
		const tool = "search_code"
		query := stringArg(args, "query")
		scope := stringArg(args, "scope")
		kind := stringArg(args, "kind")

		if looksLikePath(query) {
			return &model.ToolResult{
				Tool:   tool,
				Status: model.ToolStatusError,
				Error:  "invalid_arguments: query looks like a file path, use read_code instead",
				Data:   map[string]any{"query": query, "suggested_tool": "read_code"},
			}
		}

		chain := &fallbackChain{tool: tool}

		// The symbol strategies take the kind filter; the text and semantic
		// strategies have no notion of kind and ignore it.
		symbolArgs := func(extra map[string]any) map[string]any {
			out := map[string]any{"name": query, "scope": scope}
			if kind != "" {
				out["kind"] = kind
			}
			for k, v := range extra {
				out[k] = v
			}
			return out
		}

		// 1. Exact symbol definition.
		exactArgs := symbolArgs(nil)
		if r := chain.attempt(strategyExactSymbol, "find_symbol", exactArgs,
			func() *model.ToolResult { return ts.findSymbol(ctx, exactArgs) },
		); r != nil {
			return r
		}

		// 2. Partial symbol name.
		partialArgs := symbolArgs(map[string]any{"partial": "true"})
		if r := chain.attempt(strategyPartialSymbol, "find_symbol", partialArgs,
			func() *model.ToolResult { return ts.findSymbol(ctx, partialArgs) },
		); r != nil {
			return r
		}

		// 3 and 4. Literal grep, case-sensitive then insensitive.
		literal := regexp.QuoteMeta(query)
		if r := chain.attempt(strategyGrepSensitive, "grep_search", map[string]any{"pattern": literal, "scope": scope},
			func() *model.ToolResult { return ts.grepSearch(ctx, map[string]any{"pattern": literal, "scope": scope}) },
		); r != nil {
			return r
		}
		if r := chain.attempt(strategyGrepInsensitive, "grep_search", map[string]any{"pattern": literal, "scope": scope, "case_insensitive": "true"},
			func() *model.ToolResult {
				return ts.grepSearch(ctx, map[string]any{"pattern": literal, "scope": scope, "case_insensitive": "true"})
			},
		); r != nil {
			return r
		}

		// 5. Semantic, last: it always returns something vaguely similar,
		// so it only runs once the literal strategies are exhausted.
		if r := chain.attempt(strategySemantic, "semantic_search", map[string]any{"query": query, "scope": scope},
			func() *model.ToolResult { return ts.semanticSearch(ctx, map[string]any{"query": query, "scope": scope}) },
		); r != nil {
			return r
		}

		return chain.exhausted(map[string]any{"query": query})
	}
}

// fallbackChain runs composed-tool strategies in order, keeping the attempt
// history that explains a miss.
type fallbackChain struct {
	tool    string
	history []model.AttemptRecord
}

// attempt runs one strategy. A hit is promoted to the chain's result, with
// the full history and extracted citations attached; a miss or strategy
// error records itself and returns nil so the chain continues.
func (c *fallbackChain) attempt(strategy, underlying string, params map[string]any, run func() *model.ToolResult) *model.ToolResult {
	record := model.AttemptRecord{
		Step:     len(c.history) + 1,
		Tool:     underlying,
		Strategy: strategy,
		Params:   params,
	}
	result := run()
	switch result.Status {
	case model.ToolStatusSuccess:
		record.Outcome = model.AttemptFound
		c.history = append(c.history, record)
		promoted := &model.ToolResult{
			Tool:           c.tool,
			Status:         model.ToolStatusSuccess,
			FoundVia:       strategy,
			Data:           result.Data,
			AttemptHistory: c.history,
		}
		promoted.Citations = evidence.Extract(promoted)
		return promoted
	case model.ToolStatusNotFound:
		record.Outcome = model.AttemptNotFound
	default:
		record.Outcome = model.AttemptError
		record.Error = result.Error
	}
	c.history = append(c.history, record)
	return nil
}

// exhausted reports a miss after every strategy ran.
func (c *fallbackChain) exhausted(data map[string]any) *model.ToolResult {
	return &model.ToolResult{
		Tool:           c.tool,
		Status:         model.ToolStatusNotFound,
		Data:           data,
		AttemptHistory: c.history,
	}
}
