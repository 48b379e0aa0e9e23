// Package evidence turns tool results into citations and checks synthesized
// claims against the evidence a request has actually gathered. A claim is
// only as good as its citations, and a citation is only as good as the tool
// result it came from.
package evidence

import (
	"github.com/quarrylab/quarry/pkg/model"
)

// Extract derives path:line citations from a successful tool result. Each
// data shape the tool layer produces is handled explicitly; unknown shapes
// yield nothing rather than guessed references.
func Extract(result *model.ToolResult) []string {
	if result == nil || !result.Succeeded() {
		return nil
	}
	data := result.Data
	if data == nil {
		return nil
	}

	var out []string

	// File slice: cite the first line of the returned range. Keeping the
	// citation a single path:line means the synthesizer's natural reference
	// to the slice matches the gathered set exactly.
	if p, ok := data["path"].(string); ok {
		if _, hasContent := data["content"]; hasContent {
			if start := asInt(data["start_line"]); start > 0 {
				out = append(out, model.FormatCitation(p, start))
			}
			return out
		}
	}

	// Line-bearing collections share one shape: entries with a path (or the
	// parent's path) and a line number.
	parentPath, _ := data["path"].(string)
	for _, key := range []string{"matches", "symbols", "imports", "importers", "lines"} {
		for _, entry := range entryList(data[key]) {
			p, _ := entry["path"].(string)
			if p == "" {
				p = parentPath
			}
			line := asInt(entry["line"])
			if p == "" || line <= 0 {
				continue
			}
			out = append(out, model.FormatCitation(p, line))
		}
	}
	return out
}

// Validate checks every claim's supporting citations against the gathered
// set and returns the texts of claims that cite evidence the request never
// collected. A claim with no citations at all is unsupported by definition.
func Validate(claims []model.Claim, gathered *model.CitationSet) []string {
	var unsupported []string
	for _, claim := range claims {
		if len(claim.SupportingCitations) == 0 {
			unsupported = append(unsupported, claim.Text)
			continue
		}
		for _, c := range claim.SupportingCitations {
			if !gathered.Contains(c) {
				unsupported = append(unsupported, claim.Text)
				break
			}
		}
	}
	return unsupported
}

// entryList normalizes a data collection: tool handlers build
// []map[string]any directly, while results that crossed a JSON round trip
// carry []any.
func entryList(v any) []map[string]any {
	switch typed := v.(type) {
	case []map[string]any:
		return typed
	case []any:
		out := make([]map[string]any, 0, len(typed))
		for _, item := range typed {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	default:
		return nil
	}
}

func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
