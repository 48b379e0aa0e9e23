package pipeline

import (
	"fmt"
	"sort"
	"strings"

	"github.com/quarrylab/quarry/pkg/model"
	"github.com/quarrylab/quarry/pkg/tools"
)

// Per-call bounds on tool-result material entering an LLM prompt. These are
// what keep a deep exploration inside the context window.
const (
	maxSnippetChars   = 512
	maxItemsPerResult = 10
	maxAttemptLines   = 20
)

// summarizeResults renders executor results for prompt inclusion: per
// result the tool, status and strategy, then at most ten items of at most
// 512 characters each.
func summarizeResults(results []model.ToolResult) string {
	var sb strings.Builder
	for i := range results {
		summary := tools.Summarize(&results[i])
		fmt.Fprintf(&sb, "### %s — %s", summary.Tool, summary.Status)
		if summary.FoundVia != "" {
			fmt.Fprintf(&sb, " (via %s)", summary.FoundVia)
		}
		sb.WriteString("\n")
		if summary.Error != "" {
			fmt.Fprintf(&sb, "error: %s\n", snippet(summary.Error))
		}
		for _, item := range resultItems(summary) {
			fmt.Fprintf(&sb, "- %s\n", snippet(item))
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

// resultItems flattens one summarised result into printable lines, capped
// at maxItemsPerResult.
func resultItems(result *model.ToolResult) []string {
	data := result.Data
	if data == nil {
		return nil
	}
	var items []string

	if content, ok := data["content"].(string); ok {
		header := fmt.Sprintf("%v lines %v-%v:", data["path"], data["start_line"], data["end_line"])
		items = append(items, header+"\n"+content)
		return items
	}

	for _, key := range collectionKeysInOrder(data) {
		for _, entry := range tools.EntryList(data[key]) {
			items = append(items, renderEntry(entry))
			if len(items) >= maxItemsPerResult {
				return items
			}
		}
	}

	for _, c := range stringList(data["candidates"]) {
		items = append(items, "candidate: "+c)
		if len(items) >= maxItemsPerResult {
			break
		}
	}
	return items
}

// stringList tolerates both []string and the []any a JSON round trip
// produces.
func stringList(v any) []string {
	switch typed := v.(type) {
	case []string:
		return typed
	case []any:
		out := make([]string, 0, len(typed))
		for _, item := range typed {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func collectionKeysInOrder(data map[string]any) []string {
	known := []string{"matches", "symbols", "imports", "importers", "entries", "commits", "lines", "changes", "similar", "paths"}
	var out []string
	for _, key := range known {
		if _, ok := data[key]; ok {
			out = append(out, key)
		}
	}
	return out
}

// renderEntry prints one collection entry with stable key order.
func renderEntry(entry map[string]any) string {
	keys := make([]string, 0, len(entry))
	for k := range entry {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, entry[k]))
	}
	return strings.Join(parts, " ")
}

func snippet(s string) string {
	if len(s) <= maxSnippetChars {
		return s
	}
	return s[:maxSnippetChars] + "…"
}

// citationList renders the envelope's cumulative citations literally, one
// per line, so the critic validates against real evidence rather than its
// own memory.
func citationList(env *model.Envelope) string {
	items := env.Citations.Items()
	if len(items) == 0 {
		return "(none gathered)"
	}
	return strings.Join(items, "\n")
}

// claimsText renders synthesized claims with their citations.
func claimsText(claims []model.Claim) string {
	if len(claims) == 0 {
		return "(no claims)"
	}
	var sb strings.Builder
	for i, claim := range claims {
		fmt.Fprintf(&sb, "%d. %s", i+1, claim.Text)
		if len(claim.SupportingCitations) > 0 {
			fmt.Fprintf(&sb, " [%s]", strings.Join(claim.SupportingCitations, ", "))
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

// goalsText renders intent goals as a bullet list, appending the critic's
// re-entry focus when one was carried over.
func goalsText(goals []string, reintentFocus string) string {
	var sb strings.Builder
	for _, g := range goals {
		fmt.Fprintf(&sb, "- %s\n", g)
	}
	if reintentFocus != "" {
		fmt.Fprintf(&sb, "- %s\n", reintentFocus)
	}
	if sb.Len() == 0 {
		return "- answer the query"
	}
	return strings.TrimRight(sb.String(), "\n")
}

// attemptSummary compacts the request's strategy attempts so the planner
// can avoid repeating failed lookups. Only the most recent lines survive.
func attemptSummary(records []model.AttemptRecord) string {
	if len(records) == 0 {
		return ""
	}
	start := 0
	if len(records) > maxAttemptLines {
		start = len(records) - maxAttemptLines
	}
	var sb strings.Builder
	for _, rec := range records[start:] {
		fmt.Fprintf(&sb, "- %s/%s -> %s", rec.Tool, rec.Strategy, rec.Outcome)
		if q, ok := rec.Params["query"].(string); ok {
			fmt.Fprintf(&sb, " (query=%q)", q)
		} else if p, ok := rec.Params["path"].(string); ok {
			fmt.Fprintf(&sb, " (path=%q)", p)
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

// digestText renders a session digest for the intent prompt.
func digestText(out *model.PerceptionOutput) string {
	if out == nil {
		return ""
	}
	return out.SessionContextDigest
}
