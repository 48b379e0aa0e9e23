package tools

import (
	"github.com/quarrylab/quarry/pkg/model"
)

// truncationMarker flags cut content so the LLM knows data is missing
// instead of assuming it saw everything.
const truncationMarker = "[... truncated ...]"

// Summarisation caps per data field. Prompt context builders apply their
// own per-item snippet rule on top of these.
const (
	maxSummaryTreeChars    = 3000
	maxSummaryContentChars = 2000
	maxSummaryGrepMatches  = 20
	maxSummarySymbols      = 30
	maxSummaryCommits      = 10
	maxSummaryImports      = 30
)

// Summarize returns a copy of a tool result with its data bounded for
// prompt inclusion. The original result, with full data and history, stays
// on the envelope; only the summary travels into LLM context.
func Summarize(result *model.ToolResult) *model.ToolResult {
	if result == nil {
		return nil
	}
	out := &model.ToolResult{
		Tool:      result.Tool,
		Status:    result.Status,
		FoundVia:  result.FoundVia,
		Citations: result.Citations,
		Error:     result.Error,
	}
	if result.Data == nil {
		return out
	}

	data := make(map[string]any, len(result.Data))
	for key, value := range result.Data {
		switch key {
		case "content":
			data[key] = truncateString(asString(value), maxSummaryContentChars)
		case "entries":
			data[key] = truncateTree(value)
		case "matches":
			data[key] = truncateEntries(value, maxSummaryGrepMatches)
		case "symbols":
			data[key] = truncateEntries(value, maxSummarySymbols)
		case "imports", "importers":
			data[key] = truncateEntries(value, maxSummaryImports)
		case "commits", "lines":
			data[key] = truncateEntries(value, maxSummaryCommits)
		case "diff":
			data[key] = truncateString(asString(value), maxSummaryContentChars)
		default:
			data[key] = value
		}
	}
	out.Data = data
	return out
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func truncateString(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n" + truncationMarker
}

// EntryList normalizes a data collection to entry maps: tool handlers
// build []map[string]any directly, while results that crossed a JSON round
// trip carry []any.
func EntryList(v any) []map[string]any {
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

// truncateEntries caps a collection and appends a marker entry naming how
// many were dropped.
func truncateEntries(value any, max int) any {
	entries := EntryList(value)
	if entries == nil || len(entries) <= max {
		return value
	}
	dropped := len(entries) - max
	out := make([]map[string]any, max, max+1)
	copy(out, entries[:max])
	out = append(out, map[string]any{"truncated": truncationMarker, "dropped": dropped})
	return out
}

// truncateTree bounds a directory listing by total rendered size. Entries
// are small and uniform, so a char budget divided by a nominal entry width
// gives the cap.
func truncateTree(value any) any {
	entries := EntryList(value)
	if entries == nil {
		return value
	}
	total := 0
	for i, e := range entries {
		total += len(asString(e["path"])) + 16
		if total > maxSummaryTreeChars {
			out := make([]map[string]any, i, i+1)
			copy(out, entries[:i])
			return append(out, map[string]any{"truncated": truncationMarker, "dropped": len(entries) - i})
		}
	}
	return value
}
