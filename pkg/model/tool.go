package model

// ToolStatus describes how a tool invocation ended. Not-found is a normal
// signal, not an error: fallback chains exhaust their strategies before
// reporting it.
type ToolStatus string

const (
	ToolStatusSuccess     ToolStatus = "success"
	ToolStatusNotFound    ToolStatus = "not_found"
	ToolStatusUnavailable ToolStatus = "tool_unavailable"
	ToolStatusError       ToolStatus = "error"
)

// AttemptOutcome is the result of a single fallback strategy attempt.
type AttemptOutcome string

const (
	AttemptFound    AttemptOutcome = "found"
	AttemptNotFound AttemptOutcome = "not_found"
	AttemptError    AttemptOutcome = "error"
)

// AttemptRecord documents one strategy attempt inside a composed tool, so
// a failed lookup can explain exactly what was tried and in which order.
type AttemptRecord struct {
	Step     int            `json:"step"`
	Tool     string         `json:"tool"`
	Strategy string         `json:"strategy"`
	Outcome  AttemptOutcome `json:"outcome"`
	Params   map[string]any `json:"params,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// ToolResult is the uniform result shape every tool returns. FoundVia names
// the strategy that finally produced data when a fallback chain succeeded.
type ToolResult struct {
	Tool           string          `json:"tool"`
	Status         ToolStatus      `json:"status"`
	FoundVia       string          `json:"found_via,omitempty"`
	Data           map[string]any  `json:"data,omitempty"`
	AttemptHistory []AttemptRecord `json:"attempt_history,omitempty"`
	Citations      []string        `json:"citations,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// Succeeded reports whether the tool produced usable data.
func (r *ToolResult) Succeeded() bool {
	return r.Status == ToolStatusSuccess
}
