package model

import "time"

// StageStatus is the lifecycle state reported in a stage event.
type StageStatus string

const (
	StageStarted   StageStatus = "started"
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
)

// StageEvent is emitted on the request's event stream whenever a stage
// starts, completes or fails. Summaries are short and human-readable; the
// full stage outputs stay on the envelope.
type StageEvent struct {
	RequestID string      `json:"request_id"`
	SessionID string      `json:"session_id,omitempty"`
	Stage     StageName   `json:"stage"`
	Status    StageStatus `json:"status"`
	Summary   string      `json:"summary,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// TerminalEvent is the last event on a request's stream, emitted exactly
// once after the envelope reaches a terminal state.
type TerminalEvent struct {
	RequestID         string            `json:"request_id"`
	SessionID         string            `json:"session_id,omitempty"`
	FinalResponse     string            `json:"final_response"`
	Citations         []string          `json:"citations,omitempty"`
	TerminationReason TerminationReason `json:"termination_reason"`
	TerminationDetail string            `json:"termination_detail,omitempty"`
	Usage             ResourceUsage     `json:"resource_usage"`
	Timestamp         time.Time         `json:"timestamp"`
}
