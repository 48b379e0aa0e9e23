package events

import (
	"time"

	"github.com/quarrylab/quarry/pkg/model"
)

// StagePayload is the wire form of one stage lifecycle event.
type StagePayload struct {
	Type      string            `json:"type"` // always EventTypeStage
	RequestID string            `json:"request_id"`
	SessionID string            `json:"session_id,omitempty"`
	Stage     model.StageName   `json:"stage"`
	Status    model.StageStatus `json:"status"`
	Summary   string            `json:"summary,omitempty"`
	Timestamp string            `json:"timestamp"` // RFC3339Nano
}

// NewStagePayload converts a runtime stage event for publication.
func NewStagePayload(ev *model.StageEvent) StagePayload {
	return StagePayload{
		Type:      EventTypeStage,
		RequestID: ev.RequestID,
		SessionID: ev.SessionID,
		Stage:     ev.Stage,
		Status:    ev.Status,
		Summary:   ev.Summary,
		Timestamp: ev.Timestamp.Format(time.RFC3339Nano),
	}
}

// TerminalPayload is the wire form of a request's closing event.
type TerminalPayload struct {
	Type              string                  `json:"type"` // always EventTypeTerminal
	RequestID         string                  `json:"request_id"`
	SessionID         string                  `json:"session_id,omitempty"`
	FinalResponse     string                  `json:"final_response"`
	Citations         []string                `json:"citations,omitempty"`
	TerminationReason model.TerminationReason `json:"termination_reason"`
	TerminationDetail string                  `json:"termination_detail,omitempty"`
	Usage             model.ResourceUsage     `json:"resource_usage"`
	Timestamp         string                  `json:"timestamp"` // RFC3339Nano
}

// NewTerminalPayload converts a runtime terminal event for publication.
func NewTerminalPayload(ev *model.TerminalEvent) TerminalPayload {
	return TerminalPayload{
		Type:              EventTypeTerminal,
		RequestID:         ev.RequestID,
		SessionID:         ev.SessionID,
		FinalResponse:     ev.FinalResponse,
		Citations:         ev.Citations,
		TerminationReason: ev.TerminationReason,
		TerminationDetail: ev.TerminationDetail,
		Usage:             ev.Usage,
		Timestamp:         ev.Timestamp.Format(time.RFC3339Nano),
	}
}

// AnswerChunkPayload is one streamed fragment of the final answer.
type AnswerChunkPayload struct {
	Type      string `json:"type"` // always EventTypeAnswerChunk
	RequestID string `json:"request_id"`
	Delta     string `json:"delta"`
	Timestamp string `json:"timestamp"` // RFC3339Nano
}
