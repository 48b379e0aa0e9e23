package model

import (
	"strings"
	"time"
)

// MaxReintentCycles is the hard cap on critic-triggered pipeline restarts.
// The initial run is cycle 0, so a request executes at most three cycles.
const MaxReintentCycles = 2

// MaxExploredFiles caps the per-request working memory of visited paths.
const MaxExploredFiles = 100

// TerminationReason says why a request reached a terminal state.
type TerminationReason string

const (
	TerminationCompleted      TerminationReason = "completed"
	TerminationCriticRejected TerminationReason = "critic_rejected"
	TerminationCycleLimit     TerminationReason = "cycle_limit"
	TerminationQuotaExceeded  TerminationReason = "quota_exceeded"
	TerminationCancelled      TerminationReason = "cancelled"
	TerminationInternalError  TerminationReason = "internal_error"
)

// ResourceUsage tracks per-request consumption counters.
type ResourceUsage struct {
	LLMCalls  int `json:"llm_calls"`
	ToolCalls int `json:"tool_calls"`
	AgentHops int `json:"agent_hops"`
	TokensIn  int `json:"tokens_in"`
	TokensOut int `json:"tokens_out"`
}

// Envelope is the single mutable record a request carries through the
// pipeline. Exactly one stage owns it at a time; concurrent requests never
// share envelopes, so no locking is needed.
type Envelope struct {
	RequestID    string        `json:"request_id"`
	SessionID    string        `json:"session_id,omitempty"`
	Query        string        `json:"query"`
	CurrentStage StageName     `json:"current_stage"`
	StageOutputs []StageRecord `json:"stage_outputs"`

	// AttemptHistory accumulates strategy attempts across all tool calls
	// and cycles. It is append-only for the lifetime of the request.
	AttemptHistory []AttemptRecord `json:"attempt_history,omitempty"`

	// Citations is the request-wide evidence set. It survives re-entry.
	Citations *CitationSet `json:"citations"`

	// ReintentCycles counts critic-triggered restarts, starting at 0 for
	// the initial run. MaxReintent is the effective cap for this request
	// and never exceeds MaxReintentCycles.
	ReintentCycles int    `json:"reintent_cycles"`
	MaxReintent    int    `json:"max_reintent"`
	ReintentFocus  string `json:"reintent_focus,omitempty"`

	ResourceUsage ResourceUsage `json:"resource_usage"`

	// CodeTokens is the cumulative estimated token count of code content
	// returned by tools, checked against the per-request ceiling.
	CodeTokens int `json:"code_tokens"`

	// ExploredFiles records paths whose content this request has already
	// read, capped at MaxExploredFiles.
	ExploredFiles []string `json:"explored_files,omitempty"`

	Terminated        bool              `json:"terminated"`
	TerminationReason TerminationReason `json:"termination_reason,omitempty"`
	TerminationDetail string            `json:"termination_detail,omitempty"`

	// PendingReason holds a non-completed reason decided before the
	// integration stage runs, so the final answer can still be rendered
	// and the reason applied afterwards.
	PendingReason TerminationReason `json:"pending_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// NewEnvelope builds a fresh envelope positioned at the perception stage.
func NewEnvelope(requestID, sessionID, query string) *Envelope {
	return &Envelope{
		RequestID:    requestID,
		SessionID:    sessionID,
		Query:        query,
		CurrentStage: StagePerception,
		Citations:    NewCitationSet(),
		MaxReintent:  MaxReintentCycles,
		CreatedAt:    time.Now().UTC(),
	}
}

// SetOutput stores a stage output, replacing any existing record for the
// same stage. A stage name appears at most once per cycle.
func (e *Envelope) SetOutput(out StageOutput) {
	stage := out.OutputStage()
	for i := range e.StageOutputs {
		if e.StageOutputs[i].Stage == stage {
			e.StageOutputs[i].Output = out
			return
		}
	}
	e.StageOutputs = append(e.StageOutputs, StageRecord{Stage: stage, Output: out})
}

// Output returns the stored output for a stage, if any.
func (e *Envelope) Output(stage StageName) (StageOutput, bool) {
	for i := range e.StageOutputs {
		if e.StageOutputs[i].Stage == stage {
			return e.StageOutputs[i].Output, true
		}
	}
	return nil, false
}

// OutputAs returns the stored output for a stage as concrete type T.
func OutputAs[T StageOutput](e *Envelope, stage StageName) (T, bool) {
	var zero T
	out, ok := e.Output(stage)
	if !ok {
		return zero, false
	}
	typed, ok := out.(T)
	if !ok {
		return zero, false
	}
	return typed, true
}

// ClearForReentry prepares the envelope for another intent-to-critic cycle
// after a critic rejection. Outputs of the cycle-scoped stages are dropped;
// the perception output, citations, attempt history and usage counters are
// all preserved.
func (e *Envelope) ClearForReentry(focus string) {
	kept := e.StageOutputs[:0]
	for _, rec := range e.StageOutputs {
		if rec.Stage == StagePerception {
			kept = append(kept, rec)
		}
	}
	e.StageOutputs = kept
	e.ReintentCycles++
	e.ReintentFocus = focus
	e.CurrentStage = StageIntent
}

// CanReenter reports whether another critic-triggered restart is allowed.
func (e *Envelope) CanReenter() bool {
	return e.ReintentCycles < e.MaxReintent
}

// Terminate marks the envelope terminal. The first reason wins; later
// calls are ignored so a cancellation cannot overwrite a completed state.
func (e *Envelope) Terminate(reason TerminationReason, detail string) {
	if e.Terminated {
		return
	}
	e.Terminated = true
	e.TerminationReason = reason
	e.TerminationDetail = detail
}

// DeferTermination records a non-completed reason to apply once the
// integration stage has rendered the final answer. The first deferred
// reason wins.
func (e *Envelope) DeferTermination(reason TerminationReason, detail string) {
	if e.PendingReason != "" {
		return
	}
	e.PendingReason = reason
	e.TerminationDetail = detail
}

// ResolveTermination terminates with the deferred reason if one was
// recorded, otherwise with completed.
func (e *Envelope) ResolveTermination() {
	if e.PendingReason != "" {
		e.Terminate(e.PendingReason, e.TerminationDetail)
		return
	}
	e.Terminate(TerminationCompleted, "")
}

// RecordAttempts appends strategy attempts to the request-wide history.
func (e *Envelope) RecordAttempts(records []AttemptRecord) {
	e.AttemptHistory = append(e.AttemptHistory, records...)
}

// MarkExplored adds a path to the explored-files working memory, returning
// false when the path was already present or the cap is reached.
func (e *Envelope) MarkExplored(path string) bool {
	if path == "" || len(e.ExploredFiles) >= MaxExploredFiles {
		return false
	}
	for _, p := range e.ExploredFiles {
		if p == path {
			return false
		}
	}
	e.ExploredFiles = append(e.ExploredFiles, path)
	return true
}

// PathEstablished reports whether this request has already seen evidence
// for a path, either as an explored file or inside a gathered citation.
func (e *Envelope) PathEstablished(path string) bool {
	for _, p := range e.ExploredFiles {
		if p == path {
			return true
		}
	}
	prefix := path + ":"
	for _, c := range e.Citations.Items() {
		if c == path || strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

// FinalResponse returns the integration stage's answer, or an empty string
// when the request terminated before integration ran.
func (e *Envelope) FinalResponse() string {
	out, ok := OutputAs[*IntegrationOutput](e, StageIntegration)
	if !ok {
		return ""
	}
	return out.FinalResponse
}
