// Package accounting tracks per-request resource consumption and enforces
// the exploration quotas. The pipeline runtime records usage and asks for a
// quota check at every stage boundary; it never implements limits itself.
package accounting

import (
	"errors"
	"fmt"
	"sync"
)

// Bounds holds the per-request exploration ceilings.
type Bounds struct {
	MaxTreeDepth       int `yaml:"max_tree_depth"`
	MaxFileSliceTokens int `yaml:"max_file_slice_tokens"`
	MaxGrepResults     int `yaml:"max_grep_results"`
	MaxSymbolResults   int `yaml:"max_symbol_results"`
	MaxFilesPerQuery   int `yaml:"max_files_per_query"`
	MaxTotalCodeTokens int `yaml:"max_total_code_tokens"`
	MaxLLMCalls        int `yaml:"max_llm_calls"`
	MaxAgentHops       int `yaml:"max_agent_hops"`
}

// DefaultBounds returns the standard exploration ceilings.
func DefaultBounds() Bounds {
	return Bounds{
		MaxTreeDepth:       10,
		MaxFileSliceTokens: 4000,
		MaxGrepResults:     50,
		MaxSymbolResults:   100,
		MaxFilesPerQuery:   10,
		MaxTotalCodeTokens: 25000,
		MaxLLMCalls:        10,
		MaxAgentHops:       21,
	}
}

// ErrQuotaExceeded is wrapped by every quota violation.
var ErrQuotaExceeded = errors.New("quota exceeded")

// QuotaError describes which ceiling a request hit.
type QuotaError struct {
	Reason string
	Limit  int
	Used   int
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("quota exceeded: %s (used %d of %d)", e.Reason, e.Used, e.Limit)
}

func (e *QuotaError) Unwrap() error { return ErrQuotaExceeded }

// Usage is a snapshot of one request's counters.
type Usage struct {
	LLMCalls   int
	ToolCalls  int
	AgentHops  int
	TokensIn   int
	TokensOut  int
	CodeTokens int
}

// Accountant is the resource-tracking collaborator. Implementations must be
// safe for concurrent use across requests.
type Accountant interface {
	// RecordLLMCall counts one completed LLM call with its token usage.
	RecordLLMCall(requestID string, tokensIn, tokensOut int)

	// RecordToolCall counts one tool invocation.
	RecordToolCall(requestID, tool string)

	// RecordHop counts one agent hop: a stage execution or a tool step.
	RecordHop(requestID string)

	// RecordCodeTokens adds tool-derived code tokens to the request total.
	RecordCodeTokens(requestID string, tokens int)

	// CheckQuota reports whether the request may continue. A false result
	// carries the reason as a *QuotaError.
	CheckQuota(requestID string) (bool, error)

	// Snapshot returns the request's current counters.
	Snapshot(requestID string) Usage

	// Release drops the request's counters after the terminal event.
	Release(requestID string)
}

// Tracker is the in-process Accountant. Counters live in memory for the
// duration of a request and are dropped on Release.
type Tracker struct {
	bounds Bounds

	mu       sync.Mutex
	requests map[string]*Usage
}

// NewTracker builds a tracker enforcing the given bounds.
func NewTracker(bounds Bounds) *Tracker {
	return &Tracker{
		bounds:   bounds,
		requests: make(map[string]*Usage),
	}
}

// Bounds returns the ceilings this tracker enforces.
func (t *Tracker) Bounds() Bounds { return t.bounds }

func (t *Tracker) usage(requestID string) *Usage {
	u, ok := t.requests[requestID]
	if !ok {
		u = &Usage{}
		t.requests[requestID] = u
	}
	return u
}

// RecordLLMCall counts one LLM call and its tokens.
func (t *Tracker) RecordLLMCall(requestID string, tokensIn, tokensOut int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	u := t.usage(requestID)
	u.LLMCalls++
	u.TokensIn += tokensIn
	u.TokensOut += tokensOut
}

// RecordToolCall counts one tool invocation.
func (t *Tracker) RecordToolCall(requestID, _ string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.usage(requestID).ToolCalls++
}

// RecordHop counts one agent hop.
func (t *Tracker) RecordHop(requestID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.usage(requestID).AgentHops++
}

// RecordCodeTokens adds to the request's cumulative code-token total.
func (t *Tracker) RecordCodeTokens(requestID string, tokens int) {
	if tokens <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.usage(requestID).CodeTokens += tokens
}

// CheckQuota verifies every ceiling. The first violated bound wins.
func (t *Tracker) CheckQuota(requestID string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	u := t.usage(requestID)

	if t.bounds.MaxLLMCalls > 0 && u.LLMCalls >= t.bounds.MaxLLMCalls {
		return false, &QuotaError{Reason: "llm call budget exhausted", Limit: t.bounds.MaxLLMCalls, Used: u.LLMCalls}
	}
	if t.bounds.MaxAgentHops > 0 && u.AgentHops >= t.bounds.MaxAgentHops {
		return false, &QuotaError{Reason: "agent hop budget exhausted", Limit: t.bounds.MaxAgentHops, Used: u.AgentHops}
	}
	if t.bounds.MaxTotalCodeTokens > 0 && u.CodeTokens > t.bounds.MaxTotalCodeTokens {
		return false, &QuotaError{Reason: "code token budget exhausted", Limit: t.bounds.MaxTotalCodeTokens, Used: u.CodeTokens}
	}
	return true, nil
}

// Snapshot returns a copy of the request's counters.
func (t *Tracker) Snapshot(requestID string) Usage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return *t.usage(requestID)
}

// Release forgets the request.
func (t *Tracker) Release(requestID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.requests, requestID)
}
