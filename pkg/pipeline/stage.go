// Package pipeline is the seven-stage analysis runtime: stage specs with
// pre/core/post hooks, the context builders that bound LLM input, the
// explicit transition function, and the run loop that owns the envelope and
// the event stream for one request.
package pipeline

import (
	"context"
	"errors"

	"github.com/quarrylab/quarry/pkg/accounting"
	"github.com/quarrylab/quarry/pkg/llm"
	"github.com/quarrylab/quarry/pkg/model"
	"github.com/quarrylab/quarry/pkg/prompt"
	"github.com/quarrylab/quarry/pkg/storage"
	"github.com/quarrylab/quarry/pkg/tools"
)

// StageKind separates stages that call the LLM from deterministic ones.
type StageKind string

const (
	KindDeterministic StageKind = "deterministic"
	KindLLM           StageKind = "llm"
)

var (
	// ErrMalformedOutput signals that a stage's raw output failed to parse
	// or validate. The runtime retries the stage once before giving up.
	ErrMalformedOutput = errors.New("malformed stage output")

	// ErrInvalidPlan signals a plan that names unknown tools or passes
	// arguments the registry's schema rejects.
	ErrInvalidPlan = errors.New("invalid plan")
)

// Input is what a stage's pre hook hands to its core. LLM stages fill the
// prompt pair; deterministic stages carry whatever their core needs in Data.
type Input struct {
	System string
	User   string
	Data   map[string]any
}

// Hook signatures. Pre builds the bounded stage input from envelope state,
// Core produces the raw output (LLM text, or locally marshalled JSON for
// deterministic stages), Post parses and validates it into a typed stage
// output. Post may also mutate the envelope; it runs on the request's own
// task, so the single-writer rule holds.
type (
	PreHook  func(ctx context.Context, env *model.Envelope) (*Input, error)
	CoreHook func(ctx context.Context, env *model.Envelope, in *Input) (string, error)
	PostHook func(ctx context.Context, env *model.Envelope, raw string) (model.StageOutput, error)
)

// StageSpec is one stage as a value. A pipeline is an ordered list of these
// plus the transition function; the runtime is generic over the list.
type StageSpec struct {
	Name model.StageName
	Kind StageKind
	Pre  PreHook
	Core CoreHook
	Post PostHook

	// Mock replaces Core when set. This is the only supported test
	// substitution point for the LLM.
	Mock CoreHook
}

// core returns the hook the runtime should execute.
func (s *StageSpec) core() CoreHook {
	if s.Mock != nil {
		return s.Mock
	}
	return s.Core
}

// Deps carries the collaborators every default stage hook reads through.
type Deps struct {
	LLM          llm.Client
	Prompts      *prompt.Registry
	Tools        *tools.Registry
	Accountant   accounting.Accountant
	Bounds       accounting.Bounds
	Estimator    *accounting.Estimator
	Sessions     storage.SessionStore
	Explanations storage.ExplanationCache
}
