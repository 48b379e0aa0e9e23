// Package llm defines the completion-provider contract the pipeline calls
// through, plus the OpenAI-compatible adapter and the scripted stub used in
// tests.
package llm

import (
	"context"
	"errors"
)

// Errors the pipeline maps to termination reasons. Transport and timeout
// failures are fatal to the requesting stage.
var (
	ErrTransport = errors.New("llm transport error")
	ErrTimeout   = errors.New("llm timeout")
)

// Request is one completion call.
type Request struct {
	// System primes the model for the calling stage; may be empty.
	System string

	// Prompt is the rendered stage input.
	Prompt string

	Temperature float32
	MaxTokens   int

	// JSONOnly asks the provider for a single JSON object response. Stage
	// post-hooks still validate; this only raises the odds of parseable
	// output.
	JSONOnly bool
}

// Completion is the result of a non-streaming call.
type Completion struct {
	Text      string
	TokensIn  int
	TokensOut int
}

// Chunk is one streaming delta. Final marks the last chunk, which carries
// the whole call's token usage.
type Chunk struct {
	Delta     string
	Final     bool
	TokensIn  int
	TokensOut int
}

// Client is the provider interface. Implementations must be safe for
// concurrent use; requests from different pipeline runs overlap freely.
type Client interface {
	Complete(ctx context.Context, req Request) (*Completion, error)
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)
}
