package llm

import (
	"context"

	"github.com/quarrylab/quarry/pkg/accounting"
)

// requestIDKey carries the request id into the adapter so usage lands on
// the right counters. Plumbing only; the envelope stays the source of truth.
type requestIDKey struct{}

// WithRequestID tags a context with the owning request.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// RequestIDFrom extracts the tag, or "" when the context is untagged.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// Metered decorates a Client, recording every completed call with the
// accountant. Stream usage is recorded when the final chunk arrives.
type Metered struct {
	inner      Client
	accountant accounting.Accountant
}

// NewMetered wraps a client with usage recording.
func NewMetered(inner Client, accountant accounting.Accountant) *Metered {
	return &Metered{inner: inner, accountant: accountant}
}

// Complete delegates and records token usage.
func (m *Metered) Complete(ctx context.Context, req Request) (*Completion, error) {
	out, err := m.inner.Complete(ctx, req)
	if err != nil {
		// A failed call still consumed a call slot.
		m.accountant.RecordLLMCall(RequestIDFrom(ctx), 0, 0)
		return nil, err
	}
	m.accountant.RecordLLMCall(RequestIDFrom(ctx), out.TokensIn, out.TokensOut)
	return out, nil
}

// Stream delegates and records usage from the final chunk.
func (m *Metered) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	inner, err := m.inner.Stream(ctx, req)
	if err != nil {
		m.accountant.RecordLLMCall(RequestIDFrom(ctx), 0, 0)
		return nil, err
	}
	requestID := RequestIDFrom(ctx)
	out := make(chan Chunk, 16)
	go func() {
		defer close(out)
		recorded := false
		for chunk := range inner {
			if chunk.Final && !recorded {
				m.accountant.RecordLLMCall(requestID, chunk.TokensIn, chunk.TokensOut)
				recorded = true
			}
			out <- chunk
		}
		if !recorded {
			m.accountant.RecordLLMCall(requestID, 0, 0)
		}
	}()
	return out, nil
}
