package llm

import (
	"context"
	"fmt"
	"sync"
)

// ScriptedClient replays canned completions in order. It is the test double
// for pipeline and service tests; production code never constructs one.
type ScriptedClient struct {
	mu        sync.Mutex
	responses []ScriptedResponse
	calls     []Request
}

// ScriptedResponse is one canned completion, or an error to inject.
type ScriptedResponse struct {
	Text      string
	TokensIn  int
	TokensOut int
	Err       error
}

// NewScriptedClient builds a stub that replies with the given responses in
// order. An exhausted script fails the call, which makes a test that
// over-calls the LLM fail loudly instead of hanging.
func NewScriptedClient(responses ...ScriptedResponse) *ScriptedClient {
	return &ScriptedClient{responses: responses}
}

// Append adds responses to the end of the script.
func (s *ScriptedClient) Append(responses ...ScriptedResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, responses...)
}

// Calls returns every request seen so far, in order.
func (s *ScriptedClient) Calls() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.calls))
	copy(out, s.calls)
	return out
}

func (s *ScriptedClient) next(req Request) (ScriptedResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	if len(s.responses) == 0 {
		return ScriptedResponse{}, fmt.Errorf("%w: scripted client exhausted after %d calls", ErrTransport, len(s.calls))
	}
	resp := s.responses[0]
	s.responses = s.responses[1:]
	return resp, nil
}

// Complete pops the next scripted response.
func (s *ScriptedClient) Complete(ctx context.Context, req Request) (*Completion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp, err := s.next(req)
	if err != nil {
		return nil, err
	}
	if resp.Err != nil {
		return nil, resp.Err
	}
	tokensIn := resp.TokensIn
	if tokensIn == 0 {
		tokensIn = len(req.Prompt) / 4
	}
	tokensOut := resp.TokensOut
	if tokensOut == 0 {
		tokensOut = len(resp.Text) / 4
	}
	return &Completion{Text: resp.Text, TokensIn: tokensIn, TokensOut: tokensOut}, nil
}

// Stream delivers the next scripted response as a two-chunk stream.
func (s *ScriptedClient) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	completion, err := s.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	out := make(chan Chunk, 2)
	out <- Chunk{Delta: completion.Text}
	out <- Chunk{Final: true, TokensIn: completion.TokensIn, TokensOut: completion.TokensOut}
	close(out)
	return out, nil
}
