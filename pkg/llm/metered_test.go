package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrylab/quarry/pkg/accounting"
)

func TestMeteredRecordsCompletionUsage(t *testing.T) {
	tracker := accounting.NewTracker(accounting.DefaultBounds())
	stub := NewScriptedClient(ScriptedResponse{Text: "answer", TokensIn: 100, TokensOut: 25})
	client := NewMetered(stub, tracker)

	ctx := WithRequestID(context.Background(), "req-1")
	out, err := client.Complete(ctx, Request{Prompt: "question"})
	require.NoError(t, err)
	assert.Equal(t, "answer", out.Text)

	u := tracker.Snapshot("req-1")
	assert.Equal(t, 1, u.LLMCalls)
	assert.Equal(t, 100, u.TokensIn)
	assert.Equal(t, 25, u.TokensOut)
}

func TestMeteredRecordsFailedCall(t *testing.T) {
	tracker := accounting.NewTracker(accounting.DefaultBounds())
	stub := NewScriptedClient(ScriptedResponse{Err: ErrTransport})
	client := NewMetered(stub, tracker)

	ctx := WithRequestID(context.Background(), "req-1")
	_, err := client.Complete(ctx, Request{Prompt: "question"})
	require.Error(t, err)

	// The failed call still counts against the call budget.
	assert.Equal(t, 1, tracker.Snapshot("req-1").LLMCalls)
}

func TestMeteredStreamRecordsFinalChunk(t *testing.T) {
	tracker := accounting.NewTracker(accounting.DefaultBounds())
	stub := NewScriptedClient(ScriptedResponse{Text: "streamed", TokensIn: 40, TokensOut: 10})
	client := NewMetered(stub, tracker)

	ctx := WithRequestID(context.Background(), "req-2")
	chunks, err := client.Stream(ctx, Request{Prompt: "question"})
	require.NoError(t, err)

	var text string
	for chunk := range chunks {
		text += chunk.Delta
	}
	assert.Equal(t, "streamed", text)

	u := tracker.Snapshot("req-2")
	assert.Equal(t, 1, u.LLMCalls)
	assert.Equal(t, 40, u.TokensIn)
	assert.Equal(t, 10, u.TokensOut)
}

func TestScriptedClientExhaustion(t *testing.T) {
	stub := NewScriptedClient()
	_, err := stub.Complete(context.Background(), Request{Prompt: "q"})
	require.ErrorIs(t, err, ErrTransport)
}

func TestScriptedClientRecordsCalls(t *testing.T) {
	stub := NewScriptedClient(
		ScriptedResponse{Text: "one"},
		ScriptedResponse{Text: "two"},
	)
	_, err := stub.Complete(context.Background(), Request{Prompt: "first"})
	require.NoError(t, err)
	_, err = stub.Complete(context.Background(), Request{Prompt: "second"})
	require.NoError(t, err)

	calls := stub.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "first", calls[0].Prompt)
	assert.Equal(t, "second", calls[1].Prompt)
}
