package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelope_SetOutputReplacesSameStage(t *testing.T) {
	env := NewEnvelope("req-1", "", "where is X")

	env.SetOutput(&IntentOutput{ClassifiedIntent: IntentSearch, Goals: []string{"a"}})
	env.SetOutput(&IntentOutput{ClassifiedIntent: IntentFindSymbol, Goals: []string{"b"}})

	require.Len(t, env.StageOutputs, 1)
	intent, ok := OutputAs[*IntentOutput](env, StageIntent)
	require.True(t, ok)
	assert.Equal(t, IntentFindSymbol, intent.ClassifiedIntent)
}

func TestEnvelope_ClearForReentry(t *testing.T) {
	env := NewEnvelope("req-1", "sess-1", "trace the request flow")
	env.SetOutput(&PerceptionOutput{NormalizedQuery: "trace the request flow"})
	env.SetOutput(&IntentOutput{ClassifiedIntent: IntentTraceFlow})
	env.SetOutput(&PlannerOutput{Steps: []PlanStep{{Tool: "search_code"}}})
	env.SetOutput(&ExecutorOutput{})
	env.SetOutput(&SynthesizerOutput{Claims: []Claim{{Text: "handler calls service"}}})
	env.SetOutput(&CriticOutput{Verdict: VerdictReject})
	env.Citations.Add("pkg/api/handler.go:42")
	env.RecordAttempts([]AttemptRecord{{Step: 1, Tool: "search_code", Strategy: "symbol_exact", Outcome: AttemptFound}})

	env.ClearForReentry("read the dispatcher before claiming call order")

	assert.Equal(t, 1, env.ReintentCycles)
	assert.Equal(t, StageIntent, env.CurrentStage)
	assert.Equal(t, "read the dispatcher before claiming call order", env.ReintentFocus)

	// Perception survives; the cycle-scoped stages are gone.
	require.Len(t, env.StageOutputs, 1)
	assert.Equal(t, StagePerception, env.StageOutputs[0].Stage)

	// Evidence and attempt history are never dropped.
	assert.True(t, env.Citations.Contains("pkg/api/handler.go:42"))
	assert.Len(t, env.AttemptHistory, 1)
}

func TestEnvelope_CanReenter(t *testing.T) {
	env := NewEnvelope("req-1", "", "q")
	assert.True(t, env.CanReenter())

	env.ClearForReentry("")
	assert.True(t, env.CanReenter())

	env.ClearForReentry("")
	assert.False(t, env.CanReenter(), "cycle 2 is the last allowed cycle")
}

func TestEnvelope_CanReenterRespectsRequestOverride(t *testing.T) {
	env := NewEnvelope("req-1", "", "q")
	env.MaxReintent = 0
	assert.False(t, env.CanReenter())
}

func TestEnvelope_TerminateFirstReasonWins(t *testing.T) {
	env := NewEnvelope("req-1", "", "q")
	env.Terminate(TerminationCompleted, "")
	env.Terminate(TerminationCancelled, "client went away")

	assert.True(t, env.Terminated)
	assert.Equal(t, TerminationCompleted, env.TerminationReason)
	assert.Empty(t, env.TerminationDetail)
}

func TestEnvelope_DeferredTermination(t *testing.T) {
	env := NewEnvelope("req-1", "", "q")
	env.DeferTermination(TerminationQuotaExceeded, "llm call limit reached")
	env.DeferTermination(TerminationCriticRejected, "should not overwrite")

	env.ResolveTermination()

	assert.True(t, env.Terminated)
	assert.Equal(t, TerminationQuotaExceeded, env.TerminationReason)
	assert.Equal(t, "llm call limit reached", env.TerminationDetail)
}

func TestEnvelope_ResolveWithoutPendingCompletes(t *testing.T) {
	env := NewEnvelope("req-1", "", "q")
	env.ResolveTermination()

	assert.Equal(t, TerminationCompleted, env.TerminationReason)
}

func TestEnvelope_MarkExploredCap(t *testing.T) {
	env := NewEnvelope("req-1", "", "q")

	assert.True(t, env.MarkExplored("a.go"))
	assert.False(t, env.MarkExplored("a.go"), "duplicate path")

	for i := 0; i < MaxExploredFiles; i++ {
		env.MarkExplored(FormatCitation("file.go", i))
	}
	assert.Len(t, env.ExploredFiles, MaxExploredFiles)
	assert.False(t, env.MarkExplored("overflow.go"))
}

func TestEnvelope_JSONRoundTrip(t *testing.T) {
	env := NewEnvelope("req-1", "sess-1", "where is parse_config defined")
	env.SetOutput(&PerceptionOutput{NormalizedQuery: "where is parse_config defined", IntentHints: []string{"find_symbol"}})
	env.SetOutput(&IntentOutput{ClassifiedIntent: IntentFindSymbol, Goals: []string{"locate parse_config"}})
	env.SetOutput(&PlannerOutput{
		Steps:                  []PlanStep{{Tool: "search_code", Arguments: map[string]any{"query": "parse_config"}}},
		ContextBudgetRemaining: 25000,
	})
	env.Citations.Add("config/loader.py:57")
	env.RecordAttempts([]AttemptRecord{{Step: 1, Tool: "search_code", Strategy: "symbol_exact", Outcome: AttemptFound}})
	env.ResourceUsage.LLMCalls = 2

	data, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded Envelope
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, env.RequestID, decoded.RequestID)
	require.Len(t, decoded.StageOutputs, 3)

	planner, ok := OutputAs[*PlannerOutput](&decoded, StagePlanner)
	require.True(t, ok)
	require.Len(t, planner.Steps, 1)
	assert.Equal(t, "search_code", planner.Steps[0].Tool)
	assert.Equal(t, 25000, planner.ContextBudgetRemaining)

	assert.True(t, decoded.Citations.Contains("config/loader.py:57"))
	assert.Equal(t, 2, decoded.ResourceUsage.LLMCalls)
	assert.Len(t, decoded.AttemptHistory, 1)
}

func TestStageRecord_UnmarshalUnknownStage(t *testing.T) {
	var rec StageRecord
	err := json.Unmarshal([]byte(`{"stage":"mystery","output":{}}`), &rec)
	require.Error(t, err)
}

func TestStageIndex(t *testing.T) {
	assert.Equal(t, 0, StageIndex(StagePerception))
	assert.Equal(t, 6, StageIndex(StageIntegration))
	assert.Equal(t, -1, StageIndex(StageName("nope")))
}
