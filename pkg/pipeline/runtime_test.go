package pipeline

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrylab/quarry/pkg/accounting"
	"github.com/quarrylab/quarry/pkg/llm"
	"github.com/quarrylab/quarry/pkg/model"
	"github.com/quarrylab/quarry/pkg/prompt"
	"github.com/quarrylab/quarry/pkg/tools"
)

// toolFunc is a scripted composed-tool behaviour for pipeline tests.
type toolFunc func(args map[string]any) *model.ToolResult

func newToolRegistry(t *testing.T, search, read toolFunc) *tools.Registry {
	t.Helper()
	if search == nil {
		search = func(map[string]any) *model.ToolResult {
			return &model.ToolResult{Tool: "search_code", Status: model.ToolStatusNotFound}
		}
	}
	if read == nil {
		read = func(map[string]any) *model.ToolResult {
			return &model.ToolResult{Tool: "read_code", Status: model.ToolStatusNotFound}
		}
	}
	reg := tools.NewRegistry()
	require.NoError(t, reg.Register(tools.Spec{
		Name:     "search_code",
		Category: tools.CategoryComposed,
		Risk:     tools.RiskReadOnly,
		Params: []tools.Param{
			{Name: "query", Type: tools.ParamString, Required: true},
			{Name: "scope", Type: tools.ParamString},
		},
		Exposed: true,
		Handler: func(_ context.Context, args map[string]any) *model.ToolResult { return search(args) },
	}))
	require.NoError(t, reg.Register(tools.Spec{
		Name:     "read_code",
		Category: tools.CategoryComposed,
		Risk:     tools.RiskReadOnly,
		Params: []tools.Param{
			{Name: "path", Type: tools.ParamString, Required: true},
			{Name: "start_line", Type: tools.ParamInt},
			{Name: "end_line", Type: tools.ParamInt},
		},
		Exposed: true,
		Handler: func(_ context.Context, args map[string]any) *model.ToolResult { return read(args) },
	}))
	reg.Freeze()
	return reg
}

func newDeps(t *testing.T, reg *tools.Registry, stub *llm.ScriptedClient, tracker *accounting.Tracker) Deps {
	t.Helper()
	prompts, err := prompt.NewDefaultRegistry()
	require.NoError(t, err)
	return Deps{
		LLM:        llm.NewMetered(stub, tracker),
		Prompts:    prompts,
		Tools:      reg,
		Accountant: tracker,
		Bounds:     tracker.Bounds(),
	}
}

// collect drains one request's event stream.
func collect(ch <-chan Event) ([]model.StageEvent, *model.TerminalEvent) {
	var stages []model.StageEvent
	var terminal *model.TerminalEvent
	for ev := range ch {
		if ev.Stage != nil {
			stages = append(stages, *ev.Stage)
		}
		if ev.Terminal != nil {
			terminal = ev.Terminal
		}
	}
	return stages, terminal
}

func searchHit(path string, line int) *model.ToolResult {
	return &model.ToolResult{
		Tool:     "search_code",
		Status:   model.ToolStatusSuccess,
		FoundVia: "exact_symbol",
		Data: map[string]any{
			"matches": []map[string]any{{"path": path, "line": line, "text": "definition"}},
		},
		AttemptHistory: []model.AttemptRecord{
			{Step: 1, Tool: "find_symbol", Strategy: "exact_symbol", Outcome: model.AttemptFound},
		},
		Citations: []string{model.FormatCitation(path, line)},
	}
}

func resp(text string) llm.ScriptedResponse {
	return llm.ScriptedResponse{Text: text, TokensIn: 50, TokensOut: 20}
}

const (
	intentFindSymbol = `{"classified_intent":"find_symbol","goals":["locate the definition"],"clarification_required":false}`
	intentExplain    = `{"classified_intent":"explain","goals":["explain the behaviour"],"clarification_required":false}`
	criticApprove    = `{"verdict":"approve","reason":"all claims supported"}`
)

func searchPlan(query string) string {
	return fmt.Sprintf(`{"steps":[{"tool_name":"search_code","arguments":{"query":%q},"rationale":"locate it"}],"context_budget_remaining":20000}`, query)
}

func readPlan(path string) string {
	return fmt.Sprintf(`{"steps":[{"tool_name":"read_code","arguments":{"path":%q},"rationale":"user named the file"}],"context_budget_remaining":20000}`, path)
}

func claimsJSON(text, cite string) string {
	if cite == "" {
		return fmt.Sprintf(`{"claims":[{"text":%q,"supporting_citations":[]}]}`, text)
	}
	return fmt.Sprintf(`{"claims":[{"text":%q,"supporting_citations":[%q]}]}`, text, cite)
}

func TestSingleCycleFindSymbol(t *testing.T) {
	reg := newToolRegistry(t, func(map[string]any) *model.ToolResult {
		return searchHit("src/auth/login.py", 42)
	}, nil)
	stub := llm.NewScriptedClient(
		resp(intentFindSymbol),
		resp(searchPlan("login")),
		resp(claimsJSON("login is defined in src/auth/login.py", "src/auth/login.py:42")),
		resp(criticApprove),
		resp(`{"final_response":"The function login is defined at [src/auth/login.py:42].","cited_sources":["src/auth/login.py:42"]}`),
	)
	tracker := accounting.NewTracker(accounting.DefaultBounds())
	rt := NewRuntime(DefaultStages(newDeps(t, reg, stub, tracker)), newDeps(t, reg, stub, tracker))

	env := model.NewEnvelope("req-s1", "", "Where is login defined?")
	stages, terminal := collect(rt.Run(context.Background(), env))

	require.NotNil(t, terminal)
	assert.Equal(t, model.TerminationCompleted, terminal.TerminationReason)
	assert.Contains(t, terminal.FinalResponse, "[src/auth/login.py:42]")
	assert.Equal(t, []string{"src/auth/login.py:42"}, terminal.Citations)
	assert.Equal(t, 0, env.ReintentCycles)
	assert.Len(t, env.AttemptHistory, 1)
	assert.Equal(t, 5, terminal.Usage.LLMCalls)
	assert.Equal(t, 1, terminal.Usage.ToolCalls)

	// Stage events arrive in pipeline order, started before completed.
	var order []string
	for _, ev := range stages {
		order = append(order, string(ev.Stage)+"/"+string(ev.Status))
	}
	assert.Equal(t, []string{
		"perception/started", "perception/completed",
		"intent/started", "intent/completed",
		"planner/started", "planner/completed",
		"executor/started", "executor/completed",
		"synthesizer/started", "synthesizer/completed",
		"critic/started", "critic/completed",
		"integration/started", "integration/completed",
	}, order)
}

func TestReentryThenApproval(t *testing.T) {
	reg := newToolRegistry(t, func(args map[string]any) *model.ToolResult {
		if args["query"] == "error_handler" {
			return searchHit("src/handler.py", 20)
		}
		return searchHit("src/errors.py", 10)
	}, nil)
	stub := llm.NewScriptedClient(
		// Cycle 0: the draft claim carries no citation.
		resp(intentExplain),
		resp(searchPlan("error")),
		resp(claimsJSON("errors are handled somewhere", "")),
		resp(`{"verdict":"reject","reason":"uncited claim","suggested_reintent_focus":"error_handler"}`),
		// Cycle 1: refocused and cited.
		resp(intentExplain),
		resp(searchPlan("error_handler")),
		resp(claimsJSON("errors funnel through the handler in src/handler.py", "src/handler.py:20")),
		resp(criticApprove),
		resp(`{"final_response":"Errors funnel through the handler [src/handler.py:20].","cited_sources":["src/handler.py:20"]}`),
	)
	tracker := accounting.NewTracker(accounting.DefaultBounds())
	deps := newDeps(t, reg, stub, tracker)
	rt := NewRuntime(DefaultStages(deps), deps)

	env := model.NewEnvelope("req-s2", "", "Explain how errors are handled")
	_, terminal := collect(rt.Run(context.Background(), env))

	require.NotNil(t, terminal)
	assert.Equal(t, model.TerminationCompleted, terminal.TerminationReason)
	assert.Equal(t, 1, env.ReintentCycles)

	// Citations are monotonic across the re-entry: the first cycle's
	// evidence survives.
	assert.Equal(t, []string{"src/errors.py:10", "src/handler.py:20"}, terminal.Citations)
	assert.Len(t, env.AttemptHistory, 2)
}

func TestCycleLimitTerminatesCriticRejected(t *testing.T) {
	reg := newToolRegistry(t, func(map[string]any) *model.ToolResult {
		return searchHit("src/misc.py", 5)
	}, nil)

	bounds := accounting.DefaultBounds()
	bounds.MaxLLMCalls = 20
	tracker := accounting.NewTracker(bounds)

	stub := llm.NewScriptedClient()
	for cycle := 0; cycle < 3; cycle++ {
		stub.Append(
			resp(intentExplain),
			resp(searchPlan("anything")),
			resp(claimsJSON("an unverifiable statement", "")),
			resp(`{"verdict":"reject","reason":"no evidence"}`),
		)
	}
	deps := newDeps(t, reg, stub, tracker)
	rt := NewRuntime(DefaultStages(deps), deps)

	env := model.NewEnvelope("req-s3", "", "Explain the architecture")
	_, terminal := collect(rt.Run(context.Background(), env))

	require.NotNil(t, terminal)
	assert.Equal(t, model.TerminationCriticRejected, terminal.TerminationReason)
	assert.Equal(t, 2, env.ReintentCycles)
	assert.Contains(t, terminal.FinalResponse, "unverified")
	assert.Len(t, stub.Calls(), 12)
}

func TestNotFoundPathAnswersWithoutFabrication(t *testing.T) {
	reg := newToolRegistry(t, nil, func(args map[string]any) *model.ToolResult {
		return &model.ToolResult{
			Tool:   "read_code",
			Status: model.ToolStatusNotFound,
			Data: map[string]any{
				"path":       args["path"],
				"candidates": []string{"src/existing.py"},
			},
			AttemptHistory: []model.AttemptRecord{
				{Step: 1, Tool: "read_file", Strategy: "exact_path", Outcome: model.AttemptNotFound},
				{Step: 2, Tool: "read_file", Strategy: "extension_swap", Outcome: model.AttemptNotFound},
				{Step: 3, Tool: "glob_files", Strategy: "filename_glob", Outcome: model.AttemptNotFound},
				{Step: 4, Tool: "glob_files", Strategy: "stem_glob", Outcome: model.AttemptNotFound},
			},
		}
	})
	stub := llm.NewScriptedClient(
		resp(`{"classified_intent":"search","goals":["show the file"],"clarification_required":false}`),
		resp(readPlan("nonexistent.py")),
		resp(`{"claims":[]}`),
		resp(criticApprove),
	)
	tracker := accounting.NewTracker(accounting.DefaultBounds())
	deps := newDeps(t, reg, stub, tracker)
	rt := NewRuntime(DefaultStages(deps), deps)

	env := model.NewEnvelope("req-s4", "", "Show contents of nonexistent.py")
	_, terminal := collect(rt.Run(context.Background(), env))

	require.NotNil(t, terminal)
	assert.Equal(t, model.TerminationCompleted, terminal.TerminationReason)
	assert.Contains(t, terminal.FinalResponse, "No file named nonexistent.py")
	assert.Contains(t, terminal.FinalResponse, "src/existing.py")
	assert.Empty(t, terminal.Citations)
	assert.Len(t, env.AttemptHistory, 4)
}

func TestCancellationMidExecutor(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	reg := newToolRegistry(t, func(map[string]any) *model.ToolResult {
		cancel()
		return searchHit("src/auth/login.py", 42)
	}, nil)
	stub := llm.NewScriptedClient(
		resp(intentFindSymbol),
		resp(`{"steps":[
			{"tool_name":"search_code","arguments":{"query":"login"},"rationale":"first"},
			{"tool_name":"search_code","arguments":{"query":"logout"},"rationale":"second"}
		],"context_budget_remaining":20000}`),
	)
	tracker := accounting.NewTracker(accounting.DefaultBounds())
	deps := newDeps(t, reg, stub, tracker)
	rt := NewRuntime(DefaultStages(deps), deps)

	env := model.NewEnvelope("req-s5", "", "Where is login defined?")
	stages, terminal := collect(rt.Run(ctx, env))

	require.NotNil(t, terminal)
	assert.Equal(t, model.TerminationCancelled, terminal.TerminationReason)

	// The in-flight tool call finished and its partial output survived.
	executor, ok := model.OutputAs[*model.ExecutorOutput](env, model.StageExecutor)
	require.True(t, ok)
	assert.Len(t, executor.Results, 1)
	assert.Equal(t, []string{"src/auth/login.py:42"}, terminal.Citations)

	last := stages[len(stages)-1]
	assert.Equal(t, model.StageExecutor, last.Stage)
	assert.Equal(t, model.StageCompleted, last.Status)
}

func TestQuotaExceededOnSecondReentry(t *testing.T) {
	reg := newToolRegistry(t, func(map[string]any) *model.ToolResult {
		return searchHit("src/core.py", 3)
	}, nil)

	bounds := accounting.DefaultBounds()
	bounds.MaxLLMCalls = 9
	tracker := accounting.NewTracker(bounds)

	stub := llm.NewScriptedClient()
	for cycle := 0; cycle < 2; cycle++ {
		stub.Append(
			resp(intentExplain),
			resp(searchPlan("core")),
			resp(claimsJSON("an unverifiable statement", "")),
			resp(`{"verdict":"reject","reason":"no evidence"}`),
		)
	}
	stub.Append(resp(intentExplain)) // ninth call: intent of cycle 2

	deps := newDeps(t, reg, stub, tracker)
	rt := NewRuntime(DefaultStages(deps), deps)

	env := model.NewEnvelope("req-s6", "", "Explain the core")
	_, terminal := collect(rt.Run(context.Background(), env))

	require.NotNil(t, terminal)
	assert.Equal(t, model.TerminationQuotaExceeded, terminal.TerminationReason)
	assert.Equal(t, 2, env.ReintentCycles)
	assert.Contains(t, terminal.FinalResponse, "resource limits")
	assert.Equal(t, []string{"src/core.py:3"}, terminal.Citations)
	assert.Len(t, stub.Calls(), 9)
}

func TestIdempotentReplay(t *testing.T) {
	reg := newToolRegistry(t, func(map[string]any) *model.ToolResult {
		return searchHit("src/auth/login.py", 42)
	}, nil)
	stub := llm.NewScriptedClient(
		resp(intentFindSymbol),
		resp(searchPlan("login")),
		resp(claimsJSON("login is defined in src/auth/login.py", "src/auth/login.py:42")),
		resp(criticApprove),
		resp(`{"final_response":"Defined at [src/auth/login.py:42].","cited_sources":["src/auth/login.py:42"]}`),
	)
	tracker := accounting.NewTracker(accounting.DefaultBounds())
	deps := newDeps(t, reg, stub, tracker)
	rt := NewRuntime(DefaultStages(deps), deps)

	env := model.NewEnvelope("req-replay", "", "Where is login defined?")
	_, first := collect(rt.Run(context.Background(), env))
	require.NotNil(t, first)
	require.True(t, env.Terminated)

	// Replay with an empty script: any external call would fail the run.
	emptyStub := llm.NewScriptedClient()
	replayDeps := newDeps(t, reg, emptyStub, accounting.NewTracker(accounting.DefaultBounds()))
	replayRT := NewRuntime(DefaultStages(replayDeps), replayDeps)

	stages, second := collect(replayRT.Run(context.Background(), env))
	assert.Empty(t, stages)
	require.NotNil(t, second)
	assert.Equal(t, first.FinalResponse, second.FinalResponse)
	assert.Equal(t, first.TerminationReason, second.TerminationReason)
	assert.Equal(t, first.Citations, second.Citations)
	assert.Empty(t, emptyStub.Calls())
}

func TestCodeTokenBudgetStopsBeforeNextLLMCall(t *testing.T) {
	bigContent := make([]byte, 1000)
	for i := range bigContent {
		bigContent[i] = 'x'
	}
	reg := newToolRegistry(t, nil, func(args map[string]any) *model.ToolResult {
		return &model.ToolResult{
			Tool:   "read_code",
			Status: model.ToolStatusSuccess,
			Data: map[string]any{
				"path":       args["path"],
				"content":    string(bigContent),
				"start_line": 1,
				"end_line":   40,
			},
			Citations: []string{"big.py:1"},
		}
	})
	stub := llm.NewScriptedClient(
		resp(`{"classified_intent":"explain","goals":["read the file"],"clarification_required":false}`),
		resp(readPlan("big.py")),
	)

	bounds := accounting.DefaultBounds()
	bounds.MaxTotalCodeTokens = 100
	tracker := accounting.NewTracker(bounds)
	deps := newDeps(t, reg, stub, tracker)
	rt := NewRuntime(DefaultStages(deps), deps)

	env := model.NewEnvelope("req-p8", "", "Explain big.py")
	_, terminal := collect(rt.Run(context.Background(), env))

	require.NotNil(t, terminal)
	assert.Equal(t, model.TerminationQuotaExceeded, terminal.TerminationReason)

	// No synthesizer call happened: only intent and planner reached the LLM.
	assert.Len(t, stub.Calls(), 2)
	assert.Equal(t, []string{"big.py:1"}, terminal.Citations)
}

func TestMalformedOutputRetriesOnce(t *testing.T) {
	reg := newToolRegistry(t, func(map[string]any) *model.ToolResult {
		return searchHit("src/auth/login.py", 42)
	}, nil)
	stub := llm.NewScriptedClient(
		resp("this is not json"),
		resp(intentFindSymbol),
		resp(searchPlan("login")),
		resp(claimsJSON("login is defined in src/auth/login.py", "src/auth/login.py:42")),
		resp(criticApprove),
		resp(`{"final_response":"Defined at [src/auth/login.py:42].","cited_sources":["src/auth/login.py:42"]}`),
	)
	tracker := accounting.NewTracker(accounting.DefaultBounds())
	deps := newDeps(t, reg, stub, tracker)
	rt := NewRuntime(DefaultStages(deps), deps)

	env := model.NewEnvelope("req-retry", "", "Where is login defined?")
	_, terminal := collect(rt.Run(context.Background(), env))

	require.NotNil(t, terminal)
	assert.Equal(t, model.TerminationCompleted, terminal.TerminationReason)
	assert.Len(t, stub.Calls(), 6)
}

func TestMalformedOutputTwiceFailsTheRequest(t *testing.T) {
	reg := newToolRegistry(t, nil, nil)
	stub := llm.NewScriptedClient(
		resp("garbage"),
		resp("still garbage"),
	)
	tracker := accounting.NewTracker(accounting.DefaultBounds())
	deps := newDeps(t, reg, stub, tracker)
	rt := NewRuntime(DefaultStages(deps), deps)

	env := model.NewEnvelope("req-fail", "", "Where is login defined?")
	stages, terminal := collect(rt.Run(context.Background(), env))

	require.NotNil(t, terminal)
	assert.Equal(t, model.TerminationInternalError, terminal.TerminationReason)

	last := stages[len(stages)-1]
	assert.Equal(t, model.StageIntent, last.Stage)
	assert.Equal(t, model.StageFailed, last.Status)
}

func TestColdPathReadRejectedThenRetried(t *testing.T) {
	reg := newToolRegistry(t, func(map[string]any) *model.ToolResult {
		return searchHit("src/errors.py", 10)
	}, nil)
	stub := llm.NewScriptedClient(
		resp(intentExplain),
		// First plan opens with a read of a file the user never named and
		// nothing has established. Validation rejects it, burning the
		// planner's one retry.
		resp(readPlan("src/errors.py")),
		resp(searchPlan("error")),
		resp(claimsJSON("errors are raised from src/errors.py", "src/errors.py:10")),
		resp(criticApprove),
		resp(`{"final_response":"Errors are raised from [src/errors.py:10].","cited_sources":["src/errors.py:10"]}`),
	)
	tracker := accounting.NewTracker(accounting.DefaultBounds())
	deps := newDeps(t, reg, stub, tracker)
	rt := NewRuntime(DefaultStages(deps), deps)

	env := model.NewEnvelope("req-cold1", "", "Explain how errors are handled")
	_, terminal := collect(rt.Run(context.Background(), env))

	require.NotNil(t, terminal)
	assert.Equal(t, model.TerminationCompleted, terminal.TerminationReason)
	assert.Len(t, stub.Calls(), 6)
	assert.Len(t, env.AttemptHistory, 1)
}

func TestColdPathReadRejectedTwiceFailsTheRequest(t *testing.T) {
	reg := newToolRegistry(t, nil, nil)
	stub := llm.NewScriptedClient(
		resp(intentExplain),
		resp(readPlan("src/errors.py")),
		resp(readPlan("src/errors.py")),
	)
	tracker := accounting.NewTracker(accounting.DefaultBounds())
	deps := newDeps(t, reg, stub, tracker)
	rt := NewRuntime(DefaultStages(deps), deps)

	env := model.NewEnvelope("req-cold2", "", "Explain how errors are handled")
	stages, terminal := collect(rt.Run(context.Background(), env))

	require.NotNil(t, terminal)
	assert.Equal(t, model.TerminationInternalError, terminal.TerminationReason)

	last := stages[len(stages)-1]
	assert.Equal(t, model.StagePlanner, last.Stage)
	assert.Equal(t, model.StageFailed, last.Status)
}

func TestReadOfCitedPathPassesValidationOnReentry(t *testing.T) {
	reg := newToolRegistry(t, func(map[string]any) *model.ToolResult {
		return searchHit("src/handler.py", 20)
	}, func(args map[string]any) *model.ToolResult {
		return &model.ToolResult{
			Tool:   "read_code",
			Status: model.ToolStatusSuccess,
			Data: map[string]any{
				"path":       args["path"],
				"content":    "def handle(err):\n    raise",
				"start_line": 18,
				"end_line":   25,
			},
			Citations: []string{"src/handler.py:18"},
		}
	})
	stub := llm.NewScriptedClient(
		// Cycle 0: search lands a citation on src/handler.py, draft uncited.
		resp(intentExplain),
		resp(searchPlan("handler")),
		resp(claimsJSON("errors go through a handler", "")),
		resp(`{"verdict":"reject","reason":"uncited claim","suggested_reintent_focus":"read the handler body"}`),
		// Cycle 1: reading the cited file is legal even though the user
		// never named it.
		resp(intentExplain),
		resp(readPlan("src/handler.py")),
		resp(claimsJSON("handle re-raises after logging", "src/handler.py:18")),
		resp(criticApprove),
		resp(`{"final_response":"handle re-raises after logging [src/handler.py:18].","cited_sources":["src/handler.py:18"]}`),
	)
	tracker := accounting.NewTracker(accounting.DefaultBounds())
	deps := newDeps(t, reg, stub, tracker)
	rt := NewRuntime(DefaultStages(deps), deps)

	env := model.NewEnvelope("req-warm1", "", "Explain how errors are handled")
	_, terminal := collect(rt.Run(context.Background(), env))

	require.NotNil(t, terminal)
	assert.Equal(t, model.TerminationCompleted, terminal.TerminationReason)
	assert.Equal(t, 1, env.ReintentCycles)
	// No retry was consumed in cycle 1: nine calls, one plan per cycle.
	assert.Len(t, stub.Calls(), 9)
	assert.Equal(t, []string{"src/handler.py:20", "src/handler.py:18"}, terminal.Citations)
}

func TestCriticTimeoutRetriesOnce(t *testing.T) {
	reg := newToolRegistry(t, func(map[string]any) *model.ToolResult {
		return searchHit("src/auth/login.py", 42)
	}, nil)
	stub := llm.NewScriptedClient(
		resp(intentFindSymbol),
		resp(searchPlan("login")),
		resp(claimsJSON("login is defined in src/auth/login.py", "src/auth/login.py:42")),
		llm.ScriptedResponse{Err: llm.ErrTimeout},
		resp(criticApprove),
		resp(`{"final_response":"Defined at [src/auth/login.py:42].","cited_sources":["src/auth/login.py:42"]}`),
	)
	tracker := accounting.NewTracker(accounting.DefaultBounds())
	deps := newDeps(t, reg, stub, tracker)
	rt := NewRuntime(DefaultStages(deps), deps)

	env := model.NewEnvelope("req-timeout", "", "Where is login defined?")
	_, terminal := collect(rt.Run(context.Background(), env))

	require.NotNil(t, terminal)
	assert.Equal(t, model.TerminationCompleted, terminal.TerminationReason)
}

func TestIntentClarificationShortCircuits(t *testing.T) {
	reg := newToolRegistry(t, nil, nil)
	stub := llm.NewScriptedClient(
		resp(`{"classified_intent":"search","goals":[],"clarification_required":true,"clarification_question":"What would you like to know about the repository?"}`),
	)
	tracker := accounting.NewTracker(accounting.DefaultBounds())
	deps := newDeps(t, reg, stub, tracker)
	rt := NewRuntime(DefaultStages(deps), deps)

	env := model.NewEnvelope("req-clarify", "", "???")
	_, terminal := collect(rt.Run(context.Background(), env))

	require.NotNil(t, terminal)
	assert.Equal(t, model.TerminationCompleted, terminal.TerminationReason)
	assert.Equal(t, "What would you like to know about the repository?", terminal.FinalResponse)
	assert.Len(t, stub.Calls(), 1)
}

func TestCriticClarifyCarriesQuestion(t *testing.T) {
	reg := newToolRegistry(t, func(map[string]any) *model.ToolResult {
		return searchHit("src/a.py", 1)
	}, nil)
	stub := llm.NewScriptedClient(
		resp(intentExplain),
		resp(searchPlan("thing")),
		resp(claimsJSON("the thing lives in src/a.py", "src/a.py:1")),
		resp(`{"verdict":"clarify","reason":"Did you mean the client-side or server-side implementation?"}`),
	)
	tracker := accounting.NewTracker(accounting.DefaultBounds())
	deps := newDeps(t, reg, stub, tracker)
	rt := NewRuntime(DefaultStages(deps), deps)

	env := model.NewEnvelope("req-vclarify", "", "Explain the thing")
	_, terminal := collect(rt.Run(context.Background(), env))

	require.NotNil(t, terminal)
	assert.Equal(t, model.TerminationCompleted, terminal.TerminationReason)
	assert.Contains(t, terminal.FinalResponse, "client-side or server-side")
}

func TestMockHookReplacesCore(t *testing.T) {
	reg := newToolRegistry(t, nil, nil)
	stub := llm.NewScriptedClient() // any LLM call would fail
	tracker := accounting.NewTracker(accounting.DefaultBounds())
	deps := newDeps(t, reg, stub, tracker)

	stages := DefaultStages(deps)
	for i := range stages {
		stage := stages[i].Name
		switch stage {
		case model.StageIntent:
			stages[i].Mock = mockRaw(`{"classified_intent":"search","goals":[],"clarification_required":true,"clarification_question":"mocked"}`)
		}
	}
	rt := NewRuntime(stages, deps)

	env := model.NewEnvelope("req-mock", "", "anything")
	_, terminal := collect(rt.Run(context.Background(), env))

	require.NotNil(t, terminal)
	assert.Equal(t, "mocked", terminal.FinalResponse)
	assert.Empty(t, stub.Calls())
}

func mockRaw(raw string) CoreHook {
	return func(context.Context, *model.Envelope, *Input) (string, error) {
		return raw, nil
	}
}
