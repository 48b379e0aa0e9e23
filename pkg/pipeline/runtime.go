package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/quarrylab/quarry/pkg/llm"
	"github.com/quarrylab/quarry/pkg/model"
)

// Event is one entry on a request's outbound stream: either a stage event
// or the terminal event, never both.
type Event struct {
	Stage    *model.StageEvent
	Terminal *model.TerminalEvent
}

// Runtime advances envelopes through the pipeline. One Runtime serves all
// requests; per-request state lives entirely on the envelope.
type Runtime struct {
	stages map[model.StageName]*StageSpec
	deps   Deps
}

// NewRuntime builds a runtime over an ordered stage list.
func NewRuntime(stages []StageSpec, deps Deps) *Runtime {
	r := &Runtime{
		stages: make(map[model.StageName]*StageSpec, len(stages)),
		deps:   deps,
	}
	for i := range stages {
		spec := stages[i]
		r.stages[spec.Name] = &spec
	}
	return r
}

// Run executes the pipeline for one envelope on its own goroutine and
// returns the event stream. The runtime is the sole producer: events arrive
// in stage order and the channel closes exactly once, after the terminal
// event. The caller owns consumption; an unread stream blocks the request.
func (r *Runtime) Run(ctx context.Context, env *model.Envelope) <-chan Event {
	events := make(chan Event, 16)
	go func() {
		defer close(events)
		r.run(ctx, env, events)
		events <- Event{Terminal: r.terminalEvent(env)}
	}()
	return events
}

func (r *Runtime) run(ctx context.Context, env *model.Envelope, events chan<- Event) {
	// Replaying a terminated envelope re-emits the terminal event and
	// nothing else: no stages, no external calls, no accounting.
	if env.Terminated {
		return
	}

	for !env.Terminated {
		stage := env.CurrentStage
		spec, ok := r.stages[stage]
		if !ok {
			env.Terminate(model.TerminationInternalError, fmt.Sprintf("no such stage %q", stage))
			break
		}

		if err := ctx.Err(); err != nil {
			env.Terminate(model.TerminationCancelled, "request cancelled")
			break
		}

		// Quota gate at the stage boundary. Integration is exempt so a
		// quota-terminated request still gets its partial answer worded.
		if stage != model.StageIntegration {
			if ok, qerr := r.deps.Accountant.CheckQuota(env.RequestID); !ok {
				env.DeferTermination(model.TerminationQuotaExceeded, quotaDetail(qerr))
				env.CurrentStage = model.StageIntegration
				continue
			}
		}

		events <- Event{Stage: r.stageEvent(env, stage, model.StageStarted, "")}

		out, err := r.runStage(ctx, env, spec)
		if err != nil {
			reason, detail := classifyStageError(ctx, err)
			events <- Event{Stage: r.stageEvent(env, stage, model.StageFailed, detail)}
			slog.Error("Stage failed", "request_id", env.RequestID, "stage", stage, "error", err)
			env.Terminate(reason, detail)
			break
		}

		events <- Event{Stage: r.stageEvent(env, stage, model.StageCompleted, stageSummary(stage, out))}
		r.deps.Accountant.RecordHop(env.RequestID)

		next, more := Transition(env)
		if !more {
			env.ResolveTermination()
			break
		}
		env.CurrentStage = next
	}

	r.syncUsage(env)
}

// runStage executes pre → core → post with the stage retry policy: one
// retry on malformed output, one retry of the critic on an LLM timeout.
// Everything else fails the stage on first error.
func (r *Runtime) runStage(ctx context.Context, env *model.Envelope, spec *StageSpec) (model.StageOutput, error) {
	in, err := spec.Pre(ctx, env)
	if err != nil {
		return nil, fmt.Errorf("%s pre hook: %w", spec.Name, err)
	}

	core := spec.core()
	retried := false
	for {
		raw, err := core(ctx, env, in)
		if err != nil {
			if spec.Name == model.StageCritic && errors.Is(err, llm.ErrTimeout) && !retried {
				retried = true
				continue
			}
			return nil, fmt.Errorf("%s core: %w", spec.Name, err)
		}

		out, err := spec.Post(ctx, env, raw)
		if err != nil {
			if errors.Is(err, ErrMalformedOutput) && !retried {
				retried = true
				slog.Warn("Stage output malformed, retrying once", "request_id", env.RequestID, "stage", spec.Name, "error", err)
				continue
			}
			return nil, fmt.Errorf("%s post hook: %w", spec.Name, err)
		}
		return out, nil
	}
}

// classifyStageError maps a stage failure onto a termination reason exactly
// once, at this boundary.
func classifyStageError(ctx context.Context, err error) (model.TerminationReason, string) {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return model.TerminationCancelled, "request cancelled"
	}
	return model.TerminationInternalError, err.Error()
}

func (r *Runtime) stageEvent(env *model.Envelope, stage model.StageName, status model.StageStatus, summary string) *model.StageEvent {
	return &model.StageEvent{
		RequestID: env.RequestID,
		SessionID: env.SessionID,
		Stage:     stage,
		Status:    status,
		Summary:   summary,
		Timestamp: time.Now().UTC(),
	}
}

// stageSummary is the one-line human description on a completed event.
func stageSummary(stage model.StageName, out model.StageOutput) string {
	switch typed := out.(type) {
	case *model.PerceptionOutput:
		return "query normalized"
	case *model.IntentOutput:
		if typed.ClarificationRequired {
			return "clarification required"
		}
		return "intent: " + string(typed.ClassifiedIntent)
	case *model.PlannerOutput:
		return fmt.Sprintf("planned %d steps", len(typed.Steps))
	case *model.ExecutorOutput:
		return fmt.Sprintf("executed %d tool steps", len(typed.Results))
	case *model.SynthesizerOutput:
		return fmt.Sprintf("drafted %d claims", len(typed.Claims))
	case *model.CriticOutput:
		return "verdict: " + string(typed.Verdict)
	case *model.IntegrationOutput:
		return "final answer ready"
	default:
		return string(stage) + " completed"
	}
}

// syncUsage copies the accountant's counters onto the envelope before the
// terminal event is built.
func (r *Runtime) syncUsage(env *model.Envelope) {
	u := r.deps.Accountant.Snapshot(env.RequestID)
	env.ResourceUsage = model.ResourceUsage{
		LLMCalls:  u.LLMCalls,
		ToolCalls: u.ToolCalls,
		AgentHops: u.AgentHops,
		TokensIn:  u.TokensIn,
		TokensOut: u.TokensOut,
	}
}

// terminalEvent builds the single closing event from the envelope's
// terminal state. Partial citations observed before termination are always
// included.
func (r *Runtime) terminalEvent(env *model.Envelope) *model.TerminalEvent {
	detail := env.TerminationDetail
	if detail == "" && env.TerminationReason != model.TerminationCompleted {
		detail = plainDetail(env.TerminationReason)
	}
	return &model.TerminalEvent{
		RequestID:         env.RequestID,
		SessionID:         env.SessionID,
		FinalResponse:     env.FinalResponse(),
		Citations:         env.Citations.Items(),
		TerminationReason: env.TerminationReason,
		TerminationDetail: detail,
		Usage:             env.ResourceUsage,
		Timestamp:         time.Now().UTC(),
	}
}

func plainDetail(reason model.TerminationReason) string {
	switch reason {
	case model.TerminationCriticRejected:
		return "the reviewer could not verify every claim within the re-entry budget"
	case model.TerminationCycleLimit:
		return "the re-entry cycle limit was reached"
	case model.TerminationQuotaExceeded:
		return "resource limits were reached before the analysis finished"
	case model.TerminationCancelled:
		return "the request was cancelled"
	case model.TerminationInternalError:
		return "an internal error ended the analysis"
	default:
		return ""
	}
}
