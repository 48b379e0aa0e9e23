package pipeline

import (
	"fmt"

	"github.com/quarrylab/quarry/pkg/model"
)

// Transition is the only legal mutation point for the envelope's stage
// pointer. Given the stage that just completed, it returns the next stage,
// or ok=false when the pipeline is finished. Re-entry bookkeeping (cycle
// counter, output clearing, deferred reasons) happens here and nowhere
// else.
func Transition(env *model.Envelope) (next model.StageName, ok bool) {
	// A deferred termination short-circuits straight to integration, which
	// still runs to word the partial answer.
	if env.PendingReason != "" && env.CurrentStage != model.StageIntegration {
		return model.StageIntegration, true
	}

	switch env.CurrentStage {
	case model.StagePerception:
		return model.StageIntent, true

	case model.StageIntent:
		if intent, found := model.OutputAs[*model.IntentOutput](env, model.StageIntent); found && intent.ClarificationRequired {
			// Nothing to explore; integration renders the question.
			return model.StageIntegration, true
		}
		return model.StagePlanner, true

	case model.StagePlanner:
		return model.StageExecutor, true

	case model.StageExecutor:
		return model.StageSynthesizer, true

	case model.StageSynthesizer:
		return model.StageCritic, true

	case model.StageCritic:
		critic, found := model.OutputAs[*model.CriticOutput](env, model.StageCritic)
		if !found {
			env.DeferTermination(model.TerminationInternalError, "critic produced no output")
			return model.StageIntegration, true
		}
		switch critic.Verdict {
		case model.VerdictApprove, model.VerdictClarify:
			return model.StageIntegration, true
		case model.VerdictReject:
			if env.CanReenter() {
				env.ClearForReentry(critic.SuggestedReintentFocus)
				return model.StageIntent, true
			}
			env.DeferTermination(model.TerminationCriticRejected,
				fmt.Sprintf("draft rejected after %d re-entry cycles", env.ReintentCycles))
			return model.StageIntegration, true
		default:
			env.DeferTermination(model.TerminationInternalError, fmt.Sprintf("unknown verdict %q", critic.Verdict))
			return model.StageIntegration, true
		}

	case model.StageIntegration:
		return "", false

	default:
		env.DeferTermination(model.TerminationInternalError, fmt.Sprintf("unknown stage %q", env.CurrentStage))
		return model.StageIntegration, true
	}
}
