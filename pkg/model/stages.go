package model

import (
	"encoding/json"
	"fmt"
)

// StageName identifies one stage of the analysis pipeline.
type StageName string

const (
	StagePerception  StageName = "perception"
	StageIntent      StageName = "intent"
	StagePlanner     StageName = "planner"
	StageExecutor    StageName = "executor"
	StageSynthesizer StageName = "synthesizer"
	StageCritic      StageName = "critic"
	StageIntegration StageName = "integration"
)

// StageOrder lists the pipeline stages in execution order.
var StageOrder = []StageName{
	StagePerception,
	StageIntent,
	StagePlanner,
	StageExecutor,
	StageSynthesizer,
	StageCritic,
	StageIntegration,
}

// StageIndex returns the position of a stage in StageOrder, or -1 if the
// name is not a pipeline stage.
func StageIndex(name StageName) int {
	for i, s := range StageOrder {
		if s == name {
			return i
		}
	}
	return -1
}

// IntentKind classifies what the user is asking for.
type IntentKind string

const (
	IntentFindSymbol IntentKind = "find_symbol"
	IntentTraceFlow  IntentKind = "trace_flow"
	IntentExplain    IntentKind = "explain"
	IntentSearch     IntentKind = "search"
	IntentHistory    IntentKind = "history"
)

// ValidIntentKind reports whether k is one of the known intent kinds.
func ValidIntentKind(k IntentKind) bool {
	switch k {
	case IntentFindSymbol, IntentTraceFlow, IntentExplain, IntentSearch, IntentHistory:
		return true
	}
	return false
}

// Verdict is the critic's decision over a synthesized draft.
type Verdict string

const (
	VerdictApprove Verdict = "approve"
	VerdictReject  Verdict = "reject"
	VerdictClarify Verdict = "clarify"
)

// ValidVerdict reports whether v is one of the known verdicts.
func ValidVerdict(v Verdict) bool {
	switch v {
	case VerdictApprove, VerdictReject, VerdictClarify:
		return true
	}
	return false
}

// StageOutput is implemented by the typed result of each pipeline stage.
type StageOutput interface {
	OutputStage() StageName
}

// PerceptionOutput is produced by the perception stage without any LLM call.
type PerceptionOutput struct {
	NormalizedQuery      string   `json:"normalized_query"`
	IntentHints          []string `json:"intent_hints,omitempty"`
	SessionContextDigest string   `json:"session_context_digest,omitempty"`
}

func (*PerceptionOutput) OutputStage() StageName { return StagePerception }

// IntentOutput is the parsed intent classification.
// ClarificationRequired is only set for empty or incomprehensible input;
// ambiguous but workable queries proceed with Ambiguities noted.
type IntentOutput struct {
	ClassifiedIntent      IntentKind `json:"classified_intent"`
	Goals                 []string   `json:"goals"`
	Ambiguities           []string   `json:"ambiguities,omitempty"`
	ClarificationRequired bool       `json:"clarification_required"`
	ClarificationQuestion string     `json:"clarification_question,omitempty"`
}

func (*IntentOutput) OutputStage() StageName { return StageIntent }

// PlanStep is one tool invocation the planner wants executed.
type PlanStep struct {
	Tool      string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments"`
	Rationale string         `json:"rationale,omitempty"`
}

// PlannerOutput is the ordered tool plan for the current cycle.
type PlannerOutput struct {
	Steps                  []PlanStep `json:"steps"`
	ContextBudgetRemaining int        `json:"context_budget_remaining"`
}

func (*PlannerOutput) OutputStage() StageName { return StagePlanner }

// ExecutorOutput collects one ToolResult per executed plan step, in plan
// order. Skipped steps still get a result entry recording why.
type ExecutorOutput struct {
	Results []ToolResult `json:"results"`
}

func (*ExecutorOutput) OutputStage() StageName { return StageExecutor }

// Claim is one factual statement in the synthesized draft, tied to the
// citations that are supposed to support it.
type Claim struct {
	Text                string   `json:"text"`
	SupportingCitations []string `json:"supporting_citations"`
}

// SynthesizerOutput is the draft answer as a list of claims.
type SynthesizerOutput struct {
	Claims []Claim `json:"claims"`
}

func (*SynthesizerOutput) OutputStage() StageName { return StageSynthesizer }

// CriticOutput is the critic's verdict. UnsupportedClaims lists claim texts
// whose citations are not all present in the envelope citation set.
type CriticOutput struct {
	Verdict                Verdict  `json:"verdict"`
	UnsupportedClaims      []string `json:"unsupported_claims,omitempty"`
	MissingEvidence        []string `json:"missing_evidence,omitempty"`
	Reason                 string   `json:"reason,omitempty"`
	SuggestedReintentFocus string   `json:"suggested_reintent_focus,omitempty"`
}

func (*CriticOutput) OutputStage() StageName { return StageCritic }

// IntegrationOutput is the final user-facing answer.
type IntegrationOutput struct {
	FinalResponse string   `json:"final_response"`
	CitedSources  []string `json:"cited_sources,omitempty"`
}

func (*IntegrationOutput) OutputStage() StageName { return StageIntegration }

// EmptyOutput returns a zero output value of the right concrete type for
// the given stage, for unmarshalling.
func EmptyOutput(stage StageName) (StageOutput, error) {
	switch stage {
	case StagePerception:
		return &PerceptionOutput{}, nil
	case StageIntent:
		return &IntentOutput{}, nil
	case StagePlanner:
		return &PlannerOutput{}, nil
	case StageExecutor:
		return &ExecutorOutput{}, nil
	case StageSynthesizer:
		return &SynthesizerOutput{}, nil
	case StageCritic:
		return &CriticOutput{}, nil
	case StageIntegration:
		return &IntegrationOutput{}, nil
	default:
		return nil, fmt.Errorf("unknown stage %q", stage)
	}
}

// StageRecord pairs a stage name with its typed output. The envelope keeps
// records in completion order so terminated envelopes replay byte-stable.
type StageRecord struct {
	Stage  StageName
	Output StageOutput
}

type stageRecordJSON struct {
	Stage  StageName       `json:"stage"`
	Output json.RawMessage `json:"output"`
}

func (r StageRecord) MarshalJSON() ([]byte, error) {
	out, err := json.Marshal(r.Output)
	if err != nil {
		return nil, err
	}
	return json.Marshal(stageRecordJSON{Stage: r.Stage, Output: out})
}

func (r *StageRecord) UnmarshalJSON(data []byte) error {
	var wire stageRecordJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	output, err := EmptyOutput(wire.Stage)
	if err != nil {
		return err
	}
	if len(wire.Output) > 0 {
		if err := json.Unmarshal(wire.Output, output); err != nil {
			return fmt.Errorf("decode %s output: %w", wire.Stage, err)
		}
	}
	r.Stage = wire.Stage
	r.Output = output
	return nil
}
