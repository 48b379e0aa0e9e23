package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/quarrylab/quarry/pkg/evidence"
	"github.com/quarrylab/quarry/pkg/llm"
	"github.com/quarrylab/quarry/pkg/model"
	"github.com/quarrylab/quarry/pkg/prompt"
	"github.com/quarrylab/quarry/pkg/storage"
	"github.com/quarrylab/quarry/pkg/tools"
)

// explanationTTL is how long a cached per-file explanation stays valid.
const explanationTTL = 7 * 24 * time.Hour

// DefaultStages returns the production pipeline: seven stages in fixed
// order, each wired to the given collaborators. Tests swap in Mock hooks on
// the returned specs.
func DefaultStages(deps Deps) []StageSpec {
	return []StageSpec{
		{Name: model.StagePerception, Kind: KindDeterministic, Pre: emptyInput, Core: deps.perceptionCore, Post: decodePost[*model.PerceptionOutput]()},
		{Name: model.StageIntent, Kind: KindLLM, Pre: deps.intentPre, Core: deps.llmCore, Post: deps.intentPost},
		{Name: model.StagePlanner, Kind: KindLLM, Pre: deps.plannerPre, Core: deps.llmCore, Post: deps.plannerPost},
		{Name: model.StageExecutor, Kind: KindDeterministic, Pre: emptyInput, Core: deps.executorCore, Post: deps.executorPost},
		{Name: model.StageSynthesizer, Kind: KindLLM, Pre: deps.synthesizerPre, Core: deps.llmCore, Post: decodePost[*model.SynthesizerOutput]()},
		{Name: model.StageCritic, Kind: KindLLM, Pre: deps.criticPre, Core: deps.llmCore, Post: deps.criticPost},
		{Name: model.StageIntegration, Kind: KindLLM, Pre: deps.integrationPre, Core: deps.integrationCore, Post: deps.integrationPost},
	}
}

func emptyInput(_ context.Context, _ *model.Envelope) (*Input, error) {
	return &Input{}, nil
}

// llmCore runs one JSON-mode completion with the stage's rendered prompt.
func (d Deps) llmCore(ctx context.Context, env *model.Envelope, in *Input) (string, error) {
	out, err := d.LLM.Complete(llm.WithRequestID(ctx, env.RequestID), llm.Request{
		System:   in.System,
		Prompt:   in.User,
		JSONOnly: true,
	})
	if err != nil {
		return "", err
	}
	return out.Text, nil
}

// decodeOutput parses a raw stage response into the typed output, tolerating
// a fenced code block around the JSON.
func decodeOutput[T model.StageOutput](raw string) (T, error) {
	var out T
	trimmed := stripFences(raw)
	empty, err := model.EmptyOutput(out.OutputStage())
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal([]byte(trimmed), empty); err != nil {
		return out, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	return empty.(T), nil
}

// decodePost is the plain post hook: parse, store, done.
func decodePost[T model.StageOutput]() PostHook {
	return func(_ context.Context, env *model.Envelope, raw string) (model.StageOutput, error) {
		out, err := decodeOutput[T](raw)
		if err != nil {
			return nil, err
		}
		env.SetOutput(out)
		return out, nil
	}
}

// stripFences removes a markdown code fence around a JSON body, a common
// model formatting slip that should not cost a retry.
func stripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// ---- perception ----

// perceptionCore normalizes the query and folds in the session digest. No
// LLM: the output is a pure function of the query and stored session state.
func (d Deps) perceptionCore(ctx context.Context, env *model.Envelope, _ *Input) (string, error) {
	out := &model.PerceptionOutput{
		NormalizedQuery: strings.Join(strings.Fields(env.Query), " "),
		IntentHints:     intentHints(env.Query),
	}
	if env.SessionID != "" && d.Sessions != nil {
		digest, err := d.Sessions.Load(ctx, env.SessionID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			// First request of the session.
		case err != nil:
			slog.Warn("Session digest load failed", "request_id", env.RequestID, "session_id", env.SessionID, "error", err)
		default:
			out.SessionContextDigest = renderDigest(digest)
		}
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// intentHints maps obvious query phrasing onto intent kinds so the intent
// stage starts from a grounded guess.
func intentHints(query string) []string {
	q := strings.ToLower(query)
	var hints []string
	if strings.Contains(q, "where is") || strings.Contains(q, "defined") || strings.Contains(q, "declared") {
		hints = append(hints, string(model.IntentFindSymbol))
	}
	if strings.Contains(q, "how does") || strings.Contains(q, "flow") || strings.Contains(q, "call") {
		hints = append(hints, string(model.IntentTraceFlow))
	}
	if strings.Contains(q, "explain") || strings.Contains(q, "what does") {
		hints = append(hints, string(model.IntentExplain))
	}
	if strings.Contains(q, "history") || strings.Contains(q, "changed") || strings.Contains(q, "who wrote") {
		hints = append(hints, string(model.IntentHistory))
	}
	return hints
}

func renderDigest(d *model.SessionDigest) string {
	var sb strings.Builder
	if len(d.RecentQueries) > 0 {
		fmt.Fprintf(&sb, "Recent queries: %s. ", strings.Join(d.RecentQueries, "; "))
	}
	if len(d.ExploredFiles) > 0 {
		fmt.Fprintf(&sb, "Files already explored: %s.", strings.Join(d.ExploredFiles, ", "))
	}
	return strings.TrimSpace(sb.String())
}

// ---- intent ----

func (d Deps) intentPre(_ context.Context, env *model.Envelope) (*Input, error) {
	perception, _ := model.OutputAs[*model.PerceptionOutput](env, model.StagePerception)
	query := env.Query
	if perception != nil && perception.NormalizedQuery != "" {
		query = perception.NormalizedQuery
	}
	rendered, err := d.Prompts.Render(prompt.TemplateIntent, map[string]any{
		"Query":         query,
		"SessionDigest": digestText(perception),
		"Hints":         strings.Join(hintsOf(perception), ", "),
	})
	if err != nil {
		return nil, err
	}
	return &Input{System: rendered.System, User: rendered.User}, nil
}

func hintsOf(p *model.PerceptionOutput) []string {
	if p == nil {
		return nil
	}
	return p.IntentHints
}

func (d Deps) intentPost(_ context.Context, env *model.Envelope, raw string) (model.StageOutput, error) {
	out, err := decodeOutput[*model.IntentOutput](raw)
	if err != nil {
		return nil, err
	}
	if !model.ValidIntentKind(out.ClassifiedIntent) {
		return nil, fmt.Errorf("%w: unknown intent %q", ErrMalformedOutput, out.ClassifiedIntent)
	}
	if out.ClarificationRequired && out.ClarificationQuestion == "" {
		out.ClarificationQuestion = "Could you rephrase the question? It was empty or could not be understood."
	}
	env.SetOutput(out)
	return out, nil
}

// ---- planner ----

func (d Deps) plannerPre(_ context.Context, env *model.Envelope) (*Input, error) {
	intent, _ := model.OutputAs[*model.IntentOutput](env, model.StageIntent)
	kind := model.IntentSearch
	var goals []string
	if intent != nil {
		kind = intent.ClassifiedIntent
		goals = intent.Goals
	}
	perception, _ := model.OutputAs[*model.PerceptionOutput](env, model.StagePerception)
	query := env.Query
	if perception != nil && perception.NormalizedQuery != "" {
		query = perception.NormalizedQuery
	}
	rendered, err := d.Prompts.Render(prompt.TemplatePlanner, map[string]any{
		"Query":           query,
		"Intent":          string(kind),
		"Goals":           goalsText(goals, env.ReintentFocus),
		"AttemptSummary":  attemptSummary(env.AttemptHistory),
		"ReintentFocus":   env.ReintentFocus,
		"BudgetRemaining": remainingCodeBudget(env, d.Bounds.MaxTotalCodeTokens),
	})
	if err != nil {
		return nil, err
	}
	return &Input{System: rendered.System, User: rendered.User}, nil
}

func remainingCodeBudget(env *model.Envelope, max int) int {
	remaining := max - env.CodeTokens
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (d Deps) plannerPost(_ context.Context, env *model.Envelope, raw string) (model.StageOutput, error) {
	out, err := decodeOutput[*model.PlannerOutput](raw)
	if err != nil {
		return nil, err
	}
	if err := d.validatePlan(env, out); err != nil {
		return nil, err
	}
	env.SetOutput(out)
	return out, nil
}

// validatePlan enforces plan discipline. A violation is treated as
// malformed output so the planner gets its one retry.
func (d Deps) validatePlan(env *model.Envelope, plan *model.PlannerOutput) error {
	if len(plan.Steps) == 0 {
		return fmt.Errorf("%w: empty plan", ErrMalformedOutput)
	}
	exposed := make(map[string]bool)
	for _, name := range d.Tools.ExposedNames() {
		exposed[name] = true
	}

	// A path the user spelled out in the query counts as established.
	userNamed := func(path string) bool {
		return path != "" && strings.Contains(env.Query, path)
	}

	// Search-first on a cold path: with no citations and no session
	// context, the plan opens with a search unless the user named the
	// exact file to read.
	perception, _ := model.OutputAs[*model.PerceptionOutput](env, model.StagePerception)
	coldPath := env.Citations.Len() == 0 && digestText(perception) == ""
	if first := plan.Steps[0]; coldPath && first.Tool != "search_code" {
		path, _ := first.Arguments["path"].(string)
		if !userNamed(path) {
			return fmt.Errorf("%w: first step on a cold path must be search_code, got %s", ErrMalformedOutput, first.Tool)
		}
	}

	searchPrecedes := false
	for i, step := range plan.Steps {
		if !exposed[step.Tool] {
			return fmt.Errorf("%w: step %d names unplannable tool %q", ErrMalformedOutput, i+1, step.Tool)
		}
		if step.Tool == "search_code" {
			searchPrecedes = true
			continue
		}
		// read_code must reference a path established by evidence, by the
		// query itself, or by a search earlier in this same plan.
		path, _ := step.Arguments["path"].(string)
		if path != "" && !searchPrecedes && !env.PathEstablished(path) && !userNamed(path) {
			return fmt.Errorf("%w: step %d reads %q before any search established it", ErrMalformedOutput, i+1, path)
		}
	}
	return nil
}

// ---- executor ----

// executorCore runs the planned steps in order through the registry. Hard
// failures (schema rejection) abort the stage; not_found and unavailable
// tools are normal results the plan continues past.
func (d Deps) executorCore(ctx context.Context, env *model.Envelope, _ *Input) (string, error) {
	plan, ok := model.OutputAs[*model.PlannerOutput](env, model.StagePlanner)
	if !ok {
		return "", fmt.Errorf("executor: no plan on envelope")
	}

	out := &model.ExecutorOutput{}
	quotaHit := false
	for _, step := range plan.Steps {
		// On cancellation the current tool call finishes and the partial
		// output is kept; the runtime terminates at the stage boundary.
		if ctx.Err() != nil {
			break
		}
		if quotaHit {
			out.Results = append(out.Results, model.ToolResult{
				Tool: step.Tool, Status: model.ToolStatusError, Error: "skipped: quota exceeded",
			})
			continue
		}

		d.Accountant.RecordToolCall(env.RequestID, step.Tool)
		d.Accountant.RecordHop(env.RequestID)

		result, err := d.Tools.Execute(ctx, step.Tool, step.Arguments)
		switch {
		case errors.Is(err, tools.ErrUnknownTool):
			out.Results = append(out.Results, model.ToolResult{
				Tool: step.Tool, Status: model.ToolStatusUnavailable, Error: err.Error(),
			})
			continue
		case err != nil:
			// Schema rejection means the planner produced malformed
			// arguments that slipped past validation; fatal per policy.
			return "", fmt.Errorf("%w: %v", ErrInvalidPlan, err)
		}
		out.Results = append(out.Results, *result)

		if ok, _ := d.Accountant.CheckQuota(env.RequestID); !ok {
			quotaHit = true
		}
	}

	raw, err := json.Marshal(out)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// executorPost folds the results into the envelope: citations, attempt
// history, explored files, and the code-token total. Running this in the
// post hook keeps mocked executors on the same accounting path.
func (d Deps) executorPost(_ context.Context, env *model.Envelope, raw string) (model.StageOutput, error) {
	out, err := decodeOutput[*model.ExecutorOutput](raw)
	if err != nil {
		return nil, err
	}
	codeTokens := 0
	for i := range out.Results {
		result := &out.Results[i]
		env.RecordAttempts(result.AttemptHistory)
		env.Citations.AddAll(result.Citations)
		if path, ok := result.Data["path"].(string); ok && result.Succeeded() {
			env.MarkExplored(path)
		}
		if content, ok := result.Data["content"].(string); ok {
			codeTokens += d.countTokens(content)
		}
	}
	if codeTokens > 0 {
		env.CodeTokens += codeTokens
		d.Accountant.RecordCodeTokens(env.RequestID, codeTokens)
	}
	if ok, qerr := d.Accountant.CheckQuota(env.RequestID); !ok {
		env.DeferTermination(model.TerminationQuotaExceeded, quotaDetail(qerr))
	}
	env.SetOutput(out)
	return out, nil
}

func (d Deps) countTokens(text string) int {
	if d.Estimator != nil {
		return d.Estimator.Count(text)
	}
	return (len(text) + 3) / 4
}

func quotaDetail(err error) string {
	if err == nil {
		return "resource limits reached"
	}
	return err.Error()
}

// ---- synthesizer ----

func (d Deps) synthesizerPre(ctx context.Context, env *model.Envelope) (*Input, error) {
	executor, _ := model.OutputAs[*model.ExecutorOutput](env, model.StageExecutor)
	var results []model.ToolResult
	if executor != nil {
		results = executor.Results
	}
	rendered, err := d.Prompts.Render(prompt.TemplateSynthesizer, map[string]any{
		"Query":        env.Query,
		"Evidence":     summarizeResults(results),
		"Explanations": d.cachedExplanations(ctx, results),
		"Citations":    citationList(env),
	})
	if err != nil {
		return nil, err
	}
	return &Input{System: rendered.System, User: rendered.User}, nil
}

// cachedExplanations pulls prior LLM explanations for files this request
// read, keyed by content fingerprint so stale content never matches.
func (d Deps) cachedExplanations(ctx context.Context, results []model.ToolResult) string {
	if d.Explanations == nil {
		return ""
	}
	var sb strings.Builder
	for i := range results {
		path, _ := results[i].Data["path"].(string)
		content, _ := results[i].Data["content"].(string)
		if path == "" || content == "" {
			continue
		}
		entry, err := d.Explanations.Get(ctx, storage.Fingerprint(path, content))
		if err != nil {
			continue
		}
		fmt.Fprintf(&sb, "%s: %s\n", path, snippet(entry.Explanation))
	}
	return strings.TrimRight(sb.String(), "\n")
}

// ---- critic ----

func (d Deps) criticPre(_ context.Context, env *model.Envelope) (*Input, error) {
	synth, _ := model.OutputAs[*model.SynthesizerOutput](env, model.StageSynthesizer)
	var claims []model.Claim
	if synth != nil {
		claims = synth.Claims
	}
	rendered, err := d.Prompts.Render(prompt.TemplateCritic, map[string]any{
		"Claims":    claimsText(claims),
		"Citations": citationList(env),
	})
	if err != nil {
		return nil, err
	}
	return &Input{System: rendered.System, User: rendered.User}, nil
}

// criticPost parses the critic's reply, then decides the verdict
// deterministically: a claim is supported iff every citation it lists is in
// the envelope's set, and approval requires every claim supported. The LLM
// contributes the reason, missing-evidence notes and re-entry focus.
func (d Deps) criticPost(_ context.Context, env *model.Envelope, raw string) (model.StageOutput, error) {
	out, err := decodeOutput[*model.CriticOutput](raw)
	if err != nil {
		return nil, err
	}
	if !model.ValidVerdict(out.Verdict) {
		return nil, fmt.Errorf("%w: unknown verdict %q", ErrMalformedOutput, out.Verdict)
	}

	synth, _ := model.OutputAs[*model.SynthesizerOutput](env, model.StageSynthesizer)
	var claims []model.Claim
	if synth != nil {
		claims = synth.Claims
	}
	unsupported := evidence.Validate(claims, env.Citations)

	switch {
	case len(claims) == 0:
		// Nothing to dispute; integration reports what was not found.
		out.Verdict = model.VerdictApprove
	case len(unsupported) > 0:
		out.Verdict = model.VerdictReject
		out.UnsupportedClaims = unsupported
	case out.Verdict == model.VerdictReject:
		// Every claim checks out against gathered evidence; an LLM
		// rejection without unsupported citations does not block.
		out.Verdict = model.VerdictApprove
	}

	env.SetOutput(out)
	return out, nil
}

// ---- integration ----

func (d Deps) integrationPre(_ context.Context, env *model.Envelope) (*Input, error) {
	claims := approvedClaims(env)
	rendered, err := d.Prompts.Render(prompt.TemplateIntegration, map[string]any{
		"Query":  env.Query,
		"Claims": claimsText(claims),
	})
	if err != nil {
		return nil, err
	}
	return &Input{System: rendered.System, User: rendered.User}, nil
}

func approvedClaims(env *model.Envelope) []model.Claim {
	synth, ok := model.OutputAs[*model.SynthesizerOutput](env, model.StageSynthesizer)
	if !ok {
		return nil
	}
	return synth.Claims
}

// integrationCore renders the final answer. Deterministic templates cover
// every non-approved path; the LLM is only asked to word an approved
// answer, and a transport failure there falls back to the template too.
func (d Deps) integrationCore(ctx context.Context, env *model.Envelope, in *Input) (string, error) {
	if final, ok := templatedFinal(env); ok {
		return marshalIntegration(final, env.Citations.Items())
	}

	raw, err := d.llmCore(ctx, env, in)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return "", err
		}
		slog.Warn("Integration wording call failed, using template", "request_id", env.RequestID, "error", err)
		return marshalIntegration(renderClaimsFinal(approvedClaims(env), nil), env.Citations.Items())
	}
	return raw, nil
}

func marshalIntegration(finalResponse string, cited []string) (string, error) {
	raw, err := json.Marshal(&model.IntegrationOutput{FinalResponse: finalResponse, CitedSources: cited})
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// templatedFinal covers the terminal paths that must not depend on another
// LLM call: clarification, quota exhaustion, rejected drafts and empty
// evidence.
func templatedFinal(env *model.Envelope) (string, bool) {
	if intent, ok := model.OutputAs[*model.IntentOutput](env, model.StageIntent); ok && intent.ClarificationRequired {
		return intent.ClarificationQuestion, true
	}
	if critic, ok := model.OutputAs[*model.CriticOutput](env, model.StageCritic); ok && critic.Verdict == model.VerdictClarify {
		question := critic.Reason
		if question == "" {
			question = "The question is ambiguous; could you narrow down what you want to know?"
		}
		return question, true
	}

	switch env.PendingReason {
	case model.TerminationQuotaExceeded:
		var sb strings.Builder
		sb.WriteString("Analysis stopped because resource limits were reached before the investigation finished.")
		if claims := approvedClaims(env); len(claims) > 0 {
			sb.WriteString(" Partial findings:\n")
			sb.WriteString(claimsText(claims))
		}
		if env.Citations.Len() > 0 {
			fmt.Fprintf(&sb, "\nEvidence gathered so far: %s", strings.Join(env.Citations.Items(), ", "))
		}
		return sb.String(), true
	case model.TerminationCriticRejected:
		critic, _ := model.OutputAs[*model.CriticOutput](env, model.StageCritic)
		var unsupported []string
		if critic != nil {
			unsupported = critic.UnsupportedClaims
		}
		return renderClaimsFinal(approvedClaims(env), unsupported), true
	}

	if len(approvedClaims(env)) == 0 {
		return notFoundFinal(env), true
	}
	return "", false
}

// renderClaimsFinal writes claims as prose lines with citations inline,
// marking the listed ones unverified.
func renderClaimsFinal(claims []model.Claim, unsupported []string) string {
	flagged := make(map[string]bool, len(unsupported))
	for _, text := range unsupported {
		flagged[text] = true
	}
	var sb strings.Builder
	if len(unsupported) > 0 {
		sb.WriteString("The analysis could not verify every statement; unverified ones are marked.\n")
	}
	for _, claim := range claims {
		sb.WriteString(claim.Text)
		if len(claim.SupportingCitations) > 0 {
			fmt.Fprintf(&sb, " [%s]", strings.Join(claim.SupportingCitations, ", "))
		}
		if flagged[claim.Text] {
			sb.WriteString(" (unverified)")
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

// notFoundFinal reports an empty investigation without fabricating
// evidence, naming the closest candidates the tools surfaced.
func notFoundFinal(env *model.Envelope) string {
	executor, _ := model.OutputAs[*model.ExecutorOutput](env, model.StageExecutor)
	var sb strings.Builder
	sb.WriteString("No supporting evidence was found in the repository for this question.")
	if executor != nil {
		for i := range executor.Results {
			result := &executor.Results[i]
			if result.Status != model.ToolStatusNotFound {
				continue
			}
			if path, ok := result.Data["path"].(string); ok && path != "" {
				fmt.Fprintf(&sb, " No file named %s was found.", path)
			} else if query, ok := result.Data["query"].(string); ok && query != "" {
				fmt.Fprintf(&sb, " Nothing matched %q.", query)
			}
			if candidates := stringList(result.Data["candidates"]); len(candidates) > 0 {
				fmt.Fprintf(&sb, " Closest candidates: %s.", strings.Join(candidates, ", "))
			}
		}
	}
	return sb.String()
}

// integrationPost parses the final answer and drops any cited source the
// envelope never gathered, so a fabricated citation cannot survive into the
// terminal event. It also refreshes the explanation cache for files read
// this request.
func (d Deps) integrationPost(ctx context.Context, env *model.Envelope, raw string) (model.StageOutput, error) {
	out, err := decodeOutput[*model.IntegrationOutput](raw)
	if err != nil {
		return nil, err
	}
	kept := out.CitedSources[:0]
	for _, cite := range out.CitedSources {
		if env.Citations.Contains(cite) {
			kept = append(kept, cite)
		}
	}
	out.CitedSources = kept
	env.SetOutput(out)

	d.storeExplanations(ctx, env)
	return out, nil
}

// storeExplanations caches the approved claims against each file whose
// content this request read. Cache failures only cost the next request a
// recomputation, so they are logged and ignored.
func (d Deps) storeExplanations(ctx context.Context, env *model.Envelope) {
	if d.Explanations == nil {
		return
	}
	claims := approvedClaims(env)
	if len(claims) == 0 {
		return
	}
	executor, ok := model.OutputAs[*model.ExecutorOutput](env, model.StageExecutor)
	if !ok {
		return
	}
	now := time.Now().UTC()
	for i := range executor.Results {
		path, _ := executor.Results[i].Data["path"].(string)
		content, _ := executor.Results[i].Data["content"].(string)
		if path == "" || content == "" {
			continue
		}
		explanation := claimsAboutPath(claims, path)
		if explanation == "" {
			continue
		}
		entry := &storage.ExplanationEntry{
			Fingerprint: storage.Fingerprint(path, content),
			Path:        path,
			Explanation: explanation,
			CreatedAt:   now,
			ExpiresAt:   now.Add(explanationTTL),
		}
		if err := d.Explanations.Put(ctx, entry); err != nil {
			slog.Warn("Explanation cache write failed", "request_id", env.RequestID, "path", path, "error", err)
		}
	}
}

// claimsAboutPath joins the claims whose citations reference the path.
func claimsAboutPath(claims []model.Claim, path string) string {
	var lines []string
	for _, claim := range claims {
		for _, cite := range claim.SupportingCitations {
			if strings.HasPrefix(cite, path+":") {
				lines = append(lines, claim.Text)
				break
			}
		}
	}
	return strings.Join(lines, " ")
}
