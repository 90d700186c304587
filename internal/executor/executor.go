// Package executor implements the Plan Executor (C9): it walks a Plan's
// steps, dispatching each through the Scheduler at the step's lane,
// running the matching Action Primitive, evaluating the Post-Condition
// Gate, classifying blockers from a fresh perception snapshot when a
// step exhausts its retries, and driving a bounded replan loop through
// an llmplanner.Planner before handing the finished run to the Judge.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/soulbrowser/kernel/internal/action"
	"github.com/soulbrowser/kernel/internal/auditor"
	"github.com/soulbrowser/kernel/internal/eventbus"
	"github.com/soulbrowser/kernel/internal/gate"
	"github.com/soulbrowser/kernel/internal/ident"
	"github.com/soulbrowser/kernel/internal/kerrors"
	"github.com/soulbrowser/kernel/internal/llmplanner"
	"github.com/soulbrowser/kernel/internal/locator"
	"github.com/soulbrowser/kernel/internal/perceive"
	"github.com/soulbrowser/kernel/internal/plan"
	"github.com/soulbrowser/kernel/internal/policy"
	"github.com/soulbrowser/kernel/internal/registry"
	"github.com/soulbrowser/kernel/internal/scheduler"
	"github.com/soulbrowser/kernel/internal/telemetry"
	"github.com/soulbrowser/kernel/internal/watchdog"
)

// BlockerKind is the closed set of obstacles the Executor can diagnose
// from a perception snapshot once a step has exhausted its retries, per
// spec.md §4.9's replan trigger list.
type BlockerKind string

const (
	BlockerPageNotFound      BlockerKind = "page_not_found"
	BlockerCaptcha           BlockerKind = "captcha"
	BlockerLoginWall         BlockerKind = "login_wall"
	BlockerQuoteFetchFailed  BlockerKind = "quote_fetch_failed"
	BlockerConsentGate       BlockerKind = "consent_gate"
	BlockerSearchNoResults   BlockerKind = "search_no_results"
	BlockerPopupUnclosed     BlockerKind = "popup_unclosed"
	BlockerBlankPage         BlockerKind = "blank_page"
	BlockerUnknown           BlockerKind = "unknown"
)

var obstructionBlocker = map[perceive.Obstruction]BlockerKind{
	perceive.ObstructionConsentGate:    BlockerConsentGate,
	perceive.ObstructionCaptcha:        BlockerCaptcha,
	perceive.ObstructionLoginWall:      BlockerLoginWall,
	perceive.ObstructionBlankPage:      BlockerBlankPage,
	perceive.ObstructionUnusualTraffic: BlockerUnknown,
}

// Verdict is the Judge's schema-validation outcome, run once after the
// replan loop is exhausted or the plan completes, never during it.
type Verdict struct {
	Passed bool
	Reason string
}

// Deps bundles everything a Run needs, constructed once per kernel
// process and shared across tasks.
type Deps struct {
	Scheduler *scheduler.Scheduler
	Actions   *action.Primitives
	Gate      *gate.Gate
	Perceive  *perceive.Hub
	Registry  *registry.Registry
	Watchdog  *watchdog.Watchdog
	Bus       *eventbus.Bus
	Planner   llmplanner.Planner
	Policy    *policy.Snapshot
	Tel       telemetry.Bundle
}

// RunConfig bounds a single task's execution.
type RunConfig struct {
	MaxRetries  int // per-step retry budget before blocker classification, default 1
	MaxReplans  int // whole-plan replan budget, default 1
	DefaultLane scheduler.Lane
}

// DefaultRunConfig matches spec.md §4.9's defaults.
func DefaultRunConfig() RunConfig {
	return RunConfig{MaxRetries: 1, MaxReplans: 1, DefaultLane: scheduler.LaneStandard}
}

// Wire installs the registry-backed stale-route check on the scheduler so
// queued calls for a route the registry has already torn down fail fast
// at dequeue instead of running against a dead page/frame. Call once
// after constructing Deps, before submitting any work.
func (d Deps) Wire() {
	if d.Scheduler != nil && d.Registry != nil {
		d.Scheduler.SetStaleChecker(d.Registry.IsStale)
	}
}

// Run executes one task's plan to completion (or exhaustion), publishing
// status/alert/self_heal/agent_history/judge events to deps.Bus throughout.
type Run struct {
	deps    Deps
	cfg     RunConfig
	route   ident.ExecRoute
	plan    plan.Plan
	req     plan.Request
	replans int

	stepsCompleted int
	retriesUsed    int

	deliverPayload any            // set by the step that runs ToolDataDeliverStructured
	extracted      map[string]any // page-derived data built by ToolDataExtractSite/ToolDataParse; Deliver prefers this over a planner-supplied payload
}

// NewRun constructs a Run for the given route and initial plan/request.
func NewRun(deps Deps, cfg RunConfig, route ident.ExecRoute, initial plan.Plan, req plan.Request) *Run {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	if cfg.MaxReplans <= 0 {
		cfg.MaxReplans = 1
	}
	if cfg.DefaultLane == "" {
		cfg.DefaultLane = scheduler.LaneStandard
	}
	return &Run{deps: deps, cfg: cfg, route: route, plan: initial, req: req}
}

// Execute walks the plan's steps in order. A step that exhausts its retry
// budget triggers blocker classification and, if replans remain, a
// replan request whose returned plan is re-audited and substituted for
// the remaining steps; the Judge verdict is computed once, strictly
// after this loop ends.
func (r *Run) Execute(ctx context.Context) (Verdict, error) {
	r.deps.Bus.Publish(eventbus.EventStatus, "running")
	r.deps.Bus.SetTotal("steps_total", len(r.plan.Steps))

	i := 0
	for i < len(r.plan.Steps) {
		step := r.plan.Steps[i]
		ok, blocker, err := r.runStepWithRetries(ctx, step)
		if err != nil {
			r.deps.Bus.Publish(eventbus.EventStatus, "failed")
			return Verdict{}, err
		}
		if ok {
			i++
			continue
		}

		if r.replans >= r.cfg.MaxReplans {
			r.deps.Bus.Publish(eventbus.EventStatus, "failed")
			r.deps.Bus.Publish(eventbus.EventAlert, eventbus.Alert{
				Kind: "replan_exhausted", Severity: "critical",
				Detail: fmt.Sprintf("step %s blocked by %s after %d replans", step.ID, blocker, r.replans),
			})
			break
		}

		revised, err := r.replan(ctx, step, blocker)
		if err != nil {
			r.deps.Bus.Publish(eventbus.EventStatus, "failed")
			return Verdict{}, err
		}
		r.replans++
		r.plan.Steps = append(append([]plan.Step{}, r.plan.Steps[:i]...), revised.Steps...)
		// Restart from the first step of the revised suffix; the replanned
		// steps already passed through the Stage Auditor.
	}

	verdict := r.judge()
	r.deps.Bus.Publish(eventbus.EventJudge, eventbus.JudgeVerdict{Passed: verdict.Passed, Reason: verdict.Reason})
	if verdict.Passed {
		r.deps.Bus.Publish(eventbus.EventStatus, "completed")
	}
	return verdict, nil
}

// runStepWithRetries dispatches step through the Scheduler up to
// cfg.MaxRetries+1 times, returning (true, "", nil) on success or
// (false, blocker, nil) once retries are exhausted without success.
func (r *Run) runStepWithRetries(ctx context.Context, step plan.Step) (bool, BlockerKind, error) {
	var lastErr error
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		report, gateResult, err := r.dispatchStep(ctx, step)
		if err == nil && gateResult.Passed {
			r.appendHistory(step, report, gateResult, "ok", attempt)
			return true, "", nil
		}
		lastErr = err
		r.appendHistory(step, report, gateResult, "failed", attempt)

		if gateResult.SuggestHeal {
			r.deps.Bus.Publish(eventbus.EventSelfHeal, map[string]any{"step_id": step.ID, "reason": "gate_suggested"})
		}
	}
	snap, blocker := r.classifyBlocker(ctx)
	if snap != nil && r.deps.Watchdog != nil {
		alerts := r.deps.Watchdog.Inspect(ctx, *snap, false, false)
		for _, a := range alerts {
			r.deps.Tel.Log.Warn(ctx, "executor: watchdog alert during blocker classification", "kind", a.Kind)
		}
	}
	if lastErr != nil {
		r.deps.Tel.Log.Warn(ctx, "executor: step exhausted retries", "step_id", step.ID, "blocker", blocker, "err", lastErr)
	}
	return false, blocker, nil
}

// dispatchStep submits one attempt of step to the Scheduler at the
// step's lane (or the run's default lane), runs the matching primitive,
// and evaluates the Post-Condition Gate against the resulting evidence.
func (r *Run) dispatchStep(ctx context.Context, step plan.Step) (action.Report, gate.Result, error) {
	lane := r.cfg.DefaultLane
	var report action.Report
	var gateResult gate.Result
	var stepErr error

	done := make(chan struct{})
	call := &scheduler.ToolCall{
		CallID:   ident.NewActionID(),
		TenantID: r.req.TenantID,
		PlanID:   r.plan.TaskID,
		Route:    r.route,
		Lane:     lane,
		ReadOnly: isReadOnly(step.Tool.Kind),
		MutexKey: r.route.String(),
		Fn: func(fnCtx context.Context) error {
			defer close(done)
			report = r.runPrimitive(fnCtx, step)
			if report.Err != nil {
				stepErr = report.Err
				return report.Err
			}
			if len(step.Validations) == 0 {
				gateResult = gate.Result{Passed: true}
				return nil
			}
			spec := step.Validations[0]
			res, err := r.deps.Gate.Evaluate(fnCtx, spec, r.collector(report))
			if err != nil {
				stepErr = err
				return err
			}
			gateResult = res
			if !res.Passed {
				return kerrors.New(kerrors.GateFailed, "post-condition gate did not pass")
			}
			return nil
		},
	}
	if err := r.deps.Scheduler.Submit(call); err != nil {
		return action.Report{}, gate.Result{}, err
	}
	select {
	case <-done:
	case <-ctx.Done():
		r.deps.Scheduler.Cancel(call)
		return action.Report{}, gate.Result{}, ctx.Err()
	}
	return report, gateResult, stepErr
}

// collector builds a gate.Collector that combines one action.Report's
// post-signals with a fresh structural+semantic perception read.
func (r *Run) collector(report action.Report) gate.Collector {
	return func(ctx context.Context) (gate.Evidence, error) {
		snap, err := r.deps.Perceive.Perceive(ctx, r.route, perceive.Options{Structural: true, Semantic: true})
		if err != nil {
			return gate.Evidence{Post: report.PostSignals}, nil
		}
		return gate.Evidence{
			Post:       report.PostSignals,
			Perception: &snap,
		}, nil
	}
}

func (r *Run) runPrimitive(ctx context.Context, step plan.Step) action.Report {
	actx := action.Context{Route: r.route, Deadline: time.Now().Add(stepTimeout(step)), Policy: r.deps.Policy, ActionID: ident.NewActionID()}
	tier := action.WaitTier(step.Tool.Wait)
	switch step.Tool.Kind {
	case plan.ToolNavigate:
		navURL, _ := step.Tool.Payload["url"].(string)
		return r.deps.Actions.Navigate(ctx, actx, navURL, tier)
	case plan.ToolClick:
		return r.deps.Actions.Click(ctx, actx, decodeAnchor(step.Tool.Payload), tier)
	case plan.ToolTypeText:
		text, _ := step.Tool.Payload["text"].(string)
		submit, _ := step.Tool.Payload["submit"].(bool)
		isPassword, _ := step.Tool.Payload["is_password"].(bool)
		return r.deps.Actions.TypeText(ctx, actx, decodeAnchor(step.Tool.Payload), text, submit, isPassword, tier)
	case plan.ToolSelect:
		by, _ := step.Tool.Payload["by"].(string)
		item, _ := step.Tool.Payload["item"].(string)
		return r.deps.Actions.Select(ctx, actx, decodeAnchor(step.Tool.Payload), action.SelectBy(by), item, tier)
	case plan.ToolScroll:
		behavior, _ := step.Tool.Payload["behavior"].(string)
		if behavior == "" {
			behavior = string(action.ScrollSmooth)
		}
		return r.deps.Actions.Scroll(ctx, actx, decodeScrollTarget(step.Tool.Payload), action.ScrollBehavior(behavior))
	case plan.ToolWait:
		return r.deps.Actions.Wait(ctx, actx, action.Condition{Kind: action.ConditionDomReady}, stepTimeout(step))
	case plan.ToolBrowserSearch:
		return r.runBrowserSearch(ctx, actx, step, tier)
	case plan.ToolAutoAct:
		return r.runAutoAct(ctx, actx, tier)
	case plan.ToolDataExtractSite:
		return r.runExtractSite(ctx)
	case plan.ToolDataValidateTarget:
		return r.runValidateTarget(ctx)
	case plan.ToolDataParse:
		return r.runDataParse(step)
	case plan.ToolDataDeliverStructured:
		if r.extracted != nil {
			r.deliverPayload = r.extracted
		} else {
			r.deliverPayload = step.Tool.Payload
		}
		return action.Report{OK: true, StartedAt: time.Now(), FinishedAt: time.Now()}
	default:
		return action.Report{Err: kerrors.New(kerrors.Internal, "unknown tool kind: "+string(step.Tool.Kind)), StartedAt: time.Now(), FinishedAt: time.Now()}
	}
}

// runBrowserSearch navigates to a search engine results page for the
// step's query, the Auditor-inserted substitute for a missing Navigate
// step on an informational intent that implies search.
func (r *Run) runBrowserSearch(ctx context.Context, actx action.Context, step plan.Step, tier action.WaitTier) action.Report {
	query, _ := step.Tool.Payload["query"].(string)
	target := "https://www.bing.com/search?q=" + url.QueryEscape(query)
	return r.deps.Actions.Navigate(ctx, actx, target, tier)
}

// runAutoAct perceives the current page structurally and clicks the
// first interactive link-shaped element it finds, the Auditor-inserted
// substitute for an Act step following an inserted search.
func (r *Run) runAutoAct(ctx context.Context, actx action.Context, tier action.WaitTier) action.Report {
	start := time.Now()
	snap, err := r.deps.Perceive.Perceive(ctx, r.route, perceive.Options{Structural: true})
	if err != nil {
		return action.Report{Err: kerrors.Wrap(kerrors.Internal, "auto_act: perceive failed", err)}.finish(start)
	}
	for _, el := range snap.Structural.Elements {
		if !el.Interactive || el.Name == "" {
			continue
		}
		if el.Role != "link" && el.Tag != "a" {
			continue
		}
		anchor := locator.AnchorDescriptor{Kind: locator.AnchorAria, Role: el.Role, Name: el.Name}
		return r.deps.Actions.Click(ctx, actx, anchor, tier)
	}
	return action.Report{Err: kerrors.New(kerrors.Internal, "auto_act: no actionable result found")}.finish(start)
}

// runExtractSite gathers a structural+semantic perception read and stores
// it as the run's extracted page data, consumed by runValidateTarget,
// runDataParse, and ultimately the Deliver step.
func (r *Run) runExtractSite(ctx context.Context) action.Report {
	start := time.Now()
	snap, err := r.deps.Perceive.Perceive(ctx, r.route, perceive.Options{Structural: true, Semantic: true})
	if err != nil {
		return action.Report{Err: kerrors.Wrap(kerrors.Internal, "data.extract-site: perceive failed", err)}.finish(start)
	}
	r.extracted = map[string]any{
		"content_type": string(snap.Semantic.ContentType),
		"language":     snap.Semantic.Language,
		"summary":      snap.Semantic.ShortSummary,
		"keywords":     snap.Semantic.Keywords,
		"node_count":   snap.Structural.NodeCount,
		"form_count":   snap.Structural.FormCount,
	}
	return action.Report{OK: true}.finish(start)
}

// runValidateTarget rejects a page that is obstructed or that no
// extraction has run against yet, without mutating any state.
func (r *Run) runValidateTarget(ctx context.Context) action.Report {
	start := time.Now()
	if r.extracted == nil {
		return action.Report{Err: kerrors.New(kerrors.Internal, "data.validate-target: no extracted data to validate")}.finish(start)
	}
	snap, err := r.deps.Perceive.Perceive(ctx, r.route, perceive.Options{Structural: true})
	if err != nil {
		return action.Report{Err: kerrors.Wrap(kerrors.Internal, "data.validate-target: perceive failed", err)}.finish(start)
	}
	if len(snap.Structural.Obstructions) > 0 {
		return action.Report{Err: kerrors.New(kerrors.Internal, "data.validate-target: page obstructed: "+string(snap.Structural.Obstructions[0]))}.finish(start)
	}
	return action.Report{OK: true}.finish(start)
}

// runDataParse reshapes the run's extracted data into the step's schema
// id, ranking keyword weights down to their top terms so the Deliver
// step's payload is parsed content rather than the raw semantic digest.
func (r *Run) runDataParse(step plan.Step) action.Report {
	start := time.Now()
	if r.extracted == nil {
		return action.Report{Err: kerrors.New(kerrors.Internal, "data.parse: nothing extracted to parse")}.finish(start)
	}
	schemaID, _ := step.Tool.Payload["schema_id"].(string)
	parsed := make(map[string]any, len(r.extracted)+1)
	for k, v := range r.extracted {
		parsed[k] = v
	}
	if kw, ok := r.extracted["keywords"].(map[string]float64); ok {
		parsed["keywords"] = topKeywordTerms(kw, 10)
	}
	parsed["schema_id"] = schemaID
	r.extracted = parsed
	return action.Report{OK: true}.finish(start)
}

// topKeywordTerms returns up to n terms of kw ranked by descending weight.
func topKeywordTerms(kw map[string]float64, n int) []string {
	type term struct {
		word   string
		weight float64
	}
	items := make([]term, 0, len(kw))
	for w, weight := range kw {
		items = append(items, term{w, weight})
	}
	for i := 1; i < len(items); i++ {
		j := i
		for j > 0 && items[j-1].weight < items[j].weight {
			items[j-1], items[j] = items[j], items[j-1]
			j--
		}
	}
	if len(items) > n {
		items = items[:n]
	}
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.word
	}
	return out
}

// decodeAnchor reads the wire-shaped anchor object (spec.md §2's tagged
// variant: Css(selector) | Aria{role,name} | Text{content,exact}) from a
// step's payload["anchor"] field.
func decodeAnchor(payload map[string]any) locator.AnchorDescriptor {
	raw, _ := payload["anchor"].(map[string]any)
	kind, _ := raw["kind"].(string)
	switch locator.AnchorKind(kind) {
	case locator.AnchorAria:
		role, _ := raw["role"].(string)
		name, _ := raw["name"].(string)
		return locator.AnchorDescriptor{Kind: locator.AnchorAria, Role: role, Name: name}
	case locator.AnchorText:
		content, _ := raw["content"].(string)
		exact, _ := raw["exact"].(bool)
		return locator.AnchorDescriptor{Kind: locator.AnchorText, Content: content, Exact: exact}
	default:
		selector, _ := raw["selector"].(string)
		return locator.AnchorDescriptor{Kind: locator.AnchorCss, Selector: selector}
	}
}

// decodeScrollTarget reads delta_x/delta_y and an optional anchor object
// from a scroll step's payload.
func decodeScrollTarget(payload map[string]any) action.ScrollTarget {
	dx, _ := payload["delta_x"].(float64)
	dy, _ := payload["delta_y"].(float64)
	target := action.ScrollTarget{DeltaX: int(dx), DeltaY: int(dy)}
	if raw, ok := payload["anchor"].(map[string]any); ok {
		anchor := decodeAnchor(map[string]any{"anchor": raw})
		target.Anchor = &anchor
	}
	return target
}

func stepTimeout(step plan.Step) time.Duration {
	if step.Tool.TimeoutMs > 0 {
		return time.Duration(step.Tool.TimeoutMs) * time.Millisecond
	}
	if len(step.Validations) > 0 && step.Validations[0].TimeoutMs > 0 {
		return time.Duration(step.Validations[0].TimeoutMs) * time.Millisecond
	}
	return 5 * time.Second
}

func isReadOnly(kind plan.ToolKind) bool {
	switch kind {
	case plan.ToolWait, plan.ToolDataExtractSite, plan.ToolDataValidateTarget, plan.ToolDataParse:
		return true
	default:
		return false
	}
}

// classifyBlocker takes a fresh structural perception snapshot and maps
// its obstructions to a BlockerKind, per spec.md §4.9's blocker list.
// Blockers not derivable from Obstructions alone (quote_fetch_failed,
// search_no_results, popup_unclosed, page_not_found) are not detected:
// classifyBlocker only resolves the perception-visible subset and reports
// BlockerUnknown otherwise.
func (r *Run) classifyBlocker(ctx context.Context) (*perceive.PerceptionSnapshot, BlockerKind) {
	snap, err := r.deps.Perceive.Perceive(ctx, r.route, perceive.Options{Structural: true})
	if err != nil {
		return nil, BlockerUnknown
	}
	for _, obs := range snap.Structural.Obstructions {
		if kind, ok := obstructionBlocker[obs]; ok {
			return &snap, kind
		}
	}
	if snap.Structural.NodeCount == 0 {
		return &snap, BlockerBlankPage
	}
	return &snap, BlockerUnknown
}

// replan asks the configured Planner to revise the plan from the blocked
// step onward and re-runs the Stage Auditor over its response so the
// revised steps obey the same deterministic stage graph as the original
// plan.
func (r *Run) replan(ctx context.Context, failed plan.Step, blocker BlockerKind) (plan.Plan, error) {
	r.deps.Bus.Publish(eventbus.EventStatus, "replanning")
	req := r.req
	req.ReplanOf = &plan.ReplanContext{
		PreviousPlan: r.plan,
		FailedStepID: failed.ID,
		BlockerKind:  string(blocker),
	}
	revised, err := r.deps.Planner.Plan(ctx, req)
	if err != nil {
		return plan.Plan{}, kerrors.Wrap(kerrors.Internal, "replan request failed", err)
	}
	revised.TaskID = r.plan.TaskID
	revised = auditor.Audit(revised, auditor.Options{
		Intent:         req.Intent,
		HasURL:         req.CurrentURL != "",
		RequiredSchema: req.RequiredSchema,
		Route:          r.route,
	})
	return revised, nil
}

// judge validates the plan's final structured deliverable (if any step
// carried a required schema) against that schema, strictly after the
// replan loop has ended, per spec.md §4.9's "Judge runs once, after
// execution, never mid-replan" decision.
func (r *Run) judge() Verdict {
	if r.req.RequiredSchema == "" {
		return Verdict{Passed: true, Reason: "no required schema"}
	}
	if !r.plan.HasStage(plan.StageDeliver) {
		return Verdict{Passed: false, Reason: "plan has no Deliver step for its required schema"}
	}
	if r.deliverPayload == nil {
		return Verdict{Passed: false, Reason: "deliver step produced no payload"}
	}

	var schemaDoc any
	if err := json.Unmarshal([]byte(r.req.RequiredSchema), &schemaDoc); err != nil {
		return Verdict{Passed: false, Reason: "required schema is not valid JSON: " + err.Error()}
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("deliverable.json", schemaDoc); err != nil {
		return Verdict{Passed: false, Reason: "required schema rejected: " + err.Error()}
	}
	schema, err := c.Compile("deliverable.json")
	if err != nil {
		return Verdict{Passed: false, Reason: "required schema does not compile: " + err.Error()}
	}

	data, err := json.Marshal(r.deliverPayload)
	if err != nil {
		return Verdict{Passed: false, Reason: "delivered payload is not serializable"}
	}
	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return Verdict{Passed: false, Reason: "delivered payload is not valid JSON"}
	}
	if err := schema.Validate(instance); err != nil {
		return Verdict{Passed: false, Reason: "schema validation failed: " + err.Error()}
	}
	return Verdict{Passed: true}
}

// appendHistory publishes one agent_history entry per step attempt,
// including a "skipped" status for no-op stages (e.g. a bare Evaluate
// checkpoint), per spec.md §4.9's "every stage gets an agent_history
// entry" rule.
func (r *Run) appendHistory(step plan.Step, report action.Report, gr gate.Result, status string, attempt int) {
	status = terminalStatus(step, report, gr, status)
	if attempt > 0 {
		r.retriesUsed++
		r.deps.Bus.SetTotal("retries", r.retriesUsed)
	}
	if status == "ok" {
		r.stepsCompleted++
		r.deps.Bus.SetTotal("steps_completed", r.stepsCompleted)
	}
	r.deps.Bus.Publish(eventbus.EventAgentHistory, eventbus.AgentHistoryEntry{
		StepID:     step.ID,
		NextGoal:   step.Title,
		Attempts:   attempt + 1,
		Status:     status,
		RunMs:      report.LatencyMs,
		WaitMs:     gr.Elapsed.Milliseconds(),
	})
}

func terminalStatus(step plan.Step, report action.Report, gr gate.Result, fallback string) string {
	if step.Stage == plan.StageEvaluate && len(step.Validations) == 0 {
		return "skipped"
	}
	if report.Err == nil && (len(step.Validations) == 0 || gr.Passed) {
		return "ok"
	}
	return fallback
}
