// Package auditor implements the Stage Auditor half of C9: intent
// classification and deterministic stage-graph enforcement over a
// candidate Plan, inserting the stages an informational intent requires
// and rewriting out-of-order stages.
package auditor

import (
	"strings"

	"github.com/soulbrowser/kernel/internal/ident"
	"github.com/soulbrowser/kernel/internal/plan"
)

// searchSignals are the lowercase substrings in an intent that imply a
// browser.search step is needed when the plan carries no URL yet.
var searchSignals = []string{"find", "search", "look up", "compare", "price of", "who is", "what is"}

// ClassifyIntent maps a free-form intent string to the closed IntentKind
// set. Transactional verbs win over informational ones since a
// transactional action (buy, submit, book) implies side effects even when
// phrased as a question.
func ClassifyIntent(intent, currentURL string) plan.IntentKind {
	lower := strings.ToLower(intent)
	for _, v := range []string{"buy", "purchase", "submit", "book", "checkout", "order", "fill out", "sign up"} {
		if strings.Contains(lower, v) {
			return plan.IntentTransactional
		}
	}
	if currentURL == "" {
		for _, v := range []string{"go to", "navigate to", "open "} {
			if strings.Contains(lower, v) {
				return plan.IntentNavigational
			}
		}
	}
	return plan.IntentInformational
}

func impliesSearch(intent string) bool {
	lower := strings.ToLower(intent)
	for _, s := range searchSignals {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// Options carries the context the Auditor needs beyond the Plan itself:
// the original request's intent text, whether the plan lacks a starting
// URL, the required schema id (if any), and a domain allowlist derived
// from guardrail keywords for the inserted AutoAct step.
type Options struct {
	Intent           string
	HasURL           bool
	RequiredSchema   string
	AllowedDomains   []string
	Route            ident.ExecRoute
}

// Audit classifies intent and, for informational intents, inserts any
// stages the plan is missing, then rewrites stage order so the result
// satisfies plan.Plan.SatisfiesStageOrder(). It never appends Parse or
// Deliver steps without a preceding Observe or Validate step, per
// spec.md §4.9.
func Audit(p plan.Plan, opts Options) plan.Plan {
	out := p.Clone()
	intent := ClassifyIntent(opts.Intent, out.Description)
	if intent != plan.IntentInformational {
		return reorder(out)
	}

	if !opts.HasURL && impliesSearch(opts.Intent) {
		if !out.HasStage(plan.StageNavigate) {
			prefix := []plan.Step{searchStep(opts.Intent)}
			if !hasAct(out) {
				prefix = append(prefix, autoActStep(opts.AllowedDomains))
			}
			out.Steps = append(prefix, out.Steps...)
		} else if !hasAct(out) {
			out.Steps = append(out.Steps, autoActStep(opts.AllowedDomains))
		}
	}

	if !out.HasStage(plan.StageObserve) {
		out.Steps = append(out.Steps, extractSiteStep())
	}
	if opts.RequiredSchema != "" && !out.HasStage(plan.StageValidate) {
		out.Steps = append(out.Steps, validateTargetStep(opts.RequiredSchema))
	}
	if opts.RequiredSchema != "" && !out.HasStage(plan.StageParse) {
		out.Steps = append(out.Steps, parseStep(opts.RequiredSchema))
	}
	if opts.RequiredSchema != "" && !out.HasStage(plan.StageDeliver) {
		out.Steps = append(out.Steps, deliverStep())
	}

	return reorder(out)
}

func hasAct(p plan.Plan) bool { return p.HasStage(plan.StageAct) }

func searchStep(intent string) plan.Step {
	return plan.Step{
		ID:    ident.NewActionID(),
		Title: "search",
		Stage: plan.StageNavigate,
		Tool:  plan.ToolSpec{Kind: plan.ToolBrowserSearch, Payload: map[string]any{"query": intent}},
	}
}

func autoActStep(allowedDomains []string) plan.Step {
	return plan.Step{
		ID:    ident.NewActionID(),
		Title: "submit search and open best result",
		Stage: plan.StageAct,
		Tool:  plan.ToolSpec{Kind: plan.ToolAutoAct, Payload: map[string]any{"allowed_domains": allowedDomains}},
	}
}

func extractSiteStep() plan.Step {
	return plan.Step{
		ID:    ident.NewActionID(),
		Title: "extract page content",
		Stage: plan.StageObserve,
		Tool:  plan.ToolSpec{Kind: plan.ToolDataExtractSite},
	}
}

func validateTargetStep(schemaID string) plan.Step {
	return plan.Step{
		ID:       ident.NewActionID(),
		Title:    "validate target has required data",
		Stage:    plan.StageValidate,
		Tool:     plan.ToolSpec{Kind: plan.ToolDataValidateTarget, Payload: map[string]any{"schema_id": schemaID}},
		Metadata: map[string]any{"schema_id": schemaID},
	}
}

func parseStep(schemaID string) plan.Step {
	return plan.Step{
		ID:       ident.NewActionID(),
		Title:    "parse " + schemaID,
		Stage:    plan.StageParse,
		Tool:     plan.ToolSpec{Kind: plan.ToolDataParse, Payload: map[string]any{"schema_id": schemaID}},
		Metadata: map[string]any{"schema_id": schemaID},
	}
}

func deliverStep() plan.Step {
	return plan.Step{
		ID:    ident.NewActionID(),
		Title: "deliver structured result",
		Stage: plan.StageDeliver,
		Tool:  plan.ToolSpec{Kind: plan.ToolDataDeliverStructured},
	}
}

// reorder stable-sorts out's steps by RequiredOrder rank, leaving
// non-required stages (Evaluate) in their original relative position
// among the ranked ones immediately following the last ranked stage seen
// before them. This is a conservative rewrite: it fixes out-of-order
// required stages without relocating Evaluate checkpoints the planner
// deliberately placed between two required steps.
func reorder(p plan.Plan) plan.Plan {
	if p.SatisfiesStageOrder() {
		return p
	}
	rank := make(map[plan.Stage]int, len(plan.RequiredOrder()))
	for i, s := range plan.RequiredOrder() {
		rank[s] = i
	}

	items := make([]indexedStep, len(p.Steps))
	lastRank := -1
	for i, s := range p.Steps {
		if r, ok := rank[s.Stage]; ok {
			lastRank = r
			items[i] = indexedStep{step: s, key: r * 1000}
		} else {
			items[i] = indexedStep{step: s, key: lastRank*1000 + 1}
		}
	}
	stableSortByKey(items)

	out := p
	out.Steps = make([]plan.Step, len(items))
	for i, it := range items {
		out.Steps[i] = it.step
	}
	return out
}

type indexedStep struct {
	step plan.Step
	key  int
}

func stableSortByKey(items []indexedStep) {
	for i := 1; i < len(items); i++ {
		j := i
		for j > 0 && items[j-1].key > items[j].key {
			items[j-1], items[j] = items[j], items[j-1]
			j--
		}
	}
}
