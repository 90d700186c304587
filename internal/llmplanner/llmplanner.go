// Package llmplanner is the external Planner boundary: it turns a
// plan.Request (or a plan.ReplanContext-augmented one) into a prompt for
// a tool-calling LLM, forces the model to emit a single structured
// "emit_plan" tool call, and decodes that call's arguments back into a
// plan.Plan. Provider-specific wiring lives in the anthropic and openai
// subpackages; this package owns the provider-agnostic prompt and
// schema.
package llmplanner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/soulbrowser/kernel/internal/plan"
)

// Planner produces and revises Plans from natural-language intent.
type Planner interface {
	Plan(ctx context.Context, req plan.Request) (plan.Plan, error)
}

// ToolName is the single forced tool call every provider adapter asks
// the model to emit; its arguments are the plan JSON itself.
const ToolName = "emit_plan"

// ToolDescription is passed to provider adapters verbatim as the emitted
// tool's description.
const ToolDescription = "Emit the browser automation plan for the current request as structured JSON."

// PlanArgumentsSchema is the JSON Schema (draft 2020-12-compatible) for
// emit_plan's arguments, shared by every provider adapter so the wire
// contract cannot drift between them.
var PlanArgumentsSchema = map[string]any{
	"type":     "object",
	"required": []string{"title", "steps"},
	"properties": map[string]any{
		"title":       map[string]any{"type": "string"},
		"description": map[string]any{"type": "string"},
		"steps": map[string]any{
			"type":     "array",
			"minItems": 1,
			"items": map[string]any{
				"type":     "object",
				"required": []string{"id", "title", "stage", "tool"},
				"properties": map[string]any{
					"id":     map[string]any{"type": "string"},
					"title":  map[string]any{"type": "string"},
					"detail": map[string]any{"type": "string"},
					"stage": map[string]any{
						"type": "string",
						"enum": []string{"Navigate", "Act", "Observe", "Validate", "Parse", "Deliver", "Evaluate"},
					},
					"tool": map[string]any{
						"type":     "object",
						"required": []string{"kind"},
						"properties": map[string]any{
							"kind":       map[string]any{"type": "string"},
							"payload":    map[string]any{"type": "object"},
							"wait":       map[string]any{"type": "string"},
							"timeout_ms": map[string]any{"type": "integer"},
						},
					},
				},
			},
		},
		"rationale":       map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"risk_assessment": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
	},
}

// planArguments is the decode target for emit_plan's tool-call payload.
type planArguments struct {
	Title          string         `json:"title"`
	Description    string         `json:"description"`
	Steps          []plan.Step    `json:"steps"`
	Rationale      []string       `json:"rationale"`
	RiskAssessment []string       `json:"risk_assessment"`
}

// DecodePlanArguments parses a provider's raw emit_plan tool-call
// arguments into a plan.Plan. Callers fill in TaskID/CreatedAt, which are
// kernel-assigned rather than model-produced.
func DecodePlanArguments(raw []byte) (plan.Plan, error) {
	var args planArguments
	if err := json.Unmarshal(raw, &args); err != nil {
		return plan.Plan{}, fmt.Errorf("llmplanner: decode emit_plan arguments: %w", err)
	}
	if len(args.Steps) == 0 {
		return plan.Plan{}, fmt.Errorf("llmplanner: emit_plan returned no steps")
	}
	return plan.Plan{
		Title:       args.Title,
		Description: args.Description,
		Meta: plan.Meta{
			Rationale:      args.Rationale,
			RiskAssessment: args.RiskAssessment,
		},
		Steps: args.Steps,
	}, nil
}

// BuildPrompt renders req (and, if present, req.ReplanOf) into the user
// message sent to the model. Provider adapters own system-prompt and
// message-role framing; this is the task-specific content common to all
// of them.
func BuildPrompt(req plan.Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Intent: %s\n", req.Intent)
	if req.CurrentURL != "" {
		fmt.Fprintf(&b, "Current URL: %s\n", req.CurrentURL)
	} else {
		b.WriteString("Current URL: (none, browser is at a blank start page)\n")
	}
	if req.RequiredSchema != "" {
		fmt.Fprintf(&b, "Required output schema: %s\n", req.RequiredSchema)
	}
	if len(req.Constraints) > 0 {
		if data, err := json.Marshal(req.Constraints); err == nil {
			fmt.Fprintf(&b, "Constraints: %s\n", data)
		}
	}
	if rc := req.ReplanOf; rc != nil {
		b.WriteString("\nThis is a replan request. The previous plan failed.\n")
		fmt.Fprintf(&b, "Failed step: %s\n", rc.FailedStepID)
		fmt.Fprintf(&b, "Blocker: %s\n", rc.BlockerKind)
		if rc.LatestObservation != "" {
			fmt.Fprintf(&b, "Latest observation: %s\n", rc.LatestObservation)
		}
		if len(rc.GuardrailHints) > 0 {
			fmt.Fprintf(&b, "Guardrail hints: %s\n", strings.Join(rc.GuardrailHints, "; "))
		}
		if prev, err := rc.PreviousPlan.Canonical(); err == nil {
			fmt.Fprintf(&b, "Previous plan: %s\n", prev)
		}
	}
	b.WriteString("\nEmit exactly one emit_plan tool call with the revised plan.")
	return b.String()
}

// SystemPrompt is the provider-agnostic system prompt every adapter uses,
// describing the deterministic stage graph the planner must respect; the
// Stage Auditor (internal/auditor) still enforces this mechanically, but
// giving the model the same rules up front reduces replans.
const SystemPrompt = `You are the planning component of a browser automation kernel.
Produce a plan as an ordered list of steps. Each step has a stage: one of
Navigate, Act, Observe, Validate, Parse, Deliver, or Evaluate. For a plan
that must end in a structured deliverable, the stages that do appear
among Navigate, Act, Observe, Validate, Parse, Deliver must appear in
that relative order; Evaluate may appear anywhere as a no-op checkpoint.
Each step's tool.kind must be one of: navigate, click, type_text, select,
scroll, wait, browser.search, auto_act, data.extract-site,
data.validate-target, data.parse, data.deliver.structured. Never invent a
tool kind outside this list. Keep steps minimal: do not add
confirmation, retry, or error-handling steps — the kernel's executor
handles retries, self-healing, and replanning on its own.`
