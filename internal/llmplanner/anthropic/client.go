// Package anthropic implements llmplanner.Planner on top of the
// Anthropic Claude Messages API, forcing a single emit_plan tool call
// per request.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/soulbrowser/kernel/internal/kerrors"
	"github.com/soulbrowser/kernel/internal/llmplanner"
	"github.com/soulbrowser/kernel/internal/plan"
)

// MessagesClient captures the subset of the Anthropic SDK used here, so
// tests can substitute a fake.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Options configures the Planner.
type Options struct {
	Model     string
	MaxTokens int
}

// Planner implements llmplanner.Planner via Anthropic Claude.
type Planner struct {
	msg       MessagesClient
	model     string
	maxTokens int64
}

// New builds a Planner from an Anthropic Messages client.
func New(msg MessagesClient, opts Options) (*Planner, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model identifier is required")
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &Planner{msg: msg, model: opts.Model, maxTokens: int64(maxTokens)}, nil
}

// NewFromAPIKey constructs a Planner using the default Anthropic HTTP
// client, reading ANTHROPIC_API_KEY-style auth from apiKey.
func NewFromAPIKey(apiKey, model string) (*Planner, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&client.Messages, Options{Model: model})
}

// Plan implements llmplanner.Planner.
func (p *Planner) Plan(ctx context.Context, req plan.Request) (plan.Plan, error) {
	schema, err := toolSchema()
	if err != nil {
		return plan.Plan{}, err
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(p.model),
		MaxTokens: p.maxTokens,
		System:    []sdk.TextBlockParam{{Text: llmplanner.SystemPrompt}},
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(llmplanner.BuildPrompt(req)))},
		Tools: []sdk.ToolUnionParam{
			func() sdk.ToolUnionParam {
				u := sdk.ToolUnionParamOfTool(schema, llmplanner.ToolName)
				if u.OfTool != nil {
					u.OfTool.Description = sdk.String(llmplanner.ToolDescription)
				}
				return u
			}(),
		},
		ToolChoice: sdk.ToolChoiceParamOfTool(llmplanner.ToolName),
	}

	msg, err := p.msg.New(ctx, params)
	if err != nil {
		return plan.Plan{}, kerrors.Wrap(kerrors.Internal, "anthropic messages.new", err).WithRetryable(true)
	}
	for _, block := range msg.Content {
		if block.Type != "tool_use" || block.Name != llmplanner.ToolName {
			continue
		}
		raw, err := json.Marshal(block.Input)
		if err != nil {
			return plan.Plan{}, fmt.Errorf("anthropic: marshal tool_use input: %w", err)
		}
		return llmplanner.DecodePlanArguments(raw)
	}
	return plan.Plan{}, kerrors.New(kerrors.Internal, "anthropic: model did not emit the emit_plan tool call")
}

func toolSchema() (sdk.ToolInputSchemaParam, error) {
	data, err := json.Marshal(llmplanner.PlanArgumentsSchema)
	if err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	return sdk.ToolInputSchemaParam{ExtraFields: m}, nil
}
