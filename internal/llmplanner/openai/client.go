// Package openai implements llmplanner.Planner on top of the official
// OpenAI Chat Completions API, forcing a single emit_plan function call
// per request.
package openai

import (
	"context"
	"errors"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/soulbrowser/kernel/internal/kerrors"
	"github.com/soulbrowser/kernel/internal/llmplanner"
	"github.com/soulbrowser/kernel/internal/plan"
)

// ChatClient captures the subset of the OpenAI SDK used here, so tests
// can substitute a fake.
type ChatClient interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Options configures the Planner.
type Options struct {
	Model string
}

// Planner implements llmplanner.Planner via OpenAI Chat Completions.
type Planner struct {
	chat  ChatClient
	model string
}

// New builds a Planner from an OpenAI chat completions client.
func New(chat ChatClient, opts Options) (*Planner, error) {
	if chat == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model identifier is required")
	}
	return &Planner{chat: chat, model: opts.Model}, nil
}

// NewFromAPIKey constructs a Planner using the default OpenAI HTTP
// client.
func NewFromAPIKey(apiKey, model string) (*Planner, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return New(&client.Chat.Completions, Options{Model: model})
}

// Plan implements llmplanner.Planner.
func (p *Planner) Plan(ctx context.Context, req plan.Request) (plan.Plan, error) {
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(p.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(llmplanner.SystemPrompt),
			openai.UserMessage(llmplanner.BuildPrompt(req)),
		},
		Tools: []openai.ChatCompletionToolParam{
			{
				Function: openai.FunctionDefinitionParam{
					Name:        llmplanner.ToolName,
					Description: openai.String(llmplanner.ToolDescription),
					Parameters:  openai.FunctionParameters(llmplanner.PlanArgumentsSchema),
				},
			},
		},
		ToolChoice: openai.ChatCompletionToolChoiceOptionUnionParam{
			OfChatCompletionNamedToolChoice: &openai.ChatCompletionNamedToolChoiceParam{
				Function: openai.ChatCompletionNamedToolChoiceFunctionParam{Name: llmplanner.ToolName},
			},
		},
	}

	resp, err := p.chat.New(ctx, params)
	if err != nil {
		return plan.Plan{}, kerrors.Wrap(kerrors.Internal, "openai chat.completions.new", err).WithRetryable(true)
	}
	if len(resp.Choices) == 0 {
		return plan.Plan{}, kerrors.New(kerrors.Internal, "openai: empty choices")
	}
	for _, call := range resp.Choices[0].Message.ToolCalls {
		if call.Function.Name != llmplanner.ToolName {
			continue
		}
		return llmplanner.DecodePlanArguments([]byte(call.Function.Arguments))
	}
	return plan.Plan{}, kerrors.New(kerrors.Internal, "openai: model did not emit the emit_plan tool call")
}
