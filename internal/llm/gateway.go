package llm

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
	"github.com/tidwall/gjson"
)

// GatewayProvider talks to an OpenAI-compatible AI gateway that routes
// "vendor/model" ids to their upstream providers.
type GatewayProvider struct {
	client openai.Client
	model  string
}

// NewGatewayProvider creates a gateway provider. SDK-level retries are
// disabled; failed runs are retried as a whole by the caller.
func NewGatewayProvider(apiKey, baseURL, model string) (*GatewayProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gateway: AI_GATEWAY_API_KEY is not set")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &GatewayProvider{client: openai.NewClient(opts...), model: model}, nil
}

func (p *GatewayProvider) Name() string {
	return fmt.Sprintf("Gateway (%s)", p.model)
}

func (p *GatewayProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	params := p.params(req)
	return newEventStream(ctx, func(ctx context.Context, events chan<- Event) error {
		stream := p.client.Chat.Completions.NewStreaming(ctx, params)
		defer stream.Close()

		acc := openai.ChatCompletionAccumulator{}
		announced := make(map[int64]bool)
		finishReason := ""
		var usage *Usage

		for stream.Next() {
			chunk := stream.Current()
			acc.AddChunk(chunk)

			if chunk.Usage.TotalTokens > 0 || chunk.Usage.PromptTokens > 0 {
				usage = &Usage{
					InputTokens:  int(chunk.Usage.PromptTokens),
					OutputTokens: int(chunk.Usage.CompletionTokens),
				}
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			if choice.FinishReason != "" {
				finishReason = choice.FinishReason
			}

			delta := choice.Delta
			if reasoning := gatewayReasoning(delta.RawJSON()); reasoning != "" {
				events <- Event{Type: EventReasoningDelta, Text: reasoning}
			}
			if delta.Content != "" {
				events <- Event{Type: EventTextDelta, Text: delta.Content}
			}
			for _, tc := range delta.ToolCalls {
				if tc.ID != "" && !announced[tc.Index] {
					announced[tc.Index] = true
					events <- Event{Type: EventToolInputStart, ToolCallID: tc.ID, ToolName: tc.Function.Name}
				}
			}
		}
		if err := stream.Err(); err != nil {
			return fmt.Errorf("gateway streaming error: %w", err)
		}

		if len(acc.Choices) > 0 {
			for _, tc := range acc.Choices[0].Message.ToolCalls {
				call := ToolCall{
					ID:        tc.ID,
					Name:      tc.Function.Name,
					Arguments: toolInputToRaw(tc.Function.Arguments),
				}
				events <- Event{Type: EventToolCall, Tool: &call}
			}
		}
		if usage != nil {
			events <- Event{Type: EventUsage, Use: usage}
		}
		events <- Event{Type: EventDone, FinishReason: gatewayFinishReason(finishReason)}
		return nil
	}), nil
}

func (p *GatewayProvider) params(req Request) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(chooseModel(req.Model, p.model)),
		Messages: buildGatewayMessages(req.Messages),
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}
	if req.MaxOutputTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxOutputTokens))
	}
	if len(req.Tools) > 0 {
		params.Tools = buildGatewayTools(req.Tools)
	}
	if req.ThinkingBudget > 0 {
		params.SetExtraFields(map[string]any{"providerOptions": gatewayThinking(req.ThinkingBudget)})
	}
	return params
}

// gatewayThinking is the gateway's per-vendor option enabling extended
// thinking. Only Anthropic models accept it; the catalog sets a budget
// for nothing else.
func gatewayThinking(budget int) map[string]any {
	return map[string]any{
		"anthropic": map[string]any{
			"thinking": map[string]any{"type": "enabled", "budgetTokens": budget},
		},
	}
}

// gatewayReasoning extracts reasoning text from a raw delta. Gateways use
// either "reasoning" or "reasoning_content".
func gatewayReasoning(raw string) string {
	if raw == "" {
		return ""
	}
	if r := gjson.Get(raw, "reasoning"); r.Type == gjson.String {
		return r.String()
	}
	return gjson.Get(raw, "reasoning_content").String()
}

func gatewayFinishReason(reason string) string {
	switch reason {
	case "tool_calls", "function_call":
		return "tool-calls"
	case "content_filter":
		return "content-filter"
	}
	return reason
}

func buildGatewayMessages(messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			if text := collectTextParts(msg.Parts); text != "" {
				out = append(out, openai.SystemMessage(text))
			}
		case RoleUser:
			if text := collectTextParts(msg.Parts); text != "" {
				out = append(out, openai.UserMessage(text))
			}
		case RoleAssistant:
			calls := toolCallsOf(msg)
			text := collectTextParts(msg.Parts)
			if len(calls) == 0 {
				if text != "" {
					out = append(out, openai.AssistantMessage(text))
				}
				continue
			}
			assistant := openai.ChatCompletionAssistantMessageParam{}
			if text != "" {
				assistant.Content = openai.ChatCompletionAssistantMessageParamContentUnion{OfString: openai.String(text)}
			}
			for _, call := range calls {
				assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: call.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      call.Name,
						Arguments: string(call.Arguments),
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		case RoleTool:
			for _, part := range msg.Parts {
				if part.Type == PartToolResult && part.ToolResult != nil {
					out = append(out, openai.ToolMessage(part.ToolResult.Content, part.ToolResult.ID))
				}
			}
		}
	}
	return out
}

func buildGatewayTools(specs []ToolSpec) []openai.ChatCompletionToolParam {
	tools := make([]openai.ChatCompletionToolParam, 0, len(specs))
	for _, spec := range specs {
		fn := shared.FunctionDefinitionParam{
			Name:       spec.Name,
			Parameters: shared.FunctionParameters(spec.Schema),
		}
		if spec.Description != "" {
			fn.Description = openai.String(spec.Description)
		}
		tools = append(tools, openai.ChatCompletionToolParam{Function: fn})
	}
	return tools
}
