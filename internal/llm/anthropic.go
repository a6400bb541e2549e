package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"
)

// AnthropicProvider implements Provider using the Anthropic Messages API.
type AnthropicProvider struct {
	client *anthropic.Client
	model  string
}

// NewAnthropicProvider creates a provider for model. SDK-level retries are
// disabled; failed runs are retried as a whole by the caller.
func NewAnthropicProvider(apiKey, baseURL, model string) (*AnthropicProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic: ANTHROPIC_API_KEY is not set")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := anthropic.NewClient(opts...)
	return &AnthropicProvider{client: &client, model: model}, nil
}

func (p *AnthropicProvider) Name() string {
	return fmt.Sprintf("Anthropic (%s)", p.model)
}

func (p *AnthropicProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	params := p.params(req)
	return newEventStream(ctx, func(ctx context.Context, events chan<- Event) error {
		stream := p.client.Messages.NewStreaming(ctx, params)
		defer stream.Close()

		turn := anthropicTurn{events: events, tools: pendingToolUses{}}
		for stream.Next() {
			turn.handle(stream.Current().AsAny())
		}
		if err := stream.Err(); err != nil {
			return fmt.Errorf("anthropic streaming error: %w", err)
		}
		turn.flushUsage()
		return nil
	}), nil
}

func (p *AnthropicProvider) params(req Request) anthropic.MessageNewParams {
	system, messages := buildAnthropicMessages(req.Messages)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(chooseModel(req.Model, p.model)),
		MaxTokens: maxTokens(req.MaxOutputTokens, 4096),
		Messages:  messages,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if len(req.Tools) > 0 {
		params.Tools = buildAnthropicTools(req.Tools)
	}
	// The thinking budget counts against max_tokens, so leave room for
	// the answer itself.
	if req.ThinkingBudget > 0 {
		params.MaxTokens = maxTokens(req.MaxOutputTokens, 16000)
		params.Thinking = anthropic.ThinkingConfigParamUnion{
			OfEnabled: &anthropic.ThinkingConfigEnabledParam{BudgetTokens: int64(req.ThinkingBudget)},
		}
	}
	return params
}

// anthropicTurn translates one Messages stream into engine events.
type anthropicTurn struct {
	events chan<- Event
	tools  pendingToolUses
	usage  Usage
}

// handle takes the variant returned by the stream event's AsAny.
func (t *anthropicTurn) handle(ev any) {
	switch v := ev.(type) {
	case anthropic.MessageStartEvent:
		t.usage.InputTokens = int(v.Message.Usage.InputTokens)

	case anthropic.ContentBlockStartEvent:
		switch block := v.ContentBlock.AsAny().(type) {
		case anthropic.ThinkingBlock:
			t.reasoning(block.Thinking, block.Signature)
		case anthropic.ToolUseBlock:
			t.tools.open(v.Index, ToolCall{ID: block.ID, Name: block.Name, Arguments: toolInputToRaw(block.Input)})
			t.events <- Event{Type: EventToolInputStart, ToolCallID: block.ID, ToolName: block.Name}
		}

	case anthropic.ContentBlockDeltaEvent:
		switch d := v.Delta.AsAny().(type) {
		case anthropic.TextDelta:
			if d.Text != "" {
				t.events <- Event{Type: EventTextDelta, Text: d.Text}
			}
		case anthropic.ThinkingDelta:
			t.reasoning(d.Thinking, "")
		case anthropic.SignatureDelta:
			t.reasoning("", d.Signature)
		case anthropic.InputJSONDelta:
			t.tools.add(v.Index, d.PartialJSON)
		}

	case anthropic.ContentBlockStopEvent:
		if call, ok := t.tools.close(v.Index); ok {
			t.events <- Event{Type: EventToolCall, Tool: &call}
		}

	case anthropic.MessageDeltaEvent:
		if v.Usage.InputTokens > 0 {
			t.usage.InputTokens = int(v.Usage.InputTokens)
		}
		t.usage.OutputTokens = int(v.Usage.OutputTokens)
		if v.Delta.StopReason != "" {
			t.flushUsage()
			t.events <- Event{Type: EventDone, FinishReason: anthropicFinishReason(string(v.Delta.StopReason))}
		}
	}
}

func (t *anthropicTurn) reasoning(text, signature string) {
	if text != "" || signature != "" {
		t.events <- Event{Type: EventReasoningDelta, Text: text, Signature: signature}
	}
}

// flushUsage reports usage gathered since the last flush, if any.
func (t *anthropicTurn) flushUsage() {
	if t.usage == (Usage{}) {
		return
	}
	reported := t.usage
	t.usage = Usage{}
	t.events <- Event{Type: EventUsage, Use: &reported}
}

// anthropicFinishReason maps a stop reason onto the shared vocabulary.
func anthropicFinishReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "tool_use":
		return "tool-calls"
	case "max_tokens":
		return "length"
	}
	return reason
}

func buildAnthropicMessages(messages []Message) (string, []anthropic.MessageParam) {
	system, rest := splitSystem(messages)
	var out []anthropic.MessageParam

	for _, msg := range rest {
		switch msg.Role {
		case RoleUser, RoleTool:
			blocks := buildAnthropicBlocks(msg.Parts, false)
			if len(blocks) == 0 {
				continue
			}
			// Consecutive tool results go back in a single user turn.
			if n := len(out); n > 0 && out[n-1].Role == anthropic.MessageParamRoleUser && msg.Role == RoleTool {
				out[n-1].Content = append(out[n-1].Content, blocks...)
				continue
			}
			out = append(out, anthropic.NewUserMessage(blocks...))
		case RoleAssistant:
			blocks := buildAnthropicBlocks(msg.Parts, true)
			if len(blocks) > 0 {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}
		}
	}
	return system, out
}

func buildAnthropicBlocks(parts []Part, assistant bool) []anthropic.ContentBlockParamUnion {
	blocks := make([]anthropic.ContentBlockParamUnion, 0, len(parts))
	for _, part := range parts {
		switch part.Type {
		case PartReasoning:
			// Unsigned reasoning cannot be replayed.
			if assistant && part.Signature != "" {
				blocks = append(blocks, anthropic.NewThinkingBlock(part.Signature, part.Text))
			}
		case PartText:
			if part.Text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(part.Text))
			}
		case PartToolCall:
			if assistant && part.ToolCall != nil {
				blocks = append(blocks, anthropic.NewToolUseBlock(part.ToolCall.ID, part.ToolCall.Arguments, part.ToolCall.Name))
			}
		case PartToolResult:
			if part.ToolResult != nil {
				blocks = append(blocks, toolResultBlock(part.ToolResult))
			}
		}
	}
	return blocks
}

func toolResultBlock(result *ToolResult) anthropic.ContentBlockParamUnion {
	text := result.Content
	if text == "" {
		text = "(empty)"
	}
	block := anthropic.ToolResultBlockParam{
		ToolUseID: result.ID,
		IsError:   anthropic.Bool(result.IsError),
		Content: []anthropic.ToolResultBlockParamContentUnion{
			{OfText: &anthropic.TextBlockParam{Text: text}},
		},
	}
	return anthropic.ContentBlockParamUnion{OfToolResult: &block}
}

func buildAnthropicTools(specs []ToolSpec) []anthropic.ToolUnionParam {
	tools := make([]anthropic.ToolUnionParam, 0, len(specs))
	for _, spec := range specs {
		inputSchema := anthropic.ToolInputSchemaParam{
			Type:       constant.Object("object"),
			Properties: spec.Schema["properties"],
			Required:   schemaRequired(spec.Schema),
		}
		tool := anthropic.ToolUnionParamOfTool(inputSchema, spec.Name)
		if spec.Description != "" {
			tool.OfTool.Description = anthropic.String(spec.Description)
		}
		tools = append(tools, tool)
	}
	return tools
}

func toolInputToRaw(input any) json.RawMessage {
	switch v := input.(type) {
	case nil:
		return nil
	case json.RawMessage:
		return v
	case []byte:
		return json.RawMessage(v)
	case string:
		return json.RawMessage(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		return json.RawMessage(data)
	}
}

// pendingToolUses collects the input JSON of tool_use blocks, keyed by
// content block index, until each block stops.
type pendingToolUses map[int64]*pendingToolUse

type pendingToolUse struct {
	call  ToolCall
	input strings.Builder
}

func (p pendingToolUses) open(index int64, call ToolCall) {
	p[index] = &pendingToolUse{call: call}
}

func (p pendingToolUses) add(index int64, partial string) {
	if pending, ok := p[index]; ok {
		pending.input.WriteString(partial)
	}
}

// close returns the finished call. Streamed input wins over whatever the
// start block carried; empty input is sent as-is.
func (p pendingToolUses) close(index int64) (ToolCall, bool) {
	pending, ok := p[index]
	if !ok {
		return ToolCall{}, false
	}
	delete(p, index)
	call := pending.call
	if pending.input.Len() > 0 {
		call.Arguments = json.RawMessage(pending.input.String())
	}
	return call, true
}

func maxTokens(requested, fallback int) int64 {
	if requested > 0 {
		return int64(requested)
	}
	return int64(fallback)
}

func chooseModel(requested, fallback string) string {
	if requested != "" {
		return requested
	}
	return fallback
}

func schemaRequired(schema map[string]interface{}) []string {
	switch v := schema["required"].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
