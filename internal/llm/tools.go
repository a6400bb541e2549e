package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
)

// ToolOutput is the content a tool hands back to the model.
type ToolOutput struct {
	Content string
}

// TextOutput wraps plain text as a ToolOutput.
func TextOutput(s string) ToolOutput {
	return ToolOutput{Content: s}
}

// ToolExecutor is what the engine dispatches tool calls to. Prepare decodes
// and validates a call without side effects; a prepare error fails the call
// before it ever starts executing.
type ToolExecutor interface {
	Specs() []ToolSpec
	Prepare(call ToolCall) (PreparedCall, error)
}

// PreparedCall is a validated tool call ready to run.
type PreparedCall interface {
	Execute(ctx context.Context) (ToolOutput, error)
	// Preview is a short human-readable summary of the input.
	Preview() string
}

// Tool describes a callable external tool.
type Tool interface {
	Spec() ToolSpec
	Execute(ctx context.Context, args json.RawMessage) (ToolOutput, error)
	// Preview returns a human-readable description of what the tool will do.
	// Returns empty string if no preview is available.
	Preview(args json.RawMessage) string
}

// ToolRegistry stores tools by name for execution. It is the generic
// ToolExecutor; closed tool sets implement ToolExecutor directly.
type ToolRegistry struct {
	tools map[string]Tool
}

func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]Tool)}
}

func (r *ToolRegistry) Register(tool Tool) {
	r.tools[tool.Spec().Name] = tool
}

func (r *ToolRegistry) Get(name string) (Tool, bool) {
	tool, ok := r.tools[name]
	return tool, ok
}

// Specs returns the specs for all registered tools, sorted by name.
func (r *ToolRegistry) Specs() []ToolSpec {
	specs := make([]ToolSpec, 0, len(r.tools))
	for _, tool := range r.tools {
		specs = append(specs, tool.Spec())
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// Prepare looks the tool up by name.
func (r *ToolRegistry) Prepare(call ToolCall) (PreparedCall, error) {
	tool, ok := r.tools[call.Name]
	if !ok {
		return nil, fmt.Errorf("unknown tool: %s", call.Name)
	}
	return registryCall{tool: tool, args: call.Arguments}, nil
}

type registryCall struct {
	tool Tool
	args json.RawMessage
}

func (c registryCall) Execute(ctx context.Context) (ToolOutput, error) {
	return c.tool.Execute(ctx, c.args)
}

func (c registryCall) Preview() string {
	return c.tool.Preview(c.args)
}
