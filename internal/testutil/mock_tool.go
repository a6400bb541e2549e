// Package testutil has fakes shared by package tests.
package testutil

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/samsaffron/forumchat/internal/llm"
)

// MockTool is an llm.Tool whose behaviour is set by ExecuteFn. Calls may
// arrive concurrently.
type MockTool struct {
	SpecData  llm.ToolSpec
	ExecuteFn func(ctx context.Context, args json.RawMessage) (llm.ToolOutput, error)

	mu    sync.Mutex
	calls []json.RawMessage
}

// NewMockTool returns a tool named name that always answers result.
func NewMockTool(name, result string) *MockTool {
	return &MockTool{
		SpecData: llm.ToolSpec{
			Name:        name,
			Description: "test tool " + name,
			Schema:      map[string]interface{}{"type": "object", "properties": map[string]interface{}{}},
		},
		ExecuteFn: func(context.Context, json.RawMessage) (llm.ToolOutput, error) {
			return llm.TextOutput(result), nil
		},
	}
}

func (m *MockTool) Spec() llm.ToolSpec { return m.SpecData }

func (m *MockTool) Preview(args json.RawMessage) string { return string(args) }

func (m *MockTool) Execute(ctx context.Context, args json.RawMessage) (llm.ToolOutput, error) {
	m.mu.Lock()
	m.calls = append(m.calls, args)
	m.mu.Unlock()
	if m.ExecuteFn == nil {
		return llm.ToolOutput{}, nil
	}
	return m.ExecuteFn(ctx, args)
}

// Calls returns the arguments of every call so far, oldest first.
func (m *MockTool) Calls() []json.RawMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]json.RawMessage(nil), m.calls...)
}
