// Package mcp serves the forum retrieval tools over the Model Context
// Protocol.
package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/samsaffron/forumchat/internal/llm"
)

// Invoker runs tools by name.
type Invoker interface {
	Specs() []llm.ToolSpec
	Invoke(ctx context.Context, name string, args json.RawMessage) (string, error)
}

// NewServer returns an MCP server exposing every tool of tools.
func NewServer(tools Invoker, version string, logger *slog.Logger) *sdkmcp.Server {
	if logger == nil {
		logger = slog.Default()
	}
	server := sdkmcp.NewServer(&sdkmcp.Implementation{
		Name:    "forumchat",
		Title:   "Cursor forum retrieval",
		Version: version,
	}, &sdkmcp.ServerOptions{Logger: logger})

	for _, spec := range tools.Specs() {
		server.AddTool(&sdkmcp.Tool{
			Name:        spec.Name,
			Description: spec.Description,
			InputSchema: spec.Schema,
		}, handler(tools, logger))
	}
	return server
}

func handler(tools Invoker, logger *slog.Logger) sdkmcp.ToolHandler {
	return func(ctx context.Context, req *sdkmcp.CallToolRequest) (*sdkmcp.CallToolResult, error) {
		start := time.Now()
		name := req.Params.Name
		out, err := tools.Invoke(ctx, name, req.Params.Arguments)
		if err != nil {
			logger.Debug("mcp tool failed", "tool", name, "error", err)
			return &sdkmcp.CallToolResult{
				Content: []sdkmcp.Content{&sdkmcp.TextContent{Text: "Error: " + err.Error()}},
				IsError: true,
			}, nil
		}
		logger.Debug("mcp tool", "tool", name, "duration", time.Since(start))
		return &sdkmcp.CallToolResult{
			Content: []sdkmcp.Content{&sdkmcp.TextContent{Text: out}},
		}, nil
	}
}

// Serve runs the server on stdin/stdout until ctx is done or the client
// disconnects.
func Serve(ctx context.Context, tools Invoker, version string, logger *slog.Logger) error {
	return NewServer(tools, version, logger).Run(ctx, &sdkmcp.StdioTransport{})
}
