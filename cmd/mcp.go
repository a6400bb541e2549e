package cmd

import (
	"github.com/samsaffron/forumchat/internal/mcp"
	"github.com/samsaffron/forumchat/internal/signal"
	"github.com/spf13/cobra"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the forum tools over MCP on stdio",
	Long: `Run a Model Context Protocol server on stdin/stdout exposing the forum
retrieval tools, so other agents can search and read the forum.

Example client config:
  {"command": "forumchat", "args": ["mcp"]}`,
	Args: cobra.NoArgs,
	RunE: runMCP,
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func runMCP(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context())
	defer stop()
	return mcp.Serve(ctx, newTools(cfg, logger), Version, logger)
}
