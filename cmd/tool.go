package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/samsaffron/forumchat/internal/forumtools"
	"github.com/samsaffron/forumchat/internal/signal"
	"github.com/spf13/cobra"
)

var toolCmd = &cobra.Command{
	Use:   "tool <name> [json-args]",
	Short: "Run one retrieval tool directly",
	Long: `Invoke a forum retrieval tool without a model, printing what the model
would see. Arguments are a JSON object; omit them for tools that need none.

Tools:
  searchForum, browseForum, readForumPost, getSourceContent, grepForum, webSearch

Examples:
  forumchat tool searchForum '{"query":"vim mode"}'
  forumchat tool browseForum
  forumchat tool grepForum '{"pattern":"keybinding","outputMode":"count"}'`,
	Args:              cobra.RangeArgs(1, 2),
	ValidArgsFunction: toolCompletion,
	RunE:              runTool,
}

func init() {
	rootCmd.AddCommand(toolCmd)
}

func runTool(cmd *cobra.Command, args []string) error {
	name := args[0]
	if _, ok := forumtools.ParseKind(name); !ok {
		return fmt.Errorf("unknown tool %q", name)
	}
	raw := json.RawMessage("{}")
	if len(args) == 2 && strings.TrimSpace(args[1]) != "" {
		raw = json.RawMessage(args[1])
		if !json.Valid(raw) {
			return fmt.Errorf("arguments are not valid JSON")
		}
	}

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context())
	defer stop()

	out, err := newTools(cfg, logger).Invoke(ctx, name, raw)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), out)
	return nil
}

func toolCompletion(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) > 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	var names []string
	for _, k := range forumtools.Kinds() {
		if strings.HasPrefix(k.Name(), toComplete) {
			names = append(names, k.Name())
		}
	}
	return names, cobra.ShellCompDirectiveNoFileComp
}
