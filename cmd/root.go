package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/lmittmann/tint"
	"github.com/samsaffron/forumchat/internal/config"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// Version is set at build time.
var Version = "dev"

var (
	logLevelFlag string
	debugFlag    bool
	modelFlag    string
	promptFlag   string
)

var rootCmd = &cobra.Command{
	Use:   "forumchat",
	Short: "Answer questions from the Cursor community forum",
	Long: `forumchat answers questions by letting a model search, browse and read
the Cursor community forum, then cite what it found.

Examples:
  forumchat ask "how do I enable vim mode?"
  forumchat chat
  forumchat serve --port 8080
  forumchat tool searchForum '{"query":"vim mode"}'
  forumchat usage --days 7`,
	Version:           Version,
	SilenceUsage:      true,
	CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Log level (debug, info, warn, error); overrides config")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "Shorthand for --log-level debug")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// addModelFlags registers the flags shared by commands that run the loop.
func addModelFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&modelFlag, "model", "m", "", "Model id from the allow-list (see 'forumchat models')")
	cmd.Flags().StringVar(&promptFlag, "system", "", "Replace the base system prompt")
	cmd.RegisterFlagCompletionFunc("model", modelCompletion)
}

// loadConfig loads config and sets up the process logger.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	cfg.ApplyOverrides(modelFlag, promptFlag)
	if modelFlag != "" {
		if _, ok := cfg.LookupModel(modelFlag); !ok {
			return nil, nil, fmt.Errorf("unknown model %q (see 'forumchat models')", modelFlag)
		}
	}

	level := cfg.LogLevel
	if logLevelFlag != "" {
		level = logLevelFlag
	}
	if debugFlag {
		level = "debug"
	}
	logger := newLogger(os.Stderr, parseLevel(level))
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	noColor := true
	if f, ok := w.(*os.File); ok {
		noColor = !term.IsTerminal(int(f.Fd()))
	}
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: "15:04:05.000",
		NoColor:    noColor,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Value.Kind() == slog.KindAny {
				if _, ok := a.Value.Any().(error); ok {
					return tint.Attr(9, a)
				}
			}
			return a
		},
	}))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func modelCompletion(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	cfg, err := config.Load()
	if err != nil {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	var ids []string
	for _, m := range cfg.Models {
		if strings.HasPrefix(m.ID, toComplete) {
			ids = append(ids, m.ID)
		}
	}
	return ids, cobra.ShellCompDirectiveNoFileComp
}
