package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/samsaffron/forumchat/internal/chat"
	"github.com/samsaffron/forumchat/internal/llm"
	"github.com/samsaffron/forumchat/internal/prompt"
	"github.com/samsaffron/forumchat/internal/session"
	"github.com/samsaffron/forumchat/internal/signal"
	"github.com/samsaffron/forumchat/internal/ui"
	"github.com/spf13/cobra"
)

var (
	askJSON     bool
	askNoRender bool
	askStats    bool
	askVerbose  bool
	askAttach   []string
)

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Answer one question from the forum",
	Long: `Ask a single question. The model searches the forum, reads the relevant
threads and answers with citations.

Use "-" or pipe the question on stdin to read it from there.

Examples:
  forumchat ask "how do I enable vim mode?"
  forumchat ask --model xai/grok-4-fast-reasoning "why is tab completion slow?"
  forumchat ask --attach https://example.com/shot.png "what is this error?"
  echo "cursor rules not applied" | forumchat ask --json`,
	RunE: runAsk,
}

func init() {
	rootCmd.AddCommand(askCmd)
	addModelFlags(askCmd)
	askCmd.Flags().BoolVar(&askJSON, "json", false, "Print the answer and completion record as JSON")
	askCmd.Flags().BoolVar(&askNoRender, "no-render", false, "Stream raw markdown instead of rendering it")
	askCmd.Flags().BoolVar(&askStats, "stats", false, "Show the model/tool time split instead of the completion summary")
	askCmd.Flags().BoolVarP(&askVerbose, "verbose", "v", false, "Print each tool call as it settles")
	askCmd.Flags().StringArrayVar(&askAttach, "attach", nil, "Attachment URL to include with the question (repeatable)")
}

type askOutput struct {
	Answer string `json:"answer"`
	Record any    `json:"record"`
	Error  string `json:"error,omitempty"`
}

func runAsk(cmd *cobra.Command, args []string) error {
	question, err := readQuestion(args, cmd.InOrStdin())
	if err != nil {
		return err
	}

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context())
	defer stop()

	conv := session.New()
	if _, err := conv.AppendUserText(prompt.UserPrompt(question, askAttach)); err != nil {
		return err
	}

	printer := &turnPrinter{
		out:     os.Stdout,
		status:  newStatusPrinter(os.Stderr),
		render:  !askNoRender && stdoutIsTerminal(),
		verbose: askVerbose,
	}
	if askJSON {
		printer.out = io.Discard
		printer.render = false
	}
	if askStats {
		printer.stats = ui.NewSessionStats()
	}

	out, runErr := submit(ctx, a.runner, conv, cfg.Loop.MaxSteps, printer, chat.SubmitOptions{Model: modelFlag})

	if askJSON && out != nil {
		res := askOutput{Answer: out.Turn.Text(), Record: out.Record}
		if runErr != nil {
			res.Error = runErr.Error()
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	}
	if printer.stats != nil {
		printer.stats.Finalize()
		fmt.Fprintln(os.Stderr, printer.stats.Render())
	} else if !askJSON && out != nil && runErr == nil {
		fmt.Fprintln(os.Stderr, ui.RecordLine(out.Record))
	}

	if errors.Is(runErr, llm.ErrCancelled) {
		fmt.Fprintln(os.Stderr, ui.CurrentStyles().Muted.Render("(stopped)"))
		return nil
	}
	return runErr
}

// readQuestion joins args, or reads stdin when there are none or the only
// arg is "-".
func readQuestion(args []string, stdin io.Reader) (string, error) {
	if len(args) == 0 || (len(args) == 1 && args[0] == "-") {
		if f, ok := stdin.(*os.File); ok && len(args) == 0 {
			if info, err := f.Stat(); err == nil && info.Mode()&os.ModeCharDevice != 0 {
				return "", errors.New("no question given")
			}
		}
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		args = []string{string(data)}
	}
	q := strings.TrimSpace(strings.Join(args, " "))
	if q == "" {
		return "", errors.New("no question given")
	}
	return q, nil
}
