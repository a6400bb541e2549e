package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/samsaffron/forumchat/internal/chat"
	"github.com/samsaffron/forumchat/internal/llm"
	"github.com/samsaffron/forumchat/internal/session"
	"github.com/samsaffron/forumchat/internal/signal"
	"github.com/samsaffron/forumchat/internal/ui"
	"github.com/spf13/cobra"
)

var (
	chatNoRender bool
	chatVerbose  bool
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Ask follow-up questions in one conversation",
	Long: `Start an interactive conversation. Each line is a question; the
conversation is kept so follow-ups have context.

Commands:
  /retry        answer the last question again
  /clear        start a new conversation
  /model <id>   switch model
  /quit         exit

Ctrl-C stops the answer in progress. At the prompt it exits.`,
	Args: cobra.NoArgs,
	RunE: runChat,
}

func init() {
	rootCmd.AddCommand(chatCmd)
	addModelFlags(chatCmd)
	chatCmd.Flags().BoolVar(&chatNoRender, "no-render", false, "Stream raw markdown instead of rendering it")
	chatCmd.Flags().BoolVarP(&chatVerbose, "verbose", "v", false, "Print each tool call as it settles")
}

type chatSession struct {
	app     *app
	conv    *session.Conversation
	model   string
	printer *turnPrinter
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	interrupts, stopInterrupts := signal.Interrupts()
	defer stopInterrupts()

	s := &chatSession{
		app:   a,
		conv:  session.New(),
		model: cfg.ResolveModel(modelFlag).ID,
		printer: &turnPrinter{
			out:     os.Stdout,
			status:  newStatusPrinter(os.Stderr),
			render:  !chatNoRender && stdoutIsTerminal(),
			verbose: chatVerbose,
			stats:   ui.NewSessionStats(),
		},
	}
	fmt.Fprintf(os.Stderr, "forumchat %s · %s · /quit to exit\n", Version, s.model)

	lines := readLines(cmd.InOrStdin())
	for {
		fmt.Fprint(os.Stderr, "> ")
		var line string
		select {
		case l, ok := <-lines:
			if !ok {
				fmt.Fprintln(os.Stderr)
				return nil
			}
			line = strings.TrimSpace(l)
		case <-interrupts:
			fmt.Fprintln(os.Stderr)
			return nil
		}
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			quit, err := s.command(cmd.Context(), line, interrupts)
			if err != nil {
				fmt.Fprintln(os.Stderr, ui.ErrorLine(err))
			}
			if quit {
				s.printer.stats.Finalize()
				fmt.Fprintln(os.Stderr, s.printer.stats.Render())
				return nil
			}
			continue
		}
		s.ask(cmd.Context(), line, interrupts)
	}
}

// readLines feeds stdin lines to a channel so the prompt can also wait
// for Ctrl-C.
func readLines(r io.Reader) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for sc.Scan() {
			ch <- sc.Text()
		}
	}()
	return ch
}

func (s *chatSession) command(ctx context.Context, line string, interrupts <-chan os.Signal) (bool, error) {
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch name {
	case "/quit", "/exit", "/q":
		return true, nil
	case "/clear":
		s.conv = session.New()
		fmt.Fprintln(os.Stderr, ui.CurrentStyles().Muted.Render("(new conversation)"))
	case "/retry":
		if s.conv.Len() == 0 {
			return false, errors.New("nothing to retry")
		}
		if !s.conv.AwaitingAnswer() {
			// Drop the last answer and ask again.
			s.conv = s.conv.Fork(s.conv.Len() - 1)
		}
		s.answer(ctx, interrupts)
	case "/model":
		if arg == "" {
			fmt.Fprintln(os.Stderr, s.model)
			return false, nil
		}
		if _, ok := s.app.cfg.LookupModel(arg); !ok {
			return false, fmt.Errorf("unknown model %q", arg)
		}
		s.model = arg
	default:
		return false, fmt.Errorf("unknown command %s", name)
	}
	return false, nil
}

func (s *chatSession) ask(ctx context.Context, question string, interrupts <-chan os.Signal) {
	if s.conv.AwaitingAnswer() {
		// The previous question was never answered; replace it.
		s.conv = s.conv.Fork(s.conv.Len() - 1)
	}
	if _, err := s.conv.AppendUserText(question); err != nil {
		fmt.Fprintln(os.Stderr, ui.ErrorLine(err))
		return
	}
	s.answer(ctx, interrupts)
}

func (s *chatSession) answer(ctx context.Context, interrupts <-chan os.Signal) {
	convID := s.conv.ID
	done := make(chan struct{})
	go func() {
		select {
		case <-interrupts:
			s.app.runner.StopConversation(convID)
		case <-done:
		}
	}()

	out, err := submit(ctx, s.app.runner, s.conv, s.app.cfg.Loop.MaxSteps, s.printer, chat.SubmitOptions{Model: s.model})
	close(done)

	switch {
	case errors.Is(err, llm.ErrCancelled):
		fmt.Fprintln(os.Stderr, ui.CurrentStyles().Muted.Render("(stopped)"))
	case err != nil:
		fmt.Fprintln(os.Stderr, ui.ErrorLine(err))
		fmt.Fprintln(os.Stderr, ui.CurrentStyles().Muted.Render("/retry to try again"))
	case out != nil && chatVerbose:
		fmt.Fprintln(os.Stderr, ui.RecordLine(out.Record))
	}
}
