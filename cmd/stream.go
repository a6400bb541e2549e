package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/samsaffron/forumchat/internal/chat"
	"github.com/samsaffron/forumchat/internal/llm"
	"github.com/samsaffron/forumchat/internal/progress"
	"github.com/samsaffron/forumchat/internal/session"
	"github.com/samsaffron/forumchat/internal/ui"
	"golang.org/x/term"
)

// statusPrinter owns the transient status line on stderr. Permanent lines
// are printed above it.
type statusPrinter struct {
	mu      sync.Mutex
	w       io.Writer
	enabled bool
	shown   bool
	width   int
}

func newStatusPrinter(w io.Writer) *statusPrinter {
	p := &statusPrinter{w: w}
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		p.enabled = true
		if width, _, err := term.GetSize(int(f.Fd())); err == nil {
			p.width = width
		}
	}
	return p
}

func (p *statusPrinter) Status(line string) {
	if !p.enabled {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprint(p.w, "\r\033[K"+ui.FitWidth(line, p.width-1))
	p.shown = line != ""
}

func (p *statusPrinter) Println(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clearLocked()
	fmt.Fprintln(p.w, line)
}

func (p *statusPrinter) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clearLocked()
}

func (p *statusPrinter) clearLocked() {
	if p.shown {
		fmt.Fprint(p.w, "\r\033[K")
		p.shown = false
	}
}

// turnPrinter streams one submission to the terminal.
type turnPrinter struct {
	out     io.Writer
	status  *statusPrinter
	render  bool
	verbose bool
	stats   *ui.SessionStats

	streamed atomic.Bool
}

func (t *turnPrinter) emit(ev llm.Event) {
	if t.stats != nil {
		t.stats.Observe(ev)
	}
	switch ev.Type {
	case llm.EventTextDelta:
		if t.render {
			return
		}
		if !t.streamed.Swap(true) {
			t.status.Clear()
		}
		fmt.Fprint(t.out, ev.Text)
	case llm.EventToolExecEnd:
		if ev.ToolSkipped || !t.verbose {
			return
		}
		t.status.Println(ui.ToolLine(ev))
	case llm.EventRetry:
		t.status.Println(ui.RetryLine(ev))
	}
}

// submit runs one turn with a live status line and prints the answer.
func submit(ctx context.Context, runner *chat.Runner, conv *session.Conversation, maxSteps int, t *turnPrinter, opts chat.SubmitOptions) (*chat.Outcome, error) {
	t.streamed.Store(false)
	tracker := progress.New(maxSteps)
	snaps, unsubscribe := tracker.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for s := range snaps {
			if t.streamed.Load() {
				continue
			}
			t.status.Status(ui.StatusLine(s))
		}
	}()

	opts.Progress = tracker
	out, err := runner.Submit(ctx, conv, opts, t.emit)
	unsubscribe()
	<-done
	t.status.Clear()

	if out != nil {
		text := strings.TrimSpace(out.Turn.Text())
		switch {
		case t.render && text != "":
			fmt.Fprintln(t.out, ui.RenderMarkdown(text, terminalWidth()))
		case t.streamed.Load():
			fmt.Fprintln(t.out)
		}
		if t.stats != nil {
			t.stats.AddTurn()
		}
	}
	return out, err
}

func terminalWidth() int {
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		return min(w, ui.DefaultWidth)
	}
	return ui.DefaultWidth
}

func stdoutIsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}
