// Package progress projects the engine's event stream into progress
// snapshots for status lines and streaming clients.
package progress

import (
	"sync"

	"github.com/samsaffron/forumchat/internal/forumtools"
	"github.com/samsaffron/forumchat/internal/llm"
)

// Snapshot is the progress of one run at a point in time.
type Snapshot struct {
	// Seq increases with every published snapshot, across runs.
	Seq   uint64 `json:"seq"`
	RunID string `json:"runId,omitempty"`
	State string `json:"state"`
	// StepCount is the number of tool invocations observed in the run.
	StepCount int `json:"stepCount"`
	MaxSteps  int `json:"maxSteps"`
	// CurrentTool is the most recent invocation that has not settled.
	CurrentTool        string `json:"currentTool,omitempty"`
	CurrentToolDisplay string `json:"currentToolDisplay,omitempty"`
	TextStreaming      bool   `json:"textStreaming"`
	ReasoningStreaming bool   `json:"reasoningStreaming"`
	Attempt            int    `json:"attempt,omitempty"`
}

type pendingTool struct {
	id   string
	name string
}

// Tracker consumes events and publishes snapshots. It only reads events;
// it never touches the conversation.
type Tracker struct {
	mu       sync.Mutex
	snap     Snapshot
	seen     map[string]bool
	pending  []pendingTool
	subs     map[int]chan Snapshot
	nextSub  int
	maxSteps int
}

// New returns a tracker for runs bounded by maxSteps.
func New(maxSteps int) *Tracker {
	t := &Tracker{subs: make(map[int]chan Snapshot), maxSteps: maxSteps}
	t.resetLocked("")
	return t
}

// Reset starts tracking a new run. Counters go back to zero; Seq keeps
// increasing so subscribers never see it go backwards.
func (t *Tracker) Reset(runID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resetLocked(runID)
	t.publishLocked()
}

// SetAttempt records the retry attempt about to run.
func (t *Tracker) SetAttempt(attempt int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap.Attempt = attempt
	t.publishLocked()
}

func (t *Tracker) resetLocked(runID string) {
	seq := t.snap.Seq
	t.snap = Snapshot{Seq: seq, RunID: runID, State: llm.StateIdle.String(), MaxSteps: t.maxSteps}
	t.seen = make(map[string]bool)
	t.pending = nil
}

// Observe folds one event into the current snapshot and publishes the
// result when anything changed.
func (t *Tracker) Observe(e llm.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	before := t.snap
	switch e.Type {
	case llm.EventState:
		t.snap.State = e.State.String()
		if e.State != llm.StateStreaming {
			t.snap.TextStreaming = false
			t.snap.ReasoningStreaming = false
		}
		if e.State.Terminal() {
			t.pending = nil
		}
	case llm.EventTextDelta:
		t.snap.TextStreaming = true
		t.snap.ReasoningStreaming = false
	case llm.EventReasoningDelta:
		t.snap.ReasoningStreaming = true
		t.snap.TextStreaming = false
	case llm.EventToolInputStart, llm.EventToolCall, llm.EventToolExecStart:
		id, name := e.ToolCallID, e.ToolName
		if e.Tool != nil {
			id, name = e.Tool.ID, e.Tool.Name
		}
		t.startTool(id, name)
	case llm.EventToolExecEnd:
		t.endTool(e.ToolCallID)
	case llm.EventRetry:
		t.snap.Attempt = e.RetryAttempt
	}
	t.snap.CurrentTool, t.snap.CurrentToolDisplay = "", ""
	if n := len(t.pending); n > 0 {
		t.snap.CurrentTool = t.pending[n-1].name
		t.snap.CurrentToolDisplay = forumtools.DisplayName(t.pending[n-1].name)
	}

	cmp := t.snap
	cmp.Seq = before.Seq
	if cmp != before {
		t.publishLocked()
	}
}

func (t *Tracker) startTool(id, name string) {
	if id == "" || t.seen[id] {
		return
	}
	t.seen[id] = true
	t.snap.StepCount++
	t.snap.TextStreaming = false
	t.snap.ReasoningStreaming = false
	t.pending = append(t.pending, pendingTool{id: id, name: name})
}

func (t *Tracker) endTool(id string) {
	for i, p := range t.pending {
		if p.id == id {
			t.pending = append(t.pending[:i], t.pending[i+1:]...)
			return
		}
	}
}

// Snapshot returns the current snapshot.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snap
}

// Subscribe returns a channel receiving snapshots published from now on,
// starting with the current one. A slow subscriber only misses
// intermediate snapshots; the newest one always replaces an unread one.
// The returned func unsubscribes and closes the channel.
func (t *Tracker) Subscribe() (<-chan Snapshot, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan Snapshot, 1)
	id := t.nextSub
	t.nextSub++
	t.subs[id] = ch
	ch <- t.snap

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			delete(t.subs, id)
			close(ch)
		})
	}
}

func (t *Tracker) publishLocked() {
	t.snap.Seq++
	for _, ch := range t.subs {
		select {
		case ch <- t.snap:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- t.snap
		}
	}
}
