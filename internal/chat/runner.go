// Package chat runs user turns through the engine with retries, progress
// tracking and usage accounting.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samsaffron/forumchat/internal/config"
	"github.com/samsaffron/forumchat/internal/llm"
	"github.com/samsaffron/forumchat/internal/progress"
	"github.com/samsaffron/forumchat/internal/prompt"
	"github.com/samsaffron/forumchat/internal/session"
	"github.com/samsaffron/forumchat/internal/usage"
)

// ProviderFactory returns the provider serving a catalog model.
type ProviderFactory func(model config.ModelEntry) (llm.Provider, error)

// Options configures a Runner.
type Options struct {
	Config     *config.Config
	Providers  ProviderFactory
	Tools      llm.ToolExecutor
	Accountant *usage.Accountant
	Logger     *slog.Logger
	// EngineOptions are passed to every engine the runner builds.
	EngineOptions []llm.EngineOption
	// Sleep waits between attempts. It defaults to a timer that honours ctx.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

// Runner submits user turns. It serves many conversations concurrently
// but at most one run per conversation.
type Runner struct {
	cfg        *config.Config
	providers  ProviderFactory
	tools      llm.ToolExecutor
	accountant *usage.Accountant
	logger     *slog.Logger
	engineOpts []llm.EngineOption
	policy     llm.RetryPolicy
	sleep      func(ctx context.Context, d time.Duration) error
	now        func() time.Time

	mu      sync.Mutex
	active  map[string]context.CancelCauseFunc // by submission id
	busy    map[string]string                  // conversation id -> submission id
	retries map[string]RetryState
}

// RetryState is what a caller shows about a conversation's retries.
type RetryState struct {
	// Attempt is the retry currently pending or, after a failure, the
	// number of retries made. Zero after a successful run.
	Attempt   int
	LastError string
}

// NewRunner validates opts and returns a Runner.
func NewRunner(opts Options) (*Runner, error) {
	if opts.Config == nil {
		return nil, errors.New("chat: config is required")
	}
	if opts.Providers == nil {
		cfg := opts.Config
		opts.Providers = func(m config.ModelEntry) (llm.Provider, error) {
			return llm.NewProvider(cfg, m)
		}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Accountant == nil {
		opts.Accountant = usage.NewAccountant(opts.Logger)
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	policy := llm.DefaultRetryPolicy()
	policy.MaxRetries = max(opts.Config.Loop.MaxRetries, 0)
	if opts.Config.Loop.RetryBaseDelay > 0 {
		policy.BaseDelay = opts.Config.Loop.RetryBaseDelay
	}
	return &Runner{
		cfg:        opts.Config,
		providers:  opts.Providers,
		tools:      opts.Tools,
		accountant: opts.Accountant,
		logger:     opts.Logger,
		engineOpts: opts.EngineOptions,
		policy:     policy,
		sleep:      opts.Sleep,
		now:        opts.Now,
		active:     make(map[string]context.CancelCauseFunc),
		busy:       make(map[string]string),
		retries:    make(map[string]RetryState),
	}, nil
}

// Models returns the model allow-list.
func (r *Runner) Models() []config.ModelEntry {
	return append([]config.ModelEntry(nil), r.cfg.Models...)
}

// DefaultModel returns the model used when a request names none.
func (r *Runner) DefaultModel() config.ModelEntry {
	return r.cfg.ResolveModel("")
}

// SubmitOptions tunes one submission.
type SubmitOptions struct {
	// ID identifies the submission for Stop. Generated when empty.
	ID string
	// Model is a catalog id; unknown ids fall back to the default model.
	Model string
	// Progress, when set, is reset for every attempt and fed every event.
	Progress *progress.Tracker
}

// Outcome is the result of a submission that reached a terminal state.
type Outcome struct {
	ID       string
	Model    config.ModelEntry
	Turn     session.Turn
	Result   *llm.RunResult
	Record   usage.CompletionRecord
	Attempts int
}

// Submit answers the conversation's last user turn. Failed attempts with
// a retryable error are re-run from scratch against the same history. On
// success or stop the assistant turn is appended to conv; on failure conv
// is left untouched so the caller can retry or clear it. Exactly one
// CompletionRecord is emitted per call that reaches the model.
func (r *Runner) Submit(ctx context.Context, conv *session.Conversation, opts SubmitOptions, emit func(llm.Event)) (*Outcome, error) {
	if emit == nil {
		emit = func(llm.Event) {}
	}
	if !conv.AwaitingAnswer() {
		return nil, ErrNothingToAnswer
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if err := r.begin(conv.ID, opts.ID, cancel); err != nil {
		return nil, err
	}
	defer r.end(conv.ID, opts.ID)

	model := r.cfg.ResolveModel(opts.Model)
	provider, err := r.providers(model)
	if err != nil {
		return nil, fmt.Errorf("provider for %s: %w", model.ID, err)
	}
	engineOpts := []llm.EngineOption{
		llm.WithLogger(r.logger),
		llm.WithTelemetry(llm.Telemetry{
			FunctionID:    r.cfg.Telemetry.FunctionID,
			RecordInputs:  r.cfg.Telemetry.RecordInputs,
			RecordOutputs: r.cfg.Telemetry.RecordOutputs,
		}),
	}
	engine := llm.NewEngine(provider, r.tools, append(engineOpts, r.engineOpts...)...)

	messages := append([]llm.Message{llm.SystemText(prompt.SystemPrompt(r.cfg.SystemPrompt, r.now()))},
		session.ToMessages(conv.Turns())...)
	req := llm.RequestFor(model, messages, r.cfg.Loop.MaxSteps)

	out := &Outcome{ID: opts.ID, Model: model}
	builder := session.NewBuilder()
	startedAt := r.now()

	var (
		result *llm.RunResult
		runErr error
	)
	for retry := 0; ; retry++ {
		out.Attempts = retry + 1
		builder.Reset()
		if opts.Progress != nil {
			opts.Progress.Reset(opts.ID)
			opts.Progress.SetAttempt(retry)
		}

		result, runErr = engine.Run(ctx, req, func(e llm.Event) {
			builder.Apply(e)
			if opts.Progress != nil {
				opts.Progress.Observe(e)
			}
			emit(e)
		})
		if runErr == nil || errors.Is(runErr, llm.ErrCancelled) {
			break
		}
		if !r.policy.ShouldRetry(runErr, retry) {
			if retry > 0 && llm.IsRetryable(runErr) {
				runErr = &RetriesExhaustedError{Attempts: out.Attempts, Err: runErr}
			}
			r.setRetry(conv.ID, RetryState{Attempt: retry, LastError: runErr.Error()})
			break
		}

		attempt := retry + 1
		delay := r.policy.Delay(attempt)
		r.setRetry(conv.ID, RetryState{Attempt: attempt, LastError: runErr.Error()})
		r.logger.Warn("retrying run",
			"submission", opts.ID,
			"attempt", attempt,
			"max_attempts", r.policy.MaxRetries,
			"delay", delay,
			"error_kind", llm.ClassifyError(runErr),
			"error", runErr,
		)
		retryEvent := llm.Event{
			Type:             llm.EventRetry,
			RetryAttempt:     attempt,
			RetryMaxAttempts: r.policy.MaxRetries,
			RetryWaitSecs:    delay.Seconds(),
			Err:              runErr,
		}
		if opts.Progress != nil {
			opts.Progress.Observe(retryEvent)
		}
		emit(retryEvent)

		if err := r.sleep(ctx, delay); err != nil {
			// Stopped while backing off: the run ends now, not when the
			// failed attempt did.
			result.Reason = llm.ReasonCancelled
			result.EndedAt = r.now()
			runErr = fmt.Errorf("%w: %w", llm.ErrCancelled, context.Cause(ctx))
			break
		}
	}

	out.Result = result
	out.Turn = builder.Finish()
	rec := usage.NewRecord(result, startedAt, out.Attempts, runErr)
	rec.Model = model.ID
	rec.ConversationID = conv.ID
	out.Record = rec
	if _, err := r.accountant.Complete(context.WithoutCancel(ctx), rec); err != nil {
		r.logger.Warn("usage record failed", "submission", opts.ID, "error", err)
	}

	if runErr != nil && !errors.Is(runErr, llm.ErrCancelled) {
		return out, runErr
	}
	r.clearRetry(conv.ID)
	if runErr == nil || len(out.Turn.Parts) > 0 {
		if err := conv.Append(out.Turn); err != nil {
			return out, err
		}
	}
	return out, runErr
}

// Stop cancels the submission with the given id. It reports whether a
// run was in flight.
func (r *Runner) Stop(id string) bool {
	r.mu.Lock()
	cancel, ok := r.active[id]
	r.mu.Unlock()
	if ok {
		cancel(errStopRequested)
	}
	return ok
}

// StopConversation cancels whatever run the conversation has in flight.
func (r *Runner) StopConversation(convID string) bool {
	r.mu.Lock()
	id, ok := r.busy[convID]
	r.mu.Unlock()
	return ok && r.Stop(id)
}

// RetryState returns the conversation's retry state.
func (r *Runner) RetryState(convID string) RetryState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.retries[convID]
}

func (r *Runner) begin(convID, id string, cancel context.CancelCauseFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.busy[convID]; ok {
		return ErrBusy
	}
	if _, ok := r.active[id]; ok {
		return fmt.Errorf("submission %s already running", id)
	}
	r.busy[convID] = id
	r.active[id] = cancel
	return nil
}

func (r *Runner) end(convID, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.busy, convID)
	delete(r.active, id)
}

func (r *Runner) setRetry(convID string, s RetryState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retries[convID] = s
}

func (r *Runner) clearRetry(convID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.retries, convID)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-timer.C:
		return nil
	}
}
