package cmd

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/samsaffron/forumchat/internal/chat"
	"github.com/samsaffron/forumchat/internal/config"
	"github.com/samsaffron/forumchat/internal/forumtools"
	"github.com/samsaffron/forumchat/internal/nia"
	"github.com/samsaffron/forumchat/internal/usage"
)

// app holds the wired components a command needs.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	tools  *forumtools.Adapter
	runner *chat.Runner
	store  *usage.SQLiteStore
}

// newTools builds the retrieval adapter. Missing credentials are not an
// error here; each tool reports them when called.
func newTools(cfg *config.Config, logger *slog.Logger) *forumtools.Adapter {
	client := nia.NewClient(cfg.Nia, nia.WithLogger(logger))
	return forumtools.NewAdapter(client, cfg.Nia.Sources, logger)
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, tools: newTools(cfg, logger)}

	var sinks []usage.Sink
	if cfg.Usage.Log {
		sinks = append(sinks, usage.LogSink{Logger: logger})
	}
	if cfg.Usage.DBPath != "" {
		store, err := usage.OpenSQLiteStore(cfg.Usage.DBPath)
		if err != nil {
			return nil, fmt.Errorf("usage store: %w", err)
		}
		a.store = store
		sinks = append(sinks, store)
	}

	runner, err := chat.NewRunner(chat.Options{
		Config:     cfg,
		Tools:      a.tools,
		Accountant: usage.NewAccountant(logger, sinks...),
		Logger:     logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.runner = runner
	return a, nil
}

func (a *app) Close() error {
	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}
