package cmd

import (
	"time"

	"github.com/samsaffron/forumchat/internal/serve"
	"github.com/samsaffron/forumchat/internal/signal"
	"github.com/spf13/cobra"
)

var (
	serveHost            string
	servePort            int
	serveConversationTTL time.Duration
	serveMaxConversation int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP chat API",
	Long: `Run an HTTP server that answers forum questions.

Endpoints:
  POST   /api/chat            stream an answer as server-sent events
  GET    /api/chat/ws         the same over a websocket
  POST   /api/chat/:id/stop   stop the answer in progress
  GET    /api/chat/:id        the server-side conversation
  DELETE /api/chat/:id        forget a conversation
  GET    /api/models          the model allow-list
  GET    /healthz`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Bind host (default from config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Bind port (default from config)")
	serveCmd.Flags().DurationVar(&serveConversationTTL, "conversation-ttl", 2*time.Hour, "Forget conversations idle this long")
	serveCmd.Flags().IntVar(&serveMaxConversation, "max-conversations", 1000, "Conversations kept in memory")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if serveHost != "" {
		cfg.Serve.Host = serveHost
	}
	if servePort != 0 {
		cfg.Serve.Port = servePort
	}
	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context())
	defer stop()

	srv := serve.New(serve.Options{
		Runner:           a.runner,
		Config:           cfg.Serve,
		MaxSteps:         cfg.Loop.MaxSteps,
		Logger:           logger,
		ConversationTTL:  serveConversationTTL,
		MaxConversations: serveMaxConversation,
	})
	return srv.Start(ctx)
}
