// Package serve exposes the chat runner over HTTP: an SSE chat stream, a
// websocket channel, stop and model endpoints.
package serve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/samsaffron/forumchat/internal/chat"
	"github.com/samsaffron/forumchat/internal/config"
	"github.com/samsaffron/forumchat/internal/llm"
	"github.com/samsaffron/forumchat/internal/progress"
	"github.com/samsaffron/forumchat/internal/session"
)

const (
	defaultConversationTTL = 2 * time.Hour
	defaultMaxConversation = 1000
	wsWriteTimeout         = 10 * time.Second
	wsMaxMessageSize       = 1 << 20
)

// Options configures a Server.
type Options struct {
	Runner   *chat.Runner
	Config   config.ServeConfig
	MaxSteps int
	Logger   *slog.Logger
	// ConversationTTL expires idle server-side conversations.
	ConversationTTL  time.Duration
	MaxConversations int
}

// Server is the HTTP surface.
type Server struct {
	runner   *chat.Runner
	cfg      config.ServeConfig
	maxSteps int
	logger   *slog.Logger
	echo     *echo.Echo
	store    *conversationStore
	upgrader websocket.Upgrader

	claimMu sync.Mutex
	claimed map[string]struct{} // conversations with a submit in flight
}

// New builds the server and its routes.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ConversationTTL == 0 {
		opts.ConversationTTL = defaultConversationTTL
	}
	if opts.MaxConversations == 0 {
		opts.MaxConversations = defaultMaxConversation
	}
	s := &Server{
		runner:   opts.Runner,
		cfg:      opts.Config,
		maxSteps: opts.MaxSteps,
		logger:   opts.Logger,
		store:    newConversationStore(opts.ConversationTTL, opts.MaxConversations),
		claimed:  make(map[string]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	e.GET("/healthz", s.handleHealth)
	e.GET("/api/models", s.handleModels)
	e.POST("/api/chat", s.handleChat)
	e.GET("/api/chat/ws", s.handleWebSocket)
	e.GET("/api/chat/:id", s.handleGetConversation)
	e.DELETE("/api/chat/:id", s.handleDeleteConversation)
	e.POST("/api/chat/:id/stop", s.handleStop)
	s.echo = e
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.echo.Start(addr)
	}()
	s.logger.Info("serving", "addr", addr)

	select {
	case err := <-errCh:
		s.store.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := s.echo.Shutdown(shutdownCtx)
	s.store.Close()
	return err
}

// Close releases background resources without an HTTP listener.
func (s *Server) Close() {
	s.store.Close()
}

type chatRequest struct {
	ID string `json:"id"`
	// Messages, when present, is the full client-owned history and
	// replaces the server copy.
	Messages []session.Turn `json:"messages"`
	// Message appends one user text turn to the server-side history.
	Message string `json:"message"`
	Model   string `json:"model"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":        "ok",
		"conversations": s.store.Len(),
	})
}

type modelInfo struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Default bool   `json:"default,omitempty"`
}

func (s *Server) handleModels(c echo.Context) error {
	def := s.runner.DefaultModel()
	var out []modelInfo
	for _, m := range s.runner.Models() {
		out = append(out, modelInfo{ID: m.ID, Name: m.Name, Default: m.ID == def.ID})
	}
	return c.JSON(http.StatusOK, map[string]any{"models": out})
}

func (s *Server) handleGetConversation(c echo.Context) error {
	conv, ok := s.store.Get(c.Param("id"))
	if !ok {
		return c.JSON(http.StatusNotFound, errorResponse{Error: "conversation not found"})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"id":    conv.ID,
		"turns": conv.Turns(),
		"retry": s.runner.RetryState(conv.ID),
	})
}

func (s *Server) handleDeleteConversation(c echo.Context) error {
	id := c.Param("id")
	s.runner.StopConversation(id)
	if !s.store.Delete(id) {
		return c.JSON(http.StatusNotFound, errorResponse{Error: "conversation not found"})
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleStop(c echo.Context) error {
	stopped := s.runner.StopConversation(c.Param("id"))
	return c.JSON(http.StatusOK, map[string]bool{"stopped": stopped})
}

func (s *Server) handleChat(c echo.Context) error {
	var req chatRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body"})
	}
	conv, release, err := s.conversationFor(req)
	if errors.Is(err, chat.ErrBusy) {
		return c.JSON(http.StatusConflict, errorResponse{Error: err.Error()})
	}
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	}
	defer release()

	w := c.Response()
	setSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	w.Flush()

	var writeErr error
	write := func(ev UIEvent) error {
		if writeErr != nil {
			return writeErr
		}
		if writeErr = writeSSEEvent(w, ev.Type, ev); writeErr == nil {
			w.Flush()
		}
		return writeErr
	}
	s.run(c.Request().Context(), conv, req.Model, write)
	_, _ = io.WriteString(w, "data: [DONE]\n\n")
	w.Flush()
	return nil
}

// claim reserves id for one submit. The stored history of a conversation
// is only touched while holding its claim.
func (s *Server) claim(id string) (release func(), ok bool) {
	s.claimMu.Lock()
	defer s.claimMu.Unlock()
	if _, busy := s.claimed[id]; busy {
		return nil, false
	}
	s.claimed[id] = struct{}{}
	return func() {
		s.claimMu.Lock()
		delete(s.claimed, id)
		s.claimMu.Unlock()
	}, true
}

// conversationFor claims and resolves the conversation a request answers.
// A new user message replaces an unanswered one left by a failed run. A
// conversation with a submit in flight is rejected with chat.ErrBusy
// before anything is stored. The caller releases the claim once its run
// is over.
func (s *Server) conversationFor(req chatRequest) (*session.Conversation, func(), error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	release, ok := s.claim(req.ID)
	if !ok {
		return nil, nil, chat.ErrBusy
	}
	conv, err := s.resolve(req)
	if err != nil {
		release()
		return nil, nil, err
	}
	return conv, release, nil
}

func (s *Server) resolve(req chatRequest) (*session.Conversation, error) {
	if len(req.Messages) > 0 {
		conv, err := session.FromTurns(req.ID, req.Messages)
		if err != nil {
			return nil, err
		}
		s.store.Put(conv)
		return conv, nil
	}

	conv, ok := s.store.Get(req.ID)
	if !ok {
		var err error
		if conv, err = session.FromTurns(req.ID, nil); err != nil {
			return nil, err
		}
	}
	if req.Message != "" {
		if conv.AwaitingAnswer() {
			fork := conv.Fork(conv.Len() - 1)
			fork.ID = conv.ID
			conv = fork
		}
		if _, err := conv.AppendUserText(req.Message); err != nil {
			return nil, err
		}
	}
	if !conv.AwaitingAnswer() {
		return nil, errors.New("messages or message is required")
	}
	s.store.Put(conv)
	return conv, nil
}

// run submits conv and streams UI events through write. Write errors
// stop nothing by themselves; a gone client cancels ctx instead.
func (s *Server) run(ctx context.Context, conv *session.Conversation, model string, write func(UIEvent) error) {
	if s.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
	}

	tracker := progress.New(s.maxSteps)
	_ = write(UIEvent{Type: TypeStart, ConversationID: conv.ID})

	var lastSeq uint64
	emit := func(e llm.Event) {
		for _, ev := range toUIEvents(e) {
			_ = write(ev)
		}
		if snap := tracker.Snapshot(); snap.Seq != lastSeq {
			lastSeq = snap.Seq
			_ = write(UIEvent{Type: TypeProgress, Progress: &snap})
		}
	}

	out, err := s.runner.Submit(ctx, conv, chat.SubmitOptions{Model: model, Progress: tracker}, emit)
	if err != nil {
		ev := UIEvent{Type: TypeError, ConversationID: conv.ID, ErrorText: err.Error()}
		if out != nil {
			ev.Attempt = out.Attempts
		}
		_ = write(ev)
		s.logger.Warn("chat run failed", "conversation", conv.ID, "error", err)
	}
	finish := UIEvent{Type: TypeFinish, ConversationID: conv.ID}
	if out != nil {
		finish.MessageID = out.Turn.ID
		finish.Record = &out.Record
	}
	_ = write(finish)
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

func writeSSEEvent(w io.Writer, event string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", b)
	return err
}

type wsMessage struct {
	Type string `json:"type"`
	chatRequest
}

// wsConn serializes writes to one websocket.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) write(ev UIEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteJSON(ev)
}

func (s *Server) handleWebSocket(c echo.Context) error {
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return nil
	}
	conn := &wsConn{conn: ws}
	ws.SetReadLimit(wsMaxMessageSize)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
		ws.Close()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket closed", "error", err)
			}
			return nil
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = conn.write(UIEvent{Type: TypeError, ErrorText: "invalid JSON message"})
			continue
		}
		switch msg.Type {
		case "submit":
			conv, release, err := s.conversationFor(msg.chatRequest)
			if err != nil {
				_ = conn.write(UIEvent{Type: TypeError, ConversationID: msg.ID, ErrorText: err.Error()})
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer release()
				s.run(ctx, conv, msg.Model, conn.write)
			}()
		case "stop":
			s.runner.StopConversation(msg.ID)
		default:
			_ = conn.write(UIEvent{Type: TypeError, ErrorText: fmt.Sprintf("unknown message type %q", msg.Type)})
		}
	}
}
