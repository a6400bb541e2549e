package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrRoleOrder is returned when a turn would break user/assistant
// alternation.
var ErrRoleOrder = errors.New("turns must alternate user and assistant, starting with user")

// Conversation is an append-only sequence of turns owned by one session.
// Turns are copied on the way in and out, so callers never share state
// with it.
type Conversation struct {
	ID string

	mu    sync.RWMutex
	turns []Turn
}

// New creates an empty conversation.
func New() *Conversation {
	return &Conversation{ID: uuid.NewString()}
}

// FromTurns builds a conversation from caller-supplied turns, validating
// their order.
func FromTurns(id string, turns []Turn) (*Conversation, error) {
	if id == "" {
		id = uuid.NewString()
	}
	c := &Conversation{ID: id}
	for _, t := range turns {
		if err := c.Append(t); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Append adds a turn. Missing ids and timestamps are filled in.
func (c *Conversation) Append(t Turn) error {
	if t.Role != RoleUser && t.Role != RoleAssistant {
		return fmt.Errorf("unknown role %q", t.Role)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if n := len(c.turns); (n == 0 && t.Role != RoleUser) || (n > 0 && c.turns[n-1].Role == t.Role) {
		return ErrRoleOrder
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	c.turns = append(c.turns, t.clone())
	return nil
}

// AppendUserText appends a user turn holding text.
func (c *Conversation) AppendUserText(text string) (Turn, error) {
	t := Turn{ID: uuid.NewString(), Role: RoleUser, Parts: []Part{TextPart(text)}}
	if err := c.Append(t); err != nil {
		return Turn{}, err
	}
	return t, nil
}

// Turns returns a copy of every turn.
func (c *Conversation) Turns() []Turn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Turn, len(c.turns))
	for i, t := range c.turns {
		out[i] = t.clone()
	}
	return out
}

// Len returns the number of turns.
func (c *Conversation) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.turns)
}

// AwaitingAnswer reports whether the last turn is an unanswered user turn.
func (c *Conversation) AwaitingAnswer() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := len(c.turns)
	return n > 0 && c.turns[n-1].Role == RoleUser
}

// Fork returns a new conversation holding the first n turns.
func (c *Conversation) Fork(n int) *Conversation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if n > len(c.turns) {
		n = len(c.turns)
	}
	if n < 0 {
		n = 0
	}
	out := &Conversation{ID: uuid.NewString(), turns: make([]Turn, n)}
	for i := 0; i < n; i++ {
		out.turns[i] = c.turns[i].clone()
	}
	return out
}
