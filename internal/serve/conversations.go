package serve

import (
	"sync"
	"time"

	"github.com/samsaffron/forumchat/internal/session"
)

// conversationStore keeps server-side conversations in memory. Idle ones
// expire after ttl and the least recently used is evicted past max.
type conversationStore struct {
	ttl time.Duration
	max int
	now func() time.Time

	mu      sync.Mutex
	entries map[string]*storedConversation
	closed  bool
	stopCh  chan struct{}
}

type storedConversation struct {
	conv     *session.Conversation
	lastUsed time.Time
}

func newConversationStore(ttl time.Duration, max int) *conversationStore {
	s := &conversationStore{
		ttl:     ttl,
		max:     max,
		now:     time.Now,
		entries: make(map[string]*storedConversation),
		stopCh:  make(chan struct{}),
	}
	if ttl > 0 {
		go s.janitor()
	}
	return s
}

func (s *conversationStore) janitor() {
	ticker := time.NewTicker(max(30*time.Second, s.ttl/2))
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.evictExpired()
		case <-s.stopCh:
			return
		}
	}
}

func (s *conversationStore) evictExpired() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.entries {
		if now.Sub(e.lastUsed) > s.ttl {
			delete(s.entries, id)
		}
	}
}

// Get returns the conversation stored under id.
func (s *conversationStore) Get(id string) (*session.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, false
	}
	e.lastUsed = s.now()
	return e.conv, true
}

// Put stores conv under its id, replacing any previous one.
func (s *conversationStore) Put(conv *session.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, ok := s.entries[conv.ID]; !ok && s.max > 0 && len(s.entries) >= s.max {
		oldestID := ""
		var oldest time.Time
		for id, e := range s.entries {
			if oldestID == "" || e.lastUsed.Before(oldest) {
				oldestID, oldest = id, e.lastUsed
			}
		}
		delete(s.entries, oldestID)
	}
	s.entries[conv.ID] = &storedConversation{conv: conv, lastUsed: s.now()}
}

// Delete drops the conversation.
func (s *conversationStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[id]
	delete(s.entries, id)
	return ok
}

func (s *conversationStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close stops the janitor.
func (s *conversationStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.stopCh)
}
