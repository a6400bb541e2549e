package llm

import (
	"context"
	"io"
	"sync"
)

// eventStream adapts a producer goroutine to the Stream interface.
type eventStream struct {
	ctx    context.Context
	cancel context.CancelFunc
	events chan Event

	mu        sync.Mutex
	err       error
	closeOnce sync.Once
}

// newEventStream runs produce in a goroutine and exposes what it sends as a
// Stream. A non-nil error from produce is returned by Recv once the events
// sent before it have been delivered.
func newEventStream(ctx context.Context, produce func(ctx context.Context, events chan<- Event) error) Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &eventStream{ctx: ctx, cancel: cancel, events: make(chan Event, 16)}
	go func() {
		err := produce(ctx, s.events)
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.events)
	}()
	return s
}

func (s *eventStream) Recv() (Event, error) {
	select {
	case <-s.ctx.Done():
		return Event{}, s.ctx.Err()
	case ev, ok := <-s.events:
		if ok {
			return ev, nil
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return Event{}, s.err
	}
	return Event{}, io.EOF
}

// Close cancels the producer and drains what it still sends so it can exit.
func (s *eventStream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		go func() {
			for range s.events {
			}
		}()
	})
	return nil
}
