package coordination

import (
	"context"
	"sync"

	"github.com/ef-ds/deque"
)

// subscriber buffers events for one Subscribe call so that a slow reader
// never blocks a committing writer and never misses a version.
type subscriber struct {
	mu      sync.Mutex
	pending deque.Deque
	last    int64

	notify chan struct{}
	out    chan Event
}

func newSubscriber() *subscriber {
	return &subscriber{
		notify: make(chan struct{}, 1),
		out:    make(chan Event),
	}
}

// push queues ev unless a version at least as new was already queued.
func (s *subscriber) push(ev Event) {
	s.mu.Lock()
	if ev.Version <= s.last {
		s.mu.Unlock()
		return
	}
	s.last = ev.Version
	s.pending.PushBack(ev)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscriber) pop() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.pending.PopFront()
	if !ok {
		return Event{}, false
	}
	return v.(Event), true
}

// run forwards queued events to out until ctx is done, then closes out.
func (s *subscriber) run(ctx context.Context, done func()) {
	defer close(s.out)
	defer done()
	for {
		ev, ok := s.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-s.notify:
				continue
			}
		}
		select {
		case s.out <- ev:
		case <-ctx.Done():
			return
		}
	}
}
