package booking

import (
	"sync"

	"github.com/ehr/slotsync/internal/platform/websocket"
)

// Transport is the shared real-time connection. websocket.ClientConn
// satisfies it.
type Transport interface {
	Connected() bool
	Emit(event string, payload interface{}) error
	On(event string, fn websocket.Listener) (off func())
}

// Handlers maps event names to listeners.
type Handlers map[string]websocket.Listener

// Subscription is a scoped set of listener registrations on a Transport.
type Subscription struct {
	mu   sync.Mutex
	offs []func()
}

// Subscribe registers every handler on t. The returned Subscription must be
// released on every exit path.
func Subscribe(t Transport, handlers Handlers) *Subscription {
	sub := &Subscription{offs: make([]func(), 0, len(handlers))}
	for event, fn := range handlers {
		sub.offs = append(sub.offs, t.On(event, fn))
	}
	return sub
}

// Release deregisters all listeners. Safe to call more than once.
func (s *Subscription) Release() {
	if s == nil {
		return
	}
	s.mu.Lock()
	offs := s.offs
	s.offs = nil
	s.mu.Unlock()

	for _, off := range offs {
		off()
	}
}

// Active reports whether the subscription still holds listeners.
func (s *Subscription) Active() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.offs) > 0
}
