package server

import (
	"sync"

	"github.com/skshohagmiah/packetnet/internal/session"
)

// sessionPool holds a fixed number of pre-allocated sessions
type sessionPool struct {
	slots    chan *session.Session
	capacity int
	mu       sync.Mutex
	closed   bool
}

// PoolStats represents pool statistics
type PoolStats struct {
	Capacity  int
	Available int
	InUse     int
}

// newSessionPool pre-creates exactly capacity sessions
func newSessionPool(capacity int, factory func() *session.Session) *sessionPool {
	p := &sessionPool{
		slots:    make(chan *session.Session, capacity),
		capacity: capacity,
	}
	for i := 0; i < capacity; i++ {
		p.slots <- factory()
	}
	return p
}

// Get takes a free session without waiting. ok is false when the pool is
// exhausted or closed.
func (p *sessionPool) Get() (s *session.Session, ok bool) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, false
	}

	select {
	case s = <-p.slots:
		return s, true
	default:
		return nil, false
	}
}

// Put returns a reset session to the pool
func (p *sessionPool) Put(s *session.Session) {
	if s == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	select {
	case p.slots <- s:
	default:
		// More returns than the pool was built with; drop the extra.
	}
}

// Close drops every free session. Sessions still in use are discarded when
// they come back.
func (p *sessionPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true

	for {
		select {
		case <-p.slots:
		default:
			return
		}
	}
}

// Stats returns pool statistics
func (p *sessionPool) Stats() PoolStats {
	available := len(p.slots)
	return PoolStats{
		Capacity:  p.capacity,
		Available: available,
		InUse:     p.capacity - available,
	}
}
