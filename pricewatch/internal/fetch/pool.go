package fetch

import (
	"context"
	"sync"

	"github.com/hazyhaar/pricewatch/pricewatch/internal/metrics"
)

// MaxSessions is the ceiling on concurrent browser sessions.
const MaxSessions = 4

// SessionPool counts browser sessions. A session is a permit to hold one
// open tab.
type SessionPool struct {
	slots chan struct{}
}

// NewSessionPool returns a pool of size sessions, clamped to
// [1, MaxSessions].
func NewSessionPool(size int) *SessionPool {
	size = min(max(size, 1), MaxSessions)
	p := &SessionPool{slots: make(chan struct{}, size)}
	for range size {
		p.slots <- struct{}{}
	}
	return p
}

// Acquire blocks until a session is free or ctx is done. The returned
// release is safe to call more than once.
func (p *SessionPool) Acquire(ctx context.Context) (release func(), err error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.slots:
	}
	metrics.SessionAcquired()
	var once sync.Once
	return func() {
		once.Do(func() {
			p.slots <- struct{}{}
			metrics.SessionReleased()
		})
	}, nil
}

// Available returns the number of free sessions.
func (p *SessionPool) Available() int { return len(p.slots) }

// Size returns the pool capacity.
func (p *SessionPool) Size() int { return cap(p.slots) }
