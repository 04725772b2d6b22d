// Package gate bounds in-flight calls per provider with a FIFO waiter queue.
package gate

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/melodydashora/vecto-pilot/internal/errclass"
)

var (
	// ErrQueueTimeout is returned when a waiter exceeds the queue timeout.
	ErrQueueTimeout = errclass.WithKind(errclass.Timeout, errors.New("gate: queue timeout"))
	// ErrAborted is returned when the caller's context fires while waiting.
	ErrAborted = errclass.WithKind(errclass.Aborted, errors.New("gate: acquire aborted"))
)

// Gate is a per-key counting semaphore. Waiters are served in FIFO order
// within a key; keys are independent.
type Gate struct {
	maxConcurrent int
	queueTimeout  time.Duration

	mu   sync.Mutex
	keys map[string]*keyState
}

type keyState struct {
	active  int
	waiters []*waiter
}

type waiter struct {
	ready chan struct{} // closed on handoff
	done  bool          // set when removed from queue (handoff or abandon)
}

// Permit represents one held slot. Release must be called exactly once.
type Permit struct {
	g   *Gate
	key string

	mu       sync.Mutex
	released bool
}

// New creates a Gate. Zero values select the defaults (10 slots, 30s wait).
func New(maxConcurrent int, queueTimeout time.Duration) *Gate {
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}
	if queueTimeout <= 0 {
		queueTimeout = 30 * time.Second
	}
	return &Gate{
		maxConcurrent: maxConcurrent,
		queueTimeout:  queueTimeout,
		keys:          make(map[string]*keyState),
	}
}

// Acquire obtains a slot for key, waiting up to the queue timeout.
// The returned error is errclass-kinded: Timeout on queue timeout,
// Aborted when ctx fires first.
func (g *Gate) Acquire(ctx context.Context, key string) (*Permit, error) {
	g.mu.Lock()
	ks := g.keys[key]
	if ks == nil {
		ks = &keyState{}
		g.keys[key] = ks
	}

	if ks.active < g.maxConcurrent {
		ks.active++
		g.mu.Unlock()
		return &Permit{g: g, key: key}, nil
	}

	w := &waiter{ready: make(chan struct{})}
	ks.waiters = append(ks.waiters, w)
	g.mu.Unlock()

	timer := time.NewTimer(g.queueTimeout)
	defer timer.Stop()

	select {
	case <-w.ready:
		return &Permit{g: g, key: key}, nil
	case <-ctx.Done():
		if g.abandon(key, w) {
			return nil, ErrAborted
		}
		// Handoff raced our cancellation; we own a slot and must give it back.
		g.releaseSlot(key)
		return nil, ErrAborted
	case <-timer.C:
		if g.abandon(key, w) {
			return nil, ErrQueueTimeout
		}
		g.releaseSlot(key)
		return nil, ErrQueueTimeout
	}
}

// abandon removes w from the queue. It returns false if w was already
// handed a slot, in which case the caller must release it.
func (g *Gate) abandon(key string, w *waiter) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if w.done {
		return false
	}
	w.done = true
	ks := g.keys[key]
	for i, cand := range ks.waiters {
		if cand == w {
			ks.waiters = append(ks.waiters[:i], ks.waiters[i+1:]...)
			break
		}
	}
	return true
}

// Release returns the permit's slot, handing it to the head of the FIFO
// queue if anyone is waiting. Safe to call more than once.
func (p *Permit) Release() {
	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		return
	}
	p.released = true
	p.mu.Unlock()

	p.g.releaseSlot(p.key)
}

func (g *Gate) releaseSlot(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ks := g.keys[key]
	if ks == nil {
		return
	}

	// Hand off to the head of the queue before decrementing: the slot
	// transfers directly so active never exceeds the ceiling.
	for len(ks.waiters) > 0 {
		w := ks.waiters[0]
		ks.waiters = ks.waiters[1:]
		if w.done {
			continue // abandoned concurrently
		}
		w.done = true
		close(w.ready)
		return
	}

	ks.active--
	if ks.active == 0 && len(ks.waiters) == 0 {
		delete(g.keys, key)
	}
}

// Active returns the number of held slots for key.
func (g *Gate) Active(key string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if ks := g.keys[key]; ks != nil {
		return ks.active
	}
	return 0
}

// Waiting returns the queue depth for key.
func (g *Gate) Waiting(key string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if ks := g.keys[key]; ks != nil {
		return len(ks.waiters)
	}
	return 0
}
