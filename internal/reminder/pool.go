package reminder

import (
	"context"
	"sync"
)

// Pool keeps at most one running Scheduler per identity. Leases are counted:
// the first Acquire for an identity starts its scheduler and the last release
// stops it, so several sessions of one identity share one set of timers.
type Pool struct {
	ctx          context.Context
	newScheduler func() *Scheduler

	mu      sync.Mutex
	entries map[string]*poolEntry
	closed  bool
}

type poolEntry struct {
	s    *Scheduler
	refs int
}

// NewPool returns a Pool whose schedulers run until ctx is cancelled or their
// last lease is released.
func NewPool(ctx context.Context, newScheduler func() *Scheduler) *Pool {
	return &Pool{
		ctx:          ctx,
		newScheduler: newScheduler,
		entries:      make(map[string]*poolEntry),
	}
}

// Acquire leases the scheduler for userID, starting it if needed. The
// returned release function is safe to call more than once. An invalid
// identity gets a no-op lease.
func (p *Pool) Acquire(userID string) (release func()) {
	if !ValidIdentity(userID) {
		return func() {}
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return func() {}
	}
	e, ok := p.entries[userID]
	if !ok {
		e = &poolEntry{s: p.newScheduler()}
		p.entries[userID] = e
		e.s.Start(p.ctx, userID)
	}
	e.refs++
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { p.release(userID, e) })
	}
}

func (p *Pool) release(userID string, e *poolEntry) {
	p.mu.Lock()
	e.refs--
	last := e.refs <= 0
	if last && p.entries[userID] == e {
		delete(p.entries, userID)
	}
	p.mu.Unlock()

	if last {
		e.s.Stop()
	}
}

// Get returns the running scheduler for userID, or nil.
func (p *Pool) Get(userID string) *Scheduler {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[userID]; ok {
		return e.s
	}
	return nil
}

// Active returns how many identities have a running scheduler.
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Close stops every scheduler. Later Acquires get no-op leases.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	entries := p.entries
	p.entries = make(map[string]*poolEntry)
	p.mu.Unlock()

	for _, e := range entries {
		e.s.Stop()
	}
}
