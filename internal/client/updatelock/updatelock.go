// Package updatelock serializes the mutations of a single manifest entry.
//
// Every key is in one of three states: Free, Taken (a guard is out) or
// TakenWithConcurrency (a guard is out and other callers wait for it).
// Releasing a guard wakes every waiter; they then race to take the key
// again, without ordering or fairness.
//
// The lock may be held across I/O. Callers must take the guard before
// reading the manifest they are about to modify.
package updatelock

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/dmitrijs2005/gophsync/internal/logging"
)

// State of a key.
type State int

const (
	Free State = iota
	Taken
	TakenWithConcurrency
)

func (s State) String() string {
	switch s {
	case Free:
		return "free"
	case Taken:
		return "taken"
	case TakenWithConcurrency:
		return "taken_with_concurrency"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

type slot struct {
	// wake is closed on release.
	wake    chan struct{}
	waiters int
}

// Manager hands out guards per key. The zero value is not usable, use New.
type Manager[K comparable] struct {
	mu     sync.Mutex
	slots  map[K]*slot
	logger logging.Logger
}

func New[K comparable](logger logging.Logger) *Manager[K] {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Manager[K]{slots: make(map[K]*slot), logger: logger}
}

// Guard is the proof that its key is taken. It must be released exactly
// once; further calls to Release are no-ops. A guard collected by the
// garbage collector without being released is reported in the log and
// its key is freed.
type Guard[K comparable] struct {
	key     K
	status  *guardStatus[K]
	cleanup runtime.Cleanup
}

type guardStatus[K comparable] struct {
	released atomic.Bool
	manager  *Manager[K]
	key      K
}

// Key returns the key the guard holds.
func (g *Guard[K]) Key() K { return g.key }

// Release frees the key and wakes every waiter.
func (g *Guard[K]) Release() {
	if g == nil || !g.status.released.CompareAndSwap(false, true) {
		return
	}
	g.cleanup.Stop()
	g.status.manager.release(g.key)
}

// Release is g.Release, for call sites that read better from the manager.
func (m *Manager[K]) Release(g *Guard[K]) { g.Release() }

func (m *Manager[K]) newGuard(k K) *Guard[K] {
	status := &guardStatus[K]{manager: m, key: k}
	g := &Guard[K]{key: k, status: status}
	g.cleanup = runtime.AddCleanup(g, forgottenGuard[K], status)
	return g
}

func forgottenGuard[K comparable](status *guardStatus[K]) {
	if !status.released.CompareAndSwap(false, true) {
		return
	}
	status.manager.logger.Error(context.Background(), "update lock guard dropped without release",
		"key", fmt.Sprint(status.key))
	status.manager.release(status.key)
}

// TryTake takes k if it is free. ok is false when k is already taken.
func (m *Manager[K]) TryTake(k K) (g *Guard[K], ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, taken := m.slots[k]; taken {
		return nil, false
	}
	m.slots[k] = &slot{wake: make(chan struct{})}
	return m.newGuard(k), true
}

// Take blocks until k can be taken or ctx is done.
func (m *Manager[K]) Take(ctx context.Context, k K) (*Guard[K], error) {
	for {
		m.mu.Lock()
		s, taken := m.slots[k]
		if !taken {
			m.slots[k] = &slot{wake: make(chan struct{})}
			m.mu.Unlock()
			return m.newGuard(k), nil
		}
		s.waiters++
		m.mu.Unlock()

		select {
		case <-s.wake:
		case <-ctx.Done():
			m.mu.Lock()
			if m.slots[k] == s {
				s.waiters--
			}
			m.mu.Unlock()
			return nil, ctx.Err()
		}
	}
}

// State reports the state of k.
func (m *Manager[K]) State(k K) State {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, taken := m.slots[k]
	switch {
	case !taken:
		return Free
	case s.waiters > 0:
		return TakenWithConcurrency
	default:
		return Taken
	}
}

// Waiters returns how many callers are blocked in Take for k.
func (m *Manager[K]) Waiters(k K) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.slots[k]; ok {
		return s.waiters
	}
	return 0
}

func (m *Manager[K]) release(k K) {
	m.mu.Lock()
	s, ok := m.slots[k]
	delete(m.slots, k)
	m.mu.Unlock()

	if ok {
		close(s.wake)
	}
}
