package events

import (
	"context"
	"slices"
	"sync"

	"github.com/dmitrijs2005/gophsync/internal/common"
)

// Publisher is the producer side of a Bus.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Bus fans events out to subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   []*Subscription
	closed bool

	stop     chan struct{}
	stopOnce sync.Once
}

func NewBus() *Bus { return &Bus{stop: make(chan struct{})} }

// Subscription receives the events of the kinds it was created for.
type Subscription struct {
	bus   *Bus
	kinds []Kind
	ch    chan Event
	done  chan struct{}
	once  sync.Once
}

// Subscribe registers a subscriber with a channel of the given capacity.
// No kinds means every kind.
func (b *Bus) Subscribe(capacity int, kinds ...Kind) *Subscription {
	s := &Subscription{
		bus:   b,
		kinds: kinds,
		ch:    make(chan Event, capacity),
		done:  make(chan struct{}),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.once.Do(func() {
			close(s.done)
			close(s.ch)
		})
		return s
	}
	b.subs = append(b.subs, s)
	return s
}

// Events is closed once the subscription or the bus is closed.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Close unregisters the subscriber. Pending events are dropped.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.done)

		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		if i := slices.Index(s.bus.subs, s); i >= 0 {
			s.bus.subs = slices.Delete(s.bus.subs, i, i+1)
			close(s.ch)
		}
	})
}

func (s *Subscription) wants(k Kind) bool {
	return len(s.kinds) == 0 || slices.Contains(s.kinds, k)
}

// Publish delivers e to every interested subscriber. It blocks while a
// subscriber channel is full and returns ctx.Err() if ctx ends first, or
// common.ErrStopped once the bus is closed.
func (b *Bus) Publish(ctx context.Context, e Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return common.ErrStopped
	}
	for _, s := range b.subs {
		if !s.wants(e.Kind()) {
			continue
		}
		select {
		case s.ch <- e:
		case <-s.done:
		case <-b.stop:
			return common.ErrStopped
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close closes the bus and every subscription.
func (b *Bus) Close() {
	b.stopOnce.Do(func() { close(b.stop) })

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, s := range subs {
		s.once.Do(func() {
			close(s.done)
			close(s.ch)
		})
	}
}
