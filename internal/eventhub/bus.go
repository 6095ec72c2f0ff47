package eventhub

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// ErrStopped is returned by Send after the bus has been stopped.
var ErrStopped = errors.New("eventhub: bus stopped")

// Handler processes one event delivered by a Bus.
type Handler[E any] func(event E)

// Subscription is the handle returned by Subscribe. It is owned by the
// subscriber and is the only way to leave the bus.
type Subscription[E any] struct {
	ID      string
	bus     *Bus[E]
	handler Handler[E]
}

// Unsubscribe removes the subscription from its bus. Calling it more than
// once is harmless.
func (s *Subscription[E]) Unsubscribe() {
	if s == nil || s.bus == nil {
		return
	}
	s.bus.remove(s.ID)
}

type pending[E any] struct {
	event   E
	exclude map[string]struct{}
}

// Bus is a synchronous publish/subscribe channel for a single concern.
//
// Every subscriber live at delivery time sees each event exactly once and
// in send order. A Send issued while a fan-out is in progress is queued and
// delivered once the current fan-out has reached every subscriber, so no
// third party ever observes a re-broadcast before the broadcast that caused
// it. Events sent with no subscribers are dropped.
type Bus[E any] struct {
	name   string
	logger *slog.Logger

	mu         sync.Mutex
	subs       []*Subscription[E]
	queue      []pending[E]
	delivering bool
	stopped    bool
}

// NewBus creates a bus. The name is only used in logs.
func NewBus[E any](name string) *Bus[E] {
	return &Bus[E]{name: name, logger: slog.Default()}
}

// SetLogger replaces the logger used for handler panics.
func (b *Bus[E]) SetLogger(l *slog.Logger) {
	if l == nil {
		return
	}
	b.mu.Lock()
	b.logger = l
	b.mu.Unlock()
}

// Name returns the bus name.
func (b *Bus[E]) Name() string {
	return b.name
}

// Subscribe registers a handler. Subscribing to a stopped bus returns a
// detached subscription that never receives events.
func (b *Bus[E]) Subscribe(handler Handler[E]) *Subscription[E] {
	sub := &Subscription[E]{ID: uuid.NewString(), handler: handler}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return sub
	}
	sub.bus = b
	b.subs = append(b.subs, sub)
	return sub
}

// Send broadcasts event to every subscriber except the excluded ones.
func (b *Bus[E]) Send(event E, exclude ...*Subscription[E]) error {
	var skip map[string]struct{}
	if len(exclude) > 0 {
		skip = make(map[string]struct{}, len(exclude))
		for _, s := range exclude {
			if s != nil {
				skip[s.ID] = struct{}{}
			}
		}
	}

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return ErrStopped
	}
	b.queue = append(b.queue, pending[E]{event: event, exclude: skip})
	if b.delivering {
		b.mu.Unlock()
		return nil
	}
	b.delivering = true
	b.drainLocked()
	return nil
}

// drainLocked delivers queued events until the queue is empty. It is entered
// with b.mu held and returns with it released.
func (b *Bus[E]) drainLocked() {
	for len(b.queue) > 0 && !b.stopped {
		next := b.queue[0]
		b.queue = b.queue[1:]
		subs := make([]*Subscription[E], len(b.subs))
		copy(subs, b.subs)
		b.mu.Unlock()

		for _, sub := range subs {
			if _, ok := next.exclude[sub.ID]; ok {
				continue
			}
			if !b.live(sub.ID) {
				continue
			}
			b.invoke(sub, next.event)
		}

		b.mu.Lock()
	}
	b.queue = nil
	b.delivering = false
	b.mu.Unlock()
}

func (b *Bus[E]) live(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		if s.ID == id {
			return true
		}
	}
	return false
}

func (b *Bus[E]) invoke(sub *Subscription[E], event E) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("bus handler panicked",
				"bus", b.name,
				"subscription", sub.ID,
				"panic", r,
			)
		}
	}()
	sub.handler(event)
}

func (b *Bus[E]) remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.ID == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Stop clears all subscribers and rejects further sends. Events still queued
// are discarded.
func (b *Bus[E]) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = true
	for _, s := range b.subs {
		s.bus = nil
	}
	b.subs = nil
	b.queue = nil
}

// Len returns the number of live subscribers.
func (b *Bus[E]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
