package messaging

import (
	"errors"
	"sync"

	"github.com/whisper/randomchat/internal/chat"
)

// localPending is the number of events buffered per subscriber before
// Notify starts dropping, like a NATS slow consumer.
const localPending = 256

// ErrSlowConsumer is returned by LocalBus.Notify when the subscriber's
// buffer is full and the event was dropped.
var ErrSlowConsumer = errors.New("messaging: slow consumer, event dropped")

// LocalBus delivers events to subscribers in the same process. It stands in
// for NATS in single-instance deployments and in tests. Each subscriber has
// its own goroutine, so Notify never waits on a handler and events for one
// user arrive in order.
type LocalBus struct {
	mu   sync.RWMutex
	subs map[string]*localSub
}

type localSub struct {
	events chan chat.Event
	done   chan struct{}
}

// NewLocalBus creates an empty bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[string]*localSub)}
}

// Notify queues ev for the user's handler. Events for users without a
// subscriber are dropped, as on NATS.
func (b *LocalBus) Notify(userID string, ev chat.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	sub := b.subs[userID]
	if sub == nil {
		return nil
	}
	select {
	case sub.events <- ev:
		return nil
	default:
		return ErrSlowConsumer
	}
}

// SubscribeUser replaces the user's handler. Events already queued for an
// older handler are discarded.
func (b *LocalBus) SubscribeUser(userID string, handler func(chat.Event)) error {
	sub := &localSub{
		events: make(chan chat.Event, localPending),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	if old := b.subs[userID]; old != nil {
		close(old.done)
	}
	b.subs[userID] = sub
	b.mu.Unlock()

	go sub.run(handler)
	return nil
}

// UnsubscribeUser removes the user's handler.
func (b *LocalBus) UnsubscribeUser(userID string) error {
	b.mu.Lock()
	if sub := b.subs[userID]; sub != nil {
		close(sub.done)
		delete(b.subs, userID)
	}
	b.mu.Unlock()
	return nil
}

// Close stops every subscriber.
func (b *LocalBus) Close() {
	b.mu.Lock()
	for id, sub := range b.subs {
		close(sub.done)
		delete(b.subs, id)
	}
	b.mu.Unlock()
}

func (s *localSub) run(handler func(chat.Event)) {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.events:
			handler(ev)
		}
	}
}
