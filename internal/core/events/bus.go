// Package events provides the process-wide domain event bus.
//
// Each subscriber owns a buffered channel; Publish fans out with explicit
// type tags and never blocks the reconciliation loop. A slow subscriber
// drops events rather than stalling payment detection.
package events

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/openbtcpay/paywatch/internal/core/domain"
)

const defaultBuffer = 64

// Bus is a typed publish/subscribe hub for domain events.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]*subscription
	log  *slog.Logger
}

type subscription struct {
	ch    chan domain.Event
	types map[domain.EventType]struct{} // nil = all types
}

// NewBus creates an empty bus.
func NewBus(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		subs: make(map[string]*subscription),
		log:  log,
	}
}

// Subscribe registers a consumer for the given event types (all types when
// none are given). It returns the receive channel and a cancel function that
// closes it.
func (b *Bus) Subscribe(types ...domain.EventType) (<-chan domain.Event, func()) {
	sub := &subscription{ch: make(chan domain.Event, defaultBuffer)}
	if len(types) > 0 {
		sub.types = make(map[domain.EventType]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}

	id := uuid.NewString()
	b.mu.Lock()
	b.subs[id] = sub
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.ch)
		}
		b.mu.Unlock()
	}
	return sub.ch, cancel
}

// Publish delivers the event to every matching subscriber. Full subscriber
// buffers are skipped.
func (b *Bus) Publish(ev domain.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.types != nil {
			if _, ok := sub.types[ev.EventType()]; !ok {
				continue
			}
		}
		select {
		case sub.ch <- ev:
		default:
			b.log.Warn("event dropped, subscriber buffer full", "type", ev.EventType())
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
