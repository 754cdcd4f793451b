// Package broker is the core of the daemon: it owns session coordination,
// backend lifecycle, consumer fan-out, permission mediation and crash
// recovery. Components communicate through direct calls on the session's
// owning goroutine and through the in-process event bus.
package broker

import (
	"sync"

	"github.com/beamcode/beamcode/internal/domain"
)

// Subscriber receives a copy of every published event matching its session
// filter. An empty SessionID subscribes to all sessions.
type Subscriber struct {
	ID        string
	SessionID string
	Events    chan domain.Event
}

// Bus fans out domain events to subscribers. Slow subscribers drop events
// rather than block the publisher.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	bufferSize  int
}

func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[string]*Subscriber),
		bufferSize:  bufferSize,
	}
}

func (b *Bus) Subscribe(subscriberID, sessionID string) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscriber{
		ID:        subscriberID,
		SessionID: sessionID,
		Events:    make(chan domain.Event, b.bufferSize),
	}
	b.subscribers[subscriberID] = sub
	return sub
}

func (b *Bus) Unsubscribe(subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subscribers[subscriberID]; ok {
		close(sub.Events)
		delete(b.subscribers, subscriberID)
	}
}

func (b *Bus) Publish(event domain.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		if sub.SessionID == "" || sub.SessionID == event.SessionID {
			select {
			case sub.Events <- event:
			default:
			}
		}
	}
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
