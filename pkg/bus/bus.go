// Package bus provides the in-process event bus connecting the event log to
// moderators, agents, and observer transports. Delivery is synchronous and
// in sequence order per session; slow consumers wrap their handler in an
// AsyncSubscriber to decouple.
package bus

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/openagora/agora/pkg/models"
)

// MaxSubscribers caps concurrent subscriptions on one bus.
const MaxSubscribers = 100

// ErrTooManySubscribers is returned when the subscription cap is reached.
var ErrTooManySubscribers = errors.New("too many subscribers")

// Handler consumes published events. Handlers run synchronously on the
// publisher's goroutine and must not block.
type Handler func(models.Event)

// subscription pairs a handler with its filters. Zero-value filter fields
// match everything.
type subscription struct {
	id        string
	sessionID string
	eventType models.EventType
	handler   Handler
}

func (s *subscription) matches(e models.Event) bool {
	if s.sessionID != "" && s.sessionID != e.SessionID {
		return false
	}
	if s.eventType != "" && s.eventType != e.Type {
		return false
	}
	return true
}

// Bus is a synchronous publish/subscribe fan-out.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]*subscription
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[string]*subscription)}
}

// Publish delivers the event to every matching subscriber. Order across
// subscribers is not guaranteed, but each handler sees one session's events
// in the order they were published. A panicking handler is recovered and
// logged; remaining handlers still run.
func (b *Bus) Publish(event models.Event) {
	b.mu.RLock()
	matched := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.matches(event) {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range matched {
		b.deliver(sub, event)
	}
}

func (b *Bus) deliver(sub *subscription, event models.Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Event handler panicked",
				"subscription_id", sub.id,
				"session_id", event.SessionID,
				"event_type", string(event.Type),
				"panic", r)
		}
	}()
	sub.handler(event)
}

// Subscribe registers a handler for all events. It returns the subscription
// id used to unsubscribe.
func (b *Bus) Subscribe(handler Handler) (string, error) {
	return b.add(&subscription{handler: handler})
}

// SubscribeToType registers a handler for one event type across sessions.
func (b *Bus) SubscribeToType(eventType models.EventType, handler Handler) (string, error) {
	return b.add(&subscription{eventType: eventType, handler: handler})
}

// SubscribeToSession registers a handler for one session's events,
// optionally narrowed to a type (empty eventType matches all).
func (b *Bus) SubscribeToSession(sessionID string, eventType models.EventType, handler Handler) (string, error) {
	return b.add(&subscription{sessionID: sessionID, eventType: eventType, handler: handler})
}

func (b *Bus) add(sub *subscription) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.subs) >= MaxSubscribers {
		return "", ErrTooManySubscribers
	}
	sub.id = uuid.New().String()
	b.subs[sub.id] = sub
	return sub.id, nil
}

// Unsubscribe removes a subscription. Unknown ids are a no-op.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// ClearSession drops every subscription scoped to the given session. Global
// and type-only subscriptions survive.
func (b *Bus) ClearSession(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		if sub.sessionID == sessionID {
			delete(b.subs, id)
		}
	}
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
