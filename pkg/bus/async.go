package bus

import (
	"log/slog"
	"sync"

	"github.com/openagora/agora/pkg/models"
)

// DefaultMailboxSize bounds an AsyncSubscriber's backlog.
const DefaultMailboxSize = 256

// AsyncSubscriber decouples a slow consumer from the synchronous bus. Events
// enqueue into a bounded mailbox drained by a single goroutine, preserving
// per-session order. When the mailbox is full, transient events are dropped
// first; a persisted event evicts the oldest transient entry. If none exists
// the subscriber has lost a persisted event and is marked failed: the
// overflow callback fires once so the owner can disconnect it, and a
// reconnect can recover the gap by replaying from the log.
type AsyncSubscriber struct {
	handler    Handler
	onOverflow func()

	mu      sync.Mutex
	queue   []models.Event
	max     int
	failed  bool
	wake    chan struct{}
	stopCh  chan struct{}
	stopped sync.Once
	done    chan struct{}
}

// NewAsyncSubscriber starts the drain goroutine. Pass the returned Enqueue
// method as the bus handler and call Stop when the consumer goes away.
func NewAsyncSubscriber(handler Handler, mailboxSize int) *AsyncSubscriber {
	if mailboxSize <= 0 {
		mailboxSize = DefaultMailboxSize
	}
	a := &AsyncSubscriber{
		handler: handler,
		max:     mailboxSize,
		wake:    make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	go a.drain()
	return a
}

// SetOnOverflow registers the callback fired (once, from its own goroutine)
// when a persisted event is lost to overflow. Wire it before events start
// flowing.
func (a *AsyncSubscriber) SetOnOverflow(fn func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onOverflow = fn
}

// Failed reports whether the subscriber has lost a persisted event.
func (a *AsyncSubscriber) Failed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.failed
}

// Enqueue accepts an event from the bus. Never blocks.
func (a *AsyncSubscriber) Enqueue(event models.Event) {
	a.mu.Lock()
	if a.failed {
		a.mu.Unlock()
		return
	}
	if len(a.queue) >= a.max {
		if !a.evictTransient() {
			if event.Transient() {
				a.mu.Unlock()
				return
			}
			// Mailbox full of persisted events; this subscriber cannot
			// keep its sequence contract anymore. Mark it failed and let
			// the owner disconnect it.
			a.failed = true
			callback := a.onOverflow
			a.mu.Unlock()
			slog.Error("Async subscriber mailbox full, dropping persisted event and failing subscriber",
				"session_id", event.SessionID,
				"event_type", string(event.Type),
				"sequence", event.Sequence)
			if callback != nil {
				go callback()
			}
			return
		}
	}
	a.queue = append(a.queue, event)
	a.mu.Unlock()

	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// evictTransient removes the oldest transient event from the queue.
// Caller holds the lock.
func (a *AsyncSubscriber) evictTransient() bool {
	for i, e := range a.queue {
		if e.Transient() {
			a.queue = append(a.queue[:i], a.queue[i+1:]...)
			return true
		}
	}
	return false
}

func (a *AsyncSubscriber) drain() {
	defer close(a.done)
	for {
		a.mu.Lock()
		var next *models.Event
		if len(a.queue) > 0 {
			e := a.queue[0]
			a.queue = a.queue[1:]
			next = &e
		}
		a.mu.Unlock()

		if next != nil {
			a.handler(*next)
			continue
		}

		select {
		case <-a.wake:
		case <-a.stopCh:
			return
		}
	}
}

// Stop terminates the drain goroutine and waits for it to exit. Queued
// events that have not been handled yet are discarded.
func (a *AsyncSubscriber) Stop() {
	a.stopped.Do(func() { close(a.stopCh) })
	<-a.done
}

// Pending returns the current mailbox depth.
func (a *AsyncSubscriber) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queue)
}
