package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/openagora/agora/pkg/models"
)

// MemoryStore is the reference EventStore. All state lives in per-session
// slots; operations on different sessions never contend.
type MemoryStore struct {
	mu    sync.RWMutex
	slots map[string]*sessionSlot
}

// sessionSlot holds one session's events and sequence counter.
type sessionSlot struct {
	mu     sync.RWMutex
	events []models.Event
	seq    int64
}

// NewMemoryStore creates an empty in-memory event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{slots: make(map[string]*sessionSlot)}
}

// slot returns the session slot, creating it if needed.
func (s *MemoryStore) slot(sessionID string) *sessionSlot {
	s.mu.RLock()
	slot, ok := s.slots[sessionID]
	s.mu.RUnlock()
	if ok {
		return slot
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if slot, ok = s.slots[sessionID]; ok {
		return slot
	}
	slot = &sessionSlot{}
	s.slots[sessionID] = slot
	return slot
}

// Append stores an event. The event's sequence must be unique in its session.
func (s *MemoryStore) Append(_ context.Context, event models.Event) error {
	slot := s.slot(event.SessionID)
	slot.mu.Lock()
	defer slot.mu.Unlock()

	for i := len(slot.events) - 1; i >= 0; i-- {
		if slot.events[i].Sequence < event.Sequence {
			break
		}
		if slot.events[i].Sequence == event.Sequence {
			return fmt.Errorf("%w: session %s sequence %d",
				ErrDuplicateSequence, event.SessionID, event.Sequence)
		}
	}
	slot.events = append(slot.events, event)
	return nil
}

// GetBySession returns a copy of all events for the session.
func (s *MemoryStore) GetBySession(_ context.Context, sessionID string) ([]models.Event, error) {
	slot := s.slot(sessionID)
	slot.mu.RLock()
	defer slot.mu.RUnlock()
	return append([]models.Event(nil), slot.events...), nil
}

// GetByType returns the last limit events of the given type, ascending.
func (s *MemoryStore) GetByType(_ context.Context, sessionID string, eventType models.EventType, limit int) ([]models.Event, error) {
	slot := s.slot(sessionID)
	slot.mu.RLock()
	defer slot.mu.RUnlock()

	matched := make([]models.Event, 0, limit)
	for _, e := range slot.events {
		if e.Type == eventType {
			matched = append(matched, e)
		}
	}
	return tail(matched, limit), nil
}

// GetRecent returns the last limit events, ascending.
func (s *MemoryStore) GetRecent(_ context.Context, sessionID string, limit int) ([]models.Event, error) {
	slot := s.slot(sessionID)
	slot.mu.RLock()
	defer slot.mu.RUnlock()
	return tail(append([]models.Event(nil), slot.events...), limit), nil
}

// GetAfterSequence returns up to limit events after afterSeq, ascending.
func (s *MemoryStore) GetAfterSequence(_ context.Context, sessionID string, afterSeq int64, limit int) ([]models.Event, error) {
	slot := s.slot(sessionID)
	slot.mu.RLock()
	defer slot.mu.RUnlock()

	result := make([]models.Event, 0, limit)
	for _, e := range slot.events {
		if e.Sequence > afterSeq {
			result = append(result, e)
			if len(result) == limit {
				break
			}
		}
	}
	return result, nil
}

// GetNextSequence atomically allocates the session's next sequence.
func (s *MemoryStore) GetNextSequence(_ context.Context, sessionID string) (int64, error) {
	slot := s.slot(sessionID)
	slot.mu.Lock()
	defer slot.mu.Unlock()
	slot.seq++
	return slot.seq, nil
}

// SetSequence forces the counter; the next allocation returns seq+1.
func (s *MemoryStore) SetSequence(_ context.Context, sessionID string, seq int64) error {
	slot := s.slot(sessionID)
	slot.mu.Lock()
	defer slot.mu.Unlock()
	slot.seq = seq
	return nil
}

// Clear drops all events for the session, keeping the counter.
func (s *MemoryStore) Clear(_ context.Context, sessionID string) error {
	slot := s.slot(sessionID)
	slot.mu.Lock()
	defer slot.mu.Unlock()
	slot.events = nil
	return nil
}

// Count returns the number of stored events for the session.
func (s *MemoryStore) Count(_ context.Context, sessionID string) (int, error) {
	slot := s.slot(sessionID)
	slot.mu.RLock()
	defer slot.mu.RUnlock()
	return len(slot.events), nil
}

// Delete removes the session's slot entirely, counter included. Used by
// session deletion, which removes events, counter, and config in one step.
func (s *MemoryStore) Delete(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.slots, sessionID)
}

// tail returns the last limit elements of events.
func tail(events []models.Event, limit int) []models.Event {
	if limit > 0 && len(events) > limit {
		return events[len(events)-limit:]
	}
	return events
}
