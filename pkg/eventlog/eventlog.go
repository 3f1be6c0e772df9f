// Package eventlog implements the per-session, append-only, monotonically
// sequenced fact store. It runs on a pluggable storage.EventStore and adds
// append serialisation, bounded reads, pruning, and automatic size control.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openagora/agora/pkg/config"
	"github.com/openagora/agora/pkg/models"
	"github.com/openagora/agora/pkg/storage"
)

// Sentinel event-log errors.
var (
	// ErrInvalidLimit rejects reads with limit <= 0 or > config.MaxReadLimit.
	ErrInvalidLimit = errors.New("invalid limit")
	// ErrSessionCapacity wraps a store append rejection. Overflow never
	// produces it since pruning is automatic.
	ErrSessionCapacity = errors.New("session capacity")
	// ErrSessionTerminal rejects appends after a SESSION_END or
	// SESSION_ABORTED event. Terminal sessions are read-only.
	ErrSessionTerminal = errors.New("session is terminal")
)

// DefaultTypeLimit is the default limit for type- and sequence-filtered reads.
const DefaultTypeLimit = 20

// Publisher receives each appended event synchronously, inside the session's
// append critical section, so downstream observers see events in sequence
// order. It must not block on IO.
type Publisher func(models.Event)

// Log is the per-session event log.
type Log struct {
	store     storage.EventStore
	maxEvents int
	publish   Publisher

	mu       sync.Mutex
	sessions map[string]*sessionLock
}

// sessionLock serialises appends for one session and caches its last
// allocated sequence. closed is set once a terminal event lands.
type sessionLock struct {
	mu      sync.Mutex
	lastSeq int64
	seeded  bool
	closed  bool
}

// Option configures a Log.
type Option func(*Log)

// WithMaxEvents overrides the auto-prune threshold (default 500).
func WithMaxEvents(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.maxEvents = n
		}
	}
}

// WithPublisher wires the synchronous post-append publish hook.
func WithPublisher(p Publisher) Option {
	return func(l *Log) { l.publish = p }
}

// New creates an event log on the given store.
func New(store storage.EventStore, opts ...Option) *Log {
	l := &Log{
		store:     store,
		maxEvents: 500,
		sessions:  make(map[string]*sessionLock),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SetPublisher replaces the publish hook. Intended for wiring during
// composition, before any appends happen.
func (l *Log) SetPublisher(p Publisher) {
	l.publish = p
}

// session returns the per-session lock, creating it on first use.
func (l *Log) session(sessionID string) *sessionLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.sessions[sessionID]
	if !ok {
		s = &sessionLock{}
		l.sessions[sessionID] = s
	}
	return s
}

// Append allocates the next sequence, stores the event, publishes it, and
// runs auto-pruning. Appends on one session serialise; different sessions
// proceed independently. Once a terminal event has been appended, every
// further append returns ErrSessionTerminal.
func (l *Log) Append(ctx context.Context, sessionID string, eventType models.EventType, speaker string, content models.Content, meta *models.Meta) (models.Event, error) {
	s := l.session(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.seeded {
		// Session unseen by this process, recover terminal state from
		// the store before accepting the write.
		recent, err := l.store.GetRecent(ctx, sessionID, 1)
		if err != nil {
			return models.Event{}, fmt.Errorf("%w: %w", ErrSessionCapacity, err)
		}
		if len(recent) > 0 {
			last := recent[len(recent)-1]
			s.lastSeq = last.Sequence
			s.closed = last.Terminal()
		}
		s.seeded = true
	}
	if s.closed {
		return models.Event{}, fmt.Errorf("%w: %s", ErrSessionTerminal, sessionID)
	}

	seq, err := l.store.GetNextSequence(ctx, sessionID)
	if err != nil {
		return models.Event{}, fmt.Errorf("%w: %w", ErrSessionCapacity, err)
	}

	event := models.Event{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Sequence:  seq,
		Timestamp: time.Now(),
		Type:      eventType,
		Speaker:   speaker,
		Content:   content,
		Meta:      meta,
	}

	if err := l.store.Append(ctx, event); err != nil {
		return models.Event{}, fmt.Errorf("%w: %w", ErrSessionCapacity, err)
	}
	s.lastSeq = seq
	s.seeded = true
	if event.Terminal() {
		s.closed = true
	}

	if l.publish != nil {
		l.publish(event)
	}

	if err := l.autoPrune(ctx, sessionID, s); err != nil {
		// The append itself succeeded; an auto-prune failure is logged,
		// not surfaced, so a flaky store cannot fail healthy writes.
		slog.Error("Auto-prune failed", "session_id", sessionID, "error", err)
	}

	return event, nil
}

// GetRecent returns the last limit events in ascending sequence order.
func (l *Log) GetRecent(ctx context.Context, sessionID string, limit int) ([]models.Event, error) {
	if err := validateLimit(limit); err != nil {
		return nil, err
	}
	return l.store.GetRecent(ctx, sessionID, limit)
}

// GetByType returns the last limit events of the given type, ascending.
// limit <= 0 is rejected like every other read.
func (l *Log) GetByType(ctx context.Context, sessionID string, eventType models.EventType, limit int) ([]models.Event, error) {
	if err := validateLimit(limit); err != nil {
		return nil, err
	}
	return l.store.GetByType(ctx, sessionID, eventType, limit)
}

// GetAfterSequence returns up to limit events with sequence > afterSeq.
func (l *Log) GetAfterSequence(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]models.Event, error) {
	if err := validateLimit(limit); err != nil {
		return nil, err
	}
	return l.store.GetAfterSequence(ctx, sessionID, afterSeq, limit)
}

// GetCurrentSequence returns the last allocated sequence for the session
// (0 when nothing has been appended).
func (l *Log) GetCurrentSequence(ctx context.Context, sessionID string) (int64, error) {
	s := l.session(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.seeded {
		// Session unseen by this process, seed from the store.
		recent, err := l.store.GetRecent(ctx, sessionID, 1)
		if err != nil {
			return 0, err
		}
		if len(recent) > 0 {
			last := recent[len(recent)-1]
			s.lastSeq = last.Sequence
			s.closed = last.Terminal()
		}
		s.seeded = true
	}
	return s.lastSeq, nil
}

// Count returns the number of currently stored events for the session.
func (l *Log) Count(ctx context.Context, sessionID string) (int, error) {
	return l.store.Count(ctx, sessionID)
}

// Clear removes all stored events. The sequence counter is preserved.
func (l *Log) Clear(ctx context.Context, sessionID string) error {
	s := l.session(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return l.store.Clear(ctx, sessionID)
}

// Strategy selects which events a prune retains.
type Strategy interface {
	retain(events []models.Event) []models.Event
}

// ByCount retains the last Keep events.
type ByCount struct{ Keep int }

func (s ByCount) retain(events []models.Event) []models.Event {
	if s.Keep <= 0 {
		return nil
	}
	if len(events) <= s.Keep {
		return events
	}
	return events[len(events)-s.Keep:]
}

// ByType retains only events whose type is listed.
type ByType struct{ KeepTypes []models.EventType }

func (s ByType) retain(events []models.Event) []models.Event {
	keep := make(map[models.EventType]bool, len(s.KeepTypes))
	for _, t := range s.KeepTypes {
		keep[t] = true
	}
	var retained []models.Event
	for _, e := range events {
		if keep[e.Type] {
			retained = append(retained, e)
		}
	}
	return retained
}

// BeforeSequence drops all events with sequence < Seq.
type BeforeSequence struct{ Seq int64 }

func (s BeforeSequence) retain(events []models.Event) []models.Event {
	var retained []models.Event
	for _, e := range events {
		if e.Sequence >= s.Seq {
			retained = append(retained, e)
		}
	}
	return retained
}

// Prune rewrites the session's stored window according to the strategy.
// The sequence counter never rolls back.
func (l *Log) Prune(ctx context.Context, sessionID string, strategy Strategy) error {
	s := l.session(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return l.rewrite(ctx, sessionID, s, strategy.retain)
}

// autoPrune enforces the session cap: once the sequence counter has passed
// maxEvents, every append retains all SUMMARY events plus the newest
// maxEvents/2 non-SUMMARY events. Caller holds the session lock.
func (l *Log) autoPrune(ctx context.Context, sessionID string, s *sessionLock) error {
	if s.lastSeq <= int64(l.maxEvents) {
		return nil
	}

	events, err := l.store.GetBySession(ctx, sessionID)
	if err != nil {
		return err
	}

	keepRecent := l.maxEvents / 2
	var summaries, others []models.Event
	for _, e := range events {
		if e.Type == models.EventSummary {
			summaries = append(summaries, e)
		} else {
			others = append(others, e)
		}
	}
	if len(others) <= keepRecent {
		return nil
	}
	others = others[len(others)-keepRecent:]

	retained := append(summaries, others...)
	sort.Slice(retained, func(i, j int) bool {
		return retained[i].Sequence < retained[j].Sequence
	})

	if err := l.store.Clear(ctx, sessionID); err != nil {
		return err
	}
	for _, e := range retained {
		if err := l.store.Append(ctx, e); err != nil {
			return fmt.Errorf("failed to restore event %d during prune: %w", e.Sequence, err)
		}
	}
	if err := l.store.SetSequence(ctx, sessionID, s.lastSeq); err != nil {
		return err
	}

	slog.Info("Event log auto-pruned",
		"session_id", sessionID,
		"before_count", len(events),
		"after_count", len(retained),
		"max_events", l.maxEvents)
	return nil
}

// rewrite replaces the session's stored events with retain(events) and
// restores the sequence counter to its pre-rewrite value. Caller holds the
// session lock.
func (l *Log) rewrite(ctx context.Context, sessionID string, s *sessionLock, retain func([]models.Event) []models.Event) error {
	events, err := l.store.GetBySession(ctx, sessionID)
	if err != nil {
		return err
	}

	lastSeq := s.lastSeq
	if len(events) > 0 && events[len(events)-1].Sequence > lastSeq {
		lastSeq = events[len(events)-1].Sequence
	}

	retained := retain(events)

	if err := l.store.Clear(ctx, sessionID); err != nil {
		return err
	}
	for _, e := range retained {
		if err := l.store.Append(ctx, e); err != nil {
			return fmt.Errorf("failed to restore event %d during prune: %w", e.Sequence, err)
		}
	}
	if err := l.store.SetSequence(ctx, sessionID, lastSeq); err != nil {
		return err
	}
	s.lastSeq = lastSeq
	s.seeded = true
	return nil
}

// validateLimit enforces the bounded-read contract shared by all reads.
func validateLimit(limit int) error {
	if limit <= 0 || limit > config.MaxReadLimit {
		return fmt.Errorf("%w: limit must be 1..%d, got %d",
			ErrInvalidLimit, config.MaxReadLimit, limit)
	}
	return nil
}
