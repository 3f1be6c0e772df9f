// Package storage defines the pluggable event store behind the event log and
// provides the in-memory reference implementation plus a PostgreSQL-backed
// implementation for durable multi-process deployments.
package storage

import (
	"context"
	"errors"

	"github.com/openagora/agora/pkg/models"
)

// Sentinel storage errors.
var (
	// ErrAppendRejected indicates the backing store refused a write.
	ErrAppendRejected = errors.New("event store rejected append")
	// ErrDuplicateSequence indicates an append reused an existing sequence.
	ErrDuplicateSequence = errors.New("duplicate sequence for session")
)

// EventStore is the narrow persistence contract the event log runs on.
//
// Implementations must keep all sequence-counter arithmetic on their side of
// the boundary (GetNextSequence is an atomic increment) so that multi-process
// deployments stay correct. Events are immutable once appended; a store never
// mutates stored events, only inserts, filters, and deletes them.
type EventStore interface {
	// Append stores an event whose Sequence has already been allocated via
	// GetNextSequence (or is being restored during a prune rewrite).
	Append(ctx context.Context, event models.Event) error

	// GetBySession returns every stored event for a session in ascending
	// sequence order. Internal use only, public reads are always bounded.
	GetBySession(ctx context.Context, sessionID string) ([]models.Event, error)

	// GetByType returns the last limit events of one type, ascending.
	GetByType(ctx context.Context, sessionID string, eventType models.EventType, limit int) ([]models.Event, error)

	// GetRecent returns the last limit events, ascending.
	GetRecent(ctx context.Context, sessionID string, limit int) ([]models.Event, error)

	// GetAfterSequence returns up to limit events with sequence strictly
	// greater than afterSeq, ascending.
	GetAfterSequence(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]models.Event, error)

	// GetNextSequence atomically allocates the next sequence for a session.
	// The first call for a session returns 1.
	GetNextSequence(ctx context.Context, sessionID string) (int64, error)

	// SetSequence forces the session's counter so the next allocation
	// returns seq+1. Used to restore the counter after a prune rewrite.
	SetSequence(ctx context.Context, sessionID string, seq int64) error

	// Clear removes all stored events for a session. The sequence counter
	// is left untouched.
	Clear(ctx context.Context, sessionID string) error

	// Count returns the number of stored events for a session.
	Count(ctx context.Context, sessionID string) (int, error)
}
