package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openagora/agora/pkg/models"
)

// PostgresStore is the durable EventStore. Sequence allocation happens in
// SQL (single-statement upsert), so multiple processes sharing one database
// still produce session-unique, strictly increasing sequences.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects a store to an existing pool. Run Migrate first.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Connect opens a pool, verifies connectivity, and runs migrations.
func Connect(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create pgx pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := Migrate(databaseURL); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Append inserts an event row. A unique-violation on (session_id, sequence)
// maps to ErrDuplicateSequence.
func (s *PostgresStore) Append(ctx context.Context, event models.Event) error {
	contentJSON, err := json.Marshal(event.Content)
	if err != nil {
		return fmt.Errorf("failed to marshal event content: %w", err)
	}
	var metaJSON []byte
	if event.Meta != nil {
		if metaJSON, err = json.Marshal(event.Meta); err != nil {
			return fmt.Errorf("failed to marshal event meta: %w", err)
		}
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO events (event_id, session_id, sequence, created_at, event_type, speaker, content, meta)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		event.ID, event.SessionID, event.Sequence, event.Timestamp,
		string(event.Type), event.Speaker, contentJSON, metaJSON,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: session %s sequence %d",
				ErrDuplicateSequence, event.SessionID, event.Sequence)
		}
		return fmt.Errorf("%w: %w", ErrAppendRejected, err)
	}
	return nil
}

// GetBySession returns every event for a session, ascending.
func (s *PostgresStore) GetBySession(ctx context.Context, sessionID string) ([]models.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT event_id, session_id, sequence, created_at, event_type, speaker, content, meta
		 FROM events WHERE session_id = $1 ORDER BY sequence ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query session events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// GetByType returns the last limit events of one type, ascending.
func (s *PostgresStore) GetByType(ctx context.Context, sessionID string, eventType models.EventType, limit int) ([]models.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT event_id, session_id, sequence, created_at, event_type, speaker, content, meta
		 FROM (
		   SELECT * FROM events
		   WHERE session_id = $1 AND event_type = $2
		   ORDER BY sequence DESC LIMIT $3
		 ) recent ORDER BY sequence ASC`,
		sessionID, string(eventType), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events by type: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// GetRecent returns the last limit events, ascending.
func (s *PostgresStore) GetRecent(ctx context.Context, sessionID string, limit int) ([]models.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT event_id, session_id, sequence, created_at, event_type, speaker, content, meta
		 FROM (
		   SELECT * FROM events
		   WHERE session_id = $1
		   ORDER BY sequence DESC LIMIT $2
		 ) recent ORDER BY sequence ASC`,
		sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// GetAfterSequence returns up to limit events past afterSeq, ascending.
func (s *PostgresStore) GetAfterSequence(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]models.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT event_id, session_id, sequence, created_at, event_type, speaker, content, meta
		 FROM events WHERE session_id = $1 AND sequence > $2
		 ORDER BY sequence ASC LIMIT $3`,
		sessionID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events after sequence: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// GetNextSequence allocates the next sequence in a single upsert statement.
func (s *PostgresStore) GetNextSequence(ctx context.Context, sessionID string) (int64, error) {
	var seq int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO session_sequences (session_id, next_seq) VALUES ($1, 1)
		 ON CONFLICT (session_id)
		 DO UPDATE SET next_seq = session_sequences.next_seq + 1
		 RETURNING next_seq`, sessionID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate sequence: %w", err)
	}
	return seq, nil
}

// SetSequence forces the counter so the next allocation returns seq+1.
func (s *PostgresStore) SetSequence(ctx context.Context, sessionID string, seq int64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO session_sequences (session_id, next_seq) VALUES ($1, $2)
		 ON CONFLICT (session_id) DO UPDATE SET next_seq = $2`, sessionID, seq)
	if err != nil {
		return fmt.Errorf("failed to set sequence: %w", err)
	}
	return nil
}

// Clear removes all events for a session; the counter row survives.
func (s *PostgresStore) Clear(ctx context.Context, sessionID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM events WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("failed to clear session events: %w", err)
	}
	return nil
}

// Count returns the number of stored events for a session.
func (s *PostgresStore) Count(ctx context.Context, sessionID string) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM events WHERE session_id = $1`, sessionID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count session events: %w", err)
	}
	return n, nil
}

// Delete removes events and the sequence counter in one transaction.
func (s *PostgresStore) Delete(ctx context.Context, sessionID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin delete transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM events WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("failed to delete session events: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM session_sequences WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("failed to delete session sequence: %w", err)
	}
	return tx.Commit(ctx)
}

// scanEvents decodes query rows into events.
func scanEvents(rows pgx.Rows) ([]models.Event, error) {
	var events []models.Event
	for rows.Next() {
		var (
			e           models.Event
			eventType   string
			contentJSON []byte
			metaJSON    []byte
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Sequence, &e.Timestamp,
			&eventType, &e.Speaker, &contentJSON, &metaJSON); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		e.Type = models.EventType(eventType)
		if err := json.Unmarshal(contentJSON, &e.Content); err != nil {
			return nil, fmt.Errorf("failed to decode event content: %w", err)
		}
		if len(metaJSON) > 0 {
			e.Meta = &models.Meta{}
			if err := json.Unmarshal(metaJSON, e.Meta); err != nil {
				return nil, fmt.Errorf("failed to decode event meta: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
