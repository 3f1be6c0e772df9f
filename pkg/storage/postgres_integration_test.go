//go:build integration

package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/openagora/agora/pkg/models"
)

// setupPostgresStore returns a migrated store backed by either the database
// named in CI_DATABASE_URL or a local testcontainer.
func setupPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	ctx := context.Background()

	connStr := os.Getenv("CI_DATABASE_URL")
	if connStr == "" {
		pgContainer, err := postgres.Run(ctx,
			"postgres:17-alpine",
			postgres.WithDatabase("test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		require.NoError(t, err)
		t.Cleanup(func() { _ = pgContainer.Terminate(ctx) })

		connStr, err = pgContainer.ConnectionString(ctx, "sslmode=disable")
		require.NoError(t, err)
	}

	require.NoError(t, Migrate(connStr))

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return NewPostgresStore(pool)
}

func TestPostgresStore_SequenceAndAppend(t *testing.T) {
	store := setupPostgresStore(t)
	ctx := context.Background()
	sessionID := "pg-session-1"
	t.Cleanup(func() { _ = store.Delete(context.Background(), sessionID) })

	for want := int64(1); want <= 3; want++ {
		seq, err := store.GetNextSequence(ctx, sessionID)
		require.NoError(t, err)
		assert.Equal(t, want, seq)
		require.NoError(t, store.Append(ctx, makeEvent(sessionID, seq, models.EventSpeech)))
	}

	events, err := store.GetBySession(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, int64(1), events[0].Sequence)
	assert.Equal(t, "message 1", events[0].Content.Text)

	err = store.Append(ctx, makeEvent(sessionID, 2, models.EventSpeech))
	assert.ErrorIs(t, err, ErrDuplicateSequence)
}

func TestPostgresStore_ReadsAndDelete(t *testing.T) {
	store := setupPostgresStore(t)
	ctx := context.Background()
	sessionID := "pg-session-2"
	t.Cleanup(func() { _ = store.Delete(context.Background(), sessionID) })

	for i := int64(1); i <= 6; i++ {
		typ := models.EventSpeech
		if i == 4 {
			typ = models.EventSummary
		}
		require.NoError(t, store.Append(ctx, makeEvent(sessionID, i, typ)))
	}
	require.NoError(t, store.SetSequence(ctx, sessionID, 6))

	recent, err := store.GetRecent(ctx, sessionID, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, int64(5), recent[0].Sequence)

	after, err := store.GetAfterSequence(ctx, sessionID, 4, 10)
	require.NoError(t, err)
	require.Len(t, after, 2)

	summaries, err := store.GetByType(ctx, sessionID, models.EventSummary, 10)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, int64(4), summaries[0].Sequence)

	require.NoError(t, store.Delete(ctx, sessionID))
	n, err := store.Count(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// Counter removed with the session: allocation starts over.
	seq, err := store.GetNextSequence(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)
}
