//go:build integration

package queue

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/couriermq/courierd/internal/mail"
)

var testPool *pgxpool.Pool

func TestMain(m *testing.M) {
	ctx := context.Background()

	pgContainer, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("courierd_test"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres container: %v\n", err)
		os.Exit(1)
	}

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get connection string: %v\n", err)
		os.Exit(1)
	}

	mig, err := migrate.New("file://../../db/migrations", connStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init migrations: %v\n", err)
		os.Exit(1)
	}
	if err := mig.Up(); err != nil && err != migrate.ErrNoChange {
		fmt.Fprintf(os.Stderr, "failed to run migrations: %v\n", err)
		os.Exit(1)
	}
	srcErr, dbErr := mig.Close()
	if srcErr != nil || dbErr != nil {
		fmt.Fprintf(os.Stderr, "migration close errors: src=%v db=%v\n", srcErr, dbErr)
	}

	testPool, err = pgxpool.New(ctx, connStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create pool: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()

	testPool.Close()
	_ = pgContainer.Terminate(ctx)

	os.Exit(code)
}

func truncateAll(t *testing.T) {
	t.Helper()
	_, err := testPool.Exec(context.Background(), "TRUNCATE TABLE queue_entries")
	require.NoError(t, err)
}

func newTestEntry(id string) *mail.QueueEntry {
	now := time.Now().UTC().Truncate(time.Second)
	return &mail.QueueEntry{
		ID:        id,
		Recipient: "recipient@example.com",
		Request: mail.Request{
			To:      []string{"recipient@example.com"},
			Subject: "Test Subject",
			Text:    "hello",
		},
		Created: now,
		RetryOn: now,
		Retry:   0,
	}
}

func TestPostgresStore_PutGetDelete(t *testing.T) {
	truncateAll(t)
	store := NewPostgresStore(testPool)
	ctx := context.Background()

	entry := newTestEntry("abc123")
	require.NoError(t, store.Put(ctx, entry))

	got, err := store.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, entry.Recipient, got.Recipient)
	assert.Equal(t, entry.Request.Subject, got.Request.Subject)
	assert.Equal(t, entry.Request.To, got.Request.To)

	require.NoError(t, store.Delete(ctx, entry.ID))
	_, err = store.Get(ctx, entry.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStore_GetMissing(t *testing.T) {
	truncateAll(t)
	store := NewPostgresStore(testPool)
	_, err := store.Get(context.Background(), "nonexistent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStore_Update(t *testing.T) {
	truncateAll(t)
	store := NewPostgresStore(testPool)
	ctx := context.Background()

	entry := newTestEntry("upd123")
	require.NoError(t, store.Put(ctx, entry))

	err := store.Update(ctx, entry.ID, func(e *mail.QueueEntry) error {
		e.Retry++
		now := time.Now().UTC().Truncate(time.Second)
		e.Sent = &now
		return nil
	})
	require.NoError(t, err)

	got, err := store.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Retry)
	require.NotNil(t, got.Sent)
}

func TestPostgresStore_DueActive(t *testing.T) {
	truncateAll(t)
	store := NewPostgresStore(testPool)
	ctx := context.Background()

	past := newTestEntry("due1")
	past.RetryOn = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, store.Put(ctx, past))

	future := newTestEntry("notdue1")
	future.RetryOn = time.Now().UTC().Add(time.Hour)
	require.NoError(t, store.Put(ctx, future))

	due, err := store.DueActive(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "due1", due[0].ID)
}

func TestPostgresStore_Exhausted(t *testing.T) {
	truncateAll(t)
	store := NewPostgresStore(testPool)
	ctx := context.Background()

	spent := newTestEntry("exhausted1")
	spent.Retry = mail.MaxRetry + 1
	require.NoError(t, store.Put(ctx, spent))

	active := newTestEntry("active1")
	require.NoError(t, store.Put(ctx, active))

	exhausted, err := store.Exhausted(ctx)
	require.NoError(t, err)
	require.Len(t, exhausted, 1)
	assert.Equal(t, "exhausted1", exhausted[0].ID)
}

func TestPostgresStore_SentBefore(t *testing.T) {
	truncateAll(t)
	store := NewPostgresStore(testPool)
	ctx := context.Background()

	old := newTestEntry("oldsent1")
	oldSent := time.Now().UTC().Add(-5 * time.Hour)
	old.Sent = &oldSent
	require.NoError(t, store.Put(ctx, old))

	recent := newTestEntry("recentsent1")
	recentSent := time.Now().UTC()
	recent.Sent = &recentSent
	require.NoError(t, store.Put(ctx, recent))

	cutoff := time.Now().UTC().Add(-time.Hour)
	results, err := store.SentBefore(ctx, cutoff)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "oldsent1", results[0].ID)
}
