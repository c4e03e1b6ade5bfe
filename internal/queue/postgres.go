package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/couriermq/courierd/internal/mail"
)

// PostgresStore is the Store implementation backed by PostgreSQL, grounded
// on internal/repository/postgres/email.go's query/scan conventions.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a Store backed by pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const entryColumns = `id, recipient, request, pickled_context, created, retry_on, retry, sent`

func scanEntry(row pgx.CollectableRow) (mail.QueueEntry, error) {
	var e mail.QueueEntry
	var requestJSON []byte
	if err := row.Scan(&e.ID, &e.Recipient, &requestJSON, &e.PickledContext, &e.Created, &e.RetryOn, &e.Retry, &e.Sent); err != nil {
		return e, err
	}
	if err := json.Unmarshal(requestJSON, &e.Request); err != nil {
		return e, fmt.Errorf("decoding stored request: %w", err)
	}
	return e, nil
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// Put inserts a new entry.
func (s *PostgresStore) Put(ctx context.Context, entry *mail.QueueEntry) error {
	requestJSON, err := json.Marshal(entry.Request)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	query := fmt.Sprintf(`INSERT INTO queue_entries (%s) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`, entryColumns)
	_, err = s.pool.Exec(ctx, query,
		entry.ID, entry.Recipient, requestJSON, entry.PickledContext,
		entry.Created, entry.RetryOn, entry.Retry, entry.Sent,
	)
	if err != nil {
		return fmt.Errorf("put queue entry %s: %w", entry.ID, err)
	}
	return nil
}

// Get fetches an entry by id.
func (s *PostgresStore) Get(ctx context.Context, id string) (*mail.QueueEntry, error) {
	query := fmt.Sprintf(`SELECT %s FROM queue_entries WHERE id = $1`, entryColumns)
	rows, err := s.pool.Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("get queue entry %s: %w", id, err)
	}
	defer rows.Close()

	entry, err := pgx.CollectExactlyOneRow(rows, scanEntry)
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get queue entry %s: %w", id, err)
	}
	return &entry, nil
}

// Delete removes an entry by id.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM queue_entries WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete queue entry %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Update fetches the entry under FOR UPDATE row lock, applies fn, and
// writes it back in the same transaction, so concurrent updates of the
// same entry are serialized. The lock is released at commit; it does not
// cover a dispatcher worker's run.
func (s *PostgresStore) Update(ctx context.Context, id string, fn func(*mail.QueueEntry) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin update tx for %s: %w", id, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := fmt.Sprintf(`SELECT %s FROM queue_entries WHERE id = $1 FOR UPDATE`, entryColumns)
	row, err := tx.Query(ctx, query, id)
	if err != nil {
		return fmt.Errorf("locking queue entry %s: %w", id, err)
	}
	if !row.Next() {
		row.Close()
		return ErrNotFound
	}
	entry, err := scanEntry(row)
	row.Close()
	if err != nil {
		return fmt.Errorf("locking queue entry %s: %w", id, err)
	}

	if err := fn(&entry); err != nil {
		return err
	}

	requestJSON, err := json.Marshal(entry.Request)
	if err != nil {
		return fmt.Errorf("encoding updated request for %s: %w", id, err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE queue_entries
		SET recipient = $2, request = $3, pickled_context = $4,
		    retry_on = $5, retry = $6, sent = $7
		WHERE id = $1`,
		entry.ID, entry.Recipient, requestJSON, entry.PickledContext,
		entry.RetryOn, entry.Retry, entry.Sent,
	)
	if err != nil {
		return fmt.Errorf("writing updated queue entry %s: %w", id, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing update for %s: %w", id, err)
	}
	return nil
}

// DueActive selects active entries whose retry_on is before now.
func (s *PostgresStore) DueActive(ctx context.Context, now time.Time) ([]mail.QueueEntry, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM queue_entries
		WHERE sent IS NULL AND retry <= $1 AND retry_on < $2
		ORDER BY retry_on ASC`, entryColumns)
	rows, err := s.pool.Query(ctx, query, mail.MaxRetry, now)
	if err != nil {
		return nil, fmt.Errorf("selecting due entries: %w", err)
	}
	defer rows.Close()
	return pgx.CollectRows(rows, scanEntry)
}

// SentBefore selects sent entries older than cutoff.
func (s *PostgresStore) SentBefore(ctx context.Context, cutoff time.Time) ([]mail.QueueEntry, error) {
	query := fmt.Sprintf(`SELECT %s FROM queue_entries WHERE sent IS NOT NULL AND sent < $1`, entryColumns)
	rows, err := s.pool.Query(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("selecting sent entries before %s: %w", cutoff, err)
	}
	defer rows.Close()
	return pgx.CollectRows(rows, scanEntry)
}

// Exhausted selects active entries that have used up their retry budget.
func (s *PostgresStore) Exhausted(ctx context.Context) ([]mail.QueueEntry, error) {
	query := fmt.Sprintf(`SELECT %s FROM queue_entries WHERE sent IS NULL AND retry > $1`, entryColumns)
	rows, err := s.pool.Query(ctx, query, mail.MaxRetry)
	if err != nil {
		return nil, fmt.Errorf("selecting exhausted entries: %w", err)
	}
	defer rows.Close()
	return pgx.CollectRows(rows, scanEntry)
}
