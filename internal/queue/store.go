// Package queue implements spec component C, the Queue Store: a durable,
// transactional mapping from message id to queue entry.
package queue

import (
	"context"
	"time"

	"github.com/couriermq/courierd/internal/mail"
)

// Store is the durable Queue Store contract. put/get/delete/update are
// atomic with serializable semantics; the due/sent/exhausted selections
// used by the poll cycle (spec §4.F) are exposed as named query methods
// rather than a literal predicate callback, matching how the teacher's
// own repositories expose one method per query instead of a generic
// filter function.
type Store interface {
	// Put inserts a new entry. It is an error to Put an id that already
	// exists.
	Put(ctx context.Context, entry *mail.QueueEntry) error

	// Get fetches an entry by id. Returns ErrNotFound if absent.
	Get(ctx context.Context, id string) (*mail.QueueEntry, error)

	// Delete removes an entry by id. Returns ErrNotFound if absent.
	Delete(ctx context.Context, id string) error

	// Update fetches the entry under a row lock, applies fn, and writes
	// the result back in the same transaction. Returns ErrNotFound if
	// absent.
	Update(ctx context.Context, id string, fn func(*mail.QueueEntry) error) error

	// DueActive selects active entries (sent == nil, retry <= MaxRetry)
	// whose retry_on is strictly before now.
	DueActive(ctx context.Context, now time.Time) ([]mail.QueueEntry, error)

	// SentBefore selects sent entries whose sent timestamp is strictly
	// before cutoff, for age-out purge.
	SentBefore(ctx context.Context, cutoff time.Time) ([]mail.QueueEntry, error)

	// Exhausted selects active-but-exhausted entries (sent == nil, retry
	// > MaxRetry).
	Exhausted(ctx context.Context) ([]mail.QueueEntry, error)
}
