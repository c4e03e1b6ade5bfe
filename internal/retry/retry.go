// Package retry implements spec component D, the Retry Scheduler: the
// backoff schedule and the purge predicates the poll cycle runs each tick.
package retry

import (
	"context"
	"time"

	"github.com/couriermq/courierd/internal/mail"
	"github.com/couriermq/courierd/internal/queue"
)

// backoffMinutes is keyed on the attempt number before this attempt,
// mirroring the table-indexed backoff pattern of a webhook redelivery
// schedule: a fixed slice indexed (and clamped) by attempt count rather
// than a computed exponential curve.
var backoffMinutes = []int{10, 60, 720, 1440, 2880, 4320, 10080}

// NextDelay returns the delay before the next attempt, given the attempt
// count already made (0 on the first retry after an initial failure).
func NextDelay(attempt int) time.Duration {
	idx := attempt
	if idx < 0 {
		idx = 0
	}
	if idx >= len(backoffMinutes) {
		idx = len(backoffMinutes) - 1
	}
	return time.Duration(backoffMinutes[idx]) * time.Minute
}

// UpdateRetry advances an entry's retry state in place: increments retry
// and sets retry_on to now+NextDelay(previous retry count). Called by the
// poll cycle before a Dispatcher Worker is spawned for the entry (spec
// §4.F step (c)), so a crash between commit and dispatch still leaves the
// entry correctly scheduled for its next attempt.
func UpdateRetry(ctx context.Context, store queue.Store, id string, now time.Time) error {
	return store.Update(ctx, id, func(e *mail.QueueEntry) error {
		e.RetryOn = now.Add(NextDelay(e.Retry))
		e.Retry++
		return nil
	})
}

// MarkSent marks an entry as sent at the given time.
func MarkSent(ctx context.Context, store queue.Store, id string, at time.Time) error {
	return store.Update(ctx, id, func(e *mail.QueueEntry) error {
		e.Sent = &at
		return nil
	})
}

// PurgeSent deletes sent entries older than mail.DeleteAfter and returns
// the entries it removed, so the caller can emit one email_sent(id,
// recipient) event per purged entry (spec §4.F step (a)).
func PurgeSent(ctx context.Context, store queue.Store, now time.Time) ([]mail.QueueEntry, error) {
	cutoff := now.Add(-mail.DeleteAfter)
	entries, err := store.SentBefore(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	purged := make([]mail.QueueEntry, 0, len(entries))
	for _, e := range entries {
		if err := store.Delete(ctx, e.ID); err != nil && err != queue.ErrNotFound {
			return purged, err
		}
		purged = append(purged, e)
	}
	return purged, nil
}

// PurgeExhausted deletes entries that ran out of retries without ever
// sending, returning the entries so the caller can emit email_failed(id,
// recipient) for each (spec §4.F step (b)).
func PurgeExhausted(ctx context.Context, store queue.Store, now time.Time) ([]mail.QueueEntry, error) {
	entries, err := store.Exhausted(ctx)
	if err != nil {
		return nil, err
	}
	purged := make([]mail.QueueEntry, 0, len(entries))
	for _, e := range entries {
		if err := store.Delete(ctx, e.ID); err != nil && err != queue.ErrNotFound {
			return purged, err
		}
		purged = append(purged, e)
	}
	return purged, nil
}
