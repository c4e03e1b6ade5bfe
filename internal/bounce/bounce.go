// Package bounce implements spec component G, the Bounce Correlator: it
// maps an inbound VERP bounce address back to the queue entry it names,
// deletes the entry, and returns the recipient and restored context for
// event emission.
package bounce

import (
	"context"
	"fmt"
	"strings"

	"github.com/couriermq/courierd/internal/mail"
	"github.com/couriermq/courierd/internal/queue"
	"github.com/couriermq/courierd/internal/snapshot"
)

const bouncePrefix = "noreply+"

// Result carries what the caller needs to emit email_bounced.
type Result struct {
	MsgID     string
	Recipient string
	Context   interface{}
}

// Correlate parses bounceAddress's local-part, strips the "noreply+"
// prefix to recover the message id, deletes the matching queue entry, and
// returns the recipient plus restored context. A bounce address that
// names no live entry is a silent no-op (ok == false, err == nil) — spec
// §4.G: custom bounce domains may deliver orphan bounces.
func Correlate(ctx context.Context, store queue.Store, pickler snapshot.Pickler, bounceAddress string) (Result, bool, error) {
	local, _, found := strings.Cut(bounceAddress, "@")
	if !found {
		local = bounceAddress
	}
	if !strings.HasPrefix(local, bouncePrefix) {
		return Result{}, false, nil
	}
	msgID := strings.TrimPrefix(local, bouncePrefix)
	if msgID == "" {
		return Result{}, false, nil
	}

	entry, err := store.Get(ctx, msgID)
	if err != nil {
		if err == queue.ErrNotFound {
			return Result{}, false, nil
		}
		return Result{}, false, fmt.Errorf("looking up bounced entry %s: %w", msgID, err)
	}

	if err := store.Delete(ctx, msgID); err != nil && err != queue.ErrNotFound {
		return Result{}, false, fmt.Errorf("deleting bounced entry %s: %w", msgID, err)
	}

	restoredCtx, err := restoreContext(pickler, entry)
	if err != nil {
		return Result{}, false, fmt.Errorf("restoring context for %s: %w", msgID, err)
	}

	return Result{MsgID: msgID, Recipient: entry.Recipient, Context: restoredCtx}, true, nil
}

func restoreContext(pickler snapshot.Pickler, entry *mail.QueueEntry) (interface{}, error) {
	if pickler == nil || len(entry.PickledContext) == 0 {
		return nil, nil
	}
	return pickler.Depickle(entry.PickledContext)
}
