package queue

import "errors"

// ErrNotFound is returned by Get/Update/Delete when no entry exists for
// the given id.
var ErrNotFound = errors.New("queue: entry not found")
