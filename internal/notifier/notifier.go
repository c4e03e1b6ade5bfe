// Package notifier implements the fire-and-forget "notifier bus" external
// interface of spec §6: each delivery-outcome event carries a tag, a
// payload, and the restored application context.
package notifier

import (
	"context"
	"log/slog"
)

// Event tags emitted by the dispatcher.
const (
	EventSent       = "email_sent"
	EventFailed     = "email_failed"
	EventBounced    = "email_bounced"
	EventSpamStatus = "email_spamstatus"
)

// Notifier is the fire-and-forget event bus the core publishes to. A real
// deployment backs this with its own delivery-events pipeline; courierd
// only needs to know the tag, payload, and restored context for each call.
type Notifier interface {
	Notify(ctx context.Context, tag string, payload interface{}, appCtx interface{})
}

// SlogSink is the default Notifier: it logs every event at info level
// instead of forwarding it anywhere, the way a standalone deployment with
// no external event bus would observe outcomes.
type SlogSink struct {
	Logger *slog.Logger
}

// Notify logs the event. It never returns an error and never blocks the
// caller on anything beyond a single log write.
func (s SlogSink) Notify(_ context.Context, tag string, payload interface{}, _ interface{}) {
	s.Logger.Info("notifier event", "tag", tag, "payload", payload)
}

// SentPayload is the payload for EventSent.
type SentPayload struct {
	ID        string `json:"id"`
	Recipient string `json:"recipient"`
}

// FailedPayload is the payload for EventFailed.
type FailedPayload struct {
	ID        string `json:"id"`
	Recipient string `json:"recipient"`
	Reason    string `json:"reason,omitempty"`
}

// BouncedPayload is the payload for EventBounced.
type BouncedPayload struct {
	ID        string `json:"id"`
	Recipient string `json:"recipient"`
}

// SpamStatusPayload is the payload for EventSpamStatus.
type SpamStatusPayload struct {
	ID      string   `json:"id"`
	IsSpam  string   `json:"is_spam"` // "yes" | "no" | "unknown"
	Symbols []string `json:"symbols,omitempty"`
}
