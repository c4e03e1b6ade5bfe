// Package dispatch implements spec component E, the Dispatcher Worker: the
// per-entry contract that resolves the VERP envelope, the From header, and
// the recipient override, selects a delivery strategy, encodes the
// message, submits it over SMTP, and translates the outcome into a state
// transition plus notifier events.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/couriermq/courierd/internal/addr"
	"github.com/couriermq/courierd/internal/config"
	"github.com/couriermq/courierd/internal/engine"
	"github.com/couriermq/courierd/internal/mail"
	"github.com/couriermq/courierd/internal/mimemsg"
	"github.com/couriermq/courierd/internal/notifier"
	"github.com/couriermq/courierd/internal/queue"
	"github.com/couriermq/courierd/internal/retry"
	"github.com/couriermq/courierd/internal/spamd"
)

// SMTPSender is the transport backend a Dispatcher submits envelopes to.
// *engine.Sender satisfies this; tests substitute a stub.
type SMTPSender interface {
	Send(ctx context.Context, env engine.Envelope) (engine.Outcome, error)
}

// Dispatcher executes one queue entry's full send contract (spec §4.E).
// One Dispatcher is shared by all worker tasks; Dispatch itself holds no
// per-call state, so concurrent calls for distinct entries are safe.
type Dispatcher struct {
	Store    queue.Store
	Sender   SMTPSender
	Notifier notifier.Notifier
	Logger   *slog.Logger
	Product  mimemsg.ProductInfo

	Render        mimemsg.Renderer
	Markdown      mimemsg.Markdowner
	ImageEmbedder mimemsg.ImageEmbedder
}

// Dispatch runs the full send contract for the due entry named id, using
// snap as the config snapshot read fresh for this cycle (spec §4.I).
func (d *Dispatcher) Dispatch(ctx context.Context, id string, snap config.Snapshot) error {
	entry, err := d.Store.Get(ctx, id)
	if err != nil {
		if err == queue.ErrNotFound {
			// Already sent/deleted by a concurrent bounce or purge; nothing
			// to do.
			return nil
		}
		return fmt.Errorf("fetching entry %s: %w", id, err)
	}

	verp := addr.BounceEmail(entry.ID, snap.EmailDomain, snap.BounceDomainOr())
	from := resolveFrom(&entry.Request, snap, verp)
	envelopeRecipient, headerTo, domain := resolveRecipient(entry.Recipient, snap)

	encoded, err := mimemsg.Encode(&entry.Request, mimemsg.EncodeContext{
		MsgID:         entry.ID,
		VERP:          "<" + verp + ">",
		From:          from,
		To:            headerTo,
		EmailDomain:   snap.EmailDomain,
		Product:       d.Product,
		Encoder:       mimemsg.StdMIMEEncoder{},
		Render:        d.Render,
		Markdown:      d.Markdown,
		ImageEmbedder: d.ImageEmbedder,
	})
	if err != nil {
		return d.fail(ctx, entry.ID, entry.Recipient, fmt.Errorf("encoding message for %s: %w", id, err))
	}

	env := engine.Envelope{
		EnvelopeFrom:    verp,
		Recipient:       envelopeRecipient,
		Message:         encoded,
		Relay:           snap.Relay,
		RelayHost:       snap.Host,
		RelayPort:       snap.Port,
		RelaySSL:        snap.SSL,
		RelayUsername:   snap.Username,
		RelayPassword:   snap.Password,
		RecipientDomain: domain,
		NoMXLookups:     snap.NoMXLookups,
	}

	outcome, sendErr := d.Sender.Send(ctx, env)
	return d.translate(ctx, entry, outcome, sendErr, snap, encoded)
}

// translate implements the outcome table of spec §4.E step 8.
func (d *Dispatcher) translate(ctx context.Context, entry *mail.QueueEntry, outcome engine.Outcome, sendErr error, snap config.Snapshot, encoded []byte) error {
	switch outcome {
	case engine.OutcomeTemporaryFailure:
		// Leave the entry unchanged; the next poll reattempts per the
		// retry_on already advanced before this worker was spawned.
		d.Logger.Warn("temporary delivery failure, will retry", "id", entry.ID, "recipient", entry.Recipient, "error", sendErr)
		return nil

	case engine.OutcomeNoMoreHosts:
		return d.fail(ctx, entry.ID, entry.Recipient, sendErr)

	case engine.OutcomeSent:
		if err := retry.MarkSent(ctx, d.Store, entry.ID, time.Now().UTC()); err != nil {
			return fmt.Errorf("marking %s sent: %w", entry.ID, err)
		}
		d.fireBCC(snap, encoded, entry.ID)
		d.probeSpam(snap, encoded, entry.ID)
		return nil

	default: // engine.OutcomeError and anything unrecognized
		d.Logger.Error("delivery error", "id", entry.ID, "recipient", entry.Recipient, "error", sendErr)
		return d.fail(ctx, entry.ID, entry.Recipient, sendErr)
	}
}

// fail deletes the entry and emits email_failed, per the no_more_hosts and
// other-error rows of the outcome table.
func (d *Dispatcher) fail(ctx context.Context, id, recipient string, cause error) error {
	if err := d.Store.Delete(ctx, id); err != nil && err != queue.ErrNotFound {
		return fmt.Errorf("deleting failed entry %s: %w", id, err)
	}
	d.Notifier.Notify(ctx, notifier.EventFailed, notifier.FailedPayload{
		ID:        id,
		Recipient: recipient,
		Reason:    errString(cause),
	}, nil)
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// fireBCC sends a fire-and-forget copy of the already-encoded message to
// the configured BCC address, on its own context and timeout so a slow or
// failing BCC delivery never holds up the worker or affects the primary
// send's outcome.
func (d *Dispatcher) fireBCC(snap config.Snapshot, encoded []byte, id string) {
	if snap.BCC == "" {
		return
	}
	go func() {
		bccCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		env := engine.Envelope{
			EnvelopeFrom:    snap.EmailFrom,
			Recipient:       snap.BCC,
			Message:         encoded,
			Relay:           snap.Relay,
			RelayHost:       snap.Host,
			RelayPort:       snap.Port,
			RelaySSL:        snap.SSL,
			RelayUsername:   snap.Username,
			RelayPassword:   snap.Password,
			RecipientDomain: domainOf(snap.BCC),
			NoMXLookups:     snap.NoMXLookups,
		}
		if _, err := d.Sender.Send(bccCtx, env); err != nil {
			d.Logger.Warn("bcc copy failed", "id", id, "bcc", snap.BCC, "error", err)
		}
	}()
}

// probeSpam runs the SpamAssassin probe (spec §4.H) against the
// already-sent message and emits email_spamstatus, when spamd is
// configured for this snapshot.
func (d *Dispatcher) probeSpam(snap config.Snapshot, encoded []byte, id string) {
	if !snap.SpamdEnabled() {
		return
	}
	probe := spamd.NewProbe(snap.SpamdIP, snap.SpamdPort, nil)
	verdict, err := probe.Check(encoded)
	if err != nil {
		d.Logger.Warn("spamd probe failed", "id", id, "error", err)
		return
	}
	d.Notifier.Notify(context.Background(), notifier.EventSpamStatus, notifier.SpamStatusPayload{
		ID:      id,
		IsSpam:  verdict.String(),
		Symbols: verdict.Symbols,
	}, nil)
}

// resolveFrom implements spec §4.E step 2.
func resolveFrom(req *mail.Request, snap config.Snapshot, verp string) string {
	name, address, hasAddr := addr.SplitDisplayName(req.From)

	defaultFrom := snap.EmailFrom
	if req.From != "" {
		defaultFrom = "noreply@" + snap.EmailDomain
	}

	if snap.VERPAsFrom {
		return formatFrom(name, verp)
	}
	if !hasAddr {
		return formatFrom(name, defaultFrom)
	}
	return formatFrom(name, address)
}

func formatFrom(name, address string) string {
	if name == "" {
		return address
	}
	return name + " <" + address + ">"
}

// resolveRecipient implements spec §4.E steps 3-4: apply the per-deployment
// override (if configured), then normalize to a single line and split the
// bare email into local/domain.
func resolveRecipient(recipient string, snap config.Snapshot) (envelopeRecipient, headerTo, domain string) {
	normalized := normalizeRecipient(recipient)

	if snap.Override != "" {
		headerTo = addr.EscapeEmail(normalized) + " (override) <" + snap.Override + ">"
		envelopeRecipient = snap.Override
	} else {
		headerTo = normalized
		envelopeRecipient = normalized
	}

	_, d, _ := strings.Cut(envelopeRecipient, "@")
	return envelopeRecipient, headerTo, d
}

func domainOf(address string) string {
	_, d, _ := strings.Cut(address, "@")
	return d
}

// normalizeRecipient collapses the recipient to a single line and strips
// surrounding angle brackets, per spec §4.E step 4.
func normalizeRecipient(recipient string) string {
	single := strings.Join(strings.Fields(recipient), " ")
	if i := strings.LastIndex(single, "<"); i >= 0 && strings.HasSuffix(single, ">") {
		return single[i+1 : len(single)-1]
	}
	return single
}
