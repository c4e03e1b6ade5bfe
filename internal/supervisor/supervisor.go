// Package supervisor implements spec component F, the Server Core: the
// named singleton that accepts send/bounced requests, persists queue
// entries, and drives the periodic poll cycle that retires sent/exhausted
// entries and spawns Dispatcher Workers for due ones.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/couriermq/courierd/internal/addr"
	"github.com/couriermq/courierd/internal/bounce"
	"github.com/couriermq/courierd/internal/config"
	"github.com/couriermq/courierd/internal/mail"
	"github.com/couriermq/courierd/internal/notifier"
	"github.com/couriermq/courierd/internal/queue"
	"github.com/couriermq/courierd/internal/retry"
	"github.com/couriermq/courierd/internal/snapshot"
	"github.com/couriermq/courierd/internal/worker"
)

var validate = validator.New()

// Enqueuer is the task-queue backend workers are spawned onto.
// *asynq.Client satisfies this through worker.TaskEnqueuer.
type Enqueuer = worker.TaskEnqueuer

// Supervisor is the single long-lived instance described in spec §4.F.
// Request handling runs on one goroutine (Run) so that send/bounced calls
// are strictly ordered per spec §5 without a mutex; each method below
// hands its request to that goroutine over a channel and waits for the
// reply.
type Supervisor struct {
	Store    queue.Store
	Config   *config.Config
	Enqueuer Enqueuer
	Pickler  snapshot.Pickler
	Notifier notifier.Notifier
	Logger   *slog.Logger

	sendCh    chan sendRequest
	bouncedCh chan bouncedRequest
}

type sendRequest struct {
	id      *string
	request mail.Request
	appCtx  interface{}
	reply   chan sendResult
}

type sendResult struct {
	id  string
	err error
}

type bouncedRequest struct {
	address string
	reply   chan error
}

// New constructs a Supervisor. Call Run in its own goroutine before using
// Send or Bounced; neither will make progress until the event loop is
// running to receive from the request channels.
func New(store queue.Store, cfg *config.Config, enqueuer Enqueuer, pickler snapshot.Pickler, notif notifier.Notifier, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		Store:     store,
		Config:    cfg,
		Enqueuer:  enqueuer,
		Pickler:   pickler,
		Notifier:  notif,
		Logger:    logger,
		sendCh:    make(chan sendRequest),
		bouncedCh: make(chan bouncedRequest),
	}
}

// Run is the supervisor's serial event loop: it multiplexes the 5-second
// poll tick against inbound send/bounced requests on a single goroutine.
// A time.Ticker channel has capacity 1 and drops ticks nobody is ready to
// receive, so a poll cycle that runs long naturally coalesces any ticks
// that land while it's in progress (spec §4.F) without extra bookkeeping.
func (s *Supervisor) Run(ctx context.Context) error {
	interval := s.Config.Site.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ticker.C:
			if err := s.poll(ctx); err != nil {
				s.Logger.Error("poll cycle failed", "error", err)
			}

		case req := <-s.sendCh:
			id, err := s.send(ctx, req.id, req.request, req.appCtx)
			req.reply <- sendResult{id: id, err: err}

		case req := <-s.bouncedCh:
			req.reply <- s.bounced(ctx, req.address)
		}
	}
}

// Send implements spec §4.F send(id?, request, context): it hands the
// request to the event loop and waits for the pre-send reply, which
// arrives once the queue entries are durably persisted but before any
// dispatch has necessarily run.
func (s *Supervisor) Send(ctx context.Context, id *string, request mail.Request, appCtx interface{}) (string, error) {
	reply := make(chan sendResult, 1)
	select {
	case s.sendCh <- sendRequest{id: id, request: request, appCtx: appCtx, reply: reply}:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	select {
	case res := <-reply:
		return res.id, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Bounced implements spec §4.F bounced(bounceAddress).
func (s *Supervisor) Bounced(ctx context.Context, bounceAddress string) error {
	reply := make(chan error, 1)
	select {
	case s.bouncedCh <- bouncedRequest{address: bounceAddress, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// send is the single-goroutine body of Send, boundary-validating the
// request, coercing the id, enqueuing one entry per non-empty to/cc/bcc
// address, and immediately spawning dispatch tasks when request.Queue is
// false.
func (s *Supervisor) send(ctx context.Context, id *string, request mail.Request, appCtx interface{}) (string, error) {
	if err := validate.Struct(&request); err != nil {
		return "", fmt.Errorf("validating request: %w", err)
	}
	if !request.HasRecipients() {
		return "", fmt.Errorf("request names no recipients")
	}

	baseID := ""
	if id != nil && *id != "" {
		baseID = *id
	} else {
		generated, err := addr.GenerateMessageID()
		if err != nil {
			return "", fmt.Errorf("generating message id: %w", err)
		}
		baseID = generated
	}

	pickled, err := s.Pickler.Pickle(appCtx)
	if err != nil {
		return "", fmt.Errorf("pickling context: %w", err)
	}

	now := time.Now().UTC()
	ids, err := s.enqueueRecipients(ctx, baseID, request, pickled, now)
	if err != nil {
		return "", err
	}

	if !request.Queue {
		for _, entryID := range ids {
			if err := s.spawn(entryID); err != nil {
				s.Logger.Error("spawning immediate dispatch", "id", entryID, "error", err)
			}
		}
	}

	return baseID, nil
}

// enqueueRecipients persists one queue entry per address in to/cc/bcc.
// The base id targets the first to address; cc and bcc companions use the
// "+cc"/"+bcc" suffixes named in spec §3, with a numeric tie-breaker for
// any additional address within the same field.
func (s *Supervisor) enqueueRecipients(ctx context.Context, baseID string, request mail.Request, pickled []byte, now time.Time) ([]string, error) {
	groups := []struct {
		addresses []string
		suffix    string
	}{
		{request.To, ""},
		{request.Cc, "+cc"},
		{request.Bcc, "+bcc"},
	}

	var ids []string
	for _, g := range groups {
		for i, address := range g.addresses {
			entryID := baseID + g.suffix
			if i > 0 {
				entryID = fmt.Sprintf("%s%s%d", baseID, g.suffix, i+1)
			}
			entry := &mail.QueueEntry{
				ID:             entryID,
				Recipient:      address,
				Request:        request,
				PickledContext: pickled,
				Created:        now,
				RetryOn:        now.Add(retry.NextDelay(0)),
				Retry:          0,
			}
			if err := s.Store.Put(ctx, entry); err != nil {
				return ids, fmt.Errorf("enqueuing %s: %w", entryID, err)
			}
			ids = append(ids, entryID)
		}
	}
	return ids, nil
}

// bounced is the single-goroutine body of Bounced.
func (s *Supervisor) bounced(ctx context.Context, bounceAddress string) error {
	result, ok, err := bounce.Correlate(ctx, s.Store, s.Pickler, bounceAddress)
	if err != nil {
		return fmt.Errorf("correlating bounce %s: %w", bounceAddress, err)
	}
	if !ok {
		return nil
	}
	s.Notifier.Notify(ctx, notifier.EventBounced, notifier.BouncedPayload{
		ID:        result.MsgID,
		Recipient: result.Recipient,
	}, result.Context)
	return nil
}

// poll is the single-goroutine body of the 5-second tick: refresh the
// config snapshot, purge sent/exhausted entries and notify for each, then
// advance retry_on and spawn a dispatch task for every due entry.
func (s *Supervisor) poll(ctx context.Context) error {
	snap := s.Config.Snapshot()
	s.Logger.Debug("poll cycle starting", "relay", snap.Relay, "spamd_enabled", snap.SpamdEnabled())

	now := time.Now().UTC()

	sent, err := retry.PurgeSent(ctx, s.Store, now)
	if err != nil {
		return fmt.Errorf("purging sent entries: %w", err)
	}
	for _, e := range sent {
		s.Notifier.Notify(ctx, notifier.EventSent, notifier.SentPayload{ID: e.ID, Recipient: e.Recipient}, nil)
	}

	failed, err := retry.PurgeExhausted(ctx, s.Store, now)
	if err != nil {
		return fmt.Errorf("purging exhausted entries: %w", err)
	}
	for _, e := range failed {
		s.Notifier.Notify(ctx, notifier.EventFailed, notifier.FailedPayload{ID: e.ID, Recipient: e.Recipient}, nil)
	}

	due, err := s.Store.DueActive(ctx, now)
	if err != nil {
		return fmt.Errorf("selecting due entries: %w", err)
	}
	for _, entry := range due {
		if err := retry.UpdateRetry(ctx, s.Store, entry.ID, now); err != nil {
			s.Logger.Error("advancing retry", "id", entry.ID, "error", err)
			continue
		}
		if err := s.spawn(entry.ID); err != nil {
			s.Logger.Error("spawning dispatcher", "id", entry.ID, "error", err)
		}
	}
	return nil
}

// spawn enqueues the dispatch task for id. The supervisor never invokes
// the SMTP client itself (spec §5); it only ever hands work to the task
// queue, which internal/worker.DispatchHandler picks up on its own
// goroutine.
func (s *Supervisor) spawn(id string) error {
	task, err := worker.NewEmailDispatchTask(id)
	if err != nil {
		return fmt.Errorf("building dispatch task for %s: %w", id, err)
	}
	if _, err := s.Enqueuer.Enqueue(task); err != nil {
		return fmt.Errorf("enqueuing dispatch task for %s: %w", id, err)
	}
	return nil
}
