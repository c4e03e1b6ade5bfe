package supervisor

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couriermq/courierd/internal/config"
	"github.com/couriermq/courierd/internal/mail"
	"github.com/couriermq/courierd/internal/notifier"
	"github.com/couriermq/courierd/internal/queue"
	"github.com/couriermq/courierd/internal/snapshot"
	"github.com/couriermq/courierd/internal/worker"
)

type memStore struct {
	entries map[string]*mail.QueueEntry
}

func newMemStore(entries ...*mail.QueueEntry) *memStore {
	m := &memStore{entries: map[string]*mail.QueueEntry{}}
	for _, e := range entries {
		m.entries[e.ID] = e
	}
	return m
}

func (m *memStore) Put(_ context.Context, e *mail.QueueEntry) error {
	m.entries[e.ID] = e
	return nil
}

func (m *memStore) Get(_ context.Context, id string) (*mail.QueueEntry, error) {
	e, ok := m.entries[id]
	if !ok {
		return nil, queue.ErrNotFound
	}
	return e, nil
}

func (m *memStore) Delete(_ context.Context, id string) error {
	if _, ok := m.entries[id]; !ok {
		return queue.ErrNotFound
	}
	delete(m.entries, id)
	return nil
}

func (m *memStore) Update(_ context.Context, id string, fn func(*mail.QueueEntry) error) error {
	e, ok := m.entries[id]
	if !ok {
		return queue.ErrNotFound
	}
	return fn(e)
}

func (m *memStore) DueActive(_ context.Context, now time.Time) ([]mail.QueueEntry, error) {
	var out []mail.QueueEntry
	for _, e := range m.entries {
		if e.Active() && e.RetryOn.Before(now) {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (m *memStore) SentBefore(_ context.Context, cutoff time.Time) ([]mail.QueueEntry, error) {
	var out []mail.QueueEntry
	for _, e := range m.entries {
		if e.Sent != nil && e.Sent.Before(cutoff) {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (m *memStore) Exhausted(_ context.Context) ([]mail.QueueEntry, error) {
	var out []mail.QueueEntry
	for _, e := range m.entries {
		if e.Exhausted() {
			out = append(out, *e)
		}
	}
	return out, nil
}

type stubEnqueuer struct {
	tasks []*asynq.Task
}

func (s *stubEnqueuer) Enqueue(task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	s.tasks = append(s.tasks, task)
	return &asynq.TaskInfo{}, nil
}

type recordingNotifier struct {
	events []string
}

func (r *recordingNotifier) Notify(_ context.Context, tag string, _ interface{}, _ interface{}) {
	r.events = append(r.events, tag)
}

func newSupervisor(store queue.Store, enq Enqueuer, notif notifier.Notifier) *Supervisor {
	cfg := &config.Config{}
	cfg.Site.EmailDomain = "example.com"
	cfg.Site.EmailFrom = "hello@example.com"
	cfg.Site.PollInterval = 5 * time.Second

	return &Supervisor{
		Store:    store,
		Config:   cfg,
		Enqueuer: enq,
		Pickler:  snapshot.JSONPickler{},
		Notifier: notif,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestSend_QueuedDoesNotSpawn(t *testing.T) {
	store := newMemStore()
	enq := &stubEnqueuer{}
	s := newSupervisor(store, enq, &recordingNotifier{})

	id, err := s.send(context.Background(), nil, mail.Request{To: []string{"user@example.com"}, Queue: true}, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Empty(t, enq.tasks)

	entry, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", entry.Recipient)
	assert.Equal(t, 0, entry.Retry)
}

func TestSend_ImmediateSpawnsDispatch(t *testing.T) {
	store := newMemStore()
	enq := &stubEnqueuer{}
	s := newSupervisor(store, enq, &recordingNotifier{})

	id, err := s.send(context.Background(), nil, mail.Request{To: []string{"user@example.com"}, Queue: false}, nil)
	require.NoError(t, err)
	assert.Len(t, enq.tasks, 1)
	assert.Equal(t, worker.TaskEmailDispatch, enq.tasks[0].Type())
	_ = id
}

func TestSend_ExplicitID(t *testing.T) {
	store := newMemStore()
	enq := &stubEnqueuer{}
	s := newSupervisor(store, enq, &recordingNotifier{})

	explicit := "myfixedid00000000000"
	id, err := s.send(context.Background(), &explicit, mail.Request{To: []string{"user@example.com"}, Queue: true}, nil)
	require.NoError(t, err)
	assert.Equal(t, explicit, id)
}

func TestSend_ToCcBccGetSuffixedIDs(t *testing.T) {
	store := newMemStore()
	enq := &stubEnqueuer{}
	s := newSupervisor(store, enq, &recordingNotifier{})

	explicit := "baseid00000000000000"
	id, err := s.send(context.Background(), &explicit, mail.Request{
		To:    []string{"to@example.com"},
		Cc:    []string{"cc@example.com"},
		Bcc:   []string{"bcc@example.com"},
		Queue: true,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, explicit, id)

	toEntry, err := store.Get(context.Background(), explicit)
	require.NoError(t, err)
	assert.Equal(t, "to@example.com", toEntry.Recipient)

	ccEntry, err := store.Get(context.Background(), explicit+"+cc")
	require.NoError(t, err)
	assert.Equal(t, "cc@example.com", ccEntry.Recipient)

	bccEntry, err := store.Get(context.Background(), explicit+"+bcc")
	require.NoError(t, err)
	assert.Equal(t, "bcc@example.com", bccEntry.Recipient)
}

func TestSend_NoRecipientsErrors(t *testing.T) {
	store := newMemStore()
	s := newSupervisor(store, &stubEnqueuer{}, &recordingNotifier{})

	_, err := s.send(context.Background(), nil, mail.Request{Queue: true}, nil)
	assert.Error(t, err)
}

func TestSend_InvalidAddressFailsValidation(t *testing.T) {
	store := newMemStore()
	s := newSupervisor(store, &stubEnqueuer{}, &recordingNotifier{})

	_, err := s.send(context.Background(), nil, mail.Request{To: []string{"not-an-email"}, Queue: true}, nil)
	assert.Error(t, err)
}

func TestBounced_CorrelatesAndNotifies(t *testing.T) {
	store := newMemStore(&mail.QueueEntry{ID: "abc123", Recipient: "user@example.com"})
	n := &recordingNotifier{}
	s := newSupervisor(store, &stubEnqueuer{}, n)

	err := s.bounced(context.Background(), "noreply+abc123@example.com")
	require.NoError(t, err)
	assert.Contains(t, n.events, notifier.EventBounced)

	_, err = store.Get(context.Background(), "abc123")
	assert.Equal(t, queue.ErrNotFound, err)
}

func TestBounced_NoMatchIsNoop(t *testing.T) {
	store := newMemStore()
	n := &recordingNotifier{}
	s := newSupervisor(store, &stubEnqueuer{}, n)

	err := s.bounced(context.Background(), "noreply+gone@example.com")
	require.NoError(t, err)
	assert.Empty(t, n.events)
}

func TestPoll_PurgesSentAndExhaustedAndSpawnsDue(t *testing.T) {
	old := time.Now().UTC().Add(-5 * time.Hour)
	due := time.Now().UTC().Add(-time.Minute)

	store := newMemStore(
		&mail.QueueEntry{ID: "sent1", Recipient: "a@example.com", Sent: &old},
		&mail.QueueEntry{ID: "exhausted1", Recipient: "b@example.com", Retry: mail.MaxRetry + 1},
		&mail.QueueEntry{ID: "due1", Recipient: "c@example.com", RetryOn: due, Retry: 0},
	)
	enq := &stubEnqueuer{}
	n := &recordingNotifier{}
	s := newSupervisor(store, enq, n)

	err := s.poll(context.Background())
	require.NoError(t, err)

	assert.Contains(t, n.events, notifier.EventSent)
	assert.Contains(t, n.events, notifier.EventFailed)

	_, err = store.Get(context.Background(), "sent1")
	assert.Equal(t, queue.ErrNotFound, err)
	_, err = store.Get(context.Background(), "exhausted1")
	assert.Equal(t, queue.ErrNotFound, err)

	dueEntry, err := store.Get(context.Background(), "due1")
	require.NoError(t, err)
	assert.Equal(t, 1, dueEntry.Retry)

	require.Len(t, enq.tasks, 1)
	assert.Equal(t, worker.TaskEmailDispatch, enq.tasks[0].Type())
}

func TestPoll_NothingDueIsNoop(t *testing.T) {
	store := newMemStore()
	enq := &stubEnqueuer{}
	s := newSupervisor(store, enq, &recordingNotifier{})

	err := s.poll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, enq.tasks)
}
