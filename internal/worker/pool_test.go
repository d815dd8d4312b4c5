package worker

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"PrioMail/internal/email"
	"PrioMail/internal/models"
	"PrioMail/internal/queue"
	"PrioMail/internal/status"
)

// stubTransport fails the first failFirst calls, then succeeds.
type stubTransport struct {
	mu        sync.Mutex
	calls     int
	failFirst int
}

func (s *stubTransport) Send(ctx context.Context, task *models.EmailTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failFirst {
		return &email.TransportError{Err: errors.New("smtp unavailable")}
	}
	return nil
}

func (s *stubTransport) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type harness struct {
	queue     *queue.PriorityTaskQueue
	store     *status.Store
	transport *stubTransport
}

func startPool(t *testing.T, transport *stubTransport) *harness {
	t.Helper()

	backend, err := status.NewFileBackend(filepath.Join(t.TempDir(), "statuses.json"))
	require.NoError(t, err)

	h := &harness{
		queue:     queue.New(),
		store:     status.NewStore(backend, zap.NewNop()),
		transport: transport,
	}

	pool := NewPool(
		Config{
			Workers:     1,
			BackoffUnit: 2 * time.Millisecond,
			SendTimeout: time.Second,
			PollTimeout: 10 * time.Millisecond,
		},
		h.queue, h.store, transport,
		rate.NewLimiter(rate.Inf, 0),
		zap.NewNop(),
	)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	pool.Start(ctx, &wg)
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	return h
}

func (h *harness) enqueue(id string, priority models.Priority) *models.EmailTask {
	task := &models.EmailTask{
		TaskID:    id,
		Recipient: id + "@example.com",
		Subject:   "subject",
		TextBody:  "body",
	}
	h.store.Register(&models.EmailStatus{
		TaskID:      id,
		Recipient:   task.Recipient,
		Subject:     task.Subject,
		Status:      models.StatusQueued,
		MaxAttempts: 3,
		Priority:    priority,
		CreatedAt:   time.Now(),
	})
	h.queue.Put(task, priority)
	return task
}

func (h *harness) waitForStatus(t *testing.T, id string, want models.Status) *models.EmailStatus {
	t.Helper()
	require.Eventually(t, func() bool {
		rec := h.store.Get(id)
		return rec != nil && rec.Status == want
	}, 3*time.Second, 5*time.Millisecond, "task %s never reached %s", id, want)
	return h.store.Get(id)
}

func TestDeliverySuccess(t *testing.T) {
	transport := &stubTransport{}
	h := startPool(t, transport)

	h.enqueue("ok", models.PriorityNormal)

	rec := h.waitForStatus(t, "ok", models.StatusSent)
	assert.Equal(t, 1, rec.Attempts)
	assert.NotNil(t, rec.SentAt)
	assert.NotNil(t, rec.LastAttempt)
	assert.Empty(t, rec.Error)
	assert.Equal(t, 1, transport.Calls())
}

func TestFailTwiceThenSucceed(t *testing.T) {
	transport := &stubTransport{failFirst: 2}
	h := startPool(t, transport)

	h.enqueue("flaky", models.PriorityNormal)

	rec := h.waitForStatus(t, "flaky", models.StatusSent)
	assert.Equal(t, 3, rec.Attempts)
	assert.Equal(t, 3, transport.Calls())
}

func TestPermanentFailureAfterMaxAttempts(t *testing.T) {
	transport := &stubTransport{failFirst: 100}
	h := startPool(t, transport)

	h.enqueue("doomed", models.PriorityNormal)

	rec := h.waitForStatus(t, "doomed", models.StatusFailed)
	assert.Equal(t, 3, rec.Attempts)
	assert.Contains(t, rec.Error, "smtp unavailable")

	// No further re-enqueue after the terminal failure.
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 3, transport.Calls())
	assert.Equal(t, 0, h.queue.Size())
	assert.Equal(t, models.StatusFailed, h.store.Get("doomed").Status)
}

func TestCancelledTaskSkippedAfterDequeue(t *testing.T) {
	transport := &stubTransport{}

	backend, err := status.NewFileBackend(filepath.Join(t.TempDir(), "statuses.json"))
	require.NoError(t, err)

	h := &harness{
		queue:     queue.New(),
		store:     status.NewStore(backend, zap.NewNop()),
		transport: transport,
	}

	// Enqueue and cancel before any worker exists, then start the pool:
	// the flagged entry is still in the heap and must be discarded without
	// a transport call.
	h.enqueue("dropped", models.PriorityHigh)
	require.True(t, h.queue.Cancel("dropped"))
	h.store.Update("dropped", func(rec *models.EmailStatus) {
		rec.Status = models.StatusCancelled
	})

	pool := NewPool(
		Config{Workers: 1, BackoffUnit: 2 * time.Millisecond, SendTimeout: time.Second, PollTimeout: 10 * time.Millisecond},
		h.queue, h.store, transport,
		rate.NewLimiter(rate.Inf, 0),
		zap.NewNop(),
	)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	pool.Start(ctx, &wg)
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	require.Eventually(t, func() bool {
		return h.queue.Size() == 0
	}, 3*time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, transport.Calls())
	assert.Equal(t, models.StatusCancelled, h.store.Get("dropped").Status)
}

func TestRetriedTaskKeepsOriginalPriority(t *testing.T) {
	transport := &stubTransport{failFirst: 1}
	h := startPool(t, transport)

	task := h.enqueue("prio", models.PriorityHigh)

	rec := h.waitForStatus(t, "prio", models.StatusSent)
	assert.Equal(t, 2, rec.Attempts)
	assert.Equal(t, models.PriorityHigh, task.Priority)
	assert.Equal(t, models.PriorityHigh, rec.Priority)
}

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	p := NewPool(Config{Workers: 1, BackoffUnit: time.Second}, nil, nil, nil, nil, zap.NewNop())

	assert.Equal(t, 2*time.Second, p.backoffDelay(1))
	assert.Equal(t, 4*time.Second, p.backoffDelay(2))
	assert.Equal(t, 8*time.Second, p.backoffDelay(3))
	assert.Equal(t, 60*time.Second, p.backoffDelay(10))
}
