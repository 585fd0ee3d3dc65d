package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/spoilr/internal/database/testutil"
	"github.com/charlesng35/spoilr/internal/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type payload struct {
	ID int `json:"id"`
}

func newQueue(t *testing.T) (*Queue, *fakeClock) {
	t.Helper()
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	clock := &fakeClock{now: time.Date(2026, 1, 16, 12, 0, 0, 0, time.UTC)}
	q, err := NewQueue(db, WithQueueClock(clock.Now))
	require.NoError(t, err)
	return q, clock
}

func TestEnqueueCollapsesPendingDuplicates(t *testing.T) {
	q, clock := newQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "sync", "sync:1", payload{ID: 1}, clock.Now()))
	require.NoError(t, q.Enqueue(ctx, "sync", "sync:1", payload{ID: 2}, clock.Now()))
	require.NoError(t, q.Enqueue(ctx, "sync", "", payload{ID: 3}, clock.Now()))
	require.NoError(t, q.Enqueue(ctx, "sync", "", payload{ID: 4}, clock.Now()))

	pending, err := q.Pending(ctx, "sync")
	require.NoError(t, err)
	require.Len(t, pending, 3)

	var first payload
	require.NoError(t, Decode(&pending[0], &first))
	require.Equal(t, 1, first.ID)
}

func TestDedupeKeyReleasedOnceJobStarts(t *testing.T) {
	q, clock := newQueue(t)
	ctx := context.Background()
	worker := NewWorker(q)

	started := 0
	worker.Handle("sync", func(ctx context.Context, job *models.Job) error {
		started++
		if started == 1 {
			// Enqueued while running: must produce a fresh job.
			return q.Enqueue(ctx, "sync", "sync:1", payload{ID: 9}, clock.Now())
		}
		return nil
	})

	require.NoError(t, q.Enqueue(ctx, "sync", "sync:1", payload{ID: 1}, clock.Now()))
	n, err := worker.RunDue(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, 2, started)
}

func TestRunDueSkipsFutureJobs(t *testing.T) {
	q, clock := newQueue(t)
	ctx := context.Background()
	worker := NewWorker(q)

	var ran []int
	worker.Handle("send", func(ctx context.Context, job *models.Job) error {
		var p payload
		require.NoError(t, Decode(job, &p))
		ran = append(ran, p.ID)
		return nil
	})

	require.NoError(t, q.Enqueue(ctx, "send", "", payload{ID: 2}, clock.Now().Add(time.Minute)))
	require.NoError(t, q.Enqueue(ctx, "send", "", payload{ID: 1}, clock.Now()))

	n, err := worker.RunDue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []int{1}, ran)

	clock.Advance(2 * time.Minute)
	n, err = worker.RunDue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []int{1, 2}, ran)
}

func TestFailedJobsRetryWithBackoffThenFail(t *testing.T) {
	q, clock := newQueue(t)
	ctx := context.Background()
	worker := NewWorker(q, WithBackoff(time.Minute))

	calls := 0
	worker.Handle("flaky", func(ctx context.Context, job *models.Job) error {
		calls++
		return errors.New("smtp unavailable")
	})
	require.NoError(t, q.Enqueue(ctx, "flaky", "", nil, clock.Now()))

	for i := 1; i <= defaultMaxAttempts; i++ {
		n, err := worker.RunDue(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n, "attempt %d", i)
		clock.Advance(time.Duration(i) * time.Minute)
	}
	require.Equal(t, defaultMaxAttempts, calls)

	var job models.Job
	require.NoError(t, q.db.First(&job).Error)
	require.Equal(t, models.JobFailed, job.Status)
	require.Equal(t, "smtp unavailable", job.LastError)
}

func TestPermanentErrorsAreNotRetried(t *testing.T) {
	q, clock := newQueue(t)
	ctx := context.Background()
	worker := NewWorker(q)

	require.NoError(t, q.Enqueue(ctx, "unknown", "", nil, clock.Now()))
	n, err := worker.RunDue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	var job models.Job
	require.NoError(t, q.db.First(&job).Error)
	require.Equal(t, models.JobFailed, job.Status)
	require.Contains(t, job.LastError, `no handler for "unknown"`)
}

func TestExpiredLeaseIsReclaimed(t *testing.T) {
	q, clock := newQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "send", "", nil, clock.Now()))
	job, ok, err := q.claim(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, job.Attempts)

	_, ok, err = q.claim(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	clock.Advance(defaultLease + time.Second)
	again, ok, err := q.claim(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, job.ID, again.ID)
	require.Equal(t, 2, again.Attempts)
}

func TestRunStopsOnCancel(t *testing.T) {
	q, clock := newQueue(t)
	worker := NewWorker(q, WithConcurrency(1), WithPollInterval(10*time.Millisecond))

	done := make(chan struct{})
	worker.Handle("ping", func(ctx context.Context, job *models.Job) error {
		close(done)
		return nil
	})
	require.NoError(t, q.Enqueue(context.Background(), "ping", "", nil, clock.Now()))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- worker.Run(ctx) }()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("job was not processed")
	}
	cancel()
	require.NoError(t, <-errCh)
}
