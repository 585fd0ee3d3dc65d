package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/charlesng35/spoilr/internal/models"
	"github.com/charlesng35/spoilr/pkg/logger"
	"github.com/charlesng35/spoilr/pkg/metrics"
)

// ErrPermanent marks a failure that must not be retried.
var ErrPermanent = errors.New("jobs: permanent failure")

// HandlerFunc executes one job.
type HandlerFunc func(ctx context.Context, job *models.Job) error

// Worker drains a Queue with a fixed pool of goroutines.
type Worker struct {
	queue       *Queue
	concurrency int
	poll        time.Duration
	backoff     time.Duration
	log         *zap.Logger

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// WorkerOption customises a Worker.
type WorkerOption func(*Worker)

// WithConcurrency sets the number of parallel consumers.
func WithConcurrency(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

// WithPollInterval sets how long an idle consumer sleeps between polls.
func WithPollInterval(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.poll = d
		}
	}
}

// WithBackoff sets the retry step; attempt n waits n*step.
func WithBackoff(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.backoff = d
		}
	}
}

// NewWorker constructs a Worker for queue.
func NewWorker(queue *Queue, opts ...WorkerOption) *Worker {
	w := &Worker{
		queue:       queue,
		concurrency: 4,
		poll:        time.Second,
		backoff:     30 * time.Second,
		log:         logger.WithModule("jobs"),
		handlers:    make(map[string]HandlerFunc),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Handle registers fn for jobs called name.
func (w *Worker) Handle(name string, fn HandlerFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[name] = fn
}

func (w *Worker) handler(name string) (HandlerFunc, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	fn, ok := w.handlers[name]
	return fn, ok
}

// Run consumes jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		group.Go(func() error {
			for {
				processed, err := w.runNext(ctx)
				if err != nil && ctx.Err() == nil {
					w.log.Warn("job poll failed", zap.Error(err))
				}
				if ctx.Err() != nil {
					return nil
				}
				if processed {
					continue
				}
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(w.poll):
				}
			}
		})
	}
	return group.Wait()
}

// RunDue processes every job due now on the calling goroutine and returns how
// many ran. Jobs rescheduled into the future are not retried in the same call.
func (w *Worker) RunDue(ctx context.Context) (int, error) {
	count := 0
	for {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		processed, err := w.runNext(ctx)
		if err != nil {
			return count, err
		}
		if !processed {
			return count, nil
		}
		count++
	}
}

func (w *Worker) runNext(ctx context.Context) (bool, error) {
	job, ok, err := w.queue.claim(ctx)
	if err != nil || !ok {
		return false, err
	}
	w.execute(ctx, job)
	return true, nil
}

func (w *Worker) execute(ctx context.Context, job *models.Job) {
	log := w.log.With(zap.String("job", job.Name), zap.Uint("job_id", job.ID), zap.Int("attempt", job.Attempts))

	err := w.invoke(ctx, job)
	if err == nil {
		if cerr := w.queue.complete(ctx, job); cerr != nil {
			log.Error("job completion not recorded", zap.Error(cerr))
		}
		metrics.JobsProcessed.WithLabelValues(job.Name, "ok").Inc()
		return
	}

	retry, ferr := w.queue.fail(ctx, job, err, w.backoff)
	if ferr != nil {
		log.Error("job failure not recorded", zap.Error(ferr), zap.NamedError("cause", err))
		return
	}
	if retry {
		log.Warn("job failed, will retry", zap.Error(err))
		metrics.JobsProcessed.WithLabelValues(job.Name, "retry").Inc()
		return
	}
	log.Error("job failed", zap.Error(err))
	metrics.JobsProcessed.WithLabelValues(job.Name, "failed").Inc()
}

func (w *Worker) invoke(ctx context.Context, job *models.Job) (err error) {
	fn, ok := w.handler(job.Name)
	if !ok {
		return fmt.Errorf("%w: no handler for %q", ErrPermanent, job.Name)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return fn(ctx, job)
}
