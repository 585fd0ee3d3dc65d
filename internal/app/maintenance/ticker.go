package maintenance

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/charlesng35/spoilr/pkg/logger"
)

const (
	defaultAuditRetentionDays = 90
	defaultSweepSpec          = "@every 1m"
	defaultRetentionSpec      = "@daily"
	defaultMissedWindow       = 24 * time.Hour
	defaultJobRetention       = 7 * 24 * time.Hour
)

// TaskSweeper wakes snoozed tasks whose deadline passed.
type TaskSweeper interface {
	UnsnoozeExpired(ctx context.Context) (int, error)
}

// MissedEmailSweeper backfills tasks for inbound mail that lost its event.
type MissedEmailSweeper interface {
	EnsureMissedTasks(ctx context.Context, since time.Time) (int, error)
}

// OutboxSweeper re-enqueues outbound work that a crash may have stranded.
type OutboxSweeper interface {
	RequeueUnsent(ctx context.Context) (int, error)
	DispatchScheduled(ctx context.Context) (int, error)
}

// AuditPruner removes old audit rows.
type AuditPruner interface {
	CleanupOlderThan(ctx context.Context, retentionDays int) (int64, error)
}

// JobPruner removes finished jobs.
type JobPruner interface {
	Purge(ctx context.Context, age time.Duration) (int64, error)
}

// Deps are the sweeps the ticker drives. Nil members are skipped.
type Deps struct {
	Tasks  TaskSweeper
	Emails MissedEmailSweeper
	Outbox OutboxSweeper
	Audit  AuditPruner
	Jobs   JobPruner
}

// Option customises the Ticker.
type Option func(*Ticker)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(t *Ticker) {
		if c != nil {
			t.cron = c
		}
	}
}

// WithNow overrides the clock used for the missed-email window.
func WithNow(now func() time.Time) Option {
	return func(t *Ticker) {
		if now != nil {
			t.now = now
		}
	}
}

// WithAuditRetentionDays adjusts how long audit logs are retained before cleanup.
func WithAuditRetentionDays(days int) Option {
	return func(t *Ticker) {
		if days > 0 {
			t.retention = days
		}
	}
}

// WithSweepSchedule overrides the cron specification for the minute sweeps.
func WithSweepSchedule(spec string) Option {
	return func(t *Ticker) {
		if spec != "" {
			t.sweepSchedule = spec
		}
	}
}

// WithRetentionSchedule overrides the cron specification for pruning.
func WithRetentionSchedule(spec string) Option {
	return func(t *Ticker) {
		if spec != "" {
			t.retentionSchedule = spec
		}
	}
}

// Ticker runs the periodic sweeps that keep tasks and mail moving when an
// event was lost.
type Ticker struct {
	deps      Deps
	cron      *cron.Cron
	now       func() time.Time
	log       *zap.Logger
	retention int

	sweepSchedule     string
	retentionSchedule string
}

// NewTicker constructs a Ticker with sensible defaults.
func NewTicker(deps Deps, opts ...Option) *Ticker {
	t := &Ticker{
		deps:              deps,
		now:               func() time.Time { return time.Now().UTC() },
		retention:         defaultAuditRetentionDays,
		sweepSchedule:     defaultSweepSpec,
		retentionSchedule: defaultRetentionSpec,
		log:               logger.WithModule("maintenance"),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.cron == nil {
		t.cron = cron.New(cron.WithLogger(cron.DiscardLogger), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	}
	return t
}

// Start registers the sweeps with the cron scheduler and launches it.
func (t *Ticker) Start() error {
	if _, err := t.cron.AddFunc(t.sweepSchedule, func() {
		if err := t.Sweep(context.Background()); err != nil {
			t.log.Warn("sweep failed", zap.Error(err))
		}
	}); err != nil {
		return err
	}
	if _, err := t.cron.AddFunc(t.retentionSchedule, func() {
		if err := t.Prune(context.Background()); err != nil {
			t.log.Warn("retention failed", zap.Error(err))
		}
	}); err != nil {
		return err
	}
	t.cron.Start()
	return nil
}

// Stop halts the underlying scheduler, waiting for any running jobs to complete.
func (t *Ticker) Stop() context.Context {
	return t.cron.Stop()
}

// Run starts the scheduler and blocks until ctx is cancelled.
func (t *Ticker) Run(ctx context.Context) error {
	if err := t.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	<-t.Stop().Done()
	return nil
}

// Sweep runs the minute sweeps once. Every sweep runs even when an earlier
// one fails.
func (t *Ticker) Sweep(ctx context.Context) error {
	var errs error
	if t.deps.Tasks != nil {
		n, err := t.deps.Tasks.UnsnoozeExpired(ctx)
		errs = multierr.Append(errs, err)
		t.report("unsnoozed tasks", n)
	}
	if t.deps.Emails != nil {
		n, err := t.deps.Emails.EnsureMissedTasks(ctx, t.now().Add(-defaultMissedWindow))
		errs = multierr.Append(errs, err)
		t.report("created missed email tasks", n)
	}
	if t.deps.Outbox != nil {
		n, err := t.deps.Outbox.RequeueUnsent(ctx)
		errs = multierr.Append(errs, err)
		t.report("requeued unsent emails", n)

		n, err = t.deps.Outbox.DispatchScheduled(ctx)
		errs = multierr.Append(errs, err)
		t.report("dispatched email templates", n)
	}
	return errs
}

// Prune applies the retention windows once.
func (t *Ticker) Prune(ctx context.Context) error {
	var errs error
	if t.deps.Audit != nil && t.retention > 0 {
		n, err := t.deps.Audit.CleanupOlderThan(ctx, t.retention)
		errs = multierr.Append(errs, err)
		t.report("pruned audit logs", int(n))
	}
	if t.deps.Jobs != nil {
		n, err := t.deps.Jobs.Purge(ctx, defaultJobRetention)
		errs = multierr.Append(errs, err)
		t.report("pruned finished jobs", int(n))
	}
	return errs
}

// RunOnce executes every sweep and prune sequentially. Primarily used in tests
// and during graceful shutdown.
func (t *Ticker) RunOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return multierr.Append(t.Sweep(ctx), t.Prune(ctx))
}

func (t *Ticker) report(msg string, n int) {
	if n > 0 {
		t.log.Info(msg, zap.Int("count", n))
	}
}
