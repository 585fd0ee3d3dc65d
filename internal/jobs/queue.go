package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/charlesng35/spoilr/internal/models"
)

const (
	defaultMaxAttempts = 5
	defaultLease       = 5 * time.Minute
)

// Queue persists background jobs in the database. Pending jobs sharing a
// dedupe key collapse into one row.
type Queue struct {
	db    *gorm.DB
	now   func() time.Time
	lease time.Duration
}

// QueueOption customises a Queue.
type QueueOption func(*Queue)

// WithQueueClock overrides the clock used for ETAs and leases.
func WithQueueClock(now func() time.Time) QueueOption {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// WithLease sets how long a running job is held before another worker may
// reclaim it.
func WithLease(lease time.Duration) QueueOption {
	return func(q *Queue) {
		if lease > 0 {
			q.lease = lease
		}
	}
}

// NewQueue constructs a Queue backed by db.
func NewQueue(db *gorm.DB, opts ...QueueOption) (*Queue, error) {
	if db == nil {
		return nil, errors.New("jobs: db is required")
	}
	q := &Queue{
		db:    db,
		now:   func() time.Time { return time.Now().UTC() },
		lease: defaultLease,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

// Enqueue schedules name to run at eta. When dedupeKey is non-empty and a
// pending job already carries it, the call is a no-op.
func (q *Queue) Enqueue(ctx context.Context, name, dedupeKey string, payload any, eta time.Time) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("jobs: name is required")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("jobs: encode payload: %w", err)
	}
	if eta.IsZero() {
		eta = q.now()
	}

	job := models.Job{
		Name:        name,
		Payload:     datatypes.JSON(raw),
		ETA:         eta.UTC(),
		Status:      models.JobPending,
		MaxAttempts: defaultMaxAttempts,
	}
	if key := strings.TrimSpace(dedupeKey); key != "" {
		job.DedupeKey = &key
	}

	return q.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "dedupe_key"}}, DoNothing: true}).
		Create(&job).Error
}

// Pending returns jobs that have not started, oldest ETA first.
func (q *Queue) Pending(ctx context.Context, name string) ([]models.Job, error) {
	var jobs []models.Job
	query := q.db.WithContext(ctx).Where("status = ?", models.JobPending)
	if name != "" {
		query = query.Where("name = ?", name)
	}
	if err := query.Order("eta ASC, id ASC").Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("jobs: list pending: %w", err)
	}
	return jobs, nil
}

// claim takes the next due job. Expired running leases are claimable again.
// The returned bool is false when nothing is due.
func (q *Queue) claim(ctx context.Context) (*models.Job, bool, error) {
	now := q.now()
	db := q.db.WithContext(ctx)

	for attempt := 0; attempt < 3; attempt++ {
		var candidate models.Job
		err := db.
			Where("(status = ? AND eta <= ?) OR (status = ? AND locked_until < ?)",
				models.JobPending, now, models.JobRunning, now).
			Order("eta ASC, id ASC").
			Limit(1).
			Take(&candidate).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, fmt.Errorf("jobs: find due: %w", err)
		}

		lockedUntil := now.Add(q.lease)
		result := db.Model(&models.Job{}).
			Where("id = ? AND status = ? AND attempts = ?", candidate.ID, candidate.Status, candidate.Attempts).
			Updates(map[string]any{
				"status":       models.JobRunning,
				"attempts":     candidate.Attempts + 1,
				"locked_until": lockedUntil,
				"dedupe_key":   nil,
			})
		if result.Error != nil {
			return nil, false, fmt.Errorf("jobs: claim: %w", result.Error)
		}
		if result.RowsAffected == 1 {
			candidate.Status = models.JobRunning
			candidate.Attempts++
			candidate.LockedUntil = &lockedUntil
			candidate.DedupeKey = nil
			return &candidate, true, nil
		}
		// Another worker won this row; look again.
	}
	return nil, false, nil
}

func (q *Queue) complete(ctx context.Context, job *models.Job) error {
	return q.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ?", job.ID).
		Updates(map[string]any{
			"status":       models.JobDone,
			"locked_until": nil,
			"last_error":   "",
		}).Error
}

// Purge deletes finished jobs last touched before age ago.
func (q *Queue) Purge(ctx context.Context, age time.Duration) (int64, error) {
	result := q.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", []models.JobStatus{models.JobDone, models.JobFailed}, q.now().Add(-age)).
		Delete(&models.Job{})
	if result.Error != nil {
		return 0, fmt.Errorf("jobs: purge: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// fail reschedules the job with linear backoff, or marks it failed once its
// attempts are spent. It reports whether the job will run again.
func (q *Queue) fail(ctx context.Context, job *models.Job, cause error, backoff time.Duration) (bool, error) {
	updates := map[string]any{
		"locked_until": nil,
		"last_error":   truncate(cause.Error(), 1000),
	}
	retry := job.Attempts < job.MaxAttempts && !errors.Is(cause, ErrPermanent)
	if retry {
		updates["status"] = models.JobPending
		updates["eta"] = q.now().Add(time.Duration(job.Attempts) * backoff)
	} else {
		updates["status"] = models.JobFailed
	}
	err := q.db.WithContext(ctx).Model(&models.Job{}).Where("id = ?", job.ID).Updates(updates).Error
	return retry, err
}

// Decode unmarshals the job payload into dst.
func Decode(job *models.Job, dst any) error {
	if job == nil || len(job.Payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrPermanent)
	}
	if err := json.Unmarshal(job.Payload, dst); err != nil {
		return fmt.Errorf("%w: decode payload: %v", ErrPermanent, err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
