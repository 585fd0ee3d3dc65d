package mailout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charlesng35/spoilr/internal/cache"
	"github.com/charlesng35/spoilr/internal/models"
	"github.com/charlesng35/spoilr/internal/services"
	"github.com/charlesng35/spoilr/pkg/logger"
	"github.com/charlesng35/spoilr/pkg/mail"
	"github.com/charlesng35/spoilr/pkg/metrics"
)

const defaultCooldown = 5 * time.Minute

var (
	// ErrForeignSender rejects rows whose From is outside the sending domain.
	ErrForeignSender = errors.New("mailout: from address is not in the sending domain")
	// ErrDeliveryFailed wraps SMTP failures. A retry has already been scheduled.
	ErrDeliveryFailed = errors.New("mailout: delivery failed")
)

// Config controls outbound delivery.
type Config struct {
	Domain           string
	BouncesEnabled   bool
	BouncesLocalname string
	Cooldown         time.Duration
	// TestMode restricts delivery to AllowList. Entries are addresses or
	// "@domain" wildcards.
	TestMode  bool
	AllowList []string
}

// Outcome describes what a Send call did.
type Outcome string

const (
	OutcomeSent       Outcome = "sent"
	OutcomeBusy       Outcome = "busy"
	OutcomeNotSending Outcome = "not_sending"
	OutcomeNotDue     Outcome = "not_due"
	OutcomeCooldown   Outcome = "cooldown"
	OutcomeFiltered   Outcome = "filtered"
	OutcomeFailed     Outcome = "failed"
)

// Sender delivers Sending rows over SMTP. Each row is sent at most once per
// cooldown window: the attempt timestamp commits before the SMTP session opens.
type Sender struct {
	db     *gorm.DB
	mailer mail.Mailer
	locker *cache.Locker
	jobs   services.JobEnqueuer
	emails *services.EmailService
	cfg    Config
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	log    *zap.Logger
}

// Option customises a Sender.
type Option func(*Sender)

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option {
	return func(s *Sender) {
		if now != nil {
			s.now = now
		}
	}
}

// WithSleep overrides the pause between template batches.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Sender) {
		if fn != nil {
			s.sleep = fn
		}
	}
}

// NewSender constructs a Sender. jobs receives deferred retries and may be nil
// in tools that only send once.
func NewSender(db *gorm.DB, mailer mail.Mailer, locker *cache.Locker, emails *services.EmailService, jobs services.JobEnqueuer, cfg Config, opts ...Option) (*Sender, error) {
	switch {
	case db == nil:
		return nil, errors.New("mailout: db is required")
	case mailer == nil:
		return nil, errors.New("mailout: mailer is required")
	case locker == nil:
		return nil, errors.New("mailout: locker is required")
	case emails == nil:
		return nil, errors.New("mailout: email service is required")
	case strings.TrimSpace(cfg.Domain) == "":
		return nil, errors.New("mailout: domain is required")
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaultCooldown
	}
	if cfg.BouncesLocalname == "" {
		cfg.BouncesLocalname = "bounces"
	}
	cfg.Domain = strings.ToLower(strings.TrimSpace(cfg.Domain))

	s := &Sender{
		db:     db,
		mailer: mailer,
		locker: locker,
		jobs:   jobs,
		emails: emails,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
		sleep:  sleepContext,
		log:    logger.WithModule("mailout"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Send delivers email id. With force set, the scheduled time is ignored.
func (s *Sender) Send(ctx context.Context, id uint, force bool) (Outcome, error) {
	lock, err := s.locker.TryLock(ctx, fmt.Sprintf("task_send_email:%d", id), s.cfg.Cooldown)
	if errors.Is(err, cache.ErrLockBusy) {
		return OutcomeBusy, nil
	}
	if err != nil {
		return "", err
	}
	defer func() {
		if rerr := lock.Release(ctx); rerr != nil {
			s.log.Warn("release send lock", zap.Uint("email_id", id), zap.Error(rerr))
		}
	}()

	var email models.Email
	if err := s.db.WithContext(ctx).First(&email, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return OutcomeNotSending, nil
		}
		return "", fmt.Errorf("mailout: load email %d: %w", id, err)
	}
	log := s.log.With(zap.Uint("email_id", email.ID), zap.String("message_id", email.MessageID))

	if email.Status != models.EmailSending {
		return OutcomeNotSending, nil
	}
	now := s.now()
	if !force && email.ScheduledDatetime.After(now) {
		s.retryAt(ctx, email.ID, email.ScheduledDatetime, false)
		return OutcomeNotDue, nil
	}
	if email.AttemptedSendDatetime != nil {
		next := email.AttemptedSendDatetime.Add(s.cfg.Cooldown)
		if now.Before(next) {
			s.retryAt(ctx, email.ID, next, force)
			return OutcomeCooldown, nil
		}
	}
	from, err := mail.ParseMailbox(email.FromAddress)
	if err != nil || mail.Domain(from) != s.cfg.Domain {
		log.Error("refusing to send from foreign address", zap.String("from", email.FromAddress))
		metrics.EmailsSent.WithLabelValues("skipped").Inc()
		return OutcomeFiltered, ErrForeignSender
	}

	recipients := s.allowed(email.Recipients())

	// Claim the attempt before talking to SMTP.
	result := s.db.WithContext(ctx).Model(&models.Email{}).
		Where("id = ? AND status = ?", email.ID, models.EmailSending).
		Where("attempted_send_datetime IS NULL OR attempted_send_datetime <= ?", now.Add(-s.cfg.Cooldown)).
		Update("attempted_send_datetime", now)
	if result.Error != nil {
		return "", fmt.Errorf("mailout: mark attempt: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return OutcomeBusy, nil
	}

	if len(recipients) == 0 {
		log.Info("no deliverable recipients", zap.Bool("test_mode", s.cfg.TestMode))
		metrics.EmailsSent.WithLabelValues("skipped").Inc()
		return OutcomeFiltered, nil
	}

	if err := s.deliver(ctx, from, recipients, email.RawContent); err != nil {
		log.Warn("smtp delivery failed", zap.Error(err))
		metrics.EmailsSent.WithLabelValues("failed").Inc()
		s.retryAt(ctx, email.ID, now.Add(s.cfg.Cooldown), force)
		return OutcomeFailed, fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	metrics.EmailsSent.WithLabelValues("sent").Inc()
	log.Debug("email sent", zap.Int("recipients", len(recipients)))
	return OutcomeSent, nil
}

// deliver issues one SMTP transaction, or one per recipient when bounce
// tracking needs a distinct envelope sender.
func (s *Sender) deliver(ctx context.Context, from string, recipients []string, raw []byte) error {
	if !s.cfg.BouncesEnabled {
		return s.mailer.Send(ctx, mail.Envelope{From: from, To: recipients}, raw)
	}
	for _, rcpt := range recipients {
		env := mail.Envelope{From: s.BounceAddress(rcpt), To: []string{rcpt}}
		if err := s.mailer.Send(ctx, env, raw); err != nil {
			return err
		}
	}
	return nil
}

// BounceAddress returns the VERP envelope sender for rcpt.
func (s *Sender) BounceAddress(rcpt string) string {
	return fmt.Sprintf("%s+%s@%s", s.cfg.BouncesLocalname, mail.EscapeVERP(rcpt), s.cfg.Domain)
}

func (s *Sender) allowed(recipients []string) []string {
	recipients = mail.UniqueAddresses(recipients)
	if !s.cfg.TestMode {
		return recipients
	}
	out := recipients[:0]
	for _, rcpt := range recipients {
		if s.allowListed(rcpt) {
			out = append(out, rcpt)
		}
	}
	return out
}

func (s *Sender) allowListed(rcpt string) bool {
	addr := mail.NormalizeAddress(rcpt)
	for _, entry := range s.cfg.AllowList {
		entry = mail.NormalizeAddress(entry)
		if entry == addr || (strings.HasPrefix(entry, "@") && entry[1:] == mail.Domain(addr)) {
			return true
		}
	}
	return false
}

func (s *Sender) retryAt(ctx context.Context, id uint, eta time.Time, force bool) {
	if s.jobs == nil {
		return
	}
	job := services.EmailJob{EmailID: id, Now: force}
	if err := s.jobs.Enqueue(ctx, services.JobSendEmail, sendDedupeKey(id), job, eta); err != nil {
		s.log.Warn("schedule send retry", zap.Uint("email_id", id), zap.Error(err))
	}
}

func sendDedupeKey(id uint) string { return fmt.Sprintf("%s:%d", services.JobSendEmail, id) }

// RequeueUnsent enqueues a send job for every Sending row that was never
// attempted, recovering messages orphaned by a crash.
func (s *Sender) RequeueUnsent(ctx context.Context) (int, error) {
	var ids []uint
	err := s.db.WithContext(ctx).Model(&models.Email{}).
		Where("status = ? AND attempted_send_datetime IS NULL AND scheduled_datetime <= ?", models.EmailSending, s.now()).
		Order("id ASC").
		Pluck("id", &ids).Error
	if err != nil {
		return 0, fmt.Errorf("mailout: find unsent: %w", err)
	}
	if s.jobs == nil {
		return 0, nil
	}
	for _, id := range ids {
		if err := s.jobs.Enqueue(ctx, services.JobSendEmail, sendDedupeKey(id), services.EmailJob{EmailID: id}, s.now()); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}
