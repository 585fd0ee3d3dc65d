package mailout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/charlesng35/spoilr/internal/cache"
	"github.com/charlesng35/spoilr/internal/database/testutil"
	"github.com/charlesng35/spoilr/internal/events"
	"github.com/charlesng35/spoilr/internal/jobs"
	"github.com/charlesng35/spoilr/internal/models"
	"github.com/charlesng35/spoilr/internal/services"
	"github.com/charlesng35/spoilr/pkg/mail"
)

const ourDomain = "hunt.example.org"

type sent struct {
	Env mail.Envelope
	Raw []byte
}

type fakeMailer struct {
	mu     sync.Mutex
	sent   []sent
	failOn string
}

func (m *fakeMailer) Send(_ context.Context, env mail.Envelope, raw []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rcpt := range env.To {
		if m.failOn != "" && rcpt == m.failOn {
			return errors.New("421 connection dropped")
		}
	}
	m.sent = append(m.sent, sent{Env: env, Raw: raw})
	return nil
}

func (m *fakeMailer) Close() error { return nil }

func (m *fakeMailer) recipients() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, s := range m.sent {
		out = append(out, s.Env.To...)
	}
	return out
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	t      *testing.T
	db     *gorm.DB
	clock  *clock
	mailer *fakeMailer
	locker *cache.Locker
	emails *services.EmailService
	queue  *jobs.Queue
	worker *jobs.Worker
	sender *Sender
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	clk := &clock{now: time.Date(2026, 1, 16, 18, 0, 0, 0, time.UTC)}

	audit, err := services.NewAuditService(db, services.WithClock(clk.Now))
	require.NoError(t, err)
	tasks, err := services.NewTaskService(db, events.Discard{}, audit, services.WithClock(clk.Now))
	require.NoError(t, err)
	emails, err := services.NewEmailService(db, events.Discard{}, tasks, audit, services.MailSettings{Domain: ourDomain}, services.WithClock(clk.Now))
	require.NoError(t, err)
	queue, err := jobs.NewQueue(db, jobs.WithQueueClock(clk.Now))
	require.NoError(t, err)

	h := &harness{
		t:      t,
		db:     db,
		clock:  clk,
		mailer: &fakeMailer{},
		locker: cache.NewLocker(cache.NewDatabaseStore(db)),
		emails: emails,
		queue:  queue,
		worker: jobs.NewWorker(queue),
	}
	if cfg.Domain == "" {
		cfg.Domain = ourDomain
	}
	h.sender = h.newSender(h.mailer, cfg)
	h.sender.Register(h.worker)
	return h
}

func (h *harness) newSender(m mail.Mailer, cfg Config) *Sender {
	h.t.Helper()
	noSleep := func(context.Context, time.Duration) error { return nil }
	s, err := NewSender(h.db, m, h.locker, h.emails, h.queue, cfg, WithClock(h.clock.Now), WithSleep(noSleep))
	require.NoError(h.t, err)
	return s
}

func (h *harness) queueEmail(from string, to ...string) *models.Email {
	h.t.Helper()
	var email *models.Email
	require.NoError(h.t, h.db.Transaction(func(tx *gorm.DB) error {
		var err error
		email, err = h.emails.Queue(tx, services.OutboundEmail{
			From:    from,
			To:      to,
			Subject: "Hunt update",
			Text:    "Hello",
		})
		return err
	}))
	return email
}

func (h *harness) reload(email *models.Email) models.Email {
	h.t.Helper()
	var out models.Email
	require.NoError(h.t, h.db.First(&out, email.ID).Error)
	return out
}

func TestSendDeliversOnceWithinCooldown(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	email := h.queueEmail("info@"+ourDomain, "a@solver.example", "B@solver.example")

	outcome, err := h.sender.Send(ctx, email.ID, false)
	require.NoError(t, err)
	require.Equal(t, OutcomeSent, outcome)
	require.Len(t, h.mailer.sent, 1)
	require.Equal(t, "info@"+ourDomain, h.mailer.sent[0].Env.From)
	require.Equal(t, []string{"a@solver.example", "B@solver.example"}, h.mailer.sent[0].Env.To)

	stored := h.reload(email)
	require.NotNil(t, stored.AttemptedSendDatetime)
	require.Equal(t, models.EmailSending, stored.Status)

	outcome, err = h.sender.Send(ctx, email.ID, true)
	require.NoError(t, err)
	require.Equal(t, OutcomeCooldown, outcome)
	require.Len(t, h.mailer.sent, 1)
}

func TestSendSkipsRowsNotInSending(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	email := h.queueEmail("info@"+ourDomain, "a@solver.example")
	require.NoError(t, h.db.Model(email).Update("status", models.EmailSent).Error)

	outcome, err := h.sender.Send(ctx, email.ID, false)
	require.NoError(t, err)
	require.Equal(t, OutcomeNotSending, outcome)

	outcome, err = h.sender.Send(ctx, 9999, false)
	require.NoError(t, err)
	require.Equal(t, OutcomeNotSending, outcome)
	require.Empty(t, h.mailer.sent)
}

func TestSendDefersScheduledEmail(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	email := h.queueEmail("info@"+ourDomain, "a@solver.example")
	future := h.clock.Now().Add(time.Hour)
	require.NoError(t, h.db.Model(email).Update("scheduled_datetime", future).Error)

	outcome, err := h.sender.Send(ctx, email.ID, false)
	require.NoError(t, err)
	require.Equal(t, OutcomeNotDue, outcome)
	require.Empty(t, h.mailer.sent)

	pending, err := h.queue.Pending(ctx, services.JobSendEmail)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.True(t, pending[0].ETA.Equal(future))

	outcome, err = h.sender.Send(ctx, email.ID, true)
	require.NoError(t, err)
	require.Equal(t, OutcomeSent, outcome)
}

func TestSendRejectsForeignFromDomain(t *testing.T) {
	h := newHarness(t, Config{})
	email := h.queueEmail("someone@elsewhere.example", "a@solver.example")

	outcome, err := h.sender.Send(context.Background(), email.ID, false)
	require.ErrorIs(t, err, ErrForeignSender)
	require.Equal(t, OutcomeFiltered, outcome)
	require.Empty(t, h.mailer.sent)
	require.Nil(t, h.reload(email).AttemptedSendDatetime)
}

func TestSendHonoursTestModeAllowList(t *testing.T) {
	h := newHarness(t, Config{TestMode: true, AllowList: []string{"dev@team.example", "@staff.example"}})
	email := h.queueEmail("info@"+ourDomain, "dev@team.example", "solver@else.example", "ops@staff.example")

	outcome, err := h.sender.Send(context.Background(), email.ID, false)
	require.NoError(t, err)
	require.Equal(t, OutcomeSent, outcome)
	require.Equal(t, []string{"dev@team.example", "ops@staff.example"}, h.mailer.recipients())

	blocked := h.queueEmail("info@"+ourDomain, "solver@else.example")
	outcome, err = h.sender.Send(context.Background(), blocked.ID, false)
	require.NoError(t, err)
	require.Equal(t, OutcomeFiltered, outcome)
	require.Len(t, h.mailer.sent, 1)
}

func TestSendUsesBounceEnvelopePerRecipient(t *testing.T) {
	h := newHarness(t, Config{BouncesEnabled: true})
	email := h.queueEmail("info@"+ourDomain, "user@example.com", "other@example.net")

	_, err := h.sender.Send(context.Background(), email.ID, false)
	require.NoError(t, err)
	require.Len(t, h.mailer.sent, 2)
	require.Equal(t, "bounces+user=example.com@"+ourDomain, h.mailer.sent[0].Env.From)
	require.Equal(t, []string{"user@example.com"}, h.mailer.sent[0].Env.To)
	require.Equal(t, "bounces+other=example.net@"+ourDomain, h.mailer.sent[1].Env.From)
}

func TestSendSkipsWhileLocked(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	email := h.queueEmail("info@"+ourDomain, "a@solver.example")

	held, err := h.locker.TryLock(ctx, fmt.Sprintf("task_send_email:%d", email.ID), time.Minute)
	require.NoError(t, err)
	outcome, err := h.sender.Send(ctx, email.ID, false)
	require.NoError(t, err)
	require.Equal(t, OutcomeBusy, outcome)
	require.NoError(t, held.Release(ctx))

	outcome, err = h.sender.Send(ctx, email.ID, false)
	require.NoError(t, err)
	require.Equal(t, OutcomeSent, outcome)
}

func TestFailedDeliveryRetriesAfterCooldown(t *testing.T) {
	h := newHarness(t, Config{Cooldown: 10 * time.Minute})
	ctx := context.Background()
	h.mailer.failOn = "a@solver.example"
	email := h.queueEmail("info@"+ourDomain, "a@solver.example")

	require.NoError(t, h.queue.Enqueue(ctx, services.JobSendEmail, "", services.EmailJob{EmailID: email.ID}, h.clock.Now()))
	n, err := h.worker.RunDue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Empty(t, h.mailer.sent)

	h.mailer.failOn = ""
	n, err = h.worker.RunDue(ctx)
	require.NoError(t, err)
	require.Zero(t, n, "retry waits for the cooldown")

	h.clock.Advance(10 * time.Minute)
	n, err = h.worker.RunDue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []string{"a@solver.example"}, h.mailer.recipients())
}

func TestRequeueUnsentOnlyTouchesUnattemptedRows(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	attempted := h.queueEmail("info@"+ourDomain, "a@solver.example")
	_, err := h.sender.Send(ctx, attempted.ID, false)
	require.NoError(t, err)
	orphan := h.queueEmail("info@"+ourDomain, "b@solver.example")

	n, err := h.sender.RequeueUnsent(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	n, err = h.sender.RequeueUnsent(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	pending, err := h.queue.Pending(ctx, services.JobSendEmail)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	var job services.EmailJob
	require.NoError(t, jobs.Decode(&pending[0], &job))
	require.Equal(t, orphan.ID, job.EmailID)

	ran, err := h.worker.RunDue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, ran)
	require.Equal(t, []string{"a@solver.example", "b@solver.example"}, h.mailer.recipients())
}

func TestSenderRequiresDependencies(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := NewSender(h.db, nil, h.locker, h.emails, nil, Config{Domain: ourDomain})
	require.Error(t, err)
	_, err = NewSender(h.db, h.mailer, h.locker, h.emails, nil, Config{})
	require.ErrorContains(t, err, "domain")
}
