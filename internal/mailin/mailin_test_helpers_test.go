package mailin

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/charlesng35/spoilr/internal/database/testutil"
	"github.com/charlesng35/spoilr/internal/events"
	"github.com/charlesng35/spoilr/internal/models"
	"github.com/charlesng35/spoilr/internal/services"
)

const ourDomain = "hunt.example.org"

type harness struct {
	t          *testing.T
	db         *gorm.DB
	now        time.Time
	recorder   *events.Recorder
	emails     *services.EmailService
	hints      *services.HintService
	tasks      *services.TaskService
	classifier *Classifier
	team       models.Team
}

type tee struct {
	rec *events.Recorder
	bus *events.Bus
}

func (p tee) Publish(ctx context.Context, ev events.Event) {
	p.rec.Publish(ctx, ev)
	p.bus.Publish(ctx, ev)
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	now := time.Date(2026, 1, 16, 18, 0, 0, 0, time.UTC)
	clock := services.WithClock(func() time.Time { return now })

	bus := events.NewBus()
	rec := &events.Recorder{}
	pub := tee{rec: rec, bus: bus}

	audit, err := services.NewAuditService(db, clock)
	require.NoError(t, err)
	tasks, err := services.NewTaskService(db, pub, audit, clock)
	require.NoError(t, err)
	emails, err := services.NewEmailService(db, pub, tasks, audit, services.MailSettings{Domain: ourDomain}, clock)
	require.NoError(t, err)
	hints, err := services.NewHintService(db, pub, tasks, emails, audit, nil, clock)
	require.NoError(t, err)
	services.Subscribers{Tasks: tasks, Hints: hints}.Register(bus)

	classifier, err := NewClassifier(db, pub, hints, ClassifierConfig{
		Domain:          ourDomain,
		ServerID:        "mx." + ourDomain,
		BounceNotifiers: []string{"postmaster@" + ourDomain},
	})
	require.NoError(t, err)
	classifier.now = func() time.Time { return now }

	team := models.Team{Name: "Alpha", Slug: "alpha", Members: []models.TeamMember{{Name: "Cap", Email: "Cap@alpha.example.com"}}}
	require.NoError(t, db.Create(&team).Error)

	return &harness{
		t:          t,
		db:         db,
		now:        now,
		recorder:   rec,
		emails:     emails,
		hints:      hints,
		tasks:      tasks,
		classifier: classifier,
		team:       team,
	}
}

type rawMail struct {
	From       string
	To         string
	Subject    string
	MessageID  string
	InReplyTo  string
	References string
	Auth       string
	Body       string
}

func (m rawMail) bytes() []byte {
	var b strings.Builder
	header := func(k, v string) {
		if v != "" {
			fmt.Fprintf(&b, "%s: %s\r\n", k, v)
		}
	}
	header("Authentication-Results", m.Auth)
	header("From", m.From)
	header("To", m.To)
	header("Subject", m.Subject)
	header("Message-ID", m.MessageID)
	header("In-Reply-To", m.InReplyTo)
	header("References", m.References)
	header("Date", "Fri, 16 Jan 2026 17:59:00 +0000")
	header("MIME-Version", "1.0")
	header("Content-Type", "text/plain; charset=utf-8")
	b.WriteString("\r\n")
	b.WriteString(m.Body)
	return []byte(b.String())
}

func passAuth() string { return "mx." + ourDomain + "; dkim=pass; dmarc=pass header.from=" + ourDomain }

func (h *harness) ingest(uid uint32, m rawMail) *models.Email {
	h.t.Helper()
	email, err := h.classifier.Ingest(context.Background(), 7, Message{UID: uid, ModSeq: uint64(100 + uid), InternalDate: h.now, Raw: m.bytes()})
	require.NoError(h.t, err)
	return email
}

func (h *harness) countTasks() int64 {
	h.t.Helper()
	var n int64
	require.NoError(h.t, h.db.Model(&models.Task{}).Count(&n).Error)
	return n
}

func (h *harness) countEmails() int64 {
	h.t.Helper()
	var n int64
	require.NoError(h.t, h.db.Model(&models.Email{}).Count(&n).Error)
	return n
}
