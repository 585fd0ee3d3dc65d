package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/charlesng35/spoilr/internal/auth"
	"github.com/charlesng35/spoilr/internal/database"
	"github.com/charlesng35/spoilr/internal/database/testutil"
	"github.com/charlesng35/spoilr/internal/events"
	"github.com/charlesng35/spoilr/internal/models"
	"github.com/charlesng35/spoilr/internal/progress"
)

type teePublisher struct {
	rec *events.Recorder
	bus *events.Bus
}

func (p teePublisher) Publish(ctx context.Context, ev events.Event) {
	p.rec.Publish(ctx, ev)
	p.bus.Publish(ctx, ev)
}

type frame struct {
	TeamID uint
	Slug   string
	Key    string
	Data   any
}

type fakeNotifier struct {
	mu     sync.Mutex
	frames []frame
}

func (n *fakeNotifier) SendToTeam(_ context.Context, teamID uint, key string, data any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.frames = append(n.frames, frame{TeamID: teamID, Key: key, Data: data})
	return nil
}

func (n *fakeNotifier) SendToTeamPuzzle(_ context.Context, teamID uint, slug, key string, data any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.frames = append(n.frames, frame{TeamID: teamID, Slug: slug, Key: key, Data: data})
	return nil
}

func (n *fakeNotifier) byKey(key string) []frame {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []frame
	for _, f := range n.frames {
		if f.Key == key {
			out = append(out, f)
		}
	}
	return out
}

type enqueued struct {
	Name      string
	DedupeKey string
	Payload   any
}

type fakeJobs struct {
	mu   sync.Mutex
	jobs []enqueued
}

func (j *fakeJobs) Enqueue(_ context.Context, name, dedupeKey string, payload any, _ time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.jobs = append(j.jobs, enqueued{Name: name, DedupeKey: dedupeKey, Payload: payload})
	return nil
}

type harness struct {
	t   *testing.T
	db  *gorm.DB
	rec *events.Recorder
	bus *events.Bus
	pub events.Publisher
	now time.Time

	notifier *fakeNotifier
	jobs     *fakeJobs

	engine       *progress.Engine
	audit        *AuditService
	tasks        *TaskService
	emails       *EmailService
	hints        *HintService
	interactions *InteractionService
	submissions  *SubmissionService

	team    *models.Team
	captain *models.User
	bob     *models.User
	alice   *models.User
	round   *models.Round
	puzzle  *models.Puzzle
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		db:       testutil.MustOpenTestDB(t, testutil.WithAutoMigrate()),
		rec:      &events.Recorder{},
		bus:      events.NewBus(),
		now:      time.Date(2026, 1, 16, 18, 0, 0, 0, time.UTC),
		notifier: &fakeNotifier{},
		jobs:     &fakeJobs{},
	}
	h.pub = teePublisher{rec: h.rec, bus: h.bus}
	clock := WithClock(func() time.Time { return h.now })

	var err error
	h.engine, err = progress.NewEngine(h.db, h.pub, database.HuntTimes{
		Launch: h.now.Add(-time.Hour),
		End:    h.now.Add(48 * time.Hour),
		Close:  h.now.Add(72 * time.Hour),
	}, progress.WithClock(func() time.Time { return h.now }))
	require.NoError(t, err)

	h.audit, err = NewAuditService(h.db, clock)
	require.NoError(t, err)
	h.tasks, err = NewTaskService(h.db, h.pub, h.audit, clock)
	require.NoError(t, err)
	h.emails, err = NewEmailService(h.db, h.pub, h.tasks, h.audit, MailSettings{Domain: "hunt.example.org"}, clock)
	require.NoError(t, err)
	h.hints, err = NewHintService(h.db, h.pub, h.tasks, h.emails, h.audit, nil, clock)
	require.NoError(t, err)
	h.interactions, err = NewInteractionService(h.db, h.pub, h.tasks, h.audit, clock)
	require.NoError(t, err)
	h.submissions, err = NewSubmissionService(h.db, h.pub, h.interactions, clock)
	require.NoError(t, err)

	Subscribers{Tasks: h.tasks, Hints: h.hints, Jobs: h.jobs, Notifier: h.notifier}.Register(h.bus)

	h.team = &models.Team{Name: "alpha", Slug: "alpha", Members: []models.TeamMember{
		{Name: "Cap", Email: "cap@alpha.example.com"},
		{Name: "Second", Email: "second@alpha.example.com"},
	}}
	require.NoError(t, h.db.Create(h.team).Error)
	h.captain = h.user("alpha_captain", false, &h.team.ID)
	h.bob = h.user("bob", true, nil)
	h.alice = h.user("alice", true, nil)

	h.round = &models.Round{Slug: "intro", Name: "Intro"}
	require.NoError(t, h.db.Create(h.round).Error)
	h.puzzle = h.addPuzzle("intro-1", "Intro One", "MOONLIGHT")
	return h
}

func (h *harness) user(name string, staff bool, teamID *uint) *models.User {
	h.t.Helper()
	u := &models.User{Username: name, Password: "x", IsStaff: staff, IsActive: true, TeamID: teamID}
	require.NoError(h.t, h.db.Create(u).Error)
	return u
}

func (h *harness) addPuzzle(slug, name, answer string) *models.Puzzle {
	h.t.Helper()
	p := &models.Puzzle{Slug: slug, Name: name, Answer: answer, RoundID: h.round.ID}
	require.NoError(h.t, h.db.Create(p).Error)
	return p
}

// solver builds a fresh per-request progress context for the team.
func (h *harness) solver() *progress.Context {
	h.t.Helper()
	var team models.Team
	require.NoError(h.t, h.db.Preload("Members").Take(&team, h.team.ID).Error)
	pc, err := h.engine.ForCaller(context.Background(), &auth.Caller{User: h.captain, Team: &team})
	require.NoError(h.t, err)
	return pc
}

func (h *harness) reload(dst any, id uint) {
	h.t.Helper()
	require.NoError(h.t, h.db.Take(dst, id).Error)
}

func (h *harness) taskFor(kind models.TaskKind, contentID uint) models.Task {
	h.t.Helper()
	var task models.Task
	require.NoError(h.t, h.db.Take(&task, "content_type = ? AND content_id = ?", kind, contentID).Error)
	return task
}

func (h *harness) kinds() []events.Kind { return h.rec.Kinds() }
