package services

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/spoilr/internal/events"
	"github.com/charlesng35/spoilr/internal/models"
	"github.com/charlesng35/spoilr/internal/progress"
	appErrors "github.com/charlesng35/spoilr/pkg/errors"
)

func (h *harness) requestHint(text, notify string, thread *uint) *models.Hint {
	h.t.Helper()
	hint, err := h.hints.Request(context.Background(), h.solver(), h.puzzle.Slug, HintRequestInput{
		Text: text, NotifyEmails: notify, ThreadID: thread,
	})
	require.NoError(h.t, err)
	return hint
}

func TestHintRoundtrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	request := h.requestHint("stuck on step 3", "all", nil)
	task := h.taskFor(models.TaskKindHint, request.ID)
	require.Equal(t, models.TaskPending, task.Status)
	require.Nil(t, task.HandlerID)

	_, err := h.tasks.Claim(ctx, []uint{task.ID}, h.bob, ClaimOptions{})
	require.NoError(t, err)
	h.reload(&task, task.ID)
	require.Equal(t, models.TaskPending, task.Status)
	require.Equal(t, h.bob.ID, *task.HandlerID)

	response, err := h.hints.Respond(ctx, h.bob, request.ID, HintResponseInput{Text: "try column 2", Status: models.HintAnswered})
	require.NoError(t, err)
	require.False(t, response.IsRequest)

	var stored models.Hint
	h.reload(&stored, request.ID)
	require.NotNil(t, stored.ResponseID)
	require.Equal(t, response.ID, *stored.ResponseID)
	require.Equal(t, models.HintAnswered, stored.Status)

	h.reload(&task, task.ID)
	require.Equal(t, models.TaskDone, task.Status)

	require.NotNil(t, response.EmailID)
	var email models.Email
	h.reload(&email, *response.EmailID)
	require.Equal(t, models.EmailSending, email.Status)
	require.ElementsMatch(t, []string{"cap@alpha.example.com", "second@alpha.example.com"}, []string(email.ToAddresses))
	require.Equal(t, "Hint answered for Intro One", email.Subject)

	require.Len(t, h.jobs.jobs, 1)
	require.Equal(t, JobSendEmail, h.jobs.jobs[0].Name)
	require.Contains(t, h.kinds(), events.HintResponded)
	require.Len(t, h.notifier.byKey(FrameHint), 1)
}

func TestHintResponseEditsInPlace(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	request := h.requestHint("help", "none", nil)

	first, err := h.hints.Respond(ctx, h.bob, request.ID, HintResponseInput{Text: "look closer", Status: models.HintAnswered})
	require.NoError(t, err)
	require.Nil(t, first.EmailID)

	edited, err := h.hints.Respond(ctx, h.bob, request.ID, HintResponseInput{Text: "look much closer", Status: models.HintAnswered})
	require.NoError(t, err)
	require.Equal(t, first.ID, edited.ID)

	var count int64
	require.NoError(t, h.db.Model(&models.Hint{}).Count(&count).Error)
	require.Equal(t, int64(2), count)

	var stored models.Hint
	h.reload(&stored, first.ID)
	require.Equal(t, "look much closer", stored.Text)
}

func TestRespondingImplicitlyClaimsButNotFromOthers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	request := h.requestHint("help", "", nil)
	task := h.taskFor(models.TaskKindHint, request.ID)

	_, err := h.tasks.Claim(ctx, []uint{task.ID}, h.alice, ClaimOptions{})
	require.NoError(t, err)

	_, err = h.hints.Respond(ctx, h.bob, request.ID, HintResponseInput{Text: "x", Status: models.HintAnswered})
	require.ErrorIs(t, err, appErrors.ErrAlreadyClaimed)

	var stored models.Hint
	h.reload(&stored, request.ID)
	require.Nil(t, stored.ResponseID, "rolled back")
}

func TestOnlyOneOpenThread(t *testing.T) {
	h := newHarness(t)
	h.requestHint("first", "", nil)

	_, err := h.hints.Request(context.Background(), h.solver(), h.puzzle.Slug, HintRequestInput{Text: "second"})
	require.ErrorIs(t, err, appErrors.ErrHintAlreadyOpen)
}

func TestConcurrentRequestsOpenOneThread(t *testing.T) {
	h := newHarness(t)
	sqlDB, err := h.db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	callers := []*progress.Context{h.solver(), h.solver()}
	var (
		wg   sync.WaitGroup
		errs = make([]error, len(callers))
	)
	for i, pc := range callers {
		wg.Add(1)
		go func(i int, pc *progress.Context) {
			defer wg.Done()
			_, errs[i] = h.hints.Request(context.Background(), pc, h.puzzle.Slug, HintRequestInput{Text: "help"})
		}(i, pc)
	}
	wg.Wait()

	failures := 0
	for _, err := range errs {
		if err != nil {
			failures++
			require.ErrorIs(t, err, appErrors.ErrHintAlreadyOpen)
		}
	}
	require.Equal(t, 1, failures)

	var open int64
	require.NoError(t, openRequests(h.db).Where("team_id = ?", h.team.ID).Count(&open).Error)
	require.EqualValues(t, 1, open)
}

func TestFollowUpReopensThreadAndOneResponseSatisfiesAll(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	root := h.requestHint("first", "", nil)

	_, err := h.hints.Respond(ctx, h.bob, root.ID, HintResponseInput{Text: "which step?", Status: models.HintMoreInfo})
	require.NoError(t, err)

	threadID := root.ID
	followUp := h.requestHint("step 3", "", &threadID)
	require.Equal(t, root.ID, *followUp.RootAncestorID)

	var stored models.Hint
	h.reload(&stored, root.ID)
	require.Equal(t, models.HintNoResponse, stored.Status)

	second := h.requestHint("also step 4", "", &threadID)

	response, err := h.hints.Respond(ctx, h.bob, followUp.ID, HintResponseInput{Text: "column 2", Status: models.HintAnswered})
	require.NoError(t, err)
	for _, id := range []uint{followUp.ID, second.ID} {
		var req models.Hint
		h.reload(&req, id)
		require.Equal(t, response.ID, *req.ResponseID)
		require.Equal(t, models.TaskDone, h.taskFor(models.TaskKindHint, id).Status)
	}

	threads, err := h.hints.Threads(ctx, h.team.ID, h.puzzle.ID)
	require.NoError(t, err)
	require.Len(t, threads, 1)
	require.Equal(t, models.HintAnswered, threads[0].Status)
	require.Len(t, threads[0].Hints, 5)
}

func TestHintReplyThreadsPreviousEmail(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	root := h.requestHint("first", "all", nil)
	first, err := h.hints.Respond(ctx, h.bob, root.ID, HintResponseInput{Text: "more?", Status: models.HintMoreInfo})
	require.NoError(t, err)
	var firstEmail models.Email
	h.reload(&firstEmail, *first.EmailID)

	threadID := root.ID
	follow := h.requestHint("step 3", "all", &threadID)
	second, err := h.hints.Respond(ctx, h.bob, follow.ID, HintResponseInput{Text: "column 2", Status: models.HintAnswered})
	require.NoError(t, err)

	var reply models.Email
	h.reload(&reply, *second.EmailID)
	require.Equal(t, firstEmail.MessageID, reply.InReplyToID)
	require.Equal(t, "Re: Hint answered for Intro One", reply.Subject)
	require.Contains(t, []string(reply.ReferenceIDs), firstEmail.MessageID)
}

func TestHintRecipientsSkipBounced(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.db.Create(&models.BadEmailAddress{Address: "second@alpha.example.com", Reason: models.BadAddressBounced}).Error)
	require.NoError(t, h.db.Create(&models.BadEmailAddress{Address: "cap@alpha.example.com", Reason: models.BadAddressUnsubscribed}).Error)

	request := h.requestHint("help", "all", nil)
	response, err := h.hints.Respond(ctx, h.bob, request.ID, HintResponseInput{Text: "x", Status: models.HintAnswered})
	require.NoError(t, err)

	var email models.Email
	h.reload(&email, *response.EmailID)
	require.Equal(t, []string{"cap@alpha.example.com"}, []string(email.ToAddresses))
}

func TestHintRequestValidation(t *testing.T) {
	h := newHarness(t)
	_, err := h.hints.Request(context.Background(), h.solver(), h.puzzle.Slug, HintRequestInput{Text: "  ", NotifyEmails: "not an address"})
	require.ErrorIs(t, err, appErrors.ErrValidation)
	fields := appErrors.FormErrors(err.(*appErrors.AppError).FormErrors).Fields()
	require.Equal(t, []string{"notify_emails", "text_content"}, fields)

	_, err = h.hints.Respond(context.Background(), h.bob, 999, HintResponseInput{Text: "x", Status: models.HintObsolete})
	require.ErrorIs(t, err, appErrors.ErrValidation)
}

func TestRecipientsFor(t *testing.T) {
	team := &models.Team{Members: []models.TeamMember{{Email: "a@x.org"}, {Email: "A@x.org"}, {Email: "b@x.org"}}}
	require.Equal(t, []string{"a@x.org", "b@x.org"}, RecipientsFor(team, "all"))
	require.Empty(t, RecipientsFor(team, "none"))
	require.Empty(t, RecipientsFor(team, ""))
	require.Equal(t, []string{"c@y.org", "d@y.org"}, RecipientsFor(team, "c@y.org, d@y.org"))
}
