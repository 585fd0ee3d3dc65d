package handlers_test

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/spoilr/internal/handlers/testutil"
	"github.com/charlesng35/spoilr/internal/models"
	"github.com/charlesng35/spoilr/internal/services"
)

func inboundEmail(env *testutil.Env) *models.Email {
	env.T.Helper()
	email := &models.Email{
		MessageID:         "<question-1@alpha.example.com>",
		RootReferenceID:   "<question-1@alpha.example.com>",
		Subject:           "Is the grid rotated?",
		BodyText:          "We think it might be.",
		FromAddress:       "cap@alpha.example.com",
		ToAddresses:       []string{"info@hunt.example.org"},
		Status:            models.EmailRecvNoReply,
		TeamID:            &env.Team.ID,
		ScheduledDatetime: env.Now,
	}
	require.NoError(env.T, env.DB.Create(email).Error)
	_, _, err := env.Services.Tasks.Create(context.Background(), models.TaskKindEmail, email.ID, &env.Team.ID)
	require.NoError(env.T, err)
	return email
}

func emailTask(env *testutil.Env, emailID uint) models.Task {
	env.T.Helper()
	var task models.Task
	require.NoError(env.T, env.DB.Take(&task, "content_type = ? AND content_id = ?", models.TaskKindEmail, emailID).Error)
	return task
}

func TestEmailReply(t *testing.T) {
	env := testutil.NewEnv(t)
	email := inboundEmail(env)
	staff := env.Login("hal")

	form := url.Values{"email_id": {fmt.Sprint(email.ID)}, "text_content": {"It is not."}}
	w := env.Form(http.MethodPost, "/spoilr/email/reply", form, staff)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, testutil.DecodeResponse(t, w).FormErrors, "confirm")

	form.Set("confirm", "1")
	w = env.Form(http.MethodPost, "/spoilr/email/reply", form, staff)
	require.Equal(t, fmt.Sprintf("Replied to email #%d", email.ID), testutil.RedirectStatus(t, w))

	var stored models.Email
	require.NoError(t, env.DB.First(&stored, email.ID).Error)
	require.Equal(t, models.EmailRecvAnswered, stored.Status)
	require.NotNil(t, stored.ResponseID)

	var reply models.Email
	require.NoError(t, env.DB.First(&reply, *stored.ResponseID).Error)
	require.Equal(t, email.MessageID, reply.InReplyToID)
	require.Equal(t, []string{"cap@alpha.example.com"}, []string(reply.ToAddresses))
	require.Equal(t, models.EmailSending, reply.Status)

	require.Equal(t, models.TaskDone, emailTask(env, email.ID).Status)

	jobs, err := env.Queue.Pending(context.Background(), services.JobSendEmail)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
}

func TestEmailReplyNeedsText(t *testing.T) {
	env := testutil.NewEnv(t)
	email := inboundEmail(env)

	w := env.Form(http.MethodPost, "/spoilr/email/reply", url.Values{
		"email_id": {fmt.Sprint(email.ID)},
		"confirm":  {"1"},
	}, env.Login("hal"))
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, testutil.DecodeResponse(t, w).FormErrors, "text_content")
}

func TestEmailNoReply(t *testing.T) {
	env := testutil.NewEnv(t)
	email := inboundEmail(env)

	w := env.Form(http.MethodPost, "/spoilr/email/reply", url.Values{
		"email_id": {fmt.Sprint(email.ID)},
		"no_reply": {"1"},
		"confirm":  {"1"},
	}, env.Login("hal"))
	require.Equal(t, fmt.Sprintf("Marked email #%d as needing no reply", email.ID), testutil.RedirectStatus(t, w))

	var stored models.Email
	require.NoError(t, env.DB.First(&stored, email.ID).Error)
	require.Equal(t, models.EmailRecvNoReplyRequired, stored.Status)
	task := emailTask(env, email.ID)
	require.Equal(t, models.TaskDone, task.Status)
	require.Equal(t, env.Staff.ID, *task.HandlerID)
}

func TestInteractionRequestAndAccomplish(t *testing.T) {
	env := testutil.NewEnv(t)
	interaction := &models.Interaction{Slug: "tea", Name: "Tea Party"}
	require.NoError(t, env.DB.Create(interaction).Error)
	access := &models.InteractionAccess{TeamID: env.Team.ID, InteractionID: interaction.ID}
	require.NoError(t, env.DB.Create(access).Error)
	solver := env.Login("alpha")

	w := env.Form(http.MethodPost, "/api/interaction/garden", url.Values{}, solver)
	require.Equal(t, http.StatusNotFound, w.Code)

	w = env.Form(http.MethodPost, "/api/interaction/tea", url.Values{"comments": {" Saturday noon "}}, solver)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var out struct {
		ID       uint   `json:"id"`
		Comments string `json:"comments"`
	}
	testutil.DecodeInto(t, testutil.DecodeResponse(t, w).Data, &out)
	require.Equal(t, access.ID, out.ID)
	require.Equal(t, "Saturday noon", out.Comments)

	var task models.Task
	require.NoError(t, env.DB.Take(&task, "content_type = ? AND content_id = ?", models.TaskKindInteraction, access.ID).Error)
	require.Equal(t, models.TaskPending, task.Status)

	w = env.Form(http.MethodPost, "/spoilr/interaction/accomplish", url.Values{"interaction_id": {fmt.Sprint(access.ID)}}, env.Login("hal"))
	require.Equal(t, "Accomplished Tea Party", testutil.RedirectStatus(t, w))

	var stored models.InteractionAccess
	require.NoError(t, env.DB.First(&stored, access.ID).Error)
	require.True(t, stored.Accomplished)
	require.NotNil(t, stored.AccomplishedTime)
	require.NoError(t, env.DB.First(&task, task.ID).Error)
	require.Equal(t, models.TaskDone, task.Status)

	w = env.Form(http.MethodPost, "/spoilr/interaction/accomplish", url.Values{"interaction_id": {fmt.Sprint(access.ID)}}, env.Login("hal"))
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestExportSubmissions(t *testing.T) {
	env := testutil.NewEnv(t)
	solve(env, env.Login("alpha"), "intro-1", "moonlight")

	w := env.Request(http.MethodGet, "/spoilr/export/submissions.csv", env.Login("hal"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Equal(t, "text/csv; charset=utf-8", w.Header().Get("Content-Type"))
	require.Contains(t, w.Header().Get("Content-Disposition"), `filename="submissions.csv"`)

	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	require.Len(t, lines, 2)
	require.True(t, strings.HasPrefix(lines[0], "id,"))
	require.Contains(t, lines[1], "Alpha,intro-1")
	require.Contains(t, lines[1], "MOONLIGHT")
}

func TestExportRejectsUnknownKindAndSolvers(t *testing.T) {
	env := testutil.NewEnv(t)

	w := env.Request(http.MethodGet, "/spoilr/export/passwords", env.Login("hal"))
	require.Equal(t, http.StatusNotFound, w.Code)

	w = env.Request(http.MethodGet, "/spoilr/export/submissions", env.Login("alpha"))
	require.Equal(t, http.StatusNotFound, w.Code)
}
