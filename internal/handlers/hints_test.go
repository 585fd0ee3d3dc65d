package handlers_test

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/spoilr/internal/handlers/testutil"
	"github.com/charlesng35/spoilr/internal/models"
	"github.com/charlesng35/spoilr/internal/services"
)

func requestHint(env *testutil.Env, token, text string) []services.HintThread {
	env.T.Helper()
	w := env.Form(http.MethodPost, "/api/puzzle/intro-1/hint", url.Values{"text": {text}}, token)
	require.Equal(env.T, http.StatusOK, w.Code, w.Body.String())
	var out struct {
		Hints []services.HintThread `json:"hints"`
	}
	testutil.DecodeInto(env.T, testutil.DecodeResponse(env.T, w).Data, &out)
	return out.Hints
}

func TestHintRequestOpensThreadAndTask(t *testing.T) {
	env := testutil.NewEnv(t)
	token := env.Login("alpha")

	threads := requestHint(env, token, "We are stuck on the grid")
	require.Len(t, threads, 1)
	require.Equal(t, models.HintNoResponse, threads[0].Status)
	require.Len(t, threads[0].Hints, 1)
	require.True(t, threads[0].Hints[0].IsRequest)

	var task models.Task
	require.NoError(t, env.DB.Take(&task, "content_type = ?", models.TaskKindHint).Error)
	require.Equal(t, models.TaskPending, task.Status)
	require.Equal(t, threads[0].ID, task.ContentID)

	w := env.Form(http.MethodPost, "/api/puzzle/intro-1/hint", url.Values{"text": {"again"}}, token)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "hint_already_open", testutil.DecodeResponse(t, w).Error.Code)
}

func TestHintRequestValidation(t *testing.T) {
	env := testutil.NewEnv(t)
	token := env.Login("alpha")

	w := env.Form(http.MethodPost, "/api/puzzle/intro-1/hint", url.Values{}, token)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, testutil.DecodeResponse(t, w).FormErrors, "text")

	w = env.Form(http.MethodPost, "/api/puzzle/intro-1/hint", url.Values{
		"text":          {"help"},
		"notify_emails": {"not an address"},
	}, token)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, testutil.DecodeResponse(t, w).FormErrors, "notify_emails")
}

func TestHintRespondRequiresConfirm(t *testing.T) {
	env := testutil.NewEnv(t)
	threads := requestHint(env, env.Login("alpha"), "help")
	staff := env.Login("hal")

	form := url.Values{
		"request_id": {fmt.Sprint(threads[0].ID)},
		"text":       {"Look at the diagonals"},
		"status":     {string(models.HintAnswered)},
	}
	w := env.Form(http.MethodPost, "/spoilr/hints/respond", form, staff)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, testutil.DecodeResponse(t, w).FormErrors, "confirm")

	form.Set("status", "bogus")
	form.Set("confirm", "1")
	w = env.Form(http.MethodPost, "/spoilr/hints/respond", form, staff)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, testutil.DecodeResponse(t, w).FormErrors, "status")
}

func TestHintRespondAnswersThread(t *testing.T) {
	env := testutil.NewEnv(t)
	solver := env.Login("alpha")
	threads := requestHint(env, solver, "help")
	staff := env.Login("hal")

	w := env.Form(http.MethodPost, "/spoilr/hints/respond", url.Values{
		"request_id": {fmt.Sprint(threads[0].ID)},
		"text":       {"Look at the diagonals"},
		"status":     {string(models.HintAnswered)},
		"confirm":    {"true"},
		"next":       {"/spoilr/hints"},
	}, staff)
	require.Equal(t, http.StatusFound, w.Code, w.Body.String())
	require.Contains(t, w.Header().Get("Location"), "/spoilr/hints?")
	require.Contains(t, testutil.RedirectStatus(t, w), "Responded to hint #")

	var task models.Task
	require.NoError(t, env.DB.Take(&task, "content_type = ?", models.TaskKindHint).Error)
	require.Equal(t, models.TaskDone, task.Status)
	require.NotNil(t, task.HandlerID)
	require.Equal(t, env.Staff.ID, *task.HandlerID)

	require.Contains(t, env.Notifier.Keys(), services.FrameHint)

	jobs, err := env.Queue.Pending(context.Background(), services.JobSendEmail)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	w = env.Request(http.MethodGet, "/api/puzzle/intro-1", solver)
	require.Equal(t, http.StatusOK, w.Code)
	var page struct {
		Hints []services.HintThread `json:"hints"`
	}
	testutil.DecodeInto(t, testutil.DecodeResponse(t, w).Data, &page)
	require.Len(t, page.Hints, 1)
	require.Equal(t, models.HintAnswered, page.Hints[0].Status)
	require.Len(t, page.Hints[0].Hints, 2)
}

func TestHintRespondBlockedByOtherClaim(t *testing.T) {
	env := testutil.NewEnv(t)
	threads := requestHint(env, env.Login("alpha"), "help")

	var task models.Task
	require.NoError(t, env.DB.Take(&task, "content_type = ?", models.TaskKindHint).Error)
	w := env.Form(http.MethodPost, "/spoilr/task/claim", url.Values{"task_id": {fmt.Sprint(task.ID)}}, env.Login("sal"))
	require.Equal(t, http.StatusFound, w.Code, w.Body.String())

	w = env.Form(http.MethodPost, "/spoilr/hints/respond", url.Values{
		"request_id": {fmt.Sprint(threads[0].ID)},
		"text":       {"mine"},
		"status":     {string(models.HintAnswered)},
		"confirm":    {"1"},
	}, env.Login("hal"))
	require.Equal(t, http.StatusBadRequest, w.Code)
	resp := testutil.DecodeResponse(t, w)
	require.Equal(t, "already_claimed", resp.Error.Code)
	require.Contains(t, resp.Error.Message, "sal")
}

func TestHintRoutesRequireStaff(t *testing.T) {
	env := testutil.NewEnv(t)

	w := env.Form(http.MethodPost, "/spoilr/hints/respond", url.Values{}, env.Login("alpha"))
	require.Equal(t, http.StatusNotFound, w.Code)

	w = env.Form(http.MethodPost, "/spoilr/hints/respond", url.Values{}, "")
	require.Equal(t, http.StatusUnauthorized, w.Code)
}
