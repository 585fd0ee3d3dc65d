package handlers_test

import (
	"fmt"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/spoilr/internal/handlers"
	"github.com/charlesng35/spoilr/internal/handlers/testutil"
	"github.com/charlesng35/spoilr/internal/sessions"
)

func TestSessionJoinAndVote(t *testing.T) {
	env := testutil.NewEnv(t)
	token := env.Login("alpha")

	w := env.Request(http.MethodGet, "/api/session/puzzle/intro-1", token)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var empty sessions.State
	testutil.DecodeInto(t, testutil.DecodeResponse(t, w).Data, &empty)
	require.Empty(t, empty.Users)

	w = env.Form(http.MethodPost, "/api/session/puzzle/intro-1", url.Values{"action": {"join"}}, token)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var joined sessions.State
	testutil.DecodeInto(t, testutil.DecodeResponse(t, w).Data, &joined)
	require.Equal(t, []uint{env.Solver.ID}, joined.Users)

	require.Len(t, env.Notifier.Frames, 1)
	frame := env.Notifier.Frames[0]
	require.Equal(t, handlers.SessionFrameKey, frame.Key)
	require.Equal(t, "intro-1", frame.Slug)
	require.Equal(t, env.Team.ID, frame.TeamID)

	w = env.Form(http.MethodPost, "/api/session/puzzle/intro-1", url.Values{"action": {"vote"}, "choice": {"left"}}, token)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.Request(http.MethodGet, "/api/session/puzzle/intro-1", token)
	var state sessions.State
	testutil.DecodeInto(t, testutil.DecodeResponse(t, w).Data, &state)
	require.Equal(t, []uint{env.Solver.ID}, state.Users)
	require.Equal(t, "left", state.Votes[fmt.Sprint(env.Solver.ID)])
}

func TestSessionRejectsBadRequests(t *testing.T) {
	env := testutil.NewEnv(t)
	env.CreatePuzzle("deep-1", "Deep One", "ABYSS", 5)
	token := env.Login("alpha")

	w := env.Form(http.MethodPost, "/api/session/puzzle/intro-1", url.Values{"action": {"dance"}}, token)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, testutil.DecodeResponse(t, w).FormErrors, "action")

	w = env.Request(http.MethodGet, "/api/session/round/intro", token)
	require.Equal(t, http.StatusNotFound, w.Code)

	w = env.Request(http.MethodGet, "/api/session/puzzle/deep-1", token)
	require.Equal(t, http.StatusNotFound, w.Code)

	w = env.Request(http.MethodGet, "/api/session/storycard/missing", token)
	require.Equal(t, http.StatusNotFound, w.Code)

	require.Empty(t, env.Notifier.Frames)
}
