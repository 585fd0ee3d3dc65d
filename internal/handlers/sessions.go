package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/charlesng35/spoilr/internal/progress"
	"github.com/charlesng35/spoilr/internal/services"
	"github.com/charlesng35/spoilr/internal/sessions"
	"github.com/charlesng35/spoilr/pkg/errors"
	"github.com/charlesng35/spoilr/pkg/logger"
	"github.com/charlesng35/spoilr/pkg/response"
)

// SessionFrameKey is the websocket frame key carrying session state.
const SessionFrameKey = "session"

// SessionHandler exposes a team's live puzzle and story card sessions.
type SessionHandler struct {
	store    *sessions.Store
	notifier services.TeamNotifier
	opts     sessions.Options
	log      *zap.Logger
}

// NewSessionHandler wires the session store. notifier may be nil.
func NewSessionHandler(store *sessions.Store, notifier services.TeamNotifier, opts sessions.Options) *SessionHandler {
	return &SessionHandler{store: store, notifier: notifier, opts: opts, log: logger.WithModule("sessions")}
}

// GET /api/session/:kind/:slug
func (h *SessionHandler) Get(c *gin.Context) {
	_, key, ok := h.resolve(c)
	if !ok {
		return
	}
	state, _, err := h.store.Load(requestContext(c), key)
	if err != nil {
		response.Error(c, errors.ErrTryAgain.WithInternal(err))
		return
	}
	if state == nil {
		state = &sessions.State{Users: []uint{}}
	}
	response.Success(c, http.StatusOK, state)
}

// POST /api/session/:kind/:slug
func (h *SessionHandler) Apply(c *gin.Context) {
	pc, key, ok := h.resolve(c)
	if !ok {
		return
	}
	var action sessions.Action
	if !bindAndValidate(c, &action) {
		return
	}

	ctx := requestContext(c)
	state, err := h.store.Apply(ctx, key, handlerUser(c).ID, action, h.opts)
	if err != nil {
		response.Error(c, errors.ErrTryAgain.WithInternal(err))
		return
	}

	if h.notifier != nil {
		teamID := pc.Team().ID
		var pushErr error
		if c.Param("kind") == "puzzle" {
			pushErr = h.notifier.SendToTeamPuzzle(ctx, teamID, c.Param("slug"), SessionFrameKey, state)
		} else {
			pushErr = h.notifier.SendToTeam(ctx, teamID, SessionFrameKey, state)
		}
		if pushErr != nil {
			h.log.Warn("session fan-out failed", zap.String("session", key.String()), zap.Error(pushErr))
		}
	}
	response.Success(c, http.StatusOK, state)
}

func (h *SessionHandler) resolve(c *gin.Context) (*progress.Context, sessions.Key, bool) {
	pc, ok := teamContext(c)
	if !ok {
		return nil, sessions.Key{}, false
	}
	slug := c.Param("slug")
	teamID := pc.Team().ID

	var (
		key      sessions.Key
		unlocked bool
		err      error
	)
	switch c.Param("kind") {
	case "puzzle":
		key = sessions.PuzzleKey(teamID, slug)
		unlocked, _, err = pc.IsUnlocked(slug)
	case "storycard":
		key = sessions.StoryCardKey(teamID, slug)
		unlocked, err = pc.IsStoryCardUnlocked(slug)
	default:
		response.Error(c, errors.ErrNotFound)
		return nil, key, false
	}
	if err != nil {
		response.Error(c, err)
		return nil, key, false
	}
	if !unlocked {
		response.Error(c, errors.ErrNotAuthorized)
		return nil, key, false
	}
	return pc, key, true
}
