package handlers

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/spoilr/internal/middleware"
	"github.com/charlesng35/spoilr/internal/realtime"
	"github.com/charlesng35/spoilr/pkg/errors"
	"github.com/charlesng35/spoilr/pkg/response"
)

// RealtimeHandler upgrades HTTP connections into websocket streams.
type RealtimeHandler struct {
	hub *realtime.Hub
}

// NewRealtimeHandler constructs the websocket handler. Callers are resolved
// by the identity middleware from the token cookie.
func NewRealtimeHandler(hub *realtime.Hub) *RealtimeHandler {
	return &RealtimeHandler{hub: hub}
}

// GET /ws?puzzle=<slug>&uuid=<u>
func (h *RealtimeHandler) Stream(c *gin.Context) {
	if h.hub == nil {
		response.Error(c, errors.ErrNotFound)
		return
	}

	caller := middleware.CallerFrom(c)

	slug := strings.TrimSpace(c.Query("puzzle"))
	if slug != "" && caller != nil {
		if pc := middleware.ProgressFrom(c); pc != nil && pc.Team() != nil {
			unlocked, _, err := pc.IsUnlocked(slug)
			if err != nil {
				response.Error(c, err)
				return
			}
			if !unlocked {
				response.Error(c, errors.ErrNotAuthorized)
				return
			}
		}
	}

	var userID uint
	if caller != nil {
		userID = caller.UserID()
	}
	groups := realtime.GroupsFor(userID, slug, c.Query("uuid"))
	if len(groups) == 0 {
		response.Error(c, errors.ErrNotAuthenticated)
		return
	}
	h.hub.Serve(c.Writer, c.Request, groups)
}
