package handlers

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/spoilr/internal/middleware"
	"github.com/charlesng35/spoilr/internal/models"
	"github.com/charlesng35/spoilr/internal/progress"
	"github.com/charlesng35/spoilr/pkg/errors"
	"github.com/charlesng35/spoilr/pkg/response"
)

// requestContext safely returns the request context with a background fallback for tests.
func requestContext(c *gin.Context) context.Context {
	if c == nil {
		return context.Background()
	}
	if req := c.Request; req != nil {
		return req.Context()
	}
	return context.Background()
}

// teamContext returns the progression context of a solver request, or writes
// 401 when the caller has no team.
func teamContext(c *gin.Context) (*progress.Context, bool) {
	pc := middleware.ProgressFrom(c)
	if pc == nil || pc.Team() == nil {
		response.Error(c, errors.ErrNotAuthenticated)
		return nil, false
	}
	return pc, true
}

// handlerUser is the staff user behind a dashboard request.
func handlerUser(c *gin.Context) *models.User {
	if caller := middleware.CallerFrom(c); caller != nil {
		return caller.User
	}
	return nil
}
