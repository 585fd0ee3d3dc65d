package handlers

import (
	"net/http"
	"path"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/spoilr/internal/middleware"
	"github.com/charlesng35/spoilr/internal/progress"
	"github.com/charlesng35/spoilr/pkg/errors"
	"github.com/charlesng35/spoilr/pkg/response"
)

// ProtectedPrefix is the internal nginx location holding gated static files.
const ProtectedPrefix = "/protected/"

// Check authorizes a static asset request for the fronting proxy. Allowed
// requests are answered with X-Accel-Redirect into ProtectedPrefix.
func Check(c *gin.Context) {
	pc := middleware.ProgressFrom(c)
	raw := strings.TrimPrefix(c.Param("path"), "/")
	clean := path.Clean("/" + raw)[1:]
	if pc == nil || raw == "" || clean != strings.TrimSuffix(raw, "/") {
		response.Error(c, errors.ErrNotFound)
		return
	}

	allowed, err := allowAsset(pc, clean)
	if err != nil {
		response.Error(c, err)
		return
	}
	if !allowed {
		response.Error(c, errors.ErrNotFound)
		return
	}
	c.Header("X-Accel-Redirect", ProtectedPrefix+raw)
	c.Status(http.StatusOK)
}

func allowAsset(pc *progress.Context, clean string) (bool, error) {
	kind, rest, _ := strings.Cut(clean, "/")
	slug, _, _ := strings.Cut(rest, "/")
	if slug == "" {
		return false, nil
	}
	switch kind {
	case "puzzle":
		ok, _, err := pc.IsUnlocked(slug)
		return ok, err
	case "round":
		return pc.IsRoundUnlocked(slug)
	case "storycard":
		return pc.IsStoryCardUnlocked(slug)
	case "solution":
		puzzle, err := pc.Puzzle(slug)
		if err != nil || puzzle == nil {
			return false, err
		}
		if pc.HuntIsClosed() || pc.Unlimited() {
			return true, nil
		}
		return pc.IsSolved(puzzle.ID)
	}
	return false, nil
}
