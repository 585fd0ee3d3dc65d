package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/spoilr/internal/middleware"
	"github.com/charlesng35/spoilr/internal/models"
	"github.com/charlesng35/spoilr/internal/progress"
	"github.com/charlesng35/spoilr/internal/services"
	"github.com/charlesng35/spoilr/pkg/errors"
	"github.com/charlesng35/spoilr/pkg/response"
)

// HuntHandler renders the solver's view of the hunt and single puzzles.
type HuntHandler struct {
	submissions *services.SubmissionService
	hints       *services.HintService
}

func NewHuntHandler(submissions *services.SubmissionService, hints *services.HintService) *HuntHandler {
	return &HuntHandler{submissions: submissions, hints: hints}
}

type puzzlePayload struct {
	Slug   string `json:"slug"`
	Name   string `json:"name"`
	Round  string `json:"round,omitempty"`
	Emoji  string `json:"emoji,omitempty"`
	IsMeta bool   `json:"isMeta"`
	Solved bool   `json:"solved"`
	Answer string `json:"answer,omitempty"`
}

func newPuzzlePayload(p *models.Puzzle, solved bool) puzzlePayload {
	out := puzzlePayload{Slug: p.Slug, Name: p.Name, Emoji: p.Emoji, IsMeta: p.IsMeta, Solved: solved}
	if p.Round != nil {
		out.Round = p.Round.Slug
	}
	if solved {
		out.Answer = p.Answer
	}
	return out
}

type huntPayload struct {
	Started           bool            `json:"started"`
	Over              bool            `json:"over"`
	Closed            bool            `json:"closed"`
	Start             time.Time       `json:"start"`
	End               *time.Time      `json:"end,omitempty"`
	Deep              int             `json:"deep"`
	MetametaDeep      int             `json:"metametaDeep"`
	MainRoundUnlocked bool            `json:"mainRoundUnlocked"`
	Complete          bool            `json:"complete"`
	FreeAnswers       int             `json:"freeAnswers"`
	Puzzles           []puzzlePayload `json:"puzzles"`
}

// GET /api/hunt
func (h *HuntHandler) Hunt(c *gin.Context) {
	pc := middleware.ProgressFrom(c)
	if pc == nil {
		response.Error(c, errors.ErrTryAgain)
		return
	}

	out := huntPayload{
		Started: pc.HuntHasStarted(),
		Over:    pc.HuntIsOver(),
		Closed:  pc.HuntIsClosed(),
		Start:   pc.HuntStart(),
		Puzzles: []puzzlePayload{},
	}
	if end := pc.Times().End; !end.IsZero() {
		out.End = &end
	}
	if team := pc.Team(); team != nil {
		out.FreeAnswers = team.FreeAnswers
	}
	if err := fillHunt(pc, &out); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, out)
}

func fillHunt(pc *progress.Context, out *huntPayload) error {
	var err error
	if out.Deep, err = pc.Deep(); err != nil {
		return err
	}
	if out.MetametaDeep, err = pc.MetametaDeep(); err != nil {
		return err
	}
	if out.MainRoundUnlocked, err = pc.IsMainRoundUnlocked(); err != nil {
		return err
	}
	if out.Complete, err = pc.IsHuntComplete(); err != nil {
		return err
	}
	puzzles, err := pc.Unlocked()
	if err != nil {
		return err
	}
	solved, err := pc.Solved()
	if err != nil {
		return err
	}
	for i := range puzzles {
		out.Puzzles = append(out.Puzzles, newPuzzlePayload(&puzzles[i], solved[puzzles[i].ID]))
	}
	return nil
}

type puzzlePagePayload struct {
	puzzlePayload
	Guesses   []models.Submission     `json:"guesses"`
	RateLimit services.RateLimitState `json:"rateLimit"`
	Hints     []services.HintThread   `json:"hints"`
}

// GET /api/puzzle/:slug
func (h *HuntHandler) Puzzle(c *gin.Context) {
	pc, ok := teamContext(c)
	if !ok {
		return
	}
	unlocked, puzzle, err := pc.IsUnlocked(c.Param("slug"))
	if err != nil {
		response.Error(c, err)
		return
	}
	if !unlocked {
		response.Error(c, errors.ErrNotAuthorized)
		return
	}
	solved, err := pc.IsSolved(puzzle.ID)
	if err != nil {
		response.Error(c, err)
		return
	}

	ctx := requestContext(c)
	teamID := pc.Team().ID
	out := puzzlePagePayload{puzzlePayload: newPuzzlePayload(puzzle, solved)}
	if out.Guesses, err = h.submissions.Guesses(ctx, teamID, puzzle.ID); err != nil {
		response.Error(c, err)
		return
	}
	if out.RateLimit, err = h.submissions.RateLimit(ctx, teamID, puzzle); err != nil {
		response.Error(c, err)
		return
	}
	if out.Hints, err = h.hints.Threads(ctx, teamID, puzzle.ID); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, out)
}
