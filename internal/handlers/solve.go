package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/spoilr/internal/services"
	"github.com/charlesng35/spoilr/pkg/response"
)

// SolveHandler accepts guesses and free-answer redemptions.
type SolveHandler struct {
	submissions *services.SubmissionService
}

func NewSolveHandler(submissions *services.SubmissionService) *SolveHandler {
	return &SolveHandler{submissions: submissions}
}

type solveRequest struct {
	Answer string `form:"answer" json:"answer" validate:"max=500"`
}

// POST /api/solve/:slug
func (h *SolveHandler) Solve(c *gin.Context) {
	pc, ok := teamContext(c)
	if !ok {
		return
	}
	var body solveRequest
	if !bindAndValidate(c, &body) {
		return
	}
	result, err := h.submissions.Submit(requestContext(c), pc, c.Param("slug"), body.Answer)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, result)
}

// POST /api/puzzle/:slug/free-answer
func (h *SolveHandler) FreeAnswer(c *gin.Context) {
	pc, ok := teamContext(c)
	if !ok {
		return
	}
	result, err := h.submissions.UseFreeAnswer(requestContext(c), pc, c.Param("slug"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, result)
}
