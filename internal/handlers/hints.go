package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/spoilr/internal/models"
	"github.com/charlesng35/spoilr/internal/services"
	"github.com/charlesng35/spoilr/pkg/response"
)

// HintHandler serves solver hint requests and staff responses.
type HintHandler struct {
	hints *services.HintService
}

func NewHintHandler(hints *services.HintService) *HintHandler {
	return &HintHandler{hints: hints}
}

type hintRequest struct {
	Text         string `form:"text" json:"text" validate:"required,max=10000"`
	NotifyEmails string `form:"notify_emails" json:"notify_emails" validate:"omitempty,notify_emails"`
	ThreadID     *uint  `form:"thread_id" json:"thread_id" validate:"omitempty,gt=0"`
}

type hintResponse struct {
	RequestID uint   `form:"request_id" validate:"required,gt=0"`
	Text      string `form:"text" validate:"required"`
	Status    string `form:"status" validate:"required,oneof=answered more_info refunded resolved"`
}

// POST /api/puzzle/:slug/hint
func (h *HintHandler) Request(c *gin.Context) {
	pc, ok := teamContext(c)
	if !ok {
		return
	}
	var body hintRequest
	if !bindAndValidate(c, &body) {
		return
	}
	notify := body.NotifyEmails
	if notify == "" {
		notify = "all"
	}

	ctx := requestContext(c)
	hint, err := h.hints.Request(ctx, pc, c.Param("slug"), services.HintRequestInput{
		Text:         body.Text,
		NotifyEmails: notify,
		ThreadID:     body.ThreadID,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	threads, err := h.hints.Threads(ctx, hint.TeamID, hint.PuzzleID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"hints": threads})
}

// POST /spoilr/hints/respond
func (h *HintHandler) Respond(c *gin.Context) {
	var body hintResponse
	if !bindAndValidate(c, &body) {
		return
	}
	if !requireConfirm(c) {
		return
	}
	resp, err := h.hints.Respond(requestContext(c), handlerUser(c), body.RequestID, services.HintResponseInput{
		Text:   body.Text,
		Status: models.HintStatus(body.Status),
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	done(c, fmt.Sprintf("Responded to hint #%d", resp.ID))
}
