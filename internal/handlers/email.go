package handlers

import (
	"fmt"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/spoilr/internal/services"
	"github.com/charlesng35/spoilr/pkg/response"
)

// EmailHandler answers inbound email from the dashboard.
type EmailHandler struct {
	emails *services.EmailService
}

func NewEmailHandler(emails *services.EmailService) *EmailHandler {
	return &EmailHandler{emails: emails}
}

type emailReply struct {
	EmailID uint   `form:"email_id" validate:"required,gt=0"`
	Text    string `form:"text_content"`
	NoReply string `form:"no_reply"`
}

// POST /spoilr/email/reply
func (h *EmailHandler) Reply(c *gin.Context) {
	var body emailReply
	if !bindAndValidate(c, &body) {
		return
	}
	if !requireConfirm(c) {
		return
	}

	ctx := requestContext(c)
	if truthy(body.NoReply) {
		if err := h.emails.MarkNoReply(ctx, handlerUser(c), body.EmailID); err != nil {
			response.Error(c, err)
			return
		}
		done(c, fmt.Sprintf("Marked email #%d as needing no reply", body.EmailID))
		return
	}

	if _, err := h.emails.Reply(ctx, handlerUser(c), body.EmailID, body.Text); err != nil {
		response.Error(c, err)
		return
	}
	done(c, fmt.Sprintf("Replied to email #%d", body.EmailID))
}
