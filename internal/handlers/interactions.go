package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/spoilr/internal/services"
	"github.com/charlesng35/spoilr/pkg/response"
)

// InteractionHandler serves interaction scheduling and completion.
type InteractionHandler struct {
	interactions *services.InteractionService
}

func NewInteractionHandler(interactions *services.InteractionService) *InteractionHandler {
	return &InteractionHandler{interactions: interactions}
}

type interactionRequest struct {
	Comments string `form:"comments" json:"comments" validate:"max=5000"`
}

type interactionAccomplish struct {
	AccessID uint `form:"interaction_id" validate:"required,gt=0"`
}

// POST /api/interaction/:slug
func (h *InteractionHandler) Request(c *gin.Context) {
	pc, ok := teamContext(c)
	if !ok {
		return
	}
	var body interactionRequest
	if !bindAndValidate(c, &body) {
		return
	}
	access, err := h.interactions.Request(requestContext(c), pc, c.Param("slug"), body.Comments)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"id": access.ID, "comments": access.RequestComments})
}

// POST /spoilr/interaction/accomplish
func (h *InteractionHandler) Accomplish(c *gin.Context) {
	var body interactionAccomplish
	if !bindAndValidate(c, &body) {
		return
	}
	access, err := h.interactions.Accomplish(requestContext(c), handlerUser(c), body.AccessID)
	if err != nil {
		response.Error(c, err)
		return
	}
	name := fmt.Sprintf("#%d", access.ID)
	if access.Interaction != nil {
		name = access.Interaction.Name
	}
	done(c, "Accomplished "+name)
}
