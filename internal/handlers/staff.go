package handlers

import (
	"github.com/gin-gonic/gin"

	appErrors "github.com/charlesng35/spoilr/pkg/errors"
	"github.com/charlesng35/spoilr/pkg/response"
)

var errConfirmRequired = appErrors.Validation("confirm", "Please confirm this action.")

// requireConfirm writes 400 unless the form carried a truthy confirm field.
func requireConfirm(c *gin.Context) bool {
	if truthy(c.PostForm("confirm")) {
		return true
	}
	response.Error(c, errConfirmRequired)
	return false
}

// done redirects a dashboard form post back to next.
func done(c *gin.Context, status string) {
	response.Redirect(c, c.PostForm("next"), status)
}
