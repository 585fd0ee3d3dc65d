package response

import (
	"net/http"
	"net/url"

	appErrors "github.com/charlesng35/spoilr/pkg/errors"
	"github.com/gin-gonic/gin"
)

// Response defines the base API payload for endpoints without a bespoke shape.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorInfo  `json:"error,omitempty"`
}

// ErrorInfo holds error details to send to clients.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Success writes a JSON success response.
func Success(c *gin.Context, statusCode int, data interface{}) {
	c.JSON(statusCode, Response{
		Success: true,
		Data:    data,
	})
}

// ErrorBody renders the JSON body for err. Form errors and details such as
// secondsToWait are placed at the top level so form-driven clients can read them.
func ErrorBody(err error) (int, gin.H) {
	if err == nil {
		err = appErrors.ErrInternalServer
	}

	appErr := appErrors.FromError(err)
	status := appErr.StatusCode
	if status == 0 {
		status = http.StatusInternalServerError
	}

	message := appErr.Message
	if status >= http.StatusInternalServerError {
		message = appErrors.ErrInternalServer.Message
		if appErr.Code == appErrors.ErrTryAgain.Code {
			message = appErr.Message
		}
	}

	body := gin.H{
		"success": false,
		"error":   ErrorInfo{Code: appErr.Code, Message: message},
	}
	if len(appErr.FormErrors) > 0 {
		body["form_errors"] = appErr.FormErrors
	}
	for k, v := range appErr.Details {
		body[k] = v
	}
	return status, body
}

// Error writes a JSON error response derived from an AppError.
func Error(c *gin.Context, err error) {
	status, body := ErrorBody(err)
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.JSON(status, body)
}

// Redirect answers a dashboard form post with 302 to target, carrying a
// status message in the query string.
func Redirect(c *gin.Context, target, status string) {
	if target == "" {
		target = "/spoilr/tasks"
	}
	u, err := url.Parse(target)
	if err != nil || u.IsAbs() || u.Host != "" {
		u = &url.URL{Path: "/spoilr/tasks"}
	}
	if status != "" {
		q := u.Query()
		q.Set("status", status)
		u.RawQuery = q.Encode()
	}
	c.Redirect(http.StatusFound, u.String())
}
