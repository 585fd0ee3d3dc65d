package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/charlesng35/spoilr/pkg/errors"
	"github.com/charlesng35/spoilr/pkg/logger"
	"github.com/charlesng35/spoilr/pkg/response"
)

// Recovery converts panics into a 500 response, logs them, and reports them
// to Sentry when a client is configured.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.WithModule("http").Error("panic",
					zap.String("path", c.Request.URL.Path),
					zap.Any("error", r),
					zap.Stack("stack"),
				)
				if hub := sentry.CurrentHub(); hub.Client() != nil {
					hub = hub.Clone()
					hub.Scope().SetRequest(c.Request)
					hub.RecoverWithContext(c.Request.Context(), r)
					hub.Flush(2 * time.Second)
				}
				status, body := response.ErrorBody(errors.ErrInternalServer)
				c.AbortWithStatusJSON(status, body)
			}
		}()
		c.Next()
	}
}

// NotFoundHandler returns a JSON 404 response for unknown routes.
func NotFoundHandler(c *gin.Context) {
	response.Error(c, errors.ErrNotFound.WithMessage(fmt.Sprintf("route %s not found", c.Request.URL.Path)))
}

// MethodNotAllowedHandler answers routes that exist under another verb.
func MethodNotAllowedHandler(c *gin.Context) {
	response.Error(c, errors.New("method_not_allowed", "Method not allowed", http.StatusMethodNotAllowed))
}
