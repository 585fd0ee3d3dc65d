package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/charlesng35/spoilr/internal/auth"
	"github.com/charlesng35/spoilr/internal/progress"
	"github.com/charlesng35/spoilr/pkg/errors"
	"github.com/charlesng35/spoilr/pkg/logger"
	"github.com/charlesng35/spoilr/pkg/response"
)

const (
	CtxCallerKey   = "caller"
	CtxProgressKey = "progress"
	ctxViaCookie   = "authViaCookie"

	// DefaultCookieName carries the access token for browser clients.
	DefaultCookieName = "spoilr_token"
)

// Identity resolves the caller from a Bearer header or the token cookie and
// builds the request's progression context. Requests without a token proceed
// anonymously; a bad cookie is ignored, a bad header is rejected.
func Identity(resolver *auth.Resolver, engine *progress.Engine, cookieName string) gin.HandlerFunc {
	if cookieName == "" {
		cookieName = DefaultCookieName
	}
	log := logger.WithModule("identity")
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		var caller *auth.Caller
		if token, ok := bearerToken(c); ok {
			resolved, err := resolver.Resolve(ctx, token)
			if err != nil {
				c.Header("WWW-Authenticate", "Bearer")
				response.Error(c, err)
				c.Abort()
				return
			}
			caller = resolved
		} else if cookie, err := c.Cookie(cookieName); err == nil && cookie != "" {
			resolved, err := resolver.Resolve(ctx, cookie)
			switch {
			case err == nil:
				caller = resolved
				c.Set(ctxViaCookie, true)
			case errors.FromError(err).Code == errors.ErrNotAuthenticated.Code:
				log.Debug("ignoring stale token cookie", zap.Error(err))
			default:
				response.Error(c, err)
				c.Abort()
				return
			}
		}

		pc, err := engine.ForCaller(ctx, caller)
		if err != nil {
			response.Error(c, errors.ErrTryAgain.WithInternal(err))
			c.Abort()
			return
		}
		if caller != nil {
			c.Set(CtxCallerKey, caller)
		}
		c.Set(CtxProgressKey, pc)
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	authz := c.GetHeader("Authorization")
	if len(authz) < 8 || !strings.EqualFold(authz[:7], "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(authz[7:])
	return token, token != ""
}

// CallerFrom returns the resolved caller, or nil for anonymous requests.
func CallerFrom(c *gin.Context) *auth.Caller {
	v, ok := c.Get(CtxCallerKey)
	if !ok {
		return nil
	}
	caller, _ := v.(*auth.Caller)
	return caller
}

// ProgressFrom returns the request's progression context.
func ProgressFrom(c *gin.Context) *progress.Context {
	v, ok := c.Get(CtxProgressKey)
	if !ok {
		return nil
	}
	pc, _ := v.(*progress.Context)
	return pc
}

// RequireTeam rejects callers without a team with 401.
func RequireTeam() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, err := CallerFrom(c).RequireTeam(); err != nil {
			response.Error(c, err)
			c.Abort()
			return
		}
		c.Next()
	}
}

// RequireStaff admits staff users only. Anonymous callers get 401, solvers
// get a 404 that hides the dashboard.
func RequireStaff() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller := CallerFrom(c)
		switch {
		case caller == nil:
			response.Error(c, errors.ErrNotAuthenticated)
			c.Abort()
			return
		case !caller.IsStaff():
			response.Error(c, errors.ErrNotAuthorized)
			c.Abort()
			return
		}
		c.Next()
	}
}
