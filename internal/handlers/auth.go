package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	iauth "github.com/charlesng35/spoilr/internal/auth"
	"github.com/charlesng35/spoilr/internal/middleware"
	"github.com/charlesng35/spoilr/pkg/response"
)

// AuthHandler issues and clears the token cookie.
type AuthHandler struct {
	resolver   *iauth.Resolver
	cookieName string
	ttl        time.Duration
}

type loginRequest struct {
	Username string `form:"username" json:"username" validate:"required,max=150"`
	Password string `form:"password" json:"password" validate:"required"`
}

type teamPayload struct {
	ID   uint   `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug"`
}

// NewAuthHandler constructs the login handler. ttl sets the cookie lifetime.
func NewAuthHandler(resolver *iauth.Resolver, cookieName string, ttl time.Duration) *AuthHandler {
	if cookieName == "" {
		cookieName = middleware.DefaultCookieName
	}
	if ttl <= 0 {
		ttl = iauth.DefaultAccessTokenTTL
	}
	return &AuthHandler{resolver: resolver, cookieName: cookieName, ttl: ttl}
}

// POST /api/login
func (h *AuthHandler) Login(c *gin.Context) {
	var body loginRequest
	if !bindAndValidate(c, &body) {
		return
	}

	caller, token, err := h.resolver.Authenticate(requestContext(c), body.Username, body.Password)
	if err != nil {
		response.Error(c, err)
		return
	}

	h.setCookie(c, token, int(h.ttl.Seconds()))
	var team *teamPayload
	if caller.Team != nil {
		team = &teamPayload{ID: caller.Team.ID, Name: caller.Team.Name, Slug: caller.Team.Slug}
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "team": team})
}

// POST /api/logout
func (h *AuthHandler) Logout(c *gin.Context) {
	h.setCookie(c, "", -1)
	response.Success(c, http.StatusOK, gin.H{"logged_out": true})
}

func (h *AuthHandler) setCookie(c *gin.Context, value string, maxAge int) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     h.cookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		Secure:   middleware.IsSecureRequest(c.Request),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}
