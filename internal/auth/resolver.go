package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/charlesng35/spoilr/internal/models"
	apperrors "github.com/charlesng35/spoilr/pkg/errors"
)

// Caller is the authenticated principal for a request.
type Caller struct {
	User *models.User
	Team *models.Team
}

// IsStaff reports whether the caller may use the handler dashboard.
func (c *Caller) IsStaff() bool {
	return c != nil && c.User != nil && (c.User.IsStaff || c.User.IsSuperuser)
}

// Unlimited reports whether progression gates are bypassed (superusers and testsolvers).
func (c *Caller) Unlimited() bool {
	return c != nil && c.User != nil && (c.User.IsSuperuser || c.User.IsTestsolver)
}

// UserID returns the caller's user id or 0.
func (c *Caller) UserID() uint {
	if c == nil || c.User == nil {
		return 0
	}
	return c.User.ID
}

// RequireTeam returns the caller's team or ErrNotAuthenticated.
func (c *Caller) RequireTeam() (*models.Team, error) {
	if c == nil || c.Team == nil {
		return nil, apperrors.ErrNotAuthenticated
	}
	return c.Team, nil
}

// Resolver turns credentials and tokens into callers.
type Resolver struct {
	db  *gorm.DB
	jwt *JWTService
}

// NewResolver constructs a Resolver.
func NewResolver(db *gorm.DB, jwt *JWTService) (*Resolver, error) {
	if db == nil {
		return nil, errors.New("auth resolver: db must not be nil")
	}
	if jwt == nil {
		return nil, errors.New("auth resolver: jwt service must not be nil")
	}
	return &Resolver{db: db, jwt: jwt}, nil
}

// Authenticate checks username and password.
func (r *Resolver) Authenticate(ctx context.Context, username, password string) (*Caller, string, error) {
	var user models.User
	err := r.db.WithContext(ctx).Preload("Team.Members").
		Take(&user, "username = ?", strings.TrimSpace(username)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, "", apperrors.ErrInvalidCredentials
	}
	if err != nil {
		return nil, "", fmt.Errorf("auth resolver: load user: %w", err)
	}
	if !user.IsActive || !VerifyPassword(user.Password, password) {
		return nil, "", apperrors.ErrInvalidCredentials
	}

	input := AccessTokenInput{UserID: user.ID, Staff: user.IsStaff || user.IsSuperuser}
	if user.TeamID != nil {
		input.TeamID = *user.TeamID
	}
	token, err := r.jwt.GenerateAccessToken(input)
	if err != nil {
		return nil, "", err
	}
	return &Caller{User: &user, Team: user.Team}, token, nil
}

// Resolve validates token and loads the caller. An empty token yields (nil, nil).
func (r *Resolver) Resolve(ctx context.Context, token string) (*Caller, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, nil
	}
	claims, err := r.jwt.ValidateAccessToken(token)
	if err != nil {
		return nil, apperrors.ErrNotAuthenticated.WithInternal(err)
	}

	var user models.User
	err = r.db.WithContext(ctx).Preload("Team.Members").Take(&user, claims.UserID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.ErrNotAuthenticated
	}
	if err != nil {
		return nil, fmt.Errorf("auth resolver: load user: %w", err)
	}
	if !user.IsActive {
		return nil, apperrors.ErrNotAuthenticated
	}
	return &Caller{User: &user, Team: user.Team}, nil
}
