package realtime

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/charlesng35/spoilr/internal/models"
)

// Notifier addresses frames to every member of a team.
type Notifier struct {
	db  *gorm.DB
	hub *Hub
}

// NewNotifier constructs a Notifier.
func NewNotifier(db *gorm.DB, hub *Hub) (*Notifier, error) {
	if db == nil || hub == nil {
		return nil, errors.New("realtime: db and hub are required")
	}
	return &Notifier{db: db, hub: hub}, nil
}

func (n *Notifier) teamUsers(ctx context.Context, teamID uint) ([]uint, error) {
	var ids []uint
	if err := n.db.WithContext(ctx).Model(&models.User{}).Where("team_id = ?", teamID).Order("id ASC").Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("realtime: team %d users: %w", teamID, err)
	}
	return ids, nil
}

// SendToTeam sends key to every socket of every team user.
func (n *Notifier) SendToTeam(ctx context.Context, teamID uint, key string, data any) error {
	users, err := n.teamUsers(ctx, teamID)
	if err != nil {
		return err
	}
	var errs error
	for _, id := range users {
		errs = multierr.Append(errs, n.hub.SendEvent(ctx, UserGroup(id), key, data))
	}
	return errs
}

// SendToTeamPuzzle sends key only to team sockets open on slug.
func (n *Notifier) SendToTeamPuzzle(ctx context.Context, teamID uint, slug, key string, data any) error {
	users, err := n.teamUsers(ctx, teamID)
	if err != nil {
		return err
	}
	var errs error
	for _, id := range users {
		errs = multierr.Append(errs, n.hub.SendEvent(ctx, PuzzleGroup(id, slug), key, data))
	}
	return errs
}
