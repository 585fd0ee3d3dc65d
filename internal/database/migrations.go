package database

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/charlesng35/spoilr/internal/models"
)

// Models lists every persistent entity in dependency order.
func Models() []any {
	return []any{
		&models.Team{},
		&models.TeamMember{},
		&models.User{},
		&models.Round{},
		&models.Puzzle{},
		&models.PartialAnswer{},
		&models.PuzzleAccess{},
		&models.ExtraGuessGrant{},
		&models.Submission{},
		&models.Email{},
		&models.EmailTemplate{},
		&models.BadEmailAddress{},
		&models.Hint{},
		&models.Task{},
		&models.Interaction{},
		&models.InteractionAccess{},
		&models.StoryCard{},
		&models.StoryCardAccess{},
		&models.InteractiveSession{},
		&models.Job{},
		&models.AuditLog{},
		&models.SystemSetting{},
		&models.CacheEntry{},
	}
}

// AutoMigrate creates or updates the database schema for all models.
func AutoMigrate(db *gorm.DB) error {
	if db == nil {
		return errors.New("nil database handle")
	}
	if err := db.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
