package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/charlesng35/spoilr/internal/events"
	"github.com/charlesng35/spoilr/internal/models"
	"github.com/charlesng35/spoilr/internal/progress"
	appErrors "github.com/charlesng35/spoilr/pkg/errors"
)

// InteractionService releases interactions to teams and records their completion.
type InteractionService struct {
	db    *gorm.DB
	bus   events.Publisher
	tasks *TaskService
	audit *AuditService
	now   Clock
}

// NewInteractionService constructs an InteractionService.
func NewInteractionService(db *gorm.DB, bus events.Publisher, tasks *TaskService, audit *AuditService, opts ...Option) (*InteractionService, error) {
	if db == nil {
		return nil, errors.New("interaction service: db is required")
	}
	if tasks == nil {
		return nil, errors.New("interaction service: task service is required")
	}
	if bus == nil {
		bus = events.Discard{}
	}
	cfg := buildOptions(opts)
	return &InteractionService{db: db, bus: bus, tasks: tasks, audit: audit, now: cfg.now}, nil
}

// ReleaseForPuzzle grants the team every interaction unlocked by puzzleID
// inside tx and returns the events to publish after commit.
func (s *InteractionService) ReleaseForPuzzle(tx *gorm.DB, teamID, puzzleID uint) ([]events.Event, error) {
	var interactions []models.Interaction
	if err := tx.Where("unlock_puzzle_id = ?", puzzleID).Order("id ASC").Find(&interactions).Error; err != nil {
		return nil, fmt.Errorf("interaction service: find unlocked: %w", err)
	}
	var out []events.Event
	for i := range interactions {
		ev, err := s.release(tx, teamID, &interactions[i])
		if err != nil {
			return out, err
		}
		if ev != nil {
			out = append(out, *ev)
		}
	}
	return out, nil
}

// Release grants one interaction to a team. Releasing twice is a no-op.
func (s *InteractionService) Release(ctx context.Context, teamID uint, slug string) (*models.InteractionAccess, error) {
	ctx = ensureContext(ctx)
	var (
		interaction models.Interaction
		ev          *events.InteractionReleasedEvent
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Take(&interaction, "slug = ?", slug).Error; err != nil {
			return notFound(err, "Interaction")
		}
		var err error
		ev, err = s.release(tx, teamID, &interaction)
		return err
	})
	if err != nil {
		return nil, err
	}
	if ev != nil {
		s.bus.Publish(ctx, *ev)
	}
	var access models.InteractionAccess
	if err := s.db.WithContext(ctx).Take(&access, "team_id = ? AND interaction_id = ?", teamID, interaction.ID).Error; err != nil {
		return nil, notFound(err, "Interaction")
	}
	return &access, nil
}

func (s *InteractionService) release(tx *gorm.DB, teamID uint, interaction *models.Interaction) (*events.InteractionReleasedEvent, error) {
	access := models.InteractionAccess{TeamID: teamID, InteractionID: interaction.ID}
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&access)
	if res.Error != nil {
		return nil, fmt.Errorf("interaction service: release: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return &events.InteractionReleasedEvent{
		AccessID:        access.ID,
		TeamID:          teamID,
		InteractionID:   interaction.ID,
		InteractionSlug: interaction.Slug,
	}, nil
}

// Request records a team's scheduling comments for a released interaction.
func (s *InteractionService) Request(ctx context.Context, pc *progress.Context, slug, comments string) (*models.InteractionAccess, error) {
	ctx = ensureContext(ctx)
	team := pc.Team()
	if team == nil {
		return nil, appErrors.ErrNotAuthenticated
	}
	var access models.InteractionAccess
	err := s.db.WithContext(ctx).
		Joins("JOIN interactions ON interactions.id = interaction_accesses.interaction_id").
		Where("interaction_accesses.team_id = ? AND interactions.slug = ?", team.ID, slug).
		Take(&access).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, appErrors.ErrNotAuthorized
	}
	if err != nil {
		return nil, fmt.Errorf("interaction service: load access: %w", err)
	}
	if access.Accomplished {
		return nil, errAlreadyCreated
	}
	comments = strings.TrimSpace(comments)
	if err := s.db.WithContext(ctx).Model(&access).Update("request_comments", comments).Error; err != nil {
		return nil, fmt.Errorf("interaction service: save comments: %w", err)
	}
	access.RequestComments = comments
	if _, _, err := s.tasks.Create(ctx, models.TaskKindInteraction, access.ID, uintPtr(team.ID)); err != nil {
		return nil, err
	}
	return &access, nil
}

// Accomplish marks an interaction done for the team and resolves its task.
func (s *InteractionService) Accomplish(ctx context.Context, handler *models.User, accessID uint) (*models.InteractionAccess, error) {
	ctx = ensureContext(ctx)
	var (
		access   models.InteractionAccess
		resolved []models.Task
	)
	now := s.now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Preload("Interaction").Take(&access, accessID).Error; err != nil {
			return notFound(err, "Interaction")
		}
		if access.Accomplished {
			return errTaskResolved
		}
		if err := s.tasks.ClaimForResponse(tx, models.TaskKindInteraction, []uint{access.ID}, handler); err != nil {
			return err
		}
		res := tx.Model(&models.InteractionAccess{}).
			Where("id = ? AND accomplished = ?", access.ID, false).
			Updates(map[string]any{"accomplished": true, "accomplished_time": now})
		if res.Error != nil {
			return fmt.Errorf("interaction service: accomplish: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return errTaskResolved
		}
		access.Accomplished, access.AccomplishedTime = true, timePtr(now)
		var err error
		resolved, err = s.tasks.ResolveContent(tx, models.TaskKindInteraction, []uint{access.ID})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.tasks.AnnounceResolved(ctx, resolved, handler)
	slug := ""
	if access.Interaction != nil {
		slug = access.Interaction.Slug
	}
	s.bus.Publish(ctx, events.InteractionAccomplishedEvent{
		AccessID:        access.ID,
		TeamID:          access.TeamID,
		InteractionSlug: slug,
		HandlerID:       handler.ID,
	})
	s.audit.Record(ctx, AuditEntry{
		Handler:     handler,
		Action:      AuditInteractionComplete,
		ContentType: string(models.TaskKindInteraction),
		ContentID:   access.ID,
		TeamID:      uintPtr(access.TeamID),
	})
	return &access, nil
}
