package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/charlesng35/spoilr/internal/events"
	"github.com/charlesng35/spoilr/internal/models"
	"github.com/charlesng35/spoilr/internal/progress"
	appErrors "github.com/charlesng35/spoilr/pkg/errors"
	"github.com/charlesng35/spoilr/pkg/logger"
	"github.com/charlesng35/spoilr/pkg/metrics"
)

// AnswerChecker overrides exact matching for one puzzle. It receives the
// normalized guess.
type AnswerChecker func(puzzle *models.Puzzle, normalized string) bool

// SubmitResult is the outcome of a guess.
type SubmitResult struct {
	Submission models.Submission   `json:"submission"`
	Guesses    []models.Submission `json:"guesses"`
	RateLimit  RateLimitState      `json:"rateLimit"`
	Response   string              `json:"response,omitempty"`
}

// SubmissionService validates guesses and applies solve side effects.
type SubmissionService struct {
	db           *gorm.DB
	bus          events.Publisher
	interactions *InteractionService
	now          Clock

	mu       sync.RWMutex
	checkers map[string]AnswerChecker
}

// NewSubmissionService constructs a SubmissionService.
func NewSubmissionService(db *gorm.DB, bus events.Publisher, interactions *InteractionService, opts ...Option) (*SubmissionService, error) {
	if db == nil {
		return nil, errors.New("submission service: db is required")
	}
	if bus == nil {
		bus = events.Discard{}
	}
	cfg := buildOptions(opts)
	return &SubmissionService{
		db:           db,
		bus:          bus,
		interactions: interactions,
		now:          cfg.now,
		checkers:     make(map[string]AnswerChecker),
	}, nil
}

// RegisterChecker installs a custom checker for the puzzle slug.
func (s *SubmissionService) RegisterChecker(slug string, fn AnswerChecker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn == nil {
		delete(s.checkers, slug)
		return
	}
	s.checkers[slug] = fn
}

func (s *SubmissionService) isCorrect(p *models.Puzzle, normalized string) bool {
	s.mu.RLock()
	fn, ok := s.checkers[p.Slug]
	s.mu.RUnlock()
	if ok {
		return fn(p, normalized)
	}
	return normalized == p.NormalizedAnswer
}

func (s *SubmissionService) authorize(pc *progress.Context, slug string) (*models.Team, *models.Puzzle, error) {
	team := pc.Team()
	if team == nil {
		return nil, nil, appErrors.ErrNotAuthenticated
	}
	unlocked, puzzle, err := pc.IsUnlocked(slug)
	if err != nil {
		return nil, nil, err
	}
	if !unlocked {
		return nil, nil, appErrors.ErrNotAuthorized
	}
	solved, err := pc.IsSolved(puzzle.ID)
	if err != nil {
		return nil, nil, err
	}
	if solved {
		return nil, nil, appErrors.ErrAlreadySolved
	}
	return team, puzzle, nil
}

// Submit records a guess for the puzzle at slug.
func (s *SubmissionService) Submit(ctx context.Context, pc *progress.Context, slug, raw string) (*SubmitResult, error) {
	ctx = ensureContext(ctx)
	team, puzzle, err := s.authorize(pc, slug)
	if err != nil {
		return nil, err
	}

	normalized := models.NormalizeAnswer(raw)
	if normalized == "" && (puzzle.Round == nil || !puzzle.Round.AllowEmptyGuess) {
		return nil, appErrors.ErrEmptyGuess
	}

	now := s.now()
	limit, err := computeRateLimit(ctx, s.db, team.ID, puzzle, now)
	if err != nil {
		return nil, err
	}
	if limit.ShouldLimit {
		metrics.Submissions.WithLabelValues("rate_limited").Inc()
		return nil, appErrors.RateLimited(limit.SecondsToWait)
	}

	var tried int64
	if err := s.db.WithContext(ctx).Model(&models.Submission{}).
		Where("team_id = ? AND puzzle_id = ? AND normalized_guess = ?", team.ID, puzzle.ID, normalized).
		Count(&tried).Error; err != nil {
		return nil, fmt.Errorf("submission service: check duplicate: %w", err)
	}
	if tried > 0 {
		metrics.Submissions.WithLabelValues("duplicate").Inc()
		return nil, appErrors.ErrAlreadyTried
	}

	sub := models.Submission{
		TeamID:          team.ID,
		PuzzleID:        puzzle.ID,
		NormalizedGuess: normalized,
		RawGuess:        raw,
		IsCorrect:       s.isCorrect(puzzle, normalized),
		Time:            now,
	}
	var response string
	if !sub.IsCorrect {
		var partial models.PartialAnswer
		err := s.db.WithContext(ctx).
			Where("puzzle_id = ? AND normalized_answer = ?", puzzle.ID, normalized).
			Limit(1).Find(&partial).Error
		if err != nil {
			return nil, fmt.Errorf("submission service: check partial: %w", err)
		}
		if partial.ID != 0 {
			sub.IsPartial = true
			response = partial.Response
		}
	}

	return s.record(ctx, pc, team, puzzle, sub, response)
}

// UseFreeAnswer spends one of the team's free answers to solve a puzzle.
// Metapuzzles cannot be bought.
func (s *SubmissionService) UseFreeAnswer(ctx context.Context, pc *progress.Context, slug string) (*SubmitResult, error) {
	ctx = ensureContext(ctx)
	team, puzzle, err := s.authorize(pc, slug)
	if err != nil {
		return nil, err
	}
	if puzzle.IsMeta || puzzle.IsFinal {
		return nil, appErrors.NewBadRequest("Free answers cannot be used on metapuzzles")
	}
	if team.FreeAnswers <= 0 {
		return nil, errNoFreeAnswers
	}
	sub := models.Submission{
		TeamID:          team.ID,
		PuzzleID:        puzzle.ID,
		NormalizedGuess: puzzle.NormalizedAnswer,
		RawGuess:        puzzle.Answer,
		IsCorrect:       true,
		UsedFreeAnswer:  true,
		Time:            s.now(),
	}
	return s.record(ctx, pc, team, puzzle, sub, "")
}

func (s *SubmissionService) record(ctx context.Context, pc *progress.Context, team *models.Team, puzzle *models.Puzzle, sub models.Submission, response string) (*SubmitResult, error) {
	var pending []events.Event
	beforeEnd := pc.Times().End.IsZero() || sub.Time.Before(pc.Times().End)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if sub.UsedFreeAnswer {
			res := tx.Model(&models.Team{}).Where("id = ? AND free_answers > 0", team.ID).
				Update("free_answers", gorm.Expr("free_answers - 1"))
			if res.Error != nil {
				return fmt.Errorf("submission service: spend free answer: %w", res.Error)
			}
			if res.RowsAffected == 0 {
				return errNoFreeAnswers
			}
		}
		if err := tx.Create(&sub).Error; err != nil {
			if isUniqueConstraintError(err) {
				return appErrors.ErrAlreadyTried
			}
			return fmt.Errorf("submission service: create: %w", err)
		}
		if !sub.IsCorrect || !beforeEnd {
			return nil
		}

		if err := tx.Model(&models.Team{}).Where("id = ?", team.ID).
			Update("last_solve_time", sub.Time).Error; err != nil {
			return fmt.Errorf("submission service: last solve: %w", err)
		}
		cards, err := unlockStoryCards(tx, team.ID, puzzle.ID, sub.Time)
		if err != nil {
			return err
		}
		pending = append(pending, cards...)
		if s.interactions != nil {
			released, err := s.interactions.ReleaseForPuzzle(tx, team.ID, puzzle.ID)
			if err != nil {
				return err
			}
			pending = append(pending, released...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if sub.UsedFreeAnswer {
		team.FreeAnswers--
	}
	if sub.IsCorrect {
		s.afterSolve(ctx, pc, team, puzzle, &sub, beforeEnd, pending)
	}

	limit, err := computeRateLimit(ctx, s.db, team.ID, puzzle, s.now())
	if err != nil {
		return nil, err
	}
	guesses, err := s.Guesses(ctx, team.ID, puzzle.ID)
	if err != nil {
		return nil, err
	}

	s.bus.Publish(ctx, events.SubmissionMadeEvent{
		TeamID:       team.ID,
		PuzzleID:     puzzle.ID,
		PuzzleSlug:   puzzle.Slug,
		SubmissionID: sub.ID,
		Guess:        sub.NormalizedGuess,
		IsCorrect:    sub.IsCorrect,
		IsPartial:    sub.IsPartial,
		Response:     response,
		RateLimit:    limit,
	})
	return &SubmitResult{Submission: sub, Guesses: guesses, RateLimit: limit, Response: response}, nil
}

func (s *SubmissionService) afterSolve(ctx context.Context, pc *progress.Context, team *models.Team, puzzle *models.Puzzle, sub *models.Submission, beforeEnd bool, pending []events.Event) {
	pc.Invalidate()
	s.bus.Publish(ctx, events.PuzzleSolvedEvent{
		TeamID:       team.ID,
		PuzzleID:     puzzle.ID,
		PuzzleSlug:   puzzle.Slug,
		PuzzleName:   puzzle.Name,
		SubmissionID: sub.ID,
		Answer:       puzzle.Answer,
		Time:         sub.Time,
	})
	for _, ev := range pending {
		s.bus.Publish(ctx, ev)
	}
	if !beforeEnd {
		return
	}
	if _, err := pc.ReleaseUnlocked(); err != nil {
		logger.Warn("release after solve", zap.Uint("team_id", team.ID), zap.Error(err))
	}
	if puzzle.IsFinal {
		s.bus.Publish(ctx, events.HuntCompletedEvent{TeamID: team.ID, Time: sub.Time})
	}
}

func unlockStoryCards(tx *gorm.DB, teamID, puzzleID uint, at time.Time) ([]events.Event, error) {
	var cards []models.StoryCard
	if err := tx.Where("unlock_puzzle_id = ?", puzzleID).Order("id ASC").Find(&cards).Error; err != nil {
		return nil, fmt.Errorf("submission service: find story cards: %w", err)
	}
	var out []events.Event
	for _, card := range cards {
		access := models.StoryCardAccess{TeamID: teamID, StoryCardID: card.ID, UnlockTime: at}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&access)
		if res.Error != nil {
			return out, fmt.Errorf("submission service: unlock story card: %w", res.Error)
		}
		if res.RowsAffected == 1 {
			out = append(out, events.StoryCardUnlockedEvent{
				TeamID:        teamID,
				StoryCardID:   card.ID,
				StoryCardSlug: card.Slug,
				Name:          card.Name,
			})
		}
	}
	return out, nil
}

// Guesses lists the team's submissions for a puzzle, newest first.
func (s *SubmissionService) Guesses(ctx context.Context, teamID, puzzleID uint) ([]models.Submission, error) {
	var subs []models.Submission
	if err := s.db.WithContext(ensureContext(ctx)).
		Where("team_id = ? AND puzzle_id = ?", teamID, puzzleID).
		Order("time DESC").Order("id DESC").
		Find(&subs).Error; err != nil {
		return nil, fmt.Errorf("submission service: list guesses: %w", err)
	}
	return subs, nil
}

// RateLimit returns the limiter snapshot for the team on puzzle.
func (s *SubmissionService) RateLimit(ctx context.Context, teamID uint, puzzle *models.Puzzle) (RateLimitState, error) {
	return computeRateLimit(ensureContext(ctx), s.db, teamID, puzzle, s.now())
}
