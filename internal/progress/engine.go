package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"

	"github.com/charlesng35/spoilr/internal/auth"
	"github.com/charlesng35/spoilr/internal/cache"
	"github.com/charlesng35/spoilr/internal/database"
	"github.com/charlesng35/spoilr/internal/events"
	"github.com/charlesng35/spoilr/internal/models"
	"github.com/charlesng35/spoilr/pkg/logger"
)

const deepCacheTTL = 5 * time.Minute

// Option customises an Engine.
type Option func(*Engine)

// WithCache stores per-team DEEP totals in store.
func WithCache(store cache.Store) Option {
	return func(e *Engine) { e.cache = store }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithMainRound names the round whose unlock gates the hunt's main page.
func WithMainRound(slug string) Option {
	return func(e *Engine) { e.mainRound = slug }
}

// Engine builds per-request progression contexts.
type Engine struct {
	db        *gorm.DB
	bus       events.Publisher
	cache     cache.Store
	defaults  database.HuntTimes
	mainRound string
	now       func() time.Time
	flight    singleflight.Group
	logger    *zap.Logger
}

// NewEngine constructs an Engine. defaults are used when no settings rows exist.
func NewEngine(db *gorm.DB, bus events.Publisher, defaults database.HuntTimes, opts ...Option) (*Engine, error) {
	if db == nil {
		return nil, errors.New("progress: db must not be nil")
	}
	if bus == nil {
		bus = events.Discard{}
	}
	e := &Engine{
		db:       db,
		bus:      bus,
		defaults: defaults,
		now:      time.Now,
		logger:   logger.WithModule("progress"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Now returns the engine clock.
func (e *Engine) Now() time.Time { return e.now() }

// HuntTimes loads the schedule, preferring settings rows.
func (e *Engine) HuntTimes(ctx context.Context) (database.HuntTimes, error) {
	return database.LoadHuntTimes(ctx, e.db, e.defaults)
}

// ForCaller builds the context for an HTTP request. caller may be nil.
func (e *Engine) ForCaller(ctx context.Context, caller *auth.Caller) (*Context, error) {
	times, err := e.HuntTimes(ctx)
	if err != nil {
		return nil, err
	}
	pc := &Context{engine: e, ctx: ctx, now: e.now(), times: times, memo: newMemo()}
	if caller != nil {
		pc.team = caller.Team
		pc.unlimited = caller.Unlimited()
	}
	return pc, nil
}

// ForTeam builds a context for background work on behalf of team.
func (e *Engine) ForTeam(ctx context.Context, team *models.Team) (*Context, error) {
	times, err := e.HuntTimes(ctx)
	if err != nil {
		return nil, err
	}
	return &Context{engine: e, ctx: ctx, team: team, now: e.now(), times: times, memo: newMemo()}, nil
}

type deepTotals struct {
	Deep         int `json:"deep"`
	MetametaDeep int `json:"metameta_deep"`
}

func deepKey(teamID uint) string { return fmt.Sprintf("progress:deep:%d", teamID) }

// InvalidateTeam drops cached totals after a solve.
func (e *Engine) InvalidateTeam(ctx context.Context, teamID uint) {
	if e.cache == nil {
		return
	}
	if err := e.cache.Delete(ctx, deepKey(teamID)); err != nil {
		e.logger.Warn("drop cached deep", zap.Uint("team_id", teamID), zap.Error(err))
	}
}

func (e *Engine) deepTotals(ctx context.Context, teamID uint) (deepTotals, error) {
	key := deepKey(teamID)
	if e.cache != nil {
		if raw, ok, err := e.cache.Get(ctx, key); err == nil && ok {
			var totals deepTotals
			if json.Unmarshal(raw, &totals) == nil {
				return totals, nil
			}
		}
	}

	v, err, _ := e.flight.Do(key, func() (any, error) {
		var totals deepTotals
		err := e.db.WithContext(ctx).
			Table("submissions").
			Select("COALESCE(SUM(puzzles.deep_reward), 0) AS deep, COALESCE(SUM(puzzles.metameta_reward), 0) AS metameta_deep").
			Joins("JOIN puzzles ON puzzles.id = submissions.puzzle_id").
			Where("submissions.team_id = ? AND submissions.is_correct = ?", teamID, true).
			Scan(&totals).Error
		if err != nil {
			return deepTotals{}, fmt.Errorf("progress: sum deep: %w", err)
		}
		if e.cache != nil {
			if raw, err := json.Marshal(totals); err == nil {
				if err := e.cache.Set(ctx, key, raw, deepCacheTTL); err != nil {
					e.logger.Debug("cache deep", zap.Error(err))
				}
			}
		}
		return totals, nil
	})
	if err != nil {
		return deepTotals{}, err
	}
	return v.(deepTotals), nil
}
