package services

import (
	"context"
	"fmt"
	"math"
	"time"

	"gorm.io/gorm"

	"github.com/charlesng35/spoilr/internal/models"
)

// Hunt-wide guess limiter defaults. Rounds override each with a non-zero value.
const (
	DefaultRateLimitDivisor     = 1.5
	DefaultRateLimitFreeGuesses = 3
	DefaultRateLimitPeriod      = 6 * time.Hour
)

// RateLimitPolicy parameterises f(k) = k²/Divisor minutes.
type RateLimitPolicy struct {
	Divisor     float64
	FreeGuesses int
	Period      time.Duration
}

// PolicyFor applies a round's overrides to the defaults.
func PolicyFor(round *models.Round) RateLimitPolicy {
	p := RateLimitPolicy{
		Divisor:     DefaultRateLimitDivisor,
		FreeGuesses: DefaultRateLimitFreeGuesses,
		Period:      DefaultRateLimitPeriod,
	}
	if round == nil {
		return p
	}
	if round.RateLimitDivisor > 0 {
		p.Divisor = round.RateLimitDivisor
	}
	if round.RateLimitFreeGuesses > 0 {
		p.FreeGuesses = round.RateLimitFreeGuesses
	}
	if round.RateLimitPeriodSeconds > 0 {
		p.Period = time.Duration(round.RateLimitPeriodSeconds) * time.Second
	}
	return p
}

// RateLimitWait is the delay owed after k counted wrong guesses.
func RateLimitWait(p RateLimitPolicy, k int) time.Duration {
	if k <= p.FreeGuesses || k <= 0 {
		return 0
	}
	divisor := p.Divisor
	if divisor <= 0 {
		divisor = DefaultRateLimitDivisor
	}
	minutes := float64(k*k) / divisor
	return time.Duration(minutes * float64(time.Minute))
}

// RateLimitState is the limiter snapshot rendered to solvers.
type RateLimitState struct {
	ShouldLimit   bool       `json:"shouldLimit"`
	WrongGuesses  int        `json:"wrongGuesses"`
	SecondsToWait int        `json:"secondsToWait"`
	NextAllowed   *time.Time `json:"nextAllowed,omitempty"`
}

// computeRateLimit counts wrong, non-partial guesses within the policy
// period, forgiving extra grants.
func computeRateLimit(ctx context.Context, db *gorm.DB, teamID uint, puzzle *models.Puzzle, now time.Time) (RateLimitState, error) {
	policy := PolicyFor(puzzle.Round)
	since := now.Add(-policy.Period)

	var wrong int64
	if err := db.WithContext(ctx).Model(&models.Submission{}).
		Where("team_id = ? AND puzzle_id = ? AND is_correct = ? AND is_partial = ? AND time >= ?",
			teamID, puzzle.ID, false, false, since).
		Count(&wrong).Error; err != nil {
		return RateLimitState{}, fmt.Errorf("rate limit: count: %w", err)
	}
	var last models.Submission
	lastErr := db.WithContext(ctx).
		Where("team_id = ? AND puzzle_id = ? AND is_correct = ? AND is_partial = ? AND time >= ?",
			teamID, puzzle.ID, false, false, since).
		Order("time DESC").
		Limit(1).
		Find(&last).Error
	if lastErr != nil {
		return RateLimitState{}, fmt.Errorf("rate limit: last wrong: %w", lastErr)
	}

	var extra int
	if err := db.WithContext(ctx).Model(&models.ExtraGuessGrant{}).
		Select("COALESCE(SUM(extra), 0)").
		Where("team_id = ? AND puzzle_id = ?", teamID, puzzle.ID).
		Scan(&extra).Error; err != nil {
		return RateLimitState{}, fmt.Errorf("rate limit: grants: %w", err)
	}

	k := int(wrong) - extra
	if k < 0 {
		k = 0
	}
	state := RateLimitState{WrongGuesses: int(wrong)}
	wait := RateLimitWait(policy, k)
	if wait <= 0 || last.ID == 0 {
		return state, nil
	}
	next := last.Time.Add(wait)
	if now.Before(next) {
		state.ShouldLimit = true
		state.SecondsToWait = int(math.Ceil(next.Sub(now).Seconds()))
		state.NextAllowed = &next
	}
	return state, nil
}
