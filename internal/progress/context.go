package progress

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/charlesng35/spoilr/internal/database"
	"github.com/charlesng35/spoilr/internal/events"
	"github.com/charlesng35/spoilr/internal/models"
)

// Infinite is the DEEP reported for superusers and testsolvers.
const Infinite = math.MaxInt32

type memo struct {
	deep, metametaDeep *int
	solved             map[uint]bool
	access             map[uint]bool
	puzzles            map[string]*models.Puzzle
	rounds             map[string]bool
	storycards         map[string]bool
	complete           *bool
}

func newMemo() *memo {
	return &memo{
		puzzles:    make(map[string]*models.Puzzle),
		rounds:     make(map[string]bool),
		storycards: make(map[string]bool),
	}
}

// Context answers progression questions for one team within one request.
// Every predicate is computed at most once until Invalidate.
type Context struct {
	engine    *Engine
	ctx       context.Context
	team      *models.Team
	unlimited bool
	now       time.Time
	times     database.HuntTimes
	memo      *memo
}

// Team returns the subject team, possibly nil.
func (c *Context) Team() *models.Team { return c.team }

// Now is the request timestamp.
func (c *Context) Now() time.Time { return c.now }

// Times is the hunt schedule in effect for this request.
func (c *Context) Times() database.HuntTimes { return c.times }

// Unlimited reports whether progression gates are bypassed.
func (c *Context) Unlimited() bool { return c.unlimited }

// Invalidate forgets memoized values after the team's progress changed.
func (c *Context) Invalidate() {
	c.memo = newMemo()
	if c.team != nil {
		c.engine.InvalidateTeam(c.ctx, c.team.ID)
	}
}

// HuntStart is the launch time adjusted by the team's early-access offset.
func (c *Context) HuntStart() time.Time {
	return c.team.HuntStart(c.times.Launch)
}

func (c *Context) HuntHasStarted() bool {
	return c.unlimited || !c.now.Before(c.HuntStart())
}

func (c *Context) HuntIsOver() bool {
	return !c.times.End.IsZero() && !c.now.Before(c.times.End)
}

func (c *Context) HuntIsClosed() bool {
	return !c.times.Close.IsZero() && !c.now.Before(c.times.Close)
}

func (c *Context) loadDeep() error {
	if c.memo.deep != nil {
		return nil
	}
	var deep, mm int
	switch {
	case c.unlimited:
		deep, mm = Infinite, Infinite
	case c.team == nil:
	default:
		totals, err := c.engine.deepTotals(c.ctx, c.team.ID)
		if err != nil {
			return err
		}
		deep, mm = totals.Deep, totals.MetametaDeep
	}
	c.memo.deep, c.memo.metametaDeep = &deep, &mm
	return nil
}

// Deep is the sum of DeepReward over solved puzzles.
func (c *Context) Deep() (int, error) {
	if err := c.loadDeep(); err != nil {
		return 0, err
	}
	return *c.memo.deep, nil
}

// MetametaDeep is the sum of MetametaReward over solved puzzles.
func (c *Context) MetametaDeep() (int, error) {
	if err := c.loadDeep(); err != nil {
		return 0, err
	}
	return *c.memo.metametaDeep, nil
}

// Solved returns the set of puzzle ids the team has solved.
func (c *Context) Solved() (map[uint]bool, error) {
	if c.memo.solved != nil {
		return c.memo.solved, nil
	}
	solved := make(map[uint]bool)
	if c.team != nil {
		var ids []uint
		if err := c.engine.db.WithContext(c.ctx).Model(&models.Submission{}).
			Where("team_id = ? AND is_correct = ?", c.team.ID, true).
			Pluck("puzzle_id", &ids).Error; err != nil {
			return nil, fmt.Errorf("progress: load solves: %w", err)
		}
		for _, id := range ids {
			solved[id] = true
		}
	}
	c.memo.solved = solved
	return solved, nil
}

// IsSolved reports whether the team solved puzzleID.
func (c *Context) IsSolved(puzzleID uint) (bool, error) {
	solved, err := c.Solved()
	if err != nil {
		return false, err
	}
	return solved[puzzleID], nil
}

func (c *Context) accessSet() (map[uint]bool, error) {
	if c.memo.access != nil {
		return c.memo.access, nil
	}
	access := make(map[uint]bool)
	if c.team != nil {
		var ids []uint
		if err := c.engine.db.WithContext(c.ctx).Model(&models.PuzzleAccess{}).
			Where("team_id = ?", c.team.ID).
			Pluck("puzzle_id", &ids).Error; err != nil {
			return nil, fmt.Errorf("progress: load access: %w", err)
		}
		for _, id := range ids {
			access[id] = true
		}
	}
	c.memo.access = access
	return access, nil
}

// Puzzle loads a puzzle by slug with its round; nil when missing.
func (c *Context) Puzzle(slug string) (*models.Puzzle, error) {
	if p, ok := c.memo.puzzles[slug]; ok {
		return p, nil
	}
	var p models.Puzzle
	err := c.engine.db.WithContext(c.ctx).Preload("Round").Take(&p, "slug = ?", slug).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.memo.puzzles[slug] = nil
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("progress: load puzzle %q: %w", slug, err)
	}
	c.memo.puzzles[slug] = &p
	return &p, nil
}

// IsUnlocked applies the unlock policy to slug. A positive decision without an
// access row creates one idempotently and announces the release.
func (c *Context) IsUnlocked(slug string) (bool, *models.Puzzle, error) {
	p, err := c.Puzzle(slug)
	if err != nil || p == nil {
		return false, nil, err
	}
	ok, err := c.unlock(p)
	return ok, p, err
}

func (c *Context) unlock(p *models.Puzzle) (bool, error) {
	access, err := c.accessSet()
	if err != nil {
		return false, err
	}
	if access[p.ID] {
		return true, nil
	}
	if !c.HuntHasStarted() {
		return false, nil
	}
	deep, err := c.Deep()
	if err != nil {
		return false, err
	}
	mm, err := c.MetametaDeep()
	if err != nil {
		return false, err
	}
	if deep < p.Deep || mm < p.MetametaDeep {
		return false, nil
	}
	if c.team == nil {
		return c.unlimited, nil
	}
	if err := c.createAccess(p); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Context) createAccess(p *models.Puzzle) error {
	unlockTime := c.now
	if start := c.HuntStart(); unlockTime.Before(start) {
		unlockTime = start
	}
	row := models.PuzzleAccess{TeamID: c.team.ID, PuzzleID: p.ID, UnlockTime: unlockTime}
	res := c.engine.db.WithContext(c.ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row)
	if res.Error != nil {
		return fmt.Errorf("progress: create access: %w", res.Error)
	}
	c.memo.access[p.ID] = true
	if res.RowsAffected == 1 {
		c.engine.bus.Publish(c.ctx, events.PuzzleReleasedEvent{
			TeamID:     c.team.ID,
			PuzzleID:   p.ID,
			PuzzleSlug: p.Slug,
			PuzzleName: p.Name,
			UnlockTime: unlockTime,
		})
	}
	return nil
}

// ReleaseUnlocked walks every puzzle the team cannot see yet and unlocks the
// ones whose thresholds are now met. Returns the newly released puzzles.
func (c *Context) ReleaseUnlocked() ([]models.Puzzle, error) {
	if c.team == nil || !c.HuntHasStarted() {
		return nil, nil
	}
	access, err := c.accessSet()
	if err != nil {
		return nil, err
	}
	var candidates []models.Puzzle
	if err := c.engine.db.WithContext(c.ctx).Order("id").Find(&candidates).Error; err != nil {
		return nil, fmt.Errorf("progress: list puzzles: %w", err)
	}
	var released []models.Puzzle
	for i := range candidates {
		p := &candidates[i]
		if access[p.ID] {
			continue
		}
		ok, err := c.unlock(p)
		if err != nil {
			return released, err
		}
		if ok {
			released = append(released, *p)
		}
	}
	return released, nil
}

// Unlocked lists every puzzle the caller can open, releasing any whose
// thresholds are now met. Unlimited callers see the whole hunt.
func (c *Context) Unlocked() ([]models.Puzzle, error) {
	q := c.engine.db.WithContext(c.ctx).Preload("Round").Order("id")
	var out []models.Puzzle
	switch {
	case c.unlimited:
		if err := q.Find(&out).Error; err != nil {
			return nil, fmt.Errorf("progress: list puzzles: %w", err)
		}
		return out, nil
	case c.team == nil:
		return nil, nil
	}
	if _, err := c.ReleaseUnlocked(); err != nil {
		return nil, err
	}
	access, err := c.accessSet()
	if err != nil {
		return nil, err
	}
	if len(access) == 0 {
		return nil, nil
	}
	ids := make([]uint, 0, len(access))
	for id := range access {
		ids = append(ids, id)
	}
	if err := q.Where("id IN ?", ids).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("progress: list unlocked: %w", err)
	}
	return out, nil
}

// IsRoundUnlocked holds when any of the round's puzzles is unlocked or the
// team's DEEP reaches the round threshold.
func (c *Context) IsRoundUnlocked(slug string) (bool, error) {
	if v, ok := c.memo.rounds[slug]; ok {
		return v, nil
	}
	var round models.Round
	err := c.engine.db.WithContext(c.ctx).Take(&round, "slug = ?", slug).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.memo.rounds[slug] = false
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("progress: load round: %w", err)
	}

	unlocked := false
	if c.HuntHasStarted() {
		deep, err := c.Deep()
		if err != nil {
			return false, err
		}
		unlocked = deep >= round.Deep
		if !unlocked {
			access, err := c.accessSet()
			if err != nil {
				return false, err
			}
			var ids []uint
			if err := c.engine.db.WithContext(c.ctx).Model(&models.Puzzle{}).
				Where("round_id = ?", round.ID).Pluck("id", &ids).Error; err != nil {
				return false, fmt.Errorf("progress: round puzzles: %w", err)
			}
			for _, id := range ids {
				if access[id] {
					unlocked = true
					break
				}
			}
		}
	}
	c.memo.rounds[slug] = unlocked
	return unlocked, nil
}

// IsMainRoundUnlocked applies IsRoundUnlocked to the configured main round.
func (c *Context) IsMainRoundUnlocked() (bool, error) {
	if c.engine.mainRound == "" {
		return c.HuntHasStarted(), nil
	}
	return c.IsRoundUnlocked(c.engine.mainRound)
}

// IsHuntComplete holds once the final puzzle is solved.
func (c *Context) IsHuntComplete() (bool, error) {
	if c.memo.complete != nil {
		return *c.memo.complete, nil
	}
	complete := false
	if c.team != nil {
		var count int64
		if err := c.engine.db.WithContext(c.ctx).Model(&models.Submission{}).
			Joins("JOIN puzzles ON puzzles.id = submissions.puzzle_id").
			Where("submissions.team_id = ? AND submissions.is_correct = ? AND puzzles.is_final = ?", c.team.ID, true, true).
			Count(&count).Error; err != nil {
			return false, fmt.Errorf("progress: hunt complete: %w", err)
		}
		complete = count > 0
	}
	c.memo.complete = &complete
	return complete, nil
}

// IsStoryCardUnlocked reports whether the team has an access row for slug.
func (c *Context) IsStoryCardUnlocked(slug string) (bool, error) {
	if v, ok := c.memo.storycards[slug]; ok {
		return v, nil
	}
	unlocked := c.unlimited
	if !unlocked && c.team != nil {
		var count int64
		if err := c.engine.db.WithContext(c.ctx).Model(&models.StoryCardAccess{}).
			Joins("JOIN story_cards ON story_cards.id = story_card_accesses.story_card_id").
			Where("story_card_accesses.team_id = ? AND story_cards.slug = ?", c.team.ID, slug).
			Count(&count).Error; err != nil {
			return false, fmt.Errorf("progress: storycard access: %w", err)
		}
		unlocked = count > 0
	}
	c.memo.storycards[slug] = unlocked
	return unlocked, nil
}
