package models

import (
	"time"

	"gorm.io/gorm"
)

// Round groups puzzles and carries per-round guess policy. Zero values fall
// back to hunt-wide defaults.
type Round struct {
	BaseModel
	Slug                   string  `gorm:"uniqueIndex;not null" json:"slug"`
	Name                   string  `gorm:"not null" json:"name"`
	Deep                   int     `gorm:"default:0" json:"deep"`
	AllowEmptyGuess        bool    `gorm:"default:false" json:"allow_empty_guess"`
	RateLimitDivisor       float64 `gorm:"default:0" json:"rate_limit_divisor"`
	RateLimitFreeGuesses   int     `gorm:"default:0" json:"rate_limit_free_guesses"`
	RateLimitPeriodSeconds int64   `gorm:"default:0" json:"rate_limit_period_seconds"`
}

type Puzzle struct {
	BaseModel
	Slug             string `gorm:"uniqueIndex;not null" json:"slug"`
	Name             string `gorm:"not null" json:"name"`
	Answer           string `gorm:"not null" json:"-"`
	NormalizedAnswer string `gorm:"not null" json:"-"`
	Deep             int    `gorm:"default:0" json:"deep"`
	MetametaDeep     int    `gorm:"default:0" json:"metameta_deep"`
	DeepReward       int    `gorm:"default:0" json:"-"`
	MetametaReward   int    `gorm:"default:0" json:"-"`
	IsMeta           bool   `gorm:"default:false" json:"is_meta"`
	IsFinal          bool   `gorm:"default:false" json:"is_final"`
	Emoji            string `json:"emoji"`
	RoundID          uint   `gorm:"index;not null" json:"round_id"`
	Round            *Round `gorm:"foreignKey:RoundID" json:"round,omitempty"`
}

// BeforeSave keeps NormalizedAnswer in step with Answer.
func (p *Puzzle) BeforeSave(tx *gorm.DB) error {
	p.NormalizedAnswer = NormalizeAnswer(p.Answer)
	return nil
}

// PartialAnswer is a recognised intermediate answer with a nudge response.
type PartialAnswer struct {
	BaseModel
	PuzzleID         uint   `gorm:"index;not null" json:"puzzle_id"`
	NormalizedAnswer string `gorm:"not null" json:"-"`
	Response         string `json:"response"`
}

// PuzzleAccess records when a team unlocked a puzzle.
type PuzzleAccess struct {
	BaseModel
	TeamID     uint      `gorm:"uniqueIndex:idx_access_team_puzzle;not null" json:"team_id"`
	PuzzleID   uint      `gorm:"uniqueIndex:idx_access_team_puzzle;not null" json:"puzzle_id"`
	UnlockTime time.Time `gorm:"not null" json:"unlock_time"`

	Team   *Team   `gorm:"foreignKey:TeamID;constraint:OnDelete:CASCADE" json:"-"`
	Puzzle *Puzzle `gorm:"foreignKey:PuzzleID" json:"puzzle,omitempty"`
}

// ExtraGuessGrant forgives wrong guesses in the rate-limit count.
type ExtraGuessGrant struct {
	BaseModel
	TeamID   uint `gorm:"index:idx_grant_team_puzzle;not null" json:"team_id"`
	PuzzleID uint `gorm:"index:idx_grant_team_puzzle;not null" json:"puzzle_id"`
	Extra    int  `gorm:"not null" json:"extra"`
}
