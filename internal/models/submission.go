package models

import "time"

type Submission struct {
	BaseModel
	TeamID          uint      `gorm:"uniqueIndex:idx_submission_guess;not null" json:"team_id"`
	PuzzleID        uint      `gorm:"uniqueIndex:idx_submission_guess;index;not null" json:"puzzle_id"`
	NormalizedGuess string    `gorm:"uniqueIndex:idx_submission_guess;not null" json:"guess"`
	RawGuess        string    `json:"-"`
	IsCorrect       bool      `gorm:"default:false;index" json:"isCorrect"`
	IsPartial       bool      `gorm:"default:false" json:"isPartial"`
	UsedFreeAnswer  bool      `gorm:"default:false" json:"usedFreeAnswer"`
	Time            time.Time `gorm:"not null;index" json:"timestamp"`

	Team   *Team   `gorm:"foreignKey:TeamID;constraint:OnDelete:CASCADE" json:"-"`
	Puzzle *Puzzle `gorm:"foreignKey:PuzzleID" json:"-"`
}
