package models

import "time"

// Interaction is a live staff-run event a team can request once released.
type Interaction struct {
	BaseModel
	Slug           string  `gorm:"uniqueIndex;not null" json:"slug"`
	Name           string  `gorm:"not null" json:"name"`
	UnlockPuzzleID *uint   `gorm:"index" json:"unlock_puzzle_id,omitempty"`
	UnlockPuzzle   *Puzzle `gorm:"foreignKey:UnlockPuzzleID" json:"-"`
}

type InteractionAccess struct {
	BaseModel
	TeamID           uint       `gorm:"uniqueIndex:idx_interaction_team;not null" json:"team_id"`
	InteractionID    uint       `gorm:"uniqueIndex:idx_interaction_team;not null" json:"interaction_id"`
	Accomplished     bool       `gorm:"default:false" json:"accomplished"`
	AccomplishedTime *time.Time `json:"accomplished_time,omitempty"`
	RequestComments  string     `json:"request_comments"`

	Team        *Team        `gorm:"foreignKey:TeamID;constraint:OnDelete:CASCADE" json:"-"`
	Interaction *Interaction `gorm:"foreignKey:InteractionID" json:"interaction,omitempty"`
}

// StoryCard is narrative content revealed after a puzzle solve.
type StoryCard struct {
	BaseModel
	Slug           string `gorm:"uniqueIndex;not null" json:"slug"`
	Name           string `gorm:"not null" json:"name"`
	Text           string `json:"text"`
	UnlockPuzzleID *uint  `gorm:"index" json:"-"`
}

type StoryCardAccess struct {
	BaseModel
	TeamID      uint      `gorm:"uniqueIndex:idx_storycard_team;not null" json:"team_id"`
	StoryCardID uint      `gorm:"uniqueIndex:idx_storycard_team;not null" json:"story_card_id"`
	UnlockTime  time.Time `gorm:"not null" json:"unlock_time"`

	Team      *Team      `gorm:"foreignKey:TeamID;constraint:OnDelete:CASCADE" json:"-"`
	StoryCard *StoryCard `gorm:"foreignKey:StoryCardID" json:"story_card,omitempty"`
}
