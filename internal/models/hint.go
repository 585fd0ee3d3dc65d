package models

import "time"

type HintStatus string

const (
	HintNoResponse HintStatus = "no_response"
	HintAnswered   HintStatus = "answered"
	HintMoreInfo   HintStatus = "more_info"
	HintRefunded   HintStatus = "refunded"
	HintObsolete   HintStatus = "obsolete"
	HintResolved   HintStatus = "resolved"
)

// Valid reports whether s is a known status.
func (s HintStatus) Valid() bool {
	switch s {
	case HintNoResponse, HintAnswered, HintMoreInfo, HintRefunded, HintObsolete, HintResolved:
		return true
	}
	return false
}

// ResponseStatus reports whether handlers may answer with s.
func (s HintStatus) ResponseStatus() bool {
	switch s {
	case HintAnswered, HintMoreInfo, HintRefunded, HintResolved:
		return true
	}
	return false
}

// Hint is one message in a thread. Requests come from the team, responses from
// handlers. RootAncestorID is nil only for a thread's first request.
type Hint struct {
	BaseModel
	TeamID         uint       `gorm:"index:idx_hint_team_puzzle;not null" json:"team_id"`
	PuzzleID       uint       `gorm:"index:idx_hint_team_puzzle;not null" json:"puzzle_id"`
	IsRequest      bool       `gorm:"not null" json:"is_request"`
	Status         HintStatus `gorm:"not null;index" json:"status"`
	Text           string     `json:"text"`
	NotifyEmails   string     `json:"notify_emails"`
	EmailID        *uint      `gorm:"index" json:"email_id,omitempty"`
	RootAncestorID *uint      `gorm:"index" json:"root_ancestor_id,omitempty"`
	ResponseID     *uint      `gorm:"index" json:"response_id,omitempty"`
	Timestamp      time.Time  `gorm:"not null" json:"timestamp"`

	Team   *Team   `gorm:"foreignKey:TeamID;constraint:OnDelete:CASCADE" json:"-"`
	Puzzle *Puzzle `gorm:"foreignKey:PuzzleID" json:"-"`
	Email  *Email  `gorm:"foreignKey:EmailID" json:"-"`
}

// ThreadID returns the id of the thread's root request.
func (h *Hint) ThreadID() uint {
	if h.RootAncestorID != nil {
		return *h.RootAncestorID
	}
	return h.ID
}

// Open reports whether h is an unanswered live request.
func (h *Hint) Open() bool {
	return h.IsRequest && h.ResponseID == nil && h.Status != HintObsolete && h.Status != HintResolved
}
