package models

import (
	"strings"
	"time"
)

type ProfilePicState string

const (
	ProfilePicNone     ProfilePicState = "none"
	ProfilePicPending  ProfilePicState = "pending"
	ProfilePicApproved ProfilePicState = "approved"
	ProfilePicRejected ProfilePicState = "rejected"
)

// Team is a competing group. Members receive hint and hunt email.
type Team struct {
	BaseModel
	Name               string          `gorm:"uniqueIndex;not null" json:"name"`
	Slug               string          `gorm:"uniqueIndex;not null" json:"slug"`
	IsHidden           bool            `gorm:"default:false" json:"is_hidden"`
	StartOffsetSeconds int64           `gorm:"default:0" json:"start_offset_seconds"`
	ProfilePicState    ProfilePicState `gorm:"default:'none'" json:"profile_pic_state"`
	LastSolveTime      *time.Time      `json:"last_solve_time,omitempty"`
	FreeAnswers        int             `gorm:"default:0" json:"free_answers"`

	Members []TeamMember `gorm:"foreignKey:TeamID;constraint:OnDelete:CASCADE" json:"members,omitempty"`
}

// TeamMember is a registered contact for a team.
type TeamMember struct {
	BaseModel
	TeamID uint   `gorm:"index;not null" json:"team_id"`
	Name   string `json:"name"`
	Email  string `gorm:"index" json:"email"`
}

// AllEmails returns member addresses without blanks or duplicates. Members
// must be preloaded.
func (t *Team) AllEmails() []string {
	seen := make(map[string]struct{}, len(t.Members))
	out := make([]string, 0, len(t.Members))
	for _, m := range t.Members {
		addr := strings.TrimSpace(m.Email)
		key := strings.ToLower(addr)
		if addr == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, addr)
	}
	return out
}

// HuntStart applies the team's early-access offset to the global launch time.
func (t *Team) HuntStart(launch time.Time) time.Time {
	if t == nil || t.StartOffsetSeconds == 0 {
		return launch
	}
	return launch.Add(-time.Duration(t.StartOffsetSeconds) * time.Second)
}
