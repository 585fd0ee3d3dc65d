package models

import "time"

type TaskKind string

const (
	TaskKindHint        TaskKind = "hint"
	TaskKindEmail       TaskKind = "email"
	TaskKindInteraction TaskKind = "interaction"
)

type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	TaskSnoozed TaskStatus = "snoozed"
	TaskDone    TaskStatus = "done"
	TaskIgnored TaskStatus = "ignored"
)

// Terminal reports whether no further handler action is allowed.
func (s TaskStatus) Terminal() bool {
	return s == TaskDone || s == TaskIgnored
}

// Task is a unit of staff work pointing at exactly one content row
// (Hint, inbound Email or InteractionAccess) through (ContentType, ContentID).
type Task struct {
	BaseModel
	ContentType TaskKind   `gorm:"uniqueIndex:idx_task_content;size:32;not null" json:"kind"`
	ContentID   uint       `gorm:"uniqueIndex:idx_task_content;not null" json:"content_id"`
	TeamID      *uint      `gorm:"index" json:"team_id,omitempty"`
	Status      TaskStatus `gorm:"not null;index" json:"status"`
	HandlerID   *uint      `gorm:"index" json:"handler_id,omitempty"`
	ClaimTime   *time.Time `json:"claim_time,omitempty"`
	SnoozeTime  *time.Time `json:"snooze_time,omitempty"`
	SnoozeUntil *time.Time `gorm:"index" json:"snooze_until,omitempty"`

	Handler *User `gorm:"foreignKey:HandlerID" json:"handler,omitempty"`
	Team    *Team `gorm:"foreignKey:TeamID" json:"team,omitempty"`
}
