package models

import (
	"time"

	"gorm.io/datatypes"
)

type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
)

// Job is a durable background work item. DedupeKey is set while the job is
// pending so repeated enqueues collapse; it is cleared when the job starts.
type Job struct {
	BaseModel
	Name        string         `gorm:"index;size:64;not null" json:"name"`
	DedupeKey   *string        `gorm:"uniqueIndex;size:191" json:"dedupe_key,omitempty"`
	Payload     datatypes.JSON `json:"payload"`
	ETA         time.Time      `gorm:"index;not null" json:"eta"`
	Status      JobStatus      `gorm:"index;not null" json:"status"`
	Attempts    int            `gorm:"default:0" json:"attempts"`
	MaxAttempts int            `gorm:"default:5" json:"max_attempts"`
	LockedUntil *time.Time     `json:"locked_until,omitempty"`
	LastError   string         `json:"last_error,omitempty"`
}
