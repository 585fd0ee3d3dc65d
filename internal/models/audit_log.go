package models

import (
	"time"

	"gorm.io/datatypes"
)

// AuditLog records handler actions and other operator-visible changes.
type AuditLog struct {
	ID          uint           `gorm:"primaryKey" json:"id"`
	HandlerID   *uint          `gorm:"index" json:"handler_id"`
	Username    string         `json:"username"`
	Action      string         `gorm:"not null;index" json:"action"`
	ContentType string         `gorm:"index;size:32" json:"content_type"`
	ContentID   uint           `json:"content_id"`
	TaskID      *uint          `gorm:"index" json:"task_id,omitempty"`
	TeamID      *uint          `gorm:"index" json:"team_id,omitempty"`
	Result      string         `gorm:"not null" json:"result"`
	Metadata    datatypes.JSON `json:"metadata"`
	CreatedAt   time.Time      `gorm:"index" json:"created_at"`
}
