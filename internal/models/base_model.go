package models

import (
	"time"
)

// BaseModel provides shared fields for all persistent models. Primary keys are
// ordered integers: mass-mail cursors resume on "id > last".
type BaseModel struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
