package models

import "gorm.io/datatypes"

// InteractiveSession is the durable copy of live per-team puzzle state. Key
// is "puzzle:<slug>" or "storycard:<slug>".
type InteractiveSession struct {
	BaseModel
	TeamID uint           `gorm:"uniqueIndex:idx_session_team_key;not null" json:"team_id"`
	Key    string         `gorm:"uniqueIndex:idx_session_team_key;size:191;not null" json:"key"`
	State  datatypes.JSON `json:"state"`
}
