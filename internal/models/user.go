package models

// User is a login. Solvers have a TeamID; handlers are staff.
type User struct {
	BaseModel
	Username     string `gorm:"uniqueIndex;not null" json:"username"`
	Password     string `gorm:"not null" json:"-"`
	Email        string `json:"email"`
	IsStaff      bool   `gorm:"default:false" json:"is_staff"`
	IsSuperuser  bool   `gorm:"default:false" json:"is_superuser"`
	IsTestsolver bool   `gorm:"default:false" json:"is_testsolver"`
	IsActive     bool   `gorm:"default:true" json:"is_active"`
	TeamID       *uint  `gorm:"index" json:"team_id,omitempty"`
	Team         *Team  `gorm:"foreignKey:TeamID" json:"team,omitempty"`
}
