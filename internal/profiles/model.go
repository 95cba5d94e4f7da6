package profiles

import (
	"strings"
	"time"
)

// Profile stores per-user presentation and tier state. Identity itself comes
// from the external provider; this row is created lazily on the first
// authenticated request.
type Profile struct {
	UserID    string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	Nickname  string    `gorm:"column:nickname;size:120"`
	IsPro     bool      `gorm:"column:is_pro;not null;default:false"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing user profiles.
func (Profile) TableName() string {
	return "profiles"
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
