package models

import (
	"time"

	"gorm.io/gorm"
)

// User import states.
const (
	ImportStatePending  = "pending-import"
	ImportStateImported = "imported"
	ImportStateFailed   = "import-failed"
)

// User is the local record for a jerky-club customer. Rows are created on
// first sight (Shopify import, webhook, or self-signup) and soft-deleted only.
type User struct {
	ID                 string  `gorm:"primaryKey;type:uuid;default:gen_random_uuid()" json:"id"`
	ExternalCustomerID string  `gorm:"uniqueIndex;not null" json:"external_customer_id"` // Shopify customer id
	Email              string  `gorm:"index" json:"email,omitempty"`
	DisplayHandle      string  `gorm:"index" json:"display_handle"`
	Role               string  `gorm:"type:varchar(16);default:'regular'" json:"role"` // regular | admin
	HideFromLeaderboard bool   `gorm:"default:false" json:"hide_from_leaderboard"`
	HideAchievements   bool    `gorm:"default:false" json:"hide_achievements"`
	ImportState        string  `gorm:"type:varchar(24);default:''" json:"import_state,omitempty"` // "", pending-import, imported, import-failed
	LastImportSession  *string `json:"last_import_session,omitempty"`

	LastSeen *time.Time `json:"last_seen,omitempty"`

	Timestamps
}

func (u *User) IsAdmin() bool {
	return u.Role == "admin"
}

// Timestamps adds GORM auto-times
type Timestamps struct {
	CreatedAt time.Time      `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time      `json:"updated_at" gorm:"autoUpdateTime"`
	DeletedAt gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`
}
