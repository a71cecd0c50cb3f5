package models

import (
	"time"
)

// Lifecycle states for a (user, flavor-profile) pair.
const (
	FlavorStateCurious    = "curious"
	FlavorStateSeeker     = "seeker"
	FlavorStateTaster     = "taster"
	FlavorStateEnthusiast = "enthusiast"
	FlavorStateModerate   = "moderate"
	FlavorStateExplorer   = "explorer"
)

// FlavorProfileState is a recomputed projection; no history kept.
type FlavorProfileState struct {
	ID            string    `gorm:"primaryKey;type:uuid;default:gen_random_uuid()" json:"id"`
	UserID        string    `gorm:"uniqueIndex:idx_user_profile;not null" json:"user_id"`
	FlavorProfile string    `gorm:"uniqueIndex:idx_user_profile;type:varchar(32);not null" json:"flavor_profile"`
	State         string    `gorm:"type:varchar(16);not null" json:"state"`
	ComputedAt    time.Time `json:"computed_at"`

	// Supporting counts, kept for display and for incremental recomputation.
	Purchased   bool    `json:"purchased"`
	Delivered   bool    `json:"delivered"`
	RankedCount int     `json:"ranked_count"`
	AvgPosition float64 `json:"avg_position"` // 0 when RankedCount == 0

	Timestamps
}

// ProfileThresholds are the percentile boundaries from the last full
// classification run for one profile. The incremental path classifies against
// these; they may lag the true population boundary by up to a day.
type ProfileThresholds struct {
	CohortSize        int     `json:"cohort_size"`
	EnthusiastMaxAvg  float64 `json:"enthusiast_max_avg"`  // avg-position <= this => enthusiast
	ExplorerMinAvg    float64 `json:"explorer_min_avg"`    // avg-position >= this => explorer
	ComputedAt        time.Time `json:"computed_at"`
}

// FlavorCommunityConfig is the admin-editable classification config.
// A single row is kept; LastRunThresholds is written by the nightly full run.
type FlavorCommunityConfig struct {
	ID                string  `gorm:"primaryKey;type:uuid;default:gen_random_uuid()" json:"id"`
	MinProducts       int     `gorm:"default:3" json:"min_products"`
	EnthusiastTopPct  float64 `gorm:"default:25" json:"enthusiast_top_pct"`
	ExplorerBottomPct float64 `gorm:"default:25" json:"explorer_bottom_pct"`
	DeliveredStatus   string  `gorm:"type:varchar(16);default:'delivered'" json:"delivered_status"`

	LastRunThresholds map[string]ProfileThresholds `gorm:"serializer:json;type:jsonb" json:"last_run_thresholds"`
	LastFullRunAt     *time.Time                   `json:"last_full_run_at,omitempty"`

	Timestamps
}

func (FlavorCommunityConfig) TableName() string { return "flavor_community_config" }

// Valid checks the admin-supplied fields.
func (c *FlavorCommunityConfig) Valid() bool {
	if c.MinProducts < 1 {
		return false
	}
	if c.EnthusiastTopPct < 0 || c.EnthusiastTopPct > 100 {
		return false
	}
	if c.ExplorerBottomPct < 0 || c.ExplorerBottomPct > 100 {
		return false
	}
	return c.EnthusiastTopPct+c.ExplorerBottomPct <= 100
}
