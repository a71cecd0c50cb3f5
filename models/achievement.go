package models

import (
	"time"

	"gorm.io/datatypes"
)

// Collection types for coins (achievements).
const (
	CollectionFlavorCoin  = "flavor_coin"
	CollectionStatic      = "static_collection"
	CollectionDynamic     = "dynamic_collection"
	CollectionEngagement  = "engagement_collection"
	CollectionHidden      = "hidden_collection"
)

// Predicate kinds. Predicates are data (kind + params) interpreted by a fixed
// set of evaluators in services/predicates.go; admins cannot inject logic.
const (
	PredicateCounter     = "counter"
	PredicateStreak      = "streak"
	PredicateSetCoverage = "set_coverage"
	PredicateCollection  = "collection"
	PredicateSecret      = "secret"
)

// Tier names, lowest to highest.
const (
	TierNone     = "none"
	TierBronze   = "bronze"
	TierSilver   = "silver"
	TierGold     = "gold"
	TierPlatinum = "platinum"
	TierDiamond  = "diamond"
)

var tierOrdinals = map[string]int{
	TierNone:     0,
	TierBronze:   1,
	TierSilver:   2,
	TierGold:     3,
	TierPlatinum: 4,
	TierDiamond:  5,
}

// TierOrdinal maps a tier name to its rank; unknown names map to 0.
func TierOrdinal(tier string) int { return tierOrdinals[tier] }

// TierSpec is one rung of a tiered coin.
type TierSpec struct {
	Tier     string `json:"tier"`
	Required int64  `json:"required"`
	Points   int64  `json:"points"`
}

// CoinDefinition is the catalog entry for an earnable coin.
type CoinDefinition struct {
	ID              string         `gorm:"primaryKey;type:uuid;default:gen_random_uuid()" json:"id"`
	Code            string         `gorm:"uniqueIndex;not null" json:"code"` // e.g., "ranker", "night-owl"
	Name            string         `gorm:"not null" json:"name"`
	Description     string         `json:"description"`
	IconURL         string         `gorm:"type:text" json:"icon_url"`
	Category        string         `gorm:"type:varchar(32)" json:"category"`
	CollectionType  string         `gorm:"type:varchar(32);index;not null" json:"collection_type"`
	Hidden          bool           `gorm:"default:false" json:"hidden"`
	Enabled         bool           `gorm:"default:true" json:"enabled"`
	Tiers           []TierSpec     `gorm:"serializer:json;type:jsonb" json:"tiers"` // empty = one-shot
	OneShotPoints   int64          `gorm:"default:0" json:"one_shot_points"`
	PredicateKind   string         `gorm:"type:varchar(32);not null" json:"predicate_kind"`
	PredicateParams datatypes.JSON `gorm:"type:jsonb" json:"predicate_params"`
	// TriggerKinds gates evaluation: only events of these kinds re-check the
	// predicate. Empty means every kind.
	TriggerKinds []string `gorm:"serializer:json;type:jsonb" json:"trigger_kinds"`

	Timestamps
}

func (CoinDefinition) TableName() string { return "achievement_definitions" }

// Tiered reports whether the coin has tier rungs (vs. one-shot).
func (d *CoinDefinition) Tiered() bool { return len(d.Tiers) > 0 }

// TriggeredBy reports whether an event kind should re-evaluate this coin.
func (d *CoinDefinition) TriggeredBy(kind string) bool {
	if len(d.TriggerKinds) == 0 {
		return true
	}
	for _, k := range d.TriggerKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// TierForCount returns the highest tier whose threshold the count satisfies.
// Equal thresholds collapse upward: the highest satisfied tier wins.
func (d *CoinDefinition) TierForCount(count int64) string {
	best := TierNone
	for _, t := range d.Tiers {
		if count >= t.Required && TierOrdinal(t.Tier) > TierOrdinal(best) {
			best = t.Tier
		}
	}
	return best
}

// PointsThroughTier sums per-tier points up to and including tier.
func (d *CoinDefinition) PointsThroughTier(tier string) int64 {
	if !d.Tiered() {
		if TierOrdinal(tier) > 0 {
			return d.OneShotPoints
		}
		return 0
	}
	var total int64
	for _, t := range d.Tiers {
		if TierOrdinal(t.Tier) <= TierOrdinal(tier) {
			total += t.Points
		}
	}
	return total
}

// NextThreshold returns the next unearned tier rung, if any.
func (d *CoinDefinition) NextThreshold(currentTier string) (TierSpec, bool) {
	var next TierSpec
	found := false
	for _, t := range d.Tiers {
		if TierOrdinal(t.Tier) <= TierOrdinal(currentTier) {
			continue
		}
		if !found || TierOrdinal(t.Tier) < TierOrdinal(next.Tier) {
			next = t
			found = true
		}
	}
	return next, found
}

// UserAchievement is the earned state of one coin for one user.
// CurrentTier only ratchets upward; PointsAwarded is always recomputed from
// the tier column so replays converge.
type UserAchievement struct {
	ID            string     `gorm:"primaryKey;type:uuid;default:gen_random_uuid()" json:"id"`
	UserID        string     `gorm:"uniqueIndex:idx_user_coin;not null" json:"user_id"`
	CoinID        string     `gorm:"uniqueIndex:idx_user_coin;not null" json:"coin_id"`
	CurrentTier   string     `gorm:"type:varchar(16);default:'none'" json:"current_tier"`
	Progress      int64      `gorm:"default:0" json:"progress"`
	PointsAwarded int64      `gorm:"default:0" json:"points_awarded"`
	FirstEarnedAt *time.Time `json:"first_earned_at,omitempty"`
	LastUpgradedAt *time.Time `json:"last_upgraded_at,omitempty"`

	Timestamps
}

// CoinTypeConfig is the admin-editable per-collection-type switchboard.
type CoinTypeConfig struct {
	ID               string  `gorm:"primaryKey;type:uuid;default:gen_random_uuid()" json:"id"`
	CollectionType   string  `gorm:"uniqueIndex;not null" json:"collection_type"`
	Enabled          bool    `gorm:"default:true" json:"enabled"`
	PointsMultiplier float64 `gorm:"default:1" json:"points_multiplier"`

	Timestamps
}

func (CoinTypeConfig) TableName() string { return "coin_type_config" }
