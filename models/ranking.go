package models

import "time"

// Trigger kinds the evaluator understands.
const (
	EventKindRank     = "rank"
	EventKindRate     = "rate"
	EventKindReview   = "review"
	EventKindLogin    = "login"
	EventKindDelivery = "delivery"
)

// RankingEvent is append-only. The most recent event per (user, product) is
// the authoritative position; older rows are history. Seq is server-assigned
// so a user's events are totally ordered regardless of client clocks.
type RankingEvent struct {
	ID             string    `gorm:"primaryKey;type:uuid;default:gen_random_uuid()" json:"id"`
	Seq            int64     `gorm:"autoIncrement;uniqueIndex" json:"seq"`
	UserID         string    `gorm:"index:idx_rank_user_product;not null" json:"user_id"`
	ProductID      string    `gorm:"index:idx_rank_user_product;not null" json:"product_id"`
	Position       int       `gorm:"not null" json:"position"` // 1-based; 0 marks a removal
	OccurredAt     time.Time `json:"occurred_at"`
	IdempotencyKey string    `gorm:"index" json:"idempotency_key"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
}

// Removed reports whether this event deletes the product from the ranking.
func (e *RankingEvent) Removed() bool { return e.Position == 0 }

// EngagementEvent is the append-only log for non-rank activity (rate, review,
// login). Delivery activity lives on customer_order_items.
type EngagementEvent struct {
	ID             string    `gorm:"primaryKey;type:uuid;default:gen_random_uuid()" json:"id"`
	UserID         string    `gorm:"index;not null" json:"user_id"`
	Kind           string    `gorm:"type:varchar(16);index;not null" json:"kind"`
	ProductID      string    `gorm:"index" json:"product_id,omitempty"`
	Value          int       `json:"value,omitempty"` // star rating for kind=rate
	OccurredAt     time.Time `gorm:"index" json:"occurred_at"`
	IdempotencyKey string    `gorm:"index" json:"idempotency_key,omitempty"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
}

// RankingReceipt records one accepted save so retried deliveries replay the
// original outcome instead of appending twice. PayloadHash is compared on
// replay: same key + different hash is a hard conflict.
type RankingReceipt struct {
	ID             string    `gorm:"primaryKey;type:uuid;default:gen_random_uuid()" json:"id"`
	UserID         string    `gorm:"index;not null" json:"user_id"`
	IdempotencyKey string    `gorm:"uniqueIndex;not null" json:"idempotency_key"`
	PayloadHash    string    `gorm:"not null" json:"payload_hash"`
	Result         string    `gorm:"type:jsonb" json:"result"` // serialized SaveRankingResult
	CreatedAt      time.Time `json:"created_at" gorm:"autoCreateTime"`
}
