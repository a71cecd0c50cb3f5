package models

import (
	"time"

	"gorm.io/datatypes"
)

// Webhook kinds accepted from the commerce platform.
var WebhookKinds = map[string]bool{
	"product.created":  true,
	"product.updated":  true,
	"product.deleted":  true,
	"customer.created": true,
	"customer.updated": true,
	"order.created":    true,
	"order.updated":    true,
	"order.fulfilled":  true,
	"order.delivered":  true,
}

// Webhook dispositions, decided by the job handler.
const (
	WebhookProcessed = "processed"
	WebhookSkipped   = "skipped"
	WebhookNoted     = "noted"
	WebhookPending   = "pending"
	WebhookFailed    = "failed"
)

// WebhookReceipt records one delivery from the commerce platform. Deliveries
// are deduped on (kind, external id, updated-at) within a 24h window; each
// accepted receipt becomes exactly one job.
type WebhookReceipt struct {
	ID         string         `gorm:"primaryKey;type:uuid;default:gen_random_uuid()" json:"id"`
	Kind       string         `gorm:"uniqueIndex:idx_webhook_dedup;type:varchar(32);not null" json:"kind"`
	ExternalID string         `gorm:"uniqueIndex:idx_webhook_dedup;not null" json:"external_id"`
	UpdatedAtExternal time.Time `gorm:"uniqueIndex:idx_webhook_dedup" json:"updated_at_external"`
	Body       datatypes.JSON `gorm:"type:jsonb" json:"body"`

	Disposition string `gorm:"type:varchar(16);index;default:'pending'" json:"disposition"`
	Reason      string `json:"reason,omitempty"`
	JobID       string `gorm:"index" json:"job_id,omitempty"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}
