package models

import "time"

// Fulfillment statuses, monotonic along this order.
const (
	FulfillmentUnfulfilled = "unfulfilled"
	FulfillmentPartial     = "partial"
	FulfillmentFulfilled   = "fulfilled"
	FulfillmentDelivered   = "delivered"
	FulfillmentRestocked   = "restocked"
)

var fulfillmentOrder = map[string]int{
	FulfillmentUnfulfilled: 0,
	FulfillmentPartial:     1,
	FulfillmentFulfilled:   2,
	FulfillmentDelivered:   3,
	FulfillmentRestocked:   4,
}

// FulfillmentAdvances reports whether moving from to next is a forward
// transition. Equal status is not an advance.
func FulfillmentAdvances(from, to string) bool {
	a, okA := fulfillmentOrder[from]
	b, okB := fulfillmentOrder[to]
	if !okB {
		return false
	}
	if !okA {
		return true // unknown current status, accept the update
	}
	return b > a
}

// CustomerOrderItem is one line of an imported Shopify order.
type CustomerOrderItem struct {
	ID                string    `gorm:"primaryKey;type:uuid;default:gen_random_uuid()" json:"id"`
	UserID            string    `gorm:"index:idx_order_user_product;not null" json:"user_id"`
	OrderNumber       string    `gorm:"index;not null" json:"order_number"`
	ProductID         string    `gorm:"index:idx_order_user_product" json:"product_id"`
	SKU               string    `json:"sku,omitempty"`
	Quantity          int       `gorm:"default:1" json:"quantity"`
	FulfillmentStatus string    `gorm:"type:varchar(16);default:'unfulfilled'" json:"fulfillment_status"`
	OrderDate         time.Time `json:"order_date"`

	// Dedup target for webhook + import upserts.
	ExternalLineID string `gorm:"uniqueIndex;not null" json:"external_line_id"`

	Timestamps
}
