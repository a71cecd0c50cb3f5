package realtime

import (
	"encoding/json"
	"time"
)

// Shared room names. Anything else must be a user room.
const (
	RoomQueueMonitor    = "queue-monitor"
	RoomBulkImport      = "bulk-import"
	RoomProductWebhooks = "product-webhooks"
	RoomCustomerOrders  = "customer-orders"
)

var sharedRooms = map[string]bool{
	RoomQueueMonitor:    true,
	RoomBulkImport:      true,
	RoomProductWebhooks: true,
	RoomCustomerOrders:  true,
}

// IsSharedRoom reports whether name is one of the admin-only shared streams.
func IsSharedRoom(name string) bool { return sharedRooms[name] }

// UserRoom returns the per-user room name.
func UserRoom(userID string) string { return "user:" + userID }

// Event types pushed to clients.
const (
	EventAchievementEarned = "achievement.earned"
	EventTierUpgrade       = "achievement.tier_upgrade"
	EventRankMutated       = "rank.mutated"
	EventImportProgress    = "import.progress"
	EventWebhookUpdate     = "webhook.update"
	EventQueueStats        = "queue.stats"
	EventOrderUpdate       = "order.update"
	EventCommunityUpdate   = "community.updated"
)

// Event is one fanout message. Delivery is best-effort and advisory; truth
// lives in the event log, and every consumer must have a polling fallback.
type Event struct {
	Room    string      `json:"room"`
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
	SentAt  time.Time   `json:"sent_at"`
}

func (e Event) encode() ([]byte, error) {
	return json.Marshal(e)
}

// Publisher is what the services layer sees of the bus.
type Publisher interface {
	Publish(evt Event)
}

// NopPublisher drops everything; used in tests and when the hub is disabled.
type NopPublisher struct{}

func (NopPublisher) Publish(Event) {}
