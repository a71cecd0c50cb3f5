// workers/delivery_poller.go
package workers

import (
	"context"
	"log"
	"time"

	"jerky-rank-system/models"
	"jerky-rank-system/services"

	"gorm.io/gorm"
)

// DeliveryPoller infers delivery for order lines stuck at "fulfilled". The
// commerce platform's order.delivered webhook is the primary signal; carriers
// that never report back leave lines fulfilled forever, so after a grace
// period we assume the package arrived and promote the line ourselves.
type DeliveryPoller struct {
	DB        *gorm.DB
	Evaluator *services.Evaluator
	Interval  time.Duration
	Grace     time.Duration // time at "fulfilled" before delivery is assumed
}

func NewDeliveryPoller(db *gorm.DB, evaluator *services.Evaluator) *DeliveryPoller {
	return &DeliveryPoller{
		DB:        db,
		Evaluator: evaluator,
		Interval:  15 * time.Minute,
		Grace:     7 * 24 * time.Hour,
	}
}

func (p *DeliveryPoller) Start(ctx context.Context) {
	log.Println("🚚 Starting delivery inference poller (fulfilled → delivered)…")
	go p.run(ctx)
}

func (p *DeliveryPoller) run(ctx context.Context) {
	// One pass at startup to catch up after downtime.
	if err := p.sweep(ctx); err != nil {
		log.Printf("⚠️ Initial delivery sweep failed: %v", err)
	}

	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := p.sweep(ctx); err != nil {
				log.Printf("❌ Delivery sweep failed: %v", err)
			}
		case <-ctx.Done():
			log.Println("⏹️ Delivery inference poller stopped")
			return
		}
	}
}

// sweep promotes overdue fulfilled lines and kicks evaluation for the
// affected users.
func (p *DeliveryPoller) sweep(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-p.Grace)

	var userIDs []string
	if err := p.DB.WithContext(ctx).Model(&models.CustomerOrderItem{}).
		Where("fulfillment_status = ? AND updated_at < ?", models.FulfillmentFulfilled, cutoff).
		Distinct().Pluck("user_id", &userIDs).Error; err != nil {
		return services.WrapErr(services.ErrTransient, err, "find overdue fulfilled lines")
	}
	if len(userIDs) == 0 {
		return nil
	}

	res := p.DB.WithContext(ctx).Model(&models.CustomerOrderItem{}).
		Where("fulfillment_status = ? AND updated_at < ?", models.FulfillmentFulfilled, cutoff).
		Update("fulfillment_status", models.FulfillmentDelivered)
	if res.Error != nil {
		return services.WrapErr(services.ErrTransient, res.Error, "promote overdue lines")
	}
	log.Printf("📬 [DELIVERY] promoted %d overdue line(s) across %d user(s)", res.RowsAffected, len(userIDs))

	if p.Evaluator != nil {
		for _, id := range userIDs {
			p.Evaluator.TriggerAsync(id, models.EventKindDelivery)
		}
	}
	return nil
}
