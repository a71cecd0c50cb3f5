package services

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"jerky-rank-system/models"
	"jerky-rank-system/realtime"

	"github.com/gosimple/slug"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const webhookDedupWindow = 24 * time.Hour

// WebhookService is the ingress for commerce-platform webhooks. Ingest only
// dedups and enqueues; the actual mutation happens in the webhook job handler
// via Process so a crashed process never loses a delivery.
type WebhookService struct {
	DB        *gorm.DB
	Queue     JobEnqueuer
	Evaluator *Evaluator
	Bus       realtime.Publisher
}

func NewWebhookService(db *gorm.DB, queue JobEnqueuer, ev *Evaluator, bus realtime.Publisher) *WebhookService {
	if bus == nil {
		bus = realtime.NopPublisher{}
	}
	return &WebhookService{DB: db, Queue: queue, Evaluator: ev, Bus: bus}
}

// WebhookEnvelope is the minimal shape all deliveries share.
type WebhookEnvelope struct {
	ID        string    `json:"id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Ingest records one delivery and enqueues its job. Duplicate deliveries
// (same kind, external id, and updated-at inside the window) are dropped.
func (s *WebhookService) Ingest(ctx context.Context, kind string, body []byte) (*models.WebhookReceipt, error) {
	if !models.WebhookKinds[kind] {
		return nil, Errf(ErrValidation, "unknown webhook kind %q", kind)
	}
	var env WebhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil || env.ID == "" {
		return nil, Errf(ErrValidation, "webhook body missing id")
	}
	if env.UpdatedAt.IsZero() {
		env.UpdatedAt = time.Now().UTC()
	}

	var dup int64
	if err := s.DB.Model(&models.WebhookReceipt{}).
		Where("kind = ? AND external_id = ? AND updated_at_external = ? AND created_at > ?",
			kind, env.ID, env.UpdatedAt, time.Now().Add(-webhookDedupWindow)).
		Count(&dup).Error; err != nil {
		return nil, WrapErr(ErrTransient, err, "webhook dedup check")
	}
	if dup > 0 {
		return nil, Errf(ErrReplay, "duplicate webhook delivery")
	}

	receipt := models.WebhookReceipt{
		Kind:              kind,
		ExternalID:        env.ID,
		UpdatedAtExternal: env.UpdatedAt,
		Body:              datatypes.JSON(body),
		Disposition:       models.WebhookPending,
	}
	if err := s.DB.WithContext(ctx).Create(&receipt).Error; err != nil {
		// Unique violation: concurrent duplicate delivery.
		return nil, WrapErr(ErrReplay, err, "duplicate webhook delivery")
	}

	if _, err := s.Queue.Enqueue(ctx, models.JobKindWebhook,
		map[string]string{"receipt_id": receipt.ID}, "webhook:"+receipt.ID); err != nil {
		return nil, err
	}
	return &receipt, nil
}

// Process applies one receipt. Called from the webhook job handler, so it must
// be idempotent under retries.
func (s *WebhookService) Process(ctx context.Context, receiptID string) error {
	var receipt models.WebhookReceipt
	if err := s.DB.Where("id = ?", receiptID).First(&receipt).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Errf(ErrNotFound, "webhook receipt %s not found", receiptID)
		}
		return WrapErr(ErrTransient, err, "load webhook receipt")
	}
	if receipt.Disposition == models.WebhookProcessed || receipt.Disposition == models.WebhookSkipped {
		return nil
	}

	disposition, reason, err := s.apply(ctx, &receipt)
	if err != nil {
		_ = s.DB.Model(&receipt).Updates(map[string]interface{}{
			"disposition": models.WebhookFailed, "reason": err.Error()}).Error
		return err
	}

	if err := s.DB.Model(&receipt).Updates(map[string]interface{}{
		"disposition": disposition, "reason": reason}).Error; err != nil {
		return WrapErr(ErrTransient, err, "finalize webhook receipt")
	}

	s.Bus.Publish(realtime.Event{
		Room: realtime.RoomProductWebhooks,
		Type: realtime.EventWebhookUpdate,
		Payload: map[string]interface{}{
			"kind": receipt.Kind, "external_id": receipt.ExternalID, "disposition": disposition,
		},
	})
	return nil
}

func (s *WebhookService) apply(ctx context.Context, receipt *models.WebhookReceipt) (string, string, error) {
	switch {
	case strings.HasPrefix(receipt.Kind, "product."):
		return s.applyProduct(ctx, receipt)
	case strings.HasPrefix(receipt.Kind, "customer."):
		return s.applyCustomer(ctx, receipt)
	case strings.HasPrefix(receipt.Kind, "order."):
		return s.applyOrder(ctx, receipt)
	}
	return models.WebhookSkipped, "unhandled kind", nil
}

type productPayload struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Vendor    string    `json:"vendor"`
	ImageURL  string    `json:"image_url"`
	Tags      []string  `json:"tags"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s *WebhookService) applyProduct(ctx context.Context, receipt *models.WebhookReceipt) (string, string, error) {
	var p productPayload
	if err := json.Unmarshal(receipt.Body, &p); err != nil {
		return "", "", Errf(ErrValidation, "bad product payload: %v", err)
	}

	if receipt.Kind == "product.deleted" {
		res := s.DB.WithContext(ctx).Where("external_product_id = ?", p.ID).
			Delete(&models.Product{})
		if res.Error != nil {
			return "", "", WrapErr(ErrTransient, res.Error, "delete product")
		}
		if res.RowsAffected == 0 {
			return models.WebhookSkipped, "product not known", nil
		}
		return models.WebhookProcessed, "", nil
	}

	// Out-of-order guard: a delivery older than the stored row is noted only.
	var existing models.Product
	err := s.DB.Where("external_product_id = ?", p.ID).First(&existing).Error
	if err == nil && !receipt.UpdatedAtExternal.After(existing.UpdatedAt) &&
		receipt.Kind == "product.updated" {
		return models.WebhookNoted, "older than current version", nil
	}
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", "", WrapErr(ErrTransient, err, "lookup product")
	}

	product := models.Product{
		ExternalProductID: p.ID,
		Title:             p.Title,
		Vendor:            p.Vendor,
		ImageURL:          p.ImageURL,
	}
	if err := s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "external_product_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"title", "vendor", "image_url"}),
	}).Create(&product).Error; err != nil {
		return "", "", WrapErr(ErrTransient, err, "upsert product")
	}

	// Re-read for the canonical local id (upsert does not backfill it on
	// conflict), then refresh metadata with the recognized flavor tags.
	if err := s.DB.Where("external_product_id = ?", p.ID).First(&product).Error; err != nil {
		return "", "", WrapErr(ErrTransient, err, "reload product")
	}
	var tags []string
	for _, t := range p.Tags {
		if normalized := slug.Make(t); models.IsFlavorProfile(normalized) {
			tags = append(tags, normalized)
		}
	}
	if len(tags) > 0 {
		meta := models.ProductMetadata{ProductID: product.ID, FlavorTags: tags}
		if err := s.DB.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "product_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{"flavor_tags": datatypes.JSON(mustJSON(tags))}),
		}).Create(&meta).Error; err != nil {
			return "", "", WrapErr(ErrTransient, err, "upsert product metadata")
		}
	}
	return models.WebhookProcessed, "", nil
}

type customerPayload struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

func (s *WebhookService) applyCustomer(ctx context.Context, receipt *models.WebhookReceipt) (string, string, error) {
	var c customerPayload
	if err := json.Unmarshal(receipt.Body, &c); err != nil {
		return "", "", Errf(ErrValidation, "bad customer payload: %v", err)
	}
	user := models.User{
		ExternalCustomerID: c.ID,
		Email:              c.Email,
		DisplayHandle: displayHandle(CommerceCustomer{
			FirstName: c.FirstName, LastName: c.LastName}),
	}
	if err := s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "external_customer_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"email", "display_handle"}),
	}).Create(&user).Error; err != nil {
		return "", "", WrapErr(ErrTransient, err, "upsert customer")
	}
	return models.WebhookProcessed, "", nil
}

type orderPayload struct {
	ID                string             `json:"id"`
	OrderNumber       string             `json:"order_number"`
	CustomerID        string             `json:"customer_id"`
	FulfillmentStatus string             `json:"fulfillment_status"`
	CreatedAt         time.Time          `json:"created_at"`
	LineItems         []CommerceLineItem `json:"line_items"`
}

func (s *WebhookService) applyOrder(ctx context.Context, receipt *models.WebhookReceipt) (string, string, error) {
	var o orderPayload
	if err := json.Unmarshal(receipt.Body, &o); err != nil {
		return "", "", Errf(ErrValidation, "bad order payload: %v", err)
	}

	var user models.User
	if err := s.DB.Where("external_customer_id = ?", o.CustomerID).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.WebhookNoted, "customer not imported yet", nil
		}
		return "", "", WrapErr(ErrTransient, err, "lookup order customer")
	}

	status := o.FulfillmentStatus
	switch receipt.Kind {
	case "order.fulfilled":
		status = models.FulfillmentFulfilled
	case "order.delivered":
		status = models.FulfillmentDelivered
	}
	if status == "" {
		status = models.FulfillmentUnfulfilled
	}

	delivered := false
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, line := range o.LineItems {
			applied, err := upsertOrderLine(tx, user.ID, o.OrderNumber, o.CreatedAt, status, line)
			if err != nil {
				return err
			}
			if applied && status == models.FulfillmentDelivered {
				delivered = true
			}
		}
		return nil
	})
	if err != nil {
		return "", "", err
	}

	s.Bus.Publish(realtime.Event{
		Room: realtime.UserRoom(user.ID),
		Type: realtime.EventOrderUpdate,
		Payload: map[string]interface{}{
			"order_number": o.OrderNumber, "fulfillment_status": status,
		},
	})
	s.Bus.Publish(realtime.Event{
		Room: realtime.RoomCustomerOrders,
		Type: realtime.EventOrderUpdate,
		Payload: map[string]interface{}{
			"user_id": user.ID, "order_number": o.OrderNumber, "fulfillment_status": status,
		},
	})

	if delivered && s.Evaluator != nil {
		s.Evaluator.TriggerAsync(user.ID, models.EventKindDelivery)
	}
	return models.WebhookProcessed, "", nil
}

// upsertOrderLine writes one line, never regressing its fulfillment status.
// Returns whether the status actually moved forward.
func upsertOrderLine(tx *gorm.DB, userID, orderNumber string, orderDate time.Time, status string, line CommerceLineItem) (bool, error) {
	productID, err := resolveProduct(tx, line.ProductID)
	if err != nil {
		return false, err
	}

	var existing models.CustomerOrderItem
	err = tx.Where("external_line_id = ?", line.LineID).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		item := models.CustomerOrderItem{
			UserID:            userID,
			OrderNumber:       orderNumber,
			ProductID:         productID,
			SKU:               line.SKU,
			Quantity:          line.Quantity,
			FulfillmentStatus: status,
			OrderDate:         orderDate,
			ExternalLineID:    line.LineID,
		}
		if err := tx.Create(&item).Error; err != nil {
			return false, WrapErr(ErrTransient, err, "create order line")
		}
		return true, nil
	}
	if err != nil {
		return false, WrapErr(ErrTransient, err, "lookup order line")
	}

	if !models.FulfillmentAdvances(existing.FulfillmentStatus, status) {
		return false, nil
	}
	if err := tx.Model(&existing).Update("fulfillment_status", status).Error; err != nil {
		return false, WrapErr(ErrTransient, err, "advance order line")
	}
	return true, nil
}

// resolveProduct maps an external product id to the local row, creating a
// placeholder when the product webhook has not arrived yet.
func resolveProduct(tx *gorm.DB, externalID string) (string, error) {
	var product models.Product
	err := tx.Where("external_product_id = ?", externalID).First(&product).Error
	if err == nil {
		return product.ID, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", WrapErr(ErrTransient, err, "lookup product")
	}
	product = models.Product{ExternalProductID: externalID, Title: "Unknown product " + externalID}
	if err := tx.Create(&product).Error; err != nil {
		return "", WrapErr(ErrTransient, err, "create placeholder product")
	}
	log.Printf("🧩 [WEBHOOK] placeholder product created for external id %s", externalID)
	return product.ID, nil
}

// Receipts lists recent receipts for the admin surface.
func (s *WebhookService) Receipts(limit int, disposition string) ([]models.WebhookReceipt, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := s.DB.Order("created_at DESC").Limit(limit)
	if disposition != "" {
		q = q.Where("disposition = ?", disposition)
	}
	var rows []models.WebhookReceipt
	if err := q.Find(&rows).Error; err != nil {
		return nil, WrapErr(ErrTransient, err, "list webhook receipts")
	}
	return rows, nil
}

// PruneReceipts drops settled receipts older than the dedup window. Run from
// the scheduler.
func (s *WebhookService) PruneReceipts() (int64, error) {
	res := s.DB.Where("created_at < ? AND disposition <> ?",
		time.Now().Add(-webhookDedupWindow), models.WebhookPending).
		Delete(&models.WebhookReceipt{})
	if res.Error != nil {
		return 0, WrapErr(ErrTransient, res.Error, "prune webhook receipts")
	}
	return res.RowsAffected, nil
}

func mustJSON(v interface{}) []byte {
	raw, _ := json.Marshal(v)
	return raw
}
