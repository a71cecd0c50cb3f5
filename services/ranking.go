package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"jerky-rank-system/models"
	"jerky-rank-system/realtime"

	"gorm.io/gorm"
)

// RankInput is one entry of a client ranking snapshot.
type RankInput struct {
	ProductID string `json:"product_id"`
	Position  int    `json:"position"`
}

// SaveRankingResult is what a save (or its replay) returns.
type SaveRankingResult struct {
	Appended int     `json:"appended"` // events written: position changes + additions
	Removed  int     `json:"removed"`
	Total    int     `json:"total"` // size of the current ranking after the save
	Replayed bool    `json:"replayed,omitempty"`
	Awards   []Award `json:"awards,omitempty"`
}

// RankingService is the idempotent ingestion point for rank/rate/review
// mutations. A save atomically replaces the user's current ranking with the
// supplied snapshot by appending events; retried deliveries with the same
// idempotency key replay the stored result.
type RankingService struct {
	DB         *gorm.DB
	Evaluator  *Evaluator
	Classifier *ClassificationService
	Bus        realtime.Publisher
	Cache      Invalidator
}

func NewRankingService(db *gorm.DB, ev *Evaluator, cl *ClassificationService, bus realtime.Publisher, cache Invalidator) *RankingService {
	if bus == nil {
		bus = realtime.NopPublisher{}
	}
	return &RankingService{DB: db, Evaluator: ev, Classifier: cl, Bus: bus, Cache: cache}
}

func snapshotHash(entries []RankInput) string {
	sorted := make([]RankInput, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ProductID < sorted[j].ProductID })
	raw, _ := json.Marshal(sorted)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// SaveRanking validates, dedups, and applies one ranking snapshot.
func (s *RankingService) SaveRanking(ctx context.Context, userID string, entries []RankInput, idemKey string) (*SaveRankingResult, error) {
	if userID == "" {
		return nil, Errf(ErrNotAuthorized, "no authenticated user")
	}
	if idemKey == "" {
		return nil, Errf(ErrValidation, "idempotency key required")
	}

	var user models.User
	if err := s.DB.Where("id = ?", userID).First(&user).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, Errf(ErrNotAuthorized, "unknown user %s", userID)
		}
		return nil, WrapErr(ErrTransient, err, "load user")
	}

	if err := s.validate(entries); err != nil {
		return nil, err
	}
	if err := s.checkEligibility(&user, entries); err != nil {
		return nil, err
	}

	hash := snapshotHash(entries)

	// Replay / conflict check against prior receipts.
	if prior, err := s.replayFromReceipt(idemKey, hash); err != nil || prior != nil {
		return prior, err
	}

	result := &SaveRankingResult{Total: len(entries)}
	now := time.Now().UTC()

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if tx.Dialector.Name() == "postgres" {
			if err := tx.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", userID).Error; err != nil {
				return WrapErr(ErrTransient, err, "advisory lock")
			}
		}

		current, err := CurrentRanking(tx, userID)
		if err != nil {
			return err
		}

		inSnapshot := make(map[string]bool, len(entries))
		for _, e := range entries {
			inSnapshot[e.ProductID] = true
			cur, ok := current[e.ProductID]
			if ok && cur.Position == e.Position {
				continue // unchanged
			}
			evt := models.RankingEvent{
				UserID:         userID,
				ProductID:      e.ProductID,
				Position:       e.Position,
				OccurredAt:     now,
				IdempotencyKey: idemKey,
			}
			if err := tx.Create(&evt).Error; err != nil {
				return WrapErr(ErrTransient, err, "append ranking event")
			}
			result.Appended++
		}

		// Snapshot replace: anything currently ranked but absent is removed.
		for productID := range current {
			if inSnapshot[productID] {
				continue
			}
			evt := models.RankingEvent{
				UserID:         userID,
				ProductID:      productID,
				Position:       0,
				OccurredAt:     now,
				IdempotencyKey: idemKey,
			}
			if err := tx.Create(&evt).Error; err != nil {
				return WrapErr(ErrTransient, err, "append removal event")
			}
			result.Removed++
		}

		resultJSON, _ := json.Marshal(result)
		rec := models.RankingReceipt{
			UserID:         userID,
			IdempotencyKey: idemKey,
			PayloadHash:    hash,
			Result:         string(resultJSON),
		}
		if err := tx.Create(&rec).Error; err != nil {
			// Unique violation: a concurrent delivery with the same key won.
			return WrapErr(ErrConflict, err, "store receipt")
		}
		return nil
	})
	if err != nil {
		if KindOf(err) == ErrConflict {
			// Lost the same-key race inside the transaction; the winner's
			// receipt decides replay vs conflict, same as the pre-check.
			if prior, rerr := s.replayFromReceipt(idemKey, hash); rerr == nil && prior != nil {
				return prior, nil
			}
		}
		return nil, err
	}

	s.Bus.Publish(realtime.Event{
		Room:    realtime.UserRoom(userID),
		Type:    realtime.EventRankMutated,
		Payload: map[string]interface{}{"appended": result.Appended, "removed": result.Removed, "total": result.Total},
	})
	if s.Cache != nil {
		s.Cache.Invalidate(userID)
	}

	// Evaluation runs synchronously so the response can carry fresh awards;
	// classification piggybacks on the last full run's thresholds.
	if s.Evaluator != nil {
		awards, err := s.Evaluator.Evaluate(ctx, userID, models.EventKindRank)
		if err != nil {
			return nil, err
		}
		result.Awards = awards
	}
	if s.Classifier != nil {
		if err := s.Classifier.ClassifyUser(ctx, userID); err != nil {
			return nil, err
		}
	}

	// Persist the result enriched with awards so replays return them too.
	resultJSON, _ := json.Marshal(result)
	if err := s.DB.Model(&models.RankingReceipt{}).
		Where("idempotency_key = ?", idemKey).
		Update("result", string(resultJSON)).Error; err != nil {
		return nil, WrapErr(ErrTransient, err, "update receipt")
	}

	return result, nil
}

// replayFromReceipt returns the stored result for an idempotency key, marked
// as replayed. A payload-hash mismatch is a conflict; an unknown key returns
// nil, nil.
func (s *RankingService) replayFromReceipt(idemKey, hash string) (*SaveRankingResult, error) {
	var receipt models.RankingReceipt
	err := s.DB.Where("idempotency_key = ?", idemKey).First(&receipt).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, WrapErr(ErrTransient, err, "load receipt")
	}
	if receipt.PayloadHash != hash {
		return nil, Errf(ErrConflict, "idempotency key %s reused with a different payload", idemKey)
	}
	var prior SaveRankingResult
	if jerr := json.Unmarshal([]byte(receipt.Result), &prior); jerr != nil {
		return nil, WrapErr(ErrBug, jerr, "stored receipt is unreadable")
	}
	prior.Replayed = true
	return &prior, nil
}

func (s *RankingService) validate(entries []RankInput) error {
	seenPos := make(map[int]bool, len(entries))
	seenProduct := make(map[string]bool, len(entries))
	for _, e := range entries {
		if e.Position < 1 {
			return &ServiceError{Kind: ErrValidation, Msg: "positions must be positive integers",
				Fields: map[string]string{"product_id": e.ProductID, "position": fmt.Sprint(e.Position)}}
		}
		if seenPos[e.Position] {
			return &ServiceError{Kind: ErrValidation, Msg: "duplicate position in snapshot",
				Fields: map[string]string{"position": fmt.Sprint(e.Position)}}
		}
		if seenProduct[e.ProductID] {
			return &ServiceError{Kind: ErrValidation, Msg: "duplicate product in snapshot",
				Fields: map[string]string{"product_id": e.ProductID}}
		}
		seenPos[e.Position] = true
		seenProduct[e.ProductID] = true
	}
	return nil
}

// checkEligibility enforces: rankable iff user is admin OR the product is
// force-rankable OR the user has a fulfilled/delivered order item for it.
func (s *RankingService) checkEligibility(user *models.User, entries []RankInput) error {
	if len(entries) == 0 {
		return nil
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ProductID)
	}

	var products []models.Product
	if err := s.DB.Where("id IN ?", ids).Find(&products).Error; err != nil {
		return WrapErr(ErrTransient, err, "load products")
	}
	byID := make(map[string]*models.Product, len(products))
	for i := range products {
		byID[products[i].ID] = &products[i]
	}

	var fulfilled []string
	if err := s.DB.Model(&models.CustomerOrderItem{}).
		Where("user_id = ? AND product_id IN ? AND fulfillment_status IN ?",
			user.ID, ids, []string{models.FulfillmentFulfilled, models.FulfillmentDelivered}).
		Distinct().Pluck("product_id", &fulfilled).Error; err != nil {
		return WrapErr(ErrTransient, err, "load order items")
	}
	owned := make(map[string]bool, len(fulfilled))
	for _, id := range fulfilled {
		owned[id] = true
	}

	for _, e := range entries {
		p, ok := byID[e.ProductID]
		if !ok {
			return &ServiceError{Kind: ErrValidation, Msg: "unknown product",
				Fields: map[string]string{"product_id": e.ProductID}}
		}
		if user.IsAdmin() || p.ForceRankable || owned[p.ID] {
			continue
		}
		return &ServiceError{Kind: ErrIneligible, Msg: "product not rankable for this user",
			Fields: map[string]string{"product_id": e.ProductID}}
	}
	return nil
}

// RecordEngagement appends a rate/review/login event and kicks evaluation.
// Duplicate idempotency keys are dropped silently.
func (s *RankingService) RecordEngagement(ctx context.Context, userID, kind, productID string, value int, idemKey string) error {
	switch kind {
	case models.EventKindRate, models.EventKindReview, models.EventKindLogin:
	default:
		return Errf(ErrValidation, "unsupported engagement kind %q", kind)
	}
	if idemKey != "" {
		var n int64
		if err := s.DB.Model(&models.EngagementEvent{}).
			Where("user_id = ? AND idempotency_key = ?", userID, idemKey).
			Count(&n).Error; err != nil {
			return WrapErr(ErrTransient, err, "check engagement dedup")
		}
		if n > 0 {
			return nil
		}
	}
	evt := models.EngagementEvent{
		UserID:         userID,
		Kind:           kind,
		ProductID:      productID,
		Value:          value,
		OccurredAt:     time.Now().UTC(),
		IdempotencyKey: idemKey,
	}
	if err := s.DB.WithContext(ctx).Create(&evt).Error; err != nil {
		return WrapErr(ErrTransient, err, "append engagement event")
	}
	if s.Evaluator != nil {
		s.Evaluator.TriggerAsync(userID, kind)
	}
	if s.Cache != nil {
		s.Cache.Invalidate(userID)
	}
	return nil
}
