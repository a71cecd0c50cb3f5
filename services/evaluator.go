package services

import (
	"context"
	"log"
	"sync"
	"time"

	"jerky-rank-system/models"
	"jerky-rank-system/realtime"

	"gorm.io/gorm"
)

// Award is one achievement state change produced by an evaluation.
type Award struct {
	Code          string `json:"code"`
	Name          string `json:"name"`
	IconURL       string `json:"icon_url,omitempty"`
	FromTier      string `json:"from_tier"`
	Tier          string `json:"tier"`
	Points        int64  `json:"points"`
	IsTierUpgrade bool   `json:"is_tier_upgrade"`
	Hidden        bool   `json:"hidden,omitempty"`
}

// Invalidator is the slice of the progress cache the evaluator needs.
type Invalidator interface {
	Invalidate(userID string)
}

// Evaluator computes achievement deltas for a user after a triggering event.
// Evaluation for one user is serialized; concurrent triggers for the same
// user coalesce into a single re-read. Tiers only ratchet upward; points are
// recomputed from the tier column so replays converge.
type Evaluator struct {
	DB       *gorm.DB
	Registry *CoinRegistry
	Bus      realtime.Publisher
	Cache    Invalidator

	locks keyedMutex

	mu      sync.Mutex
	pending map[string]*pendingTrigger
}

type pendingTrigger struct {
	busy   bool
	queued string
	has    bool
}

func NewEvaluator(db *gorm.DB, registry *CoinRegistry, bus realtime.Publisher, cache Invalidator) *Evaluator {
	if bus == nil {
		bus = realtime.NopPublisher{}
	}
	return &Evaluator{
		DB:       db,
		Registry: registry,
		Bus:      bus,
		Cache:    cache,
		pending:  make(map[string]*pendingTrigger),
	}
}

// TriggerAsync schedules an evaluation without blocking the caller. While one
// is running, further triggers for the same user collapse into one follow-up
// evaluation of the latest kind.
func (ev *Evaluator) TriggerAsync(userID, kind string) {
	ev.mu.Lock()
	st, ok := ev.pending[userID]
	if !ok {
		st = &pendingTrigger{}
		ev.pending[userID] = st
	}
	if st.busy {
		st.queued = kind
		st.has = true
		ev.mu.Unlock()
		return
	}
	st.busy = true
	ev.mu.Unlock()

	go func() {
		current := kind
		for {
			if _, err := ev.Evaluate(context.Background(), userID, current); err != nil {
				log.Printf("[EVAL] ⚠️ evaluation failed for user %s (%s): %v", userID, current, err)
			}
			ev.mu.Lock()
			if st.has {
				current = st.queued
				st.has = false
				ev.mu.Unlock()
				continue
			}
			st.busy = false
			delete(ev.pending, userID)
			ev.mu.Unlock()
			return
		}
	}()
}

// Evaluate runs one evaluation for (user, trigger kind) and returns the newly
// earned or upgraded achievements. Safe to call concurrently; per-user runs
// are serialized in-process, and cross-process by an advisory lock.
func (ev *Evaluator) Evaluate(ctx context.Context, userID, kind string) ([]Award, error) {
	unlock := ev.locks.Lock(userID)
	defer unlock()

	defs, err := ev.Registry.Definitions()
	if err != nil {
		return nil, err
	}

	proj, err := LoadProjection(ev.DB, userID)
	if err != nil {
		return nil, err
	}

	var awards []Award
	err = ev.DB.Transaction(func(tx *gorm.DB) error {
		if tx.Dialector.Name() == "postgres" {
			if err := tx.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", userID).Error; err != nil {
				return WrapErr(ErrTransient, err, "advisory lock")
			}
		}

		var rows []models.UserAchievement
		if err := tx.Where("user_id = ?", userID).Find(&rows).Error; err != nil {
			return WrapErr(ErrTransient, err, "load user achievements")
		}
		byCoin := make(map[string]*models.UserAchievement, len(rows))
		for i := range rows {
			byCoin[rows[i].CoinID] = &rows[i]
		}

		now := time.Now().UTC()
		for i := range defs {
			def := &defs[i]
			if !def.TriggeredBy(kind) {
				continue
			}
			progress, err := EvaluatePredicate(def, proj)
			if err != nil {
				// A bad predicate is a catalog bug; log loudly, skip the coin,
				// keep the rest of the evaluation alive.
				log.Printf("[EVAL] 🐛 %v", err)
				continue
			}

			row := byCoin[def.ID]
			curTier := models.TierNone
			if row != nil {
				curTier = row.CurrentTier
			}
			newTier := def.TierForCount(progress)

			if models.TierOrdinal(newTier) <= models.TierOrdinal(curTier) {
				// Ratchet: never downgrade. Keep the progress counter honest.
				if row != nil && row.Progress != progress {
					if err := tx.Model(row).Update("progress", progress).Error; err != nil {
						return WrapErr(ErrTransient, err, "update progress")
					}
				}
				continue
			}

			points := int64(float64(def.PointsThroughTier(newTier)) * ev.Registry.Multiplier(def.CollectionType))
			if row == nil {
				row = &models.UserAchievement{
					UserID:         userID,
					CoinID:         def.ID,
					CurrentTier:    newTier,
					Progress:       progress,
					PointsAwarded:  points,
					FirstEarnedAt:  &now,
					LastUpgradedAt: &now,
				}
				if err := tx.Create(row).Error; err != nil {
					return WrapErr(ErrTransient, err, "create user achievement")
				}
			} else {
				updates := map[string]interface{}{
					"current_tier":     newTier,
					"progress":         progress,
					"points_awarded":   points,
					"last_upgraded_at": now,
				}
				if row.FirstEarnedAt == nil {
					updates["first_earned_at"] = now
				}
				if err := tx.Model(row).Updates(updates).Error; err != nil {
					return WrapErr(ErrTransient, err, "upgrade user achievement")
				}
			}

			awards = append(awards, Award{
				Code:          def.Code,
				Name:          def.Name,
				IconURL:       def.IconURL,
				FromTier:      curTier,
				Tier:          newTier,
				Points:        points,
				IsTierUpgrade: models.TierOrdinal(curTier) > 0,
				Hidden:        def.Hidden,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, a := range awards {
		evtType := realtime.EventAchievementEarned
		if a.IsTierUpgrade {
			evtType = realtime.EventTierUpgrade
		}
		ev.Bus.Publish(realtime.Event{
			Room:    realtime.UserRoom(userID),
			Type:    evtType,
			Payload: a,
		})
		log.Printf("🎖️ Coin awarded: %s (%s) → %s", a.Code, a.Tier, userID)
	}
	if len(awards) > 0 && ev.Cache != nil {
		ev.Cache.Invalidate(userID)
	}
	return awards, nil
}

// keyedMutex hands out one mutex per key, reclaiming entries when the last
// holder releases.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	sem  chan struct{}
	refs int
}

func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*lockEntry)
	}
	e, ok := k.locks[key]
	if !ok {
		e = &lockEntry{sem: make(chan struct{}, 1)}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.sem <- struct{}{}
	return func() {
		<-e.sem
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
