package services

import (
	"context"
	"log"
	"math"
	"sort"
	"time"

	"jerky-rank-system/models"
	"jerky-rank-system/realtime"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// classificationLockID is the advisory lock key for the nightly full run.
const classificationLockID = 7461

// noExplorerSentinel marks "no explorer boundary" in persisted thresholds.
const noExplorerSentinel = math.MaxFloat64 / 2

// ClassificationService assigns each (user, flavor-profile) pair one of six
// lifecycle states. The nightly full run computes population percentiles; the
// per-event incremental path reuses the last run's boundaries, so it can lag
// the true population by up to a day.
type ClassificationService struct {
	DB  *gorm.DB
	Bus realtime.Publisher
}

func NewClassificationService(db *gorm.DB, bus realtime.Publisher) *ClassificationService {
	if bus == nil {
		bus = realtime.NopPublisher{}
	}
	return &ClassificationService{DB: db, Bus: bus}
}

// Config returns the singleton community config, creating defaults if absent.
func (s *ClassificationService) Config() (*models.FlavorCommunityConfig, error) {
	var cfg models.FlavorCommunityConfig
	err := s.DB.First(&cfg).Error
	if err == gorm.ErrRecordNotFound {
		cfg = models.FlavorCommunityConfig{
			MinProducts:       3,
			EnthusiastTopPct:  25,
			ExplorerBottomPct: 25,
			DeliveredStatus:   models.FulfillmentDelivered,
		}
		if err := s.DB.Create(&cfg).Error; err != nil {
			return nil, WrapErr(ErrTransient, err, "create community config")
		}
		return &cfg, nil
	}
	if err != nil {
		return nil, WrapErr(ErrTransient, err, "load community config")
	}
	return &cfg, nil
}

// UpdateConfig applies the admin-edited fields after validation.
func (s *ClassificationService) UpdateConfig(minProducts int, topPct, bottomPct float64, deliveredStatus string) (*models.FlavorCommunityConfig, error) {
	cfg, err := s.Config()
	if err != nil {
		return nil, err
	}
	next := *cfg
	next.MinProducts = minProducts
	next.EnthusiastTopPct = topPct
	next.ExplorerBottomPct = bottomPct
	if deliveredStatus != "" {
		next.DeliveredStatus = deliveredStatus
	}
	if !next.Valid() {
		return nil, Errf(ErrValidation, "invalid community config: min_products>=1, percentiles in [0,100], sum<=100")
	}
	if err := s.DB.Save(&next).Error; err != nil {
		return nil, WrapErr(ErrTransient, err, "save community config")
	}
	return &next, nil
}

// profileStats are the per-(user, profile) classification inputs.
type profileStats struct {
	userID      string
	purchased   bool
	delivered   bool
	rankedCount int
	avgPosition float64
}

// assignPrethresholdState handles rules 1-3; returns "" when the user
// qualifies for the percentile cohort.
func assignPrethresholdState(st profileStats, minProducts int) string {
	if st.rankedCount >= minProducts {
		return ""
	}
	switch {
	case st.delivered:
		return models.FlavorStateTaster
	case st.purchased:
		return models.FlavorStateSeeker
	default:
		return models.FlavorStateCurious
	}
}

// classifyAgainstThresholds handles rule 4 for a qualifying user. An empty
// cohort means the boundaries are meaningless; the user stays a taster until
// the population exists.
func classifyAgainstThresholds(avg float64, th models.ProfileThresholds) string {
	if th.CohortSize < 1 {
		return models.FlavorStateTaster
	}
	if avg <= th.EnthusiastMaxAvg {
		return models.FlavorStateEnthusiast
	}
	if avg >= th.ExplorerMinAvg {
		return models.FlavorStateExplorer
	}
	return models.FlavorStateModerate
}

// computeThresholds derives percentile boundaries for one profile's cohort.
// Sorting ties by user id keeps runs deterministic; because boundaries are
// inclusive on avg-position, every member of a tie group lands on the same
// side.
func computeThresholds(cohort []profileStats, topPct, bottomPct float64, at time.Time) models.ProfileThresholds {
	th := models.ProfileThresholds{CohortSize: len(cohort), ComputedAt: at}
	if len(cohort) == 0 {
		th.ExplorerMinAvg = noExplorerSentinel
		th.EnthusiastMaxAvg = -1
		return th
	}
	sort.Slice(cohort, func(i, j int) bool {
		if cohort[i].avgPosition != cohort[j].avgPosition {
			return cohort[i].avgPosition < cohort[j].avgPosition
		}
		return cohort[i].userID < cohort[j].userID
	})
	n := len(cohort)
	nTop := int(math.Floor(float64(n) * topPct / 100))
	nBottom := int(math.Floor(float64(n) * bottomPct / 100))

	if nTop > 0 {
		th.EnthusiastMaxAvg = cohort[nTop-1].avgPosition
	} else {
		th.EnthusiastMaxAvg = -1
	}
	if nBottom > 0 {
		th.ExplorerMinAvg = cohort[n-nBottom].avgPosition
	} else {
		th.ExplorerMinAvg = noExplorerSentinel
	}
	return th
}

// FullRun recomputes every user's state for every profile and persists fresh
// percentile thresholds. Held under a global advisory lock so only one full
// run executes at a time across processes; incremental updates do not take it.
func (s *ClassificationService) FullRun(ctx context.Context) error {
	cfg, err := s.Config()
	if err != nil {
		return err
	}

	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if tx.Dialector.Name() == "postgres" {
			if err := tx.Exec("SELECT pg_advisory_xact_lock(?)", classificationLockID).Error; err != nil {
				return WrapErr(ErrTransient, err, "classification advisory lock")
			}
		}

		stats, err := s.collectAllStats(tx, cfg)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		thresholds := make(map[string]models.ProfileThresholds, len(models.FlavorProfiles))
		var upserts []models.FlavorProfileState

		for _, profile := range models.FlavorProfiles {
			perUser := stats[profile]
			var cohort []profileStats
			for _, st := range perUser {
				if st.rankedCount >= cfg.MinProducts {
					cohort = append(cohort, st)
				}
			}
			th := computeThresholds(cohort, cfg.EnthusiastTopPct, cfg.ExplorerBottomPct, now)
			thresholds[profile] = th

			for _, st := range perUser {
				state := assignPrethresholdState(st, cfg.MinProducts)
				if state == "" {
					state = classifyAgainstThresholds(st.avgPosition, th)
				}
				upserts = append(upserts, models.FlavorProfileState{
					UserID:        st.userID,
					FlavorProfile: profile,
					State:         state,
					ComputedAt:    now,
					Purchased:     st.purchased,
					Delivered:     st.delivered,
					RankedCount:   st.rankedCount,
					AvgPosition:   st.avgPosition,
				})
			}
		}

		if len(upserts) > 0 {
			if err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "user_id"}, {Name: "flavor_profile"}},
				DoUpdates: clause.AssignmentColumns([]string{
					"state", "computed_at", "purchased", "delivered",
					"ranked_count", "avg_position", "updated_at",
				}),
			}).CreateInBatches(&upserts, 500).Error; err != nil {
				return WrapErr(ErrTransient, err, "upsert flavor profile states")
			}
		}

		cfg.LastRunThresholds = thresholds
		cfg.LastFullRunAt = &now
		if err := tx.Save(cfg).Error; err != nil {
			return WrapErr(ErrTransient, err, "persist run thresholds")
		}

		log.Printf("[CLASSIFY] ✅ full run: %d state rows across %d profiles", len(upserts), len(models.FlavorProfiles))
		return nil
	})
}

// ClassifyUser refreshes one user's rows using the last full run's
// thresholds. Called from the evaluator path and import workers; never takes
// the global lock.
func (s *ClassificationService) ClassifyUser(ctx context.Context, userID string) error {
	cfg, err := s.Config()
	if err != nil {
		return err
	}

	stats, err := s.collectUserStats(s.DB.WithContext(ctx), cfg, userID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	var upserts []models.FlavorProfileState
	var changedProfiles []string

	for _, profile := range models.FlavorProfiles {
		st := stats[profile]
		st.userID = userID
		state := assignPrethresholdState(st, cfg.MinProducts)
		if state == "" {
			th, ok := cfg.LastRunThresholds[profile]
			if !ok {
				th = models.ProfileThresholds{} // no run yet: cohort 0 → taster
			}
			state = classifyAgainstThresholds(st.avgPosition, th)
		}
		upserts = append(upserts, models.FlavorProfileState{
			UserID:        userID,
			FlavorProfile: profile,
			State:         state,
			ComputedAt:    now,
			Purchased:     st.purchased,
			Delivered:     st.delivered,
			RankedCount:   st.rankedCount,
			AvgPosition:   st.avgPosition,
		})
		changedProfiles = append(changedProfiles, profile)
	}

	if err := s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "flavor_profile"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"state", "computed_at", "purchased", "delivered",
			"ranked_count", "avg_position", "updated_at",
		}),
	}).Create(&upserts).Error; err != nil {
		return WrapErr(ErrTransient, err, "upsert flavor profile states")
	}

	s.Bus.Publish(realtime.Event{
		Room:    realtime.UserRoom(userID),
		Type:    realtime.EventCommunityUpdate,
		Payload: map[string]interface{}{"profiles": changedProfiles},
	})
	return nil
}

// States returns the user's current per-profile states.
func (s *ClassificationService) States(userID string) ([]models.FlavorProfileState, error) {
	var states []models.FlavorProfileState
	if err := s.DB.Where("user_id = ?", userID).Order("flavor_profile ASC").Find(&states).Error; err != nil {
		return nil, WrapErr(ErrTransient, err, "load flavor profile states")
	}
	return states, nil
}

// collectAllStats builds per-profile stats for the whole population in a
// small number of scans: one over product metadata, one over order items, one
// over the ranking log.
func (s *ClassificationService) collectAllStats(tx *gorm.DB, cfg *models.FlavorCommunityConfig) (map[string]map[string]profileStats, error) {
	tagsByProduct, err := productTags(tx)
	if err != nil {
		return nil, err
	}

	out := make(map[string]map[string]profileStats, len(models.FlavorProfiles))
	for _, p := range models.FlavorProfiles {
		out[p] = make(map[string]profileStats)
	}
	get := func(profile, userID string) profileStats {
		st, ok := out[profile][userID]
		if !ok {
			st = profileStats{userID: userID}
		}
		return st
	}

	// Order items → purchased / delivered flags.
	var items []models.CustomerOrderItem
	if err := tx.Select("user_id", "product_id", "fulfillment_status").
		FindInBatches(&items, 2000, func(batch *gorm.DB, _ int) error {
			for _, it := range items {
				for _, profile := range tagsByProduct[it.ProductID] {
					st := get(profile, it.UserID)
					if it.FulfillmentStatus == cfg.DeliveredStatus {
						st.delivered = true
					} else {
						st.purchased = true
					}
					out[profile][it.UserID] = st
				}
			}
			return nil
		}).Error; err != nil {
		return nil, WrapErr(ErrTransient, err, "scan order items")
	}

	// Ranking log → current ranking per user, streamed by seq cursor.
	ranksByUser := map[string]map[string]int{}
	cursor := int64(0)
	for {
		var events []models.RankingEvent
		if err := tx.Where("seq > ?", cursor).Order("seq ASC").Limit(5000).Find(&events).Error; err != nil {
			return nil, WrapErr(ErrTransient, err, "scan ranking events")
		}
		if len(events) == 0 {
			break
		}
		for _, e := range events {
			ranks := ranksByUser[e.UserID]
			if ranks == nil {
				ranks = map[string]int{}
				ranksByUser[e.UserID] = ranks
			}
			if e.Removed() {
				delete(ranks, e.ProductID)
			} else {
				ranks[e.ProductID] = e.Position
			}
		}
		cursor = events[len(events)-1].Seq
	}

	// Every known user gets a row per profile, inactive ones as curious.
	var userIDs []string
	if err := tx.Model(&models.User{}).Pluck("id", &userIDs).Error; err != nil {
		return nil, WrapErr(ErrTransient, err, "list users")
	}
	for _, profile := range models.FlavorProfiles {
		for _, uid := range userIDs {
			if _, ok := out[profile][uid]; !ok {
				out[profile][uid] = profileStats{userID: uid}
			}
		}
	}

	type rankAgg struct {
		sum   int
		count int
	}
	for userID, ranks := range ranksByUser {
		agg := map[string]*rankAgg{}
		for productID, position := range ranks {
			for _, profile := range tagsByProduct[productID] {
				a := agg[profile]
				if a == nil {
					a = &rankAgg{}
					agg[profile] = a
				}
				a.sum += position
				a.count++
			}
		}
		for profile, a := range agg {
			st := get(profile, userID)
			st.rankedCount = a.count
			st.avgPosition = float64(a.sum) / float64(a.count)
			out[profile][userID] = st
		}
	}

	return out, nil
}

// collectUserStats is the single-user variant of collectAllStats.
func (s *ClassificationService) collectUserStats(tx *gorm.DB, cfg *models.FlavorCommunityConfig, userID string) (map[string]profileStats, error) {
	tagsByProduct, err := productTags(tx)
	if err != nil {
		return nil, err
	}

	out := make(map[string]profileStats, len(models.FlavorProfiles))

	var items []models.CustomerOrderItem
	if err := tx.Select("product_id", "fulfillment_status").
		Where("user_id = ?", userID).Find(&items).Error; err != nil {
		return nil, WrapErr(ErrTransient, err, "load order items")
	}
	for _, it := range items {
		for _, profile := range tagsByProduct[it.ProductID] {
			st := out[profile]
			if it.FulfillmentStatus == cfg.DeliveredStatus {
				st.delivered = true
			} else {
				st.purchased = true
			}
			out[profile] = st
		}
	}

	ranks, err := CurrentRanking(tx, userID)
	if err != nil {
		return nil, err
	}
	type rankAgg struct {
		sum   int
		count int
	}
	agg := map[string]*rankAgg{}
	for productID, entry := range ranks {
		for _, profile := range tagsByProduct[productID] {
			a := agg[profile]
			if a == nil {
				a = &rankAgg{}
				agg[profile] = a
			}
			a.sum += entry.Position
			a.count++
		}
	}
	for profile, a := range agg {
		st := out[profile]
		st.rankedCount = a.count
		st.avgPosition = float64(a.sum) / float64(a.count)
		out[profile] = st
	}
	return out, nil
}

func productTags(tx *gorm.DB) (map[string][]string, error) {
	var meta []models.ProductMetadata
	if err := tx.Find(&meta).Error; err != nil {
		return nil, WrapErr(ErrTransient, err, "load product metadata")
	}
	tags := make(map[string][]string, len(meta))
	for _, m := range meta {
		var valid []string
		for _, t := range m.FlavorTags {
			if models.IsFlavorProfile(t) {
				valid = append(valid, t)
			}
		}
		tags[m.ProductID] = valid
	}
	return tags, nil
}
