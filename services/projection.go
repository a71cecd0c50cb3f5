package services

import (
	"sort"
	"time"

	"jerky-rank-system/models"

	"gorm.io/gorm"
)

// RankEntry is the authoritative position of one product in a user's ranking.
type RankEntry struct {
	ProductID  string
	Position   int
	OccurredAt time.Time
	Seq        int64
}

// CurrentRanking folds the append-only event log into the latest position per
// product. Removal events (position 0) drop the product.
func CurrentRanking(db *gorm.DB, userID string) (map[string]RankEntry, error) {
	var events []models.RankingEvent
	if err := db.Where("user_id = ?", userID).Order("seq ASC").Find(&events).Error; err != nil {
		return nil, WrapErr(ErrTransient, err, "load ranking events")
	}
	return foldRanking(events), nil
}

func foldRanking(events []models.RankingEvent) map[string]RankEntry {
	ranks := make(map[string]RankEntry)
	for _, e := range events {
		if e.Removed() {
			delete(ranks, e.ProductID)
			continue
		}
		ranks[e.ProductID] = RankEntry{
			ProductID:  e.ProductID,
			Position:   e.Position,
			OccurredAt: e.OccurredAt,
			Seq:        e.Seq,
		}
	}
	return ranks
}

// Projection is the per-user read model the predicate interpreters run
// against. Building it is the only I/O an evaluation does.
type Projection struct {
	UserID string
	Now    time.Time

	Ranks          map[string]RankEntry // current ranking
	RankEvents     []models.RankingEvent
	Engagements    []models.EngagementEvent
	DeliveredCount int64

	Products map[string]models.Product
	Meta     map[string]models.ProductMetadata

	// Whole-catalog protein index, needed by dynamic collections.
	CatalogByProtein map[string][]string
}

// LoadProjection reads everything a single evaluation needs in one pass.
func LoadProjection(db *gorm.DB, userID string) (*Projection, error) {
	p := &Projection{
		UserID:           userID,
		Now:              time.Now().UTC(),
		Products:         make(map[string]models.Product),
		Meta:             make(map[string]models.ProductMetadata),
		CatalogByProtein: make(map[string][]string),
	}

	if err := db.Where("user_id = ?", userID).Order("seq ASC").Find(&p.RankEvents).Error; err != nil {
		return nil, WrapErr(ErrTransient, err, "load ranking events")
	}
	p.Ranks = foldRanking(p.RankEvents)

	if err := db.Where("user_id = ?", userID).Order("occurred_at ASC").Find(&p.Engagements).Error; err != nil {
		return nil, WrapErr(ErrTransient, err, "load engagement events")
	}

	if err := db.Model(&models.CustomerOrderItem{}).
		Where("user_id = ? AND fulfillment_status = ?", userID, models.FulfillmentDelivered).
		Count(&p.DeliveredCount).Error; err != nil {
		return nil, WrapErr(ErrTransient, err, "count delivered items")
	}

	var products []models.Product
	if err := db.Find(&products).Error; err != nil {
		return nil, WrapErr(ErrTransient, err, "load products")
	}
	for _, pr := range products {
		p.Products[pr.ID] = pr
	}

	var meta []models.ProductMetadata
	if err := db.Find(&meta).Error; err != nil {
		return nil, WrapErr(ErrTransient, err, "load product metadata")
	}
	for _, m := range meta {
		p.Meta[m.ProductID] = m
		if m.ProteinCategory != "" {
			p.CatalogByProtein[m.ProteinCategory] = append(p.CatalogByProtein[m.ProteinCategory], m.ProductID)
		}
	}
	return p, nil
}

// FlavorTags returns the flavor tags of a product (empty when untagged).
func (p *Projection) FlavorTags(productID string) []string {
	if m, ok := p.Meta[productID]; ok {
		return m.FlavorTags
	}
	return nil
}

// rankEventDays collects the distinct UTC days on which the user produced
// events of the given kind, sorted ascending.
func (p *Projection) eventDays(kind string) []time.Time {
	seen := make(map[string]time.Time)
	add := func(t time.Time) {
		day := t.UTC().Truncate(24 * time.Hour)
		seen[day.Format("2006-01-02")] = day
	}
	switch kind {
	case models.EventKindRank:
		for _, e := range p.RankEvents {
			if !e.Removed() {
				add(e.OccurredAt)
			}
		}
	default:
		for _, e := range p.Engagements {
			if e.Kind == kind {
				add(e.OccurredAt)
			}
		}
	}
	days := make([]time.Time, 0, len(seen))
	for _, d := range seen {
		days = append(days, d)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
	return days
}

// LongestDailyStreak is the longest run of consecutive days in the kind's
// event history.
func (p *Projection) LongestDailyStreak(kind string) int {
	days := p.eventDays(kind)
	best, run := 0, 0
	for i, d := range days {
		if i > 0 && days[i-1].Add(24*time.Hour).Equal(d) {
			run++
		} else {
			run = 1
		}
		if run > best {
			best = run
		}
	}
	return best
}

// CurrentDailyStreak counts consecutive days of activity ending today (or
// yesterday, so a streak is not broken before the day is over).
func (p *Projection) CurrentDailyStreak(kind string) int {
	days := p.eventDays(kind)
	if len(days) == 0 {
		return 0
	}
	today := p.Now.Truncate(24 * time.Hour)
	last := days[len(days)-1]
	if last.Before(today.Add(-24 * time.Hour)) {
		return 0
	}
	run := 1
	for i := len(days) - 1; i > 0; i-- {
		if days[i-1].Add(24 * time.Hour).Equal(days[i]) {
			run++
		} else {
			break
		}
	}
	return run
}
