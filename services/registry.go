package services

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"jerky-rank-system/models"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const registryTTL = 5 * time.Minute

// CoinRegistry is the process-wide cache of coin definitions plus the
// per-collection-type config. Loaded on first use, invalidated on admin
// mutation, never served stale beyond the TTL.
type CoinRegistry struct {
	DB *gorm.DB

	mu       sync.RWMutex
	defs     []models.CoinDefinition
	byCode   map[string]*models.CoinDefinition
	typeCfg  map[string]models.CoinTypeConfig
	loadedAt time.Time
}

func NewCoinRegistry(db *gorm.DB) *CoinRegistry {
	return &CoinRegistry{DB: db}
}

// Definitions returns enabled definitions whose collection type is enabled.
func (r *CoinRegistry) Definitions() ([]models.CoinDefinition, error) {
	if err := r.ensureFresh(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.CoinDefinition, 0, len(r.defs))
	for _, d := range r.defs {
		if !d.Enabled {
			continue
		}
		if cfg, ok := r.typeCfg[d.CollectionType]; ok && !cfg.Enabled {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// ByCode looks a definition up regardless of the enabled flags.
func (r *CoinRegistry) ByCode(code string) (*models.CoinDefinition, error) {
	if err := r.ensureFresh(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byCode[code]
	if !ok {
		return nil, Errf(ErrNotFound, "unknown coin code %q", code)
	}
	cp := *d
	return &cp, nil
}

// Multiplier returns the points multiplier for a collection type (default 1).
func (r *CoinRegistry) Multiplier(collectionType string) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if cfg, ok := r.typeCfg[collectionType]; ok && cfg.PointsMultiplier > 0 {
		return cfg.PointsMultiplier
	}
	return 1
}

// Invalidate forces a reload on next read. Call after any admin mutation.
func (r *CoinRegistry) Invalidate() {
	r.mu.Lock()
	r.loadedAt = time.Time{}
	r.mu.Unlock()
}

func (r *CoinRegistry) ensureFresh() error {
	r.mu.RLock()
	fresh := time.Since(r.loadedAt) < registryTTL
	r.mu.RUnlock()
	if fresh {
		return nil
	}
	return r.reload()
}

func (r *CoinRegistry) reload() error {
	var defs []models.CoinDefinition
	if err := r.DB.Order("code ASC").Find(&defs).Error; err != nil {
		return WrapErr(ErrTransient, err, "load achievement definitions")
	}
	var cfgs []models.CoinTypeConfig
	if err := r.DB.Find(&cfgs).Error; err != nil {
		return WrapErr(ErrTransient, err, "load coin type config")
	}

	byCode := make(map[string]*models.CoinDefinition, len(defs))
	for i := range defs {
		byCode[defs[i].Code] = &defs[i]
	}
	typeCfg := make(map[string]models.CoinTypeConfig, len(cfgs))
	for _, c := range cfgs {
		typeCfg[c.CollectionType] = c
	}

	r.mu.Lock()
	r.defs = defs
	r.byCode = byCode
	r.typeCfg = typeCfg
	r.loadedAt = time.Now()
	r.mu.Unlock()
	return nil
}

func mustParams(v interface{}) datatypes.JSON {
	raw, _ := json.Marshal(v)
	return datatypes.JSON(raw)
}

// SeedCoinDefinitions are installed on first boot when the catalog is empty.
// One-shot coins are modeled as a single bronze rung so the evaluator has one
// uniform tier path.
var SeedCoinDefinitions = []models.CoinDefinition{
	{
		Code: "ranker", Name: "Ranker", Category: "ranking",
		Description:    "Rank jerky to climb the tiers.",
		CollectionType: models.CollectionEngagement,
		PredicateKind:  models.PredicateCounter,
		PredicateParams: mustParams(map[string]interface{}{"event_kind": "rank", "distinct": true}),
		TriggerKinds:   []string{models.EventKindRank},
		Tiers: []models.TierSpec{
			{Tier: models.TierBronze, Required: 5, Points: 10},
			{Tier: models.TierSilver, Required: 25, Points: 40},
			{Tier: models.TierGold, Required: 100, Points: 200},
		},
	},
	{
		Code: "spice-lord", Name: "Spice Lord", Category: "flavor",
		Description:    "Rank spicy jerky.",
		CollectionType: models.CollectionFlavorCoin,
		PredicateKind:  models.PredicateCounter,
		PredicateParams: mustParams(map[string]interface{}{"event_kind": "rank", "distinct": true, "flavor_tag": "spicy"}),
		TriggerKinds:   []string{models.EventKindRank},
		Tiers: []models.TierSpec{
			{Tier: models.TierBronze, Required: 3, Points: 15},
			{Tier: models.TierSilver, Required: 10, Points: 50},
			{Tier: models.TierGold, Required: 25, Points: 150},
		},
	},
	{
		Code: "daily-devotee", Name: "Daily Devotee", Category: "engagement",
		Description:    "Keep a daily ranking streak going.",
		CollectionType: models.CollectionEngagement,
		PredicateKind:  models.PredicateStreak,
		PredicateParams: mustParams(map[string]interface{}{"event_kind": "rank"}),
		TriggerKinds:   []string{models.EventKindRank, models.EventKindLogin},
		Tiers: []models.TierSpec{
			{Tier: models.TierBronze, Required: 3, Points: 10},
			{Tier: models.TierSilver, Required: 7, Points: 30},
			{Tier: models.TierGold, Required: 30, Points: 120},
		},
	},
	{
		Code: "flavor-tourist", Name: "Flavor Tourist", Category: "flavor",
		Description:    "Place different flavor profiles in your top ten.",
		CollectionType: models.CollectionFlavorCoin,
		PredicateKind:  models.PredicateSetCoverage,
		PredicateParams: mustParams(map[string]interface{}{"dimension": "flavor_tag", "max_position": 10}),
		TriggerKinds:   []string{models.EventKindRank},
		Tiers: []models.TierSpec{
			{Tier: models.TierBronze, Required: 3, Points: 20},
			{Tier: models.TierSilver, Required: 5, Points: 40},
			{Tier: models.TierGold, Required: 8, Points: 100},
		},
	},
	{
		Code: "beef-completionist", Name: "Beef Completionist", Category: "collection",
		Description:    "Rank every beef jerky in the catalog.",
		CollectionType: models.CollectionDynamic,
		PredicateKind:  models.PredicateCollection,
		PredicateParams: mustParams(map[string]interface{}{"collection": "dynamic", "protein": "beef"}),
		TriggerKinds:   []string{models.EventKindRank},
		Tiers:          []models.TierSpec{{Tier: models.TierBronze, Required: 1, Points: 250}},
	},
	{
		Code: "first-delivery", Name: "Jerky Inbound", Category: "orders",
		Description:    "Receive your first delivery.",
		CollectionType: models.CollectionStatic,
		PredicateKind:  models.PredicateCounter,
		PredicateParams: mustParams(map[string]interface{}{"event_kind": "delivery"}),
		TriggerKinds:   []string{models.EventKindDelivery},
		Tiers:          []models.TierSpec{{Tier: models.TierBronze, Required: 1, Points: 25}},
	},
	{
		Code: "night-owl", Name: "Night Owl", Category: "secret", Hidden: true,
		Description:    "Some rankings happen when everyone else is asleep.",
		CollectionType: models.CollectionHidden,
		PredicateKind:  models.PredicateSecret,
		PredicateParams: mustParams(map[string]interface{}{"rule": "night_owl", "start_hour": 2, "end_hour": 4, "count": 3}),
		TriggerKinds:   []string{models.EventKindRank},
		Tiers:          []models.TierSpec{{Tier: models.TierBronze, Required: 1, Points: 50}},
	},
	{
		Code: "title-twins", Name: "Title Twins", Category: "secret", Hidden: true,
		Description:    "Three ranked products with identical title lengths.",
		CollectionType: models.CollectionHidden,
		PredicateKind:  models.PredicateSecret,
		PredicateParams: mustParams(map[string]interface{}{"rule": "title_twins", "count": 3}),
		TriggerKinds:   []string{models.EventKindRank},
		Tiers:          []models.TierSpec{{Tier: models.TierBronze, Required: 1, Points: 50}},
	},
}

// EnsureSeedDefinitions installs the default catalog and type config rows on
// an empty database. Safe to call on every boot.
func EnsureSeedDefinitions(db *gorm.DB) error {
	var count int64
	if err := db.Model(&models.CoinDefinition{}).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		for i := range SeedCoinDefinitions {
			d := SeedCoinDefinitions[i]
			d.Enabled = true
			if err := db.Create(&d).Error; err != nil {
				return err
			}
		}
		log.Printf("[REGISTRY] seeded %d coin definitions", len(SeedCoinDefinitions))
	}

	for _, ct := range []string{
		models.CollectionFlavorCoin, models.CollectionStatic, models.CollectionDynamic,
		models.CollectionEngagement, models.CollectionHidden,
	} {
		var c int64
		if err := db.Model(&models.CoinTypeConfig{}).Where("collection_type = ?", ct).Count(&c).Error; err != nil {
			return err
		}
		if c == 0 {
			if err := db.Create(&models.CoinTypeConfig{CollectionType: ct, Enabled: true, PointsMultiplier: 1}).Error; err != nil {
				return err
			}
		}
	}
	return nil
}
