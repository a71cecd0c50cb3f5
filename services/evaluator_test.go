package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"jerky-rank-system/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func seedRankerCoin(t *testing.T, db *gorm.DB) *models.CoinDefinition {
	t.Helper()
	def := &models.CoinDefinition{
		Code: "ranker", Name: "Ranker", Enabled: true,
		CollectionType:  models.CollectionEngagement,
		PredicateKind:   models.PredicateCounter,
		PredicateParams: mustParams(map[string]interface{}{"event_kind": "rank"}),
		TriggerKinds:    []string{models.EventKindRank},
		Tiers: []models.TierSpec{
			{Tier: models.TierBronze, Required: 5, Points: 10},
			{Tier: models.TierSilver, Required: 25, Points: 40},
			{Tier: models.TierGold, Required: 100, Points: 200},
		},
	}
	require.NoError(t, db.Create(def).Error)
	require.NoError(t, db.Create(&models.CoinTypeConfig{
		CollectionType: models.CollectionEngagement, Enabled: true, PointsMultiplier: 1,
	}).Error)
	return def
}

func newEvaluator(db *gorm.DB) *Evaluator {
	return NewEvaluator(db, NewCoinRegistry(db), nil, nil)
}

func TestEvaluateAwardsBronzeAtThreshold(t *testing.T) {
	db := newTestDB(t)
	user := seedUser(t, db, "regular")
	def := seedRankerCoin(t, db)
	ev := newEvaluator(db)

	now := time.Now().UTC()
	for i := 0; i < 4; i++ {
		seedRankEvent(t, db, user.ID, string(rune('a'+i)), i+1, now)
	}
	awards, err := ev.Evaluate(context.Background(), user.ID, models.EventKindRank)
	require.NoError(t, err)
	assert.Empty(t, awards, "four rankings must not cross the bronze threshold of five")

	seedRankEvent(t, db, user.ID, "e", 5, now)
	awards, err = ev.Evaluate(context.Background(), user.ID, models.EventKindRank)
	require.NoError(t, err)
	require.Len(t, awards, 1)
	assert.Equal(t, "ranker", awards[0].Code)
	assert.Equal(t, models.TierBronze, awards[0].Tier)
	assert.Equal(t, models.TierNone, awards[0].FromTier)
	assert.Equal(t, int64(10), awards[0].Points)
	assert.False(t, awards[0].IsTierUpgrade)

	var row models.UserAchievement
	require.NoError(t, db.Where("user_id = ? AND coin_id = ?", user.ID, def.ID).First(&row).Error)
	assert.Equal(t, models.TierBronze, row.CurrentTier)
	assert.Equal(t, int64(5), row.Progress)
	assert.NotNil(t, row.FirstEarnedAt)
}

func TestEvaluateTierUpgradeSumsTierPoints(t *testing.T) {
	db := newTestDB(t)
	user := seedUser(t, db, "regular")
	seedRankerCoin(t, db)
	ev := newEvaluator(db)

	now := time.Now().UTC()
	for i := 0; i < 25; i++ {
		seedRankEvent(t, db, user.ID, fmt.Sprintf("p%02d", i), i+1, now)
	}
	awards, err := ev.Evaluate(context.Background(), user.ID, models.EventKindRank)
	require.NoError(t, err)
	require.Len(t, awards, 1)
	assert.Equal(t, models.TierSilver, awards[0].Tier)
	// Bronze (10) + silver (40), awarded in one evaluation.
	assert.Equal(t, int64(50), awards[0].Points)
}

func TestEvaluateRatchetNeverDowngrades(t *testing.T) {
	db := newTestDB(t)
	user := seedUser(t, db, "regular")
	def := seedRankerCoin(t, db)
	ev := newEvaluator(db)

	now := time.Now().UTC()
	products := make([]string, 5)
	for i := range products {
		products[i] = string(rune('a' + i))
		seedRankEvent(t, db, user.ID, products[i], i+1, now)
	}
	_, err := ev.Evaluate(context.Background(), user.ID, models.EventKindRank)
	require.NoError(t, err)

	// Remove three products; progress regresses below the bronze threshold.
	for _, p := range products[:3] {
		seedRankEvent(t, db, user.ID, p, 0, now.Add(time.Minute))
	}
	awards, err := ev.Evaluate(context.Background(), user.ID, models.EventKindRank)
	require.NoError(t, err)
	assert.Empty(t, awards)

	var row models.UserAchievement
	require.NoError(t, db.Where("user_id = ? AND coin_id = ?", user.ID, def.ID).First(&row).Error)
	assert.Equal(t, models.TierBronze, row.CurrentTier, "earned tier must survive a rank regress")
	assert.Equal(t, int64(10), row.PointsAwarded, "points must survive a rank regress")
	assert.Equal(t, int64(2), row.Progress, "progress counter must stay honest")
}

func TestEvaluateIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	user := seedUser(t, db, "regular")
	seedRankerCoin(t, db)
	ev := newEvaluator(db)

	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		seedRankEvent(t, db, user.ID, string(rune('a'+i)), i+1, now)
	}

	first, err := ev.Evaluate(context.Background(), user.ID, models.EventKindRank)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := ev.Evaluate(context.Background(), user.ID, models.EventKindRank)
	require.NoError(t, err)
	assert.Empty(t, second, "re-running on unchanged state must award nothing")

	var count int64
	require.NoError(t, db.Model(&models.UserAchievement{}).Where("user_id = ?", user.ID).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestEvaluateAppliesTypeMultiplier(t *testing.T) {
	db := newTestDB(t)
	user := seedUser(t, db, "regular")
	seedRankerCoin(t, db)
	require.NoError(t, db.Model(&models.CoinTypeConfig{}).
		Where("collection_type = ?", models.CollectionEngagement).
		Update("points_multiplier", 2.0).Error)
	ev := newEvaluator(db)

	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		seedRankEvent(t, db, user.ID, string(rune('a'+i)), i+1, now)
	}
	awards, err := ev.Evaluate(context.Background(), user.ID, models.EventKindRank)
	require.NoError(t, err)
	require.Len(t, awards, 1)
	assert.Equal(t, int64(20), awards[0].Points)
}

func TestEvaluateSkipsUntriggeredCoins(t *testing.T) {
	db := newTestDB(t)
	user := seedUser(t, db, "regular")
	seedRankerCoin(t, db)
	ev := newEvaluator(db)

	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		seedRankEvent(t, db, user.ID, string(rune('a'+i)), i+1, now)
	}

	// A login event must not re-check a rank-triggered coin.
	awards, err := ev.Evaluate(context.Background(), user.ID, models.EventKindLogin)
	require.NoError(t, err)
	assert.Empty(t, awards)
}

func TestEvaluateSecretCoinAwardsHidden(t *testing.T) {
	db := newTestDB(t)
	user := seedUser(t, db, "regular")
	def := &models.CoinDefinition{
		Code: "night-owl", Name: "Night Owl", Hidden: true, Enabled: true,
		CollectionType: models.CollectionHidden,
		PredicateKind:  models.PredicateSecret,
		PredicateParams: mustParams(map[string]interface{}{
			"rule": "night_owl", "start_hour": 2, "end_hour": 4, "count": 3,
		}),
		TriggerKinds: []string{models.EventKindRank},
		Tiers:        []models.TierSpec{{Tier: models.TierBronze, Required: 1, Points: 50}},
	}
	require.NoError(t, db.Create(def).Error)
	require.NoError(t, db.Create(&models.CoinTypeConfig{
		CollectionType: models.CollectionHidden, Enabled: true, PointsMultiplier: 1,
	}).Error)
	ev := newEvaluator(db)

	for i := 0; i < 3; i++ {
		at := time.Date(2025, 6, 1+i, 3, 0, 0, 0, time.UTC)
		seedRankEvent(t, db, user.ID, string(rune('a'+i)), i+1, at)
	}
	awards, err := ev.Evaluate(context.Background(), user.ID, models.EventKindRank)
	require.NoError(t, err)
	require.Len(t, awards, 1)
	assert.True(t, awards[0].Hidden)
	assert.Equal(t, int64(50), awards[0].Points)
}

func TestDisabledTypeSuppressesAwards(t *testing.T) {
	db := newTestDB(t)
	user := seedUser(t, db, "regular")
	seedRankerCoin(t, db)
	require.NoError(t, db.Model(&models.CoinTypeConfig{}).
		Where("collection_type = ?", models.CollectionEngagement).
		Update("enabled", false).Error)
	ev := newEvaluator(db)

	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		seedRankEvent(t, db, user.ID, string(rune('a'+i)), i+1, now)
	}
	awards, err := ev.Evaluate(context.Background(), user.ID, models.EventKindRank)
	require.NoError(t, err)
	assert.Empty(t, awards)
}
