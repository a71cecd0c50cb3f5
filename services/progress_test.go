package services

import (
	"context"
	"testing"
	"time"

	"jerky-rank-system/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newProgressService(t *testing.T, db *gorm.DB) *ProgressService {
	t.Helper()
	require.NoError(t, EnsureSeedDefinitions(db))
	return NewProgressService(db, NewCoinRegistry(db), nil)
}

func TestProgressSummaryCounts(t *testing.T) {
	db := newTestDB(t)
	user := seedUser(t, db, "regular")
	svc := newProgressService(t, db)

	now := time.Now().UTC()
	p1 := seedProduct(t, db, "A", nil, "")
	p2 := seedProduct(t, db, "B", nil, "")
	seedRankEvent(t, db, user.ID, p1.ID, 1, now)
	seedRankEvent(t, db, user.ID, p2.ID, 2, now)
	// p2 later removed: still counts as ever-ranked, not as current.
	seedRankEvent(t, db, user.ID, p2.ID, 0, now.Add(time.Minute))

	summary, err := svc.Get(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.TotalRankings)
	assert.Equal(t, 2, summary.UniqueProducts)
	assert.Equal(t, int64(0), summary.TotalPoints)
}

func TestProgressSummaryPointsAndRecent(t *testing.T) {
	db := newTestDB(t)
	user := seedUser(t, db, "regular")
	svc := newProgressService(t, db)

	var ranker models.CoinDefinition
	require.NoError(t, db.Where("code = ?", "ranker").First(&ranker).Error)
	earned := time.Now().UTC().Add(-5 * time.Minute)
	require.NoError(t, db.Create(&models.UserAchievement{
		UserID: user.ID, CoinID: ranker.ID,
		CurrentTier: models.TierBronze, Progress: 5, PointsAwarded: 10,
		FirstEarnedAt: &earned, LastUpgradedAt: &earned,
	}).Error)

	summary, err := svc.Get(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), summary.TotalPoints)
	require.Len(t, summary.RecentAchievements, 1)
	assert.Equal(t, "ranker", summary.RecentAchievements[0].Code)
	assert.Equal(t, models.TierBronze, summary.RecentAchievements[0].Tier)
}

func TestProgressMilestonesExcludeSecretCoins(t *testing.T) {
	db := newTestDB(t)
	user := seedUser(t, db, "regular")
	svc := newProgressService(t, db)

	summary, err := svc.Get(context.Background(), user.ID)
	require.NoError(t, err)
	require.NotEmpty(t, summary.NextMilestones)
	assert.LessOrEqual(t, len(summary.NextMilestones), 3)
	for _, m := range summary.NextMilestones {
		assert.NotContains(t, []string{"night-owl", "title-twins"}, m.Code)
	}
}

func TestProgressMilestoneTargetsNextTier(t *testing.T) {
	db := newTestDB(t)
	user := seedUser(t, db, "regular")
	// A single-coin catalog so the three-milestone cap cannot hide the rung
	// under test.
	ranker := *seedRankerCoin(t, db)
	svc := NewProgressService(db, NewCoinRegistry(db), nil)

	earned := time.Now().UTC()
	require.NoError(t, db.Create(&models.UserAchievement{
		UserID: user.ID, CoinID: ranker.ID,
		CurrentTier: models.TierBronze, Progress: 20, PointsAwarded: 10,
		FirstEarnedAt: &earned, LastUpgradedAt: &earned,
	}).Error)

	summary, err := svc.Get(context.Background(), user.ID)
	require.NoError(t, err)

	var found *Milestone
	for i := range summary.NextMilestones {
		if summary.NextMilestones[i].Code == "ranker" {
			found = &summary.NextMilestones[i]
		}
	}
	require.NotNil(t, found, "bronze holder should have a silver milestone")
	assert.Equal(t, models.TierSilver, found.Tier)
	assert.Equal(t, int64(5), found.Remaining) // 25 required - 20 progress
}

func TestProgressCacheInvalidation(t *testing.T) {
	db := newTestDB(t)
	user := seedUser(t, db, "regular")
	svc := newProgressService(t, db)

	first, err := svc.Get(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, first.TotalRankings)

	p := seedProduct(t, db, "A", nil, "")
	seedRankEvent(t, db, user.ID, p.ID, 1, time.Now().UTC())

	// Still served from cache.
	cached, err := svc.Get(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, cached.TotalRankings)

	svc.Invalidate(user.ID)
	fresh, err := svc.Get(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, fresh.TotalRankings)
}
