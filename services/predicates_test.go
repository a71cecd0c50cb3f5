package services

import (
	"testing"
	"time"

	"jerky-rank-system/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildProjection() *Projection {
	return &Projection{
		UserID:           "u1",
		Now:              time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC),
		Ranks:            map[string]RankEntry{},
		Products:         map[string]models.Product{},
		Meta:             map[string]models.ProductMetadata{},
		CatalogByProtein: map[string][]string{},
	}
}

func counterDef(params map[string]interface{}) *models.CoinDefinition {
	return &models.CoinDefinition{
		Code:            "test-counter",
		PredicateKind:   models.PredicateCounter,
		PredicateParams: mustParams(params),
	}
}

func TestCounterPredicateCountsCurrentRanks(t *testing.T) {
	proj := buildProjection()
	proj.Ranks["p1"] = RankEntry{ProductID: "p1", Position: 1}
	proj.Ranks["p2"] = RankEntry{ProductID: "p2", Position: 2}

	got, err := EvaluatePredicate(counterDef(map[string]interface{}{"event_kind": "rank"}), proj)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got)
}

func TestCounterPredicateFiltersByFlavorTag(t *testing.T) {
	proj := buildProjection()
	proj.Ranks["p1"] = RankEntry{ProductID: "p1", Position: 1}
	proj.Ranks["p2"] = RankEntry{ProductID: "p2", Position: 2}
	proj.Meta["p1"] = models.ProductMetadata{ProductID: "p1", FlavorTags: []string{"spicy", "smoky"}}
	proj.Meta["p2"] = models.ProductMetadata{ProductID: "p2", FlavorTags: []string{"sweet"}}

	def := counterDef(map[string]interface{}{"event_kind": "rank", "flavor_tag": "spicy"})
	got, err := EvaluatePredicate(def, proj)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got)
}

func TestCounterPredicateDeliveryUsesDeliveredCount(t *testing.T) {
	proj := buildProjection()
	proj.DeliveredCount = 4

	got, err := EvaluatePredicate(counterDef(map[string]interface{}{"event_kind": "delivery"}), proj)
	require.NoError(t, err)
	assert.Equal(t, int64(4), got)
}

func TestCounterPredicateDistinctEngagement(t *testing.T) {
	proj := buildProjection()
	proj.Engagements = []models.EngagementEvent{
		{Kind: models.EventKindRate, ProductID: "p1"},
		{Kind: models.EventKindRate, ProductID: "p1"}, // duplicate product
		{Kind: models.EventKindRate, ProductID: "p2"},
		{Kind: models.EventKindReview, ProductID: "p3"}, // other kind
	}

	def := counterDef(map[string]interface{}{"event_kind": "rate", "distinct": true})
	got, err := EvaluatePredicate(def, proj)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got)
}

func TestStreakPredicateLongestRun(t *testing.T) {
	proj := buildProjection()
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	// Days 1,2,3 then a gap, then days 6,7.
	for _, offset := range []int{0, 1, 2, 5, 6} {
		proj.RankEvents = append(proj.RankEvents, models.RankingEvent{
			ProductID:  "p",
			Position:   1,
			OccurredAt: base.AddDate(0, 0, offset),
		})
	}

	def := &models.CoinDefinition{
		Code:            "streak",
		PredicateKind:   models.PredicateStreak,
		PredicateParams: mustParams(map[string]interface{}{"event_kind": "rank"}),
	}
	got, err := EvaluatePredicate(def, proj)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got)
}

func TestSetCoveragePredicateTopTenOnly(t *testing.T) {
	proj := buildProjection()
	proj.Ranks["p1"] = RankEntry{ProductID: "p1", Position: 1}
	proj.Ranks["p2"] = RankEntry{ProductID: "p2", Position: 5}
	proj.Ranks["p3"] = RankEntry{ProductID: "p3", Position: 11} // beyond the window
	proj.Meta["p1"] = models.ProductMetadata{ProductID: "p1", FlavorTags: []string{"spicy"}}
	proj.Meta["p2"] = models.ProductMetadata{ProductID: "p2", FlavorTags: []string{"sweet", "teriyaki"}}
	proj.Meta["p3"] = models.ProductMetadata{ProductID: "p3", FlavorTags: []string{"smoky"}}

	def := &models.CoinDefinition{
		Code:            "coverage",
		PredicateKind:   models.PredicateSetCoverage,
		PredicateParams: mustParams(map[string]interface{}{"dimension": "flavor_tag", "max_position": 10}),
	}
	got, err := EvaluatePredicate(def, proj)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got) // spicy, sweet, teriyaki
}

func TestCollectionPredicateDynamicByProtein(t *testing.T) {
	proj := buildProjection()
	proj.CatalogByProtein["beef"] = []string{"p1", "p2"}
	proj.Ranks["p1"] = RankEntry{ProductID: "p1", Position: 1}

	def := &models.CoinDefinition{
		Code:            "beef",
		PredicateKind:   models.PredicateCollection,
		PredicateParams: mustParams(map[string]interface{}{"collection": "dynamic", "protein": "beef"}),
	}
	got, err := EvaluatePredicate(def, proj)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got, "half-ranked collection must not complete")

	proj.Ranks["p2"] = RankEntry{ProductID: "p2", Position: 2}
	got, err = EvaluatePredicate(def, proj)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got)
}

func TestCollectionPredicateEmptyNeverCompletes(t *testing.T) {
	proj := buildProjection()
	def := &models.CoinDefinition{
		Code:            "ghost",
		PredicateKind:   models.PredicateCollection,
		PredicateParams: mustParams(map[string]interface{}{"collection": "dynamic", "protein": "ostrich"}),
	}
	got, err := EvaluatePredicate(def, proj)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got)
}

func TestSecretNightOwl(t *testing.T) {
	proj := buildProjection()
	for i := 0; i < 3; i++ {
		proj.RankEvents = append(proj.RankEvents, models.RankingEvent{
			ProductID:  "p",
			Position:   1,
			OccurredAt: time.Date(2025, 6, 1+i, 3, 0, 0, 0, time.UTC), // 03:00 UTC
		})
	}

	def := &models.CoinDefinition{
		Code:          "night-owl",
		PredicateKind: models.PredicateSecret,
		PredicateParams: mustParams(map[string]interface{}{
			"rule": "night_owl", "start_hour": 2, "end_hour": 4, "count": 3,
		}),
	}
	got, err := EvaluatePredicate(def, proj)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got)

	// One event outside the window doesn't count.
	proj.RankEvents = proj.RankEvents[:2]
	proj.RankEvents = append(proj.RankEvents, models.RankingEvent{
		ProductID: "p", Position: 1,
		OccurredAt: time.Date(2025, 6, 4, 12, 0, 0, 0, time.UTC),
	})
	got, err = EvaluatePredicate(def, proj)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got)
}

func TestSecretTitleTwins(t *testing.T) {
	proj := buildProjection()
	for i, title := range []string{"Hot Beef", "Sweet Po", "Original"} { // all length 8
		id := string(rune('a' + i))
		proj.Ranks[id] = RankEntry{ProductID: id, Position: i + 1}
		proj.Products[id] = models.Product{ID: id, Title: title}
	}

	def := &models.CoinDefinition{
		Code:            "title-twins",
		PredicateKind:   models.PredicateSecret,
		PredicateParams: mustParams(map[string]interface{}{"rule": "title_twins", "count": 3}),
	}
	got, err := EvaluatePredicate(def, proj)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got)
}

func TestUnknownPredicateKindIsABug(t *testing.T) {
	proj := buildProjection()
	def := &models.CoinDefinition{Code: "bad", PredicateKind: "telepathy"}
	_, err := EvaluatePredicate(def, proj)
	require.Error(t, err)
	assert.Equal(t, ErrBug, KindOf(err))
}
