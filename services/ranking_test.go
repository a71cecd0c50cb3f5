package services

import (
	"context"
	"testing"

	"jerky-rank-system/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newRankingService(db *gorm.DB) *RankingService {
	return NewRankingService(db, nil, nil, nil, nil)
}

func seedOwnedProduct(t *testing.T, db *gorm.DB, userID, title string) *models.Product {
	t.Helper()
	p := seedProduct(t, db, title, nil, "")
	seedDeliveredItem(t, db, userID, p.ID)
	return p
}

func TestSaveRankingAppendsAndFolds(t *testing.T) {
	db := newTestDB(t)
	user := seedUser(t, db, "regular")
	p1 := seedOwnedProduct(t, db, user.ID, "Sweet Heat")
	p2 := seedOwnedProduct(t, db, user.ID, "Smoke Stack")
	svc := newRankingService(db)

	result, err := svc.SaveRanking(context.Background(), user.ID, []RankInput{
		{ProductID: p1.ID, Position: 1},
		{ProductID: p2.ID, Position: 2},
	}, "save-1")
	require.NoError(t, err)
	assert.Equal(t, 2, result.Appended)
	assert.Equal(t, 0, result.Removed)
	assert.Equal(t, 2, result.Total)
	assert.False(t, result.Replayed)

	current, err := CurrentRanking(db, user.ID)
	require.NoError(t, err)
	require.Len(t, current, 2)
	assert.Equal(t, 1, current[p1.ID].Position)
	assert.Equal(t, 2, current[p2.ID].Position)
}

func TestSaveRankingReplaySameKeySamePayload(t *testing.T) {
	db := newTestDB(t)
	user := seedUser(t, db, "regular")
	p1 := seedOwnedProduct(t, db, user.ID, "Sweet Heat")
	svc := newRankingService(db)

	entries := []RankInput{{ProductID: p1.ID, Position: 1}}
	first, err := svc.SaveRanking(context.Background(), user.ID, entries, "save-1")
	require.NoError(t, err)

	second, err := svc.SaveRanking(context.Background(), user.ID, entries, "save-1")
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Appended, second.Appended)

	// The event log must not have grown.
	var count int64
	require.NoError(t, db.Model(&models.RankingEvent{}).Where("user_id = ?", user.ID).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestSaveRankingConflictSameKeyDifferentPayload(t *testing.T) {
	db := newTestDB(t)
	user := seedUser(t, db, "regular")
	p1 := seedOwnedProduct(t, db, user.ID, "Sweet Heat")
	p2 := seedOwnedProduct(t, db, user.ID, "Smoke Stack")
	svc := newRankingService(db)

	_, err := svc.SaveRanking(context.Background(), user.ID,
		[]RankInput{{ProductID: p1.ID, Position: 1}}, "save-1")
	require.NoError(t, err)

	_, err = svc.SaveRanking(context.Background(), user.ID,
		[]RankInput{{ProductID: p2.ID, Position: 1}}, "save-1")
	require.Error(t, err)
	assert.Equal(t, ErrConflict, KindOf(err))
}

func TestSaveRankingSnapshotReplaceEmitsRemovals(t *testing.T) {
	db := newTestDB(t)
	user := seedUser(t, db, "regular")
	p1 := seedOwnedProduct(t, db, user.ID, "Sweet Heat")
	p2 := seedOwnedProduct(t, db, user.ID, "Smoke Stack")
	p3 := seedOwnedProduct(t, db, user.ID, "Pepper Punch")
	svc := newRankingService(db)

	_, err := svc.SaveRanking(context.Background(), user.ID, []RankInput{
		{ProductID: p1.ID, Position: 1},
		{ProductID: p2.ID, Position: 2},
	}, "save-1")
	require.NoError(t, err)

	// New snapshot drops p2, keeps p1 at the same spot, adds p3.
	result, err := svc.SaveRanking(context.Background(), user.ID, []RankInput{
		{ProductID: p1.ID, Position: 1},
		{ProductID: p3.ID, Position: 2},
	}, "save-2")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Appended, "unchanged positions append nothing")
	assert.Equal(t, 1, result.Removed)
	assert.Equal(t, 2, result.Total)

	current, err := CurrentRanking(db, user.ID)
	require.NoError(t, err)
	require.Len(t, current, 2)
	_, gone := current[p2.ID]
	assert.False(t, gone)
}

func TestSaveRankingRejectsUnownedProduct(t *testing.T) {
	db := newTestDB(t)
	user := seedUser(t, db, "regular")
	p := seedProduct(t, db, "Unbought", nil, "") // no order
	svc := newRankingService(db)

	_, err := svc.SaveRanking(context.Background(), user.ID,
		[]RankInput{{ProductID: p.ID, Position: 1}}, "save-1")
	require.Error(t, err)
	assert.Equal(t, ErrIneligible, KindOf(err))
}

func TestSaveRankingForceRankableBypassesOwnership(t *testing.T) {
	db := newTestDB(t)
	user := seedUser(t, db, "regular")
	p := &models.Product{ExternalProductID: "x1", Title: "Sampler", ForceRankable: true}
	require.NoError(t, db.Create(p).Error)
	svc := newRankingService(db)

	_, err := svc.SaveRanking(context.Background(), user.ID,
		[]RankInput{{ProductID: p.ID, Position: 1}}, "save-1")
	require.NoError(t, err)
}

func TestSaveRankingAdminBypassesOwnership(t *testing.T) {
	db := newTestDB(t)
	admin := seedUser(t, db, "admin")
	p := seedProduct(t, db, "Unbought", nil, "")
	svc := newRankingService(db)

	_, err := svc.SaveRanking(context.Background(), admin.ID,
		[]RankInput{{ProductID: p.ID, Position: 1}}, "save-1")
	require.NoError(t, err)
}

func TestSaveRankingUnfulfilledOrderIsNotEnough(t *testing.T) {
	db := newTestDB(t)
	user := seedUser(t, db, "regular")
	p := seedProduct(t, db, "In Transit", nil, "")
	seedOrderItem(t, db, user.ID, p.ID, models.FulfillmentUnfulfilled)
	svc := newRankingService(db)

	_, err := svc.SaveRanking(context.Background(), user.ID,
		[]RankInput{{ProductID: p.ID, Position: 1}}, "save-1")
	require.Error(t, err)
	assert.Equal(t, ErrIneligible, KindOf(err))
}

func TestSaveRankingValidation(t *testing.T) {
	db := newTestDB(t)
	user := seedUser(t, db, "regular")
	p1 := seedOwnedProduct(t, db, user.ID, "A")
	p2 := seedOwnedProduct(t, db, user.ID, "B")
	svc := newRankingService(db)

	cases := []struct {
		name    string
		entries []RankInput
	}{
		{"duplicate position", []RankInput{{ProductID: p1.ID, Position: 1}, {ProductID: p2.ID, Position: 1}}},
		{"duplicate product", []RankInput{{ProductID: p1.ID, Position: 1}, {ProductID: p1.ID, Position: 2}}},
		{"zero position", []RankInput{{ProductID: p1.ID, Position: 0}}},
		{"negative position", []RankInput{{ProductID: p1.ID, Position: -3}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.SaveRanking(context.Background(), user.ID, tc.entries, "k-"+tc.name)
			require.Error(t, err)
			assert.Equal(t, ErrValidation, KindOf(err))
		})
	}
}

func TestSaveRankingRequiresIdempotencyKey(t *testing.T) {
	db := newTestDB(t)
	user := seedUser(t, db, "regular")
	svc := newRankingService(db)

	_, err := svc.SaveRanking(context.Background(), user.ID, nil, "")
	require.Error(t, err)
	assert.Equal(t, ErrValidation, KindOf(err))
}

func TestRecordEngagementDedups(t *testing.T) {
	db := newTestDB(t)
	user := seedUser(t, db, "regular")
	svc := newRankingService(db)

	require.NoError(t, svc.RecordEngagement(context.Background(), user.ID, models.EventKindRate, "p1", 5, "rate-1"))
	require.NoError(t, svc.RecordEngagement(context.Background(), user.ID, models.EventKindRate, "p1", 5, "rate-1"))

	var count int64
	require.NoError(t, db.Model(&models.EngagementEvent{}).Where("user_id = ?", user.ID).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestRecordEngagementRejectsUnknownKind(t *testing.T) {
	db := newTestDB(t)
	user := seedUser(t, db, "regular")
	svc := newRankingService(db)

	err := svc.RecordEngagement(context.Background(), user.ID, "sneeze", "", 0, "")
	require.Error(t, err)
	assert.Equal(t, ErrValidation, KindOf(err))
}

func TestReceiptRaceLoserConvergesToReplay(t *testing.T) {
	db := newTestDB(t)
	user := seedUser(t, db, "regular")
	p := seedOwnedProduct(t, db, user.ID, "Sweet Heat")
	svc := newRankingService(db)

	entries := []RankInput{{ProductID: p.ID, Position: 1}}
	first, err := svc.SaveRanking(context.Background(), user.ID, entries, "race-key")
	require.NoError(t, err)

	// What the losing side of a same-key race consults after its receipt
	// insert is rejected: the winner's receipt decides replay vs conflict.
	prior, err := svc.replayFromReceipt("race-key", snapshotHash(entries))
	require.NoError(t, err)
	require.NotNil(t, prior)
	assert.True(t, prior.Replayed)
	assert.Equal(t, first.Appended, prior.Appended)

	_, err = svc.replayFromReceipt("race-key",
		snapshotHash([]RankInput{{ProductID: p.ID, Position: 2}}))
	require.Error(t, err)
	assert.Equal(t, ErrConflict, KindOf(err))

	prior, err = svc.replayFromReceipt("unseen-key", snapshotHash(entries))
	require.NoError(t, err)
	assert.Nil(t, prior)
}
