package services

import (
	"fmt"
	"testing"
	"time"

	"jerky-rank-system/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&models.User{},
		&models.Product{},
		&models.ProductMetadata{},
		&models.CustomerOrderItem{},
		&models.RankingEvent{},
		&models.EngagementEvent{},
		&models.RankingReceipt{},
		&models.CoinDefinition{},
		&models.UserAchievement{},
		&models.CoinTypeConfig{},
		&models.FlavorProfileState{},
		&models.FlavorCommunityConfig{},
	))
	return db
}

func seedUser(t *testing.T, db *gorm.DB, role string) *models.User {
	t.Helper()
	u := &models.User{ExternalCustomerID: uuid.NewString(), Role: role, DisplayHandle: "Test User"}
	require.NoError(t, db.Create(u).Error)
	return u
}

func seedProduct(t *testing.T, db *gorm.DB, title string, tags []string, protein string) *models.Product {
	t.Helper()
	p := &models.Product{ExternalProductID: uuid.NewString(), Title: title}
	require.NoError(t, db.Create(p).Error)
	if len(tags) > 0 || protein != "" {
		require.NoError(t, db.Create(&models.ProductMetadata{
			ProductID: p.ID, FlavorTags: tags, ProteinCategory: protein,
		}).Error)
	}
	return p
}

func seedDeliveredItem(t *testing.T, db *gorm.DB, userID, productID string) {
	t.Helper()
	seedOrderItem(t, db, userID, productID, models.FulfillmentDelivered)
}

func seedOrderItem(t *testing.T, db *gorm.DB, userID, productID, status string) {
	t.Helper()
	require.NoError(t, db.Create(&models.CustomerOrderItem{
		UserID:            userID,
		OrderNumber:       uuid.NewString()[:8],
		ProductID:         productID,
		Quantity:          1,
		FulfillmentStatus: status,
		OrderDate:         time.Now().UTC(),
		ExternalLineID:    uuid.NewString(),
	}).Error)
}

func seedRankEvent(t *testing.T, db *gorm.DB, userID, productID string, position int, at time.Time) {
	t.Helper()
	require.NoError(t, db.Create(&models.RankingEvent{
		UserID:         userID,
		ProductID:      productID,
		Position:       position,
		OccurredAt:     at,
		IdempotencyKey: uuid.NewString(),
	}).Error)
}
