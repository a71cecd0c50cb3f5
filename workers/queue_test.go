package workers

import (
	"context"
	"fmt"
	"testing"
	"time"

	"jerky-rank-system/models"
	"jerky-rank-system/services"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newQueueDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(&models.Job{}, &models.JobDeadLetter{}))
	return db
}

func TestEnqueueReserveAck(t *testing.T) {
	db := newQueueDB(t)
	q := NewQueue(db)
	ctx := context.Background()

	enqueued, err := q.Enqueue(ctx, "import-user", map[string]string{"user_id": "u1"}, "")
	require.NoError(t, err)
	assert.True(t, enqueued)

	job, err := q.Reserve(ctx, nil)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "import-user", job.Kind)
	assert.Equal(t, models.JobActive, job.State)
	assert.Equal(t, 1, job.Attempts)
	require.NotNil(t, job.VisibleAt)

	// An active job is invisible to other workers.
	other, err := q.Reserve(ctx, nil)
	require.NoError(t, err)
	assert.Nil(t, other)

	require.NoError(t, q.Ack(ctx, job.ID))
	var row models.Job
	require.NoError(t, db.First(&row, "id = ?", job.ID).Error)
	assert.Equal(t, models.JobCompleted, row.State)
	assert.NotNil(t, row.CompletedAt)
}

func TestEnqueueDedupsOnIdempotencyKey(t *testing.T) {
	db := newQueueDB(t)
	q := NewQueue(db)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, "classify-user", nil, "classify:u1:s1")
	require.NoError(t, err)
	assert.True(t, first)

	second, err := q.Enqueue(ctx, "classify-user", nil, "classify:u1:s1")
	require.NoError(t, err)
	assert.False(t, second, "duplicate key inside the window is suppressed")

	var n int64
	require.NoError(t, db.Model(&models.Job{}).Count(&n).Error)
	assert.Equal(t, int64(1), n)
}

func TestEnqueueDedupExpiresWithWindow(t *testing.T) {
	db := newQueueDB(t)
	q := NewQueue(db)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "classify-user", nil, "classify:u1:s1")
	require.NoError(t, err)

	// Complete the job and age it out of the dedup window.
	job, err := q.Reserve(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, q.Ack(ctx, job.ID))
	require.NoError(t, db.Model(&models.Job{}).Where("id = ?", job.ID).
		Update("created_at", time.Now().Add(-2*time.Hour)).Error)

	again, err := q.Enqueue(ctx, "classify-user", nil, "classify:u1:s1")
	require.NoError(t, err)
	assert.True(t, again, "a settled job outside the window no longer suppresses")
}

func TestReserveFiltersByKind(t *testing.T) {
	db := newQueueDB(t)
	q := NewQueue(db)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "webhook", nil, "")
	require.NoError(t, err)

	job, err := q.Reserve(ctx, []string{"import-user"})
	require.NoError(t, err)
	assert.Nil(t, job)

	job, err = q.Reserve(ctx, []string{"webhook", "import-user"})
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "webhook", job.Kind)
}

func TestNackRequeuesWithBackoff(t *testing.T) {
	db := newQueueDB(t)
	q := NewQueue(db)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "import-user", nil, "")
	require.NoError(t, err)
	job, err := q.Reserve(ctx, nil)
	require.NoError(t, err)

	before := time.Now().UTC()
	require.NoError(t, q.Nack(ctx, job, services.Errf(services.ErrTransient, "upstream 503")))

	var row models.Job
	require.NoError(t, db.First(&row, "id = ?", job.ID).Error)
	assert.Equal(t, models.JobWaiting, row.State)
	assert.Equal(t, "upstream 503", row.LastError)
	// First retry waits backoffBase (2s); not runnable yet.
	assert.True(t, row.NextAttemptAt.After(before))

	ready, err := q.Reserve(ctx, nil)
	require.NoError(t, err)
	assert.Nil(t, ready, "backed-off job must not be reservable immediately")
}

func TestNackDeadLettersAfterMaxAttempts(t *testing.T) {
	db := newQueueDB(t)
	q := NewQueue(db)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "import-user", map[string]string{"user_id": "u1"}, "")
	require.NoError(t, err)

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		// Make the job runnable regardless of accumulated backoff.
		require.NoError(t, db.Model(&models.Job{}).
			Where("state = ?", models.JobWaiting).
			Update("next_attempt_at", time.Now().Add(-time.Second)).Error)
		job, err := q.Reserve(ctx, nil)
		require.NoError(t, err)
		require.NotNil(t, job, "attempt %d", attempt)
		assert.Equal(t, attempt, job.Attempts)
		require.NoError(t, q.Nack(ctx, job, services.Errf(services.ErrTransient, "still broken")))
	}

	var job models.Job
	require.NoError(t, db.First(&job).Error)
	assert.Equal(t, models.JobFailed, job.State)

	letters, err := q.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, maxAttempts, letters[0].Attempts)
	assert.Equal(t, "still broken", letters[0].LastError)
}

func TestNackTerminalErrorDeadLettersImmediately(t *testing.T) {
	db := newQueueDB(t)
	q := NewQueue(db)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "webhook", nil, "")
	require.NoError(t, err)
	job, err := q.Reserve(ctx, nil)
	require.NoError(t, err)

	require.NoError(t, q.Nack(ctx, job, services.Errf(services.ErrValidation, "malformed payload")))

	letters, err := q.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, 1, letters[0].Attempts, "no retries for a terminal failure")
}

func TestSweepVisibilityRequeuesExpired(t *testing.T) {
	db := newQueueDB(t)
	q := NewQueue(db)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "import-user", nil, "")
	require.NoError(t, err)
	job, err := q.Reserve(ctx, nil)
	require.NoError(t, err)

	// Simulate a worker death: reservation deadline in the past.
	require.NoError(t, db.Model(&models.Job{}).Where("id = ?", job.ID).
		Update("visible_at", time.Now().Add(-time.Minute)).Error)

	swept, err := q.SweepVisibility(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), swept)

	again, err := q.Reserve(ctx, nil)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, 2, again.Attempts, "requeued reservation counts as a new attempt")
}

func TestSweepVisibilityLeavesLiveReservations(t *testing.T) {
	db := newQueueDB(t)
	q := NewQueue(db)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "import-user", nil, "")
	require.NoError(t, err)
	_, err = q.Reserve(ctx, nil)
	require.NoError(t, err)

	swept, err := q.SweepVisibility(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), swept)
}

func TestStatsAndCleanCompleted(t *testing.T) {
	db := newQueueDB(t)
	q := NewQueue(db)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "import-user", nil, "")
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "webhook", nil, "")
	require.NoError(t, err)

	job, err := q.Reserve(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, q.Ack(ctx, job.ID))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats[models.JobWaiting])
	assert.Equal(t, int64(1), stats[models.JobCompleted])

	require.NoError(t, db.Model(&models.Job{}).Where("id = ?", job.ID).
		Update("completed_at", time.Now().Add(-48*time.Hour)).Error)
	cleaned, err := q.CleanCompleted(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cleaned)
}
