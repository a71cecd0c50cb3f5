// workers/queue.go
package workers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"math"
	"time"

	"jerky-rank-system/models"
	"jerky-rank-system/services"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	dedupWindow       = 1 * time.Hour
	visibilityTimeout = 60 * time.Second
	maxAttempts       = 3
	backoffBase       = 2 * time.Second
)

// Queue is the durable at-least-once job queue on top of the primary
// database. Reserve marks a job active with a visibility deadline; a worker
// that dies mid-job loses the reservation and the sweeper requeues it.
type Queue struct {
	DB *gorm.DB
}

func NewQueue(db *gorm.DB) *Queue {
	return &Queue{DB: db}
}

// Enqueue adds one job. A non-empty idemKey dedups against waiting/active
// jobs and any job created inside the dedup window; a suppressed duplicate
// returns (false, nil).
func (q *Queue) Enqueue(ctx context.Context, kind string, payload interface{}, idemKey string) (bool, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return false, services.WrapErr(services.ErrBug, err, "marshal job payload")
	}

	if idemKey != "" {
		var dup int64
		err := q.DB.Model(&models.Job{}).
			Where("idempotency_key = ? AND (state IN ? OR created_at > ?)",
				idemKey, []string{models.JobWaiting, models.JobActive}, time.Now().Add(-dedupWindow)).
			Count(&dup).Error
		if err != nil {
			return false, services.WrapErr(services.ErrTransient, err, "job dedup check")
		}
		if dup > 0 {
			return false, nil
		}
	}

	job := models.Job{
		Kind:           kind,
		State:          models.JobWaiting,
		Payload:        datatypes.JSON(raw),
		IdempotencyKey: idemKey,
		NextAttemptAt:  time.Now().UTC(),
	}
	if err := q.DB.WithContext(ctx).Create(&job).Error; err != nil {
		return false, services.WrapErr(services.ErrTransient, err, "enqueue job")
	}
	return true, nil
}

// Reserve claims the oldest runnable job, or returns nil when the queue is
// idle. Under postgres, SKIP LOCKED lets concurrent workers reserve without
// colliding.
func (q *Queue) Reserve(ctx context.Context, kinds []string) (*models.Job, error) {
	var job *models.Job
	err := q.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx.Where("state = ? AND next_attempt_at <= ?", models.JobWaiting, time.Now().UTC())
		if len(kinds) > 0 {
			query = query.Where("kind IN ?", kinds)
		}
		if tx.Dialector.Name() == "postgres" {
			query = query.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}

		var candidate models.Job
		if err := query.Order("next_attempt_at ASC").First(&candidate).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return services.WrapErr(services.ErrTransient, err, "reserve query")
		}

		deadline := time.Now().UTC().Add(visibilityTimeout)
		res := tx.Model(&models.Job{}).
			Where("id = ? AND state = ?", candidate.ID, models.JobWaiting).
			Updates(map[string]interface{}{
				"state":      models.JobActive,
				"attempts":   gorm.Expr("attempts + 1"),
				"visible_at": deadline,
			})
		if res.Error != nil {
			return services.WrapErr(services.ErrTransient, res.Error, "mark job active")
		}
		if res.RowsAffected == 0 {
			return nil // lost the race, caller polls again
		}
		candidate.State = models.JobActive
		candidate.Attempts++
		candidate.VisibleAt = &deadline
		job = &candidate
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Ack marks a job done.
func (q *Queue) Ack(ctx context.Context, jobID string) error {
	now := time.Now().UTC()
	if err := q.DB.WithContext(ctx).Model(&models.Job{}).
		Where("id = ?", jobID).
		Updates(map[string]interface{}{
			"state":        models.JobCompleted,
			"completed_at": now,
			"visible_at":   nil,
		}).Error; err != nil {
		return services.WrapErr(services.ErrTransient, err, "ack job")
	}
	return nil
}

// Nack records a failure. Retryable failures requeue with exponential backoff
// until maxAttempts; terminal or exhausted jobs move to the dead letter table.
func (q *Queue) Nack(ctx context.Context, job *models.Job, cause error) error {
	if services.Terminal(cause) || job.Attempts >= maxAttempts {
		return q.deadLetter(ctx, job, cause)
	}

	delay := time.Duration(math.Pow(2, float64(job.Attempts-1))) * backoffBase
	if err := q.DB.WithContext(ctx).Model(&models.Job{}).
		Where("id = ?", job.ID).
		Updates(map[string]interface{}{
			"state":           models.JobWaiting,
			"next_attempt_at": time.Now().UTC().Add(delay),
			"visible_at":      nil,
			"last_error":      cause.Error(),
		}).Error; err != nil {
		return services.WrapErr(services.ErrTransient, err, "requeue job")
	}
	log.Printf("⚠️ [QUEUE] job %s (%s) attempt %d failed, retry in %s: %v",
		job.ID, job.Kind, job.Attempts, delay, cause)
	return nil
}

func (q *Queue) deadLetter(ctx context.Context, job *models.Job, cause error) error {
	err := q.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dl := models.JobDeadLetter{
			JobID:     job.ID,
			Kind:      job.Kind,
			Payload:   job.Payload,
			Attempts:  job.Attempts,
			LastError: cause.Error(),
			FailedAt:  time.Now().UTC(),
		}
		if err := tx.Create(&dl).Error; err != nil {
			return services.WrapErr(services.ErrTransient, err, "create dead letter")
		}
		return tx.Model(&models.Job{}).
			Where("id = ?", job.ID).
			Updates(map[string]interface{}{
				"state":      models.JobFailed,
				"visible_at": nil,
				"last_error": cause.Error(),
			}).Error
	})
	if err != nil {
		return err
	}
	log.Printf("☠️ [QUEUE] job %s (%s) dead-lettered after %d attempts: %v",
		job.ID, job.Kind, job.Attempts, cause)
	return nil
}

// SweepVisibility requeues active jobs whose reservation expired.
func (q *Queue) SweepVisibility(ctx context.Context) (int64, error) {
	res := q.DB.WithContext(ctx).Model(&models.Job{}).
		Where("state = ? AND visible_at IS NOT NULL AND visible_at < ?",
			models.JobActive, time.Now().UTC()).
		Updates(map[string]interface{}{
			"state":           models.JobWaiting,
			"next_attempt_at": time.Now().UTC(),
			"visible_at":      nil,
		})
	if res.Error != nil {
		return 0, services.WrapErr(services.ErrTransient, res.Error, "visibility sweep")
	}
	return res.RowsAffected, nil
}

// Stats returns per-state counts for the queue monitor stream.
func (q *Queue) Stats(ctx context.Context) (map[string]int64, error) {
	stats := make(map[string]int64, 4)
	for _, state := range []string{models.JobWaiting, models.JobActive, models.JobCompleted, models.JobFailed} {
		var n int64
		if err := q.DB.WithContext(ctx).Model(&models.Job{}).
			Where("state = ?", state).Count(&n).Error; err != nil {
			return nil, services.WrapErr(services.ErrTransient, err, "count jobs")
		}
		stats[state] = n
	}
	return stats, nil
}

// CleanCompleted deletes completed jobs older than the given age.
func (q *Queue) CleanCompleted(ctx context.Context, olderThan time.Duration) (int64, error) {
	res := q.DB.WithContext(ctx).
		Where("state = ? AND completed_at < ?", models.JobCompleted, time.Now().Add(-olderThan)).
		Delete(&models.Job{})
	if res.Error != nil {
		return 0, services.WrapErr(services.ErrTransient, res.Error, "clean completed jobs")
	}
	return res.RowsAffected, nil
}

// DeadLetters lists recent dead letters for the admin surface.
func (q *Queue) DeadLetters(ctx context.Context, limit int) ([]models.JobDeadLetter, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var rows []models.JobDeadLetter
	if err := q.DB.WithContext(ctx).Order("failed_at DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, services.WrapErr(services.ErrTransient, err, "list dead letters")
	}
	return rows, nil
}
