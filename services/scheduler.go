// services/scheduler.go
package services

import (
	"context"
	"log"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// SweepVisibility is implemented by the job queue: it requeues jobs whose
// reservation expired (worker died mid-job).
type VisibilitySweeper interface {
	SweepVisibility(ctx context.Context) (int64, error)
}

// Scheduler owns the recurring maintenance work: the nightly classification
// full run, the job-queue visibility sweep, and webhook receipt GC.
type Scheduler struct {
	Classifier *ClassificationService
	Webhooks   *WebhookService
	Sweeper    VisibilitySweeper

	sched gocron.Scheduler
}

func NewScheduler(cl *ClassificationService, wh *WebhookService, sw VisibilitySweeper) *Scheduler {
	return &Scheduler{Classifier: cl, Webhooks: wh, Sweeper: sw}
}

func (s *Scheduler) Start() {
	sched, err := gocron.NewScheduler()
	if err != nil {
		log.Printf("❌ [SCHEDULER] init failed: %v", err)
		return
	}
	s.sched = sched
	sched.Start()

	// Nightly at 03:10 UTC: full classification run. The advisory lock inside
	// FullRun keeps multiple replicas from racing.
	_, _ = sched.NewJob(
		gocron.DailyJob(1, gocron.NewAtTimes(gocron.NewAtTime(3, 10, 0))),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
			defer cancel()
			if err := s.Classifier.FullRun(ctx); err != nil {
				log.Printf("❌ [SCHEDULER] classification full run failed: %v", err)
			}
		}),
	)

	// Every 30s: requeue expired job reservations.
	_, _ = sched.NewJob(
		gocron.DurationJob(30*time.Second),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
			defer cancel()
			n, err := s.Sweeper.SweepVisibility(ctx)
			if err != nil {
				log.Printf("⚠️ [SCHEDULER] visibility sweep failed: %v", err)
				return
			}
			if n > 0 {
				log.Printf("♻️ [SCHEDULER] requeued %d expired jobs", n)
			}
		}),
	)

	// Hourly: drop settled webhook receipts past the dedup window.
	_, _ = sched.NewJob(
		gocron.DurationJob(1*time.Hour),
		gocron.NewTask(func() {
			n, err := s.Webhooks.PruneReceipts()
			if err != nil {
				log.Printf("⚠️ [SCHEDULER] webhook GC failed: %v", err)
				return
			}
			if n > 0 {
				log.Printf("🧹 [SCHEDULER] pruned %d webhook receipts", n)
			}
		}),
	)

	log.Println("⏰ [SCHEDULER] recurring jobs registered")
}

func (s *Scheduler) Stop() {
	if s.sched != nil {
		_ = s.sched.Shutdown()
	}
}
