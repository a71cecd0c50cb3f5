// workers/pool.go
package workers

import (
	"context"
	"fmt"
	"log"
	"time"

	"jerky-rank-system/models"
	"jerky-rank-system/realtime"

	"golang.org/x/sync/errgroup"
)

const (
	pollInterval   = 500 * time.Millisecond
	defaultTimeout = 30 * time.Second
	statsInterval  = 5 * time.Second
)

// Handler processes one job payload. A nil error acks the job; any error
// nacks it (retry or dead letter per the queue's policy).
type Handler func(ctx context.Context, payload []byte) error

// Pool runs N workers against the queue, dispatching by job kind.
type Pool struct {
	Queue *Queue
	Bus   realtime.Publisher
	Size  int

	handlers map[string]Handler
	timeouts map[string]time.Duration
}

func NewPool(queue *Queue, bus realtime.Publisher, size int) *Pool {
	if size <= 0 {
		size = 4
	}
	if bus == nil {
		bus = realtime.NopPublisher{}
	}
	return &Pool{
		Queue:    queue,
		Bus:      bus,
		Size:     size,
		handlers: make(map[string]Handler),
		timeouts: make(map[string]time.Duration),
	}
}

// Register binds a handler to a job kind. timeout <= 0 uses the default.
func (p *Pool) Register(kind string, timeout time.Duration, h Handler) {
	p.handlers[kind] = h
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	p.timeouts[kind] = timeout
}

func (p *Pool) kinds() []string {
	out := make([]string, 0, len(p.handlers))
	for k := range p.handlers {
		out = append(out, k)
	}
	return out
}

// Run blocks until ctx is cancelled and every worker has drained its current
// job.
func (p *Pool) Run(ctx context.Context) error {
	log.Printf("👷 [POOL] starting %d workers for kinds %v", p.Size, p.kinds())

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.Size; i++ {
		g.Go(func() error {
			p.worker(ctx)
			return nil
		})
	}
	g.Go(func() error {
		p.statsLoop(ctx)
		return nil
	})
	err := g.Wait()
	log.Println("⏹️ [POOL] workers stopped")
	return err
}

func (p *Pool) worker(ctx context.Context) {
	kinds := p.kinds()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := p.Queue.Reserve(ctx, kinds)
		if err != nil {
			log.Printf("⚠️ [POOL] reserve failed: %v", err)
			sleepCtx(ctx, pollInterval*4)
			continue
		}
		if job == nil {
			sleepCtx(ctx, pollInterval)
			continue
		}

		p.execute(ctx, job)
	}
}

func (p *Pool) execute(ctx context.Context, job *models.Job) {
	handler := p.handlers[job.Kind]
	if handler == nil {
		_ = p.Queue.Nack(ctx, job, fmt.Errorf("no handler registered for kind %q", job.Kind))
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, p.timeouts[job.Kind])
	err := handler(jobCtx, job.Payload)
	cancel()

	// Use a fresh context so shutdown does not lose the ack/nack.
	finishCtx, cancelFinish := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelFinish()
	if err != nil {
		if nerr := p.Queue.Nack(finishCtx, job, err); nerr != nil {
			log.Printf("❌ [POOL] nack failed for job %s: %v", job.ID, nerr)
		}
		return
	}
	if aerr := p.Queue.Ack(finishCtx, job.ID); aerr != nil {
		log.Printf("❌ [POOL] ack failed for job %s: %v", job.ID, aerr)
	}
}

// statsLoop pushes queue counts to the admin monitor room.
func (p *Pool) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := p.Queue.Stats(ctx)
			if err != nil {
				continue
			}
			p.Bus.Publish(realtime.Event{
				Room:    realtime.RoomQueueMonitor,
				Type:    realtime.EventQueueStats,
				Payload: stats,
			})
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
