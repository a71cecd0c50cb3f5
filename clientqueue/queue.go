// clientqueue/queue.go
package clientqueue

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"jerky-rank-system/services"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

const (
	opPrefix     = "op:"
	failedPrefix = "failed:"
	maxAttempts  = 3
	backoffBase  = 1 * time.Second
)

// Op states.
const (
	StatePending        = "pending"
	StateInFlight       = "in_flight"
	StateFailedTerminal = "failed_terminal"
)

// Op is one durable ranking-save operation. The snapshot is the user's full
// intended ranking, which is what makes coalescing safe: the newest op
// subsumes every older one for the same user.
type Op struct {
	Seq            uint64               `json:"seq"`
	UserID         string               `json:"user_id"`
	Entries        []services.RankInput `json:"entries"`
	IdempotencyKey string               `json:"idempotency_key"`
	State          string               `json:"state"`
	Attempts       int                  `json:"attempts"`
	CreatedAt      time.Time            `json:"created_at"`
}

// Sender pushes one op to the backend. Implementations return the ranking
// service's typed errors so the queue can tell retryable from terminal.
type Sender interface {
	SendRanking(ctx context.Context, op Op) error
}

// Queue is a crash-safe FIFO of ranking saves, persisted in a local badger
// store. Exactly one op is in flight at a time; the rest coalesce behind it.
// An op that exhausts its retry budget is parked out of the FIFO as
// failed_terminal so it never blocks the ops behind it.
type Queue struct {
	db     *badger.DB
	sender Sender

	mu       sync.Mutex
	idle     *sync.Cond
	active   bool
	onFailed func(op Op, err error)
	wakeCh   chan struct{}
	closeCh  chan struct{}
	wg       sync.WaitGroup
}

// Open loads the store at path ("" means in-memory, for tests), replays any
// op that was in flight when the process died, and starts the drain loop.
func Open(path string, sender Sender) (*Queue, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	opts = opts.WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open client queue store: %w", err)
	}

	q := &Queue{
		db:      db,
		sender:  sender,
		wakeCh:  make(chan struct{}, 1),
		closeCh: make(chan struct{}),
	}
	q.idle = sync.NewCond(&q.mu)

	if err := q.replayInFlight(); err != nil {
		_ = db.Close()
		return nil, err
	}

	q.wg.Add(1)
	go q.drainLoop()
	q.wake()
	return q, nil
}

// Close stops the drain loop and releases the store. Pending ops stay on disk
// and replay on the next Open.
func (q *Queue) Close() error {
	close(q.closeCh)
	q.wg.Wait()
	return q.db.Close()
}

// NotifyFailures registers a callback invoked when an op exhausts its retry
// budget and is parked as failed_terminal. Set it right after Open, before
// the first failure can land.
func (q *Queue) NotifyFailures(fn func(op Op, err error)) {
	q.mu.Lock()
	q.onFailed = fn
	q.mu.Unlock()
}

func opKey(seq uint64) []byte {
	return seqKey(opPrefix, seq)
}

func failedKey(seq uint64) []byte {
	return seqKey(failedPrefix, seq)
}

func seqKey(prefix string, seq uint64) []byte {
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], seq)
	return key
}

// Enqueue persists one snapshot save. Returns the assigned idempotency key so
// callers can correlate the eventual server receipt.
func (q *Queue) Enqueue(userID string, entries []services.RankInput) (string, error) {
	op := Op{
		UserID:         userID,
		Entries:        entries,
		IdempotencyKey: uuid.NewString(),
		State:          StatePending,
		CreatedAt:      time.Now().UTC(),
	}
	err := q.db.Update(func(txn *badger.Txn) error {
		seq, err := nextSeq(txn)
		if err != nil {
			return err
		}
		op.Seq = seq
		raw, err := json.Marshal(op)
		if err != nil {
			return err
		}
		return txn.Set(opKey(seq), raw)
	})
	if err != nil {
		return "", fmt.Errorf("enqueue ranking op: %w", err)
	}
	q.wake()
	return op.IdempotencyKey, nil
}

// nextSeq scans for the highest existing sequence across both the live FIFO
// and the parked failed ops, so a parked seq is never reissued. Single-writer
// store, so a scan inside the update txn is race-free.
func nextSeq(txn *badger.Txn) (uint64, error) {
	next := uint64(1)
	for _, prefix := range []string{opPrefix, failedPrefix} {
		it := txn.NewIterator(badger.IteratorOptions{
			Reverse: true,
			Prefix:  []byte(prefix),
		})
		// Reverse iteration needs a seek point past every possible key.
		it.Seek(seqKey(prefix, ^uint64(0)))
		if it.ValidForPrefix([]byte(prefix)) {
			key := it.Item().Key()
			if n := binary.BigEndian.Uint64(key[len(prefix):]) + 1; n > next {
				next = n
			}
		}
		it.Close()
	}
	return next, nil
}

// replayInFlight demotes any op stuck in_flight from a previous crash back to
// pending. The server's idempotency receipts make the re-send harmless.
func (q *Queue) replayInFlight() error {
	return q.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(opPrefix)})
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix([]byte(opPrefix)); it.Next() {
			item := it.Item()
			var op Op
			if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &op) }); err != nil {
				return err
			}
			if op.State != StateInFlight {
				continue
			}
			op.State = StatePending
			op.Attempts = 0
			raw, err := json.Marshal(op)
			if err != nil {
				return err
			}
			if err := txn.Set(item.KeyCopy(nil), raw); err != nil {
				return err
			}
			log.Printf("🔁 [CLIENTQUEUE] replaying op %d for user %s", op.Seq, op.UserID)
		}
		return nil
	})
}

func (q *Queue) wake() {
	select {
	case q.wakeCh <- struct{}{}:
	default:
	}
}

// WaitForIdle blocks until no op is pending or in flight. Used by tests and
// by graceful shutdown to flush the queue.
func (q *Queue) WaitForIdle() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		n, _ := q.depthLocked()
		if n == 0 && !q.active {
			return
		}
		q.idle.Wait()
	}
}

// Depth returns the number of stored ops.
func (q *Queue) Depth() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depthLocked()
}

func (q *Queue) depthLocked() (int, error) {
	n := 0
	err := q.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(opPrefix)})
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix([]byte(opPrefix)); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

func (q *Queue) drainLoop() {
	defer q.wg.Done()
	for {
		select {
		case <-q.closeCh:
			return
		case <-q.wakeCh:
		}
		for q.drainOne() {
			select {
			case <-q.closeCh:
				return
			default:
			}
		}
		q.mu.Lock()
		q.idle.Broadcast()
		q.mu.Unlock()
	}
}

// drainOne sends the oldest op, coalescing newer ops for the same user into
// it first. Returns false when the queue is empty.
func (q *Queue) drainOne() bool {
	op, ok := q.takeHead()
	if !ok {
		return false
	}

	q.mu.Lock()
	q.active = true
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.active = false
		q.idle.Broadcast()
		q.mu.Unlock()
	}()

	var lastErr error
	for op.Attempts < maxAttempts {
		op.Attempts++
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := q.sender.SendRanking(ctx, *op)
		cancel()

		if err == nil || services.KindOf(err) == services.ErrReplay {
			q.remove(op.Seq)
			return true
		}
		if services.Terminal(err) {
			// Rejected payload; retrying the same bytes can never succeed.
			log.Printf("🗑️ [CLIENTQUEUE] dropping op %d for user %s: %v", op.Seq, op.UserID, err)
			q.remove(op.Seq)
			return true
		}

		lastErr = err
		if op.Attempts == maxAttempts {
			break
		}
		delay := backoffBase << (op.Attempts - 1)
		log.Printf("⚠️ [CLIENTQUEUE] op %d attempt %d failed, retrying in %s: %v",
			op.Seq, op.Attempts, delay, err)
		q.persist(op)
		select {
		case <-q.closeCh:
			return false
		case <-time.After(delay):
		}
	}

	// Out of attempts: move the op out of the FIFO so the ops behind it keep
	// draining, and surface the failure. RetryFailed puts it back with a
	// fresh budget; the idempotency key survives either way.
	op.State = StateFailedTerminal
	q.parkFailed(op)
	log.Printf("⛔ [CLIENTQUEUE] op %d for user %s failed terminally after %d attempts: %v",
		op.Seq, op.UserID, op.Attempts, lastErr)
	q.notifyFailed(*op, lastErr)
	return true
}

func (q *Queue) parkFailed(op *Op) {
	if err := q.db.Update(func(txn *badger.Txn) error {
		raw, err := json.Marshal(op)
		if err != nil {
			return err
		}
		if err := txn.Set(failedKey(op.Seq), raw); err != nil {
			return err
		}
		return txn.Delete(opKey(op.Seq))
	}); err != nil {
		log.Printf("❌ [CLIENTQUEUE] park op %d failed: %v", op.Seq, err)
	}
}

func (q *Queue) notifyFailed(op Op, err error) {
	q.mu.Lock()
	fn := q.onFailed
	q.mu.Unlock()
	if fn != nil {
		fn(op, err)
	}
}

// Failed lists ops that exhausted their retry budget, oldest first.
func (q *Queue) Failed() ([]Op, error) {
	var out []Op
	err := q.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(failedPrefix)})
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix([]byte(failedPrefix)); it.Next() {
			var op Op
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &op) }); err != nil {
				return err
			}
			out = append(out, op)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list failed ops: %w", err)
	}
	return out, nil
}

// RetryFailed moves every terminally-failed op back into the live queue with
// a fresh attempt budget. Idempotency keys are preserved so the server can
// still dedup a save that actually landed.
func (q *Queue) RetryFailed() (int, error) {
	n := 0
	err := q.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(failedPrefix)})
		var ops []Op
		for it.Rewind(); it.ValidForPrefix([]byte(failedPrefix)); it.Next() {
			var op Op
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &op) }); err != nil {
				it.Close()
				return err
			}
			ops = append(ops, op)
		}
		it.Close()

		for _, op := range ops {
			if err := txn.Delete(failedKey(op.Seq)); err != nil {
				return err
			}
			seq, err := nextSeq(txn)
			if err != nil {
				return err
			}
			op.Seq = seq
			op.State = StatePending
			op.Attempts = 0
			raw, err := json.Marshal(op)
			if err != nil {
				return err
			}
			if err := txn.Set(opKey(seq), raw); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("retry failed ops: %w", err)
	}
	if n > 0 {
		q.wake()
	}
	return n, nil
}

// takeHead returns the oldest op, after folding every newer op for the same
// user into it (newest snapshot and key win, older ones are deleted).
func (q *Queue) takeHead() (*Op, bool) {
	var head *Op
	err := q.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(opPrefix)})
		defer it.Close()

		var ops []Op
		for it.Rewind(); it.ValidForPrefix([]byte(opPrefix)); it.Next() {
			var op Op
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &op) }); err != nil {
				return err
			}
			ops = append(ops, op)
		}
		if len(ops) == 0 {
			return nil
		}

		oldest := ops[0]
		// Coalesce: the latest snapshot for this user supersedes the rest.
		merged := oldest
		for _, op := range ops[1:] {
			if op.UserID != oldest.UserID {
				continue
			}
			merged.Entries = op.Entries
			merged.IdempotencyKey = op.IdempotencyKey
			if err := txn.Delete(opKey(op.Seq)); err != nil {
				return err
			}
		}

		merged.State = StateInFlight
		raw, err := json.Marshal(merged)
		if err != nil {
			return err
		}
		if err := txn.Set(opKey(merged.Seq), raw); err != nil {
			return err
		}
		head = &merged
		return nil
	})
	if err != nil {
		log.Printf("❌ [CLIENTQUEUE] head scan failed: %v", err)
		return nil, false
	}
	return head, head != nil
}

func (q *Queue) remove(seq uint64) {
	if err := q.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(opKey(seq))
	}); err != nil {
		log.Printf("❌ [CLIENTQUEUE] delete op %d failed: %v", seq, err)
	}
}

func (q *Queue) persist(op *Op) {
	if err := q.db.Update(func(txn *badger.Txn) error {
		raw, err := json.Marshal(op)
		if err != nil {
			return err
		}
		return txn.Set(opKey(op.Seq), raw)
	}); err != nil {
		log.Printf("❌ [CLIENTQUEUE] persist op %d failed: %v", op.Seq, err)
	}
}
