package clientqueue

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"jerky-rank-system/services"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	mu      sync.Mutex
	calls   []Op
	errs    []error          // consumed one per call, then nil
	failFor map[string]error // per-user persistent failure, wins over errs
	gate    chan struct{}    // when set, every send blocks until a token arrives
}

func (f *fakeSender) SendRanking(_ context.Context, op Op) error {
	f.mu.Lock()
	f.calls = append(f.calls, op)
	var err error
	if e, ok := f.failFor[op.UserID]; ok {
		err = e
	} else if len(f.errs) > 0 {
		err = f.errs[0]
		f.errs = f.errs[1:]
	}
	f.mu.Unlock()
	if f.gate != nil {
		<-f.gate
	}
	return err
}

func (f *fakeSender) clearFailure(userID string) {
	f.mu.Lock()
	delete(f.failFor, userID)
	f.mu.Unlock()
}

func (f *fakeSender) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeSender) call(i int) Op {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

func entries(ids ...string) []services.RankInput {
	out := make([]services.RankInput, len(ids))
	for i, id := range ids {
		out[i] = services.RankInput{ProductID: id, Position: i + 1}
	}
	return out
}

func TestEnqueueDrainsToSender(t *testing.T) {
	sender := &fakeSender{}
	q, err := Open("", sender)
	require.NoError(t, err)
	defer q.Close()

	key, err := q.Enqueue("u1", entries("p1", "p2"))
	require.NoError(t, err)
	q.WaitForIdle()

	require.Equal(t, 1, sender.callCount())
	sent := sender.call(0)
	assert.Equal(t, "u1", sent.UserID)
	assert.Equal(t, key, sent.IdempotencyKey)
	assert.Len(t, sent.Entries, 2)

	depth, err := q.Depth()
	require.NoError(t, err)
	assert.Equal(t, 0, depth)
}

func TestTransientFailureRetriesThenSucceeds(t *testing.T) {
	sender := &fakeSender{errs: []error{services.Errf(services.ErrTransient, "flaky network")}}
	q, err := Open("", sender)
	require.NoError(t, err)
	defer q.Close()

	_, err = q.Enqueue("u1", entries("p1"))
	require.NoError(t, err)
	q.WaitForIdle()

	assert.Equal(t, 2, sender.callCount())
	depth, err := q.Depth()
	require.NoError(t, err)
	assert.Equal(t, 0, depth)
}

func TestTerminalFailureDropsOp(t *testing.T) {
	sender := &fakeSender{errs: []error{services.Errf(services.ErrIneligible, "product not rankable")}}
	q, err := Open("", sender)
	require.NoError(t, err)
	defer q.Close()

	_, err = q.Enqueue("u1", entries("p1"))
	require.NoError(t, err)
	q.WaitForIdle()

	assert.Equal(t, 1, sender.callCount(), "a rejected payload is never retried")
	depth, err := q.Depth()
	require.NoError(t, err)
	assert.Equal(t, 0, depth)
}

func TestReplayCountsAsSuccess(t *testing.T) {
	sender := &fakeSender{errs: []error{services.Errf(services.ErrReplay, "duplicate delivery")}}
	q, err := Open("", sender)
	require.NoError(t, err)
	defer q.Close()

	_, err = q.Enqueue("u1", entries("p1"))
	require.NoError(t, err)
	q.WaitForIdle()

	assert.Equal(t, 1, sender.callCount())
	depth, err := q.Depth()
	require.NoError(t, err)
	assert.Equal(t, 0, depth)
}

func TestCoalescesNewerSnapshotsForSameUser(t *testing.T) {
	sender := &fakeSender{gate: make(chan struct{})}
	q, err := Open("", sender)
	require.NoError(t, err)
	defer q.Close()

	_, err = q.Enqueue("u1", entries("p1"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return sender.callCount() == 1 },
		5*time.Second, 10*time.Millisecond)

	// While the first op is held in flight, two newer snapshots pile up.
	_, err = q.Enqueue("u1", entries("p1", "p2"))
	require.NoError(t, err)
	lastKey, err := q.Enqueue("u1", entries("p1", "p2", "p3"))
	require.NoError(t, err)

	sender.gate <- struct{}{} // release the first send
	sender.gate <- struct{}{} // release the coalesced send
	q.WaitForIdle()

	require.Equal(t, 2, sender.callCount(), "three snapshots collapse into two sends")
	merged := sender.call(1)
	assert.Equal(t, lastKey, merged.IdempotencyKey, "the newest key wins")
	assert.Len(t, merged.Entries, 3, "the newest snapshot wins")
}

func TestExhaustedOpFailsTerminallyAndSurfaces(t *testing.T) {
	sender := &fakeSender{errs: []error{
		services.Errf(services.ErrTransient, "down"),
		services.Errf(services.ErrTransient, "down"),
		services.Errf(services.ErrTransient, "down"),
	}}
	q, err := Open("", sender)
	require.NoError(t, err)
	defer q.Close()

	var mu sync.Mutex
	var reported []Op
	var reportedErr error
	q.NotifyFailures(func(op Op, err error) {
		mu.Lock()
		reported = append(reported, op)
		reportedErr = err
		mu.Unlock()
	})

	key, err := q.Enqueue("u1", entries("p1"))
	require.NoError(t, err)
	q.WaitForIdle()

	assert.Equal(t, maxAttempts, sender.callCount())
	depth, err := q.Depth()
	require.NoError(t, err)
	assert.Equal(t, 0, depth, "a failed op must leave the live queue")

	mu.Lock()
	require.Len(t, reported, 1)
	assert.Equal(t, key, reported[0].IdempotencyKey)
	assert.Equal(t, StateFailedTerminal, reported[0].State)
	assert.Error(t, reportedErr)
	mu.Unlock()

	parked, err := q.Failed()
	require.NoError(t, err)
	require.Len(t, parked, 1)
	assert.Equal(t, StateFailedTerminal, parked[0].State)
	assert.Equal(t, maxAttempts, parked[0].Attempts)
}

func TestFailedOpDoesNotBlockOtherUsers(t *testing.T) {
	sender := &fakeSender{failFor: map[string]error{
		"uA": services.Errf(services.ErrTransient, "backend down for uA"),
	}}
	q, err := Open("", sender)
	require.NoError(t, err)
	defer q.Close()

	_, err = q.Enqueue("uA", entries("p1"))
	require.NoError(t, err)
	_, err = q.Enqueue("uB", entries("p2"))
	require.NoError(t, err)

	q.WaitForIdle()

	var sawB bool
	for i := 0; i < sender.callCount(); i++ {
		if sender.call(i).UserID == "uB" {
			sawB = true
		}
	}
	assert.True(t, sawB, "uB's save must go out even while uA's keeps failing")

	depth, err := q.Depth()
	require.NoError(t, err)
	assert.Equal(t, 0, depth)

	parked, err := q.Failed()
	require.NoError(t, err)
	require.Len(t, parked, 1)
	assert.Equal(t, "uA", parked[0].UserID)
}

func TestRetryFailedRequeuesWithSameKey(t *testing.T) {
	sender := &fakeSender{failFor: map[string]error{
		"u1": services.Errf(services.ErrTransient, "down"),
	}}
	q, err := Open("", sender)
	require.NoError(t, err)
	defer q.Close()

	key, err := q.Enqueue("u1", entries("p1"))
	require.NoError(t, err)
	q.WaitForIdle()

	parked, err := q.Failed()
	require.NoError(t, err)
	require.Len(t, parked, 1)

	sender.clearFailure("u1")
	n, err := q.RetryFailed()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	q.WaitForIdle()

	parked, err = q.Failed()
	require.NoError(t, err)
	assert.Empty(t, parked)
	depth, err := q.Depth()
	require.NoError(t, err)
	assert.Equal(t, 0, depth)

	last := sender.call(sender.callCount() - 1)
	assert.Equal(t, "u1", last.UserID)
	assert.Equal(t, key, last.IdempotencyKey, "the key survives so the server can dedup")
}

func TestReplayInFlightDemotesToPending(t *testing.T) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	require.NoError(t, err)
	defer db.Close()

	// An op left in flight by a crashed process.
	stuck := Op{
		Seq: 1, UserID: "u1", Entries: entries("p1"),
		IdempotencyKey: "k1", State: StateInFlight, Attempts: 2,
		CreatedAt: time.Now().UTC(),
	}
	raw, err := json.Marshal(stuck)
	require.NoError(t, err)
	require.NoError(t, db.Update(func(txn *badger.Txn) error {
		return txn.Set(opKey(stuck.Seq), raw)
	}))

	q := &Queue{db: db}
	require.NoError(t, q.replayInFlight())

	var got Op
	require.NoError(t, db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(opKey(stuck.Seq))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error { return json.Unmarshal(v, &got) })
	}))
	assert.Equal(t, StatePending, got.State)
	assert.Equal(t, 0, got.Attempts)
	assert.Equal(t, "k1", got.IdempotencyKey, "the key survives so the server can dedup the re-send")
}
