package reconcile

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"rewards-core/pkg/config"
	"rewards-core/pkg/errutil"
	"rewards-core/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time          { return c.now }
func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newClock() *clock {
	return &clock{now: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)}
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Sync.MaxRetries = 3
	cfg.Sync.BaseBackoff = 2 * time.Second
	cfg.Sync.MaxBackoff = time.Minute
	cfg.Sync.BatchSize = 10
	return cfg
}

func newTestQueue(t *testing.T) (*Queue, *clock) {
	t.Helper()
	db := testutil.NewTestDB(t, &SyncQueueEntry{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	q := NewQueue(QueueParams{DB: db, Node: node, Config: testConfig()})
	c := newClock()
	q.now = c.Now
	return q, c
}

func enqueue(t *testing.T, q *Queue, entityID string, op Operation, payload any) *SyncQueueEntry {
	t.Helper()
	e, err := q.Enqueue(context.Background(), EnqueueParams{
		EntityType: "redemption_transaction",
		EntityID:   entityID,
		Operation:  op,
		Payload:    payload,
	})
	require.NoError(t, err)
	return e
}

func TestEnqueueValidates(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, EnqueueParams{EntityType: "x", EntityID: "1", Operation: "upsert"})
	require.True(t, errutil.Is(err, errutil.StatusValidationFailed))

	_, err = q.Enqueue(ctx, EnqueueParams{EntityType: "x", Operation: OperationCreate})
	require.True(t, errutil.Is(err, errutil.StatusValidationFailed))
}

func TestEnqueueCoalescesIntoWaitingCreate(t *testing.T) {
	q, c := newTestQueue(t)
	ctx := context.Background()

	created := enqueue(t, q, "tx-1", OperationCreate, map[string]any{"status": "pending"})
	c.Advance(time.Second)
	updated := enqueue(t, q, "tx-1", OperationUpdate, map[string]any{"status": "cancelled"})
	require.Equal(t, created.ID, updated.ID)

	due, err := q.Due(ctx, c.Now(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, OperationCreate, due[0].Operation)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(due[0].Payload, &payload))
	require.Equal(t, "cancelled", payload["status"])
}

func TestEnqueueAfterInFlightAddsEntry(t *testing.T) {
	q, c := newTestQueue(t)
	ctx := context.Background()

	first := enqueue(t, q, "tx-1", OperationCreate, nil)
	ok, err := q.MarkInFlight(ctx, first.ID)
	require.NoError(t, err)
	require.True(t, ok)

	c.Advance(time.Second)
	second := enqueue(t, q, "tx-1", OperationUpdate, nil)
	require.NotEqual(t, first.ID, second.ID)

	pending, err := q.HasPending(ctx, "redemption_transaction", "tx-1")
	require.NoError(t, err)
	require.True(t, pending)
}

func TestDueOrdersByPriorityThenFIFO(t *testing.T) {
	q, c := newTestQueue(t)
	ctx := context.Background()

	syncE := enqueue(t, q, "e1", OperationSync, nil)
	c.Advance(time.Second)
	updateE := enqueue(t, q, "e2", OperationUpdate, nil)
	c.Advance(time.Second)
	createA := enqueue(t, q, "e3", OperationCreate, nil)
	c.Advance(time.Second)
	deleteE := enqueue(t, q, "e4", OperationDelete, nil)
	c.Advance(time.Second)
	createB := enqueue(t, q, "e5", OperationCreate, nil)

	due, err := q.Due(ctx, c.Now(), 10)
	require.NoError(t, err)

	var got []string
	for _, e := range due {
		got = append(got, e.ID)
	}
	require.Equal(t, []string{createA.ID, createB.ID, updateE.ID, deleteE.ID, syncE.ID}, got)

	limited, err := q.Due(ctx, c.Now(), 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
}

func TestFailBacksOffThenDies(t *testing.T) {
	q, c := newTestQueue(t)
	ctx := context.Background()
	e := enqueue(t, q, "tx-1", OperationCreate, nil)
	cause := errutil.NetworkFailure("unreachable", nil)

	status, err := q.Fail(ctx, e, cause)
	require.NoError(t, err)
	require.Equal(t, StatusQueued, status)

	due, err := q.Due(ctx, c.Now(), 10)
	require.NoError(t, err)
	require.Empty(t, due, "entry must wait out its backoff")

	c.Advance(2 * time.Second)
	due, err = q.Due(ctx, c.Now(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, 1, due[0].RetryCount)

	status, err = q.Fail(ctx, due[0], cause)
	require.NoError(t, err)
	require.Equal(t, StatusQueued, status)

	c.Advance(3 * time.Second)
	due, err = q.Due(ctx, c.Now(), 10)
	require.NoError(t, err)
	require.Empty(t, due, "second backoff is 4s")

	c.Advance(time.Second)
	due, err = q.Due(ctx, c.Now(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	status, err = q.Fail(ctx, due[0], cause)
	require.NoError(t, err)
	require.Equal(t, StatusDead, status)

	dead, err := q.ListDead(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	require.Equal(t, 3, dead[0].RetryCount)
	require.Contains(t, dead[0].LastError, "unreachable")
}

func TestFailNonRetryableGoesDead(t *testing.T) {
	q, _ := newTestQueue(t)
	e := enqueue(t, q, "tx-1", OperationCreate, nil)

	status, err := q.Fail(context.Background(), e, errutil.ValidationFailed("malformed", nil))
	require.NoError(t, err)
	require.Equal(t, StatusDead, status)
}

func TestFailOnAbandonedEntry(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	e := enqueue(t, q, "tx-1", OperationCreate, nil)
	require.NoError(t, q.Abandon(ctx, e.ID))

	status, err := q.Fail(ctx, e, errutil.NetworkFailure("x", nil))
	require.NoError(t, err)
	require.Equal(t, EntryStatus(""), status)

	require.True(t, errutil.Is(q.Abandon(ctx, e.ID), errutil.StatusNotFound))
}

func TestRequeue(t *testing.T) {
	q, c := newTestQueue(t)
	ctx := context.Background()
	e := enqueue(t, q, "tx-1", OperationCreate, nil)

	_, err := q.Requeue(ctx, e.ID)
	require.True(t, errutil.Is(err, errutil.StatusFailedPrecondition))

	_, err = q.Requeue(ctx, "missing")
	require.True(t, errutil.Is(err, errutil.StatusNotFound))

	_, err = q.Fail(ctx, e, errutil.ValidationFailed("bad", nil))
	require.NoError(t, err)

	requeued, err := q.Requeue(ctx, e.ID)
	require.NoError(t, err)
	require.Equal(t, StatusQueued, requeued.Status)
	require.Zero(t, requeued.RetryCount)

	due, err := q.Due(ctx, c.Now(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
}

func TestConflictedEntriesAreListedAndRequeueable(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	e := enqueue(t, q, "tx-1", OperationUpdate, nil)

	ok, err := q.MarkConflicted(ctx, e.ID, "remote is final")
	require.NoError(t, err)
	require.True(t, ok)

	dead, err := q.ListDead(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	require.Equal(t, StatusConflicted, dead[0].Status)

	_, err = q.Requeue(ctx, e.ID)
	require.NoError(t, err)
}

func TestPurgeDead(t *testing.T) {
	q, c := newTestQueue(t)
	ctx := context.Background()

	old := enqueue(t, q, "tx-old", OperationCreate, nil)
	_, err := q.Fail(ctx, old, errutil.ValidationFailed("bad", nil))
	require.NoError(t, err)

	c.Advance(48 * time.Hour)
	recent := enqueue(t, q, "tx-new", OperationCreate, nil)
	_, err = q.Fail(ctx, recent, errutil.ValidationFailed("bad", nil))
	require.NoError(t, err)

	n, err := q.PurgeDead(ctx, 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	dead, err := q.ListDead(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	require.Equal(t, recent.ID, dead[0].ID)
}

func TestRecoverInFlightAndStats(t *testing.T) {
	q, c := newTestQueue(t)
	ctx := context.Background()

	e := enqueue(t, q, "tx-1", OperationCreate, nil)
	enqueue(t, q, "tx-2", OperationCreate, nil)
	_, err := q.MarkInFlight(ctx, e.ID)
	require.NoError(t, err)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats[StatusInFlight])
	require.Equal(t, int64(1), stats[StatusQueued])

	n, err := q.RecoverInFlight(ctx)
	require.NoError(t, err)
	require.Zero(t, n, "a fresh claim may belong to a live drainer")

	c.Advance(time.Minute)
	n, err = q.RecoverInFlight(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	due, err := q.Due(ctx, c.Now(), 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Base: 2 * time.Second, Max: 10 * time.Second}

	require.Equal(t, time.Duration(0), b.Delay(0))
	require.Equal(t, 2*time.Second, b.Delay(1))
	require.Equal(t, 4*time.Second, b.Delay(2))
	require.Equal(t, 8*time.Second, b.Delay(3))
	require.Equal(t, 10*time.Second, b.Delay(4))
	require.Equal(t, 10*time.Second, b.Delay(9))
	require.Equal(t, b.Delay(3), b.Delay(3))
}
