package redemption

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"rewards-core/pkg/config"
	"rewards-core/pkg/connectivity"
	"rewards-core/pkg/errutil"
	"rewards-core/pkg/lock"
	"rewards-core/pkg/remote"
	"rewards-core/services/reconcile"
	"rewards-core/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

// dbBalance derives a balance from a fixed amount of earned points and the
// redemptions stored so far.
type dbBalance struct {
	db     *gorm.DB
	earned int64
}

func (b dbBalance) GetAvailablePoints(ctx context.Context, userID string) (int64, error) {
	var spent int64
	err := b.db.WithContext(ctx).Model(&RedemptionTransaction{}).
		Where("user_id = ? AND status IN ?", userID, SpendableStatuses).
		Select("COALESCE(SUM(points_used), 0)").
		Scan(&spent).Error
	return b.earned - spent, err
}

type harness struct {
	db         *gorm.DB
	svc        *Service
	remote     *testutil.MemoryRemote
	monitor    *connectivity.Monitor
	queue      *reconcile.Queue
	reconciler *reconcile.Reconciler
}

func testConfig() *config.Config {
	cfg := &config.Config{Timezone: "UTC"}
	cfg.Sync.MaxRetries = 3
	cfg.Sync.BaseBackoff = time.Second
	cfg.Sync.MaxBackoff = time.Minute
	cfg.Sync.BatchSize = 10
	cfg.Redemption.MinimumPoints = 100
	return cfg
}

func newHarness(t *testing.T, earned int64, online bool) *harness {
	t.Helper()

	db := testutil.NewTestDB(t, &RedemptionTransaction{}, &RedemptionOption{}, &reconcile.SyncQueueEntry{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	cfg := testConfig()
	store := testutil.NewMemoryRemote()
	monitor := connectivity.NewMonitor(online)
	locker := lock.NewKeyed()

	queue := reconcile.NewQueue(reconcile.QueueParams{DB: db, Node: node, Config: cfg})
	rec := reconcile.NewReconciler(reconcile.ReconcilerParams{
		Queue:    queue,
		Oracle:   monitor,
		Locker:   locker,
		Config:   cfg,
		Handlers: []reconcile.Handler{NewSyncHandler(db, store)},
	})

	svc := NewService(ServiceParams{
		DB:         db,
		Node:       node,
		Config:     cfg,
		Balance:    dbBalance{db: db, earned: earned},
		Reconciler: rec,
		Remote:     store,
		Oracle:     monitor,
		Locker:     locker,
	})

	require.NoError(t, db.Create(&RedemptionOption{
		ID:             "opt-1",
		FamilyID:       "fam-1",
		Title:          "Movie night",
		RequiredPoints: 100,
		IsActive:       true,
		UpdatedAt:      time.Now().UTC(),
	}).Error)

	return &harness{db: db, svc: svc, remote: store, monitor: monitor, queue: queue, reconciler: rec}
}

func (h *harness) redeem(t *testing.T, points int64) *RedemptionTransaction {
	t.Helper()
	txn, err := h.svc.RedeemPoints(context.Background(), RedeemRequest{
		UserID:         "user-1",
		FamilyID:       "fam-1",
		OptionID:       "opt-1",
		PointsToRedeem: points,
	})
	require.NoError(t, err)
	return txn
}

func TestValidateRedemptionMinimum(t *testing.T) {
	h := newHarness(t, 500, false)
	ctx := context.Background()

	err := h.svc.ValidateRedemption(ctx, "user-1", "opt-1", 99)
	require.Error(t, err)
	require.True(t, errutil.Is(err, errutil.StatusValidationFailed))
	require.Contains(t, err.Error(), "below minimum")

	require.NoError(t, h.svc.ValidateRedemption(ctx, "user-1", "opt-1", 100))
}

func TestValidateRedemptionMinimumComesFirst(t *testing.T) {
	h := newHarness(t, 0, false)

	err := h.svc.ValidateRedemption(context.Background(), "user-1", "missing", 99)
	require.Contains(t, err.Error(), "below minimum")
}

func TestValidateRedemptionOptionUnavailable(t *testing.T) {
	h := newHarness(t, 500, false)
	ctx := context.Background()
	past := time.Now().Add(-time.Hour).UTC()

	require.NoError(t, h.db.Create(&RedemptionOption{ID: "inactive", FamilyID: "fam-1", IsActive: false}).Error)
	require.NoError(t, h.db.Create(&RedemptionOption{ID: "expired", FamilyID: "fam-1", IsActive: true, ExpiresAt: &past}).Error)

	for _, id := range []string{"inactive", "expired", "unknown"} {
		err := h.svc.ValidateRedemption(ctx, "user-1", id, 100)
		require.True(t, errutil.Is(err, errutil.StatusValidationFailed), id)
		require.Contains(t, err.Error(), "unavailable", id)
	}
}

func TestValidateRedemptionInsufficientPoints(t *testing.T) {
	h := newHarness(t, 30, false)
	h.svc.minimum = 10

	err := h.svc.ValidateRedemption(context.Background(), "user-1", "opt-1", 35)

	var insufficient *InsufficientPointsError
	require.True(t, errors.As(err, &insufficient))
	require.Equal(t, int64(35), insufficient.Required)
	require.Equal(t, int64(30), insufficient.Available)
	require.Equal(t, int64(5), insufficient.Shortfall())
	require.Equal(t, errutil.StatusInsufficientPoints, errutil.StatusOf(err))
	require.False(t, errutil.IsRetryable(err))
}

func TestRedeemPointsOnlineConfirmsImmediately(t *testing.T) {
	h := newHarness(t, 150, true)

	txn := h.redeem(t, 100)
	require.Equal(t, StatusPending, txn.Status)
	require.Equal(t, int64(1), txn.Version)
	require.Equal(t, SyncSynced, txn.SyncStatus)
	require.NotNil(t, txn.GeneratedForDate)

	doc := h.remote.Doc(remote.CollectionRedemptionTransactions, txn.ID)
	require.NotNil(t, doc)
	require.Equal(t, "pending", doc["status"])
	require.EqualValues(t, 100, doc["pointsUsed"])
	_, hasReason := doc["cancellationReason"]
	require.False(t, hasReason)

	pending, err := h.queue.HasPending(context.Background(), EntityType, txn.ID)
	require.NoError(t, err)
	require.False(t, pending)
}

func TestRedeemPointsOfflineThenSyncNow(t *testing.T) {
	h := newHarness(t, 150, false)
	ctx := context.Background()

	txn := h.redeem(t, 100)
	require.Equal(t, StatusPending, txn.Status)
	require.Equal(t, SyncPending, txn.SyncStatus)
	require.Zero(t, h.remote.Calls("get"))
	require.Zero(t, h.remote.Calls("set"))

	pending, err := h.queue.HasPending(ctx, EntityType, txn.ID)
	require.NoError(t, err)
	require.True(t, pending)

	_, err = h.reconciler.SyncNow(ctx)
	require.True(t, errutil.Is(err, errutil.StatusNetworkFailure))

	h.monitor.Set(true)
	res, err := h.reconciler.SyncNow(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Synced)
	require.Empty(t, res.Conflicts)

	pending, err = h.queue.HasPending(ctx, EntityType, txn.ID)
	require.NoError(t, err)
	require.False(t, pending)

	stored, err := h.svc.GetRedemption(ctx, txn.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, stored.Status)
	require.Equal(t, SyncSynced, stored.SyncStatus)
	require.NotNil(t, h.remote.Doc(remote.CollectionRedemptionTransactions, txn.ID))
}

func TestRedeemPointsRemoteFailureLeavesEntryQueued(t *testing.T) {
	h := newHarness(t, 150, true)
	h.remote.Fail(errors.New("unavailable"))

	txn := h.redeem(t, 100)
	require.Equal(t, StatusPending, txn.Status)
	require.Equal(t, SyncPending, txn.SyncStatus)

	var entries []*reconcile.SyncQueueEntry
	require.NoError(t, h.db.Where("entity_id = ?", txn.ID).Find(&entries).Error)
	require.Len(t, entries, 1)
	require.Equal(t, reconcile.StatusQueued, entries[0].Status)
	require.Equal(t, 1, entries[0].RetryCount)
	require.NotEmpty(t, entries[0].LastError)
}

func TestRedeemPointsRemoteTimeoutLeavesEntryQueued(t *testing.T) {
	h := newHarness(t, 150, true)
	h.remote.Slow(time.Second, 20*time.Millisecond)

	txn := h.redeem(t, 100)
	require.Equal(t, StatusPending, txn.Status)
	require.Equal(t, SyncPending, txn.SyncStatus)
	require.Nil(t, h.remote.Doc(remote.CollectionRedemptionTransactions, txn.ID))

	var entries []*reconcile.SyncQueueEntry
	require.NoError(t, h.db.Where("entity_id = ?", txn.ID).Find(&entries).Error)
	require.Len(t, entries, 1)
	require.Equal(t, reconcile.StatusQueued, entries[0].Status)
	require.Equal(t, 1, entries[0].RetryCount)
	require.Contains(t, entries[0].LastError, "timed out")
}

func TestRedeemPointsRejectedLeavesNothingBehind(t *testing.T) {
	h := newHarness(t, 50, true)

	_, err := h.svc.RedeemPoints(context.Background(), RedeemRequest{UserID: "user-1", OptionID: "opt-1", PointsToRedeem: 100})
	var insufficient *InsufficientPointsError
	require.True(t, errors.As(err, &insufficient))

	var count int64
	require.NoError(t, h.db.Model(&RedemptionTransaction{}).Count(&count).Error)
	require.Zero(t, count)
	require.NoError(t, h.db.Model(&reconcile.SyncQueueEntry{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestCancelRedemptionRestoresBalance(t *testing.T) {
	h := newHarness(t, 150, false)
	ctx := context.Background()
	balance := dbBalance{db: h.db, earned: 150}

	txn := h.redeem(t, 100)
	available, err := balance.GetAvailablePoints(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(50), available)

	cancelled, err := h.svc.CancelRedemption(ctx, txn.ID, "user-1", "changed my mind")
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CancelledAt)
	require.Equal(t, "changed my mind", cancelled.CancellationReason)
	require.Equal(t, int64(2), cancelled.Version)

	available, err = balance.GetAvailablePoints(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(150), available)

	// The waiting create absorbs the update.
	var count int64
	require.NoError(t, h.db.Model(&reconcile.SyncQueueEntry{}).Where("entity_id = ?", txn.ID).Count(&count).Error)
	require.Equal(t, int64(1), count)
}

func TestCancelRedemptionOfAnotherUser(t *testing.T) {
	h := newHarness(t, 150, false)
	txn := h.redeem(t, 100)

	_, err := h.svc.CancelRedemption(context.Background(), txn.ID, "user-2", "")
	require.True(t, errutil.Is(err, errutil.StatusNotFound))
}

func TestFinalTransactionsAreImmutable(t *testing.T) {
	for _, final := range []Status{StatusCompleted, StatusCancelled, StatusExpired} {
		t.Run(string(final), func(t *testing.T) {
			h := newHarness(t, 500, false)
			ctx := context.Background()

			txn := h.redeem(t, 100)
			_, err := h.svc.UpdateTransactionStatus(ctx, txn.ID, final)
			require.NoError(t, err)

			_, err = h.svc.CancelRedemption(ctx, txn.ID, "user-1", "too late")
			var finalErr *FinalStateError
			require.True(t, errors.As(err, &finalErr))
			require.Equal(t, txn.ID, finalErr.TransactionID)
			require.Equal(t, final, finalErr.Current)
			require.Equal(t, errutil.StatusValidationFailed, errutil.StatusOf(err))
			require.Contains(t, err.Error(), txn.ID)

			for _, next := range []Status{StatusCompleted, StatusCancelled, StatusExpired} {
				_, err = h.svc.UpdateTransactionStatus(ctx, txn.ID, next)
				require.True(t, errors.As(err, &finalErr))
			}

			stored, err := h.svc.GetRedemption(ctx, txn.ID)
			require.NoError(t, err)
			require.Equal(t, final, stored.Status)
			require.Equal(t, int64(2), stored.Version)
		})
	}
}

func TestUpdateTransactionStatusRejectsPending(t *testing.T) {
	h := newHarness(t, 500, false)
	txn := h.redeem(t, 100)

	_, err := h.svc.UpdateTransactionStatus(context.Background(), txn.ID, StatusPending)
	require.True(t, errutil.Is(err, errutil.StatusValidationFailed))
}

func TestUpdateTransactionStatusCompletedSetsTimestamp(t *testing.T) {
	h := newHarness(t, 500, false)
	txn := h.redeem(t, 100)

	done, err := h.svc.UpdateTransactionStatus(context.Background(), txn.ID, StatusCompleted)
	require.NoError(t, err)
	require.NotNil(t, done.CompletedAt)
	require.Nil(t, done.CancelledAt)
}

func TestConcurrentRedemptionsCannotOverdraw(t *testing.T) {
	h := newHarness(t, 250, false)

	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		succeeded    int
		insufficient int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.RedeemPoints(context.Background(), RedeemRequest{UserID: "user-1", OptionID: "opt-1", PointsToRedeem: 100})
			mu.Lock()
			defer mu.Unlock()
			var ip *InsufficientPointsError
			switch {
			case err == nil:
				succeeded++
			case errors.As(err, &ip):
				insufficient++
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 2, succeeded)
	require.Equal(t, 3, insufficient)

	available, err := dbBalance{db: h.db, earned: 250}.GetAvailablePoints(context.Background(), "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(50), available)
}

// startSlowDrain begins a drain whose remote calls each take delay and waits
// until it holds the transaction.
func (h *harness) startSlowDrain(t *testing.T, delay time.Duration) <-chan error {
	t.Helper()
	h.remote.Slow(delay, 0)
	h.monitor.Set(true)

	done := make(chan error, 1)
	go func() {
		_, err := h.reconciler.SyncNow(context.Background())
		done <- err
	}()
	require.Eventually(t, func() bool { return h.remote.Calls("get") > 0 }, time.Second, time.Millisecond)
	return done
}

func TestCancelDuringSyncWaitsForRemoteCompletion(t *testing.T) {
	h := newHarness(t, 500, false)
	ctx := context.Background()

	txn := h.redeem(t, 100)
	h.remote.Put(remote.CollectionRedemptionTransactions, txn.ID, remoteTxn(StatusCompleted, 2, 100))
	done := h.startSlowDrain(t, 100*time.Millisecond)

	_, err := h.svc.CancelRedemption(ctx, txn.ID, "user-1", "changed my mind")
	require.NoError(t, <-done)

	var finalErr *FinalStateError
	require.True(t, errors.As(err, &finalErr))
	require.Equal(t, StatusCompleted, finalErr.Current)

	got, err := h.svc.GetRedemption(ctx, txn.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, got.Status)
	require.Equal(t, SyncSynced, got.SyncStatus)
	require.Empty(t, got.CancellationReason)
	require.Nil(t, got.CancelledAt)
}

func TestCancelDuringSyncSticks(t *testing.T) {
	h := newHarness(t, 500, false)
	ctx := context.Background()

	txn := h.redeem(t, 100)
	done := h.startSlowDrain(t, 50*time.Millisecond)

	cancelled, err := h.svc.CancelRedemption(ctx, txn.ID, "user-1", "changed my mind")
	require.NoError(t, err)
	require.NoError(t, <-done)
	require.Equal(t, StatusCancelled, cancelled.Status)

	got, err := h.svc.GetRedemption(ctx, txn.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, got.Status)
	require.Equal(t, int64(2), got.Version)
	require.Equal(t, "changed my mind", got.CancellationReason)
	require.Equal(t, SyncSynced, got.SyncStatus)

	doc := h.remote.Doc(remote.CollectionRedemptionTransactions, txn.ID)
	require.Equal(t, string(StatusCancelled), doc["status"])
}

func TestGetRedemptionHistory(t *testing.T) {
	h := newHarness(t, 1000, false)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, h.redeem(t, 100).ID)
	}
	_, err := h.svc.CancelRedemption(ctx, ids[0], "user-1", "")
	require.NoError(t, err)

	page, err := h.svc.GetRedemptionHistory(ctx, "user-1", HistoryQuery{Page: 1, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Data, 2)
	require.Equal(t, int64(3), page.PageInfo.Total)
	require.True(t, page.PageInfo.HasMore)

	page, err = h.svc.GetRedemptionHistory(ctx, "user-1", HistoryQuery{Status: StatusCancelled})
	require.NoError(t, err)
	require.Len(t, page.Data, 1)
	require.Equal(t, ids[0], page.Data[0].ID)

	future := time.Now().Add(time.Hour)
	page, err = h.svc.GetRedemptionHistory(ctx, "user-1", HistoryQuery{From: &future})
	require.NoError(t, err)
	require.Empty(t, page.Data)

	_, err = h.svc.GetRedemptionHistory(ctx, "user-1", HistoryQuery{Status: "bogus"})
	require.True(t, errutil.Is(err, errutil.StatusBadRequest))
}

func TestExpireStaleRedemptions(t *testing.T) {
	h := newHarness(t, 1000, false)
	ctx := context.Background()

	stale := h.redeem(t, 100)
	done := h.redeem(t, 100)
	_, err := h.svc.UpdateTransactionStatus(ctx, done.ID, StatusCompleted)
	require.NoError(t, err)

	h.svc.now = func() time.Time { return time.Now().UTC().Add(8 * 24 * time.Hour) }
	fresh := h.redeem(t, 100)

	n, err := h.svc.ExpireStaleRedemptions(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := h.svc.GetRedemption(ctx, stale.ID)
	require.NoError(t, err)
	require.Equal(t, StatusExpired, got.Status)

	got, err = h.svc.GetRedemption(ctx, fresh.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, got.Status)

	got, err = h.svc.GetRedemption(ctx, done.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, got.Status)
}
