package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"rewards-core/pkg/config"
	"rewards-core/pkg/connectivity"
	"rewards-core/pkg/db/pagination"
	"rewards-core/pkg/errutil"
	"rewards-core/pkg/lock"
	"rewards-core/pkg/rediskey"
	"rewards-core/pkg/remote"
	"rewards-core/services/reconcile"
	"rewards-core/services/redemption"
	"rewards-core/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type harness struct {
	db          *gorm.DB
	svc         *Service
	redemptions *redemption.Service
	remote      *testutil.MemoryRemote
	monitor     *connectivity.Monitor
	queue       *reconcile.Queue
	reconciler  *reconcile.Reconciler
	locker      *lock.Keyed
}

func newHarness(t *testing.T, timezone string, online bool) *harness {
	t.Helper()

	db := testutil.NewTestDB(t,
		&RewardEntry{},
		&redemption.RedemptionTransaction{},
		&redemption.RedemptionOption{},
		&reconcile.SyncQueueEntry{},
	)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	cfg := &config.Config{Timezone: timezone}
	cfg.Sync.MaxRetries = 3
	cfg.Sync.BaseBackoff = time.Second
	cfg.Sync.MaxBackoff = time.Minute
	cfg.Sync.BatchSize = 10
	cfg.Redemption.MinimumPoints = 100

	store := testutil.NewMemoryRemote()
	monitor := connectivity.NewMonitor(online)
	locker := lock.NewKeyed()

	queue := reconcile.NewQueue(reconcile.QueueParams{DB: db, Node: node, Config: cfg})
	rec := reconcile.NewReconciler(reconcile.ReconcilerParams{
		Queue:  queue,
		Oracle: monitor,
		Locker: locker,
		Config: cfg,
		Handlers: []reconcile.Handler{
			NewSyncHandler(db, store),
			NewResyncHandler(db, store),
			redemption.NewSyncHandler(db, store),
		},
	})

	svc := NewService(ServiceParams{DB: db, Node: node, Config: cfg, Reconciler: rec, Oracle: monitor, Locker: locker})
	redemptions := redemption.NewService(redemption.ServiceParams{
		DB:         db,
		Node:       node,
		Config:     cfg,
		Balance:    svc,
		Reconciler: rec,
		Remote:     store,
		Oracle:     monitor,
		Locker:     locker,
	})

	require.NoError(t, db.Create(&redemption.RedemptionOption{
		ID: "opt-1", FamilyID: "fam-1", Title: "Park", RequiredPoints: 10, IsActive: true, UpdatedAt: time.Now().UTC(),
	}).Error)

	return &harness{db: db, svc: svc, redemptions: redemptions, remote: store, monitor: monitor, queue: queue, reconciler: rec, locker: locker}
}

func (h *harness) earn(t *testing.T, userID string, points int64) *RewardEntry {
	t.Helper()
	typ := EntryEarned
	if points < 0 {
		typ = EntryAdjusted
	}
	e, err := h.svc.RecordRewardEntry(context.Background(), RewardEntryParams{UserID: userID, Points: points, Type: typ, Description: "task"})
	require.NoError(t, err)
	return e
}

func (h *harness) insertRedemption(t *testing.T, txn redemption.RedemptionTransaction) {
	t.Helper()
	if txn.ID == "" {
		txn.ID = time.Now().Format("150405.000000000")
	}
	if txn.Version == 0 {
		txn.Version = 1
	}
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = time.Now().UTC()
	}
	require.NoError(t, h.db.Create(&txn).Error)
}

func TestAvailablePointsScenario(t *testing.T) {
	h := newHarness(t, "UTC", false)
	ctx := context.Background()

	for _, p := range []int64{15, 20, 5} {
		h.earn(t, "user-1", p)
	}
	h.insertRedemption(t, redemption.RedemptionTransaction{ID: "r-1", UserID: "user-1", OptionID: "opt-1", PointsUsed: 10, Status: redemption.StatusCompleted})

	available, err := h.svc.GetAvailablePoints(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(30), available)

	// The scenario amounts sit below the default threshold.
	h.redemptions = withMinimum(t, h, 10)

	_, err = h.redemptions.RedeemPoints(ctx, redemption.RedeemRequest{UserID: "user-1", OptionID: "opt-1", PointsToRedeem: 35})
	var insufficient *redemption.InsufficientPointsError
	require.True(t, errors.As(err, &insufficient))
	require.Equal(t, int64(35), insufficient.Required)
	require.Equal(t, int64(30), insufficient.Available)

	_, err = h.redemptions.RedeemPoints(ctx, redemption.RedeemRequest{UserID: "user-1", OptionID: "opt-1", PointsToRedeem: 30})
	require.NoError(t, err)

	available, err = h.svc.GetAvailablePoints(ctx, "user-1")
	require.NoError(t, err)
	require.Zero(t, available)
}

func TestAvailablePointsScenarioAtDefaultMinimum(t *testing.T) {
	h := newHarness(t, "UTC", false)
	ctx := context.Background()

	for _, p := range []int64{150, 200, 50} {
		h.earn(t, "user-1", p)
	}
	h.insertRedemption(t, redemption.RedemptionTransaction{ID: "r-1", UserID: "user-1", OptionID: "opt-1", PointsUsed: 100, Status: redemption.StatusCompleted})

	_, err := h.redemptions.RedeemPoints(ctx, redemption.RedeemRequest{UserID: "user-1", OptionID: "opt-1", PointsToRedeem: 350})
	var insufficient *redemption.InsufficientPointsError
	require.True(t, errors.As(err, &insufficient))
	require.Equal(t, int64(50), insufficient.Shortfall())

	_, err = h.redemptions.RedeemPoints(ctx, redemption.RedeemRequest{UserID: "user-1", OptionID: "opt-1", PointsToRedeem: 300})
	require.NoError(t, err)

	available, err := h.svc.GetAvailablePoints(ctx, "user-1")
	require.NoError(t, err)
	require.Zero(t, available)
}

func withMinimum(t *testing.T, h *harness, minimum int64) *redemption.Service {
	t.Helper()
	node, err := snowflake.NewNode(2)
	require.NoError(t, err)
	cfg := &config.Config{Timezone: "UTC"}
	cfg.Redemption.MinimumPoints = minimum
	return redemption.NewService(redemption.ServiceParams{
		DB:         h.db,
		Node:       node,
		Config:     cfg,
		Balance:    h.svc,
		Reconciler: h.reconciler,
		Remote:     h.remote,
		Oracle:     h.monitor,
		Locker:     lock.NewKeyed(),
	})
}

func TestAvailablePointsConservation(t *testing.T) {
	h := newHarness(t, "UTC", false)
	ctx := context.Background()

	h.earn(t, "user-1", 500)
	h.earn(t, "user-1", 40)
	h.earn(t, "user-1", -25)
	h.earn(t, "user-2", 999)

	spent := map[redemption.Status]int64{
		redemption.StatusPending:   100,
		redemption.StatusCompleted: 120,
		redemption.StatusCancelled: 130,
		redemption.StatusExpired:   140,
	}
	for status, points := range spent {
		h.insertRedemption(t, redemption.RedemptionTransaction{
			ID: "r-" + string(status), UserID: "user-1", OptionID: "opt-1", PointsUsed: points, Status: status,
		})
	}
	h.insertRedemption(t, redemption.RedemptionTransaction{ID: "r-other", UserID: "user-2", PointsUsed: 1, Status: redemption.StatusPending})

	first, err := h.svc.GetAvailablePoints(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(500+40-25-100-120), first)

	second, err := h.svc.GetAvailablePoints(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, first, second)

	none, err := h.svc.GetAvailablePoints(ctx, "nobody")
	require.NoError(t, err)
	require.Zero(t, none)
}

func TestAvailablePointsCacheFailure(t *testing.T) {
	h := newHarness(t, "UTC", false)
	h.earn(t, "user-1", 50)

	sqlDB, err := h.db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	available, err := h.svc.GetAvailablePoints(context.Background(), "user-1")
	require.Error(t, err)
	require.Zero(t, available)
	require.Equal(t, errutil.StatusCacheFailure, errutil.StatusOf(err))
	require.True(t, errutil.IsRetryable(err))

	_, err = h.svc.GetNetPointsForDay(context.Background(), "user-1", time.Now())
	require.Equal(t, errutil.StatusCacheFailure, errutil.StatusOf(err))
}

func TestNetPointsForDayLegacyFallback(t *testing.T) {
	h := newHarness(t, "Asia/Jakarta", false)
	loc, err := time.LoadLocation("Asia/Jakarta")
	require.NoError(t, err)
	ctx := context.Background()

	at := func(day, hour, minute int) time.Time {
		return time.Date(2024, 3, day, hour, minute, 0, 0, loc).UTC()
	}
	key := "2024-03-10"
	other := "2024-03-11"

	entries := []RewardEntry{
		{ID: "e-keyed", Points: 50, GeneratedForDate: &key, CreatedAt: at(9, 23, 0)},
		{ID: "e-legacy", Points: 7, CreatedAt: at(10, 12, 0)},
		{ID: "e-start", Points: 3, CreatedAt: at(10, 0, 0)},
		{ID: "e-end", Points: 300, CreatedAt: at(11, 0, 0)},
		{ID: "e-before", Points: 1000, CreatedAt: at(9, 23, 59)},
		{ID: "e-other-key", Points: 2000, GeneratedForDate: &other, CreatedAt: at(10, 9, 0)},
	}
	for _, e := range entries {
		e.UserID = "user-1"
		e.Type = EntryEarned
		require.NoError(t, h.db.Create(&e).Error)
	}

	completed := func(ts time.Time) *time.Time { return &ts }
	txns := []redemption.RedemptionTransaction{
		{ID: "r-keyed", PointsUsed: 10, Status: redemption.StatusCompleted, GeneratedForDate: &key, CreatedAt: at(10, 1, 0), CompletedAt: completed(at(10, 2, 0))},
		{ID: "r-legacy", PointsUsed: 20, Status: redemption.StatusCompleted, CreatedAt: at(9, 20, 0), CompletedAt: completed(at(10, 12, 0))},
		{ID: "r-next-day", PointsUsed: 40, Status: redemption.StatusCompleted, CreatedAt: at(10, 20, 0), CompletedAt: completed(at(11, 1, 0))},
		{ID: "r-created-only", PointsUsed: 5, Status: redemption.StatusPending, CreatedAt: at(10, 23, 30)},
		{ID: "r-cancelled", PointsUsed: 100, Status: redemption.StatusCancelled, GeneratedForDate: &key, CreatedAt: at(10, 8, 0)},
	}
	for _, txn := range txns {
		txn.UserID = "user-1"
		h.insertRedemption(t, txn)
	}

	net, err := h.svc.GetNetPointsForDay(ctx, "user-1", time.Date(2024, 3, 10, 15, 0, 0, 0, loc))
	require.NoError(t, err)
	require.Equal(t, int64(50+7+3-10-20-5), net)

	// A record matching both paths is counted once.
	require.NoError(t, h.db.Model(&redemption.RedemptionTransaction{}).Where("id = ?", "r-legacy").
		Update("generated_for_date", key).Error)
	again, err := h.svc.GetNetPointsForDay(ctx, "user-1", time.Date(2024, 3, 10, 0, 0, 0, 0, loc))
	require.NoError(t, err)
	require.Equal(t, net, again)
}

func TestNetPointsForDayLegacyAndKeyedAgree(t *testing.T) {
	h := newHarness(t, "UTC", false)
	day := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	key := "2024-05-01"

	h.insertRedemption(t, redemption.RedemptionTransaction{ID: "with-key", UserID: "u", PointsUsed: 30, Status: redemption.StatusCompleted, GeneratedForDate: &key, CreatedAt: day})
	h.insertRedemption(t, redemption.RedemptionTransaction{ID: "no-key", UserID: "u", PointsUsed: 40, Status: redemption.StatusCompleted, CreatedAt: day, CompletedAt: &day})
	later := day.AddDate(0, 0, 1)
	h.insertRedemption(t, redemption.RedemptionTransaction{ID: "no-key-later", UserID: "u", PointsUsed: 50, Status: redemption.StatusCompleted, CreatedAt: day, CompletedAt: &later})

	net, err := h.svc.GetNetPointsForDay(context.Background(), "u", day)
	require.NoError(t, err)
	require.Equal(t, int64(-70), net)
}

func TestRecordRewardEntryValidation(t *testing.T) {
	h := newHarness(t, "UTC", false)
	ctx := context.Background()

	_, err := h.svc.RecordRewardEntry(ctx, RewardEntryParams{Points: 10})
	require.True(t, errutil.Is(err, errutil.StatusBadRequest))

	_, err = h.svc.RecordRewardEntry(ctx, RewardEntryParams{UserID: "u", Points: 0})
	require.True(t, errutil.Is(err, errutil.StatusValidationFailed))

	_, err = h.svc.RecordRewardEntry(ctx, RewardEntryParams{UserID: "u", Points: -5})
	require.True(t, errutil.Is(err, errutil.StatusValidationFailed))

	_, err = h.svc.RecordRewardEntry(ctx, RewardEntryParams{UserID: "u", Points: 5, Type: "gift"})
	require.True(t, errutil.Is(err, errutil.StatusValidationFailed))

	e, err := h.svc.RecordRewardEntry(ctx, RewardEntryParams{UserID: "u", Points: -5, Type: EntryAdjusted})
	require.NoError(t, err)
	require.Equal(t, int64(-5), e.Points)
}

func TestRecordRewardEntryPartitionsByLocalDay(t *testing.T) {
	h := newHarness(t, "Asia/Jakarta", false)

	// 20:00 UTC is already the next day in Jakarta.
	occurred := time.Date(2024, 3, 10, 20, 0, 0, 0, time.UTC)
	e, err := h.svc.RecordRewardEntry(context.Background(), RewardEntryParams{UserID: "u", Points: 5, OccurredAt: occurred})
	require.NoError(t, err)
	require.NotNil(t, e.GeneratedForDate)
	require.Equal(t, "2024-03-11", *e.GeneratedForDate)
}

func TestRecordRewardEntryOnlinePushes(t *testing.T) {
	h := newHarness(t, "UTC", true)

	e := h.earn(t, "user-1", 15)
	require.True(t, e.IsSynced)

	doc := h.remote.Doc(remote.CollectionRewardEntries, e.ID)
	require.NotNil(t, doc)
	require.Equal(t, e.ContentHash(), doc["contentHash"])
	require.EqualValues(t, 15, doc["points"])

	pending, err := h.queue.HasPending(context.Background(), EntityType, e.ID)
	require.NoError(t, err)
	require.False(t, pending)
}

func TestRecordRewardEntryOfflineThenSync(t *testing.T) {
	h := newHarness(t, "UTC", false)
	ctx := context.Background()

	e := h.earn(t, "user-1", 15)
	require.False(t, e.IsSynced)
	require.Nil(t, h.remote.Doc(remote.CollectionRewardEntries, e.ID))

	h.monitor.Set(true)
	res, err := h.reconciler.SyncNow(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Synced)

	got, err := h.svc.entries.FindOne(ctx, &RewardEntry{ID: e.ID})
	require.NoError(t, err)
	require.True(t, got.IsSynced)
}

func TestSyncRewardEntryRemoteMismatchConflicts(t *testing.T) {
	h := newHarness(t, "UTC", false)
	e := h.earn(t, "user-1", 15)
	h.remote.Put(remote.CollectionRewardEntries, e.ID, remote.Document{"points": int64(50), "contentHash": "different"})

	h.monitor.Set(true)
	res, err := h.reconciler.SyncNow(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Conflicts, 1)
	require.Equal(t, EntityType, res.Conflicts[0].EntityType)
}

func TestDeleteRewardEntry(t *testing.T) {
	h := newHarness(t, "UTC", false)
	ctx := context.Background()

	e := h.earn(t, "user-1", 15)
	require.True(t, errutil.Is(h.svc.DeleteRewardEntry(ctx, "user-2", e.ID), errutil.StatusNotFound))
	require.NoError(t, h.svc.DeleteRewardEntry(ctx, "user-1", e.ID))

	available, err := h.svc.GetAvailablePoints(ctx, "user-1")
	require.NoError(t, err)
	require.Zero(t, available)

	h.monitor.Set(true)
	res, err := h.reconciler.SyncNow(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, res.Synced)
	require.Nil(t, h.remote.Doc(remote.CollectionRewardEntries, e.ID))

	synced := h.earn(t, "user-1", 20)
	require.True(t, synced.IsSynced)
	require.True(t, errutil.Is(h.svc.DeleteRewardEntry(ctx, "user-1", synced.ID), errutil.StatusValidationFailed))
}

func TestBalanceChangesWaitForUserLock(t *testing.T) {
	h := newHarness(t, "UTC", false)
	ctx := context.Background()

	e := h.earn(t, "user-1", 150)

	// Held the way RedeemPoints holds it while validating the balance.
	unlock, err := h.locker.Lock(ctx, rediskey.BuildUserLockKey("user-1"))
	require.NoError(t, err)

	deleted := make(chan error, 1)
	go func() { deleted <- h.svc.DeleteRewardEntry(ctx, "user-1", e.ID) }()
	recorded := make(chan error, 1)
	go func() {
		_, err := h.svc.RecordRewardEntry(ctx, RewardEntryParams{UserID: "user-1", Points: 5, Description: "task"})
		recorded <- err
	}()

	require.Never(t, func() bool { return len(deleted) > 0 || len(recorded) > 0 }, 100*time.Millisecond, 10*time.Millisecond)
	available, err := h.svc.GetAvailablePoints(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(150), available)

	unlock()
	require.NoError(t, <-deleted)
	require.NoError(t, <-recorded)

	available, err = h.svc.GetAvailablePoints(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(5), available)
}

func TestResyncUserBatchesEntries(t *testing.T) {
	h := newHarness(t, "UTC", true)
	ctx := context.Background()

	a := h.earn(t, "user-1", 15)
	b := h.earn(t, "user-1", 20)
	h.remote.Put(remote.CollectionRewardEntries, a.ID, remote.Document{})
	h.remote.Put(remote.CollectionRewardEntries, b.ID, remote.Document{})

	_, err := h.svc.ResyncUser(ctx, "user-1")
	require.NoError(t, err)

	res, err := h.reconciler.SyncNow(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Synced)
	require.Equal(t, 1, h.remote.Calls("batch"))
	require.EqualValues(t, 20, h.remote.Doc(remote.CollectionRewardEntries, b.ID)["points"])
}

func TestListRewardEntries(t *testing.T) {
	h := newHarness(t, "UTC", false)
	for i := 0; i < 3; i++ {
		h.earn(t, "user-1", int64(10+i))
	}

	page, err := h.svc.ListRewardEntries(context.Background(), "user-1", pagination.Pagination{Page: 2, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Data, 1)
	require.Equal(t, int64(3), page.PageInfo.Total)
	require.False(t, page.PageInfo.HasMore)
}
