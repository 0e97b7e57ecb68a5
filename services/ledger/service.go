package ledger

import (
	"context"
	"fmt"
	"time"

	"rewards-core/pkg/config"
	"rewards-core/pkg/connectivity"
	"rewards-core/pkg/db/option"
	"rewards-core/pkg/db/pagination"
	"rewards-core/pkg/errutil"
	"rewards-core/pkg/lock"
	"rewards-core/pkg/rediskey"
	"rewards-core/pkg/repository"
	"rewards-core/services/reconcile"
	"rewards-core/services/redemption"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Service is the points ledger. Balances are always derived from the
// underlying records and never stored.
type Service struct {
	db   *gorm.DB
	node *snowflake.Node

	entries     repository.Repository[RewardEntry]
	redemptions repository.Repository[redemption.RedemptionTransaction]

	queue      *reconcile.Queue
	reconciler *reconcile.Reconciler
	oracle     connectivity.Oracle
	locker     lock.Locker

	loc *time.Location
	now func() time.Time
}

type ServiceParams struct {
	fx.In
	DB         *gorm.DB
	Node       *snowflake.Node
	Config     *config.Config
	Reconciler *reconcile.Reconciler
	Oracle     connectivity.Oracle
	Locker     lock.Locker
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:          p.DB,
		node:        p.Node,
		entries:     repository.ProvideStore[RewardEntry](p.DB),
		redemptions: repository.ProvideStore[redemption.RedemptionTransaction](p.DB),
		queue:       p.Reconciler.Queue(),
		reconciler:  p.Reconciler,
		oracle:      p.Oracle,
		locker:      p.Locker,
		loc:         p.Config.Location(),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func traceFields(ctx context.Context) []zap.Field {
	span := trace.SpanFromContext(ctx)
	return []zap.Field{
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("span_id", span.SpanContext().SpanID().String()),
	}
}

// GetAvailablePoints returns earned points minus points held by pending and
// completed redemptions. A read failure is a CACHE_FAILURE, never zero.
func (s *Service) GetAvailablePoints(ctx context.Context, userID string) (int64, error) {
	if userID == "" {
		return 0, errutil.BadRequest("user_id is required", nil)
	}

	var earned, spent int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&RewardEntry{}).
			Where("user_id = ?", userID).
			Select("COALESCE(SUM(points), 0)").
			Scan(&earned).Error; err != nil {
			return err
		}
		return tx.Model(&redemption.RedemptionTransaction{}).
			Where("user_id = ? AND status IN ?", userID, redemption.SpendableStatuses).
			Select("COALESCE(SUM(points_used), 0)").
			Scan(&spent).Error
	})
	if err != nil {
		zap.L().With(traceFields(ctx)...).Error("failed to compute available points",
			zap.String("user_id", userID), zap.Error(err))
		return 0, errutil.CacheFailure("failed to read points", err)
	}

	return earned - spent, nil
}

// legacyRecords selects rows written before the day partition key existed.
func legacyRecords(db *gorm.DB) *gorm.DB {
	return db.Where("generated_for_date IS NULL OR generated_for_date = ''")
}

// GetNetPointsForDay applies the balance formula to the records of one local
// day. A record belongs to the day through its partition key or, when it has
// none, through its completion time (falling back to creation time).
// Timestamps are compared in Go because legacy rows may carry any offset.
func (s *Service) GetNetPointsForDay(ctx context.Context, userID string, date time.Time) (int64, error) {
	if userID == "" {
		return 0, errutil.BadRequest("user_id is required", nil)
	}
	w := NewDayWindow(date, s.loc)
	log := zap.L().With(traceFields(ctx)...).With(zap.String("user_id", userID), zap.String("day", w.Key))

	entries := make(map[string]*RewardEntry)
	partitioned, err := s.entries.Find(ctx, &RewardEntry{UserID: userID},
		option.ApplyOperator(option.Condition{Field: "generated_for_date", Value: w.Key}))
	if err != nil {
		log.Error("failed to read reward entries", zap.Error(err))
		return 0, errutil.CacheFailure("failed to read reward entries", err)
	}
	for _, e := range partitioned {
		entries[e.ID] = e
	}
	legacy, err := s.entries.Find(ctx, &RewardEntry{UserID: userID}, legacyRecords)
	if err != nil {
		log.Error("failed to read legacy reward entries", zap.Error(err))
		return 0, errutil.CacheFailure("failed to read reward entries", err)
	}
	for _, e := range legacy {
		if w.Contains(e.CreatedAt) {
			entries[e.ID] = e
		}
	}

	spendable := option.Condition{Field: "status", Operator: option.IN, Value: redemption.SpendableStatuses}
	redemptions := make(map[string]*redemption.RedemptionTransaction)
	partitionedTx, err := s.redemptions.Find(ctx, &redemption.RedemptionTransaction{UserID: userID},
		option.ApplyOperator(spendable, option.Condition{Field: "generated_for_date", Value: w.Key}))
	if err != nil {
		log.Error("failed to read redemptions", zap.Error(err))
		return 0, errutil.CacheFailure("failed to read redemptions", err)
	}
	for _, t := range partitionedTx {
		redemptions[t.ID] = t
	}
	legacyTx, err := s.redemptions.Find(ctx, &redemption.RedemptionTransaction{UserID: userID},
		option.ApplyOperator(spendable), legacyRecords)
	if err != nil {
		log.Error("failed to read legacy redemptions", zap.Error(err))
		return 0, errutil.CacheFailure("failed to read redemptions", err)
	}
	for _, t := range legacyTx {
		if w.Contains(t.EffectiveTime()) {
			redemptions[t.ID] = t
		}
	}

	var net int64
	for _, e := range entries {
		net += e.Points
	}
	for _, t := range redemptions {
		net -= t.PointsUsed
	}
	return net, nil
}

// RecordRewardEntry stores a task reward and its sync entry together, then
// pushes it right away when online.
func (s *Service) RecordRewardEntry(ctx context.Context, p RewardEntryParams) (*RewardEntry, error) {
	if p.UserID == "" {
		return nil, errutil.BadRequest("user_id is required", nil)
	}
	if p.Type == "" {
		p.Type = EntryEarned
	}
	if !p.Type.Valid() {
		return nil, errutil.ValidationFailed(fmt.Sprintf("unknown entry type %q", p.Type), nil)
	}
	switch {
	case p.Points == 0:
		return nil, errutil.ValidationFailed("points must not be zero", nil)
	case p.Points < 0 && p.Type != EntryAdjusted:
		return nil, errutil.ValidationFailed("only adjustments may deduct points", nil)
	}

	now := s.now()
	occurred := p.OccurredAt
	if occurred.IsZero() {
		occurred = now
	}
	day := NewDayWindow(occurred, s.loc).Key

	entry := &RewardEntry{
		ID:               s.node.Generate().String(),
		UserID:           p.UserID,
		FamilyID:         p.FamilyID,
		Points:           p.Points,
		Description:      p.Description,
		CategoryID:       p.CategoryID,
		Type:             p.Type,
		GeneratedForDate: &day,
		CreatedAt:        occurred.UTC(),
	}

	// Balance changes serialize with redemptions of the same user.
	unlock, err := s.locker.Lock(ctx, rediskey.BuildUserLockKey(p.UserID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	var queued *reconcile.SyncQueueEntry
	if err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.entries.WithTrx(tx).Create(ctx, entry); err != nil {
			return err
		}
		var err error
		queued, err = s.queue.WithTrx(tx).Enqueue(ctx, reconcile.EnqueueParams{
			EntityType: EntityType,
			EntityID:   entry.ID,
			Operation:  reconcile.OperationCreate,
			Payload:    entry,
		})
		return err
	}); err != nil {
		zap.L().With(traceFields(ctx)...).Error("failed to record reward entry",
			zap.String("user_id", p.UserID), zap.Error(err))
		return nil, errutil.CacheFailure("failed to record reward entry", err)
	}

	unlock()

	zap.L().With(traceFields(ctx)...).Info("reward entry recorded",
		zap.String("entry_id", entry.ID),
		zap.String("user_id", entry.UserID),
		zap.Int64("points", entry.Points))

	return s.flush(ctx, entry, queued), nil
}

// DeleteRewardEntry removes an entry that has not been synced yet. Synced
// entries are immutable.
func (s *Service) DeleteRewardEntry(ctx context.Context, userID, entryID string) error {
	unlockUser, err := s.locker.Lock(ctx, rediskey.BuildUserLockKey(userID))
	if err != nil {
		return err
	}
	defer unlockUser()
	// The entity lock keeps a concurrent push from marking it synced meanwhile.
	unlockEntry, err := s.locker.Lock(ctx, rediskey.BuildEntityLockKey(EntityType, entryID))
	if err != nil {
		return err
	}
	defer unlockEntry()

	entry, err := s.entries.FindOne(ctx, &RewardEntry{ID: entryID})
	if err != nil {
		return errutil.CacheFailure("failed to read reward entry", err)
	}
	if entry == nil || entry.UserID != userID {
		return errutil.NotFound(fmt.Sprintf("reward entry %s not found", entryID), nil)
	}
	if entry.IsSynced {
		return errutil.ValidationFailed(fmt.Sprintf("reward entry %s is synced and can no longer be deleted", entryID), nil)
	}

	var queued *reconcile.SyncQueueEntry
	if err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.entries.WithTrx(tx).Delete(ctx, entry.ID); err != nil {
			return err
		}
		var err error
		queued, err = s.queue.WithTrx(tx).Enqueue(ctx, reconcile.EnqueueParams{
			EntityType: EntityType,
			EntityID:   entry.ID,
			Operation:  reconcile.OperationDelete,
			Payload:    map[string]string{"id": entry.ID, "user_id": entry.UserID},
		})
		return err
	}); err != nil {
		return errutil.CacheFailure("failed to delete reward entry", err)
	}
	unlockEntry()
	unlockUser()

	s.flush(ctx, entry, queued)
	return nil
}

// ResyncUser queues a full push of a user's entries, for example after the
// remote copy was lost.
func (s *Service) ResyncUser(ctx context.Context, userID string) (*reconcile.SyncQueueEntry, error) {
	if userID == "" {
		return nil, errutil.BadRequest("user_id is required", nil)
	}
	return s.queue.Enqueue(ctx, reconcile.EnqueueParams{
		EntityType: ResyncEntityType,
		EntityID:   userID,
		Operation:  reconcile.OperationSync,
		Payload:    map[string]string{"user_id": userID},
	})
}

func (s *Service) flush(ctx context.Context, entry *RewardEntry, queued *reconcile.SyncQueueEntry) *RewardEntry {
	if queued == nil || !s.oracle.Online() {
		return entry
	}
	if _, err := s.reconciler.Flush(ctx, queued.ID); err != nil {
		zap.L().With(traceFields(ctx)...).Warn("immediate sync failed, left queued",
			zap.String("entry_id", entry.ID), zap.Error(err))
		return entry
	}
	fresh, err := s.entries.FindOne(ctx, &RewardEntry{ID: entry.ID})
	if err != nil || fresh == nil {
		return entry
	}
	return fresh
}

// ListRewardEntries returns a user's entries, newest first.
func (s *Service) ListRewardEntries(ctx context.Context, userID string, p pagination.Pagination) (*pagination.Page[RewardEntry], error) {
	if userID == "" {
		return nil, errutil.BadRequest("user_id is required", nil)
	}
	query := &RewardEntry{UserID: userID}
	total, err := s.entries.Count(ctx, query)
	if err != nil {
		return nil, errutil.CacheFailure("failed to count reward entries", err)
	}
	rows, err := s.entries.Find(ctx, query,
		option.WithSortBy(option.QuerySortBy{SortBy: "created_at", OrderBy: "desc"}),
		option.ApplyPagination(p))
	if err != nil {
		return nil, errutil.CacheFailure("failed to list reward entries", err)
	}
	return pagination.NewPage(rows, p, total), nil
}
