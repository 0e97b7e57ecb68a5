package redemption

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rewards-core/pkg/config"
	"rewards-core/pkg/connectivity"
	"rewards-core/pkg/db/option"
	"rewards-core/pkg/db/pagination"
	"rewards-core/pkg/errutil"
	"rewards-core/pkg/lock"
	"rewards-core/pkg/rediskey"
	"rewards-core/pkg/remote"
	"rewards-core/pkg/repository"
	"rewards-core/services/reconcile"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const dayLayout = "2006-01-02"

type Service struct {
	db   *gorm.DB
	node *snowflake.Node

	transactions repository.Repository[RedemptionTransaction]
	options      repository.Repository[RedemptionOption]

	balance    BalanceReader
	queue      *reconcile.Queue
	reconciler *reconcile.Reconciler
	remote     remote.Store
	oracle     connectivity.Oracle
	locker     lock.Locker

	minimum    int64
	pendingTTL time.Duration
	loc        *time.Location
	now        func() time.Time
}

type ServiceParams struct {
	fx.In
	DB         *gorm.DB
	Node       *snowflake.Node
	Config     *config.Config
	Balance    BalanceReader
	Reconciler *reconcile.Reconciler
	Remote     remote.Store
	Oracle     connectivity.Oracle
	Locker     lock.Locker
}

func NewService(p ServiceParams) *Service {
	minimum := p.Config.Redemption.MinimumPoints
	if minimum <= 0 {
		minimum = DefaultMinimumPoints
	}
	pendingTTL := p.Config.Redemption.PendingTTL
	if pendingTTL <= 0 {
		pendingTTL = 7 * 24 * time.Hour
	}
	return &Service{
		db:           p.DB,
		node:         p.Node,
		transactions: repository.ProvideStore[RedemptionTransaction](p.DB),
		options:      repository.ProvideStore[RedemptionOption](p.DB),
		balance:      p.Balance,
		queue:        p.Reconciler.Queue(),
		reconciler:   p.Reconciler,
		remote:       p.Remote,
		oracle:       p.Oracle,
		locker:       p.Locker,
		minimum:      minimum,
		pendingTTL:   pendingTTL,
		loc:          p.Config.Location(),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func traceFields(ctx context.Context) []zap.Field {
	span := trace.SpanFromContext(ctx)
	return []zap.Field{
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("span_id", span.SpanContext().SpanID().String()),
	}
}

// RedeemPoints validates and records a pending redemption. The transaction
// and its sync entry commit together; when online the entry is pushed right
// away, and a failed push leaves it queued for the reconciler.
func (s *Service) RedeemPoints(ctx context.Context, req RedeemRequest) (*RedemptionTransaction, error) {
	log := zap.L().With(traceFields(ctx)...).With(
		zap.String("user_id", req.UserID),
		zap.String("option_id", req.OptionID),
		zap.Int64("points", req.PointsToRedeem))

	unlock, err := s.locker.Lock(ctx, rediskey.BuildUserLockKey(req.UserID))
	if err != nil {
		log.Error("failed to acquire user lock", zap.Error(err))
		return nil, err
	}
	defer unlock()

	if err := s.ValidateRedemption(ctx, req.UserID, req.OptionID, req.PointsToRedeem); err != nil {
		log.Info("redemption rejected", zap.Error(err))
		return nil, err
	}

	now := s.now()
	day := now.In(s.loc).Format(dayLayout)
	txn := &RedemptionTransaction{
		ID:               s.node.Generate().String(),
		UserID:           req.UserID,
		FamilyID:         req.FamilyID,
		OptionID:         req.OptionID,
		PointsUsed:       req.PointsToRedeem,
		Status:           StatusPending,
		Notes:            req.Notes,
		GeneratedForDate: &day,
		Version:          1,
		SyncStatus:       SyncPending,
		RedeemedAt:       now,
		CreatedAt:        now,
	}

	var entry *reconcile.SyncQueueEntry
	if err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.transactions.WithTrx(tx).Create(ctx, txn); err != nil {
			return err
		}
		entry, err = s.queue.WithTrx(tx).Enqueue(ctx, reconcile.EnqueueParams{
			EntityType: EntityType,
			EntityID:   txn.ID,
			Operation:  reconcile.OperationCreate,
			Payload:    txn,
		})
		return err
	}); err != nil {
		log.Error("failed to record redemption", zap.Error(err))
		return nil, errutil.CacheFailure("failed to record redemption", err)
	}
	unlock()

	log.Info("redemption recorded", zap.String("transaction_id", txn.ID))
	return s.flush(ctx, txn, entry), nil
}

// CancelRedemption cancels a pending redemption owned by userID. Points come
// back because the ledger excludes cancelled transactions.
func (s *Service) CancelRedemption(ctx context.Context, transactionID, userID, reason string) (*RedemptionTransaction, error) {
	return s.transition(ctx, transactionID, userID, StatusCancelled, func(values map[string]any, now time.Time) {
		values["cancelled_at"] = now
		values["cancellation_reason"] = reason
	})
}

// UpdateTransactionStatus moves a pending transaction to a final status.
func (s *Service) UpdateTransactionStatus(ctx context.Context, transactionID string, status Status) (*RedemptionTransaction, error) {
	if !status.IsFinal() {
		return nil, errutil.ValidationFailed(fmt.Sprintf("cannot move a redemption to %q", status), nil)
	}
	return s.transition(ctx, transactionID, "", status, func(values map[string]any, now time.Time) {
		switch status {
		case StatusCompleted:
			values["completed_at"] = now
		case StatusCancelled:
			values["cancelled_at"] = now
		}
	})
}

func (s *Service) transition(ctx context.Context, transactionID, userID string, target Status, mutate func(map[string]any, time.Time)) (*RedemptionTransaction, error) {
	log := zap.L().With(traceFields(ctx)...).With(
		zap.String("transaction_id", transactionID),
		zap.String("target_status", string(target)))

	unlock, err := s.locker.Lock(ctx, rediskey.BuildEntityLockKey(EntityType, transactionID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	txn, err := s.transactions.FindOne(ctx, &RedemptionTransaction{ID: transactionID})
	if err != nil {
		return nil, errutil.CacheFailure("failed to read redemption", err)
	}
	if txn == nil || (userID != "" && txn.UserID != userID) {
		return nil, errutil.NotFound(fmt.Sprintf("redemption %s not found", transactionID), nil)
	}
	if txn.Status.IsFinal() {
		log.Info("rejected mutation of final redemption", zap.String("status", string(txn.Status)))
		return nil, &FinalStateError{TransactionID: txn.ID, Current: txn.Status, Action: string(target)}
	}

	now := s.now()
	values := map[string]any{
		"status":      target,
		"version":     txn.Version + 1,
		"sync_status": SyncPending,
		"updated_at":  now,
	}
	mutate(values, now)

	var entry *reconcile.SyncQueueEntry
	if err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&RedemptionTransaction{}).
			Where("id = ? AND status = ? AND version = ?", txn.ID, StatusPending, txn.Version).
			Updates(values)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errStale
		}
		entry, err = s.queue.WithTrx(tx).Enqueue(ctx, reconcile.EnqueueParams{
			EntityType: EntityType,
			EntityID:   txn.ID,
			Operation:  reconcile.OperationUpdate,
			Payload:    values,
		})
		return err
	}); err != nil {
		if errors.Is(err, errStale) {
			return nil, errutil.Conflict(fmt.Sprintf("redemption %s changed concurrently", txn.ID), nil)
		}
		log.Error("failed to update redemption", zap.Error(err))
		return nil, errutil.CacheFailure("failed to update redemption", err)
	}
	unlock()

	updated, err := s.reload(ctx, txn.ID)
	if err != nil {
		return nil, err
	}
	log.Info("redemption updated")
	return s.flush(ctx, updated, entry), nil
}

var errStale = errors.New("stale redemption version")

// flush pushes entry when online and returns the freshest local copy of txn.
// A failed push is not an error for the caller: the entry stays queued.
func (s *Service) flush(ctx context.Context, txn *RedemptionTransaction, entry *reconcile.SyncQueueEntry) *RedemptionTransaction {
	if entry == nil || !s.oracle.Online() {
		return txn
	}
	result, err := s.reconciler.Flush(ctx, entry.ID)
	if err != nil {
		zap.L().With(traceFields(ctx)...).Warn("immediate sync failed, left queued",
			zap.String("transaction_id", txn.ID), zap.Error(err))
		return txn
	}
	if result.Synced == 0 {
		return txn
	}
	fresh, err := s.reload(ctx, txn.ID)
	if err != nil {
		return txn
	}
	return fresh
}

func (s *Service) reload(ctx context.Context, id string) (*RedemptionTransaction, error) {
	txn, err := s.transactions.FindOne(ctx, &RedemptionTransaction{ID: id})
	if err != nil {
		return nil, errutil.CacheFailure("failed to read redemption", err)
	}
	if txn == nil {
		return nil, errutil.NotFound(fmt.Sprintf("redemption %s not found", id), nil)
	}
	return txn, nil
}

func (s *Service) GetRedemption(ctx context.Context, id string) (*RedemptionTransaction, error) {
	return s.reload(ctx, id)
}

// GetRedemptionHistory returns a user's redemptions, newest first.
func (s *Service) GetRedemptionHistory(ctx context.Context, userID string, q HistoryQuery) (*pagination.Page[RedemptionTransaction], error) {
	if userID == "" {
		return nil, errutil.BadRequest("user_id is required", nil)
	}
	if q.Status != "" && !q.Status.Valid() {
		return nil, errutil.BadRequest(fmt.Sprintf("unknown status %q", q.Status), nil)
	}

	var conds []option.Condition
	if q.From != nil {
		conds = append(conds, option.Condition{Field: "created_at", Operator: option.GTE, Value: q.From.UTC()})
	}
	if q.To != nil {
		conds = append(conds, option.Condition{Field: "created_at", Operator: option.LT, Value: q.To.UTC()})
	}

	query := &RedemptionTransaction{UserID: userID, Status: q.Status}
	total, err := s.transactions.Count(ctx, query, option.ApplyOperator(conds...))
	if err != nil {
		return nil, errutil.CacheFailure("failed to count redemptions", err)
	}

	p := pagination.Pagination{Page: q.Page, Limit: q.Limit}
	rows, err := s.transactions.Find(ctx, query,
		option.ApplyOperator(conds...),
		option.WithSortBy(option.QuerySortBy{SortBy: "created_at", OrderBy: "desc"}),
		option.ApplyPagination(p),
	)
	if err != nil {
		return nil, errutil.CacheFailure("failed to list redemptions", err)
	}
	return pagination.NewPage(rows, p, total), nil
}

// ExpireStaleRedemptions expires pending redemptions created before now-olderThan.
// A zero olderThan uses the configured pending TTL.
func (s *Service) ExpireStaleRedemptions(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		olderThan = s.pendingTTL
	}
	cutoff := s.now().Add(-olderThan)

	stale, err := s.transactions.Find(ctx, &RedemptionTransaction{Status: StatusPending},
		option.ApplyOperator(option.Condition{Field: "created_at", Operator: option.LT, Value: cutoff}))
	if err != nil {
		return 0, errutil.CacheFailure("failed to list stale redemptions", err)
	}

	expired := 0
	var errs []error
	for _, txn := range stale {
		if _, err := s.UpdateTransactionStatus(ctx, txn.ID, StatusExpired); err != nil {
			var final *FinalStateError
			if errors.As(err, &final) {
				continue
			}
			errs = append(errs, err)
			continue
		}
		expired++
	}

	zap.L().With(traceFields(ctx)...).Info("expired stale redemptions",
		zap.Int("expired", expired), zap.Int("candidates", len(stale)))
	return expired, errors.Join(errs...)
}
