package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"rewards-core/pkg/config"
	"rewards-core/pkg/db/option"
	"rewards-core/pkg/errutil"
	"rewards-core/pkg/repository"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxErrorLen = 512

// EnqueueParams describes a local mutation awaiting remote confirmation.
// Payload is marshalled to JSON and kept for inspection and for deletes.
type EnqueueParams struct {
	EntityType string
	EntityID   string
	Operation  Operation
	Payload    any
}

// Queue is the persistent sync queue.
type Queue struct {
	db      *gorm.DB
	node    *snowflake.Node
	entries repository.Repository[SyncQueueEntry]

	backoff    Backoff
	maxRetries int
	staleAfter time.Duration
	now        func() time.Time
}

type QueueParams struct {
	fx.In
	DB     *gorm.DB
	Node   *snowflake.Node
	Config *config.Config
}

func NewQueue(p QueueParams) *Queue {
	maxRetries := p.Config.Sync.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}
	remoteTimeout := p.Config.Sync.RemoteTimeout
	if remoteTimeout <= 0 {
		remoteTimeout = 15 * time.Second
	}
	return &Queue{
		db:      p.DB,
		node:    p.Node,
		entries: repository.ProvideStore[SyncQueueEntry](p.DB),
		backoff: Backoff{
			Base: p.Config.Sync.BaseBackoff,
			Max:  p.Config.Sync.MaxBackoff,
		},
		maxRetries: maxRetries,
		// A live drainer finishes or fails an entry within one remote timeout.
		staleAfter: 2 * remoteTimeout,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithTrx binds the queue to tx so an entity write and its queue entry
// commit together.
func (q *Queue) WithTrx(tx *gorm.DB) *Queue {
	if tx == nil {
		return q
	}
	c := *q
	c.db = tx
	c.entries = q.entries.WithTrx(tx)
	return &c
}

func dueOrder(db *gorm.DB) *gorm.DB {
	return db.Order("priority ASC").Order("created_at ASC").Order("id ASC")
}

// Enqueue records a mutation. A later update for an entity whose earlier
// create or update is still waiting replaces that entry's payload instead of
// adding a second entry; the handler always pushes the latest local state.
func (q *Queue) Enqueue(ctx context.Context, p EnqueueParams) (*SyncQueueEntry, error) {
	if p.EntityType == "" || p.EntityID == "" {
		return nil, errutil.ValidationFailed("entity type and id are required", nil)
	}
	if !p.Operation.Valid() {
		return nil, errutil.ValidationFailed(fmt.Sprintf("unknown sync operation %q", p.Operation), nil)
	}

	payload, err := json.Marshal(p.Payload)
	if err != nil {
		return nil, errutil.BadRequest("sync payload is not serialisable", err)
	}

	var out *SyncQueueEntry
	err = q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := q.entries.WithTrx(tx)

		waiting, err := repo.Find(ctx, &SyncQueueEntry{
			EntityType: p.EntityType,
			EntityID:   p.EntityID,
			Status:     StatusQueued,
		}, dueOrder)
		if err != nil {
			return err
		}

		if head := coalesceTarget(waiting, p.Operation); head != nil {
			if err := repo.Update(ctx, head.ID, map[string]any{
				"payload":    payload,
				"updated_at": q.now(),
			}); err != nil {
				return err
			}
			head.Payload = payload
			out = head
			return nil
		}

		if p.Operation == OperationDelete {
			// Pending updates are moot once the entity is gone.
			if err := tx.Where("entity_type = ? AND entity_id = ? AND status = ? AND operation = ?",
				p.EntityType, p.EntityID, StatusQueued, OperationUpdate).
				Delete(&SyncQueueEntry{}).Error; err != nil {
				return err
			}
		}

		now := q.now()
		out = &SyncQueueEntry{
			ID:          q.node.Generate().String(),
			EntityType:  p.EntityType,
			EntityID:    p.EntityID,
			Operation:   p.Operation,
			Priority:    p.Operation.Priority(),
			Payload:     payload,
			MaxRetries:  q.maxRetries,
			Status:      StatusQueued,
			ScheduledAt: now,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		return repo.Create(ctx, out)
	})
	if err != nil {
		zap.L().Error("failed to enqueue sync entry",
			zap.String("entity_type", p.EntityType),
			zap.String("entity_id", p.EntityID),
			zap.String("operation", string(p.Operation)),
			zap.Error(err))
		return nil, errutil.CacheFailure("failed to enqueue sync entry", err)
	}

	zap.L().Debug("sync entry queued",
		zap.String("entry_id", out.ID),
		zap.String("entity_type", out.EntityType),
		zap.String("entity_id", out.EntityID),
		zap.String("operation", string(out.Operation)))

	return out, nil
}

func coalesceTarget(waiting []*SyncQueueEntry, op Operation) *SyncQueueEntry {
	if op == OperationDelete {
		return nil
	}
	for _, e := range waiting {
		switch {
		case e.Operation == op:
			return e
		case e.Operation == OperationCreate && (op == OperationUpdate || op == OperationSync):
			return e
		case e.Operation == OperationUpdate && op == OperationSync:
			return e
		}
	}
	return nil
}

// Due returns queued entries whose scheduled time has passed, highest
// priority first and FIFO within a priority.
func (q *Queue) Due(ctx context.Context, now time.Time, limit int) ([]*SyncQueueEntry, error) {
	entries, err := q.entries.Find(ctx, &SyncQueueEntry{Status: StatusQueued},
		option.ApplyOperator(option.Condition{Field: "scheduled_at", Operator: option.LTE, Value: now.UTC()}),
		dueOrder,
		option.WithLimit(limit),
	)
	if err != nil {
		return nil, errutil.CacheFailure("failed to read sync queue", err)
	}
	return entries, nil
}

func (q *Queue) Get(ctx context.Context, id string) (*SyncQueueEntry, error) {
	e, err := q.entries.FindOne(ctx, &SyncQueueEntry{ID: id})
	if err != nil {
		return nil, errutil.CacheFailure("failed to read sync entry", err)
	}
	return e, nil
}

func (q *Queue) transition(ctx context.Context, id string, from []EntryStatus, values map[string]any) (bool, error) {
	values["updated_at"] = q.now()
	db := q.db.WithContext(ctx).Model(&SyncQueueEntry{}).Where("id = ?", id)
	if len(from) > 0 {
		db = db.Where("status IN ?", from)
	}
	res := db.Updates(values)
	if res.Error != nil {
		return false, errutil.CacheFailure("failed to update sync entry", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// MarkInFlight claims a queued entry. It reports false when another drainer
// already holds it or the entry is gone.
func (q *Queue) MarkInFlight(ctx context.Context, id string) (bool, error) {
	return q.transition(ctx, id, []EntryStatus{StatusQueued}, map[string]any{"status": StatusInFlight})
}

// Confirm removes an entry the remote store acknowledged.
func (q *Queue) Confirm(ctx context.Context, id string) (bool, error) {
	res := q.db.WithContext(ctx).Where("id = ?", id).Delete(&SyncQueueEntry{})
	if res.Error != nil {
		return false, errutil.CacheFailure("failed to confirm sync entry", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Fail records a failed attempt. The entry goes dead once retries are
// exhausted or straight away when cause is not retryable. It returns the
// resulting status, empty when the entry no longer exists.
func (q *Queue) Fail(ctx context.Context, e *SyncQueueEntry, cause error) (EntryStatus, error) {
	retry := e.RetryCount + 1
	status := StatusQueued
	if !errutil.IsRetryable(cause) || retry >= e.MaxRetries {
		status = StatusDead
	}

	msg := ""
	if cause != nil {
		msg = cause.Error()
		if len(msg) > maxErrorLen {
			msg = msg[:maxErrorLen]
		}
	}

	ok, err := q.transition(ctx, e.ID, nil, map[string]any{
		"retry_count":  retry,
		"status":       status,
		"last_error":   msg,
		"scheduled_at": q.now().Add(q.backoff.Delay(retry)),
	})
	if err != nil {
		return "", err
	}
	if !ok {
		return "", nil
	}

	e.RetryCount = retry
	e.Status = status
	e.LastError = msg
	return status, nil
}

// MarkConflicted parks an entry for manual resolution.
func (q *Queue) MarkConflicted(ctx context.Context, id, reason string) (bool, error) {
	return q.transition(ctx, id, nil, map[string]any{
		"status":     StatusConflicted,
		"last_error": reason,
	})
}

// ListDead returns entries needing operator attention: dead and conflicted.
func (q *Queue) ListDead(ctx context.Context) ([]*SyncQueueEntry, error) {
	entries, err := q.entries.Find(ctx, nil,
		option.ApplyOperator(option.Condition{Field: "status", Operator: option.IN, Value: []EntryStatus{StatusDead, StatusConflicted}}),
		option.WithSortBy(option.QuerySortBy{SortBy: "created_at", OrderBy: "asc"}),
	)
	if err != nil {
		return nil, errutil.CacheFailure("failed to list dead sync entries", err)
	}
	return entries, nil
}

// Requeue gives a dead or conflicted entry a fresh retry budget.
func (q *Queue) Requeue(ctx context.Context, id string) (*SyncQueueEntry, error) {
	e, err := q.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, errutil.NotFound(fmt.Sprintf("sync entry %s not found", id), nil)
	}
	if e.Status != StatusDead && e.Status != StatusConflicted {
		return nil, errutil.FailedPrecondition(fmt.Sprintf("sync entry %s is %s, only dead or conflicted entries can be requeued", id, e.Status), nil)
	}

	now := q.now()
	ok, err := q.transition(ctx, id, []EntryStatus{StatusDead, StatusConflicted}, map[string]any{
		"status":       StatusQueued,
		"retry_count":  0,
		"last_error":   "",
		"scheduled_at": now,
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errutil.Conflict(fmt.Sprintf("sync entry %s changed while requeueing", id), nil)
	}

	zap.L().Info("sync entry requeued", zap.String("entry_id", id), zap.String("entity_id", e.EntityID))

	e.Status = StatusQueued
	e.RetryCount = 0
	e.LastError = ""
	e.ScheduledAt = now
	return e, nil
}

// Abandon drops an entry whatever its state. A drain holding it will discard
// the remote result instead of applying it.
func (q *Queue) Abandon(ctx context.Context, id string) error {
	ok, err := q.Confirm(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return errutil.NotFound(fmt.Sprintf("sync entry %s not found", id), nil)
	}
	zap.L().Info("sync entry abandoned", zap.String("entry_id", id))
	return nil
}

// PurgeDead deletes dead and conflicted entries untouched for longer than olderThan.
func (q *Queue) PurgeDead(ctx context.Context, olderThan time.Duration) (int64, error) {
	dead, err := q.ListDead(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := q.now().Add(-olderThan)
	ids := make([]string, 0, len(dead))
	for _, e := range dead {
		if e.UpdatedAt.Before(cutoff) {
			ids = append(ids, e.ID)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}

	res := q.db.WithContext(ctx).Where("id IN ?", ids).Delete(&SyncQueueEntry{})
	if res.Error != nil {
		return 0, errutil.CacheFailure("failed to purge dead sync entries", res.Error)
	}
	zap.L().Info("purged dead sync entries", zap.Int64("count", res.RowsAffected))
	return res.RowsAffected, nil
}

// RecoverInFlight returns entries left in flight by a crashed process to the
// queue. Entries claimed recently may still belong to another live process
// and are left alone.
func (q *Queue) RecoverInFlight(ctx context.Context) (int64, error) {
	res := q.db.WithContext(ctx).Model(&SyncQueueEntry{}).
		Where("status = ? AND updated_at <= ?", StatusInFlight, q.now().Add(-q.staleAfter)).
		Updates(map[string]any{"status": StatusQueued, "updated_at": q.now()})
	if res.Error != nil {
		return 0, errutil.CacheFailure("failed to recover in-flight sync entries", res.Error)
	}
	if res.RowsAffected > 0 {
		zap.L().Warn("recovered in-flight sync entries", zap.Int64("count", res.RowsAffected))
	}
	return res.RowsAffected, nil
}

// HasPending reports whether the entity still has a mutation awaiting confirmation.
func (q *Queue) HasPending(ctx context.Context, entityType, entityID string) (bool, error) {
	n, err := q.entries.Count(ctx, &SyncQueueEntry{EntityType: entityType, EntityID: entityID},
		option.ApplyOperator(option.Condition{Field: "status", Operator: option.IN, Value: []EntryStatus{StatusQueued, StatusInFlight}}))
	if err != nil {
		return false, errutil.CacheFailure("failed to read sync queue", err)
	}
	return n > 0, nil
}

type statusCount struct {
	Status EntryStatus
	N      int64
}

// Stats counts entries per status.
func (q *Queue) Stats(ctx context.Context) (map[EntryStatus]int64, error) {
	var rows []statusCount
	if err := q.db.WithContext(ctx).Model(&SyncQueueEntry{}).
		Select("status, count(*) as n").Group("status").Scan(&rows).Error; err != nil {
		return nil, errutil.CacheFailure("failed to read sync queue stats", err)
	}

	out := make(map[EntryStatus]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.N
	}
	return out, nil
}
