package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rewards-core/pkg/config"
	"rewards-core/pkg/connectivity"
	"rewards-core/pkg/errutil"
	"rewards-core/pkg/lock"
	"rewards-core/pkg/rediskey"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	entriesProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rewards_sync_entries_total",
		Help: "Sync queue entries processed, by entity type and outcome.",
	}, []string{"entity_type", "outcome"})
	drainDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "rewards_sync_drain_seconds",
		Help:    "Duration of a sync queue drain.",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(entriesProcessed, drainDuration)
}

// Handler pushes one entity type to the remote store.
type Handler interface {
	EntityType() string
	// Push sends the entry's entity to the remote store. A returned error is
	// treated as a failed attempt and classified by errutil.IsRetryable.
	Push(ctx context.Context, e *SyncQueueEntry) (*Outcome, error)
}

// Outcome is what a successful Push wants done locally. Nothing is applied if
// the entry was abandoned while the remote call was in flight. A Conflict parks
// the entry; Apply then runs as best effort so the entity can be flagged.
type Outcome struct {
	Apply    func(ctx context.Context) error
	Conflict *Conflict
}

// Registration is how services contribute handlers through fx.
type Registration struct {
	fx.Out
	Handler Handler `group:"sync_handlers"`
}

type Reconciler struct {
	queue    *Queue
	oracle   connectivity.Oracle
	locker   lock.Locker
	handlers map[string]Handler

	batchSize int
	group     singleflight.Group
}

type ReconcilerParams struct {
	fx.In
	Queue    *Queue
	Oracle   connectivity.Oracle
	Locker   lock.Locker
	Config   *config.Config
	Handlers []Handler `group:"sync_handlers"`
}

func NewReconciler(p ReconcilerParams) *Reconciler {
	r := &Reconciler{
		queue:     p.Queue,
		oracle:    p.Oracle,
		locker:    p.Locker,
		handlers:  make(map[string]Handler, len(p.Handlers)),
		batchSize: p.Config.Sync.BatchSize,
	}
	if r.batchSize <= 0 {
		r.batchSize = 50
	}
	for _, h := range p.Handlers {
		r.handlers[h.EntityType()] = h
	}
	return r
}

func (r *Reconciler) Queue() *Queue {
	return r.queue
}

// SyncNow drains every due queue entry once. Concurrent callers share the
// same drain and its result. Offline, it returns a NETWORK_FAILURE and does
// not touch the queue.
func (r *Reconciler) SyncNow(ctx context.Context) (*SyncResult, error) {
	if !r.oracle.Online() {
		return nil, errutil.NetworkFailure("device is offline, sync deferred", nil)
	}

	v, err, shared := r.group.Do("drain", func() (any, error) {
		return r.drain(ctx)
	})
	if shared {
		zap.L().Debug("joined an in-progress sync")
	}
	if err != nil {
		return nil, err
	}
	return v.(*SyncResult), nil
}

// Flush pushes a single entry right away, outside the shared drain. Services
// call it after committing a mutation while online; on failure the entry
// stays queued with its backoff recorded.
func (r *Reconciler) Flush(ctx context.Context, entryID string) (*SyncResult, error) {
	if !r.oracle.Online() {
		return nil, errutil.NetworkFailure("device is offline, sync deferred", nil)
	}

	e, err := r.queue.Get(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, errutil.NotFound(fmt.Sprintf("sync entry %s not found", entryID), nil)
	}

	result := &SyncResult{Conflicts: make([]Conflict, 0)}
	if err := r.process(ctx, e, result); err != nil {
		return result, err
	}
	return result, nil
}

func (r *Reconciler) drain(ctx context.Context) (*SyncResult, error) {
	span := trace.SpanFromContext(ctx)
	opts := []zap.Field{
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("span_id", span.SpanContext().SpanID().String()),
	}

	start := time.Now()
	defer func() { drainDuration.Observe(time.Since(start).Seconds()) }()

	result := &SyncResult{Conflicts: make([]Conflict, 0)}
	seen := make(map[string]struct{})

	for {
		due, err := r.queue.Due(ctx, r.queue.now(), r.batchSize)
		if err != nil {
			zap.L().With(opts...).Error("failed to read due sync entries", zap.Error(err))
			return result, err
		}

		progressed := false
		for _, e := range due {
			if _, ok := seen[e.ID]; ok {
				continue
			}
			seen[e.ID] = struct{}{}
			progressed = true

			if !r.oracle.Online() {
				zap.L().With(opts...).Warn("went offline during sync, stopping")
				return result, nil
			}

			if err := r.process(ctx, e, result); err != nil {
				// Only context errors escape process.
				zap.L().With(opts...).Warn("sync interrupted", zap.Error(err))
				return result, err
			}
		}

		if !progressed || len(due) < r.batchSize {
			break
		}
	}

	zap.L().With(opts...).Info("sync finished",
		zap.Int("synced", result.Synced),
		zap.Int("failed", result.Failed),
		zap.Int("dead", result.Dead),
		zap.Int("skipped", result.Skipped),
		zap.Int("conflicts", len(result.Conflicts)))

	return result, nil
}

func (r *Reconciler) process(ctx context.Context, e *SyncQueueEntry, result *SyncResult) error {
	log := zap.L().With(
		zap.String("entry_id", e.ID),
		zap.String("entity_type", e.EntityType),
		zap.String("entity_id", e.EntityID),
		zap.String("operation", string(e.Operation)),
	)

	h, ok := r.handlers[e.EntityType]
	if !ok {
		log.Error("no sync handler registered")
		r.fail(ctx, e, errutil.NotImplemented(fmt.Sprintf("no sync handler for %s", e.EntityType), nil), result)
		return nil
	}

	unlock, err := r.locker.Lock(ctx, rediskey.BuildEntityLockKey(e.EntityType, e.EntityID))
	if err != nil {
		return err
	}
	defer unlock()

	claimed, err := r.queue.MarkInFlight(ctx, e.ID)
	if err != nil {
		log.Error("failed to claim sync entry", zap.Error(err))
		result.Failed++
		return nil
	}
	if !claimed {
		result.Skipped++
		entriesProcessed.WithLabelValues(e.EntityType, "skipped").Inc()
		return nil
	}

	out, err := h.Push(ctx, e)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			r.release(e)
			return err
		}
		log.Warn("sync push failed", zap.Int("retry_count", e.RetryCount), zap.Error(err))
		r.fail(ctx, e, err, result)
		return nil
	}

	// The entry may have been abandoned while the remote call was in flight.
	current, err := r.queue.Get(ctx, e.ID)
	if err != nil {
		log.Error("failed to re-read sync entry", zap.Error(err))
		result.Failed++
		return nil
	}
	if current == nil {
		log.Info("sync entry abandoned during push, dropping result")
		result.Skipped++
		entriesProcessed.WithLabelValues(e.EntityType, "abandoned").Inc()
		return nil
	}

	if out != nil && out.Conflict != nil {
		c := *out.Conflict
		c.EntryID = e.ID
		if _, err := r.queue.MarkConflicted(ctx, e.ID, c.Reason); err != nil {
			log.Error("failed to park conflicted entry", zap.Error(err))
		}
		log.Warn("sync conflict", zap.String("reason", c.Reason))
		if out.Apply != nil {
			if err := out.Apply(ctx); err != nil {
				log.Error("failed to flag conflicted entity", zap.Error(err))
			}
		}
		result.Conflicts = append(result.Conflicts, c)
		entriesProcessed.WithLabelValues(e.EntityType, "conflicted").Inc()
		return nil
	}

	if out != nil && out.Apply != nil {
		if err := out.Apply(ctx); err != nil {
			log.Error("failed to apply sync result locally", zap.Error(err))
			r.fail(ctx, e, errutil.CacheFailure("failed to apply sync result", err), result)
			return nil
		}
	}

	if _, err := r.queue.Confirm(ctx, e.ID); err != nil {
		log.Error("failed to confirm sync entry", zap.Error(err))
		result.Failed++
		return nil
	}

	result.Synced++
	entriesProcessed.WithLabelValues(e.EntityType, "synced").Inc()
	return nil
}

func (r *Reconciler) fail(ctx context.Context, e *SyncQueueEntry, cause error, result *SyncResult) {
	status, err := r.queue.Fail(ctx, e, cause)
	if err != nil {
		zap.L().Error("failed to record sync failure", zap.String("entry_id", e.ID), zap.Error(err))
		result.Failed++
		return
	}

	switch status {
	case StatusDead:
		result.Dead++
		entriesProcessed.WithLabelValues(e.EntityType, "dead").Inc()
	case "":
		result.Skipped++
	default:
		result.Failed++
		entriesProcessed.WithLabelValues(e.EntityType, "failed").Inc()
	}
}

// release puts a claimed entry back untouched when the drain is cancelled.
func (r *Reconciler) release(e *SyncQueueEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := r.queue.transition(ctx, e.ID, []EntryStatus{StatusInFlight}, map[string]any{"status": StatusQueued}); err != nil {
		zap.L().Error("failed to release sync entry", zap.String("entry_id", e.ID), zap.Error(err))
	}
}
