package redemption

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rewards-core/pkg/errutil"
	"rewards-core/pkg/remote"
	"rewards-core/pkg/repository"
	"rewards-core/services/reconcile"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// SyncHandler pushes redemption transactions to the remote store and settles
// version conflicts with it.
type SyncHandler struct {
	db           *gorm.DB
	transactions repository.Repository[RedemptionTransaction]
	remote       remote.Store
	now          func() time.Time
}

type syncHandlerParams struct {
	fx.In
	DB     *gorm.DB
	Remote remote.Store
}

func NewSyncHandler(db *gorm.DB, store remote.Store) *SyncHandler {
	return &SyncHandler{
		db:           db,
		transactions: repository.ProvideStore[RedemptionTransaction](db),
		remote:       store,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func provideSyncHandler(p syncHandlerParams) reconcile.Registration {
	return reconcile.Registration{Handler: NewSyncHandler(p.DB, p.Remote)}
}

func (h *SyncHandler) EntityType() string {
	return EntityType
}

func (h *SyncHandler) Push(ctx context.Context, e *reconcile.SyncQueueEntry) (*reconcile.Outcome, error) {
	if e.Operation == reconcile.OperationDelete {
		if err := h.remote.Delete(ctx, remote.CollectionRedemptionTransactions, e.EntityID); err != nil {
			return nil, err
		}
		return &reconcile.Outcome{}, nil
	}

	local, err := h.transactions.FindOne(ctx, &RedemptionTransaction{ID: e.EntityID})
	if err != nil {
		return nil, errutil.CacheFailure("failed to read local redemption", err)
	}
	if local == nil {
		return nil, errutil.ValidationFailed(fmt.Sprintf("redemption %s no longer exists locally", e.EntityID), nil)
	}

	doc, err := h.remote.Get(ctx, remote.CollectionRedemptionTransactions, local.ID)
	if err != nil {
		if !errors.Is(err, remote.ErrNotFound) {
			return nil, err
		}
		if err := h.remote.Set(ctx, remote.CollectionRedemptionTransactions, local.ID, toDocument(local), false); err != nil {
			return nil, err
		}
		return h.synced(local, nil), nil
	}

	state, err := fromDocument(doc)
	if err != nil {
		return h.conflict(e, local, doc, "remote redemption is malformed"), nil
	}
	return h.resolve(ctx, e, local, state, doc)
}

// resolve decides between local and remote state. Final statuses never move,
// so a final remote record always wins over a local one that is behind it.
func (h *SyncHandler) resolve(ctx context.Context, e *reconcile.SyncQueueEntry, local *RedemptionTransaction, r *remoteState, doc remote.Document) (*reconcile.Outcome, error) {
	switch {
	case r.Version > local.Version && r.Status.IsFinal():
		if err := h.backfillNotes(ctx, local, r); err != nil {
			return nil, err
		}
		return h.synced(local, r), nil

	case r.Version > local.Version:
		if local.Status.IsFinal() {
			return h.conflict(e, local, doc, fmt.Sprintf("local %s transaction is behind a newer %s remote version", local.Status, r.Status)), nil
		}
		if r.PointsUsed != local.PointsUsed {
			return h.conflict(e, local, doc, "points used differ between local and remote"), nil
		}
		return h.synced(local, r), nil

	case r.Status.IsFinal() && local.Status != r.Status:
		if r.Version == local.Version && !local.Status.IsFinal() {
			return h.synced(local, r), nil
		}
		return h.conflict(e, local, doc, fmt.Sprintf("remote transaction is already %s", r.Status)), nil
	}

	if r.PointsUsed != local.PointsUsed {
		return h.conflict(e, local, doc, "points used differ between local and remote"), nil
	}
	if err := h.remote.Set(ctx, remote.CollectionRedemptionTransactions, local.ID, toDocument(local), true); err != nil {
		return nil, err
	}
	return h.synced(local, nil), nil
}

// backfillNotes copies a local note to the remote record when the remote side
// has none, so adopting the remote status does not drop it.
func (h *SyncHandler) backfillNotes(ctx context.Context, local *RedemptionTransaction, r *remoteState) error {
	if local.Notes == "" || r.Notes != "" {
		return nil
	}
	return h.remote.Set(ctx, remote.CollectionRedemptionTransactions, local.ID, map[string]any{
		"notes":     local.Notes,
		"updatedAt": remote.ServerTimestamp,
	}, true)
}

// errLocalChanged means the local record moved on while its push was in
// flight. The entry is retried against the newer local state.
var errLocalChanged = errors.New("local redemption changed during sync")

// synced marks the local record as confirmed. With r set, the remote status
// fields are adopted and local-only fields are kept. The write only lands if
// the record still has the status and version that were pushed.
func (h *SyncHandler) synced(local *RedemptionTransaction, r *remoteState) *reconcile.Outcome {
	return &reconcile.Outcome{
		Apply: func(ctx context.Context) error {
			values := map[string]any{
				"sync_status": SyncSynced,
				"updated_at":  h.now(),
			}
			if r != nil {
				values["status"] = r.Status
				values["version"] = r.Version
				values["completed_at"] = r.CompletedAt
				values["cancelled_at"] = r.CancelledAt
				if r.Notes != "" {
					values["notes"] = r.Notes
				}
			}

			res := h.db.WithContext(ctx).Model(&RedemptionTransaction{}).
				Where("id = ? AND status = ? AND version = ?", local.ID, local.Status, local.Version).
				Updates(values)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				zap.L().Warn("redemption changed during sync, result dropped",
					zap.String("transaction_id", local.ID),
					zap.String("pushed_status", string(local.Status)),
					zap.Int64("pushed_version", local.Version))
				return errLocalChanged
			}

			if r != nil {
				zap.L().Info("adopted remote redemption state",
					zap.String("transaction_id", local.ID),
					zap.String("local_status", string(local.Status)),
					zap.String("remote_status", string(r.Status)),
					zap.Int64("remote_version", r.Version))
			}
			return nil
		},
	}
}

func (h *SyncHandler) conflict(e *reconcile.SyncQueueEntry, local *RedemptionTransaction, doc remote.Document, reason string) *reconcile.Outcome {
	return &reconcile.Outcome{
		Conflict: &reconcile.Conflict{
			EntityType: EntityType,
			EntityID:   e.EntityID,
			Reason:     reason,
			Local:      local,
			Remote:     doc,
		},
		Apply: func(ctx context.Context) error {
			return h.transactions.Update(ctx, local.ID, map[string]any{"sync_status": SyncConflicted})
		},
	}
}
