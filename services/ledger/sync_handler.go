package ledger

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

// ResyncEntityType names whole-user pushes in the sync queue; the entity id
// is the user id.
const ResyncEntityType = "reward_ledger"

func toDocument(e *RewardEntry) remote.Document {
	doc := remote.Document{
		"id":          e.ID,
		"userId":      e.UserID,
		"familyId":    e.FamilyID,
		"points":      e.Points,
		"description": e.Description,
		"categoryId":  e.CategoryID,
		"type":        string(e.Type),
		"createdAt":   e.CreatedAt.UTC(),
		"contentHash": e.ContentHash(),
		"updatedAt":   remote.ServerTimestamp,
	}
	if e.GeneratedForDate != nil {
		doc["generatedForDate"] = *e.GeneratedForDate
	}
	return doc
}

// SyncHandler pushes single reward entries.
type SyncHandler struct {
	entries repository.Repository[RewardEntry]
	remote  remote.Store
	now     func() time.Time
}

func NewSyncHandler(db *gorm.DB, store remote.Store) *SyncHandler {
	return &SyncHandler{
		entries: repository.ProvideStore[RewardEntry](db),
		remote:  store,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (h *SyncHandler) EntityType() string {
	return EntityType
}

func (h *SyncHandler) Push(ctx context.Context, e *reconcile.SyncQueueEntry) (*reconcile.Outcome, error) {
	if e.Operation == reconcile.OperationDelete {
		if err := h.remote.Delete(ctx, remote.CollectionRewardEntries, e.EntityID); err != nil {
			return nil, err
		}
		return &reconcile.Outcome{}, nil
	}

	local, err := h.entries.FindOne(ctx, &RewardEntry{ID: e.EntityID})
	if err != nil {
		return nil, errutil.CacheFailure("failed to read local reward entry", err)
	}
	if local == nil {
		// Deleted before it was ever pushed; the queued delete covers the remote side.
		zap.L().Debug("reward entry gone locally, nothing to push", zap.String("entry_id", e.EntityID))
		return &reconcile.Outcome{}, nil
	}

	existing, err := h.remote.Get(ctx, remote.CollectionRewardEntries, local.ID)
	switch {
	case err == nil:
		if hash := existing.String("contentHash"); hash != "" && hash != local.ContentHash() {
			return &reconcile.Outcome{
				Conflict: &reconcile.Conflict{
					EntityType: EntityType,
					EntityID:   local.ID,
					Reason:     "remote reward entry differs from the local one",
					Local:      local,
					Remote:     existing,
				},
			}, nil
		}
	case !errors.Is(err, remote.ErrNotFound):
		return nil, err
	}

	if err := h.remote.Set(ctx, remote.CollectionRewardEntries, local.ID, toDocument(local), true); err != nil {
		return nil, err
	}
	return &reconcile.Outcome{Apply: markSynced(h.entries, h.now, local.ID)}, nil
}

func markSynced(entries repository.Repository[RewardEntry], now func() time.Time, ids ...string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		var errs []error
		for _, id := range ids {
			err := entries.Update(ctx, id, map[string]any{"is_synced": true, "updated_at": now()})
			if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
}

// ResyncHandler pushes every entry of a user in one remote batch.
type ResyncHandler struct {
	entries repository.Repository[RewardEntry]
	remote  remote.Store
	now     func() time.Time
}

func NewResyncHandler(db *gorm.DB, store remote.Store) *ResyncHandler {
	return &ResyncHandler{
		entries: repository.ProvideStore[RewardEntry](db),
		remote:  store,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (h *ResyncHandler) EntityType() string {
	return ResyncEntityType
}

func (h *ResyncHandler) Push(ctx context.Context, e *reconcile.SyncQueueEntry) (*reconcile.Outcome, error) {
	rows, err := h.entries.Find(ctx, &RewardEntry{UserID: e.EntityID})
	if err != nil {
		return nil, errutil.CacheFailure(fmt.Sprintf("failed to read entries of %s", e.EntityID), err)
	}
	if len(rows) == 0 {
		return &reconcile.Outcome{}, nil
	}

	writes := make([]remote.Write, 0, len(rows))
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		writes = append(writes, remote.Write{
			Collection: remote.CollectionRewardEntries,
			ID:         r.ID,
			Doc:        toDocument(r),
			Merge:      true,
		})
		ids = append(ids, r.ID)
	}
	if err := h.remote.BatchWrite(ctx, writes); err != nil {
		return nil, err
	}

	zap.L().Info("reward ledger resynced", zap.String("user_id", e.EntityID), zap.Int("entries", len(rows)))
	return &reconcile.Outcome{Apply: markSynced(h.entries, h.now, ids...)}, nil
}

type syncHandlerParams struct {
	fx.In
	DB     *gorm.DB
	Remote remote.Store
}

type syncHandlerResult struct {
	fx.Out
	Entry  reconcile.Handler `group:"sync_handlers"`
	Resync reconcile.Handler `group:"sync_handlers"`
}

func provideSyncHandlers(p syncHandlerParams) syncHandlerResult {
	return syncHandlerResult{
		Entry:  NewSyncHandler(p.DB, p.Remote),
		Resync: NewResyncHandler(p.DB, p.Remote),
	}
}
