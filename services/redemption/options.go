package redemption

import (
	"context"
	"fmt"

	"rewards-core/pkg/db/option"
	"rewards-core/pkg/errutil"
	"rewards-core/pkg/remote"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const refreshConcurrency = 4

// ListOptions returns the cached catalog for a family.
func (s *Service) ListOptions(ctx context.Context, familyID string, activeOnly bool) ([]*RedemptionOption, error) {
	if familyID == "" {
		return nil, errutil.BadRequest("family_id is required", nil)
	}
	opts := []option.QueryOption{
		option.WithSortBy(option.QuerySortBy{SortBy: "required_points", OrderBy: "asc"}),
	}
	rows, err := s.options.Find(ctx, &RedemptionOption{FamilyID: familyID}, opts...)
	if err != nil {
		return nil, errutil.CacheFailure("failed to list redemption options", err)
	}
	if !activeOnly {
		return rows, nil
	}

	now := s.now()
	active := make([]*RedemptionOption, 0, len(rows))
	for _, o := range rows {
		if o.Available(now) {
			active = append(active, o)
		}
	}
	return active, nil
}

// RefreshOptions replaces the cached catalog of a family with the remote one.
// Options that disappeared remotely are kept but deactivated so historic
// transactions still resolve their option.
func (s *Service) RefreshOptions(ctx context.Context, familyID string) (int, error) {
	if familyID == "" {
		return 0, errutil.BadRequest("family_id is required", nil)
	}
	if !s.oracle.Online() {
		return 0, errutil.NetworkFailure("device is offline, using cached options", nil)
	}

	docs, err := s.remote.Query(ctx, remote.CollectionRedemptionOptions, "familyId", familyID)
	if err != nil {
		zap.L().With(traceFields(ctx)...).Warn("failed to fetch redemption options",
			zap.String("family_id", familyID), zap.Error(err))
		return 0, err
	}

	now := s.now()
	fresh := make([]*RedemptionOption, 0, len(docs))
	ids := make([]string, 0, len(docs))
	for _, doc := range docs {
		o, ok := optionFromDocument(doc, now)
		if !ok {
			zap.L().Warn("skipping malformed redemption option", zap.String("family_id", familyID), zap.Any("doc", doc))
			continue
		}
		o.FamilyID = familyID
		fresh = append(fresh, o)
		ids = append(ids, o.ID)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(fresh) > 0 {
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&fresh).Error; err != nil {
				return err
			}
		}
		stale := tx.Model(&RedemptionOption{}).Where("family_id = ?", familyID)
		if len(ids) > 0 {
			stale = stale.Where("id NOT IN ?", ids)
		}
		return stale.Updates(map[string]any{"is_active": false, "updated_at": now}).Error
	})
	if err != nil {
		return 0, errutil.CacheFailure(fmt.Sprintf("failed to cache options for family %s", familyID), err)
	}

	zap.L().With(traceFields(ctx)...).Info("redemption options refreshed",
		zap.String("family_id", familyID), zap.Int("count", len(fresh)))
	return len(fresh), nil
}

// RefreshAllOptions refreshes every family known locally.
func (s *Service) RefreshAllOptions(ctx context.Context) error {
	var families []string
	if err := s.db.WithContext(ctx).Model(&RedemptionOption{}).
		Distinct("family_id").Where("family_id <> ''").
		Pluck("family_id", &families).Error; err != nil {
		return errutil.CacheFailure("failed to list families", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(refreshConcurrency)
	for _, familyID := range families {
		g.Go(func() error {
			_, err := s.RefreshOptions(gctx, familyID)
			return err
		})
	}
	return g.Wait()
}
