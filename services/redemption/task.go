package redemption

import (
	"context"
	"fmt"

	"rewards-core/pkg/errutil"
	"rewards-core/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

func (s *Service) HandleExpireTask(ctx context.Context, t *asynq.Task) error {
	n, err := s.ExpireStaleRedemptions(ctx, 0)
	if err != nil {
		return fmt.Errorf("%s: %w", taskname.RedemptionExpire, err)
	}
	zap.L().Info("expire task finished", zap.Int("expired", n))
	return nil
}

// HandleRefreshTask refreshes every cached catalog. Offline runs are skipped.
func (s *Service) HandleRefreshTask(ctx context.Context, t *asynq.Task) error {
	err := s.RefreshAllOptions(ctx)
	if errutil.Is(err, errutil.StatusNetworkFailure) {
		zap.L().Info("skipping option refresh while offline", zap.String("task", t.Type()))
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s: %w", taskname.RedemptionOptionsRefresh, err)
	}
	return nil
}
