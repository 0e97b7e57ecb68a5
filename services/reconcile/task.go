package reconcile

import (
	"context"
	"fmt"

	"rewards-core/pkg/errutil"
	"rewards-core/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// HandleDrainTask runs a drain for the asynq worker. Being offline is not a
// task failure; the next scheduled drain picks the queue up.
func (r *Reconciler) HandleDrainTask(ctx context.Context, t *asynq.Task) error {
	res, err := r.SyncNow(ctx)
	if errutil.Is(err, errutil.StatusNetworkFailure) {
		zap.L().Info("skipping drain while offline", zap.String("task", t.Type()))
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s: %w", taskname.SyncDrain, err)
	}

	zap.L().Info("drain task finished",
		zap.Int("synced", res.Synced),
		zap.Int("failed", res.Failed),
		zap.Int("dead", res.Dead),
		zap.Int("conflicts", len(res.Conflicts)))
	return nil
}
