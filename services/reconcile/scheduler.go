package reconcile

import (
	"context"
	"time"

	"rewards-core/pkg/connectivity"
	"rewards-core/pkg/errutil"

	"go.uber.org/zap"
)

// Notifier reports connectivity transitions. *connectivity.Monitor implements it.
type Notifier interface {
	Subscribe() <-chan bool
}

// Scheduler drains the queue on an interval and whenever connectivity returns.
type Scheduler struct {
	reconciler  *Reconciler
	oracle      connectivity.Oracle
	transitions <-chan bool
	interval    time.Duration
}

func NewScheduler(r *Reconciler, oracle connectivity.Oracle, notifier Notifier, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	s := &Scheduler{
		reconciler: r,
		oracle:     oracle,
		interval:   interval,
	}
	if notifier != nil {
		s.transitions = notifier.Subscribe()
	}
	return s
}

func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.trigger(ctx, "interval")
		case online := <-s.transitions:
			if online {
				s.trigger(ctx, "reconnected")
			}
		}
	}
}

func (s *Scheduler) trigger(ctx context.Context, reason string) {
	if !s.oracle.Online() {
		return
	}

	res, err := s.reconciler.SyncNow(ctx)
	if err != nil {
		if ctx.Err() == nil && !errutil.Is(err, errutil.StatusNetworkFailure) {
			zap.L().Error("scheduled sync failed", zap.String("reason", reason), zap.Error(err))
		}
		return
	}

	zap.L().Debug("scheduled sync done",
		zap.String("reason", reason),
		zap.Int("synced", res.Synced),
		zap.Int("failed", res.Failed))
}
