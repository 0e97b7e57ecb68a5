package task

import (
	"context"
	"fmt"
	"time"

	"rewards-core/pkg/taskname"

	"github.com/hibiken/asynq"
)

const (
	QueueCritical = "critical"
	QueueDefault  = "default"
	QueueLow      = "low"
)

type Enqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type enqueuerImpl struct {
	client *asynq.Client
}

// NewEnqueuer creates a new Enqueuer instance using asynq.Client.
func NewEnqueuer(client *asynq.Client) Enqueuer {
	return &enqueuerImpl{client: client}
}

func (e *enqueuerImpl) Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	info, err := e.client.EnqueueContext(context.Background(), task, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}
	return info, nil
}

// NewSyncDrainTask builds a drain request. Unique within window so a burst of
// connectivity flaps results in a single queued drain.
func NewSyncDrainTask(window time.Duration) (*asynq.Task, []asynq.Option) {
	return asynq.NewTask(taskname.SyncDrain, nil), []asynq.Option{
		asynq.Queue(QueueCritical),
		asynq.Unique(window),
		asynq.MaxRetry(0),
	}
}

func NewRedemptionExpireTask() (*asynq.Task, []asynq.Option) {
	return asynq.NewTask(taskname.RedemptionExpire, nil), []asynq.Option{
		asynq.Queue(QueueLow),
		asynq.MaxRetry(3),
	}
}

func NewOptionsRefreshTask() (*asynq.Task, []asynq.Option) {
	return asynq.NewTask(taskname.RedemptionOptionsRefresh, nil), []asynq.Option{
		asynq.Queue(QueueDefault),
		asynq.MaxRetry(3),
	}
}
