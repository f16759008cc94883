package task

import (
	"context"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

const (
	QueueCritical = "critical"
	QueueDefault  = "default"
	QueueLow      = "low"
)

var ErrBrokerUnavailable = errors.New("task broker unavailable")

type Enqueuer interface {
	Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type enqueuerImpl struct {
	client *asynq.Client
}

// NewEnqueuer creates a new Enqueuer instance using asynq.Client.
// A nil client yields an Enqueuer that only logs the dropped task.
func NewEnqueuer(client *asynq.Client) Enqueuer {
	if client == nil {
		return logEnqueuer{}
	}
	return &enqueuerImpl{client: client}
}

func (e *enqueuerImpl) Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	info, err := e.client.EnqueueContext(ctx, task, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}
	return info, nil
}

type logEnqueuer struct{}

func (logEnqueuer) Enqueue(ctx context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	zap.L().Warn("task not enqueued, no broker", zap.String("task_type", task.Type()), zap.ByteString("payload", task.Payload()))
	return nil, ErrBrokerUnavailable
}
