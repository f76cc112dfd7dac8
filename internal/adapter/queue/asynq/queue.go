// Package asynqadp binds the run engine to asynq: a producer enqueueing
// run-processing tasks (with optional delay) and a worker consuming them.
package asynqadp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/routellm/gateway/internal/domain"
)

const TaskProcessRun = "run:process"

// Queue produces run-processing tasks.
type Queue struct {
	client  *asynq.Client
	timeout time.Duration
}

// New builds a producer. taskTimeout bounds a single worker attempt and
// should match the provider call budget.
func New(redisURL string, taskTimeout time.Duration) (*Queue, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	return &Queue{client: asynq.NewClient(opt), timeout: taskTimeout}, nil
}

// EnqueueProcessRun schedules one worker attempt. Retries are owned by the run
// engine (MaxRetry 0): a failed attempt re-enqueues explicitly with attempt+1
// and a delay instead of relying on asynq's retry machinery.
func (q *Queue) EnqueueProcessRun(ctx context.Context, p domain.ProcessRunPayload, delay time.Duration) (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("op=queue.enqueue marshal: %w", err)
	}
	opts := []asynq.Option{
		asynq.MaxRetry(0),
		asynq.Timeout(q.timeout),
		asynq.Retention(24 * time.Hour),
	}
	if delay > 0 {
		opts = append(opts, asynq.ProcessIn(delay))
	}
	info, err := q.client.EnqueueContext(ctx, asynq.NewTask(TaskProcessRun, b), opts...)
	if err != nil {
		return "", fmt.Errorf("op=queue.enqueue: %w", err)
	}
	return info.ID, nil
}

// Close releases the underlying Redis client.
func (q *Queue) Close() error { return q.client.Close() }
