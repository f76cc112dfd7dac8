package asynqadp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/routellm/gateway/internal/domain"
	"github.com/routellm/gateway/internal/usecase"
)

// Worker consumes run-processing tasks and hands them to the RunProcessor.
type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
}

func NewWorker(redisURL string, concurrency int, processor *usecase.RunProcessor) (*Worker, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	if concurrency <= 0 {
		concurrency = 5
	}
	srv := asynq.NewServer(opt, asynq.Config{Concurrency: concurrency})
	mux := asynq.NewServeMux()

	mux.HandleFunc(TaskProcessRun, func(ctx context.Context, t *asynq.Task) error {
		tracer := otel.Tracer("queue.worker")
		ctx, span := tracer.Start(ctx, "ProcessRun")
		defer span.End()

		var p domain.ProcessRunPayload
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			return fmt.Errorf("op=worker.decode: %w", err)
		}
		span.SetAttributes(
			attribute.String("run.id", p.RunID),
			attribute.Int("run.attempt", p.Attempt),
		)
		return processor.Process(ctx, p)
	})

	return &Worker{server: srv, mux: mux}, nil
}

func (w *Worker) Start(ctx context.Context) error { return w.server.Start(w.mux) }
func (w *Worker) Stop()                           { w.server.Shutdown() }
