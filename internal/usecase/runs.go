package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/routellm/gateway/internal/adapter/observability"
	"github.com/routellm/gateway/internal/domain"
)

// RunService creates, reads, and cancels durable runs.
type RunService struct {
	runs  domain.RunRepository
	queue domain.Queue
}

func NewRunService(runs domain.RunRepository, queue domain.Queue) *RunService {
	return &RunService{runs: runs, queue: queue}
}

// CreateRunInput is the provider-independent input for a new run.
type CreateRunInput struct {
	Provider       string
	Model          string
	MaxTokens      *int
	Messages       []domain.ChatMessage
	IdempotencyKey *string
}

// Create persists a pending run and enqueues its first processing attempt.
// With an idempotency key, an existing run under the same key is returned
// as-is. A failed enqueue leaves the run failed rather than stuck pending.
func (s *RunService) Create(ctx context.Context, in CreateRunInput) (domain.Run, error) {
	if len(in.Messages) == 0 {
		return domain.Run{}, fmt.Errorf("messages must not be empty: %w", domain.ErrInvalidArgument)
	}

	if in.IdempotencyKey != nil && *in.IdempotencyKey != "" {
		existing, err := s.runs.FindByIdempotencyKey(ctx, *in.IdempotencyKey)
		if err == nil {
			slog.Info("idempotent run create, returning existing",
				slog.String("run_id", existing.ID), slog.String("idempotency_key", *in.IdempotencyKey))
			return existing, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return domain.Run{}, fmt.Errorf("op=runs.Create: %w", err)
		}
	}

	provider := in.Provider
	if provider == "" {
		provider = "openai"
	}

	run, err := s.runs.Create(ctx, domain.Run{
		Status:         domain.RunPending,
		Provider:       provider,
		Model:          in.Model,
		MaxTokens:      in.MaxTokens,
		InputMessages:  in.Messages,
		IdempotencyKey: in.IdempotencyKey,
	})
	if err != nil {
		return domain.Run{}, fmt.Errorf("op=runs.Create: %w", err)
	}

	if _, err := s.queue.EnqueueProcessRun(ctx, domain.ProcessRunPayload{RunID: run.ID, Attempt: 1}, 0); err != nil {
		run.Status = domain.RunFailed
		run.Error = fmt.Sprintf("failed to enqueue job: %v", err)
		now := time.Now().UTC()
		run.FinishedAt = &now
		if uerr := s.runs.Update(ctx, run); uerr != nil {
			slog.Error("run enqueue-failure update failed", slog.String("run_id", run.ID), slog.Any("error", uerr))
		}
		return domain.Run{}, fmt.Errorf("op=runs.Create enqueue: %w: %w", domain.ErrInternal, err)
	}

	run.Status = domain.RunQueued
	if err := s.runs.Update(ctx, run); err != nil {
		return domain.Run{}, fmt.Errorf("op=runs.Create: %w", err)
	}
	observability.EnqueueRun()

	slog.Info("run enqueued", slog.String("run_id", run.ID), slog.String("provider", provider))
	return run, nil
}

// Get loads a run by id.
func (s *RunService) Get(ctx context.Context, id string) (domain.Run, error) {
	return s.runs.Get(ctx, id)
}

// Cancel moves a non-terminal run to canceled. A worker picking up the job
// later observes the status and skips processing.
func (s *RunService) Cancel(ctx context.Context, id string) (domain.Run, error) {
	run, err := s.runs.Get(ctx, id)
	if err != nil {
		return domain.Run{}, err
	}
	if run.Status.Terminal() {
		return domain.Run{}, fmt.Errorf("cannot cancel run with status %q: %w", run.Status, domain.ErrConflict)
	}

	run.Status = domain.RunCanceled
	now := time.Now().UTC()
	run.FinishedAt = &now
	if err := s.runs.Update(ctx, run); err != nil {
		return domain.Run{}, fmt.Errorf("op=runs.Cancel: %w", err)
	}
	observability.RunsCompletedTotal.WithLabelValues(string(domain.RunCanceled)).Inc()
	slog.Info("run canceled", slog.String("run_id", id))
	return run, nil
}
