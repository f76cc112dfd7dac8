package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/routellm/gateway/internal/adapter/observability"
	"github.com/routellm/gateway/internal/adapter/provider"
	"github.com/routellm/gateway/internal/config"
	"github.com/routellm/gateway/internal/domain"
	"github.com/routellm/gateway/internal/keypool"
)

// RunProcessor executes one queued attempt of a run. Each attempt tries
// exactly one key; retriable failures re-enqueue the run with a delay, so
// failover happens across attempts rather than inside one.
type RunProcessor struct {
	cfg      config.Config
	runs     domain.RunRepository
	queue    domain.Queue
	pool     *keypool.Pool
	registry *provider.Registry
	files    *FileService
	series   domain.TokenTimeSeries
	now      func() time.Time
}

func NewRunProcessor(cfg config.Config, runs domain.RunRepository, queue domain.Queue, pool *keypool.Pool, registry *provider.Registry, files *FileService, series domain.TokenTimeSeries) *RunProcessor {
	return &RunProcessor{
		cfg:      cfg,
		runs:     runs,
		queue:    queue,
		pool:     pool,
		registry: registry,
		files:    files,
		series:   series,
		now:      time.Now,
	}
}

// backoffDelay is min(base * 2^(attempt-1), max).
func (p *RunProcessor) backoffDelay(attempt int) time.Duration {
	delay := p.cfg.WorkerBaseBackoff()
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.cfg.WorkerMaxBackoff() {
			return p.cfg.WorkerMaxBackoff()
		}
	}
	if delay > p.cfg.WorkerMaxBackoff() {
		return p.cfg.WorkerMaxBackoff()
	}
	return delay
}

// Process handles one attempt. A nil return acknowledges the queue message;
// the run's own retry bookkeeping decides whether another attempt follows.
func (p *RunProcessor) Process(ctx context.Context, payload domain.ProcessRunPayload) error {
	attempt := payload.Attempt
	if attempt < 1 {
		attempt = 1
	}

	run, err := p.runs.Get(ctx, payload.RunID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			slog.Error("run not found, dropping job", slog.String("run_id", payload.RunID))
			return nil
		}
		return fmt.Errorf("op=process_run load: %w", err)
	}

	if run.Status == domain.RunCanceled {
		slog.Info("run canceled, skipping", slog.String("run_id", run.ID))
		return nil
	}
	if run.Status.Terminal() {
		slog.Warn("run already terminal, skipping",
			slog.String("run_id", run.ID), slog.String("status", string(run.Status)))
		return nil
	}

	observability.StartProcessingRun()

	now := p.now().UTC()
	run.Status = domain.RunRunning
	if run.StartedAt == nil {
		run.StartedAt = &now
	}
	if err := p.runs.Update(ctx, run); err != nil {
		observability.RetryRun()
		return fmt.Errorf("op=process_run start: %w", err)
	}

	slog.Info("run processing", slog.String("run_id", run.ID), slog.Int("attempt", attempt))

	adapter, err := p.registry.Get(run.Provider)
	if err != nil {
		return p.fail(ctx, run, attempt, fmt.Sprintf("unknown provider: %v", err), "")
	}

	files, err := p.files.ResolveAttachments(ctx, run.InputMessages)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidArgument) {
			return p.fail(ctx, run, attempt, err.Error(), "")
		}
		observability.RetryRun()
		return fmt.Errorf("op=process_run resolve files: %w", err)
	}

	req := domain.ChatRequest{
		Provider:  run.Provider,
		Model:     run.Model,
		Messages:  run.InputMessages,
		MaxTokens: run.MaxTokens,
	}

	key, selErr := p.pool.Select(ctx, run.Provider, now, nil)
	if selErr != nil {
		if !errors.Is(selErr, domain.ErrNoKeysAvailable) {
			observability.RetryRun()
			return fmt.Errorf("op=process_run select: %w", selErr)
		}
		// Pool exhausted counts as retriable; keys may cool down or decay
		// before the next attempt.
		if attempt < p.cfg.WorkerMaxAttempts {
			return p.requeue(ctx, run, attempt, p.backoffDelay(attempt), "No available keys")
		}
		return p.fail(ctx, run, attempt,
			fmt.Sprintf("No available keys after %d attempts", p.cfg.WorkerMaxAttempts), "No available keys")
	}

	p.pool.RegisterUsage(key.ID, now)
	if err := p.pool.TouchUsed(ctx, key, now); err != nil {
		slog.Warn("last_used_at update failed", slog.String("key_id", key.ID), slog.Any("error", err))
	}

	callCtx, cancel := context.WithTimeout(ctx, p.cfg.ProviderTimeout())
	defer cancel()

	resp, chatErr := adapter.Chat(callCtx, key.APIKey, req, files)
	if chatErr == nil {
		return p.succeed(ctx, run, attempt, key, resp, now)
	}

	perr, ok := provider.AsError(chatErr)
	if !ok {
		return p.fail(ctx, run, attempt, fmt.Sprintf("worker error: %v", chatErr), "")
	}

	switch perr.Kind {
	case provider.KindClient:
		// Non-retriable; key state untouched.
		observability.RecordKeyError(run.Provider, string(provider.KindClient))
		return p.fail(ctx, run, attempt, perr.Message, "Client error: "+perr.Message)

	case provider.KindRateLimit:
		if err := p.pool.MarkError(ctx, key, perr.Kind, now); err != nil {
			slog.Warn("key error mark failed", slog.String("key_id", key.ID), slog.Any("error", err))
		}
		if attempt < p.cfg.WorkerMaxAttempts {
			delay := p.backoffDelay(attempt)
			if perr.RetryAfter > 0 {
				delay = perr.RetryAfter
				if delay > p.cfg.WorkerMaxBackoff() {
					delay = p.cfg.WorkerMaxBackoff()
				}
			}
			return p.requeue(ctx, run, attempt, delay, "Rate limit: "+perr.Message)
		}
		return p.fail(ctx, run, attempt,
			fmt.Sprintf("Rate limit error after %d attempts: %s", p.cfg.WorkerMaxAttempts, perr.Message),
			"Rate limit: "+perr.Message)

	default:
		// Transient and authentication failures both retry with another
		// attempt; authentication has already disabled this key, so the next
		// attempt selects a different one.
		if err := p.pool.MarkError(ctx, key, perr.Kind, now); err != nil {
			slog.Warn("key error mark failed", slog.String("key_id", key.ID), slog.Any("error", err))
		}
		if attempt < p.cfg.WorkerMaxAttempts {
			return p.requeue(ctx, run, attempt, p.backoffDelay(attempt), "Transient error: "+perr.Message)
		}
		return p.fail(ctx, run, attempt,
			fmt.Sprintf("Transient error after %d attempts: %s", p.cfg.WorkerMaxAttempts, perr.Message),
			"Transient error: "+perr.Message)
	}
}

// succeed finalizes the run and records usage.
func (p *RunProcessor) succeed(ctx context.Context, run domain.Run, attempt int, key domain.ProviderKey, resp domain.ChatResponse, now time.Time) error {
	if err := p.pool.MarkSuccess(ctx, key, now); err != nil {
		slog.Warn("cooling reset failed", slog.String("key_id", key.ID), slog.Any("error", err))
	}

	finished := p.now().UTC()
	run.Status = domain.RunSucceeded
	run.OutputMessage = &resp.Message
	run.FinishedAt = &finished
	run.RetryCount = attempt - 1
	run.Error = ""
	if err := p.runs.Update(ctx, run); err != nil {
		observability.RetryRun()
		return fmt.Errorf("op=process_run succeed: %w", err)
	}

	if resp.Usage != nil {
		prompt, completion := 0, 0
		if resp.Usage.PromptTokens != nil {
			prompt = *resp.Usage.PromptTokens
		}
		if resp.Usage.CompletionTokens != nil {
			completion = *resp.Usage.CompletionTokens
		}
		observability.ObserveLLMTokens(run.Provider, prompt, completion)
		if total := resp.Usage.Total(); total > 0 {
			if err := p.series.Record(ctx, key.ID, total); err != nil {
				slog.Warn("token sample record failed", slog.String("key_id", key.ID), slog.Any("error", err))
			}
		}
	} else {
		slog.Warn("no usage data in response",
			slog.String("provider", run.Provider), slog.String("run_id", run.ID))
	}

	observability.FinishRun(string(domain.RunSucceeded))
	slog.Info("run succeeded", slog.String("run_id", run.ID), slog.Int("attempt", attempt))
	return nil
}

// requeue schedules the next attempt and parks the run back in queued.
func (p *RunProcessor) requeue(ctx context.Context, run domain.Run, attempt int, delay time.Duration, reason string) error {
	if _, err := p.queue.EnqueueProcessRun(ctx, domain.ProcessRunPayload{RunID: run.ID, Attempt: attempt + 1}, delay); err != nil {
		return p.fail(ctx, run, attempt, fmt.Sprintf("failed to re-enqueue: %v", err), reason)
	}

	run.Status = domain.RunQueued
	run.RetryCount = attempt
	run.LastErrorReason = reason
	if err := p.runs.Update(ctx, run); err != nil {
		observability.RetryRun()
		return fmt.Errorf("op=process_run requeue: %w", err)
	}

	observability.RetryRun()
	slog.Warn("run re-enqueued",
		slog.String("run_id", run.ID),
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay),
		slog.String("reason", reason))
	return nil
}

// fail moves the run to its terminal failed state.
func (p *RunProcessor) fail(ctx context.Context, run domain.Run, attempt int, errMsg, reason string) error {
	finished := p.now().UTC()
	run.Status = domain.RunFailed
	run.Error = errMsg
	run.RetryCount = attempt
	if reason != "" {
		run.LastErrorReason = reason
	}
	run.FinishedAt = &finished
	if err := p.runs.Update(ctx, run); err != nil {
		observability.RetryRun()
		return fmt.Errorf("op=process_run fail: %w", err)
	}
	observability.FinishRun(string(domain.RunFailed))
	slog.Error("run failed",
		slog.String("run_id", run.ID),
		slog.Int("attempt", attempt),
		slog.String("error", errMsg))
	return nil
}
