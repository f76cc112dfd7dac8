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

// ChatService is the synchronous chat path: pick a key, call the provider,
// fail over to other keys on retriable errors without sleeping.
type ChatService struct {
	cfg      config.Config
	pool     *keypool.Pool
	registry *provider.Registry
	files    *FileService
	series   domain.TokenTimeSeries
	now      func() time.Time
}

func NewChatService(cfg config.Config, pool *keypool.Pool, registry *provider.Registry, files *FileService, series domain.TokenTimeSeries) *ChatService {
	return &ChatService{
		cfg:      cfg,
		pool:     pool,
		registry: registry,
		files:    files,
		series:   series,
		now:      time.Now,
	}
}

// Chat serves one chat completion. Attempts are bounded by
// SYNC_LLM_MAX_RETRIES+1; each attempt uses a fresh key, previously tried keys
// are excluded, and there is no sleep between attempts.
func (s *ChatService) Chat(ctx context.Context, req domain.ChatRequest) (domain.ChatResponse, error) {
	if req.Provider == "" {
		req.Provider = "openai"
	}
	adapter, err := s.registry.Get(req.Provider)
	if err != nil {
		return domain.ChatResponse{}, err
	}

	files, err := s.files.ResolveAttachments(ctx, req.Messages)
	if err != nil {
		return domain.ChatResponse{}, err
	}
	if len(files) > 0 && !adapter.SupportsAttachments() {
		return domain.ChatResponse{}, fmt.Errorf("attachments are not supported for provider %q: %w",
			req.Provider, domain.ErrInvalidArgument)
	}

	start := s.now()
	maxAttempts := s.cfg.SyncLLMMaxRetries + 1
	excluded := map[string]bool{}
	var lastErr *provider.Error
	var retryAfterHint time.Duration

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		now := s.now().UTC()

		key, selErr := s.pool.Select(ctx, req.Provider, now, excluded)
		if selErr != nil {
			if errors.Is(selErr, domain.ErrNoKeysAvailable) {
				break
			}
			return domain.ChatResponse{}, selErr
		}
		excluded[key.ID] = true

		s.pool.RegisterUsage(key.ID, now)
		if err := s.pool.TouchUsed(ctx, key, now); err != nil {
			slog.Warn("last_used_at update failed", slog.String("key_id", key.ID), slog.Any("error", err))
		}

		slog.Info("chat attempt",
			slog.String("provider", req.Provider),
			slog.String("key_id", key.ID),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", maxAttempts))

		resp, chatErr := adapter.Chat(ctx, key.APIKey, req, files)
		if chatErr == nil {
			if err := s.pool.MarkSuccess(ctx, key, now); err != nil {
				slog.Warn("cooling reset failed", slog.String("key_id", key.ID), slog.Any("error", err))
			}
			s.recordSuccess(ctx, req.Provider, key.ID, resp, start)
			return resp, nil
		}

		perr, ok := provider.AsError(chatErr)
		if !ok {
			observability.ObserveLLMRequest(req.Provider, "error", s.now().Sub(start))
			return domain.ChatResponse{}, fmt.Errorf("op=chat: %w", chatErr)
		}

		switch perr.Kind {
		case provider.KindClient:
			// Non-retriable; key state untouched.
			observability.RecordKeyError(req.Provider, string(provider.KindClient))
			observability.ObserveLLMRequest(req.Provider, "error", s.now().Sub(start))
			return domain.ChatResponse{}, fmt.Errorf("%s: %w", perr.Message, domain.ErrInvalidArgument)
		case provider.KindRateLimit:
			if perr.RetryAfter > retryAfterHint {
				retryAfterHint = perr.RetryAfter
			}
			fallthrough
		default:
			// Rate limit, transient, and authentication all fail over to the
			// next key. Authentication additionally disables this one.
			lastErr = perr
			if err := s.pool.MarkError(ctx, key, perr.Kind, now); err != nil {
				slog.Warn("key error mark failed", slog.String("key_id", key.ID), slog.Any("error", err))
			}
		}
	}

	observability.ObserveLLMRequest(req.Provider, "error", s.now().Sub(start))

	switch {
	case lastErr != nil && lastErr.Kind == provider.KindRateLimit:
		hint := retryAfterHint
		if hint <= 0 {
			hint = time.Duration(s.cfg.SyncLLMMaxRetryWaitSeconds) * time.Second
		}
		return domain.ChatResponse{}, &domain.RateLimitedError{RetryAfter: hint}
	case lastErr != nil:
		return domain.ChatResponse{}, fmt.Errorf("chat failed after retries: %s: %w",
			lastErr.Message, domain.ErrUpstreamUnavailable)
	default:
		return domain.ChatResponse{}, fmt.Errorf("no available keys for provider %q: %w",
			req.Provider, domain.ErrNoKeysAvailable)
	}
}

// recordSuccess emits metrics and appends the per-key token sample. Recording
// failures never fail the request.
func (s *ChatService) recordSuccess(ctx context.Context, providerName, keyID string, resp domain.ChatResponse, start time.Time) {
	observability.ObserveLLMRequest(providerName, "success", s.now().Sub(start))
	if resp.Usage == nil {
		slog.Warn("no usage data in response", slog.String("provider", providerName), slog.String("key_id", keyID))
		return
	}
	prompt, completion := 0, 0
	if resp.Usage.PromptTokens != nil {
		prompt = *resp.Usage.PromptTokens
	}
	if resp.Usage.CompletionTokens != nil {
		completion = *resp.Usage.CompletionTokens
	}
	observability.ObserveLLMTokens(providerName, prompt, completion)

	if total := resp.Usage.Total(); total > 0 {
		if err := s.series.Record(ctx, keyID, total); err != nil {
			slog.Warn("token sample record failed", slog.String("key_id", keyID), slog.Any("error", err))
		}
	}
}
