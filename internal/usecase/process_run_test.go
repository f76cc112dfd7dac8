package usecase

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/routellm/gateway/internal/adapter/provider"
	"github.com/routellm/gateway/internal/config"
	"github.com/routellm/gateway/internal/domain"
	"github.com/routellm/gateway/internal/keypool"
)

func newProcessor(cfg config.Config, runs *memRunRepo, queue *memQueue, keys *memKeyRepo) (*RunProcessor, *memSeries) {
	pool := keypool.NewPool(keys, &memCursor{}, cfg)
	registry := provider.NewRegistry(cfg)
	fileSvc := NewFileService(newMemFileRepo(), cfg)
	series := &memSeries{}
	return NewRunProcessor(cfg, runs, queue, pool, registry, fileSvc, series), series
}

func queuedRun(id, providerName, content string) domain.Run {
	return domain.Run{
		ID:            id,
		Status:        domain.RunQueued,
		Provider:      providerName,
		InputMessages: userMessages(content),
	}
}

func TestProcess_SuccessSetsRetryCount(t *testing.T) {
	srv := httptest.NewServer(openAISuccess("done"))
	defer srv.Close()

	cfg := testUsecaseCfg()
	cfg.OpenAIBaseURL = srv.URL
	base := time.Now().UTC()
	runs := newMemRunRepo(queuedRun("r1", "openai", "hello"))
	keys := newMemKeyRepo(activeKey("k1", "openai", 10, base.Add(-time.Hour)))

	proc, series := newProcessor(cfg, runs, &memQueue{}, keys)
	require.NoError(t, proc.Process(context.Background(), domain.ProcessRunPayload{RunID: "r1", Attempt: 3}))

	run, _ := runs.Get(context.Background(), "r1")
	assert.Equal(t, domain.RunSucceeded, run.Status)
	require.NotNil(t, run.OutputMessage)
	assert.Equal(t, "done", run.OutputMessage.Content)
	// retry_count reflects retries, not attempts.
	assert.Equal(t, 2, run.RetryCount)
	assert.NotNil(t, run.StartedAt)
	assert.NotNil(t, run.FinishedAt)

	n, _ := series.SampleCount(context.Background(), "k1")
	assert.Equal(t, int64(1), n)
}

func TestProcess_TransientFailureRequeuesWithBackoff(t *testing.T) {
	cfg := testUsecaseCfg()
	base := time.Now().UTC()
	runs := newMemRunRepo(queuedRun("r1", "openai", "force_transient_error"))
	keys := newMemKeyRepo(activeKey("k1", "openai", 10, base.Add(-time.Hour)))
	queue := &memQueue{}

	proc, _ := newProcessor(cfg, runs, queue, keys)
	require.NoError(t, proc.Process(context.Background(), domain.ProcessRunPayload{RunID: "r1", Attempt: 2}))

	run, _ := runs.Get(context.Background(), "r1")
	assert.Equal(t, domain.RunQueued, run.Status)
	assert.Equal(t, 2, run.RetryCount)
	assert.Contains(t, run.LastErrorReason, "Transient error")

	require.Len(t, queue.tasks, 1)
	assert.Equal(t, 3, queue.tasks[0].payload.Attempt)
	// base 5s * 2^(attempt-1) = 10s for attempt 2.
	assert.Equal(t, 10*time.Second, queue.tasks[0].delay)

	// The failed key entered cooldown.
	k, _ := keys.Get(context.Background(), "k1")
	assert.Equal(t, domain.KeyCoolingDown, k.Status)
}

func TestProcess_RateLimitUsesRetryAfterHint(t *testing.T) {
	cfg := testUsecaseCfg()
	base := time.Now().UTC()
	runs := newMemRunRepo(queuedRun("r1", "openai", "force429"))
	keys := newMemKeyRepo(activeKey("k1", "openai", 10, base.Add(-time.Hour)))
	queue := &memQueue{}

	proc, _ := newProcessor(cfg, runs, queue, keys)
	require.NoError(t, proc.Process(context.Background(), domain.ProcessRunPayload{RunID: "r1", Attempt: 1}))

	require.Len(t, queue.tasks, 1)
	// The simulated 429 carries a 30s hint, overriding exponential backoff.
	assert.Equal(t, 30*time.Second, queue.tasks[0].delay)
}

func TestProcess_MaxAttemptsReachedFailsTerminally(t *testing.T) {
	cfg := testUsecaseCfg()
	base := time.Now().UTC()
	runs := newMemRunRepo(queuedRun("r1", "openai", "force_transient_error"))
	keys := newMemKeyRepo(activeKey("k1", "openai", 10, base.Add(-time.Hour)))
	queue := &memQueue{}

	proc, _ := newProcessor(cfg, runs, queue, keys)
	require.NoError(t, proc.Process(context.Background(), domain.ProcessRunPayload{
		RunID: "r1", Attempt: cfg.WorkerMaxAttempts,
	}))

	run, _ := runs.Get(context.Background(), "r1")
	assert.Equal(t, domain.RunFailed, run.Status)
	assert.Equal(t, cfg.WorkerMaxAttempts, run.RetryCount)
	assert.NotNil(t, run.FinishedAt)
	assert.Empty(t, queue.tasks)
}

func TestProcess_ClientErrorFailsImmediately(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error": {"message": "model not found"}}`))
	}))
	defer srv.Close()

	cfg := testUsecaseCfg()
	cfg.OpenAIBaseURL = srv.URL
	base := time.Now().UTC()
	runs := newMemRunRepo(queuedRun("r1", "openai", "hello"))
	keys := newMemKeyRepo(activeKey("k1", "openai", 10, base.Add(-time.Hour)))
	queue := &memQueue{}

	proc, _ := newProcessor(cfg, runs, queue, keys)
	require.NoError(t, proc.Process(context.Background(), domain.ProcessRunPayload{RunID: "r1", Attempt: 1}))

	run, _ := runs.Get(context.Background(), "r1")
	assert.Equal(t, domain.RunFailed, run.Status)
	assert.Contains(t, run.Error, "model not found")
	assert.Empty(t, queue.tasks)

	// Client errors never touch key state.
	k, _ := keys.Get(context.Background(), "k1")
	assert.Equal(t, domain.KeyActive, k.Status)
}

func TestProcess_NoKeysIsRetriable(t *testing.T) {
	cfg := testUsecaseCfg()
	runs := newMemRunRepo(queuedRun("r1", "openai", "hello"))
	queue := &memQueue{}

	proc, _ := newProcessor(cfg, runs, queue, newMemKeyRepo())
	require.NoError(t, proc.Process(context.Background(), domain.ProcessRunPayload{RunID: "r1", Attempt: 1}))

	run, _ := runs.Get(context.Background(), "r1")
	assert.Equal(t, domain.RunQueued, run.Status)
	assert.Equal(t, "No available keys", run.LastErrorReason)
	require.Len(t, queue.tasks, 1)
	assert.Equal(t, 2, queue.tasks[0].payload.Attempt)
	assert.Equal(t, 5*time.Second, queue.tasks[0].delay)
}

func TestProcess_CanceledRunIsSkipped(t *testing.T) {
	runs := newMemRunRepo(domain.Run{ID: "r1", Status: domain.RunCanceled, Provider: "openai"})
	queue := &memQueue{}

	proc, _ := newProcessor(testUsecaseCfg(), runs, queue, newMemKeyRepo())
	require.NoError(t, proc.Process(context.Background(), domain.ProcessRunPayload{RunID: "r1", Attempt: 1}))

	run, _ := runs.Get(context.Background(), "r1")
	assert.Equal(t, domain.RunCanceled, run.Status)
	assert.Empty(t, queue.tasks)
}

func TestProcess_MissingRunIsDropped(t *testing.T) {
	proc, _ := newProcessor(testUsecaseCfg(), newMemRunRepo(), &memQueue{}, newMemKeyRepo())
	// Acknowledge rather than retry forever.
	assert.NoError(t, proc.Process(context.Background(), domain.ProcessRunPayload{RunID: "gone", Attempt: 1}))
}

func TestProcess_AuthErrorDisablesKeyAndRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"message": "Incorrect API key provided"},
		})
	}))
	defer srv.Close()

	cfg := testUsecaseCfg()
	cfg.OpenAIBaseURL = srv.URL
	base := time.Now().UTC()
	runs := newMemRunRepo(queuedRun("r1", "openai", "hello"))
	keys := newMemKeyRepo(activeKey("k1", "openai", 10, base.Add(-time.Hour)))
	queue := &memQueue{}

	proc, _ := newProcessor(cfg, runs, queue, keys)
	require.NoError(t, proc.Process(context.Background(), domain.ProcessRunPayload{RunID: "r1", Attempt: 1}))

	// Key disabled; run queued for another attempt with a different key.
	k, _ := keys.Get(context.Background(), "k1")
	assert.Equal(t, domain.KeyDisabled, k.Status)

	run, _ := runs.Get(context.Background(), "r1")
	assert.Equal(t, domain.RunQueued, run.Status)
	require.Len(t, queue.tasks, 1)
}

func TestBackoffDelay(t *testing.T) {
	cfg := testUsecaseCfg()
	proc, _ := newProcessor(cfg, newMemRunRepo(), &memQueue{}, newMemKeyRepo())

	assert.Equal(t, 5*time.Second, proc.backoffDelay(1))
	assert.Equal(t, 10*time.Second, proc.backoffDelay(2))
	assert.Equal(t, 20*time.Second, proc.backoffDelay(3))
	assert.Equal(t, 40*time.Second, proc.backoffDelay(4))
	assert.Equal(t, 60*time.Second, proc.backoffDelay(5))
	assert.Equal(t, 60*time.Second, proc.backoffDelay(10))
}
