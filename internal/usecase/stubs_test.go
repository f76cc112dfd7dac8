package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/routellm/gateway/internal/config"
	"github.com/routellm/gateway/internal/domain"
)

// In-memory fakes for the repository, queue, cursor, and time-series ports.

type memKeyRepo struct {
	mu   sync.Mutex
	keys map[string]domain.ProviderKey
}

func newMemKeyRepo(keys ...domain.ProviderKey) *memKeyRepo {
	m := &memKeyRepo{keys: map[string]domain.ProviderKey{}}
	for _, k := range keys {
		m.keys[k.ID] = k
	}
	return m
}

func (m *memKeyRepo) Create(_ context.Context, k domain.ProviderKey) (domain.ProviderKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[k.ID] = k
	return k, nil
}

func (m *memKeyRepo) Get(_ context.Context, id string) (domain.ProviderKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[id]
	if !ok {
		return domain.ProviderKey{}, domain.ErrNotFound
	}
	return k, nil
}

func (m *memKeyRepo) List(_ context.Context, providerName string, status domain.KeyStatus) ([]domain.ProviderKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ProviderKey
	for _, k := range m.keys {
		if providerName != "" && k.Provider != providerName {
			continue
		}
		if status != "" && k.Status != status {
			continue
		}
		out = append(out, k)
	}
	return out, nil
}

func (m *memKeyRepo) ListSelectable(_ context.Context, providerName string) ([]domain.ProviderKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ProviderKey
	for _, k := range m.keys {
		if k.Provider == providerName && k.Status != domain.KeyDisabled {
			out = append(out, k)
		}
	}
	return out, nil
}

func (m *memKeyRepo) Update(_ context.Context, k domain.ProviderKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[k.ID]; !ok {
		return domain.ErrNotFound
	}
	m.keys[k.ID] = k
	return nil
}

func (m *memKeyRepo) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, id)
	return nil
}

type memCursor struct {
	mu       sync.Mutex
	counters map[string]int64
}

func (c *memCursor) NextIndex(_ context.Context, providerName string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counters == nil {
		c.counters = map[string]int64{}
	}
	cur := c.counters[providerName]
	c.counters[providerName] = cur + 1
	return cur, nil
}

type memRunRepo struct {
	mu   sync.Mutex
	runs map[string]domain.Run
}

func newMemRunRepo(runs ...domain.Run) *memRunRepo {
	m := &memRunRepo{runs: map[string]domain.Run{}}
	for _, r := range runs {
		m.runs[r.ID] = r
	}
	return m
}

func (m *memRunRepo) Create(_ context.Context, r domain.Run) (domain.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	r.CreatedAt = time.Now().UTC()
	r.UpdatedAt = r.CreatedAt
	m.runs[r.ID] = r
	return r, nil
}

func (m *memRunRepo) Get(_ context.Context, id string) (domain.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return domain.Run{}, domain.ErrNotFound
	}
	return r, nil
}

func (m *memRunRepo) FindByIdempotencyKey(_ context.Context, key string) (domain.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.runs {
		if r.IdempotencyKey != nil && *r.IdempotencyKey == key {
			return r, nil
		}
	}
	return domain.Run{}, domain.ErrNotFound
}

func (m *memRunRepo) Update(_ context.Context, r domain.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[r.ID]; !ok {
		return domain.ErrNotFound
	}
	r.UpdatedAt = time.Now().UTC()
	m.runs[r.ID] = r
	return nil
}

type enqueued struct {
	payload domain.ProcessRunPayload
	delay   time.Duration
}

type memQueue struct {
	mu    sync.Mutex
	tasks []enqueued
	err   error
}

func (q *memQueue) EnqueueProcessRun(_ context.Context, p domain.ProcessRunPayload, delay time.Duration) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return "", q.err
	}
	q.tasks = append(q.tasks, enqueued{payload: p, delay: delay})
	return fmt.Sprintf("task-%d", len(q.tasks)), nil
}

type memFileRepo struct {
	mu    sync.Mutex
	files map[string]domain.StoredFile
}

func newMemFileRepo(files ...domain.StoredFile) *memFileRepo {
	m := &memFileRepo{files: map[string]domain.StoredFile{}}
	for _, f := range files {
		m.files[f.ID] = f
	}
	return m
}

func (m *memFileRepo) Create(_ context.Context, f domain.StoredFile) (domain.StoredFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f.CreatedAt = time.Now().UTC()
	m.files[f.ID] = f
	return f, nil
}

func (m *memFileRepo) Get(_ context.Context, id string) (domain.StoredFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id]
	if !ok {
		return domain.StoredFile{}, domain.ErrNotFound
	}
	return f, nil
}

func (m *memFileRepo) GetByIDs(_ context.Context, ids []string) ([]domain.StoredFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.StoredFile
	for _, id := range ids {
		if f, ok := m.files[id]; ok {
			out = append(out, f)
		}
	}
	return out, nil
}

type memSeries struct {
	mu      sync.Mutex
	samples map[string][]int
}

func (s *memSeries) Record(_ context.Context, keyID string, tokens int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.samples == nil {
		s.samples = map[string][]int{}
	}
	s.samples[keyID] = append(s.samples[keyID], tokens)
	return nil
}

func (s *memSeries) Query(context.Context, string, int, int) ([]domain.TimePoint, error) {
	return nil, nil
}

func (s *memSeries) KeysWithData(context.Context) ([]string, error) { return nil, nil }

func (s *memSeries) SampleCount(_ context.Context, keyID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.samples[keyID])), nil
}

func testUsecaseCfg() config.Config {
	return config.Config{
		PublicBaseURL:                    "http://localhost:8080",
		StorageDir:                       "storage",
		KeyRPMWindowSeconds:              60,
		KeyCooldownSecondsOn429:          30,
		KeyCooldownSecondsOnNetworkError: 15,
		KeyErrorDecayMinutes:             10,
		SyncLLMMaxRetries:                2,
		SyncLLMMaxRetryWaitSeconds:       1,
		WorkerMaxAttempts:                5,
		WorkerBaseBackoffSeconds:         5,
		WorkerMaxBackoffSeconds:          60,
		ProviderTimeoutSeconds:           30,
		DefaultMaxTokens:                 1024,
		OpenAIDefaultModel:               "gpt-4o-mini",
		AnthropicDefaultModel:            "claude-sonnet-4-5-20250929",
		DeepSeekDefaultModel:             "deepseek-chat",
		GeminiDefaultModel:               "gemini-pro",
	}
}

func activeKey(id, providerName string, priority int, createdAt time.Time) domain.ProviderKey {
	return domain.ProviderKey{
		ID:        id,
		Provider:  providerName,
		APIKey:    "sk-" + id,
		Priority:  priority,
		Status:    domain.KeyActive,
		CreatedAt: createdAt,
	}
}
