// Package domain holds the core entities, sentinel errors, and ports of the
// gateway. Adapters (HTTP, Postgres, Redis, asynq, providers) depend on this
// package; it depends on nothing but the standard library.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrNoKeysAvailable     = errors.New("no available keys")
	ErrUpstreamRateLimit   = errors.New("upstream rate limit")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrInternal            = errors.New("internal error")
)

// RateLimitedError is returned by the sync chat path when every candidate key
// was rate-limited. RetryAfter carries the largest hint observed upstream so
// the HTTP layer can surface a Retry-After header.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string { return "all keys are rate-limited" }

// Is makes errors.Is(err, ErrUpstreamRateLimit) hold for this type.
func (e *RateLimitedError) Is(target error) bool { return target == ErrUpstreamRateLimit }

// KeyStatus enumerates provider key lifecycle states.
type KeyStatus string

const (
	KeyActive      KeyStatus = "active"
	KeyCoolingDown KeyStatus = "cooling_down"
	KeyDisabled    KeyStatus = "disabled"
)

// ProviderKey is a credential for one upstream provider.
// Selection-related fields (Status, CoolingUntil, ErrorCountRecent, LastUsedAt,
// LastErrorAt) are mutated by the key pool during normal operation; the rest is
// admin-owned. Rows are never deleted by the core.
type ProviderKey struct {
	ID               string
	Provider         string
	DisplayName      string
	APIKey           string
	Environment      string
	MaxRPM           *int
	MaxTPM           *int
	Priority         int
	Status           KeyStatus
	CreatedAt        time.Time
	UpdatedAt        time.Time
	LastUsedAt       *time.Time
	LastErrorAt      *time.Time
	ErrorCountRecent int
	CoolingUntil     *time.Time
}

// EffectivelyActive reports whether the key may be selected at instant now:
// not disabled, and any cooling period has elapsed. Timestamps are compared in
// UTC.
func (k *ProviderKey) EffectivelyActive(now time.Time) bool {
	if k.Status == KeyDisabled {
		return false
	}
	if k.CoolingUntil != nil && k.CoolingUntil.UTC().After(now.UTC()) {
		return false
	}
	return true
}

// RunStatus enumerates async run lifecycle states.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCanceled  RunStatus = "canceled"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunSucceeded || s == RunFailed || s == RunCanceled
}

// Run is a durable asynchronous chat request.
// Status machine: pending -> queued -> running -> (succeeded|failed|canceled);
// queued/running may re-enter queued when a retry is scheduled; any
// non-terminal state may move to canceled.
type Run struct {
	ID              string
	Status          RunStatus
	Provider        string
	Model           string
	MaxTokens       *int
	InputMessages   []ChatMessage
	OutputMessage   *ChatResponseMessage
	Error           string
	IdempotencyKey  *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	StartedAt       *time.Time
	FinishedAt      *time.Time
	RetryCount      int
	LastErrorReason string
}

// Attachment types.
const (
	AttachmentImage    = "image"
	AttachmentFile     = "file"
	AttachmentDocument = "document"
)

// Attachment references a stored file from within a chat message.
type Attachment struct {
	FileID string `json:"file_id"`
	Type   string `json:"type"`
}

// ChatMessage is a single turn of a conversation.
type ChatMessage struct {
	Role        string       `json:"role"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// ChatRequest is the provider-independent chat contract.
type ChatRequest struct {
	Provider    string
	Model       string
	Messages    []ChatMessage
	Temperature *float64
	MaxTokens   *int
}

// Usage carries upstream token accounting. Fields are pointers because not
// every provider reports every figure.
type Usage struct {
	PromptTokens     *int `json:"prompt_tokens,omitempty"`
	CompletionTokens *int `json:"completion_tokens,omitempty"`
	TotalTokens      *int `json:"total_tokens,omitempty"`
}

// Total returns total_tokens when upstream provided it, otherwise the sum of
// prompt and completion tokens.
func (u *Usage) Total() int {
	if u == nil {
		return 0
	}
	if u.TotalTokens != nil {
		return *u.TotalTokens
	}
	total := 0
	if u.PromptTokens != nil {
		total += *u.PromptTokens
	}
	if u.CompletionTokens != nil {
		total += *u.CompletionTokens
	}
	return total
}

// ChatResponseMessage is the assistant message produced by a provider.
type ChatResponseMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatResponse is the provider-independent chat result.
type ChatResponse struct {
	Model   string              `json:"model"`
	Message ChatResponseMessage `json:"message"`
	Usage   *Usage              `json:"usage,omitempty"`
}

// StoredFile is an uploaded file record; the gateway consumes StoragePath and
// MIMEType when building multimodal provider requests.
type StoredFile struct {
	ID          string
	Filename    string
	MIMEType    string
	SizeBytes   int64
	StoragePath string
	CreatedAt   time.Time
}

// ResolvedFile is a stored file together with the public URL upstreams can
// fetch it from.
type ResolvedFile struct {
	StoredFile
	PublicURL string
}

// ProcessRunPayload is the queue message for one worker attempt of a run.
type ProcessRunPayload struct {
	RunID   string `json:"run_id"`
	Attempt int    `json:"attempt"`
}

// TimePoint is one bucket of a per-key token time series.
type TimePoint struct {
	TS     string `json:"ts"`
	Tokens int64  `json:"tokens"`
}

// Repositories (ports)

type KeyRepository interface {
	Create(ctx context.Context, k ProviderKey) (ProviderKey, error)
	Get(ctx context.Context, id string) (ProviderKey, error)
	// List returns keys ordered by (priority, created_at); empty filter values
	// match everything.
	List(ctx context.Context, provider string, keyStatus KeyStatus) ([]ProviderKey, error)
	// ListSelectable returns all non-disabled keys for a provider.
	ListSelectable(ctx context.Context, provider string) ([]ProviderKey, error)
	// Update persists the full row as a single-row write; last write wins.
	Update(ctx context.Context, k ProviderKey) error
	Delete(ctx context.Context, id string) error
}

type RunRepository interface {
	Create(ctx context.Context, r Run) (Run, error)
	Get(ctx context.Context, id string) (Run, error)
	FindByIdempotencyKey(ctx context.Context, key string) (Run, error)
	Update(ctx context.Context, r Run) error
}

type FileRepository interface {
	Create(ctx context.Context, f StoredFile) (StoredFile, error)
	Get(ctx context.Context, id string) (StoredFile, error)
	GetByIDs(ctx context.Context, ids []string) ([]StoredFile, error)
}

// Queue (port)

type Queue interface {
	// EnqueueProcessRun schedules a worker attempt; delay zero means run as
	// soon as a worker is free.
	EnqueueProcessRun(ctx context.Context, p ProcessRunPayload, delay time.Duration) (string, error)
}

// CursorStore persists the per-provider round-robin cursor in the shared fast
// store so rotation survives restarts and spans processes.
type CursorStore interface {
	// NextIndex returns the current cursor for the provider and advances it by
	// one. Races between processes produce benign skipping.
	NextIndex(ctx context.Context, provider string) (int64, error)
}

// TokenTimeSeries records append-only per-key token samples with bounded
// retention and serves bucketised queries.
type TokenTimeSeries interface {
	Record(ctx context.Context, keyID string, tokens int) error
	Query(ctx context.Context, keyID string, windowMinutes, stepSeconds int) ([]TimePoint, error)
	KeysWithData(ctx context.Context) ([]string, error)
	SampleCount(ctx context.Context, keyID string) (int64, error)
}
