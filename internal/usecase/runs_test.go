package usecase

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/routellm/gateway/internal/domain"
)

func userMessages(content string) []domain.ChatMessage {
	return []domain.ChatMessage{{Role: "user", Content: content}}
}

func TestRunCreate_EnqueuesFirstAttempt(t *testing.T) {
	repo := newMemRunRepo()
	queue := &memQueue{}
	svc := NewRunService(repo, queue)

	run, err := svc.Create(context.Background(), CreateRunInput{
		Provider: "anthropic",
		Messages: userMessages("hello"),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.RunQueued, run.Status)
	assert.Equal(t, "anthropic", run.Provider)

	require.Len(t, queue.tasks, 1)
	assert.Equal(t, run.ID, queue.tasks[0].payload.RunID)
	assert.Equal(t, 1, queue.tasks[0].payload.Attempt)
	assert.Zero(t, queue.tasks[0].delay)
}

func TestRunCreate_DefaultsProvider(t *testing.T) {
	svc := NewRunService(newMemRunRepo(), &memQueue{})
	run, err := svc.Create(context.Background(), CreateRunInput{Messages: userMessages("hi")})
	require.NoError(t, err)
	assert.Equal(t, "openai", run.Provider)
}

func TestRunCreate_EmptyMessages(t *testing.T) {
	svc := NewRunService(newMemRunRepo(), &memQueue{})
	_, err := svc.Create(context.Background(), CreateRunInput{})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestRunCreate_IdempotencyReturnsExisting(t *testing.T) {
	repo := newMemRunRepo()
	queue := &memQueue{}
	svc := NewRunService(repo, queue)
	idem := "req-123"

	first, err := svc.Create(context.Background(), CreateRunInput{
		Messages:       userMessages("hi"),
		IdempotencyKey: &idem,
	})
	require.NoError(t, err)

	second, err := svc.Create(context.Background(), CreateRunInput{
		Messages:       userMessages("completely different"),
		IdempotencyKey: &idem,
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	// No second enqueue.
	assert.Len(t, queue.tasks, 1)
}

func TestRunCreate_EnqueueFailureMarksRunFailed(t *testing.T) {
	repo := newMemRunRepo()
	queue := &memQueue{err: fmt.Errorf("redis down")}
	svc := NewRunService(repo, queue)

	_, err := svc.Create(context.Background(), CreateRunInput{Messages: userMessages("hi")})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInternal)

	// The run is left terminal, not stuck pending.
	var stored domain.Run
	for _, r := range repo.runs {
		stored = r
	}
	assert.Equal(t, domain.RunFailed, stored.Status)
	assert.Contains(t, stored.Error, "failed to enqueue")
	assert.NotNil(t, stored.FinishedAt)
}

func TestRunCancel(t *testing.T) {
	repo := newMemRunRepo()
	svc := NewRunService(repo, &memQueue{})

	run, err := svc.Create(context.Background(), CreateRunInput{Messages: userMessages("hi")})
	require.NoError(t, err)

	canceled, err := svc.Cancel(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCanceled, canceled.Status)
	assert.NotNil(t, canceled.FinishedAt)
}

func TestRunCancel_TerminalRunConflicts(t *testing.T) {
	repo := newMemRunRepo(domain.Run{ID: "r1", Status: domain.RunSucceeded})
	svc := NewRunService(repo, &memQueue{})

	_, err := svc.Cancel(context.Background(), "r1")
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestRunGet_NotFound(t *testing.T) {
	svc := NewRunService(newMemRunRepo(), &memQueue{})
	_, err := svc.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
