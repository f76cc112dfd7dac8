package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/routellm/gateway/internal/domain"
)

// RunRepo persists runs. Message payloads are stored as JSONB.
type RunRepo struct{ Pool PgxPool }

func NewRunRepo(p PgxPool) *RunRepo { return &RunRepo{Pool: p} }

const runColumns = `id, status, provider, model, max_tokens, input_messages, output_message,
	error, idempotency_key, created_at, updated_at, started_at, finished_at,
	retry_count, last_error_reason`

func scanRun(row pgx.Row) (domain.Run, error) {
	var run domain.Run
	var inputJSON []byte
	var outputJSON []byte
	err := row.Scan(
		&run.ID, &run.Status, &run.Provider, &run.Model, &run.MaxTokens,
		&inputJSON, &outputJSON, &run.Error, &run.IdempotencyKey,
		&run.CreatedAt, &run.UpdatedAt, &run.StartedAt, &run.FinishedAt,
		&run.RetryCount, &run.LastErrorReason,
	)
	if err != nil {
		return domain.Run{}, err
	}
	if len(inputJSON) > 0 {
		if err := json.Unmarshal(inputJSON, &run.InputMessages); err != nil {
			return domain.Run{}, fmt.Errorf("input_messages decode: %w", err)
		}
	}
	if len(outputJSON) > 0 {
		var out domain.ChatResponseMessage
		if err := json.Unmarshal(outputJSON, &out); err != nil {
			return domain.Run{}, fmt.Errorf("output_message decode: %w", err)
		}
		run.OutputMessage = &out
	}
	return run, nil
}

// Create inserts a run, generating the id when empty.
func (r *RunRepo) Create(ctx context.Context, run domain.Run) (domain.Run, error) {
	tracer := otel.Tracer("repo.runs")
	ctx, span := tracer.Start(ctx, "runs.Create")
	defer span.End()

	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	run.CreatedAt = now
	run.UpdatedAt = now

	inputJSON, err := json.Marshal(run.InputMessages)
	if err != nil {
		return domain.Run{}, fmt.Errorf("op=run.create marshal: %w", err)
	}

	q := `INSERT INTO runs
		(id, status, provider, model, max_tokens, input_messages, error, idempotency_key,
		 created_at, updated_at, retry_count, last_error_reason)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`
	_, err = r.Pool.Exec(ctx, q,
		run.ID, run.Status, run.Provider, run.Model, run.MaxTokens, inputJSON,
		run.Error, run.IdempotencyKey, run.CreatedAt, run.UpdatedAt,
		run.RetryCount, run.LastErrorReason)
	if err != nil {
		return domain.Run{}, fmt.Errorf("op=run.create: %w", err)
	}
	return run, nil
}

// Get loads a run by id.
func (r *RunRepo) Get(ctx context.Context, id string) (domain.Run, error) {
	tracer := otel.Tracer("repo.runs")
	ctx, span := tracer.Start(ctx, "runs.Get")
	defer span.End()

	q := `SELECT ` + runColumns + ` FROM runs WHERE id=$1`
	run, err := scanRun(r.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Run{}, fmt.Errorf("op=run.get: %w", domain.ErrNotFound)
		}
		return domain.Run{}, fmt.Errorf("op=run.get: %w", err)
	}
	return run, nil
}

// FindByIdempotencyKey loads the run created under an idempotency key.
func (r *RunRepo) FindByIdempotencyKey(ctx context.Context, key string) (domain.Run, error) {
	tracer := otel.Tracer("repo.runs")
	ctx, span := tracer.Start(ctx, "runs.FindByIdempotencyKey")
	defer span.End()

	q := `SELECT ` + runColumns + ` FROM runs WHERE idempotency_key=$1 LIMIT 1`
	run, err := scanRun(r.Pool.QueryRow(ctx, q, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Run{}, fmt.Errorf("op=run.find_idem: %w", domain.ErrNotFound)
		}
		return domain.Run{}, fmt.Errorf("op=run.find_idem: %w", err)
	}
	return run, nil
}

// Update writes the run's mutable fields. Last write wins.
func (r *RunRepo) Update(ctx context.Context, run domain.Run) error {
	tracer := otel.Tracer("repo.runs")
	ctx, span := tracer.Start(ctx, "runs.Update")
	defer span.End()

	var outputJSON []byte
	if run.OutputMessage != nil {
		var err error
		outputJSON, err = json.Marshal(run.OutputMessage)
		if err != nil {
			return fmt.Errorf("op=run.update marshal: %w", err)
		}
	}

	q := `UPDATE runs SET
		status=$2, output_message=$3, error=$4, updated_at=$5, started_at=$6,
		finished_at=$7, retry_count=$8, last_error_reason=$9
		WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q,
		run.ID, run.Status, outputJSON, run.Error, time.Now().UTC(),
		run.StartedAt, run.FinishedAt, run.RetryCount, run.LastErrorReason)
	if err != nil {
		return fmt.Errorf("op=run.update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=run.update: %w", domain.ErrNotFound)
	}
	return nil
}
