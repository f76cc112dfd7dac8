package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/routellm/gateway/internal/domain"
)

// KeyRepo persists provider keys.
type KeyRepo struct{ Pool PgxPool }

func NewKeyRepo(p PgxPool) *KeyRepo { return &KeyRepo{Pool: p} }

const keyColumns = `id, provider, display_name, api_key, environment, max_rpm, max_tpm,
	priority, status, created_at, updated_at, last_used_at, last_error_at,
	error_count_recent, cooling_until`

func scanKey(row pgx.Row) (domain.ProviderKey, error) {
	var k domain.ProviderKey
	err := row.Scan(
		&k.ID, &k.Provider, &k.DisplayName, &k.APIKey, &k.Environment,
		&k.MaxRPM, &k.MaxTPM, &k.Priority, &k.Status, &k.CreatedAt, &k.UpdatedAt,
		&k.LastUsedAt, &k.LastErrorAt, &k.ErrorCountRecent, &k.CoolingUntil,
	)
	return k, err
}

// Create inserts a new key, generating the id when empty.
func (r *KeyRepo) Create(ctx context.Context, k domain.ProviderKey) (domain.ProviderKey, error) {
	tracer := otel.Tracer("repo.keys")
	ctx, span := tracer.Start(ctx, "keys.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.sql.table", "provider_keys"),
	)

	if k.ID == "" {
		k.ID = uuid.New().String()
	}
	if k.Status == "" {
		k.Status = domain.KeyActive
	}
	now := time.Now().UTC()
	k.CreatedAt = now
	k.UpdatedAt = now

	q := `INSERT INTO provider_keys
		(id, provider, display_name, api_key, environment, max_rpm, max_tpm, priority, status,
		 created_at, updated_at, error_count_recent)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`
	_, err := r.Pool.Exec(ctx, q,
		k.ID, k.Provider, k.DisplayName, k.APIKey, k.Environment, k.MaxRPM, k.MaxTPM,
		k.Priority, k.Status, k.CreatedAt, k.UpdatedAt, k.ErrorCountRecent)
	if err != nil {
		return domain.ProviderKey{}, fmt.Errorf("op=key.create: %w", err)
	}
	return k, nil
}

// Get loads one key by id.
func (r *KeyRepo) Get(ctx context.Context, id string) (domain.ProviderKey, error) {
	tracer := otel.Tracer("repo.keys")
	ctx, span := tracer.Start(ctx, "keys.Get")
	defer span.End()

	q := `SELECT ` + keyColumns + ` FROM provider_keys WHERE id=$1`
	k, err := scanKey(r.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ProviderKey{}, fmt.Errorf("op=key.get: %w", domain.ErrNotFound)
		}
		return domain.ProviderKey{}, fmt.Errorf("op=key.get: %w", err)
	}
	return k, nil
}

// List returns keys filtered by provider and status (empty matches all),
// ordered by (priority, created_at).
func (r *KeyRepo) List(ctx context.Context, provider string, keyStatus domain.KeyStatus) ([]domain.ProviderKey, error) {
	tracer := otel.Tracer("repo.keys")
	ctx, span := tracer.Start(ctx, "keys.List")
	defer span.End()

	q := `SELECT ` + keyColumns + ` FROM provider_keys
		WHERE ($1 = '' OR provider = $1) AND ($2 = '' OR status = $2)
		ORDER BY priority, created_at`
	rows, err := r.Pool.Query(ctx, q, provider, string(keyStatus))
	if err != nil {
		return nil, fmt.Errorf("op=key.list: %w", err)
	}
	defer rows.Close()

	var keys []domain.ProviderKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, fmt.Errorf("op=key.list scan: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=key.list rows: %w", err)
	}
	return keys, nil
}

// ListSelectable returns all non-disabled keys for a provider.
func (r *KeyRepo) ListSelectable(ctx context.Context, provider string) ([]domain.ProviderKey, error) {
	tracer := otel.Tracer("repo.keys")
	ctx, span := tracer.Start(ctx, "keys.ListSelectable")
	defer span.End()

	q := `SELECT ` + keyColumns + ` FROM provider_keys
		WHERE provider = $1 AND status <> 'disabled'`
	rows, err := r.Pool.Query(ctx, q, provider)
	if err != nil {
		return nil, fmt.Errorf("op=key.list_selectable: %w", err)
	}
	defer rows.Close()

	var keys []domain.ProviderKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, fmt.Errorf("op=key.list_selectable scan: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=key.list_selectable rows: %w", err)
	}
	return keys, nil
}

// Update writes the full mutable row. Last write wins.
func (r *KeyRepo) Update(ctx context.Context, k domain.ProviderKey) error {
	tracer := otel.Tracer("repo.keys")
	ctx, span := tracer.Start(ctx, "keys.Update")
	defer span.End()

	q := `UPDATE provider_keys SET
		provider=$2, display_name=$3, api_key=$4, environment=$5, max_rpm=$6, max_tpm=$7,
		priority=$8, status=$9, updated_at=$10, last_used_at=$11, last_error_at=$12,
		error_count_recent=$13, cooling_until=$14
		WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q,
		k.ID, k.Provider, k.DisplayName, k.APIKey, k.Environment, k.MaxRPM, k.MaxTPM,
		k.Priority, k.Status, time.Now().UTC(), k.LastUsedAt, k.LastErrorAt,
		k.ErrorCountRecent, k.CoolingUntil)
	if err != nil {
		return fmt.Errorf("op=key.update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=key.update: %w", domain.ErrNotFound)
	}
	return nil
}

// Delete removes a key row.
func (r *KeyRepo) Delete(ctx context.Context, id string) error {
	tracer := otel.Tracer("repo.keys")
	ctx, span := tracer.Start(ctx, "keys.Delete")
	defer span.End()

	tag, err := r.Pool.Exec(ctx, `DELETE FROM provider_keys WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("op=key.delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=key.delete: %w", domain.ErrNotFound)
	}
	return nil
}
