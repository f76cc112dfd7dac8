package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/routellm/gateway/internal/domain"
)

// FileRepo persists stored file metadata; bytes live on disk.
type FileRepo struct{ Pool PgxPool }

func NewFileRepo(p PgxPool) *FileRepo { return &FileRepo{Pool: p} }

// Create inserts a stored file record, generating the id when empty.
func (r *FileRepo) Create(ctx context.Context, f domain.StoredFile) (domain.StoredFile, error) {
	tracer := otel.Tracer("repo.files")
	ctx, span := tracer.Start(ctx, "files.Create")
	defer span.End()

	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	f.CreatedAt = time.Now().UTC()

	q := `INSERT INTO stored_files (id, filename, mime_type, size_bytes, storage_path, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`
	_, err := r.Pool.Exec(ctx, q, f.ID, f.Filename, f.MIMEType, f.SizeBytes, f.StoragePath, f.CreatedAt)
	if err != nil {
		return domain.StoredFile{}, fmt.Errorf("op=file.create: %w", err)
	}
	return f, nil
}

// Get loads one stored file by id.
func (r *FileRepo) Get(ctx context.Context, id string) (domain.StoredFile, error) {
	tracer := otel.Tracer("repo.files")
	ctx, span := tracer.Start(ctx, "files.Get")
	defer span.End()

	q := `SELECT id, filename, mime_type, size_bytes, storage_path, created_at
		FROM stored_files WHERE id=$1`
	var f domain.StoredFile
	err := r.Pool.QueryRow(ctx, q, id).Scan(
		&f.ID, &f.Filename, &f.MIMEType, &f.SizeBytes, &f.StoragePath, &f.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.StoredFile{}, fmt.Errorf("op=file.get: %w", domain.ErrNotFound)
		}
		return domain.StoredFile{}, fmt.Errorf("op=file.get: %w", err)
	}
	return f, nil
}

// GetByIDs loads the stored files for the given ids; missing ids are simply
// absent from the result.
func (r *FileRepo) GetByIDs(ctx context.Context, ids []string) ([]domain.StoredFile, error) {
	tracer := otel.Tracer("repo.files")
	ctx, span := tracer.Start(ctx, "files.GetByIDs")
	defer span.End()

	if len(ids) == 0 {
		return nil, nil
	}

	q := `SELECT id, filename, mime_type, size_bytes, storage_path, created_at
		FROM stored_files WHERE id = ANY($1)`
	rows, err := r.Pool.Query(ctx, q, ids)
	if err != nil {
		return nil, fmt.Errorf("op=file.get_by_ids: %w", err)
	}
	defer rows.Close()

	var files []domain.StoredFile
	for rows.Next() {
		var f domain.StoredFile
		if err := rows.Scan(&f.ID, &f.Filename, &f.MIMEType, &f.SizeBytes, &f.StoragePath, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=file.get_by_ids scan: %w", err)
		}
		files = append(files, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=file.get_by_ids rows: %w", err)
	}
	return files, nil
}
