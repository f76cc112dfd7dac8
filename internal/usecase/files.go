// Package usecase contains the application services: the synchronous chat
// path, the async run engine, and file storage.
package usecase

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/routellm/gateway/internal/config"
	"github.com/routellm/gateway/internal/domain"
)

// allowedMIMEPrefixes limits uploads to content the adapters can consume.
var allowedMIMEPrefixes = []string{
	"image/",
	"application/pdf",
	"text/plain",
}

// FileService stores uploaded files (bytes on disk, metadata in Postgres) and
// resolves attachment references for the chat paths.
type FileService struct {
	repo domain.FileRepository
	cfg  config.Config
}

func NewFileService(repo domain.FileRepository, cfg config.Config) *FileService {
	return &FileService{repo: repo, cfg: cfg}
}

// Upload sniffs the content type, enforces the allowlist, writes bytes under
// STORAGE_DIR as {id}_{filename}, and records the metadata row. The on-disk
// file is removed if the record cannot be written.
func (s *FileService) Upload(ctx context.Context, filename string, content []byte) (domain.StoredFile, error) {
	if len(content) == 0 {
		return domain.StoredFile{}, fmt.Errorf("empty file: %w", domain.ErrInvalidArgument)
	}

	mime := mimetype.Detect(content).String()
	if !mimeAllowed(mime) {
		return domain.StoredFile{}, fmt.Errorf("unsupported file type %q: %w", mime, domain.ErrInvalidArgument)
	}

	safeName := filepath.Base(filename)
	id := uuid.New().String()
	if safeName == "." || safeName == "/" || safeName == "" {
		safeName = "file_" + id
	}

	if err := os.MkdirAll(s.cfg.StorageDir, 0o755); err != nil {
		return domain.StoredFile{}, fmt.Errorf("op=files.Upload mkdir: %w", err)
	}
	storagePath := filepath.Join(s.cfg.StorageDir, id+"_"+safeName)
	if err := os.WriteFile(storagePath, content, 0o644); err != nil {
		return domain.StoredFile{}, fmt.Errorf("op=files.Upload write: %w", err)
	}

	f, err := s.repo.Create(ctx, domain.StoredFile{
		ID:          id,
		Filename:    safeName,
		MIMEType:    mime,
		SizeBytes:   int64(len(content)),
		StoragePath: storagePath,
	})
	if err != nil {
		_ = os.Remove(storagePath)
		return domain.StoredFile{}, fmt.Errorf("op=files.Upload: %w", err)
	}
	return f, nil
}

// Get loads one stored file's metadata.
func (s *FileService) Get(ctx context.Context, id string) (domain.StoredFile, error) {
	return s.repo.Get(ctx, id)
}

// PublicURL is where upstream providers can fetch a stored file.
func (s *FileService) PublicURL(id string) string {
	return s.cfg.PublicBaseURL + "/v1/files/" + id
}

// ResolveAttachments maps every attachment file_id in the messages to its
// stored file with public URL. Unknown ids fail the whole request.
func (s *FileService) ResolveAttachments(ctx context.Context, messages []domain.ChatMessage) (map[string]domain.ResolvedFile, error) {
	idSet := map[string]bool{}
	for _, msg := range messages {
		for _, att := range msg.Attachments {
			idSet[att.FileID] = true
		}
	}
	if len(idSet) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(idSet))
	for id := range idSet {
		ids = append(ids, id)
	}

	files, err := s.repo.GetByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("op=files.ResolveAttachments: %w", err)
	}

	resolved := make(map[string]domain.ResolvedFile, len(files))
	for _, f := range files {
		resolved[f.ID] = domain.ResolvedFile{StoredFile: f, PublicURL: s.PublicURL(f.ID)}
	}

	var missing []string
	for id := range idSet {
		if _, ok := resolved[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("unknown attachment file_id(s): %s: %w",
			strings.Join(missing, ", "), domain.ErrInvalidArgument)
	}
	return resolved, nil
}

func mimeAllowed(mime string) bool {
	for _, prefix := range allowedMIMEPrefixes {
		if strings.HasPrefix(mime, prefix) {
			return true
		}
	}
	return false
}
