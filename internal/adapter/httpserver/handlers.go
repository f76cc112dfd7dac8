package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/routellm/gateway/internal/config"
	"github.com/routellm/gateway/internal/domain"
	"github.com/routellm/gateway/internal/usecase"
)

// PingFunc checks one backing dependency for readiness.
type PingFunc func(ctx context.Context) error

// Server bundles the HTTP handlers with their dependencies.
type Server struct {
	cfg      config.Config
	chat     *usecase.ChatService
	runs     *usecase.RunService
	files    *usecase.FileService
	series   domain.TokenTimeSeries
	keys     domain.KeyRepository
	tokens   *TokenManager
	validate *validator.Validate

	dbPing    PingFunc
	redisPing PingFunc
}

func NewServer(
	cfg config.Config,
	chat *usecase.ChatService,
	runs *usecase.RunService,
	files *usecase.FileService,
	series domain.TokenTimeSeries,
	keys domain.KeyRepository,
	dbPing, redisPing PingFunc,
) *Server {
	return &Server{
		cfg:       cfg,
		chat:      chat,
		runs:      runs,
		files:     files,
		series:    series,
		keys:      keys,
		tokens:    NewTokenManager(cfg),
		validate:  validator.New(),
		dbPing:    dbPing,
		redisPing: redisPing,
	}
}

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", domain.ErrInvalidArgument)
	}
	return nil
}

// Chat

type chatMessageDTO struct {
	Role        string              `json:"role" validate:"required,oneof=system user assistant"`
	Content     string              `json:"content"`
	Attachments []domain.Attachment `json:"attachments"`
}

type chatRequestDTO struct {
	Provider    string           `json:"provider" validate:"omitempty,oneof=openai anthropic deepseek gemini"`
	Model       string           `json:"model"`
	Messages    []chatMessageDTO `json:"messages" validate:"required,min=1,dive"`
	Temperature *float64         `json:"temperature" validate:"omitempty,gte=0,lte=2"`
	MaxTokens   *int             `json:"max_tokens" validate:"omitempty,gt=0"`
}

// HandleChat serves POST /v1/llm/chat, the synchronous completion path.
func (s *Server) HandleChat() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var dto chatRequestDTO
		if err := decodeJSON(r, &dto); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if err := s.validate.Struct(dto); err != nil {
			writeError(w, r, fmt.Errorf("%v: %w", err, domain.ErrInvalidArgument), nil)
			return
		}

		req := domain.ChatRequest{
			Provider:    dto.Provider,
			Model:       dto.Model,
			Temperature: dto.Temperature,
			MaxTokens:   dto.MaxTokens,
			Messages:    make([]domain.ChatMessage, 0, len(dto.Messages)),
		}
		for _, m := range dto.Messages {
			req.Messages = append(req.Messages, domain.ChatMessage{
				Role: m.Role, Content: m.Content, Attachments: m.Attachments,
			})
		}

		resp, err := s.chat.Chat(r.Context(), req)
		if err != nil {
			LoggerFrom(r).Warn("chat request failed", "provider", req.Provider, "error", err)
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// Runs

type createRunDTO struct {
	Provider       string           `json:"provider" validate:"omitempty,oneof=openai anthropic deepseek gemini"`
	Model          string           `json:"model"`
	Messages       []chatMessageDTO `json:"messages" validate:"required,min=1,dive"`
	MaxTokens      *int             `json:"max_tokens" validate:"omitempty,gt=0"`
	IdempotencyKey *string          `json:"idempotency_key"`
}

type runResponse struct {
	ID            string                      `json:"id"`
	Status        domain.RunStatus            `json:"status"`
	Provider      string                      `json:"provider"`
	Model         string                      `json:"model,omitempty"`
	OutputMessage *domain.ChatResponseMessage `json:"output_message,omitempty"`
	Error         string                      `json:"error,omitempty"`
	RetryCount    int                         `json:"retry_count"`
	CreatedAt     time.Time                   `json:"created_at"`
	UpdatedAt     time.Time                   `json:"updated_at"`
	StartedAt     *time.Time                  `json:"started_at,omitempty"`
	FinishedAt    *time.Time                  `json:"finished_at,omitempty"`
}

func toRunResponse(run domain.Run) runResponse {
	return runResponse{
		ID:            run.ID,
		Status:        run.Status,
		Provider:      run.Provider,
		Model:         run.Model,
		OutputMessage: run.OutputMessage,
		Error:         run.Error,
		RetryCount:    run.RetryCount,
		CreatedAt:     run.CreatedAt,
		UpdatedAt:     run.UpdatedAt,
		StartedAt:     run.StartedAt,
		FinishedAt:    run.FinishedAt,
	}
}

// HandleCreateRun serves POST /v1/agent/runs.
func (s *Server) HandleCreateRun() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var dto createRunDTO
		if err := decodeJSON(r, &dto); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if err := s.validate.Struct(dto); err != nil {
			writeError(w, r, fmt.Errorf("%v: %w", err, domain.ErrInvalidArgument), nil)
			return
		}

		in := usecase.CreateRunInput{
			Provider:       dto.Provider,
			Model:          dto.Model,
			MaxTokens:      dto.MaxTokens,
			IdempotencyKey: dto.IdempotencyKey,
			Messages:       make([]domain.ChatMessage, 0, len(dto.Messages)),
		}
		for _, m := range dto.Messages {
			in.Messages = append(in.Messages, domain.ChatMessage{
				Role: m.Role, Content: m.Content, Attachments: m.Attachments,
			})
		}

		run, err := s.runs.Create(r.Context(), in)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, toRunResponse(run))
	}
}

// HandleGetRun serves GET /v1/agent/runs/{id}.
func (s *Server) HandleGetRun() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, err := s.runs.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toRunResponse(run))
	}
}

// HandleCancelRun serves POST /v1/agent/runs/{id}/cancel.
func (s *Server) HandleCancelRun() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, err := s.runs.Cancel(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toRunResponse(run))
	}
}

// Files

type fileResponse struct {
	ID        string `json:"id"`
	Filename  string `json:"filename"`
	MIMEType  string `json:"mime_type"`
	SizeBytes int64  `json:"size_bytes"`
	URL       string `json:"url"`
}

// HandleUploadFiles serves POST /v1/files (multipart, one or more files under
// the "files" field).
func (s *Server) HandleUploadFiles() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		maxBytes := s.cfg.MaxUploadMB << 20
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		if err := r.ParseMultipartForm(maxBytes); err != nil {
			writeError(w, r, fmt.Errorf("invalid multipart form: %w", domain.ErrInvalidArgument), nil)
			return
		}

		headers := r.MultipartForm.File["files"]
		if len(headers) == 0 {
			writeError(w, r, fmt.Errorf("no files provided: %w", domain.ErrInvalidArgument), nil)
			return
		}

		out := make([]fileResponse, 0, len(headers))
		for _, fh := range headers {
			src, err := fh.Open()
			if err != nil {
				writeError(w, r, fmt.Errorf("op=files.open: %w", err), nil)
				return
			}
			content, err := io.ReadAll(src)
			src.Close()
			if err != nil {
				writeError(w, r, fmt.Errorf("op=files.read: %w", err), nil)
				return
			}

			stored, err := s.files.Upload(r.Context(), fh.Filename, content)
			if err != nil {
				writeError(w, r, err, map[string]string{"filename": fh.Filename})
				return
			}
			out = append(out, fileResponse{
				ID:        stored.ID,
				Filename:  stored.Filename,
				MIMEType:  stored.MIMEType,
				SizeBytes: stored.SizeBytes,
				URL:       s.files.PublicURL(stored.ID),
			})
		}
		writeJSON(w, http.StatusCreated, map[string]interface{}{"files": out})
	}
}

// HandleDownloadFile serves GET /v1/files/{id}. The route is public so
// providers can fetch image attachments by URL.
func (s *Server) HandleDownloadFile() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := s.files.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		src, err := os.Open(f.StoragePath)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				writeError(w, r, fmt.Errorf("file content missing: %w", domain.ErrNotFound), nil)
				return
			}
			writeError(w, r, fmt.Errorf("op=files.serve: %w", err), nil)
			return
		}
		defer src.Close()

		w.Header().Set("Content-Type", f.MIMEType)
		w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", f.Filename))
		http.ServeContent(w, r, f.Filename, f.CreatedAt, src)
	}
}

// Health

// HandleHealthz is a static liveness probe.
func (s *Server) HandleHealthz() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// HandleReadyz pings Postgres and Redis and reports per-dependency status.
func (s *Server) HandleReadyz() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		checks := map[string]string{}
		healthy := true
		for name, ping := range map[string]PingFunc{"postgres": s.dbPing, "redis": s.redisPing} {
			if ping == nil {
				checks[name] = "skipped"
				continue
			}
			if err := ping(ctx); err != nil {
				checks[name] = err.Error()
				healthy = false
			} else {
				checks[name] = "ok"
			}
		}

		status := http.StatusOK
		state := "ready"
		if !healthy {
			status = http.StatusServiceUnavailable
			state = "degraded"
		}
		writeJSON(w, status, map[string]interface{}{"status": state, "checks": checks})
	}
}
