package httpserver

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/routellm/gateway/internal/domain"
)

// Admin key management. API keys are write-only: responses carry a masked
// preview, never the full credential.

type createKeyDTO struct {
	Provider    string `json:"provider" validate:"required,oneof=openai anthropic deepseek gemini"`
	DisplayName string `json:"display_name" validate:"required"`
	APIKey      string `json:"api_key" validate:"required"`
	Environment string `json:"environment" validate:"omitempty,oneof=dev staging prod"`
	MaxRPM      *int   `json:"max_rpm" validate:"omitempty,gt=0"`
	MaxTPM      *int   `json:"max_tpm" validate:"omitempty,gt=0"`
	Priority    *int   `json:"priority" validate:"omitempty,gte=0"`
}

type updateKeyDTO struct {
	DisplayName *string           `json:"display_name"`
	APIKey      *string           `json:"api_key"`
	Environment *string           `json:"environment" validate:"omitempty,oneof=dev staging prod"`
	MaxRPM      *int              `json:"max_rpm" validate:"omitempty,gt=0"`
	MaxTPM      *int              `json:"max_tpm" validate:"omitempty,gt=0"`
	Priority    *int              `json:"priority" validate:"omitempty,gte=0"`
	Status      *domain.KeyStatus `json:"status" validate:"omitempty,oneof=active cooling_down disabled"`
}

type keyResponse struct {
	ID               string           `json:"id"`
	Provider         string           `json:"provider"`
	DisplayName      string           `json:"display_name"`
	APIKeyPreview    string           `json:"api_key_preview"`
	Environment      string           `json:"environment"`
	MaxRPM           *int             `json:"max_rpm"`
	MaxTPM           *int             `json:"max_tpm"`
	Priority         int              `json:"priority"`
	Status           domain.KeyStatus `json:"status"`
	ErrorCountRecent int              `json:"error_count_recent"`
	CoolingUntil     *time.Time       `json:"cooling_until,omitempty"`
	LastUsedAt       *time.Time       `json:"last_used_at,omitempty"`
	LastErrorAt      *time.Time       `json:"last_error_at,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

func maskAPIKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func toKeyResponse(k domain.ProviderKey) keyResponse {
	return keyResponse{
		ID:               k.ID,
		Provider:         k.Provider,
		DisplayName:      k.DisplayName,
		APIKeyPreview:    maskAPIKey(k.APIKey),
		Environment:      k.Environment,
		MaxRPM:           k.MaxRPM,
		MaxTPM:           k.MaxTPM,
		Priority:         k.Priority,
		Status:           k.Status,
		ErrorCountRecent: k.ErrorCountRecent,
		CoolingUntil:     k.CoolingUntil,
		LastUsedAt:       k.LastUsedAt,
		LastErrorAt:      k.LastErrorAt,
		CreatedAt:        k.CreatedAt,
		UpdatedAt:        k.UpdatedAt,
	}
}

// HandleListKeys serves GET /v1/admin/keys?provider=&status=.
func (s *Server) HandleListKeys() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		provider := r.URL.Query().Get("provider")
		status := domain.KeyStatus(r.URL.Query().Get("status"))
		keys, err := s.keys.List(r.Context(), provider, status)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]keyResponse, 0, len(keys))
		for _, k := range keys {
			out = append(out, toKeyResponse(k))
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"keys": out})
	}
}

// HandleCreateKey serves POST /v1/admin/keys.
func (s *Server) HandleCreateKey() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var dto createKeyDTO
		if err := decodeJSON(r, &dto); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if err := s.validate.Struct(dto); err != nil {
			writeError(w, r, fmt.Errorf("%v: %w", err, domain.ErrInvalidArgument), nil)
			return
		}

		k := domain.ProviderKey{
			Provider:    dto.Provider,
			DisplayName: dto.DisplayName,
			APIKey:      dto.APIKey,
			Environment: dto.Environment,
			MaxRPM:      dto.MaxRPM,
			MaxTPM:      dto.MaxTPM,
		}
		if dto.Priority != nil {
			k.Priority = *dto.Priority
		} else {
			k.Priority = 100
		}
		if k.Environment == "" {
			k.Environment = "prod"
		}

		created, err := s.keys.Create(r.Context(), k)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		LoggerFrom(r).Info("provider key created",
			"key_id", created.ID, "provider", created.Provider)
		writeJSON(w, http.StatusCreated, toKeyResponse(created))
	}
}

// HandleGetKey serves GET /v1/admin/keys/{id}.
func (s *Server) HandleGetKey() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		k, err := s.keys.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toKeyResponse(k))
	}
}

// HandleUpdateKey serves PATCH /v1/admin/keys/{id}; absent fields keep their
// current values. Setting status to active also clears cooling and the recent
// error count.
func (s *Server) HandleUpdateKey() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		k, err := s.keys.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}

		var dto updateKeyDTO
		if err := decodeJSON(r, &dto); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if err := s.validate.Struct(dto); err != nil {
			writeError(w, r, fmt.Errorf("%v: %w", err, domain.ErrInvalidArgument), nil)
			return
		}

		if dto.DisplayName != nil {
			k.DisplayName = *dto.DisplayName
		}
		if dto.APIKey != nil && *dto.APIKey != "" {
			k.APIKey = *dto.APIKey
		}
		if dto.Environment != nil {
			k.Environment = *dto.Environment
		}
		if dto.MaxRPM != nil {
			k.MaxRPM = dto.MaxRPM
		}
		if dto.MaxTPM != nil {
			k.MaxTPM = dto.MaxTPM
		}
		if dto.Priority != nil {
			k.Priority = *dto.Priority
		}
		if dto.Status != nil {
			k.Status = *dto.Status
			if k.Status == domain.KeyActive {
				k.CoolingUntil = nil
				k.ErrorCountRecent = 0
			}
		}
		k.UpdatedAt = time.Now().UTC()

		if err := s.keys.Update(r.Context(), k); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toKeyResponse(k))
	}
}

// HandleDeleteKey serves DELETE /v1/admin/keys/{id}.
func (s *Server) HandleDeleteKey() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := s.keys.Delete(r.Context(), id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		LoggerFrom(r).Info("provider key deleted", "key_id", id)
		w.WriteHeader(http.StatusNoContent)
	}
}

// Stats

func queryInt(r *http.Request, name string, def, min, max int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", name, domain.ErrInvalidArgument)
	}
	if v < min || v > max {
		return 0, fmt.Errorf("%s must be between %d and %d: %w", name, min, max, domain.ErrInvalidArgument)
	}
	return v, nil
}

// HandleKeyTimeseries serves
// GET /v1/stats/keys/{key_id}/timeseries?window_minutes=60&step_seconds=300.
func (s *Server) HandleKeyTimeseries() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		keyID := chi.URLParam(r, "key_id")
		windowMinutes, err := queryInt(r, "window_minutes", 60, 1, 1440)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		stepSeconds, err := queryInt(r, "step_seconds", 300, 10, 3600)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}

		// 404 for unknown keys rather than an empty series.
		if _, err := s.keys.Get(r.Context(), keyID); err != nil {
			writeError(w, r, err, nil)
			return
		}

		points, err := s.series.Query(r.Context(), keyID, windowMinutes, stepSeconds)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if points == nil {
			points = []domain.TimePoint{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"key_id":         keyID,
			"window_minutes": windowMinutes,
			"step_seconds":   stepSeconds,
			"points":         points,
		})
	}
}

// HandleTimeseriesKeys serves GET /v1/stats/timeseries/keys, a debug view of
// which keys currently have token samples.
func (s *Server) HandleTimeseriesKeys() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ids, err := s.series.KeysWithData(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		type keySamples struct {
			KeyID   string `json:"key_id"`
			Samples int64  `json:"samples"`
		}
		out := make([]keySamples, 0, len(ids))
		for _, id := range ids {
			n, err := s.series.SampleCount(r.Context(), id)
			if err != nil {
				writeError(w, r, err, nil)
				return
			}
			out = append(out, keySamples{KeyID: id, Samples: n})
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"keys": out})
	}
}
