// Package httpserver contains the HTTP handlers and middleware for the
// gateway API: chat, runs, files, admin keys, and stats.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/routellm/gateway/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, _ *http.Request, err error, details interface{}) {
	code := http.StatusInternalServerError
	codeStr := "INTERNAL"

	// Pool exhaustion by rate limits carries a Retry-After hint.
	var rle *domain.RateLimitedError
	if errors.As(err, &rle) {
		if secs := int(rle.RetryAfter.Seconds()); secs > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
		writeJSON(w, http.StatusTooManyRequests, errorEnvelope{Error: apiError{
			Code: "RATE_LIMITED", Message: err.Error(), Details: details,
		}})
		return
	}

	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		code = http.StatusBadRequest
		codeStr = "INVALID_ARGUMENT"
	case errors.Is(err, domain.ErrUnauthorized):
		code = http.StatusUnauthorized
		codeStr = "UNAUTHORIZED"
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
		codeStr = "NOT_FOUND"
	case errors.Is(err, domain.ErrConflict):
		code = http.StatusConflict
		codeStr = "CONFLICT"
	case errors.Is(err, domain.ErrNoKeysAvailable):
		code = http.StatusServiceUnavailable
		codeStr = "NO_KEYS_AVAILABLE"
	case errors.Is(err, domain.ErrUpstreamRateLimit):
		code = http.StatusTooManyRequests
		codeStr = "RATE_LIMITED"
	case errors.Is(err, domain.ErrUpstreamUnavailable):
		code = http.StatusServiceUnavailable
		codeStr = "UPSTREAM_UNAVAILABLE"
	}
	writeJSON(w, code, errorEnvelope{Error: apiError{Code: codeStr, Message: err.Error(), Details: details}})
}
