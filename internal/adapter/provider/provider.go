// Package provider implements the upstream LLM adapters (OpenAI-compatible,
// Anthropic, Gemini, DeepSeek) behind a single chat contract, translating each
// provider's wire format and error pages into domain types and a typed error
// taxonomy.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/routellm/gateway/internal/config"
	"github.com/routellm/gateway/internal/domain"
)

// Adapter is the uniform chat contract every upstream implements.
// files maps attachment file_id to the resolved stored file; adapters that do
// not support attachments ignore it.
type Adapter interface {
	Name() string
	SupportsAttachments() bool
	Chat(ctx context.Context, apiKey string, req domain.ChatRequest, files map[string]domain.ResolvedFile) (domain.ChatResponse, error)
}

// Registry holds the fixed set of adapters keyed by provider tag.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry builds the four supported adapters sharing one HTTP client.
func NewRegistry(cfg config.Config) *Registry {
	client := newHTTPClient(cfg)
	return &Registry{adapters: map[string]Adapter{
		"openai":    newOpenAI(cfg, client),
		"deepseek":  newDeepSeek(cfg, client),
		"anthropic": newAnthropic(cfg, client),
		"gemini":    newGemini(cfg, client),
	}}
}

// Get returns the adapter for a provider tag.
func (r *Registry) Get(name string) (Adapter, error) {
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q: %w", name, domain.ErrInvalidArgument)
	}
	return a, nil
}

// Names returns the supported provider tags.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for n := range r.adapters {
		names = append(names, n)
	}
	return names
}

// newHTTPClient builds the shared outbound client: provider timeout as the
// overall budget, explicit proxy from config when set, otel transport.
func newHTTPClient(cfg config.Config) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.HTTPSProxy != "" || cfg.HTTPProxy != "" {
		raw := cfg.HTTPSProxy
		if raw == "" {
			raw = cfg.HTTPProxy
		}
		if proxyURL, err := url.Parse(raw); err == nil {
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}
	return &http.Client{
		Timeout:   cfg.ProviderTimeout(),
		Transport: otelhttp.NewTransport(transport),
	}
}

// Test hooks: a first message of exactly "force429" or "force_transient_error"
// short-circuits the upstream call with a synthetic failure.
func checkForcedError(req domain.ChatRequest) *Error {
	if len(req.Messages) == 0 {
		return nil
	}
	switch req.Messages[0].Content {
	case "force429":
		return rateLimitError("simulated rate limit error", 30*time.Second)
	case "force_transient_error":
		return transientError("simulated transient error")
	}
	return nil
}

// classifyHTTPError maps a non-200 upstream response to a typed *Error.
// provider names the upstream for the message; body is the raw response body;
// extract pulls a human message out of the provider's JSON error envelope.
//
// HTML error pages (Cloudflare 52x and friends) are detected up front and
// never fed to the JSON extractor.
func classifyHTTPError(providerName string, status int, header http.Header, body []byte, extract func([]byte) string) *Error {
	msg := strings.TrimSpace(string(body))
	if !looksLikeHTML(body) {
		if m := extract(body); m != "" {
			msg = m
		}
	} else {
		msg = fmt.Sprintf("upstream returned HTML error page (status %d)", status)
	}

	switch {
	case status == http.StatusTooManyRequests:
		return rateLimitError(
			fmt.Sprintf("%s API rate limit: %s", providerName, msg),
			parseRetryAfter(header),
		)
	case status >= 500: // includes Cloudflare 520..524
		return transientError(fmt.Sprintf("%s API server error: %s", providerName, msg))
	case status == http.StatusUnauthorized || looksLikeAuthError(msg):
		return authenticationError(fmt.Sprintf("%s API authentication error: %s", providerName, msg))
	default:
		return clientError(fmt.Sprintf("%s API client error: %s", providerName, msg))
	}
}

// classifyRequestError maps transport-level failures (connect, timeout,
// context deadline) to a transient error.
func classifyRequestError(providerName string, err error) *Error {
	return transientError(fmt.Sprintf("request to %s API failed: %v", providerName, err))
}

func looksLikeHTML(body []byte) bool {
	trimmed := strings.TrimSpace(string(body))
	lower := strings.ToLower(trimmed)
	return strings.HasPrefix(lower, "<!doctype html") || strings.HasPrefix(lower, "<html")
}

// looksLikeAuthError matches provider error messages that signal a bad
// credential without a 401 status.
func looksLikeAuthError(msg string) bool {
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "authentication") {
		return true
	}
	return strings.Contains(lower, "invalid") && strings.Contains(lower, "api")
}

func parseRetryAfter(header http.Header) time.Duration {
	raw := header.Get("Retry-After")
	if raw == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(raw, 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	return 0
}

// openAIErrorMessage extracts {"error": {"message": "..."}} as used by OpenAI,
// DeepSeek and Gemini.
func openAIErrorMessage(body []byte) string {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return ""
	}
	return envelope.Error.Message
}
