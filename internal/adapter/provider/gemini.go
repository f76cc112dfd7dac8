package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/routellm/gateway/internal/config"
	"github.com/routellm/gateway/internal/domain"
)

type gemini struct {
	baseURL      string
	defaultModel string
	client       *http.Client
}

func newGemini(cfg config.Config, client *http.Client) *gemini {
	return &gemini{
		baseURL:      cfg.GeminiBaseURL,
		defaultModel: cfg.GeminiDefaultModel,
		client:       client,
	}
}

func (p *gemini) Name() string              { return "gemini" }
func (p *gemini) SupportsAttachments() bool { return false }

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
}

type geminiChatRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiChatResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     *int `json:"promptTokenCount"`
		CandidatesTokenCount *int `json:"candidatesTokenCount"`
		TotalTokenCount      *int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

func (p *gemini) Chat(ctx context.Context, apiKey string, req domain.ChatRequest, _ map[string]domain.ResolvedFile) (domain.ChatResponse, error) {
	if apiKey == "" {
		return domain.ChatResponse{}, clientError("gemini API key is not provided")
	}
	if forced := checkForcedError(req); forced != nil {
		return domain.ChatResponse{}, forced
	}

	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	// System turns become systemInstruction; assistant maps to the "model"
	// role, everything else to "user".
	payload := geminiChatRequest{}
	for _, msg := range req.Messages {
		if msg.Role == "system" {
			payload.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: msg.Content}}}
			continue
		}
		role := "user"
		if msg.Role == "assistant" {
			role = "model"
		}
		payload.Contents = append(payload.Contents, geminiContent{
			Role:  role,
			Parts: []geminiPart{{Text: msg.Content}},
		})
	}
	if req.Temperature != nil || req.MaxTokens != nil {
		payload.GenerationConfig = &geminiGenerationConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxTokens,
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return domain.ChatResponse{}, fmt.Errorf("op=provider.gemini.Chat marshal: %w", err)
	}

	// The API key travels as a query parameter, not a header.
	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s", p.baseURL, model, url.QueryEscape(apiKey))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.ChatResponse{}, fmt.Errorf("op=provider.gemini.Chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return domain.ChatResponse{}, classifyRequestError("gemini", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.ChatResponse{}, classifyRequestError("gemini", err)
	}

	if resp.StatusCode != http.StatusOK {
		perr := classifyHTTPError("gemini", resp.StatusCode, resp.Header, respBody, openAIErrorMessage)
		slog.Error("upstream chat error",
			slog.String("provider", "gemini"),
			slog.Int("status", resp.StatusCode),
			slog.String("kind", string(perr.Kind)))
		return domain.ChatResponse{}, perr
	}

	var parsed geminiChatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return domain.ChatResponse{}, transientError(fmt.Sprintf("gemini API returned malformed response: %v", err))
	}
	if len(parsed.Candidates) == 0 {
		return domain.ChatResponse{}, transientError("gemini API returned no candidates")
	}
	parts := parsed.Candidates[0].Content.Parts
	if len(parts) == 0 || parts[0].Text == "" {
		return domain.ChatResponse{}, transientError("gemini API returned empty content")
	}

	var usage *domain.Usage
	if parsed.UsageMetadata != nil {
		usage = &domain.Usage{
			PromptTokens:     parsed.UsageMetadata.PromptTokenCount,
			CompletionTokens: parsed.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      parsed.UsageMetadata.TotalTokenCount,
		}
	}

	return domain.ChatResponse{
		Model:   model,
		Message: domain.ChatResponseMessage{Role: "assistant", Content: parts[0].Text},
		Usage:   usage,
	}, nil
}
