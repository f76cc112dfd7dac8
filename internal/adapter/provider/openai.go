package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/routellm/gateway/internal/config"
	"github.com/routellm/gateway/internal/domain"
)

// openAICompatible speaks the /chat/completions wire format. It backs both the
// OpenAI and DeepSeek adapters; only name, base URL, default model and
// attachment support differ.
type openAICompatible struct {
	name               string
	baseURL            string
	defaultModel       string
	supportsAttachment bool
	client             *http.Client
}

func newOpenAI(cfg config.Config, client *http.Client) *openAICompatible {
	return &openAICompatible{
		name:               "openai",
		baseURL:            cfg.OpenAIBaseURL,
		defaultModel:       cfg.OpenAIDefaultModel,
		supportsAttachment: true,
		client:             client,
	}
}

func newDeepSeek(cfg config.Config, client *http.Client) *openAICompatible {
	return &openAICompatible{
		name:         "deepseek",
		baseURL:      cfg.DeepSeekBaseURL,
		defaultModel: cfg.DeepSeekDefaultModel,
		client:       client,
	}
}

func (p *openAICompatible) Name() string              { return p.name }
func (p *openAICompatible) SupportsAttachments() bool { return p.supportsAttachment }

type openAIContentPart struct {
	Type     string             `json:"type"`
	Text     string             `json:"text,omitempty"`
	ImageURL *openAIImageSource `json:"image_url,omitempty"`
}

type openAIImageSource struct {
	URL string `json:"url"`
}

type openAIMessage struct {
	Role string `json:"role"`
	// Content is either a plain string or a []openAIContentPart.
	Content any `json:"content"`
}

type openAIChatRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Temperature *float64        `json:"temperature,omitempty"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
}

type openAIChatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *domain.Usage `json:"usage"`
}

// buildMessage converts one chat message, expanding image attachments into
// image_url parts pointing at the gateway's public file URLs. Unknown file ids
// and non-image attachments degrade to text references.
func (p *openAICompatible) buildMessage(msg domain.ChatMessage, files map[string]domain.ResolvedFile) openAIMessage {
	if !p.supportsAttachment || len(msg.Attachments) == 0 {
		return openAIMessage{Role: msg.Role, Content: msg.Content}
	}

	var parts []openAIContentPart
	if msg.Content != "" {
		parts = append(parts, openAIContentPart{Type: "text", Text: msg.Content})
	}
	for _, att := range msg.Attachments {
		f, ok := files[att.FileID]
		if !ok {
			slog.Warn("attachment file not resolved, skipping", slog.String("file_id", att.FileID))
			continue
		}
		if att.Type == domain.AttachmentImage {
			parts = append(parts, openAIContentPart{
				Type:     "image_url",
				ImageURL: &openAIImageSource{URL: f.PublicURL},
			})
		} else {
			parts = append(parts, openAIContentPart{
				Type: "text",
				Text: fmt.Sprintf("[Attached file: %s]", f.Filename),
			})
		}
	}
	if len(parts) == 0 {
		return openAIMessage{Role: msg.Role, Content: msg.Content}
	}
	return openAIMessage{Role: msg.Role, Content: parts}
}

func (p *openAICompatible) Chat(ctx context.Context, apiKey string, req domain.ChatRequest, files map[string]domain.ResolvedFile) (domain.ChatResponse, error) {
	if apiKey == "" {
		return domain.ChatResponse{}, clientError(fmt.Sprintf("%s API key is not provided", p.name))
	}
	if forced := checkForcedError(req); forced != nil {
		return domain.ChatResponse{}, forced
	}

	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	payload := openAIChatRequest{
		Model:       model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	for _, msg := range req.Messages {
		payload.Messages = append(payload.Messages, p.buildMessage(msg, files))
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return domain.ChatResponse{}, fmt.Errorf("op=provider.%s.Chat marshal: %w", p.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return domain.ChatResponse{}, fmt.Errorf("op=provider.%s.Chat request: %w", p.name, err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return domain.ChatResponse{}, classifyRequestError(p.name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.ChatResponse{}, classifyRequestError(p.name, err)
	}

	if resp.StatusCode != http.StatusOK {
		perr := classifyHTTPError(p.name, resp.StatusCode, resp.Header, respBody, openAIErrorMessage)
		slog.Error("upstream chat error",
			slog.String("provider", p.name),
			slog.Int("status", resp.StatusCode),
			slog.String("kind", string(perr.Kind)))
		return domain.ChatResponse{}, perr
	}

	var parsed openAIChatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return domain.ChatResponse{}, transientError(fmt.Sprintf("%s API returned malformed response: %v", p.name, err))
	}
	if len(parsed.Choices) == 0 {
		return domain.ChatResponse{}, transientError(fmt.Sprintf("%s API returned no choices", p.name))
	}

	return domain.ChatResponse{
		Model: parsed.Model,
		Message: domain.ChatResponseMessage{
			Role:    parsed.Choices[0].Message.Role,
			Content: parsed.Choices[0].Message.Content,
		},
		Usage: parsed.Usage,
	}, nil
}
