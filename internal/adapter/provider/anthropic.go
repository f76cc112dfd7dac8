package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/gabriel-vasile/mimetype"

	"github.com/routellm/gateway/internal/config"
	"github.com/routellm/gateway/internal/domain"
)

const (
	anthropicVersion = "2023-06-01"
	// Upper bound accepted by the Messages API across current models.
	anthropicMaxTokensCap = 64000
)

type anthropic struct {
	baseURL          string
	defaultModel     string
	defaultMaxTokens int
	client           *http.Client
}

func newAnthropic(cfg config.Config, client *http.Client) *anthropic {
	return &anthropic{
		baseURL:          cfg.AnthropicBaseURL,
		defaultModel:     cfg.AnthropicDefaultModel,
		defaultMaxTokens: cfg.DefaultMaxTokens,
		client:           client,
	}
}

func (p *anthropic) Name() string              { return "anthropic" }
func (p *anthropic) SupportsAttachments() bool { return true }

type anthropicContentBlock struct {
	Type   string                `json:"type"`
	Text   string                `json:"text,omitempty"`
	Source *anthropicImageSource `json:"source,omitempty"`
}

type anthropicImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type anthropicMessage struct {
	Role string `json:"role"`
	// Content is either a plain string or a []anthropicContentBlock.
	Content any `json:"content"`
}

type anthropicChatRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Temperature *float64           `json:"temperature,omitempty"`
}

type anthropicChatResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// anthropicErrorMessage extracts {"error": {"type": "...", "message": "..."}}.
func anthropicErrorMessage(body []byte) string {
	var envelope struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return ""
	}
	if envelope.Error.Type != "" {
		return envelope.Error.Type + ": " + envelope.Error.Message
	}
	return envelope.Error.Message
}

// imageMediaTypes the Messages API accepts for base64 image sources.
var imageMediaTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
}

// encodeImageBlock reads the stored file from disk and builds a base64 image
// source block. The media type comes from the stored record, falling back to
// content sniffing, then to image/jpeg.
func encodeImageBlock(f domain.ResolvedFile) (*anthropicContentBlock, error) {
	data, err := os.ReadFile(f.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("op=provider.anthropic read image %s: %w", f.ID, err)
	}
	mediaType := f.MIMEType
	if !imageMediaTypes[mediaType] {
		if sniffed := mimetype.Detect(data).String(); imageMediaTypes[sniffed] {
			mediaType = sniffed
		} else {
			mediaType = "image/jpeg"
		}
	}
	return &anthropicContentBlock{
		Type: "image",
		Source: &anthropicImageSource{
			Type:      "base64",
			MediaType: mediaType,
			Data:      base64.StdEncoding.EncodeToString(data),
		},
	}, nil
}

// buildMessage converts one chat message, inlining image attachments as base64
// blocks. A failed encode degrades to a text reference rather than failing the
// whole request.
func (p *anthropic) buildMessage(msg domain.ChatMessage, files map[string]domain.ResolvedFile) anthropicMessage {
	if len(msg.Attachments) == 0 {
		return anthropicMessage{Role: msg.Role, Content: msg.Content}
	}

	var blocks []anthropicContentBlock
	if msg.Content != "" {
		blocks = append(blocks, anthropicContentBlock{Type: "text", Text: msg.Content})
	}
	for _, att := range msg.Attachments {
		f, ok := files[att.FileID]
		if !ok {
			slog.Warn("attachment file not resolved, skipping", slog.String("file_id", att.FileID))
			continue
		}
		if att.Type == domain.AttachmentImage {
			block, err := encodeImageBlock(f)
			if err != nil {
				slog.Error("image encode failed", slog.String("file_id", att.FileID), slog.Any("error", err))
				blocks = append(blocks, anthropicContentBlock{
					Type: "text",
					Text: fmt.Sprintf("[Image: %s - failed to encode]", f.Filename),
				})
				continue
			}
			blocks = append(blocks, *block)
		} else {
			blocks = append(blocks, anthropicContentBlock{
				Type: "text",
				Text: fmt.Sprintf("[Attached file: %s]", f.Filename),
			})
		}
	}
	if len(blocks) == 0 {
		return anthropicMessage{Role: msg.Role, Content: msg.Content}
	}
	return anthropicMessage{Role: msg.Role, Content: blocks}
}

func (p *anthropic) Chat(ctx context.Context, apiKey string, req domain.ChatRequest, files map[string]domain.ResolvedFile) (domain.ChatResponse, error) {
	if apiKey == "" {
		return domain.ChatResponse{}, clientError("anthropic API key is not provided")
	}
	if forced := checkForcedError(req); forced != nil {
		return domain.ChatResponse{}, forced
	}

	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	// System turns are lifted to the top-level system field.
	payload := anthropicChatRequest{
		Model:       model,
		Temperature: req.Temperature,
	}
	for _, msg := range req.Messages {
		if msg.Role == "system" {
			payload.System = msg.Content
			continue
		}
		payload.Messages = append(payload.Messages, p.buildMessage(msg, files))
	}

	// max_tokens is required by the Messages API.
	maxTokens := p.defaultMaxTokens
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}
	if maxTokens > anthropicMaxTokensCap {
		maxTokens = anthropicMaxTokensCap
	}
	payload.MaxTokens = maxTokens

	body, err := json.Marshal(payload)
	if err != nil {
		return domain.ChatResponse{}, fmt.Errorf("op=provider.anthropic.Chat marshal: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return domain.ChatResponse{}, fmt.Errorf("op=provider.anthropic.Chat request: %w", err)
	}
	httpReq.Header.Set("x-api-key", apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return domain.ChatResponse{}, classifyRequestError("anthropic", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.ChatResponse{}, classifyRequestError("anthropic", err)
	}

	if resp.StatusCode != http.StatusOK {
		perr := classifyHTTPError("anthropic", resp.StatusCode, resp.Header, respBody, anthropicErrorMessage)
		slog.Error("upstream chat error",
			slog.String("provider", "anthropic"),
			slog.Int("status", resp.StatusCode),
			slog.String("kind", string(perr.Kind)))
		return domain.ChatResponse{}, perr
	}

	var parsed anthropicChatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return domain.ChatResponse{}, transientError(fmt.Sprintf("anthropic API returned malformed response: %v", err))
	}
	if len(parsed.Content) == 0 {
		return domain.ChatResponse{}, transientError("anthropic API returned empty content")
	}
	first := parsed.Content[0]
	if first.Type != "text" {
		return domain.ChatResponse{}, transientError(fmt.Sprintf("anthropic API returned unsupported content type %q", first.Type))
	}

	respModel := parsed.Model
	if respModel == "" {
		respModel = model
	}

	// input_tokens/output_tokens map onto the OpenAI-style usage fields.
	var usage *domain.Usage
	if parsed.Usage != nil {
		prompt := parsed.Usage.InputTokens
		completion := parsed.Usage.OutputTokens
		total := prompt + completion
		usage = &domain.Usage{
			PromptTokens:     &prompt,
			CompletionTokens: &completion,
			TotalTokens:      &total,
		}
	}

	return domain.ChatResponse{
		Model:   respModel,
		Message: domain.ChatResponseMessage{Role: "assistant", Content: first.Text},
		Usage:   usage,
	}, nil
}
