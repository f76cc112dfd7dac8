package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/routellm/gateway/internal/domain"
)

func newAnthropicForURL(t *testing.T, url string, client *http.Client) *anthropic {
	t.Helper()
	cfg := testProviderCfg()
	cfg.AnthropicBaseURL = url
	return newAnthropic(cfg, client)
}

func TestAnthropicChat_LiftsSystemAndRenamesUsage(t *testing.T) {
	var gotReq anthropicChatRequest
	var gotVersion, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/messages", r.URL.Path)
		gotVersion = r.Header.Get("anthropic-version")
		gotKey = r.Header.Get("x-api-key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model": "claude-sonnet-4-5-20250929",
			"content": []map[string]string{
				{"type": "text", "text": "hello back"},
			},
			"usage": map[string]int{"input_tokens": 10, "output_tokens": 4},
		})
	}))
	defer srv.Close()

	p := newAnthropicForURL(t, srv.URL, srv.Client())
	resp, err := p.Chat(context.Background(), "sk-ant", domain.ChatRequest{
		Messages: []domain.ChatMessage{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "hello"},
		},
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, anthropicVersion, gotVersion)
	assert.Equal(t, "sk-ant", gotKey)
	assert.Equal(t, "be brief", gotReq.System)
	require.Len(t, gotReq.Messages, 1)
	assert.Equal(t, "user", gotReq.Messages[0].Role)
	assert.Equal(t, 1024, gotReq.MaxTokens)

	assert.Equal(t, "assistant", resp.Message.Role)
	assert.Equal(t, "hello back", resp.Message.Content)
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 10, *resp.Usage.PromptTokens)
	assert.Equal(t, 4, *resp.Usage.CompletionTokens)
	assert.Equal(t, 14, resp.Usage.Total())
}

func TestAnthropicChat_MaxTokensClamped(t *testing.T) {
	var gotReq anthropicChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]string{{"type": "text", "text": "ok"}},
		})
	}))
	defer srv.Close()

	p := newAnthropicForURL(t, srv.URL, srv.Client())
	huge := 200000
	_, err := p.Chat(context.Background(), "sk-ant", domain.ChatRequest{
		Messages:  userMessage("hi"),
		MaxTokens: &huge,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, anthropicMaxTokensCap, gotReq.MaxTokens)
}

func TestAnthropicChat_ErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error": {"type": "invalid_request_error", "message": "max_tokens required"}}`))
	}))
	defer srv.Close()

	p := newAnthropicForURL(t, srv.URL, srv.Client())
	_, err := p.Chat(context.Background(), "sk-ant", domain.ChatRequest{Messages: userMessage("hi")}, nil)
	perr, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindClient, perr.Kind)
	assert.Contains(t, perr.Message, "invalid_request_error: max_tokens required")
}

func TestAnthropicChat_NonTextContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"content": [{"type": "tool_use"}]}`))
	}))
	defer srv.Close()

	p := newAnthropicForURL(t, srv.URL, srv.Client())
	_, err := p.Chat(context.Background(), "sk-ant", domain.ChatRequest{Messages: userMessage("hi")}, nil)
	perr, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindTransient, perr.Kind)
}

func TestEncodeImageBlock_SniffsMediaType(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "img")
	// Minimal PNG header so the sniffer identifies image/png.
	png := []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a, 0, 0, 0, 0}
	require.NoError(t, os.WriteFile(path, png, 0o644))

	block, err := encodeImageBlock(domain.ResolvedFile{
		StoredFile: domain.StoredFile{ID: "f1", MIMEType: "application/octet-stream", StoragePath: path},
	})
	require.NoError(t, err)
	assert.Equal(t, "image", block.Type)
	require.NotNil(t, block.Source)
	assert.Equal(t, "base64", block.Source.Type)
	assert.Equal(t, "image/png", block.Source.MediaType)
	assert.NotEmpty(t, block.Source.Data)
}

func TestAnthropicBuildMessage_EncodeFailureDegradesToText(t *testing.T) {
	p := newAnthropic(testProviderCfg(), http.DefaultClient)
	files := map[string]domain.ResolvedFile{
		"f1": {StoredFile: domain.StoredFile{ID: "f1", Filename: "gone.png", StoragePath: "/nonexistent/gone.png"}},
	}
	msg := domain.ChatMessage{
		Role: "user", Content: "see image",
		Attachments: []domain.Attachment{{FileID: "f1", Type: domain.AttachmentImage}},
	}

	out := p.buildMessage(msg, files)
	blocks, ok := out.Content.([]anthropicContentBlock)
	require.True(t, ok)
	require.Len(t, blocks, 2)
	assert.Equal(t, "text", blocks[1].Type)
	assert.Contains(t, blocks[1].Text, "failed to encode")
}
