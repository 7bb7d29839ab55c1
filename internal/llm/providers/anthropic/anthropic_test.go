package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Corphon/GalNovelEngine/internal/llm"
)

func TestRegistered(t *testing.T) {
	assert.Contains(t, llm.ListProviders(), "anthropic")

	_, err := llm.GetProvider("anthropic", map[string]string{})
	assert.Error(t, err)
}

func TestCompleteText(t *testing.T) {
	var got messagesRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-Api-Key"))
		assert.Equal(t, defaultAPIVersion, r.Header.Get("Anthropic-Version"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"model": "claude-3-5-haiku-latest", "stop_reason": "end_turn",
			"content": [{"type": "text", "text": "{\"narrative\":"}, {"type": "text", "text": "\"雨\"}"}],
			"usage": {"input_tokens": 20, "output_tokens": 5}
		}`))
	}))
	defer server.Close()

	p, err := llm.GetProvider("anthropic", map[string]string{
		"api_key":  "test-key",
		"base_url": server.URL + "/",
	})
	require.NoError(t, err)

	resp, err := p.CompleteText(context.Background(), llm.CompletionRequest{
		SystemPrompt: "你是视觉小说引擎",
		Messages: []llm.Message{
			{Role: "system", Content: "保持角色语气"},
			{Role: "user", Content: "开始"},
		},
		JSONMode: true,
	})
	require.NoError(t, err)

	assert.Equal(t, `{"narrative":"雨"}`, resp.Text)
	assert.Equal(t, "end_turn", resp.FinishReason)
	assert.Equal(t, 20, resp.PromptTokens)
	assert.Equal(t, "anthropic", resp.ProviderName)

	assert.Equal(t, defaultModel, got.Model)
	assert.Equal(t, defaultMaxTokens, got.MaxTokens)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "user", got.Messages[0].Role)
	assert.Contains(t, got.System, "保持角色语气")
	assert.Contains(t, got.System, "JSON")
}

func TestCompleteTextErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"rate"}`))
	}))
	defer server.Close()

	p := New()
	require.NoError(t, p.Initialize(map[string]string{"api_key": "k", "base_url": server.URL}))

	_, err := p.CompleteText(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: "user", Content: "hi"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestUninitialized(t *testing.T) {
	_, err := New().CompleteText(context.Background(), llm.CompletionRequest{})
	assert.Error(t, err)
}
