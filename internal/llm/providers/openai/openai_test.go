package openai

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
	names := llm.ListProviders()
	for _, want := range []string{"dashscope", "deepseek", "openai", "openrouter", "grok", "glm", "google", "githubmodels"} {
		assert.Contains(t, names, want)
	}
	assert.Contains(t, llm.GetSupportedModelsForProvider("dashscope"), "qwen-plus")

	_, err := llm.GetProvider("missing", nil)
	assert.ErrorIs(t, err, llm.ErrUnknownProvider)

	_, err = llm.GetProvider("dashscope", map[string]string{})
	assert.Error(t, err)
}

func TestCompleteText(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "c1", "object": "chat.completion", "model": "qwen-plus",
			"choices": [{"index": 0, "finish_reason": "stop",
				"message": {"role": "assistant", "content": "{\"narrative\":\"樱花\"}"}}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 7, "total_tokens": 19}
		}`))
	}))
	defer server.Close()

	p, err := llm.GetProvider("dashscope", map[string]string{
		"api_key":  "test-key",
		"base_url": server.URL,
	})
	require.NoError(t, err)

	resp, err := p.CompleteText(context.Background(), llm.CompletionRequest{
		SystemPrompt: "你是视觉小说引擎",
		Messages:     []llm.Message{{Role: "user", Content: "开始"}},
		JSONMode:     true,
	})
	require.NoError(t, err)

	assert.Equal(t, `{"narrative":"樱花"}`, resp.Text)
	assert.Equal(t, "dashscope", resp.ProviderName)
	assert.Equal(t, 7, resp.OutputTokens)

	assert.Equal(t, "qwen-plus", got["model"])
	messages := got["messages"].([]any)
	require.Len(t, messages, 2)
	assert.Equal(t, "system", messages[0].(map[string]any)["role"])
	assert.Equal(t, "json_object", got["response_format"].(map[string]any)["type"])
}

func TestCompleteTextBackendError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limited","type":"rate_limit"}}`))
	}))
	defer server.Close()

	p := NewWithName("deepseek")
	require.NoError(t, p.Initialize(map[string]string{"api_key": "k", "base_url": server.URL}))

	_, err := p.CompleteText(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: "user", Content: "hi"}},
	})
	assert.Error(t, err)
}

func TestSynthesizeSpeech(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/audio/speech", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte("ID3fake"))
	}))
	defer server.Close()

	p := NewWithName("openai")
	require.NoError(t, p.Initialize(map[string]string{"api_key": "k", "base_url": server.URL}))

	var sp llm.SpeechProvider = p
	audio, err := sp.SynthesizeSpeech(context.Background(), "早上好", "")
	require.NoError(t, err)
	assert.Equal(t, []byte("ID3fake"), audio)
	assert.Equal(t, "早上好", got["input"])
	assert.Equal(t, "nova", got["voice"])
	assert.Equal(t, "tts-1", got["model"])
}
