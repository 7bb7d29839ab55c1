// internal/llm/providers/anthropic/anthropic.go
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Corphon/GalNovelEngine/internal/llm"
)

const (
	defaultBaseURL    = "https://api.anthropic.com"
	defaultAPIVersion = "2023-06-01"
	defaultModel      = "claude-3-5-haiku-latest"
	defaultMaxTokens  = 2048
)

func init() {
	llm.Register("anthropic", func() llm.Provider { return New() })
}

// Provider Messages API 客户端
type Provider struct {
	apiKey       string
	baseURL      string
	apiVersion   string
	client       *http.Client
	defaultModel string
	models       []string
}

// New 创建未初始化的提供者
func New() *Provider {
	return &Provider{
		baseURL:      defaultBaseURL,
		apiVersion:   defaultAPIVersion,
		defaultModel: defaultModel,
		models:       []string{"claude-3-5-haiku-latest", "claude-3-7-sonnet-latest", "claude-sonnet-4-0"},
	}
}

func (p *Provider) Initialize(config map[string]string) error {
	apiKey := config["api_key"]
	if apiKey == "" {
		return errors.New("anthropic API密钥未提供")
	}
	p.apiKey = apiKey
	p.client = &http.Client{Timeout: 120 * time.Second}

	if model := config["default_model"]; model != "" {
		p.defaultModel = model
	}
	if baseURL := config["base_url"]; baseURL != "" {
		p.baseURL = strings.TrimRight(baseURL, "/")
	}
	if v := config["api_version"]; v != "" {
		p.apiVersion = v
	}
	if custom := config["custom_models"]; custom != "" {
		var models []string
		if err := json.Unmarshal([]byte(custom), &models); err == nil && len(models) > 0 {
			p.models = models
		}
	}
	return nil
}

func (p *Provider) GetName() string {
	return "anthropic"
}

func (p *Provider) GetSupportedModels() []string {
	return append([]string(nil), p.models...)
}

type messagesRequest struct {
	Model       string        `json:"model"`
	System      string        `json:"system,omitempty"`
	Messages    []llm.Message `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float32       `json:"temperature,omitempty"`
}

type messagesResponse struct {
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Content    []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (p *Provider) CompleteText(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if p.client == nil {
		return nil, errors.New("提供者未初始化")
	}

	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	system := req.SystemPrompt
	if req.JSONMode {
		// Messages API 没有 JSON 模式，只能在系统提示里约束
		system = strings.TrimSpace(system + "\n只输出一个 JSON 对象，不要输出任何其他内容。")
	}

	// 系统消息只能放在 system 字段
	messages := make([]llm.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == "system" {
			system = strings.TrimSpace(system + "\n" + m.Content)
			continue
		}
		messages = append(messages, m)
	}

	body, err := json.Marshal(messagesRequest{
		Model:       model,
		System:      system,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Api-Key", p.apiKey)
	httpReq.Header.Set("Anthropic-Version", p.apiVersion)

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic 请求失败: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return nil, fmt.Errorf("anthropic api错误(%d): %s", httpResp.StatusCode, string(raw))
	}

	var resp messagesResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("解析 anthropic 响应失败: %w", err)
	}

	var text strings.Builder
	for _, c := range resp.Content {
		if c.Type == "text" {
			text.WriteString(c.Text)
		}
	}
	if text.Len() == 0 {
		return nil, errors.New("anthropic 未返回文本内容")
	}

	return &llm.CompletionResponse{
		Text:         text.String(),
		FinishReason: resp.StopReason,
		PromptTokens: resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		ModelName:    resp.Model,
		ProviderName: p.GetName(),
	}, nil
}
