// internal/llm/providers/openai/openai.go
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/Corphon/GalNovelEngine/internal/llm"
)

// 兼容 OpenAI 协议的后端
type preset struct {
	name         string
	baseURL      string
	defaultModel string
	models       []string
}

var presets = []preset{
	{
		name:         "openai",
		baseURL:      "https://api.openai.com/v1",
		defaultModel: "gpt-4o-mini",
		models:       []string{"gpt-4o-mini", "gpt-4o", "gpt-4.1-mini"},
	},
	{
		name:         "dashscope",
		baseURL:      "https://dashscope.aliyuncs.com/compatible-mode/v1",
		defaultModel: "qwen-plus",
		models:       []string{"qwen-plus", "qwen-turbo", "qwen-max"},
	},
	{
		name:         "deepseek",
		baseURL:      "https://api.deepseek.com/v1",
		defaultModel: "deepseek-chat",
		models:       []string{"deepseek-chat"},
	},
	{
		name:         "grok",
		baseURL:      "https://api.x.ai/v1",
		defaultModel: "grok-3-mini",
		models:       []string{"grok-3-mini", "grok-3"},
	},
	{
		name:         "glm",
		baseURL:      "https://open.bigmodel.cn/api/paas/v4",
		defaultModel: "glm-4-flash",
		models:       []string{"glm-4-flash", "glm-4-plus"},
	},
	{
		name:         "google",
		baseURL:      "https://generativelanguage.googleapis.com/v1beta/openai",
		defaultModel: "gemini-2.0-flash",
		models:       []string{"gemini-2.0-flash", "gemini-2.5-flash"},
	},
	{
		name:         "githubmodels",
		baseURL:      "https://models.inference.ai.azure.com",
		defaultModel: "gpt-4o-mini",
		models:       []string{"gpt-4o-mini", "gpt-4o"},
	},
	{
		name:         "openrouter",
		baseURL:      "https://openrouter.ai/api/v1",
		defaultModel: "qwen/qwen3-235b-a22b:free",
		models:       []string{"qwen/qwen3-235b-a22b:free", "google/gemma-3-27b-it:free"},
	},
}

func init() {
	for _, p := range presets {
		p := p
		llm.Register(p.name, func() llm.Provider { return newProvider(p) })
	}
}

// Provider go-openai 客户端封装
type Provider struct {
	preset       preset
	client       *goopenai.Client
	defaultModel string
	temperature  float32
}

func newProvider(p preset) *Provider {
	return &Provider{preset: p, defaultModel: p.defaultModel, temperature: 0.8}
}

// NewWithName 创建指定名称的提供者，未知名称按 openai 处理
func NewWithName(name string) *Provider {
	for _, p := range presets {
		if p.name == name {
			return newProvider(p)
		}
	}
	return newProvider(presets[0])
}

func (p *Provider) Initialize(config map[string]string) error {
	apiKey := config["api_key"]
	if apiKey == "" {
		return errors.New(p.preset.name + " API密钥未提供")
	}

	cfg := goopenai.DefaultConfig(apiKey)
	cfg.BaseURL = p.preset.baseURL
	if baseURL := config["base_url"]; baseURL != "" {
		cfg.BaseURL = baseURL
	}
	p.client = goopenai.NewClientWithConfig(cfg)

	if model := config["default_model"]; model != "" {
		p.defaultModel = model
	}
	if t := config["temperature"]; t != "" {
		v, err := strconv.ParseFloat(t, 32)
		if err != nil {
			return fmt.Errorf("无效的 temperature: %w", err)
		}
		p.temperature = float32(v)
	}
	return nil
}

func (p *Provider) GetName() string {
	return p.preset.name
}

func (p *Provider) GetSupportedModels() []string {
	return append([]string(nil), p.preset.models...)
}

func (p *Provider) CompleteText(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if p.client == nil {
		return nil, errors.New("提供者未初始化")
	}

	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	temperature := req.Temperature
	if temperature == 0 {
		temperature = p.temperature
	}

	messages := make([]goopenai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, goopenai.ChatCompletionMessage{
			Role:    goopenai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	for _, m := range req.Messages {
		messages = append(messages, goopenai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	chatReq := goopenai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.JSONMode {
		chatReq.ResponseFormat = &goopenai.ChatCompletionResponseFormat{
			Type: goopenai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("%s 请求失败: %w", p.preset.name, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%s 返回空结果", p.preset.name)
	}

	return &llm.CompletionResponse{
		Text:         resp.Choices[0].Message.Content,
		FinishReason: string(resp.Choices[0].FinishReason),
		PromptTokens: resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		ModelName:    resp.Model,
		ProviderName: p.preset.name,
	}, nil
}

// SynthesizeSpeech 调用 /audio/speech，输出 mp3
func (p *Provider) SynthesizeSpeech(ctx context.Context, text, voice string) ([]byte, error) {
	if p.client == nil {
		return nil, errors.New("提供者未初始化")
	}
	if voice == "" {
		voice = string(goopenai.VoiceNova)
	}

	resp, err := p.client.CreateSpeech(ctx, goopenai.CreateSpeechRequest{
		Model:          goopenai.TTSModel1,
		Input:          text,
		Voice:          goopenai.SpeechVoice(voice),
		ResponseFormat: goopenai.SpeechResponseFormatMp3,
	})
	if err != nil {
		return nil, fmt.Errorf("%s 语音合成失败: %w", p.preset.name, err)
	}
	defer resp.Close()

	audio, err := io.ReadAll(resp)
	if err != nil {
		return nil, fmt.Errorf("%s 读取语音数据失败: %w", p.preset.name, err)
	}
	return audio, nil
}
