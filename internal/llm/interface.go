// internal/llm/interface.go
package llm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// 错误定义
var ErrUnknownProvider = errors.New("未知的AI提供者")

// Message 对话消息
type Message struct {
	Role    string `json:"role"` // system | user | assistant
	Content string `json:"content"`
}

// CompletionRequest 请求参数标准化
type CompletionRequest struct {
	SystemPrompt string    `json:"system_prompt,omitempty"`
	Messages     []Message `json:"messages"`
	MaxTokens    int       `json:"max_tokens,omitempty"`
	Temperature  float32   `json:"temperature,omitempty"`
	Model        string    `json:"model,omitempty"`
	// JSONMode 要求后端直接输出 JSON 对象
	JSONMode bool `json:"json_mode,omitempty"`
}

// CompletionResponse 响应结构标准化
type CompletionResponse struct {
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason,omitempty"`
	PromptTokens int    `json:"prompt_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
	ModelName    string `json:"model_name,omitempty"`
	ProviderName string `json:"provider_name,omitempty"`
}

// Provider 定义所有LLM提供者必须实现的接口
type Provider interface {
	// 初始化提供者，传入配置
	Initialize(config map[string]string) error

	GetName() string

	GetSupportedModels() []string

	// 文本生成
	CompleteText(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// SpeechProvider 可选能力：文本转语音，返回音频字节
type SpeechProvider interface {
	SynthesizeSpeech(ctx context.Context, text, voice string) ([]byte, error)
}

// ProviderFactory 提供者工厂
type ProviderFactory func() Provider

var (
	providers   = make(map[string]ProviderFactory)
	providersMu sync.RWMutex
)

// Register 注册提供者工厂
func Register(name string, factory ProviderFactory) {
	providersMu.Lock()
	defer providersMu.Unlock()
	providers[name] = factory
}

// GetProvider 创建并初始化指定名称的提供者
func GetProvider(name string, config map[string]string) (Provider, error) {
	providersMu.RLock()
	factory, exists := providers[name]
	providersMu.RUnlock()
	if !exists {
		return nil, ErrUnknownProvider
	}

	provider := factory()
	if err := provider.Initialize(config); err != nil {
		return nil, err
	}
	return provider, nil
}

// ListProviders 返回所有已注册的提供者名称
func ListProviders() []string {
	providersMu.RLock()
	defer providersMu.RUnlock()

	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetSupportedModelsForProvider 获取指定提供商支持的模型列表
func GetSupportedModelsForProvider(name string) []string {
	providersMu.RLock()
	factory, exists := providers[name]
	providersMu.RUnlock()
	if !exists {
		return []string{}
	}
	return factory().GetSupportedModels()
}

// unavailable 初始化失败时的占位提供者，每次调用都返回初始化错误
type unavailable struct {
	name  string
	cause error
}

// Unavailable 包装初始化失败的提供者；剧本模式不依赖生成，服务仍可启动
func Unavailable(name string, cause error) Provider {
	return &unavailable{name: name, cause: cause}
}

func (u *unavailable) Initialize(map[string]string) error { return u.cause }

func (u *unavailable) GetName() string { return u.name }

func (u *unavailable) GetSupportedModels() []string { return nil }

func (u *unavailable) CompleteText(context.Context, CompletionRequest) (*CompletionResponse, error) {
	return nil, fmt.Errorf("生成后端 %s 不可用: %w", u.name, u.cause)
}
