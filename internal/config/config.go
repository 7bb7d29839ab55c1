// internal/config/config.go
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// 当前可在运行时修改的配置
var (
	currentConfig *AppConfig
	configMutex   sync.RWMutex
	configFile    string
	configSecret  string
)

// Config 启动配置，来自环境变量
type Config struct {
	Port      int    `envconfig:"PORT" default:"8080"`
	DataDir   string `envconfig:"DATA_DIR" default:"data"`
	LogDir    string `envconfig:"LOG_DIR" default:"logs"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_ENCODING" default:"console"`
	DebugMode bool   `envconfig:"DEBUG_MODE" default:"false"`

	// 存储
	StorageBackend string `envconfig:"STORAGE_BACKEND" default:"file"`
	SQLitePath     string `envconfig:"SQLITE_PATH" default:"data/engine.db"`
	RedisAddr      string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword  string `envconfig:"REDIS_PASSWORD" default:""`
	RedisDB        int    `envconfig:"REDIS_DB" default:"0"`
	RedisKeyPrefix string `envconfig:"REDIS_KEY_PREFIX" default:"galnovel:"`
	ScriptDir      string `envconfig:"SCRIPT_DIR" default:"data/scripts"`

	// 生成后端
	LLMProvider    string        `envconfig:"LLM_PROVIDER" default:"dashscope"`
	LLMAPIKey      string        `envconfig:"LLM_API_KEY" default:""`
	LLMBaseURL     string        `envconfig:"LLM_BASE_URL" default:""`
	LLMModel       string        `envconfig:"LLM_MODEL" default:"qwen-plus"`
	LLMTemperature float32       `envconfig:"LLM_TEMPERATURE" default:"0.8"`
	LLMTimeout     time.Duration `envconfig:"LLM_TIMEOUT" default:"90s"`

	// 女主角台词的 TTS 音色，为空使用后端默认值
	VoiceName string `envconfig:"VOICE_NAME" default:"nova"`
	// 触发生成的接口每分钟每IP上限，0 表示不限
	GenerationRateLimit int `envconfig:"GENERATION_RATE_LIMIT" default:"30"`

	// 预加载
	PreloadWarmupDelay       time.Duration `envconfig:"PRELOAD_WARMUP_DELAY" default:"10s"`
	PreloadWarmupBranchDelay time.Duration `envconfig:"PRELOAD_WARMUP_BRANCH_DELAY" default:"1000ms"`
	PreloadBranchDelay       time.Duration `envconfig:"PRELOAD_BRANCH_DELAY" default:"800ms"`
	WarmupScriptID           string        `envconfig:"WARMUP_SCRIPT_ID" default:"preset_tsundere"`
	WarmupEnabled            bool          `envconfig:"WARMUP_ENABLED" default:"true"`

	// 非空时 config.json 中的 API 密钥加密保存
	ConfigSecret string `envconfig:"CONFIG_SECRET" default:""`

	CacheTTL        time.Duration `envconfig:"CACHE_TTL" default:"168h"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

var validBackends = map[string]bool{"file": true, "sqlite": true, "redis": true, "memory": true}

// Load 从 .env 与环境变量加载配置
func Load() (*Config, error) {
	// .env 可选
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("解析环境变量失败: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("无效的端口: %d", c.Port)
	}
	if !validBackends[c.StorageBackend] {
		return fmt.Errorf("未知的存储后端: %s", c.StorageBackend)
	}
	if c.PreloadBranchDelay < 0 || c.PreloadWarmupBranchDelay < 0 || c.PreloadWarmupDelay < 0 {
		return fmt.Errorf("预加载延迟不能为负数")
	}
	if c.GenerationRateLimit < 0 {
		return fmt.Errorf("生成限流不能为负数")
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("缓存有效期必须大于0")
	}
	return nil
}

// Addr 监听地址
func (c *Config) Addr() string {
	return ":" + strconv.Itoa(c.Port)
}

// AppConfig 运行时可修改并持久化的配置
type AppConfig struct {
	DebugMode   bool              `json:"debug_mode"`
	LLMProvider string            `json:"llm_provider"`
	LLMConfig   map[string]string `json:"llm_config"`

	EncryptedAPIKey string `json:"encrypted_api_key,omitempty"`
}

// LLMSettings 由启动配置推导的默认 LLM 设置
func (c *Config) LLMSettings() map[string]string {
	settings := map[string]string{
		"api_key":       c.LLMAPIKey,
		"default_model": c.LLMModel,
		"temperature":   strconv.FormatFloat(float64(c.LLMTemperature), 'f', -1, 32),
	}
	if c.LLMBaseURL != "" {
		settings["base_url"] = c.LLMBaseURL
	}
	return settings
}

// InitConfig 初始化运行时配置，已保存的 LLM 设置优先
func InitConfig(base *Config) error {
	configMutex.Lock()
	defer configMutex.Unlock()

	configFile = filepath.Join(base.DataDir, "config.json")
	configSecret = base.ConfigSecret
	cfg := &AppConfig{
		DebugMode:   base.DebugMode,
		LLMProvider: base.LLMProvider,
		LLMConfig:   base.LLMSettings(),
	}

	if data, err := os.ReadFile(configFile); err == nil {
		var saved AppConfig
		if json.Unmarshal(data, &saved) == nil && saved.LLMProvider != "" {
			saved.DebugMode = base.DebugMode
			if saved.LLMConfig == nil {
				saved.LLMConfig = map[string]string{}
			}
			if saved.EncryptedAPIKey != "" {
				key, err := openSecret(saved.EncryptedAPIKey, configSecret)
				if err != nil {
					return fmt.Errorf("读取已保存的 API 密钥失败: %w", err)
				}
				saved.LLMConfig["api_key"] = key
				saved.EncryptedAPIKey = ""
			}
			// 文件中没有密钥时沿用环境变量
			if saved.LLMConfig["api_key"] == "" {
				saved.LLMConfig["api_key"] = base.LLMAPIKey
			}
			cfg = &saved
		}
	}

	currentConfig = cfg
	return saveLocked()
}

// GetCurrentConfig 返回当前配置的副本
func GetCurrentConfig() *AppConfig {
	configMutex.RLock()
	defer configMutex.RUnlock()

	if currentConfig == nil {
		return &AppConfig{LLMConfig: map[string]string{}}
	}

	configCopy := *currentConfig
	configCopy.LLMConfig = make(map[string]string, len(currentConfig.LLMConfig))
	for k, v := range currentConfig.LLMConfig {
		configCopy.LLMConfig[k] = v
	}
	return &configCopy
}

// UpdateLLMConfig 更新LLM配置
func UpdateLLMConfig(provider string, settings map[string]string) error {
	configMutex.Lock()
	defer configMutex.Unlock()

	if currentConfig == nil {
		return fmt.Errorf("配置系统未初始化")
	}

	currentConfig.LLMProvider = provider
	currentConfig.LLMConfig = settings
	return saveLocked()
}

// SaveConfig 保存当前配置到文件
func SaveConfig() error {
	configMutex.Lock()
	defer configMutex.Unlock()
	return saveLocked()
}

func saveLocked() error {
	if currentConfig == nil {
		return fmt.Errorf("没有配置可保存")
	}

	if err := os.MkdirAll(filepath.Dir(configFile), 0755); err != nil {
		return fmt.Errorf("创建配置目录失败: %w", err)
	}

	out := *currentConfig
	if configSecret != "" && out.LLMConfig["api_key"] != "" {
		sealed, err := sealSecret(out.LLMConfig["api_key"], configSecret)
		if err != nil {
			return fmt.Errorf("加密 API 密钥失败: %w", err)
		}
		out.LLMConfig = make(map[string]string, len(currentConfig.LLMConfig))
		for k, v := range currentConfig.LLMConfig {
			if k != "api_key" {
				out.LLMConfig[k] = v
			}
		}
		out.EncryptedAPIKey = sealed
	}

	data, err := json.MarshalIndent(&out, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化配置失败: %w", err)
	}
	return os.WriteFile(configFile, data, 0600)
}
