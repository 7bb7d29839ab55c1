// internal/storage/store.go
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrNotFound 键不存在
	ErrNotFound = errors.New("键不存在")
	// ErrCorrupt 值无法解析
	ErrCorrupt = errors.New("存储内容已损坏")
)

// KVStore 键到 JSON 字符串的持久化存储
type KVStore interface {
	// Get 返回值与是否存在
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	// Remove 幂等
	Remove(ctx context.Context, key string) error
	// Keys 列出指定前缀的键
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// Backend 存储后端类型
type Backend string

const (
	BackendFile   Backend = "file"
	BackendSQLite Backend = "sqlite"
	BackendRedis  Backend = "redis"
	BackendMemory Backend = "memory"
)

// Options 创建存储所需参数
type Options struct {
	Backend        Backend
	DataDir        string
	SQLitePath     string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisKeyPrefix string
}

// NewStore 按配置创建存储后端
func NewStore(ctx context.Context, opts Options) (KVStore, error) {
	switch opts.Backend {
	case BackendFile, "":
		return NewFileStore(opts.DataDir)
	case BackendSQLite:
		return NewSQLiteStore(ctx, opts.SQLitePath)
	case BackendRedis:
		return NewRedisStore(ctx, RedisOptions{
			Addr:      opts.RedisAddr,
			Password:  opts.RedisPassword,
			DB:        opts.RedisDB,
			KeyPrefix: opts.RedisKeyPrefix,
		})
	case BackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("未知的存储后端: %s", opts.Backend)
	}
}

// ReadJSON 读取并解析；不存在返回 ErrNotFound，解析失败返回包装的 ErrCorrupt
func ReadJSON(ctx context.Context, s KVStore, key string, v interface{}) error {
	raw, ok, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if !ok || raw == "" {
		return ErrNotFound
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorrupt, key, err)
	}
	return nil
}

// WriteJSON 序列化后写入
func WriteJSON(ctx context.Context, s KVStore, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("序列化JSON失败: %w", err)
	}
	return s.Set(ctx, key, string(data))
}

// IsAbsent 缺失或损坏都视为不存在
func IsAbsent(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrCorrupt)
}
