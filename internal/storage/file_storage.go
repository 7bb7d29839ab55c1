// internal/storage/file_storage.go
package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const fileStoreExt = ".json"

// FileStore 每个键对应一个文件
type FileStore struct {
	BaseDir string

	// 文件级别锁 path -> *sync.RWMutex
	fileLocks sync.Map

	cache        map[string]*CacheEntry
	cacheMutex   sync.RWMutex
	cacheExpiry  time.Duration
	maxCacheSize int

	stopCleanup chan struct{}
	closeOnce   sync.Once
}

// CacheEntry 读缓存条目
type CacheEntry struct {
	Data      string
	Timestamp time.Time
}

// NewFileStore 创建文件存储
func NewFileStore(baseDir string) (*FileStore, error) {
	if baseDir == "" {
		baseDir = "data"
	}
	dir := filepath.Join(baseDir, "kv")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("创建存储目录失败: %w", err)
	}

	fs := &FileStore{
		BaseDir:      dir,
		cache:        make(map[string]*CacheEntry),
		cacheExpiry:  5 * time.Minute,
		maxCacheSize: 100,
		stopCleanup:  make(chan struct{}),
	}
	fs.startCacheCleanup()
	return fs, nil
}

func (fs *FileStore) pathFor(key string) string {
	return filepath.Join(fs.BaseDir, url.PathEscape(key)+fileStoreExt)
}

func (fs *FileStore) getFileLock(fullPath string) *sync.RWMutex {
	value, _ := fs.fileLocks.LoadOrStore(fullPath, &sync.RWMutex{})
	return value.(*sync.RWMutex)
}

// Get 读取键
func (fs *FileStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	fullPath := fs.pathFor(key)

	if data, ok := fs.cached(fullPath); ok {
		return data, true, nil
	}

	lock := fs.getFileLock(fullPath)
	lock.RLock()
	defer lock.RUnlock()

	content, err := os.ReadFile(fullPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("读取文件失败: %w", err)
	}

	fs.updateCache(fullPath, string(content))
	return string(content), true, nil
}

// Set 原子写入
func (fs *FileStore) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fullPath := fs.pathFor(key)

	lock := fs.getFileLock(fullPath)
	lock.Lock()
	defer lock.Unlock()

	tempPath := fullPath + ".tmp"
	if err := os.WriteFile(tempPath, []byte(value), 0644); err != nil {
		return fmt.Errorf("保存临时文件失败: %w", err)
	}
	if err := os.Rename(tempPath, fullPath); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("保存文件失败: %w", err)
	}

	fs.updateCache(fullPath, value)
	return nil
}

// Remove 删除键，不存在时不报错
func (fs *FileStore) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fullPath := fs.pathFor(key)

	lock := fs.getFileLock(fullPath)
	lock.Lock()
	defer lock.Unlock()

	fs.invalidateCache(fullPath)
	if err := os.Remove(fullPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("删除文件失败: %w", err)
	}
	return nil
}

// Keys 列出前缀匹配的键
func (fs *FileStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(fs.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("读取目录失败: %w", err)
	}

	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, fileStoreExt) {
			continue
		}
		key, err := url.PathUnescape(strings.TrimSuffix(name, fileStoreExt))
		if err != nil {
			continue
		}
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Close 停止缓存清理
func (fs *FileStore) Close() error {
	fs.closeOnce.Do(func() { close(fs.stopCleanup) })
	return nil
}

func (fs *FileStore) cached(path string) (string, bool) {
	fs.cacheMutex.RLock()
	defer fs.cacheMutex.RUnlock()
	if entry, exists := fs.cache[path]; exists && time.Since(entry.Timestamp) < fs.cacheExpiry {
		return entry.Data, true
	}
	return "", false
}

func (fs *FileStore) updateCache(path string, data string) {
	fs.cacheMutex.Lock()
	defer fs.cacheMutex.Unlock()

	fs.cache[path] = &CacheEntry{Data: data, Timestamp: time.Now()}

	if len(fs.cache) > fs.maxCacheSize {
		var oldestKey string
		var oldestTime time.Time
		for key, entry := range fs.cache {
			if oldestKey == "" || entry.Timestamp.Before(oldestTime) {
				oldestKey = key
				oldestTime = entry.Timestamp
			}
		}
		if oldestKey != "" {
			delete(fs.cache, oldestKey)
		}
	}
}

func (fs *FileStore) invalidateCache(path string) {
	fs.cacheMutex.Lock()
	delete(fs.cache, path)
	fs.cacheMutex.Unlock()
}

func (fs *FileStore) startCacheCleanup() {
	ticker := time.NewTicker(fs.cacheExpiry)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fs.cacheMutex.Lock()
				now := time.Now()
				for key, entry := range fs.cache {
					if now.Sub(entry.Timestamp) > fs.cacheExpiry {
						delete(fs.cache, key)
					}
				}
				fs.cacheMutex.Unlock()
			case <-fs.stopCleanup:
				return
			}
		}
	}()
}
