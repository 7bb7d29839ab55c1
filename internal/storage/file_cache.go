// internal/storage/file_cache.go
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/Corphon/GalNovelEngine/internal/models"
)

// ScriptFileCache 剧本文件的内存缓存，文件被修改后自动重新读取
// 返回的 *FullScript 由所有调用方共享，只读
type ScriptFileCache struct {
	cache   map[string]*scriptCacheEntry
	mutex   sync.RWMutex
	maxSize int
}

type scriptCacheEntry struct {
	script   *models.FullScript
	modTime  time.Time
	size     int64
	lastRead time.Time
}

// NewScriptFileCache 创建剧本缓存
func NewScriptFileCache(maxSize int) *ScriptFileCache {
	if maxSize <= 0 {
		maxSize = 32
	}
	return &ScriptFileCache{
		cache:   make(map[string]*scriptCacheEntry),
		maxSize: maxSize,
	}
}

// Load 读取剧本，命中缓存且文件未变化时不访问磁盘内容
func (s *ScriptFileCache) Load(path string) (*models.FullScript, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("获取文件绝对路径失败: %w", err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("读取剧本文件信息失败: %w", err)
	}

	s.mutex.RLock()
	entry, exists := s.cache[absPath]
	s.mutex.RUnlock()

	if exists && !info.ModTime().After(entry.modTime) && info.Size() == entry.size {
		s.mutex.Lock()
		entry.lastRead = time.Now()
		s.mutex.Unlock()
		return entry.script, nil
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("读取剧本文件失败: %w", err)
	}

	var script models.FullScript
	if err := json.Unmarshal(data, &script); err != nil {
		return nil, fmt.Errorf("解析剧本JSON失败: %w", err)
	}

	s.mutex.Lock()
	s.cache[absPath] = &scriptCacheEntry{
		script:   &script,
		modTime:  info.ModTime(),
		size:     info.Size(),
		lastRead: time.Now(),
	}
	if len(s.cache) > s.maxSize {
		s.cleanupLRU(max(1, s.maxSize/5))
	}
	s.mutex.Unlock()

	return &script, nil
}

// Forget 移除单个缓存
func (s *ScriptFileCache) Forget(path string) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return
	}
	s.mutex.Lock()
	delete(s.cache, absPath)
	s.mutex.Unlock()
}

// Len 当前缓存条目数
func (s *ScriptFileCache) Len() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.cache)
}

// 清理最少使用的条目，调用方持有写锁
func (s *ScriptFileCache) cleanupLRU(count int) {
	type keyAge struct {
		key  string
		time time.Time
	}

	entries := make([]keyAge, 0, len(s.cache))
	for k, v := range s.cache {
		entries = append(entries, keyAge{k, v.lastRead})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].time.Before(entries[j].time)
	})

	for i := 0; i < min(count, len(entries)); i++ {
		delete(s.cache, entries[i].key)
	}
}
