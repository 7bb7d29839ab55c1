// internal/models/cache.go
package models

import "time"

const (
	// CacheVersion 缓存结构版本，变更即失效
	CacheVersion = "1.0.1"
	// CacheTTL 缓存有效期
	CacheTTL = 7 * 24 * time.Hour
)

// CachedBatchData 缓存的第一幕
type CachedBatchData struct {
	ScriptID    string         `json:"scriptId"`
	BatchData   BatchSceneData `json:"batchData"`
	GeneratedAt int64          `json:"generatedAt"`
	Version     string         `json:"version"`
}

// IsValid 版本一致且未过期
func (c CachedBatchData) IsValid(now time.Time, ttl time.Duration) bool {
	return entryValid(c.Version, c.GeneratedAt, now, ttl)
}

// CachedBranchData 缓存的分支
type CachedBranchData struct {
	ScriptID    string         `json:"scriptId"`
	ChoiceText  string         `json:"choiceText"`
	BranchData  BatchSceneData `json:"branchData"`
	GeneratedAt int64          `json:"generatedAt"`
	Version     string         `json:"version"`
}

// IsValid 版本一致且未过期
func (c CachedBranchData) IsValid(now time.Time, ttl time.Duration) bool {
	return entryValid(c.Version, c.GeneratedAt, now, ttl)
}

func entryValid(version string, generatedAt int64, now time.Time, ttl time.Duration) bool {
	if version != CacheVersion {
		return false
	}
	age := now.Sub(time.UnixMilli(generatedAt))
	return age < ttl
}

// BranchKey 分支缓存键；剧本ID与选项文本分开保存，不做拼接
type BranchKey struct {
	ScriptID   string
	ChoiceText string
}

// Key 条目对应的分支缓存键
func (c CachedBranchData) Key() BranchKey {
	return BranchKey{ScriptID: c.ScriptID, ChoiceText: c.ChoiceText}
}

// Less 按剧本ID、选项文本排序
func (k BranchKey) Less(o BranchKey) bool {
	if k.ScriptID != o.ScriptID {
		return k.ScriptID < o.ScriptID
	}
	return k.ChoiceText < o.ChoiceText
}

// CacheStats 缓存统计
type CacheStats struct {
	Total        int      `json:"total"`
	Cached       int      `json:"cached"`
	PresetCached int      `json:"presetCached"`
	Branches     int      `json:"branches"`
	ScriptIDs    []string `json:"scriptIds"`
}
