// internal/services/branch_cache_service.go
package services

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/Corphon/GalNovelEngine/internal/errors"
	"github.com/Corphon/GalNovelEngine/internal/models"
	"github.com/Corphon/GalNovelEngine/internal/storage"
	"github.com/Corphon/GalNovelEngine/internal/utils"
)

// 持久化键
const (
	BatchCacheKey  = "ai_novel_batch_cache"
	BranchCacheKey = "ai_novel_branch_cache"
)

const (
	cacheKindAct    = "act"
	cacheKindBranch = "branch"
)

// PresetScriptIDs 内置剧本
var PresetScriptIDs = []string{"preset_tsundere", "preset_princess", "preset_courtesan"}

// BranchCacheOptions 缓存参数
type BranchCacheOptions struct {
	TTL     time.Duration
	Now     func() time.Time
	Logger  *zap.Logger
	Metrics *utils.EngineMetrics
}

// BranchCacheService 第一幕与分支的持久化缓存
type BranchCacheService struct {
	store   storage.KVStore
	ttl     time.Duration
	now     func() time.Time
	logger  *zap.Logger
	metrics *utils.EngineMetrics

	mu       sync.RWMutex
	batches  map[string]models.CachedBatchData
	branches map[models.BranchKey]models.CachedBranchData
}

// NewBranchCacheService 创建缓存并从存储载入；损坏的数据按空缓存处理
func NewBranchCacheService(ctx context.Context, store storage.KVStore, opts BranchCacheOptions) (*BranchCacheService, error) {
	if opts.TTL <= 0 {
		opts.TTL = models.CacheTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	c := &BranchCacheService{
		store:    store,
		ttl:      opts.TTL,
		now:      opts.Now,
		logger:   utils.OrNop(opts.Logger).Named("branch_cache"),
		metrics:  opts.Metrics,
		batches:  make(map[string]models.CachedBatchData),
		branches: make(map[models.BranchKey]models.CachedBranchData),
	}
	if err := c.load(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *BranchCacheService) load(ctx context.Context) error {
	now := c.now()

	var batches []models.CachedBatchData
	if err := storage.ReadJSON(ctx, c.store, BatchCacheKey, &batches); err != nil {
		if !storage.IsAbsent(err) {
			return apperrors.NewStorageError("读取对话缓存失败", err)
		}
		if errors.Is(err, storage.ErrCorrupt) {
			c.logger.Warn("对话缓存已损坏，按空缓存处理", zap.Error(err))
		}
	}
	for _, entry := range batches {
		if entry.IsValid(now, c.ttl) {
			c.batches[entry.ScriptID] = entry
		}
	}

	var branches []models.CachedBranchData
	if err := storage.ReadJSON(ctx, c.store, BranchCacheKey, &branches); err != nil {
		if !storage.IsAbsent(err) {
			return apperrors.NewStorageError("读取分支缓存失败", err)
		}
		if errors.Is(err, storage.ErrCorrupt) {
			c.logger.Warn("分支缓存已损坏，按空缓存处理", zap.Error(err))
		}
	}
	for _, entry := range branches {
		if entry.IsValid(now, c.ttl) {
			c.branches[entry.Key()] = entry
		}
	}

	c.logger.Info("缓存已载入",
		zap.Int("acts", len(c.batches)),
		zap.Int("branches", len(c.branches)))
	return nil
}

// Get 返回有效的第一幕缓存
func (c *BranchCacheService) Get(_ context.Context, scriptID string) (*models.BatchSceneData, bool) {
	c.mu.RLock()
	entry, ok := c.batches[scriptID]
	c.mu.RUnlock()

	if !ok || !entry.IsValid(c.now(), c.ttl) {
		c.metrics.CacheMiss(cacheKindAct)
		return nil, false
	}
	c.metrics.CacheHit(cacheKindAct)
	return utils.CleanBatch(&entry.BatchData), true
}

// GetBranch 返回有效的分支缓存
func (c *BranchCacheService) GetBranch(_ context.Context, scriptID, choiceText string) (*models.BatchSceneData, bool) {
	c.mu.RLock()
	entry, ok := c.branches[models.BranchKey{ScriptID: scriptID, ChoiceText: choiceText}]
	c.mu.RUnlock()

	if !ok || !entry.IsValid(c.now(), c.ttl) {
		c.metrics.CacheMiss(cacheKindBranch)
		return nil, false
	}
	c.metrics.CacheHit(cacheKindBranch)
	return utils.CleanBatch(&entry.BranchData), true
}

// Has 第一幕是否有效缓存
func (c *BranchCacheService) Has(_ context.Context, scriptID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.batches[scriptID]
	return ok && entry.IsValid(c.now(), c.ttl)
}

// HasBranch 分支是否有效缓存
func (c *BranchCacheService) HasBranch(_ context.Context, scriptID, choiceText string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.branches[models.BranchKey{ScriptID: scriptID, ChoiceText: choiceText}]
	return ok && entry.IsValid(c.now(), c.ttl)
}

// IsFullyCached 第一幕及其所有分支均已缓存
func (c *BranchCacheService) IsFullyCached(ctx context.Context, scriptID string) bool {
	act, ok := c.Get(ctx, scriptID)
	if !ok {
		return false
	}
	for _, choice := range act.Choices {
		if !c.HasBranch(ctx, scriptID, choice.Text) {
			return false
		}
	}
	return true
}

// Put 写入第一幕，覆盖旧值并立即落盘
func (c *BranchCacheService) Put(ctx context.Context, scriptID string, data *models.BatchSceneData) error {
	if data == nil {
		return apperrors.NewValidationError("缓存数据为空", nil)
	}
	entry := models.CachedBatchData{
		ScriptID:    scriptID,
		BatchData:   *utils.CleanBatch(data),
		GeneratedAt: c.now().UnixMilli(),
		Version:     models.CacheVersion,
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches[scriptID] = entry
	if err := c.persistBatchesLocked(ctx); err != nil {
		return err
	}
	c.metrics.CacheWrite(cacheKindAct)
	return nil
}

// PutBranch 写入分支，覆盖旧值并立即落盘
func (c *BranchCacheService) PutBranch(ctx context.Context, scriptID, choiceText string, data *models.BatchSceneData) error {
	if data == nil {
		return apperrors.NewValidationError("缓存数据为空", nil)
	}
	entry := models.CachedBranchData{
		ScriptID:    scriptID,
		ChoiceText:  choiceText,
		BranchData:  *utils.CleanBatch(data),
		GeneratedAt: c.now().UnixMilli(),
		Version:     models.CacheVersion,
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.branches[models.BranchKey{ScriptID: scriptID, ChoiceText: choiceText}] = entry
	if err := c.persistBranchesLocked(ctx); err != nil {
		return err
	}
	c.metrics.CacheWrite(cacheKindBranch)
	return nil
}

// InvalidateAll 清空全部缓存
func (c *BranchCacheService) InvalidateAll(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.batches = make(map[string]models.CachedBatchData)
	c.branches = make(map[models.BranchKey]models.CachedBranchData)

	if err := c.store.Remove(ctx, BatchCacheKey); err != nil {
		return apperrors.NewStorageError("清除对话缓存失败", err)
	}
	if err := c.store.Remove(ctx, BranchCacheKey); err != nil {
		return apperrors.NewStorageError("清除分支缓存失败", err)
	}
	c.metrics.CacheInvalidated()
	c.logger.Info("所有缓存已清空")
	return nil
}

// InvalidateScript 清除单个剧本的第一幕与分支
func (c *BranchCacheService) InvalidateScript(ctx context.Context, scriptID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.batches, scriptID)
	for key, entry := range c.branches {
		if entry.ScriptID == scriptID {
			delete(c.branches, key)
		}
	}
	if err := c.persistBatchesLocked(ctx); err != nil {
		return err
	}
	if err := c.persistBranchesLocked(ctx); err != nil {
		return err
	}
	c.metrics.CacheInvalidated()
	c.logger.Info("剧本缓存已清除", zap.String("script_id", scriptID))
	return nil
}

// Stats 缓存统计
func (c *BranchCacheService) Stats() models.CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.now()
	stats := models.CacheStats{Total: len(PresetScriptIDs), ScriptIDs: []string{}}
	for id, entry := range c.batches {
		if !entry.IsValid(now, c.ttl) {
			continue
		}
		stats.Cached++
		stats.ScriptIDs = append(stats.ScriptIDs, id)
	}
	for _, id := range PresetScriptIDs {
		if entry, ok := c.batches[id]; ok && entry.IsValid(now, c.ttl) {
			stats.PresetCached++
		}
	}
	for _, entry := range c.branches {
		if entry.IsValid(now, c.ttl) {
			stats.Branches++
		}
	}
	sort.Strings(stats.ScriptIDs)
	return stats
}

func (c *BranchCacheService) persistBatchesLocked(ctx context.Context) error {
	list := make([]models.CachedBatchData, 0, len(c.batches))
	for _, entry := range c.batches {
		list = append(list, entry)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ScriptID < list[j].ScriptID })
	if err := storage.WriteJSON(ctx, c.store, BatchCacheKey, list); err != nil {
		c.logger.Error("写入对话缓存失败", zap.Error(err))
		return apperrors.NewStorageError("写入对话缓存失败", err)
	}
	return nil
}

func (c *BranchCacheService) persistBranchesLocked(ctx context.Context) error {
	list := make([]models.CachedBranchData, 0, len(c.branches))
	for _, entry := range c.branches {
		list = append(list, entry)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].Key().Less(list[j].Key())
	})
	if err := storage.WriteJSON(ctx, c.store, BranchCacheKey, list); err != nil {
		c.logger.Error("写入分支缓存失败", zap.Error(err))
		return apperrors.NewStorageError("写入分支缓存失败", err)
	}
	return nil
}
