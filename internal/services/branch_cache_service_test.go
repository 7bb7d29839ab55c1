package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Corphon/GalNovelEngine/internal/models"
	"github.com/Corphon/GalNovelEngine/internal/storage"
	"github.com/Corphon/GalNovelEngine/internal/utils"
)

func newTestCache(t *testing.T, store storage.KVStore, clock *fakeClock) *BranchCacheService {
	t.Helper()
	c, err := NewBranchCacheService(context.Background(), store, BranchCacheOptions{
		Now:     clock.Now,
		Metrics: utils.NewEngineMetrics(),
	})
	require.NoError(t, err)
	return c
}

func TestBranchCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	c := newTestCache(t, store, newFakeClock())

	_, ok := c.GetBranch(ctx, "preset_tsundere", "递上便当")
	assert.False(t, ok)

	branch := sampleBatch("分支", 3, nil)
	require.NoError(t, c.PutBranch(ctx, "preset_tsundere", "递上便当", branch))

	first, ok := c.GetBranch(ctx, "preset_tsundere", "递上便当")
	require.True(t, ok)
	second, ok := c.GetBranch(ctx, "preset_tsundere", "递上便当")
	require.True(t, ok)

	a, _ := json.Marshal(first)
	b, _ := json.Marshal(second)
	assert.Equal(t, string(a), string(b))
	assert.Equal(t, branch.DialogueSequence, first.DialogueSequence)

	// 写穿：新实例从存储读到同一条目
	reloaded := newTestCache(t, store, newFakeClock())
	assert.True(t, reloaded.HasBranch(ctx, "preset_tsundere", "递上便当"))
}

func TestBranchCacheOverwriteWins(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, storage.NewMemoryStore(), newFakeClock())

	require.NoError(t, c.Put(ctx, "s1", sampleBatch("旧", 1, nil)))
	require.NoError(t, c.Put(ctx, "s1", sampleBatch("新", 2, nil)))

	got, ok := c.Get(ctx, "s1")
	require.True(t, ok)
	assert.Len(t, got.DialogueSequence, 2)
	assert.Equal(t, "新的旁白", got.Narrative)
}

func TestBranchCacheExpiry(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := storage.NewMemoryStore()
	c := newTestCache(t, store, clock)

	require.NoError(t, c.Put(ctx, "s1", sampleBatch("幕", 1, nil)))
	require.NoError(t, c.PutBranch(ctx, "s1", "x", sampleBatch("支", 1, nil)))

	clock.Advance(models.CacheTTL - time.Minute)
	assert.True(t, c.Has(ctx, "s1"))

	clock.Advance(2 * time.Minute)
	_, ok := c.Get(ctx, "s1")
	assert.False(t, ok)
	_, ok = c.GetBranch(ctx, "s1", "x")
	assert.False(t, ok)
	assert.False(t, c.HasBranch(ctx, "s1", "x"))

	// 过期条目在重新载入时被丢弃
	reloaded := newTestCache(t, store, clock)
	assert.Equal(t, 0, reloaded.Stats().Cached)
}

func TestBranchCacheVersionMismatchIsAbsent(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := storage.NewMemoryStore()

	stale := []models.CachedBatchData{{
		ScriptID:    "s1",
		BatchData:   *sampleBatch("旧版本", 1, nil),
		GeneratedAt: clock.Now().UnixMilli(),
		Version:     "0.9.0",
	}}
	require.NoError(t, storage.WriteJSON(ctx, store, BatchCacheKey, stale))

	c := newTestCache(t, store, clock)
	_, ok := c.Get(ctx, "s1")
	assert.False(t, ok)
}

func TestBranchCacheCorruptStorageIsEmpty(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	require.NoError(t, store.Set(ctx, BatchCacheKey, "{not json"))
	require.NoError(t, store.Set(ctx, BranchCacheKey, "[1,2,"))

	c := newTestCache(t, store, newFakeClock())
	assert.False(t, c.Has(ctx, "s1"))
	assert.Equal(t, 0, c.Stats().Branches)

	require.NoError(t, c.Put(ctx, "s1", sampleBatch("幕", 1, nil)))
	assert.True(t, c.Has(ctx, "s1"))
}

func TestBranchCacheSanitizesOnRead(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := storage.NewMemoryStore()

	dirty := sampleBatch("幕", 1, nil)
	dirty.DialogueSequence[0].Dialogue = "我我我真的的很生气"
	entries := []models.CachedBranchData{{
		ScriptID:    "s1",
		ChoiceText:  "x",
		BranchData:  *dirty,
		GeneratedAt: clock.Now().UnixMilli(),
		Version:     models.CacheVersion,
	}}
	require.NoError(t, storage.WriteJSON(ctx, store, BranchCacheKey, entries))

	c := newTestCache(t, store, clock)
	got, ok := c.GetBranch(ctx, "s1", "x")
	require.True(t, ok)
	assert.Equal(t, "我真的很生气", got.DialogueSequence[0].Dialogue)
}

func TestBranchCacheSeparatesScriptAndChoice(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	c := newTestCache(t, store, newFakeClock())

	// 拼接后同为 a_b_z 的两个分支互不覆盖
	require.NoError(t, c.PutBranch(ctx, "a_b", "z", sampleBatch("甲", 1, nil)))
	require.NoError(t, c.PutBranch(ctx, "a", "b_z", sampleBatch("乙", 1, nil)))

	reloaded := newTestCache(t, store, newFakeClock())
	first, ok := reloaded.GetBranch(ctx, "a_b", "z")
	require.True(t, ok)
	second, ok := reloaded.GetBranch(ctx, "a", "b_z")
	require.True(t, ok)
	assert.Equal(t, "甲的旁白", first.Narrative)
	assert.Equal(t, "乙的旁白", second.Narrative)

	require.NoError(t, reloaded.InvalidateScript(ctx, "a"))
	assert.True(t, reloaded.HasBranch(ctx, "a_b", "z"))
	assert.False(t, reloaded.HasBranch(ctx, "a", "b_z"))
}

func TestBranchCacheFullyCachedAndInvalidate(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	c := newTestCache(t, store, newFakeClock())

	choices := []models.GameChoice{{Text: "x"}, {Text: "y"}}
	require.NoError(t, c.Put(ctx, "preset_tsundere", sampleBatch("幕", 2, choices)))
	assert.False(t, c.IsFullyCached(ctx, "preset_tsundere"))

	require.NoError(t, c.PutBranch(ctx, "preset_tsundere", "x", sampleBatch("x", 1, nil)))
	assert.False(t, c.IsFullyCached(ctx, "preset_tsundere"))
	require.NoError(t, c.PutBranch(ctx, "preset_tsundere", "y", sampleBatch("y", 1, nil)))
	assert.True(t, c.IsFullyCached(ctx, "preset_tsundere"))

	require.NoError(t, c.Put(ctx, "other", sampleBatch("幕", 1, nil)))
	stats := c.Stats()
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.Cached)
	assert.Equal(t, 1, stats.PresetCached)
	assert.Equal(t, 2, stats.Branches)
	assert.Equal(t, []string{"other", "preset_tsundere"}, stats.ScriptIDs)

	require.NoError(t, c.InvalidateScript(ctx, "preset_tsundere"))
	assert.False(t, c.HasBranch(ctx, "preset_tsundere", "x"))
	assert.True(t, c.Has(ctx, "other"))

	require.NoError(t, c.InvalidateAll(ctx))
	assert.False(t, c.Has(ctx, "other"))
	_, present, err := store.Get(ctx, BatchCacheKey)
	require.NoError(t, err)
	assert.False(t, present)
}

func TestBranchCacheEmptyChoicesIsFullyCached(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, storage.NewMemoryStore(), newFakeClock())
	require.NoError(t, c.Put(ctx, "s1", sampleBatch("幕", 1, nil)))
	assert.True(t, c.IsFullyCached(ctx, "s1"))
}
