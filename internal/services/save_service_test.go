package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Corphon/GalNovelEngine/internal/models"
	"github.com/Corphon/GalNovelEngine/internal/storage"
)

func sampleSnapshot() models.SaveData {
	return models.SaveData{
		ScriptName:    "傲娇青梅",
		Mode:          models.ModeScript,
		ChapterIndex:  2,
		DialogueIndex: 7,
		Affection:     63,
		Turn:          4,
		CharacterName: "雯曦",
		Expression:    models.ExpressionBlush,
		Background:    models.BackgroundClassroom,
		Bgm:           models.BgmRomantic,
		PreviewText:   "笨蛋……谢谢你。",
	}
}

func TestSaveThenLoad(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	svc := NewSaveService(storage.NewMemoryStore(), clock.Now, nil, nil)

	before := clock.Now().UnixMilli()
	saved, err := svc.Save(ctx, "preset_tsundere", 1, sampleSnapshot())
	require.NoError(t, err)
	assert.Equal(t, "preset_tsundere_1", saved.ID)

	loaded, ok, err := svc.Load(ctx, "preset_tsundere", 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.GreaterOrEqual(t, loaded.Timestamp, before)

	want := sampleSnapshot()
	want.ID = "preset_tsundere_1"
	want.ScriptID = "preset_tsundere"
	want.SlotIndex = 1
	want.Timestamp = loaded.Timestamp
	assert.Equal(t, want, *loaded)

	_, ok, err = svc.Load(ctx, "preset_tsundere", 0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSaveSupersedesSlot(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	svc := NewSaveService(storage.NewMemoryStore(), clock.Now, nil, nil)

	_, err := svc.Save(ctx, "s", 0, sampleSnapshot())
	require.NoError(t, err)
	clock.Advance(time.Minute)

	next := sampleSnapshot()
	next.ChapterIndex = 3
	next.PreviewText = ""
	_, err = svc.Save(ctx, "s", 0, next)
	require.NoError(t, err)

	loaded, ok, err := svc.Load(ctx, "s", 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3, loaded.ChapterIndex)
	assert.Empty(t, loaded.PreviewText)
}

func TestSaveSlotOutOfRangePanics(t *testing.T) {
	svc := NewSaveService(storage.NewMemoryStore(), nil, nil, nil)
	assert.Panics(t, func() { _, _ = svc.Save(context.Background(), "s", 3, sampleSnapshot()) })
	assert.Panics(t, func() { _, _ = svc.Save(context.Background(), "s", -1, sampleSnapshot()) })
	assert.Panics(t, func() { _, _, _ = svc.Load(context.Background(), "s", 5) })
}

func TestLatestHasAnyAndDelete(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	svc := NewSaveService(storage.NewMemoryStore(), clock.Now, nil, nil)

	has, err := svc.HasAny(ctx)
	require.NoError(t, err)
	assert.False(t, has)
	_, ok, err := svc.Latest(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = svc.Save(ctx, "a", 2, sampleSnapshot())
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = svc.Save(ctx, "b", 0, sampleSnapshot())
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = svc.Save(ctx, "a", 1, sampleSnapshot())
	require.NoError(t, err)

	latest, ok, err := svc.Latest(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a_1", latest.ID)

	last, ok, err := svc.LastPlayed(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", last.ScriptID)
	assert.Equal(t, 1, last.SlotIndex)

	info, err := svc.ScriptSaves(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, info.LastPlayedSlot)
	assert.Nil(t, info.Slots[0].SaveData)
	assert.NotNil(t, info.Slots[2].SaveData)

	require.NoError(t, svc.Delete(ctx, "a", 1))
	require.NoError(t, svc.Delete(ctx, "a", 1))
	latest, _, err = svc.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b_0", latest.ID)

	require.NoError(t, svc.Delete(ctx, "a", 2))
	require.NoError(t, svc.Delete(ctx, "b", 0))
	has, err = svc.HasAny(ctx)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestQuickSaveUsesLastPlayedSlot(t *testing.T) {
	ctx := context.Background()
	svc := NewSaveService(storage.NewMemoryStore(), nil, nil, nil)

	saved, err := svc.QuickSave(ctx, "s", sampleSnapshot())
	require.NoError(t, err)
	assert.Equal(t, 0, saved.SlotIndex)

	_, err = svc.Save(ctx, "s", 2, sampleSnapshot())
	require.NoError(t, err)
	saved, err = svc.QuickSave(ctx, "s", sampleSnapshot())
	require.NoError(t, err)
	assert.Equal(t, 2, saved.SlotIndex)
}

func TestCorruptSaveIsAbsent(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	require.NoError(t, store.Set(ctx, SaveKeyPrefix+"s_0", "{oops"))
	require.NoError(t, store.Set(ctx, SaveIndexKey, "[]"))

	svc := NewSaveService(store, nil, nil, nil)
	_, ok, err := svc.Load(ctx, "s", 0)
	require.NoError(t, err)
	assert.False(t, ok)

	has, err := svc.HasAny(ctx)
	require.NoError(t, err)
	assert.False(t, has)

	_, err = svc.Save(ctx, "s", 0, sampleSnapshot())
	require.NoError(t, err)
	has, err = svc.HasAny(ctx)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestSaveKeepsSceneSnapshot(t *testing.T) {
	ctx := context.Background()
	svc := NewSaveService(storage.NewMemoryStore(), nil, nil, nil)

	scene := models.SceneData{Speaker: "雯曦", Dialogue: "哼。", Choices: []models.GameChoice{{Text: "x"}}}
	snap := sampleSnapshot()
	snap.Mode = models.ModeGenerated
	snap.Scene = &scene
	_, err := svc.Save(ctx, "s", 0, snap)
	require.NoError(t, err)

	scene.Choices[0].Text = "改"
	loaded, ok, err := svc.Load(ctx, "s", 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, loaded.Scene)
	assert.Equal(t, "x", loaded.Scene.Choices[0].Text)
}
