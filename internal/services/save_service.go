// internal/services/save_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/Corphon/GalNovelEngine/internal/errors"
	"github.com/Corphon/GalNovelEngine/internal/models"
	"github.com/Corphon/GalNovelEngine/internal/storage"
	"github.com/Corphon/GalNovelEngine/internal/utils"
)

const (
	SaveKeyPrefix     = "ai_novel_save_"
	SaveIndexKey      = "ai_novel_save_index"
	LastPlayedSaveKey = "ai_novel_save_last_played"
)

// SaveService 按剧本与槽位管理存档
type SaveService struct {
	store   storage.KVStore
	now     func() time.Time
	logger  *zap.Logger
	metrics *utils.EngineMetrics

	// 索引的读改写需要串行
	mu sync.Mutex
}

// NewSaveService 创建存档服务
func NewSaveService(store storage.KVStore, now func() time.Time, logger *zap.Logger, metrics *utils.EngineMetrics) *SaveService {
	if now == nil {
		now = time.Now
	}
	return &SaveService{
		store:   store,
		now:     now,
		logger:  utils.OrNop(logger).Named("saves"),
		metrics: metrics,
	}
}

func mustSlot(slot int) {
	if slot < 0 || slot >= models.SaveSlotCount {
		panic(fmt.Sprintf("invalid save slot index: %d", slot))
	}
}

func saveKey(scriptID string, slot int) string {
	return SaveKeyPrefix + models.SaveID(scriptID, slot)
}

// Save 写入槽位并更新索引与最近游玩指针；槽位越界直接 panic
func (s *SaveService) Save(ctx context.Context, scriptID string, slot int, snapshot models.SaveData) (*models.SaveData, error) {
	mustSlot(slot)

	s.mu.Lock()
	defer s.mu.Unlock()

	data := snapshot
	if snapshot.Scene != nil {
		scene := snapshot.Scene.Clone()
		data.Scene = &scene
	}
	data.Batch = snapshot.Batch.Clone()
	data.ID = models.SaveID(scriptID, slot)
	data.ScriptID = scriptID
	data.SlotIndex = slot
	data.Timestamp = s.now().UnixMilli()

	if err := storage.WriteJSON(ctx, s.store, saveKey(scriptID, slot), data); err != nil {
		return nil, apperrors.NewStorageError("写入存档失败", err)
	}

	index, err := s.readIndex(ctx)
	if err != nil {
		return nil, err
	}
	info, ok := index[scriptID]
	if !ok {
		info = models.NewScriptSaveInfo(scriptID)
		index[scriptID] = info
	}
	saved := data
	info.Slots[slot] = models.SaveSlot{SlotIndex: slot, SaveData: &saved}
	info.LastPlayedSlot = slot
	if err := s.writeIndex(ctx, index); err != nil {
		return nil, err
	}

	last := models.LastPlayed{ScriptID: scriptID, SlotIndex: slot, Timestamp: data.Timestamp}
	if err := storage.WriteJSON(ctx, s.store, LastPlayedSaveKey, last); err != nil {
		return nil, apperrors.NewStorageError("写入最近游玩记录失败", err)
	}

	s.metrics.SaveWritten()
	s.logger.Info("存档已保存",
		zap.String("script_id", scriptID),
		zap.Int("slot", slot),
		zap.Int("chapter", data.ChapterIndex),
		zap.Int("dialogue", data.DialogueIndex))
	return &data, nil
}

// QuickSave 写入最后游玩的槽位，没有则写入 0 号槽
func (s *SaveService) QuickSave(ctx context.Context, scriptID string, snapshot models.SaveData) (*models.SaveData, error) {
	info, err := s.ScriptSaves(ctx, scriptID)
	if err != nil {
		return nil, err
	}
	slot := info.LastPlayedSlot
	if slot < 0 || slot >= models.SaveSlotCount {
		slot = 0
	}
	return s.Save(ctx, scriptID, slot, snapshot)
}

// Load 读取槽位；不存在或损坏返回 false
func (s *SaveService) Load(ctx context.Context, scriptID string, slot int) (*models.SaveData, bool, error) {
	mustSlot(slot)

	var data models.SaveData
	err := storage.ReadJSON(ctx, s.store, saveKey(scriptID, slot), &data)
	switch {
	case err == nil:
		return &data, true, nil
	case errors.Is(err, storage.ErrCorrupt):
		s.logger.Warn("存档已损坏", zap.String("script_id", scriptID), zap.Int("slot", slot), zap.Error(err))
		return nil, false, nil
	case storage.IsAbsent(err):
		return nil, false, nil
	default:
		return nil, false, apperrors.NewStorageError("读取存档失败", err)
	}
}

// Delete 清空槽位，可重复调用
func (s *SaveService) Delete(ctx context.Context, scriptID string, slot int) error {
	mustSlot(slot)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.Remove(ctx, saveKey(scriptID, slot)); err != nil {
		return apperrors.NewStorageError("删除存档失败", err)
	}

	index, err := s.readIndex(ctx)
	if err != nil {
		return err
	}
	info, ok := index[scriptID]
	if !ok || info.Slots[slot].SaveData == nil {
		return nil
	}
	info.Slots[slot].SaveData = nil
	return s.writeIndex(ctx, index)
}

// ScriptSaves 剧本的全部槽位，未存档的剧本返回空槽
func (s *SaveService) ScriptSaves(ctx context.Context, scriptID string) (*models.ScriptSaveInfo, error) {
	index, err := s.readIndex(ctx)
	if err != nil {
		return nil, err
	}
	if info, ok := index[scriptID]; ok {
		return info, nil
	}
	return models.NewScriptSaveInfo(scriptID), nil
}

// Latest 所有存档中时间戳最大的一个
func (s *SaveService) Latest(ctx context.Context) (*models.SaveData, bool, error) {
	index, err := s.readIndex(ctx)
	if err != nil {
		return nil, false, err
	}

	var latest *models.SaveData
	for _, id := range sortedScriptIDs(index) {
		for _, slot := range index[id].Slots {
			if slot.SaveData == nil {
				continue
			}
			if latest == nil || slot.SaveData.Timestamp > latest.Timestamp {
				latest = slot.SaveData
			}
		}
	}
	return latest, latest != nil, nil
}

// HasAny 是否存在任何存档
func (s *SaveService) HasAny(ctx context.Context) (bool, error) {
	ids, err := s.SavedScripts(ctx)
	return len(ids) > 0, err
}

// SavedScripts 有存档的剧本ID
func (s *SaveService) SavedScripts(ctx context.Context) ([]string, error) {
	index, err := s.readIndex(ctx)
	if err != nil {
		return nil, err
	}
	out := []string{}
	for _, id := range sortedScriptIDs(index) {
		for _, slot := range index[id].Slots {
			if slot.SaveData != nil {
				out = append(out, id)
				break
			}
		}
	}
	return out, nil
}

// LastPlayed 最近一次保存的位置
func (s *SaveService) LastPlayed(ctx context.Context) (*models.LastPlayed, bool, error) {
	var last models.LastPlayed
	err := storage.ReadJSON(ctx, s.store, LastPlayedSaveKey, &last)
	switch {
	case err == nil:
		return &last, true, nil
	case storage.IsAbsent(err):
		return nil, false, nil
	default:
		return nil, false, apperrors.NewStorageError("读取最近游玩记录失败", err)
	}
}

func (s *SaveService) readIndex(ctx context.Context) (map[string]*models.ScriptSaveInfo, error) {
	index := map[string]*models.ScriptSaveInfo{}
	err := storage.ReadJSON(ctx, s.store, SaveIndexKey, &index)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrCorrupt):
		s.logger.Warn("存档索引已损坏，按空索引处理", zap.Error(err))
		return map[string]*models.ScriptSaveInfo{}, nil
	case storage.IsAbsent(err):
		return map[string]*models.ScriptSaveInfo{}, nil
	default:
		return nil, apperrors.NewStorageError("读取存档索引失败", err)
	}

	// 修复槽位数量不符的旧索引
	for id, info := range index {
		if info == nil {
			delete(index, id)
			continue
		}
		if len(info.Slots) != models.SaveSlotCount {
			fixed := models.NewScriptSaveInfo(id)
			for _, slot := range info.Slots {
				if slot.SlotIndex >= 0 && slot.SlotIndex < models.SaveSlotCount {
					fixed.Slots[slot.SlotIndex] = slot
				}
			}
			fixed.LastPlayedSlot = info.LastPlayedSlot
			index[id] = fixed
		}
	}
	return index, nil
}

func (s *SaveService) writeIndex(ctx context.Context, index map[string]*models.ScriptSaveInfo) error {
	if err := storage.WriteJSON(ctx, s.store, SaveIndexKey, index); err != nil {
		return apperrors.NewStorageError("写入存档索引失败", err)
	}
	return nil
}

func sortedScriptIDs(index map[string]*models.ScriptSaveInfo) []string {
	ids := make([]string, 0, len(index))
	for id := range index {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
