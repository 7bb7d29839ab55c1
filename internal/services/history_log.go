// internal/services/history_log.go
package services

import (
	"fmt"
	"sync"

	apperrors "github.com/Corphon/GalNovelEngine/internal/errors"
	"github.com/Corphon/GalNovelEngine/internal/models"
)

// HistoryLog 已显示场景的追加日志
type HistoryLog struct {
	mu      sync.RWMutex
	entries []models.SceneData
}

// NewHistoryLog 创建空日志
func NewHistoryLog() *HistoryLog {
	return &HistoryLog{}
}

// Append 追加场景副本
func (h *HistoryLog) Append(scene models.SceneData) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, scene.Clone())
}

// Entries 全部场景的副本
func (h *HistoryLog) Entries() []models.SceneData {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]models.SceneData, len(h.entries))
	for i, e := range h.entries {
		out[i] = e.Clone()
	}
	return out
}

func (h *HistoryLog) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}

// At 按下标读取
func (h *HistoryLog) At(i int) (models.SceneData, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if i < 0 || i >= len(h.entries) {
		return models.SceneData{}, false
	}
	return h.entries[i].Clone(), true
}

// Last 最近一条
func (h *HistoryLog) Last() (models.SceneData, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.entries) == 0 {
		return models.SceneData{}, false
	}
	return h.entries[len(h.entries)-1].Clone(), true
}

// ResolveJump 校验回跳目标并返回其章节与台词坐标，不修改日志
func (h *HistoryLog) ResolveJump(index int, mode models.PlaybackMode) (chapter, dialogue int, err error) {
	if mode != models.ModeScript {
		return 0, 0, apperrors.NewRollbackRejectedError("生成模式不支持回跳")
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if index < 0 || index >= len(h.entries) {
		return 0, 0, apperrors.NewRollbackRejectedError(fmt.Sprintf("回跳下标越界: %d", index))
	}
	if index == len(h.entries)-1 {
		return 0, 0, apperrors.NewRollbackRejectedError("不能回跳到当前位置")
	}
	target := h.entries[index]
	if !target.HasHistoryCoordinates() {
		return 0, 0, apperrors.NewRollbackRejectedError("目标场景没有回跳坐标")
	}
	return *target.HistoryChapterIndex, *target.HistoryDialogueIndex, nil
}

// TruncateTo 保留前 n 条
func (h *HistoryLog) TruncateTo(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n < 0 {
		n = 0
	}
	if n < len(h.entries) {
		h.entries = h.entries[:n]
	}
}

// Reset 清空
func (h *HistoryLog) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = nil
}
