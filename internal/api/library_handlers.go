// internal/api/library_handlers.go
package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Corphon/GalNovelEngine/internal/models"
	"github.com/Corphon/GalNovelEngine/internal/services"
)

// CreateScriptRequest 新建剧本
type CreateScriptRequest struct {
	Name          string                 `json:"name" binding:"required"`
	Description   string                 `json:"description"`
	PlotFramework string                 `json:"plotFramework"`
	Character     models.CharacterConfig `json:"character"`
	Setting       string                 `json:"setting"`
}

// ===============================
// 剧本库
// ===============================

// ListScripts 预设剧本与用户剧本
func (h *Handler) ListScripts(c *gin.Context) {
	scripts, err := h.svc.Library.All(c.Request.Context())
	if err != nil {
		h.rh.FromError(c, err)
		return
	}
	h.rh.Success(c, scripts)
}

// ListScriptAssets 可用的剧本文件
func (h *Handler) ListScriptAssets(c *gin.Context) {
	ids, err := h.svc.Scripts.Available()
	if err != nil {
		h.rh.FromError(c, err)
		return
	}
	h.rh.Success(c, ids)
}

// GetScript 剧本详情
func (h *Handler) GetScript(c *gin.Context) {
	tpl, err := h.svc.Library.Get(c.Request.Context(), c.Param("scriptId"))
	if err != nil {
		h.rh.FromError(c, err)
		return
	}
	h.rh.Success(c, gin.H{
		"script":           tpl,
		"preset":           services.IsPresetScript(tpl.ID),
		"hasGeneratedPlot": h.svc.Library.HasGeneratedPlot(c.Request.Context(), tpl.ID),
		"cached":           h.svc.Cache.IsFullyCached(c.Request.Context(), tpl.ID),
	})
}

// CreateScript 新建用户剧本
func (h *Handler) CreateScript(c *gin.Context) {
	var req CreateScriptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.rh.BadRequest(c, "请求格式错误", err.Error())
		return
	}
	tpl, err := h.svc.Library.Create(c.Request.Context(), req.Name, req.Character, req.PlotFramework, req.Setting, req.Description)
	if err != nil {
		h.rh.FromError(c, err)
		return
	}
	h.rh.Created(c, tpl)
}

// UpdateScript 更新剧本；预设剧本只更新剧情框架
func (h *Handler) UpdateScript(c *gin.Context) {
	var tpl models.ScriptTemplate
	if err := c.ShouldBindJSON(&tpl); err != nil {
		h.rh.BadRequest(c, "请求格式错误", err.Error())
		return
	}
	tpl.ID = c.Param("scriptId")
	saved, err := h.svc.Library.Save(c.Request.Context(), tpl)
	if err != nil {
		h.rh.FromError(c, err)
		return
	}
	h.rh.Success(c, saved, "剧本已保存")
}

// DeleteScript 删除用户剧本
func (h *Handler) DeleteScript(c *gin.Context) {
	id := c.Param("scriptId")
	if services.IsPresetScript(id) {
		h.rh.Forbidden(c, ErrorScriptProtected, "预设剧本不能删除")
		return
	}
	removed, err := h.svc.Library.Delete(c.Request.Context(), id)
	if err != nil {
		h.rh.FromError(c, err)
		return
	}
	if !removed {
		h.rh.NotFound(c, "剧本")
		return
	}
	h.rh.Success(c, nil, "剧本已删除")
}

// GetPlot 剧情框架
func (h *Handler) GetPlot(c *gin.Context) {
	plot, err := h.svc.Library.Plot(c.Request.Context(), c.Param("scriptId"))
	if err != nil {
		h.rh.FromError(c, err)
		return
	}
	h.rh.Success(c, gin.H{"plotFramework": plot})
}

// GeneratePlot 调用生成后端写剧情框架
func (h *Handler) GeneratePlot(c *gin.Context) {
	plot, err := h.svc.Library.GeneratePlot(c.Request.Context(), c.Param("scriptId"))
	if err != nil {
		h.rh.FromError(c, err)
		return
	}
	h.rh.Success(c, gin.H{"plotFramework": plot}, "剧情框架已生成")
}

// ClearPlots 清除已生成的剧情框架
func (h *Handler) ClearPlots(c *gin.Context) {
	if err := h.svc.Library.ClearPlots(c.Request.Context()); err != nil {
		h.rh.FromError(c, err)
		return
	}
	h.rh.Success(c, nil, "剧情框架已清除")
}

// ===============================
// 存档
// ===============================

// ListSaves 有存档的剧本及其槽位
func (h *Handler) ListSaves(c *gin.Context) {
	ctx := c.Request.Context()
	ids, err := h.svc.Saves.SavedScripts(ctx)
	if err != nil {
		h.rh.FromError(c, err)
		return
	}
	out := make([]*models.ScriptSaveInfo, 0, len(ids))
	for _, id := range ids {
		info, err := h.svc.Saves.ScriptSaves(ctx, id)
		if err != nil {
			h.rh.FromError(c, err)
			return
		}
		out = append(out, info)
	}
	h.rh.Success(c, out)
}

// GetScriptSaves 某剧本的全部槽位
func (h *Handler) GetScriptSaves(c *gin.Context) {
	info, err := h.svc.Saves.ScriptSaves(c.Request.Context(), c.Param("scriptId"))
	if err != nil {
		h.rh.FromError(c, err)
		return
	}
	h.rh.Success(c, info)
}

// LatestSave 最新的存档和最近游玩位置
func (h *Handler) LatestSave(c *gin.Context) {
	ctx := c.Request.Context()
	latest, ok, err := h.svc.Saves.Latest(ctx)
	if err != nil {
		h.rh.FromError(c, err)
		return
	}
	if !ok {
		h.rh.NotFound(c, "存档")
		return
	}
	last, _, err := h.svc.Saves.LastPlayed(ctx)
	if err != nil {
		h.rh.FromError(c, err)
		return
	}
	h.rh.Success(c, gin.H{"save": latest, "lastPlayed": last})
}

// DeleteSave 清空存档槽
func (h *Handler) DeleteSave(c *gin.Context) {
	slot, err := strconv.Atoi(c.Param("slot"))
	if err != nil || !validSlot(slot) {
		h.rh.Error(c, http.StatusBadRequest, ErrorSlotInvalid, "存档槽超出范围")
		return
	}
	if err := h.svc.Saves.Delete(c.Request.Context(), c.Param("scriptId"), slot); err != nil {
		h.rh.FromError(c, err)
		return
	}
	h.rh.Success(c, nil, "存档已删除")
}

// ===============================
// 通关记录
// ===============================

// ListRecords 全部记录，可按剧本过滤
func (h *Handler) ListRecords(c *gin.Context) {
	var (
		records []models.GameRecord
		err     error
	)
	if scriptID := c.Query("scriptId"); scriptID != "" {
		records, err = h.svc.Records.ByScript(c.Request.Context(), scriptID)
	} else {
		records, err = h.svc.Records.All(c.Request.Context())
	}
	if err != nil {
		h.rh.FromError(c, err)
		return
	}
	h.rh.Success(c, records)
}

// RecordStats 通关统计
func (h *Handler) RecordStats(c *gin.Context) {
	stats, err := h.svc.Records.Stats(c.Request.Context())
	if err != nil {
		h.rh.FromError(c, err)
		return
	}
	h.rh.Success(c, stats)
}

// BestEnding 某剧本的最佳结局
func (h *Handler) BestEnding(c *gin.Context) {
	best, ok, err := h.svc.Records.BestEnding(c.Request.Context(), c.Param("scriptId"))
	if err != nil {
		h.rh.FromError(c, err)
		return
	}
	if !ok {
		h.rh.NotFound(c, "记录")
		return
	}
	h.rh.Success(c, gin.H{"record": best, "description": models.EndingDescription(best.EndingType)})
}

// DeleteRecord 删除一条记录
func (h *Handler) DeleteRecord(c *gin.Context) {
	if err := h.svc.Records.Delete(c.Request.Context(), c.Param("recordId")); err != nil {
		h.rh.FromError(c, err)
		return
	}
	h.rh.Success(c, nil, "记录已删除")
}

// ClearRecords 清除全部记录
func (h *Handler) ClearRecords(c *gin.Context) {
	if err := h.svc.Records.Clear(c.Request.Context()); err != nil {
		h.rh.FromError(c, err)
		return
	}
	h.rh.Success(c, nil, "记录已清除")
}

// ===============================
// 缓存与预加载
// ===============================

// CacheStats 缓存统计
func (h *Handler) CacheStats(c *gin.Context) {
	h.rh.Success(c, h.svc.Cache.Stats())
}

// ClearCache 清除全部缓存
func (h *Handler) ClearCache(c *gin.Context) {
	if err := h.svc.Cache.InvalidateAll(c.Request.Context()); err != nil {
		h.rh.FromError(c, err)
		return
	}
	h.rh.Success(c, h.svc.Cache.Stats(), "缓存已清除")
}

// ClearScriptCache 清除某剧本的缓存
func (h *Handler) ClearScriptCache(c *gin.Context) {
	if err := h.svc.Cache.InvalidateScript(c.Request.Context(), c.Param("scriptId")); err != nil {
		h.rh.FromError(c, err)
		return
	}
	h.rh.Success(c, h.svc.Cache.Stats(), "剧本缓存已清除")
}

// StartPreload 后台预加载剧本前两幕；已有任务时返回 409
func (h *Handler) StartPreload(c *gin.Context) {
	tpl, err := h.svc.Library.Get(c.Request.Context(), c.Param("scriptId"))
	if err != nil {
		h.rh.FromError(c, err)
		return
	}
	taskID, ok := h.svc.Preload.PreloadAsync(h.svc.BaseContext, *tpl)
	if !ok {
		h.rh.Conflict(c, ErrorPreloadRunning, "已有预加载任务在运行")
		return
	}
	h.logger.Info("预加载已开始", zap.String("script_id", tpl.ID), zap.String("task_id", taskID))
	h.rh.Accepted(c, gin.H{"taskId": taskID, "scriptId": tpl.ID}, "预加载已开始，请订阅进度更新")
}

// ListProgress 全部预加载任务
func (h *Handler) ListProgress(c *gin.Context) {
	h.rh.Success(c, h.svc.Preload.Progress().List())
}

// GetProgress 预加载任务进度
func (h *Handler) GetProgress(c *gin.Context) {
	tracker, ok := h.svc.Preload.Progress().GetTracker(c.Param("taskId"))
	if !ok {
		h.rh.NotFound(c, "任务")
		return
	}
	h.rh.Success(c, tracker.Snapshot())
}

// UsageStats 生成用量统计
func (h *Handler) UsageStats(c *gin.Context) {
	h.rh.Success(c, h.svc.Stats.GetUsageStats(c.Request.Context()))
}

// ResetUsageStats 清空用量统计
func (h *Handler) ResetUsageStats(c *gin.Context) {
	if err := h.svc.Stats.ResetStats(c.Request.Context()); err != nil {
		h.rh.FromError(c, err)
		return
	}
	h.rh.Success(c, nil, "用量统计已清空")
}
