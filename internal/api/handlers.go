// internal/api/handlers.go
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/Corphon/GalNovelEngine/internal/errors"
	"github.com/Corphon/GalNovelEngine/internal/models"
	"github.com/Corphon/GalNovelEngine/internal/services"
	"github.com/Corphon/GalNovelEngine/internal/utils"
)

// Services API 层依赖的服务
type Services struct {
	Sessions *services.SessionManager
	Library  *services.ScriptLibraryService
	Scripts  *services.ScriptLoader
	Saves    *services.SaveService
	Records  *services.GameRecordService
	Cache    *services.BranchCacheService
	Preload  *services.PreloadService
	Stats    *services.StatsService
	Metrics  *utils.EngineMetrics
	Logger   *zap.Logger

	// BaseContext 后台任务使用的上下文，随进程关闭而取消
	BaseContext context.Context
}

// Handler 处理API请求
type Handler struct {
	svc    Services
	rh     *ResponseHelper
	hub    *WebSocketHub
	logger *zap.Logger
}

// NewHandler 创建API处理器
func NewHandler(svc Services) *Handler {
	if svc.BaseContext == nil {
		svc.BaseContext = context.Background()
	}
	logger := utils.OrNop(svc.Logger).Named("api")
	return &Handler{
		svc:    svc,
		rh:     NewResponseHelper(),
		hub:    NewWebSocketHub(logger),
		logger: logger,
	}
}

// Hub websocket 连接管理
func (h *Handler) Hub() *WebSocketHub { return h.hub }

// StartSessionRequest 开始游戏
type StartSessionRequest struct {
	Mode     models.PlaybackMode `json:"mode"`
	ScriptID string              `json:"scriptId"`
}

type choiceRequest struct {
	Index *int `json:"index" binding:"required"`
}

type slotRequest struct {
	Slot *int `json:"slot" binding:"required"`
}

type loadRequest struct {
	ScriptID string `json:"scriptId" binding:"required"`
	Slot     *int   `json:"slot" binding:"required"`
}

type jumpRequest struct {
	Index *int `json:"index" binding:"required"`
}

type typingRequest struct {
	Typing bool `json:"typing"`
}

type voiceRequest struct {
	Enabled *bool `json:"enabled"`
	Playing *bool `json:"playing"`
}

// Health 健康检查
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"sessions":  h.svc.Sessions.Len(),
		"preload":   h.svc.Preload.IsRunning(),
		"websocket": h.hub.Count(),
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// ListSessions 全部会话ID
func (h *Handler) ListSessions(c *gin.Context) {
	h.rh.Success(c, h.svc.Sessions.List())
}

// CreateSession 新建会话；请求体带 scriptId 时直接开始
func (h *Handler) CreateSession(c *gin.Context) {
	var req StartSessionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.rh.BadRequest(c, "请求格式错误", err.Error())
			return
		}
	}

	session := h.svc.Sessions.Create()
	if req.ScriptID == "" {
		h.rh.Created(c, session.State())
		return
	}

	state, err := h.start(c.Request.Context(), session, req)
	if err != nil {
		h.rh.FromError(c, err, state)
		return
	}
	h.rh.Created(c, state, "游戏已开始")
}

// StartSession 在已有会话上开始游戏
func (h *Handler) StartSession(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	var req StartSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ScriptID == "" {
		h.rh.BadRequest(c, "缺少剧本ID")
		return
	}
	state, err := h.start(c.Request.Context(), session, req)
	h.respondState(c, state, err)
}

func (h *Handler) start(ctx context.Context, session *services.NarrativeSession, req StartSessionRequest) (services.SessionState, error) {
	switch req.Mode {
	case models.ModeScript:
		return session.StartScript(ctx, req.ScriptID)
	case models.ModeGenerated, "":
		tpl, err := h.svc.Library.Get(ctx, req.ScriptID)
		if err != nil {
			return session.State(), err
		}
		return session.StartGenerated(ctx, *tpl)
	default:
		return session.State(), errInvalidMode(req.Mode)
	}
}

// GetSession 会话快照
func (h *Handler) GetSession(c *gin.Context) {
	if session, ok := h.session(c); ok {
		h.rh.Success(c, session.State())
	}
}

// DeleteSession 关闭会话
func (h *Handler) DeleteSession(c *gin.Context) {
	if !h.svc.Sessions.Close(c.Param("id")) {
		h.rh.NotFound(c, "会话")
		return
	}
	h.rh.Success(c, nil, "会话已关闭")
}

// Advance 前进一句
func (h *Handler) Advance(c *gin.Context) {
	if session, ok := h.session(c); ok {
		state, err := session.Advance(c.Request.Context())
		h.respondState(c, state, err)
	}
}

// SelectChoice 选择选项
func (h *Handler) SelectChoice(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	var req choiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.rh.BadRequest(c, "缺少选项序号", err.Error())
		return
	}
	state, err := session.SelectChoice(c.Request.Context(), *req.Index)
	h.respondState(c, state, err)
}

// Pause 暂停
func (h *Handler) Pause(c *gin.Context) {
	if session, ok := h.session(c); ok {
		h.rh.Success(c, session.Pause())
	}
}

// Resume 继续
func (h *Handler) Resume(c *gin.Context) {
	if session, ok := h.session(c); ok {
		h.rh.Success(c, session.Resume())
	}
}

// SaveSession 写入指定存档槽
func (h *Handler) SaveSession(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	var req slotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.rh.BadRequest(c, "缺少存档槽", err.Error())
		return
	}
	if !validSlot(*req.Slot) {
		h.rh.Error(c, http.StatusBadRequest, ErrorSlotInvalid, "存档槽超出范围")
		return
	}
	data, err := session.Save(c.Request.Context(), *req.Slot)
	if err != nil {
		h.rh.FromError(c, err)
		return
	}
	h.rh.Success(c, data, "存档成功")
}

// QuickSave 快速存档
func (h *Handler) QuickSave(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	data, err := session.QuickSave(c.Request.Context())
	if err != nil {
		h.rh.FromError(c, err)
		return
	}
	h.rh.Success(c, data, "快速存档成功")
}

// LoadSession 读取存档并恢复
func (h *Handler) LoadSession(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	var req loadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.rh.BadRequest(c, "缺少剧本ID或存档槽", err.Error())
		return
	}
	if !validSlot(*req.Slot) {
		h.rh.Error(c, http.StatusBadRequest, ErrorSlotInvalid, "存档槽超出范围")
		return
	}
	state, err := session.Load(c.Request.Context(), req.ScriptID, *req.Slot)
	h.respondState(c, state, err)
}

// JumpToHistory 回跳到历史记录
func (h *Handler) JumpToHistory(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	var req jumpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.rh.BadRequest(c, "缺少历史序号", err.Error())
		return
	}
	state, err := session.JumpToHistory(*req.Index)
	h.respondState(c, state, err)
}

// History 对话历史
func (h *Handler) History(c *gin.Context) {
	if session, ok := h.session(c); ok {
		h.rh.Success(c, session.History())
	}
}

// ToggleAutoPlay 切换自动播放
func (h *Handler) ToggleAutoPlay(c *gin.Context) {
	if session, ok := h.session(c); ok {
		h.rh.Success(c, session.ToggleAutoPlay())
	}
}

// SetTyping 展示层报告打字机状态
func (h *Handler) SetTyping(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	var req typingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.rh.BadRequest(c, "请求格式错误", err.Error())
		return
	}
	h.rh.Success(c, session.SetTyping(req.Typing))
}

// SetVoice 开关语音或报告语音播放状态
func (h *Handler) SetVoice(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	var req voiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.rh.BadRequest(c, "请求格式错误", err.Error())
		return
	}
	state := session.State()
	if req.Enabled != nil {
		state = session.SetVoiceEnabled(*req.Enabled)
	}
	if req.Playing != nil {
		state = session.SetVoicePlaying(*req.Playing)
	}
	h.rh.Success(c, state)
}

// ReturnToTitle 回到标题
func (h *Handler) ReturnToTitle(c *gin.Context) {
	if session, ok := h.session(c); ok {
		h.rh.Success(c, session.ReturnToTitle())
	}
}

// Retry 重试上一次失败的生成
func (h *Handler) Retry(c *gin.Context) {
	if session, ok := h.session(c); ok {
		state, err := session.Retry(c.Request.Context())
		h.respondState(c, state, err)
	}
}

func (h *Handler) session(c *gin.Context) (*services.NarrativeSession, bool) {
	session, ok := h.svc.Sessions.Get(c.Param("id"))
	if !ok {
		h.rh.NotFound(c, "会话")
		return nil, false
	}
	return session, true
}

func (h *Handler) respondState(c *gin.Context, state services.SessionState, err error) {
	if err != nil {
		h.rh.FromError(c, err, state)
		return
	}
	h.rh.Success(c, state)
}

func validSlot(slot int) bool {
	return slot >= 0 && slot < models.SaveSlotCount
}

func errInvalidMode(mode models.PlaybackMode) error {
	return apperrors.NewValidationError(fmt.Sprintf("未知的播放模式: %s", mode), nil)
}
