// internal/api/router.go
package api

import (
	"time"

	"github.com/gin-gonic/gin"
)

// RouterOptions 路由配置
type RouterOptions struct {
	DebugMode bool
	// GenerationRateLimit 会触发生成请求的路由每分钟每IP的上限，0 表示不限
	GenerationRateLimit int
}

// SetupRouter 配置HTTP路由
func SetupRouter(h *Handler, opts RouterOptions) *gin.Engine {
	if opts.DebugMode {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggingMiddleware(h.svc.Logger, h.svc.Metrics))
	r.Use(corsMiddleware())

	generation := func(c *gin.Context) { c.Next() }
	if opts.GenerationRateLimit > 0 {
		generation = NewRateLimiter(opts.GenerationRateLimit, time.Minute).Middleware(h.rh)
	}

	r.GET("/health", h.Health)
	if h.svc.Metrics != nil {
		r.GET("/metrics", gin.WrapH(h.svc.Metrics.Handler()))
	}

	// WebSocket 支持
	r.GET("/ws/sessions/:id", h.SessionWebSocket)
	r.GET("/ws/progress/:taskId", h.ProgressWebSocket)

	api := r.Group("/api")
	{
		// ===============================
		// 会话
		// ===============================
		sessions := api.Group("/sessions")
		{
			sessions.GET("", h.ListSessions)
			sessions.POST("", generation, h.CreateSession)
			sessions.GET("/:id", h.GetSession)
			sessions.DELETE("/:id", h.DeleteSession)
			sessions.GET("/:id/history", h.History)

			sessions.POST("/:id/start", generation, h.StartSession)
			sessions.POST("/:id/advance", h.Advance)
			sessions.POST("/:id/choice", generation, h.SelectChoice)
			sessions.POST("/:id/retry", generation, h.Retry)
			sessions.POST("/:id/pause", h.Pause)
			sessions.POST("/:id/resume", h.Resume)
			sessions.POST("/:id/save", h.SaveSession)
			sessions.POST("/:id/quicksave", h.QuickSave)
			sessions.POST("/:id/load", h.LoadSession)
			sessions.POST("/:id/jump", h.JumpToHistory)
			sessions.POST("/:id/autoplay", h.ToggleAutoPlay)
			sessions.POST("/:id/typing", h.SetTyping)
			sessions.POST("/:id/voice", h.SetVoice)
			sessions.POST("/:id/title", h.ReturnToTitle)
		}

		// ===============================
		// 剧本库
		// ===============================
		scripts := api.Group("/scripts")
		{
			scripts.GET("", h.ListScripts)
			scripts.POST("", h.CreateScript)
			scripts.GET("/assets", h.ListScriptAssets)
			scripts.DELETE("/plots", h.ClearPlots)
			scripts.GET("/:scriptId", h.GetScript)
			scripts.PUT("/:scriptId", h.UpdateScript)
			scripts.DELETE("/:scriptId", h.DeleteScript)
			scripts.GET("/:scriptId/plot", h.GetPlot)
			scripts.POST("/:scriptId/plot", generation, h.GeneratePlot)
		}

		// ===============================
		// 存档
		// ===============================
		saves := api.Group("/saves")
		{
			saves.GET("", h.ListSaves)
			saves.GET("/latest", h.LatestSave)
			saves.GET("/:scriptId", h.GetScriptSaves)
			saves.DELETE("/:scriptId/:slot", h.DeleteSave)
		}

		// ===============================
		// 通关记录
		// ===============================
		records := api.Group("/records")
		{
			records.GET("", h.ListRecords)
			records.DELETE("", h.ClearRecords)
			records.GET("/stats", h.RecordStats)
			records.GET("/best/:scriptId", h.BestEnding)
			records.DELETE("/:recordId", h.DeleteRecord)
		}

		// ===============================
		// 缓存与预加载
		// ===============================
		cache := api.Group("/cache")
		{
			cache.GET("", h.CacheStats)
			cache.DELETE("", h.ClearCache)
			cache.DELETE("/:scriptId", h.ClearScriptCache)
		}
		api.POST("/preload/:scriptId", h.StartPreload)
		api.GET("/progress", h.ListProgress)
		api.GET("/progress/:taskId", h.GetProgress)

		if h.svc.Stats != nil {
			api.GET("/stats/usage", h.UsageStats)
			api.DELETE("/stats/usage", h.ResetUsageStats)
		}

		api.GET("/ws/status", h.WebSocketStatus)
	}

	return r
}
