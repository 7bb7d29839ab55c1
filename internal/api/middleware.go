// internal/api/middleware.go
package api

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Corphon/GalNovelEngine/internal/utils"
)

const (
	requestIDKey    = "request_id"
	requestIDHeader = "X-Request-ID"
)

func requestID(c *gin.Context) string {
	return c.GetString(requestIDKey)
}

// RequestIDMiddleware 沿用客户端传入的请求ID，否则生成新的
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// LoggingMiddleware 记录请求日志与指标，跳过 /health 和 /metrics
func LoggingMiddleware(logger *zap.Logger, metrics *utils.EngineMetrics) gin.HandlerFunc {
	log := utils.OrNop(logger).Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		metrics.APIRequest(route, c.Request.Method, strconv.Itoa(status/100)+"xx")

		if route == "/health" || route == "/metrics" {
			return
		}
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.String("request_id", requestID(c)),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("error", c.Errors.Last().Error()))
		}
		switch {
		case status >= http.StatusInternalServerError:
			log.Error("请求失败", fields...)
		case status >= http.StatusBadRequest:
			log.Warn("请求被拒绝", fields...)
		default:
			log.Info("请求完成", fields...)
		}
	}
}

// corsMiddleware 实现跨域资源共享
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With, X-Request-ID")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// RateLimiter 固定窗口限流
type RateLimiter struct {
	limit    int
	window   time.Duration
	now      func() time.Time
	visitors map[string]*visitor
	mu       sync.Mutex
}

type visitor struct {
	remaining int
	reset     time.Time
}

// NewRateLimiter 每个 key 在 window 内最多 limit 次
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:    limit,
		window:   window,
		now:      time.Now,
		visitors: make(map[string]*visitor),
	}
}

// Allow 消耗一次额度
func (rl *RateLimiter) Allow(key string) (remaining int, reset time.Time, ok bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	v, exists := rl.visitors[key]
	if !exists || now.After(v.reset) {
		// 顺便清理过期条目
		for k, old := range rl.visitors {
			if now.After(old.reset) {
				delete(rl.visitors, k)
			}
		}
		v = &visitor{remaining: rl.limit, reset: now.Add(rl.window)}
		rl.visitors[key] = v
	}
	if v.remaining <= 0 {
		return 0, v.reset, false
	}
	v.remaining--
	return v.remaining, v.reset, true
}

// Middleware 按客户端IP限流，用于会触发生成请求的路由
func (rl *RateLimiter) Middleware(rh *ResponseHelper) gin.HandlerFunc {
	return func(c *gin.Context) {
		remaining, reset, ok := rl.Allow(c.ClientIP())
		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Header("X-RateLimit-Reset", fmt.Sprintf("%d", reset.Unix()))
		if !ok {
			rh.Error(c, http.StatusTooManyRequests, ErrorRateLimited, "请求过于频繁，请稍后再试")
			c.Abort()
			return
		}
		c.Next()
	}
}
