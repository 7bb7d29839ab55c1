// internal/utils/metrics.go
package utils

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "galnovel"

// EngineMetrics 叙事引擎指标
// 每个实例使用独立的 registry，测试中可重复创建
type EngineMetrics struct {
	registry *prometheus.Registry

	CacheLookups       *prometheus.CounterVec
	CacheWrites        *prometheus.CounterVec
	CacheInvalidations prometheus.Counter
	GenerationRequests *prometheus.CounterVec
	GenerationFailures *prometheus.CounterVec
	GenerationLatency  *prometheus.HistogramVec
	PreloadJobs        *prometheus.CounterVec
	PreloadBranches    *prometheus.CounterVec
	StaleResponses     prometheus.Counter
	SavesWritten       prometheus.Counter
	RecordsWritten     *prometheus.CounterVec
	ActiveSessions     prometheus.Gauge
	HistoryJumps       *prometheus.CounterVec
	APIRequests        *prometheus.CounterVec
}

// NewEngineMetrics 创建并注册全部指标
func NewEngineMetrics() *EngineMetrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	m := &EngineMetrics{
		registry: registry,
		CacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "cache_lookups_total",
			Help:      "Branch cache lookups partitioned by kind (act|branch) and result (hit|miss).",
		}, []string{"kind", "result"}),
		CacheWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "cache_writes_total",
			Help:      "Branch cache writes partitioned by kind.",
		}, []string{"kind"}),
		CacheInvalidations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "cache_invalidations_total",
			Help:      "Number of cache invalidations.",
		}),
		GenerationRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "generation_requests_total",
			Help:      "Generation backend requests partitioned by kind (act|branch|plot).",
		}, []string{"kind"}),
		GenerationFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "generation_failures_total",
			Help:      "Failed generation backend requests partitioned by kind.",
		}, []string{"kind"}),
		GenerationLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "generation_duration_seconds",
			Help:      "Latency of generation backend requests.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 60},
		}, []string{"kind"}),
		PreloadJobs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "preload_jobs_total",
			Help:      "Preload jobs partitioned by outcome (completed|failed|already_running).",
		}, []string{"outcome"}),
		PreloadBranches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "preload_branches_total",
			Help:      "Branches handled by preload jobs partitioned by result (generated|cached|failed).",
		}, []string{"result"}),
		StaleResponses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "stale_responses_total",
			Help:      "Generation responses discarded because the session moved on.",
		}),
		SavesWritten: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "saves_written_total",
			Help:      "Save slots written.",
		}),
		RecordsWritten: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "game_records_total",
			Help:      "Completed playthroughs partitioned by ending type.",
		}, []string{"ending"}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_sessions",
			Help:      "Narrative sessions currently held in memory.",
		}),
		HistoryJumps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "history_jumps_total",
			Help:      "History jump requests partitioned by result (accepted|rejected).",
		}, []string{"result"}),
		APIRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "api_requests_total",
			Help:      "HTTP requests partitioned by route, method and status class.",
		}, []string{"route", "method", "status"}),
	}

	registry.MustRegister(collectors.NewGoCollector())
	return m
}

// Registry 返回底层 registry
func (m *EngineMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler /metrics 处理器
func (m *EngineMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// CacheHit 记录命中
func (m *EngineMetrics) CacheHit(kind string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(kind, "hit").Inc()
}

// CacheMiss 记录未命中
func (m *EngineMetrics) CacheMiss(kind string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(kind, "miss").Inc()
}

// CacheWrite 记录写入
func (m *EngineMetrics) CacheWrite(kind string) {
	if m == nil {
		return
	}
	m.CacheWrites.WithLabelValues(kind).Inc()
}

// CacheInvalidated 记录清空
func (m *EngineMetrics) CacheInvalidated() {
	if m == nil {
		return
	}
	m.CacheInvalidations.Inc()
}

// GenerationStarted 记录生成请求
func (m *EngineMetrics) GenerationStarted(kind string) {
	if m == nil {
		return
	}
	m.GenerationRequests.WithLabelValues(kind).Inc()
}

// GenerationFinished 记录生成耗时与失败
func (m *EngineMetrics) GenerationFinished(kind string, seconds float64, err error) {
	if m == nil {
		return
	}
	m.GenerationLatency.WithLabelValues(kind).Observe(seconds)
	if err != nil {
		m.GenerationFailures.WithLabelValues(kind).Inc()
	}
}

// PreloadOutcome 记录预加载结果
func (m *EngineMetrics) PreloadOutcome(outcome string) {
	if m == nil {
		return
	}
	m.PreloadJobs.WithLabelValues(outcome).Inc()
}

// PreloadBranch 记录单个分支结果
func (m *EngineMetrics) PreloadBranch(result string) {
	if m == nil {
		return
	}
	m.PreloadBranches.WithLabelValues(result).Inc()
}

// StaleResponse 记录被丢弃的过期响应
func (m *EngineMetrics) StaleResponse() {
	if m == nil {
		return
	}
	m.StaleResponses.Inc()
}

// SaveWritten 记录存档
func (m *EngineMetrics) SaveWritten() {
	if m == nil {
		return
	}
	m.SavesWritten.Inc()
}

// RecordWritten 记录通关
func (m *EngineMetrics) RecordWritten(ending string) {
	if m == nil {
		return
	}
	m.RecordsWritten.WithLabelValues(ending).Inc()
}

// HistoryJump 记录回跳请求
func (m *EngineMetrics) HistoryJump(accepted bool) {
	if m == nil {
		return
	}
	result := "rejected"
	if accepted {
		result = "accepted"
	}
	m.HistoryJumps.WithLabelValues(result).Inc()
}

// SessionOpened 会话数 +1
func (m *EngineMetrics) SessionOpened() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
}

// SessionClosed 会话数 -1
func (m *EngineMetrics) SessionClosed() {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
}

// APIRequest 记录 HTTP 请求
func (m *EngineMetrics) APIRequest(route, method, status string) {
	if m == nil {
		return
	}
	m.APIRequests.WithLabelValues(route, method, status).Inc()
}
