// internal/services/stats_service.go
package services

import (
	"context"
	"errors"
	"maps"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/Corphon/GalNovelEngine/internal/errors"
	"github.com/Corphon/GalNovelEngine/internal/storage"
	"github.com/Corphon/GalNovelEngine/internal/utils"
)

// UsageStatsKey 生成用量统计的存储键
const UsageStatsKey = "ai_novel_usage_stats"

// UsageStats 生成后端的用量统计
type UsageStats struct {
	TodayRequests int            `json:"todayRequests"`
	MonthlyTokens int            `json:"monthlyTokens"`
	DailyRequests map[string]int `json:"dailyRequests"`
	MonthlyUsage  map[string]int `json:"monthlyTokensByMonth"`
	ByKind        map[string]int `json:"requestsByKind"`
	LastUpdated   int64          `json:"lastUpdated"`
}

func newUsageStats() *UsageStats {
	return &UsageStats{
		DailyRequests: make(map[string]int),
		MonthlyUsage:  make(map[string]int),
		ByKind:        make(map[string]int),
	}
}

func (u *UsageStats) clone() *UsageStats {
	out := *u
	out.DailyRequests = maps.Clone(u.DailyRequests)
	out.MonthlyUsage = maps.Clone(u.MonthlyUsage)
	out.ByKind = maps.Clone(u.ByKind)
	return &out
}

// StatsService 累计生成请求数与 token 用量；写入先进内存，Flush 时落盘
type StatsService struct {
	store  storage.KVStore
	now    func() time.Time
	logger *zap.Logger

	mu      sync.Mutex
	stats   *UsageStats
	loaded  bool
	isDirty bool
}

// NewStatsService 创建统计服务
func NewStatsService(store storage.KVStore, now func() time.Time, logger *zap.Logger) *StatsService {
	if now == nil {
		now = time.Now
	}
	return &StatsService{
		store:  store,
		now:    now,
		logger: utils.OrNop(logger).Named("stats"),
		stats:  newUsageStats(),
	}
}

// loadLocked 首次使用时读取已保存的统计，损坏或缺失时从零开始
func (s *StatsService) loadLocked(ctx context.Context) {
	if s.loaded {
		return
	}
	s.loaded = true

	saved := newUsageStats()
	err := storage.ReadJSON(ctx, s.store, UsageStatsKey, saved)
	switch {
	case err == nil:
		if saved.DailyRequests == nil {
			saved.DailyRequests = make(map[string]int)
		}
		if saved.MonthlyUsage == nil {
			saved.MonthlyUsage = make(map[string]int)
		}
		if saved.ByKind == nil {
			saved.ByKind = make(map[string]int)
		}
		// 内存中已有的计数叠加到已保存的数据上
		for k, v := range s.stats.DailyRequests {
			saved.DailyRequests[k] += v
		}
		for k, v := range s.stats.MonthlyUsage {
			saved.MonthlyUsage[k] += v
		}
		for k, v := range s.stats.ByKind {
			saved.ByKind[k] += v
		}
		s.stats = saved
	case storage.IsAbsent(err):
		if errors.Is(err, storage.ErrCorrupt) {
			s.logger.Warn("用量统计已损坏，重新开始计数", zap.Error(err))
		}
	default:
		s.logger.Warn("读取用量统计失败", zap.Error(err))
		s.loaded = false
	}
}

// refreshLocked 按当前日期重算今日与本月汇总
func (s *StatsService) refreshLocked() {
	now := s.now()
	s.stats.TodayRequests = s.stats.DailyRequests[now.Format("2006-01-02")]
	s.stats.MonthlyTokens = s.stats.MonthlyUsage[now.Format("2006-01")]
}

// RecordUsage 记录一次成功的生成请求
func (s *StatsService) RecordUsage(kind string, tokens int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.stats.DailyRequests[now.Format("2006-01-02")]++
	s.stats.MonthlyUsage[now.Format("2006-01")] += tokens
	s.stats.ByKind[kind]++
	s.stats.LastUpdated = now.UnixMilli()
	s.isDirty = true
}

// GetUsageStats 返回统计副本
func (s *StatsService) GetUsageStats(ctx context.Context) *UsageStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked(ctx)
	s.refreshLocked()
	return s.stats.clone()
}

// Flush 有未保存的数据时写入存储
func (s *StatsService) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isDirty {
		return nil
	}
	s.loadLocked(ctx)
	s.refreshLocked()
	if err := storage.WriteJSON(ctx, s.store, UsageStatsKey, s.stats); err != nil {
		return apperrors.NewStorageError("保存用量统计失败", err)
	}
	s.isDirty = false
	return nil
}

// ResetStats 清空统计
func (s *StatsService) ResetStats(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.Remove(ctx, UsageStatsKey); err != nil {
		return apperrors.NewStorageError("清空用量统计失败", err)
	}
	s.stats = newUsageStats()
	s.loaded = true
	s.isDirty = false
	return nil
}
