// internal/services/record_service.go
package services

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/Corphon/GalNovelEngine/internal/errors"
	"github.com/Corphon/GalNovelEngine/internal/models"
	"github.com/Corphon/GalNovelEngine/internal/storage"
	"github.com/Corphon/GalNovelEngine/internal/utils"
)

// GameRecordsKey 通关记录持久化键
const GameRecordsKey = "gala_game_records"

// GameRecordService 通关记录，只追加
type GameRecordService struct {
	store   storage.KVStore
	now     func() time.Time
	logger  *zap.Logger
	metrics *utils.EngineMetrics
	mu      sync.Mutex
}

// NewGameRecordService 创建通关记录服务
func NewGameRecordService(store storage.KVStore, now func() time.Time, logger *zap.Logger, metrics *utils.EngineMetrics) *GameRecordService {
	if now == nil {
		now = time.Now
	}
	return &GameRecordService{
		store:   store,
		now:     now,
		logger:  utils.OrNop(logger).Named("records"),
		metrics: metrics,
	}
}

// Save 追加一条记录，ID 与完成时间由服务生成
func (s *GameRecordService) Save(ctx context.Context, record models.GameRecord) (*models.GameRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.readAll(ctx)
	if err != nil {
		return nil, err
	}

	record.ID = "record_" + uuid.NewString()
	record.CompletedAt = s.now().UnixMilli()
	record.FinalAffection = models.ClampAffection(record.FinalAffection)
	if record.EndingType == "" {
		record.EndingType = models.DetermineEndingType(record.FinalAffection)
	}

	records = append(records, record)
	if err := s.writeAll(ctx, records); err != nil {
		return nil, err
	}

	s.metrics.RecordWritten(string(record.EndingType))
	s.logger.Info("通关记录已保存",
		zap.String("script_id", record.ScriptID),
		zap.String("ending", string(record.EndingType)),
		zap.Int("affection", record.FinalAffection))
	return &record, nil
}

// All 全部记录，按写入顺序
func (s *GameRecordService) All(ctx context.Context) ([]models.GameRecord, error) {
	return s.readAll(ctx)
}

// ByScript 指定剧本的记录
func (s *GameRecordService) ByScript(ctx context.Context, scriptID string) ([]models.GameRecord, error) {
	records, err := s.readAll(ctx)
	if err != nil {
		return nil, err
	}
	out := []models.GameRecord{}
	for _, r := range records {
		if r.ScriptID == scriptID {
			out = append(out, r)
		}
	}
	return out, nil
}

// HasCompleted 剧本是否通关过
func (s *GameRecordService) HasCompleted(ctx context.Context, scriptID string) (bool, error) {
	records, err := s.ByScript(ctx, scriptID)
	return len(records) > 0, err
}

// BestEnding 结局等级优先，其次好感度
func (s *GameRecordService) BestEnding(ctx context.Context, scriptID string) (*models.GameRecord, bool, error) {
	records, err := s.ByScript(ctx, scriptID)
	if err != nil || len(records) == 0 {
		return nil, false, err
	}
	sort.SliceStable(records, func(i, j int) bool {
		ri, rj := records[i].EndingType.Rank(), records[j].EndingType.Rank()
		if ri != rj {
			return ri > rj
		}
		return records[i].FinalAffection > records[j].FinalAffection
	})
	best := records[0]
	return &best, true, nil
}

// Delete 删除一条记录，不存在也视为成功
func (s *GameRecordService) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.readAll(ctx)
	if err != nil {
		return err
	}
	kept := records[:0]
	for _, r := range records {
		if r.ID != id {
			kept = append(kept, r)
		}
	}
	return s.writeAll(ctx, kept)
}

// Clear 清除全部记录
func (s *GameRecordService) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.Remove(ctx, GameRecordsKey); err != nil {
		return apperrors.NewStorageError("清除通关记录失败", err)
	}
	return nil
}

// Stats 通关统计
func (s *GameRecordService) Stats(ctx context.Context) (models.RecordStats, error) {
	records, err := s.readAll(ctx)
	if err != nil {
		return models.RecordStats{}, err
	}
	stats := models.RecordStats{TotalCompletions: len(records)}
	scripts := map[string]struct{}{}
	for _, r := range records {
		switch r.EndingType {
		case models.EndingGood:
			stats.GoodEndings++
		case models.EndingNormal:
			stats.NormalEndings++
		case models.EndingBad:
			stats.BadEndings++
		}
		scripts[r.ScriptID] = struct{}{}
	}
	stats.UniqueScripts = len(scripts)
	return stats, nil
}

func (s *GameRecordService) readAll(ctx context.Context) ([]models.GameRecord, error) {
	var records []models.GameRecord
	err := storage.ReadJSON(ctx, s.store, GameRecordsKey, &records)
	switch {
	case err == nil:
		if records == nil {
			records = []models.GameRecord{}
		}
		return records, nil
	case errors.Is(err, storage.ErrCorrupt):
		s.logger.Warn("通关记录已损坏，按空处理", zap.Error(err))
		return []models.GameRecord{}, nil
	case storage.IsAbsent(err):
		return []models.GameRecord{}, nil
	default:
		return nil, apperrors.NewStorageError("读取通关记录失败", err)
	}
}

func (s *GameRecordService) writeAll(ctx context.Context, records []models.GameRecord) error {
	if err := storage.WriteJSON(ctx, s.store, GameRecordsKey, records); err != nil {
		return apperrors.NewStorageError("写入通关记录失败", err)
	}
	return nil
}
