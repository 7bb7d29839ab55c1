// internal/services/preload_service.go
package services

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Corphon/GalNovelEngine/internal/models"
	"github.com/Corphon/GalNovelEngine/internal/utils"
)

// PreloadStatus 预加载结果
type PreloadStatus string

const (
	PreloadCompleted      PreloadStatus = "completed"
	PreloadAlreadyRunning PreloadStatus = "already_running"
	PreloadAlreadyCached  PreloadStatus = "already_cached"
	PreloadFailed         PreloadStatus = "failed"
	PreloadCancelled      PreloadStatus = "cancelled"
)

// PreloadResult 一次预加载的统计
type PreloadResult struct {
	Status          PreloadStatus `json:"status"`
	TaskID          string        `json:"taskId,omitempty"`
	ScriptID        string        `json:"scriptId"`
	ActFromCache    bool          `json:"actFromCache"`
	BranchesTotal   int           `json:"branchesTotal"`
	BranchesCached  int           `json:"branchesCached"`
	BranchesSkipped int           `json:"branchesSkipped"`
	BranchesFailed  int           `json:"branchesFailed"`
}

// ProgressFunc 进度回调，progress 单调不减
type ProgressFunc func(message string, progress int)

// PreloadOptions 预加载参数
type PreloadOptions struct {
	BranchDelay       time.Duration
	WarmupBranchDelay time.Duration
	WarmupDelay       time.Duration
	WarmupScriptID    string

	Progress *ProgressService
	Logger   *zap.Logger
	Metrics  *utils.EngineMetrics

	// Sleep 可替换的等待函数，ctx 取消时提前返回
	Sleep func(ctx context.Context, d time.Duration) error
}

// PreloadService 预先生成一个剧本的第一幕及其全部分支，全局同时只运行一个任务
type PreloadService struct {
	cache     *BranchCacheService
	generator NarrativeGenerator
	opts      PreloadOptions
	logger    *zap.Logger
	metrics   *utils.EngineMetrics

	running atomic.Bool
	wg      sync.WaitGroup
}

// NewPreloadService 创建预加载服务
func NewPreloadService(cache *BranchCacheService, generator NarrativeGenerator, opts PreloadOptions) *PreloadService {
	if opts.BranchDelay <= 0 {
		opts.BranchDelay = 800 * time.Millisecond
	}
	if opts.WarmupBranchDelay <= 0 {
		opts.WarmupBranchDelay = time.Second
	}
	if opts.WarmupDelay <= 0 {
		opts.WarmupDelay = 10 * time.Second
	}
	if opts.WarmupScriptID == "" {
		opts.WarmupScriptID = PresetScriptIDs[0]
	}
	if opts.Progress == nil {
		opts.Progress = NewProgressService()
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	return &PreloadService{
		cache:     cache,
		generator: generator,
		opts:      opts,
		logger:    utils.OrNop(opts.Logger).Named("preload"),
		metrics:   opts.Metrics,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning 是否有任务在运行
func (s *PreloadService) IsRunning() bool {
	return s.running.Load()
}

// Progress 进度服务
func (s *PreloadService) Progress() *ProgressService {
	return s.opts.Progress
}

// Preload 生成并缓存剧本的前两幕；已有任务运行时立即返回 already_running
func (s *PreloadService) Preload(ctx context.Context, tpl models.ScriptTemplate, onProgress ProgressFunc) (PreloadResult, error) {
	return s.run(ctx, tpl, s.opts.BranchDelay, uuid.NewString(), onProgress)
}

// PreloadAsync 后台运行预加载，返回任务ID供进度查询
func (s *PreloadService) PreloadAsync(ctx context.Context, tpl models.ScriptTemplate) (string, bool) {
	if !s.running.CompareAndSwap(false, true) {
		s.metrics.PreloadOutcome(string(PreloadAlreadyRunning))
		return "", false
	}
	taskID := uuid.NewString()
	s.opts.Progress.CreateTracker(taskID, tpl.ID)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Store(false)
		_, _ = s.execute(ctx, tpl, s.opts.BranchDelay, taskID, nil)
	}()
	return taskID, true
}

// Wait 等待后台任务结束
func (s *PreloadService) Wait() {
	s.wg.Wait()
}

func (s *PreloadService) run(ctx context.Context, tpl models.ScriptTemplate, delay time.Duration, taskID string, onProgress ProgressFunc) (PreloadResult, error) {
	// 标志必须在第一次等待之前设置
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Info("预加载已在进行中", zap.String("script_id", tpl.ID))
		s.metrics.PreloadOutcome(string(PreloadAlreadyRunning))
		return PreloadResult{Status: PreloadAlreadyRunning, ScriptID: tpl.ID}, nil
	}
	defer s.running.Store(false)
	return s.execute(ctx, tpl, delay, taskID, onProgress)
}

func (s *PreloadService) execute(ctx context.Context, tpl models.ScriptTemplate, delay time.Duration, taskID string, onProgress ProgressFunc) (result PreloadResult, err error) {
	result = PreloadResult{TaskID: taskID, ScriptID: tpl.ID}
	tracker := s.opts.Progress.CreateTracker(taskID, tpl.ID)
	log := s.logger.With(zap.String("script_id", tpl.ID), zap.String("task_id", taskID))

	report := func(message string, progress int) {
		tracker.UpdateProgress(progress, message)
		if onProgress != nil {
			onProgress(message, tracker.Snapshot().Progress)
		}
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error("预加载异常", zap.Any("panic", r))
			result.Status = PreloadFailed
			err = fmt.Errorf("预加载异常: %v", r)
		}
		switch result.Status {
		case PreloadCompleted, PreloadAlreadyCached:
			tracker.Complete("预加载完成！")
		default:
			msg := string(result.Status)
			if err != nil {
				msg = err.Error()
			}
			tracker.Fail(msg)
		}
		s.metrics.PreloadOutcome(string(result.Status))
	}()

	log.Info("开始预加载")
	report("正在生成第一幕对话...", 10)

	act, hit := s.cache.Get(ctx, tpl.ID)
	if hit {
		result.ActFromCache = true
	} else {
		act, err = s.generator.GenerateInitialBatch(ctx, NewGenerationContext(tpl, models.AffectionInitial, 0))
		if err != nil {
			log.Error("第一幕生成失败", zap.Error(err))
			result.Status = PreloadFailed
			return result, err
		}
		// 分支键取清理后的选项文本，与缓存读出的第一幕一致
		act = utils.CleanBatch(act)
		if perr := s.cache.Put(ctx, tpl.ID, act); perr != nil {
			log.Warn("第一幕写入缓存失败", zap.Error(perr))
		}
	}
	report("第一幕完成", 40)

	if !act.HasChoices() {
		log.Warn("第一幕没有选择项")
		report("预加载完成（无分支）", 100)
		result.Status = PreloadCompleted
		return result, nil
	}

	total := len(act.Choices)
	result.BranchesTotal = total
	gc := NewGenerationContext(tpl, models.ApplyAffection(models.AffectionInitial, act.AffectionChange), 1)
	gc.PreviousNarrative = act.Narrative

	for i, choice := range act.Choices {
		report(fmt.Sprintf("正在预加载分支 %d/%d...", i+1, total), 40+i*55/total)

		if s.cache.HasBranch(ctx, tpl.ID, choice.Text) {
			result.BranchesSkipped++
			s.metrics.PreloadBranch("skipped")
			continue
		}

		branch, gerr := s.generator.GenerateBranch(ctx, gc, choice.Text, choice.Sentiment)
		switch {
		case gerr != nil:
			// 单个分支失败不影响其余分支
			result.BranchesFailed++
			s.metrics.PreloadBranch("failed")
			log.Warn("分支预加载失败", zap.Int("branch", i+1), zap.String("choice", choice.Text), zap.Error(gerr))
		default:
			if perr := s.cache.PutBranch(ctx, tpl.ID, choice.Text, branch); perr != nil {
				result.BranchesFailed++
				s.metrics.PreloadBranch("failed")
				log.Warn("分支写入缓存失败", zap.Int("branch", i+1), zap.Error(perr))
			} else {
				result.BranchesCached++
				s.metrics.PreloadBranch("cached")
				log.Debug("分支缓存成功", zap.Int("branch", i+1), zap.Int("nodes", len(branch.DialogueSequence)))
			}
		}

		if i < total-1 {
			if serr := s.opts.Sleep(ctx, delay); serr != nil {
				result.Status = PreloadCancelled
				return result, serr
			}
		}
	}

	report("预加载完成！", 100)
	result.Status = PreloadCompleted
	log.Info("预加载完成",
		zap.Int("cached", result.BranchesCached),
		zap.Int("skipped", result.BranchesSkipped),
		zap.Int("failed", result.BranchesFailed))
	return result, nil
}

// TemplateLookup 按ID查找剧本库条目
type TemplateLookup func(ctx context.Context, scriptID string) (models.ScriptTemplate, bool)

// StartWarmup 延迟后预热首个预设剧本，返回的函数可取消尚未开始或正在进行的预热
func (s *PreloadService) StartWarmup(ctx context.Context, lookup TemplateLookup) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	log := s.logger.With(zap.String("script_id", s.opts.WarmupScriptID))
	log.Info("将在延迟后开始后台预加载", zap.Duration("delay", s.opts.WarmupDelay))

	s.wg.Add(1)
	timer := time.AfterFunc(s.opts.WarmupDelay, func() {
		defer s.wg.Done()
		if ctx.Err() != nil {
			return
		}
		tpl, ok := lookup(ctx, s.opts.WarmupScriptID)
		if !ok {
			log.Info("未找到预热剧本")
			return
		}
		if s.cache.IsFullyCached(ctx, tpl.ID) {
			log.Info("预热剧本前两幕已完全缓存")
			return
		}
		res, err := s.run(ctx, tpl, s.opts.WarmupBranchDelay, uuid.NewString(), nil)
		if err != nil {
			log.Warn("后台预加载失败", zap.String("status", string(res.Status)), zap.Error(err))
		}
	})

	return func() {
		cancel()
		if timer.Stop() {
			s.wg.Done()
		}
	}
}
