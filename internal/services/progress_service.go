// internal/services/progress_service.go
package services

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// 任务状态
const (
	TaskRunning   = "running"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
)

// ProgressUpdate 进度推送
type ProgressUpdate struct {
	TaskID   string `json:"taskId"`
	ScriptID string `json:"scriptId,omitempty"`
	Progress int    `json:"progress"` // 0-100，单调不减
	Message  string `json:"message"`
	Status   string `json:"status"`
}

// ProgressTracker 一次预加载任务的进度
type ProgressTracker struct {
	taskID     string
	scriptID   string
	progress   int
	message    string
	status     string
	startTime  time.Time
	updateTime time.Time

	subscribers map[chan ProgressUpdate]struct{}
	done        chan struct{}
	finishOnce  sync.Once
	mu          sync.Mutex
}

// ProgressService 管理所有进度跟踪器
type ProgressService struct {
	trackers map[string]*ProgressTracker
	mu       sync.RWMutex
}

// NewProgressService 创建进度服务
func NewProgressService() *ProgressService {
	return &ProgressService{trackers: make(map[string]*ProgressTracker)}
}

// CreateTracker 创建跟踪器；同ID已存在时直接返回
func (s *ProgressService) CreateTracker(taskID, scriptID string) *ProgressTracker {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tracker, ok := s.trackers[taskID]; ok {
		return tracker
	}

	now := time.Now()
	tracker := &ProgressTracker{
		taskID:      taskID,
		scriptID:    scriptID,
		message:     "任务初始化中...",
		status:      TaskRunning,
		startTime:   now,
		updateTime:  now,
		subscribers: make(map[chan ProgressUpdate]struct{}),
		done:        make(chan struct{}),
	}
	s.trackers[taskID] = tracker
	return tracker
}

// GetTracker 按任务ID查找
func (s *ProgressService) GetTracker(taskID string) (*ProgressTracker, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tracker, ok := s.trackers[taskID]
	return tracker, ok
}

// List 所有任务的当前快照，按开始时间倒序
func (s *ProgressService) List() []ProgressUpdate {
	s.mu.RLock()
	trackers := make([]*ProgressTracker, 0, len(s.trackers))
	for _, t := range s.trackers {
		trackers = append(trackers, t)
	}
	s.mu.RUnlock()

	sort.Slice(trackers, func(i, j int) bool {
		return trackers[i].startTime.After(trackers[j].startTime)
	})
	out := make([]ProgressUpdate, 0, len(trackers))
	for _, t := range trackers {
		out = append(out, t.Snapshot())
	}
	return out
}

// CleanupCompletedTasks 清理结束超过 maxAge 的任务
func (s *ProgressService) CleanupCompletedTasks(maxAge time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	now := time.Now()
	for id, t := range s.trackers {
		t.mu.Lock()
		finished := t.status != TaskRunning
		old := now.Sub(t.updateTime) > maxAge
		t.mu.Unlock()

		if finished && old {
			delete(s.trackers, id)
			removed++
		}
	}
	return removed
}

func (t *ProgressTracker) TaskID() string   { return t.taskID }
func (t *ProgressTracker) ScriptID() string { return t.scriptID }

// Done 任务结束时关闭
func (t *ProgressTracker) Done() <-chan struct{} { return t.done }

// Snapshot 当前状态
func (t *ProgressTracker) Snapshot() ProgressUpdate {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *ProgressTracker) snapshotLocked() ProgressUpdate {
	return ProgressUpdate{
		TaskID:   t.taskID,
		ScriptID: t.scriptID,
		Progress: t.progress,
		Message:  t.message,
		Status:   t.status,
	}
}

// UpdateProgress 进度只增不减
func (t *ProgressTracker) UpdateProgress(progress int, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status != TaskRunning {
		return
	}
	if progress > 100 {
		progress = 100
	}
	if progress > t.progress {
		t.progress = progress
	}
	if message != "" {
		t.message = message
	}
	t.updateTime = time.Now()
	t.broadcastLocked()
}

// Complete 标记完成
func (t *ProgressTracker) Complete(message string) {
	if message == "" {
		message = "任务已完成"
	}
	t.finish(TaskCompleted, message, 100)
}

// Fail 标记失败，进度保持不变
func (t *ProgressTracker) Fail(errorMsg string) {
	t.finish(TaskFailed, fmt.Sprintf("任务失败: %s", errorMsg), -1)
}

func (t *ProgressTracker) finish(status, message string, progress int) {
	t.finishOnce.Do(func() {
		t.mu.Lock()
		defer t.mu.Unlock()

		t.status = status
		t.message = message
		if progress >= 0 {
			t.progress = progress
		}
		t.updateTime = time.Now()
		t.broadcastLocked()
		close(t.done)
	})
}

// 非阻塞发送，慢订阅者会丢失中间进度
func (t *ProgressTracker) broadcastLocked() {
	update := t.snapshotLocked()
	for ch := range t.subscribers {
		select {
		case ch <- update:
		default:
		}
	}
}

// Subscribe 订阅进度，立即收到当前状态
func (t *ProgressTracker) Subscribe() chan ProgressUpdate {
	t.mu.Lock()
	defer t.mu.Unlock()

	ch := make(chan ProgressUpdate, 16)
	t.subscribers[ch] = struct{}{}
	ch <- t.snapshotLocked()
	return ch
}

// Unsubscribe 取消订阅并关闭通道
func (t *ProgressTracker) Unsubscribe(ch chan ProgressUpdate) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.subscribers[ch]; ok {
		delete(t.subscribers, ch)
		close(ch)
	}
}
