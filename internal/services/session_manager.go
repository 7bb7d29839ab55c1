// internal/services/session_manager.go
package services

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Corphon/GalNovelEngine/internal/utils"
)

// SessionManager 按ID持有会话
type SessionManager struct {
	deps     SessionDeps
	logger   *zap.Logger
	metrics  *utils.EngineMetrics
	sessions map[string]*NarrativeSession
	mu       sync.RWMutex
}

// NewSessionManager 所有会话共享同一组依赖
func NewSessionManager(deps SessionDeps) *SessionManager {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &SessionManager{
		deps:     deps,
		logger:   utils.OrNop(deps.Logger).Named("sessions"),
		metrics:  deps.Metrics,
		sessions: make(map[string]*NarrativeSession),
	}
}

// Create 新建会话
func (m *SessionManager) Create() *NarrativeSession {
	id := uuid.NewString()
	session := NewNarrativeSession(id, m.deps)

	m.mu.Lock()
	m.sessions[id] = session
	m.mu.Unlock()

	m.metrics.SessionOpened()
	m.logger.Info("会话已创建", zap.String("session_id", id))
	return session
}

// Get 查找会话
func (m *SessionManager) Get(id string) (*NarrativeSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Close 关闭并移除会话
func (m *SessionManager) Close(id string) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if !ok {
		return false
	}
	s.Close()
	m.metrics.SessionClosed()
	m.logger.Info("会话已关闭", zap.String("session_id", id))
	return true
}

// List 全部会话ID
func (m *SessionManager) List() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

func (m *SessionManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// CleanupIdle 关闭超过 maxIdle 没有活动的会话
func (m *SessionManager) CleanupIdle(maxIdle time.Duration) int {
	cutoff := m.deps.Now().Add(-maxIdle)

	m.mu.RLock()
	var idle []string
	for id, s := range m.sessions {
		if s.LastActive().Before(cutoff) {
			idle = append(idle, id)
		}
	}
	m.mu.RUnlock()

	closed := 0
	for _, id := range idle {
		if m.Close(id) {
			closed++
		}
	}
	if closed > 0 {
		m.logger.Info("已清理空闲会话", zap.Int("count", closed))
	}
	return closed
}

// CloseAll 关闭全部会话
func (m *SessionManager) CloseAll() {
	for _, id := range m.List() {
		m.Close(id)
	}
}
