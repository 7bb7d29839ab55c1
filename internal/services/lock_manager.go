// internal/services/lock_manager.go
package services

import (
	"context"
	"sync"
)

// LockManager 按键加锁；没有持有者和等待者的锁会被回收
type LockManager struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	// 容量为 1 的信号量，便于带 ctx 等待
	sem  chan struct{}
	refs int
}

// NewLockManager 创建锁管理器
func NewLockManager() *LockManager {
	return &LockManager{locks: make(map[string]*keyLock)}
}

func (lm *LockManager) acquire(key string) *keyLock {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	l, ok := lm.locks[key]
	if !ok {
		l = &keyLock{sem: make(chan struct{}, 1)}
		lm.locks[key] = l
	}
	l.refs++
	return l
}

func (lm *LockManager) release(key string, l *keyLock) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(lm.locks, key)
	}
}

// WithLock 持有 key 的锁执行 fn；等待期间 ctx 结束则返回 ctx.Err()
func (lm *LockManager) WithLock(ctx context.Context, key string, fn func() error) error {
	l := lm.acquire(key)
	defer lm.release(key, l)

	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-l.sem }()
	return fn()
}

// Len 当前存活的锁数量
func (lm *LockManager) Len() int {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return len(lm.locks)
}
