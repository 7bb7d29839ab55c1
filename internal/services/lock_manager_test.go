package services

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockManagerSerializesSameKey(t *testing.T) {
	lm := NewLockManager()
	var active, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = lm.WithLock(context.Background(), "preset_tsundere", func() error {
				n := atomic.AddInt32(&active, 1)
				for {
					p := atomic.LoadInt32(&peak)
					if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&active, -1)
				return nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), peak)
	assert.Zero(t, lm.Len())
}

func TestLockManagerIndependentKeys(t *testing.T) {
	lm := NewLockManager()
	inside := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = lm.WithLock(context.Background(), "a", func() error {
			close(inside)
			<-release
			return nil
		})
	}()
	<-inside

	done := make(chan struct{})
	go func() {
		_ = lm.WithLock(context.Background(), "b", func() error { return nil })
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("不同键不应互相阻塞")
	}
	close(release)
}

func TestLockManagerWaitHonorsContext(t *testing.T) {
	lm := NewLockManager()
	inside := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = lm.WithLock(context.Background(), "k", func() error {
			close(inside)
			<-release
			return nil
		})
	}()
	<-inside

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	called := false
	err := lm.WithLock(ctx, "k", func() error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, called)

	close(release)
	require.Eventually(t, func() bool { return lm.Len() == 0 }, time.Second, 5*time.Millisecond)
}
