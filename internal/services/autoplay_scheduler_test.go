package services

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualTimer struct {
	d       time.Duration
	f       func()
	stopped bool
}

func (t *manualTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

type manualTimers struct {
	mu     sync.Mutex
	timers []*manualTimer
}

func (m *manualTimers) AfterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTimer{d: d, f: f}
	m.timers = append(m.timers, t)
	return t
}

func (m *manualTimers) last() *manualTimer {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.timers) == 0 {
		return nil
	}
	return m.timers[len(m.timers)-1]
}

func (m *manualTimers) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

func TestAutoPlayDelay(t *testing.T) {
	assert.Equal(t, 3000*time.Millisecond, AutoPlayDelay(10, false))
	assert.GreaterOrEqual(t, AutoPlayDelay(10, false), 2000*time.Millisecond)
	assert.Equal(t, 2000*time.Millisecond, AutoPlayDelay(0, false))
	assert.Equal(t, 2000*time.Millisecond, AutoPlayDelay(3, false))
	assert.Equal(t, 4500*time.Millisecond, AutoPlayDelay(10, true))
}

func TestAutoPlayFiresAdvance(t *testing.T) {
	timers := &manualTimers{}
	advanced := 0
	a := NewAutoPlayScheduler(func() { advanced++ }, timers.AfterFunc)

	a.Update(AutoPlayConditions{TextLength: 10})
	assert.False(t, a.Armed())

	assert.True(t, a.Toggle())
	require.True(t, a.Armed())
	assert.Equal(t, 3000*time.Millisecond, a.Deadline())

	timers.last().f()
	assert.Equal(t, 1, advanced)
	assert.False(t, a.Armed())
}

func TestAutoPlaySuspendedConditions(t *testing.T) {
	suspended := []AutoPlayConditions{
		{Typing: true},
		{Loading: true},
		{ChoicesVisible: true},
		{Paused: true},
		{GameOver: true},
	}
	for _, cond := range suspended {
		timers := &manualTimers{}
		a := NewAutoPlayScheduler(func() {}, timers.AfterFunc)
		a.Toggle()
		require.True(t, a.Armed())
		first := timers.last()

		a.Update(cond)
		assert.False(t, a.Armed(), "%+v", cond)
		assert.True(t, first.stopped)

		cond = AutoPlayConditions{TextLength: 20}
		a.Update(cond)
		assert.True(t, a.Armed())
		assert.Equal(t, AutoPlayDelay(20, false), timers.last().d)
	}
}

func TestAutoPlayRevalidatesOnFire(t *testing.T) {
	timers := &manualTimers{}
	advanced := 0
	a := NewAutoPlayScheduler(func() { advanced++ }, timers.AfterFunc)
	a.Toggle()
	stale := timers.last()

	// 旧定时器在重新计时后触发不应生效
	a.Update(AutoPlayConditions{TextLength: 5, VoicePlaying: true})
	stale.f()
	assert.Equal(t, 0, advanced)
	assert.Equal(t, 2, timers.count())
	assert.Equal(t, AutoPlayDelay(5, true), timers.last().d)

	current := timers.last()
	a.Stop()
	current.f()
	assert.Equal(t, 0, advanced)
	assert.False(t, a.Enabled())
}

func TestAutoPlayToggleOffCancels(t *testing.T) {
	timers := &manualTimers{}
	a := NewAutoPlayScheduler(func() {}, timers.AfterFunc)
	assert.True(t, a.Toggle())
	timer := timers.last()
	assert.False(t, a.Toggle())
	assert.True(t, timer.stopped)
	assert.False(t, a.Armed())
	assert.Zero(t, a.Deadline())
}

func TestAutoPlayRealTimer(t *testing.T) {
	fired := make(chan struct{}, 1)
	a := NewAutoPlayScheduler(func() { fired <- struct{}{} }, func(_ time.Duration, f func()) Timer {
		return time.AfterFunc(time.Millisecond, f)
	})
	a.Toggle()
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("auto play did not fire")
	}
}
