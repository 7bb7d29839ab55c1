// internal/services/autoplay_scheduler.go
package services

import (
	"sync"
	"time"
)

// 自动播放节奏
const (
	autoPlayFloor          = 2000 * time.Millisecond
	autoPlayVoiceCharTime  = 250 * time.Millisecond
	autoPlayVoiceBase      = 2000 * time.Millisecond
	autoPlaySilentCharTime = 150 * time.Millisecond
	autoPlaySilentBase     = 1500 * time.Millisecond
)

// AutoPlayDelay 根据文本长度计算等待时间；语音播放中节奏更慢
func AutoPlayDelay(textLength int, voice bool) time.Duration {
	charTime, base := autoPlaySilentCharTime, autoPlaySilentBase
	if voice {
		charTime, base = autoPlayVoiceCharTime, autoPlayVoiceBase
	}
	d := time.Duration(textLength)*charTime + base
	if d < autoPlayFloor {
		return autoPlayFloor
	}
	return d
}

// AutoPlayConditions 影响自动播放的会话状态
type AutoPlayConditions struct {
	Typing         bool
	Loading        bool
	ChoicesVisible bool
	Paused         bool
	GameOver       bool
	VoicePlaying   bool
	TextLength     int
}

// Suspended 任一条件成立都不计时
func (c AutoPlayConditions) Suspended() bool {
	return c.Typing || c.Loading || c.ChoicesVisible || c.Paused || c.GameOver
}

// Timer 可取消的定时器
type Timer interface {
	Stop() bool
}

// AfterFunc 定时器工厂，测试中可替换
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// AutoPlayScheduler 两态自动播放：Idle / Armed
type AutoPlayScheduler struct {
	mu        sync.Mutex
	enabled   bool
	cond      AutoPlayConditions
	timer     Timer
	deadline  time.Duration
	seq       uint64
	afterFunc AfterFunc
	advance   func()
}

// NewAutoPlayScheduler advance 在定时器触发且条件仍满足时调用
func NewAutoPlayScheduler(advance func(), afterFunc AfterFunc) *AutoPlayScheduler {
	if afterFunc == nil {
		afterFunc = realAfterFunc
	}
	return &AutoPlayScheduler{advance: advance, afterFunc: afterFunc}
}

// Toggle 切换开关，返回切换后的状态
func (a *AutoPlayScheduler) Toggle() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.enabled = !a.enabled
	a.rearmLocked()
	return a.enabled
}

// SetEnabled 显式设置开关
func (a *AutoPlayScheduler) SetEnabled(enabled bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.enabled == enabled {
		return
	}
	a.enabled = enabled
	a.rearmLocked()
}

// Update 会话状态变化后调用；总是取消旧定时器并按当前文本重新计时
func (a *AutoPlayScheduler) Update(cond AutoPlayConditions) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cond = cond
	a.rearmLocked()
}

// Stop 关闭自动播放
func (a *AutoPlayScheduler) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.enabled = false
	a.cancelLocked()
}

func (a *AutoPlayScheduler) Enabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enabled
}

// Armed 是否有待触发的定时器
func (a *AutoPlayScheduler) Armed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.timer != nil
}

// Deadline 当前定时器的等待时长，未计时为 0
func (a *AutoPlayScheduler) Deadline() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timer == nil {
		return 0
	}
	return a.deadline
}

func (a *AutoPlayScheduler) cancelLocked() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.deadline = 0
	a.seq++
}

func (a *AutoPlayScheduler) rearmLocked() {
	a.cancelLocked()
	if !a.enabled || a.cond.Suspended() {
		return
	}

	a.deadline = AutoPlayDelay(a.cond.TextLength, a.cond.VoicePlaying)
	seq := a.seq
	a.timer = a.afterFunc(a.deadline, func() { a.fire(seq) })
}

func (a *AutoPlayScheduler) fire(seq uint64) {
	a.mu.Lock()
	// 触发时重新检查，条件可能在等待期间改变
	if seq != a.seq || !a.enabled || a.cond.Suspended() {
		a.mu.Unlock()
		return
	}
	a.timer = nil
	a.deadline = 0
	advance := a.advance
	a.mu.Unlock()

	if advance != nil {
		advance()
	}
}
