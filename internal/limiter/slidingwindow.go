// Package limiter 提供滑動視窗限流
//
// SlidingWindow 記錄每一次事件的時間點，視窗內的事件數達到上限即拒絕。
// 時鐘可注入，測試不需要真的等待。
package limiter

import (
	"context"
	"sync"
	"time"
)

// Limiter 以 key 區分的限流器
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// SlidingWindow 滑動視窗日誌
type SlidingWindow struct {
	limit  int
	window time.Duration
	events []time.Time
	now    func() time.Time
	mu     sync.Mutex
}

// NewSlidingWindow 建立滑動視窗，now 為 nil 時使用 time.Now
func NewSlidingWindow(limit int, window time.Duration, now func() time.Time) *SlidingWindow {
	if now == nil {
		now = time.Now
	}
	return &SlidingWindow{
		limit:  limit,
		window: window,
		events: make([]time.Time, 0, max(limit, 0)),
		now:    now,
	}
}

// Allow 未達上限時記錄一次事件
func (sw *SlidingWindow) Allow() bool {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	now := sw.now()
	sw.evict(now)
	if len(sw.events) >= sw.limit {
		return false
	}
	sw.events = append(sw.events, now)
	return true
}

// Peek 是否還有額度，不記錄
func (sw *SlidingWindow) Peek() bool {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	sw.evict(sw.now())
	return len(sw.events) < sw.limit
}

// Record 無條件記錄一次事件
func (sw *SlidingWindow) Record() {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	now := sw.now()
	sw.evict(now)
	sw.events = append(sw.events, now)
}

// Count 視窗內的事件數
func (sw *SlidingWindow) Count() int {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	sw.evict(sw.now())
	return len(sw.events)
}

// Last 最近一次事件的時間
func (sw *SlidingWindow) Last() (time.Time, bool) {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if len(sw.events) == 0 {
		return time.Time{}, false
	}
	return sw.events[len(sw.events)-1], true
}

// evict 移除視窗外的事件，events 依時間排序
func (sw *SlidingWindow) evict(now time.Time) {
	windowStart := now.Add(-sw.window)

	keep := len(sw.events)
	for i, t := range sw.events {
		if t.After(windowStart) {
			keep = i
			break
		}
	}
	if keep > 0 {
		sw.events = append(sw.events[:0], sw.events[keep:]...)
	}
}
