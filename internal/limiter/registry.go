package limiter

import (
	"context"
	"sync"
	"time"
)

var _ Limiter = (*Registry)(nil)

// Registry 每個 key 一個滑動視窗，用於單一伺服器實例
type Registry struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	windows map[string]*SlidingWindow
}

// NewRegistry 建立限流登錄表
func NewRegistry(limit int, window time.Duration, now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		limit:   limit,
		window:  window,
		now:     now,
		windows: make(map[string]*SlidingWindow),
	}
}

// Allow 檢查並記錄 key 的一次請求
func (r *Registry) Allow(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return r.lookup(key).Allow(), nil
}

func (r *Registry) lookup(key string) *SlidingWindow {
	r.mu.Lock()
	defer r.mu.Unlock()

	sw, ok := r.windows[key]
	if !ok {
		sw = NewSlidingWindow(r.limit, r.window, r.now)
		r.windows[key] = sw
	}
	return sw
}

// Prune 移除視窗內已無事件的 key
func (r *Registry) Prune() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for key, sw := range r.windows {
		if sw.Count() == 0 {
			delete(r.windows, key)
			removed++
		}
	}
	return removed
}

// Len 追蹤中的 key 數量
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.windows)
}
