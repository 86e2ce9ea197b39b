package like

import (
	"time"

	"github.com/koopa0/system-design/14-like-counter/internal/limiter"
	apperrors "github.com/koopa0/system-design/14-like-counter/pkg/errors"
)

// togglePolicy 冷卻時間 + 滑動視窗上限，只有成功的切換才計入
type togglePolicy struct {
	cooldown time.Duration
	window   *limiter.SlidingWindow
	now      func() time.Time
}

func newTogglePolicy(cooldown, window time.Duration, ceiling int, now func() time.Time) *togglePolicy {
	return &togglePolicy{
		cooldown: cooldown,
		window:   limiter.NewSlidingWindow(ceiling, window, now),
		now:      now,
	}
}

// check 檢查是否允許下一次切換，不改變狀態
func (p *togglePolicy) check() error {
	if last, ok := p.window.Last(); ok && p.now().Sub(last) < p.cooldown {
		return apperrors.ErrRateLimited.WithDetails("cooldown")
	}
	if !p.window.Peek() {
		return apperrors.ErrRateLimited.WithDetails("window")
	}
	return nil
}

// record 記錄一次成功的切換
func (p *togglePolicy) record() {
	p.window.Record()
}
