package limiter_test

import (
	"context"
	"testing"
	"time"

	"github.com/koopa0/system-design/14-like-counter/internal/limiter"
	"github.com/koopa0/system-design/14-like-counter/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestSlidingWindow_Allow(t *testing.T) {
	clock := testutils.NewManualClock(epoch)
	sw := limiter.NewSlidingWindow(3, time.Minute, clock.Now)

	for i := 0; i < 3; i++ {
		assert.True(t, sw.Allow(), "event %d", i)
		clock.Advance(time.Second)
	}
	assert.False(t, sw.Allow())
	assert.Equal(t, 3, sw.Count())

	// 第一筆事件在 epoch，滑出視窗後釋出一個額度
	clock.Advance(time.Minute - 3*time.Second - time.Millisecond)
	assert.Equal(t, 3, sw.Count())
	clock.Advance(time.Millisecond)
	assert.Equal(t, 2, sw.Count())
	assert.True(t, sw.Allow())
	assert.False(t, sw.Allow())
}

func TestSlidingWindow_AllExpired(t *testing.T) {
	clock := testutils.NewManualClock(epoch)
	sw := limiter.NewSlidingWindow(2, time.Minute, clock.Now)

	sw.Record()
	sw.Record()
	assert.False(t, sw.Peek())

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 0, sw.Count())
	assert.True(t, sw.Peek())
}

func TestSlidingWindow_PeekDoesNotRecord(t *testing.T) {
	clock := testutils.NewManualClock(epoch)
	sw := limiter.NewSlidingWindow(1, time.Minute, clock.Now)

	assert.True(t, sw.Peek())
	assert.True(t, sw.Peek())
	assert.Equal(t, 0, sw.Count())

	_, ok := sw.Last()
	assert.False(t, ok)

	sw.Record()
	last, ok := sw.Last()
	require.True(t, ok)
	assert.Equal(t, epoch, last)
	assert.False(t, sw.Peek())

	clock.Advance(time.Minute)
	assert.True(t, sw.Peek(), "recorded event slid out of the window")
}

func TestRegistry(t *testing.T) {
	clock := testutils.NewManualClock(epoch)
	reg := limiter.NewRegistry(2, time.Second, clock.Now)
	ctx := context.Background()

	tests := []struct {
		key  string
		want bool
	}{
		{"a", true},
		{"a", true},
		{"a", false},
		{"b", true},
	}
	for _, tt := range tests {
		got, err := reg.Allow(ctx, tt.key)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, tt.key)
	}
	assert.Equal(t, 2, reg.Len())

	clock.Advance(2 * time.Second)
	assert.Equal(t, 2, reg.Prune())
	assert.Equal(t, 0, reg.Len())

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err := reg.Allow(canceled, "a")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRedisSlidingWindow(t *testing.T) {
	env := testutils.SetupRedis(t)
	ctx := context.Background()

	l := limiter.NewRedisSlidingWindow(env.Client, 3, time.Minute)
	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "api-key")
		require.NoError(t, err)
		assert.True(t, ok)
	}

	ok, err := l.Allow(ctx, "api-key")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = l.Allow(ctx, "other-key")
	require.NoError(t, err)
	assert.True(t, ok)
}
