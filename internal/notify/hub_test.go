package notify_test

import (
	"context"
	"testing"
	"time"

	"github.com/koopa0/system-design/14-like-counter/internal/document"
	"github.com/koopa0/system-design/14-like-counter/internal/notify"
	"github.com/koopa0/system-design/14-like-counter/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func snapshot(likes, version int64) document.Snapshot {
	return document.Snapshot{
		Path:    document.LikesCounterPath,
		Likes:   likes,
		Version: version,
		Exists:  true,
	}
}

func receive(t *testing.T, ch <-chan document.Snapshot) document.Snapshot {
	t.Helper()
	select {
	case snap, ok := <-ch:
		require.True(t, ok, "channel closed")
		return snap
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for snapshot")
		return document.Snapshot{}
	}
}

func TestHub_PublishSubscribe(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	hub := notify.NewHub()
	defer hub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first, err := hub.Subscribe(ctx, document.LikesCounterPath)
	require.NoError(t, err)
	second, err := hub.Subscribe(ctx, document.LikesCounterPath)
	require.NoError(t, err)
	other, err := hub.Subscribe(ctx, "likes/other")
	require.NoError(t, err)

	require.NoError(t, hub.Publish(ctx, snapshot(3, 4)))

	assert.Equal(t, int64(3), receive(t, first).Likes)
	assert.Equal(t, int64(3), receive(t, second).Likes)

	select {
	case <-other:
		t.Fatal("unrelated path must not receive")
	default:
	}
}

func TestHub_CoalescesToLatest(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	hub := notify.NewHub()
	defer hub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := hub.Subscribe(ctx, document.LikesCounterPath)
	require.NoError(t, err)

	for v := int64(1); v <= 10; v++ {
		require.NoError(t, hub.Publish(ctx, snapshot(v, v)))
	}
	// 較舊的版本不會覆蓋較新的待讀快照
	require.NoError(t, hub.Publish(ctx, snapshot(2, 2)))

	got := receive(t, ch)
	assert.Equal(t, int64(10), got.Version)
}

func TestHub_CancelClosesChannel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	hub := notify.NewHub()
	defer hub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := hub.Subscribe(ctx, document.LikesCounterPath)
	require.NoError(t, err)
	assert.Equal(t, 1, hub.Subscribers(document.LikesCounterPath))

	cancel()

	testutils.WaitForCondition(t, func() bool {
		return hub.Subscribers(document.LikesCounterPath) == 0
	}, time.Second, "subscription removed")

	_, ok := <-ch
	assert.False(t, ok)
}

func TestHub_Close(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	hub := notify.NewHub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := hub.Subscribe(ctx, document.LikesCounterPath)
	require.NoError(t, err)

	require.NoError(t, hub.Close())
	require.NoError(t, hub.Close())

	_, ok := <-ch
	assert.False(t, ok)

	_, err = hub.Subscribe(ctx, document.LikesCounterPath)
	assert.ErrorIs(t, err, notify.ErrClosed)
	assert.ErrorIs(t, hub.Publish(ctx, snapshot(1, 1)), notify.ErrClosed)
}

func TestHub_InvalidPath(t *testing.T) {
	hub := notify.NewHub()
	defer hub.Close()

	_, err := hub.Subscribe(context.Background(), "counter")
	assert.ErrorIs(t, err, document.ErrInvalidPath)
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "documents.likes.counter", notify.Subject(document.LikesCounterPath))
}
