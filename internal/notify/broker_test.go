package notify_test

import (
	"context"
	"testing"

	"github.com/koopa0/system-design/14-like-counter/internal/document"
	"github.com/koopa0/system-design/14-like-counter/internal/notify"
	"github.com/koopa0/system-design/14-like-counter/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exerciseNotifier 跨實例廣播：兩個通知器共用同一個 broker
func exerciseNotifier(t *testing.T, publisher, subscriber notify.Notifier) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := subscriber.Subscribe(ctx, document.LikesCounterPath)
	require.NoError(t, err)

	require.NoError(t, publisher.Publish(ctx, snapshot(42, 7)))

	got := receive(t, ch)
	assert.Equal(t, int64(42), got.Likes)
	assert.Equal(t, int64(7), got.Version)
	assert.Equal(t, document.LikesCounterPath, got.Path)

	cancel()
	for range ch {
	}
}

func TestRedisNotifier(t *testing.T) {
	env := testutils.SetupRedis(t)
	logger := testutils.TestLogger()

	exerciseNotifier(t,
		notify.NewRedisNotifier(env.Client, logger),
		notify.NewRedisNotifier(env.Client, logger),
	)
}

func TestNATSNotifier(t *testing.T) {
	url := testutils.SetupNATS(t)
	logger := testutils.TestLogger()

	publisher, err := notify.NewNATSNotifier(url, logger)
	require.NoError(t, err)
	defer publisher.Close()

	subscriber, err := notify.NewNATSNotifier(url, logger)
	require.NoError(t, err)
	defer subscriber.Close()

	exerciseNotifier(t, publisher, subscriber)
}
