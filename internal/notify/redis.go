package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/koopa0/system-design/14-like-counter/internal/document"
	"github.com/redis/go-redis/v9"
)

var _ Notifier = (*RedisNotifier)(nil)

// RedisNotifier 透過 Redis Pub/Sub 在多個伺服器實例間廣播
//
// channel: doc:{path}:changes
type RedisNotifier struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisNotifier 建立 Redis 通知器，客戶端由呼叫端關閉
func NewRedisNotifier(client *redis.Client, logger *slog.Logger) *RedisNotifier {
	return &RedisNotifier{client: client, logger: logger}
}

func redisChannel(path string) string {
	return fmt.Sprintf("doc:%s:changes", path)
}

// Publish 發布快照
func (n *RedisNotifier) Publish(ctx context.Context, snap document.Snapshot) error {
	data, err := encode(snap)
	if err != nil {
		return err
	}
	if err := n.client.Publish(ctx, redisChannel(snap.Path), data).Err(); err != nil {
		return fmt.Errorf("publish change: %w", err)
	}
	return nil
}

// Subscribe 訂閱路徑的變更
func (n *RedisNotifier) Subscribe(ctx context.Context, path string) (<-chan document.Snapshot, error) {
	if err := document.ValidatePath(path); err != nil {
		return nil, err
	}

	pubsub := n.client.Subscribe(ctx, redisChannel(path))
	// 等待訂閱確認，確保回傳後的發布不會遺失
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe changes: %w", err)
	}

	box := newMailbox()
	messages := pubsub.Channel()

	go func() {
		defer box.close()
		defer pubsub.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				snap, err := decode([]byte(msg.Payload))
				if err != nil {
					n.logger.Warn("dropping malformed change", "channel", msg.Channel, "error", err)
					continue
				}
				box.deliver(snap)
			}
		}
	}()

	return box.ch, nil
}

// Close 訂閱隨各自的 context 結束，客戶端由擁有者關閉
func (n *RedisNotifier) Close() error {
	return nil
}
