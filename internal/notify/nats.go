package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/koopa0/system-design/14-like-counter/internal/document"
	"github.com/nats-io/nats.go"
)

var _ Notifier = (*NATSNotifier)(nil)

// NATSNotifier 透過 NATS core 主題廣播
//
// subject: documents.{collection}.{document}。
// 只需要最新狀態，不使用 JetStream 持久化。
type NATSNotifier struct {
	conn   *nats.Conn
	logger *slog.Logger
}

// NewNATSNotifier 連線至 NATS
func NewNATSNotifier(url string, logger *slog.Logger) (*NATSNotifier, error) {
	conn, err := nats.Connect(url,
		nats.Name("like-counter"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.PingInterval(20*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	return &NATSNotifier{conn: conn, logger: logger}, nil
}

// Subject 路徑對應的主題
func Subject(path string) string {
	return "documents." + strings.ReplaceAll(path, "/", ".")
}

// Publish 發布快照
func (n *NATSNotifier) Publish(ctx context.Context, snap document.Snapshot) error {
	data, err := encode(snap)
	if err != nil {
		return err
	}
	if err := n.conn.Publish(Subject(snap.Path), data); err != nil {
		return fmt.Errorf("publish change: %w", err)
	}
	return nil
}

// Subscribe 訂閱路徑的變更
func (n *NATSNotifier) Subscribe(ctx context.Context, path string) (<-chan document.Snapshot, error) {
	if err := document.ValidatePath(path); err != nil {
		return nil, err
	}

	box := newMailbox()
	sub, err := n.conn.Subscribe(Subject(path), func(msg *nats.Msg) {
		snap, err := decode(msg.Data)
		if err != nil {
			n.logger.Warn("dropping malformed change", "subject", msg.Subject, "error", err)
			return
		}
		box.deliver(snap)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe changes: %w", err)
	}
	// 確保伺服器已登記訂閱
	if err := n.conn.FlushTimeout(2 * time.Second); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("flush subscription: %w", err)
	}

	go func() {
		<-ctx.Done()
		if err := sub.Unsubscribe(); err != nil && n.conn.IsConnected() {
			n.logger.Debug("unsubscribe failed", "subject", sub.Subject, "error", err)
		}
		box.close()
	}()

	return box.ch, nil
}

// Close 排空並關閉連線
func (n *NATSNotifier) Close() error {
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
		return fmt.Errorf("drain nats: %w", err)
	}
	return nil
}
