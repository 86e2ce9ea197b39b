// Package notify 將文件的每次提交廣播給監聽者
//
// 監聽者只關心最新狀態：每個訂閱只保留一筆尚未讀取的快照，
// 新快照到達時覆蓋舊的，所以慢速的監聽者不會阻塞發布端。
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/koopa0/system-design/14-like-counter/internal/document"
)

// ErrClosed 通知器已關閉
var ErrClosed = errors.New("notifier closed")

// Notifier 文件變更的發布與訂閱
type Notifier interface {
	// Publish 廣播一筆已提交的快照
	Publish(ctx context.Context, snap document.Snapshot) error

	// Subscribe 訂閱指定路徑，ctx 結束或通知器關閉時 channel 會被關閉
	Subscribe(ctx context.Context, path string) (<-chan document.Snapshot, error)

	// Close 關閉所有訂閱
	Close() error
}

// mailbox 單格的覆蓋式投遞
type mailbox struct {
	mu     sync.Mutex
	ch     chan document.Snapshot
	closed bool
}

func newMailbox() *mailbox {
	return &mailbox{ch: make(chan document.Snapshot, 1)}
}

// deliver 放入最新快照，版本不比待讀快照新時丟棄
func (m *mailbox) deliver(snap document.Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}

	select {
	case pending := <-m.ch:
		if pending.Version > snap.Version {
			snap = pending
		}
	default:
	}
	m.ch <- snap
}

func (m *mailbox) close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	close(m.ch)
}

func encode(snap document.Snapshot) ([]byte, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return data, nil
}

func decode(data []byte) (document.Snapshot, error) {
	var snap document.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return document.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}
