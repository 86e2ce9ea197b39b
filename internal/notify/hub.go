package notify

import (
	"context"
	"sync"

	"github.com/koopa0/system-design/14-like-counter/internal/document"
)

var _ Notifier = (*Hub)(nil)

// Hub 同一行程內的通知器，用於單機部署與測試
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[*mailbox]struct{}
	closed bool
}

// NewHub 建立行程內通知器
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*mailbox]struct{})}
}

// Publish 投遞給該路徑的所有訂閱
func (h *Hub) Publish(ctx context.Context, snap document.Snapshot) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrClosed
	}
	for box := range h.subs[snap.Path] {
		box.deliver(snap)
	}
	return nil
}

// Subscribe 訂閱路徑
func (h *Hub) Subscribe(ctx context.Context, path string) (<-chan document.Snapshot, error) {
	if err := document.ValidatePath(path); err != nil {
		return nil, err
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	box := newMailbox()
	if h.subs[path] == nil {
		h.subs[path] = make(map[*mailbox]struct{})
	}
	h.subs[path][box] = struct{}{}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.remove(path, box)
	}()

	return box.ch, nil
}

func (h *Hub) remove(path string, box *mailbox) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.subs[path], box)
	if len(h.subs[path]) == 0 {
		delete(h.subs, path)
	}
	box.close()
}

// Subscribers 目前的訂閱數
func (h *Hub) Subscribers(path string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[path])
}

// Close 關閉所有訂閱
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true
	for path, boxes := range h.subs {
		for box := range boxes {
			box.close()
		}
		delete(h.subs, path)
	}
	return nil
}
