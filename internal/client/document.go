package client

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/koopa0/system-design/14-like-counter/internal/document"
	apperrors "github.com/koopa0/system-design/14-like-counter/pkg/errors"
)

// MaxTransactionAttempts 交易遇到版本衝突時的最多嘗試次數
const MaxTransactionAttempts = 5

// DocumentRef 遠端文件參照
type DocumentRef struct {
	conn *Connection
	path string
}

// Path 文件路徑
func (d *DocumentRef) Path() string {
	return d.path
}

type documentResponse struct {
	Created  bool              `json:"created"`
	Document document.Snapshot `json:"document"`
}

type streamMessage struct {
	Type     string             `json:"type"`
	Document *document.Snapshot `json:"document,omitempty"`
	Code     string             `json:"code,omitempty"`
	Error    string             `json:"error,omitempty"`
}

func (d *DocumentRef) url(suffix ...string) string {
	collection, doc, _ := strings.Cut(d.path, "/")
	return d.conn.endpoint(append([]string{"documents", collection, doc}, suffix...)...)
}

// Get 讀取文件
func (d *DocumentRef) Get(ctx context.Context) (document.Snapshot, error) {
	var resp documentResponse
	if err := d.conn.do(ctx, http.MethodGet, d.url(), nil, &resp); err != nil {
		return document.Snapshot{}, err
	}
	return resp.Document, nil
}

// InitializeIfMissing 文件不存在時建立 {likes: 0}
func (d *DocumentRef) InitializeIfMissing(ctx context.Context) (document.Snapshot, bool, error) {
	var resp documentResponse
	if err := d.conn.do(ctx, http.MethodPost, d.url("init"), nil, &resp); err != nil {
		return document.Snapshot{}, false, err
	}
	return resp.Document, resp.Created, nil
}

// RunTransaction 樂觀交易：讀取、計算、以版本條件寫入
//
// 版本衝突時重新讀取再套用 fn，最多 MaxTransactionAttempts 次，
// 之後回傳 TRANSIENT。fn 回傳的錯誤直接中止交易。
func (d *DocumentRef) RunTransaction(ctx context.Context, fn document.UpdateFunc) (document.Snapshot, error) {
	var lastErr error
	for attempt := 1; attempt <= MaxTransactionAttempts; attempt++ {
		current, err := d.Get(ctx)
		if err != nil {
			return document.Snapshot{}, err
		}

		likes, err := fn(current)
		if err != nil {
			return document.Snapshot{}, err
		}

		var resp documentResponse
		body := map[string]int64{"likes": likes, "version": current.Version}
		err = d.conn.do(ctx, http.MethodPut, d.url(), body, &resp)
		if err == nil {
			return resp.Document, nil
		}
		if !apperrors.IsConflict(err) {
			return document.Snapshot{}, err
		}

		lastErr = err
		d.conn.logger.Debug("transaction conflict, retrying", "path", d.path, "attempt", attempt)
	}

	return document.Snapshot{}, apperrors.Wrap(lastErr, apperrors.ErrCodeTransient, "transaction aborted after repeated conflicts")
}

// Listen 訂閱文件的即時更新
//
// 只保留最新一筆尚未讀取的快照。錯誤事件是串流的最後一筆，
// 之後 channel 關閉；ctx 取消時 channel 直接關閉。
func (d *DocumentRef) Listen(ctx context.Context) (<-chan document.Event, error) {
	wsURL := strings.Replace(d.url("listen"), "http", "ws", 1)

	ws, resp, err := d.conn.dialer.DialContext(ctx, wsURL, d.conn.headers())
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, statusError(resp)
		}
		return nil, apperrors.Wrap(err, apperrors.ErrCodeTransient, "open listen stream")
	}

	events := make(chan document.Event, 1)
	done := make(chan struct{})

	// ctx 取消時關閉連線，讓讀取迴圈結束
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		ws.Close()
	}()

	go func() {
		defer close(events)
		defer close(done)

		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				terminate(ctx, events, apperrors.Wrap(err, apperrors.ErrCodeTransient, "listen stream interrupted"))
				return
			}

			var msg streamMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				d.conn.logger.Debug("dropping malformed stream message", "error", err)
				continue
			}

			switch {
			case msg.Type == "error":
				terminate(ctx, events, streamError(msg.Code, msg.Error))
				return
			case msg.Document != nil:
				offer(events, document.Event{Snapshot: *msg.Document})
			}
		}
	}()

	return events, nil
}

// offer 以新快照取代尚未讀取的舊快照
func offer(events chan document.Event, ev document.Event) {
	select {
	case events <- ev:
	default:
		select {
		case <-events:
		default:
		}
		events <- ev
	}
}

// terminate 送出最後的錯誤事件，等待讀取端或 ctx 取消
func terminate(ctx context.Context, events chan document.Event, err error) {
	select {
	case events <- document.Event{Err: err}:
	case <-ctx.Done():
	}
}
