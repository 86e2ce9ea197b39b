package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/koopa0/system-design/14-like-counter/internal/document"
	apperrors "github.com/koopa0/system-design/14-like-counter/pkg/errors"
)

// 心跳：每 54 秒 Ping，60 秒內沒有 Pong 視為斷線
const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// 串流訊息類型
const (
	MessageSnapshot = "snapshot"
	MessageError    = "error"
)

// StreamMessage 監聽串流上的一則訊息
type StreamMessage struct {
	Type     string             `json:"type"`
	Document *document.Snapshot `json:"document,omitempty"`
	Code     string             `json:"code,omitempty"`
	Error    string             `json:"error,omitempty"`
}

// listen 先送出目前快照，之後推送每一次提交
func (h *Handler) listen(w http.ResponseWriter, r *http.Request) {
	path, collection, err := documentPath(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if err := h.authorizeRead(collection); err != nil {
		h.respondError(w, r, err)
		return
	}

	if !h.trackStream() {
		h.respondError(w, r, apperrors.ErrTransient.WithDetails("server shutting down"))
		return
	}
	defer h.streams.Done()

	ctx, cancel := context.WithCancel(h.base)
	defer cancel()

	// 先訂閱再讀取，兩者之間的提交不會遺失
	updates, err := h.notifier.Subscribe(ctx, path)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	current, err := h.store.Get(r.Context(), path)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade 已回覆 HTTP 錯誤
		h.logger.WarnContext(r.Context(), "websocket upgrade failed", "error", err)
		return
	}

	h.logger.DebugContext(r.Context(), "listen stream opened", "path", path, "version", current.Version)
	defer h.logger.DebugContext(r.Context(), "listen stream closed", "path", path)

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		defer cancel()
		h.readPump(conn)
	}()

	h.writePump(ctx, conn, current, updates)
	conn.Close()
	<-readDone
}

// readPump 只處理控制訊息，讀取失敗代表客戶端離開
func (h *Handler) readPump(conn *websocket.Conn) {
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(h.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("listen stream read error", "error", err)
			}
			return
		}
	}
}

// writePump 推送快照與心跳，版本不比已送出的新就跳過
func (h *Handler) writePump(ctx context.Context, conn *websocket.Conn, current document.Snapshot, updates <-chan document.Snapshot) {
	ticker := time.NewTicker(h.pingPeriod)
	defer ticker.Stop()

	if err := writeMessage(conn, StreamMessage{Type: MessageSnapshot, Document: &current}); err != nil {
		return
	}
	lastVersion := current.Version

	for {
		select {
		case <-ctx.Done():
			closeStream(conn, websocket.CloseGoingAway)
			return

		case snap, ok := <-updates:
			if !ok {
				_ = writeMessage(conn, StreamMessage{
					Type:  MessageError,
					Code:  apperrors.ErrCodeTransient,
					Error: "change feed closed",
				})
				closeStream(conn, websocket.CloseGoingAway)
				return
			}
			if snap.Version <= lastVersion {
				continue
			}
			if err := writeMessage(conn, StreamMessage{Type: MessageSnapshot, Document: &snap}); err != nil {
				return
			}
			lastVersion = snap.Version

		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func writeMessage(conn *websocket.Conn, msg StreamMessage) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteJSON(msg)
}

func closeStream(conn *websocket.Conn, code int) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, ""),
		time.Now().Add(time.Second))
}
