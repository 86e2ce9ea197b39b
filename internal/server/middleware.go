package server

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/koopa0/system-design/14-like-counter/pkg/errors"
	"github.com/koopa0/system-design/14-like-counter/pkg/logger"
)

// requestID 為每個請求附上 request_id，客戶端的 X-Client-Id 作為 session_id
func (h *Handler) requestID(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)

		ctx := logger.WithRequestID(r.Context(), id)
		if client := r.Header.Get(HeaderClientID); client != "" {
			ctx = logger.WithSessionID(ctx, client)
		}
		next(w, r.WithContext(ctx))
	}
}

// loggerMiddleware 記錄請求日誌
func (h *Handler) loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// 包裝 ResponseWriter 以捕獲狀態碼
		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next(ww, r)

		h.logger.InfoContext(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.statusCode,
			"duration", time.Since(start),
			"remote", r.RemoteAddr,
		)
	}
}

// recoverer 恢復 panic
func (h *Handler) recoverer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				if err == http.ErrAbortHandler {
					panic(err)
				}
				h.logger.ErrorContext(r.Context(), "panic recovered", "error", err)
				h.respondJSON(w, http.StatusInternalServerError, errorResponse{
					Code:  apperrors.ErrCodeInternal,
					Error: "internal server error",
				})
			}
		}()
		next(w, r)
	}
}

// authenticate 檢查專案與 API key
func (h *Handler) authenticate(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("project") != h.config.Project.ID {
			h.respondError(w, r, apperrors.ErrPermissionDenied.WithDetails("unknown project"))
			return
		}
		if !h.config.ValidAPIKey(r.Header.Get(HeaderAPIKey)) {
			h.respondError(w, r, apperrors.ErrPermissionDenied.WithDetails("invalid api key"))
			return
		}
		next(w, r)
	}
}

// rateLimit 以 API key + 客戶端識別限流；限流器故障時放行
func (h *Handler) rateLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 100*time.Millisecond)
		defer cancel()

		allowed, err := h.limiter.Allow(ctx, rateLimitKey(r))
		if err != nil {
			h.logger.WarnContext(r.Context(), "rate limiter unavailable", "error", err)
			next(w, r)
			return
		}
		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(h.config.RateLimit.Window.Seconds())))
			h.respondError(w, r, apperrors.ErrRateLimited)
			return
		}
		next(w, r)
	}
}

func rateLimitKey(r *http.Request) string {
	client := r.Header.Get(HeaderClientID)
	if client == "" {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		client = host
	}
	return r.Header.Get(HeaderAPIKey) + ":" + client
}

// responseWriter 包裝以捕獲狀態碼
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (w *responseWriter) WriteHeader(code int) {
	if !w.written {
		w.statusCode = code
		w.written = true
		w.ResponseWriter.WriteHeader(code)
	}
}

// Hijack WebSocket 升級需要
func (w *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.statusCode = http.StatusSwitchingProtocols
	w.written = true
	return hijacker.Hijack()
}

// Unwrap 讓 http.ResponseController 取得底層 writer
func (w *responseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
