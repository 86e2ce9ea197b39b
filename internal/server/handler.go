package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/koopa0/system-design/14-like-counter/internal/document"
	"github.com/koopa0/system-design/14-like-counter/internal/limiter"
	"github.com/koopa0/system-design/14-like-counter/internal/notify"
	apperrors "github.com/koopa0/system-design/14-like-counter/pkg/errors"
	"github.com/koopa0/system-design/14-like-counter/pkg/logger"
)

// 請求標頭
const (
	HeaderAPIKey           = "X-Api-Key"
	HeaderAttestationToken = "X-Attestation-Token"
	HeaderClientID         = "X-Client-Id"
	HeaderRequestID        = "X-Request-Id"
)

// Handler HTTP 請求處理器
type Handler struct {
	config   *Config
	store    document.Store
	notifier notify.Notifier
	limiter  limiter.Limiter
	attestor *Attestor
	logger   *slog.Logger
	upgrader websocket.Upgrader

	pingPeriod time.Duration
	pongWait   time.Duration

	// streams 追蹤進行中的監聽串流，Close 時全部結束
	// mu 保證 Close 開始等待後不會再有 streams.Add
	mu      sync.Mutex
	streams sync.WaitGroup
	base    context.Context
	stop    context.CancelFunc
}

// NewHandler 創建 HTTP 處理器
func NewHandler(config *Config, store document.Store, notifier notify.Notifier, lim limiter.Limiter, logger *slog.Logger) *Handler {
	base, stop := context.WithCancel(context.Background())
	return &Handler{
		config:   config,
		store:    store,
		notifier: notifier,
		limiter:  lim,
		attestor: NewAttestor(config.Attestation.Secret, config.Attestation.TokenTTL, config.Attestation.SiteKeys),
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// API key 已驗證，不限制來源
				return true
			},
		},
		pingPeriod: pingPeriod,
		pongWait:   pongWait,
		base:       base,
		stop:       stop,
	}
}

// Routes 設定路由
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// 中間件鏈：恢復 -> 請求 ID -> 日誌 -> 業務處理
	wrap := func(handler http.HandlerFunc) http.HandlerFunc {
		return h.recoverer(h.requestID(h.loggerMiddleware(handler)))
	}
	// API 另外需要驗證與限流
	api := func(handler http.HandlerFunc) http.HandlerFunc {
		return wrap(h.authenticate(h.rateLimit(handler)))
	}

	const doc = "/v1/projects/{project}/documents/{collection}/{document}"
	mux.HandleFunc("GET "+doc, api(h.getDocument))
	mux.HandleFunc("PUT "+doc, api(h.putDocument))
	mux.HandleFunc("POST "+doc+"/init", api(h.initDocument))
	mux.HandleFunc("GET "+doc+"/listen", api(h.listen))
	mux.HandleFunc("POST /v1/projects/{project}/attest", api(h.attest))

	// 健康檢查
	mux.HandleFunc("GET /health", wrap(h.health))
	mux.HandleFunc("GET /ready", wrap(h.ready))

	return mux
}

// Close 結束所有監聽串流並等待其退出
func (h *Handler) Close() {
	h.mu.Lock()
	h.stop()
	h.mu.Unlock()
	h.streams.Wait()
}

// trackStream 登記一條串流，服務關閉中回傳 false
func (h *Handler) trackStream() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.base.Err() != nil {
		return false
	}
	h.streams.Add(1)
	return true
}

// 請求和響應結構
type writeRequest struct {
	Likes   *int64 `json:"likes"`
	Version int64  `json:"version"`
}

type attestRequest struct {
	SiteKey string `json:"site_key"`
}

type documentResponse struct {
	Success  bool              `json:"success"`
	Created  bool              `json:"created,omitempty"`
	Document document.Snapshot `json:"document"`
}

type attestResponse struct {
	Success   bool      `json:"success"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Code    string `json:"code"`
	Error   string `json:"error"`
}

// documentPath 由路由參數組出文件路徑
func documentPath(r *http.Request) (string, string, error) {
	collection := r.PathValue("collection")
	path, err := document.JoinPath(collection, r.PathValue("document"))
	if err != nil {
		return "", "", err
	}
	return path, collection, nil
}

// getDocument 讀取文件
func (h *Handler) getDocument(w http.ResponseWriter, r *http.Request) {
	path, collection, err := documentPath(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if err := h.authorizeRead(collection); err != nil {
		h.respondError(w, r, err)
		return
	}

	snap, err := h.store.Get(r.Context(), path)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusOK, documentResponse{Success: true, Document: snap})
}

// initDocument 文件不存在時建立 {likes: 0}
func (h *Handler) initDocument(w http.ResponseWriter, r *http.Request) {
	path, collection, err := documentPath(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if err := h.authorizeWrite(r, collection); err != nil {
		h.respondError(w, r, err)
		return
	}

	snap, created, err := h.store.InitializeIfMissing(r.Context(), path)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if created {
		h.logger.InfoContext(r.Context(), "document initialized", "path", path)
		h.publish(r.Context(), snap)
	}

	h.respondJSON(w, http.StatusOK, documentResponse{Success: true, Created: created, Document: snap})
}

// putDocument 版本相符時寫入
func (h *Handler) putDocument(w http.ResponseWriter, r *http.Request) {
	path, collection, err := documentPath(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if err := h.authorizeWrite(r, collection); err != nil {
		h.respondError(w, r, err)
		return
	}

	var req writeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Likes == nil {
		h.respondError(w, r, apperrors.ErrInvalidInput.WithDetails("body must be {\"likes\": n, \"version\": v}"))
		return
	}
	likes := *req.Likes
	if likes < 0 {
		h.respondError(w, r, document.ErrNegativeValue)
		return
	}

	// max_delta 需要目前的值；版本已不同就不必比較，直接衝突
	if rule := h.config.Rule(collection); rule.MaxDelta > 0 {
		current, err := h.store.Get(r.Context(), path)
		if err != nil {
			h.respondError(w, r, err)
			return
		}
		if current.Version != req.Version {
			h.respondError(w, r, document.ErrConflict)
			return
		}
		delta := likes - current.Likes
		if delta < 0 {
			delta = -delta
		}
		if delta > rule.MaxDelta {
			h.respondError(w, r, apperrors.ErrPermissionDenied.WithDetails(
				fmt.Sprintf("change of %d exceeds max_delta %d", delta, rule.MaxDelta)))
			return
		}
	}

	start := time.Now()
	snap, err := h.store.CompareAndSet(r.Context(), path, req.Version, likes)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	logger.Metrics(r.Context(), h.logger, "document.commit", time.Since(start),
		slog.String("path", path),
		slog.Int64("likes", snap.Likes),
		slog.Int64("version", snap.Version),
	)
	h.publish(r.Context(), snap)

	h.respondJSON(w, http.StatusOK, documentResponse{Success: true, Document: snap})
}

// attest 簽發證明 token
func (h *Handler) attest(w http.ResponseWriter, r *http.Request) {
	var req attestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, r, apperrors.ErrInvalidInput.WithDetails("invalid request body"))
		return
	}

	token, expiresAt, err := h.attestor.Issue(h.config.Project.ID, req.SiteKey)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusOK, attestResponse{Success: true, Token: token, ExpiresAt: expiresAt})
}

// health 健康檢查
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

// ready 就緒檢查
func (h *Handler) ready(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		h.logger.WarnContext(r.Context(), "store not ready", "error", err)
		h.respondJSON(w, http.StatusServiceUnavailable, errorResponse{
			Code:  apperrors.ErrCodeTransient,
			Error: "store not ready",
		})
		return
	}

	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "Ready")
}

// authorizeRead 依規則檢查讀取
func (h *Handler) authorizeRead(collection string) error {
	if !h.config.Rule(collection).AllowRead {
		return apperrors.ErrPermissionDenied.WithDetails("read not allowed on " + collection)
	}
	return nil
}

// authorizeWrite 依規則檢查寫入，啟用證明時另外驗證 token
func (h *Handler) authorizeWrite(r *http.Request, collection string) error {
	if !h.config.Rule(collection).AllowWrite {
		return apperrors.ErrPermissionDenied.WithDetails("write not allowed on " + collection)
	}
	if h.config.Attestation.Enforce {
		if _, err := h.attestor.Verify(r.Header.Get(HeaderAttestationToken), h.config.Project.ID); err != nil {
			return err
		}
	}
	return nil
}

// publish 廣播提交結果，失敗只記錄
func (h *Handler) publish(ctx context.Context, snap document.Snapshot) {
	if err := h.notifier.Publish(context.WithoutCancel(ctx), snap); err != nil {
		h.logger.WarnContext(ctx, "failed to publish change", "path", snap.Path, "version", snap.Version, "error", err)
	}
}

// classify 錯誤對應 HTTP 狀態與錯誤碼
func classify(err error) (int, string, string) {
	switch {
	case errors.Is(err, document.ErrConflict):
		return http.StatusConflict, apperrors.ErrCodeConflict, "document version changed"
	case errors.Is(err, document.ErrNegativeValue), errors.Is(err, document.ErrInvalidPath):
		return http.StatusBadRequest, apperrors.ErrCodeInvalidInput, err.Error()
	}

	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		return http.StatusInternalServerError, apperrors.ErrCodeInternal, "internal server error"
	}

	message := appErr.Message
	if appErr.Details != "" {
		message += ": " + appErr.Details
	}

	switch appErr.Code {
	case apperrors.ErrCodePermissionDenied:
		return http.StatusForbidden, appErr.Code, message
	case apperrors.ErrCodeRateLimited:
		return http.StatusTooManyRequests, appErr.Code, message
	case apperrors.ErrCodeConflict:
		return http.StatusConflict, appErr.Code, message
	case apperrors.ErrCodeNotFound:
		return http.StatusNotFound, appErr.Code, message
	case apperrors.ErrCodeInvalidInput:
		return http.StatusBadRequest, appErr.Code, message
	case apperrors.ErrCodeFeatureDisabled:
		return http.StatusNotImplemented, appErr.Code, message
	case apperrors.ErrCodeTransient:
		return http.StatusServiceUnavailable, appErr.Code, message
	default:
		return http.StatusInternalServerError, apperrors.ErrCodeInternal, "internal server error"
	}
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message := classify(err)
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
	} else {
		h.logger.DebugContext(r.Context(), "request rejected", "path", r.URL.Path, "code", code, "error", err)
	}

	h.respondJSON(w, status, errorResponse{
		Success: false,
		Code:    code,
		Error:   message,
	})
}
