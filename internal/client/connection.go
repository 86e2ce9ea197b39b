package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/koopa0/system-design/14-like-counter/internal/document"
	apperrors "github.com/koopa0/system-design/14-like-counter/pkg/errors"
)

// 請求標頭，與服務端一致
const (
	headerAPIKey           = "X-Api-Key"
	headerAttestationToken = "X-Attestation-Token"
	headerClientID         = "X-Client-Id"
	headerAppID            = "X-App-Id"
)

// Connection 已初始化的後端連線
type Connection struct {
	config     Config
	base       *url.URL
	httpClient *http.Client
	dialer     *websocket.Dialer
	logger     *slog.Logger
	clientID   string

	mu    sync.RWMutex
	token string
}

func newConnection(config Config, httpClient *http.Client, dialer *websocket.Dialer, logger *slog.Logger) (*Connection, error) {
	raw := config.AuthDomain
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	base, err := url.Parse(raw)
	if err != nil || base.Host == "" {
		return nil, apperrors.ErrConfiguration.WithDetails(fmt.Sprintf("invalid %s %q", EnvAuthDomain, config.AuthDomain))
	}

	return &Connection{
		config:     config,
		base:       base,
		httpClient: httpClient,
		dialer:     dialer,
		logger:     logger,
		clientID:   uuid.NewString(),
	}, nil
}

// ClientID 此連線的識別碼，服務端據此限流
func (c *Connection) ClientID() string {
	return c.clientID
}

// Attested 是否已取得證明 token
func (c *Connection) Attested() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token != ""
}

// Document 取得文件參照
func (c *Connection) Document(path string) (*DocumentRef, error) {
	if err := document.ValidatePath(path); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "invalid document path")
	}
	return &DocumentRef{conn: c, path: path}, nil
}

func (c *Connection) endpoint(elem ...string) string {
	parts := append([]string{"v1", "projects", c.config.ProjectID}, elem...)
	return c.base.JoinPath(parts...).String()
}

func (c *Connection) headers() http.Header {
	h := http.Header{}
	h.Set(headerAPIKey, c.config.APIKey)
	h.Set(headerClientID, c.clientID)
	h.Set(headerAppID, c.config.AppID)

	c.mu.RLock()
	if c.token != "" {
		h.Set(headerAttestationToken, c.token)
	}
	c.mu.RUnlock()
	return h
}

// do 送出 JSON 請求並解析回應，非 2xx 轉為 AppError
func (c *Connection) do(ctx context.Context, method, endpoint string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header = c.headers()
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeTransient, "request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeTransient, "decode response")
		}
	}
	return nil
}

type errorBody struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

// statusError 狀態碼對應錯誤分類
func statusError(resp *http.Response) error {
	var body errorBody
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err := json.Unmarshal(data, &body); err != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(data))
	}
	if body.Error == "" {
		body.Error = resp.Status
	}

	cause := fmt.Errorf("server responded %d: %s", resp.StatusCode, body.Error)
	switch resp.StatusCode {
	case http.StatusForbidden, http.StatusUnauthorized:
		return apperrors.Wrap(cause, apperrors.ErrCodePermissionDenied, "permission denied")
	case http.StatusTooManyRequests:
		return apperrors.Wrap(cause, apperrors.ErrCodeRateLimited, "too many requests")
	case http.StatusConflict:
		return apperrors.Wrap(cause, apperrors.ErrCodeConflict, "document version changed")
	default:
		return apperrors.Wrap(cause, apperrors.ErrCodeTransient, "temporary failure")
	}
}

// streamError 串流錯誤訊息的錯誤碼對應
func streamError(code, message string) error {
	cause := errors.New(message)
	switch code {
	case apperrors.ErrCodePermissionDenied:
		return apperrors.Wrap(cause, apperrors.ErrCodePermissionDenied, "permission denied")
	default:
		return apperrors.Wrap(cause, apperrors.ErrCodeTransient, "listen stream failed")
	}
}
