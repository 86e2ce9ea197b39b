package client

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	apperrors "github.com/koopa0/system-design/14-like-counter/pkg/errors"
	"golang.org/x/sync/singleflight"
)

// Status 連線器的診斷狀態
type Status struct {
	Initialized  bool
	Initializing bool
	Attempted    bool
	LastError    error
}

// Option 連線器選項
type Option func(*Connector)

// WithHTTPClient 自訂 HTTP 客戶端
func WithHTTPClient(client *http.Client) Option {
	return func(c *Connector) {
		c.httpClient = client
	}
}

// WithDialer 自訂 WebSocket dialer
func WithDialer(dialer *websocket.Dialer) Option {
	return func(c *Connector) {
		c.dialer = dialer
	}
}

// Connector 延遲建立的後端連線
type Connector struct {
	config     Config
	logger     *slog.Logger
	httpClient *http.Client
	dialer     *websocket.Dialer
	group      singleflight.Group

	mu           sync.Mutex
	conn         *Connection
	err          error
	attempted    bool
	initializing bool
}

// NewConnector 建立連線器，不做任何網路操作
func NewConnector(config Config, logger *slog.Logger, opts ...Option) *Connector {
	c := &Connector{
		config:     config,
		logger:     logger,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect 回傳共用的連線，第一次呼叫時才初始化
//
// 同時進行的呼叫只會觸發一次初始化。初始化的結果被記住：
// 失敗之後的呼叫直接回傳同一個錯誤。ctx 只影響呼叫端的等待，
// 不會中斷進行中的初始化。
func (c *Connector) Connect(ctx context.Context) (*Connection, error) {
	c.mu.Lock()
	if c.attempted && !c.initializing {
		conn, err := c.conn, c.err
		c.mu.Unlock()
		return conn, err
	}
	c.mu.Unlock()

	work := context.WithoutCancel(ctx)
	result := c.group.DoChan("connect", func() (any, error) {
		return c.initialize(work)
	})

	select {
	case res := <-result:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Connection), nil
	case <-ctx.Done():
		return nil, apperrors.Wrap(ctx.Err(), apperrors.ErrCodeTransient, "connect canceled")
	}
}

func (c *Connector) initialize(ctx context.Context) (*Connection, error) {
	c.mu.Lock()
	if c.attempted && !c.initializing {
		conn, err := c.conn, c.err
		c.mu.Unlock()
		return conn, err
	}
	c.attempted = true
	c.initializing = true
	c.mu.Unlock()

	start := time.Now()
	conn, err := c.open(ctx)

	c.mu.Lock()
	c.conn, c.err = conn, err
	c.initializing = false
	c.mu.Unlock()

	if err != nil {
		c.logger.Debug("backend connect failed", "error", err, "duration", time.Since(start))
		return nil, err
	}
	c.logger.Debug("backend connected",
		"project", c.config.ProjectID,
		"client_id", conn.ClientID(),
		"attested", conn.Attested(),
		"duration", time.Since(start),
	)
	return conn, nil
}

// open 驗證設定、建立連線，證明取得失敗不影響結果
func (c *Connector) open(ctx context.Context) (*Connection, error) {
	if err := c.config.Validate(); err != nil {
		return nil, err
	}

	conn, err := newConnection(c.config, c.httpClient, c.dialer, c.logger)
	if err != nil {
		return nil, err
	}

	if c.config.AttestationSiteKey != "" {
		if err := conn.attest(ctx, c.config.AttestationSiteKey); err != nil {
			c.logger.Debug("attestation unavailable, continuing without it", "error", err)
		}
	}
	return conn, nil
}

// Status 目前的診斷狀態
func (c *Connector) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Status{
		Initialized:  c.conn != nil,
		Initializing: c.initializing,
		Attempted:    c.attempted,
		LastError:    c.err,
	}
}
