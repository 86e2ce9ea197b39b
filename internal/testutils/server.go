package testutils

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/koopa0/system-design/14-like-counter/internal/document"
	"github.com/koopa0/system-design/14-like-counter/internal/limiter"
	"github.com/koopa0/system-design/14-like-counter/internal/notify"
	"github.com/koopa0/system-design/14-like-counter/internal/server"
)

// 測試用的專案設定
const (
	TestProjectID = "portfolio"
	TestAPIKey    = "test-api-key"
	TestSiteKey   = "test-site-key"
	TestSecret    = "test-attestation-secret"
)

// DefaultTestConfig 測試配置：likes collection 可讀寫，每次最多變動 1
func DefaultTestConfig() *server.Config {
	config := server.DefaultConfig()
	config.Project.ID = TestProjectID
	config.Project.APIKeys = []string{TestAPIKey}
	config.Rules = map[string]server.Rule{
		"likes": {AllowRead: true, AllowWrite: true, MaxDelta: 1},
	}
	config.Attestation.Secret = TestSecret
	config.Attestation.SiteKeys = []string{TestSiteKey}
	config.Attestation.TokenTTL = time.Hour
	config.RateLimit.Requests = 10000
	config.RateLimit.Window = time.Minute
	return config
}

// TestServer 以記憶體儲存運行的完整服務
type TestServer struct {
	*httptest.Server
	Config  *server.Config
	Store   *document.MemoryStore
	Hub     *notify.Hub
	Handler *server.Handler
}

// NewTestServer 啟動測試服務，測試結束時關閉
func NewTestServer(t testing.TB, config *server.Config) *TestServer {
	t.Helper()

	store := document.NewMemoryStore()
	hub := notify.NewHub()
	registry := limiter.NewRegistry(config.RateLimit.Requests, config.RateLimit.Window, nil)
	handler := server.NewHandler(config, store, hub, registry, TestLogger())

	srv := httptest.NewServer(handler.Routes())
	t.Cleanup(func() {
		handler.Close()
		srv.Close()
		_ = hub.Close()
	})

	return &TestServer{
		Server:  srv,
		Config:  config,
		Store:   store,
		Hub:     hub,
		Handler: handler,
	}
}
