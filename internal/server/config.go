// Package server 實作按讚計數的文件儲存服務
//
// HTTP 提供讀取、初始化、條件寫入；WebSocket 推送每一次提交。
// 所有請求都要帶專案的 API key，並依 collection 的安全規則授權。
package server

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"slices"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// 儲存與通知後端
const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
	DriverNATS     = "nats"
)

// Rule 單一 collection 的安全規則
type Rule struct {
	AllowRead  bool `yaml:"allow_read"`
	AllowWrite bool `yaml:"allow_write"`
	// MaxDelta 每次寫入 |new - old| 的上限，0 表示不限制
	MaxDelta int64 `yaml:"max_delta"`
}

// Config 整個服務的配置
type Config struct {
	Server struct {
		Port            int           `yaml:"port"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Store struct {
		Driver string `yaml:"driver"`
	} `yaml:"store"`

	Notifier struct {
		Driver string `yaml:"driver"`
	} `yaml:"notifier"`

	Redis struct {
		Addr         string        `yaml:"addr"`
		Password     string        `yaml:"password"`
		DB           int           `yaml:"db"`
		PoolSize     int           `yaml:"pool_size"`
		MinIdleConns int           `yaml:"min_idle_conns"`
		MaxRetries   int           `yaml:"max_retries"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"redis"`

	Postgres struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		DBName   string `yaml:"dbname"`
		MaxConns int32  `yaml:"max_conns"`
		MinConns int32  `yaml:"min_conns"`
	} `yaml:"postgres"`

	NATS struct {
		URL string `yaml:"url"`
	} `yaml:"nats"`

	Project struct {
		ID      string   `yaml:"id"`
		APIKeys []string `yaml:"api_keys"`
	} `yaml:"project"`

	// Rules collection 名稱對應規則，未列出的 collection 一律拒絕
	Rules map[string]Rule `yaml:"rules"`

	Attestation struct {
		Enforce  bool          `yaml:"enforce"`
		Secret   string        `yaml:"secret"`
		TokenTTL time.Duration `yaml:"token_ttl"`
		SiteKeys []string      `yaml:"site_keys"`
	} `yaml:"attestation"`

	RateLimit struct {
		Driver   string        `yaml:"driver"`
		Requests int           `yaml:"requests"`
		Window   time.Duration `yaml:"window"`
	} `yaml:"rate_limit"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// DefaultConfig 單機記憶體模式的預設值
func DefaultConfig() *Config {
	c := &Config{}
	c.Server.Port = 8080
	c.Server.ReadTimeout = 5 * time.Second
	c.Server.WriteTimeout = 10 * time.Second
	c.Server.ShutdownTimeout = 30 * time.Second

	c.Store.Driver = DriverMemory
	c.Notifier.Driver = DriverMemory

	c.Redis.Addr = "localhost:6379"
	c.Redis.PoolSize = 20
	c.Redis.MinIdleConns = 2
	c.Redis.MaxRetries = 3
	c.Redis.ReadTimeout = 3 * time.Second
	c.Redis.WriteTimeout = 3 * time.Second

	c.Postgres.Host = "localhost"
	c.Postgres.Port = 5432
	c.Postgres.User = "postgres"
	c.Postgres.DBName = "likes"
	c.Postgres.MaxConns = 10
	c.Postgres.MinConns = 2

	c.NATS.URL = "nats://localhost:4222"

	c.Attestation.TokenTTL = time.Hour

	c.RateLimit.Driver = DriverMemory
	c.RateLimit.Requests = 120
	c.RateLimit.Window = time.Minute

	c.Log.Level = "info"
	c.Log.Format = "json"
	return c
}

// LoadConfig 讀取 yaml 配置並套用環境變數覆蓋
func LoadConfig(path string) (*Config, error) {
	// #nosec G304 - path 來自命令列旗標
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	config.ApplyEnv()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// ApplyEnv 環境變數覆蓋（生產環境常用）
func (c *Config) ApplyEnv() {
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Redis.Addr = addr
	}
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		c.NATS.URL = natsURL
	}
	if secret := os.Getenv("LIKES_ATTESTATION_SECRET"); secret != "" {
		c.Attestation.Secret = secret
	}
}

// Validate 檢查配置
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverMemory, DriverRedis, DriverPostgres:
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	switch c.Notifier.Driver {
	case DriverMemory, DriverRedis, DriverNATS:
	default:
		return fmt.Errorf("unknown notifier driver %q", c.Notifier.Driver)
	}
	switch c.RateLimit.Driver {
	case DriverMemory, DriverRedis:
	default:
		return fmt.Errorf("unknown rate limit driver %q", c.RateLimit.Driver)
	}

	if c.Project.ID == "" {
		return fmt.Errorf("project.id is required")
	}
	if len(c.Project.APIKeys) == 0 {
		return fmt.Errorf("project.api_keys must not be empty")
	}
	if c.RateLimit.Requests <= 0 || c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate_limit.requests and rate_limit.window must be positive")
	}
	if c.Attestation.Enforce && c.Attestation.Secret == "" {
		return fmt.Errorf("attestation.secret is required when attestation is enforced")
	}
	return nil
}

// PostgresURL 生成 postgres:// 連線字串，pgxpool 與 golang-migrate 共用
func (c *Config) PostgresURL() string {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return dsn
	}

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.Postgres.User, c.Postgres.Password),
		Host:     net.JoinHostPort(c.Postgres.Host, strconv.Itoa(c.Postgres.Port)),
		Path:     "/" + c.Postgres.DBName,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

// Rule 取得 collection 的規則，未設定時回傳全部拒絕
func (c *Config) Rule(collection string) Rule {
	return c.Rules[collection]
}

// ValidAPIKey 檢查 API key
func (c *Config) ValidAPIKey(key string) bool {
	if key == "" {
		return false
	}
	return slices.Contains(c.Project.APIKeys, key)
}
