// Package client 連線至文件儲存服務
//
// Connector 延遲到第一次需要時才建立連線，同時間的多個呼叫共用同一次初始化，
// 結果（成功或失敗）會被記住，之後不會自動重試。
package client

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	apperrors "github.com/koopa0/system-design/14-like-counter/pkg/errors"
)

// 環境變數名稱
const (
	EnvAPIKey             = "LIKES_API_KEY"
	EnvAuthDomain         = "LIKES_AUTH_DOMAIN"
	EnvProjectID          = "LIKES_PROJECT_ID"
	EnvAppID              = "LIKES_APP_ID"
	EnvAttestationSiteKey = "LIKES_ATTESTATION_SITE_KEY"
	EnvDebug              = "LIKES_DEBUG"
	EnvEnabled            = "LIKES_ENABLED"
	EnvRealtime           = "LIKES_REALTIME"
)

// Config 客戶端設定
type Config struct {
	APIKey     string
	AuthDomain string
	ProjectID  string
	AppID      string

	AttestationSiteKey string
	Debug              bool

	// 功能旗標，未設定時為 true
	Enabled  bool
	Realtime bool
}

// LoadConfig 載入 .env（檔案不存在時略過）後從環境變數讀取
//
// godotenv 不會覆蓋已存在的環境變數。
func LoadConfig(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load env file: %w", err)
	}
	return ConfigFromEnv(), nil
}

// ConfigFromEnv 從環境變數讀取設定
func ConfigFromEnv() Config {
	return Config{
		APIKey:             strings.TrimSpace(os.Getenv(EnvAPIKey)),
		AuthDomain:         strings.TrimSpace(os.Getenv(EnvAuthDomain)),
		ProjectID:          strings.TrimSpace(os.Getenv(EnvProjectID)),
		AppID:              strings.TrimSpace(os.Getenv(EnvAppID)),
		AttestationSiteKey: strings.TrimSpace(os.Getenv(EnvAttestationSiteKey)),
		Debug:              envBool(EnvDebug, false),
		Enabled:            envBool(EnvEnabled, true),
		Realtime:           envBool(EnvRealtime, true),
	}
}

func envBool(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return fallback
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return b
}

// Missing 列出缺少的必要欄位
func (c Config) Missing() []string {
	var missing []string
	for _, field := range []struct {
		key   string
		value string
	}{
		{EnvAPIKey, c.APIKey},
		{EnvAuthDomain, c.AuthDomain},
		{EnvProjectID, c.ProjectID},
		{EnvAppID, c.AppID},
	} {
		if strings.TrimSpace(field.value) == "" {
			missing = append(missing, field.key)
		}
	}
	return missing
}

// Validate 必要欄位缺漏時回傳 CONFIGURATION_ERROR
func (c Config) Validate() error {
	if missing := c.Missing(); len(missing) > 0 {
		return apperrors.ErrConfiguration.WithDetails("missing " + strings.Join(missing, ", "))
	}
	return nil
}
