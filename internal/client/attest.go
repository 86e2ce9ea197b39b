package client

import (
	"context"
	"net/http"
	"time"
)

type attestResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// attest 以 site key 取得證明 token，之後的請求都會附上
func (c *Connection) attest(ctx context.Context, siteKey string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var resp attestResponse
	if err := c.do(ctx, http.MethodPost, c.endpoint("attest"), map[string]string{"site_key": siteKey}, &resp); err != nil {
		return err
	}

	c.mu.Lock()
	c.token = resp.Token
	c.mu.Unlock()

	c.logger.Debug("attestation token acquired", "expires_at", resp.ExpiresAt)
	return nil
}
