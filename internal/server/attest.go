package server

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	apperrors "github.com/koopa0/system-design/14-like-counter/pkg/errors"
)

const attestationIssuer = "like-counter"

// AttestationClaims 證明 token 的內容
type AttestationClaims struct {
	SiteKey string `json:"site_key"`
	jwt.RegisteredClaims
}

// Attestor 簽發與驗證客戶端證明 token（HS256）
type Attestor struct {
	secret   []byte
	ttl      time.Duration
	siteKeys []string
	now      func() time.Time
}

// NewAttestor 建立證明簽發器，siteKeys 為空時接受任何 site key
func NewAttestor(secret string, ttl time.Duration, siteKeys []string) *Attestor {
	return &Attestor{
		secret:   []byte(secret),
		ttl:      ttl,
		siteKeys: siteKeys,
		now:      time.Now,
	}
}

// Issue 為專案簽發 token
func (a *Attestor) Issue(projectID, siteKey string) (string, time.Time, error) {
	if len(a.secret) == 0 {
		return "", time.Time{}, apperrors.ErrFeatureDisabled.WithDetails("attestation is not configured")
	}
	if siteKey == "" || (len(a.siteKeys) > 0 && !slices.Contains(a.siteKeys, siteKey)) {
		return "", time.Time{}, apperrors.ErrPermissionDenied.WithDetails("unknown site key")
	}

	now := a.now()
	expiresAt := now.Add(a.ttl)
	claims := AttestationClaims{
		SiteKey: siteKey,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    attestationIssuer,
			Audience:  jwt.ClaimStrings{projectID},
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign attestation token: %w", err)
	}
	return token, expiresAt, nil
}

// Verify 驗證 token 屬於該專案且未過期
func (a *Attestor) Verify(tokenString, projectID string) (*AttestationClaims, error) {
	if tokenString == "" {
		return nil, apperrors.ErrPermissionDenied.WithDetails("missing attestation token")
	}

	claims := &AttestationClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims,
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return a.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(attestationIssuer),
		jwt.WithAudience(projectID),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodePermissionDenied, "invalid attestation token")
	}
	if !token.Valid {
		return nil, apperrors.Wrap(errors.New("token not valid"), apperrors.ErrCodePermissionDenied, "invalid attestation token")
	}
	return claims, nil
}
