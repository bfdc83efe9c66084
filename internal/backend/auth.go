package backend

import (
	"context"
	"net/http"
	"time"
)

// Session is the credential pair returned by the auth service.
type Session struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at"`
	TokenType    string `json:"token_type"`
}

// Expiry returns when the access token stops being valid.
func (s *Session) Expiry() time.Time {
	if s.ExpiresAt > 0 {
		return time.Unix(s.ExpiresAt, 0)
	}
	return time.Now().Add(time.Duration(s.ExpiresIn) * time.Second)
}

// RefreshSession exchanges a refresh token for a fresh session. The caller
// owns the deadline: the request honors ctx and nothing here retries. The
// health monitor wraps this with its own bound and failure accounting.
func (c *Client) RefreshSession(ctx context.Context, refreshToken string) (*Session, error) {
	body := map[string]string{"refresh_token": refreshToken}
	var sess Session
	err := c.do(ctx, http.MethodPost, "/auth/v1/token?grant_type=refresh_token", body, &sess, nil)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// SignInPassword authenticates with email + password. Used by chatctl for
// initial provisioning; the daemon itself only ever refreshes.
func (c *Client) SignInPassword(ctx context.Context, email, password string) (*Session, error) {
	body := map[string]string{"email": email, "password": password}
	var sess Session
	err := c.do(ctx, http.MethodPost, "/auth/v1/token?grant_type=password", body, &sess, nil)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}
