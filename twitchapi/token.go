package twitchapi

import (
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
	"time"
)

// Refresh this far before the reported expiry so in-flight requests never
// carry a token about to lapse.
const tokenExpiryBuffer = 60 * time.Second

// TokenSource fetches and caches a Twitch app access (client credentials) token.
// NOTE: This token CANNOT be used for IRC chat; chat requires a user (bot) OAuth
// token, which the anonymous chat recorder deliberately avoids.
type TokenSource struct {
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client

	mu        sync.RWMutex
	token     string
	expiresAt time.Time
}

// Get returns a valid (fresh or cached) app access token.
func (ts *TokenSource) Get(ctx context.Context) (string, error) {
	ts.mu.RLock()
	if ts.token != "" && time.Until(ts.expiresAt) > tokenExpiryBuffer {
		tok := ts.token
		ts.mu.RUnlock()
		return tok, nil
	}
	ts.mu.RUnlock()
	return ts.refresh(ctx)
}

// Expired reports whether the cached token is absent or past its expiry.
func (ts *TokenSource) Expired() bool {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.token == "" || time.Until(ts.expiresAt) <= 0
}

// Invalidate drops the cached token so the next Get fetches a fresh one. The
// Helix client calls this when Twitch rejects the token with a 401.
func (ts *TokenSource) Invalidate() {
	ts.mu.Lock()
	ts.token = ""
	ts.expiresAt = time.Time{}
	ts.mu.Unlock()
}

// SetToken seeds the cache with a known token and expiry.
func (ts *TokenSource) SetToken(tok string, expiresAt time.Time) {
	ts.mu.Lock()
	ts.token = tok
	ts.expiresAt = expiresAt
	ts.mu.Unlock()
}

func (ts *TokenSource) refresh(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	// Another caller may have refreshed while we waited for the lock.
	if ts.token != "" && time.Until(ts.expiresAt) > tokenExpiryBuffer {
		return ts.token, nil
	}
	if ts.ClientID == "" || ts.ClientSecret == "" {
		return "", &AuthError{Op: "refresh", Err: errors.New("missing client id/secret for twitch app token")}
	}
	form := url.Values{}
	form.Set("client_id", ts.ClientID)
	form.Set("client_secret", ts.ClientSecret)
	form.Set("grant_type", "client_credentials")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://id.twitch.tv/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", &AuthError{Op: "refresh", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	hc := ts.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return "", &AuthError{Op: "refresh", Err: err}
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return "", &AuthError{Op: "refresh", Err: fmt.Errorf("token request failed: %s: %s", resp.Status, string(b))}
	}
	var at struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
		TokenType   string `json:"token_type"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&at); err != nil {
		return "", &AuthError{Op: "refresh", Err: err}
	}
	if at.AccessToken == "" {
		return "", &AuthError{Op: "refresh", Err: errors.New("empty access_token in twitch response")}
	}
	if at.ExpiresIn <= 0 {
		return "", &AuthError{Op: "refresh", Err: errors.New("missing expires_in in twitch response")}
	}
	ts.token = at.AccessToken
	ts.expiresAt = time.Now().Add(time.Duration(at.ExpiresIn) * time.Second)
	return ts.token, nil
}
