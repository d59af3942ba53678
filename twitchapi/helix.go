// Package twitchapi talks to Twitch Helix with an app access token: token
// lifecycle and listing which watched channels are currently live.
package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/onnwee/live-tender/telemetry"
)

const defaultRetryWindow = 60 * time.Second

// HelixClient lists live streams for the watched logins. Transport failures,
// 429s and 5xx responses are retried with exponential backoff until
// RetryWindow is spent; a 401 invalidates the app token and retries once with
// a fresh one. Other 4xx responses are surfaced immediately as *APIError.
type HelixClient struct {
	AppTokenSource *TokenSource
	ClientID       string
	HTTPClient     *http.Client
	RetryWindow    time.Duration
}

// Stream is one live broadcast as reported by Helix.
type Stream struct {
	ID          string    `json:"id"`
	UserLogin   string    `json:"user_login"`
	UserName    string    `json:"user_name"`
	GameID      string    `json:"game_id"`
	GameName    string    `json:"game_name"`
	Type        string    `json:"type"`
	Title       string    `json:"title"`
	ViewerCount int       `json:"viewer_count"`
	StartedAt   time.Time `json:"started_at"`
}

// Live reports whether the snapshot is a real live broadcast. Helix also
// returns entries while a channel replays or premieres; those don't count.
func (s *Stream) Live() bool {
	return s != nil && s.Type == "live"
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

func (hc *HelixClient) retryWindow() time.Duration {
	if hc.RetryWindow > 0 {
		return hc.RetryWindow
	}
	return defaultRetryWindow
}

// GetStreams returns the currently live subset of the given logins. Logins
// absent from the result are offline. The caller decides what "live" means via
// Stream.Live.
func (hc *HelixClient) GetStreams(ctx context.Context, logins ...string) ([]Stream, error) {
	if len(logins) == 0 {
		return nil, fmt.Errorf("no logins given")
	}

	invalidated := false
	op := func() ([]Stream, error) {
		tok, err := hc.AppTokenSource.Get(ctx)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://api.twitch.tv/helix/streams", nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		q := req.URL.Query()
		for _, l := range logins {
			q.Add("user_login", l)
		}
		req.URL.RawQuery = q.Encode()
		req.Header.Set("Client-Id", hc.ClientID)
		req.Header.Set("Authorization", "Bearer "+tok)
		resp, err := hc.http().Do(req)
		if err != nil {
			return nil, err
		}
		defer func() {
			if err := resp.Body.Close(); err != nil {
				slog.Warn("failed to close response body", slog.Any("err", err))
			}
		}()
		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			if invalidated {
				return nil, backoff.Permanent(&AuthError{Op: "streams", Err: errors.New("unauthorized after token refresh")})
			}
			invalidated = true
			hc.AppTokenSource.Invalidate()
			return nil, errors.New("unauthorized, app token invalidated")
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			b, _ := io.ReadAll(resp.Body)
			return nil, fmt.Errorf("helix: status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
		case resp.StatusCode >= 400:
			b, _ := io.ReadAll(resp.Body)
			return nil, backoff.Permanent(&APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(b))})
		}
		observeRatelimit(resp)
		var body struct {
			Data []Stream `json:"data"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return nil, err
		}
		return body.Data, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.Multiplier = 2

	streams, err := backoff.Retry(ctx, op, backoff.WithBackOff(bo), backoff.WithMaxElapsedTime(hc.retryWindow()))
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return nil, apiErr
		}
		var authErr *AuthError
		if errors.As(err, &authErr) {
			return nil, authErr
		}
		return nil, &TransientNetworkError{Err: err}
	}
	return streams, nil
}

// observeRatelimit surfaces the Helix rate-limit headers. Twitch's bucket is
// generous for this poll cadence, so the numbers feed logs and a gauge only.
func observeRatelimit(resp *http.Response) {
	rem := resp.Header.Get("Ratelimit-Remaining")
	if rem == "" {
		return
	}
	if v, err := strconv.ParseFloat(rem, 64); err == nil {
		telemetry.SetHelixRatelimitRemaining(v)
	}
	slog.Debug("helix ratelimit",
		slog.String("limit", resp.Header.Get("Ratelimit-Limit")),
		slog.String("remaining", rem),
		slog.String("reset", resp.Header.Get("Ratelimit-Reset")))
}
