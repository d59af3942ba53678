package twitchapi

import "fmt"

// AuthError reports a failed app token exchange or a credential Twitch keeps
// rejecting. The poll loop logs it and tries again next cycle.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string { return fmt.Sprintf("twitch auth: %s: %v", e.Op, e.Err) }
func (e *AuthError) Unwrap() error { return e.Err }

// APIError is a non-auth 4xx from Helix. The request itself is bad, so it is
// never retried.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string { return fmt.Sprintf("helix: status %d: %s", e.Status, e.Body) }

// TransientNetworkError wraps the last transport or 5xx failure once the retry
// window is exhausted. Callers treat it as a skipped cycle, not a fault.
type TransientNetworkError struct {
	Err error
}

func (e *TransientNetworkError) Error() string { return fmt.Sprintf("helix: retries exhausted: %v", e.Err) }
func (e *TransientNetworkError) Unwrap() error { return e.Err }
