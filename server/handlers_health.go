package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
)

// HandleHealthz responds to liveness probe requests. The watch loop runs
// without a database, so the ping only joins the check when history is
// configured.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if h.db != nil {
		if err := h.db.PingContext(r.Context()); err != nil {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probe requests with named system checks.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"twitch_credentials", func() error {
			if h.cfg.TwitchClientID == "" || h.cfg.TwitchClientSecret == "" {
				return fmt.Errorf("missing twitch api credentials")
			}
			return nil
		}},
		{"watch_list", func() error {
			if len(h.registry.StatusSnapshot()) == 0 {
				return fmt.Errorf("no channels configured")
			}
			return nil
		}},
		{"data_dir", func() error {
			return os.MkdirAll(h.cfg.DataDir, 0o755)
		}},
		{"database", func() error {
			if h.db == nil {
				return nil
			}
			return h.db.PingContext(r.Context())
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			// Set headers before writing status code
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}
