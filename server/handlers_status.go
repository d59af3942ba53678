package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/onnwee/live-tender/capture"
)

// HandleStatus returns a lightweight summary of the watch loop: per-channel
// state, live and capturing counts, publish slot usage, and recent capture
// sessions when history is enabled.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	channels := h.registry.StatusSnapshot()
	live, capturing := 0, 0
	for _, cs := range channels {
		if cs.Status == "live" {
			live++
		}
		if cs.Capturing {
			capturing++
		}
	}

	resp := map[string]any{
		"channels":                 channels,
		"live":                     live,
		"capturing":                capturing,
		"active_publishes":         capture.ActivePublishes(),
		"max_concurrent_publishes": capture.MaxConcurrentPublishes(),
		"poll_interval":            h.cfg.PollInterval.String(),
		"poll_interval_live":       h.cfg.PollIntervalLive.String(),
		"uptime":                   time.Since(h.started).Round(time.Second).String(),
	}

	if h.sessions != nil {
		limit := parseIntQuery(r, "limit", 20)
		sessions, err := h.sessions.RecentSessions(r.Context(), limit)
		if err != nil {
			slog.Warn("failed to load recent sessions", slog.Any("err", err))
		} else {
			resp["recent_sessions"] = sessions
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// parseIntQuery reads an integer query parameter, falling back to def when the
// parameter is absent or malformed.
func parseIntQuery(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
