package server

import (
	"context"
	"database/sql"
	"time"

	"github.com/onnwee/live-tender/config"
	"github.com/onnwee/live-tender/db"
	"github.com/onnwee/live-tender/monitor"
)

// StatusReporter is the registry surface the status and readiness endpoints
// read. Implemented by monitor.Registry.
type StatusReporter interface {
	StatusSnapshot() []monitor.ChannelStatus
}

// SessionLister serves recent capture sessions for the status endpoint.
// Implemented by db.CaptureStore.
type SessionLister interface {
	RecentSessions(ctx context.Context, limit int) ([]db.CaptureSession, error)
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	cfg      *config.Config
	registry StatusReporter
	db       *sql.DB       // nil when session history is disabled
	sessions SessionLister // nil when session history is disabled
	started  time.Time
}

// NewHandlers creates a new Handlers instance with the given dependencies.
// database and sessions are nil when no Postgres DSN is configured.
func NewHandlers(cfg *config.Config, registry StatusReporter, database *sql.DB, sessions SessionLister) *Handlers {
	return &Handlers{
		cfg:      cfg,
		registry: registry,
		db:       database,
		sessions: sessions,
		started:  time.Now(),
	}
}
