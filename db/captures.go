package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/onnwee/live-tender/monitor"
)

// CaptureStore persists capture sessions. It implements the supervisor's
// session store seam; the HTTP status endpoint reads it back.
type CaptureStore struct {
	DB *sql.DB
}

// StartSession records a new capture row as soon as the subprocess spawns.
func (s *CaptureStore) StartSession(ctx context.Context, id string, rec *monitor.StreamRecord) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO captures
		(id, channel, stream_id, title, game_name, started_at, saving_started_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7) ON CONFLICT (id) DO NOTHING`,
		id, rec.UserLogin, rec.ID, rec.Title, rec.GameName, rec.StartedAt, rec.SavingStartedAt)
	if err != nil {
		return fmt.Errorf("insert capture session: %w", err)
	}
	return nil
}

// FinishSession completes the row with the publish outcome and the final
// record state. A successful publish also refreshes the channel's
// last-publish marker in kv.
func (s *CaptureStore) FinishSession(ctx context.Context, id, path, publishedURL string, publishErr error, rec *monitor.StreamRecord) error {
	timeline, err := json.Marshal(rec.Timeline)
	if err != nil {
		timeline = []byte("[]")
	}
	var errText sql.NullString
	if publishErr != nil {
		errText = sql.NullString{String: publishErr.Error(), Valid: true}
	}
	if _, err := s.DB.ExecContext(ctx, `UPDATE captures SET
		file_path=$2, published_url=NULLIF($3,''), publish_error=$4,
		title=$5, game_name=$6, timeline=$7, finished_at=NOW()
		WHERE id=$1`,
		id, path, publishedURL, errText, rec.Title, rec.GameName, timeline); err != nil {
		return fmt.Errorf("finish capture session: %w", err)
	}
	if publishedURL != "" {
		if err := SetKV(ctx, s.DB, "last_publish:"+rec.UserLogin, publishedURL); err != nil {
			return fmt.Errorf("record last publish: %w", err)
		}
	}
	return nil
}

// CaptureSession is one row of capture history, shaped for the status
// endpoint.
type CaptureSession struct {
	ID           string     `json:"id"`
	Channel      string     `json:"channel"`
	StreamID     string     `json:"stream_id"`
	Title        string     `json:"title,omitempty"`
	GameName     string     `json:"game_name,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FilePath     string     `json:"file_path,omitempty"`
	PublishedURL string     `json:"published_url,omitempty"`
	PublishError string     `json:"publish_error,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// RecentSessions returns the newest capture rows, most recent first.
func (s *CaptureStore) RecentSessions(ctx context.Context, limit int) ([]CaptureSession, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT id, channel, stream_id,
		COALESCE(title,''), COALESCE(game_name,''), started_at,
		COALESCE(file_path,''), COALESCE(published_url,''), COALESCE(publish_error,''), finished_at
		FROM captures ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query capture sessions: %w", err)
	}
	defer rows.Close()

	var out []CaptureSession
	for rows.Next() {
		var cs CaptureSession
		var startedAt, finishedAt sql.NullTime
		if err := rows.Scan(&cs.ID, &cs.Channel, &cs.StreamID, &cs.Title, &cs.GameName,
			&startedAt, &cs.FilePath, &cs.PublishedURL, &cs.PublishError, &finishedAt); err != nil {
			return nil, fmt.Errorf("scan capture session: %w", err)
		}
		if startedAt.Valid {
			t := startedAt.Time
			cs.StartedAt = &t
		}
		if finishedAt.Valid {
			t := finishedAt.Time
			cs.FinishedAt = &t
		}
		out = append(out, cs)
	}
	return out, rows.Err()
}
