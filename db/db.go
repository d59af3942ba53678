// Package db provides the optional Postgres layer: connection, idempotent
// schema migration, the capture session store, and small kv helpers. The
// service runs without it; main skips this entirely when DB_DSN is empty.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // postgres driver registered as "pgx"
)

// Connect opens a Postgres pool and verifies it with a short ping.
func Connect(ctx context.Context, dsn string) (*sql.DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := d.PingContext(pingCtx); err != nil {
		d.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return d, nil
}

// Migrate applies the schema. Every statement is idempotent, so it runs at
// each boot.
func Migrate(ctx context.Context, d *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS captures (
			id TEXT PRIMARY KEY,
			channel TEXT NOT NULL,
			stream_id TEXT NOT NULL,
			title TEXT,
			game_name TEXT,
			started_at TIMESTAMPTZ,
			saving_started_at TIMESTAMPTZ,
			file_path TEXT,
			published_url TEXT,
			publish_error TEXT,
			timeline JSONB,
			finished_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS chat_messages (
			id BIGSERIAL PRIMARY KEY,
			stream_id TEXT NOT NULL,
			channel TEXT NOT NULL,
			username TEXT,
			message TEXT,
			abs_timestamp TIMESTAMPTZ,
			rel_timestamp DOUBLE PRECISION,
			badges TEXT,
			emotes TEXT,
			color TEXT,
			reply_to_id TEXT,
			reply_to_username TEXT,
			reply_to_message TEXT,
			created_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value TEXT,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_captures_channel_created ON captures(channel, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_stream_rel ON chat_messages(stream_id, rel_timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_stream_abs ON chat_messages(stream_id, abs_timestamp)`,
	}
	for i, s := range stmts {
		if _, err := d.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("migrate step %d: %w", i, err)
		}
	}
	return nil
}

// SetKV upserts a small operational marker (boot time, last publish).
func SetKV(ctx context.Context, d *sql.DB, key, value string) error {
	_, err := d.ExecContext(ctx, `INSERT INTO kv(key, value, updated_at) VALUES($1,$2,NOW())
		ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`, key, value)
	return err
}

// GetKV returns the stored value, or "" when the key is absent.
func GetKV(ctx context.Context, d *sql.DB, key string) (string, error) {
	var v sql.NullString
	err := d.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=$1`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return v.String, nil
}
