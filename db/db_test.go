package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/onnwee/live-tender/monitor"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	if err := Migrate(context.Background(), d); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return d
}

func TestMigrateIdempotent(t *testing.T) {
	d := testDB(t)
	for i := 0; i < 3; i++ {
		if err := Migrate(context.Background(), d); err != nil {
			t.Fatalf("migrate run %d: %v", i, err)
		}
	}
}

func TestKVRoundTrip(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()
	key := fmt.Sprintf("test-key-%d", time.Now().UnixNano())
	t.Cleanup(func() { _, _ = d.ExecContext(context.Background(), `DELETE FROM kv WHERE key=$1`, key) })

	if v, err := GetKV(ctx, d, key); err != nil || v != "" {
		t.Fatalf("GetKV on missing key = %q, %v", v, err)
	}
	if err := SetKV(ctx, d, key, "one"); err != nil {
		t.Fatalf("SetKV: %v", err)
	}
	if err := SetKV(ctx, d, key, "two"); err != nil {
		t.Fatalf("SetKV update: %v", err)
	}
	v, err := GetKV(ctx, d, key)
	if err != nil || v != "two" {
		t.Fatalf("GetKV = %q, %v; want two", v, err)
	}
}

func TestCaptureStoreLifecycle(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()
	store := &CaptureStore{DB: d}

	id := fmt.Sprintf("sess-%d", time.Now().UnixNano())
	login := fmt.Sprintf("chan%d", time.Now().UnixNano()%1e6)
	t.Cleanup(func() {
		_, _ = d.ExecContext(context.Background(), `DELETE FROM captures WHERE id=$1`, id)
		_, _ = d.ExecContext(context.Background(), `DELETE FROM kv WHERE key=$1`, "last_publish:"+login)
	})

	rec := &monitor.StreamRecord{
		ID:              "123",
		UserLogin:       login,
		Title:           "opening prep",
		GameName:        "Chess",
		StartedAt:       time.Now().UTC().Add(-time.Hour),
		SavingStartedAt: time.Now().UTC().Add(-time.Hour),
		Timeline: []monitor.CategoryChange{
			{Name: "Just Chatting", Elapsed: 30 * time.Minute},
		},
	}
	if err := store.StartSession(ctx, id, rec); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	// Duplicate start must not error.
	if err := store.StartSession(ctx, id, rec); err != nil {
		t.Fatalf("StartSession repeat: %v", err)
	}

	if err := store.FinishSession(ctx, id, "/data/x.mp4", "https://youtu.be/x", nil, rec); err != nil {
		t.Fatalf("FinishSession: %v", err)
	}

	sessions, err := store.RecentSessions(ctx, 50)
	if err != nil {
		t.Fatalf("RecentSessions: %v", err)
	}
	var found *CaptureSession
	for i := range sessions {
		if sessions[i].ID == id {
			found = &sessions[i]
			break
		}
	}
	if found == nil {
		t.Fatalf("session %s not in recent list", id)
	}
	if found.Channel != login || found.StreamID != "123" {
		t.Errorf("session row = %+v", found)
	}
	if found.PublishedURL != "https://youtu.be/x" || found.PublishError != "" {
		t.Errorf("publish outcome = %q / %q", found.PublishedURL, found.PublishError)
	}
	if found.FinishedAt == nil {
		t.Error("finished_at not set")
	}

	if v, err := GetKV(ctx, d, "last_publish:"+login); err != nil || v != "https://youtu.be/x" {
		t.Errorf("last publish kv = %q, %v", v, err)
	}
}

func TestCaptureStoreFinishWithError(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()
	store := &CaptureStore{DB: d}

	id := fmt.Sprintf("sess-err-%d", time.Now().UnixNano())
	t.Cleanup(func() { _, _ = d.ExecContext(context.Background(), `DELETE FROM captures WHERE id=$1`, id) })

	rec := &monitor.StreamRecord{ID: "456", UserLogin: "beta", Title: "late night", StartedAt: time.Now().UTC()}
	if err := store.StartSession(ctx, id, rec); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if err := store.FinishSession(ctx, id, "/data/y.mp4", "", errors.New("quota exceeded"), rec); err != nil {
		t.Fatalf("FinishSession: %v", err)
	}

	var pubErr string
	var pubURL sql.NullString
	if err := d.QueryRowContext(ctx, `SELECT publish_error, published_url FROM captures WHERE id=$1`, id).
		Scan(&pubErr, &pubURL); err != nil {
		t.Fatalf("query session: %v", err)
	}
	if pubErr != "quota exceeded" {
		t.Errorf("publish_error = %q", pubErr)
	}
	if pubURL.Valid {
		t.Errorf("published_url = %q, want NULL", pubURL.String)
	}
}
