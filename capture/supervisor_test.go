package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/onnwee/live-tender/config"
	"github.com/onnwee/live-tender/monitor"
	"github.com/onnwee/live-tender/telemetry"
	"github.com/onnwee/live-tender/twitchapi"
)

type fakePublisher struct {
	mu   sync.Mutex
	reqs []PublishRequest
	url  string
	err  error
}

func (p *fakePublisher) Publish(_ context.Context, req PublishRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reqs = append(p.reqs, req)
	return p.url, p.err
}

func (p *fakePublisher) calls() []PublishRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]PublishRequest(nil), p.reqs...)
}

type fakeStore struct {
	mu       sync.Mutex
	started  []string
	finished []string
	urls     []string
	pubErrs  []error
}

func (s *fakeStore) StartSession(_ context.Context, id string, _ *monitor.StreamRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = append(s.started, id)
	return nil
}

func (s *fakeStore) FinishSession(_ context.Context, id, _, publishedURL string, publishErr error, _ *monitor.StreamRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = append(s.finished, id)
	s.urls = append(s.urls, publishedURL)
	s.pubErrs = append(s.pubErrs, publishErr)
	return nil
}

// writeScript drops an executable shell script into dir and returns its path.
func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

// captureScript mimics streamlink: writes the --output target, logs on both
// pipes and exits non-zero the way streamlink does once its retries run out.
const captureScript = `out=""
while [ $# -gt 0 ]; do
  if [ "$1" = "--output" ]; then out="$2"; shift; fi
  shift
done
echo "opening stream"
echo "stream ended" >&2
printf 'data' > "$out"
exit 1
`

func testChannelAndRecord() (*monitor.Channel, *monitor.StreamRecord) {
	ch := monitor.NewChannel(config.Channel{Login: "alpha", YouTubeRefreshToken: "refresh-tok"})
	rec := monitor.NewStreamRecord(&twitchapi.Stream{
		ID:        "123",
		UserLogin: "alpha",
		UserName:  "Alpha",
		GameID:    "10",
		GameName:  "Chess",
		Type:      "live",
		Title:     "opening prep",
		StartedAt: time.Now().Add(-time.Minute),
	})
	return ch, rec
}

func TestSupervisorCaptureAndPublish(t *testing.T) {
	telemetry.Init()
	dir := t.TempDir()
	t.Setenv("STREAMLINK_BIN", writeScript(t, dir, "fake-streamlink", captureScript))

	pub := &fakePublisher{url: "https://youtu.be/abc123"}
	sup := &Supervisor{Publisher: pub, DataDir: filepath.Join(dir, "data")}
	ch, rec := testChannelAndRecord()

	if err := sup.Run(context.Background(), ch, rec); err != nil {
		t.Fatalf("Run: %v", err)
	}

	calls := pub.calls()
	if len(calls) != 1 {
		t.Fatalf("publisher called %d times, want 1", len(calls))
	}
	req := calls[0]
	wantPath := filepath.Join(dir, "data", "alpha_123.mp4")
	if req.Path != wantPath {
		t.Errorf("publish path = %q, want %q", req.Path, wantPath)
	}
	if req.Channel != "alpha" || req.RefreshToken != "refresh-tok" {
		t.Errorf("publish request = %+v", req)
	}
	if req.Record == nil || req.Record.ID != "123" {
		t.Errorf("publish record = %+v, want stream 123", req.Record)
	}
	if _, err := os.Stat(wantPath); !os.IsNotExist(err) {
		t.Errorf("capture file still present after successful publish: %v", err)
	}
}

func TestSupervisorPublishFailureRetainsFile(t *testing.T) {
	telemetry.Init()
	dir := t.TempDir()
	t.Setenv("STREAMLINK_BIN", writeScript(t, dir, "fake-streamlink", captureScript))

	pub := &fakePublisher{err: errors.New("quota exceeded")}
	sup := &Supervisor{Publisher: pub, DataDir: filepath.Join(dir, "data")}
	ch, rec := testChannelAndRecord()

	err := sup.Run(context.Background(), ch, rec)
	if err == nil {
		t.Fatal("Run returned nil, want publish error")
	}
	if !strings.Contains(err.Error(), "quota exceeded") {
		t.Errorf("Run error = %v, want publish failure", err)
	}
	wantPath := filepath.Join(dir, "data", "alpha_123.mp4")
	if _, serr := os.Stat(wantPath); serr != nil {
		t.Errorf("capture file missing after failed publish: %v", serr)
	}
}

func TestSupervisorPublishesOnceWhenCaptureFails(t *testing.T) {
	telemetry.Init()
	dir := t.TempDir()
	t.Setenv("STREAMLINK_BIN", writeScript(t, dir, "fake-streamlink", "exit 2\n"))

	pub := &fakePublisher{}
	sup := &Supervisor{Publisher: pub, DataDir: filepath.Join(dir, "data")}
	ch, rec := testChannelAndRecord()

	err := sup.Run(context.Background(), ch, rec)
	if err == nil {
		t.Fatal("Run returned nil, want capture error")
	}
	if !strings.Contains(err.Error(), "no output") {
		t.Errorf("Run error = %v, want missing output", err)
	}
	if n := len(pub.calls()); n != 1 {
		t.Errorf("publisher called %d times, want exactly 1", n)
	}
}

func TestSupervisorPublishesOnceWhenStartFails(t *testing.T) {
	telemetry.Init()
	dir := t.TempDir()
	t.Setenv("STREAMLINK_BIN", filepath.Join(dir, "does-not-exist"))

	pub := &fakePublisher{}
	sup := &Supervisor{Publisher: pub, DataDir: filepath.Join(dir, "data")}
	ch, rec := testChannelAndRecord()

	err := sup.Run(context.Background(), ch, rec)
	if err == nil {
		t.Fatal("Run returned nil, want start error")
	}
	if n := len(pub.calls()); n != 1 {
		t.Errorf("publisher called %d times, want exactly 1", n)
	}
}

func TestSupervisorSessionStore(t *testing.T) {
	telemetry.Init()
	dir := t.TempDir()
	t.Setenv("STREAMLINK_BIN", writeScript(t, dir, "fake-streamlink", captureScript))

	pub := &fakePublisher{url: "https://youtu.be/xyz"}
	store := &fakeStore{}
	sup := &Supervisor{Publisher: pub, Store: store, DataDir: filepath.Join(dir, "data")}
	ch, rec := testChannelAndRecord()

	if err := sup.Run(context.Background(), ch, rec); err != nil {
		t.Fatalf("Run: %v", err)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.started) != 1 || len(store.finished) != 1 {
		t.Fatalf("sessions started=%d finished=%d, want 1/1", len(store.started), len(store.finished))
	}
	if store.started[0] != store.finished[0] {
		t.Errorf("session ids differ: start %q finish %q", store.started[0], store.finished[0])
	}
	if store.urls[0] != "https://youtu.be/xyz" {
		t.Errorf("stored url = %q", store.urls[0])
	}
	if store.pubErrs[0] != nil {
		t.Errorf("stored publish error = %v, want nil", store.pubErrs[0])
	}
}

// readingStore reads record fields the way the Postgres store does, so the
// race detector sees any unsynchronized hand-off of a live record.
type readingStore struct {
	mu       sync.Mutex
	started  []*monitor.StreamRecord
	finished []*monitor.StreamRecord
	seen     []string
}

func (s *readingStore) StartSession(_ context.Context, _ string, rec *monitor.StreamRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = append(s.started, rec)
	s.seen = append(s.seen, rec.Title+"|"+rec.GameName)
	return nil
}

func (s *readingStore) FinishSession(_ context.Context, _, _, _ string, _ error, rec *monitor.StreamRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = append(s.finished, rec)
	for _, c := range rec.Timeline {
		s.seen = append(s.seen, c.Name)
	}
	return nil
}

func TestSupervisorStoreReceivesSnapshot(t *testing.T) {
	telemetry.Init()
	dir := t.TempDir()
	t.Setenv("STREAMLINK_BIN", writeScript(t, dir, "fake-streamlink", captureScript))

	pub := &fakePublisher{url: "https://youtu.be/abc"}
	store := &readingStore{}
	sup := &Supervisor{Publisher: pub, Store: store, DataDir: filepath.Join(dir, "data")}
	ch, rec := testChannelAndRecord()

	// Keep the record hot the way the poll loop does while the channel stays
	// live: title and viewer count every cycle, category flips in between.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			s := &twitchapi.Stream{
				ID:          "123",
				UserLogin:   "alpha",
				Type:        "live",
				Title:       fmt.Sprintf("segment %d", i),
				ViewerCount: i,
				GameID:      "10",
				GameName:    "Chess",
			}
			if i%2 == 1 {
				s.GameID, s.GameName = "509658", "Just Chatting"
			}
			rec.Update(s)
		}
	}()

	err := sup.Run(context.Background(), ch, rec)
	close(stop)
	wg.Wait()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.started) != 1 || len(store.finished) != 1 {
		t.Fatalf("store calls start=%d finish=%d, want 1/1", len(store.started), len(store.finished))
	}
	if store.started[0] == rec {
		t.Error("StartSession received the live record, want a snapshot")
	}
	if store.finished[0] == rec {
		t.Error("FinishSession received the live record, want a snapshot")
	}
	if store.started[0].ID != "123" || store.started[0].UserLogin != "alpha" {
		t.Errorf("start snapshot = %+v", store.started[0])
	}
	if len(store.seen) == 0 {
		t.Error("store never read the record fields")
	}
}

func TestSupervisorSpans(t *testing.T) {
	telemetry.Init()
	sr := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	dir := t.TempDir()
	t.Setenv("STREAMLINK_BIN", writeScript(t, dir, "fake-streamlink", captureScript))
	pub := &fakePublisher{url: "https://youtu.be/abc"}
	sup := &Supervisor{Publisher: pub, DataDir: filepath.Join(dir, "data")}
	ch, rec := testChannelAndRecord()

	if err := sup.Run(context.Background(), ch, rec); err != nil {
		t.Fatalf("Run: %v", err)
	}

	byName := map[string]sdktrace.ReadOnlySpan{}
	for _, s := range sr.Ended() {
		byName[s.Name()] = s
	}
	for _, name := range []string{"capture", "publish"} {
		span, ok := byName[name]
		if !ok {
			t.Fatalf("no %q span recorded, got %v", name, spanNames(sr.Ended()))
		}
		if !hasAttr(span.Attributes(), "channel", "alpha") {
			t.Errorf("%q span missing channel attribute: %v", name, span.Attributes())
		}
	}
}

func spanNames(spans []sdktrace.ReadOnlySpan) []string {
	names := make([]string, 0, len(spans))
	for _, s := range spans {
		names = append(names, s.Name())
	}
	return names
}

func hasAttr(attrs []attribute.KeyValue, key, val string) bool {
	for _, a := range attrs {
		if string(a.Key) == key && a.Value.AsString() == val {
			return true
		}
	}
	return false
}

func TestStreamlinkArgs(t *testing.T) {
	t.Setenv("CAPTURE_QUALITY", "")
	args := streamlinkArgs("alpha", "/data/alpha_123.mp4")
	joined := strings.Join(args, " ")
	for _, want := range []string{
		"--twitch-disable-ads",
		"--twitch-disable-hosting",
		"--twitch-disable-reruns",
		"--default-stream best",
		"--retry-streams 10",
		"--retry-open 30",
		"--url twitch.tv/alpha",
		"--output /data/alpha_123.mp4",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("args missing %q: %v", want, args)
		}
	}

	t.Setenv("CAPTURE_QUALITY", "720p60")
	args = streamlinkArgs("alpha", "/data/alpha_123.mp4")
	if !strings.Contains(strings.Join(args, " "), "--default-stream 720p60") {
		t.Errorf("quality override missing: %v", args)
	}
}

func TestPublishSlotLifecycle(t *testing.T) {
	if !acquirePublishSlot(context.Background()) {
		t.Fatal("first acquire failed")
	}
	if got := ActivePublishes(); got != 1 {
		t.Errorf("ActivePublishes = %d, want 1", got)
	}

	// With the single default slot held, a second acquire must respect ctx.
	if MaxConcurrentPublishes() == 1 {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		if acquirePublishSlot(ctx) {
			t.Error("second acquire succeeded while slot held")
		}
	}

	releasePublishSlot()
	if got := ActivePublishes(); got != 0 {
		t.Errorf("ActivePublishes after release = %d, want 0", got)
	}
	if !acquirePublishSlot(context.Background()) {
		t.Fatal("re-acquire after release failed")
	}
	releasePublishSlot()
}
