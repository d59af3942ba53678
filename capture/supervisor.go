// Package capture runs one streamlink subprocess per live broadcast and hands
// the finished file to the publisher, no matter how the subprocess ends.
package capture

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/live-tender/monitor"
	"github.com/onnwee/live-tender/telemetry"
)

// PublishRequest carries a finished capture to the publisher.
type PublishRequest struct {
	Path         string
	Channel      string
	RefreshToken string
	Record       *monitor.StreamRecord
}

// Publisher uploads a finished capture and returns its public URL.
type Publisher interface {
	Publish(ctx context.Context, req PublishRequest) (string, error)
}

// SessionStore persists capture sessions when Postgres is configured. Both
// calls receive a snapshot of the record, never the live one the poll loop
// keeps updating, so implementations can read it without locking.
type SessionStore interface {
	StartSession(ctx context.Context, id string, rec *monitor.StreamRecord) error
	FinishSession(ctx context.Context, id, path, publishedURL string, publishErr error, rec *monitor.StreamRecord) error
}

// Supervisor owns the capture subprocess lifecycle: start streamlink, drain
// its output into the log, wait for it to exit, then run the one guaranteed
// publish hand-off. Captures and publishes run on contexts detached from the
// poll loop so process shutdown drains them instead of killing them.
type Supervisor struct {
	Publisher Publisher
	Store     SessionStore // optional
	DataDir   string
}

// Run captures one live broadcast and always hands the result to the
// publisher, exactly once, on every exit path.
func (s *Supervisor) Run(ctx context.Context, ch *monitor.Channel, rec *monitor.StreamRecord) (err error) {
	sessionID := uuid.NewString()
	ctx = telemetry.WithCorrelation(ctx, sessionID)
	logger := telemetry.LoggerWithCorr(ctx).With(
		slog.String("channel", ch.Login),
		slog.String("component", "capture"))

	outPath := filepath.Join(s.DataDir, rec.File())
	start := time.Now()

	telemetry.CapturesStarted.Inc()
	telemetry.AddActiveCaptures(1)

	if s.Store != nil {
		if serr := s.Store.StartSession(ctx, sessionID, rec.Clone()); serr != nil {
			logger.Warn("record capture session", slog.Any("err", serr))
		}
	}

	defer func() {
		telemetry.AddActiveCaptures(-1)
		telemetry.CaptureDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			telemetry.CapturesFailed.Inc()
		} else {
			telemetry.CapturesSucceeded.Inc()
		}
		if pubErr := s.finalize(ctx, logger, sessionID, ch, rec, outPath); err == nil {
			err = pubErr
		}
	}()

	err = s.capture(ctx, logger, ch.Login, outPath)
	if err != nil {
		logger.Error("capture failed", slog.String("path", outPath), slog.Any("err", err))
	}
	return err
}

// capture runs streamlink until the broadcast ends. Streamlink exits non-zero
// once its stream-end retries run out, which is the normal end of a capture,
// so exit codes are logged rather than returned. Only failing to start or
// producing no output counts as a capture error.
func (s *Supervisor) capture(ctx context.Context, logger *slog.Logger, login, outPath string) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "capture", "capture", telemetry.ChannelAttr(login))
	defer func() {
		if err != nil {
			telemetry.RecordError(span, err)
		} else {
			telemetry.SetSpanSuccess(span)
		}
		span.End()
	}()

	if err := os.MkdirAll(s.DataDir, 0o755); err != nil {
		return fmt.Errorf("mkdir data dir: %w", err)
	}

	args := streamlinkArgs(login, outPath)
	// Detached context: shutdown waits for captures instead of killing them.
	cmd := exec.CommandContext(context.WithoutCancel(ctx), streamlinkBin(), args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	logger.Info("starting capture", slog.String("path", outPath), slog.Any("args", args))
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", streamlinkBin(), err)
	}

	var g errgroup.Group
	g.Go(func() error {
		sc := bufio.NewScanner(stdout)
		for sc.Scan() {
			logger.Info(sc.Text())
		}
		return sc.Err()
	})
	g.Go(func() error {
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			logger.Error(sc.Text())
		}
		return sc.Err()
	})
	// Pipes must be fully drained before Wait closes them.
	if err := g.Wait(); err != nil {
		logger.Warn("capture output drain", slog.Any("err", err))
	}

	if err := cmd.Wait(); err != nil {
		logger.Info("capture process exited", slog.Any("err", err))
	} else {
		logger.Info("capture process exited cleanly")
	}

	st, err := os.Stat(outPath)
	if err != nil {
		return fmt.Errorf("capture produced no output: %w", err)
	}
	if st.Size() == 0 {
		return fmt.Errorf("capture produced empty file %s", outPath)
	}
	logger.Info("capture complete", slog.String("path", outPath), slog.Int64("bytes", st.Size()))
	return nil
}

// finalize is the unconditional hand-off: exactly one publish attempt per
// launched capture, shielded from shutdown cancellation. Success deletes the
// local file; failure keeps it for manual recovery.
func (s *Supervisor) finalize(ctx context.Context, logger *slog.Logger, sessionID string, ch *monitor.Channel, rec *monitor.StreamRecord, outPath string) (err error) {
	pubCtx := context.WithoutCancel(ctx)
	pubCtx, span := telemetry.StartSpan(pubCtx, "capture", "publish", telemetry.ChannelAttr(ch.Login))
	defer func() {
		if err != nil {
			telemetry.RecordError(span, err)
		} else {
			telemetry.SetSpanSuccess(span)
		}
		span.End()
	}()

	if !acquirePublishSlot(pubCtx) {
		return pubCtx.Err()
	}
	defer releasePublishSlot()

	snap := rec.Clone()
	req := PublishRequest{
		Path:         outPath,
		Channel:      ch.Login,
		RefreshToken: ch.YouTubeRefreshToken,
		Record:       snap,
	}

	pubStart := time.Now()
	url, err := s.Publisher.Publish(pubCtx, req)
	if err != nil {
		telemetry.PublishesFailed.Inc()
		logger.Error("publish failed, capture file retained",
			slog.String("path", outPath), slog.Any("err", err))
		if s.Store != nil {
			if serr := s.Store.FinishSession(pubCtx, sessionID, outPath, "", err, snap); serr != nil {
				logger.Warn("record session outcome", slog.Any("err", serr))
			}
		}
		return err
	}

	telemetry.PublishesSucceeded.Inc()
	telemetry.PublishDuration.Observe(time.Since(pubStart).Seconds())
	logger.Info("published capture",
		slog.String("url", url),
		slog.Duration("publish_duration", time.Since(pubStart)))

	if err := os.Remove(outPath); err != nil {
		logger.Warn("cleanup failed, local file left behind",
			slog.String("path", outPath), slog.Any("err", err))
	}
	if s.Store != nil {
		if serr := s.Store.FinishSession(pubCtx, sessionID, outPath, url, nil, snap); serr != nil {
			logger.Warn("record session outcome", slog.Any("err", serr))
		}
	}
	return nil
}

// streamlinkArgs builds the capture invocation: skip ads, hosts and reruns,
// ride out brief drops with stream retries, and write straight to outPath.
func streamlinkArgs(login, outPath string) []string {
	return []string{
		"--loglevel", "info",
		"--twitch-disable-ads",
		"--twitch-disable-hosting",
		"--twitch-disable-reruns",
		"--default-stream", captureQuality(),
		"--retry-streams", "10",
		"--retry-open", "30",
		"--url", "twitch.tv/" + login,
		"--output", outPath,
	}
}

func streamlinkBin() string {
	if v := os.Getenv("STREAMLINK_BIN"); v != "" {
		return v
	}
	return "streamlink"
}

func captureQuality() string {
	if v := os.Getenv("CAPTURE_QUALITY"); v != "" {
		return v
	}
	return "best"
}
