package monitor

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/live-tender/config"
	"github.com/onnwee/live-tender/telemetry"
	"github.com/onnwee/live-tender/twitchapi"
)

// StreamLister is the Helix surface the poll loop needs.
type StreamLister interface {
	GetStreams(ctx context.Context, logins ...string) ([]twitchapi.Stream, error)
}

// Registry drives the poll loop over every configured channel. The cadence
// adapts: Interval while everyone is offline, IntervalLive once any channel is
// live, because a running capture only needs category-change granularity.
type Registry struct {
	Lister       StreamLister
	Runner       CaptureRunner
	Chat         ChatRecorder // optional
	Interval     time.Duration
	IntervalLive time.Duration

	channels []*Channel
	logins   []string
	wg       sync.WaitGroup
}

// NewRegistry builds the state machines for the watch list.
func NewRegistry(chans []config.Channel, lister StreamLister, runner CaptureRunner) *Registry {
	r := &Registry{
		Lister:       lister,
		Runner:       runner,
		Interval:     2 * time.Second,
		IntervalLive: 30 * time.Second,
	}
	for _, cc := range chans {
		ch := NewChannel(cc)
		r.channels = append(r.channels, ch)
		r.logins = append(r.logins, ch.Login)
	}
	return r
}

// Run polls until ctx is canceled, then returns nil. Every per-cycle failure
// is logged and absorbed; nothing a single channel or request does stops the
// loop.
func (r *Registry) Run(ctx context.Context) error {
	slog.Info("watch loop started",
		slog.Int("channels", len(r.channels)),
		slog.Duration("interval", r.Interval),
		slog.Duration("interval_live", r.IntervalLive))
	for {
		wait := r.pollOnce(ctx)
		select {
		case <-ctx.Done():
			slog.Info("watch loop stopped")
			return nil
		case <-time.After(wait):
		}
	}
}

// pollOnce runs one cycle and returns how long to sleep before the next. On
// error the cycle dispatches nothing: an unreachable API says nothing about
// who is live, so no channel may flip state from it.
func (r *Registry) pollOnce(ctx context.Context) time.Duration {
	start := time.Now()
	cctx, span := telemetry.StartSpan(ctx, "monitor", "poll-cycle")
	defer span.End()

	telemetry.PollCycles.Inc()
	streams, err := r.Lister.GetStreams(cctx, r.logins...)
	if err != nil {
		telemetry.PollErrors.Inc()
		telemetry.RecordError(span, err)
		logPollError(err)
		telemetry.PollDuration.Observe(time.Since(start).Seconds())
		return r.interval(r.anyLive())
	}

	byLogin := make(map[string]*twitchapi.Stream, len(streams))
	for i := range streams {
		byLogin[strings.ToLower(streams[i].UserLogin)] = &streams[i]
	}

	nLive := 0
	for _, ch := range r.channels {
		s := byLogin[ch.Login]
		ch.Apply(cctx, s, r.launchCapture, r.Chat)
		if s.Live() {
			nLive++
		}
	}

	telemetry.SetLiveChannels(nLive)
	telemetry.SetSpanSuccess(span)
	telemetry.PollDuration.Observe(time.Since(start).Seconds())
	return r.interval(nLive > 0)
}

func (r *Registry) launchCapture(ctx context.Context, ch *Channel, rec *StreamRecord) *CaptureHandle {
	h := &CaptureHandle{login: ch.Login, done: make(chan struct{})}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(h.done)
		h.err = r.Runner.Run(ctx, ch, rec)
		slog.Debug("capture task finished", slog.String("channel", ch.Login), slog.Any("err", h.err))
	}()
	return h
}

func (r *Registry) interval(anyLive bool) time.Duration {
	if anyLive {
		return r.IntervalLive
	}
	return r.Interval
}

func (r *Registry) anyLive() bool {
	for _, ch := range r.channels {
		if ch.Status() == StatusLive {
			return true
		}
	}
	return false
}

// StatusSnapshot reports every channel's current state.
func (r *Registry) StatusSnapshot() []ChannelStatus {
	out := make([]ChannelStatus, 0, len(r.channels))
	for _, ch := range r.channels {
		out = append(out, ch.statusView())
	}
	return out
}

// WaitCaptures blocks until every launched capture task, including its publish
// hand-off, has finished, or until ctx is canceled.
func (r *Registry) WaitCaptures(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func logPollError(err error) {
	var authErr *twitchapi.AuthError
	var netErr *twitchapi.TransientNetworkError
	var apiErr *twitchapi.APIError
	switch {
	case errors.As(err, &authErr):
		slog.Error("poll: twitch auth failed", slog.Any("err", err))
	case errors.As(err, &netErr):
		slog.Warn("poll: twitch unreachable, retrying next cycle", slog.Any("err", err))
	case errors.As(err, &apiErr):
		slog.Error("poll: helix rejected request", slog.Int("status", apiErr.Status), slog.Any("err", err))
	default:
		slog.Error("poll: streams request failed", slog.Any("err", err))
	}
}
