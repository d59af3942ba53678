// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	PollCycles         prometheus.Counter
	PollErrors         prometheus.Counter
	CapturesStarted    prometheus.Counter
	CapturesFailed     prometheus.Counter
	CapturesSucceeded  prometheus.Counter
	PublishesSucceeded prometheus.Counter
	PublishesFailed    prometheus.Counter
	ChatMessagesSaved  prometheus.Counter

	// Histograms (seconds)
	PollDuration    prometheus.Observer
	CaptureDuration prometheus.Observer
	PublishDuration prometheus.Observer

	// Gauges
	LiveChannelsGauge       prometheus.Gauge
	ActiveCapturesGauge     prometheus.Gauge
	HelixRatelimitRemaining prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		PollCycles = promauto.NewCounter(prometheus.CounterOpts{Name: "live_tender_poll_cycles_total", Help: "Number of Helix poll cycles"})
		PollErrors = promauto.NewCounter(prometheus.CounterOpts{Name: "live_tender_poll_errors_total", Help: "Number of failed Helix poll cycles"})
		CapturesStarted = promauto.NewCounter(prometheus.CounterOpts{Name: "live_tender_captures_started_total", Help: "Number of stream captures launched"})
		CapturesFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "live_tender_captures_failed_total", Help: "Number of stream captures that failed to produce a file"})
		CapturesSucceeded = promauto.NewCounter(prometheus.CounterOpts{Name: "live_tender_captures_succeeded_total", Help: "Number of stream captures that produced a file"})
		PublishesSucceeded = promauto.NewCounter(prometheus.CounterOpts{Name: "live_tender_publishes_succeeded_total", Help: "Number of captures published"})
		PublishesFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "live_tender_publishes_failed_total", Help: "Number of capture publishes that failed"})
		ChatMessagesSaved = promauto.NewCounter(prometheus.CounterOpts{Name: "live_tender_chat_messages_saved_total", Help: "Number of chat messages written to the database"})
		PollDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "live_tender_poll_duration_seconds", Help: "Helix poll cycle duration seconds", Buckets: prometheus.DefBuckets})
		CaptureDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "live_tender_capture_duration_seconds", Help: "Capture duration seconds", Buckets: []float64{60, 300, 900, 1800, 3600, 7200, 14400}})
		PublishDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "live_tender_publish_duration_seconds", Help: "Publish duration seconds", Buckets: []float64{30, 60, 120, 300, 600, 1800}})
		LiveChannelsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "live_tender_live_channels", Help: "Watched channels currently live"})
		ActiveCapturesGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "live_tender_active_captures", Help: "Captures currently running"})
		HelixRatelimitRemaining = promauto.NewGauge(prometheus.GaugeOpts{Name: "live_tender_helix_ratelimit_remaining", Help: "Ratelimit-Remaining reported by the last Helix response"})
	})
}

// SetLiveChannels records how many watched channels are currently live.
func SetLiveChannels(n int) {
	if LiveChannelsGauge != nil {
		LiveChannelsGauge.Set(float64(n))
	}
}

// AddActiveCaptures adjusts the running-capture gauge by delta (+1 on launch, -1 on exit).
func AddActiveCaptures(delta int) {
	if ActiveCapturesGauge != nil {
		ActiveCapturesGauge.Add(float64(delta))
	}
}

// SetHelixRatelimitRemaining records the remaining request budget reported by Helix.
func SetHelixRatelimitRemaining(n float64) {
	if HelixRatelimitRemaining != nil {
		HelixRatelimitRemaining.Set(n)
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding correlation id (if absent) and the id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
