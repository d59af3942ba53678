package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestInitIdempotent(t *testing.T) {
	// Second Init must not re-register (promauto panics on duplicates).
	Init()
	Init()

	if PollCycles == nil {
		t.Error("PollCycles counter not initialized")
	}
	if CaptureDuration == nil {
		t.Error("CaptureDuration histogram not initialized")
	}
	if LiveChannelsGauge == nil {
		t.Error("LiveChannelsGauge not initialized")
	}
}

func TestGaugeHelpers(t *testing.T) {
	Init()

	for _, n := range []int{0, 3, 10} {
		SetLiveChannels(n)
	}
	AddActiveCaptures(1)
	AddActiveCaptures(-1)
	SetHelixRatelimitRemaining(799)
	// Helpers must tolerate repeated calls without panicking.
}

func TestTimeFuncRecordsObservation(t *testing.T) {
	Init()

	testHistogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "test_duration_seconds",
		Help:    "Test duration",
		Buckets: prometheus.DefBuckets,
	})
	prometheus.MustRegister(testHistogram)
	defer prometheus.Unregister(testHistogram)

	executed := false
	duration := TimeFunc(testHistogram, func() {
		time.Sleep(10 * time.Millisecond)
		executed = true
	})

	if !executed {
		t.Error("TimeFunc did not execute provided function")
	}
	if duration < 10*time.Millisecond {
		t.Errorf("TimeFunc duration = %v, want >= 10ms", duration)
	}

	metric := &dto.Metric{}
	if err := testHistogram.Write(metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	if metric.Histogram == nil {
		t.Fatal("Histogram metric is nil")
	}
	if *metric.Histogram.SampleCount == 0 {
		t.Error("TimeFunc did not record observation in histogram")
	}
}

func TestCorrelationRoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := GetCorrelation(ctx); got != "" {
		t.Errorf("GetCorrelation(empty ctx) = %q, want empty", got)
	}
	ctx = WithCorrelation(ctx, "corr-123")
	if got := GetCorrelation(ctx); got != "corr-123" {
		t.Errorf("GetCorrelation = %q, want corr-123", got)
	}
	// LoggerWithCorr must not panic either way.
	LoggerWithCorr(ctx).Debug("with corr")
	LoggerWithCorr(context.Background()).Debug("without corr")
}
