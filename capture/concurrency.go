package capture

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"sync"
)

// publishSemaphore limits concurrent publish hand-offs across all channels.
// Sized once from MAX_CONCURRENT_PUBLISHES; the default of 1 keeps uploads
// serial so a burst of stream ends cannot saturate the uplink.
var (
	publishSemaphore     chan struct{}
	publishSemaphoreOnce sync.Once
	activePublishes      int
	activePublishesMu    sync.Mutex
)

func initPublishSemaphore() {
	publishSemaphoreOnce.Do(func() {
		max := 1
		if v := os.Getenv("MAX_CONCURRENT_PUBLISHES"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				max = n
			} else {
				slog.Warn("invalid MAX_CONCURRENT_PUBLISHES, using default",
					slog.String("value", v), slog.Int("default", max))
			}
		}
		publishSemaphore = make(chan struct{}, max)
		slog.Info("publish concurrency limit set", slog.Int("max_concurrent", max))
	})
}

// acquirePublishSlot blocks until a publish slot frees up or ctx is canceled.
// Returns false only on cancellation.
func acquirePublishSlot(ctx context.Context) bool {
	initPublishSemaphore()
	select {
	case publishSemaphore <- struct{}{}:
		activePublishesMu.Lock()
		activePublishes++
		activePublishesMu.Unlock()
		return true
	case <-ctx.Done():
		return false
	}
}

func releasePublishSlot() {
	select {
	case <-publishSemaphore:
		activePublishesMu.Lock()
		activePublishes--
		activePublishesMu.Unlock()
	default:
		slog.Warn("releasePublishSlot called without matching acquire")
	}
}

// ActivePublishes reports how many publishes hold a slot right now.
func ActivePublishes() int {
	activePublishesMu.Lock()
	defer activePublishesMu.Unlock()
	return activePublishes
}

// MaxConcurrentPublishes reports the configured slot count.
func MaxConcurrentPublishes() int {
	initPublishSemaphore()
	return cap(publishSemaphore)
}
