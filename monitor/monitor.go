// Package monitor tracks the live-state of every watched channel. The poll
// loop feeds Helix snapshots into per-channel state machines; an OFFLINE→LIVE
// flip launches a supervised capture, LIVE→OFFLINE only closes bookkeeping
// because the capture subprocess notices the ended stream on its own.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/live-tender/config"
	"github.com/onnwee/live-tender/twitchapi"
)

// Status is a channel's live-state as last observed.
type Status int

const (
	StatusOffline Status = iota
	StatusLive
)

func (s Status) String() string {
	if s == StatusLive {
		return "live"
	}
	return "offline"
}

// CaptureRunner runs one capture to completion, including the publish
// hand-off. Implemented by capture.Supervisor.
type CaptureRunner interface {
	Run(ctx context.Context, ch *Channel, rec *StreamRecord) error
}

// ChatRecorder records a channel's chat while it is live. Record blocks until
// ctx is canceled; the state machine cancels it on the LIVE→OFFLINE flip.
type ChatRecorder interface {
	Record(ctx context.Context, ch *Channel, rec *StreamRecord)
}

// LaunchFunc starts a supervised capture task without blocking and returns its
// handle. The registry supplies it so every launch lands in its wait group.
type LaunchFunc func(ctx context.Context, ch *Channel, rec *StreamRecord) *CaptureHandle

// CaptureHandle tracks one launched capture until its publish hand-off ends.
type CaptureHandle struct {
	login string
	done  chan struct{}
	err   error // written once before done is closed
}

// Done is closed when the capture task, including publishing, has finished.
func (h *CaptureHandle) Done() <-chan struct{} { return h.done }

// Err reports the capture outcome. It is nil until Done is closed.
func (h *CaptureHandle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Running reports whether the capture task is still active.
func (h *CaptureHandle) Running() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Channel is the per-login state machine. Transitions happen on the poll
// goroutine; the mutex covers concurrent readers like the status endpoint.
type Channel struct {
	Login               string
	YouTubeRefreshToken string

	mu       sync.Mutex
	status   Status
	record   *StreamRecord
	handle   *CaptureHandle
	chatStop context.CancelFunc
}

// NewChannel builds the state machine for one watch-list entry.
func NewChannel(cc config.Channel) *Channel {
	return &Channel{Login: cc.Login, YouTubeRefreshToken: cc.YouTubeRefreshToken}
}

// Status returns the channel's last observed live-state.
func (c *Channel) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Record returns the broadcast record of the current live session, or nil.
func (c *Channel) Record() *StreamRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.record
}

// Handle returns the most recently launched capture handle, or nil.
func (c *Channel) Handle() *CaptureHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handle
}

// Apply feeds one poll observation into the machine. A nil snapshot, or one
// that is not a live broadcast, is an offline observation. Failed poll cycles
// must not call Apply at all: no data is not the same as offline.
func (c *Channel) Apply(ctx context.Context, s *twitchapi.Stream, launch LaunchFunc, chat ChatRecorder) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s.Live() {
		if c.status == StatusLive {
			c.record.Update(s)
			return
		}
		c.status = StatusLive
		rec := NewStreamRecord(s)
		c.record = rec
		slog.Info("channel went live",
			slog.String("channel", c.Login),
			slog.String("stream_id", s.ID),
			slog.String("title", s.Title),
			slog.String("game", s.GameName))
		c.handle = launch(ctx, c, rec)
		if chat != nil {
			chatCtx, cancel := context.WithCancel(ctx)
			c.chatStop = cancel
			go chat.Record(chatCtx, c, rec)
		}
		return
	}

	if c.status == StatusLive {
		c.status = StatusOffline
		slog.Info("channel went offline",
			slog.String("channel", c.Login),
			slog.String("stream_id", c.record.ID))
		// The running capture is left alone: streamlink exits by itself once
		// its stream-end retries are spent.
		if c.chatStop != nil {
			c.chatStop()
			c.chatStop = nil
		}
		c.record = nil
	}
}

// ChannelStatus is a point-in-time view of one channel for the status endpoint.
type ChannelStatus struct {
	Login     string `json:"login"`
	Status    string `json:"status"`
	Capturing bool   `json:"capturing"`
	StreamID  string `json:"stream_id,omitempty"`
	Title     string `json:"title,omitempty"`
	Game      string `json:"game,omitempty"`
	Viewers   int    `json:"viewers,omitempty"`
	StartedAt string `json:"started_at,omitempty"`
	Timeline  int    `json:"timeline_entries,omitempty"`
}

func (c *Channel) statusView() ChannelStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	cs := ChannelStatus{
		Login:     c.Login,
		Status:    c.status.String(),
		Capturing: c.handle != nil && c.handle.Running(),
	}
	if c.record != nil {
		rec := c.record.Clone()
		cs.StreamID = rec.ID
		cs.Title = rec.Title
		cs.Game = rec.GameName
		cs.Viewers = rec.ViewerCount
		cs.StartedAt = rec.StartedAt.UTC().Format(time.RFC3339)
		cs.Timeline = len(rec.Timeline)
	}
	return cs
}
