// Package youtubeapi publishes finished captures to YouTube. Every watched
// channel carries its own OAuth refresh token in the channels file, so the
// publisher mints a per-channel token source for each upload instead of
// sharing one stored account.
package youtubeapi

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"

	"github.com/onnwee/live-tender/capture"
	"github.com/onnwee/live-tender/config"
	"github.com/onnwee/live-tender/monitor"
)

// Publisher implements capture.Publisher on top of the YouTube Data API.
type Publisher struct {
	oauth *oauth2.Config

	// newService builds the API client; tests swap it for a fake backend.
	newService func(ctx context.Context, ts oauth2.TokenSource) (*yt.Service, error)
}

// New builds a Publisher from the app-level OAuth client credentials.
// Scopes may be comma or space separated.
func New(cfg *config.Config) *Publisher {
	scopes := []string{"https://www.googleapis.com/auth/youtube.upload"}
	if cfg.YTScopes != "" {
		s := strings.ReplaceAll(cfg.YTScopes, ",", " ")
		if fields := strings.Fields(s); len(fields) > 0 {
			scopes = fields
		}
	}
	return &Publisher{
		oauth: &oauth2.Config{
			ClientID:     cfg.YTClientID,
			ClientSecret: cfg.YTClientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       scopes,
		},
		newService: func(ctx context.Context, ts oauth2.TokenSource) (*yt.Service, error) {
			return yt.NewService(ctx, option.WithTokenSource(ts))
		},
	}
}

// Publish uploads the capture and returns its watch URL. The channel's
// refresh token is the only credential; the oauth2 token source exchanges it
// for a fresh access token on first use.
func (p *Publisher) Publish(ctx context.Context, req capture.PublishRequest) (string, error) {
	if req.RefreshToken == "" {
		return "", fmt.Errorf("channel %s has no youtube refresh token", req.Channel)
	}
	ts := p.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: req.RefreshToken})
	svc, err := p.newService(ctx, ts)
	if err != nil {
		return "", fmt.Errorf("youtube client: %w", err)
	}

	// Resolve the destination account up front; a dead refresh token fails
	// here instead of mid-upload.
	chans, err := svc.Channels.List([]string{"snippet"}).Mine(true).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("youtube channels.list: %w", err)
	}
	if len(chans.Items) > 0 {
		c := chans.Items[0]
		slog.Info("publishing to youtube channel",
			slog.String("channel", req.Channel),
			slog.String("youtube_channel", c.Snippet.Title),
			slog.String("youtube_channel_id", c.Id))
	}

	video := &yt.Video{
		Snippet: &yt.VideoSnippet{
			Title:       VideoTitle(req.Record),
			Description: VideoDescription(req.Channel, req.Record),
			CategoryId:  "24",
		},
		Status: &yt.VideoStatus{
			PrivacyStatus:           "private",
			SelfDeclaredMadeForKids: false,
			ForceSendFields:         []string{"SelfDeclaredMadeForKids"},
		},
	}
	return UploadVideo(ctx, svc, req.Path, video)
}

// UploadVideo streams the file at path into a videos.insert call and returns
// the watch URL.
func UploadVideo(ctx context.Context, svc *yt.Service, path string, video *yt.Video) (string, error) {
	if svc == nil {
		return "", fmt.Errorf("nil youtube service")
	}
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open capture file: %w", err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			slog.Warn("failed to close capture file", slog.Any("err", err))
		}
	}()
	res, err := svc.Videos.Insert([]string{"snippet", "status"}, video).Media(f).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("youtube upload: %w", err)
	}
	if res.Id == "" {
		return "", fmt.Errorf("youtube upload: empty id")
	}
	return "https://www.youtube.com/watch?v=" + res.Id, nil
}

// VideoTitle prefixes the broadcast title with the stream date.
func VideoTitle(rec *monitor.StreamRecord) string {
	return fmt.Sprintf("[%s] %s", rec.StartedAt.Format("2006/01/02"), rec.Title)
}

// VideoDescription summarizes the broadcast and lists the category timeline.
// The starting category is part of the record itself; the timeline holds only
// the changes observed while capturing.
func VideoDescription(login string, rec *monitor.StreamRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Title: %s\n", rec.Title)
	fmt.Fprintf(&b, "Streamed %s on https://www.twitch.tv/%s/\n",
		rec.StartedAt.Format("2006/01/02"), login)
	b.WriteString("\nTimeline:\n")
	for _, c := range rec.Timeline {
		fmt.Fprintf(&b, "[%s] %s\n", formatElapsed(c.Elapsed), c.Name)
	}
	return b.String()
}

// formatElapsed renders a duration as h:mm:ss, the way viewers read VOD
// timestamps.
func formatElapsed(d time.Duration) string {
	d = d.Truncate(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	s := (d - m*time.Minute) / time.Second
	return fmt.Sprintf("%d:%02d:%02d", h, m, s)
}
