package chat

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/live-tender/monitor"
	"github.com/onnwee/live-tender/telemetry"
)

// Recorder stores live chat into Postgres while a channel is captured.
// Connections are anonymous; reading chat needs no credentials.
type Recorder struct {
	DB *sql.DB
}

// Record joins the channel's chat and inserts every message until ctx is
// canceled. It blocks; the monitor runs it as the per-session chat sidecar.
func (r *Recorder) Record(ctx context.Context, ch *monitor.Channel, rec *monitor.StreamRecord) {
	if r == nil || r.DB == nil {
		return
	}
	logger := slog.Default().With(
		slog.String("channel", ch.Login),
		slog.String("component", "chat"))

	client := twitch.NewAnonymousClient()
	client.OnPrivateMessage(func(msg twitch.PrivateMessage) {
		r.insertMessage(ctx, ch.Login, rec, msg)
	})

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		client.Disconnect()
		close(done)
	}()

	client.Join(ch.Login)
	logger.Info("chat recorder starting", slog.String("stream_id", rec.ID))
	if err := client.Connect(); err != nil && ctx.Err() == nil {
		logger.Error("chat connect error", slog.Any("err", err))
	}
	<-done
	logger.Info("chat recorder stopped", slog.String("stream_id", rec.ID))
}

func (r *Recorder) insertMessage(ctx context.Context, channel string, rec *monitor.StreamRecord, msg twitch.PrivateMessage) {
	abs := time.Now().UTC()
	rel := abs.Sub(rec.StartedAt).Seconds()
	var replyID, replyUser, replyBody string
	if msg.Reply != nil {
		replyID = msg.Reply.ParentMsgID
		replyUser = msg.Reply.ParentUserLogin
		replyBody = msg.Reply.ParentMsgBody
	}
	if _, err := r.DB.ExecContext(ctx, `INSERT INTO chat_messages
		(stream_id, channel, username, message, abs_timestamp, rel_timestamp, badges, emotes, color, reply_to_id, reply_to_username, reply_to_message)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		rec.ID, channel, msg.User.Name, msg.Message, abs, rel,
		formatBadges(msg.User.Badges), formatEmotes(msg.Emotes), msg.User.Color,
		replyID, replyUser, replyBody); err != nil {
		slog.Error("failed to insert chat message",
			slog.String("channel", channel), slog.Any("err", err))
		return
	}
	telemetry.ChatMessagesSaved.Inc()
}

// formatBadges flattens the badge map to "name:version" pairs, sorted so the
// stored form is stable.
func formatBadges(badges map[string]int) string {
	if len(badges) == 0 {
		return ""
	}
	keys := make([]string, 0, len(badges))
	for k := range badges {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s:%d", k, badges[k]))
	}
	return strings.Join(parts, ",")
}

func formatEmotes(emotes []*twitch.Emote) string {
	if len(emotes) == 0 {
		return ""
	}
	names := make([]string, 0, len(emotes))
	for _, e := range emotes {
		names = append(names, e.Name)
	}
	return strings.Join(names, ",")
}
