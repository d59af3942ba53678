package chat

import (
	"context"
	"fmt"
	"testing"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/live-tender/config"
	"github.com/onnwee/live-tender/monitor"
	"github.com/onnwee/live-tender/telemetry"
	"github.com/onnwee/live-tender/testutil"
)

func TestFormatBadges(t *testing.T) {
	tests := []struct {
		name   string
		badges map[string]int
		want   string
	}{
		{name: "empty", badges: nil, want: ""},
		{name: "single", badges: map[string]int{"subscriber": 12}, want: "subscriber:12"},
		{
			name:   "sorted",
			badges: map[string]int{"vip": 1, "moderator": 1, "subscriber": 3},
			want:   "moderator:1,subscriber:3,vip:1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := formatBadges(tt.badges); got != tt.want {
				t.Errorf("formatBadges = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFormatEmotes(t *testing.T) {
	if got := formatEmotes(nil); got != "" {
		t.Errorf("formatEmotes(nil) = %q", got)
	}
	emotes := []*twitch.Emote{{Name: "Kappa"}, {Name: "PogChamp"}}
	if got := formatEmotes(emotes); got != "Kappa,PogChamp" {
		t.Errorf("formatEmotes = %q", got)
	}
}

func TestRecorderWithoutDB(t *testing.T) {
	// No database configured means no recording; Record must return
	// immediately instead of connecting.
	var r *Recorder
	ch := monitor.NewChannel(config.Channel{Login: "alpha"})
	rec := &monitor.StreamRecord{ID: "1", UserLogin: "alpha", StartedAt: time.Now()}
	r.Record(context.Background(), ch, rec)
	(&Recorder{}).Record(context.Background(), ch, rec)
}

func TestInsertMessage(t *testing.T) {
	telemetry.Init()
	db := testutil.SetupTestDB(t)

	streamID := fmt.Sprintf("it-%d", time.Now().UnixNano())
	t.Cleanup(func() {
		_, _ = db.ExecContext(context.Background(), `DELETE FROM chat_messages WHERE stream_id=$1`, streamID)
	})

	rec := &monitor.StreamRecord{
		ID:        streamID,
		UserLogin: "alpha",
		StartedAt: time.Now().UTC().Add(-90 * time.Second),
	}
	r := &Recorder{DB: db}
	msg := twitch.PrivateMessage{
		Message: "hello chat",
		User: twitch.User{
			Name:   "viewer1",
			Color:  "#FF0000",
			Badges: map[string]int{"subscriber": 6},
		},
		Emotes: []*twitch.Emote{{Name: "Kappa"}},
		Reply: &twitch.Reply{
			ParentMsgID:     "parent-id",
			ParentUserLogin: "viewer0",
			ParentMsgBody:   "first",
		},
	}
	r.insertMessage(context.Background(), "alpha", rec, msg)

	var (
		username, message, badges, emotes, color string
		replyTo                                  string
		rel                                      float64
	)
	err := db.QueryRowContext(context.Background(),
		`SELECT username, message, badges, emotes, color, reply_to_id, rel_timestamp
		 FROM chat_messages WHERE stream_id=$1`, streamID).
		Scan(&username, &message, &badges, &emotes, &color, &replyTo, &rel)
	if err != nil {
		t.Fatalf("query inserted message: %v", err)
	}
	if username != "viewer1" || message != "hello chat" {
		t.Errorf("row = %q %q", username, message)
	}
	if badges != "subscriber:6" || emotes != "Kappa" || color != "#FF0000" {
		t.Errorf("metadata = %q %q %q", badges, emotes, color)
	}
	if replyTo != "parent-id" {
		t.Errorf("reply_to_id = %q", replyTo)
	}
	if rel < 89 || rel > 100 {
		t.Errorf("rel_timestamp = %f, want about 90", rel)
	}
}
