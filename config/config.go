// Package config loads environment variables and the channel watch list into
// typed structs used across the service. It applies sensible defaults so the
// binary can run locally with minimal setup. For required Helix credentials,
// use ValidateWatchReady.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

type Config struct {
	// Twitch app credentials (client-credentials token)
	TwitchClientID     string
	TwitchClientSecret string

	// Watch list
	ChannelsFile string

	// Poll cadence
	PollInterval     time.Duration
	PollIntervalLive time.Duration

	// Database (empty disables session history and chat recording)
	DBDsn string

	// Storage
	DataDir string

	// YouTube OAuth app credentials. Per-channel refresh tokens come from the
	// channels file, not the environment.
	YTClientID     string
	YTClientSecret string
	YTScopes       string
}

// Load reads environment variables and applies defaults. It doesn't fail if
// Twitch creds are missing; use ValidateWatchReady() before polling Helix.
// Missing optional variables disable features (e.g., Postgres, YouTube).
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.TwitchClientID = os.Getenv("TWITCH_CLIENT_ID")
	cfg.TwitchClientSecret = os.Getenv("TWITCH_CLIENT_SECRET")

	cfg.ChannelsFile = os.Getenv("CHANNELS_FILE")
	if cfg.ChannelsFile == "" {
		cfg.ChannelsFile = "channels.json"
	}

	var err error
	cfg.PollInterval, err = envDuration("POLL_INTERVAL", 2*time.Second)
	if err != nil {
		return nil, err
	}
	cfg.PollIntervalLive, err = envDuration("POLL_INTERVAL_LIVE", 30*time.Second)
	if err != nil {
		return nil, err
	}

	// DB
	cfg.DBDsn = os.Getenv("DB_DSN")

	// Storage
	cfg.DataDir = os.Getenv("DATA_DIR")
	if cfg.DataDir == "" {
		cfg.DataDir = "data"
	}

	// YouTube
	cfg.YTClientID = os.Getenv("YT_CLIENT_ID")
	cfg.YTClientSecret = os.Getenv("YT_CLIENT_SECRET")
	cfg.YTScopes = os.Getenv("YT_SCOPES")
	if cfg.YTScopes == "" {
		cfg.YTScopes = "https://www.googleapis.com/auth/youtube.upload"
	}

	return cfg, nil
}

// ValidateWatchReady checks required fields for polling Helix.
func (c *Config) ValidateWatchReady() error {
	if c.TwitchClientID == "" || c.TwitchClientSecret == "" {
		return fmt.Errorf("missing twitch env: require TWITCH_CLIENT_ID, TWITCH_CLIENT_SECRET")
	}
	return nil
}

// Channel is one entry of the channels file: the Twitch login to watch and the
// YouTube refresh token used to publish that channel's captures.
type Channel struct {
	Login               string `json:"twitch"`
	YouTubeRefreshToken string `json:"g_refresh_token"`
}

// LoadChannels reads the JSON watch list. Logins are normalized to lowercase.
// A missing file, a malformed file, an entry without a login, or an empty list
// is an error: the service has nothing to do without channels.
func LoadChannels(path string) ([]Channel, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read channels file %s: %w", path, err)
	}
	var chans []Channel
	if err := json.Unmarshal(b, &chans); err != nil {
		return nil, fmt.Errorf("parse channels file %s: %w", path, err)
	}
	for i := range chans {
		chans[i].Login = strings.ToLower(strings.TrimSpace(chans[i].Login))
		if chans[i].Login == "" {
			return nil, fmt.Errorf("channels file %s: entry %d has no twitch login", path, i)
		}
	}
	if len(chans) == 0 {
		return nil, fmt.Errorf("channels file %s: no channels configured", path)
	}
	return chans, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s (duration): %w", key, err)
	}
	return d, nil
}
