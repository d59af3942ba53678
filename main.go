// Command live-tender watches a set of Twitch channels, captures their
// broadcasts with streamlink the moment they go live, and publishes finished
// recordings to each channel's YouTube account. It:
//   - Loads configuration, the channels watch list, and structured logging.
//   - Optionally connects to Postgres for capture history and chat recording.
//   - Runs the poll loop that drives the per-channel state machines.
//   - Exposes a minimal HTTP server with /healthz, /readyz, /status, /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM: in-flight captures and publishes
// finish before exit, and a second signal kills the process immediately.
package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/onnwee/live-tender/capture"
	"github.com/onnwee/live-tender/chat"
	"github.com/onnwee/live-tender/config"
	"github.com/onnwee/live-tender/db"
	"github.com/onnwee/live-tender/monitor"
	"github.com/onnwee/live-tender/server"
	"github.com/onnwee/live-tender/telemetry"
	"github.com/onnwee/live-tender/twitchapi"
	"github.com/onnwee/live-tender/youtubeapi"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load(".env")

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		// unknown level -> keep info but note once using temporary logger
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))

	// Config: credentials, intervals, and the channels watch list. A service
	// with nothing to watch or no way to ask Twitch is misconfigured, so these
	// are the only fatal startup errors.
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	channels, err := config.LoadChannels(cfg.ChannelsFile)
	if err != nil {
		slog.Error("channels file load failed", slog.String("path", cfg.ChannelsFile), slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.ValidateWatchReady(); err != nil {
		slog.Error("config incomplete", slog.Any("err", err))
		os.Exit(1)
	}

	// Metrics / telemetry init
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdownTracing, err := telemetry.InitTracing("live-tender", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	// Shared app token source for Helix. Best-effort preflight so a bad client
	// secret surfaces at boot instead of on the first poll.
	tokenSource := &twitchapi.TokenSource{ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret}
	preflightCtx, cancelPreflight := context.WithTimeout(context.Background(), 8*time.Second)
	if tok, err := tokenSource.Get(preflightCtx); err != nil {
		slog.Warn("twitch app token fetch failed", slog.Any("err", err))
	} else if len(tok) > 6 {
		masked := "***" + tok[len(tok)-6:]
		slog.Info("twitch app token acquired", slog.String("tail", masked))
	}
	cancelPreflight()

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Optional Postgres: capture history and chat recording. The watch loop
	// runs without it, so a broken DSN is a warning, never fatal.
	var database *sql.DB
	if cfg.DBDsn != "" {
		d, err := db.Connect(ctx, cfg.DBDsn)
		if err != nil {
			slog.Warn("postgres unavailable, running without capture history", slog.Any("err", err))
		} else if err := db.Migrate(ctx, d); err != nil {
			slog.Warn("postgres migration failed, running without capture history", slog.Any("err", err))
			if cerr := d.Close(); cerr != nil {
				slog.Warn("failed to close database", slog.Any("err", cerr))
			}
		} else {
			database = d
			defer func() {
				if err := database.Close(); err != nil {
					slog.Error("failed to close database", slog.Any("err", err))
				}
			}()
			if err := db.SetKV(ctx, database, "service_started_at", time.Now().UTC().Format(time.RFC3339)); err != nil {
				slog.Warn("failed to record service start", slog.Any("err", err))
			}
		}
	}

	// Wire the watch loop: Helix lister -> state machines -> capture
	// supervisor -> YouTube publisher, plus the optional Postgres extras.
	helix := &twitchapi.HelixClient{AppTokenSource: tokenSource, ClientID: cfg.TwitchClientID}
	supervisor := &capture.Supervisor{Publisher: youtubeapi.New(cfg), DataDir: cfg.DataDir}

	var store *db.CaptureStore
	if database != nil {
		store = &db.CaptureStore{DB: database}
		supervisor.Store = store
	}

	registry := monitor.NewRegistry(channels, helix, supervisor)
	registry.Interval = cfg.PollInterval
	registry.IntervalLive = cfg.PollIntervalLive
	if database != nil {
		registry.Chat = &chat.Recorder{DB: database}
	}
	slog.Info("watching channels",
		slog.Int("count", len(channels)),
		slog.Bool("history", database != nil),
		slog.String("data_dir", cfg.DataDir))

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			// Use an http.Server with timeouts to satisfy G114 and avoid DoS risks
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	// HTTP server (health/readiness/status/metrics)
	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	var sessions server.SessionLister
	if store != nil {
		sessions = store
	}
	handlers := server.NewHandlers(cfg, registry, database, sessions)
	go func() {
		if err := server.Start(ctx, handlers, addr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block polling until shutdown signal
	if err := registry.Run(ctx); err != nil {
		slog.Error("watch loop failed", slog.Any("err", err))
	}

	// Restore default signal handling so a second signal kills immediately,
	// then let in-flight captures and publishes finish.
	stop()
	slog.Info("shutting down, waiting for in-flight captures")
	if err := registry.WaitCaptures(context.Background()); err != nil {
		slog.Warn("capture drain interrupted", slog.Any("err", err))
	}
	slog.Info("shutdown complete")
}
