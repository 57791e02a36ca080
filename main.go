// Command emote-tender watches Twitch chat for emotes and renders them for overlays.
// It:
//   - Loads configuration and initializes structured logging.
//   - Optionally connects to Postgres for the emote blacklist and usage counters.
//   - Joins the configured Twitch channels and turns emote-bearing messages into events.
//   - Resolves every referenced emote into an animated or static raster with a sprite atlas.
//   - Serves emote buffers, the event stream, health and metrics over HTTP,
//     and optionally publishes events to MQTT.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/emote-tender/chat"
	"github.com/onnwee/emote-tender/config"
	"github.com/onnwee/emote-tender/db"
	"github.com/onnwee/emote-tender/emote"
	"github.com/onnwee/emote-tender/gifapi"
	"github.com/onnwee/emote-tender/server"
	"github.com/onnwee/emote-tender/telemetry"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	setupLogging()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()

	// Tracing is optional; it needs OTEL_EXPORTER_OTLP_ENDPOINT.
	shutdown, err := telemetry.InitTracing("emote-tender", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()
	if telemetry.IsTracingEnabled() {
		slog.Info("tracing enabled")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database := openDatabase(ctx, cfg.DBDsn)
	if database != nil {
		defer func() {
			if err := database.Close(); err != nil {
				slog.Error("failed to close database", slog.Any("err", err))
			}
		}()
	}

	blacklist := emote.NewBlacklist()
	reloadBlacklist := func(ctx context.Context) (int, error) {
		ids, err := collectBlacklist(ctx, cfg.EmotesPath, database)
		if err != nil {
			return 0, err
		}
		blacklist.Replace(ids)
		return blacklist.Len(), nil
	}
	if n, err := reloadBlacklist(ctx); err != nil {
		slog.Warn("initial blacklist load incomplete", slog.Any("err", err))
	} else {
		slog.Info("blacklist loaded", slog.Int("count", n))
	}

	retries := cfg.FrameRetries
	if retries == 0 {
		retries = -1 // Options treats zero as the default
	}
	api := gifapi.NewClient(cfg.GifAPI, cfg.GifStaticExt)
	registry := emote.NewRegistry(emote.Options{
		Service:         api,
		Blacklist:       blacklist,
		Logger:          slog.Default(),
		MaxFrameRetries: retries,
	})
	defer registry.Close()

	dispatcher := chat.NewDispatcher(slog.Default())
	dispatcher.On(func(ev chat.Event) {
		slog.Debug("emote event", slog.String("event", ev.ID), slog.String("channel", ev.Channel), slog.Int("emotes", len(ev.Emotes)))
	})

	var wg sync.WaitGroup
	if database != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			recordUsage(ctx, database, dispatcher)
		}()
	}

	if cfg.MQTTURL != "" {
		sink, err := chat.DialMQTT(cfg.MQTTURL, cfg.MQTTClientID, cfg.MQTTTopic, slog.Default())
		if err != nil {
			slog.Error("mqtt disabled", slog.Any("err", err))
		} else {
			defer sink.Close()
			wg.Add(1)
			go func() {
				defer wg.Done()
				sink.Run(ctx, dispatcher)
			}()
		}
	}

	matcher := chat.NewMatcher(chat.Limits{
		Duplicate:     cfg.DuplicateEmoteLimit,
		DuplicatePleb: cfg.DuplicateEmoteLimitPleb,
		Max:           cfg.MaxEmoteLimit,
		MaxPleb:       cfg.MaxEmoteLimitPleb,
	}, cfg.TwitchEmoteURL, cfg.CustomEmotes)
	client := &chat.Client{
		Channels:   cfg.TwitchChannels,
		Username:   cfg.TwitchBotUsername,
		Token:      cfg.TwitchOAuthToken,
		Catalogue:  api,
		Matcher:    matcher,
		Registry:   registry,
		Dispatcher: dispatcher,
		Logger:     slog.Default().With(slog.String("component", "chat")),
	}
	slog.Info("starting chat", slog.Any("channels", cfg.TwitchChannels), slog.Bool("anonymous", cfg.Anonymous()))
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := client.Run(ctx); err != nil {
			slog.Error("chat client exited with error", slog.Any("err", err))
			stop()
		}
	}()

	startPprof()

	wg.Add(1)
	go func() {
		defer wg.Done()
		deps := server.Deps{
			Registry:        registry,
			Dispatcher:      dispatcher,
			DB:              database,
			ReloadBlacklist: reloadBlacklist,
			EmoteHosts:      cfg.EmoteHosts(),
		}
		if err := server.Start(ctx, deps, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	wg.Wait()
}

// setupLogging configures the default logger from LOG_LEVEL and LOG_FORMAT.
// Defaults: level=info, format=text.
func setupLogging() {
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT"))
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		format = "text"
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", format))
}

// openDatabase connects and migrates when dsn is set. Persistence is optional,
// so failures are logged and nil is returned.
func openDatabase(ctx context.Context, dsn string) *sql.DB {
	database, err := db.Connect(ctx, dsn)
	if errors.Is(err, db.ErrNoDSN) {
		slog.Info("DB_DSN not set; blacklist persistence and usage stats disabled")
		return nil
	}
	if err != nil {
		slog.Error("database unavailable; continuing without persistence", slog.Any("err", err))
		return nil
	}

	// Versioned migrations first; the idempotent statements cover databases
	// golang-migrate cannot manage.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, falling back to embedded SQL",
			slog.Any("err", err),
			slog.String("component", "db_migrate"))
		if err := db.Migrate(ctx, database); err != nil {
			slog.Error("failed to migrate db; continuing without persistence", slog.Any("err", err))
			_ = database.Close()
			return nil
		}
	}
	return database
}

// collectBlacklist merges the emote file blacklist with the persisted one.
func collectBlacklist(ctx context.Context, emotesPath string, database *sql.DB) ([]string, error) {
	var ids []string
	var errs []error
	if emotesPath != "" {
		ef, err := config.LoadEmotesFile(emotesPath)
		if err != nil {
			errs = append(errs, err)
		} else {
			ids = append(ids, ef.Blacklist...)
		}
	}
	if database != nil {
		stored, err := db.LoadBlacklist(ctx, database)
		if err != nil {
			errs = append(errs, err)
		} else {
			ids = append(ids, stored...)
		}
	}
	return ids, errors.Join(errs...)
}

// recordUsage counts every emitted emote per channel until ctx ends. It reads
// from its own subscription so database latency never stalls chat.
func recordUsage(ctx context.Context, database *sql.DB, d *chat.Dispatcher) {
	events, unsubscribe := d.Subscribe(256)
	defer unsubscribe()
	log := slog.Default().With(slog.String("component", "usage"))
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			for _, ref := range ev.Emotes {
				wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
				err := db.RecordUsage(wctx, database, ev.Channel, ref.Key, ref.Name, string(ref.Kind))
				cancel()
				if err != nil {
					log.Warn("usage update failed", slog.String("emote", ref.Key), slog.Any("err", err))
				}
			}
		}
	}
}

// startPprof serves /debug/pprof when ENABLE_PPROF=1.
func startPprof() {
	if os.Getenv("ENABLE_PPROF") != "1" {
		return
	}
	addr := os.Getenv("PPROF_ADDR")
	if addr == "" {
		addr = "localhost:6060"
	}
	go func() {
		slog.Info("pprof profiling enabled", slog.String("addr", addr))
		srv := &http.Server{
			Addr:              addr,
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
