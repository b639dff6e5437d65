// Command sidekick runs the automation agent daemon: detectors poll the
// user's providers on a cron cadence, matched standing instructions drive
// LLM tool-calling runs, and outcomes surface as notifications over HTTP,
// websocket and Telegram.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/copper/sidekick/internal/bus"
	"github.com/copper/sidekick/internal/capability"
	"github.com/copper/sidekick/internal/config"
	"github.com/copper/sidekick/internal/cron"
	"github.com/copper/sidekick/internal/detector"
	"github.com/copper/sidekick/internal/engine"
	"github.com/copper/sidekick/internal/gateway"
	"github.com/copper/sidekick/internal/notify"
	"github.com/copper/sidekick/internal/oracle"
	sotel "github.com/copper/sidekick/internal/otel"
	"github.com/copper/sidekick/internal/persistence"
	"github.com/copper/sidekick/internal/toolcat"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func main() {
	loadDotEnv(".env")

	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()
	if *showVersion {
		fmt.Println("sidekick", Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup("E_CONFIG_LOAD", err)
	}
	setupLogger(cfg.LogLevel)
	slog.Info("starting sidekick", "version", Version, "home", cfg.HomeDir)

	eventBus := bus.New()

	otelProvider, err := sotel.Init(ctx, cfg.OTel)
	if err != nil {
		fatalStartup("E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)
	metrics, err := sotel.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup("E_OTEL_METRICS", err)
	}

	store, err := persistence.Open(filepath.Join(cfg.HomeDir, "sidekick.db"), eventBus)
	if err != nil {
		fatalStartup("E_STORE_OPEN", err)
	}
	defer store.Close()

	// Provider adapters. The in-memory implementations back local mode;
	// HTTP-backed ones implement the same interfaces and drop in here.
	adapters, _, _, _ := capability.NewMemAdapters()
	adapters = capability.WithRetry(adapters)

	orc := oracle.NewGenkit(ctx, oracle.Config{
		Provider:                 cfg.LLM.Provider,
		Model:                    cfg.LLM.Model,
		APIKey:                   cfg.LLMAPIKey(),
		OpenAICompatibleProvider: cfg.LLM.OpenAICompatibleProvider,
		OpenAICompatibleBaseURL:  cfg.LLM.OpenAICompatibleBaseURL,
		Timeout:                  cfg.OracleTimeout(),
	})
	catalog, err := toolcat.New(adapters, store)
	if err != nil {
		fatalStartup("E_CATALOG_INIT", err)
	}
	if orc.Ready() {
		orc.SetTools(catalog.RegisterGenkit(orc.Genkit()))
	} else {
		slog.Warn("no LLM API key configured; instruction runs will fail until one is set",
			"provider", cfg.LLM.Provider)
	}

	sink := notify.NewSink(store, cfg.DebounceWindow())
	loop := engine.NewLoop(store, orc, catalog, sink, eventBus, metrics, cfg.Agent)

	emailDet := detector.NewEmailDetector(store, adapters.Mail, sink, cfg.Detector)
	calDet := detector.NewCalendarDetector(store, adapters.Calendar, sink, cfg.Detector)
	dispatcher := engine.NewDispatcher(store, engine.NewMatcher(store), loop,
		[]engine.Detector{emailDet, calDet}, eventBus, metrics)

	scheduler, err := cron.NewScheduler(store, dispatcher, cfg.Detector)
	if err != nil {
		fatalStartup("E_SCHEDULER_INIT", err)
	}
	scheduler.Start(ctx)
	defer scheduler.Stop()

	if cfg.Notify.Telegram.Enabled && cfg.Notify.Telegram.Token != "" {
		channel := notify.NewTelegramChannel(cfg.Notify.Telegram.Token, store, eventBus)
		go func() {
			if err := channel.Start(ctx); err != nil {
				slog.Error("telegram channel stopped", "error", err)
			}
		}()
	}

	server := gateway.New(gateway.Config{
		Store:        store,
		Webhook:      detector.NewCRMWebhook(store),
		Dispatcher:   dispatcher,
		Bus:          eventBus,
		AuthToken:    cfg.AuthToken,
		AllowOrigins: cfg.AllowOrigins,
	})
	httpSrv := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("gateway listening", "addr", cfg.BindAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("gateway failed", "error", err)
			stop()
		}
	}()

	go watchConfig(ctx, cfg, loop, emailDet, calDet, scheduler, sink)

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	server.Drain()
}

// watchConfig re-reads config.yaml when it changes and pushes the
// reload-safe tunables into the running components.
func watchConfig(ctx context.Context, current config.Config, loop *engine.Loop,
	emailDet *detector.EmailDetector, calDet *detector.CalendarDetector,
	scheduler *cron.Scheduler, sink *notify.Sink) {

	watcher := config.NewWatcher(current.HomeDir, nil)
	if err := watcher.Start(ctx); err != nil {
		slog.Warn("config watcher unavailable", "error", err)
		return
	}
	fingerprint := current.Fingerprint()

	for range watcher.Events() {
		cfg, err := config.Load()
		if err != nil {
			slog.Warn("config reload failed, keeping previous", "error", err)
			continue
		}
		if cfg.Fingerprint() == fingerprint {
			continue
		}
		fingerprint = cfg.Fingerprint()

		loop.UpdateConfig(cfg.Agent)
		emailDet.UpdateConfig(cfg.Detector)
		calDet.UpdateConfig(cfg.Detector)
		sink.UpdateDebounce(cfg.DebounceWindow())
		if err := scheduler.UpdateConfig(cfg.Detector); err != nil {
			slog.Warn("poll schedule rejected, keeping previous", "schedule", cfg.Detector.PollSchedule, "error", err)
		}
		slog.Info("config reloaded", "fingerprint", fingerprint)
	}
}

func setupLogger(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}

// loadDotEnv loads KEY=VALUE pairs from a local .env file without
// overriding variables already set in the environment.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), `"'`)
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		os.Setenv(key, value)
	}
}

func fatalStartup(code string, err error) {
	fmt.Fprintf(os.Stderr, "sidekick: %s: %v\n", code, err)
	os.Exit(1)
}
