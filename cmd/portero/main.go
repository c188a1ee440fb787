// Command portero bridges telephony audio sockets to a realtime
// conversation backend.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/javierd009/agente-portero-sub000/internal/bridge"
	"github.com/javierd009/agente-portero-sub000/internal/cdr"
	"github.com/javierd009/agente-portero-sub000/internal/config"
	"github.com/javierd009/agente-portero-sub000/internal/health"
	"github.com/javierd009/agente-portero-sub000/internal/observe"
	"github.com/javierd009/agente-portero-sub000/internal/session"
	"github.com/javierd009/agente-portero-sub000/internal/tools"
	"github.com/javierd009/agente-portero-sub000/pkg/realtime"
	"github.com/javierd009/agente-portero-sub000/pkg/realtime/openai"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "portero: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "portero: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	// The level lives in a LevelVar so the config watcher can change it at
	// runtime without rebuilding the handler.
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.SlogLevel())
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("portero starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"http_addr", cfg.Server.HTTPAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "portero"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Tool servers ──────────────────────────────────────────────────────────
	dispatcher := tools.NewMCPDispatcher()
	defer func() {
		if err := dispatcher.Close(); err != nil {
			slog.Warn("tool dispatcher close error", "err", err)
		}
	}()
	for _, sc := range cfg.Tools.Servers {
		err := dispatcher.RegisterServer(ctx, tools.ServerConfig{
			Name:      sc.Name,
			Transport: sc.Transport,
			Command:   sc.Command,
			URL:       sc.URL,
			Env:       sc.Env,
		})
		if err != nil {
			slog.Error("failed to register tool server", "name", sc.Name, "err", err)
			return 1
		}
		slog.Info("tool server registered", "name", sc.Name, "transport", sc.Transport)
	}

	// ── Realtime backend ──────────────────────────────────────────────────────
	var clientOpts []openai.Option
	if cfg.Realtime.Model != "" {
		clientOpts = append(clientOpts, openai.WithModel(cfg.Realtime.Model))
	}
	if cfg.Realtime.BaseURL != "" {
		clientOpts = append(clientOpts, openai.WithBaseURL(cfg.Realtime.BaseURL))
	}
	client := openai.New(cfg.Realtime.APIKey, clientOpts...)

	// ── Call records ──────────────────────────────────────────────────────────
	store, err := cdr.NewStore(ctx, cfg.CDR.PostgresDSN)
	if err != nil {
		slog.Error("failed to open call record store", "err", err)
		return 1
	}
	defer store.Close()
	if store.Enabled() {
		slog.Info("call records enabled")
	}

	// ── Bridge server ─────────────────────────────────────────────────────────
	srv := bridge.NewServer(cfg.Server.ListenAddr, client, callConfig(cfg),
		bridge.WithHandshakeTimeout(cfg.Bridge.HandshakeTimeout),
		bridge.WithMetrics(metrics),
		bridge.WithCallOptions(
			session.WithDispatcher(dispatcher),
			session.WithCDR(store),
			session.WithMetrics(metrics),
		),
	)
	if err := srv.Listen(); err != nil {
		slog.Error("failed to bind telephony listener", "err", err)
		return 1
	}

	// ── Config watcher ────────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		diff := config.Diff(old, new)
		if diff.LogLevelChanged {
			level.Set(diff.NewLogLevel.SlogLevel())
			slog.Info("log level changed", "level", diff.NewLogLevel)
		}
		if diff.PersonaChanged {
			srv.SetSessionConfig(sessionConfig(new))
			slog.Info("realtime settings changed, applying to new calls")
		}
		if len(diff.RestartRequired) > 0 {
			slog.Warn("config changes require a restart", "fields", diff.RestartRequired)
		}
	})
	if err != nil {
		slog.Error("failed to start config watcher", "err", err)
		return 1
	}
	defer watcher.Stop()

	// ── HTTP sidecar: health probes and metrics ───────────────────────────────
	mux := http.NewServeMux()
	health.New(health.Bridge(srv), health.Database(store)).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	httpSrv := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// ── Run ───────────────────────────────────────────────────────────────────
	slog.Info("server ready — press Ctrl+C to shut down")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Serve(gctx)
	})

	g.Go(func() error {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		slog.Info("shutdown signal received, stopping…")

		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http server shutdown: %w", err))
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	slog.Info("goodbye")
	return 0
}

// callConfig maps the loaded file configuration onto per-call settings.
func callConfig(cfg *config.Config) session.Config {
	return session.Config{
		TelephonyRate:     cfg.Audio.TelephonyRate,
		RealtimeRate:      cfg.Audio.RealtimeRate,
		FrameDuration:     cfg.Audio.FrameDuration,
		GateThreshold:     cfg.Audio.GateThreshold,
		PrebufferFrames:   cfg.Playback.PrebufferFrames,
		MaxQueueFrames:    cfg.Playback.MaxQueueFrames,
		MaxSilenceFrames:  cfg.Playback.MaxSilenceFrames,
		InactivityTimeout: cfg.Bridge.InactivityTimeout,
		Session:           sessionConfig(cfg),
	}
}

func sessionConfig(cfg *config.Config) realtime.SessionConfig {
	return realtime.SessionConfig{
		Voice:             cfg.Realtime.Voice,
		Instructions:      cfg.Realtime.Instructions,
		VADThreshold:      cfg.Realtime.VADThreshold,
		PrefixPaddingMs:   cfg.Realtime.PrefixPaddingMs,
		SilenceDurationMs: cfg.Realtime.SilenceDurationMs,
	}
}
