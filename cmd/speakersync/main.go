// Command speakersync runs the active-speaker detection client: it keeps the
// local detection view in sync with the backend and serves it to local UI
// clients.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/speakersync/internal/app"
	"github.com/MrWong99/speakersync/internal/config"
	"github.com/MrWong99/speakersync/internal/observe"
	"github.com/MrWong99/speakersync/pkg/sessionid"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "speakersync.yaml", "path to the YAML configuration file")
	envFile := flag.String("env", ".env", "optional dotenv file")
	watch := flag.Bool("watch", true, "reload the configuration file when it changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "speakersync: config file %q not found, using defaults\n", *configPath)
			cfg = config.Default()
		} else {
			fmt.Fprintf(os.Stderr, "speakersync: %v\n", err)
			return 1
		}
	}
	env, err := config.LoadEnv(*envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "speakersync: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Log.Level))
	slog.SetDefault(newLogger(os.Stderr, cfg.Log.Format, level))

	slog.Info("speakersync starting",
		"config", *configPath,
		"version", sessionid.ClientVersion,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Log.Level,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	provider, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: sessionid.ClientVersion,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	application, err := app.New(cfg,
		app.WithEnv(env),
		app.WithMetricsHandler(provider.MetricsHandler),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if *watch {
		if _, statErr := os.Stat(*configPath); statErr == nil {
			w, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
				if d := config.Diff(old, new); d.LogLevelChanged {
					level.Set(slogLevel(d.NewLogLevel))
					slog.Info("log level reloaded", "log_level", d.NewLogLevel)
				}
				application.ApplyConfig(old, new)
			})
			if err != nil {
				slog.Warn("config watcher disabled", "err", err)
			} else {
				defer w.Stop()
			}
		}
	}

	slog.Info("client ready, press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		_ = application.Shutdown(context.Background())
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newLogger(w io.Writer, format config.LogFormat, level slog.Leveler) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == config.LogFormatJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
