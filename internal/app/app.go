// Package app wires all speakersync subsystems into a running client.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run hydrates the settings and drives the poller, the liveness
// channels and the feed server, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithHTTPClient,
// WithMetrics, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/speakersync/internal/backend"
	"github.com/MrWong99/speakersync/internal/config"
	"github.com/MrWong99/speakersync/internal/feed"
	"github.com/MrWong99/speakersync/internal/health"
	"github.com/MrWong99/speakersync/internal/liveness"
	"github.com/MrWong99/speakersync/internal/observe"
	"github.com/MrWong99/speakersync/internal/poller"
	"github.com/MrWong99/speakersync/internal/settings"
	"github.com/MrWong99/speakersync/pkg/apibase"
	"github.com/MrWong99/speakersync/pkg/sessionid"
	"github.com/MrWong99/speakersync/pkg/speakerbus"
)

// versionTimeout bounds the one-off backend version lookup.
const versionTimeout = 5 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config

	httpClient     *http.Client
	metrics        *observe.Metrics
	metricsHandler http.Handler
	env            config.Env
	legacy         speakerbus.Broadcaster

	// Subsystems, initialised in New and torn down in Shutdown.
	resolver *apibase.Resolver
	client   *backend.Client
	bus      *speakerbus.Bus
	live     *liveness.State
	channels *liveness.Channels
	settings *settings.Synchronizer
	poller   *poller.Poller
	feed     *feed.Server

	version atomic.Value // string

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithHTTPClient makes the backend client use hc.
func WithHTTPClient(hc *http.Client) Option {
	return func(a *App) { a.httpClient = hc }
}

// WithMetrics injects the metrics instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h at /metrics on the feed server.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithBus injects the event bus, for example one shared with a host
// application.
func WithBus(b *speakerbus.Bus) Option {
	return func(a *App) { a.bus = b }
}

// WithLegacyBroadcaster bridges speaker events raised on b into the bus.
// The bridge is detached on Shutdown.
func WithLegacyBroadcaster(b speakerbus.Broadcaster) Option {
	return func(a *App) { a.legacy = b }
}

// WithEnv applies the environment overlay. A SPEAKER_API_BASE value becomes
// the resolver override.
func WithEnv(env config.Env) Option {
	return func(a *App) { a.env = env }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. It performs no I/O;
// the backend is first contacted by Run.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.bus == nil {
		a.bus = speakerbus.New()
	}
	a.version.Store("")
	if a.legacy != nil {
		detach := speakerbus.Bridge(a.bus, a.legacy)
		a.closers = append(a.closers, func() error { detach(); return nil })
	}

	a.resolver = apibase.New(apibase.Config{Default: cfg.Backend.BaseURL})
	if a.env.HasAPIBase {
		a.resolver.SetOverride(a.env.APIBase)
		slog.Info("backend origin overridden from environment", "origin", a.env.APIBase)
	}

	clientOpts := []backend.Option{
		backend.WithUserAgent(cfg.Backend.UserAgent),
		backend.WithTransport(backend.TransportConfig{
			DialTimeout:           cfg.Backend.DialTimeout,
			ResponseHeaderTimeout: cfg.Backend.ResponseHeaderTimeout,
		}),
	}
	if a.httpClient != nil {
		clientOpts = append(clientOpts, backend.WithHTTPClient(a.httpClient))
	}
	a.client = backend.New(a.resolver, clientOpts...)

	a.live = liveness.NewState()
	if cfg.Liveness.IsEnabled() {
		a.channels = liveness.New(a.client, a.live, liveness.Config{
			Backoff:    cfg.Liveness.ReconnectBackoff,
			MaxBackoff: cfg.Liveness.MaxReconnectBackoff,
			Metrics:    a.metrics,
		})
	}

	gen := sessionid.Generator{Prefix: cfg.Session.Prefix, Host: cfg.Session.Host}
	a.settings = settings.New(a.client, settings.Config{
		Variant:               cfg.Detection.SettingsVariant,
		InitialMode:           cfg.Detection.InitialMode,
		InitialSessionLogging: cfg.Session.Logging,
		RestartOnModeChange:   cfg.Detection.RestartOnModeChange,
		Debounce:              cfg.Detection.Debounce,
		NewSessionID:          gen.Generate,
		Metrics:               a.metrics,
	})
	a.closers = append(a.closers, a.settings.Close)

	a.poller = poller.New(a.client, a.bus, a.live, paramsFrom(a.settings.State()), poller.Config{
		Endpoint: cfg.Detection.Endpoint,
		Tuning:   TuningFrom(cfg.Detection),
		Metrics:  a.metrics,
	})

	if cfg.Server.ListenAddr != "" {
		a.feed = feed.New(feed.Config{
			Bus:            a.bus,
			View:           a.poller,
			Settings:       a.settings,
			Version:        a.Version,
			Health:         health.New(
				health.Backend(a.live.Get),
				health.Engine(a.live.Get),
				health.Settings(a.settings.State),
			),
			MetricsHandler: a.metricsHandler,
			Metrics:        a.metrics,
		})
	}
	return a, nil
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Bus returns the event bus the poller publishes on.
func (a *App) Bus() *speakerbus.Bus { return a.bus }

// Poller returns the detection poller.
func (a *App) Poller() *poller.Poller { return a.poller }

// Settings returns the settings synchronizer.
func (a *App) Settings() *settings.Synchronizer { return a.settings }

// Resolver returns the backend origin resolver.
func (a *App) Resolver() *apibase.Resolver { return a.resolver }

// Feed returns the feed server, or nil when it is disabled.
func (a *App) Feed() *feed.Server { return a.feed }

// Version returns the backend version, or "" before it is known.
func (a *App) Version() string { return a.version.Load().(string) }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run hydrates the settings, then runs the poller, the liveness channels and
// the feed server until ctx is cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	// Hydrate failures leave the fallbacks in place; Hydrate logs them.
	_ = a.settings.Hydrate(ctx)
	a.fetchVersion(ctx)

	// Subscribe delivers the current state first, so no change can slip
	// between the initial configuration and the subscription.
	unsubscribe := a.settings.Subscribe(func(st settings.State) {
		a.poller.Reconfigure(paramsFrom(st))
	})
	defer unsubscribe()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.poller.Run(gctx) })
	if a.channels != nil {
		g.Go(func() error { return a.channels.Run(gctx) })
	}
	if a.feed != nil {
		g.Go(func() error { return a.feed.ListenAndServe(gctx, a.cfg.Server.ListenAddr) })
	}

	st := a.settings.State()
	slog.Info("app running",
		"backend", a.resolver.Base(),
		"mode", string(st.Settings.Mode),
		"interval_ms", st.Settings.IntervalMs,
		"liveness", a.channels != nil,
		"feed", a.cfg.Server.ListenAddr,
	)
	return g.Wait()
}

func (a *App) fetchVersion(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, versionTimeout)
	defer cancel()
	v, err := a.client.Version(ctx)
	if err != nil {
		slog.Debug("backend version unavailable", "err", err)
		return
	}
	a.version.Store(v)
	slog.Info("backend version", "version", v)
}

// ApplyConfig applies the hot-reloadable parts of a configuration change.
// Log level changes are the caller's concern since the logger is
// process-wide.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.BaseURLChanged {
		a.resolver.SetDefault(d.NewBaseURL)
		slog.Info("backend origin reloaded", "base_url", d.NewBaseURL)
	}
	if d.DetectionTuningChanged {
		a.poller.SetTuning(TuningFrom(new.Detection))
		slog.Info("detection tuning reloaded")
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("configuration changes require a restart", "keys", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown releases all resources. It is safe to call more than once; only
// the first call has an effect. Run should have returned before Shutdown is
// called.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// paramsFrom maps settings onto poller parameters.
func paramsFrom(st settings.State) poller.Params {
	thr := st.Settings.Threshold
	return poller.Params{
		Mode:      st.Settings.Mode,
		Interval:  st.Settings.Interval(),
		Threshold: &thr,
		SessionID: st.SessionID,
	}
}

// TuningFrom converts the detection config into poller tuning.
func TuningFrom(d config.DetectionConfig) poller.Tuning {
	return poller.Tuning{
		Smoothing:       d.Smoothing,
		BackgroundLabel: d.BackgroundLabel,
		Log:             d.LogEnabled(),
		LogOnChangeOnly: d.ChangeOnly(),
		MinDelta:        d.MinDelta,
	}
}
