// Package feed serves the detection state to local UI clients.
//
// The server exposes a WebSocket stream of every bus event at /ws, a JSON
// state document at /api/state, the UI actions that drive the settings
// synchronizer, the health probes and the Prometheus scrape endpoint. All
// routes are wrapped by [observe.Middleware].
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/MrWong99/speakersync/internal/health"
	"github.com/MrWong99/speakersync/internal/observe"
	"github.com/MrWong99/speakersync/internal/poller"
	"github.com/MrWong99/speakersync/internal/settings"
	"github.com/MrWong99/speakersync/pkg/speakerbus"
	"github.com/MrWong99/speakersync/pkg/types"
)

// Defaults for [Config].
const (
	DefaultClientBuffer    = 64
	DefaultWriteTimeout    = 5 * time.Second
	DefaultShutdownTimeout = 5 * time.Second
)

// maxActionBody bounds UI action request bodies.
const maxActionBody = 4 << 10

// ViewSource exposes the published detection view.
type ViewSource interface {
	View() poller.View
}

// Controller is the settings surface driven by UI actions.
type Controller interface {
	State() settings.State
	SetMode(mode types.Mode) error
	SetSessionLogging(enabled bool)
	ResetToDefaults()
}

// Config configures a [Server].
type Config struct {
	Bus      *speakerbus.Bus
	View     ViewSource
	Settings Controller

	// Version returns the backend version, if known.
	Version func() string

	// Health serves /healthz and /readyz when non-nil.
	Health *health.Handler

	// MetricsHandler serves /metrics when non-nil.
	MetricsHandler http.Handler

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// ClientBuffer is the per-client frame queue. A client that falls this
	// far behind is disconnected. Default: [DefaultClientBuffer].
	ClientBuffer int

	// WriteTimeout bounds a single WebSocket write. Default: [DefaultWriteTimeout].
	WriteTimeout time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Server is the local UI feed server.
type Server struct {
	cfg     Config
	handler http.Handler
	clients atomic.Int64
}

// New builds a [Server] and its routes.
func New(cfg Config) *Server {
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.ClientBuffer <= 0 {
		cfg.ClientBuffer = DefaultClientBuffer
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Version == nil {
		cfg.Version = func() string { return "" }
	}

	s := &Server{cfg: cfg}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /api/state", s.handleState)
	mux.HandleFunc("POST /api/mode", s.handleMode)
	mux.HandleFunc("POST /api/session-logging", s.handleSessionLogging)
	mux.HandleFunc("POST /api/reset", s.handleReset)
	if cfg.Health != nil {
		cfg.Health.Register(mux)
	}
	if cfg.MetricsHandler != nil {
		mux.Handle("GET /metrics", cfg.MetricsHandler)
	}
	s.handler = observe.Middleware(cfg.Metrics)(mux)
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Clients returns the number of connected WebSocket clients.
func (s *Server) Clients() int {
	return int(s.clients.Load())
}

// ListenAndServe listens on addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("feed: listen %q: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then shuts down
// gracefully. WebSocket handlers observe ctx through their request context.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.cfg.Logger.Info("feed server listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("feed: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("feed: shutdown: %w", err)
	}
	<-errCh
	return nil
}
