package liveness

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/speakersync/internal/backend"
	"github.com/MrWong99/speakersync/internal/observe"
	"github.com/MrWong99/speakersync/internal/resilience"
	"github.com/MrWong99/speakersync/internal/sse"
	"github.com/MrWong99/speakersync/pkg/types"
)

// Channel names used in logs and metrics.
const (
	ChannelOnline    = "online"
	ChannelDetection = "detection-state"
)

// Event names accepted on each channel besides the default "message".
const (
	eventOnline    = "online"
	eventDetection = "detection"
)

// Default re-subscription parameters.
const (
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

var errStreamEnded = errors.New("liveness: stream ended")

// Streamer opens server-sent event subscriptions.
type Streamer interface {
	Stream(ctx context.Context, path string) (*sse.Reader, error)
}

// Config configures [Channels].
type Config struct {
	// Backoff is the initial delay between subscription attempts. Doubles
	// after each failed attempt up to MaxBackoff. Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff caps the delay between attempts. Defaults to 30s if zero.
	MaxBackoff time.Duration

	// Breaker tunes the per-channel circuit breakers. Name and OnStateChange
	// are set per channel.
	Breaker resilience.Config

	// Metrics records channel activity. Defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Channels maintains the two liveness push subscriptions.
//
// Subscription failures are never surfaced: they are logged at debug level
// and retried with exponential backoff. Neither channel marks the backend
// offline; only failed detection requests do that.
type Channels struct {
	client     Streamer
	state      *State
	backoff    time.Duration
	maxBackoff time.Duration
	metrics    *observe.Metrics

	onlineBreaker *resilience.Breaker
	engineBreaker *resilience.Breaker

	// sleep waits for d or until ctx is done. Replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates [Channels] that write into state.
func New(client Streamer, state *State, cfg Config) *Channels {
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.MaxBackoff < cfg.Backoff {
		cfg.MaxBackoff = cfg.Backoff
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	c := &Channels{
		client:     client,
		state:      state,
		backoff:    cfg.Backoff,
		maxBackoff: cfg.MaxBackoff,
		metrics:    cfg.Metrics,
		sleep:      sleepCtx,
	}
	c.onlineBreaker = c.newBreaker(cfg.Breaker, ChannelOnline)
	c.engineBreaker = c.newBreaker(cfg.Breaker, ChannelDetection)
	return c
}

func (c *Channels) newBreaker(base resilience.Config, name string) *resilience.Breaker {
	base.Name = name
	base.OnStateChange = func(name string, _, to resilience.State) {
		c.metrics.RecordBreakerTransition(context.Background(), name, to.String())
	}
	return resilience.NewBreaker(base)
}

// Run runs both channels until ctx is cancelled. It always returns nil.
func (c *Channels) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.RunReachability(ctx) })
	g.Go(func() error { return c.RunEngine(ctx) })
	return g.Wait()
}

// RunReachability subscribes to the reachability channel until the first
// message arrives, marks the backend online and returns. It returns nil when
// ctx is cancelled first.
func (c *Channels) RunReachability(ctx context.Context) error {
	backoff := c.backoff
	for {
		err := c.onlineBreaker.Execute(func() error { return c.awaitOnline(ctx) })
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		c.recordFailure(ctx, ChannelOnline, err)

		if err := c.sleep(ctx, c.wait(backoff, c.onlineBreaker)); err != nil {
			return nil
		}
		backoff = c.next(backoff)
	}
}

func (c *Channels) awaitOnline(ctx context.Context) error {
	r, err := c.client.Stream(ctx, backend.PathOnline)
	if err != nil {
		return err
	}
	defer r.Close()
	c.metrics.RecordChannelEvent(ctx, ChannelOnline, "open")

	for {
		ev, err := r.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return errStreamEnded
			}
			return err
		}
		if ev.Name != sse.DefaultEventName && ev.Name != eventOnline {
			continue
		}
		c.metrics.RecordChannelEvent(ctx, ChannelOnline, "message")
		if c.state.SetBackend(types.ReachabilityOnline) {
			slog.Info("backend online", "channel", ChannelOnline)
		}
		return nil
	}
}

// RunEngine keeps the engine-state channel subscribed until ctx is
// cancelled. A successful open marks the backend online. After the stream
// ends it re-subscribes after the server's retry hint or the initial
// backoff; failed attempts back off exponentially. It always returns nil.
func (c *Channels) RunEngine(ctx context.Context) error {
	backoff := c.backoff
	for {
		var r *sse.Reader
		err := c.engineBreaker.Execute(func() error {
			var err error
			r, err = c.client.Stream(ctx, backend.PathDetectionState)
			return err
		})
		if ctx.Err() != nil {
			if r != nil {
				r.Close()
			}
			return nil
		}

		var wait time.Duration
		if err != nil {
			c.recordFailure(ctx, ChannelDetection, err)
			wait = c.wait(backoff, c.engineBreaker)
			backoff = c.next(backoff)
		} else {
			backoff = c.backoff
			c.metrics.RecordChannelEvent(ctx, ChannelDetection, "open")
			if c.state.SetBackend(types.ReachabilityOnline) {
				slog.Info("backend online", "channel", ChannelDetection)
			}
			c.consumeEngine(ctx, r)
			wait = r.Retry()
			if wait <= 0 {
				wait = c.backoff
			}
			r.Close()
		}

		if err := c.sleep(ctx, wait); err != nil {
			return nil
		}
	}
}

func (c *Channels) consumeEngine(ctx context.Context, r *sse.Reader) {
	for {
		ev, err := r.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				slog.Debug("engine state stream failed", "err", err)
			}
			return
		}
		if ev.Name != sse.DefaultEventName && ev.Name != eventDetection {
			continue
		}
		c.metrics.RecordChannelEvent(ctx, ChannelDetection, "message")
		if st, ok := ParseEngineState(ev.Data); ok {
			if c.state.SetEngine(st) {
				slog.Info("engine state changed", "engine", string(st))
			}
		}
	}
}

// ParseEngineState interprets an engine-state payload. Surrounding
// whitespace and case are ignored; payloads other than running and stopped
// are rejected.
func ParseEngineState(data string) (types.EngineState, bool) {
	switch strings.ToLower(strings.TrimSpace(data)) {
	case string(types.EngineRunning):
		return types.EngineRunning, true
	case string(types.EngineStopped):
		return types.EngineStopped, true
	}
	return "", false
}

func (c *Channels) recordFailure(ctx context.Context, channel string, err error) {
	kind := "error"
	if errors.Is(err, resilience.ErrCircuitOpen) {
		kind = "circuit_open"
	}
	c.metrics.RecordChannelEvent(ctx, channel, kind)
	slog.Debug("liveness subscription failed", "channel", channel, "err", err)
}

// wait returns the delay before the next attempt, stretched to the breaker's
// retry time while it is open.
func (c *Channels) wait(backoff time.Duration, b *resilience.Breaker) time.Duration {
	if d := b.RetryIn(); d > backoff {
		return d
	}
	return backoff
}

func (c *Channels) next(backoff time.Duration) time.Duration {
	backoff *= 2
	if backoff > c.maxBackoff {
		backoff = c.maxBackoff
	}
	return backoff
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
