// Package settings keeps the local detection settings in sync with the
// backend's listening-mode resource.
//
// A [Synchronizer] starts in [PhaseHydrating]. [Synchronizer.Hydrate] reads
// the server-held settings and defaults once and moves to [PhaseReady] even
// when the read fails, so the client stays usable offline. Writes before
// that point change local state only; nothing is pushed over a server
// configuration that has not been read yet.
//
// Two push variants exist. The current variant pushes {mode,
// session_logging} on mode and logging changes and treats interval and
// threshold as backend-owned. The legacy variant pushes {mode, interval_ms,
// threshold}, debouncing interval and threshold edits.
package settings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/speakersync/internal/backend"
	"github.com/MrWong99/speakersync/internal/observe"
	"github.com/MrWong99/speakersync/pkg/sessionid"
	"github.com/MrWong99/speakersync/pkg/types"
)

// Phase is the synchronizer lifecycle phase.
type Phase int

const (
	// PhaseHydrating is the initial phase. Pushes are suppressed.
	PhaseHydrating Phase = iota

	// PhaseReady follows the first hydrate attempt, successful or not.
	PhaseReady
)

// String returns the human-readable name of p.
func (p Phase) String() string {
	if p == PhaseReady {
		return "ready"
	}
	return "hydrating"
}

// MarshalText encodes p by name.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Variant selects the push contract.
type Variant string

const (
	// VariantCurrent pushes {mode, session_logging}.
	VariantCurrent Variant = "current"

	// VariantLegacy pushes {mode, interval_ms, threshold}.
	VariantLegacy Variant = "legacy"
)

// IsValid reports whether v is a recognised variant.
func (v Variant) IsValid() bool {
	switch v {
	case VariantCurrent, VariantLegacy:
		return true
	}
	return false
}

// Fallbacks returns the tuning used when the backend supplies none.
func (v Variant) Fallbacks() types.Defaults {
	if v == VariantLegacy {
		return types.Defaults{IntervalMs: 3000, Threshold: 0.75}
	}
	return types.Defaults{IntervalMs: 4000, Threshold: 0.38}
}

// DefaultDebounce is the legacy variant's push delay after tuning edits.
const DefaultDebounce = 300 * time.Millisecond

// State is a point-in-time copy of the synchronizer state.
type State struct {
	Phase    Phase          `json:"phase"`
	Settings types.Settings `json:"settings"`
	Defaults types.Defaults `json:"defaults"`

	// SessionID is non-empty only while session logging is on and the mode
	// is not off.
	SessionID string `json:"session_id,omitempty"`

	// Error is the last hydrate or push failure, cleared by the next success.
	Error string `json:"error,omitempty"`

	// Syncing reports whether a push is outstanding.
	Syncing bool `json:"syncing"`
}

// Client is the backend surface the synchronizer needs.
type Client interface {
	GetJSON(ctx context.Context, path string, out any) error
	PostJSON(ctx context.Context, path string, in, out any) error
	RestartDetection(ctx context.Context) error
}

// Config configures a [Synchronizer].
type Config struct {
	// Variant defaults to [VariantCurrent].
	Variant Variant

	// InitialMode is used until hydrate succeeds. Defaults to off.
	InitialMode types.Mode

	// InitialSessionLogging is used until hydrate succeeds.
	InitialSessionLogging bool

	// RestartOnModeChange makes the legacy variant request a best-effort
	// engine restart after pushing a non-off mode or a reset.
	RestartOnModeChange bool

	// Debounce is the legacy variant's tuning push delay. Defaults to
	// [DefaultDebounce].
	Debounce time.Duration

	// NewSessionID generates session ids. Defaults to [sessionid.Generate].
	NewSessionID func() string

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Synchronizer owns the local detection settings. All methods are safe for
// concurrent use.
type Synchronizer struct {
	client   Client
	variant  Variant
	restart  bool
	debounce time.Duration
	newSID   func() string
	metrics  *observe.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	state         State
	pushes        int
	debounceTimer *time.Timer
	closed        bool

	notifyMu sync.Mutex
	subsMu   sync.Mutex
	subs     map[int]func(State)
	nextSub  int
}

// New creates a [Synchronizer] in [PhaseHydrating] with fallback settings.
func New(client Client, cfg Config) *Synchronizer {
	if !cfg.Variant.IsValid() {
		cfg.Variant = VariantCurrent
	}
	if !cfg.InitialMode.IsValid() {
		cfg.InitialMode = types.ModeOff
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.NewSessionID == nil {
		cfg.NewSessionID = sessionid.Generate
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}

	fb := cfg.Variant.Fallbacks()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Synchronizer{
		client:   client,
		variant:  cfg.Variant,
		restart:  cfg.RestartOnModeChange,
		debounce: cfg.Debounce,
		newSID:   cfg.NewSessionID,
		metrics:  cfg.Metrics,
		ctx:      ctx,
		cancel:   cancel,
		subs:     make(map[int]func(State)),
		state: State{
			Phase: PhaseHydrating,
			Settings: types.Settings{
				Mode:           cfg.InitialMode,
				IntervalMs:     fb.IntervalMs,
				Threshold:      fb.Threshold,
				SessionLogging: cfg.InitialSessionLogging,
			},
			Defaults: fb,
		},
	}
	s.syncSessionLocked()
	return s
}

// State returns a copy of the current state.
func (s *Synchronizer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Variant returns the configured push variant.
func (s *Synchronizer) Variant() Variant {
	return s.variant
}

// Subscribe calls fn with the current state, then with the latest state
// after every change. Notifications, including the first one, are
// serialised, so fn never sees an older state after a newer one. fn must not
// call mutating methods of the Synchronizer synchronously. The returned func
// unsubscribes.
func (s *Synchronizer) Subscribe(fn func(State)) (cancel func()) {
	s.notifyMu.Lock()
	s.subsMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subsMu.Unlock()
	fn(s.State())
	s.notifyMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subsMu.Lock()
			delete(s.subs, id)
			s.subsMu.Unlock()
		})
	}
}

func (s *Synchronizer) notify() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	st := s.State()
	s.subsMu.Lock()
	fns := make([]func(State), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subsMu.Unlock()

	for _, fn := range fns {
		fn(st)
	}
}

// Hydrate reads the server settings once and moves to [PhaseReady]. On
// failure the fallback settings are kept, the error is recorded in the state
// and returned.
func (s *Synchronizer) Hydrate(ctx context.Context) (err error) {
	ctx, span := observe.StartSpan(ctx, "settings.hydrate")
	defer func() {
		observe.EndSpan(span, err,
			observe.AttrOp.String("hydrate"),
			observe.AttrMode.String(string(s.State().Settings.Mode)),
		)
	}()

	var body map[string]any
	err = s.client.GetJSON(ctx, backend.PathListeningMode, &body)
	s.metrics.RecordSettings(ctx, "hydrate", err)

	s.mu.Lock()
	if err == nil {
		s.state.Settings, s.state.Defaults = parseHydrate(body, s.state.Settings, s.variant.Fallbacks())
		s.state.Error = ""
	} else {
		err = fmt.Errorf("settings: hydrate: %w", err)
		s.state.Error = err.Error()
	}
	s.state.Phase = PhaseReady
	s.syncSessionLocked()
	st := s.state
	s.mu.Unlock()

	if err != nil {
		observe.Logger(ctx).Warn("failed to hydrate listening mode, using fallbacks", "err", err)
	} else {
		observe.Logger(ctx).Info("listening mode hydrated",
			"mode", string(st.Settings.Mode),
			"interval_ms", st.Settings.IntervalMs,
			"threshold", st.Settings.Threshold,
			"session_logging", st.Settings.SessionLogging,
		)
	}
	s.notify()
	return err
}

// SetMode changes the mode optimistically and, once ready, pushes it.
func (s *Synchronizer) SetMode(mode types.Mode) error {
	if !mode.IsValid() {
		return fmt.Errorf("settings: invalid mode %q", mode)
	}
	s.mu.Lock()
	if s.state.Settings.Mode == mode {
		s.mu.Unlock()
		return nil
	}
	s.state.Settings.Mode = mode
	s.syncSessionLocked()
	if s.state.Phase == PhaseReady {
		s.stopDebounceLocked()
		s.pushLocked(s.payloadLocked(), s.variant == VariantLegacy && mode != types.ModeOff)
	}
	s.mu.Unlock()
	s.notify()
	return nil
}

// SetSessionLogging toggles session logging optimistically and, once ready,
// pushes it. The legacy contract has no logging field, so that variant only
// updates local state.
func (s *Synchronizer) SetSessionLogging(enabled bool) {
	s.mu.Lock()
	if s.state.Settings.SessionLogging == enabled {
		s.mu.Unlock()
		return
	}
	s.state.Settings.SessionLogging = enabled
	s.syncSessionLocked()
	if s.state.Phase == PhaseReady && s.variant == VariantCurrent {
		s.pushLocked(s.payloadLocked(), false)
	}
	s.mu.Unlock()
	s.notify()
}

// SetInterval changes the polling interval locally. The legacy variant
// pushes it after the debounce delay.
func (s *Synchronizer) SetInterval(ms int) error {
	if ms <= 0 {
		return fmt.Errorf("settings: interval must be positive, got %d", ms)
	}
	s.mu.Lock()
	if s.state.Settings.IntervalMs == ms {
		s.mu.Unlock()
		return nil
	}
	s.state.Settings.IntervalMs = ms
	s.scheduleDebounceLocked()
	s.mu.Unlock()
	s.notify()
	return nil
}

// SetThreshold changes the confidence threshold locally. The legacy variant
// pushes it after the debounce delay.
func (s *Synchronizer) SetThreshold(t float64) error {
	if t < 0 || t > 1 {
		return fmt.Errorf("settings: threshold must be within [0, 1], got %v", t)
	}
	s.mu.Lock()
	if s.state.Settings.Threshold == t {
		s.mu.Unlock()
		return nil
	}
	s.state.Settings.Threshold = t
	s.scheduleDebounceLocked()
	s.mu.Unlock()
	s.notify()
	return nil
}

// ResetToDefaults copies the last hydrated defaults into the local interval
// and threshold. The current variant does not push; the legacy variant
// pushes at once.
func (s *Synchronizer) ResetToDefaults() {
	s.mu.Lock()
	s.state.Settings.IntervalMs = s.state.Defaults.IntervalMs
	s.state.Settings.Threshold = s.state.Defaults.Threshold
	if s.variant == VariantLegacy && s.state.Phase == PhaseReady {
		s.stopDebounceLocked()
		s.pushLocked(s.payloadLocked(), s.state.Settings.Mode != types.ModeOff)
	}
	s.mu.Unlock()
	s.notify()
}

// Close cancels outstanding pushes and the debounce timer and waits for push
// goroutines to exit.
func (s *Synchronizer) Close() error {
	s.mu.Lock()
	s.closed = true
	s.stopDebounceLocked()
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	return nil
}

// syncSessionLocked keeps SessionID consistent with the settings: created on
// entering a logged non-off run, kept while it lasts, cleared otherwise.
func (s *Synchronizer) syncSessionLocked() {
	active := s.state.Settings.SessionLogging && s.state.Settings.Mode != types.ModeOff
	switch {
	case active && s.state.SessionID == "":
		s.state.SessionID = s.newSID()
		slog.Info("session started", "session_id", s.state.SessionID)
	case !active && s.state.SessionID != "":
		slog.Info("session ended", "session_id", s.state.SessionID)
		s.state.SessionID = ""
	}
}

// payloadLocked builds the push body for the configured variant.
func (s *Synchronizer) payloadLocked() any {
	set := s.state.Settings
	if s.variant == VariantLegacy {
		return legacyPayload{Mode: set.Mode, IntervalMs: set.IntervalMs, Threshold: set.Threshold}
	}
	return currentPayload{Mode: set.Mode, SessionLogging: set.SessionLogging}
}

type currentPayload struct {
	Mode           types.Mode `json:"mode"`
	SessionLogging bool       `json:"session_logging"`
}

type legacyPayload struct {
	Mode       types.Mode `json:"mode"`
	IntervalMs int        `json:"interval_ms"`
	Threshold  float64    `json:"threshold"`
}

func (s *Synchronizer) scheduleDebounceLocked() {
	if s.variant != VariantLegacy || s.state.Phase != PhaseReady || s.closed {
		return
	}
	s.stopDebounceLocked()
	s.debounceTimer = time.AfterFunc(s.debounce, func() {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		s.debounceTimer = nil
		s.pushLocked(s.payloadLocked(), false)
		s.mu.Unlock()
		s.notify()
	})
}

func (s *Synchronizer) stopDebounceLocked() {
	if s.debounceTimer != nil {
		s.debounceTimer.Stop()
		s.debounceTimer = nil
	}
}

// pushLocked sends payload in the background. Pushes are not coalesced; the
// last one the backend receives wins.
func (s *Synchronizer) pushLocked(payload any, restart bool) {
	if s.closed {
		return
	}
	s.pushes++
	s.state.Syncing = true
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.push(payload, restart && s.restart)

		s.mu.Lock()
		s.pushes--
		s.state.Syncing = s.pushes > 0
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				s.state.Error = err.Error()
			}
		} else {
			s.state.Error = ""
		}
		s.mu.Unlock()
		s.notify()
	}()
}

func (s *Synchronizer) push(payload any, restart bool) error {
	ctx, span := observe.StartSpan(s.ctx, "settings.push")
	err := s.client.PostJSON(ctx, backend.PathListeningMode, payload, nil)
	s.metrics.RecordSettings(ctx, "push", err)
	if err != nil {
		err = pushError(err)
		observe.EndSpan(span, err, observe.AttrOp.String("push"))
		if !errors.Is(err, context.Canceled) {
			observe.Logger(ctx).Warn("failed to push listening mode", "err", err)
		}
		return err
	}
	observe.EndSpan(span, nil, observe.AttrOp.String("push"))

	if restart {
		rerr := s.client.RestartDetection(ctx)
		s.metrics.RecordSettings(ctx, "restart", rerr)
		if rerr != nil {
			observe.Logger(ctx).Debug("restart detection failed", "err", rerr)
		}
	}
	return nil
}

// pushError prefers the backend's error message when it sent one.
func pushError(err error) error {
	var se *backend.StatusError
	if errors.As(err, &se) && se.Message != "" {
		return fmt.Errorf("settings: push: %s: %w", se.Message, err)
	}
	return fmt.Errorf("settings: push: %w", err)
}
