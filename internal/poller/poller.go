// Package poller polls the active-speaker endpoint and publishes the
// resulting detection snapshot.
//
// Each cycle runs through a fixed sequence of guards before it may issue a
// request: an active cooldown skips the cycle, mode off publishes a disabled
// snapshot, a stopped engine publishes a pending snapshot, and an
// outstanding request skips the cycle. At most one request is in flight at
// any time. The timer is re-armed after every cycle completes.
//
// Results are published as a [types.Snapshot] and announced on a
// [speakerbus.Bus]: speaker:update after every successful poll,
// speaker:identified and speaker:cleared on edges of the known-speaker
// condition, and speaker:snapshot whenever the published view changes.
package poller

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/speakersync/internal/backend"
	"github.com/MrWong99/speakersync/internal/liveness"
	"github.com/MrWong99/speakersync/internal/observe"
	"github.com/MrWong99/speakersync/pkg/speakerbus"
	"github.com/MrWong99/speakersync/pkg/types"
)

// Timing and threshold constants.
const (
	// MinInterval is the shortest delay between cycles.
	MinInterval = 300 * time.Millisecond

	// DefaultInterval applies when no interval is configured.
	DefaultInterval = 3 * time.Second

	// ErrorCooldown follows a non-2xx response other than 503.
	ErrorCooldown = 1500 * time.Millisecond

	// DefaultThreshold applies when no threshold is configured.
	DefaultThreshold = 0.5

	// DefaultMinDelta is the confidence change that forces a log line in
	// change-only mode.
	DefaultMinDelta = 0.02

	// unknownSpeaker is the backend's placeholder name.
	unknownSpeaker = "unknown"
)

// ErrUnreachable is the error text surfaced on network failures.
const ErrUnreachable = "Backend unreachable"

// errInvalidResponse is surfaced when a 2xx body is not a JSON object.
const errInvalidResponse = "Invalid response from backend"

// Fetcher issues detection requests.
type Fetcher interface {
	Get(ctx context.Context, path string) (*backend.Response, error)
}

// Params are the settings-driven inputs of the loop. Changing them through
// [Poller.Reconfigure] discards any in-flight result and triggers an
// immediate cycle.
type Params struct {
	Mode types.Mode

	// Interval between cycles. Zero means [DefaultInterval]; values below
	// [MinInterval] are raised to it.
	Interval time.Duration

	// Threshold is the minimum confidence for a known speaker. Nil means
	// [DefaultThreshold].
	Threshold *float64

	// SessionID, when non-empty, is sent as the sid query parameter.
	SessionID string
}

func (p Params) equal(o Params) bool {
	if p.Mode != o.Mode || p.Interval != o.Interval || p.SessionID != o.SessionID {
		return false
	}
	if (p.Threshold == nil) != (o.Threshold == nil) {
		return false
	}
	return p.Threshold == nil || *p.Threshold == *o.Threshold
}

// interval returns the effective delay between cycles.
func (p Params) interval() time.Duration {
	d := p.Interval
	if d <= 0 {
		d = DefaultInterval
	}
	return max(d, MinInterval)
}

func (p Params) threshold() float64 {
	if p.Threshold == nil {
		return DefaultThreshold
	}
	return *p.Threshold
}

// Tuning holds the knobs that may change while the poller runs without
// resetting it.
type Tuning struct {
	// Smoothing is the moving-average window size. Values <= 1 disable
	// smoothing.
	Smoothing int

	// BackgroundLabel, when set, is a speaker name never treated as known.
	BackgroundLabel string

	// Log enables detection log lines.
	Log bool

	// LogOnChangeOnly limits log lines to changes of name, status or
	// speaking flag, or a confidence change of at least MinDelta.
	LogOnChangeOnly bool

	// MinDelta defaults to [DefaultMinDelta] when zero.
	MinDelta float64
}

// Config configures a [Poller].
type Config struct {
	// Endpoint is the detection path. Defaults to /api/active-speaker.
	Endpoint string

	Tuning Tuning

	// Logger receives detection log lines. Defaults to slog.Default().
	Logger *slog.Logger

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Now overrides the clock. Tests only.
	Now func() time.Time
}

// View is the state exposed to consumers.
type View struct {
	Snapshot types.Snapshot `json:"snapshot"`
	Liveness types.Liveness `json:"liveness"`
	Error    string         `json:"error,omitempty"`
}

// sample is the last logged detection.
type sample struct {
	name       string
	confidence float64
	status     types.Status
	isSpeaking bool
}

// Poller is the detection loop. Create it with [New] and start it with
// [Poller.Run]. All exported methods are safe for concurrent use.
type Poller struct {
	fetch    Fetcher
	bus      *speakerbus.Bus
	live     *liveness.State
	endpoint string
	log      *slog.Logger
	metrics  *observe.Metrics
	now      func() time.Time

	mu             sync.Mutex
	params         Params
	tuning         Tuning
	epoch          uint64
	snap           types.Snapshot
	lastErr        string
	cooldownUntil  time.Time
	window         *window
	lastAnnounced  string
	lastSample     *sample
	cancelInFlight context.CancelFunc

	// sent is the view last announced with speaker:snapshot.
	sent View

	inFlight atomic.Bool
	wake     chan struct{}
	wg       sync.WaitGroup
}

// New creates a [Poller]. The initial snapshot is pending with every
// detection field cleared.
func New(fetch Fetcher, bus *speakerbus.Bus, live *liveness.State, params Params, cfg Config) *Poller {
	if cfg.Endpoint == "" {
		cfg.Endpoint = backend.PathActiveSpeaker
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Poller{
		fetch:    fetch,
		bus:      bus,
		live:     live,
		endpoint: cfg.Endpoint,
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
		now:      cfg.Now,
		params:   params,
		tuning:   cfg.Tuning,
		snap:     types.Idle(types.StatusPending, cfg.Now()),
		sent:     View{Snapshot: types.Idle(types.StatusPending, cfg.Now()), Liveness: live.Get()},
		window:   newWindow(cfg.Tuning.Smoothing),
		wake:     make(chan struct{}, 1),
	}
}

// View returns a copy of the current snapshot, liveness and error.
func (p *Poller) View() View {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.viewLocked()
}

func (p *Poller) viewLocked() View {
	return View{Snapshot: p.snap.Clone(), Liveness: p.live.Get(), Error: p.lastErr}
}

// Snapshot returns a copy of the current snapshot.
func (p *Poller) Snapshot() types.Snapshot {
	return p.View().Snapshot
}

// Params returns the active loop parameters.
func (p *Poller) Params() Params {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.params
}

// Reconfigure replaces the loop parameters. When they differ from the
// active ones any in-flight request is cancelled, its result is discarded,
// and a cycle runs immediately.
func (p *Poller) Reconfigure(params Params) {
	p.mu.Lock()
	if p.params.equal(params) {
		p.mu.Unlock()
		return
	}
	p.params = params
	p.invalidateLocked()
	p.mu.Unlock()

	p.log.Debug("poller reconfigured",
		"mode", string(params.Mode),
		"interval", params.interval(),
		"session_id", params.SessionID,
	)
	p.kick()
}

// SetTuning replaces the hot-reloadable knobs.
func (p *Poller) SetTuning(t Tuning) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tuning = t
	p.window.resize(t.Smoothing)
}

// EngineStopped handles a stopped report from the engine-state channel: the
// snapshot resets to pending at once and any in-flight result is discarded.
func (p *Poller) EngineStopped() {
	p.mu.Lock()
	p.invalidateLocked()
	p.snap = types.Idle(types.StatusPending, p.now())
	view, changed := p.flushLocked()
	p.mu.Unlock()

	if changed {
		p.emitSnapshot(view)
	}
}

// onLiveness reacts to liveness changes: a transition to stopped resets the
// snapshot, any other change is announced with speaker:snapshot.
func (p *Poller) onLiveness(prev, next types.Liveness) {
	if next.Engine == types.EngineStopped && prev.Engine != types.EngineStopped {
		p.EngineStopped()
		return
	}
	p.mu.Lock()
	view, changed := p.flushLocked()
	p.mu.Unlock()
	if changed {
		p.emitSnapshot(view)
	}
}

// invalidateLocked starts a new epoch and cancels the in-flight request.
func (p *Poller) invalidateLocked() {
	p.epoch++
	if p.cancelInFlight != nil {
		p.cancelInFlight()
		p.cancelInFlight = nil
	}
}

func (p *Poller) kick() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run drives the loop until ctx is cancelled. The first cycle runs
// immediately and the timer is re-armed only after a cycle's request has
// completed. Run waits for any in-flight request to finish before it returns
// nil.
func (p *Poller) Run(ctx context.Context) error {
	unsubscribe := p.live.Subscribe(p.onLiveness)
	defer unsubscribe()

	loopCtx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		p.wg.Wait()
	}()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-loopCtx.Done():
			return nil
		case <-p.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
		}

		if _, done := p.cycle(loopCtx); done != nil {
			select {
			case <-done:
			case <-loopCtx.Done():
				return nil
			}
		}
		timer.Reset(p.Params().interval())
	}
}

// cycle runs the guards and, when they pass, starts a request in the
// background. It returns the outcome of the guards and, if a request was
// started, a channel closed when it completes.
func (p *Poller) cycle(ctx context.Context) (string, <-chan struct{}) {
	now := p.now()

	p.mu.Lock()
	if now.Before(p.cooldownUntil) {
		p.mu.Unlock()
		p.metrics.RecordPoll(ctx, observe.OutcomeCooldown, 0)
		return observe.OutcomeCooldown, nil
	}

	if p.params.Mode == types.ModeOff {
		p.snap = types.Idle(types.StatusDisabled, now)
		view, changed := p.flushLocked()
		p.mu.Unlock()
		if changed {
			p.emitSnapshot(view)
		}
		p.metrics.RecordPoll(ctx, observe.OutcomeDisabled, 0)
		return observe.OutcomeDisabled, nil
	}

	if p.live.Engine() == types.EngineStopped {
		p.snap = types.Idle(types.StatusPending, now)
		view, changed := p.flushLocked()
		p.mu.Unlock()
		if changed {
			p.emitSnapshot(view)
		}
		p.metrics.RecordPoll(ctx, observe.OutcomeEngineStopped, 0)
		return observe.OutcomeEngineStopped, nil
	}

	if !p.inFlight.CompareAndSwap(false, true) {
		p.mu.Unlock()
		p.metrics.RecordPoll(ctx, observe.OutcomeInFlight, 0)
		return observe.OutcomeInFlight, nil
	}

	reqCtx, cancel := context.WithCancel(ctx)
	p.cancelInFlight = cancel
	epoch := p.epoch
	params := p.params
	p.mu.Unlock()

	done := make(chan struct{})
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(done)
		defer cancel()
		defer p.inFlight.Store(false)
		p.poll(reqCtx, epoch, params)
	}()
	return "", done
}

// requestPath appends the session id to the endpoint.
func requestPath(endpoint, sid string) string {
	if sid == "" {
		return endpoint
	}
	sep := "?"
	if strings.Contains(endpoint, "?") {
		sep = "&"
	}
	return endpoint + sep + "sid=" + url.QueryEscape(sid)
}

// poll performs one detection request and applies its result unless the
// epoch moved on while it was outstanding.
func (p *Poller) poll(ctx context.Context, epoch uint64, params Params) {
	ctx, span := observe.StartSpan(ctx, "poller.poll")
	start := p.now()
	resp, err := p.fetch.Get(ctx, requestPath(p.endpoint, params.SessionID))
	elapsed := p.now().Sub(start)

	// Reachability is recorded even for stale results, except when the
	// request failed because it was cancelled.
	if err == nil || ctx.Err() == nil {
		p.live.SetBackend(reachabilityOf(err))
	}

	p.mu.Lock()
	if p.epoch != epoch || (err != nil && ctx.Err() != nil) {
		p.mu.Unlock()
		observe.EndSpan(span, nil, observe.AttrOutcome.String(observe.OutcomeStale))
		p.metrics.RecordPoll(ctx, observe.OutcomeStale, elapsed)
		// A cycle may have been skipped while this request was outstanding.
		p.kick()
		return
	}
	p.cancelInFlight = nil

	var (
		outcome string
		events  []speakerbus.Event
	)
	now := p.now()
	switch {
	case err == nil:
		outcome, events = p.applyResponseLocked(resp.Body, params, now)
	case errors.Is(err, backend.ErrNotReady):
		outcome = observe.OutcomeNotReady
		p.failLocked(types.StatusPending, "", max(ErrorCooldown, params.interval()), now)
	case backend.IsStatus(err):
		outcome = observe.OutcomeHTTPError
		p.failLocked(types.StatusError, "", ErrorCooldown, now)
	default:
		outcome = observe.OutcomeUnreachable
		p.failLocked(types.StatusError, ErrUnreachable, 0, now)
	}
	view, changed := p.flushLocked()
	p.mu.Unlock()

	if outcome == observe.OutcomeSuccess {
		err = nil
	}
	observe.EndSpan(span, err,
		observe.AttrOutcome.String(outcome),
		observe.AttrMode.String(string(params.Mode)),
		observe.AttrSessionID.String(params.SessionID),
	)
	p.metrics.RecordPoll(ctx, outcome, elapsed)

	for _, ev := range events {
		p.bus.Emit(ev.Name, ev.Detail)
		p.metrics.RecordSpeakerEvent(ctx, ev.Name)
	}
	if changed {
		p.emitSnapshot(view)
	}
}

// reachabilityOf maps a request result to backend reachability: any HTTP
// response means online, a failure without one means offline.
func reachabilityOf(err error) types.Reachability {
	if err == nil || backend.IsStatus(err) {
		return types.ReachabilityOnline
	}
	return types.ReachabilityOffline
}

// failLocked publishes an idle snapshot with status and error text and arms
// the cooldown when it is positive.
func (p *Poller) failLocked(status types.Status, errText string, cooldown time.Duration, now time.Time) {
	p.snap = types.Idle(status, now)
	p.lastErr = errText
	if cooldown > 0 {
		p.cooldownUntil = now.Add(cooldown)
	}
}

// applyResponseLocked interprets a 2xx body. It returns the poll outcome and
// the events to emit once the lock is released.
func (p *Poller) applyResponseLocked(body []byte, params Params, now time.Time) (string, []speakerbus.Event) {
	var d map[string]any
	if err := json.Unmarshal(body, &d); err != nil || d == nil {
		p.failLocked(types.StatusError, errInvalidResponse, ErrorCooldown, now)
		return observe.OutcomeInvalidResponse, nil
	}

	speaker, _ := d["speaker"].(string)
	var confidence *float64
	if f, ok := d["confidence"].(float64); ok {
		confidence = &f
	}
	backendSpeaking, hasBackendSpeaking := d["is_speaking"].(bool)
	status := types.StatusPending
	if s, ok := d["status"].(string); ok && strings.TrimSpace(s) != "" {
		status = types.Status(strings.TrimSpace(s))
	}
	alt := extractCandidate(d)

	if confidence != nil && p.tuning.Smoothing > 1 {
		smoothed := p.window.add(*confidence)
		confidence = &smoothed
	}

	knownEnough := speaker != "" &&
		speaker != unknownSpeaker &&
		(p.tuning.BackgroundLabel == "" || speaker != p.tuning.BackgroundLabel) &&
		valueOr(confidence, 0) >= params.threshold()

	isSpeaking := knownEnough
	if hasBackendSpeaking {
		isSpeaking = backendSpeaking
	}

	p.snap = types.Snapshot{
		Speaker:       speaker,
		Confidence:    confidence,
		IsSpeaking:    isSpeaking,
		Status:        status,
		AltSpeaker:    alt.Name,
		AltConfidence: alt.Confidence,
		At:            now,
	}
	p.lastErr = ""

	events := []speakerbus.Event{{
		Name: speakerbus.EventUpdate,
		Detail: speakerbus.UpdateDetail{
			Name:          speaker,
			Confidence:    cloneFloat(confidence),
			IsSpeaking:    isSpeaking,
			Status:        status,
			BackendOnline: p.live.Get().Backend != types.ReachabilityOffline,
			TS:            now,
		},
	}}

	switch {
	case knownEnough && p.lastAnnounced != speaker:
		events = append(events, speakerbus.Event{
			Name: speakerbus.EventIdentified,
			Detail: speakerbus.IdentifiedDetail{
				Name:       speaker,
				Confidence: cloneFloat(confidence),
				Status:     status,
				TS:         now,
			},
		})
		p.lastAnnounced = speaker
	case !knownEnough && p.lastAnnounced != "":
		to := speaker
		if to == "" {
			to = unknownSpeaker
		}
		events = append(events, speakerbus.Event{
			Name: speakerbus.EventCleared,
			Detail: speakerbus.ClearedDetail{
				Previous:   p.lastAnnounced,
				To:         to,
				Status:     status,
				Confidence: valueOr(confidence, 0),
				TS:         now,
			},
		})
		p.lastAnnounced = ""
	}

	p.logDetectionLocked(speaker, valueOr(confidence, 0), status, isSpeaking)
	return observe.OutcomeSuccess, events
}

// flushLocked reports whether the exposed view differs from the one last
// announced, and records it as announced when it does. Timestamps are
// ignored.
func (p *Poller) flushLocked() (View, bool) {
	view := p.viewLocked()
	if sameView(p.sent, view) {
		return view, false
	}
	p.sent = view
	return view, true
}

func (p *Poller) emitSnapshot(v View) {
	p.bus.Emit(speakerbus.EventSnapshot, speakerbus.SnapshotDetail{
		Snapshot: v.Snapshot,
		Liveness: v.Liveness,
		Error:    v.Error,
	})
	p.metrics.RecordSpeakerEvent(context.Background(), speakerbus.EventSnapshot)
}

func sameView(a, b View) bool {
	return a.Error == b.Error &&
		a.Liveness == b.Liveness &&
		a.Snapshot.Speaker == b.Snapshot.Speaker &&
		a.Snapshot.IsSpeaking == b.Snapshot.IsSpeaking &&
		a.Snapshot.Status == b.Snapshot.Status &&
		a.Snapshot.AltSpeaker == b.Snapshot.AltSpeaker &&
		sameFloat(a.Snapshot.Confidence, b.Snapshot.Confidence) &&
		sameFloat(a.Snapshot.AltConfidence, b.Snapshot.AltConfidence)
}

func sameFloat(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func valueOr(f *float64, def float64) float64 {
	if f == nil {
		return def
	}
	return *f
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

// logDetectionLocked writes the detection log line, limited to changes when
// LogOnChangeOnly is set.
func (p *Poller) logDetectionLocked(name string, confidence float64, status types.Status, isSpeaking bool) {
	t := p.tuning
	if !t.Log {
		return
	}
	minDelta := t.MinDelta
	if minDelta == 0 {
		minDelta = DefaultMinDelta
	}

	last := p.lastSample
	shouldLog := !t.LogOnChangeOnly || last == nil ||
		last.name != name ||
		last.status != status ||
		last.isSpeaking != isSpeaking ||
		math.Abs(confidence-last.confidence) >= minDelta
	if shouldLog {
		p.log.Info("speaker detected",
			"speaker", name,
			"confidence_pct", int(math.Round(confidence*100)),
			"status", string(status),
			"is_speaking", isSpeaking,
		)
	}
	p.lastSample = &sample{name: name, confidence: confidence, status: status, isSpeaking: isSpeaking}
}
