package poller

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/speakersync/internal/backend"
	"github.com/MrWong99/speakersync/internal/liveness"
	"github.com/MrWong99/speakersync/internal/observe"
	"github.com/MrWong99/speakersync/pkg/apibase"
	"github.com/MrWong99/speakersync/pkg/speakerbus"
	"github.com/MrWong99/speakersync/pkg/types"
)

// --- test doubles ---

type result struct {
	resp *backend.Response
	err  error
}

func okBody(body string) result {
	return result{resp: &backend.Response{StatusCode: http.StatusOK, Body: []byte(body)}}
}

func statusResult(code int) result {
	return result{
		resp: &backend.Response{StatusCode: code},
		err:  &backend.StatusError{Method: http.MethodGet, URL: "http://backend/api/active-speaker", StatusCode: code},
	}
}

func transportResult() result {
	return result{err: &backend.TransportError{Op: http.MethodGet, Err: errors.New("connection refused")}}
}

// fakeFetcher replays queued results. When gate is non-nil each request
// blocks until a value is received from it or ctx is done.
type fakeFetcher struct {
	mu      sync.Mutex
	queue   []result
	paths   []string
	gate    chan struct{}
	started chan struct{}
}

func (f *fakeFetcher) push(rs ...result) {
	f.mu.Lock()
	f.queue = append(f.queue, rs...)
	f.mu.Unlock()
}

func (f *fakeFetcher) Get(ctx context.Context, path string) (*backend.Response, error) {
	f.mu.Lock()
	f.paths = append(f.paths, path)
	var r result
	if len(f.queue) > 0 {
		r = f.queue[0]
		f.queue = f.queue[1:]
	} else {
		r = okBody(`{}`)
	}
	gate, started := f.gate, f.started
	f.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, &backend.TransportError{Op: http.MethodGet, Err: ctx.Err()}
		}
	}
	return r.resp, r.err
}

func (f *fakeFetcher) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.paths)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// recorder collects every bus event.
type recorder struct {
	mu     sync.Mutex
	events []speakerbus.Event
}

func (r *recorder) handle(ev speakerbus.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) named(name string) []speakerbus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []speakerbus.Event
	for _, ev := range r.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

type harness struct {
	p     *Poller
	f     *fakeFetcher
	bus   *speakerbus.Bus
	live  *liveness.State
	clock *fakeClock
	rec   *recorder
	logs  *bytes.Buffer
}

func newHarness(t *testing.T, params Params, tuning Tuning) *harness {
	t.Helper()
	return newHarnessFetching(t, &fakeFetcher{}, params, tuning)
}

// newHarnessFetching builds a harness around fetch. h.f is only set when
// fetch is a *fakeFetcher.
func newHarnessFetching(t *testing.T, fetch Fetcher, params Params, tuning Tuning) *harness {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	h := &harness{
		bus:   speakerbus.New(),
		live:  liveness.NewState(),
		clock: &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)},
		rec:   &recorder{},
		logs:  &bytes.Buffer{},
	}
	h.f, _ = fetch.(*fakeFetcher)
	h.bus.On(speakerbus.AllEvents, h.rec.handle)
	h.p = New(fetch, h.bus, h.live, params, Config{
		Tuning:  tuning,
		Logger:  slog.New(slog.NewTextHandler(h.logs, nil)),
		Metrics: metrics,
		Now:     h.clock.Now,
	})
	return h
}

// cycle runs one cycle and waits for its request, if any. It returns the
// guard outcome, or "requested" when a request was made.
func (h *harness) cycle(t *testing.T) string {
	t.Helper()
	outcome, done := h.p.cycle(context.Background())
	if done == nil {
		return outcome
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("request did not complete")
	}
	return "requested"
}

func threshold(f float64) *float64 { return &f }

func singleMode() Params {
	return Params{Mode: types.ModeSingle, Interval: time.Second, Threshold: threshold(0.75)}
}

func confidenceOf(t *testing.T, s types.Snapshot) float64 {
	t.Helper()
	if s.Confidence == nil {
		t.Fatal("confidence is nil")
	}
	return *s.Confidence
}

// --- tests ---

func TestPoller_InitialSnapshotPending(t *testing.T) {
	t.Parallel()
	h := newHarness(t, singleMode(), Tuning{})

	s := h.p.Snapshot()
	if s.Status != types.StatusPending || s.Speaker != "" || s.Confidence != nil || s.IsSpeaking {
		t.Errorf("initial snapshot = %+v", s)
	}
}

func TestPoller_StatusDefaultsToPending(t *testing.T) {
	t.Parallel()

	for _, body := range []string{
		`{"speaker":"alice","confidence":0.9}`,
		`{"speaker":"alice","confidence":0.9,"status":"  "}`,
		`{}`,
	} {
		h := newHarness(t, singleMode(), Tuning{})
		h.f.push(okBody(body))
		h.cycle(t)
		if got := h.p.Snapshot().Status; got != types.StatusPending {
			t.Errorf("body %s: status = %q, want pending", body, got)
		}
	}
}

func TestPoller_StatusPassedThroughTrimmed(t *testing.T) {
	t.Parallel()
	h := newHarness(t, singleMode(), Tuning{})
	h.f.push(okBody(`{"speaker":"alice","confidence":0.9,"status":" warming_up "}`))
	h.cycle(t)
	if got := h.p.Snapshot().Status; got != types.Status("warming_up") {
		t.Errorf("status = %q, want warming_up", got)
	}
}

func TestPoller_ModeOffIssuesNoRequest(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Params{Mode: types.ModeOff, Interval: time.Second}, Tuning{})

	for i := 0; i < 3; i++ {
		if got := h.cycle(t); got != observe.OutcomeDisabled {
			t.Fatalf("outcome = %q, want disabled", got)
		}
		h.clock.Advance(time.Second)
	}
	if n := h.f.calls(); n != 0 {
		t.Errorf("requests = %d, want 0", n)
	}
	if got := h.p.Snapshot().Status; got != types.StatusDisabled {
		t.Errorf("status = %q, want disabled", got)
	}
	if n := len(h.rec.named(speakerbus.EventSnapshot)); n != 1 {
		t.Errorf("snapshot events = %d, want 1 (only on change)", n)
	}
	if n := len(h.rec.named(speakerbus.EventUpdate)); n != 0 {
		t.Errorf("update events = %d, want 0", n)
	}
}

func TestPoller_SingleRequestInFlight(t *testing.T) {
	t.Parallel()
	h := newHarness(t, singleMode(), Tuning{})
	h.f.gate = make(chan struct{})
	h.f.started = make(chan struct{}, 4)

	_, done := h.p.cycle(context.Background())
	if done == nil {
		t.Fatal("first cycle did not start a request")
	}
	<-h.f.started

	for i := 0; i < 3; i++ {
		h.clock.Advance(MinInterval)
		if got, d := h.p.cycle(context.Background()); d != nil || got != observe.OutcomeInFlight {
			t.Fatalf("cycle %d outcome = %q, want %q", i, got, observe.OutcomeInFlight)
		}
	}

	h.f.gate <- struct{}{}
	<-done
	if n := h.f.calls(); n != 1 {
		t.Errorf("requests = %d, want 1", n)
	}

	close(h.f.gate)
	if got := h.cycle(t); got != "requested" {
		t.Errorf("cycle after completion = %q, want a request", got)
	}
}

func TestPoller_NotReadyCooldown(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		interval time.Duration
		cooldown time.Duration
	}{
		{name: "short interval uses 1500ms floor", interval: time.Second, cooldown: 1500 * time.Millisecond},
		{name: "long interval", interval: 4 * time.Second, cooldown: 4 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			params := singleMode()
			params.Interval = tt.interval
			h := newHarness(t, params, Tuning{})
			h.f.push(okBody(`{"speaker":"alice","confidence":0.9}`), statusResult(http.StatusServiceUnavailable))

			h.cycle(t)
			h.cycle(t)

			s := h.p.Snapshot()
			if s.Status != types.StatusPending || s.Speaker != "" || s.Confidence != nil || s.IsSpeaking {
				t.Errorf("snapshot after 503 = %+v, want cleared pending", s)
			}
			if got := h.live.Get().Backend; got != types.ReachabilityOnline {
				t.Errorf("backend = %v, want online", got)
			}
			if v := h.p.View(); v.Error != "" {
				t.Errorf("error = %q, want none for 503", v.Error)
			}

			h.clock.Advance(tt.cooldown - time.Millisecond)
			if got := h.cycle(t); got != observe.OutcomeCooldown {
				t.Fatalf("outcome inside cooldown = %q, want %q", got, observe.OutcomeCooldown)
			}
			if n := h.f.calls(); n != 2 {
				t.Fatalf("requests = %d, want 2", n)
			}
			h.clock.Advance(time.Millisecond)
			if got := h.cycle(t); got != "requested" {
				t.Errorf("outcome after cooldown = %q, want a request", got)
			}
		})
	}
}

func TestPoller_ErrorStatusCooldown(t *testing.T) {
	t.Parallel()
	h := newHarness(t, singleMode(), Tuning{})
	h.f.push(statusResult(http.StatusInternalServerError))

	h.cycle(t)
	if got := h.p.Snapshot().Status; got != types.StatusError {
		t.Errorf("status = %q, want error", got)
	}
	if got := h.live.Get().Backend; got != types.ReachabilityOnline {
		t.Errorf("backend = %v, want online", got)
	}

	h.clock.Advance(ErrorCooldown - time.Millisecond)
	if got := h.cycle(t); got != observe.OutcomeCooldown {
		t.Errorf("outcome = %q, want cooldown", got)
	}
	h.clock.Advance(time.Millisecond)
	if got := h.cycle(t); got != "requested" {
		t.Errorf("outcome = %q, want a request", got)
	}
}

func TestPoller_TransportFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, singleMode(), Tuning{})
	h.f.push(okBody(`{"speaker":"alice","confidence":0.9}`), transportResult())

	h.cycle(t)
	h.cycle(t)

	v := h.p.View()
	if v.Snapshot.Status != types.StatusError || v.Snapshot.Speaker != "" || v.Snapshot.Confidence != nil {
		t.Errorf("snapshot = %+v, want cleared error", v.Snapshot)
	}
	if v.Error != ErrUnreachable {
		t.Errorf("error = %q, want %q", v.Error, ErrUnreachable)
	}
	if v.Liveness.Backend != types.ReachabilityOffline {
		t.Errorf("backend = %v, want offline", v.Liveness.Backend)
	}

	// No cooldown: the very next cycle requests again and recovers.
	h.f.push(okBody(`{"speaker":"alice","confidence":0.9}`))
	if got := h.cycle(t); got != "requested" {
		t.Fatalf("outcome = %q, want a request", got)
	}
	v = h.p.View()
	if v.Error != "" || v.Liveness.Backend != types.ReachabilityOnline {
		t.Errorf("after recovery view = %+v", v)
	}
}

func TestPoller_FailureWithoutResponseIsUnreachable(t *testing.T) {
	t.Parallel()

	unbuildable := backend.New(apibase.New(apibase.Config{Default: "http://bad host:1"}))
	plain := &fakeFetcher{}
	plain.push(result{err: errors.New("request aborted")})

	for name, fetch := range map[string]Fetcher{
		"malformed origin": unbuildable,
		"untyped error":    plain,
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			h := newHarnessFetching(t, fetch, singleMode(), Tuning{})
			h.live.SetBackend(types.ReachabilityOnline)

			if got := h.cycle(t); got != "requested" {
				t.Fatalf("outcome = %q, want a request", got)
			}
			v := h.p.View()
			if v.Snapshot.Status != types.StatusError || v.Error != ErrUnreachable {
				t.Errorf("view = %+v, want error %q", v, ErrUnreachable)
			}
			if v.Liveness.Backend != types.ReachabilityOffline {
				t.Errorf("backend = %v, want offline", v.Liveness.Backend)
			}
			// No cooldown after a failure without a response.
			if got := h.cycle(t); got != "requested" {
				t.Errorf("next outcome = %q, want a request", got)
			}
		})
	}
}

func TestPoller_InvalidResponse(t *testing.T) {
	t.Parallel()
	h := newHarness(t, singleMode(), Tuning{})
	h.f.push(okBody(`not json`))

	h.cycle(t)
	v := h.p.View()
	if v.Snapshot.Status != types.StatusError || v.Error == "" {
		t.Errorf("view = %+v, want error status with message", v)
	}
	if v.Liveness.Backend != types.ReachabilityOnline {
		t.Errorf("backend = %v, want online", v.Liveness.Backend)
	}
}

func TestPoller_AliceScenario(t *testing.T) {
	t.Parallel()
	h := newHarness(t, singleMode(), Tuning{})
	h.f.push(
		okBody(`{"speaker":"alice","confidence":0.9}`),
		okBody(`{"speaker":"alice","confidence":0.92}`),
		okBody(`{"speaker":null}`),
	)

	for i := 0; i < 3; i++ {
		h.cycle(t)
		h.clock.Advance(time.Second)
	}

	identified := h.rec.named(speakerbus.EventIdentified)
	if len(identified) != 1 {
		t.Fatalf("identified events = %d, want 1", len(identified))
	}
	if d := identified[0].Detail.(speakerbus.IdentifiedDetail); d.Name != "alice" {
		t.Errorf("identified name = %q, want alice", d.Name)
	}

	cleared := h.rec.named(speakerbus.EventCleared)
	if len(cleared) != 1 {
		t.Fatalf("cleared events = %d, want 1", len(cleared))
	}
	cd := cleared[0].Detail.(speakerbus.ClearedDetail)
	if cd.Previous != "alice" || cd.To != "unknown" || cd.Confidence != 0 {
		t.Errorf("cleared detail = %+v", cd)
	}

	if n := len(h.rec.named(speakerbus.EventUpdate)); n != 3 {
		t.Errorf("update events = %d, want 3", n)
	}
}

func TestPoller_EdgesAcrossSpeakers(t *testing.T) {
	t.Parallel()
	h := newHarness(t, singleMode(), Tuning{BackgroundLabel: "noise"})
	h.f.push(
		okBody(`{"speaker":"alice","confidence":0.9}`),
		okBody(`{"speaker":"bob","confidence":0.8}`),
		okBody(`{"speaker":"bob","confidence":0.5}`),
		okBody(`{"speaker":"noise","confidence":0.99}`),
		okBody(`{"speaker":"unknown","confidence":0.99}`),
		okBody(`{"speaker":"bob","confidence":0.8}`),
	)
	for i := 0; i < 6; i++ {
		h.cycle(t)
	}

	var names []string
	for _, ev := range h.rec.named(speakerbus.EventIdentified) {
		names = append(names, ev.Detail.(speakerbus.IdentifiedDetail).Name)
	}
	if got := strings.Join(names, ","); got != "alice,bob,bob" {
		t.Errorf("identified = %s, want alice,bob,bob", got)
	}
	cleared := h.rec.named(speakerbus.EventCleared)
	if len(cleared) != 1 {
		t.Fatalf("cleared = %d, want 1", len(cleared))
	}
	if d := cleared[0].Detail.(speakerbus.ClearedDetail); d.Previous != "bob" || d.To != "bob" || d.Confidence != 0.5 {
		t.Errorf("cleared detail = %+v", d)
	}
}

func TestPoller_IsSpeaking(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		params Params
		body   string
		want   bool
	}{
		{name: "known enough", params: singleMode(), body: `{"speaker":"alice","confidence":0.8}`, want: true},
		{name: "below threshold", params: singleMode(), body: `{"speaker":"alice","confidence":0.7}`, want: false},
		{name: "backend flag wins false", params: singleMode(), body: `{"speaker":"alice","confidence":0.9,"is_speaking":false}`, want: false},
		{name: "backend flag wins true", params: singleMode(), body: `{"speaker":null,"is_speaking":true}`, want: true},
		{name: "non-bool flag ignored", params: singleMode(), body: `{"speaker":"alice","confidence":0.9,"is_speaking":"no"}`, want: true},
		{name: "missing confidence counts as zero", params: singleMode(), body: `{"speaker":"alice"}`, want: false},
		{name: "default threshold 0.5", params: Params{Mode: types.ModeMulti}, body: `{"speaker":"alice","confidence":0.5}`, want: true},
		{name: "unknown speaker", params: singleMode(), body: `{"speaker":"unknown","confidence":0.99}`, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, tt.params, Tuning{})
			h.f.push(okBody(tt.body))
			h.cycle(t)
			if got := h.p.Snapshot().IsSpeaking; got != tt.want {
				t.Errorf("IsSpeaking = %v, want %v", got, tt.want)
			}
			updates := h.rec.named(speakerbus.EventUpdate)
			if len(updates) != 1 || updates[0].Detail.(speakerbus.UpdateDetail).IsSpeaking != tt.want {
				t.Errorf("update detail mismatch: %+v", updates)
			}
		})
	}
}

func TestPoller_Smoothing(t *testing.T) {
	t.Parallel()
	h := newHarness(t, singleMode(), Tuning{Smoothing: 3})
	h.f.push(
		okBody(`{"speaker":"alice","confidence":0.2}`),
		okBody(`{"speaker":"alice","confidence":0.8}`),
		okBody(`{"speaker":"alice","confidence":0.5}`),
	)

	want := []float64{0.2, 0.5, 0.5}
	for i := range want {
		h.cycle(t)
		if got := confidenceOf(t, h.p.Snapshot()); math.Abs(got-want[i]) > 1e-9 {
			t.Errorf("cycle %d confidence = %v, want %v", i, got, want[i])
		}
	}
}

func TestPoller_NullConfidenceSkipsSmoothing(t *testing.T) {
	t.Parallel()
	h := newHarness(t, singleMode(), Tuning{Smoothing: 2})
	h.f.push(
		okBody(`{"speaker":"alice","confidence":0.4}`),
		okBody(`{"speaker":"alice","confidence":null}`),
		okBody(`{"speaker":"alice","confidence":0.8}`),
	)
	h.cycle(t)
	h.cycle(t)
	if c := h.p.Snapshot().Confidence; c != nil {
		t.Errorf("confidence = %v, want nil", *c)
	}
	h.cycle(t)
	if got := confidenceOf(t, h.p.Snapshot()); math.Abs(got-0.6) > 1e-9 {
		t.Errorf("confidence = %v, want 0.6", got)
	}
}

func TestPoller_AlternateCandidate(t *testing.T) {
	t.Parallel()
	h := newHarness(t, singleMode(), Tuning{})
	h.f.push(okBody(`{"speaker":"alice","confidence":0.9,"suggested":{"name":"bob","score":0.4}}`))
	h.cycle(t)

	s := h.p.Snapshot()
	if s.AltSpeaker != "bob" || s.AltConfidence == nil || *s.AltConfidence != 0.4 {
		t.Errorf("alt = %q/%v, want bob/0.4", s.AltSpeaker, s.AltConfidence)
	}
}

func TestPoller_SessionIDQuery(t *testing.T) {
	t.Parallel()

	tests := []struct {
		endpoint, sid, want string
	}{
		{"/api/active-speaker", "", "/api/active-speaker"},
		{"/api/active-speaker", "a b&c", "/api/active-speaker?sid=a+b%26c"},
		{"/api/active-speaker?debug=1", "s1", "/api/active-speaker?debug=1&sid=s1"},
	}
	for _, tt := range tests {
		if got := requestPath(tt.endpoint, tt.sid); got != tt.want {
			t.Errorf("requestPath(%q, %q) = %q, want %q", tt.endpoint, tt.sid, got, tt.want)
		}
	}

	params := singleMode()
	params.SessionID = "speaker-detector_host_x"
	h := newHarness(t, params, Tuning{})
	h.cycle(t)
	h.f.mu.Lock()
	defer h.f.mu.Unlock()
	if h.f.paths[0] != "/api/active-speaker?sid=speaker-detector_host_x" {
		t.Errorf("path = %q", h.f.paths[0])
	}
}

func TestPoller_EngineStoppedSkipsRequests(t *testing.T) {
	t.Parallel()
	h := newHarness(t, singleMode(), Tuning{})
	h.live.SetEngine(types.EngineStopped)

	if got := h.cycle(t); got != observe.OutcomeEngineStopped {
		t.Fatalf("outcome = %q, want %q", got, observe.OutcomeEngineStopped)
	}
	if n := h.f.calls(); n != 0 {
		t.Errorf("requests = %d, want 0", n)
	}

	h.live.SetEngine(types.EngineRunning)
	if got := h.cycle(t); got != "requested" {
		t.Errorf("outcome = %q, want a request once running", got)
	}
}

func TestPoller_EngineStoppedDiscardsInFlight(t *testing.T) {
	t.Parallel()
	h := newHarness(t, singleMode(), Tuning{})
	h.f.gate = make(chan struct{})
	h.f.started = make(chan struct{}, 1)
	h.f.push(okBody(`{"speaker":"alice","confidence":0.9}`))

	_, done := h.p.cycle(context.Background())
	<-h.f.started

	h.live.SetEngine(types.EngineStopped)
	h.p.EngineStopped()
	<-done

	s := h.p.Snapshot()
	if s.Status != types.StatusPending || s.Speaker != "" {
		t.Errorf("snapshot = %+v, want pending with no speaker", s)
	}
	if n := len(h.rec.named(speakerbus.EventUpdate)); n != 0 {
		t.Errorf("update events = %d, want 0 (stale result discarded)", n)
	}
	if got := h.live.Get().Backend; got != types.ReachabilityUnknown {
		t.Errorf("backend = %v, cancelled request must not change reachability", got)
	}
}

func TestPoller_ReconfigureDiscardsStaleResult(t *testing.T) {
	t.Parallel()
	h := newHarness(t, singleMode(), Tuning{})
	h.f.gate = make(chan struct{})
	h.f.started = make(chan struct{}, 1)

	_, done := h.p.cycle(context.Background())
	<-h.f.started

	same := singleMode()
	h.p.Reconfigure(same)
	select {
	case <-h.p.wake:
		t.Fatal("identical params must not wake the loop")
	default:
	}

	next := singleMode()
	next.Mode = types.ModeOff
	h.p.Reconfigure(next)
	<-done

	if n := len(h.rec.named(speakerbus.EventUpdate)); n != 0 {
		t.Errorf("update events = %d, want 0", n)
	}
	select {
	case <-h.p.wake:
	default:
		t.Error("Reconfigure did not wake the loop")
	}
	if got := h.cycle(t); got != observe.OutcomeDisabled {
		t.Errorf("outcome = %q, want disabled", got)
	}
}

func TestPoller_ChangeOnlyLogging(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		tuning Tuning
		want   int
	}{
		{name: "change only", tuning: Tuning{Log: true, LogOnChangeOnly: true}, want: 3},
		{name: "every sample", tuning: Tuning{Log: true}, want: 5},
		{name: "disabled", tuning: Tuning{}, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, singleMode(), tt.tuning)
			h.f.push(
				okBody(`{"speaker":"alice","confidence":0.90}`),
				okBody(`{"speaker":"alice","confidence":0.91}`),
				okBody(`{"speaker":"alice","confidence":0.95}`),
				okBody(`{"speaker":"alice","confidence":0.96}`),
				okBody(`{"speaker":"bob","confidence":0.96}`),
			)
			for i := 0; i < 5; i++ {
				h.cycle(t)
			}
			if got := strings.Count(h.logs.String(), "speaker detected"); got != tt.want {
				t.Errorf("log lines = %d, want %d\n%s", got, tt.want, h.logs.String())
			}
		})
	}
}

func TestPoller_SnapshotEventOnDegradedPaths(t *testing.T) {
	t.Parallel()
	h := newHarness(t, singleMode(), Tuning{})
	h.f.push(
		okBody(`{"speaker":"alice","confidence":0.9}`),
		okBody(`{"speaker":"alice","confidence":0.9}`),
		transportResult(),
	)
	h.cycle(t)
	h.cycle(t)
	h.cycle(t)

	snaps := h.rec.named(speakerbus.EventSnapshot)
	if len(snaps) != 2 {
		t.Fatalf("snapshot events = %d, want 2 (alice, then unreachable)", len(snaps))
	}
	last := snaps[1].Detail.(speakerbus.SnapshotDetail)
	if last.Snapshot.Status != types.StatusError || last.Error != ErrUnreachable || last.Liveness.Backend != types.ReachabilityOffline {
		t.Errorf("last snapshot detail = %+v", last)
	}
}

func TestParams_Interval(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want time.Duration
	}{
		{0, DefaultInterval},
		{100 * time.Millisecond, MinInterval},
		{4 * time.Second, 4 * time.Second},
	}
	for _, tt := range tests {
		if got := (Params{Interval: tt.in}).interval(); got != tt.want {
			t.Errorf("interval(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
