package refresher

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quoterefresh/internal/quote"
)

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

// fakeScheduler records timers; tests fire them explicitly.
type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (fs *fakeScheduler) AfterFunc(d time.Duration, f func()) Timer {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	t := &fakeTimer{d: d, f: f}
	fs.timers = append(fs.timers, t)
	return fakeHandle{fs: fs, t: t}
}

type fakeHandle struct {
	fs *fakeScheduler
	t  *fakeTimer
}

func (h fakeHandle) Stop() bool {
	h.fs.mu.Lock()
	defer h.fs.mu.Unlock()
	if h.t.stopped || h.t.fired {
		return false
	}
	h.t.stopped = true
	return true
}

// armed returns the durations of timers that are neither stopped nor fired.
func (fs *fakeScheduler) armed() []time.Duration {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	var out []time.Duration
	for _, t := range fs.timers {
		if !t.stopped && !t.fired {
			out = append(out, t.d)
		}
	}
	return out
}

// fireNext fires the oldest armed timer.
func (fs *fakeScheduler) fireNext(t *testing.T) time.Duration {
	t.Helper()
	fs.mu.Lock()
	var next *fakeTimer
	for _, tm := range fs.timers {
		if !tm.stopped && !tm.fired {
			next = tm
			break
		}
	}
	if next == nil {
		fs.mu.Unlock()
		t.Fatal("no armed timer")
	}
	next.fired = true
	fs.mu.Unlock()
	next.f()
	return next.d
}

// recorder is a Renderer that keeps every event.
type recorder struct {
	mu      sync.Mutex
	fields  []FieldChange
	markets []MarketChange
	working []bool
	states  []StateChange
}

func (r *recorder) RenderField(c FieldChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fields = append(r.fields, c)
}

func (r *recorder) RenderMarket(c MarketChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.markets = append(r.markets, c)
}

func (r *recorder) RenderWorking(c WorkingChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.working = append(r.working, c.Visible)
}

func (r *recorder) RenderState(c StateChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, c)
}

func (r *recorder) fieldEvents() []FieldChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]FieldChange(nil), r.fields...)
}

func (r *recorder) lastState() StateChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.states[len(r.states)-1]
}

type result struct {
	snap quote.Snapshot
	err  error
}

// scriptFetcher returns queued results in order. An empty queue yields an
// application failure. When gate is set each fetch blocks until released.
type scriptFetcher struct {
	mu      sync.Mutex
	results []result
	calls   int
	gate    chan struct{}
}

func (f *scriptFetcher) Name() string { return "script" }

func (f *scriptFetcher) Fetch(ctx context.Context, targets []string) (quote.Snapshot, error) {
	f.mu.Lock()
	f.calls++
	var r result
	if len(f.results) > 0 {
		r, f.results = f.results[0], f.results[1:]
	} else {
		r.err = quote.ErrApplication
	}
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return quote.Snapshot{}, ctx.Err()
		}
	}
	return r.snap, r.err
}

func (f *scriptFetcher) push(rs ...result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, rs...)
}

func (f *scriptFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type harness struct {
	s     *Session
	sched *fakeScheduler
	rec   *recorder
	fetch *scriptFetcher
	done  chan struct{}
}

func newHarness(t *testing.T, cfg Config, p Params, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		sched: &fakeScheduler{},
		rec:   &recorder{},
		fetch: &scriptFetcher{},
		done:  make(chan struct{}, 64),
	}
	opts = append([]Option{
		WithScheduler(h.sched),
		WithRenderer(h.rec),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	s, err := New(cfg, h.fetch, p, opts...)
	require.NoError(t, err)
	s.afterComplete = func() { h.done <- struct{}{} }
	h.s = s
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return h
}

func (h *harness) waitComplete(t *testing.T) {
	t.Helper()
	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatal("fetch did not complete")
	}
}

// tick fires the next timer and waits for the resulting fetch to complete.
func (h *harness) tick(t *testing.T) time.Duration {
	t.Helper()
	d := h.sched.fireNext(t)
	h.waitComplete(t)
	return d
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.WorkingLinger = 0
	return cfg
}

func snapResult(open *bool, kv ...string) result {
	snap := quote.Snapshot{Fields: map[quote.FieldKey]string{}, MarketOpen: open, ReceivedAt: time.Now()}
	for i := 0; i+1 < len(kv); i += 2 {
		k, _ := quote.ParseKey(kv[i])
		snap.Fields[k] = kv[i+1]
	}
	return result{snap: snap}
}

func flag(b bool) *bool { return &b }

var (
	aaplPrice = quote.FieldKey{Target: "AAPL", Field: "price"}
	msftPrice = quote.FieldKey{Target: "MSFT", Field: "price"}
)

func TestReconcile_PriceChangeEmitsOnce(t *testing.T) {
	h := newHarness(t, testConfig(), Params{
		Targets:    []string{"AAPL"},
		MarketOpen: true,
		Displayed:  map[quote.FieldKey]string{aaplPrice: "149.50"},
	})
	h.fetch.push(snapResult(flag(true), "AAPL:price", "150.00"))
	require.NoError(t, h.s.Start(t.Context()))

	h.tick(t)

	events := h.rec.fieldEvents()
	require.Len(t, events, 1)
	assert.Equal(t, aaplPrice, events[0].Key)
	assert.Equal(t, "149.50", events[0].Prev)
	assert.Equal(t, "150.00", events[0].Next)
	assert.Equal(t, quote.MoveUp, events[0].Move)
	assert.Equal(t, h.s.ID(), events[0].Session)

	v, shown := h.s.Displayed(aaplPrice)
	require.True(t, shown)
	assert.Equal(t, "150.00", v)
	assert.Empty(t, h.rec.markets, "market flag did not flip")
}

func TestReconcile_EqualValuesEmitNothing(t *testing.T) {
	h := newHarness(t, testConfig(), Params{
		Targets:    []string{"AAPL", "MSFT"},
		MarketOpen: true,
		Displayed:  map[quote.FieldKey]string{aaplPrice: "150.00", msftPrice: "410.10"},
	})
	h.fetch.push(
		snapResult(flag(true), "AAPL:price", "150.00", "MSFT:price", "410.10"),
		snapResult(flag(true), "AAPL:price", "150.00", "MSFT:price", "409.90"),
	)
	require.NoError(t, h.s.Start(t.Context()))

	h.tick(t)
	assert.Empty(t, h.rec.fieldEvents())

	h.tick(t)
	events := h.rec.fieldEvents()
	require.Len(t, events, 1)
	assert.Equal(t, "MSFT", events[0].Key.Target)
	assert.Equal(t, quote.MoveDown, events[0].Move)
}

func TestReconcile_NewFieldHasUnknownMove(t *testing.T) {
	h := newHarness(t, testConfig(), Params{Targets: []string{"AAPL"}, MarketOpen: true})
	h.fetch.push(snapResult(nil, "AAPL:quote_asof", "4:00 PM"))
	require.NoError(t, h.s.Start(t.Context()))

	h.tick(t)

	events := h.rec.fieldEvents()
	require.Len(t, events, 1)
	assert.Equal(t, quote.MoveUnknown, events[0].Move)
	assert.Equal(t, "", events[0].Prev)
}

func TestReconcile_UntrackedTargetsIgnored(t *testing.T) {
	h := newHarness(t, testConfig(), Params{Targets: []string{"AAPL"}, MarketOpen: true})
	h.fetch.push(snapResult(nil, "AAPL:price", "1", "TSLA:price", "2", "GOOG:price", "3"))
	require.NoError(t, h.s.Start(t.Context()))

	h.tick(t)

	assert.Len(t, h.rec.fieldEvents(), 1)
	st := h.s.Status()
	assert.Equal(t, 2, st.Stats.IgnoredKeys)
	assert.Equal(t, 1, st.Stats.Successes)
	_, shown := h.s.Displayed(quote.FieldKey{Target: "TSLA", Field: "price"})
	assert.False(t, shown)
}

func TestReconcile_FieldAllowList(t *testing.T) {
	cfg := testConfig()
	cfg.Fields = []string{"quote_shareprice"}
	h := newHarness(t, cfg, Params{Targets: []string{"AAPL"}, MarketOpen: true})
	h.fetch.push(snapResult(nil, "AAPL:quote_shareprice", "$1.00", "AAPL:last_checked_news", "now"))
	require.NoError(t, h.s.Start(t.Context()))

	h.tick(t)

	events := h.rec.fieldEvents()
	require.Len(t, events, 1)
	assert.Equal(t, "quote_shareprice", events[0].Key.Field)
}

func TestCompletion_DecrementsExactlyOnce(t *testing.T) {
	h := newHarness(t, testConfig(), Params{Targets: []string{"AAPL"}, MarketOpen: true}, WithAttempts(5))
	h.fetch.push(
		snapResult(nil, "AAPL:price", "1"),
		result{err: quote.ErrTransport},
		result{err: errors.New("boom")},
		snapResult(nil, "AAPL:price", "2"),
	)
	require.NoError(t, h.s.Start(t.Context()))

	for want := 4; want >= 1; want-- {
		h.tick(t)
		assert.Equal(t, want, h.s.Status().Remaining)
	}

	st := h.s.Status().Stats
	assert.Equal(t, 4, st.Ticks)
	assert.Equal(t, 2, st.Successes)
	assert.Equal(t, 2, st.TransportFailures)
	assert.Equal(t, 0, st.ApplicationFailures)
}

func TestInterval_FollowsMarketState(t *testing.T) {
	h := newHarness(t, testConfig(), Params{Targets: []string{"AAPL"}, MarketOpen: true})
	h.fetch.push(
		snapResult(flag(true)),
		snapResult(flag(false)),
		snapResult(flag(false)),
		snapResult(flag(true)),
	)
	require.NoError(t, h.s.Start(t.Context()))

	assert.Equal(t, []time.Duration{20 * time.Second}, h.sched.armed())
	assert.Equal(t, "20 sec", h.s.Status().Label)

	assert.Equal(t, 20*time.Second, h.tick(t))
	assert.Equal(t, []time.Duration{20 * time.Second}, h.sched.armed())

	h.tick(t)
	assert.Equal(t, []time.Duration{5 * time.Minute}, h.sched.armed(), "closed market uses interval x multiplier")
	assert.Equal(t, "5 min", h.s.Status().Label)

	assert.Equal(t, 5*time.Minute, h.tick(t))
	h.tick(t)
	assert.Equal(t, []time.Duration{20 * time.Second}, h.sched.armed())

	// One event per flip, not per response.
	require.Len(t, h.rec.markets, 2)
	assert.False(t, h.rec.markets[0].Open)
	assert.Equal(t, "5 min", h.rec.markets[0].Label)
	assert.True(t, h.rec.markets[1].Open)
}

func TestStart_ClosedMarketInitialDelay(t *testing.T) {
	cfg := testConfig()
	cfg.ClosedMultiplier = 3
	h := newHarness(t, cfg, Params{Targets: []string{"AAPL"}})
	require.NoError(t, h.s.Start(t.Context()))
	assert.Equal(t, []time.Duration{time.Minute}, h.sched.armed())
}

func TestStart_Twice(t *testing.T) {
	h := newHarness(t, testConfig(), Params{Targets: []string{"AAPL"}, MarketOpen: true})
	require.NoError(t, h.s.Start(t.Context()))
	require.ErrorIs(t, h.s.Start(t.Context()), ErrAlreadyStarted)
	assert.Len(t, h.sched.armed(), 1)
}

func TestStart_ZeroAttemptsIsPaused(t *testing.T) {
	h := newHarness(t, testConfig(), Params{Targets: []string{"AAPL"}, MarketOpen: true}, WithAttempts(0))
	require.NoError(t, h.s.Start(t.Context()))

	assert.Empty(t, h.sched.armed())
	st := h.s.Status()
	assert.Equal(t, "paused", st.State)
	assert.Equal(t, PausedLabel, st.Label)

	h.s.Tick()
	assert.Equal(t, 0, h.fetch.callCount())
}

func TestTick_NoTargetsIsNoop(t *testing.T) {
	h := newHarness(t, testConfig(), Params{MarketOpen: true})
	require.NoError(t, h.s.Start(t.Context()))
	assert.Empty(t, h.sched.armed())
	h.s.Tick()
	assert.Equal(t, 0, h.fetch.callCount())
}

func TestThreeFailuresPause(t *testing.T) {
	h := newHarness(t, testConfig(), Params{Targets: []string{"AAPL"}, MarketOpen: true}, WithAttempts(3))
	require.NoError(t, h.s.Start(t.Context()))

	for i := 0; i < 3; i++ {
		h.tick(t)
	}

	st := h.s.Status()
	assert.Equal(t, "paused", st.State)
	assert.Equal(t, 0, st.Remaining)
	assert.Equal(t, 3, st.Stats.ApplicationFailures)
	assert.True(t, st.Stats.LastSuccess.IsZero(), "failures never advance last success")
	assert.Empty(t, h.sched.armed())
	assert.Equal(t, 3, h.fetch.callCount())

	last := h.rec.lastState()
	assert.Equal(t, Paused, last.State)
	assert.Equal(t, "paused", last.Label)
	assert.Equal(t, "exhausted", last.Reason)

	h.s.Tick()
	assert.Equal(t, 3, h.fetch.callCount())
}

func TestToggle_PauseCancelsPendingTick(t *testing.T) {
	h := newHarness(t, testConfig(), Params{Targets: []string{"AAPL"}, MarketOpen: true})
	require.NoError(t, h.s.Start(t.Context()))
	require.Len(t, h.sched.armed(), 1)

	state, err := h.s.Toggle()
	require.NoError(t, err)
	assert.Equal(t, Paused, state)
	assert.Empty(t, h.sched.armed())
	assert.Equal(t, 0, h.s.Status().Remaining)
	assert.Equal(t, "manual", h.rec.lastState().Reason)
}

func TestToggle_PauseDuringFlightSchedulesNothing(t *testing.T) {
	h := newHarness(t, testConfig(), Params{Targets: []string{"AAPL"}, MarketOpen: true})
	h.fetch.gate = make(chan struct{})
	h.fetch.push(snapResult(nil, "AAPL:price", "10"))
	require.NoError(t, h.s.Start(t.Context()))

	h.sched.fireNext(t)
	require.Eventually(t, func() bool { return h.fetch.callCount() == 1 }, time.Second, time.Millisecond)

	_, err := h.s.Toggle()
	require.NoError(t, err)

	close(h.fetch.gate)
	h.waitComplete(t)

	st := h.s.Status()
	assert.Equal(t, "paused", st.State)
	assert.Equal(t, 0, st.Remaining)
	assert.Empty(t, h.sched.armed())
	// The late response still updates the display.
	v, _ := h.s.Displayed(aaplPrice)
	assert.Equal(t, "10", v)
}

func TestToggle_ResumeResetsAndTicks(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 7
	h := newHarness(t, cfg, Params{Targets: []string{"AAPL"}, MarketOpen: true}, WithAttempts(0))
	require.NoError(t, h.s.Start(t.Context()))

	state, err := h.s.Toggle()
	require.NoError(t, err)
	assert.Equal(t, Active, state)
	h.waitComplete(t)

	assert.Equal(t, 1, h.fetch.callCount(), "resume ticks immediately")
	st := h.s.Status()
	assert.Equal(t, 6, st.Remaining)
	assert.Equal(t, []time.Duration{20 * time.Second}, h.sched.armed())
}

func TestToggle_ResumeDuringFlightStartsNewActivation(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 4
	h := newHarness(t, cfg, Params{Targets: []string{"AAPL"}, MarketOpen: true})
	h.fetch.gate = make(chan struct{})
	require.NoError(t, h.s.Start(t.Context()))

	h.sched.fireNext(t)
	require.Eventually(t, func() bool { return h.fetch.callCount() == 1 }, time.Second, time.Millisecond)

	_, err := h.s.Toggle() // pause
	require.NoError(t, err)
	_, err = h.s.Toggle() // resume, ticks again
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.fetch.callCount() == 2 }, time.Second, time.Millisecond)

	close(h.fetch.gate)
	h.waitComplete(t)
	h.waitComplete(t)

	st := h.s.Status()
	assert.Equal(t, "active", st.State)
	assert.Equal(t, 3, st.Remaining, "only the current activation's completion is charged")
	assert.Len(t, h.sched.armed(), 1)
	assert.Equal(t, 0, st.InFlight)
}

func TestToggle_BeforeStart(t *testing.T) {
	h := newHarness(t, testConfig(), Params{Targets: []string{"AAPL"}})
	_, err := h.s.Toggle()
	require.ErrorIs(t, err, ErrNotStarted)
}

func TestWorkingIndicator_Lingers(t *testing.T) {
	cfg := testConfig()
	cfg.WorkingLinger = time.Second
	h := newHarness(t, cfg, Params{Targets: []string{"AAPL"}, MarketOpen: true})
	require.NoError(t, h.s.Start(t.Context()))

	h.tick(t)

	assert.Equal(t, []bool{true}, h.rec.working)
	assert.ElementsMatch(t, []time.Duration{20 * time.Second, time.Second}, h.sched.armed())

	// The linger timer was armed after the next tick.
	h.sched.mu.Lock()
	var linger *fakeTimer
	for _, tm := range h.sched.timers {
		if tm.d == time.Second && !tm.fired {
			linger = tm
		}
	}
	linger.fired = true
	h.sched.mu.Unlock()
	linger.f()

	assert.Equal(t, []bool{true, false}, h.rec.working)
}

func TestStop_CancelsInFlight(t *testing.T) {
	h := newHarness(t, testConfig(), Params{Targets: []string{"AAPL"}, MarketOpen: true})
	h.fetch.gate = make(chan struct{})
	require.NoError(t, h.s.Start(t.Context()))

	h.sched.fireNext(t)
	require.Eventually(t, func() bool { return h.fetch.callCount() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.s.Stop(ctx))

	assert.Empty(t, h.sched.armed())
	assert.Equal(t, []bool{true, false}, h.rec.working)

	st := h.s.Status()
	assert.True(t, st.Stopped)
	assert.Equal(t, StoppedLabel, st.State)
	assert.Equal(t, StoppedLabel, st.Label)
	assert.Zero(t, st.Remaining)

	h.s.Tick()
	assert.Equal(t, 1, h.fetch.callCount())
	_, err := h.s.Toggle()
	require.ErrorIs(t, err, ErrStopped)
	require.ErrorIs(t, h.s.Start(t.Context()), ErrStopped)
}

func TestNew_Defaults(t *testing.T) {
	id := uuid.New()
	s, err := New(Config{MaxAttempts: -1}, quote.FetcherFunc(func(context.Context, []string) (quote.Snapshot, error) {
		return quote.Snapshot{}, nil
	}), Params{Targets: []string{"AAPL", "AAPL", "", "MSFT"}}, WithID(id))
	require.NoError(t, err)

	st := s.Status()
	assert.Equal(t, id, st.ID)
	assert.Equal(t, []string{"AAPL", "MSFT"}, st.Targets)
	assert.Equal(t, 180, st.MaxAttempts)
	assert.Equal(t, 180, st.Remaining)
	assert.Equal(t, 5*time.Minute, st.Interval)

	_, err = New(DefaultConfig(), nil, Params{})
	require.Error(t, err)
}

func TestIntervalLabel(t *testing.T) {
	assert.Equal(t, "20 sec", IntervalLabel(20*time.Second))
	assert.Equal(t, "5 min", IntervalLabel(5*time.Minute))
	assert.Equal(t, "90 sec", IntervalLabel(90*time.Second))
	assert.Equal(t, "1 min", IntervalLabel(time.Minute))
}
