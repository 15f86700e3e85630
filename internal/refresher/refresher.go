// Package refresher keeps displayed quote fields eventually consistent with
// the quote API while bounding the number of requests a session may issue.
//
// A Session polls all of its targets in one batched fetch per tick. Each
// completed tick, successful or not, consumes one attempt. The delay before
// the next tick depends only on the last observed market state. When the
// budget is spent the session pauses until it is resumed with Toggle.
package refresher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"quoterefresh/internal/quote"
)

var (
	ErrAlreadyStarted = errors.New("refresher: session already started")
	ErrNotStarted     = errors.New("refresher: session not started")
	ErrStopped        = errors.New("refresher: session stopped")
)

// State is the polling state of a session.
type State int

const (
	Active State = iota
	Paused
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Paused:
		return "paused"
	}
	return "unknown"
}

// Control labels for sessions that are not polling.
const (
	PausedLabel  = "paused"
	StoppedLabel = "stopped"
)

// Config holds the refresh policy.
type Config struct {
	Interval         time.Duration // delay between ticks while the market is open
	ClosedMultiplier int           // Interval multiplier while the market is closed
	MaxAttempts      int           // budget restored on every resume
	WorkingLinger    time.Duration // how long the working indicator outlives a fetch
	// Fields restricts reconciliation to these field names. Empty means all.
	Fields []string
}

// DefaultConfig returns the site's historical cadence: 20 seconds while the
// market is open, 5 minutes while it is closed, 180 ticks per activation.
func DefaultConfig() Config {
	return Config{
		Interval:         20 * time.Second,
		ClosedMultiplier: 15,
		MaxAttempts:      180,
		WorkingLinger:    time.Second,
	}
}

// Params are the per-page inputs of a session.
type Params struct {
	Targets    []string
	MarketOpen bool
	// Displayed seeds what is already on screen.
	Displayed map[quote.FieldKey]string
}

// Stats counts what a session has done so far.
type Stats struct {
	Ticks               int
	Successes           int
	TransportFailures   int
	ApplicationFailures int
	// IgnoredKeys counts response keys for targets this session does not track.
	IgnoredKeys int
	// LastSuccess is the receive time of the last successful snapshot.
	LastSuccess time.Time
}

// Status is a point-in-time view of a session.
type Status struct {
	ID          uuid.UUID     `json:"id"`
	Targets     []string      `json:"targets"`
	State       string        `json:"state"`
	Label       string        `json:"label"`
	Remaining   int           `json:"remaining"`
	MaxAttempts int           `json:"max_attempts"`
	MarketOpen  bool          `json:"market_open"`
	Interval    time.Duration `json:"interval"`
	InFlight    int           `json:"in_flight"`
	Stopped     bool          `json:"stopped"` // State and Label read "stopped" too
	Stats       Stats         `json:"stats"`
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithScheduler replaces the timer source.
func WithScheduler(sched Scheduler) Option {
	return func(s *Session) {
		if sched != nil {
			s.sched = sched
		}
	}
}

// WithRenderer sets where reconciliation output goes.
func WithRenderer(r Renderer) Option {
	return func(s *Session) {
		if r != nil {
			s.render = r
		}
	}
}

// WithAttempts overrides the initial attempt budget. Zero starts the session
// paused.
func WithAttempts(n int) Option {
	return func(s *Session) {
		s.remaining = max(n, 0)
	}
}

// WithID fixes the session id instead of generating one.
func WithID(id uuid.UUID) Option {
	return func(s *Session) {
		s.id = id
	}
}

// Session is one page's polling lifecycle.
type Session struct {
	cfg     Config
	fetcher quote.Fetcher
	id      uuid.UUID
	logger  *slog.Logger
	sched   Scheduler
	render  Renderer

	targets []string
	tracked map[string]struct{}
	fields  map[string]struct{}

	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	started    bool
	stopped    bool
	state      State
	remaining  int
	marketOpen bool
	displayed  map[quote.FieldKey]string
	pending    Timer
	linger     Timer
	// epoch identifies the current activation. Completions from an older
	// activation reconcile but neither decrement nor schedule.
	epoch    uint64
	inFlight int
	working  bool
	stats    Stats

	wg sync.WaitGroup

	// afterComplete runs after each completion has released the lock.
	afterComplete func()
}

// New creates a session for p. Zero-valued policy fields fall back to
// DefaultConfig.
func New(cfg Config, fetcher quote.Fetcher, p Params, opts ...Option) (*Session, error) {
	if fetcher == nil {
		return nil, errors.New("refresher: nil fetcher")
	}
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.ClosedMultiplier <= 0 {
		cfg.ClosedMultiplier = def.ClosedMultiplier
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	cfg.WorkingLinger = max(cfg.WorkingLinger, 0)

	s := &Session{
		cfg:        cfg,
		fetcher:    fetcher,
		id:         uuid.New(),
		logger:     slog.Default(),
		sched:      realScheduler{},
		render:     nopRenderer{},
		tracked:    make(map[string]struct{}, len(p.Targets)),
		marketOpen: p.MarketOpen,
		remaining:  cfg.MaxAttempts,
		displayed:  make(map[quote.FieldKey]string, len(p.Displayed)),
	}
	for _, t := range p.Targets {
		if _, dup := s.tracked[t]; dup || t == "" {
			continue
		}
		s.tracked[t] = struct{}{}
		s.targets = append(s.targets, t)
	}
	if len(cfg.Fields) > 0 {
		s.fields = make(map[string]struct{}, len(cfg.Fields))
		for _, f := range cfg.Fields {
			s.fields[f] = struct{}{}
		}
	}
	for k, v := range p.Displayed {
		s.displayed[k] = v
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.remaining == 0 {
		s.state = Paused
	}
	s.logger = s.logger.With("session", s.id)
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() uuid.UUID { return s.id }

// Targets returns a copy of the tracked targets.
func (s *Session) Targets() []string {
	return append([]string(nil), s.targets...)
}

// Start arms the first tick one interval from now. A session created with
// no attempts starts paused and schedules nothing.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}
	if s.started {
		s.logger.Warn("start called twice; ignoring")
		return ErrAlreadyStarted
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.render.RenderState(s.stateChangeLocked("start"))
	if s.state == Paused {
		s.logger.Info("session started paused", "targets", s.targets)
		return nil
	}
	if len(s.targets) == 0 {
		s.logger.Warn("session has no targets; nothing to poll")
		return nil
	}
	s.scheduleLocked()
	s.logger.Info("session started",
		"targets", s.targets,
		"attempts", s.remaining,
		"refresh", s.labelLocked(),
	)
	return nil
}

// Tick issues one fetch now. It is a no-op once the budget is spent, before
// Start, after Stop, or when the session tracks no targets.
func (s *Session) Tick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickLocked()
}

// Toggle pauses an active session or resumes a paused one, returning the new
// state. Pausing cancels the pending tick but lets an in-flight fetch finish.
// Resuming restores the full budget and ticks immediately.
func (s *Session) Toggle() (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return s.state, ErrStopped
	}
	if !s.started {
		return s.state, ErrNotStarted
	}
	switch s.state {
	case Active:
		s.pauseLocked("manual")
	case Paused:
		s.state = Active
		s.remaining = s.cfg.MaxAttempts
		s.render.RenderState(s.stateChangeLocked("resume"))
		s.tickLocked()
	}
	return s.state, nil
}

// Stop cancels the pending tick and any in-flight fetch, then waits for
// in-flight work to drain or ctx to end.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.stopTimersLocked()
	if s.linger != nil {
		s.linger.Stop()
		s.linger = nil
	}
	if s.cancel != nil {
		s.cancel()
	}
	if s.working {
		s.working = false
		s.render.RenderWorking(WorkingChange{Session: s.id, Visible: false})
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("session stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		ID:          s.id,
		Targets:     append([]string(nil), s.targets...),
		State:       s.state.String(),
		Label:       s.labelLocked(),
		Remaining:   s.remaining,
		MaxAttempts: s.cfg.MaxAttempts,
		MarketOpen:  s.marketOpen,
		Interval:    s.intervalLocked(),
		InFlight:    s.inFlight,
		Stats:       s.stats,
	}
	if s.stopped {
		st.Stopped = true
		st.State = StoppedLabel
		st.Label = StoppedLabel
		st.Remaining = 0
	}
	return st
}

// Displayed returns the last rendered value for key.
func (s *Session) Displayed(key quote.FieldKey) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.displayed[key]
	return v, ok
}

// IntervalLabel renders d the way the refresh control shows it.
func IntervalLabel(d time.Duration) string {
	if d >= time.Minute && d%time.Minute == 0 {
		return fmt.Sprintf("%d min", int(d/time.Minute))
	}
	return fmt.Sprintf("%d sec", int(d.Round(time.Second)/time.Second))
}

func (s *Session) intervalLocked() time.Duration {
	if s.marketOpen {
		return s.cfg.Interval
	}
	return s.cfg.Interval * time.Duration(s.cfg.ClosedMultiplier)
}

func (s *Session) labelLocked() string {
	if s.state == Paused {
		return PausedLabel
	}
	return IntervalLabel(s.intervalLocked())
}

func (s *Session) stateChangeLocked(reason string) StateChange {
	return StateChange{
		Session:   s.id,
		State:     s.state,
		Label:     s.labelLocked(),
		Remaining: s.remaining,
		Reason:    reason,
	}
}

func (s *Session) scheduleLocked() {
	s.stopTimersLocked()
	epoch := s.epoch
	s.pending = s.sched.AfterFunc(s.intervalLocked(), func() { s.fire(epoch) })
}

func (s *Session) stopTimersLocked() {
	if s.pending != nil {
		s.pending.Stop()
		s.pending = nil
	}
}

// fire is the timer callback for the activation identified by epoch.
func (s *Session) fire(epoch uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch || s.state != Active {
		return
	}
	s.pending = nil
	s.tickLocked()
}

func (s *Session) tickLocked() {
	if !s.started || s.stopped || s.remaining <= 0 || len(s.targets) == 0 {
		return
	}
	s.stats.Ticks++
	s.inFlight++
	if s.linger != nil {
		s.linger.Stop()
		s.linger = nil
	}
	if !s.working {
		s.working = true
		s.render.RenderWorking(WorkingChange{Session: s.id, Visible: true})
	}

	ctx, epoch, targets := s.ctx, s.epoch, s.targets
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		snap, err := s.fetcher.Fetch(ctx, targets)
		s.complete(epoch, snap, err)
	}()
}

func (s *Session) complete(epoch uint64, snap quote.Snapshot, err error) {
	s.mu.Lock()
	s.completeLocked(epoch, snap, err)
	hook := s.afterComplete
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
}

func (s *Session) completeLocked(epoch uint64, snap quote.Snapshot, err error) {
	s.inFlight--
	if s.stopped {
		return
	}

	switch class := quote.Classify(err); class {
	case quote.ClassNone:
		s.stats.Successes++
		s.stats.LastSuccess = snap.ReceivedAt
		if s.stats.LastSuccess.IsZero() {
			s.stats.LastSuccess = time.Now().UTC()
		}
		s.reconcileLocked(snap)
	case quote.ClassApplication:
		s.stats.ApplicationFailures++
		s.logger.Warn("quote fetch failed", "fetcher", s.fetcher.Name(), "class", class.String(), "err", err)
	default:
		s.stats.TransportFailures++
		s.logger.Warn("quote fetch failed", "fetcher", s.fetcher.Name(), "class", class.String(), "err", err)
	}

	if s.inFlight == 0 && s.working {
		s.hideWorkingLocked()
	}

	if epoch != s.epoch {
		s.logger.Debug("completion from previous activation", "epoch", epoch)
		return
	}
	s.remaining = max(s.remaining-1, 0)
	if s.remaining > 0 {
		s.scheduleLocked()
		return
	}
	s.pauseLocked("exhausted")
}

func (s *Session) hideWorkingLocked() {
	if s.cfg.WorkingLinger <= 0 {
		s.working = false
		s.render.RenderWorking(WorkingChange{Session: s.id, Visible: false})
		return
	}
	var t Timer
	t = s.sched.AfterFunc(s.cfg.WorkingLinger, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.linger != t || s.inFlight > 0 || !s.working {
			return
		}
		s.linger = nil
		s.working = false
		s.render.RenderWorking(WorkingChange{Session: s.id, Visible: false})
	})
	s.linger = t
}

// pauseLocked zeroes the budget and starts a new epoch so nothing from the
// ending activation can schedule again.
func (s *Session) pauseLocked(reason string) {
	s.stopTimersLocked()
	s.state = Paused
	s.remaining = 0
	s.epoch++
	s.render.RenderState(s.stateChangeLocked(reason))
	s.logger.Info("session paused", "reason", reason)
}

// reconcileLocked applies snap to the displayed fields and emits one event
// per value that actually changed, then one event if the market flag flipped.
func (s *Session) reconcileLocked(snap quote.Snapshot) {
	for _, k := range snap.Keys() {
		if _, ok := s.tracked[k.Target]; !ok {
			s.stats.IgnoredKeys++
			continue
		}
		if s.fields != nil {
			if _, ok := s.fields[k.Field]; !ok {
				continue
			}
		}
		next := snap.Fields[k]
		prev, shown := s.displayed[k]
		if shown && prev == next {
			continue
		}
		s.displayed[k] = next
		move := quote.MoveUnknown
		if shown {
			move = quote.Direction(prev, next)
		}
		s.render.RenderField(FieldChange{Session: s.id, Key: k, Prev: prev, Next: next, Move: move})
	}

	if snap.MarketOpen != nil && *snap.MarketOpen != s.marketOpen {
		s.marketOpen = *snap.MarketOpen
		d := s.intervalLocked()
		s.render.RenderMarket(MarketChange{Session: s.id, Open: s.marketOpen, Interval: d, Label: IntervalLabel(d)})
	}
}
