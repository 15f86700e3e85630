package refresher

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"quoterefresh/internal/quote"
)

// FieldChange reports that one displayed value must be replaced.
type FieldChange struct {
	Session uuid.UUID
	Key     quote.FieldKey
	Prev    string
	Next    string
	// Move is the numeric direction of the change, when both sides parse.
	Move quote.Move
}

// MarketChange is emitted once per observed flip of the market flag.
type MarketChange struct {
	Session  uuid.UUID
	Open     bool
	Interval time.Duration
	Label    string
}

// WorkingChange shows or hides the busy indicator.
type WorkingChange struct {
	Session uuid.UUID
	Visible bool
}

// StateChange reflects a transition of the session state.
type StateChange struct {
	Session   uuid.UUID
	State     State
	Label     string
	Remaining int
	Reason    string
}

// Renderer receives reconciliation output. Methods are invoked while the
// session lock is held: they must not block and must not call back into the
// Session.
type Renderer interface {
	RenderField(FieldChange)
	RenderMarket(MarketChange)
	RenderWorking(WorkingChange)
	RenderState(StateChange)
}

type nopRenderer struct{}

func (nopRenderer) RenderField(FieldChange)     {}
func (nopRenderer) RenderMarket(MarketChange)   {}
func (nopRenderer) RenderWorking(WorkingChange) {}
func (nopRenderer) RenderState(StateChange)     {}

type multiRenderer []Renderer

// Multi fans every event out to rs in order. Nil entries are skipped.
func Multi(rs ...Renderer) Renderer {
	out := make(multiRenderer, 0, len(rs))
	for _, r := range rs {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

func (m multiRenderer) RenderField(c FieldChange) {
	for _, r := range m {
		r.RenderField(c)
	}
}

func (m multiRenderer) RenderMarket(c MarketChange) {
	for _, r := range m {
		r.RenderMarket(c)
	}
}

func (m multiRenderer) RenderWorking(c WorkingChange) {
	for _, r := range m {
		r.RenderWorking(c)
	}
}

func (m multiRenderer) RenderState(c StateChange) {
	for _, r := range m {
		r.RenderState(c)
	}
}

// LogRenderer writes every event as a structured log line.
type LogRenderer struct {
	Logger *slog.Logger
}

// NewLogRenderer returns a LogRenderer writing to logger (or slog.Default).
func NewLogRenderer(logger *slog.Logger) *LogRenderer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogRenderer{Logger: logger}
}

func (l *LogRenderer) RenderField(c FieldChange) {
	l.Logger.Info("field changed",
		"session", c.Session,
		"key", c.Key.String(),
		"prev", c.Prev,
		"next", c.Next,
		"move", c.Move.String(),
	)
}

func (l *LogRenderer) RenderMarket(c MarketChange) {
	l.Logger.Info("market flag changed", "session", c.Session, "open", c.Open, "refresh", c.Label)
}

func (l *LogRenderer) RenderWorking(c WorkingChange) {
	l.Logger.Debug("working", "session", c.Session, "visible", c.Visible)
}

func (l *LogRenderer) RenderState(c StateChange) {
	l.Logger.Info("session state",
		"session", c.Session,
		"state", c.State.String(),
		"label", c.Label,
		"remaining", c.Remaining,
		"reason", c.Reason,
	)
}
