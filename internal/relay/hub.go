// Package relay pushes refresher output to browsers over WebSocket and
// accepts pause/resume commands from them.
package relay

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"quoterefresh/internal/refresher"
)

// Session is the part of a refresher session the relay drives.
type Session interface {
	ID() uuid.UUID
	Toggle() (refresher.State, error)
	Status() refresher.Status
}

// Event is one message sent to browsers. ElementID is the DOM id the value
// belongs to, so a page can patch #{target}_{field} directly.
type Event struct {
	Type      string    `json:"type"`
	Session   uuid.UUID `json:"session"`
	At        time.Time `json:"at"`
	ElementID string    `json:"element_id,omitempty"`
	Prev      string    `json:"prev,omitempty"`
	Value     string    `json:"value,omitempty"`
	Move      string    `json:"move,omitempty"`
	Open      *bool     `json:"open,omitempty"`
	Visible   *bool     `json:"visible,omitempty"`
	State     string    `json:"state,omitempty"`
	Label     string    `json:"label,omitempty"`
	Remaining *int      `json:"remaining,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Config tunes the hub.
type Config struct {
	SendBuffer   int           // per-client queued messages (default: 64)
	WriteTimeout time.Duration // per-message write deadline (default: 10s)
	PongTimeout  time.Duration // read deadline refreshed by pongs (default: 60s)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		SendBuffer:   64,
		WriteTimeout: 10 * time.Second,
		PongTimeout:  60 * time.Second,
	}
}

// Hub fans refresher events out to every connected browser. It implements
// refresher.Renderer; its Render methods never block.
type Hub struct {
	cfg      Config
	logger   *slog.Logger
	upgrader websocket.Upgrader
	now      func() time.Time

	mu       sync.RWMutex
	clients  map[*client]struct{}
	sessions map[uuid.UUID]Session
	closed   bool
	dropped  int
}

// NewHub creates a hub.
func NewHub(cfg Config, logger *slog.Logger) *Hub {
	def := DefaultConfig()
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = def.PongTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		cfg:    cfg,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		now:      time.Now,
		clients:  make(map[*client]struct{}),
		sessions: make(map[uuid.UUID]Session),
	}
}

// Register makes s visible to browsers and controllable by them.
func (h *Hub) Register(s Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[s.ID()] = s
}

// Sessions returns the registered sessions ordered by id.
func (h *Hub) Sessions() []Session {
	h.mu.RLock()
	out := make([]Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, s)
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID().String() < out[j].ID().String() })
	return out
}

func (h *Hub) session(id uuid.UUID) (Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[id]
	return s, ok
}

// ClientCount reports the number of connected browsers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped reports how many messages were discarded for slow clients.
func (h *Hub) Dropped() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) RenderField(c refresher.FieldChange) {
	h.broadcast(Event{
		Type:      "field",
		Session:   c.Session,
		ElementID: c.Key.Target + "_" + c.Key.Field,
		Prev:      c.Prev,
		Value:     c.Next,
		Move:      c.Move.String(),
	})
}

func (h *Hub) RenderMarket(c refresher.MarketChange) {
	open := c.Open
	h.broadcast(Event{Type: "market", Session: c.Session, Open: &open, Label: c.Label})
}

func (h *Hub) RenderWorking(c refresher.WorkingChange) {
	visible := c.Visible
	h.broadcast(Event{Type: "working", Session: c.Session, Visible: &visible})
}

func (h *Hub) RenderState(c refresher.StateChange) {
	h.broadcast(stateEvent(c.Session, c.State.String(), c.Label, c.Remaining, c.Reason))
}

func stateEvent(id uuid.UUID, state, label string, remaining int, reason string) Event {
	return Event{Type: "state", Session: id, State: state, Label: label, Remaining: &remaining, Reason: reason}
}

func (h *Hub) broadcast(ev Event) {
	ev.At = h.now().UTC()
	b, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("encoding relay event", "type", ev.Type, "err", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- b:
		default:
			h.dropped++
			h.logger.Warn("relay client too slow; dropping event", "remote", c.remote, "type", ev.Type)
		}
	}
}
