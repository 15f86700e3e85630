package relay

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const maxCommandSize = 4 << 10

// command is what a browser may send.
type command struct {
	Cmd     string    `json:"cmd"`
	Session uuid.UUID `json:"session"`
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	remote string
}

// serveWS upgrades the request and runs the connection until it closes.
func (h *Hub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, h.cfg.SendBuffer), remote: r.RemoteAddr}

	// Current state first, so a fresh page renders the control correctly.
	for _, s := range h.Sessions() {
		st := s.Status()
		b, err := json.Marshal(withTime(stateEvent(st.ID, st.State, st.Label, st.Remaining, "snapshot"), h.now()))
		if err != nil {
			continue
		}
		select {
		case c.send <- b:
		default:
		}
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Info("relay client connected", "remote", c.remote)

	go h.writePump(c)
	h.readPump(c)
}

func withTime(ev Event, t time.Time) Event {
	ev.At = t.UTC()
	return ev
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// writePump drains c.send and keeps the connection alive with pings.
func (h *Hub) writePump(c *client) {
	ping := time.NewTicker(h.cfg.PongTimeout * 9 / 10)
	defer func() {
		ping.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case b, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				h.logger.Debug("relay write failed", "remote", c.remote, "err", err)
				return
			}
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump handles browser commands until the connection fails.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.remove(c)
		h.logger.Info("relay client disconnected", "remote", c.remote)
	}()

	c.conn.SetReadLimit(maxCommandSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("relay read failed", "remote", c.remote, "err", err)
			}
			return
		}
		reply := h.handleCommand(data)
		b, err := json.Marshal(withTime(reply, h.now()))
		if err != nil {
			continue
		}
		if !h.reply(c, b) {
			return
		}
	}
}

// reply queues b for c unless c was already removed or is backed up.
func (h *Hub) reply(c *client, b []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c]; !ok {
		return false
	}
	select {
	case c.send <- b:
	default:
	}
	return true
}

var errUnknownSession = errors.New("unknown session")

func (h *Hub) handleCommand(data []byte) Event {
	var cmd command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return Event{Type: "error", Error: "invalid command"}
	}
	switch cmd.Cmd {
	case "toggle":
		st, err := h.toggle(cmd.Session)
		if err != nil {
			return Event{Type: "error", Session: cmd.Session, Error: err.Error()}
		}
		return Event{Type: "ack", Session: cmd.Session, State: st}
	case "status":
		s, ok := h.session(cmd.Session)
		if !ok {
			return Event{Type: "error", Session: cmd.Session, Error: errUnknownSession.Error()}
		}
		st := s.Status()
		return stateEvent(st.ID, st.State, st.Label, st.Remaining, "snapshot")
	}
	return Event{Type: "error", Session: cmd.Session, Error: "unknown command " + cmd.Cmd}
}

// toggle flips a session. The hub lock is not held while the session runs,
// because the session renders back into the hub.
func (h *Hub) toggle(id uuid.UUID) (string, error) {
	s, ok := h.session(id)
	if !ok {
		return "", errUnknownSession
	}
	state, err := s.Toggle()
	if err != nil {
		return "", err
	}
	h.logger.Info("session toggled by relay", "session", id, "state", state.String())
	return state.String(), nil
}
