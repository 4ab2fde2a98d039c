package surface

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 4096
)

// InboundHandler receives validated UI events from attached surfaces. The
// claims identify which session and surface sent the event.
type InboundHandler func(ctx context.Context, claims GrantClaims, evt UIEvent)

// Hub terminates surface streams. Clients attach over WebSocket with a
// grant token; the host pushes view-model frames per session and receives
// UI events back. A session may have several attached surfaces (re-attach
// after an embedding restart overlaps with the dying stream), each of which
// sees the same frames.
type Hub struct {
	issuer        *Issuer
	handler       InboundHandler
	log           *slog.Logger
	maxPerSession int
	onEmpty       func(sessionID string)

	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]map[*client]struct{}
	closed   bool
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithInboundHandler sets the UI event sink.
func WithInboundHandler(fn InboundHandler) HubOption {
	return func(h *Hub) { h.handler = fn }
}

// WithHubLogger sets the logger. Defaults to slog.Default().
func WithHubLogger(l *slog.Logger) HubOption {
	return func(h *Hub) {
		if l != nil {
			h.log = l
		}
	}
}

// WithMaxAttachedSurfaces bounds concurrent attaches per session. Defaults
// to 4.
func WithMaxAttachedSurfaces(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.maxPerSession = n
		}
	}
}

// WithOnSessionEmpty sets a callback invoked when a session's last surface
// detaches on its own. Server-driven teardown (CloseSession, Close) does
// not fire it.
func WithOnSessionEmpty(fn func(sessionID string)) HubOption {
	return func(h *Hub) { h.onEmpty = fn }
}

// NewHub constructs a Hub verifying attach tokens against issuer.
func NewHub(issuer *Issuer, opts ...HubOption) *Hub {
	h := &Hub{
		issuer:        issuer,
		log:           slog.Default(),
		maxPerSession: 4,
		sessions:      make(map[string]map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Surfaces embed inside arbitrary client apps; the grant token
			// is the attach check, not the Origin header.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// envelope is the outbound message framing.
type envelope struct {
	Type  string `json:"type"`
	Frame *Frame `json:"frame,omitempty"`
}

// ServeHTTP upgrades an attach request. The grant token rides in the token
// query parameter.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	claims, err := h.issuer.Verify(token)
	if err != nil {
		h.log.Debug("surface.attach.rejected", slog.String("error", err.Error()))
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		h.log.Debug("surface.attach.upgrade_failed", slog.String("error", err.Error()))
		return
	}
	c := &client{hub: h, conn: conn, send: make(chan []byte, 128), claims: claims}
	if err := h.add(c); err != nil {
		deadline := time.Now().Add(writeWait)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()), deadline)
		_ = conn.Close()
		return
	}
	h.log.Debug("surface.attached",
		slog.String("session_id", claims.SessionID),
		slog.String("surface_id", claims.SurfaceID),
		slog.String("package", claims.Package))

	go c.writePump()
	c.readPump(r.Context())
}

func (h *Hub) add(c *client) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errors.New("hub closed")
	}
	set := h.sessions[c.claims.SessionID]
	if len(set) >= h.maxPerSession {
		return fmt.Errorf("session %s at surface attach limit", c.claims.SessionID)
	}
	if set == nil {
		set = make(map[*client]struct{})
		h.sessions[c.claims.SessionID] = set
	}
	set[c] = struct{}{}
	return nil
}

// remove detaches a client, closing its send channel exactly once. The
// onEmpty callback runs outside the lock.
func (h *Hub) remove(c *client) {
	var empty bool
	h.mu.Lock()
	if set, ok := h.sessions[c.claims.SessionID]; ok {
		if _, member := set[c]; member {
			delete(set, c)
			close(c.send)
			if len(set) == 0 {
				delete(h.sessions, c.claims.SessionID)
				empty = true
			}
		}
	}
	onEmpty := h.onEmpty
	h.mu.Unlock()
	if empty && onEmpty != nil {
		onEmpty(c.claims.SessionID)
	}
}

// PushFrame sends a view-model frame to every surface attached to the
// session. Surfaces that cannot keep up are disconnected rather than
// allowed to stall the rest.
func (h *Hub) PushFrame(sessionID string, f Frame) error {
	return h.push(sessionID, envelope{Type: "frame", Frame: &f})
}

func (h *Hub) push(sessionID string, env envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal surface push: %w", err)
	}
	h.mu.Lock()
	var slow []*client
	for c := range h.sessions[sessionID] {
		select {
		case c.send <- b:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.Unlock()
	for _, c := range slow {
		h.log.Debug("surface.push.slow_drop",
			slog.String("session_id", sessionID),
			slog.String("surface_id", c.claims.SurfaceID))
		h.remove(c)
		_ = c.conn.Close()
	}
	return nil
}

// AttachedCount reports how many surfaces a session currently has.
func (h *Hub) AttachedCount(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions[sessionID])
}

// CloseSession detaches every surface of a session after a best-effort
// closed notice. Used when the session itself ends.
func (h *Hub) CloseSession(sessionID string) {
	b, _ := json.Marshal(envelope{Type: "closed"})
	h.mu.Lock()
	set := h.sessions[sessionID]
	delete(h.sessions, sessionID)
	for c := range set {
		select {
		case c.send <- b:
		default:
		}
		close(c.send)
	}
	h.mu.Unlock()
}

// Close detaches everything and rejects future attaches.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	sessions := h.sessions
	h.sessions = make(map[string]map[*client]struct{})
	h.mu.Unlock()
	for _, set := range sessions {
		for c := range set {
			close(c.send)
		}
	}
}

type client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	claims GrantClaims
}

// readPump consumes UI events until the connection errors or closes.
// Malformed events are logged and dropped; the stream survives them.
func (c *client) readPump(ctx context.Context) {
	defer func() {
		c.hub.remove(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMsgSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		evt, err := DecodeUIEvent(raw)
		if err != nil {
			c.hub.log.Debug("surface.event.rejected",
				slog.String("session_id", c.claims.SessionID),
				slog.String("error", err.Error()))
			continue
		}
		if c.hub.handler != nil {
			c.hub.handler(ctx, c.claims, evt)
		}
	}
}

// writePump drains the send channel onto the connection and keeps the
// stream alive with pings. A closed send channel ends the stream cleanly.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
