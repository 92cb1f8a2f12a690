// Package websocket streams live entitlement state to connected chat sessions.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/ledgerchat/entitlements/internal/entitlements"
	"github.com/ledgerchat/entitlements/internal/metrics"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 4096
	sendBuffer     = 64
)

// Message types exchanged with clients.
const (
	TypeEntitlement = "entitlement"
	TypeNotice      = "notice"
	TypeError       = "error"
	TypePong        = "pong"

	// Client to server.
	TypeRefresh      = "refresh"
	TypePing         = "ping"
	TypeRequestState = "requestState"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024 * 8,
	CheckOrigin:     sameOrigin,
}

// Message represents a WebSocket message
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// StatePayload is the data of an entitlement message.
type StatePayload struct {
	State       entitlements.RefreshState `json:"state"`
	Entitlement entitlements.Entitlement  `json:"entitlement"`
}

// Client is one connected session.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	id     string
	userID string
	ctrl   *entitlements.RefreshController
	cancel context.CancelFunc

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

// RefreshGate throttles client-requested refreshes per user.
type RefreshGate interface {
	Allow(key string) bool
}

// Hub tracks connected sessions. Each session owns a refresh controller that
// pushes snapshot changes and expiration notices to the socket.
type Hub struct {
	engine *entitlements.Engine

	mu      sync.RWMutex
	clients map[*Client]struct{}
	gate    RefreshGate
}

// NewHub creates a new WebSocket hub
func NewHub(engine *entitlements.Engine) *Hub {
	return &Hub{
		engine:  engine,
		clients: make(map[*Client]struct{}),
	}
}

// HandleWebSocket upgrades the request and starts a session for the user
// named by the X-User-ID header (or the user_id query parameter).
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.Header.Get("X-User-ID"))
	if userID == "" {
		userID = strings.TrimSpace(r.URL.Query().Get("user_id"))
	}

	client := &Client{
		hub:    h,
		id:     uuid.NewString(),
		userID: userID,
		send:   make(chan []byte, sendBuffer),
	}
	ctrl, err := h.engine.NewRefreshController(userID, entitlements.NotifierFunc(func(_ context.Context, n entitlements.Notice) {
		client.enqueue(Message{Type: TypeNotice, Data: n})
	}))
	if err != nil {
		http.Error(w, "invalid user id", http.StatusBadRequest)
		return
	}
	client.ctrl = ctrl
	ctrl.OnChange(func(ent entitlements.Entitlement) {
		client.enqueue(Message{Type: TypeEntitlement, Data: StatePayload{State: entitlements.StateFresh, Entitlement: ent}})
	})

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}
	client.conn = conn

	// The session outlives the upgrade request, so it gets its own context.
	ctx, cancel := context.WithCancel(context.Background())
	client.cancel = cancel

	h.register(client)
	ctrl.Start(ctx)
	if userID == "" {
		// Signed-out sessions never check, so send the free tier defaults once.
		client.enqueue(Message{Type: TypeEntitlement, Data: StatePayload{State: ctrl.State(), Entitlement: ctrl.Snapshot()}})
	}
	go client.writePump()
	go client.readPump(ctx)
}

// SetRefreshGate installs the limiter consulted before a session's refresh
// message reaches the store. A nil gate allows every refresh.
func (h *Hub) SetRefreshGate(g RefreshGate) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.gate = g
}

func (h *Hub) allowRefresh(userID string) bool {
	h.mu.RLock()
	g := h.gate
	h.mu.RUnlock()
	return g == nil || g.Allow(userID)
}

// ClientCount returns the number of connected sessions.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// RefreshUser forces a check on every session of userID and returns how many
// sessions were refreshed. Results reach clients through OnChange.
func (h *Hub) RefreshUser(ctx context.Context, userID string) int {
	if userID == "" {
		return 0
	}
	h.mu.RLock()
	var targets []*Client
	for c := range h.clients {
		if c.userID == userID {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	refreshed := 0
	for _, c := range targets {
		if _, err := c.ctrl.ForceRefresh(ctx); err != nil {
			log.Warn().Err(err).Str("client", c.id).Str("user_id", userID).Msg("Session refresh failed")
			continue
		}
		refreshed++
	}
	return refreshed
}

// Close disconnects every session.
func (h *Hub) Close() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.shutdown()
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	metrics.ActiveSessions.Inc()
	log.Info().Str("client", c.id).Str("user_id", c.userID).Msg("Entitlement session connected")
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if !ok {
		return
	}
	metrics.ActiveSessions.Dec()
	log.Info().Str("client", c.id).Str("user_id", c.userID).Msg("Entitlement session disconnected")
}

// enqueue queues msg for the write pump. Messages to a full or closed
// session are dropped.
func (c *Client) enqueue(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("client", c.id).Str("type", msg.Type).Msg("Failed to marshal WebSocket message")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		log.Warn().Str("client", c.id).Str("type", msg.Type).Msg("Client send buffer full, dropping message")
	}
}

// shutdown stops the controller and closes the send channel. Safe to call more than once.
func (c *Client) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()

	c.ctrl.Stop()
	if c.cancel != nil {
		c.cancel()
	}
	c.hub.unregister(c)
}

// readPump handles incoming messages from the client
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.shutdown()
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("client", c.id).Msg("WebSocket read error")
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Debug().Err(err).Str("client", c.id).Msg("Failed to unmarshal WebSocket message")
			continue
		}

		switch msg.Type {
		case TypePing:
			c.enqueue(Message{Type: TypePong, Data: map[string]int64{"timestamp": time.Now().Unix()}})
		case TypeRefresh:
			if !c.hub.allowRefresh(c.userID) {
				c.enqueue(Message{Type: TypeError, Data: map[string]string{"error": "refresh rate limited"}})
				continue
			}
			// A successful refresh is delivered through OnChange.
			if _, err := c.ctrl.ForceRefresh(ctx); err != nil {
				c.enqueue(Message{Type: TypeError, Data: map[string]string{"error": "entitlement refresh failed"}})
			}
		case TypeRequestState:
			c.enqueue(Message{Type: TypeEntitlement, Data: StatePayload{State: c.ctrl.State(), Entitlement: c.ctrl.Snapshot()}})
		default:
			log.Debug().Str("client", c.id).Str("type", msg.Type).Msg("Received WebSocket message")
		}
	}
}

// writePump handles outgoing messages to the client
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Debug().Err(err).Str("client", c.id).Msg("Failed to write message")
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

// sameOrigin accepts requests without an Origin header (non-browser clients)
// and browser requests whose origin host matches the request host.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}
