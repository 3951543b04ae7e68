package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"callsignal-backend/internal/domain"
	"callsignal-backend/internal/middleware"
	"callsignal-backend/internal/service/relay"
	"callsignal-backend/pkg/constants"
	"callsignal-backend/pkg/logger"
	"callsignal-backend/pkg/metrics"
)

// Router forwards a frame to its destination
type Router interface {
	Relay(ctx context.Context, from, to uuid.UUID, payload []byte) relay.Route
}

// PresenceStore records which instance holds each user's connection
type PresenceStore interface {
	SetUserOnline(ctx context.Context, userID uuid.UUID, instanceID string) error
	SetUserOffline(ctx context.Context, userID uuid.UUID, instanceID string) error
	RefreshPresence(ctx context.Context, userID uuid.UUID) error
}

// HubConfig holds the settings of a SignalingHub
type HubConfig struct {
	InstanceID     string
	MaxConnections int
	AllowedOrigins map[string]bool
	PingInterval   time.Duration
}

// SignalingHub holds one WebSocket per user and relays frames between them.
// A newer connection for the same user replaces the older one.
type SignalingHub struct {
	cfg      HubConfig
	presence PresenceStore
	metrics  *metrics.Metrics
	router   Router

	mu      sync.RWMutex
	clients map[uuid.UUID]*SignalingClient

	register   chan *SignalingClient
	unregister chan *SignalingClient
	done       chan struct{}
	closeOnce  sync.Once

	// Semaphore for limiting concurrent connections
	semaphore chan struct{}
	upgrader  websocket.Upgrader
}

// SignalingClient is one authenticated WebSocket connection
type SignalingClient struct {
	hub    *SignalingHub
	conn   *websocket.Conn
	send   chan []byte
	userID uuid.UUID
	ctx    context.Context
	cancel context.CancelFunc

	release  sync.Once
	replaced bool

	// peers this user addressed, per session, until the user ended with them
	mu       sync.Mutex
	sessions map[uuid.UUID]map[uuid.UUID]struct{}
}

// NewSignalingHub creates a new signaling hub and starts its run loop.
// presence and m may be nil.
func NewSignalingHub(cfg HubConfig, presence PresenceStore, m *metrics.Metrics) *SignalingHub {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 1000
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = constants.WebSocketPingInterval
	}

	hub := &SignalingHub{
		cfg:        cfg,
		presence:   presence,
		metrics:    m,
		clients:    make(map[uuid.UUID]*SignalingClient),
		register:   make(chan *SignalingClient),
		unregister: make(chan *SignalingClient),
		done:       make(chan struct{}),
		semaphore:  make(chan struct{}, cfg.MaxConnections),
	}
	hub.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     hub.checkOrigin,
	}

	go hub.run()

	return hub
}

// SetRouter wires the relay. It must be called before ServeWS.
func (h *SignalingHub) SetRouter(r Router) {
	h.router = r
}

// non-browser clients send no Origin and are authenticated by token alone
func (h *SignalingHub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return h.cfg.AllowedOrigins[origin]
}

func (h *SignalingHub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			if old, ok := h.clients[client.userID]; ok {
				old.replaced = true
				client.adopt(old)
				h.closeClient(old)
			}
			h.clients[client.userID] = client
			count := len(h.clients)
			h.mu.Unlock()

			h.metrics.SetWebSocketConnections(count)
			h.markOnline(client.userID)

		case client := <-h.unregister:
			h.mu.Lock()
			current := h.clients[client.userID] == client
			if current {
				delete(h.clients, client.userID)
			}
			h.closeClient(client)
			count := len(h.clients)
			h.mu.Unlock()

			h.metrics.SetWebSocketConnections(count)
			if current && !client.replaced {
				h.markOffline(client.userID)
				h.announceLeft(client)
			}

		case <-h.done:
			h.mu.Lock()
			for id, client := range h.clients {
				h.closeClient(client)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return
		}
	}
}

// closeClient must be called with h.mu held
func (h *SignalingHub) closeClient(c *SignalingClient) {
	c.release.Do(func() {
		close(c.send)
		c.cancel()
		<-h.semaphore
	})
}

func (h *SignalingHub) markOnline(userID uuid.UUID) {
	if h.presence == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.presence.SetUserOnline(ctx, userID, h.cfg.InstanceID); err != nil {
			logger.Warn("Failed to record presence",
				zap.String("user_id", userID.String()),
				zap.Error(err))
		}
	}()
}

func (h *SignalingHub) markOffline(userID uuid.UUID) {
	if h.presence == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.presence.SetUserOffline(ctx, userID, h.cfg.InstanceID); err != nil {
			logger.Warn("Failed to clear presence",
				zap.String("user_id", userID.String()),
				zap.Error(err))
		}
	}()
}

// announceLeft tells every peer the user was still in a call with that the
// user's transport is gone
func (h *SignalingHub) announceLeft(c *SignalingClient) {
	if h.router == nil {
		return
	}
	for sessionID, peers := range c.snapshotSessions() {
		for peer := range peers {
			ev := domain.NewEvent(domain.EventCallLeft, sessionID, c.userID, peer)
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			go h.router.Relay(context.Background(), c.userID, peer, data)
		}
	}
}

// Deliver queues payload on userID's connection. It reports false when the
// user has no connection here or the connection cannot keep up.
func (h *SignalingHub) Deliver(userID uuid.UUID, payload []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	client, ok := h.clients[userID]
	if !ok {
		return false
	}

	select {
	case client.send <- payload:
		h.metrics.RecordWebSocketMessage("frame", "outbound")
		return true
	default:
		h.metrics.RecordWebSocketError("send_buffer_full")
		go func() {
			select {
			case h.unregister <- client:
			case <-h.done:
			}
		}()
		return false
	}
}

// IsConnected reports whether userID holds a connection on this instance
func (h *SignalingHub) IsConnected(userID uuid.UUID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[userID]
	return ok
}

func (h *SignalingHub) clientFor(userID uuid.UUID) *SignalingClient {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients[userID]
}

// Close disconnects every client and stops the run loop
func (h *SignalingHub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// ServeWS upgrades an authenticated request to a signaling connection
func (h *SignalingHub) ServeWS(c *gin.Context) {
	userIDVal, exists := c.Get(middleware.ContextUserID)
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	userID, ok := userIDVal.(uuid.UUID)
	if !ok || userID == uuid.Nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "invalid user_id"})
		return
	}

	// the slot is held until the client is closed
	select {
	case h.semaphore <- struct{}{}:
	default:
		logger.Warn("WebSocket connection rejected: max connections reached",
			zap.Int("max_connections", h.cfg.MaxConnections))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Server at capacity, please try again later"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		<-h.semaphore
		h.metrics.RecordWebSocketError("upgrade")
		logger.Warn("WebSocket upgrade failed",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &SignalingClient{
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, constants.SendQueueSize),
		userID:   userID,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[uuid.UUID]map[uuid.UUID]struct{}),
	}

	select {
	case h.register <- client:
	case <-h.done:
		<-h.semaphore
		cancel()
		conn.Close()
		return
	}

	logger.Debug("Signaling client connected", zap.String("user_id", userID.String()))

	go client.writePump()
	go client.readPump()
}

func (c *SignalingClient) adopt(old *SignalingClient) {
	for sessionID, peers := range old.snapshotSessions() {
		for peer := range peers {
			c.track(sessionID, peer)
		}
	}
}

func (c *SignalingClient) track(sessionID, peer uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	peers, ok := c.sessions[sessionID]
	if !ok {
		peers = make(map[uuid.UUID]struct{})
		c.sessions[sessionID] = peers
	}
	peers[peer] = struct{}{}
}

func (c *SignalingClient) untrack(sessionID, peer uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if peers, ok := c.sessions[sessionID]; ok {
		delete(peers, peer)
		if len(peers) == 0 {
			delete(c.sessions, sessionID)
		}
	}
}

func (c *SignalingClient) snapshotSessions() map[uuid.UUID]map[uuid.UUID]struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[uuid.UUID]map[uuid.UUID]struct{}, len(c.sessions))
	for sessionID, peers := range c.sessions {
		cp := make(map[uuid.UUID]struct{}, len(peers))
		for p := range peers {
			cp[p] = struct{}{}
		}
		out[sessionID] = cp
	}
	return out
}

// observe keeps the per-session peer set current
func (c *SignalingClient) observe(ev *domain.Event) {
	if ev.SessionID == uuid.Nil {
		return
	}
	switch {
	case ev.Type.IsTerminal(), ev.Type == domain.EventCallLeft, ev.Type == domain.EventGroupMemberLeft:
		c.untrack(ev.SessionID, ev.To)
	default:
		c.track(ev.SessionID, ev.To)
	}
}

func (c *SignalingClient) reject(reason string, ev *domain.Event) {
	c.hub.metrics.RecordWebSocketError("rejected_frame")
	logger.Warn("Rejected signaling frame",
		zap.String("user_id", c.userID.String()),
		zap.String("reason", reason))

	reply := domain.NewEvent(domain.EventError, uuid.Nil, uuid.Nil, c.userID)
	reply.Error = reason
	if ev != nil {
		reply.SessionID = ev.SessionID
	}
	data, err := json.Marshal(reply)
	if err != nil {
		return
	}
	c.hub.Deliver(c.userID, data)
}

// readPump validates and relays frames from the WebSocket
func (c *SignalingClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	interval := c.hub.cfg.PingInterval
	c.conn.SetReadLimit(constants.WebSocketMaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(interval * 2))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(interval * 2))
		if p := c.hub.presence; p != nil {
			if err := p.RefreshPresence(c.ctx, c.userID); err != nil {
				logger.Debug("Failed to refresh presence", zap.Error(err))
			}
		}
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("WebSocket connection closed",
					zap.String("user_id", c.userID.String()),
					zap.Error(err))
			}
			return
		}

		var ev domain.Event
		if err := json.Unmarshal(message, &ev); err != nil {
			c.reject("malformed frame", nil)
			continue
		}
		if ev.From != c.userID {
			c.reject("from does not match the authenticated user", &ev)
			continue
		}
		if ev.To == uuid.Nil || ev.To == c.userID {
			c.reject("frame has no destination", &ev)
			continue
		}

		c.hub.metrics.RecordWebSocketMessage(string(ev.Type), "inbound")
		c.observe(&ev)

		if c.hub.router != nil {
			c.hub.router.Relay(c.ctx, c.userID, ev.To, message)
		}
	}
}

// writePump writes messages to WebSocket
func (c *SignalingClient) writePump() {
	ticker := time.NewTicker(c.hub.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
