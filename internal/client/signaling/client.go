// Package signaling is the agent side of the signaling transport: one
// WebSocket to the relay, redialed with backoff whenever it drops.
package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"callsignal-backend/internal/domain"
	"callsignal-backend/internal/service/call"
	"callsignal-backend/pkg/constants"
	"callsignal-backend/pkg/errors"
	"callsignal-backend/pkg/logger"
	"callsignal-backend/pkg/metrics"
	"callsignal-backend/pkg/resilience"
)

// Handler consumes events arriving from the relay
type Handler interface {
	Handle(ctx context.Context, event *domain.Event) (*call.Result, error)
}

// Config holds the relay address and credentials
type Config struct {
	URL          string
	Token        string
	PingInterval time.Duration
	MinBackoff   time.Duration
	MaxBackoff   time.Duration
}

// Client keeps a connection to the relay and implements the orchestrator's
// Sender. Frames queued while disconnected go out after the next dial.
type Client struct {
	cfg     Config
	dialer  *websocket.Dialer
	metrics *metrics.Metrics

	handlerMu sync.RWMutex
	handler   Handler

	send      chan []byte
	connected atomic.Bool
}

// NewClient creates a client. m may be nil.
func NewClient(cfg Config, m *metrics.Metrics) *Client {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = constants.WebSocketPingInterval
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = constants.ReconnectMinBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = constants.ReconnectMaxBackoff
	}

	return &Client{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: constants.DialTimeout,
		},
		metrics: m,
		send:    make(chan []byte, constants.SendQueueSize),
	}
}

// SetHandler wires the consumer of inbound events
func (c *Client) SetHandler(h Handler) {
	c.handlerMu.Lock()
	c.handler = h
	c.handlerMu.Unlock()
}

// Connected reports whether the relay connection is up
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Send queues an event for the relay without blocking
func (c *Client) Send(_ context.Context, event *domain.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return errors.MalformedPayloadError("failed to encode event", err)
	}

	select {
	case c.send <- data:
		return nil
	default:
		c.metrics.RecordWebSocketError("send_buffer_full")
		return errors.ServiceUnavailableError("signaling send queue is full")
	}
}

// Run dials the relay and serves the connection until ctx is done,
// redialing after every failure
func (c *Client) Run(ctx context.Context) {
	backoff := resilience.NewBackoff(c.cfg.MinBackoff, c.cfg.MaxBackoff)

	for {
		conn, err := c.dial(ctx)
		if err == nil {
			backoff.Reset()
			err = c.serve(ctx, conn)
		}
		if ctx.Err() != nil {
			return
		}

		delay := backoff.Next()
		c.metrics.RecordWebSocketError(resilience.ClassifyError(err))
		logger.Warn("Signaling connection lost, redialing",
			zap.Error(err),
			zap.Int("attempt", backoff.Attempts()),
			zap.Duration("backoff", delay))

		if resilience.Wait(ctx, delay) != nil {
			return
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.cfg.Token)

	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial relay: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	logger.Info("Connected to signaling relay", zap.String("url", c.cfg.URL))
	return conn, nil
}

// serve pumps frames both ways until the connection fails
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	c.connected.Store(true)
	defer c.connected.Store(false)

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	writeErr := make(chan error, 1)
	go func() {
		writeErr <- c.writePump(connCtx, conn)
		conn.Close()
	}()

	err := c.readPump(connCtx, conn)
	cancel()
	conn.Close()
	if werr := <-writeErr; err == nil {
		err = werr
	}
	return err
}

func (c *Client) readPump(ctx context.Context, conn *websocket.Conn) error {
	wait := c.cfg.PingInterval * 2
	conn.SetReadLimit(constants.WebSocketMaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(wait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wait))
	})
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(wait))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(constants.WebSocketWriteWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		var ev domain.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			logger.Debug("Dropping undecodable frame", zap.Error(err))
			continue
		}
		c.metrics.RecordWebSocketMessage(string(ev.Type), "inbound")
		c.dispatch(ctx, &ev)
	}
}

// dispatch hands one event to the handler. Only user-facing failures are
// worth more than a debug line.
func (c *Client) dispatch(ctx context.Context, ev *domain.Event) {
	if ev.Type == domain.EventError {
		logger.Warn("Relay refused a frame",
			zap.String("session_id", ev.SessionID.String()),
			zap.String("error", ev.Error))
		return
	}

	c.handlerMu.RLock()
	h := c.handler
	c.handlerMu.RUnlock()
	if h == nil {
		return
	}

	if _, err := h.Handle(ctx, ev); err != nil {
		fields := []zap.Field{
			zap.String("type", string(ev.Type)),
			zap.String("session_id", ev.SessionID.String()),
			zap.String("from", ev.From.String()),
			zap.Error(err),
		}
		if errors.IsUserFacing(err) {
			logger.Warn("Failed to handle signaling event", fields...)
			return
		}
		logger.Debug("Ignored signaling event", fields...)
	}
}

func (c *Client) writePump(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil

		case data := <-c.send:
			conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return err
			}
			c.metrics.RecordWebSocketMessage("frame", "outbound")

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		}
	}
}
