package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"yqhp/hmi-sync/internal/metrics"
	"yqhp/hmi-sync/internal/wire"
)

var (
	// ErrNotConnected is returned by Send while the channel is down. The message is dropped.
	ErrNotConnected = errors.New("transport: not connected")
	// ErrAlreadyConnected is returned by Connect while a channel is open.
	ErrAlreadyConnected = errors.New("transport: already connected")
	// ErrConnectInProgress is returned by Connect while another dial is running.
	ErrConnectInProgress = errors.New("transport: connect in progress")
	// ErrSendBufferFull is returned by Send when the outbound queue is full.
	ErrSendBufferFull = errors.New("transport: send buffer full")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("transport: closed")
)

// StatusSink receives open (true) and close (false) events.
type StatusSink interface {
	Set(connected bool) bool
}

// MessageSink receives every valid inbound batch in its raw wire form.
type MessageSink interface {
	Publish(raw []byte) error
}

// Config holds the channel settings.
type Config struct {
	// BaseURL is the stream base; the session id is appended to it.
	BaseURL string
	// HandshakeTimeout bounds the WebSocket handshake.
	HandshakeTimeout time.Duration
	// WriteTimeout bounds each frame write.
	WriteTimeout time.Duration
	// PingInterval is the keepalive period. 0 disables pings.
	PingInterval time.Duration
	// SendBufferSize is the capacity of the outbound queue.
	SendBufferSize int
}

// DefaultConfig returns a default channel configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL:          "ws://localhost:8080/ws/",
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		PingInterval:     30 * time.Second,
		SendBufferSize:   64,
	}
}

// Option configures a Connection.
type Option func(*Connection)

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *Connection) {
		if log != nil {
			c.log = log
		}
	}
}

// WithMetrics sets the metrics collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Connection) {
		c.metrics = m
	}
}

// WithDialer replaces the WebSocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Connection) {
		if d != nil {
			c.dialer = d
		}
	}
}

// Connection is one session's telemetry channel.
type Connection struct {
	cfg     Config
	dialer  *websocket.Dialer
	status  StatusSink
	sink    MessageSink
	log     *zap.Logger
	metrics *metrics.Metrics

	dialMu sync.Mutex

	mu   sync.Mutex
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}

	connected atomic.Bool
	closed    atomic.Bool
}

// New creates a connection that reports to status and delivers to sink.
func New(cfg Config, status StatusSink, sink MessageSink, opts ...Option) *Connection {
	defaults := DefaultConfig()
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = defaults.SendBufferSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	c := &Connection{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		status: status,
		sink:   sink,
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// URL returns the channel address for a session.
func (c *Connection) URL(sessionID string) string {
	return c.cfg.BaseURL + url.PathEscape(sessionID)
}

// Connect opens the channel for sessionID. A failed dial is reported to the
// status sink as a close event.
func (c *Connection) Connect(ctx context.Context, sessionID string) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if !c.dialMu.TryLock() {
		return ErrConnectInProgress
	}
	defer c.dialMu.Unlock()

	if c.HasHandle() {
		return ErrAlreadyConnected
	}

	target := c.URL(sessionID)
	ws, _, err := c.dialer.DialContext(ctx, target, nil)
	if err != nil {
		c.log.Debug("transport: dial failed", zap.String("url", target), zap.Error(err))
		if !c.closed.Load() {
			c.status.Set(false)
		}
		return fmt.Errorf("dial %s: %w", target, err)
	}

	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		ws.Close()
		return ErrClosed
	}
	send := make(chan []byte, c.cfg.SendBufferSize)
	done := make(chan struct{})
	c.ws = ws
	c.send = send
	c.done = done
	c.connected.Store(true)
	c.mu.Unlock()

	c.log.Info("transport: connected", zap.String("url", target))
	c.metrics.SetConnected(true)
	// open must be observed before any close the read pump could report
	c.status.Set(true)

	go c.writePump(ws, send, done)
	go c.readPump(ws)
	return nil
}

// Send encodes msg and queues it for the wire. While disconnected the message
// is dropped and ErrNotConnected returned; Send never blocks.
func (c *Connection) Send(msg any) error {
	data, err := wire.Encode(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ws == nil || !c.connected.Load() {
		c.log.Warn("transport: send while disconnected, dropping message", zap.String("type", fmt.Sprintf("%T", msg)))
		c.metrics.SendDropped("not_connected")
		return ErrNotConnected
	}

	select {
	case c.send <- data:
		return nil
	default:
		c.log.Warn("transport: send buffer full, dropping message")
		c.metrics.SendDropped("buffer_full")
		return ErrSendBufferFull
	}
}

// Connected reports whether the channel is open.
func (c *Connection) Connected() bool {
	return c.connected.Load()
}

// HasHandle reports whether a channel handle is held.
func (c *Connection) HasHandle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws != nil
}

// Close tears the channel down for good. No status event is emitted and later
// Connect calls fail with ErrClosed.
func (c *Connection) Close() error {
	if c.closed.Swap(true) {
		return nil
	}

	c.mu.Lock()
	ws := c.ws
	c.ws = nil
	if c.done != nil && ws != nil {
		close(c.done)
	}
	c.connected.Store(false)
	c.mu.Unlock()

	if ws == nil {
		return nil
	}
	c.metrics.SetConnected(false)
	deadline := time.Now().Add(time.Second)
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return ws.Close()
}

func (c *Connection) readPump(ws *websocket.Conn) {
	var reason error
	defer func() { c.handleClose(ws, reason) }()

	if c.cfg.PingInterval > 0 {
		wait := 2 * c.cfg.PingInterval
		_ = ws.SetReadDeadline(time.Now().Add(wait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(wait))
		})
	}

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			reason = err
			return
		}

		batch, err := wire.DecodeBatch(raw)
		if err != nil {
			c.log.Warn("transport: dropping malformed frame", zap.Int("bytes", len(raw)), zap.Error(err))
			c.metrics.DecodeError()
			continue
		}
		c.metrics.FrameReceived(batch.Len())

		if err := c.sink.Publish(raw); err != nil {
			c.log.Debug("transport: batch not delivered", zap.Error(err))
		}
	}
}

func (c *Connection) writePump(ws *websocket.Conn, send <-chan []byte, done <-chan struct{}) {
	var ping <-chan time.Time
	if c.cfg.PingInterval > 0 {
		ticker := time.NewTicker(c.cfg.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case data := <-send:
			_ = ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Warn("transport: write failed", zap.Error(err))
				ws.Close() // read pump reports the close
				return
			}
			c.metrics.FrameSent()
		case <-ping:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				ws.Close()
				return
			}
		case <-done:
			return
		}
	}
}

// handleClose runs once per channel when its read pump exits.
func (c *Connection) handleClose(ws *websocket.Conn, reason error) {
	c.mu.Lock()
	if c.ws != ws {
		// already torn down by Close
		c.mu.Unlock()
		return
	}
	c.ws = nil
	close(c.done)
	c.connected.Store(false)
	c.mu.Unlock()

	ws.Close()
	c.metrics.SetConnected(false)

	if websocket.IsCloseError(reason, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.log.Info("transport: channel closed by peer")
	} else {
		c.log.Warn("transport: channel lost", zap.Error(reason))
	}
	c.status.Set(false)
}
