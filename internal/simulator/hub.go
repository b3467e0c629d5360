package simulator

import (
	"context"
	"fmt"
	"sync"

	"github.com/duke-git/lancet/v2/slice"
	fiberws "github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"yqhp/hmi-sync/internal/wire"
	"yqhp/hmi-sync/pkg/types"
)

// sessionConn wraps the WebSocket connection of one session.
type sessionConn struct {
	sessionID string
	conn      *fiberws.Conn
	send      chan []byte
	done      chan struct{}
	once      sync.Once

	mu     sync.Mutex
	topics []types.Topic
}

func (c *sessionConn) setTopics(topics []types.Topic) {
	c.mu.Lock()
	c.topics = append([]types.Topic(nil), topics...)
	c.mu.Unlock()
}

// keys returns the registered points, first occurrence order.
func (c *sessionConn) keys() []types.TopicKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slice.Unique(slice.Map(c.topics, func(_ int, t types.Topic) types.TopicKey {
		return t.Key()
	}))
}

func (c *sessionConn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// Hub manages the stream connections, one per session id. A new connection
// for a session replaces the previous one.
type Hub struct {
	store      PointStore
	log        *zap.Logger
	sendBuffer int

	mu    sync.RWMutex
	conns map[string]*sessionConn
}

// NewHub creates a hub reading point values from store.
func NewHub(store PointStore, log *zap.Logger, sendBuffer int) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	if sendBuffer <= 0 {
		sendBuffer = 256
	}
	return &Hub{
		store:      store,
		log:        log,
		sendBuffer: sendBuffer,
		conns:      make(map[string]*sessionConn),
	}
}

// Sessions returns the number of connected sessions.
func (h *Hub) Sessions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Connected reports whether a session has an open stream.
func (h *Hub) Connected(sessionID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.conns[sessionID]
	return ok
}

// Keys returns the points registered by a session.
func (h *Hub) Keys(sessionID string) []types.TopicKey {
	h.mu.RLock()
	c, ok := h.conns[sessionID]
	h.mu.RUnlock()
	if !ok {
		return nil
	}
	return c.keys()
}

// AllKeys returns the union of every session's registered points.
func (h *Hub) AllKeys() []types.TopicKey {
	var all []types.TopicKey
	for _, c := range h.snapshot() {
		all = append(all, c.keys()...)
	}
	return slice.Unique(all)
}

func (h *Hub) snapshot() []*sessionConn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*sessionConn, 0, len(h.conns))
	for _, c := range h.conns {
		out = append(out, c)
	}
	return out
}

// Push queues a batch for one session.
func (h *Hub) Push(sessionID string, msg types.WsMessage) error {
	h.mu.RLock()
	c, ok := h.conns[sessionID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("session %s not connected", sessionID)
	}
	return h.push(c, msg)
}

func (h *Hub) push(c *sessionConn, msg types.WsMessage) error {
	data, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return fmt.Errorf("session %s closed", c.sessionID)
	default:
		return fmt.Errorf("send buffer full for session %s", c.sessionID)
	}
}

// Publish sends the current values of the points each session registered.
// Sessions with nothing to report are skipped.
func (h *Hub) Publish(ctx context.Context) error {
	for _, c := range h.snapshot() {
		if err := h.publishTo(ctx, c, c.keys()); err != nil {
			return err
		}
	}
	return nil
}

// Broadcast sends one point to every session that registered it and returns
// the number of sessions reached.
func (h *Hub) Broadcast(key types.TopicKey, value float64) int {
	reached := 0
	for _, c := range h.snapshot() {
		if !slice.Contain(c.keys(), key) {
			continue
		}
		msg := types.WsMessage{Updates: []types.UpdateMessage{{
			SessionID: c.sessionID,
			Topic:     types.NewTopic(key.MRID, key.Name).WithValue(value),
		}}}
		if err := h.push(c, msg); err != nil {
			h.log.Warn("simulator: broadcast dropped", zap.String("session", c.sessionID), zap.Error(err))
			continue
		}
		reached++
	}
	return reached
}

func (h *Hub) publishTo(ctx context.Context, c *sessionConn, keys []types.TopicKey) error {
	values, err := h.store.Snapshot(ctx, keys)
	if err != nil {
		return err
	}
	var msg types.WsMessage
	for _, k := range keys {
		v, ok := values[k]
		if !ok {
			continue
		}
		msg.Updates = append(msg.Updates, types.UpdateMessage{
			SessionID: c.sessionID,
			Topic:     types.NewTopic(k.MRID, k.Name).WithValue(v),
		})
	}
	if msg.Len() == 0 {
		return nil
	}
	if err := h.push(c, msg); err != nil {
		h.log.Warn("simulator: batch dropped", zap.String("session", c.sessionID), zap.Error(err))
	}
	return nil
}

// Close drops every connection.
func (h *Hub) Close() {
	for _, c := range h.snapshot() {
		c.close()
	}
}

func (h *Hub) register(c *sessionConn) {
	h.mu.Lock()
	if old, ok := h.conns[c.sessionID]; ok {
		old.close()
	}
	h.conns[c.sessionID] = c
	h.mu.Unlock()
}

func (h *Hub) unregister(c *sessionConn) {
	h.mu.Lock()
	if h.conns[c.sessionID] == c {
		delete(h.conns, c.sessionID)
	}
	h.mu.Unlock()
}

// handleConnection serves one session stream until it closes.
func (h *Hub) handleConnection(ws *fiberws.Conn) {
	sessionID := ws.Params("session_id")
	c := &sessionConn{
		sessionID: sessionID,
		conn:      ws,
		send:      make(chan []byte, h.sendBuffer),
		done:      make(chan struct{}),
	}

	h.register(c)
	defer h.unregister(c)
	defer c.close()

	h.log.Info("simulator: session connected", zap.String("session", sessionID))

	go h.writePump(c)
	h.readPump(c)

	h.log.Info("simulator: session disconnected", zap.String("session", sessionID))
}

func (h *Hub) readPump(c *sessionConn) {
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		req, err := wire.DecodeRegister(raw)
		if err != nil {
			h.log.Warn("simulator: invalid message", zap.String("session", c.sessionID), zap.Error(err))
			continue
		}
		if req.SessionID != "" && req.SessionID != c.sessionID {
			h.log.Warn("simulator: registration for another session ignored",
				zap.String("session", c.sessionID), zap.String("claimed", req.SessionID))
			continue
		}

		c.setTopics(req.Topics)
		h.log.Debug("simulator: topics registered",
			zap.String("session", c.sessionID), zap.Int("topics", len(req.Topics)))

		// current values right away so the view is not blank until the next tick
		if err := h.publishTo(context.Background(), c, c.keys()); err != nil {
			h.log.Warn("simulator: initial snapshot failed", zap.Error(err))
		}
	}
}

func (h *Hub) writePump(c *sessionConn) {
	for {
		select {
		case data := <-c.send:
			if err := c.conn.WriteMessage(fiberws.TextMessage, data); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}
