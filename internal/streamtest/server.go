// Package streamtest provides an in-process telemetry stream server for tests.
package streamtest

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"yqhp/hmi-sync/internal/wire"
	"yqhp/hmi-sync/pkg/types"
)

// Frame is one client -> server message.
type Frame struct {
	SessionID string
	Data      []byte
}

// Server accepts WebSocket connections on /ws/<session id>, records inbound
// frames and lets tests push frames or drop connections.
type Server struct {
	*httptest.Server

	upgrader websocket.Upgrader

	mu        sync.Mutex
	conns     map[string][]*websocket.Conn
	frames    []Frame
	accepted  int
	rejecting bool
}

// NewServer starts a server. Call Close when done.
func NewServer() *Server {
	s := &Server{
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		conns:    make(map[string][]*websocket.Conn),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// BaseURL returns the stream base to which session ids are appended.
func (s *Server) BaseURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/ws/"
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.URL.Path, "/ws/") {
		http.NotFound(w, r)
		return
	}
	session := strings.TrimPrefix(r.URL.Path, "/ws/")

	s.mu.Lock()
	rejecting := s.rejecting
	s.mu.Unlock()
	if rejecting {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s.mu.Lock()
	s.conns[session] = append(s.conns[session], ws)
	s.accepted++
	s.mu.Unlock()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			s.remove(session, ws)
			return
		}
		s.mu.Lock()
		s.frames = append(s.frames, Frame{SessionID: session, Data: data})
		s.mu.Unlock()
	}
}

func (s *Server) remove(session string, ws *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.conns[session]
	for i, c := range list {
		if c == ws {
			s.conns[session] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(s.conns[session]) == 0 {
		delete(s.conns, session)
	}
}

// SetRejecting makes the server refuse (true) or accept (false) new connections.
func (s *Server) SetRejecting(rejecting bool) {
	s.mu.Lock()
	s.rejecting = rejecting
	s.mu.Unlock()
}

// Push writes a raw frame to every connection of a session.
func (s *Server) Push(session string, data []byte) error {
	s.mu.Lock()
	conns := append([]*websocket.Conn(nil), s.conns[session]...)
	s.mu.Unlock()
	if len(conns) == 0 {
		return errors.New("streamtest: no connection for session " + session)
	}
	for _, c := range conns {
		if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
			return err
		}
	}
	return nil
}

// PushBatch encodes and writes a batch to every connection of a session.
func (s *Server) PushBatch(session string, msg types.WsMessage) error {
	data, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	return s.Push(session, data)
}

// DropAll closes every open connection without a close handshake.
func (s *Server) DropAll() {
	s.mu.Lock()
	var all []*websocket.Conn
	for _, list := range s.conns {
		all = append(all, list...)
	}
	s.mu.Unlock()
	for _, c := range all {
		c.Close()
	}
}

// Close drops every connection and shuts the server down.
func (s *Server) Close() {
	s.DropAll()
	s.Server.Close()
}

// Accepted returns the number of connections accepted so far.
func (s *Server) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// Active returns the number of open connections for a session.
func (s *Server) Active(session string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns[session])
}

// Frames returns a copy of every frame received.
func (s *Server) Frames() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Frame(nil), s.frames...)
}

// Registrations decodes every received frame as a RegisterRequest.
func (s *Server) Registrations() []types.RegisterRequest {
	var out []types.RegisterRequest
	for _, f := range s.Frames() {
		if req, err := wire.DecodeRegister(f.Data); err == nil {
			out = append(out, req)
		}
	}
	return out
}

// WaitFor blocks until cond holds or the timeout elapses.
func (s *Server) WaitFor(timeout time.Duration, cond func(s *Server) bool) bool {
	deadline := time.Now().Add(timeout)
	for {
		if cond(s) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// WaitForFrames blocks until at least n frames arrived.
func (s *Server) WaitForFrames(n int, timeout time.Duration) bool {
	return s.WaitFor(timeout, func(s *Server) bool { return len(s.Frames()) >= n })
}

// WaitForActive blocks until the session has n open connections.
func (s *Server) WaitForActive(session string, n int, timeout time.Duration) bool {
	return s.WaitFor(timeout, func(s *Server) bool { return s.Active(session) == n })
}
