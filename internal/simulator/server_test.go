package simulator

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/hmi-sync/internal/binding"
	"yqhp/hmi-sync/internal/control"
	"yqhp/hmi-sync/internal/session"
	"yqhp/hmi-sync/internal/transport"
	"yqhp/hmi-sync/internal/wire"
	"yqhp/hmi-sync/pkg/types"
)

const waitTimeout = 3 * time.Second

// increment makes drift predictable: every tick adds one.
func increment(_ types.TopicKey, prev float64, _ bool) float64 {
	return prev + 1
}

// startServer serves srv on a loopback port and returns its host:port.
func startServer(t *testing.T, srv *Server) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(waitTimeout):
			t.Error("simulator did not stop")
		}
	})
	return ln.Addr().String()
}

func dial(t *testing.T, addr, sessionID string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws/"+sessionID, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func register(t *testing.T, ws *websocket.Conn, sessionID string, topics ...types.Topic) {
	t.Helper()
	data, err := wire.Encode(types.RegisterRequest{SessionID: sessionID, Topics: topics})
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))
}

func read(t *testing.T, ws *websocket.Conn) types.WsMessage {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(waitTimeout)))
	_, raw, err := ws.ReadMessage()
	require.NoError(t, err)
	msg, err := wire.DecodeBatch(raw)
	require.NoError(t, err)
	return msg
}

func waitRegistered(t *testing.T, srv *Server, sessionID string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(srv.Hub().Keys(sessionID)) == n
	}, waitTimeout, 5*time.Millisecond)
}

func TestHealthCheck(t *testing.T) {
	srv := NewServer(DefaultConfig(), NewMemoryStore())

	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	resp, err := srv.App().Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	body, _ := io.ReadAll(resp.Body)
	var result types.HealthResponse
	require.NoError(t, json.Unmarshal(body, &result))
	assert.Equal(t, "healthy", result.Status)
	assert.Equal(t, 0, result.Sessions)
}

func TestControl_AppliesValue(t *testing.T) {
	store := NewMemoryStore()
	srv := NewServer(DefaultConfig(), store)

	req := httptest.NewRequest("POST", "/api/v1/control",
		strings.NewReader(`{"topic":{"mrid":"CB1","name":"POS","value":1,"action":"close"}}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := srv.App().Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	body, _ := io.ReadAll(resp.Body)
	var result types.CommandResponse
	require.NoError(t, json.Unmarshal(body, &result))
	assert.True(t, result.Accepted)

	v, ok, err := store.Get(context.Background(), types.TopicKey{MRID: "CB1", Name: "POS"})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1.0, v)
}

func TestControl_InvalidRequests(t *testing.T) {
	srv := NewServer(DefaultConfig(), NewMemoryStore())

	tests := []struct {
		name string
		body string
	}{
		{"not json", `{`},
		{"missing mrid", `{"topic":{"name":"POS","value":1}}`},
		{"missing value", `{"topic":{"mrid":"CB1","name":"POS"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/api/v1/control", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			resp, err := srv.App().Test(req)
			require.NoError(t, err)
			assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

			body, _ := io.ReadAll(resp.Body)
			var result types.ErrorResponse
			require.NoError(t, json.Unmarshal(body, &result))
			assert.Equal(t, "error_400", result.Error)
		})
	}
}

func TestStream_RequiresUpgrade(t *testing.T) {
	srv := NewServer(DefaultConfig(), NewMemoryStore())

	resp, err := srv.App().Test(httptest.NewRequest("GET", "/ws/s1", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUpgradeRequired, resp.StatusCode)
}

func TestStream_RegistrationGetsSnapshot(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Set(context.Background(), types.TopicKey{MRID: "A", Name: "X"}, 5))
	srv := NewServer(DefaultConfig(), store)
	addr := startServer(t, srv)

	ws := dial(t, addr, "s1")
	register(t, ws, "s1", types.NewTopic("A", "X"), types.NewTopic("A", "X"), types.NewTopic("B", "Y"))

	msg := read(t, ws)
	require.Equal(t, 1, msg.Len())
	assert.Equal(t, "s1", msg.Updates[0].SessionID)
	assert.Equal(t, types.TopicKey{MRID: "A", Name: "X"}, msg.Updates[0].Topic.Key())
	assert.Equal(t, "5", msg.Updates[0].Topic.FormatValue())
	assert.Equal(t, []types.TopicKey{{MRID: "A", Name: "X"}, {MRID: "B", Name: "Y"}}, srv.Hub().Keys("s1"))
}

func TestStream_StepDriftsRegisteredPoints(t *testing.T) {
	srv := NewServer(DefaultConfig(), NewMemoryStore(), WithGenerator(increment))
	addr := startServer(t, srv)

	ws := dial(t, addr, "s1")
	register(t, ws, "s1", types.NewTopic("B", "Y"))
	waitRegistered(t, srv, "s1", 1)

	require.NoError(t, srv.Step(context.Background()))
	assert.Equal(t, "1", read(t, ws).Updates[0].Topic.FormatValue())

	require.NoError(t, srv.Step(context.Background()))
	assert.Equal(t, "2", read(t, ws).Updates[0].Topic.FormatValue())
}

func TestStream_CommandIsBroadcastAndHeld(t *testing.T) {
	srv := NewServer(DefaultConfig(), NewMemoryStore(), WithGenerator(increment))
	addr := startServer(t, srv)

	ws := dial(t, addr, "s1")
	register(t, ws, "s1", types.NewTopic("CB1", "POS"))
	waitRegistered(t, srv, "s1", 1)

	client := control.NewClient(control.Config{BaseURL: "http://" + addr, Timeout: waitTimeout})
	resp, err := client.Send(context.Background(), types.NewTopic("CB1", "POS").WithValue(0))
	require.NoError(t, err)
	assert.True(t, resp.Accepted)

	assert.Equal(t, "0", read(t, ws).Updates[0].Topic.FormatValue())

	require.NoError(t, srv.Step(context.Background()))
	assert.Equal(t, "0", read(t, ws).Updates[0].Topic.FormatValue())
}

func TestStream_NewConnectionReplacesOld(t *testing.T) {
	srv := NewServer(DefaultConfig(), NewMemoryStore())
	addr := startServer(t, srv)

	old := dial(t, addr, "s1")
	require.Eventually(t, func() bool { return srv.Hub().Connected("s1") }, waitTimeout, 5*time.Millisecond)

	dial(t, addr, "s1")

	require.NoError(t, old.SetReadDeadline(time.Now().Add(waitTimeout)))
	_, _, err := old.ReadMessage()
	assert.Error(t, err)
	assert.Equal(t, 1, srv.Hub().Sessions())
}

func TestServe_TicksOnClock(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cfg := DefaultConfig()
	cfg.Tick = time.Second
	srv := NewServer(cfg, NewMemoryStore(), WithClock(clock), WithGenerator(increment))
	addr := startServer(t, srv)

	ws := dial(t, addr, "s1")
	register(t, ws, "s1", types.NewTopic("B", "Y"))
	waitRegistered(t, srv, "s1", 1)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Second)

	assert.Equal(t, "1", read(t, ws).Updates[0].Topic.FormatValue())
}

func TestSession_AgainstSimulator(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Set(context.Background(), types.TopicKey{MRID: "A", Name: "X"}, 5))
	srv := NewServer(DefaultConfig(), store)
	addr := startServer(t, srv)

	board := binding.NewBoard("feeder", []binding.Element{
		{ID: "first", Kind: binding.KindMeasurement, MRID: "A", Path: "X", Text: "-"},
		{ID: "second", Kind: binding.KindMeasurement, MRID: "A", Path: "X", Text: "-"},
	})

	cfg := session.DefaultConfig()
	cfg.Transport = transport.Config{BaseURL: "ws://" + addr + "/ws/", HandshakeTimeout: time.Second}
	s := session.New(cfg, session.WithID("s1"))
	defer s.Close()

	msgs, err := s.Messages(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.SetTopics(board.Topics()))
	require.NoError(t, s.Start(context.Background()))

	select {
	case msg := <-msgs:
		board.Apply(msg)
	case <-time.After(waitTimeout):
		t.Fatal("no snapshot received")
	}

	first, _ := board.Element("first")
	second, _ := board.Element("second")
	assert.Equal(t, "5", first.Text)
	assert.Equal(t, "-", second.Text)
}
