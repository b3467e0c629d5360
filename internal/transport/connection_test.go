package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/hmi-sync/internal/metrics"
	"yqhp/hmi-sync/internal/streamtest"
	"yqhp/hmi-sync/internal/wire"
	"yqhp/hmi-sync/pkg/types"
)

// recordingStatus records every status event it is given.
type recordingStatus struct {
	mu     sync.Mutex
	events []bool
}

func (r *recordingStatus) Set(connected bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, connected)
	return true
}

func (r *recordingStatus) Events() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.events...)
}

// recordingSink records every published batch.
type recordingSink struct {
	mu      sync.Mutex
	batches [][]byte
}

func (r *recordingSink) Publish(raw []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, raw)
	return nil
}

func (r *recordingSink) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func (r *recordingSink) Batch(i int) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.batches[i]
}

func setup(t *testing.T) (*streamtest.Server, *Connection, *recordingStatus, *recordingSink) {
	t.Helper()
	srv := streamtest.NewServer()
	t.Cleanup(srv.Close)

	st := &recordingStatus{}
	sink := &recordingSink{}
	cfg := DefaultConfig()
	cfg.BaseURL = srv.BaseURL()
	cfg.HandshakeTimeout = time.Second
	conn := New(cfg, st, sink, WithMetrics(metrics.New()))
	t.Cleanup(func() { _ = conn.Close() })
	return srv, conn, st, sink
}

func TestConnection_URL(t *testing.T) {
	c := New(Config{BaseURL: "ws://grid.local/ws/"}, &recordingStatus{}, &recordingSink{})
	assert.Equal(t, "ws://grid.local/ws/s1", c.URL("s1"))
}

func TestConnection_ConnectSetsStatus(t *testing.T) {
	srv, conn, st, _ := setup(t)

	require.NoError(t, conn.Connect(context.Background(), "s1"))
	assert.True(t, conn.Connected())
	assert.True(t, conn.HasHandle())
	assert.Equal(t, []bool{true}, st.Events())
	assert.True(t, srv.WaitForActive("s1", 1, time.Second))
}

func TestConnection_ConnectWhileOpen(t *testing.T) {
	srv, conn, _, _ := setup(t)

	require.NoError(t, conn.Connect(context.Background(), "s1"))
	assert.ErrorIs(t, conn.Connect(context.Background(), "s1"), ErrAlreadyConnected)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, srv.Accepted())
}

func TestConnection_DialFailureReportsClose(t *testing.T) {
	srv, conn, st, _ := setup(t)
	srv.SetRejecting(true)

	err := conn.Connect(context.Background(), "s1")
	require.Error(t, err)
	assert.False(t, conn.Connected())
	assert.False(t, conn.HasHandle())
	assert.Equal(t, []bool{false}, st.Events())
}

func TestConnection_InboundFramesReachSink(t *testing.T) {
	srv, conn, _, sink := setup(t)
	require.NoError(t, conn.Connect(context.Background(), "s1"))
	require.True(t, srv.WaitForActive("s1", 1, time.Second))

	require.NoError(t, srv.PushBatch("s1", types.WsMessage{Updates: []types.UpdateMessage{
		{SessionID: "s1", Topic: types.NewTopic("A", "X").WithValue(5)},
	}}))

	require.Eventually(t, func() bool { return sink.Len() == 1 }, time.Second, 5*time.Millisecond)
	batch, err := wire.DecodeBatch(sink.Batch(0))
	require.NoError(t, err)
	assert.Equal(t, "5", batch.Updates[0].Topic.FormatValue())
}

func TestConnection_MalformedFramesAreDropped(t *testing.T) {
	srv, conn, st, sink := setup(t)
	require.NoError(t, conn.Connect(context.Background(), "s1"))
	require.True(t, srv.WaitForActive("s1", 1, time.Second))

	require.NoError(t, srv.Push("s1", []byte("not json")))
	require.NoError(t, srv.Push("s1", []byte(`{"updates":[]}`)))

	require.Eventually(t, func() bool { return sink.Len() == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, conn.Connected(), "malformed frame must not drop the channel")
	assert.Equal(t, []bool{true}, st.Events())
}

func TestConnection_SendWhileConnected(t *testing.T) {
	srv, conn, _, _ := setup(t)
	require.NoError(t, conn.Connect(context.Background(), "s1"))

	req := types.RegisterRequest{SessionID: "s1", Topics: []types.Topic{types.NewTopic("A", "X")}}
	require.NoError(t, conn.Send(req))

	require.True(t, srv.WaitForFrames(1, time.Second))
	regs := srv.Registrations()
	require.Len(t, regs, 1)
	assert.Equal(t, "s1", regs[0].SessionID)
	assert.Equal(t, "s1", srv.Frames()[0].SessionID)
}

func TestConnection_SendWhileDisconnected(t *testing.T) {
	srv, conn, _, _ := setup(t)

	done := make(chan error, 1)
	go func() {
		done <- conn.Send(types.RegisterRequest{SessionID: "s1"})
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrNotConnected)
	case <-time.After(time.Second):
		t.Fatal("Send blocked while disconnected")
	}

	// connecting afterwards must not flush the dropped message
	require.NoError(t, conn.Connect(context.Background(), "s1"))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, srv.Frames())
}

func TestConnection_PeerCloseReportsFalseAndDropsHandle(t *testing.T) {
	srv, conn, st, _ := setup(t)
	require.NoError(t, conn.Connect(context.Background(), "s1"))
	require.True(t, srv.WaitForActive("s1", 1, time.Second))

	srv.DropAll()

	require.Eventually(t, func() bool { return !conn.HasHandle() }, time.Second, 5*time.Millisecond)
	assert.False(t, conn.Connected())
	assert.Equal(t, []bool{true, false}, st.Events())
	assert.ErrorIs(t, conn.Send(types.RegisterRequest{}), ErrNotConnected)

	// a fresh connect works after the loss
	require.NoError(t, conn.Connect(context.Background(), "s1"))
	assert.Equal(t, []bool{true, false, true}, st.Events())
}

func TestConnection_CloseIsFinal(t *testing.T) {
	srv, conn, st, _ := setup(t)
	require.NoError(t, conn.Connect(context.Background(), "s1"))
	require.True(t, srv.WaitForActive("s1", 1, time.Second))

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())

	assert.True(t, srv.WaitForActive("s1", 0, time.Second))
	assert.ErrorIs(t, conn.Connect(context.Background(), "s1"), ErrClosed)
	assert.Equal(t, []bool{true}, st.Events(), "explicit teardown emits no status")
}

func TestConnection_ConcurrentConnectSerialized(t *testing.T) {
	srv, conn, _, _ := setup(t)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- conn.Connect(context.Background(), "s1")
		}()
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.True(t, errors.Is(err, ErrAlreadyConnected) || errors.Is(err, ErrConnectInProgress), "unexpected %v", err)
	}
	assert.Equal(t, 1, ok)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, srv.Accepted())
}
