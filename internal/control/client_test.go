package control

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/hmi-sync/internal/metrics"
	"yqhp/hmi-sync/pkg/types"
)

// setupTestServer starts a fiber app with a command endpoint that accepts
// values >= 0, refuses negative ones and fails for mrid "broken".
func setupTestServer(t *testing.T) (string, *atomic.Int32) {
	app := fiber.New()
	var calls atomic.Int32

	app.Post("/api/v1/control", func(c *fiber.Ctx) error {
		calls.Add(1)
		var req types.CommandRequest
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{
				Error:   "bad_request",
				Message: err.Error(),
			})
		}
		if req.Topic.MRID == "broken" {
			return c.Status(fiber.StatusServiceUnavailable).JSON(types.ErrorResponse{
				Error:   "unavailable",
				Message: "field device offline",
			})
		}
		if req.Topic.Value == nil || *req.Topic.Value < 0 {
			return c.JSON(types.CommandResponse{Accepted: false, Message: "value out of range"})
		}
		return c.JSON(types.CommandResponse{Accepted: true, Message: "ok"})
	})

	server := httptest.NewServer(adaptor.FiberApp(app))
	t.Cleanup(server.Close)
	return server.URL, &calls
}

func TestNewClient_Defaults(t *testing.T) {
	c := NewClient(Config{})
	defer c.Close()
	assert.Equal(t, "http://localhost:8080/api/v1/control", c.URL())
	assert.Equal(t, 10*time.Second, c.cfg.Timeout)

	c = NewClient(Config{BaseURL: "http://scada:9000/", CommandPath: "cmd"})
	defer c.Close()
	assert.Equal(t, "http://scada:9000/cmd", c.URL())
}

func TestClient_SendAccepted(t *testing.T) {
	url, calls := setupTestServer(t)
	m := metrics.New()
	c := NewClient(Config{BaseURL: url, Timeout: 5 * time.Second}, WithMetrics(m))
	defer c.Close()

	resp, err := c.Send(context.Background(), types.NewTopic("CB1", "POS").WithValue(1))
	require.NoError(t, err)
	assert.True(t, resp.Accepted)
	assert.Equal(t, int32(1), calls.Load())

	expected := `
# HELP hmi_sync_control_commands_total Supervisory control commands by outcome.
# TYPE hmi_sync_control_commands_total counter
hmi_sync_control_commands_total{outcome="accepted"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected),
		"hmi_sync_control_commands_total"))
}

func TestClient_SendRejected(t *testing.T) {
	url, _ := setupTestServer(t)
	c := NewClient(Config{BaseURL: url, Timeout: 5 * time.Second})
	defer c.Close()

	resp, err := c.Send(context.Background(), types.NewTopic("CB1", "POS").WithValue(-1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRejected))
	require.NotNil(t, resp)
	assert.Equal(t, "value out of range", resp.Message)
}

func TestClient_SendServerError(t *testing.T) {
	url, _ := setupTestServer(t)
	c := NewClient(Config{BaseURL: url, Timeout: 5 * time.Second})
	defer c.Close()

	_, err := c.Send(context.Background(), types.NewTopic("broken", "POS").WithValue(1))
	require.Error(t, err)

	var cmdErr *CommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.Equal(t, fiber.StatusServiceUnavailable, cmdErr.StatusCode)
	assert.Equal(t, "unavailable", cmdErr.Code)
	assert.Equal(t, "field device offline", cmdErr.Message)
	assert.True(t, cmdErr.Retryable())
}

func TestClient_SendValidation(t *testing.T) {
	url, calls := setupTestServer(t)
	c := NewClient(Config{BaseURL: url, Timeout: 5 * time.Second})
	defer c.Close()

	_, err := c.Send(context.Background(), types.NewTopic("", "POS").WithValue(1))
	assert.Error(t, err)
	_, err = c.Send(context.Background(), types.NewTopic("CB1", "POS"))
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Send(ctx, types.NewTopic("CB1", "POS").WithValue(1))
	assert.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, int32(0), calls.Load())
}

func TestClient_SendUnreachable(t *testing.T) {
	c := NewClient(Config{BaseURL: "http://127.0.0.1:1", Timeout: time.Second})
	defer c.Close()

	_, err := c.Send(context.Background(), types.NewTopic("CB1", "POS").WithValue(1))
	assert.Error(t, err)
	var cmdErr *CommandError
	assert.False(t, errors.As(err, &cmdErr))
}

func TestClient_Close(t *testing.T) {
	url, calls := setupTestServer(t)
	c := NewClient(Config{BaseURL: url, Timeout: 5 * time.Second})

	_, err := c.Send(context.Background(), types.NewTopic("CB1", "POS").WithValue(1))
	require.NoError(t, err)

	c.Close()
	c.Close()

	_, err = c.Send(context.Background(), types.NewTopic("CB1", "POS").WithValue(1))
	assert.ErrorIs(t, err, ErrClientClosed)
	assert.Equal(t, int32(1), calls.Load())
}

func TestIsRetryableStatus(t *testing.T) {
	assert.True(t, IsRetryableStatus(fiber.StatusBadGateway))
	assert.True(t, IsRetryableStatus(fiber.StatusTooManyRequests))
	assert.False(t, IsRetryableStatus(fiber.StatusBadRequest))
	assert.False(t, IsRetryableStatus(fiber.StatusInternalServerError))
}
