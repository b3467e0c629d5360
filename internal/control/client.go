// Package control implements the supervisory control client: commands are
// posted to the request/response API, outside the telemetry stream.
package control

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"yqhp/hmi-sync/internal/metrics"
	"yqhp/hmi-sync/internal/wire"
	"yqhp/hmi-sync/pkg/types"
)

// ErrRejected is returned when the server answers but refuses the command.
var ErrRejected = errors.New("control: command rejected")

// ErrClientClosed is returned by Send after Close.
var ErrClientClosed = errors.New("control: client closed")

// CommandError reports a non-2xx reply of the command endpoint.
type CommandError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *CommandError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("control: command failed with status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("control: command failed with status %d", e.StatusCode)
}

// Retryable reports whether the failure is likely transient.
func (e *CommandError) Retryable() bool {
	return IsRetryableStatus(e.StatusCode)
}

// Config holds the API endpoint settings.
type Config struct {
	// BaseURL is the API root, e.g. "http://localhost:8080".
	BaseURL string
	// CommandPath is appended to BaseURL.
	CommandPath string
	// Timeout bounds each request.
	Timeout time.Duration
}

// DefaultConfig returns a default client configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL:     "http://localhost:8080",
		CommandPath: "/api/v1/control",
		Timeout:     10 * time.Second,
	}
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// WithMetrics sets the metrics collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// Client sends control commands.
type Client struct {
	cfg     Config
	agent   *fiber.Client
	log     *zap.Logger
	metrics *metrics.Metrics
	closed  atomic.Bool
}

// NewClient creates a control client. Call Close to return its pooled HTTP
// client.
func NewClient(cfg Config, opts ...Option) *Client {
	defaults := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaults.BaseURL
	}
	if cfg.CommandPath == "" {
		cfg.CommandPath = defaults.CommandPath
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	c := &Client{
		cfg:   cfg,
		agent: fiber.AcquireClient(),
		log:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// URL returns the command endpoint.
func (c *Client) URL() string {
	return strings.TrimRight(c.cfg.BaseURL, "/") + "/" + strings.TrimLeft(c.cfg.CommandPath, "/")
}

// Send issues a command for one point. The topic must carry a value.
func (c *Client) Send(ctx context.Context, topic types.Topic) (*types.CommandResponse, error) {
	if err := topic.Validate(); err != nil {
		return nil, fmt.Errorf("control: invalid command: %w", err)
	}
	if !topic.HasValue() {
		return nil, fmt.Errorf("control: command for %s has no value", topic.Key())
	}
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	body, err := wire.Encode(types.CommandRequest{Topic: topic})
	if err != nil {
		return nil, fmt.Errorf("control: encode command: %w", err)
	}

	timeout := c.cfg.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}

	req := c.agent.Post(c.URL())
	req.Timeout(timeout)
	req.Body(body)
	req.Set("Content-Type", "application/json")

	statusCode, respBody, errs := req.Bytes()
	if len(errs) > 0 {
		c.metrics.Command("error")
		c.log.Warn("control: command not delivered", zap.Stringer("point", topic.Key()), zap.Error(errs[0]))
		return nil, fmt.Errorf("control: send command: %w", errs[0])
	}

	if statusCode < fiber.StatusOK || statusCode >= fiber.StatusMultipleChoices {
		c.metrics.Command("error")
		cmdErr := &CommandError{StatusCode: statusCode}
		var errResp types.ErrorResponse
		if err := wire.Decode(respBody, &errResp); err == nil {
			cmdErr.Code = errResp.Error
			cmdErr.Message = errResp.Message
		}
		c.log.Warn("control: command failed",
			zap.Stringer("point", topic.Key()),
			zap.Int("status", statusCode),
			zap.Bool("retryable", cmdErr.Retryable()))
		return nil, cmdErr
	}

	var resp types.CommandResponse
	if err := wire.Decode(respBody, &resp); err != nil {
		c.metrics.Command("error")
		return nil, fmt.Errorf("control: decode response: %w", err)
	}
	if !resp.Accepted {
		c.metrics.Command("rejected")
		return &resp, fmt.Errorf("%w: %s", ErrRejected, resp.Message)
	}

	c.metrics.Command("accepted")
	c.log.Info("control: command accepted",
		zap.Stringer("point", topic.Key()),
		zap.String("value", topic.FormatValue()))
	return &resp, nil
}

// Close releases the HTTP client. Later Send calls fail with ErrClientClosed.
func (c *Client) Close() {
	if c.closed.Swap(true) {
		return
	}
	fiber.ReleaseClient(c.agent)
}

// IsRetryableStatus reports whether an HTTP status indicates a transient error.
func IsRetryableStatus(statusCode int) bool {
	switch statusCode {
	case fiber.StatusServiceUnavailable,
		fiber.StatusGatewayTimeout,
		fiber.StatusBadGateway,
		fiber.StatusTooManyRequests,
		fiber.StatusRequestTimeout:
		return true
	default:
		return false
	}
}
