// Package session composes the telemetry channel, status broadcaster, message
// fan-out and reconnection policy of one live HMI view.
//
// A session is created per view with a fresh identifier and destroyed when
// the view is torn down. Each time the channel opens, the session re-sends its
// registration with the topics currently bound to the view.
package session

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"yqhp/hmi-sync/internal/fanout"
	"yqhp/hmi-sync/internal/metrics"
	"yqhp/hmi-sync/internal/reconnect"
	"yqhp/hmi-sync/internal/status"
	"yqhp/hmi-sync/internal/transport"
	"yqhp/hmi-sync/pkg/types"
)

// ErrClosed is returned by operations on a closed session.
var ErrClosed = errors.New("session: closed")

// Config holds the settings of every session component.
type Config struct {
	Transport transport.Config
	Reconnect reconnect.Config
}

// DefaultConfig returns the component defaults.
func DefaultConfig() Config {
	return Config{
		Transport: transport.DefaultConfig(),
		Reconnect: reconnect.DefaultConfig(),
	}
}

// Option configures a Session.
type Option func(*options)

type options struct {
	id      string
	log     *zap.Logger
	metrics *metrics.Metrics
	clock   clockwork.Clock
	dialer  *websocket.Dialer
}

// WithID uses a fixed session identifier instead of a generated one.
func WithID(id string) Option {
	return func(o *options) { o.id = id }
}

// WithLogger sets the logger shared by the components.
func WithLogger(log *zap.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithMetrics sets the metrics collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithClock sets the time source of the reconnection policy.
func WithClock(clock clockwork.Clock) Option {
	return func(o *options) { o.clock = clock }
}

// WithDialer replaces the WebSocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// Session is one live view's connection to the telemetry stream.
type Session struct {
	id      string
	log     *zap.Logger
	conn    *transport.Connection
	status  *status.Broadcaster
	fanout  *fanout.Fanout
	policy  *reconnect.Policy
	metrics *metrics.Metrics

	mu      sync.Mutex
	topics  []types.Topic
	started bool
	closed  bool
}

// New creates a session. Nothing is dialed until Start.
func New(cfg Config, opts ...Option) *Session {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.id == "" {
		o.id = uuid.NewString()
	}
	if o.log == nil {
		o.log = zap.NewNop()
	}
	log := o.log.With(zap.String("session", o.id))

	s := &Session{
		id:      o.id,
		log:     log,
		status:  status.New(),
		fanout:  fanout.New(log.Named("fanout")),
		metrics: o.metrics,
	}
	s.conn = transport.New(cfg.Transport, s.status, s.fanout,
		transport.WithLogger(log.Named("transport")),
		transport.WithMetrics(o.metrics),
		transport.WithDialer(o.dialer),
	)
	s.policy = reconnect.New(cfg.Reconnect, s.conn, o.id,
		reconnect.WithClock(o.clock),
		reconnect.WithLogger(log.Named("reconnect")),
		reconnect.WithMetrics(o.metrics),
		reconnect.OnExhausted(s.terminate),
	)
	s.status.Observe(s.policy.OnStatus)
	s.status.Observe(s.registerOnOpen)
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Start opens the channel. A failed first dial is returned, and the
// reconnection policy keeps retrying in the background.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	return s.conn.Connect(ctx, s.id)
}

// registerOnOpen observes the status broadcaster directly, so consumers of
// Status cannot hold it back.
func (s *Session) registerOnOpen(connected bool) {
	if !connected {
		return
	}
	if err := s.Register(); err != nil {
		s.log.Warn("session: registration on open failed", zap.Error(err))
	}
}

// Register sends the current topic set. Topics go out as given, duplicates
// included. While disconnected the request is dropped.
func (s *Session) Register() error {
	s.mu.Lock()
	req := types.RegisterRequest{
		SessionID: s.id,
		Topics:    make([]types.Topic, 0, len(s.topics)),
	}
	for _, t := range s.topics {
		req.Topics = append(req.Topics, t.Bare())
	}
	s.mu.Unlock()

	s.log.Debug("session: registering topics", zap.Int("topics", len(req.Topics)))
	return s.conn.Send(req)
}

// SetTopics replaces the visible topic set, for example after the diagram
// was reloaded, and re-registers when the set changed and the channel is open.
func (s *Session) SetTopics(topics []types.Topic) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	changed := !sameKeys(s.topics, topics)
	s.topics = append([]types.Topic(nil), topics...)
	s.mu.Unlock()

	if !changed || !s.conn.Connected() {
		return nil
	}
	return s.Register()
}

// Topics returns a copy of the registered topic set.
func (s *Session) Topics() []types.Topic {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Topic(nil), s.topics...)
}

// Status subscribes to the de-duplicated connectivity signal. The channel is
// closed when the retry budget is exhausted or the session closes. A consumer
// that falls behind skips open/close pairs and ends on the current state;
// it never delays reconnection or re-registration.
func (s *Session) Status() (<-chan bool, func()) {
	return s.status.Subscribe()
}

// Connected reports whether the channel is open.
func (s *Session) Connected() bool {
	return s.conn.Connected()
}

// Messages subscribes to inbound batches until ctx ends. The channel is closed
// when the retry budget is exhausted or the session closes.
//
// Delivery applies backpressure: the channel's read loop waits until every
// subscriber has taken a batch, so a subscriber that stops reading stalls all
// of them. Past twice the ping interval the read deadline expires and the
// channel reconnects. Cancel ctx to leave.
func (s *Session) Messages(ctx context.Context) (<-chan types.WsMessage, error) {
	ch, err := s.fanout.Subscribe(ctx)
	if errors.Is(err, fanout.ErrClosed) {
		return nil, ErrClosed
	}
	return ch, err
}

// Send writes a message on the channel; see transport.Connection.Send.
func (s *Session) Send(msg any) error {
	return s.conn.Send(msg)
}

// Done is closed once the session can no longer deliver updates.
func (s *Session) Done() <-chan struct{} {
	return s.policy.Done()
}

// Err reports why Done was closed: a wrapped reconnect.ErrRetriesExhausted
// after a drained retry budget, nil after Close.
func (s *Session) Err() error {
	return s.policy.Err()
}

// terminate completes both streams once retries are exhausted.
func (s *Session) terminate(err error) {
	s.log.Error("session: telemetry stream permanently lost", zap.Error(err))
	_ = s.fanout.Close()
	s.status.Close()
}

// Close tears the session down: retries stop, subscriptions are released and
// the channel is closed.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.policy.Stop()
	err := s.conn.Close()
	_ = s.fanout.Close()
	s.status.Close()
	return err
}

func sameKeys(a, b []types.Topic) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Key() != b[i].Key() {
			return false
		}
	}
	return true
}
