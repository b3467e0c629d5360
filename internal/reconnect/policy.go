// Package reconnect drives bounded, fixed-interval reconnection of a session's
// telemetry channel after the connection is lost.
package reconnect

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"yqhp/hmi-sync/internal/metrics"
)

// ErrRetriesExhausted is reported once the attempt budget is spent.
var ErrRetriesExhausted = errors.New("reconnect: retry budget exhausted")

// Connector is the part of the transport the policy drives.
type Connector interface {
	Connect(ctx context.Context, sessionID string) error
	HasHandle() bool
}

// State of the policy.
type State int

const (
	// StateIdle means no reconnection is in progress.
	StateIdle State = iota
	// StateRetrying means the retry timer is running.
	StateRetrying
	// StateStopped is terminal: the budget was exhausted or Stop was called.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRetrying:
		return "retrying"
	default:
		return "stopped"
	}
}

// Config holds the retry bounds.
type Config struct {
	Interval    time.Duration
	MaxAttempts int
}

// DefaultConfig returns 10 attempts every 5 seconds.
func DefaultConfig() Config {
	return Config{Interval: 5 * time.Second, MaxAttempts: 10}
}

// Option configures a Policy.
type Option func(*Policy)

// WithClock replaces the time source.
func WithClock(clock clockwork.Clock) Option {
	return func(p *Policy) {
		if clock != nil {
			p.clock = clock
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(p *Policy) {
		if log != nil {
			p.log = log
		}
	}
}

// WithMetrics sets the metrics collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Policy) {
		p.metrics = m
	}
}

// OnExhausted registers the terminal hook, called once with the exhaustion error.
func OnExhausted(fn func(error)) Option {
	return func(p *Policy) {
		p.onExhausted = fn
	}
}

// Policy reacts to connection-loss events by retrying Connect on a fixed
// interval. A tick that finds a live channel handle ends the retry run; a tick
// that finds the budget spent stops the policy for good.
type Policy struct {
	cfg         Config
	conn        Connector
	sessionID   string
	clock       clockwork.Clock
	log         *zap.Logger
	metrics     *metrics.Metrics
	onExhausted func(error)

	mu       sync.Mutex
	state    State
	attempts int
	lastErr  error
	cancel   context.CancelFunc
	loopDone chan struct{}

	done     chan struct{}
	doneOnce sync.Once
	err      error
}

// New creates a policy for one session.
func New(cfg Config, conn Connector, sessionID string, opts ...Option) *Policy {
	defaults := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
	p := &Policy{
		cfg:       cfg,
		conn:      conn,
		sessionID: sessionID,
		clock:     clockwork.NewRealClock(),
		log:       zap.NewNop(),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// OnStatus handles one status event. A false event starts a retry run unless
// one is already active. It never blocks, so it can observe the status
// broadcaster directly.
func (p *Policy) OnStatus(connected bool) {
	if connected {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateIdle {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.state = StateRetrying
	p.cancel = cancel
	p.loopDone = make(chan struct{})
	p.log.Info("reconnect: connection lost, retrying",
		zap.String("session", p.sessionID),
		zap.Duration("interval", p.cfg.Interval),
		zap.Int("max_attempts", p.cfg.MaxAttempts))

	go p.retry(ctx, p.loopDone)
}

func (p *Policy) retry(ctx context.Context, loopDone chan struct{}) {
	defer close(loopDone)

	ticker := p.clock.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}

		if p.conn.HasHandle() {
			p.recovered()
			return
		}

		p.mu.Lock()
		if p.attempts >= p.cfg.MaxAttempts {
			p.mu.Unlock()
			p.exhaust()
			return
		}
		p.attempts++
		attempt := p.attempts
		p.mu.Unlock()

		p.metrics.ReconnectAttempt()
		p.log.Info("reconnect: attempt", zap.String("session", p.sessionID), zap.Int("attempt", attempt))

		if err := p.conn.Connect(ctx, p.sessionID); err != nil {
			p.mu.Lock()
			p.lastErr = err
			p.mu.Unlock()
			p.log.Debug("reconnect: attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		}
	}
}

func (p *Policy) recovered() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateRetrying {
		return
	}
	p.log.Info("reconnect: recovered", zap.String("session", p.sessionID), zap.Int("attempts", p.attempts))
	p.state = StateIdle
	p.attempts = 0
	p.lastErr = nil
	p.cancel()
}

func (p *Policy) exhaust() {
	p.mu.Lock()
	if p.state != StateRetrying {
		p.mu.Unlock()
		return
	}
	err := fmt.Errorf("%w after %d attempts", ErrRetriesExhausted, p.attempts)
	if p.lastErr != nil {
		err = fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, p.attempts, p.lastErr)
	}
	p.state = StateStopped
	p.cancel()
	p.mu.Unlock()

	p.log.Error("reconnect: giving up", zap.String("session", p.sessionID), zap.Error(err))
	p.metrics.RetriesExhausted()
	p.finish(err)
	if p.onExhausted != nil {
		p.onExhausted(err)
	}
}

func (p *Policy) finish(err error) {
	p.doneOnce.Do(func() {
		p.err = err
		close(p.done)
	})
}

// Stop cancels any retry run and disables further retries. It waits for an
// in-flight attempt to return.
func (p *Policy) Stop() {
	p.mu.Lock()
	if p.state == StateStopped {
		p.mu.Unlock()
		return
	}
	p.state = StateStopped
	loopDone := p.loopDone
	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Unlock()

	if loopDone != nil {
		<-loopDone
	}
	p.finish(nil)
}

// State returns the current state.
func (p *Policy) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Attempts returns the attempts made in the current retry run.
func (p *Policy) Attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}

// Done is closed when the policy stops, by exhaustion or by Stop.
func (p *Policy) Done() <-chan struct{} {
	return p.done
}

// Err returns ErrRetriesExhausted (wrapped) after exhaustion, nil otherwise.
func (p *Policy) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}
