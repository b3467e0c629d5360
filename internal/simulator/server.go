// Package simulator serves the server side of the telemetry contract: a
// WebSocket stream per session, a control endpoint and a health check, all
// backed by a PointStore whose values drift on a fixed tick.
package simulator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	fiberrecover "github.com/gofiber/fiber/v2/middleware/recover"
	fiberws "github.com/gofiber/websocket/v2"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"yqhp/hmi-sync/pkg/types"
)

// Config holds the simulator settings.
type Config struct {
	// Address is the listen address, e.g. ":8080".
	Address string
	// Tick is the period of value drift and batch publication.
	Tick time.Duration
	// SendBuffer is the per-session outbound queue capacity.
	SendBuffer int
	// AccessLog enables the request log middleware.
	AccessLog bool
}

// DefaultConfig returns a default simulator configuration.
func DefaultConfig() Config {
	return Config{
		Address:    ":8080",
		Tick:       time.Second,
		SendBuffer: 256,
	}
}

// Generator produces the next value of a point. known is false the first
// time a point is seen.
type Generator func(key types.TopicKey, prev float64, known bool) float64

// RandomWalk starts points in [0, 100) and moves them by at most step per tick.
func RandomWalk(step float64) Generator {
	return func(_ types.TopicKey, prev float64, known bool) float64 {
		if !known {
			return math.Round(rand.Float64()*10000) / 100
		}
		return math.Round((prev+(rand.Float64()-0.5)*2*step)*100) / 100
	}
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// WithClock sets the tick time source.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Server) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithGenerator replaces the value generator.
func WithGenerator(g Generator) Option {
	return func(s *Server) {
		if g != nil {
			s.gen = g
		}
	}
}

// Server is the telemetry simulator.
type Server struct {
	cfg   Config
	app   *fiber.App
	hub   *Hub
	store PointStore
	log   *zap.Logger
	clock clockwork.Clock
	gen   Generator

	mu   sync.Mutex
	held map[types.TopicKey]bool
}

// NewServer creates a simulator backed by store.
func NewServer(cfg Config, store PointStore, opts ...Option) *Server {
	defaults := DefaultConfig()
	if cfg.Address == "" {
		cfg.Address = defaults.Address
	}
	if cfg.Tick <= 0 {
		cfg.Tick = defaults.Tick
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaults.SendBuffer
	}

	s := &Server{
		cfg:   cfg,
		store: store,
		log:   zap.NewNop(),
		clock: clockwork.NewRealClock(),
		gen:   RandomWalk(0.5),
		held:  make(map[types.TopicKey]bool),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.hub = NewHub(store, s.log.Named("hub"), cfg.SendBuffer)
	s.app = fiber.New(fiber.Config{
		ErrorHandler:          customErrorHandler,
		AppName:               "HMI Telemetry Simulator",
		DisableStartupMessage: true,
		JSONEncoder:           sonic.ConfigStd.Marshal,
		JSONDecoder:           sonic.ConfigStd.Unmarshal,
	})
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.app.Use(fiberrecover.New(fiberrecover.Config{
		EnableStackTrace: true,
	}))
	if s.cfg.AccessLog {
		s.app.Use(fiberlogger.New(fiberlogger.Config{
			Format:     "${time} | ${status} | ${latency} | ${method} ${path}\n",
			TimeFormat: "2006-01-02 15:04:05",
		}))
	}
}

func (s *Server) setupRoutes() {
	s.app.Get("/api/v1/health", s.handleHealth)
	s.app.Post("/api/v1/control", s.handleControl)

	s.app.Use("/ws", func(c *fiber.Ctx) error {
		if fiberws.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	s.app.Get("/ws/:session_id", fiberws.New(s.hub.handleConnection))
}

// App returns the underlying Fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

// Hub returns the stream hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(types.HealthResponse{
		Status:    "healthy",
		Sessions:  s.hub.Sessions(),
		Timestamp: s.clock.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleControl(c *fiber.Ctx) error {
	var req types.CommandRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid command body: "+err.Error())
	}
	if err := req.Topic.Validate(); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	if !req.Topic.HasValue() {
		return fiber.NewError(fiber.StatusBadRequest, "command value is required")
	}
	value := *req.Topic.Value
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return c.JSON(types.CommandResponse{Accepted: false, Message: "value must be finite"})
	}

	key := req.Topic.Key()
	if err := s.store.Set(c.UserContext(), key, value); err != nil {
		return fmt.Errorf("store command value: %w", err)
	}
	s.mu.Lock()
	s.held[key] = true
	s.mu.Unlock()

	reached := s.hub.Broadcast(key, value)
	s.log.Info("simulator: command applied",
		zap.Stringer("point", key),
		zap.Float64("value", value),
		zap.String("action", req.Topic.Action),
		zap.Int("sessions", reached))

	return c.JSON(types.CommandResponse{
		Accepted: true,
		Message:  fmt.Sprintf("%s set to %s", key, req.Topic.FormatValue()),
	})
}

// Step drifts every registered point that was not set by a command and
// publishes one batch per session.
func (s *Server) Step(ctx context.Context) error {
	for _, key := range s.hub.AllKeys() {
		s.mu.Lock()
		held := s.held[key]
		s.mu.Unlock()
		if held {
			continue
		}
		prev, known, err := s.store.Get(ctx, key)
		if err != nil {
			return err
		}
		if err := s.store.Set(ctx, key, s.gen(key, prev, known)); err != nil {
			return err
		}
	}
	return s.hub.Publish(ctx)
}

func (s *Server) tickLoop(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			if err := s.Step(ctx); err != nil {
				s.log.Warn("simulator: tick failed", zap.Error(err))
			}
		}
	}
}

// Run listens on the configured address until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Address, err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the tick loop and serves ln until ctx ends.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.tickLoop(gctx)
	})
	g.Go(func() error {
		s.log.Info("simulator: listening", zap.String("address", ln.Addr().String()))
		if err := s.app.Listener(ln); err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.hub.Close()
		if err := s.app.ShutdownWithTimeout(5 * time.Second); err != nil {
			s.log.Debug("simulator: shutdown", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// customErrorHandler renders errors as ErrorResponse.
func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
		message = fe.Message
	}

	return c.Status(code).JSON(types.ErrorResponse{
		Error:   fmt.Sprintf("error_%d", code),
		Message: message,
	})
}
