package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/wsroute/internal/registry"
	"github.com/Tyrowin/wsroute/internal/router"
)

// ErrHubClosed is returned by Serve once Shutdown has begun.
var ErrHubClosed = errors.New("hub is shut down")

// Hub owns the session registry and router and runs one lifecycle per
// accepted connection.
type Hub struct {
	cfg      Config
	logger   *zap.Logger
	registry *registry.Registry
	router   *router.Router
	inbound  InboundHandler
	origins  *originPolicy
	upgrader websocket.Upgrader

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithInboundHandler sets the handler for text frames other than "ping".
func WithInboundHandler(handler InboundHandler) HubOption {
	return func(h *Hub) {
		if handler != nil {
			h.inbound = handler
		}
	}
}

// NewHub creates a Hub. The config is expected to be validated.
func NewHub(cfg Config, logger *zap.Logger, opts ...HubOption) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	reg := registry.New(logger.Named("registry"))
	h := &Hub{
		cfg:      cfg,
		logger:   logger,
		registry: reg,
		router: router.New(reg,
			router.WithLogger(logger.Named("router")),
			router.WithConcurrency(cfg.Router.Concurrency),
		),
		origins: newOriginPolicy(cfg.AllowedOrigins, logger),
		ctx:     ctx,
		cancel:  cancel,
	}
	h.inbound = LogInbound(logger)
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.origins.checkOrigin,
	}

	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Registry returns the hub's session registry.
func (h *Hub) Registry() *registry.Registry {
	return h.registry
}

// Router returns the hub's message router.
func (h *Hub) Router() *router.Router {
	return h.router
}

// Config returns a copy of the hub configuration.
func (h *Hub) Config() Config {
	return h.cfg
}

// track reserves a lifecycle slot. It fails once shutdown has begun.
func (h *Hub) track() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.wg.Add(1)
	return true
}

// Shutdown closes every open session with "going away" and waits for their
// lifecycles to finish deregistering, or for timeout.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()

	h.logger.Info("shutting down hub", zap.Int("sessions", h.registry.Len()))
	h.cancel()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.logger.Warn("hub shutdown timed out", zap.Int("remaining", h.registry.Len()))
		return context.DeadlineExceeded
	}
}
