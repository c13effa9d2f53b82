// Package server implements the chat relay: admission of named TCP clients,
// the per-connection session loop and routing between sessions.
package server

import (
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/NicolasHaas/chatrelay/pkg/event"
)

// Dependencies holds external collaborators for the server.
type Dependencies struct {
	Events event.Sink   // observability events; nil discards them
	Logger *slog.Logger // diagnostics; nil uses slog.Default()
}

// Server is one relay instance. Every instance owns its own listener,
// registry and locks.
type Server struct {
	cfg      Config
	registry *Registry
	router   *Router
	metrics  *Metrics
	events   event.Sink
	log      *slog.Logger

	mu          sync.Mutex // guards the fields below up to acceptDone
	listener    net.Listener
	handshaking net.Conn // connection currently being admitted
	serving     bool
	closing     bool
	acceptDone  chan struct{}

	sessions     sync.WaitGroup
	shutdownOnce sync.Once
	stopped      chan struct{}
}

// New creates a new Server instance.
func New(cfg Config, deps Dependencies) *Server {
	events := deps.Events
	if events == nil {
		events = event.Discard
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "relay")

	metrics := NewMetrics()
	registry := NewRegistry(cfg.MaxClients, SessionOptions{
		WriteTimeout: cfg.WriteTimeout,
		RateLimit:    cfg.RateLimit,
	})
	return &Server{
		cfg:        cfg,
		registry:   registry,
		router:     NewRouter(registry, events, metrics, logger.With("component", "router")),
		metrics:    metrics,
		events:     events,
		log:        logger,
		acceptDone: make(chan struct{}),
		stopped:    make(chan struct{}),
	}
}

// Registry returns the session registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Metrics returns the server metrics.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Listen binds the configured address.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return fmt.Errorf("server: listen: %w", net.ErrClosed)
	}
	if s.listener != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.ListenAddr())
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	s.listener = ln
	s.log.Info("relay listening", "addr", ln.Addr().String(), "max_clients", s.cfg.MaxClients)
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}
