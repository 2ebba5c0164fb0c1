package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/cmdrelay/internal/events"
	"github.com/mattjoyce/cmdrelay/internal/protocol"
)

const (
	defaultDrainTimeout  = 30 * time.Second
	defaultStatusTimeout = 30 * time.Second
	maxBodyBytes         = 1 << 20
)

// Relay is what the HTTP transport needs from the relay core.
type Relay = protocol.Relay

// StatsProvider exposes queue figures for /healthz when the relay runs in
// this process.
type StatsProvider interface {
	QueueDepth() int
	Pending() int
}

// Config holds API server configuration
type Config struct {
	Listen string
	// DrainTimeout caps how long GET /messages/next may hold a request.
	DrainTimeout time.Duration
	// StatusTimeout bounds the wait in GET /status.
	StatusTimeout     time.Duration
	MaxConcurrentSync int
	// Mode is reported by /healthz.
	Mode string
}

// Server is the HTTP and WebSocket transport.
type Server struct {
	config        Config
	relay         Relay
	stats         StatsProvider
	hub           *events.Hub
	logger        *slog.Logger
	startedAt     time.Time
	syncSemaphore chan struct{}

	mu     sync.Mutex
	ln     net.Listener
	server *http.Server
}

// New creates a new API server instance
func New(config Config, relay Relay, logger *slog.Logger) *Server {
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = defaultDrainTimeout
	}
	if config.StatusTimeout <= 0 {
		config.StatusTimeout = defaultStatusTimeout
	}
	if config.MaxConcurrentSync <= 0 {
		config.MaxConcurrentSync = 10
	}
	s := &Server{
		config:        config,
		relay:         relay,
		hub:           events.NewHub(256),
		logger:        logger.With("component", "api"),
		startedAt:     time.Now(),
		syncSemaphore: make(chan struct{}, config.MaxConcurrentSync),
	}
	if sp, ok := relay.(StatsProvider); ok {
		s.stats = sp
	}
	return s
}

// Hub returns the hub feeding /events and /ws.
func (s *Server) Hub() *events.Hub {
	return s.hub
}

// Send hands a forwarded message to streaming clients.
func (s *Server) Send(ctx context.Context, message string) error {
	return s.hub.Send(ctx, message)
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Bind opens the listening socket so address conflicts surface before Serve.
func (s *Server) Bind() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.config.Listen, err)
	}
	s.ln = ln
	return nil
}

// Addr is the bound address, or "" before Bind.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Serve runs until ctx is cancelled. Request contexts derive from ctx so
// long-lived streams end with it.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.ln = nil
	s.server = &http.Server{
		Handler:           s.setupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	server := s.server
	s.mu.Unlock()
	if ln == nil {
		return fmt.Errorf("api server not bound")
	}

	s.logger.Info("API server starting", "listen", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/greet/{name}", s.handleGreet)
	r.Post("/command", s.handleCommand)
	r.Get("/messages", s.handleMessages)
	r.Get("/messages/next", s.handleNextMessage)
	r.Get("/status", s.handleStatus)
	r.Get("/events", s.handleEvents)
	r.Get("/ws", s.handleWS)

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
