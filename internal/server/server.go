// Package server sets up the HTTP router, middleware, and request handlers.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/howard-nolan/avacore/internal/config"
	"github.com/howard-nolan/avacore/internal/dispatch"
	"github.com/howard-nolan/avacore/internal/metrics"
	"github.com/howard-nolan/avacore/internal/session"
)

// maxBodyBytes caps a chat request body, and a socket frame, at 1 MiB.
const maxBodyBytes = 1 << 20

// Server holds the HTTP router and all dependencies that handlers need.
// Everything here is either immutable after New or safe for concurrent
// use, so handlers never lock anything on the Server itself.
type Server struct {
	router     chi.Router
	dispatcher *dispatch.Dispatcher
	identity   config.Identity
	staticDir  string

	sessions *session.Manager
	hub      *Hub
	log      zerolog.Logger
	metrics  *metrics.Metrics
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger used for access lines and handler errors.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Server) {
		s.log = log
	}
}

// WithMetrics exposes m on /metrics and counts sockets with it.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// New creates a Server, wires up routes and middleware, and returns it
// ready to use as an http.Handler.
//
// The dispatcher is the only thing that talks to providers. The server only
// decodes requests, hands the message over and encodes whatever envelope
// comes back.
func New(cfg *config.Config, d *dispatch.Dispatcher, opts ...Option) *Server {
	s := &Server{
		dispatcher: d,
		identity:   cfg.Identity,
		staticDir:  cfg.Server.StaticDir,
		sessions:   session.NewManager(cfg.Server.SecretKey),
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.hub = NewHub(s.metrics)
	s.routes()
	return s
}

// routes builds the chi router with all middleware and route definitions.
// Every route the service has is declared here, once, so the routing table
// is easy to scan.
func (s *Server) routes() {
	r := chi.NewRouter()

	// --- Global middleware ---
	// Order matters. The request ID has to exist before anything logs, the
	// security headers go on before any handler can write, and the
	// recoverer sits innermost so the access log still sees the 500 it
	// produces.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(securityHeaders)
	r.Use(s.sessions.Middleware)
	r.Use(accessLog(s.log))
	r.Use(s.recoverer)

	// Unknown routes and methods get JSON, like everything else. Set
	// before the routes so /api inherits them.
	r.NotFound(s.handleNotFound)
	r.MethodNotAllowed(s.handleMethodNotAllowed)

	// --- Routes ---
	r.Get("/", s.handleIndex)
	r.Get("/static/*", s.handleStatic)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/status", s.handleStatus)
		r.Post("/chat", s.handleChat)
	})

	r.Get("/ws", s.handleWebSocket)

	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	s.router = r
}

// ServeHTTP makes Server satisfy the http.Handler interface. Every incoming
// request flows through this method, and we just delegate to chi's router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close disconnects every open socket. http.Server.Shutdown does not track
// hijacked connections, so main calls this alongside it.
func (s *Server) Close() {
	s.hub.Close()
}
