package server

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/juju/clock"
)

// Deps are the collaborators a Server serves.
type Deps struct {
	Router   Router
	Verifier Verifier
	Service  Service
	Loaders  ScopeFactory
	Metrics  http.Handler           // Served on /metrics when set
	Health   map[string]HealthCheck // Components reported on /health
}

// Server serves the subscription endpoint and the HTTP API.
type Server struct {
	cfg      Config
	deps     Deps
	logger   *slog.Logger
	clock    clock.Clock
	observer Observer
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[*session]struct{}
	closed   bool
}

// Option configures a Server.
type Option func(*Server)

// WithClock sets the clock driving keep-alive frames and write deadlines.
func WithClock(c clock.Clock) Option {
	return func(s *Server) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithObserver registers a metrics observer.
func WithObserver(o Observer) Option {
	return func(s *Server) {
		if o != nil {
			s.observer = o
		}
	}
}

// WithCheckOrigin overrides the websocket origin check.
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(s *Server) {
		s.upgrader.CheckOrigin = fn
	}
}

// New creates a Server.
func New(cfg Config, deps Deps, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.RateBurst < 1 {
		cfg.RateBurst = def.RateBurst
	}
	if cfg.MaxSubscriptions < 1 {
		cfg.MaxSubscriptions = def.MaxSubscriptions
	}

	s := &Server{
		cfg:      cfg,
		deps:     deps,
		logger:   logger,
		clock:    clock.WallClock,
		observer: noopObserver{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		sessions: make(map[*session]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP handler for every route.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /subscriptions", s.serveSubscriptions)
	mux.Handle("GET /api/events", s.withScope(http.HandlerFunc(s.handleGetEvents)))
	mux.Handle("POST /api/events/{id}", s.withScope(http.HandlerFunc(s.handleUpdateEvent)))
	mux.Handle("POST /api/events/{id}/attend", s.withScope(http.HandlerFunc(s.handleAttend)))
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics)
	}
	return mux
}

// Sessions returns the number of open subscription connections.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Close ends every open session with a going-away close frame and rejects
// new ones. It waits for the sessions to finish.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	sessions := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.shutdown(websocket.CloseGoingAway, "server shutting down")
	}
	for _, sess := range sessions {
		<-sess.done
	}
}

func (s *Server) serveSubscriptions(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	sess := newSession(s, conn)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()

	s.observer.ConnectionOpened()
	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess)
		s.mu.Unlock()
		s.observer.ConnectionClosed()
	}()

	sess.run(r.Context())
}

type noopObserver struct{}

func (noopObserver) ConnectionOpened()    {}
func (noopObserver) ConnectionClosed()    {}
func (noopObserver) FrameReceived(string) {}
func (noopObserver) Violation(string)     {}
