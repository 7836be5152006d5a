package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/cuemby/seedhost/pkg/events"
	"github.com/cuemby/seedhost/pkg/log"
	"github.com/cuemby/seedhost/pkg/metrics"
	"github.com/cuemby/seedhost/pkg/storage"
	"github.com/cuemby/seedhost/pkg/stream"
	"github.com/cuemby/seedhost/pkg/tasks"
	"github.com/cuemby/seedhost/pkg/types"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const defaultHeartbeat = 15 * time.Second

// Orchestrator manages a user's node containers
type Orchestrator interface {
	EnsureActive(ctx context.Context, user *types.User) (*types.Node, error)
	StartContainers(ctx context.Context, user *types.User) error
	StopContainers(ctx context.Context, user *types.User) error
}

// EventSource opens live node event subscriptions
type EventSource interface {
	Subscribe(ctx context.Context, userKey, containerRef string, filter *stream.Filter) (*stream.Subscription, error)
}

// StatusMonitor starts status polling for a node
type StatusMonitor interface {
	Start(node types.Node) func()
}

// StatusBus delivers status changes for a node
type StatusBus interface {
	SubscribeNode(nodeID string, fn events.Listener) func()
}

// Options wires the server to the rest of the service
type Options struct {
	Store        storage.Store
	Auth         Authenticator
	Orchestrator Orchestrator
	Events       EventSource
	Monitor      StatusMonitor
	Bus          StatusBus
	Tasks        *tasks.Group

	// Heartbeat is the keep-alive interval of streaming responses
	Heartbeat time.Duration
}

// Server is the HTTP front end: node operations, event and status streams,
// health and metrics.
type Server struct {
	opts       Options
	router     chi.Router
	logger     zerolog.Logger
	upgrader   websocket.Upgrader
	httpServer *http.Server
}

// NewServer creates a server
func NewServer(opts Options) *Server {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = defaultHeartbeat
	}
	if opts.Auth == nil {
		opts.Auth = &TokenAuthenticator{Store: opts.Store}
	}

	s := &Server{
		opts:   opts,
		logger: log.WithComponent("api"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // Bearer token auth, no cookies
			},
		},
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/health", metrics.HealthHandler())
	r.Get("/ready", metrics.ReadyHandler())
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.requireUser)

		r.Get("/node", s.handleGetNode)
		r.Post("/node/activate", s.handleActivate)
		r.Post("/node/start", s.handleStart)
		r.Post("/node/stop", s.handleStop)

		r.Get("/events", s.handleEvents)
		r.Get("/events/ws", s.handleEventsWS)
		r.Get("/nodes/{nodeID}/status", s.handleNodeStatus)
	})

	s.router = r
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves on addr until Shutdown
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	metrics.RegisterComponent("api", true, "")
	s.logger.Info().Str("addr", addr).Msg("API server listening")

	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	metrics.RegisterComponent("api", false, err.Error())
	return err
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	metrics.RegisterComponent("api", false, "shutting down")
	return s.httpServer.Shutdown(ctx)
}

// requireUser authenticates the request and stores the user in its context
func (s *Server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := s.opts.Auth.Authenticate(r)
		if err != nil {
			if !errors.Is(err, ErrUnauthorized) {
				s.logger.Error().Err(err).Msg("Authentication failed")
			}
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(withUser(r.Context(), user)))
	})
}

// logRequests logs each request once it completes
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("Request")
	})
}
