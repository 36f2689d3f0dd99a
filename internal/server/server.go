package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/florianilch/hcbridge/internal/command"
	"github.com/florianilch/hcbridge/internal/eventstream"
)

// DefaultHeartbeatInterval is how often idle SSE clients receive a comment.
const DefaultHeartbeatInterval = 30 * time.Second

// TokenStatus reports credential availability.
type TokenStatus interface {
	TokenAvailable() bool
}

// StreamStatus reports the event stream connection state.
type StreamStatus interface {
	State() eventstream.State
}

// CommandQueue accepts appliance commands.
type CommandQueue interface {
	Enqueue(cmd command.Command) (command.Command, error)
}

// Deps are the components the server reports on and forwards to.
type Deps struct {
	Token    TokenStatus
	Stream   StreamStatus
	Commands CommandQueue
	Events   *Broadcaster
	Gatherer prometheus.Gatherer

	// HeartbeatInterval defaults to DefaultHeartbeatInterval.
	HeartbeatInterval time.Duration
}

// Server is the local status and control endpoint.
type Server struct {
	deps   Deps
	router chi.Router
	server *http.Server
}

var _ http.Handler = (*Server)(nil)

// New builds the router. All Deps except HeartbeatInterval are required.
func New(deps Deps) (*Server, error) {
	switch {
	case deps.Token == nil:
		return nil, fmt.Errorf("missing token status")
	case deps.Stream == nil:
		return nil, fmt.Errorf("missing stream status")
	case deps.Commands == nil:
		return nil, fmt.Errorf("missing command queue")
	case deps.Events == nil:
		return nil, fmt.Errorf("missing event broadcaster")
	case deps.Gatherer == nil:
		return nil, fmt.Errorf("missing metrics gatherer")
	}
	if deps.HeartbeatInterval <= 0 {
		deps.HeartbeatInterval = DefaultHeartbeatInterval
	}

	s := &Server{deps: deps}

	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		Logging(slog.Default()),
		Recovery,
	)
	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	r.Get("/events", s.handleEvents)
	r.Post("/appliances/{haId}/commands", s.handleCommand)

	s.router = r
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Start listens on address and serves in the background. Listen errors are
// returned directly; later serve errors arrive on the channel, which is
// closed when the server stops. Call Shutdown to stop it.
func (s *Server) Start(ctx context.Context, address string) (<-chan error, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	s.server = &http.Server{
		Handler:     s,
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: /events responses stay open.
		IdleTimeout: 90 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		err := s.server.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	return errCh, nil
}

// Shutdown stops the server gracefully and closes it forcibly if ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	if err := s.server.Shutdown(ctx); err != nil {
		_ = s.server.Close()
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}
