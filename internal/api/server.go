package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/nerrad567/appservices/internal/infrastructure/config"
	"github.com/nerrad567/appservices/internal/infrastructure/logging"
	"github.com/nerrad567/appservices/internal/syncmanager"
)

// shutdownGrace bounds how long Close waits for in-flight requests.
const shutdownGrace = 10 * time.Second

// SyncService is the part of syncmanager.Manager the API drives.
type SyncService interface {
	Sync(ctx context.Context, req syncmanager.Request) (*syncmanager.Response, error)
	Enqueue(req syncmanager.Request) error
	Interrupt()
	Disconnect(ctx context.Context) error
	Status() syncmanager.Status
	LastResponse() *syncmanager.Response
	Engines() []syncmanager.EngineInfo
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Security config.SecurityConfig
	Logger   *logging.Logger
	Sync     SyncService

	// Hub is shared with the sync manager's BroadcastSink. A new one is
	// created if nil.
	Hub     *Hub
	Version string
}

// Server serves the status API and the telemetry stream.
type Server struct {
	cfg     config.APIConfig
	wsCfg   config.WebSocketConfig
	secCfg  config.SecurityConfig
	logger  *logging.Logger
	sync    SyncService
	version string

	hub         *Hub
	externalHub bool
	tickets     *ticketStore
	limiter     *rate.Limiter // nil when rate limiting is off

	server   *http.Server
	listener net.Listener
	cancel   context.CancelFunc
}

// New checks deps and builds a server. Nothing listens until Start.
func New(deps Deps) (*Server, error) {
	switch {
	case deps.Logger == nil:
		return nil, errors.New("api: logger is required")
	case deps.Sync == nil:
		return nil, errors.New("api: sync service is required")
	}

	s := &Server{
		cfg:     deps.Config,
		wsCfg:   deps.WS,
		secCfg:  deps.Security,
		logger:  deps.Logger,
		sync:    deps.Sync,
		version: deps.Version,
		tickets: newTicketStore(),
		limiter: newSyncLimiter(deps.Config.RateLimit),
	}
	if deps.Hub != nil {
		s.hub = deps.Hub
		s.externalHub = true
	} else {
		s.hub = NewHub(deps.WS, deps.Logger)
	}
	return s, nil
}

// newSyncLimiter converts the per-minute budget into a token bucket.
func newSyncLimiter(cfg config.RateLimitConfig) *rate.Limiter {
	if !cfg.Enabled || cfg.SyncsPerMinute <= 0 {
		return nil
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.SyncsPerMinute)), burst)
}

// Hub returns the server's WebSocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the router. Start serves it; tests use it directly.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start binds the listener and serves in the background until Close or
// until ctx is done. A port already in use is reported here.
func (s *Server) Start(ctx context.Context) error {
	srvCtx, cancel := context.WithCancel(ctx)

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		cancel()
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	s.cancel, s.listener = cancel, ln
	s.server = s.httpServer(srvCtx)

	if !s.externalHub {
		go s.hub.Run(srvCtx)
	}
	go s.cleanTicketsLoop(srvCtx)
	go s.serve(ln)
	return nil
}

// httpServer applies the api.timeouts section, given in seconds.
func (s *Server) httpServer(ctx context.Context) *http.Server {
	secs := func(n int) time.Duration { return time.Duration(n) * time.Second }
	t := s.cfg.Timeouts
	return &http.Server{
		Handler:           s.buildRouter(),
		ReadTimeout:       secs(t.Read),
		ReadHeaderTimeout: secs(t.Read),
		WriteTimeout:      secs(t.Write),
		IdleTimeout:       secs(t.Idle),
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
}

func (s *Server) serve(ln net.Listener) {
	var err error
	if tls := s.cfg.TLS; tls.Enabled {
		s.logger.Info("API server listening", "address", ln.Addr().String(), "tls", true, "cert", tls.CertFile)
		err = s.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
	} else {
		s.logger.Info("API server listening", "address", ln.Addr().String(), "tls", false)
		err = s.server.Serve(ln)
	}
	if !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("API server stopped", "error", err)
	}
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close stops the background loops and drains in-flight requests for up to
// shutdownGrace before dropping the rest.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	s.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck fails before Start and when ctx is done.
func (s *Server) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("api health check: %w", err)
	}
	if s.server == nil {
		return errors.New("api server not started")
	}
	return nil
}
