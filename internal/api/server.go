package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/nerrad567/dorfbus/internal/bridges/relay"
	"github.com/nerrad567/dorfbus/internal/bus"
	"github.com/nerrad567/dorfbus/internal/executor"
	"github.com/nerrad567/dorfbus/internal/history"
	"github.com/nerrad567/dorfbus/internal/infrastructure/config"
	"github.com/nerrad567/dorfbus/internal/infrastructure/database"
	"github.com/nerrad567/dorfbus/internal/infrastructure/logging"
	"github.com/nerrad567/dorfbus/internal/infrastructure/mqtt"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// defaultProbeTimeout bounds a hardware version probe when the configuration
// leaves api.probe_timeout_ms unset.
const defaultProbeTimeout = 1500 * time.Millisecond

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Logger   *logging.Logger
	Executor *executor.Executor

	// BusStats reports coordinator counters. Optional.
	BusStats func() bus.Stats
	// History serves coil history. Optional; the endpoint answers 503 without it.
	History *history.Repository
	// DB is reported in metrics. Optional.
	DB *database.DB
	// MQTT is reported in metrics. Optional.
	MQTT *mqtt.Client
	// BridgeMetrics reports relay bridge counters. Optional.
	BridgeMetrics func() relay.BridgeMetrics

	GatewayID string
	Version   string
}

// Server is the HTTP API server of the gateway.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg           config.APIConfig
	wsCfg         config.WebSocketConfig
	logger        *logging.Logger
	exec          *executor.Executor
	busStats      func() bus.Stats
	history       *history.Repository
	db            *database.DB
	mqtt          *mqtt.Client
	bridgeMetrics func() relay.BridgeMetrics
	gatewayID     string
	version       string
	startTime     time.Time

	server   *http.Server
	listener net.Listener
	hub      *Hub
	cancel   context.CancelFunc
}

// New creates a new API server with the given dependencies.
//
// The WebSocket hub is registered as an executor listener immediately so that
// no state change is missed between construction and Start.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Executor == nil {
		return nil, fmt.Errorf("executor is required")
	}

	s := &Server{
		cfg:           deps.Config,
		wsCfg:         deps.WS,
		logger:        deps.Logger,
		exec:          deps.Executor,
		busStats:      deps.BusStats,
		history:       deps.History,
		db:            deps.DB,
		mqtt:          deps.MQTT,
		bridgeMetrics: deps.BridgeMetrics,
		gatewayID:     deps.GatewayID,
		version:       deps.Version,
		startTime:     time.Now(),
	}
	s.hub = NewHub(s.wsCfg, s.logger)
	s.exec.AddListener(s.hub)

	return s, nil
}

// Handler returns the fully wired router. Start uses it; tests may drive it
// directly through httptest.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start binds the listener and serves in a background goroutine. The hub runs
// until ctx is cancelled or Close is called.
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)
	go s.hub.Run(srvCtx)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		s.cancel()
		return fmt.Errorf("listening on %s: %w", s.server.Addr, err)
	}
	s.listener = ln

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", ln.Addr().String(),
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ServeTLS(ln, s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", ln.Addr().String())
			err = s.server.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound listen address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Port returns the bound TCP port, or the configured port before Start.
func (s *Server) Port() int {
	if s.listener == nil {
		return s.cfg.Port
	}
	if tcp, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return s.cfg.Port
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}

func (s *Server) probeTimeout() time.Duration {
	if s.cfg.ProbeTimeoutMS <= 0 {
		return defaultProbeTimeout
	}
	return time.Duration(s.cfg.ProbeTimeoutMS) * time.Millisecond
}
