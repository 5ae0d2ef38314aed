// Package gateway fronts the daemon: a small REST surface for probes
// and discovery, and the websocket endpoint that carries the RPC
// protocol everything else rides on.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	v1 "loom/api/v1"
	"loom/internal/config"
	"loom/internal/gateway/handlers"
	"loom/internal/gateway/middleware"
	"loom/internal/gateway/rpc"
	"loom/internal/gateway/websocket"
	"loom/pkg/logger"
)

// Server is the HTTP gateway. It owns the listener, the router, and the
// websocket hub's lifecycle.
type Server struct {
	cfg        *config.Config
	svc        Services
	httpServer *http.Server
	router     *mux.Router
	hub        *websocket.Hub
	dispatcher *rpc.Dispatcher
	hubStop    context.CancelFunc
	log        zerolog.Logger
}

// NewServer wires the RPC surface and routes over the given subsystems.
// Nil Services fields are tolerated; methods that need them answer
// NOT_AVAILABLE. A nil Hub gets a default one, which suits tests.
func NewServer(cfg *config.Config, svc Services) *Server {
	log := *logger.Component("gateway")

	if svc.Hub == nil {
		svc.Hub = websocket.NewHub(websocket.WithQueueSize(cfg.Server.EventQueueSize))
	}

	registry := rpc.NewRegistry()
	registerMethods(registry, &svc)

	dispatcher := rpc.NewDispatcher(registry,
		rpc.WithTimeout(cfg.Server.RequestTimeout),
		rpc.WithErrorMapper(codeFor),
		rpc.WithManager(managerOrchestrator, svc.Orchestrator),
		rpc.WithManager(managerMemory, svc.Memory),
		rpc.WithManager(managerWorkspace, svc.Workspace),
		rpc.WithManager(managerDevices, svc.Devices),
		rpc.WithManager(managerClients, svc.Clients),
	)
	cache := rpc.NewIdempotencyCache(cfg.Idempotency.Capacity, cfg.Idempotency.TTL)
	dispatcher.Use(
		rpc.Recovery(log),
		rpc.Logging(log),
		rpc.Idempotency(cache),
	)

	router := mux.NewRouter()
	handler := middleware.Recovery(middleware.Logging(middleware.CORS(router)))

	s := &Server{
		cfg:        cfg,
		svc:        svc,
		router:     router,
		hub:        svc.Hub,
		dispatcher: dispatcher,
		log:        log,
		httpServer: &http.Server{
			Handler:     handler,
			ReadTimeout: 60 * time.Second,
			IdleTimeout: 120 * time.Second,
		},
	}
	s.setupRoutes()
	return s
}

// setupRoutes binds the websocket endpoint and the REST surface.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/ws", websocket.ServeWS(s.hub, s.dispatcher.Dispatch))

	api := v1.NewRouter(&v1.RouterDeps{
		Orchestrator: s.svc.Orchestrator,
		Hub:          s.hub,
		Version:      s.svc.Build.Version,
		Commit:       s.svc.Build.Commit,
		BuildTime:    s.svc.Build.BuildTime,
	})
	api.RegisterRoutes(s.router)
}

// Start runs the hub and serves HTTP. It blocks until the listener
// closes.
func (s *Server) Start() error {
	handlers.InitStartTime()

	hubCtx, cancel := context.WithCancel(context.Background())
	s.hubStop = cancel
	go s.hub.Run(hubCtx)

	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.httpServer.Addr = addr

	s.log.Info().Str("addr", addr).Msg("starting gateway server")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown drains HTTP first, then stops the hub, so in-flight
// responses still reach their connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down gateway server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := s.httpServer.Shutdown(shutdownCtx)
	if s.hubStop != nil {
		s.hubStop()
	}
	if err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	return nil
}

// Router returns the HTTP router, for tests.
func (s *Server) Router() *mux.Router {
	return s.router
}

// Hub returns the websocket hub.
func (s *Server) Hub() *websocket.Hub {
	return s.hub
}

// Dispatcher returns the RPC dispatcher, for tests that drive the
// method surface without a socket.
func (s *Server) Dispatcher() *rpc.Dispatcher {
	return s.dispatcher
}
