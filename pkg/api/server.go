// Package api exposes the control plane over HTTP: channel webhook ingress,
// the control surface (reload, channels, dead-letter replay), health, and
// Prometheus metrics.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/openmu/mucp/pkg/adapters"
	"github.com/openmu/mucp/pkg/command"
	"github.com/openmu/mucp/pkg/generation"
	"github.com/openmu/mucp/pkg/outbox"
	"github.com/openmu/mucp/pkg/reload"
	"github.com/openmu/mucp/pkg/storage"
	"github.com/openmu/mucp/pkg/telemetry"
)

// Server holds the handler dependencies. Handlers are methods so tests can
// drive them directly through echo contexts.
type Server struct {
	adapters map[string]adapters.Adapter
	reloader *reload.Orchestrator
	sup      *generation.Supervisor
	outbox   *outbox.Store
	commands *command.Store
	metrics  *telemetry.Metrics
	paths    storage.Paths
	logger   *slog.Logger

	httpServer *http.Server
}

// NewServer creates the API server. Adapters are indexed by their channel
// name; the reloader and metrics may be nil in tests.
func NewServer(
	adapterList []adapters.Adapter,
	reloader *reload.Orchestrator,
	sup *generation.Supervisor,
	outboxStore *outbox.Store,
	commands *command.Store,
	metrics *telemetry.Metrics,
	paths storage.Paths,
) *Server {
	byChannel := make(map[string]adapters.Adapter, len(adapterList))
	for _, a := range adapterList {
		byChannel[a.Spec().Channel] = a
	}
	return &Server{
		adapters: byChannel,
		reloader: reloader,
		sup:      sup,
		outbox:   outboxStore,
		commands: commands,
		metrics:  metrics,
		paths:    paths,
		logger:   slog.Default().With("component", "api"),
	}
}

// Register wires all routes onto the echo instance.
func (s *Server) Register(e *echo.Echo) {
	e.Use(securityHeaders())

	e.POST("/webhooks/:channel", s.webhookHandler)
	e.GET("/health", s.healthHandler)
	if s.metrics != nil {
		e.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	}

	cp := e.Group("/api/control-plane")
	cp.POST("/reload", s.reloadHandler)
	cp.POST("/rollback", s.rollbackHandler)
	cp.GET("/generation", s.generationHandler)
	cp.GET("/channels", s.channelsHandler)
	cp.GET("/outbox/dead-letters", s.deadLettersHandler)
	cp.POST("/outbox/dead-letters/:id/replay", s.replayDeadLetterHandler)
}

// Start serves HTTP on addr and blocks until the listener closes.
func (s *Server) Start(addr string) error {
	e := echo.New()
	s.Register(e)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
