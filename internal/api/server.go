// Package api exposes the engine's HTTP surface: health, Prometheus metrics,
// the two WebSocket upgrade endpoints and a small JSON API for signals,
// positions and manual debate triggers.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/quorumtrade/quorum/internal/config"
	"github.com/quorumtrade/quorum/internal/signal"
	"github.com/quorumtrade/quorum/internal/supervisor"
	"github.com/quorumtrade/quorum/internal/ws"
)

// Debater triggers debates (debate.Orchestrator)
type Debater interface {
	RunDebate(ctx context.Context, symbol, trigger string) (*signal.Signal, error)
}

// SignalReader serves persisted signals (store.SignalStore)
type SignalReader interface {
	Recent(ctx context.Context, symbol string, limit int) ([]*signal.Signal, error)
	Get(ctx context.Context, id int64) (*signal.Signal, error)
}

// PositionSource serves supervised position state (supervisor.Supervisor)
type PositionSource interface {
	Snapshot(markOf func(symbol string) float64) []*supervisor.PositionEvent
}

// Deps carries everything the server routes to
type Deps struct {
	Debater   Debater
	Signals   SignalReader
	Positions PositionSource
	MarketHub *ws.Hub
	SignalHub *ws.Hub
	MarkOf    func(symbol string) float64
}

// Server is the engine's HTTP front
type Server struct {
	router   *gin.Engine
	deps     Deps
	addr     string
	server   *http.Server
	upgrader websocket.Upgrader
	logger   zerolog.Logger
	started  time.Time
}

// NewServer builds the router. Nothing listens until Start.
func NewServer(cfg config.APIConfig, deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(loggerMiddleware())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	s := &Server{
		router: router,
		deps:   deps,
		addr:   cfg.GetAPIAddr(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger:  config.NewLogger("api"),
		started: time.Now(),
	}
	s.setupRoutes()
	return s
}

// Handler exposes the router for tests
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until the listener fails or Stop is called
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Str("addr", s.addr).Msg("Starting API server")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Stop drains in-flight requests
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info().Msg("Stopping API server")
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/ws/market", s.handleUpgrade(s.deps.MarketHub))
	s.router.GET("/ws/signals", s.handleUpgrade(s.deps.SignalHub))

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/debate/:symbol", s.handleDebate)
		v1.GET("/signals", s.handleSignals)
		v1.GET("/signals/:id", s.handleSignal)
		v1.GET("/positions", s.handlePositions)
	}
}

func loggerMiddleware() gin.HandlerFunc {
	logger := config.NewLogger("api")
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		event := logger.Info().
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP())
		if len(c.Errors) > 0 {
			event.Str("errors", c.Errors.String())
		}
		event.Msg("API request")
	}
}
