package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"signal-anchor/internal/analysis"
	"signal-anchor/internal/config"
	"signal-anchor/internal/lifecycle"
	"signal-anchor/internal/metrics"
	"signal-anchor/internal/models"
	"signal-anchor/internal/portfolio"
	"signal-anchor/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Service is the lifecycle surface exposed over HTTP. *lifecycle.Coordinator implements it.
type Service interface {
	CreateAndAnchor(ctx context.Context, ownerID string, in store.CreateInput) (*models.Signal, lifecycle.AnchorOutcome, error)
	AnchorExisting(ctx context.Context, ownerID string, id uint64) (*models.Signal, lifecycle.AnchorOutcome, error)
	CloseSignal(ctx context.Context, ownerID string, id uint64, closingPrice float64, alsoCloseOnChain bool) (*models.Signal, lifecycle.CloseOutcome, error)
	CancelSignal(ctx context.Context, ownerID string, id uint64, alsoCloseOnChain bool) (*models.Signal, lifecycle.CloseOutcome, error)
	ExpireSignal(ctx context.Context, ownerID string, id uint64, alsoCloseOnChain bool) (*models.Signal, lifecycle.CloseOutcome, error)
	RetryCloseOnChain(ctx context.Context, ownerID string, id uint64) (*models.Signal, lifecycle.CloseOutcome, error)
	ListSignals(ctx context.Context, callerID string, filter store.ListFilter) ([]models.Signal, error)
	GetPortfolioStats(ctx context.Context, callerID string) (portfolio.Stats, error)
	ListAttempts(ctx context.Context, callerID string, id uint64) ([]models.ChainAttempt, error)
}

// Options carries the optional collaborators of a Server.
type Options struct {
	// Proposals backs POST /api/signals/from-proposal. Nil disables the route.
	Proposals analysis.ProposalSource
	// Gatherer backs GET /metrics. Nil disables the route.
	Gatherer prometheus.Gatherer
	Metrics  *metrics.Recorder
	// Ready is probed by GET /health.
	Ready func(ctx context.Context) error
}

// Server provides an HTTP interface for the signal lifecycle.
type Server struct {
	server  *http.Server
	engine  *gin.Engine
	service Service
	opts    Options
	logger  *zap.Logger
}

// NewServer creates a new Server and registers its routes.
func NewServer(cfg config.Server, service Service, opts Options, logger *zap.Logger) *Server {
	engine := gin.New()
	s := &Server{
		server: &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Port),
			Handler: engine,
		},
		engine:  engine,
		service: service,
		opts:    opts,
		logger:  logger.Named("api-server"),
	}

	engine.Use(gin.Recovery())
	engine.Use(MetricsMiddleware(opts.Metrics))
	engine.Use(LoggerMiddleware(s.logger))
	engine.Use(RequireOwnerMiddleware())
	s.register()
	return s
}

func (s *Server) register() {
	s.engine.GET("/health", s.health)
	if s.opts.Gatherer != nil {
		s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})))
	}

	signals := s.engine.Group("/api/signals")
	signals.POST("", s.createSignal)
	signals.GET("", s.listSignals)
	if s.opts.Proposals != nil {
		signals.POST("/from-proposal", s.createFromProposal)
	}
	signals.POST("/:id/anchor", s.anchorSignal)
	signals.POST("/:id/close", s.closeSignal)
	signals.POST("/:id/cancel", s.cancelSignal)
	signals.POST("/:id/expire", s.expireSignal)
	signals.POST("/:id/chain-close", s.retryChainClose)
	signals.GET("/:id/attempts", s.listAttempts)

	s.engine.GET("/api/portfolio", s.portfolioStats)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start runs the HTTP server in a new goroutine.
func (s *Server) Start() {
	s.logger.Info("Starting API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server failed", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping API server...")
	return s.server.Shutdown(ctx)
}

func (s *Server) health(c *gin.Context) {
	if s.opts.Ready != nil {
		if err := s.opts.Ready(c.Request.Context()); err != nil {
			s.logger.Warn("Readiness check failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
