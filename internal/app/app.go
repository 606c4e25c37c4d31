// Package app assembles the long-lived components shared by the binaries.
package app

import (
	"context"
	"errors"
	"fmt"

	"signal-anchor/internal/analysis"
	"signal-anchor/internal/api"
	"signal-anchor/internal/chain"
	"signal-anchor/internal/config"
	"signal-anchor/internal/database"
	"signal-anchor/internal/lifecycle"
	"signal-anchor/internal/metrics"
	"signal-anchor/internal/reconcile"
	"signal-anchor/internal/store"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ensure the coordinator serves both front ends
var (
	_ api.Service         = (*lifecycle.Coordinator)(nil)
	_ reconcile.Lifecycle = (*lifecycle.Coordinator)(nil)
	_ chain.Backend       = (*ethclient.Client)(nil)
)

// App holds the wired dependency graph.
type App struct {
	DB          *gorm.DB
	Store       *store.SignalStore
	Anchor      *chain.Anchor
	Coordinator *lifecycle.Coordinator
	Proposals   analysis.ProposalSource
	Registry    *prometheus.Registry
	Metrics     *metrics.Recorder

	eth    *ethclient.Client
	redis  *redis.Client
	logger *zap.Logger
}

// New connects to the database, the chain RPC and, when configured, Redis.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if cfg.Redis.Addr != "" {
		if err := lifecycle.CheckLockTTL(cfg.Redis.LockTTL, cfg.Chain.ConfirmTimeout); err != nil {
			return nil, err
		}
	}

	a := &App{logger: logger}

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = metrics.NewRecorder(a.Registry)

	db, err := database.NewDatabase(cfg.Database)
	if err != nil {
		return nil, err
	}
	a.DB = db
	logger.Info("Database connection successful and schema migrated.", zap.String("driver", cfg.Database.Driver))

	a.eth, err = ethclient.DialContext(ctx, cfg.Chain.RPCURL)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to dial chain rpc: %w", err)
	}
	a.Anchor, err = chain.NewAnchor(&cfg.Chain, a.eth, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create chain anchor: %w", err)
	}
	logger.Info("Chain anchor ready", zap.String("from", a.Anchor.From().Hex()))

	var locker lifecycle.Locker = lifecycle.NewKeyedMutex()
	if cfg.Redis.Addr != "" {
		a.redis, err = lifecycle.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			a.Close()
			return nil, err
		}
		locker = lifecycle.NewRedisLocker(a.redis, cfg.Redis, logger)
		logger.Info("Using redis signal claims", zap.String("addr", cfg.Redis.Addr))
	}

	a.Store = store.NewSignalStore(db, logger)
	a.Coordinator = lifecycle.NewCoordinator(a.Store, a.Anchor, locker, a.Metrics, cfg.Lifecycle, logger)
	if cfg.Analysis.BaseURL != "" {
		a.Proposals = analysis.NewClient(&cfg.Analysis, logger)
	}
	return a, nil
}

// Ready reports whether the database and Redis are reachable.
func (a *App) Ready(ctx context.Context) error {
	sqlDB, err := a.DB.DB()
	if err != nil {
		return err
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping: %w", err)
	}
	if a.redis != nil {
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
	}
	return nil
}

// Close releases every connection New opened.
func (a *App) Close() error {
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.eth != nil {
		a.eth.Close()
	}
	if a.DB != nil {
		errs = append(errs, database.Close(a.DB))
	}
	return errors.Join(errs...)
}
