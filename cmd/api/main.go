package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"signal-anchor/internal/api"
	"signal-anchor/internal/app"
	"signal-anchor/internal/config"
	"signal-anchor/internal/logger"
	"signal-anchor/internal/reconcile"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig("./configs")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log, err := logger.NewLogger(cfg.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if cfg.Logger.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := app.New(ctx, &cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize", zap.Error(err))
	}
	defer deps.Close()

	server := api.NewServer(cfg.Server, deps.Coordinator, api.Options{
		Proposals: deps.Proposals,
		Gatherer:  deps.Registry,
		Metrics:   deps.Metrics,
		Ready:     deps.Ready,
	}, log)
	server.Start()

	// The in-process sweep runs alongside the API unless a dedicated
	// reconciler binary is deployed.
	done := make(chan struct{})
	if cfg.Reconcile.Enabled {
		rec := reconcile.NewReconciler(deps.Coordinator, deps.Store, cfg.Reconcile, deps.Metrics, log)
		go func() {
			defer close(done)
			if err := rec.Run(ctx); err != nil {
				log.Error("Reconciler stopped", zap.Error(err))
			}
		}()
	} else {
		close(done)
	}

	<-ctx.Done()
	log.Info("Shutdown signal received, gracefully shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		log.Error("Failed to stop API server", zap.Error(err))
	}
	<-done
	log.Info("API has been shut down.")
}
