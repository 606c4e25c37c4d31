package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"signal-anchor/internal/app"
	"signal-anchor/internal/config"
	"signal-anchor/internal/logger"
	"signal-anchor/internal/reconcile"

	"go.uber.org/zap"
)

func main() {
	once := flag.Bool("once", false, "run a single sweep and exit")
	flag.Parse()

	// Load application configuration
	cfg, err := config.LoadConfig("./configs")
	if err != nil {
		// We can't use the logger here because it's not initialized yet.
		panic(fmt.Sprintf("could not load config: %v", err))
	}

	// Initialize logger
	log, err := logger.NewLogger(cfg.Logger)
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	log.Info("Configuration loaded")

	// Setup context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigchan := make(chan os.Signal, 1)
		signal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)
		<-sigchan
		log.Info("Shutdown signal received, gracefully shutting down...")
		cancel()
	}()

	deps, err := app.New(ctx, &cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize", zap.Error(err))
	}
	defer deps.Close()

	rec := reconcile.NewReconciler(deps.Coordinator, deps.Store, cfg.Reconcile, deps.Metrics, log)
	if *once {
		report, err := rec.Sweep(ctx)
		if err != nil {
			log.Fatal("Sweep failed", zap.Error(err))
		}
		log.Info("Sweep finished", zap.Any("report", report))
		return
	}

	if err := rec.Run(ctx); err != nil {
		log.Fatal("Reconciler failed", zap.Error(err))
	}
	log.Info("Reconciler has been shut down.")
}
