package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"signal-anchor/internal/config"
	"signal-anchor/internal/lifecycle"
	"signal-anchor/internal/metrics"
	"signal-anchor/internal/models"
	"signal-anchor/internal/store"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Lifecycle is the part of the coordinator the reconciler drives.
// *lifecycle.Coordinator implements it.
type Lifecycle interface {
	ReconcileAnchor(ctx context.Context, ownerID string, id uint64) (*models.Signal, lifecycle.AnchorOutcome, error)
	RetryCloseOnChain(ctx context.Context, ownerID string, id uint64) (*models.Signal, lifecycle.CloseOutcome, error)
	ExpireSignal(ctx context.Context, ownerID string, id uint64, alsoCloseOnChain bool) (*models.Signal, lifecycle.CloseOutcome, error)
}

// Report counts what one sweep did.
type Report struct {
	AnchorsResolved int `json:"anchorsResolved"`
	AnchorsPending  int `json:"anchorsPending"`
	AnchorsDropped  int `json:"anchorsDropped"`
	ClosesRetried   int `json:"closesRetried"`
	ClosesPending   int `json:"closesPending"`
	Expired         int `json:"expired"`
	Skipped         int `json:"skipped"`
	Errors          int `json:"errors"`
}

// Reconciler repairs signals whose store and registry views have drifted apart.
type Reconciler struct {
	lifecycle Lifecycle
	store     *store.SignalStore
	cfg       config.Reconcile
	metrics   *metrics.Recorder
	logger    *zap.Logger
	now       func() time.Time
}

// NewReconciler creates a new Reconciler.
func NewReconciler(lc Lifecycle, st *store.SignalStore, cfg config.Reconcile, rec *metrics.Recorder, logger *zap.Logger) *Reconciler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Reconciler{
		lifecycle: lc,
		store:     st,
		cfg:       cfg,
		metrics:   rec,
		logger:    logger.Named("reconciler"),
		now:       time.Now,
	}
}

// Run sweeps on the configured schedule until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	c := cron.New(
		cron.WithSeconds(),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{r.logger.Sugar()})),
	)
	if _, err := c.AddFunc(r.cfg.Schedule, func() { r.sweepAndLog(ctx) }); err != nil {
		return fmt.Errorf("invalid reconcile schedule %q: %w", r.cfg.Schedule, err)
	}

	r.logger.Info("Starting reconciler", zap.String("schedule", r.cfg.Schedule))
	c.Start()
	<-ctx.Done()
	r.logger.Info("Stopping reconciler...")
	<-c.Stop().Done()
	return nil
}

func (r *Reconciler) sweepAndLog(ctx context.Context) {
	report, err := r.Sweep(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Error("Sweep failed", zap.Error(err))
		return
	}
	r.logger.Info("Sweep finished", zap.Any("report", report))
}

// Sweep runs one reconciliation pass: unknown anchors, then incomplete
// on-chain closes, then expiry of stale open signals.
func (r *Reconciler) Sweep(ctx context.Context) (Report, error) {
	var (
		mu     sync.Mutex
		report Report
	)
	count := func(f func(*Report)) {
		mu.Lock()
		f(&report)
		mu.Unlock()
	}

	if err := r.sweepAnchors(ctx, count); err != nil {
		return report, err
	}
	if err := r.sweepCloses(ctx, count); err != nil {
		return report, err
	}
	if err := r.sweepExpired(ctx, count); err != nil {
		return report, err
	}
	return report, nil
}

func (r *Reconciler) sweepAnchors(ctx context.Context, count func(func(*Report))) error {
	disabled := false
	items, err := r.store.List(ctx, store.ListFilter{
		ChainStatuses: []models.ChainStatus{models.ChainAnchorUnknown},
		Enabled:       &disabled,
		Limit:         r.cfg.BatchSize,
	})
	if err != nil {
		return fmt.Errorf("failed to list unknown anchors: %w", err)
	}

	return r.fanOut(ctx, items, func(ctx context.Context, sig models.Signal) {
		_, outcome, err := r.lifecycle.ReconcileAnchor(ctx, sig.OwnerID, sig.ID)
		switch {
		case err != nil:
			r.logger.Warn("Failed to reconcile anchor", zap.Uint64("signal_id", sig.ID), zap.Error(err))
			r.metrics.ReconcileAction("anchor", "error")
			count(func(rep *Report) { rep.Errors++ })
		case outcome.Status == lifecycle.AnchorAnchored:
			r.metrics.ReconcileAction("anchor", "resolved")
			count(func(rep *Report) { rep.AnchorsResolved++ })
		case outcome.Unknown:
			r.metrics.ReconcileAction("anchor", "pending")
			count(func(rep *Report) { rep.AnchorsPending++ })
		default:
			// Dropped; the signal is back to anchor_failed and can be re-anchored.
			r.metrics.ReconcileAction("anchor", "dropped")
			count(func(rep *Report) { rep.AnchorsDropped++ })
		}
	})
}

func (r *Reconciler) sweepCloses(ctx context.Context, count func(func(*Report))) error {
	enabled := true
	items, err := r.store.List(ctx, store.ListFilter{
		ChainStatuses: []models.ChainStatus{models.ChainCloseFailed, models.ChainCloseUnknown},
		Enabled:       &enabled,
		Limit:         r.cfg.BatchSize,
	})
	if err != nil {
		return fmt.Errorf("failed to list incomplete closes: %w", err)
	}

	return r.fanOut(ctx, items, func(ctx context.Context, sig models.Signal) {
		if !sig.Status.Terminal() {
			return
		}
		if r.cfg.MaxCloseAttempts > 0 {
			attempts, err := r.store.CountAttempts(ctx, sig.ID, models.AttemptClose)
			if err != nil {
				r.logger.Warn("Failed to count close attempts", zap.Uint64("signal_id", sig.ID), zap.Error(err))
				count(func(rep *Report) { rep.Errors++ })
				return
			}
			if attempts >= int64(r.cfg.MaxCloseAttempts) {
				r.metrics.ReconcileAction("close", "skipped")
				count(func(rep *Report) { rep.Skipped++ })
				return
			}
		}

		_, outcome, err := r.lifecycle.RetryCloseOnChain(ctx, sig.OwnerID, sig.ID)
		switch {
		case err != nil:
			r.logger.Warn("Failed to retry on-chain close", zap.Uint64("signal_id", sig.ID), zap.Error(err))
			r.metrics.ReconcileAction("close", "error")
			count(func(rep *Report) { rep.Errors++ })
		case outcome.Closed:
			r.metrics.ReconcileAction("close", "closed")
			count(func(rep *Report) { rep.ClosesRetried++ })
		default:
			r.metrics.ReconcileAction("close", "pending")
			count(func(rep *Report) { rep.ClosesPending++ })
		}
	})
}

func (r *Reconciler) sweepExpired(ctx context.Context, count func(func(*Report))) error {
	if r.cfg.ExpireAfter <= 0 {
		return nil
	}
	cutoff := r.now().Add(-r.cfg.ExpireAfter)
	items, err := r.store.List(ctx, store.ListFilter{
		Status:        models.StatusOpen,
		CreatedBefore: &cutoff,
		Limit:         r.cfg.BatchSize,
	})
	if err != nil {
		return fmt.Errorf("failed to list stale signals: %w", err)
	}

	return r.fanOut(ctx, items, func(ctx context.Context, sig models.Signal) {
		_, _, err := r.lifecycle.ExpireSignal(ctx, sig.OwnerID, sig.ID, r.cfg.CloseOnChainOnExpiry)
		if err != nil {
			// Closed or cancelled by its owner since the listing.
			if errors.Is(err, store.ErrInvalidState) {
				count(func(rep *Report) { rep.Skipped++ })
				return
			}
			r.logger.Warn("Failed to expire signal", zap.Uint64("signal_id", sig.ID), zap.Error(err))
			r.metrics.ReconcileAction("expire", "error")
			count(func(rep *Report) { rep.Errors++ })
			return
		}
		r.metrics.ReconcileAction("expire", "expired")
		count(func(rep *Report) { rep.Expired++ })
	})
}

// fanOut runs fn for every signal with bounded concurrency. Per-signal
// failures are counted by fn; only cancellation stops the pass.
func (r *Reconciler) fanOut(ctx context.Context, items []models.Signal, fn func(context.Context, models.Signal)) error {
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(r.cfg.Concurrency)
	for _, sig := range items {
		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				return err
			}
			fn(egCtx, sig)
			return nil
		})
	}
	return eg.Wait()
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
