package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"signal-anchor/internal/chain"
	"signal-anchor/internal/config"
	"signal-anchor/internal/metrics"
	"signal-anchor/internal/models"
	"signal-anchor/internal/portfolio"
	"signal-anchor/internal/store"

	"go.uber.org/zap"
)

// ChainAnchor is the registry client the coordinator drives. *chain.Anchor implements it.
type ChainAnchor interface {
	Anchor(ctx context.Context, sig *models.Signal) (*chain.Receipt, error)
	CloseOnChain(ctx context.Context, chainID uint64) (*chain.Receipt, error)
	LookupReceipt(ctx context.Context, txHash string) (*chain.Receipt, error)
	ReadSignal(ctx context.Context, chainID uint64) (*chain.RegistryRecord, error)
}

type AnchorStatus string

const (
	AnchorAnchored AnchorStatus = "anchored"
	AnchorFailed   AnchorStatus = "failed"
)

// AnchorOutcome reports how an anchoring attempt ended. A failed outcome is
// not an error: the signal is persisted either way.
type AnchorOutcome struct {
	Status    AnchorStatus `json:"status"`
	ChainID   *uint64      `json:"chainId,omitempty"`
	TxHash    string       `json:"txHash,omitempty"`
	Reason    string       `json:"reason,omitempty"`
	Retryable bool         `json:"retryable"`
	Unknown   bool         `json:"unknown"`
	Err       error        `json:"-"`
}

// CloseOutcome reports the on-chain leg of a terminal transition.
type CloseOutcome struct {
	Attempted bool   `json:"attempted"`
	Closed    bool   `json:"closed"`
	TxHash    string `json:"txHash,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Retryable bool   `json:"retryable"`
	Unknown   bool   `json:"unknown"`
	Err       error  `json:"-"`
}

// Coordinator sequences signal lifecycle operations across the store and the registry.
type Coordinator struct {
	store    *store.SignalStore
	anchor   ChainAnchor
	locker   Locker
	metrics  *metrics.Recorder
	logger   *zap.Logger
	pageSize int
	now      func() time.Time
}

func NewCoordinator(st *store.SignalStore, anchor ChainAnchor, locker Locker, rec *metrics.Recorder, cfg config.Lifecycle, logger *zap.Logger) *Coordinator {
	if locker == nil {
		locker = NewKeyedMutex()
	}
	pageSize := cfg.PortfolioPageSize
	if pageSize <= 0 {
		pageSize = 200
	}
	return &Coordinator{
		store:    st,
		anchor:   anchor,
		locker:   locker,
		metrics:  rec,
		logger:   logger.Named("lifecycle"),
		pageSize: pageSize,
		now:      time.Now,
	}
}

// CreateAndAnchor persists a new signal and anchors it. The signal is
// returned even when anchoring fails; AnchorExisting can retry it later.
func (c *Coordinator) CreateAndAnchor(ctx context.Context, ownerID string, in store.CreateInput) (*models.Signal, AnchorOutcome, error) {
	sig, err := c.store.Create(ctx, ownerID, in)
	if err != nil {
		return nil, AnchorOutcome{}, err
	}
	c.metrics.Transition(string(models.StatusOpen))

	unlock, err := c.locker.Lock(ctx, claimKey(sig.ID))
	if err != nil {
		return sig, AnchorOutcome{Status: AnchorFailed, Reason: err.Error(), Retryable: true, Err: err}, nil
	}
	defer unlock()

	return c.anchorSignal(ctx, sig)
}

// AnchorExisting anchors a stored signal that is Open and not yet anchored.
func (c *Coordinator) AnchorExisting(ctx context.Context, ownerID string, id uint64) (*models.Signal, AnchorOutcome, error) {
	unlock, err := c.locker.Lock(ctx, claimKey(id))
	if err != nil {
		return nil, AnchorOutcome{}, err
	}
	defer unlock()

	sig, err := c.store.Get(ctx, ownerID, id)
	if err != nil {
		return nil, AnchorOutcome{}, err
	}
	if sig.Enabled {
		return nil, AnchorOutcome{}, stateError(sig, "anchor", "signal is already anchored")
	}
	if sig.Status != models.StatusOpen {
		return nil, AnchorOutcome{}, stateError(sig, "anchor", "only open signals can be anchored")
	}

	// A previous attempt may have landed. Resubmitting blindly would create a
	// second registry entry.
	if sig.ChainStatus == models.ChainAnchorUnknown && sig.AnchorTxHash != nil {
		if resolved, outcome, done := c.resolveUnknownAnchor(ctx, sig); done {
			return resolved, outcome, nil
		}
	}
	return c.anchorSignal(ctx, sig)
}

// ReconcileAnchor resolves an anchor_unknown signal from its recorded
// transaction without submitting anything.
func (c *Coordinator) ReconcileAnchor(ctx context.Context, ownerID string, id uint64) (*models.Signal, AnchorOutcome, error) {
	unlock, err := c.locker.Lock(ctx, claimKey(id))
	if err != nil {
		return nil, AnchorOutcome{}, err
	}
	defer unlock()

	sig, err := c.store.Get(ctx, ownerID, id)
	if err != nil {
		return nil, AnchorOutcome{}, err
	}
	if sig.Enabled {
		return sig, AnchorOutcome{Status: AnchorAnchored, ChainID: sig.ChainID, TxHash: deref(sig.AnchorTxHash)}, nil
	}
	if sig.ChainStatus != models.ChainAnchorUnknown || sig.AnchorTxHash == nil {
		return nil, AnchorOutcome{}, stateError(sig, "reconcile", "no unresolved anchor transaction")
	}

	if resolved, outcome, done := c.resolveUnknownAnchor(ctx, sig); done {
		return resolved, outcome, nil
	}

	// The transaction never took effect, so a fresh attempt is safe.
	reason := fmt.Sprintf("anchor transaction %s did not take effect", *sig.AnchorTxHash)
	updated := c.recordState(ctx, sig, store.ChainState{Status: models.ChainAnchorFailed, LastError: &reason})
	return updated, AnchorOutcome{Status: AnchorFailed, TxHash: *sig.AnchorTxHash, Reason: reason, Retryable: true}, nil
}

func (c *Coordinator) anchorSignal(ctx context.Context, sig *models.Signal) (*models.Signal, AnchorOutcome, error) {
	if pending, err := c.store.RecordChainState(ctx, sig.OwnerID, sig.ID, store.ChainState{Status: models.ChainAnchorPending}); err == nil {
		sig = pending
	} else {
		return sig, AnchorOutcome{Status: AnchorFailed, Reason: err.Error(), Retryable: true, Err: err}, nil
	}

	started := c.now()
	receipt, err := c.anchor.Anchor(ctx, sig)
	c.metrics.ChainLatency(string(models.AttemptAnchor), c.now().Sub(started))
	if err != nil {
		return c.anchorFailed(ctx, sig, models.AttemptAnchor, err)
	}
	return c.commitAnchor(ctx, sig, receipt, models.AttemptAnchor)
}

// commitAnchor flips enabled and records the chain id. This store update is
// the commit point of anchoring.
func (c *Coordinator) commitAnchor(ctx context.Context, sig *models.Signal, receipt *chain.Receipt, kind models.AttemptKind) (*models.Signal, AnchorOutcome, error) {
	bg := context.WithoutCancel(ctx)
	enabled := true
	updated, err := c.store.Update(bg, sig.OwnerID, sig.ID, store.Patch{Enabled: &enabled, ChainID: receipt.ChainID})
	if err != nil {
		reason := fmt.Sprintf("anchored on chain as %d but the store commit failed: %v", *receipt.ChainID, err)
		c.logger.Error("Failed to commit anchor",
			zap.Uint64("signal_id", sig.ID),
			zap.Uint64("chain_id", *receipt.ChainID),
			zap.String("tx_hash", receipt.TxHash),
			zap.Error(err),
		)
		marked := c.recordState(ctx, sig, store.ChainState{
			Status:       models.ChainAnchorUnknown,
			LastError:    &reason,
			AnchorTxHash: &receipt.TxHash,
		})
		c.recordAttempt(ctx, sig.ID, kind, models.OutcomeUnknown, receipt, reason)
		c.metrics.ChainTx(string(kind), string(models.OutcomeUnknown))
		return marked, AnchorOutcome{
			Status:    AnchorFailed,
			ChainID:   receipt.ChainID,
			TxHash:    receipt.TxHash,
			Reason:    reason,
			Retryable: true,
			Unknown:   true,
			Err:       err,
		}, nil
	}

	updated = c.recordState(ctx, updated, store.ChainState{Status: models.ChainAnchored, AnchorTxHash: &receipt.TxHash})
	c.recordAttempt(ctx, sig.ID, kind, models.OutcomeConfirmed, receipt, "")
	c.metrics.ChainTx(string(kind), string(models.OutcomeConfirmed))
	c.logger.Info("Signal anchored",
		zap.Uint64("signal_id", sig.ID),
		zap.Uint64("chain_id", *receipt.ChainID),
		zap.String("tx_hash", receipt.TxHash),
	)
	return updated, AnchorOutcome{Status: AnchorAnchored, ChainID: receipt.ChainID, TxHash: receipt.TxHash}, nil
}

func (c *Coordinator) anchorFailed(ctx context.Context, sig *models.Signal, kind models.AttemptKind, err error) (*models.Signal, AnchorOutcome, error) {
	cl := classify(err)
	status := models.ChainAnchorFailed
	if cl.unknown {
		status = models.ChainAnchorUnknown
	}
	reason := err.Error()
	st := store.ChainState{Status: status, LastError: &reason}
	if cl.txHash != "" {
		st.AnchorTxHash = &cl.txHash
	}

	updated := c.recordState(ctx, sig, st)
	c.recordAttempt(ctx, sig.ID, kind, cl.outcome, &chain.Receipt{TxHash: cl.txHash}, reason)
	c.metrics.ChainTx(string(kind), string(cl.outcome))
	c.logger.Warn("Anchoring failed",
		zap.Uint64("signal_id", sig.ID),
		zap.String("tx_hash", cl.txHash),
		zap.Bool("retryable", cl.retryable),
		zap.Bool("unknown", cl.unknown),
		zap.Error(err),
	)
	return updated, AnchorOutcome{
		Status:    AnchorFailed,
		TxHash:    cl.txHash,
		Reason:    reason,
		Retryable: cl.retryable,
		Unknown:   cl.unknown,
		Err:       err,
	}, nil
}

// resolveUnknownAnchor looks up the recorded anchor transaction. done is
// false only when the transaction provably never took effect.
func (c *Coordinator) resolveUnknownAnchor(ctx context.Context, sig *models.Signal) (*models.Signal, AnchorOutcome, bool) {
	txHash := *sig.AnchorTxHash
	receipt, err := c.anchor.LookupReceipt(ctx, txHash)
	switch {
	case err == nil && receipt.ChainID != nil && receipt.StoreID == storeID(sig):
		updated, outcome, _ := c.commitAnchor(ctx, sig, receipt, models.AttemptReconcile)
		return updated, outcome, true

	case err == nil:
		reason := fmt.Sprintf("transaction %s succeeded without a matching registry event", txHash)
		c.recordAttempt(ctx, sig.ID, models.AttemptReconcile, models.OutcomeUnknown, receipt, reason)
		c.metrics.ChainTx(string(models.AttemptReconcile), string(models.OutcomeUnknown))
		updated := c.recordState(ctx, sig, store.ChainState{Status: models.ChainAnchorUnknown, LastError: &reason})
		return updated, AnchorOutcome{Status: AnchorFailed, TxHash: txHash, Reason: reason, Unknown: true}, true

	case errors.Is(err, chain.ErrTxNotFound), errors.Is(err, chain.ErrReverted):
		outcome := models.OutcomeFailed
		if errors.Is(err, chain.ErrReverted) {
			outcome = models.OutcomeReverted
		}
		c.recordAttempt(ctx, sig.ID, models.AttemptReconcile, outcome, &chain.Receipt{TxHash: txHash}, err.Error())
		c.metrics.ChainTx(string(models.AttemptReconcile), string(outcome))
		c.logger.Info("Unknown anchor did not take effect",
			zap.Uint64("signal_id", sig.ID),
			zap.String("tx_hash", txHash),
			zap.Error(err),
		)
		return nil, AnchorOutcome{}, false

	default:
		// Still pending or the node could not answer. Either way, wait.
		reason := err.Error()
		c.recordAttempt(ctx, sig.ID, models.AttemptReconcile, models.OutcomeUnknown, &chain.Receipt{TxHash: txHash}, reason)
		c.metrics.ChainTx(string(models.AttemptReconcile), string(models.OutcomeUnknown))
		updated := c.recordState(ctx, sig, store.ChainState{Status: models.ChainAnchorUnknown, LastError: &reason})
		return updated, AnchorOutcome{
			Status:    AnchorFailed,
			TxHash:    txHash,
			Reason:    reason,
			Retryable: true,
			Unknown:   true,
			Err:       err,
		}, true
	}
}

// CloseSignal closes an Open signal at closingPrice and, when asked and the
// signal is anchored, closes its registry entry too. A failed chain leg never
// undoes the close.
func (c *Coordinator) CloseSignal(ctx context.Context, ownerID string, id uint64, closingPrice float64, alsoCloseOnChain bool) (*models.Signal, CloseOutcome, error) {
	return c.terminate(ctx, ownerID, id, alsoCloseOnChain, func(ctx context.Context) (*models.Signal, error) {
		return c.store.Close(ctx, ownerID, id, closingPrice)
	})
}

func (c *Coordinator) CancelSignal(ctx context.Context, ownerID string, id uint64, alsoCloseOnChain bool) (*models.Signal, CloseOutcome, error) {
	return c.terminate(ctx, ownerID, id, alsoCloseOnChain, func(ctx context.Context) (*models.Signal, error) {
		return c.store.Transition(ctx, ownerID, id, models.StatusCancelled)
	})
}

func (c *Coordinator) ExpireSignal(ctx context.Context, ownerID string, id uint64, alsoCloseOnChain bool) (*models.Signal, CloseOutcome, error) {
	return c.terminate(ctx, ownerID, id, alsoCloseOnChain, func(ctx context.Context) (*models.Signal, error) {
		return c.store.Transition(ctx, ownerID, id, models.StatusExpired)
	})
}

func (c *Coordinator) terminate(ctx context.Context, ownerID string, id uint64, alsoCloseOnChain bool, apply func(context.Context) (*models.Signal, error)) (*models.Signal, CloseOutcome, error) {
	unlock, err := c.locker.Lock(ctx, claimKey(id))
	if err != nil {
		return nil, CloseOutcome{}, err
	}
	defer unlock()

	sig, err := apply(ctx)
	if err != nil {
		return nil, CloseOutcome{}, err
	}
	c.metrics.Transition(string(sig.Status))

	if !alsoCloseOnChain || sig.ChainID == nil {
		return sig, CloseOutcome{}, nil
	}
	updated, outcome := c.closeOnChain(ctx, sig)
	return updated, outcome, nil
}

// RetryCloseOnChain closes the registry entry of a terminal, anchored signal
// whose earlier on-chain close did not complete.
func (c *Coordinator) RetryCloseOnChain(ctx context.Context, ownerID string, id uint64) (*models.Signal, CloseOutcome, error) {
	unlock, err := c.locker.Lock(ctx, claimKey(id))
	if err != nil {
		return nil, CloseOutcome{}, err
	}
	defer unlock()

	sig, err := c.store.Get(ctx, ownerID, id)
	if err != nil {
		return nil, CloseOutcome{}, err
	}
	if !sig.Status.Terminal() || sig.ChainID == nil {
		return nil, CloseOutcome{}, stateError(sig, "close on chain", "only terminal anchored signals can be closed on chain")
	}
	if sig.ChainStatus == models.ChainClosed {
		return nil, CloseOutcome{}, stateError(sig, "close on chain", "registry entry is already closed")
	}

	rec, err := c.anchor.ReadSignal(ctx, *sig.ChainID)
	if err != nil {
		reason := err.Error()
		c.logger.Warn("Failed to read registry entry", zap.Uint64("signal_id", sig.ID), zap.Uint64("chain_id", *sig.ChainID), zap.Error(err))
		return sig, CloseOutcome{Reason: reason, Retryable: true, Err: err}, nil
	}
	if rec.Closed {
		// An earlier close landed after we stopped waiting for it.
		updated := c.recordState(ctx, sig, store.ChainState{Status: models.ChainClosed})
		c.recordAttempt(ctx, sig.ID, models.AttemptReconcile, models.OutcomeConfirmed, &chain.Receipt{TxHash: deref(sig.CloseTxHash)}, "")
		c.metrics.ChainTx(string(models.AttemptReconcile), string(models.OutcomeConfirmed))
		return updated, CloseOutcome{Closed: true, TxHash: deref(sig.CloseTxHash)}, nil
	}

	updated, outcome := c.closeOnChain(ctx, sig)
	return updated, outcome, nil
}

func (c *Coordinator) closeOnChain(ctx context.Context, sig *models.Signal) (*models.Signal, CloseOutcome) {
	sig = c.recordState(ctx, sig, store.ChainState{Status: models.ChainClosePending})

	started := c.now()
	receipt, err := c.anchor.CloseOnChain(ctx, *sig.ChainID)
	c.metrics.ChainLatency(string(models.AttemptClose), c.now().Sub(started))

	if err != nil {
		cl := classify(err)
		status := models.ChainCloseFailed
		if cl.unknown {
			status = models.ChainCloseUnknown
		}
		reason := err.Error()
		st := store.ChainState{Status: status, LastError: &reason}
		if cl.txHash != "" {
			st.CloseTxHash = &cl.txHash
		}
		updated := c.recordState(ctx, sig, st)
		c.recordAttempt(ctx, sig.ID, models.AttemptClose, cl.outcome, &chain.Receipt{TxHash: cl.txHash}, reason)
		c.metrics.ChainTx(string(models.AttemptClose), string(cl.outcome))
		c.logger.Warn("On-chain close failed; signal stays closed off-chain",
			zap.Uint64("signal_id", sig.ID),
			zap.Uint64("chain_id", *sig.ChainID),
			zap.String("status", string(sig.Status)),
			zap.Error(err),
		)
		return updated, CloseOutcome{
			Attempted: true,
			TxHash:    cl.txHash,
			Reason:    reason,
			Retryable: cl.retryable,
			Unknown:   cl.unknown,
			Err:       err,
		}
	}

	updated := c.recordState(ctx, sig, store.ChainState{Status: models.ChainClosed, CloseTxHash: &receipt.TxHash})
	c.recordAttempt(ctx, sig.ID, models.AttemptClose, models.OutcomeConfirmed, receipt, "")
	c.metrics.ChainTx(string(models.AttemptClose), string(models.OutcomeConfirmed))
	c.logger.Info("Signal closed on chain",
		zap.Uint64("signal_id", sig.ID),
		zap.Uint64("chain_id", *sig.ChainID),
		zap.String("tx_hash", receipt.TxHash),
	)
	return updated, CloseOutcome{Attempted: true, Closed: true, TxHash: receipt.TxHash}
}

// ListSignals lists the caller's own signals. Any owner in the filter is replaced.
func (c *Coordinator) ListSignals(ctx context.Context, callerID string, filter store.ListFilter) ([]models.Signal, error) {
	if callerID == "" {
		return nil, &store.ValidationError{Field: "ownerId", Reason: "is required"}
	}
	filter.OwnerID = callerID
	return c.store.List(ctx, filter)
}

// GetPortfolioStats aggregates every signal the caller owns.
func (c *Coordinator) GetPortfolioStats(ctx context.Context, callerID string) (portfolio.Stats, error) {
	if callerID == "" {
		return portfolio.Stats{}, &store.ValidationError{Field: "ownerId", Reason: "is required"}
	}
	var all []models.Signal
	for offset := 0; ; offset += c.pageSize {
		page, err := c.store.List(ctx, store.ListFilter{OwnerID: callerID, Limit: c.pageSize, Offset: offset})
		if err != nil {
			return portfolio.Stats{}, err
		}
		all = append(all, page...)
		if len(page) < c.pageSize {
			break
		}
	}
	return portfolio.Aggregate(all), nil
}

func (c *Coordinator) ListAttempts(ctx context.Context, callerID string, id uint64) ([]models.ChainAttempt, error) {
	return c.store.ListAttempts(ctx, callerID, id)
}

// recordState writes chain bookkeeping even if ctx was cancelled while
// waiting on the chain. On failure it logs and returns sig unchanged.
func (c *Coordinator) recordState(ctx context.Context, sig *models.Signal, st store.ChainState) *models.Signal {
	updated, err := c.store.RecordChainState(context.WithoutCancel(ctx), sig.OwnerID, sig.ID, st)
	if err != nil {
		c.logger.Error("Failed to record chain state",
			zap.Uint64("signal_id", sig.ID),
			zap.String("chain_status", string(st.Status)),
			zap.Error(err),
		)
		return sig
	}
	return updated
}

func (c *Coordinator) recordAttempt(ctx context.Context, signalID uint64, kind models.AttemptKind, outcome models.AttemptOutcome, receipt *chain.Receipt, reason string) {
	attempt := &models.ChainAttempt{
		SignalID: signalID,
		Kind:     kind,
		Outcome:  outcome,
		Error:    reason,
	}
	if receipt != nil {
		attempt.TxHash = receipt.TxHash
		attempt.ChainID = receipt.ChainID
		attempt.BlockNumber = receipt.BlockNumber
		attempt.GasLimit = receipt.GasLimit
	}
	if err := c.store.RecordAttempt(context.WithoutCancel(ctx), attempt); err != nil {
		c.logger.Error("Failed to record chain attempt", zap.Uint64("signal_id", signalID), zap.Error(err))
	}
}

type classification struct {
	outcome   models.AttemptOutcome
	txHash    string
	retryable bool
	unknown   bool
}

func classify(err error) classification {
	var perr *chain.PreconditionError
	var cerr *chain.ChainError
	switch {
	case errors.As(err, &perr):
		return classification{outcome: models.OutcomePrecondition, retryable: errors.Is(err, chain.ErrRegistryPaused)}
	case errors.As(err, &cerr):
		cl := classification{outcome: models.OutcomeFailed, txHash: cerr.TxHash, retryable: cerr.Retryable, unknown: cerr.Unknown}
		switch {
		case cerr.Unknown:
			cl.outcome = models.OutcomeUnknown
		case errors.Is(err, chain.ErrReverted):
			cl.outcome = models.OutcomeReverted
		}
		return cl
	default:
		return classification{outcome: models.OutcomeFailed, retryable: true}
	}
}

func stateError(sig *models.Signal, op, reason string) *store.InvalidStateError {
	return &store.InvalidStateError{SignalID: sig.ID, Op: op, Status: sig.Status, Reason: reason}
}

func claimKey(id uint64) string {
	return "signal:" + strconv.FormatUint(id, 10)
}

func storeID(sig *models.Signal) string {
	return strconv.FormatUint(sig.ID, 10)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
