package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"signal-anchor/internal/config"
	"signal-anchor/internal/models"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	OpCreate = "create"
	OpClose  = "close"
	OpLookup = "lookup"
	OpRead   = "read"
)

// Backend is the subset of an Ethereum RPC client the anchor needs.
// *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
	ChainID(ctx context.Context) (*big.Int, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
}

// Receipt is a mined registry transaction.
type Receipt struct {
	TxHash      string
	BlockNumber uint64
	BlockHash   string
	GasUsed     uint64
	GasLimit    uint64
	// ChainID and StoreID are set when the receipt carries a SignalCreated event.
	ChainID *uint64
	StoreID string
	// ClosedIDs lists the registry ids of SignalClosed events in the receipt.
	ClosedIDs []uint64
}

// Closed reports whether the receipt carries a SignalClosed event for chainID.
func (r *Receipt) Closed(chainID uint64) bool {
	for _, id := range r.ClosedIDs {
		if id == chainID {
			return true
		}
	}
	return false
}

// RegistryRecord is the registry's view of one signal.
type RegistryRecord struct {
	ChainID   uint64
	StoreID   string
	Creator   string
	Closed    bool
	CreatedAt time.Time
	ClosedAt  *time.Time
}

// Anchor writes signals to the on-chain registry from a single signing key.
type Anchor struct {
	cfg      *config.Chain
	backend  Backend
	abi      abi.ABI
	address  common.Address
	contract *bind.BoundContract
	key      *ecdsa.PrivateKey
	from     common.Address
	logger   *zap.Logger

	// submitMu serializes nonce selection and broadcast. Confirmation waits
	// happen outside of it.
	submitMu sync.Mutex
}

// NewAnchor creates a new Anchor bound to the configured registry.
func NewAnchor(cfg *config.Chain, backend Backend, logger *zap.Logger) (*Anchor, error) {
	if !common.IsHexAddress(cfg.RegistryAddress) {
		return nil, fmt.Errorf("invalid registry address %q", cfg.RegistryAddress)
	}
	key, err := parsePrivateKey(cfg.PrivateKey)
	if err != nil {
		return nil, err
	}
	parsed, err := RegistryABI()
	if err != nil {
		return nil, err
	}

	address := common.HexToAddress(cfg.RegistryAddress)
	a := &Anchor{
		cfg:      cfg,
		backend:  backend,
		abi:      parsed,
		address:  address,
		contract: bind.NewBoundContract(address, parsed, backend, backend, backend),
		key:      key,
		from:     crypto.PubkeyToAddress(key.PublicKey),
		logger:   logger.Named("chain-anchor").With(zap.String("registry", address.Hex())),
	}
	return a, nil
}

// From returns the address transactions are signed with.
func (a *Anchor) From() common.Address {
	return a.from
}

// Anchor records sig in the registry and returns the receipt carrying the
// registry-assigned id.
func (a *Anchor) Anchor(ctx context.Context, sig *models.Signal) (*Receipt, error) {
	if err := a.checkPreconditions(ctx); err != nil {
		return nil, err
	}

	recommendation, err := recommendationCode(sig.Recommendation)
	if err != nil {
		return nil, &ChainError{Op: OpCreate, Err: err}
	}
	if sig.Confidence < 0 || sig.Confidence > 100 {
		return nil, &ChainError{Op: OpCreate, Err: fmt.Errorf("confidence %d out of range", sig.Confidence)}
	}
	entry, err := a.scalePrice(sig.EntryPrice)
	if err != nil {
		return nil, &ChainError{Op: OpCreate, Err: err}
	}

	storeID := strconv.FormatUint(sig.ID, 10)
	receipt, err := a.submit(ctx, OpCreate, methodCreate, storeID, sig.AssetName, recommendation, uint8(sig.Confidence), entry)
	if err != nil {
		return nil, err
	}

	if receipt.ChainID == nil || receipt.StoreID != storeID {
		// Mined and successful, but we cannot tell which registry entry is ours.
		// Resubmitting could create a duplicate.
		return receipt, &ChainError{Op: OpCreate, TxHash: receipt.TxHash, Unknown: true, Err: ErrEventMissing}
	}

	a.logger.Info("Signal anchored",
		zap.Uint64("signal_id", sig.ID),
		zap.Uint64("chain_id", *receipt.ChainID),
		zap.String("tx_hash", receipt.TxHash),
		zap.Uint64("block", receipt.BlockNumber),
	)
	return receipt, nil
}

// CloseOnChain marks the registry entry chainID as closed.
func (a *Anchor) CloseOnChain(ctx context.Context, chainID uint64) (*Receipt, error) {
	if err := a.checkPreconditions(ctx); err != nil {
		return nil, err
	}
	receipt, err := a.submit(ctx, OpClose, methodClose, new(big.Int).SetUint64(chainID))
	if err != nil {
		return nil, err
	}
	if !receipt.Closed(chainID) {
		return receipt, &ChainError{Op: OpClose, TxHash: receipt.TxHash, Unknown: true, Err: ErrEventMissing}
	}
	a.logger.Info("Signal closed on chain",
		zap.Uint64("chain_id", chainID),
		zap.String("tx_hash", receipt.TxHash),
	)
	return receipt, nil
}

// LookupReceipt resolves a previously broadcast transaction. It returns
// ErrTxPending while the node still holds it unmined and ErrTxNotFound once
// the node no longer knows it.
func (a *Anchor) LookupReceipt(ctx context.Context, txHash string) (*Receipt, error) {
	hash := common.HexToHash(txHash)
	r, err := a.backend.TransactionReceipt(ctx, hash)
	if err == nil {
		receipt := a.toReceipt(r, 0)
		if r.Status != types.ReceiptStatusSuccessful {
			return receipt, &ChainError{Op: OpLookup, TxHash: receipt.TxHash, Err: ErrReverted}
		}
		return receipt, nil
	}
	if !errors.Is(err, ethereum.NotFound) {
		return nil, &ChainError{Op: OpLookup, TxHash: txHash, Retryable: true, Err: err}
	}

	_, pending, err := a.backend.TransactionByHash(ctx, hash)
	switch {
	case errors.Is(err, ethereum.NotFound):
		return nil, ErrTxNotFound
	case err != nil:
		return nil, &ChainError{Op: OpLookup, TxHash: txHash, Retryable: true, Err: err}
	case pending:
		return nil, ErrTxPending
	default:
		// Known and mined but the receipt is not indexed yet.
		return nil, ErrTxPending
	}
}

// ReadSignal returns the registry's record for chainID.
func (a *Anchor) ReadSignal(ctx context.Context, chainID uint64) (*RegistryRecord, error) {
	var out []interface{}
	err := a.contract.Call(&bind.CallOpts{Context: ctx}, &out, methodFullData, new(big.Int).SetUint64(chainID))
	if err != nil {
		return nil, &ChainError{Op: OpRead, Retryable: true, Err: err}
	}
	if len(out) != 5 {
		return nil, &ChainError{Op: OpRead, Err: fmt.Errorf("unexpected %s output length %d", methodFullData, len(out))}
	}

	storeID, _ := out[0].(string)
	creator, _ := out[1].(common.Address)
	closed, _ := out[2].(bool)
	createdAt, _ := out[3].(*big.Int)
	closedAt, _ := out[4].(*big.Int)

	rec := &RegistryRecord{
		ChainID: chainID,
		StoreID: storeID,
		Creator: creator.Hex(),
		Closed:  closed,
	}
	if createdAt != nil {
		rec.CreatedAt = time.Unix(createdAt.Int64(), 0).UTC()
	}
	if closedAt != nil && closedAt.Sign() > 0 {
		t := time.Unix(closedAt.Int64(), 0).UTC()
		rec.ClosedAt = &t
	}
	return rec, nil
}

func (a *Anchor) checkPreconditions(ctx context.Context) error {
	networkID, err := a.backend.ChainID(ctx)
	if err != nil {
		return &ChainError{Op: "precondition", Retryable: true, Err: fmt.Errorf("failed to read network id: %w", err)}
	}
	if networkID.Int64() != a.cfg.NetworkID {
		return &PreconditionError{
			Reason: fmt.Sprintf("network id %s, expected %d", networkID, a.cfg.NetworkID),
			Err:    ErrWrongNetwork,
		}
	}

	var out []interface{}
	if err := a.contract.Call(&bind.CallOpts{Context: ctx}, &out, methodPaused); err != nil {
		return &ChainError{Op: "precondition", Retryable: true, Err: fmt.Errorf("failed to read paused flag: %w", err)}
	}
	paused, err := pausedFlag(out)
	if err != nil {
		return &ChainError{Op: "precondition", Err: err}
	}
	if paused {
		return &PreconditionError{Reason: "registry is paused", Err: ErrRegistryPaused}
	}
	return nil
}

// pausedFlag decodes the paused() result. Anything but a single bool is an
// error, never "not paused".
func pausedFlag(out []interface{}) (bool, error) {
	if len(out) != 1 {
		return false, fmt.Errorf("unexpected %s output length %d", methodPaused, len(out))
	}
	paused, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("unexpected %s output type %T", methodPaused, out[0])
	}
	return paused, nil
}

// submit broadcasts one registry call and waits for its confirmation.
func (a *Anchor) submit(ctx context.Context, op, method string, args ...interface{}) (*Receipt, error) {
	tx, gasLimit, err := a.send(ctx, op, method, args...)
	if err != nil {
		return nil, err
	}
	txHash := tx.Hash().Hex()
	log := a.logger.With(zap.String("op", op), zap.String("tx_hash", txHash))
	log.Debug("Transaction broadcast", zap.Uint64("gas_limit", gasLimit), zap.Uint64("nonce", tx.Nonce()))

	waitCtx, cancel := context.WithTimeout(ctx, a.cfg.ConfirmTimeout)
	defer cancel()
	r, err := bind.WaitMined(waitCtx, a.backend, tx)
	if err != nil {
		log.Warn("Confirmation not observed", zap.Error(err))
		return nil, &ChainError{
			Op:        op,
			TxHash:    txHash,
			Retryable: true,
			Unknown:   true,
			Err:       fmt.Errorf("%w: %v", ErrConfirmTimeout, err),
		}
	}

	receipt := a.toReceipt(r, gasLimit)
	if r.Status != types.ReceiptStatusSuccessful {
		log.Warn("Transaction reverted", zap.Uint64("block", receipt.BlockNumber))
		return receipt, &ChainError{Op: op, TxHash: txHash, Err: ErrReverted}
	}
	return receipt, nil
}

func (a *Anchor) send(ctx context.Context, op, method string, args ...interface{}) (*types.Transaction, uint64, error) {
	input, err := a.abi.Pack(method, args...)
	if err != nil {
		return nil, 0, &ChainError{Op: op, Err: fmt.Errorf("failed to pack %s: %w", method, err)}
	}

	a.submitMu.Lock()
	defer a.submitMu.Unlock()

	estimate, err := a.backend.EstimateGas(ctx, ethereum.CallMsg{From: a.from, To: &a.address, Data: input})
	if err != nil {
		return nil, 0, &ChainError{Op: op, Retryable: true, Err: fmt.Errorf("failed to estimate gas: %w", err)}
	}
	gasLimit := estimate + estimate*a.cfg.GasMarginPercent/100

	opts, err := bind.NewKeyedTransactorWithChainID(a.key, big.NewInt(a.cfg.NetworkID))
	if err != nil {
		return nil, 0, &ChainError{Op: op, Err: err}
	}
	opts.Context = ctx
	opts.GasLimit = gasLimit
	opts.NoSend = true

	// Nothing has left the process until SendTransaction below.
	tx, err := a.contract.Transact(opts, method, args...)
	if err != nil {
		return nil, 0, &ChainError{Op: op, Retryable: true, Err: fmt.Errorf("failed to sign %s: %w", method, err)}
	}
	if err := a.backend.SendTransaction(ctx, tx); err != nil {
		var rerr rpc.Error
		switch {
		case strings.Contains(err.Error(), "already known"):
			// The node holds it already; wait for it like any other broadcast.
		case errors.As(err, &rerr):
			return nil, 0, &ChainError{Op: op, Retryable: true, Err: fmt.Errorf("node rejected %s: %w", method, err)}
		default:
			// The node may have accepted the transaction before the reply was lost.
			return nil, 0, &ChainError{
				Op:        op,
				TxHash:    tx.Hash().Hex(),
				Retryable: true,
				Unknown:   true,
				Err:       fmt.Errorf("failed to submit %s: %w", method, err),
			}
		}
	}
	return tx, gasLimit, nil
}

func (a *Anchor) toReceipt(r *types.Receipt, gasLimit uint64) *Receipt {
	receipt := &Receipt{
		TxHash:   r.TxHash.Hex(),
		GasUsed:  r.GasUsed,
		GasLimit: gasLimit,
	}
	if r.BlockNumber != nil {
		receipt.BlockNumber = r.BlockNumber.Uint64()
	}
	receipt.BlockHash = r.BlockHash.Hex()

	created := a.abi.Events[eventCreated]
	closed := a.abi.Events[eventClosed]
	for _, l := range r.Logs {
		if l == nil || l.Address != a.address || len(l.Topics) == 0 {
			continue
		}
		if l.Topics[0] == closed.ID {
			if len(l.Topics) > 1 {
				if id := l.Topics[1].Big(); id.IsUint64() {
					receipt.ClosedIDs = append(receipt.ClosedIDs, id.Uint64())
				}
			}
			continue
		}
		if l.Topics[0] != created.ID || receipt.ChainID != nil {
			continue
		}
		var ev struct {
			SignalId *big.Int
			Creator  common.Address
			StoreId  string
		}
		if err := a.contract.UnpackLog(&ev, eventCreated, *l); err != nil {
			a.logger.Warn("Failed to decode registry event", zap.String("tx_hash", receipt.TxHash), zap.Error(err))
			continue
		}
		if ev.SignalId == nil || !ev.SignalId.IsUint64() {
			continue
		}
		id := ev.SignalId.Uint64()
		receipt.ChainID = &id
		receipt.StoreID = ev.StoreId
	}
	return receipt
}

// scalePrice converts a price to the registry's fixed-point representation.
func (a *Anchor) scalePrice(price float64) (*big.Int, error) {
	if !(price > 0) {
		return nil, fmt.Errorf("price %v must be positive", price)
	}
	return decimal.NewFromFloat(price).Shift(a.cfg.PriceDecimals).Round(0).BigInt(), nil
}

func recommendationCode(r models.Recommendation) (uint8, error) {
	switch r {
	case models.RecommendBuy:
		return 0, nil
	case models.RecommendSell:
		return 1, nil
	case models.RecommendHold:
		return 2, nil
	default:
		return 0, fmt.Errorf("unknown recommendation %q", r)
	}
}

func parsePrivateKey(raw string) (*ecdsa.PrivateKey, error) {
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if raw == "" {
		return nil, fmt.Errorf("chain.private_key is required")
	}
	key, err := crypto.HexToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return key, nil
}
