package chain

import (
	"errors"
	"fmt"
)

var (
	ErrWrongNetwork   = errors.New("connected to the wrong network")
	ErrRegistryPaused = errors.New("registry is paused")
	ErrReverted       = errors.New("transaction reverted")
	ErrConfirmTimeout = errors.New("confirmation not observed in time")
	ErrTxPending      = errors.New("transaction is still pending")
	ErrTxNotFound     = errors.New("transaction not known to the node")
	ErrEventMissing   = errors.New("expected registry event not found in receipt")
)

// PreconditionError is returned when the registry is not in a state that
// accepts writes. Nothing was submitted.
type PreconditionError struct {
	Reason string
	Err    error
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("chain precondition failed: %s", e.Reason)
}

func (e *PreconditionError) Unwrap() error {
	return e.Err
}

// ChainError is a failed or unconfirmed chain interaction.
//
// Retryable reports whether submitting again is safe. Unknown means a
// transaction was broadcast but its outcome was not observed; TxHash is then
// the handle to reconcile it with.
type ChainError struct {
	Op        string
	TxHash    string
	Retryable bool
	Unknown   bool
	Err       error
}

func (e *ChainError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("chain %s failed (tx %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("chain %s failed: %v", e.Op, e.Err)
}

func (e *ChainError) Unwrap() error {
	return e.Err
}
