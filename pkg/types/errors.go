package types

import (
	"errors"
	"fmt"
	"math/big"
)

// RpcError is a transient transport or node level failure. Callers retry it.
type RpcError struct {
	Op  string
	Err error
}

func (e *RpcError) Error() string {
	return fmt.Sprintf("rpc %s: %v", e.Op, e.Err)
}

func (e *RpcError) Unwrap() error { return e.Err }

// RejectedByNodeError is returned when a node refuses a transaction. The reason
// tells the pipeline whether to refresh the nonce, bump the fee or give up.
type RejectedByNodeError struct {
	Reason RejectReason
	Err    error
}

// RejectReason classifies node rejections of a transaction.
type RejectReason string

const (
	RejectNonceTooLow        RejectReason = "nonce_too_low"
	RejectNonceTooHigh       RejectReason = "nonce_too_high"
	RejectUnderpriced        RejectReason = "underpriced"
	RejectInsufficientFunds  RejectReason = "insufficient_funds"
	RejectFeeCapBelowBaseFee RejectReason = "fee_cap_below_base_fee"
	RejectOther              RejectReason = "other"
)

func (e *RejectedByNodeError) Error() string {
	return fmt.Sprintf("transaction rejected by node (%s): %v", e.Reason, e.Err)
}

func (e *RejectedByNodeError) Unwrap() error { return e.Err }

// SigningError is fatal for the attempt that produced it.
type SigningError struct {
	Err error
}

func (e *SigningError) Error() string {
	return fmt.Sprintf("signing failed: %v", e.Err)
}

func (e *SigningError) Unwrap() error { return e.Err }

// DecodeError means a contract result or log did not have the expected shape.
type DecodeError struct {
	What string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.What, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// InconsistentStateError reports contradictory on-chain or stream state.
type InconsistentStateError struct {
	Msg string
}

func (e *InconsistentStateError) Error() string {
	return "inconsistent state: " + e.Msg
}

// NewInconsistentState formats an InconsistentStateError.
func NewInconsistentState(format string, args ...any) error {
	return &InconsistentStateError{Msg: fmt.Sprintf(format, args...)}
}

// FeeTooHighError is returned when the required fee exceeds the operator ceiling.
type FeeTooHighError struct {
	Required *big.Int
	Max      *big.Int
}

func (e *FeeTooHighError) Error() string {
	return fmt.Sprintf("required fee %s wei exceeds maximum %s wei", e.Required, e.Max)
}

// StreamTerminatedError is returned when the event source closes. LastFinalized
// is the highest block whose changes were emitted as final.
type StreamTerminatedError struct {
	LastFinalized uint64
	Err           error
}

func (e *StreamTerminatedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("event stream terminated (last finalized block %d)", e.LastFinalized)
	}
	return fmt.Sprintf("event stream terminated (last finalized block %d): %v", e.LastFinalized, e.Err)
}

func (e *StreamTerminatedError) Unwrap() error { return e.Err }

// SubmissionFailedError is terminal for one logical submission.
type SubmissionFailedError struct {
	Nonce    uint64
	Attempts int
	Err      error
}

func (e *SubmissionFailedError) Error() string {
	return fmt.Sprintf("submission at nonce %d failed after %d attempts: %v", e.Nonce, e.Attempts, e.Err)
}

func (e *SubmissionFailedError) Unwrap() error { return e.Err }

// ErrInvalidConfig marks configuration errors. Loops treat them as fatal.
var ErrInvalidConfig = errors.New("invalid configuration")

// IsFatal reports whether err must stop an unattended loop.
func IsFatal(err error) bool {
	var signErr *SigningError
	return errors.As(err, &signErr) || errors.Is(err, ErrInvalidConfig)
}

// IsTransient reports whether err is worth retrying as-is.
func IsTransient(err error) bool {
	var rpcErr *RpcError
	return errors.As(err, &rpcErr)
}
