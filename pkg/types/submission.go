package types

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// FeeEstimate is the chain fee state a transaction is priced against.
// All amounts are wei.
type FeeEstimate struct {
	BaseFee      *big.Int `json:"baseFee"`
	GasTipCap    *big.Int `json:"gasTipCap"`
	BlobBaseFee  *big.Int `json:"blobBaseFee"`
	InclusionFee *big.Int `json:"inclusionFee"`
}

// FeeBreakdown is the price a built transaction commits to.
type FeeBreakdown struct {
	Value      *big.Int `json:"value"`
	GasTipCap  *big.Int `json:"gasTipCap"`
	GasFeeCap  *big.Int `json:"gasFeeCap"`
	BlobFeeCap *big.Int `json:"blobFeeCap"`
	Gas        uint64   `json:"gas"`
	BlobGas    uint64   `json:"blobGas"`
}

// Total is the worst case amount the transaction can cost.
func (f FeeBreakdown) Total() *big.Int {
	total := new(big.Int).Set(f.Value)
	total.Add(total, new(big.Int).Mul(f.GasFeeCap, new(big.Int).SetUint64(f.Gas)))
	total.Add(total, new(big.Int).Mul(f.BlobFeeCap, new(big.Int).SetUint64(f.BlobGas)))
	return total
}

// SubmissionStatus is the lifecycle state of a SubmissionAttempt.
type SubmissionStatus uint8

const (
	StatusPending SubmissionStatus = iota
	StatusConfirmed
	StatusDropped
	StatusSuperseded
	// StatusReverted means the transaction was mined but execution failed.
	StatusReverted
)

func (s SubmissionStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusConfirmed:
		return "confirmed"
	case StatusDropped:
		return "dropped"
	case StatusSuperseded:
		return "superseded"
	case StatusReverted:
		return "reverted"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// MarshalText renders the status by name.
func (s SubmissionStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether no further transition is possible.
func (s SubmissionStatus) Terminal() bool {
	return s != StatusPending
}

// NonceConsumed reports whether our own transaction used the nonce.
func (s SubmissionStatus) NonceConsumed() bool {
	return s == StatusConfirmed || s == StatusReverted
}

// SubmissionAttempt is one signed transaction sent at a nonce.
type SubmissionAttempt struct {
	Nonce        uint64           `json:"nonce"`
	PayloadHash  common.Hash      `json:"payloadHash"`
	TxHash       common.Hash      `json:"txHash"`
	Fee          FeeBreakdown     `json:"fee"`
	Status       SubmissionStatus `json:"status"`
	AttemptCount uint32           `json:"attemptCount"`
	SentAt       time.Time        `json:"sentAt"`
}

// SubmissionOutcome is what the spam loop reports per iteration.
type SubmissionOutcome struct {
	Seq         uint64           `json:"seq"`
	Nonce       uint64           `json:"nonce"`
	Status      SubmissionStatus `json:"status"`
	TxHash      common.Hash      `json:"txHash"`
	PayloadHash common.Hash      `json:"payloadHash"`
	Attempts    uint32           `json:"attempts"`
	TotalFee    *big.Int         `json:"totalFee,omitempty"`
	Block       uint64           `json:"block,omitempty"`
	// Err is set when the iteration ended without a terminal status.
	Err error     `json:"-"`
	At  time.Time `json:"at"`
}

// ErrString returns the error text or "".
func (o SubmissionOutcome) ErrString() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// LoopState is the spam loop's view of the account between iterations.
type LoopState struct {
	NextNonce           uint64        `json:"nextNonce"`
	ConsecutiveFailures int           `json:"consecutiveFailures"`
	Backoff             time.Duration `json:"backoff"`
}
