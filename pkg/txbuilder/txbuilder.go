// Package txbuilder prices and assembles store submission transactions. It
// performs no I/O: every input is passed in.
package txbuilder

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"

	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/blob"
	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/contracts"
	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/types"
)

const (
	DefaultTipMarginPercent = 10
	// MinBumpPercent is the smallest increase nodes accept for a replacement.
	MinBumpPercent  = 10
	DefaultGasLimit = 300_000
)

type Policy struct {
	ChainID          *big.Int
	TipMarginPercent uint64
	BumpPercent      uint64
	GasLimit         uint64
}

// SubmissionIntent is one logical submission. It is encoded once and reused
// by every attempt.
type SubmissionIntent struct {
	Payload  []byte
	Encoded  *blob.Payload
	To       common.Address
	Calldata []byte
	// MaxFee caps FeeBreakdown.Total. Nil means no ceiling.
	MaxFee   *big.Int
	GasLimit uint64
}

// NewIntent packs payload into blobs and builds the store calldata for it.
func NewIntent(store contracts.Store, payload []byte, maxFee *big.Int) (*SubmissionIntent, error) {
	if len(payload) == 0 {
		return nil, errors.New("invalid payload: empty")
	}
	encoded, err := blob.NewPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("encode blobs: %w", err)
	}
	calldata, err := store.PackSubmit(encoded)
	if err != nil {
		return nil, fmt.Errorf("pack submit call: %w", err)
	}
	return &SubmissionIntent{
		Payload:  payload,
		Encoded:  encoded,
		To:       store.Address(),
		Calldata: calldata,
		MaxFee:   maxFee,
	}, nil
}

// PayloadHash identifies the intent on chain.
func (i *SubmissionIntent) PayloadHash() common.Hash {
	return i.Encoded.Hash()
}

// UnsignedTransaction is a built, not yet signed, blob transaction.
type UnsignedTransaction struct {
	Tx          *ethtypes.Transaction
	Nonce       uint64
	Fee         types.FeeBreakdown
	PayloadHash common.Hash
}

type Builder struct {
	policy Policy
}

func New(policy Policy) (*Builder, error) {
	if policy.ChainID == nil || policy.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("%w: chain id must be positive", types.ErrInvalidConfig)
	}
	if policy.TipMarginPercent == 0 {
		policy.TipMarginPercent = DefaultTipMarginPercent
	}
	policy.BumpPercent = max(policy.BumpPercent, MinBumpPercent)
	if policy.GasLimit == 0 {
		policy.GasLimit = DefaultGasLimit
	}
	return &Builder{policy: policy}, nil
}

// Build prices a first attempt at nonce.
func (b *Builder) Build(intent *SubmissionIntent, fees types.FeeEstimate, nonce uint64) (*UnsignedTransaction, error) {
	fee, err := b.price(intent, fees)
	if err != nil {
		return nil, err
	}
	return b.assemble(intent, fee, nonce)
}

// Bump prices a replacement for prev. Every price component is at least the
// fresh price, at least BumpPercent above prev and at least prev+1, so the
// total strictly increases. The value never decreases.
func (b *Builder) Bump(prev *UnsignedTransaction, intent *SubmissionIntent, fees types.FeeEstimate) (*UnsignedTransaction, error) {
	fresh, err := b.price(intent, fees)
	if err != nil {
		return nil, err
	}
	fee := types.FeeBreakdown{
		Value:      bigMax(fresh.Value, prev.Fee.Value),
		GasTipCap:  b.bumped(prev.Fee.GasTipCap, fresh.GasTipCap),
		GasFeeCap:  b.bumped(prev.Fee.GasFeeCap, fresh.GasFeeCap),
		BlobFeeCap: b.bumped(prev.Fee.BlobFeeCap, fresh.BlobFeeCap),
		Gas:        fresh.Gas,
		BlobGas:    fresh.BlobGas,
	}
	fee.GasFeeCap = bigMax(fee.GasFeeCap, fee.GasTipCap)
	return b.assemble(intent, fee, prev.Nonce)
}

func (b *Builder) price(intent *SubmissionIntent, fees types.FeeEstimate) (types.FeeBreakdown, error) {
	if fees.BaseFee == nil || fees.GasTipCap == nil || fees.BlobBaseFee == nil {
		return types.FeeBreakdown{}, errors.New("incomplete fee estimate")
	}
	if fees.InclusionFee == nil {
		return types.FeeBreakdown{}, errors.New("fee estimate has no inclusion fee")
	}

	tip := new(big.Int).Mul(fees.GasTipCap, new(big.Int).SetUint64(100+b.policy.TipMarginPercent))
	tip.Div(tip, big.NewInt(100))

	feeCap := new(big.Int).Mul(fees.BaseFee, big.NewInt(2))
	feeCap.Add(feeCap, tip)

	blobFeeCap := new(big.Int).Mul(fees.BlobBaseFee, big.NewInt(2))
	blobFeeCap = bigMax(blobFeeCap, common.Big1)

	gas := intent.GasLimit
	if gas == 0 {
		gas = b.policy.GasLimit
	}
	return types.FeeBreakdown{
		Value:      new(big.Int).Set(fees.InclusionFee),
		GasTipCap:  tip,
		GasFeeCap:  feeCap,
		BlobFeeCap: blobFeeCap,
		Gas:        gas,
		BlobGas:    intent.Encoded.BlobGas(),
	}, nil
}

// bumped returns max(fresh, ceil(prev*(100+bump)/100), prev+1).
func (b *Builder) bumped(prev, fresh *big.Int) *big.Int {
	next := new(big.Int).Mul(prev, new(big.Int).SetUint64(100+b.policy.BumpPercent))
	next.Add(next, big.NewInt(99))
	next.Div(next, big.NewInt(100))
	next = bigMax(next, new(big.Int).Add(prev, common.Big1))
	return bigMax(next, fresh)
}

func (b *Builder) assemble(intent *SubmissionIntent, fee types.FeeBreakdown, nonce uint64) (*UnsignedTransaction, error) {
	if intent.MaxFee != nil {
		if total := fee.Total(); total.Cmp(intent.MaxFee) > 0 {
			return nil, &types.FeeTooHighError{Required: total, Max: new(big.Int).Set(intent.MaxFee)}
		}
	}

	var fields [5]*uint256.Int
	for i, v := range []*big.Int{b.policy.ChainID, fee.GasTipCap, fee.GasFeeCap, fee.Value, fee.BlobFeeCap} {
		u, overflow := uint256.FromBig(v)
		if overflow {
			return nil, fmt.Errorf("fee component %s overflows 256 bits", v)
		}
		fields[i] = u
	}

	tx := ethtypes.NewTx(&ethtypes.BlobTx{
		ChainID:    fields[0],
		Nonce:      nonce,
		GasTipCap:  fields[1],
		GasFeeCap:  fields[2],
		Gas:        fee.Gas,
		To:         intent.To,
		Value:      fields[3],
		Data:       intent.Calldata,
		BlobFeeCap: fields[4],
		BlobHashes: intent.Encoded.Hashes,
		Sidecar:    intent.Encoded.Sidecar,
	})
	return &UnsignedTransaction{
		Tx:          tx,
		Nonce:       nonce,
		Fee:         fee,
		PayloadHash: intent.PayloadHash(),
	}, nil
}

func bigMax(a, b *big.Int) *big.Int {
	if a.Cmp(b) >= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}
