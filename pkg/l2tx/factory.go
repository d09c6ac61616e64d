// Package l2tx builds the L2 transactions carried by forced inclusions.
package l2tx

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
	"go.uber.org/zap"

	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/contracts"
	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/submission"
	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/txbuilder"
)

// TransferGas is the gas of a plain value transfer.
const TransferGas = 21_000

var (
	DefaultValue = big.NewInt(params.GWei)
	DefaultTip   = big.NewInt(params.GWei)
)

// Chain is the L2 node access the factory needs.
type Chain interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error)
	PendingNonce(ctx context.Context, account common.Address) (uint64, error)
}

type Config struct {
	ChainID *big.Int
	// Value is sent to the zero address.
	Value *big.Int
	Tip   *big.Int
	// NonceDelta is added to the pending nonce, leaving a gap the
	// sequencer cannot fill on its own.
	NonceDelta uint64
	// MaxFee is copied into every intent.
	MaxFee *big.Int
}

// Factory produces signed L2 transfers and wraps them into submission
// intents. Consecutive calls use consecutive nonces even when the pending
// nonce has not caught up.
type Factory struct {
	chain  Chain
	signer submission.Signer
	store  contracts.Store
	cfg    Config
	log    *zap.SugaredLogger

	mu     sync.Mutex
	cursor uint64
}

func New(chain Chain, signer submission.Signer, store contracts.Store, cfg Config, log *zap.SugaredLogger) (*Factory, error) {
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, errors.New("invalid l2 chain id: must be positive")
	}
	if cfg.Value == nil {
		cfg.Value = DefaultValue
	}
	if cfg.Tip == nil {
		cfg.Tip = DefaultTip
	}
	return &Factory{chain: chain, signer: signer, store: store, cfg: cfg, log: log}, nil
}

// Build signs the next L2 transfer.
func (f *Factory) Build(ctx context.Context) (*ethtypes.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	pending, err := f.chain.PendingNonce(ctx, f.signer.Address())
	if err != nil {
		return nil, fmt.Errorf("l2 pending nonce: %w", err)
	}
	head, err := f.chain.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("l2 head: %w", err)
	}
	baseFee := head.BaseFee
	if baseFee == nil {
		baseFee = new(big.Int)
	}
	feeCap := new(big.Int).Mul(baseFee, big.NewInt(2))
	feeCap.Add(feeCap, f.cfg.Tip)

	nonce := max(pending+f.cfg.NonceDelta, f.cursor)
	tx := ethtypes.NewTx(&ethtypes.DynamicFeeTx{
		ChainID:   f.cfg.ChainID,
		Nonce:     nonce,
		GasTipCap: new(big.Int).Set(f.cfg.Tip),
		GasFeeCap: feeCap,
		Gas:       TransferGas,
		To:        &common.Address{},
		Value:     new(big.Int).Set(f.cfg.Value),
	})
	signed, err := f.signer.SignTx(ctx, tx)
	if err != nil {
		return nil, err
	}
	f.cursor = nonce + 1
	return signed, nil
}

// Intent wraps tx into a submission intent for the store's fork.
func (f *Factory) Intent(tx *ethtypes.Transaction) (*txbuilder.SubmissionIntent, error) {
	payload, err := f.store.EncodePayload(ethtypes.Transactions{tx})
	if err != nil {
		return nil, fmt.Errorf("encode l2 payload: %w", err)
	}
	return txbuilder.NewIntent(f.store, payload, f.cfg.MaxFee)
}

// NextIntent builds a fresh L2 transfer and wraps it.
func (f *Factory) NextIntent(ctx context.Context) (*txbuilder.SubmissionIntent, error) {
	tx, err := f.Build(ctx)
	if err != nil {
		return nil, err
	}
	f.log.Infow("l2 transaction to force-include", "nonce", tx.Nonce(), "hash", tx.Hash())
	return f.Intent(tx)
}
