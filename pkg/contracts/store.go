// Package contracts binds the ForcedInclusionStore contract for the supported
// protocol forks. Bindings only encode calls and decode results; transport is
// left to the caller through Viewer.
package contracts

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"

	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/blob"
	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/types"
)

//go:embed abi/*.json
var abiFS embed.FS

// Fork selects the store ABI.
type Fork string

const (
	ForkPacaya Fork = "pacaya"
	ForkShasta Fork = "shasta"
)

// ParseFork validates a fork name.
func ParseFork(s string) (Fork, error) {
	switch Fork(strings.ToLower(s)) {
	case ForkPacaya:
		return ForkPacaya, nil
	case ForkShasta:
		return ForkShasta, nil
	default:
		return "", fmt.Errorf("unknown fork %q (want pacaya or shasta)", s)
	}
}

// ErrUnknownEvent is returned by ParseLog for logs the store does not emit.
var ErrUnknownEvent = errors.New("unknown store event")

// Viewer executes a read-only call pinned to a block (nil = latest).
type Viewer interface {
	ReadView(ctx context.Context, to common.Address, data []byte, block *big.Int) ([]byte, error)
}

// Store is a fork specific binding of the ForcedInclusionStore.
type Store interface {
	Fork() Fork
	Address() common.Address

	// Bounds returns the queue head and tail.
	Bounds(ctx context.Context, v Viewer, block *big.Int) (head, tail uint64, err error)
	// EntryRange returns up to count entries starting at start.
	EntryRange(ctx context.Context, v Viewer, block *big.Int, start, count uint64) ([]types.QueueEntry, error)
	// PageSize is the largest count EntryRange serves in one call.
	PageSize() uint64
	// InclusionFee returns the fee in wei a new entry must pay.
	InclusionFee(ctx context.Context, v Viewer, block *big.Int) (*big.Int, error)

	// PackSubmit returns calldata storing the payload carried by the tx blobs.
	PackSubmit(p *blob.Payload) ([]byte, error)
	// Topics returns the topic0 values of the store events.
	Topics() []common.Hash
	// ParseLog decodes a store log into a raw event.
	ParseLog(lg *ethtypes.Log) (*types.RawEvent, error)
	// EmitsConsumption reports whether processing is visible as logs. When
	// false, sources must poll Bounds to observe consumption.
	EmitsConsumption() bool
	// EncodePayload turns L2 transactions into the fork's payload format.
	EncodePayload(txs ethtypes.Transactions) ([]byte, error)
}

// Options tune how entries are interpreted.
type Options struct {
	// InclusionDelay is added to the creation point of an entry to compute its
	// deadline, in seconds for shasta and batches for pacaya.
	InclusionDelay uint64
}

// New returns the binding for fork at address.
func New(fork Fork, address common.Address, opts Options) (Store, error) {
	switch fork {
	case ForkShasta:
		return newShasta(address, opts)
	case ForkPacaya:
		return newPacaya(address, opts)
	default:
		return nil, fmt.Errorf("unknown fork %q", fork)
	}
}

func loadABI(name string) (abi.ABI, error) {
	f, err := abiFS.Open("abi/" + name + ".json")
	if err != nil {
		return abi.ABI{}, err
	}
	defer f.Close()
	return abi.JSON(f)
}

func gweiToWei(gwei uint64) *big.Int {
	return new(big.Int).Mul(new(big.Int).SetUint64(gwei), big.NewInt(params.GWei))
}

func call(ctx context.Context, v Viewer, to common.Address, block *big.Int, a abi.ABI, method string, args ...any) ([]byte, error) {
	data, err := a.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	out, err := v.ReadView(ctx, to, data, block)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	return out, nil
}

func unpackUint(a abi.ABI, method string, data []byte) (uint64, error) {
	out, err := a.Unpack(method, data)
	if err != nil {
		return 0, &types.DecodeError{What: method, Err: err}
	}
	if len(out) != 1 {
		return 0, &types.DecodeError{What: method, Err: fmt.Errorf("got %d values, want 1", len(out))}
	}
	return asUint64(method, out[0])
}

func asUint64(what string, v any) (uint64, error) {
	switch n := v.(type) {
	case uint64:
		return n, nil
	case uint32:
		return uint64(n), nil
	case uint16:
		return uint64(n), nil
	case uint8:
		return uint64(n), nil
	case *big.Int:
		if !n.IsUint64() {
			return 0, &types.DecodeError{What: what, Err: fmt.Errorf("value %s overflows uint64", n)}
		}
		return n.Uint64(), nil
	default:
		return 0, &types.DecodeError{What: what, Err: fmt.Errorf("unexpected type %T", v)}
	}
}

func checkLog(address common.Address, lg *ethtypes.Log) error {
	if lg.Address != address {
		return fmt.Errorf("%w: log from %s, store is %s", ErrUnknownEvent, lg.Address, address)
	}
	if len(lg.Topics) == 0 {
		return fmt.Errorf("%w: anonymous log", ErrUnknownEvent)
	}
	return nil
}

func rawFromLog(kind types.RawKind, lg *ethtypes.Log) *types.RawEvent {
	return &types.RawEvent{
		Kind:        kind,
		BlockNumber: lg.BlockNumber,
		BlockHash:   lg.BlockHash,
		TxHash:      lg.TxHash,
		LogIndex:    lg.Index,
		Removed:     lg.Removed,
	}
}
