// Package chainclient defines the L1 node capability the toolbox needs and
// the classification of node errors into the toolbox error taxonomy.
package chainclient

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/types"
)

type ChainClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error)
	HeaderByHash(ctx context.Context, hash common.Hash) (*ethtypes.Header, error)

	// ReadView executes a read-only call pinned to block (nil = latest).
	ReadView(ctx context.Context, to common.Address, data []byte, block *big.Int) ([]byte, error)
	// SendRaw broadcasts a signed transaction.
	SendRaw(ctx context.Context, tx *ethtypes.Transaction) (common.Hash, error)

	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]ethtypes.Log, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- ethtypes.Log) (ethereum.Subscription, error)
	SubscribeNewHead(ctx context.Context, ch chan<- *ethtypes.Header) (ethereum.Subscription, error)

	FeeEstimate(ctx context.Context) (types.FeeEstimate, error)
	PendingNonce(ctx context.Context, account common.Address) (uint64, error)
	// Nonce returns the nonce of account at the latest mined block.
	Nonce(ctx context.Context, account common.Address) (uint64, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*ethtypes.Receipt, error)

	Close()
}

// rejections maps node error messages to rejection reasons. Matching is on
// substrings since clients differ in prefixes.
var rejections = []struct {
	substr string
	reason types.RejectReason
}{
	{"nonce too low", types.RejectNonceTooLow},
	{"nonce too high", types.RejectNonceTooHigh},
	{"replacement transaction underpriced", types.RejectUnderpriced},
	{"transaction underpriced", types.RejectUnderpriced},
	{"max fee per blob gas less than block blob gas fee", types.RejectUnderpriced},
	{"insufficient funds", types.RejectInsufficientFunds},
	{"max fee per gas less than block base fee", types.RejectFeeCapBelowBaseFee},
	{"fee cap less than block base fee", types.RejectFeeCapBelowBaseFee},
}

// IsAlreadyKnown reports whether a broadcast failed only because the node
// already holds the transaction.
func IsAlreadyKnown(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "already known")
}

// ClassifySend turns a SendRaw failure into RejectedByNodeError when the node
// answered, or RpcError when it did not.
func ClassifySend(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	msg := strings.ToLower(err.Error())
	for _, r := range rejections {
		if strings.Contains(msg, r.substr) {
			return &types.RejectedByNodeError{Reason: r.reason, Err: err}
		}
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return &types.RejectedByNodeError{Reason: types.RejectOther, Err: err}
	}
	return &types.RpcError{Op: "send_raw", Err: err}
}

// revertCode is the JSON-RPC error code geth uses for execution reverts.
const revertCode = 3

// isRevert reports whether err is a node answering that a call reverted.
func isRevert(err error) bool {
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		return true
	}
	var rpcErr rpc.Error
	if !errors.As(err, &rpcErr) {
		return false
	}
	return rpcErr.ErrorCode() == revertCode || strings.Contains(strings.ToLower(rpcErr.Error()), "execution reverted")
}

// Classify wraps a transport failure of op as RpcError. A reverted call is a
// DecodeError: retrying it at the same block gives the same answer.
// Cancellation of the caller's context passes through unchanged;
// ethereum.NotFound too.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ethereum.NotFound) {
		return err
	}
	if isRevert(err) {
		return &types.DecodeError{What: op, Err: err}
	}
	return &types.RpcError{Op: op, Err: err}
}

// BlockArg formats a block pin for logs.
func BlockArg(block *big.Int) string {
	if block == nil {
		return "latest"
	}
	return fmt.Sprintf("#%s", block)
}
