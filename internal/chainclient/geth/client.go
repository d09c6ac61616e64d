package geth

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/taikoxyz/forced-inclusion-toolbox/internal/chainclient"
	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/metrics"
	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/types"
)

const defaultCallTimeout = 15 * time.Second

// Client wraps the underlying RPC and eth clients.
type Client struct {
	rpc         *rpc.Client
	eth         *ethclient.Client
	callTimeout time.Duration
	metrics     *metrics.Metrics // nil if metrics disabled
}

var _ chainclient.ChainClient = (*Client)(nil)

// Option configures the Client.
type Option func(*Client)

// WithMetrics enables metrics collection for the client.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithCallTimeout bounds every non-streaming call. A call that exceeds it
// fails with a retryable RpcError.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.callTimeout = d
		}
	}
}

// New dials url, which may be http(s) or ws(s). Subscriptions need ws.
func New(ctx context.Context, url string, opts ...Option) (*Client, error) {
	c, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial l1 rpc: %w", err)
	}
	return NewFromRPC(c, opts...), nil
}

// NewFromRPC wraps an established RPC client.
func NewFromRPC(c *rpc.Client, opts ...Option) *Client {
	client := &Client{
		rpc:         c,
		eth:         ethclient.NewClient(c),
		callTimeout: defaultCallTimeout,
	}

	for _, opt := range opts {
		opt(client)
	}
	return client
}

// observe runs fn under the call timeout and records the call.
func observe[T any](ctx context.Context, c *Client, method string, fn func(ctx context.Context) (T, error)) (T, error) {
	start := time.Now()
	c.metrics.IncRPCInFlight()
	defer c.metrics.DecRPCInFlight()

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	v, err := fn(callCtx)
	if err != nil && !errors.Is(err, ethereum.NotFound) {
		c.metrics.RecordRPCCall(method, err, time.Since(start).Seconds())
	} else {
		c.metrics.RecordRPCCall(method, nil, time.Since(start).Seconds())
	}
	return v, err
}

func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	id, err := observe(ctx, c, "eth_chainId", c.eth.ChainID)
	return id, chainclient.Classify("chain_id", err)
}

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	n, err := observe(ctx, c, "eth_blockNumber", c.eth.BlockNumber)
	return n, chainclient.Classify("block_number", err)
}

func (c *Client) HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error) {
	h, err := observe(ctx, c, "eth_getBlockByNumber", func(ctx context.Context) (*ethtypes.Header, error) {
		return c.eth.HeaderByNumber(ctx, number)
	})
	if err != nil {
		return nil, chainclient.Classify(fmt.Sprintf("header %s", chainclient.BlockArg(number)), err)
	}
	return h, nil
}

func (c *Client) HeaderByHash(ctx context.Context, hash common.Hash) (*ethtypes.Header, error) {
	h, err := observe(ctx, c, "eth_getBlockByHash", func(ctx context.Context) (*ethtypes.Header, error) {
		return c.eth.HeaderByHash(ctx, hash)
	})
	if err != nil {
		return nil, chainclient.Classify(fmt.Sprintf("header %s", hash), err)
	}
	return h, nil
}

func (c *Client) ReadView(ctx context.Context, to common.Address, data []byte, block *big.Int) ([]byte, error) {
	out, err := observe(ctx, c, "eth_call", func(ctx context.Context) ([]byte, error) {
		return c.eth.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, block)
	})
	if err != nil {
		return nil, chainclient.Classify(fmt.Sprintf("read_view %s", chainclient.BlockArg(block)), err)
	}
	return out, nil
}

// SendRaw returns the transaction hash also when the node already knows the
// transaction.
func (c *Client) SendRaw(ctx context.Context, tx *ethtypes.Transaction) (common.Hash, error) {
	_, err := observe(ctx, c, "eth_sendRawTransaction", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.eth.SendTransaction(ctx, tx)
	})
	if err != nil && !chainclient.IsAlreadyKnown(err) {
		return common.Hash{}, chainclient.ClassifySend(err)
	}
	return tx.Hash(), nil
}

func (c *Client) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]ethtypes.Log, error) {
	logs, err := observe(ctx, c, "eth_getLogs", func(ctx context.Context) ([]ethtypes.Log, error) {
		return c.eth.FilterLogs(ctx, q)
	})
	return logs, chainclient.Classify("filter_logs", err)
}

func (c *Client) SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- ethtypes.Log) (ethereum.Subscription, error) {
	start := time.Now()
	sub, err := c.eth.SubscribeFilterLogs(ctx, q, ch)
	c.metrics.RecordRPCCall("eth_subscribe_logs", err, time.Since(start).Seconds())
	if err != nil {
		return nil, chainclient.Classify("subscribe_logs", err)
	}
	return sub, nil
}

func (c *Client) SubscribeNewHead(ctx context.Context, ch chan<- *ethtypes.Header) (ethereum.Subscription, error) {
	start := time.Now()
	sub, err := c.eth.SubscribeNewHead(ctx, ch)
	c.metrics.RecordRPCCall("eth_subscribe_newHeads", err, time.Since(start).Seconds())
	if err != nil {
		return nil, chainclient.Classify("subscribe_new_head", err)
	}
	return sub, nil
}

// FeeEstimate reads the latest base fee, the suggested tip and the blob base
// fee. InclusionFee is left to the store binding.
func (c *Client) FeeEstimate(ctx context.Context) (types.FeeEstimate, error) {
	head, err := c.HeaderByNumber(ctx, nil)
	if err != nil {
		return types.FeeEstimate{}, err
	}
	if head.BaseFee == nil {
		return types.FeeEstimate{}, fmt.Errorf("%w: chain has no base fee (pre-London)", types.ErrInvalidConfig)
	}
	tip, err := observe(ctx, c, "eth_maxPriorityFeePerGas", c.eth.SuggestGasTipCap)
	if err != nil {
		return types.FeeEstimate{}, chainclient.Classify("suggest_tip", err)
	}
	blobBase, err := observe(ctx, c, "eth_blobBaseFee", c.eth.BlobBaseFee)
	if err != nil {
		return types.FeeEstimate{}, chainclient.Classify("blob_base_fee", err)
	}
	return types.FeeEstimate{
		BaseFee:     head.BaseFee,
		GasTipCap:   tip,
		BlobBaseFee: blobBase,
	}, nil
}

func (c *Client) PendingNonce(ctx context.Context, account common.Address) (uint64, error) {
	n, err := observe(ctx, c, "eth_getTransactionCount", func(ctx context.Context) (uint64, error) {
		return c.eth.PendingNonceAt(ctx, account)
	})
	return n, chainclient.Classify("pending_nonce", err)
}

func (c *Client) Nonce(ctx context.Context, account common.Address) (uint64, error) {
	n, err := observe(ctx, c, "eth_getTransactionCount", func(ctx context.Context) (uint64, error) {
		return c.eth.NonceAt(ctx, account, nil)
	})
	return n, chainclient.Classify("nonce", err)
}

func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*ethtypes.Receipt, error) {
	r, err := observe(ctx, c, "eth_getTransactionReceipt", func(ctx context.Context) (*ethtypes.Receipt, error) {
		return c.eth.TransactionReceipt(ctx, hash)
	})
	if err != nil {
		return nil, chainclient.Classify("receipt", err)
	}
	return r, nil
}

// Close closes the underlying RPC client.
func (c *Client) Close() {
	c.rpc.Close()
}
