package queue

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/contracts"
	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/metrics"
	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/types"
)

// Chain is the node access a Reader needs.
type Chain interface {
	contracts.Viewer
	BlockNumber(ctx context.Context) (uint64, error)
}

type Config struct {
	// PageSize caps entries per call. Forks with a smaller native page win.
	PageSize uint64
	// Concurrency bounds in-flight entry calls.
	Concurrency int64
}

const (
	DefaultPageSize    = 256
	DefaultConcurrency = 8
)

// Reader produces QueueSnapshots.
type Reader struct {
	chain   Chain
	store   contracts.Store
	cfg     Config
	log     *zap.SugaredLogger
	metrics *metrics.Metrics
}

func NewReader(chain Chain, store contracts.Store, cfg Config, log *zap.SugaredLogger, m *metrics.Metrics) *Reader {
	if cfg.PageSize == 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	return &Reader{chain: chain, store: store, cfg: cfg, log: log, metrics: m}
}

// Read returns the queue as of the latest block.
func (r *Reader) Read(ctx context.Context) (*types.QueueSnapshot, error) {
	block, err := r.chain.BlockNumber(ctx)
	if err != nil {
		return nil, r.fail(err)
	}
	return r.ReadAt(ctx, block)
}

// ReadAt returns the queue as of block.
func (r *Reader) ReadAt(ctx context.Context, block uint64) (*types.QueueSnapshot, error) {
	start := time.Now()
	pin := new(big.Int).SetUint64(block)

	head, tail, err := r.store.Bounds(ctx, r.chain, pin)
	if err != nil {
		return nil, r.fail(err)
	}
	if head > tail {
		return nil, r.fail(types.NewInconsistentState("head %d > tail %d at block %d", head, tail, block))
	}

	entries, err := r.entries(ctx, pin, head, tail)
	if err != nil {
		return nil, r.fail(err)
	}

	snap := &types.QueueSnapshot{Block: block, Head: head, Tail: tail, Entries: entries}
	if err := snap.Validate(); err != nil {
		return nil, r.fail(err)
	}

	r.metrics.UpdateQueue(head, tail)
	r.metrics.ObserveReadDuration(time.Since(start).Seconds())
	r.log.Debugw("read queue",
		"block", block,
		"head", head,
		"tail", tail,
		"duration", time.Since(start),
	)
	return snap, nil
}

func (r *Reader) entries(ctx context.Context, block *big.Int, head, tail uint64) ([]types.QueueEntry, error) {
	size := tail - head
	if size == 0 {
		return []types.QueueEntry{}, nil
	}
	page := min(r.cfg.PageSize, r.store.PageSize())
	pages := (size + page - 1) / page
	results := make([][]types.QueueEntry, pages)

	sem := semaphore.NewWeighted(r.cfg.Concurrency)
	g, gctx := errgroup.WithContext(ctx)
	for p := range pages {
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		from := head + p*page
		count := min(page, tail-from)
		g.Go(func() error {
			defer sem.Release(1)
			got, err := r.store.EntryRange(gctx, r.chain, block, from, count)
			if err != nil {
				return err
			}
			if uint64(len(got)) != count {
				return types.NewInconsistentState("page at %d returned %d entries, want %d", from, len(got), count)
			}
			results[p] = got
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	// Acquire fails only once ctx is done.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries := make([]types.QueueEntry, 0, size)
	for _, got := range results {
		entries = append(entries, got...)
	}
	return entries, nil
}

func (r *Reader) fail(err error) error {
	var de *types.DecodeError
	switch {
	case types.IsTransient(err):
		r.metrics.IncError(metrics.ErrTypeRPC)
	case errors.As(err, &de):
		r.metrics.IncError(metrics.ErrTypeDecode)
	case errors.Is(err, context.Canceled):
	default:
		r.metrics.IncError(metrics.ErrTypeInconsistent)
	}
	return fmt.Errorf("read queue: %w", err)
}
