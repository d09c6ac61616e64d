package slidingwindow

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"math/big"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/contracts"
	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/types"
)

// Chain is the node access a Source needs.
type Chain interface {
	contracts.Viewer
	HeaderReader
	HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]ethtypes.Log, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- ethtypes.Log) (ethereum.Subscription, error)
	SubscribeNewHead(ctx context.Context, ch chan<- *ethtypes.Header) (ethereum.Subscription, error)
}

type SourceConfig struct {
	// From is the first block whose events are delivered.
	From uint64
	// PollInterval paces head polling. In push mode it is the fallback tick.
	PollInterval time.Duration
	// Subscribe enables push mode.
	Subscribe bool
	// MaxReorgDepth bounds how far back the tracker follows a fork.
	MaxReorgDepth int
	// CatchUpStep caps how many blocks one iteration advances.
	CatchUpStep uint64
	// RetryMaxElapsed bounds retries of a failing iteration before the source
	// gives up and closes its output.
	RetryMaxElapsed time.Duration
}

const (
	DefaultPollInterval    = 6 * time.Second
	DefaultMaxReorgDepth   = 128
	DefaultCatchUpStep     = 512
	DefaultRetryMaxElapsed = 2 * time.Minute
)

// Source delivers RawEvents for the store from SourceConfig.From onwards.
type Source struct {
	chain      Chain
	store      contracts.Store
	cfg        SourceConfig
	log        *zap.SugaredLogger
	tracker    *HeadTracker
	newBackOff func() backoff.BackOff
}

func NewSource(chain Chain, store contracts.Store, cfg SourceConfig, log *zap.SugaredLogger) *Source {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxReorgDepth <= 0 {
		cfg.MaxReorgDepth = DefaultMaxReorgDepth
	}
	if cfg.CatchUpStep == 0 {
		cfg.CatchUpStep = DefaultCatchUpStep
	}
	if cfg.RetryMaxElapsed <= 0 {
		cfg.RetryMaxElapsed = DefaultRetryMaxElapsed
	}
	s := &Source{
		chain:   chain,
		store:   store,
		cfg:     cfg,
		log:     log,
		tracker: NewHeadTracker(chain, cfg.MaxReorgDepth),
	}
	s.newBackOff = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 500 * time.Millisecond
		b.MaxInterval = 30 * time.Second
		b.MaxElapsedTime = s.cfg.RetryMaxElapsed
		return b
	}
	return s
}

func (s *Source) filter() ethereum.FilterQuery {
	return ethereum.FilterQuery{
		Addresses: []common.Address{s.store.Address()},
		Topics:    [][]common.Hash{s.store.Topics()},
	}
}

// Run is a BLOCKING function. It delivers events into out and closes out when
// it returns: on ctx cancellation (returning ctx.Err()) or when the node keeps
// failing past the retry budget. With From = 0 delivery starts at the current
// head.
func (s *Source) Run(ctx context.Context, out chan<- types.RawEvent) error {
	defer close(out)

	// The log forwarder must be gone before out closes.
	fwdCtx, stopForward := context.WithCancel(ctx)
	var forwarder sync.WaitGroup
	defer func() {
		stopForward()
		forwarder.Wait()
	}()

	if s.cfg.From > 0 {
		var anchor *ethtypes.Header
		err := s.retry(ctx, "anchor header", func() error {
			var err error
			anchor, err = s.chain.HeaderByNumber(ctx, new(big.Int).SetUint64(s.cfg.From-1))
			return err
		})
		if err != nil {
			return err
		}
		s.tracker.Seed(anchor)
	}

	heads := make(chan *ethtypes.Header, 16)
	var subErr <-chan error
	if s.cfg.Subscribe {
		errCh, err := s.subscribe(fwdCtx, &forwarder, heads, out)
		if err != nil {
			s.log.Warnw("subscriptions unavailable, polling", "error", err)
		} else {
			subErr = errCh
		}
	}

	t := time.NewTicker(s.cfg.PollInterval)
	defer t.Stop()
	for {
		if err := s.retry(ctx, "advance", func() error { return s.advance(ctx, out) }); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-subErr:
			return fmt.Errorf("subscription: %w", err)
		case <-heads:
		case <-t.C:
		}
	}
}

// subscribe starts push mode: head notifications wake the loop, and store
// logs are forwarded as they arrive. The forwarder runs until ctx ends and is
// tracked by wg.
func (s *Source) subscribe(ctx context.Context, wg *sync.WaitGroup, heads chan *ethtypes.Header, out chan<- types.RawEvent) (<-chan error, error) {
	headSub, err := s.chain.SubscribeNewHead(ctx, heads)
	if err != nil {
		return nil, err
	}
	logs := make(chan ethtypes.Log, 64)
	logSub, err := s.chain.SubscribeFilterLogs(ctx, s.filter(), logs)
	if err != nil {
		headSub.Unsubscribe()
		return nil, err
	}

	errCh := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer headSub.Unsubscribe()
		defer logSub.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-headSub.Err():
				errCh <- fmt.Errorf("new heads: %w", err)
				return
			case err := <-logSub.Err():
				errCh <- fmt.Errorf("logs: %w", err)
				return
			case lg := <-logs:
				if lg.BlockNumber < s.cfg.From {
					continue
				}
				ev, err := s.store.ParseLog(&lg)
				if err != nil {
					s.log.Warnw("skipping undecodable log", "tx", lg.TxHash, "index", lg.Index, "error", err)
					continue
				}
				select {
				case out <- *ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return errCh, nil
}

// advance delivers every block that became canonical since the last call.
func (s *Source) advance(ctx context.Context, out chan<- types.RawEvent) error {
	latest, err := s.chain.HeaderByNumber(ctx, nil)
	if err != nil {
		return err
	}
	tip := latest.Number.Uint64()
	if tip+1 < s.cfg.From {
		return nil
	}

	for {
		target := latest
		if hi, ok := s.tracker.Highest(); ok && tip > hi+s.cfg.CatchUpStep {
			target, err = s.chain.HeaderByNumber(ctx, new(big.Int).SetUint64(hi+s.cfg.CatchUpStep))
			if err != nil {
				return err
			}
		}

		branch, err := s.tracker.Advance(ctx, target)
		if err != nil {
			return err
		}
		for _, h := range branch {
			if err := s.emitBlock(ctx, h, tip, out); err != nil {
				// Forget h so the next attempt delivers it again.
				s.tracker.Rewind(h.Number.Uint64())
				return err
			}
		}
		if target == latest {
			return nil
		}
	}
}

func (s *Source) emitBlock(ctx context.Context, h *ethtypes.Header, tip uint64, out chan<- types.RawEvent) error {
	hash := h.Hash()
	q := s.filter()
	q.BlockHash = &hash
	logs, err := s.chain.FilterLogs(ctx, q)
	if err != nil {
		return err
	}
	slices.SortFunc(logs, func(a, b ethtypes.Log) int { return cmp.Compare(a.Index, b.Index) })

	events := make([]types.RawEvent, 0, len(logs)+2)
	for i := range logs {
		ev, err := s.store.ParseLog(&logs[i])
		if errors.Is(err, contracts.ErrUnknownEvent) {
			continue
		}
		if err != nil {
			return err
		}
		events = append(events, *ev)
	}

	if !s.store.EmitsConsumption() {
		head, _, err := s.store.Bounds(ctx, s.chain, h.Number)
		if err != nil {
			return err
		}
		events = append(events, types.RawEvent{
			Kind:        types.RawQueueHead,
			BlockNumber: h.Number.Uint64(),
			BlockHash:   hash,
			TxHash:      hash,
			LogIndex:    types.SyntheticLogIndex,
			QueueHead:   head,
		})
	}

	events = append(events, types.RawEvent{
		Kind:        types.RawHead,
		BlockNumber: h.Number.Uint64(),
		BlockHash:   hash,
		ParentHash:  h.ParentHash,
		Timestamp:   h.Time,
		Tip:         tip,
	})

	for _, ev := range events {
		select {
		case out <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// retry runs fn until it succeeds, ctx is done or the retry budget is spent.
// Only transient errors are retried.
func (s *Source) retry(ctx context.Context, what string, fn func() error) error {
	op := func() error {
		err := fn()
		if err == nil || types.IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, d time.Duration) {
		s.log.Warnw("source call failed, retrying", "op", what, "in", d, "error", err)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(s.newBackOff(), ctx), notify); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%s: %w", what, err)
	}
	return nil
}
