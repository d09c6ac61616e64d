package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/taikoxyz/forced-inclusion-toolbox/internal/chainclient/geth"
	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/checkpointer"
	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/data/clickhouse/checkpoint"
	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/kafka/messages"
	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/metrics"
	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/normalizer"
	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/queue"
	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/slidingwindow"
	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/types"
)

const (
	changesBufferSize = 256
	publishTimeout    = 10 * time.Second
)

// eventSource delivers raw events and closes out when it returns.
type eventSource interface {
	Run(ctx context.Context, out chan<- types.RawEvent) error
}

// streamNormalizer survives the end of one stream and consumes the next one.
type streamNormalizer interface {
	Run(ctx context.Context, in <-chan types.RawEvent, out chan<- types.QueueChange) error
	LastFinalized() uint64
}

type changePublisher interface {
	PublishChange(ctx context.Context, c types.QueueChange) error
}

func monitorQueue(c *cli.Context) error {
	ctx := c.Context
	rt, err := setup(ctx, c)
	if err != nil {
		return err
	}
	defer rt.close()

	mcfg, err := buildMonitorConfig(c)
	if err != nil {
		return err
	}
	rt.log.Infow("monitor config",
		"wsURL", mcfg.WSURL != "",
		"pollInterval", mcfg.PollInterval,
		"fromBlock", mcfg.FromBlock,
		"confirmationDepth", mcfg.ConfirmationDepth,
		"maxReorgDepth", mcfg.MaxReorgDepth,
		"checkpointInterval", mcfg.CheckpointEvery,
		"maxRestartBackoff", mcfg.MaxRestartBackoff,
	)

	var streamChain slidingwindow.Chain = rt.l1
	if mcfg.WSURL != "" {
		ws, err := geth.New(ctx, mcfg.WSURL, geth.WithMetrics(rt.metrics), geth.WithCallTimeout(rt.cfg.RPCTimeout))
		if err != nil {
			return &types.RpcError{Op: "dial_ws", Err: err}
		}
		rt.closers = append(rt.closers, ws.Close)
		streamChain = ws
	}

	chClient, err := rt.openClickHouse(ctx)
	if err != nil {
		return err
	}
	var checkpoints checkpoint.Repository
	if chClient != nil {
		if checkpoints, err = rt.checkpoints(ctx, chClient); err != nil {
			return err
		}
	}

	from, err := startBlock(ctx, rt, mcfg.FromBlock, checkpoints)
	if err != nil {
		return ignoreCanceled(err)
	}

	reader := queue.NewReader(rt.l1, rt.store, queue.Config{
		PageSize:    rt.cfg.PageSize,
		Concurrency: rt.cfg.ReadConcurrency,
	}, rt.log, rt.metrics)
	snap, err := reader.ReadAt(ctx, from-1)
	if err != nil {
		return ignoreCanceled(fmt.Errorf("failed to read queue at block %d: %w", from-1, err))
	}
	anchor, err := rt.l1.HeaderByNumber(ctx, new(big.Int).SetUint64(from-1))
	if err != nil {
		return ignoreCanceled(fmt.Errorf("failed to read anchor header %d: %w", from-1, err))
	}

	state, err := slidingwindow.NewState(from-1, from-1)
	if err != nil {
		return err
	}
	norm, err := normalizer.New(normalizer.Config{ConfirmationDepth: mcfg.ConfirmationDepth}, normalizer.Seed{
		Head:   snap.Head,
		Tail:   snap.Tail,
		Anchor: &normalizer.Anchor{Number: from - 1, Hash: anchor.Hash()},
	}, rt.log, rt.metrics, state)
	if err != nil {
		return err
	}
	rt.log.Infow("monitoring forced inclusion queue",
		"from", from,
		"head", snap.Head,
		"tail", snap.Tail,
	)

	sink, kafkaErrs, err := rt.openKafka(ctx)
	if err != nil {
		return err
	}
	var publisher changePublisher
	if sink != nil {
		publisher = sink
	}

	metricsErrCh := rt.startMetrics(metrics.WithHealthCheck(func(context.Context) error {
		return state.Healthy(mcfg.WatchdogMaxStall)
	}))

	newSource := func(from uint64) eventSource {
		return slidingwindow.NewSource(streamChain, rt.store, slidingwindow.SourceConfig{
			From:          from,
			PollInterval:  mcfg.PollInterval,
			Subscribe:     mcfg.WSURL != "",
			MaxReorgDepth: mcfg.MaxReorgDepth,
		}, rt.log)
	}

	g, gctx := errgroup.WithContext(ctx)
	changes := make(chan types.QueueChange, changesBufferSize)

	g.Go(func() error {
		return superviseStream(gctx, norm, from, newSource, changes, restartBackOff(mcfg.MaxRestartBackoff), rt.log, rt.metrics)
	})
	g.Go(func() error {
		return consumeChanges(gctx, changes, os.Stdout, mcfg.JSON, publisher, rt.chainID.Uint64(), rt.store.Address(), rt.log)
	})
	if checkpoints != nil {
		g.Go(func() error {
			cpCfg := checkpointer.DefaultConfig()
			cpCfg.Interval = mcfg.CheckpointEvery
			return checkpointer.Start(gctx, state, checkpoints, cpCfg, rt.chainID.Uint64(), rt.store.Address())
		})
	}
	g.Go(func() error {
		return watchErrors(gctx, metricsErrCh, kafkaErrs)
	})

	go slidingwindow.StartWatchdog(gctx, rt.log, state, mcfg.WatchdogInterval, mcfg.WatchdogMaxStall,
		mcfg.ConfirmationDepth+uint64(mcfg.MaxReorgDepth))

	err = g.Wait()
	rt.log.Infow("monitor stopped", "lastFinalized", norm.LastFinalized())
	return ignoreCanceled(err)
}

// startBlock picks the first monitored block: the flag, else the block after
// the checkpoint, else the latest block. It is at least 1 so that the
// normalizer can be anchored at the block before it.
func startBlock(ctx context.Context, rt *runtime, flag uint64, checkpoints checkpoint.Repository) (uint64, error) {
	if flag > 0 {
		return flag, nil
	}
	if checkpoints != nil {
		last, ok, err := checkpoints.Read(ctx, rt.chainID.Uint64(), rt.store.Address())
		if err != nil {
			return 0, fmt.Errorf("failed to read checkpoint: %w", err)
		}
		if ok {
			rt.log.Infow("resuming from checkpoint", "lastFinalized", last)
			return last + 1, nil
		}
		rt.log.Info("checkpoint not found, starting at the latest block")
	}
	latest, err := rt.l1.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read latest block: %w", err)
	}
	return max(latest, 1), nil
}

func restartBackOff(maxInterval time.Duration) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = min(time.Second, maxInterval)
	b.MaxInterval = maxInterval
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// superviseStream feeds the normalizer one source after another. When a
// stream terminates, the next source starts right after the last finalized
// block. The backoff resets once a stream made progress. Closes out when it
// returns.
func superviseStream(
	ctx context.Context,
	n streamNormalizer,
	from uint64,
	newSource func(from uint64) eventSource,
	out chan<- types.QueueChange,
	b backoff.BackOff,
	log *zap.SugaredLogger,
	m *metrics.Metrics,
) error {
	defer close(out)
	for {
		before := n.LastFinalized()
		err := runStream(ctx, n, newSource(from), out)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var terminated *types.StreamTerminatedError
		if !errors.As(err, &terminated) {
			return err
		}
		if terminated.LastFinalized > before {
			b.Reset()
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return err
		}
		from = terminated.LastFinalized + 1
		m.IncRestarts()
		log.Warnw("event stream terminated, restarting",
			"from", from,
			"in", wait,
			"error", err,
		)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// runStream runs one source into the normalizer. A source failure ends the
// stream like a closure and is attached to the StreamTerminatedError.
func runStream(ctx context.Context, n streamNormalizer, src eventSource, out chan<- types.QueueChange) error {
	g, gctx := errgroup.WithContext(ctx)
	raw := make(chan types.RawEvent, changesBufferSize)

	var srcErr error
	g.Go(func() error {
		srcErr = src.Run(gctx, raw)
		return nil
	})
	g.Go(func() error {
		return n.Run(gctx, raw, out)
	})
	err := g.Wait()

	var terminated *types.StreamTerminatedError
	if errors.As(err, &terminated) && terminated.Err == nil && srcErr != nil && !errors.Is(srcErr, context.Canceled) {
		terminated.Err = srcErr
	}
	return err
}

// consumeChanges prints every change and publishes it when a publisher is
// set. Publishing failures are logged; the sink records them in metrics.
// Returns when in is closed.
func consumeChanges(
	ctx context.Context,
	in <-chan types.QueueChange,
	w io.Writer,
	asJSON bool,
	publisher changePublisher,
	chainID uint64,
	store common.Address,
	log *zap.SugaredLogger,
) error {
	enc := json.NewEncoder(w)
	for c := range in {
		var err error
		if asJSON {
			err = enc.Encode(messages.NewQueueChange(chainID, store, c))
		} else {
			_, err = fmt.Fprintln(w, formatChange(c))
		}
		if err != nil {
			return fmt.Errorf("write change: %w", err)
		}
		if publisher == nil {
			continue
		}
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
		if err := publisher.PublishChange(pctx, c); err != nil {
			log.Warnw("failed to publish queue change", "key", c.Key, "kind", c.Kind, "error", err)
		}
		cancel()
	}
	return nil
}

func formatChange(c types.QueueChange) string {
	tag := ""
	if c.Provisional {
		tag = " (provisional)"
	}
	switch c.Kind {
	case types.ChangeEnqueued:
		if c.Entry == nil {
			return fmt.Sprintf("New forced inclusion stored at %s%s", c.Key, tag)
		}
		return fmt.Sprintf("New forced inclusion stored%s: index=%d block=%d tx=%s %s",
			tag, c.Entry.Index, c.Key.Block, c.TxHash, formatEntry(c.Entry))
	case types.ChangeProcessed:
		return fmt.Sprintf("Forced inclusions processed%s: [%d..%d] block=%d",
			tag, c.Processed.From, c.Processed.To, c.Key.Block)
	case types.ChangeReorged:
		if c.Reorg == nil {
			return fmt.Sprintf("Reorg at %s", c.Key)
		}
		s := fmt.Sprintf("Reorg: blocks [%d..%d] retracted, %d changes undone",
			c.Reorg.Blocks.From, c.Reorg.Blocks.To, len(c.Reorg.Retracted))
		if r := c.Reorg.Enqueued; r != nil {
			s += fmt.Sprintf(", enqueued [%d..%d]", r.From, r.To)
		}
		if r := c.Reorg.Processed; r != nil {
			s += fmt.Sprintf(", processed [%d..%d]", r.From, r.To)
		}
		return s
	default:
		return fmt.Sprintf("%s change at %s", c.Kind, c.Key)
	}
}

// watchErrors returns the first fatal error of the metrics server or the
// Kafka producer. Nil channels are ignored.
func watchErrors(ctx context.Context, metricsErrCh, kafkaErrCh <-chan error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-metricsErrCh:
			if !ok {
				metricsErrCh = nil
				continue
			}
			if err != nil {
				return fmt.Errorf("metrics server error: %w", err)
			}
		case err, ok := <-kafkaErrCh:
			if !ok {
				kafkaErrCh = nil
				continue
			}
			if err != nil {
				return fmt.Errorf("kafka producer error: %w", err)
			}
		}
	}
}
