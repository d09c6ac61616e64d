package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/urfave/cli/v2"

	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/data/clickhouse/submissions"
	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/types"
)

func send(c *cli.Context) error {
	ctx := c.Context
	rt, err := setup(ctx, c)
	if err != nil {
		return err
	}
	defer rt.close()

	scfg, err := buildSubmitConfig(c)
	if err != nil {
		return err
	}
	stack, err := rt.submitStack(ctx, scfg, c.Uint64("nonce-delta"))
	if err != nil {
		return ignoreCanceled(err)
	}
	recorder, _, err := rt.newOutcomeRecorder(ctx, stack.pipeline.Address())
	if err != nil {
		return err
	}

	l2Tx, err := stack.factory.Build(ctx)
	if err != nil {
		return ignoreCanceled(fmt.Errorf("build l2 transaction: %w", err))
	}
	fmt.Fprintf(os.Stdout, "L2 tx to be force-included: nonce=%d, hash=%s\n", l2Tx.Nonce(), l2Tx.Hash())

	intent, err := stack.factory.Intent(l2Tx)
	if err != nil {
		return err
	}
	nonce, err := rt.l1.Nonce(ctx, stack.pipeline.Address())
	if err != nil {
		return ignoreCanceled(fmt.Errorf("read l1 nonce: %w", err))
	}

	res, err := stack.pipeline.Submit(ctx, intent, nonce)
	if err != nil {
		return ignoreCanceled(err)
	}
	if err := recorder.record(ctx, res.Outcome(1, time.Now())); err != nil {
		return err
	}
	if res.Entry != nil {
		fmt.Fprintf(os.Stdout, "Queued as forced inclusion %d: %s\n", res.Entry.Index, formatEntry(res.Entry))
	}
	if res.Status != types.StatusConfirmed {
		return &notConfirmedError{Status: res.Status, Nonce: res.Nonce}
	}
	return nil
}

// newOutcomeRecorder wires the configured sinks for account. The channel
// reports fatal Kafka producer errors and is nil without Kafka.
func (rt *runtime) newOutcomeRecorder(ctx context.Context, account common.Address) (*outcomeRecorder, <-chan error, error) {
	r := &outcomeRecorder{
		out: os.Stdout,
		key: submissions.Key{ChainID: rt.chainID.Uint64(), Store: rt.store.Address(), Account: account},
		log: rt.log,
	}

	sink, kafkaErrs, err := rt.openKafka(ctx)
	if err != nil {
		return nil, nil, err
	}
	if sink != nil {
		r.publisher = sink
	}

	chClient, err := rt.openClickHouse(ctx)
	if err != nil {
		return nil, nil, err
	}
	if chClient != nil {
		repo, err := rt.submissions(ctx, chClient)
		if err != nil {
			return nil, nil, err
		}
		r.writer = repo
	}
	return r, kafkaErrs, nil
}
