package main

import (
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/scheduler"
	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/types"
)

const outcomesBufferSize = 16

func spam(c *cli.Context) error {
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
	schedCfg, err := buildSchedulerConfig(c)
	if err != nil {
		return err
	}
	stack, err := rt.submitStack(ctx, scfg, 0)
	if err != nil {
		return ignoreCanceled(err)
	}
	recorder, kafkaErrs, err := rt.newOutcomeRecorder(ctx, stack.pipeline.Address())
	if err != nil {
		return err
	}

	sched, err := scheduler.New(stack.pipeline, stack.factory, rt.l1, schedCfg, rt.log, rt.metrics)
	if err != nil {
		return err
	}
	metricsErrCh := rt.startMetrics()

	g, gctx := errgroup.WithContext(ctx)
	outcomes := make(chan types.SubmissionOutcome, outcomesBufferSize)

	// Run returns nil once cancelled, after any in-flight submission settled.
	g.Go(func() error {
		defer close(outcomes)
		return sched.Run(gctx, outcomes)
	})
	g.Go(func() error {
		return recorder.drain(gctx, outcomes)
	})
	g.Go(func() error {
		return watchErrors(gctx, metricsErrCh, kafkaErrs)
	})

	err = g.Wait()
	state := sched.State()
	rt.log.Infow("spam stopped",
		"nextNonce", state.NextNonce,
		"consecutiveFailures", state.ConsecutiveFailures,
	)
	return ignoreCanceled(err)
}
