package main

import (
	"context"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/data/clickhouse/submissions"
	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/l2tx"
	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/submission"
	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/txbuilder"
	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/types"
)

// submitStack is everything send and spam need to put payloads on L1.
type submitStack struct {
	factory  *l2tx.Factory
	pipeline *submission.Pipeline
}

func (rt *runtime) submitStack(ctx context.Context, scfg *SubmitConfig, nonceDelta uint64) (*submitStack, error) {
	if err := rt.cfg.ValidateSubmitter(); err != nil {
		return nil, err
	}
	l1Signer, err := submission.NewLocalSigner(rt.cfg.L1PrivateKey, rt.chainID)
	if err != nil {
		return nil, fmt.Errorf("l1 signer: %w", err)
	}

	l2, l2ChainID, err := rt.dialL2(ctx)
	if err != nil {
		return nil, err
	}
	l2Signer, err := submission.NewLocalSigner(rt.cfg.L2PrivateKey, l2ChainID)
	if err != nil {
		return nil, fmt.Errorf("l2 signer: %w", err)
	}
	factory, err := l2tx.New(l2, l2Signer, rt.store, l2tx.Config{
		ChainID:    l2ChainID,
		NonceDelta: nonceDelta,
		MaxFee:     scfg.MaxFee,
	}, rt.log)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrInvalidConfig, err)
	}

	builder, err := txbuilder.New(txbuilder.Policy{
		ChainID:          rt.chainID,
		TipMarginPercent: scfg.TipMarginPercent,
		BumpPercent:      scfg.BumpPercent,
		GasLimit:         scfg.GasLimit,
	})
	if err != nil {
		return nil, err
	}
	pipeline, err := submission.New(rt.l1, l1Signer, builder, rt.store, scfg.Pipeline, rt.log, rt.metrics)
	if err != nil {
		return nil, err
	}

	rt.log.Infow("submitter ready",
		"l1Account", l1Signer.Address(),
		"l2Account", l2Signer.Address(),
		"l2ChainID", l2ChainID,
		"maxFee", scfg.MaxFee,
		"gasLimit", scfg.GasLimit,
		"maxAttempts", scfg.Pipeline.MaxAttempts,
		"timeout", scfg.Pipeline.Timeout,
	)
	return &submitStack{factory: factory, pipeline: pipeline}, nil
}

type outcomePublisher interface {
	PublishOutcome(ctx context.Context, account common.Address, o types.SubmissionOutcome) error
}

type outcomeWriter interface {
	WriteOutcome(ctx context.Context, key submissions.Key, o types.SubmissionOutcome) error
}

// outcomeRecorder prints outcomes and forwards them to the optional sinks.
// Sink failures are logged and never stop a submission loop.
type outcomeRecorder struct {
	out       io.Writer
	publisher outcomePublisher
	writer    outcomeWriter
	key       submissions.Key
	log       *zap.SugaredLogger
}

func (r *outcomeRecorder) record(ctx context.Context, o types.SubmissionOutcome) error {
	if _, err := fmt.Fprintln(r.out, formatOutcome(o)); err != nil {
		return fmt.Errorf("write outcome: %w", err)
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if r.publisher != nil {
		if err := r.publisher.PublishOutcome(sctx, r.key.Account, o); err != nil {
			r.log.Warnw("failed to publish submission outcome", "seq", o.Seq, "nonce", o.Nonce, "error", err)
		}
	}
	if r.writer != nil {
		if err := r.writer.WriteOutcome(sctx, r.key, o); err != nil {
			r.log.Warnw("failed to store submission outcome", "seq", o.Seq, "nonce", o.Nonce, "error", err)
		}
	}
	return nil
}

// drain records outcomes until in is closed.
func (r *outcomeRecorder) drain(ctx context.Context, in <-chan types.SubmissionOutcome) error {
	for o := range in {
		if err := r.record(ctx, o); err != nil {
			return err
		}
	}
	return nil
}

func formatOutcome(o types.SubmissionOutcome) string {
	if o.Err != nil {
		return fmt.Sprintf("Forced inclusion #%d failed: nonce=%d status=%s error=%v", o.Seq, o.Nonce, o.Status, o.Err)
	}
	s := fmt.Sprintf("Forced inclusion #%d %s: nonce=%d hash=%s block=%d attempts=%d",
		o.Seq, o.Status, o.Nonce, o.TxHash, o.Block, o.Attempts)
	if o.TotalFee != nil {
		s += fmt.Sprintf(" fee=%s", o.TotalFee)
	}
	return s
}
