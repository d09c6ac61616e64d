// Package scheduler runs the spam loop: one forced inclusion after another,
// serialized on the account nonce.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/metrics"
	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/submission"
	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/txbuilder"
	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/types"
)

const (
	DefaultInterval      = 24 * time.Second
	DefaultMaxBackoff    = 5 * time.Minute
	DefaultJitter        = 0.2
	DefaultShutdownGrace = 4 * time.Minute
)

// Submitter drives one logical submission to a terminal status.
// *submission.Pipeline implements it.
type Submitter interface {
	Address() common.Address
	Submit(ctx context.Context, intent *txbuilder.SubmissionIntent, nonce uint64) (*submission.Result, error)
}

// IntentSource hands out a fresh payload per iteration.
type IntentSource interface {
	NextIntent(ctx context.Context) (*txbuilder.SubmissionIntent, error)
}

// NonceSource returns the latest mined nonce of an account.
type NonceSource interface {
	Nonce(ctx context.Context, account common.Address) (uint64, error)
}

type Config struct {
	// Interval is the wait between successful submissions.
	Interval time.Duration
	// MaxBackoff caps the wait after consecutive failures.
	MaxBackoff time.Duration
	Jitter     float64
	// ShutdownGrace bounds how long an in-flight submission may keep running
	// after cancellation.
	ShutdownGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval == 0 {
		c.Interval = DefaultInterval
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.ShutdownGrace == 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}
	return c
}

func (c Config) Validate() error {
	switch {
	case c.Interval <= 0:
		return fmt.Errorf("%w: spam interval must be positive", types.ErrInvalidConfig)
	case c.MaxBackoff < c.Interval:
		return fmt.Errorf("%w: max backoff %s below interval %s", types.ErrInvalidConfig, c.MaxBackoff, c.Interval)
	case c.Jitter < 0 || c.Jitter >= 1:
		return fmt.Errorf("%w: jitter must be in [0, 1)", types.ErrInvalidConfig)
	case c.ShutdownGrace < 0:
		return fmt.Errorf("%w: negative shutdown grace", types.ErrInvalidConfig)
	}
	return nil
}

// Scheduler owns the account nonce while it runs. Nothing else may submit
// from the same account concurrently.
type Scheduler struct {
	submitter Submitter
	intents   IntentSource
	nonces    NonceSource
	cfg       Config
	log       *zap.SugaredLogger
	metrics   *metrics.Metrics

	state     types.LoopState
	haveNonce bool
	seq       uint64
	backoff   *backoff.ExponentialBackOff

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func New(submitter Submitter, intents IntentSource, nonces NonceSource, cfg Config, log *zap.SugaredLogger, m *metrics.Metrics) (*Scheduler, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = min(2*cfg.Interval, cfg.MaxBackoff)
	b.MaxInterval = cfg.MaxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = cfg.Jitter
	b.MaxElapsedTime = 0
	b.Reset()

	return &Scheduler{
		submitter: submitter,
		intents:   intents,
		nonces:    nonces,
		cfg:       cfg,
		log:       log,
		metrics:   m,
		state:     types.LoopState{Backoff: cfg.Interval},
		backoff:   b,
		now:       time.Now,
		sleep:     sleepCtx,
	}, nil
}

// State returns the loop state after the last iteration.
func (s *Scheduler) State() types.LoopState { return s.state }

// Run submits until ctx is cancelled or a fatal error occurs. Each iteration
// reports one outcome on outcomes, which may be nil. Cancellation is honored
// before an iteration and while waiting; a submission already started runs
// to its terminal status, bounded by ShutdownGrace.
//
// Returns nil on cancellation, or the fatal error that stopped the loop.
func (s *Scheduler) Run(ctx context.Context, outcomes chan<- types.SubmissionOutcome) error {
	s.log.Infow("spam loop started",
		"account", s.submitter.Address(),
		"interval", s.cfg.Interval,
		"maxBackoff", s.cfg.MaxBackoff,
	)
	for {
		if ctx.Err() != nil {
			s.log.Infow("spam loop stopped", "nextNonce", s.state.NextNonce, "iterations", s.seq)
			return nil
		}

		o, err := s.iterate(ctx)
		if errors.Is(err, errAbandoned) {
			continue
		}
		if err != nil {
			s.log.Errorw("spam loop stopping on fatal error", "error", err)
			return err
		}
		s.report(ctx, o, outcomes)

		// Cancellation during the wait is handled at the top of the loop.
		_ = s.sleep(ctx, s.state.Backoff)
	}
}

// iterate runs one submission. The returned error is fatal; other failures
// end up in the outcome.
func (s *Scheduler) iterate(ctx context.Context) (types.SubmissionOutcome, error) {
	s.seq++
	o := types.SubmissionOutcome{Seq: s.seq}

	if !s.haveNonce {
		n, err := s.nonces.Nonce(ctx, s.submitter.Address())
		if err != nil {
			if ctx.Err() != nil {
				return s.abandon()
			}
			return s.failed(o, fmt.Errorf("read nonce: %w", err))
		}
		s.state.NextNonce, s.haveNonce = n, true
	}
	o.Nonce = s.state.NextNonce

	intent, err := s.intents.NextIntent(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return s.abandon()
		}
		return s.failed(o, fmt.Errorf("build payload: %w", err))
	}
	o.PayloadHash = intent.PayloadHash()

	res, err := s.submit(ctx, intent, s.state.NextNonce)
	if err != nil {
		// The nonce may have been used by an attempt we lost track of.
		s.haveNonce = false
		return s.failed(o, err)
	}

	o = res.Outcome(s.seq, s.now())
	if res.Status.NonceConsumed() {
		s.state.NextNonce = res.Nonce + 1
	} else {
		s.haveNonce = false
	}
	if res.Status == types.StatusConfirmed {
		s.succeeded()
		return o, nil
	}
	o.Err = fmt.Errorf("submission %s at nonce %d", res.Status, res.Nonce)
	s.backOff()
	return o, nil
}

// submit runs the pipeline on a context that survives cancellation of ctx
// for at most ShutdownGrace.
func (s *Scheduler) submit(ctx context.Context, intent *txbuilder.SubmissionIntent, nonce uint64) (*submission.Result, error) {
	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	stop := context.AfterFunc(ctx, func() {
		s.log.Infow("waiting for in-flight submission", "nonce", nonce, "grace", s.cfg.ShutdownGrace)
		t := time.AfterFunc(s.cfg.ShutdownGrace, cancel)
		context.AfterFunc(subCtx, func() { t.Stop() })
	})
	defer stop()
	return s.submitter.Submit(subCtx, intent, nonce)
}

// errAbandoned marks an iteration cut short by cancellation before anything
// was sent. It is neither reported nor counted as a failure.
var errAbandoned = errors.New("iteration abandoned")

func (s *Scheduler) abandon() (types.SubmissionOutcome, error) {
	s.seq--
	return types.SubmissionOutcome{}, errAbandoned
}

func (s *Scheduler) failed(o types.SubmissionOutcome, err error) (types.SubmissionOutcome, error) {
	o.Err = err
	o.At = s.now()
	if types.IsFatal(err) {
		return o, err
	}
	s.backOff()
	return o, nil
}

func (s *Scheduler) succeeded() {
	s.state.ConsecutiveFailures = 0
	s.backoff.Reset()
	s.state.Backoff = s.cfg.Interval
	s.metrics.UpdateSpam(s.state.NextNonce, 0, s.state.Backoff.Seconds())
}

func (s *Scheduler) backOff() {
	s.state.ConsecutiveFailures++
	s.state.Backoff = s.backoff.NextBackOff()
	s.metrics.UpdateSpam(s.state.NextNonce, s.state.ConsecutiveFailures, s.state.Backoff.Seconds())
}

func (s *Scheduler) report(ctx context.Context, o types.SubmissionOutcome, outcomes chan<- types.SubmissionOutcome) {
	if o.Err != nil {
		fields := []any{
			"seq", o.Seq,
			"nonce", o.Nonce,
			"status", o.Status,
			"failures", s.state.ConsecutiveFailures,
			"retryIn", s.state.Backoff,
			"error", o.Err,
		}
		var tooHigh *types.FeeTooHighError
		if errors.As(o.Err, &tooHigh) {
			fields = append(fields, "requiredFee", tooHigh.Required, "maxFee", tooHigh.Max)
		}
		s.log.Warnw("spam iteration failed", fields...)
	} else {
		s.log.Infow("spam iteration confirmed",
			"seq", o.Seq,
			"nonce", o.Nonce,
			"tx", o.TxHash,
			"block", o.Block,
			"attempts", o.Attempts,
			"totalFee", o.TotalFee,
		)
	}
	if outcomes == nil {
		return
	}
	select {
	case outcomes <- o:
		return
	default:
	}
	select {
	case outcomes <- o:
	case <-ctx.Done():
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
