package submission

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
	"go.uber.org/zap"

	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/contracts"
	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/metrics"
	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/txbuilder"
	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/types"
)

// Chain is the node access the pipeline needs.
type Chain interface {
	FeeSource
	SendRaw(ctx context.Context, tx *ethtypes.Transaction) (common.Hash, error)
	Nonce(ctx context.Context, account common.Address) (uint64, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*ethtypes.Receipt, error)
}

type Config struct {
	// MaxAttempts bounds sends of one logical submission, rebuilds included.
	MaxAttempts       int
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration
	// RetryJitter randomizes each delay by this factor. Below 1/3 successive
	// delays strictly increase until RetryMaxDelay.
	RetryJitter float64
	// Timeout is the deadline for a confirmation, counted from the first send.
	Timeout time.Duration
	// BumpLead is how long before the deadline the single fee bump is sent.
	BumpLead            time.Duration
	ReceiptPollInterval time.Duration
}

const (
	DefaultMaxAttempts         = 5
	DefaultRetryInitialDelay   = time.Second
	DefaultRetryMaxDelay       = 30 * time.Second
	DefaultRetryJitter         = 0.2
	DefaultTimeout             = 3 * time.Minute
	DefaultBumpLead            = time.Minute
	DefaultReceiptPollInterval = 3 * time.Second
)

func (c Config) withDefaults() Config {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.RetryInitialDelay == 0 {
		c.RetryInitialDelay = DefaultRetryInitialDelay
	}
	if c.RetryMaxDelay == 0 {
		c.RetryMaxDelay = DefaultRetryMaxDelay
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.BumpLead == 0 {
		c.BumpLead = DefaultBumpLead
	}
	if c.ReceiptPollInterval == 0 {
		c.ReceiptPollInterval = DefaultReceiptPollInterval
	}
	return c
}

// Validate checks a config after defaults are applied.
func (c Config) Validate() error {
	switch {
	case c.MaxAttempts < 1:
		return fmt.Errorf("%w: max attempts must be at least 1", types.ErrInvalidConfig)
	case c.RetryJitter < 0 || c.RetryJitter >= 1.0/3:
		return fmt.Errorf("%w: retry jitter must be in [0, 0.33)", types.ErrInvalidConfig)
	case c.RetryMaxDelay < c.RetryInitialDelay:
		return fmt.Errorf("%w: retry max delay below initial delay", types.ErrInvalidConfig)
	case c.BumpLead >= c.Timeout:
		return fmt.Errorf("%w: bump lead %s must be shorter than timeout %s", types.ErrInvalidConfig, c.BumpLead, c.Timeout)
	}
	return nil
}

// Result is the terminal state of one logical submission.
type Result struct {
	Nonce  uint64
	Status types.SubmissionStatus
	// Final is the attempt that decided Status: the mined one, or the latest.
	Final    types.SubmissionAttempt
	Attempts []types.SubmissionAttempt
	Receipt  *ethtypes.Receipt
	// Entry is the queue entry decoded from the receipt, if any.
	Entry *types.QueueEntry
}

// Pipeline drives a submission from build to a terminal status. One Pipeline
// serves one account; Submit calls must not overlap.
type Pipeline struct {
	chain   Chain
	signer  Signer
	builder *txbuilder.Builder
	oracle  *FeeOracle
	store   contracts.Store
	cfg     Config
	log     *zap.SugaredLogger
	metrics *metrics.Metrics

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func New(chain Chain, signer Signer, builder *txbuilder.Builder, store contracts.Store, cfg Config, log *zap.SugaredLogger, m *metrics.Metrics) (*Pipeline, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Pipeline{
		chain:   chain,
		signer:  signer,
		builder: builder,
		oracle:  NewFeeOracle(chain, store),
		store:   store,
		cfg:     cfg,
		log:     log,
		metrics: m,
		now:     time.Now,
		sleep:   sleepCtx,
	}, nil
}

// Address returns the submitting account.
func (p *Pipeline) Address() common.Address { return p.signer.Address() }

// submission is the per-call state shared by sends and the bump.
type submission struct {
	intent  *txbuilder.SubmissionIntent
	sends   int
	backoff backoff.BackOff
	// unacked holds signed transactions whose send returned an error other
	// than a rejection. The node may have accepted any of them.
	unacked []sent
}

func (st *submission) remember(u *txbuilder.UnsignedTransaction, signed *ethtypes.Transaction) {
	for _, s := range st.unacked {
		if s.signed.Hash() == signed.Hash() {
			return
		}
	}
	st.unacked = append(st.unacked, sent{u: u, signed: signed})
}

// Submit builds, signs and sends intent at nonce and tracks it to a terminal
// status. A nonce-too-low rejection moves the submission to the chain's
// nonce; Result.Nonce is the nonce finally used. FeeTooHighError is returned
// before anything is sent.
func (p *Pipeline) Submit(ctx context.Context, intent *txbuilder.SubmissionIntent, nonce uint64) (*Result, error) {
	fees, err := p.estimate(ctx)
	if err != nil {
		return nil, err
	}
	u, err := p.builder.Build(intent, fees, nonce)
	if err != nil {
		p.countError(err)
		return nil, err
	}

	st := &submission{intent: intent, backoff: p.newBackOff()}
	u, signed, err := p.send(ctx, st, u, true)
	if err != nil {
		p.countError(err)
		return nil, err
	}
	res := &Result{Nonce: u.Nonce}
	res.Attempts = append(res.Attempts, p.attempt(st, u, signed))
	p.log.Infow("submission sent",
		"nonce", u.Nonce,
		"tx", signed.Hash(),
		"payload", u.PayloadHash,
		"totalFee", u.Fee.Total(),
	)
	return p.track(ctx, st, res, u)
}

// send signs and broadcasts u. Transient failures resend the same
// transaction after a backoff delay; rejections rebuild it.
func (p *Pipeline) send(ctx context.Context, st *submission, u *txbuilder.UnsignedTransaction, renonce bool) (*txbuilder.UnsignedTransaction, *ethtypes.Transaction, error) {
	var lastErr error
	for {
		if st.sends >= p.cfg.MaxAttempts {
			return nil, nil, &types.SubmissionFailedError{Nonce: u.Nonce, Attempts: st.sends, Err: lastErr}
		}
		st.sends++

		signed, err := p.signer.SignTx(ctx, u.Tx)
		if err != nil {
			var signErr *types.SigningError
			if !errors.As(err, &signErr) && ctx.Err() == nil {
				err = &types.SigningError{Err: err}
			}
			return nil, nil, err
		}
		_, err = p.chain.SendRaw(ctx, signed)
		if err == nil {
			return u, signed, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, nil, ctxErr
		}
		lastErr = err

		var rejected *types.RejectedByNodeError
		isRejected := errors.As(err, &rejected)
		if !isRejected {
			st.remember(u, signed)
		}
		switch {
		case types.IsTransient(err):
			p.metrics.IncSendRetries()
			d := st.backoff.NextBackOff()
			if d == backoff.Stop || st.sends >= p.cfg.MaxAttempts {
				return nil, nil, &types.SubmissionFailedError{Nonce: u.Nonce, Attempts: st.sends, Err: err}
			}
			p.log.Warnw("send failed, retrying", "nonce", u.Nonce, "attempt", st.sends, "in", d, "error", err)
			if err := p.sleep(ctx, d); err != nil {
				return nil, nil, err
			}
		case isRejected:
			p.metrics.IncError(metrics.ErrTypeRejected)
			if rejected.Reason == types.RejectNonceTooLow {
				mined, err := p.minedUnacked(ctx, st)
				if err != nil {
					return nil, nil, err
				}
				if mined != nil {
					p.log.Infow("nonce taken by an unacknowledged send", "nonce", mined.u.Nonce, "tx", mined.signed.Hash())
					return mined.u, mined.signed, nil
				}
			}
			next, err := p.rebuild(ctx, st, u, rejected, renonce)
			if err != nil {
				return nil, nil, err
			}
			u = next
		default:
			return nil, nil, &types.SubmissionFailedError{Nonce: u.Nonce, Attempts: st.sends, Err: err}
		}
	}
}

// minedUnacked returns the unacknowledged send that made it into a block, if
// any. Lookups that keep failing are an error: guessing "not mined" could put
// a second inclusion on chain.
func (p *Pipeline) minedUnacked(ctx context.Context, st *submission) (*sent, error) {
	for i := range st.unacked {
		s := &st.unacked[i]
		r, err := retry(ctx, p, func(ctx context.Context) (*ethtypes.Receipt, error) {
			return p.chain.TransactionReceipt(ctx, s.signed.Hash())
		})
		switch {
		case errors.Is(err, ethereum.NotFound) || (err == nil && r == nil):
			continue
		case err != nil:
			return nil, fmt.Errorf("receipt of unacknowledged %s: %w", s.signed.Hash(), err)
		}
		return s, nil
	}
	return nil, nil
}

// rebuild answers a node rejection with a new transaction, or fails.
func (p *Pipeline) rebuild(ctx context.Context, st *submission, u *txbuilder.UnsignedTransaction, rejected *types.RejectedByNodeError, renonce bool) (*txbuilder.UnsignedTransaction, error) {
	fail := &types.SubmissionFailedError{Nonce: u.Nonce, Attempts: st.sends, Err: rejected}
	switch rejected.Reason {
	case types.RejectNonceTooLow:
		if !renonce {
			return nil, fail
		}
		latest, err := retry(ctx, p, func(ctx context.Context) (uint64, error) {
			return p.chain.Nonce(ctx, p.signer.Address())
		})
		if err != nil {
			return nil, fmt.Errorf("refresh nonce: %w", err)
		}
		nonce := max(latest, u.Nonce+1)
		fees, err := p.estimate(ctx)
		if err != nil {
			return nil, err
		}
		p.log.Infow("nonce too low, rebuilding", "old", u.Nonce, "nonce", nonce)
		return p.builder.Build(st.intent, fees, nonce)
	case types.RejectUnderpriced, types.RejectFeeCapBelowBaseFee:
		fees, err := p.estimate(ctx)
		if err != nil {
			return nil, err
		}
		next, err := p.builder.Bump(u, st.intent, fees)
		if err != nil {
			return nil, err
		}
		p.metrics.IncFeeBumps()
		p.log.Infow("underpriced, bumping fee", "nonce", u.Nonce, "reason", rejected.Reason, "totalFee", next.Fee.Total())
		return next, nil
	default:
		return nil, fail
	}
}

// track polls receipts of every attempt until one is mined or the deadline
// passes. One fee bump is sent BumpLead before the deadline.
func (p *Pipeline) track(ctx context.Context, st *submission, res *Result, u *txbuilder.UnsignedTransaction) (*Result, error) {
	deadline := res.Attempts[0].SentAt.Add(p.cfg.Timeout)
	bumpAt := deadline.Add(-p.cfg.BumpLead)
	bumped := false

	for {
		if done, err := p.checkReceipts(ctx, st, res); done || err != nil {
			return res, err
		}

		now := p.now()
		if !now.Before(deadline) {
			latest, err := retry(ctx, p, func(ctx context.Context) (uint64, error) {
				return p.chain.Nonce(ctx, p.signer.Address())
			})
			if err != nil {
				return res, fmt.Errorf("nonce at deadline: %w", err)
			}
			// A receipt may have landed since the last poll.
			if done, err := p.checkReceipts(ctx, st, res); done || err != nil {
				return res, err
			}
			status := types.StatusDropped
			if latest > res.Nonce {
				status = types.StatusSuperseded
			}
			p.log.Warnw("submission not confirmed before deadline",
				"nonce", res.Nonce, "status", status, "latestNonce", latest, "attempts", len(res.Attempts))
			p.finish(res, status, len(res.Attempts)-1)
			return res, nil
		}

		if !bumped && !now.Before(bumpAt) {
			bumped = true
			next, err := p.bump(ctx, st, u)
			var signErr *types.SigningError
			switch {
			case errors.As(err, &signErr):
				return res, err
			case err != nil:
				if ctx.Err() != nil {
					return res, ctx.Err()
				}
				p.log.Warnw("fee bump failed, tracking previous attempt", "nonce", res.Nonce, "error", err)
			default:
				for i := range res.Attempts {
					res.Attempts[i].Status = types.StatusSuperseded
				}
				res.Attempts = append(res.Attempts, p.attempt(st, next.u, next.signed))
				u = next.u
				p.log.Infow("fee bumped", "nonce", res.Nonce, "tx", next.signed.Hash(), "totalFee", next.u.Fee.Total())
			}
		}

		if err := p.sleep(ctx, p.cfg.ReceiptPollInterval); err != nil {
			return res, err
		}
	}
}

type sent struct {
	u      *txbuilder.UnsignedTransaction
	signed *ethtypes.Transaction
}

func (p *Pipeline) bump(ctx context.Context, st *submission, u *txbuilder.UnsignedTransaction) (*sent, error) {
	fees, err := p.estimate(ctx)
	if err != nil {
		return nil, err
	}
	next, err := p.builder.Bump(u, st.intent, fees)
	if err != nil {
		return nil, err
	}
	p.metrics.IncFeeBumps()
	// The nonce stays: a nonce-too-low here means some attempt was mined.
	next, signed, err := p.send(ctx, st, next, false)
	if err != nil {
		return nil, err
	}
	return &sent{u: next, signed: signed}, nil
}

// checkReceipts reports whether any attempt was mined and finishes res.
// Unacknowledged sends are checked too, since one of them may win the nonce.
func (p *Pipeline) checkReceipts(ctx context.Context, st *submission, res *Result) (bool, error) {
	for i := range res.Attempts {
		r, err := p.receipt(ctx, res.Attempts[i].TxHash)
		if err != nil {
			return false, err
		}
		if r == nil {
			continue
		}
		p.mined(res, i, r)
		return true, nil
	}
	for _, s := range st.unacked {
		if res.tracks(s.signed.Hash()) {
			continue
		}
		r, err := p.receipt(ctx, s.signed.Hash())
		if err != nil {
			return false, err
		}
		if r == nil {
			continue
		}
		res.Attempts = append(res.Attempts, p.attempt(st, s.u, s.signed))
		p.mined(res, len(res.Attempts)-1, r)
		return true, nil
	}
	return false, nil
}

// receipt returns nil while hash is unmined or the lookup failed transiently.
func (p *Pipeline) receipt(ctx context.Context, hash common.Hash) (*ethtypes.Receipt, error) {
	r, err := p.chain.TransactionReceipt(ctx, hash)
	switch {
	case errors.Is(err, ethereum.NotFound):
		return nil, nil
	case err != nil:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if types.IsTransient(err) {
			p.log.Debugw("receipt lookup failed", "tx", hash, "error", err)
			return nil, nil
		}
		return nil, fmt.Errorf("receipt of %s: %w", hash, err)
	}
	return r, nil
}

func (p *Pipeline) mined(res *Result, i int, r *ethtypes.Receipt) {
	status := types.StatusConfirmed
	if r.Status != ethtypes.ReceiptStatusSuccessful {
		status = types.StatusReverted
	}
	for j := range res.Attempts {
		res.Attempts[j].Status = types.StatusSuperseded
	}
	res.Receipt = r
	res.Entry = p.decodeEntry(r)
	p.finish(res, status, i)
	p.log.Infow("submission mined",
		"nonce", res.Attempts[i].Nonce, "status", status, "tx", r.TxHash, "block", r.BlockNumber)
}

func (r *Result) tracks(hash common.Hash) bool {
	for _, a := range r.Attempts {
		if a.TxHash == hash {
			return true
		}
	}
	return false
}

func (p *Pipeline) finish(res *Result, status types.SubmissionStatus, final int) {
	res.Attempts[final].Status = status
	res.Status = status
	res.Final = res.Attempts[final]
	p.metrics.RecordSubmission(status.String(), res.Final.AttemptCount, weiToGwei(res.Final.Fee.Total()))
}

// decodeEntry returns the entry the receipt stored in the queue.
func (p *Pipeline) decodeEntry(r *ethtypes.Receipt) *types.QueueEntry {
	for _, lg := range r.Logs {
		if lg.Address != p.store.Address() {
			continue
		}
		ev, err := p.store.ParseLog(lg)
		if errors.Is(err, contracts.ErrUnknownEvent) {
			continue
		}
		if err != nil {
			p.metrics.IncError(metrics.ErrTypeDecode)
			p.log.Warnw("undecodable store log in receipt", "tx", r.TxHash, "index", lg.Index, "error", err)
			continue
		}
		if ev.Kind == types.RawStored && ev.Entry != nil {
			e := *ev.Entry
			e.Submitter = p.signer.Address()
			return &e
		}
	}
	return nil
}

func (p *Pipeline) attempt(st *submission, u *txbuilder.UnsignedTransaction, signed *ethtypes.Transaction) types.SubmissionAttempt {
	return types.SubmissionAttempt{
		Nonce:        u.Nonce,
		PayloadHash:  u.PayloadHash,
		TxHash:       signed.Hash(),
		Fee:          u.Fee,
		Status:       types.StatusPending,
		AttemptCount: uint32(st.sends),
		SentAt:       p.now(),
	}
}

func (p *Pipeline) estimate(ctx context.Context) (types.FeeEstimate, error) {
	return retry(ctx, p, p.oracle.Estimate)
}

func (p *Pipeline) countError(err error) {
	var tooHigh *types.FeeTooHighError
	var signErr *types.SigningError
	switch {
	case errors.As(err, &tooHigh):
		p.metrics.IncError(metrics.ErrTypeFeeTooHigh)
	case errors.As(err, &signErr):
		p.metrics.IncError(metrics.ErrTypeSigning)
	case types.IsTransient(err):
		p.metrics.IncError(metrics.ErrTypeRPC)
	}
}

func (p *Pipeline) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.RetryInitialDelay
	b.MaxInterval = p.cfg.RetryMaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = p.cfg.RetryJitter
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// retry runs a read until it succeeds, fails permanently or MaxAttempts runs
// out. Reads do not count toward the send budget.
func retry[T any](ctx context.Context, p *Pipeline, fn func(ctx context.Context) (T, error)) (T, error) {
	b := p.newBackOff()
	for i := 1; ; i++ {
		v, err := fn(ctx)
		if err == nil || !types.IsTransient(err) || i >= p.cfg.MaxAttempts {
			return v, err
		}
		d := b.NextBackOff()
		p.log.Debugw("read failed, retrying", "attempt", i, "in", d, "error", err)
		if err := p.sleep(ctx, d); err != nil {
			return v, err
		}
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

func weiToGwei(wei *big.Int) float64 {
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(wei), big.NewFloat(params.GWei)).Float64()
	return f
}

// Outcome summarizes the result for sinks.
func (r *Result) Outcome(seq uint64, at time.Time) types.SubmissionOutcome {
	o := types.SubmissionOutcome{
		Seq:         seq,
		Nonce:       r.Nonce,
		Status:      r.Status,
		TxHash:      r.Final.TxHash,
		PayloadHash: r.Final.PayloadHash,
		Attempts:    uint32(len(r.Attempts)),
		At:          at,
	}
	if r.Final.Fee.Value != nil {
		o.TotalFee = r.Final.Fee.Total()
	}
	if r.Receipt != nil && r.Receipt.BlockNumber != nil {
		o.Block = r.Receipt.BlockNumber.Uint64()
	}
	return o
}
