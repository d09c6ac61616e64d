package checkpointer

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Checkpointer abstracts checkpoint persistence across data stores. A
// checkpoint is the last finalized block a queue monitor emitted for one
// store on one chain; a restarted monitor resumes right after it.
type Checkpointer interface {
	// Initialize ensures the underlying storage is ready (creates tables,
	// schemas, etc.). It is idempotent.
	Initialize(ctx context.Context) error

	// Write persists a checkpoint keyed by chain id and store address.
	Write(ctx context.Context, chainID uint64, store common.Address, lastFinalized uint64) error

	// Read returns the latest checkpoint. exists is false when none was
	// written yet.
	Read(ctx context.Context, chainID uint64, store common.Address) (lastFinalized uint64, exists bool, err error)
}

// FinalizedSource exposes the finalized watermark. slidingwindow.State
// implements it.
type FinalizedSource interface {
	GetFinalized() uint64
}

// Start periodically persists the finalized watermark. It writes only when
// the watermark moved, and once more on shutdown.
//
// Returns nil on context cancellation (graceful shutdown), or an error if
// checkpoint writes fail after all retries.
func Start(
	ctx context.Context,
	s FinalizedSource,
	checkpointer Checkpointer,
	cfg Config,
	chainID uint64,
	store common.Address,
) error {
	t := time.NewTicker(cfg.Interval)
	defer t.Stop()

	var (
		written uint64
		wrote   bool
	)
	write := func(ctx context.Context) error {
		finalized := s.GetFinalized()
		if wrote && finalized == written {
			return nil
		}
		var lastErr error
		for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
			if ctx.Err() != nil {
				return nil
			}

			writeCtx, cancel := context.WithTimeout(ctx, cfg.WriteTimeout)
			lastErr = checkpointer.Write(writeCtx, chainID, store, finalized)
			cancel()
			if lastErr == nil {
				written, wrote = finalized, true
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}

			// Don't sleep after the last attempt
			if attempt < cfg.MaxRetries {
				select {
				case <-time.After(cfg.RetryBackoff):
				case <-ctx.Done():
					return nil
				}
			}
		}
		return fmt.Errorf("failed to write checkpoint (finalized: %d) after %d retries: %w",
			finalized, cfg.MaxRetries+1, lastErr)
	}

	for {
		select {
		case <-ctx.Done():
			// Shutdown write, detached from the cancelled context.
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.WriteTimeout)
			defer cancel()
			if err := write(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown checkpoint: %w", err)
			}
			return nil

		case <-t.C:
			if err := write(ctx); err != nil {
				return err
			}
		}
	}
}
