package slidingwindow

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// StartWatchdog periodically warns when no new block arrived for maxStall or
// when the unfinalized span grows past maxLag blocks. Blocks until ctx is done.
func StartWatchdog(ctx context.Context, log *zap.SugaredLogger, s *State, interval, maxStall time.Duration, maxLag uint64) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			finalized := s.GetFinalized()
			highest := s.GetHighest()
			if highest-finalized > maxLag {
				log.Warnw("finality lag too large",
					"lag", highest-finalized,
					"highest", highest,
					"finalized", finalized,
				)
			}
			if stalled := s.SinceUpdate(); stalled > maxStall {
				log.Warnw("no new block", "since", stalled, "highest", highest)
			}
		}
	}
}

// Healthy reports an error when no new block arrived for maxStall.
func (s *State) Healthy(maxStall time.Duration) error {
	if stalled := s.SinceUpdate(); stalled > maxStall {
		return fmt.Errorf("no new block for %s (highest %d)", stalled.Round(time.Second), s.GetHighest())
	}
	return nil
}
