package slidingwindow

import (
	"fmt"
	"sync"
	"time"
)

// State is a thread-safe store for the monitor watermarks.
type State struct {
	mu        sync.Mutex
	finalized uint64    // highest block whose changes are final.
	highest   uint64    // highest canonical block observed.
	updatedAt time.Time // last time highest moved.
	now       func() time.Time
}

// NewState creates a new State with the given initial watermarks.
func NewState(initialFinalized, initialHighest uint64) (*State, error) {
	if initialHighest < initialFinalized {
		return nil, fmt.Errorf(
			"invalid initial watermarks: highest < finalized: %d < %d",
			initialHighest,
			initialFinalized,
		)
	}
	return &State{
		finalized: initialFinalized,
		highest:   initialHighest,
		updatedAt: time.Now(),
		now:       time.Now,
	}, nil
}

// GetFinalized returns the highest finalized block.
func (s *State) GetFinalized() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalized
}

// GetHighest returns the highest observed block.
func (s *State) GetHighest() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.highest
}

// Update moves both watermarks. Highest may move backwards (reorg to a
// shorter chain) but never below finalized, and finalized never decreases.
func (s *State) Update(finalized, highest uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if highest < finalized {
		return fmt.Errorf(
			"invalid watermark update: highest < finalized: %d < %d",
			highest,
			finalized,
		)
	}
	if finalized < s.finalized {
		return fmt.Errorf(
			"invalid watermark update: finalized moved backwards: %d < %d",
			finalized,
			s.finalized,
		)
	}
	if highest != s.highest {
		s.updatedAt = s.now()
	}
	s.finalized = finalized
	s.highest = highest
	return nil
}

// Reset sets both watermarks unconditionally (used when a stream restarts).
func (s *State) Reset(finalized uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalized = finalized
	s.highest = finalized
	s.updatedAt = s.now()
}

// SinceUpdate returns how long highest has not moved.
func (s *State) SinceUpdate() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now().Sub(s.updatedAt)
}
