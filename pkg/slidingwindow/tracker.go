package slidingwindow

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
)

// ErrReorgTooDeep is returned when a new branch forks below the tracked range.
var ErrReorgTooDeep = errors.New("reorg deeper than tracked history")

// HeaderReader fetches headers for back-fill.
type HeaderReader interface {
	HeaderByHash(ctx context.Context, hash common.Hash) (*ethtypes.Header, error)
}

// HeadTracker follows the canonical chain and reports the blocks that became
// canonical with each new head.
type HeadTracker struct {
	chain  HeaderReader
	window Window[*ethtypes.Header]
	keep   int
}

// NewHeadTracker tracks up to keep blocks, which bounds the deepest reorg it
// can follow.
func NewHeadTracker(chain HeaderReader, keep int) *HeadTracker {
	return &HeadTracker{chain: chain, keep: max(keep, 2)}
}

// Seed sets the block the tracker builds on. It is not reported by Advance.
func (t *HeadTracker) Seed(h *ethtypes.Header) {
	t.window.TruncateFrom(0)
	_ = t.window.Append(blockOf(h))
}

// Highest returns the canonical tip number, false before the first block.
func (t *HeadTracker) Highest() (uint64, bool) {
	return t.window.Highest()
}

// Advance makes h the canonical head. It returns the headers that became
// canonical, ascending: the new branch after a reorg, the skipped blocks
// when h is ahead of the tip, or nothing when h is already known.
func (t *HeadTracker) Advance(ctx context.Context, h *ethtypes.Header) ([]*ethtypes.Header, error) {
	if t.window.Len() == 0 {
		t.push(h)
		return []*ethtypes.Header{h}, nil
	}

	n := h.Number.Uint64()
	if known, ok := t.window.Get(n); ok && known.Hash == h.Hash() {
		return nil, nil
	}
	lowest, _ := t.window.Lowest()
	if n <= lowest {
		return nil, fmt.Errorf("%w: head %d at or below tracked block %d", ErrReorgTooDeep, n, lowest)
	}

	branch := []*ethtypes.Header{h}
	cur := h
	for {
		parentNum := cur.Number.Uint64() - 1
		if known, ok := t.window.Get(parentNum); ok && known.Hash == cur.ParentHash {
			break
		}
		if parentNum <= lowest {
			return nil, fmt.Errorf("%w: block %d forks below %d", ErrReorgTooDeep, cur.Number.Uint64(), lowest)
		}
		parent, err := t.chain.HeaderByHash(ctx, cur.ParentHash)
		if err != nil {
			return nil, fmt.Errorf("back-fill parent of %d: %w", cur.Number.Uint64(), err)
		}
		branch = append(branch, parent)
		cur = parent
	}
	slices.Reverse(branch)

	t.window.TruncateFrom(branch[0].Number.Uint64())
	for _, b := range branch {
		t.push(b)
	}
	return branch, nil
}

// Rewind forgets blocks numbered n and above. The seed block is kept.
func (t *HeadTracker) Rewind(n uint64) {
	if lo, ok := t.window.Lowest(); ok && n <= lo {
		n = lo + 1
	}
	t.window.TruncateFrom(n)
}

func (t *HeadTracker) push(h *ethtypes.Header) {
	if err := t.window.Append(blockOf(h)); err != nil {
		// Callers only push verified extensions.
		panic(err)
	}
	if t.window.Len() > t.keep {
		hi, _ := t.window.Highest()
		t.window.PruneThrough(hi - uint64(t.keep))
	}
}

func blockOf(h *ethtypes.Header) Block[*ethtypes.Header] {
	return Block[*ethtypes.Header]{
		Number: h.Number.Uint64(),
		Hash:   h.Hash(),
		Parent: h.ParentHash,
		Data:   h,
	}
}
