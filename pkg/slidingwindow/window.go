package slidingwindow

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrNotContiguous  = errors.New("block does not extend the window")
	ErrParentMismatch = errors.New("block parent does not match window tip")
)

// Block is one window slot.
type Block[T any] struct {
	Number uint64
	Hash   common.Hash
	Parent common.Hash
	Data   T
}

// Window holds contiguous blocks in ascending order. It is not safe for
// concurrent use.
type Window[T any] struct {
	blocks []Block[T]
}

func (w *Window[T]) Len() int { return len(w.blocks) }

// Lowest returns the lowest block number, false when empty.
func (w *Window[T]) Lowest() (uint64, bool) {
	if len(w.blocks) == 0 {
		return 0, false
	}
	return w.blocks[0].Number, true
}

// Highest returns the highest block number, false when empty.
func (w *Window[T]) Highest() (uint64, bool) {
	if len(w.blocks) == 0 {
		return 0, false
	}
	return w.blocks[len(w.blocks)-1].Number, true
}

// Tip returns the highest block.
func (w *Window[T]) Tip() (*Block[T], bool) {
	if len(w.blocks) == 0 {
		return nil, false
	}
	return &w.blocks[len(w.blocks)-1], true
}

// Get returns the block at number n.
func (w *Window[T]) Get(n uint64) (*Block[T], bool) {
	lo, ok := w.Lowest()
	if !ok || n < lo || n-lo >= uint64(len(w.blocks)) {
		return nil, false
	}
	return &w.blocks[n-lo], true
}

// Append adds b on top of the window.
func (w *Window[T]) Append(b Block[T]) error {
	if tip, ok := w.Tip(); ok {
		if b.Number != tip.Number+1 {
			return fmt.Errorf("%w: got %d, tip %d", ErrNotContiguous, b.Number, tip.Number)
		}
		if b.Parent != tip.Hash {
			return fmt.Errorf("%w: block %d parent %s, tip %s", ErrParentMismatch, b.Number, b.Parent, tip.Hash)
		}
	}
	w.blocks = append(w.blocks, b)
	return nil
}

// TruncateFrom removes blocks numbered n and above and returns them in
// ascending order.
func (w *Window[T]) TruncateFrom(n uint64) []Block[T] {
	lo, ok := w.Lowest()
	if !ok {
		return nil
	}
	i := 0
	if n > lo {
		i = int(min(n-lo, uint64(len(w.blocks))))
	}
	removed := append([]Block[T](nil), w.blocks[i:]...)
	clear(w.blocks[i:])
	w.blocks = w.blocks[:i]
	return removed
}

// PruneThrough removes blocks numbered n and below and returns them in
// ascending order.
func (w *Window[T]) PruneThrough(n uint64) []Block[T] {
	lo, ok := w.Lowest()
	if !ok || n < lo {
		return nil
	}
	i := int(min(n-lo+1, uint64(len(w.blocks))))
	removed := append([]Block[T](nil), w.blocks[:i]...)
	w.blocks = append(w.blocks[:0:0], w.blocks[i:]...)
	return removed
}

// Blocks returns the blocks in ascending order. The slice must not be
// modified.
func (w *Window[T]) Blocks() []Block[T] {
	return w.blocks
}
