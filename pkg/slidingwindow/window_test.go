package slidingwindow

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func hashOf(n uint64, tag byte) common.Hash {
	var h common.Hash
	h[0] = tag
	h[31] = byte(n)
	h[30] = byte(n >> 8)
	return h
}

func fill(t *testing.T, w *Window[int], from, to uint64) {
	t.Helper()
	for n := from; n <= to; n++ {
		require.NoError(t, w.Append(Block[int]{Number: n, Hash: hashOf(n, 'a'), Parent: hashOf(n-1, 'a'), Data: int(n)}))
	}
}

func TestWindow_Append(t *testing.T) {
	t.Parallel()

	var w Window[int]
	_, ok := w.Highest()
	require.False(t, ok)

	fill(t, &w, 10, 12)
	lo, _ := w.Lowest()
	hi, _ := w.Highest()
	require.Equal(t, uint64(10), lo)
	require.Equal(t, uint64(12), hi)

	err := w.Append(Block[int]{Number: 14, Parent: hashOf(13, 'a')})
	require.ErrorIs(t, err, ErrNotContiguous)

	err = w.Append(Block[int]{Number: 13, Parent: hashOf(12, 'b')})
	require.ErrorIs(t, err, ErrParentMismatch)

	b, ok := w.Get(11)
	require.True(t, ok)
	require.Equal(t, 11, b.Data)
	_, ok = w.Get(9)
	require.False(t, ok)
	_, ok = w.Get(13)
	require.False(t, ok)
}

func TestWindow_TruncateFrom(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		from        uint64
		wantRemoved []uint64
		wantLen     int
	}{
		{name: "above tip", from: 20, wantRemoved: nil, wantLen: 5},
		{name: "tip only", from: 14, wantRemoved: []uint64{14}, wantLen: 4},
		{name: "middle", from: 12, wantRemoved: []uint64{12, 13, 14}, wantLen: 2},
		{name: "below lowest", from: 3, wantRemoved: []uint64{10, 11, 12, 13, 14}, wantLen: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var w Window[int]
			fill(t, &w, 10, 14)

			removed := w.TruncateFrom(tt.from)
			var nums []uint64
			for _, b := range removed {
				nums = append(nums, b.Number)
			}
			require.Equal(t, tt.wantRemoved, nums)
			require.Equal(t, tt.wantLen, w.Len())
		})
	}
}

func TestWindow_PruneThrough(t *testing.T) {
	t.Parallel()

	var w Window[int]
	fill(t, &w, 10, 14)

	require.Empty(t, w.PruneThrough(9))
	removed := w.PruneThrough(11)
	require.Len(t, removed, 2)
	require.Equal(t, uint64(10), removed[0].Number)

	lo, _ := w.Lowest()
	require.Equal(t, uint64(12), lo)

	// Appending still checks against the tip after pruning.
	require.NoError(t, w.Append(Block[int]{Number: 15, Hash: hashOf(15, 'a'), Parent: hashOf(14, 'a')}))

	require.Len(t, w.PruneThrough(100), 4)
	require.Equal(t, 0, w.Len())
}
