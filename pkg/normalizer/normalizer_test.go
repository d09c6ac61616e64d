package normalizer

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/slidingwindow"
	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/types"
)

func blockHash(n uint64, branch byte) common.Hash {
	var h common.Hash
	h[0] = branch
	binary.BigEndian.PutUint64(h[24:], n)
	return h
}

func txHash(b byte) common.Hash {
	return common.Hash{0xee, b}
}

func head(n uint64, branch, parentBranch byte) types.RawEvent {
	return types.RawEvent{
		Kind:        types.RawHead,
		BlockNumber: n,
		BlockHash:   blockHash(n, branch),
		ParentHash:  blockHash(n-1, parentBranch),
	}
}

func stored(n uint64, branch, tx byte, index uint) types.RawEvent {
	return types.RawEvent{
		Kind:        types.RawStored,
		BlockNumber: n,
		BlockHash:   blockHash(n, branch),
		TxHash:      txHash(tx),
		LogIndex:    index,
		Entry:       &types.QueueEntry{PayloadHash: common.Hash{tx}, DeadlineUnit: types.DeadlineTimestamp},
	}
}

func removed(ev types.RawEvent) types.RawEvent {
	ev.Removed = true
	return ev
}

func newTestNormalizer(t *testing.T, depth uint64, seed Seed) *Normalizer {
	t.Helper()
	if seed.Anchor == nil {
		seed.Anchor = &Anchor{Number: 99, Hash: blockHash(99, 'a')}
	}
	n, err := New(Config{ConfirmationDepth: depth}, seed, zap.NewNop().Sugar(), nil, nil)
	require.NoError(t, err)
	return n
}

// feed processes events in order and returns every change.
func feed(t *testing.T, n *Normalizer, events ...types.RawEvent) []types.QueueChange {
	t.Helper()
	var out []types.QueueChange
	for _, ev := range events {
		changes, err := n.Process(ev)
		require.NoError(t, err, "event %s at block %d", ev.Kind, ev.BlockNumber)
		out = append(out, changes...)
	}
	return out
}

func changeKinds(changes []types.QueueChange) []types.ChangeKind {
	out := make([]types.ChangeKind, 0, len(changes))
	for _, c := range changes {
		out = append(out, c.Kind)
	}
	return out
}

func TestNew_RejectsInvalidSeed(t *testing.T) {
	t.Parallel()
	_, err := New(Config{}, Seed{Head: 3, Tail: 2}, zap.NewNop().Sugar(), nil, nil)
	require.Error(t, err)
}

func TestNormalizer_EnqueuedThenRemoved(t *testing.T) {
	t.Parallel()
	n := newTestNormalizer(t, 12, Seed{})

	log := stored(100, 'a', 1, 0)
	got := feed(t, n, log, head(100, 'a', 'a'), removed(log))

	require.Equal(t, []types.ChangeKind{types.ChangeEnqueued, types.ChangeReorged}, changeKinds(got))
	enq := got[0]
	require.True(t, enq.Provisional)
	require.Equal(t, uint64(0), enq.Entry.Index)
	require.Equal(t, types.EventKey{Block: 100, LogIndex: 0}, enq.Key)

	reorg := got[1]
	require.False(t, reorg.Provisional)
	require.Equal(t, types.BlockRange{From: 100, To: 100}, reorg.Reorg.Blocks)
	require.Equal(t, &types.IndexRange{From: 0, To: 0}, reorg.Reorg.Enqueued)
	require.Nil(t, reorg.Reorg.Processed)
	require.Equal(t, []types.EventKey{enq.Key}, reorg.Reorg.Retracted)

	h, tl := n.Bounds()
	require.Equal(t, uint64(0), h)
	require.Equal(t, uint64(0), tl)

	// A head of the removed branch that was already queued is ignored, the
	// replacement branch is accepted.
	got = feed(t, n, head(101, 'a', 'a'), head(100, 'b', 'a'), head(101, 'b', 'b'))
	require.Empty(t, got)

	// The retracted log can come back on the new branch.
	got = feed(t, n, stored(102, 'b', 1, 0), head(102, 'b', 'b'))
	require.Equal(t, []types.ChangeKind{types.ChangeEnqueued}, changeKinds(got))
	require.Equal(t, uint64(0), got[0].Entry.Index)
}

func TestNormalizer_Idempotent(t *testing.T) {
	t.Parallel()
	n := newTestNormalizer(t, 12, Seed{})

	log := stored(100, 'a', 1, 3)
	got := feed(t, n, log, log, head(100, 'a', 'a'), log, head(100, 'a', 'a'))
	require.Len(t, got, 1)
	require.Equal(t, types.ChangeEnqueued, got[0].Kind)

	// Still deduplicated once finalized.
	n2 := newTestNormalizer(t, 0, Seed{})
	got = feed(t, n2, log, head(100, 'a', 'a'), log)
	require.Len(t, got, 1)
	require.False(t, got[0].Provisional)
}

func TestNormalizer_OrdersByLogIndex(t *testing.T) {
	t.Parallel()
	n := newTestNormalizer(t, 12, Seed{Head: 4, Tail: 4})

	got := feed(t, n, stored(100, 'a', 2, 7), stored(100, 'a', 1, 2), head(100, 'a', 'a'))
	require.Len(t, got, 2)
	require.Equal(t, uint(2), got[0].Key.LogIndex)
	require.Equal(t, uint64(4), got[0].Entry.Index)
	require.Equal(t, uint(7), got[1].Key.LogIndex)
	require.Equal(t, uint64(5), got[1].Entry.Index)
}

func TestNormalizer_ReorgByHead(t *testing.T) {
	t.Parallel()
	n := newTestNormalizer(t, 12, Seed{})

	got := feed(t, n,
		stored(100, 'a', 1, 0), head(100, 'a', 'a'),
		stored(101, 'a', 2, 0), head(101, 'a', 'a'),
		head(102, 'a', 'a'),
	)
	require.Len(t, got, 2)

	// 101 and 102 are replaced; the new 101 carries a different log.
	got = feed(t, n, stored(101, 'b', 3, 1), head(101, 'b', 'a'), head(102, 'b', 'b'))
	require.Equal(t, []types.ChangeKind{types.ChangeReorged, types.ChangeEnqueued}, changeKinds(got))

	reorg := got[0].Reorg
	require.Equal(t, types.BlockRange{From: 101, To: 102}, reorg.Blocks)
	require.Equal(t, &types.IndexRange{From: 1, To: 1}, reorg.Enqueued)
	require.Equal(t, []types.EventKey{{Block: 101, LogIndex: 0}}, reorg.Retracted)
	require.Equal(t, blockHash(101, 'a'), got[0].BlockHash)

	require.Equal(t, txHash(3), got[1].TxHash)
	require.Equal(t, uint64(1), got[1].Entry.Index)
}

func TestNormalizer_ReorgWithoutEmittedChanges(t *testing.T) {
	t.Parallel()
	n := newTestNormalizer(t, 12, Seed{})

	got := feed(t, n, head(100, 'a', 'a'), head(101, 'a', 'a'), head(101, 'b', 'a'))
	require.Empty(t, got, "retracting empty blocks emits nothing")
}

func TestNormalizer_Finality(t *testing.T) {
	t.Parallel()
	state, err := slidingwindow.NewState(99, 99)
	require.NoError(t, err)
	n, err := New(Config{ConfirmationDepth: 2},
		Seed{Anchor: &Anchor{Number: 99, Hash: blockHash(99, 'a')}},
		zap.NewNop().Sugar(), nil, state)
	require.NoError(t, err)

	log := stored(100, 'a', 1, 0)
	got := feed(t, n, log, head(100, 'a', 'a'), head(101, 'a', 'a'))
	require.Len(t, got, 1)
	require.True(t, got[0].Provisional)
	require.Equal(t, uint64(99), n.LastFinalized())

	feed(t, n, head(102, 'a', 'a'))
	require.Equal(t, uint64(100), n.LastFinalized())
	require.Equal(t, uint64(100), state.GetFinalized())
	require.Equal(t, uint64(102), state.GetHighest())

	tests := []struct {
		name string
		ev   types.RawEvent
	}{
		{name: "removal of a finalized log", ev: removed(log)},
		{name: "head replacing a finalized block", ev: head(100, 'b', 'a')},
		{name: "late log for a finalized block", ev: stored(100, 'a', 9, 4)},
	}
	for _, tt := range tests {
		_, err := n.Process(tt.ev)
		var inconsistent *types.InconsistentStateError
		require.ErrorAs(t, err, &inconsistent, tt.name)
	}

	// Duplicates of finalized heads and logs are not errors.
	require.Empty(t, feed(t, n, head(100, 'a', 'a'), log))
}

func TestNormalizer_CatchUpEmitsFinal(t *testing.T) {
	t.Parallel()
	n := newTestNormalizer(t, 12, Seed{})

	h := head(100, 'a', 'a')
	h.Tip = 200
	got := feed(t, n, stored(100, 'a', 1, 0), h)
	require.Len(t, got, 1)
	require.False(t, got[0].Provisional)
	require.Equal(t, uint64(100), n.LastFinalized())

	h = head(195, 'a', 'a')
	h.Tip = 200
	_, err := n.Process(h)
	require.Error(t, err, "gaps are not back-filled by the normalizer")
}

func TestNormalizer_LateLog(t *testing.T) {
	t.Parallel()
	n := newTestNormalizer(t, 12, Seed{})

	got := feed(t, n,
		stored(100, 'a', 1, 0), head(100, 'a', 'a'),
		stored(101, 'a', 2, 0), head(101, 'a', 'a'),
	)
	require.Len(t, got, 2)

	got = feed(t, n, stored(100, 'a', 3, 5))
	require.Equal(t, []types.ChangeKind{
		types.ChangeReorged, types.ChangeEnqueued, types.ChangeEnqueued, types.ChangeEnqueued,
	}, changeKinds(got))
	require.Equal(t, types.BlockRange{From: 100, To: 101}, got[0].Reorg.Blocks)
	require.Equal(t, &types.IndexRange{From: 0, To: 1}, got[0].Reorg.Enqueued)

	require.Equal(t, txHash(1), got[1].TxHash)
	require.Equal(t, uint64(0), got[1].Entry.Index)
	require.Equal(t, txHash(3), got[2].TxHash)
	require.Equal(t, uint64(1), got[2].Entry.Index)
	require.Equal(t, txHash(2), got[3].TxHash)
	require.Equal(t, uint64(2), got[3].Entry.Index)
	for _, c := range got[1:] {
		require.True(t, c.Provisional)
	}

	_, tl := n.Bounds()
	require.Equal(t, uint64(3), tl)
}

func TestNormalizer_RemovedPendingLog(t *testing.T) {
	t.Parallel()
	n := newTestNormalizer(t, 12, Seed{})

	log := stored(100, 'a', 1, 0)
	got := feed(t, n, log, removed(log), head(100, 'a', 'a'))
	require.Empty(t, got)

	// Unknown removal notices are ignored.
	require.Empty(t, feed(t, n, removed(stored(100, 'z', 7, 1))))
}

func TestNormalizer_Consumption(t *testing.T) {
	t.Parallel()

	consumed := func(n uint64, tx byte, index uint) types.RawEvent {
		ev := stored(n, 'a', tx, index)
		ev.Kind = types.RawConsumed
		return ev
	}
	queueHead := func(n, qh uint64) types.RawEvent {
		return types.RawEvent{
			Kind:        types.RawQueueHead,
			BlockNumber: n,
			BlockHash:   blockHash(n, 'a'),
			TxHash:      blockHash(n, 'a'),
			LogIndex:    types.SyntheticLogIndex,
			QueueHead:   qh,
		}
	}

	tests := []struct {
		name          string
		seed          Seed
		events        []types.RawEvent
		wantProcessed []types.IndexRange
		wantErr       bool
	}{
		{
			name:          "consumed log",
			seed:          Seed{Head: 0, Tail: 2},
			events:        []types.RawEvent{consumed(100, 1, 0), consumed(100, 2, 1)},
			wantProcessed: []types.IndexRange{{From: 0, To: 0}, {From: 1, To: 1}},
		},
		{
			name:    "consumed on empty queue",
			seed:    Seed{Head: 2, Tail: 2},
			events:  []types.RawEvent{consumed(100, 1, 0)},
			wantErr: true,
		},
		{
			name:          "queue head advance",
			seed:          Seed{Head: 1, Tail: 4},
			events:        []types.RawEvent{queueHead(100, 3)},
			wantProcessed: []types.IndexRange{{From: 1, To: 2}},
		},
		{
			name:   "queue head unchanged",
			seed:   Seed{Head: 1, Tail: 4},
			events: []types.RawEvent{queueHead(100, 1)},
		},
		{
			name:          "queue head covers entries stored in the same block",
			seed:          Seed{Head: 0, Tail: 0},
			events:        []types.RawEvent{stored(100, 'a', 1, 0), queueHead(100, 1)},
			wantProcessed: []types.IndexRange{{From: 0, To: 0}},
		},
		{
			name:    "queue head moves back",
			seed:    Seed{Head: 3, Tail: 4},
			events:  []types.RawEvent{queueHead(100, 2)},
			wantErr: true,
		},
		{
			name:    "queue head past tail",
			seed:    Seed{Head: 3, Tail: 4},
			events:  []types.RawEvent{queueHead(100, 5)},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			n := newTestNormalizer(t, 12, tt.seed)
			for _, ev := range tt.events {
				_, err := n.Process(ev)
				require.NoError(t, err)
			}
			changes, err := n.Process(head(100, 'a', 'a'))
			if tt.wantErr {
				var inconsistent *types.InconsistentStateError
				require.ErrorAs(t, err, &inconsistent)
				h, tl := n.Bounds()
				assert.Equal(t, tt.seed.Head, h, "bounds must not move on error")
				assert.Equal(t, tt.seed.Tail, tl)
				return
			}
			require.NoError(t, err)
			var processed []types.IndexRange
			for _, c := range changes {
				if c.Kind == types.ChangeProcessed {
					processed = append(processed, c.Processed)
				}
			}
			require.Equal(t, tt.wantProcessed, processed)
		})
	}
}

func TestNormalizer_Connects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		ev   types.RawEvent
	}{
		{name: "gap", ev: head(101, 'a', 'a')},
		{name: "parent mismatch", ev: head(100, 'a', 'x')},
		{name: "below anchor", ev: head(98, 'a', 'a')},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			n := newTestNormalizer(t, 12, Seed{})
			_, err := n.Process(tt.ev)
			var inconsistent *types.InconsistentStateError
			require.ErrorAs(t, err, &inconsistent)
		})
	}
}

func TestNormalizer_RunTerminates(t *testing.T) {
	t.Parallel()
	n := newTestNormalizer(t, 1, Seed{})

	in := make(chan types.RawEvent, 16)
	out := make(chan types.QueueChange, 16)
	for _, ev := range []types.RawEvent{
		stored(100, 'a', 1, 0), head(100, 'a', 'a'),
		stored(101, 'a', 2, 0), head(101, 'a', 'a'),
	} {
		in <- ev
	}
	close(in)

	err := n.Run(t.Context(), in, out)
	var terminated *types.StreamTerminatedError
	require.ErrorAs(t, err, &terminated)
	require.Equal(t, uint64(100), terminated.LastFinalized)

	close(out)
	var got []types.QueueChange
	for c := range out {
		got = append(got, c)
	}
	require.Equal(t, []types.ChangeKind{
		types.ChangeEnqueued, types.ChangeEnqueued, types.ChangeReorged,
	}, changeKinds(got))
	require.True(t, got[1].Provisional)
	require.Equal(t, types.BlockRange{From: 101, To: 101}, got[2].Reorg.Blocks)

	// A new stream starting after the finalized block replays 101.
	in = make(chan types.RawEvent, 4)
	out = make(chan types.QueueChange, 4)
	in <- stored(101, 'a', 2, 0)
	in <- head(101, 'a', 'a')
	close(in)
	require.ErrorAs(t, n.Run(t.Context(), in, out), &terminated)
	c := <-out
	require.Equal(t, types.ChangeEnqueued, c.Kind)
	require.Equal(t, uint64(1), c.Entry.Index)
}

func TestNormalizer_RunStopsOnCancel(t *testing.T) {
	t.Parallel()
	n := newTestNormalizer(t, 1, Seed{})

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	err := n.Run(ctx, make(chan types.RawEvent), make(chan types.QueueChange))
	require.True(t, errors.Is(err, context.Canceled))
}
