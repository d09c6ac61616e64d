package slidingwindow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/contracts/testutils"
	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/types"
)

func newTestSource(chain *fakeChain, store *testutils.Store, cfg SourceConfig) *Source {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Millisecond
	}
	s := NewSource(chain, store, cfg, zap.NewNop().Sugar())
	s.newBackOff = func() backoff.BackOff {
		return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 3)
	}
	return s
}

// collectUntil reads events until a RawHead for block n arrives.
func collectUntil(t *testing.T, out <-chan types.RawEvent, n uint64) []types.RawEvent {
	t.Helper()
	var got []types.RawEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-out:
			require.True(t, ok, "source closed early")
			got = append(got, ev)
			if ev.Kind == types.RawHead && ev.BlockNumber == n {
				return got
			}
		case <-timeout:
			t.Fatalf("no head %d after %d events", n, len(got))
		}
	}
}

func kinds(evs []types.RawEvent) []types.RawKind {
	out := make([]types.RawKind, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Kind)
	}
	return out
}

func heads(evs []types.RawEvent) []types.RawEvent {
	var out []types.RawEvent
	for _, ev := range evs {
		if ev.Kind == types.RawHead {
			out = append(out, ev)
		}
	}
	return out
}

func TestSource_PollDeliversBlocks(t *testing.T) {
	t.Parallel()
	chain := newFakeChain(5)
	store := testutils.NewStore(0)
	store.BoundsAt = func(block uint64) (uint64, uint64) { return 0, 1 }
	chain.addLog(store.Log(types.RawStored, testutils.Entry(0), 3, chain.header(3).Hash(), common.HexToHash("0x71"), 4))

	src := newTestSource(chain, store, SourceConfig{From: 2})
	out := make(chan types.RawEvent, 64)
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- src.Run(ctx, out) }()

	got := collectUntil(t, out, 5)
	require.Equal(t, []types.RawKind{
		types.RawQueueHead, types.RawHead, // 2
		types.RawStored, types.RawQueueHead, types.RawHead, // 3
		types.RawQueueHead, types.RawHead, // 4
		types.RawQueueHead, types.RawHead, // 5
	}, kinds(got))

	stored := got[2]
	require.Equal(t, uint64(3), stored.BlockNumber)
	require.Equal(t, uint(4), stored.LogIndex)
	require.Equal(t, uint(types.SyntheticLogIndex), got[3].LogIndex)

	for i, h := range heads(got) {
		hdr := chain.header(uint64(2 + i))
		require.Equal(t, hdr.Hash(), h.BlockHash)
		require.Equal(t, hdr.ParentHash, h.ParentHash)
		require.Equal(t, uint64(5), h.Tip)
	}

	// Rewrite 4 and 5 and grow to 6.
	chain.reorg(4, 3, 'b')
	got = collectUntil(t, out, 6)
	hs := heads(got)
	require.Len(t, hs, 3)
	require.Equal(t, chain.header(3).Hash(), hs[0].ParentHash)
	for i, h := range hs {
		require.Equal(t, chain.header(uint64(4+i)).Hash(), h.BlockHash)
	}

	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)
	_, ok := <-out
	require.False(t, ok, "output must be closed")
}

func TestSource_FromZeroStartsAtTip(t *testing.T) {
	t.Parallel()
	chain := newFakeChain(9)
	store := testutils.NewStore(0)
	store.Consumption = true

	src := newTestSource(chain, store, SourceConfig{})
	out := make(chan types.RawEvent, 16)
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	go func() { _ = src.Run(ctx, out) }()

	got := collectUntil(t, out, 9)
	// Consumption events come from logs, so no queue head is synthesized.
	require.Equal(t, []types.RawKind{types.RawHead}, kinds(got))
}

func TestSource_CatchUpInSteps(t *testing.T) {
	t.Parallel()
	chain := newFakeChain(7)
	store := testutils.NewStore(0)
	store.Consumption = true

	src := newTestSource(chain, store, SourceConfig{From: 1, CatchUpStep: 2})
	out := make(chan types.RawEvent, 64)
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	go func() { _ = src.Run(ctx, out) }()

	hs := heads(collectUntil(t, out, 7))
	require.Len(t, hs, 7)
	for i, h := range hs {
		require.Equal(t, uint64(i+1), h.BlockNumber)
		require.Equal(t, uint64(7), h.Tip)
	}
}

func TestSource_RetriesTransientErrors(t *testing.T) {
	t.Parallel()
	chain := newFakeChain(3)
	chain.failFilter = 2
	store := testutils.NewStore(0)
	store.Consumption = true

	src := newTestSource(chain, store, SourceConfig{From: 1})
	out := make(chan types.RawEvent, 64)
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	go func() { _ = src.Run(ctx, out) }()

	hs := heads(collectUntil(t, out, 3))
	require.Len(t, hs, 3, "failed blocks must be delivered once")
	require.Equal(t, uint64(1), hs[0].BlockNumber)
}

func TestSource_GivesUp(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
	}{
		{name: "transient past budget", err: &types.RpcError{Op: "header", Err: errors.New("connection refused")}},
		{name: "permanent", err: errors.New("boom")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			chain := newFakeChain(3)
			chain.failHeads = tt.err

			src := newTestSource(chain, testutils.NewStore(0), SourceConfig{From: 1})
			out := make(chan types.RawEvent, 1)
			err := src.Run(t.Context(), out)
			require.ErrorIs(t, err, tt.err)
			_, ok := <-out
			require.False(t, ok)
		})
	}
}

func TestSource_PushForwardsLogs(t *testing.T) {
	t.Parallel()
	chain := newPushChain(3)
	store := testutils.NewStore(0)
	store.Consumption = true
	stored := store.Log(types.RawStored, testutils.Entry(0), 3, chain.header(3).Hash(), common.HexToHash("0x71"), 0)
	chain.addLog(stored)

	src := newTestSource(chain, store, SourceConfig{From: 1, Subscribe: true})
	out := make(chan types.RawEvent, 64)
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- src.Run(ctx, out) }()

	early := store.Log(types.RawStored, testutils.Entry(1), 0, chain.header(0).Hash(), common.HexToHash("0x70"), 0)
	removed := stored
	removed.Removed = true
	chain.pushLog(early)
	chain.pushLog(stored)
	chain.pushLog(removed)

	var live, retracted int
	timeout := time.After(5 * time.Second)
	for live < 2 || retracted < 1 {
		select {
		case ev := <-out:
			require.NotEqual(t, uint64(0), ev.BlockNumber, "logs before From must be skipped")
			if ev.Kind != types.RawStored {
				continue
			}
			require.Equal(t, stored.TxHash, ev.TxHash)
			if ev.Removed {
				retracted++
			} else {
				live++
			}
		case <-timeout:
			t.Fatalf("got %d live and %d removed stored events", live, retracted)
		}
	}
	// Polled and pushed copies both arrive; deduplication is downstream.
	require.Equal(t, 2, live)

	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)
	require.True(t, chain.allUnsubscribed())
}

func TestSource_PushStopsForwarderBeforeClosing(t *testing.T) {
	t.Parallel()
	chain := newPushChain(3)
	chain.failHeads = errors.New("boom")
	store := testutils.NewStore(0)

	src := newTestSource(chain, store, SourceConfig{Subscribe: true})
	out := make(chan types.RawEvent, 1)
	err := src.Run(t.Context(), out)
	require.ErrorIs(t, err, chain.failHeads)
	require.True(t, chain.allUnsubscribed(), "forwarder must exit before Run returns")

	// A late notification must not reach the closed output.
	chain.pushLog(store.Log(types.RawStored, testutils.Entry(0), 2, chain.header(2).Hash(), common.HexToHash("0x72"), 0))
	_, ok := <-out
	require.False(t, ok)
}
