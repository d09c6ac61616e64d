package slidingwindow

import (
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/types"
)

var errNoSubscriptions = errors.New("notifications not supported")

// fakeChain is an in-memory chain whose canonical branch can be rewritten.
type fakeChain struct {
	mu     sync.Mutex
	byHash map[common.Hash]*ethtypes.Header
	canon  []*ethtypes.Header
	logs   map[common.Hash][]ethtypes.Log

	// failFilter fails that many FilterLogs calls with a transient error.
	failFilter int
	// failHeads fails every HeaderByNumber call when set.
	failHeads   error
	filterCalls int

	// push enables subscriptions. subscribed is closed once both exist.
	push       bool
	subscribed chan struct{}
	logSub     chan<- ethtypes.Log
	subs       []*fakeSub
}

// fakeSub is a subscription that records whether it was cancelled.
type fakeSub struct {
	mu     sync.Mutex
	err    chan error
	closed bool
}

func newFakeSub() *fakeSub { return &fakeSub{err: make(chan error, 1)} }

func (s *fakeSub) Err() <-chan error { return s.err }

func (s *fakeSub) Unsubscribe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.err)
	}
}

func (s *fakeSub) unsubscribed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func newPushChain(n uint64) *fakeChain {
	c := newFakeChain(n)
	c.push = true
	c.subscribed = make(chan struct{})
	return c
}

// pushLog hands lg to the log subscriber as a node notification would.
func (c *fakeChain) pushLog(lg ethtypes.Log) {
	<-c.subscribed
	c.mu.Lock()
	ch := c.logSub
	c.mu.Unlock()
	ch <- lg
}

func (c *fakeChain) allUnsubscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.subs {
		if !s.unsubscribed() {
			return false
		}
	}
	return len(c.subs) > 0
}

func newFakeChain(n uint64) *fakeChain {
	c := &fakeChain{byHash: map[common.Hash]*ethtypes.Header{}, logs: map[common.Hash][]ethtypes.Log{}}
	c.extend(n+1, 'a')
	return c
}

// extend appends count blocks tagged with branch.
func (c *fakeChain) extend(count uint64, branch byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for range count {
		h := &ethtypes.Header{
			Number:     new(big.Int).SetUint64(uint64(len(c.canon))),
			Time:       1_700_000_000 + uint64(len(c.canon))*12,
			Extra:      []byte{branch},
			Difficulty: big.NewInt(0),
		}
		if len(c.canon) > 0 {
			h.ParentHash = c.canon[len(c.canon)-1].Hash()
		}
		c.canon = append(c.canon, h)
		c.byHash[h.Hash()] = h
	}
}

// reorg drops blocks from n onwards and builds count blocks on branch.
func (c *fakeChain) reorg(n, count uint64, branch byte) {
	c.mu.Lock()
	c.canon = c.canon[:n]
	c.mu.Unlock()
	c.extend(count, branch)
}

func (c *fakeChain) header(n uint64) *ethtypes.Header {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.canon[n]
}

func (c *fakeChain) addLog(lg ethtypes.Log) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logs[lg.BlockHash] = append(c.logs[lg.BlockHash], lg)
}

func (c *fakeChain) ReadView(context.Context, common.Address, []byte, *big.Int) ([]byte, error) {
	return nil, errors.New("fakeChain does not execute calls")
}

func (c *fakeChain) HeaderByHash(_ context.Context, hash common.Hash) (*ethtypes.Header, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.byHash[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return h, nil
}

func (c *fakeChain) HeaderByNumber(_ context.Context, number *big.Int) (*ethtypes.Header, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failHeads != nil {
		return nil, c.failHeads
	}
	if number == nil {
		return c.canon[len(c.canon)-1], nil
	}
	if number.Uint64() >= uint64(len(c.canon)) {
		return nil, ethereum.NotFound
	}
	return c.canon[number.Uint64()], nil
}

func (c *fakeChain) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]ethtypes.Log, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filterCalls++
	if c.failFilter > 0 {
		c.failFilter--
		return nil, &types.RpcError{Op: "filter_logs", Err: errors.New("timeout")}
	}
	if q.BlockHash == nil {
		return nil, errors.New("fakeChain only filters by block hash")
	}
	return append([]ethtypes.Log(nil), c.logs[*q.BlockHash]...), nil
}

func (c *fakeChain) SubscribeFilterLogs(_ context.Context, _ ethereum.FilterQuery, ch chan<- ethtypes.Log) (ethereum.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.push {
		return nil, errNoSubscriptions
	}
	sub := newFakeSub()
	c.subs = append(c.subs, sub)
	c.logSub = ch
	close(c.subscribed)
	return sub, nil
}

func (c *fakeChain) SubscribeNewHead(context.Context, chan<- *ethtypes.Header) (ethereum.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.push {
		return nil, errNoSubscriptions
	}
	sub := newFakeSub()
	c.subs = append(c.subs, sub)
	return sub, nil
}
