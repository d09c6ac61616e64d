package normalizer

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/metrics"
	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/slidingwindow"
	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/types"
)

const DefaultFinalizedKeys = 1 << 16

type Config struct {
	// ConfirmationDepth is the number of blocks on top of a block before its
	// changes become final. Zero makes every change final.
	ConfirmationDepth uint64
	// FinalizedKeys bounds the dedup memory for finalized logs.
	FinalizedKeys int
}

// Anchor is the block the normalizer builds on, usually from-1.
type Anchor struct {
	Number uint64
	Hash   common.Hash
}

// Seed is the queue as read at the anchor block.
type Seed struct {
	Head, Tail uint64
	Anchor     *Anchor
}

type blockData struct {
	headBefore, tailBefore uint64
	// events are the block's store events, ascending by log index.
	events  []types.RawEvent
	emitted []types.EventKey
}

type pendingBlock struct {
	number uint64
	events []types.RawEvent
}

// Normalizer is not safe for concurrent use. Run owns it.
type Normalizer struct {
	cfg     Config
	log     *zap.SugaredLogger
	metrics *metrics.Metrics
	state   *slidingwindow.State

	window      slidingwindow.Window[*blockData]
	pending     map[common.Hash]*pendingBlock
	provisional map[types.DedupKey]Anchor
	final       *lru.Cache[types.DedupKey, common.Hash]
	finalHashes *lru.Cache[uint64, common.Hash]
	// orphaned holds hashes retracted by a removal notice, with their
	// number. Heads built on them are stale deliveries of the old branch.
	orphaned map[common.Hash]uint64

	lastFinal *Anchor
	head      uint64
	tail      uint64
}

// New creates a Normalizer starting from seed. state may be nil.
func New(cfg Config, seed Seed, log *zap.SugaredLogger, m *metrics.Metrics, state *slidingwindow.State) (*Normalizer, error) {
	if seed.Head > seed.Tail {
		return nil, fmt.Errorf("invalid seed: head %d is past tail %d", seed.Head, seed.Tail)
	}
	if cfg.FinalizedKeys <= 0 {
		cfg.FinalizedKeys = DefaultFinalizedKeys
	}
	final, err := lru.New[types.DedupKey, common.Hash](cfg.FinalizedKeys)
	if err != nil {
		return nil, fmt.Errorf("finalized key cache: %w", err)
	}
	finalHashes, err := lru.New[uint64, common.Hash](cfg.FinalizedKeys)
	if err != nil {
		return nil, fmt.Errorf("finalized hash cache: %w", err)
	}
	n := &Normalizer{
		cfg:         cfg,
		log:         log,
		metrics:     m,
		state:       state,
		pending:     make(map[common.Hash]*pendingBlock),
		provisional: make(map[types.DedupKey]Anchor),
		final:       final,
		finalHashes: finalHashes,
		orphaned:    make(map[common.Hash]uint64),
		head:        seed.Head,
		tail:        seed.Tail,
	}
	if seed.Anchor != nil {
		a := *seed.Anchor
		n.lastFinal = &a
		n.finalHashes.Add(a.Number, a.Hash)
	}
	return n, nil
}

// LastFinalized returns the highest block whose changes are final.
func (n *Normalizer) LastFinalized() uint64 {
	if n.lastFinal == nil {
		return 0
	}
	return n.lastFinal.Number
}

// Bounds returns the queue head and tail after the highest processed block.
func (n *Normalizer) Bounds() (head, tail uint64) {
	return n.head, n.tail
}

// Run is a BLOCKING function. It normalizes events from in into out until
// ctx is done or in is closed. On close, the provisional changes are
// retracted and a StreamTerminatedError is returned; the normalizer then sits
// at LastFinalized and can consume a new stream starting right after it.
// Run does not close out.
func (n *Normalizer) Run(ctx context.Context, in <-chan types.RawEvent, out chan<- types.QueueChange) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-in:
			if !ok {
				if err := n.send(ctx, out, n.Terminate()); err != nil {
					return err
				}
				n.metrics.IncError(metrics.ErrTypeStream)
				return &types.StreamTerminatedError{LastFinalized: n.LastFinalized()}
			}
			changes, err := n.Process(ev)
			if err != nil {
				var inconsistent *types.InconsistentStateError
				if errors.As(err, &inconsistent) {
					n.metrics.IncError(metrics.ErrTypeInconsistent)
				}
				return err
			}
			if err := n.send(ctx, out, changes); err != nil {
				return err
			}
		}
	}
}

func (n *Normalizer) send(ctx context.Context, out chan<- types.QueueChange, changes []types.QueueChange) error {
	for _, c := range changes {
		select {
		case out <- c:
			n.metrics.RecordChange(c.Kind.String())
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Process applies one raw event and returns the changes it produces.
func (n *Normalizer) Process(ev types.RawEvent) ([]types.QueueChange, error) {
	switch {
	case ev.Kind == types.RawHead:
		return n.onHead(ev)
	case ev.Removed:
		return n.onRemoved(ev)
	case ev.Kind == types.RawStored && ev.Entry == nil:
		return nil, types.NewInconsistentState("stored event %s/%d carries no entry", ev.TxHash, ev.LogIndex)
	default:
		return n.onLog(ev)
	}
}

// Terminate retracts every provisional block and drops buffered logs.
func (n *Normalizer) Terminate() []types.QueueChange {
	clear(n.pending)
	lo, ok := n.window.Lowest()
	if !ok {
		return nil
	}
	_, reorged := n.retract(lo, false)
	n.observe()
	if reorged == nil {
		return nil
	}
	return []types.QueueChange{*reorged}
}

func (n *Normalizer) onHead(ev types.RawEvent) ([]types.QueueChange, error) {
	num, hash := ev.BlockNumber, ev.BlockHash
	if _, ok := n.orphaned[ev.ParentHash]; ok {
		n.orphaned[hash] = num
		n.log.Debugw("ignoring head on a removed branch", "block", num, "hash", hash)
		return nil, nil
	}
	if n.lastFinal != nil && num <= n.lastFinal.Number {
		if h, ok := n.finalHashes.Get(num); ok && h == hash {
			return nil, nil
		}
		return nil, types.NewInconsistentState("head %d (%s) replaces finalized history (finalized %d)",
			num, hash, n.lastFinal.Number)
	}

	var changes []types.QueueChange
	if b, ok := n.window.Get(num); ok {
		if b.Hash == hash {
			return nil, nil
		}
		if _, reorged := n.retract(num, false); reorged != nil {
			changes = append(changes, *reorged)
		}
	}
	if err := n.connects(num, ev.ParentHash); err != nil {
		return nil, err
	}

	tip := max(ev.Tip, num)
	provisional := tip < n.cfg.ConfirmationDepth || num > tip-n.cfg.ConfirmationDepth
	applied, err := n.applyBlock(num, hash, ev.ParentHash, n.takePending(hash), provisional)
	if err != nil {
		return nil, err
	}
	changes = append(changes, applied...)
	delete(n.orphaned, hash)

	if tip >= n.cfg.ConfirmationDepth {
		n.finalize(min(num, tip-n.cfg.ConfirmationDepth))
	}
	n.observe()
	return changes, nil
}

// connects checks that block num with the given parent extends the window,
// or the last finalized block when the window is empty.
func (n *Normalizer) connects(num uint64, parent common.Hash) error {
	var below *Anchor
	if tip, ok := n.window.Tip(); ok {
		below = &Anchor{Number: tip.Number, Hash: tip.Hash}
	} else {
		below = n.lastFinal
	}
	if below == nil {
		return nil
	}
	if num != below.Number+1 {
		return types.NewInconsistentState("head %d does not extend block %d", num, below.Number)
	}
	if parent != below.Hash {
		return types.NewInconsistentState("head %d parent %s does not match block %d (%s)",
			num, parent, below.Number, below.Hash)
	}
	return nil
}

func (n *Normalizer) onRemoved(ev types.RawEvent) ([]types.QueueChange, error) {
	key := ev.Key()
	if h, ok := n.final.Peek(key); ok && h == ev.BlockHash {
		return nil, types.NewInconsistentState("finalized log %s/%d removed from block %d",
			ev.TxHash, ev.LogIndex, ev.BlockNumber)
	}
	if ref, ok := n.provisional[key]; ok && ref.Hash == ev.BlockHash {
		n.log.Infow("log removed, retracting block", "block", ref.Number, "hash", ref.Hash, "tx", ev.TxHash)
		_, reorged := n.retract(ref.Number, true)
		n.observe()
		if reorged == nil {
			return nil, nil
		}
		return []types.QueueChange{*reorged}, nil
	}
	if p, ok := n.pending[ev.BlockHash]; ok {
		p.events = slices.DeleteFunc(p.events, func(e types.RawEvent) bool { return e.Key() == key })
	}
	return nil, nil
}

func (n *Normalizer) onLog(ev types.RawEvent) ([]types.QueueChange, error) {
	key := ev.Key()
	if ref, ok := n.provisional[key]; ok && ref.Hash == ev.BlockHash {
		return nil, nil
	}
	if h, ok := n.final.Get(key); ok && h == ev.BlockHash {
		return nil, nil
	}
	if n.lastFinal != nil && ev.BlockNumber <= n.lastFinal.Number {
		if h, ok := n.finalHashes.Get(ev.BlockNumber); ok && h == ev.BlockHash {
			return nil, types.NewInconsistentState("log %s/%d arrived after block %d was finalized",
				ev.TxHash, ev.LogIndex, ev.BlockNumber)
		}
		n.log.Debugw("ignoring log of a non-canonical finalized height", "block", ev.BlockNumber, "hash", ev.BlockHash)
		return nil, nil
	}
	if b, ok := n.window.Get(ev.BlockNumber); ok && b.Hash == ev.BlockHash {
		return n.reapply(ev)
	}

	p, ok := n.pending[ev.BlockHash]
	if !ok {
		p = &pendingBlock{number: ev.BlockNumber}
		n.pending[ev.BlockHash] = p
	}
	if !slices.ContainsFunc(p.events, func(e types.RawEvent) bool { return e.Key() == key }) {
		p.events = append(p.events, ev)
	}
	return nil, nil
}

// reapply handles a log for a block that was already flushed: the block and
// everything above it are retracted and applied again with the log merged in.
func (n *Normalizer) reapply(ev types.RawEvent) ([]types.QueueChange, error) {
	n.log.Infow("late log, re-applying block", "block", ev.BlockNumber, "tx", ev.TxHash, "index", ev.LogIndex)
	removed, reorged := n.retract(ev.BlockNumber, false)
	var changes []types.QueueChange
	if reorged != nil {
		changes = append(changes, *reorged)
	}
	for i, b := range removed {
		events := b.Data.events
		if i == 0 {
			events = sortEvents(append(slices.Clone(events), ev))
		}
		applied, err := n.applyBlock(b.Number, b.Hash, b.Parent, events, true)
		if err != nil {
			return nil, err
		}
		changes = append(changes, applied...)
	}
	n.observe()
	return changes, nil
}

// applyBlock appends a block and emits the changes of its events. Queue
// bounds only move when the whole block applies.
func (n *Normalizer) applyBlock(num uint64, hash, parent common.Hash, events []types.RawEvent, provisional bool) ([]types.QueueChange, error) {
	data := &blockData{headBefore: n.head, tailBefore: n.tail, events: events}
	head, tail := n.head, n.tail

	var changes []types.QueueChange
	for _, ev := range events {
		c, err := transition(&head, &tail, ev)
		if err != nil {
			return nil, err
		}
		if c == nil {
			continue
		}
		c.Provisional = provisional
		changes = append(changes, *c)
		data.emitted = append(data.emitted, c.Key)
	}

	err := n.window.Append(slidingwindow.Block[*blockData]{Number: num, Hash: hash, Parent: parent, Data: data})
	if err != nil {
		return nil, types.NewInconsistentState("append block %d: %v", num, err)
	}
	n.head, n.tail = head, tail
	for _, ev := range events {
		n.provisional[ev.Key()] = Anchor{Number: num, Hash: hash}
	}
	return changes, nil
}

// transition applies one store event to the queue bounds.
func transition(head, tail *uint64, ev types.RawEvent) (*types.QueueChange, error) {
	c := &types.QueueChange{
		Key:       types.EventKey{Block: ev.BlockNumber, LogIndex: ev.LogIndex},
		BlockHash: ev.BlockHash,
		TxHash:    ev.TxHash,
	}
	switch ev.Kind {
	case types.RawStored:
		entry := *ev.Entry
		entry.Index = *tail
		*tail++
		c.Kind = types.ChangeEnqueued
		c.Entry = &entry
	case types.RawConsumed:
		if *head >= *tail {
			return nil, types.NewInconsistentState("consumption at block %d with empty queue (head %d, tail %d)",
				ev.BlockNumber, *head, *tail)
		}
		c.Kind = types.ChangeProcessed
		c.Processed = types.IndexRange{From: *head, To: *head}
		*head++
	case types.RawQueueHead:
		switch {
		case ev.QueueHead < *head:
			return nil, types.NewInconsistentState("queue head moved back from %d to %d at block %d",
				*head, ev.QueueHead, ev.BlockNumber)
		case ev.QueueHead > *tail:
			return nil, types.NewInconsistentState("queue head %d is past tail %d at block %d",
				ev.QueueHead, *tail, ev.BlockNumber)
		case ev.QueueHead == *head:
			return nil, nil
		}
		c.Kind = types.ChangeProcessed
		c.Processed = types.IndexRange{From: *head, To: ev.QueueHead - 1}
		*head = ev.QueueHead
	default:
		return nil, fmt.Errorf("unexpected raw event kind %s", ev.Kind)
	}
	return c, nil
}

// retract removes blocks numbered from and above. It restores the queue
// bounds and returns the removed blocks with the Reorged change, which is nil
// when nothing had been emitted for them.
func (n *Normalizer) retract(from uint64, orphan bool) ([]slidingwindow.Block[*blockData], *types.QueueChange) {
	removed := n.window.TruncateFrom(from)
	if len(removed) == 0 {
		return nil, nil
	}
	first := removed[0]
	reorg := &types.Reorg{
		Blocks:    types.BlockRange{From: first.Number, To: removed[len(removed)-1].Number},
		Enqueued:  types.Span(first.Data.tailBefore, n.tail),
		Processed: types.Span(first.Data.headBefore, n.head),
	}
	for _, b := range removed {
		for _, ev := range b.Data.events {
			delete(n.provisional, ev.Key())
		}
		reorg.Retracted = append(reorg.Retracted, b.Data.emitted...)
		if orphan {
			n.orphaned[b.Hash] = b.Number
		}
	}
	n.head, n.tail = first.Data.headBefore, first.Data.tailBefore

	if len(reorg.Retracted) == 0 {
		return removed, nil
	}
	n.metrics.RecordReorg(reorg.Blocks.To - reorg.Blocks.From + 1)
	return removed, &types.QueueChange{
		Kind:      types.ChangeReorged,
		Key:       types.EventKey{Block: first.Number},
		BlockHash: first.Hash,
		Reorg:     reorg,
	}
}

// finalize moves blocks numbered through and below out of the window.
func (n *Normalizer) finalize(through uint64) {
	for _, b := range n.window.PruneThrough(through) {
		for _, ev := range b.Data.events {
			key := ev.Key()
			delete(n.provisional, key)
			n.final.Add(key, b.Hash)
		}
		n.finalHashes.Add(b.Number, b.Hash)
		n.lastFinal = &Anchor{Number: b.Number, Hash: b.Hash}
	}
	if n.lastFinal == nil {
		return
	}
	for h, p := range n.pending {
		if p.number <= n.lastFinal.Number {
			delete(n.pending, h)
		}
	}
	for h, num := range n.orphaned {
		if num <= n.lastFinal.Number {
			delete(n.orphaned, h)
		}
	}
}

func (n *Normalizer) takePending(hash common.Hash) []types.RawEvent {
	p, ok := n.pending[hash]
	if !ok {
		return nil
	}
	delete(n.pending, hash)
	events := p.events[:0]
	for _, ev := range p.events {
		if _, dup := n.provisional[ev.Key()]; dup {
			continue
		}
		if n.final.Contains(ev.Key()) {
			continue
		}
		events = append(events, ev)
	}
	return sortEvents(events)
}

func sortEvents(events []types.RawEvent) []types.RawEvent {
	slices.SortFunc(events, func(a, b types.RawEvent) int { return cmp.Compare(a.LogIndex, b.LogIndex) })
	return events
}

func (n *Normalizer) observe() {
	highest := n.LastFinalized()
	if hi, ok := n.window.Highest(); ok {
		highest = hi
	}
	n.metrics.UpdateQueue(n.head, n.tail)
	n.metrics.UpdateWindow(highest, n.LastFinalized(), n.window.Len())
	if n.state != nil {
		if err := n.state.Update(n.LastFinalized(), highest); err != nil {
			n.log.Warnw("watermark update rejected", "error", err)
		}
	}
}
