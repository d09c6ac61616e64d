package types

import (
	"fmt"
	"math"

	"github.com/ethereum/go-ethereum/common"
)

// SyntheticLogIndex keys events derived from state reads rather than logs.
// It orders them after every real log of the same block.
const SyntheticLogIndex = math.MaxUint32

// EventKey orders QueueChanges.
type EventKey struct {
	Block    uint64 `json:"block"`
	LogIndex uint   `json:"logIndex"`
}

// Less reports whether k sorts before o.
func (k EventKey) Less(o EventKey) bool {
	if k.Block != o.Block {
		return k.Block < o.Block
	}
	return k.LogIndex < o.LogIndex
}

func (k EventKey) String() string {
	return fmt.Sprintf("%d/%d", k.Block, k.LogIndex)
}

// IndexRange is an inclusive range of queue indices. Empty when To < From.
type IndexRange struct {
	From uint64 `json:"from"`
	To   uint64 `json:"to"`
}

// Empty reports whether the range holds no index.
func (r IndexRange) Empty() bool { return r.To < r.From }

// BlockRange is an inclusive range of block numbers.
type BlockRange struct {
	From uint64 `json:"from"`
	To   uint64 `json:"to"`
}

// ChangeKind tags a QueueChange.
type ChangeKind uint8

const (
	ChangeEnqueued ChangeKind = iota + 1
	ChangeProcessed
	ChangeReorged
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeEnqueued:
		return "enqueued"
	case ChangeProcessed:
		return "processed"
	case ChangeReorged:
		return "reorged"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

func (k ChangeKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *ChangeKind) UnmarshalText(b []byte) error {
	for _, c := range []ChangeKind{ChangeEnqueued, ChangeProcessed, ChangeReorged} {
		if c.String() == string(b) {
			*k = c
			return nil
		}
	}
	return fmt.Errorf("unknown change kind %q", b)
}

// Reorg describes the changes a Reorged record retracts. Enqueued and
// Processed are nil when the retracted blocks did not move that bound.
type Reorg struct {
	Blocks    BlockRange  `json:"blocks"`
	Enqueued  *IndexRange `json:"enqueued,omitempty"`
	Processed *IndexRange `json:"processed,omitempty"`
	Retracted []EventKey  `json:"retracted"`
}

// Span returns the range [from, end) or nil when it is empty.
func Span(from, end uint64) *IndexRange {
	if end <= from {
		return nil
	}
	return &IndexRange{From: from, To: end - 1}
}

// QueueChange is one entry of the normalized change log. Consumers fold over
// the sequence; Reorged records undo earlier provisional records.
type QueueChange struct {
	Kind        ChangeKind  `json:"kind"`
	Key         EventKey    `json:"key"`
	BlockHash   common.Hash `json:"blockHash"`
	TxHash      common.Hash `json:"txHash"`
	Provisional bool        `json:"provisional"`

	Entry     *QueueEntry `json:"entry,omitempty"`
	Processed IndexRange  `json:"processed"`
	Reorg     *Reorg      `json:"reorg,omitempty"`
}

// RawKind tags a RawEvent.
type RawKind uint8

const (
	RawHead RawKind = iota + 1
	RawStored
	RawConsumed
	RawQueueHead
)

func (k RawKind) String() string {
	switch k {
	case RawHead:
		return "head"
	case RawStored:
		return "stored"
	case RawConsumed:
		return "consumed"
	case RawQueueHead:
		return "queue_head"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// RawEvent is what an event source delivers: canonical heads, decoded store
// logs and queue-head observations.
type RawEvent struct {
	Kind        RawKind
	BlockNumber uint64
	BlockHash   common.Hash
	ParentHash  common.Hash
	Timestamp   uint64
	TxHash      common.Hash
	LogIndex    uint
	Removed     bool

	// Entry is set for RawStored. Its Index is assigned by the normalizer.
	Entry *QueueEntry
	// QueueHead is set for RawQueueHead.
	QueueHead uint64
	// Tip is the chain head known to the source when it delivered a
	// RawHead. Zero means the block itself.
	Tip uint64
}

// DedupKey identifies a log across sources.
type DedupKey struct {
	TxHash   common.Hash
	LogIndex uint
}

// Key returns the dedup key of a non-head event.
func (e *RawEvent) Key() DedupKey {
	return DedupKey{TxHash: e.TxHash, LogIndex: e.LogIndex}
}
