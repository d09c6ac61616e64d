package types

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// DeadlineUnit tells how QueueEntry.Deadline must be compared.
type DeadlineUnit uint8

const (
	// DeadlineTimestamp deadlines are unix seconds.
	DeadlineTimestamp DeadlineUnit = iota
	// DeadlineBatch deadlines are rollup batch ids.
	DeadlineBatch
)

func (u DeadlineUnit) String() string {
	switch u {
	case DeadlineTimestamp:
		return "timestamp"
	case DeadlineBatch:
		return "batch"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(u))
	}
}

func (u DeadlineUnit) MarshalText() ([]byte, error) {
	return []byte(u.String()), nil
}

func (u *DeadlineUnit) UnmarshalText(b []byte) error {
	switch string(b) {
	case "timestamp":
		*u = DeadlineTimestamp
	case "batch":
		*u = DeadlineBatch
	default:
		return fmt.Errorf("unknown deadline unit %q", b)
	}
	return nil
}

// QueueEntry is one pending forced inclusion.
type QueueEntry struct {
	Index        uint64         `json:"index"`
	Submitter    common.Address `json:"submitter"`
	PayloadHash  common.Hash    `json:"payloadHash"`
	BlobHashes   []common.Hash  `json:"blobHashes"`
	BlobOffset   uint64         `json:"blobOffset"`
	BlobByteSize uint64         `json:"blobByteSize,omitempty"`
	CreatedAt    uint64         `json:"createdAt"`
	Deadline     uint64         `json:"deadline"`
	DeadlineUnit DeadlineUnit   `json:"deadlineUnit"`
	FeePaid      *big.Int       `json:"feePaid"`
}

// QueueSnapshot is the queue as read at a single block. It is never mutated;
// a newer read replaces it.
type QueueSnapshot struct {
	Block   uint64       `json:"block"`
	Head    uint64       `json:"head"`
	Tail    uint64       `json:"tail"`
	Entries []QueueEntry `json:"entries"`
}

// Size returns the number of pending entries.
func (s *QueueSnapshot) Size() uint64 {
	return s.Tail - s.Head
}

// Validate checks head <= tail, the entry count and the entry indices.
func (s *QueueSnapshot) Validate() error {
	if s.Head > s.Tail {
		return NewInconsistentState("queue head %d is past tail %d at block %d", s.Head, s.Tail, s.Block)
	}
	if uint64(len(s.Entries)) != s.Tail-s.Head {
		return NewInconsistentState("queue has %d entries, want %d (head %d, tail %d)",
			len(s.Entries), s.Tail-s.Head, s.Head, s.Tail)
	}
	for i, e := range s.Entries {
		if e.Index != s.Head+uint64(i) {
			return NewInconsistentState("entry at position %d has index %d, want %d", i, e.Index, s.Head+uint64(i))
		}
	}
	return nil
}
