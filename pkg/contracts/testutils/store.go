// Package testutils provides an in-memory contracts.Store for tests.
package testutils

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/blob"
	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/contracts"
	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/types"
)

var (
	StoredTopic   = common.HexToHash("0x5707ed")
	ConsumedTopic = common.HexToHash("0xc0c0ed")
)

// Store keeps the queue in memory. Entry i of Entries has queue index i.
// Bounds at a block come from BoundsAt when set, else from Head and Tail.
type Store struct {
	mu sync.Mutex

	ForkName    contracts.Fork
	Addr        common.Address
	Head, Tail  uint64
	Entries     []types.QueueEntry
	Page        uint64
	Fee         *big.Int
	Consumption bool

	BoundsAt func(block uint64) (head, tail uint64)
	// Err, when set, fails every read.
	Err error
	// EntryErr, when set, fails EntryRange calls starting at the key.
	EntryErr map[uint64]error

	EntryCalls atomic.Int64
}

var _ contracts.Store = (*Store)(nil)

// NewStore returns a shasta-like store holding n entries, all pending.
func NewStore(n int) *Store {
	s := &Store{
		ForkName: contracts.ForkShasta,
		Addr:     common.HexToAddress("0x00000000000000000000000000000000000f1f1f"),
		Page:     256,
		Fee:      big.NewInt(1_000_000_000),
	}
	for i := range n {
		s.Entries = append(s.Entries, Entry(uint64(i)))
	}
	s.Tail = uint64(n)
	return s
}

// Entry builds a distinguishable entry for index i.
func Entry(i uint64) types.QueueEntry {
	h := common.BigToHash(new(big.Int).SetUint64(i + 1))
	return types.QueueEntry{
		Index:        i,
		PayloadHash:  h,
		BlobHashes:   []common.Hash{h},
		CreatedAt:    1000 + i,
		Deadline:     1384 + i,
		DeadlineUnit: types.DeadlineTimestamp,
		FeePaid:      big.NewInt(1_000_000_000),
	}
}

func (s *Store) Fork() contracts.Fork    { return s.ForkName }
func (s *Store) Address() common.Address { return s.Addr }
func (s *Store) EmitsConsumption() bool  { return s.Consumption }
func (s *Store) Topics() []common.Hash   { return []common.Hash{StoredTopic, ConsumedTopic} }

func (s *Store) PageSize() uint64 {
	if s.Page == 0 {
		return 1
	}
	return s.Page
}

func (s *Store) Bounds(_ context.Context, _ contracts.Viewer, block *big.Int) (uint64, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return 0, 0, s.Err
	}
	if s.BoundsAt != nil && block != nil {
		h, t := s.BoundsAt(block.Uint64())
		return h, t, nil
	}
	return s.Head, s.Tail, nil
}

func (s *Store) EntryRange(ctx context.Context, _ contracts.Viewer, _ *big.Int, start, count uint64) ([]types.QueueEntry, error) {
	s.EntryCalls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	if err, ok := s.EntryErr[start]; ok {
		return nil, err
	}
	if count > s.PageSize() {
		return nil, fmt.Errorf("page of %d exceeds %d", count, s.PageSize())
	}
	var out []types.QueueEntry
	for i := start; i < start+count && i < uint64(len(s.Entries)); i++ {
		out = append(out, s.Entries[i])
	}
	return out, nil
}

func (s *Store) InclusionFee(context.Context, contracts.Viewer, *big.Int) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	return new(big.Int).Set(s.Fee), nil
}

func (s *Store) PackSubmit(p *blob.Payload) ([]byte, error) {
	return []byte(fmt.Sprintf("submit:%d:%d", p.NumBlobs(), p.ByteSize())), nil
}

func (s *Store) EncodePayload(txs ethtypes.Transactions) ([]byte, error) {
	return blob.CompressTxList(txs)
}

// Log builds a store log carrying e.
func (s *Store) Log(kind types.RawKind, e types.QueueEntry, block uint64, blockHash, txHash common.Hash, index uint) ethtypes.Log {
	data, err := json.Marshal(e)
	if err != nil {
		panic(err)
	}
	topic := StoredTopic
	if kind == types.RawConsumed {
		topic = ConsumedTopic
	}
	return ethtypes.Log{
		Address:     s.Addr,
		Topics:      []common.Hash{topic},
		Data:        data,
		BlockNumber: block,
		BlockHash:   blockHash,
		TxHash:      txHash,
		Index:       index,
	}
}

func (s *Store) ParseLog(lg *ethtypes.Log) (*types.RawEvent, error) {
	if lg.Address != s.Addr || len(lg.Topics) == 0 {
		return nil, contracts.ErrUnknownEvent
	}
	kind := types.RawStored
	switch lg.Topics[0] {
	case StoredTopic:
	case ConsumedTopic:
		kind = types.RawConsumed
	default:
		return nil, contracts.ErrUnknownEvent
	}
	var e types.QueueEntry
	if err := json.Unmarshal(lg.Data, &e); err != nil {
		return nil, &types.DecodeError{What: "log", Err: err}
	}
	return &types.RawEvent{
		Kind:        kind,
		BlockNumber: lg.BlockNumber,
		BlockHash:   lg.BlockHash,
		TxHash:      lg.TxHash,
		LogIndex:    lg.Index,
		Removed:     lg.Removed,
		Entry:       &e,
	}, nil
}

// SetBounds replaces the head and tail.
func (s *Store) SetBounds(head, tail uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Head, s.Tail = head, tail
}

// ErrRead is a convenience transport failure.
var ErrRead = &types.RpcError{Op: "read_view", Err: errors.New("connection reset")}

// Viewer is a no-op contracts.Viewer.
type Viewer struct{}

func (Viewer) ReadView(context.Context, common.Address, []byte, *big.Int) ([]byte, error) {
	return nil, errors.New("testutils.Viewer does not execute calls")
}
