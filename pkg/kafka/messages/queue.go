package messages

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/types"
)

// QueueChange is a types.QueueChange tagged with its origin. Consumers fold
// the stream per (ChainID, Store); a Reorged record undoes the provisional
// records it lists.
type QueueChange struct {
	ChainID uint64         `json:"chainId"`
	Store   common.Address `json:"store"`
	types.QueueChange
}

// NewQueueChange tags c with its chain and store.
func NewQueueChange(chainID uint64, store common.Address, c types.QueueChange) *QueueChange {
	return &QueueChange{ChainID: chainID, Store: store, QueueChange: c}
}

// ID is stable across re-publication of the same change, so consumers can
// drop duplicates. Provisional and final emissions of a change differ.
func (m *QueueChange) ID() string {
	return fmt.Sprintf("%d:%s:%s:%s:%s:%t",
		m.ChainID, m.Store.Hex(), m.Kind, m.QueueChange.Key, m.BlockHash.Hex(), m.Provisional)
}

// PartitionKey partitions by store so a consumer sees one store's changes in order.
func (m *QueueChange) PartitionKey() []byte {
	return m.Store.Bytes()
}

func (m *QueueChange) Encode(ts time.Time) ([]byte, error) {
	return Seal(TypeQueueChange, m.ID(), ts, m)
}

// SubmissionOutcome is a types.SubmissionOutcome tagged with its origin.
type SubmissionOutcome struct {
	ChainID     uint64         `json:"chainId"`
	Store       common.Address `json:"store"`
	Account     common.Address `json:"account"`
	Seq         uint64         `json:"seq"`
	Nonce       uint64         `json:"nonce"`
	Status      string         `json:"status"`
	TxHash      common.Hash    `json:"txHash"`
	PayloadHash common.Hash    `json:"payloadHash"`
	Attempts    uint32         `json:"attempts"`
	TotalFee    *big.Int       `json:"totalFee,omitempty"`
	Block       uint64         `json:"block,omitempty"`
	Error       string         `json:"error,omitempty"`
	At          time.Time      `json:"at"`
}

func NewSubmissionOutcome(chainID uint64, store, account common.Address, o types.SubmissionOutcome) *SubmissionOutcome {
	return &SubmissionOutcome{
		ChainID:     chainID,
		Store:       store,
		Account:     account,
		Seq:         o.Seq,
		Nonce:       o.Nonce,
		Status:      o.Status.String(),
		TxHash:      o.TxHash,
		PayloadHash: o.PayloadHash,
		Attempts:    o.Attempts,
		TotalFee:    o.TotalFee,
		Block:       o.Block,
		Error:       o.ErrString(),
		At:          o.At.UTC(),
	}
}

func (m *SubmissionOutcome) ID() string {
	return fmt.Sprintf("%d:%s:%d:%d", m.ChainID, m.Account.Hex(), m.At.UnixMilli(), m.Seq)
}

// PartitionKey partitions by account: outcomes of one account stay ordered.
func (m *SubmissionOutcome) PartitionKey() []byte {
	return m.Account.Bytes()
}

func (m *SubmissionOutcome) Encode() ([]byte, error) {
	return Seal(TypeSubmissionOutcome, m.ID(), m.At, m)
}
