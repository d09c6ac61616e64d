package contracts

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/blob"
	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/types"
)

type pacayaForcedInclusion struct {
	BlobHash         [32]byte
	FeeInGwei        uint64
	CreatedAtBatchId uint64
	BlobByteOffset   uint32
	BlobByteSize     uint32
	BlobCreatedIn    uint64
}

type pacaya struct {
	address  common.Address
	abi      abi.ABI
	opts     Options
	stored   common.Hash
	consumed common.Hash
}

func newPacaya(address common.Address, opts Options) (*pacaya, error) {
	a, err := loadABI("pacaya")
	if err != nil {
		return nil, fmt.Errorf("load pacaya abi: %w", err)
	}
	return &pacaya{
		address:  address,
		abi:      a,
		opts:     opts,
		stored:   a.Events["ForcedInclusionStored"].ID,
		consumed: a.Events["ForcedInclusionConsumed"].ID,
	}, nil
}

func (p *pacaya) Fork() Fork              { return ForkPacaya }
func (p *pacaya) Address() common.Address { return p.address }
func (p *pacaya) PageSize() uint64        { return 1 }
func (p *pacaya) EmitsConsumption() bool  { return true }
func (p *pacaya) Topics() []common.Hash   { return []common.Hash{p.stored, p.consumed} }

func (p *pacaya) Bounds(ctx context.Context, v Viewer, block *big.Int) (uint64, uint64, error) {
	data, err := call(ctx, v, p.address, block, p.abi, "head")
	if err != nil {
		return 0, 0, err
	}
	head, err := unpackUint(p.abi, "head", data)
	if err != nil {
		return 0, 0, err
	}
	data, err = call(ctx, v, p.address, block, p.abi, "tail")
	if err != nil {
		return 0, 0, err
	}
	tail, err := unpackUint(p.abi, "tail", data)
	if err != nil {
		return 0, 0, err
	}
	return head, tail, nil
}

func (p *pacaya) EntryRange(ctx context.Context, v Viewer, block *big.Int, start, count uint64) ([]types.QueueEntry, error) {
	entries := make([]types.QueueEntry, 0, count)
	for i := start; i < start+count; i++ {
		data, err := call(ctx, v, p.address, block, p.abi, "getForcedInclusion", new(big.Int).SetUint64(i))
		if err != nil {
			return nil, err
		}
		var out struct{ Inclusion pacayaForcedInclusion }
		if err := p.abi.UnpackIntoInterface(&out, "getForcedInclusion", data); err != nil {
			return nil, &types.DecodeError{What: "getForcedInclusion", Err: err}
		}
		e := p.toEntry(out.Inclusion)
		e.Index = i
		entries = append(entries, e)
	}
	return entries, nil
}

func (p *pacaya) InclusionFee(ctx context.Context, v Viewer, block *big.Int) (*big.Int, error) {
	data, err := call(ctx, v, p.address, block, p.abi, "feeInGwei")
	if err != nil {
		return nil, err
	}
	gwei, err := unpackUint(p.abi, "feeInGwei", data)
	if err != nil {
		return nil, err
	}
	return gweiToWei(gwei), nil
}

func (p *pacaya) PackSubmit(pl *blob.Payload) ([]byte, error) {
	if pl.NumBlobs() != 1 {
		return nil, fmt.Errorf("pacaya stores a single blob, payload needs %d", pl.NumBlobs())
	}
	return p.abi.Pack("storeForcedInclusion", uint8(0), uint32(0), uint32(pl.ByteSize()))
}

func (p *pacaya) EncodePayload(txs ethtypes.Transactions) ([]byte, error) {
	return blob.CompressTxList(txs)
}

func (p *pacaya) ParseLog(lg *ethtypes.Log) (*types.RawEvent, error) {
	if err := checkLog(p.address, lg); err != nil {
		return nil, err
	}
	var (
		kind types.RawKind
		name string
	)
	switch lg.Topics[0] {
	case p.stored:
		kind, name = types.RawStored, "ForcedInclusionStored"
	case p.consumed:
		kind, name = types.RawConsumed, "ForcedInclusionConsumed"
	default:
		return nil, fmt.Errorf("%w: topic %s", ErrUnknownEvent, lg.Topics[0])
	}
	var out struct{ ForcedInclusion pacayaForcedInclusion }
	if err := p.abi.UnpackIntoInterface(&out, name, lg.Data); err != nil {
		return nil, &types.DecodeError{What: name, Err: err}
	}
	e := p.toEntry(out.ForcedInclusion)
	ev := rawFromLog(kind, lg)
	ev.Entry = &e
	return ev, nil
}

func (p *pacaya) toEntry(fi pacayaForcedInclusion) types.QueueEntry {
	h := common.Hash(fi.BlobHash)
	return types.QueueEntry{
		PayloadHash:  h,
		BlobHashes:   []common.Hash{h},
		BlobOffset:   uint64(fi.BlobByteOffset),
		BlobByteSize: uint64(fi.BlobByteSize),
		CreatedAt:    fi.CreatedAtBatchId,
		Deadline:     fi.CreatedAtBatchId + p.opts.InclusionDelay,
		DeadlineUnit: types.DeadlineBatch,
		FeePaid:      gweiToWei(fi.FeeInGwei),
	}
}
