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

const shastaPageSize = 256

type shastaBlobReference struct {
	BlobStartIndex uint16
	NumBlobs       uint16
	Offset         *big.Int
}

type shastaBlobSlice struct {
	BlobHashes [][32]byte
	Offset     *big.Int
	Timestamp  *big.Int
}

type shastaForcedInclusion struct {
	FeeInGwei uint64
	BlobSlice shastaBlobSlice
}

type shasta struct {
	address common.Address
	abi     abi.ABI
	opts    Options
	saved   common.Hash
}

func newShasta(address common.Address, opts Options) (*shasta, error) {
	a, err := loadABI("shasta")
	if err != nil {
		return nil, fmt.Errorf("load shasta abi: %w", err)
	}
	return &shasta{address: address, abi: a, opts: opts, saved: a.Events["ForcedInclusionSaved"].ID}, nil
}

func (s *shasta) Fork() Fork              { return ForkShasta }
func (s *shasta) Address() common.Address { return s.address }
func (s *shasta) PageSize() uint64        { return shastaPageSize }
func (s *shasta) EmitsConsumption() bool  { return false }
func (s *shasta) Topics() []common.Hash   { return []common.Hash{s.saved} }

func (s *shasta) Bounds(ctx context.Context, v Viewer, block *big.Int) (uint64, uint64, error) {
	data, err := call(ctx, v, s.address, block, s.abi, "getForcedInclusionState")
	if err != nil {
		return 0, 0, err
	}
	out, err := s.abi.Unpack("getForcedInclusionState", data)
	if err != nil {
		return 0, 0, &types.DecodeError{What: "getForcedInclusionState", Err: err}
	}
	if len(out) != 2 {
		return 0, 0, &types.DecodeError{What: "getForcedInclusionState", Err: fmt.Errorf("got %d values, want 2", len(out))}
	}
	head, err := asUint64("head", out[0])
	if err != nil {
		return 0, 0, err
	}
	tail, err := asUint64("tail", out[1])
	if err != nil {
		return 0, 0, err
	}
	return head, tail, nil
}

func (s *shasta) EntryRange(ctx context.Context, v Viewer, block *big.Int, start, count uint64) ([]types.QueueEntry, error) {
	if count == 0 {
		return nil, nil
	}
	data, err := call(ctx, v, s.address, block, s.abi, "getForcedInclusions",
		new(big.Int).SetUint64(start), new(big.Int).SetUint64(count))
	if err != nil {
		return nil, err
	}
	var out []shastaForcedInclusion
	if err := s.abi.UnpackIntoInterface(&out, "getForcedInclusions", data); err != nil {
		return nil, &types.DecodeError{What: "getForcedInclusions", Err: err}
	}
	entries := make([]types.QueueEntry, 0, len(out))
	for i, fi := range out {
		e, err := s.toEntry(fi)
		if err != nil {
			return nil, err
		}
		e.Index = start + uint64(i)
		entries = append(entries, e)
	}
	return entries, nil
}

func (s *shasta) InclusionFee(ctx context.Context, v Viewer, block *big.Int) (*big.Int, error) {
	data, err := call(ctx, v, s.address, block, s.abi, "getCurrentForcedInclusionFee")
	if err != nil {
		return nil, err
	}
	gwei, err := unpackUint(s.abi, "getCurrentForcedInclusionFee", data)
	if err != nil {
		return nil, err
	}
	return gweiToWei(gwei), nil
}

func (s *shasta) PackSubmit(p *blob.Payload) ([]byte, error) {
	ref := shastaBlobReference{
		BlobStartIndex: 0,
		NumBlobs:       uint16(p.NumBlobs()),
		Offset:         new(big.Int),
	}
	return s.abi.Pack("saveForcedInclusion", ref)
}

func (s *shasta) EncodePayload(txs ethtypes.Transactions) ([]byte, error) {
	return blob.NewManifest(txs).EncodeAndCompress()
}

func (s *shasta) ParseLog(lg *ethtypes.Log) (*types.RawEvent, error) {
	if err := checkLog(s.address, lg); err != nil {
		return nil, err
	}
	if lg.Topics[0] != s.saved {
		return nil, fmt.Errorf("%w: topic %s", ErrUnknownEvent, lg.Topics[0])
	}
	var out struct{ ForcedInclusion shastaForcedInclusion }
	if err := s.abi.UnpackIntoInterface(&out, "ForcedInclusionSaved", lg.Data); err != nil {
		return nil, &types.DecodeError{What: "ForcedInclusionSaved", Err: err}
	}
	e, err := s.toEntry(out.ForcedInclusion)
	if err != nil {
		return nil, err
	}
	ev := rawFromLog(types.RawStored, lg)
	ev.Entry = &e
	return ev, nil
}

func (s *shasta) toEntry(fi shastaForcedInclusion) (types.QueueEntry, error) {
	if len(fi.BlobSlice.BlobHashes) == 0 {
		return types.QueueEntry{}, &types.DecodeError{What: "ForcedInclusion", Err: fmt.Errorf("blob slice has no blob hashes")}
	}
	offset, err := asUint64("blobSlice.offset", fi.BlobSlice.Offset)
	if err != nil {
		return types.QueueEntry{}, err
	}
	ts, err := asUint64("blobSlice.timestamp", fi.BlobSlice.Timestamp)
	if err != nil {
		return types.QueueEntry{}, err
	}
	hashes := make([]common.Hash, len(fi.BlobSlice.BlobHashes))
	for i, h := range fi.BlobSlice.BlobHashes {
		hashes[i] = h
	}
	return types.QueueEntry{
		PayloadHash:  hashes[0],
		BlobHashes:   hashes,
		BlobOffset:   offset,
		CreatedAt:    ts,
		Deadline:     ts + s.opts.InclusionDelay,
		DeadlineUnit: types.DeadlineTimestamp,
		FeePaid:      gweiToWei(fi.FeeInGwei),
	}, nil
}
