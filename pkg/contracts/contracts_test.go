package contracts

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/blob"
	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/types"
)

var storeAddr = common.HexToAddress("0x00000000000000000000000000000000000f0f0f")

// fakeViewer answers calls by method name, with the inputs already decoded.
type fakeViewer struct {
	abi     abi.ABI
	handler func(method string, args []any) ([]byte, error)
	blocks  []*big.Int
}

func (f *fakeViewer) ReadView(_ context.Context, to common.Address, data []byte, block *big.Int) ([]byte, error) {
	if to != storeAddr {
		return nil, errors.New("wrong address")
	}
	m, err := f.abi.MethodById(data[:4])
	if err != nil {
		return nil, err
	}
	args, err := m.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, err
	}
	f.blocks = append(f.blocks, block)
	return f.handler(m.Name, args)
}

func mustABI(t *testing.T, name string) abi.ABI {
	t.Helper()
	a, err := loadABI(name)
	require.NoError(t, err)
	return a
}

func TestParseFork(t *testing.T) {
	t.Parallel()

	f, err := ParseFork("Shasta")
	require.NoError(t, err)
	assert.Equal(t, ForkShasta, f)

	f, err = ParseFork("pacaya")
	require.NoError(t, err)
	assert.Equal(t, ForkPacaya, f)

	_, err = ParseFork("ontake")
	require.Error(t, err)
}

func TestShasta_BoundsAndEntries(t *testing.T) {
	t.Parallel()

	a := mustABI(t, "shasta")
	h1 := common.HexToHash("0x01")
	h2 := common.HexToHash("0x02")
	v := &fakeViewer{abi: a}
	v.handler = func(method string, args []any) ([]byte, error) {
		switch method {
		case "getForcedInclusionState":
			return a.Methods[method].Outputs.Pack(big.NewInt(3), big.NewInt(5))
		case "getForcedInclusions":
			start := args[0].(*big.Int).Uint64()
			count := args[1].(*big.Int).Uint64()
			var out []shastaForcedInclusion
			for i := start; i < start+count; i++ {
				out = append(out, shastaForcedInclusion{
					FeeInGwei: 7,
					BlobSlice: shastaBlobSlice{
						BlobHashes: [][32]byte{h1, h2},
						Offset:     big.NewInt(int64(i)),
						Timestamp:  big.NewInt(1000),
					},
				})
			}
			return a.Methods[method].Outputs.Pack(out)
		case "getCurrentForcedInclusionFee":
			return a.Methods[method].Outputs.Pack(uint64(12))
		}
		return nil, errors.New("unexpected " + method)
	}

	s, err := New(ForkShasta, storeAddr, Options{InclusionDelay: 384})
	require.NoError(t, err)
	assert.False(t, s.EmitsConsumption())

	block := big.NewInt(99)
	head, tail, err := s.Bounds(t.Context(), v, block)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), head)
	assert.Equal(t, uint64(5), tail)

	entries, err := s.EntryRange(t.Context(), v, block, head, tail-head)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, uint64(3), entries[0].Index)
	assert.Equal(t, uint64(4), entries[1].Index)
	assert.Equal(t, h1, entries[0].PayloadHash)
	assert.Equal(t, []common.Hash{h1, h2}, entries[0].BlobHashes)
	assert.Equal(t, uint64(1384), entries[0].Deadline)
	assert.Equal(t, types.DeadlineTimestamp, entries[0].DeadlineUnit)
	assert.Equal(t, big.NewInt(7_000_000_000), entries[0].FeePaid)
	assert.Equal(t, uint64(4), entries[1].BlobOffset)

	fee, err := s.InclusionFee(t.Context(), v, nil)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(12_000_000_000), fee)

	for _, b := range v.blocks[:2] {
		assert.Equal(t, block, b)
	}
}

func TestShasta_ParseLog(t *testing.T) {
	t.Parallel()

	a := mustABI(t, "shasta")
	s, err := New(ForkShasta, storeAddr, Options{InclusionDelay: 10})
	require.NoError(t, err)

	hash := common.HexToHash("0xaa")
	data, err := a.Events["ForcedInclusionSaved"].Inputs.NonIndexed().Pack(shastaForcedInclusion{
		FeeInGwei: 1,
		BlobSlice: shastaBlobSlice{BlobHashes: [][32]byte{hash}, Offset: big.NewInt(0), Timestamp: big.NewInt(50)},
	})
	require.NoError(t, err)

	lg := &ethtypes.Log{
		Address:     storeAddr,
		Topics:      s.Topics(),
		Data:        data,
		BlockNumber: 100,
		BlockHash:   common.HexToHash("0xb100"),
		TxHash:      common.HexToHash("0x71"),
		Index:       4,
	}
	ev, err := s.ParseLog(lg)
	require.NoError(t, err)
	assert.Equal(t, types.RawStored, ev.Kind)
	assert.Equal(t, uint64(100), ev.BlockNumber)
	assert.Equal(t, uint(4), ev.LogIndex)
	require.NotNil(t, ev.Entry)
	assert.Equal(t, hash, ev.Entry.PayloadHash)
	assert.Equal(t, uint64(60), ev.Entry.Deadline)

	lg.Topics = []common.Hash{common.HexToHash("0xdead")}
	_, err = s.ParseLog(lg)
	require.ErrorIs(t, err, ErrUnknownEvent)

	lg.Topics = s.Topics()
	lg.Data = []byte{1, 2, 3}
	_, err = s.ParseLog(lg)
	var de *types.DecodeError
	require.ErrorAs(t, err, &de)
}

func TestShasta_PackSubmit(t *testing.T) {
	t.Parallel()

	a := mustABI(t, "shasta")
	s, err := New(ForkShasta, storeAddr, Options{})
	require.NoError(t, err)

	p, err := blob.NewPayload([]byte("payload"))
	require.NoError(t, err)
	data, err := s.PackSubmit(p)
	require.NoError(t, err)

	m, err := a.MethodById(data[:4])
	require.NoError(t, err)
	assert.Equal(t, "saveForcedInclusion", m.Name)
	args, err := m.Inputs.Unpack(data[4:])
	require.NoError(t, err)
	var ref struct{ Ref shastaBlobReference }
	require.NoError(t, m.Inputs.Copy(&ref, args))
	assert.Equal(t, uint16(0), ref.Ref.BlobStartIndex)
	assert.Equal(t, uint16(1), ref.Ref.NumBlobs)
	assert.Zero(t, ref.Ref.Offset.Sign())
}

func TestPacaya_BoundsAndEntries(t *testing.T) {
	t.Parallel()

	a := mustABI(t, "pacaya")
	v := &fakeViewer{abi: a}
	v.handler = func(method string, args []any) ([]byte, error) {
		switch method {
		case "head":
			return a.Methods[method].Outputs.Pack(uint64(1))
		case "tail":
			return a.Methods[method].Outputs.Pack(uint64(3))
		case "feeInGwei":
			return a.Methods[method].Outputs.Pack(uint64(2))
		case "getForcedInclusion":
			i := args[0].(*big.Int).Uint64()
			return a.Methods[method].Outputs.Pack(pacayaForcedInclusion{
				BlobHash:         common.BigToHash(new(big.Int).SetUint64(i + 100)),
				FeeInGwei:        2,
				CreatedAtBatchId: 40 + i,
				BlobByteSize:     128,
			})
		}
		return nil, errors.New("unexpected " + method)
	}

	s, err := New(ForkPacaya, storeAddr, Options{InclusionDelay: 12})
	require.NoError(t, err)
	assert.True(t, s.EmitsConsumption())
	assert.Equal(t, uint64(1), s.PageSize())

	head, tail, err := s.Bounds(t.Context(), v, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), head)
	assert.Equal(t, uint64(3), tail)

	entries, err := s.EntryRange(t.Context(), v, nil, 1, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, uint64(2), entries[1].Index)
	assert.Equal(t, common.BigToHash(big.NewInt(102)), entries[1].PayloadHash)
	assert.Equal(t, uint64(54), entries[1].Deadline)
	assert.Equal(t, types.DeadlineBatch, entries[1].DeadlineUnit)
	assert.Equal(t, uint64(128), entries[1].BlobByteSize)

	fee, err := s.InclusionFee(t.Context(), v, nil)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(2_000_000_000), fee)
}

func TestPacaya_ParseLog(t *testing.T) {
	t.Parallel()

	a := mustABI(t, "pacaya")
	s, err := New(ForkPacaya, storeAddr, Options{})
	require.NoError(t, err)

	data, err := a.Events["ForcedInclusionConsumed"].Inputs.NonIndexed().Pack(pacayaForcedInclusion{
		BlobHash: common.HexToHash("0x05"),
	})
	require.NoError(t, err)

	ev, err := s.ParseLog(&ethtypes.Log{
		Address: storeAddr,
		Topics:  []common.Hash{a.Events["ForcedInclusionConsumed"].ID},
		Data:    data,
		Removed: true,
	})
	require.NoError(t, err)
	assert.Equal(t, types.RawConsumed, ev.Kind)
	assert.True(t, ev.Removed)

	_, err = s.ParseLog(&ethtypes.Log{Address: common.HexToAddress("0x01"), Topics: s.Topics()})
	require.ErrorIs(t, err, ErrUnknownEvent)
}

func TestPacaya_PackSubmitRejectsMultiBlob(t *testing.T) {
	t.Parallel()

	s, err := New(ForkPacaya, storeAddr, Options{})
	require.NoError(t, err)

	p, err := blob.NewPayload(make([]byte, blob.MaxDataSize+1))
	require.NoError(t, err)
	_, err = s.PackSubmit(p)
	require.Error(t, err)

	p, err = blob.NewPayload([]byte("x"))
	require.NoError(t, err)
	data, err := s.PackSubmit(p)
	require.NoError(t, err)
	assert.Len(t, data, 4+3*32)
}
