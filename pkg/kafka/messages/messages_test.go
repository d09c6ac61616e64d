package messages

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/types"
)

var (
	store   = common.HexToAddress("0x00000000000000000000000000000000000f1f1f")
	account = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
)

func TestQueueChange_Encode(t *testing.T) {
	t.Parallel()
	c := types.QueueChange{
		Kind:        types.ChangeReorged,
		Key:         types.EventKey{Block: 100},
		BlockHash:   common.HexToHash("0xaa"),
		Provisional: false,
		Reorg: &types.Reorg{
			Blocks:    types.BlockRange{From: 100, To: 100},
			Enqueued:  types.Span(4, 5),
			Retracted: []types.EventKey{{Block: 100, LogIndex: 3}},
		},
	}
	ts := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	m := NewQueueChange(17000, store, c)
	data, err := m.Encode(ts)
	require.NoError(t, err)

	env, err := Open(data)
	require.NoError(t, err)
	assert.Equal(t, TypeQueueChange, env.Type)
	assert.Equal(t, Version, env.Version)
	assert.Equal(t, m.ID(), env.ID)
	assert.Equal(t, ts, env.TS)
	assert.Contains(t, string(env.Data), `"kind":"reorged"`)
	assert.Contains(t, string(env.Data), `"chainId":17000`)

	var got QueueChange
	require.NoError(t, env.Decode(TypeQueueChange, &got))
	assert.Equal(t, *m, got)
	assert.Equal(t, store.Bytes(), m.PartitionKey())
}

func TestQueueChange_IDDistinguishesFinality(t *testing.T) {
	t.Parallel()
	c := types.QueueChange{Kind: types.ChangeEnqueued, Key: types.EventKey{Block: 7, LogIndex: 1}, Provisional: true}
	provisional := NewQueueChange(1, store, c)
	c.Provisional = false
	final := NewQueueChange(1, store, c)
	assert.NotEqual(t, provisional.ID(), final.ID())
}

func TestSubmissionOutcome_Encode(t *testing.T) {
	t.Parallel()
	o := types.SubmissionOutcome{
		Seq:      2,
		Nonce:    9,
		Status:   types.StatusDropped,
		TotalFee: big.NewInt(42),
		Err:      errors.New("submission dropped at nonce 9"),
		At:       time.Unix(1_700_000_000, 0),
	}
	m := NewSubmissionOutcome(17000, store, account, o)
	data, err := m.Encode()
	require.NoError(t, err)

	env, err := Open(data)
	require.NoError(t, err)
	var got SubmissionOutcome
	require.NoError(t, env.Decode(TypeSubmissionOutcome, &got))
	assert.Equal(t, "dropped", got.Status)
	assert.Equal(t, "submission dropped at nonce 9", got.Error)
	assert.Equal(t, 0, big.NewInt(42).Cmp(got.TotalFee))
	assert.Equal(t, account.Bytes(), m.PartitionKey())
}

func TestEnvelope_DecodeRejectsMismatch(t *testing.T) {
	t.Parallel()
	data, err := Seal(TypeQueueChange, "x", time.Now(), map[string]int{"a": 1})
	require.NoError(t, err)
	env, err := Open(data)
	require.NoError(t, err)

	var v map[string]int
	require.Error(t, env.Decode(TypeSubmissionOutcome, &v))
	env.Version = 2
	require.Error(t, env.Decode(TypeQueueChange, &v))

	_, err = Open([]byte("{"))
	require.Error(t, err)
}
