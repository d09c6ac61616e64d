package main

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/data/clickhouse/submissions"
	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/types"
)

type mockOutcomePublisher struct {
	mock.Mock
}

func (m *mockOutcomePublisher) PublishOutcome(ctx context.Context, account common.Address, o types.SubmissionOutcome) error {
	return m.Called(ctx, account, o).Error(0)
}

type mockOutcomeWriter struct {
	mock.Mock
}

func (m *mockOutcomeWriter) WriteOutcome(ctx context.Context, key submissions.Key, o types.SubmissionOutcome) error {
	return m.Called(ctx, key, o).Error(0)
}

func testOutcomes() []types.SubmissionOutcome {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return []types.SubmissionOutcome{
		{
			Seq:      1,
			Nonce:    40,
			Status:   types.StatusConfirmed,
			TxHash:   common.HexToHash("0xaa"),
			Attempts: 2,
			TotalFee: big.NewInt(21000),
			Block:    1234,
			At:       at,
		},
		{
			Seq:    2,
			Nonce:  41,
			Status: types.StatusPending,
			Err:    errors.New("fee above ceiling"),
			At:     at.Add(time.Minute),
		},
	}
}

func TestOutcomeRecorder_Drain(t *testing.T) {
	t.Parallel()

	key := submissions.Key{
		ChainID: 1,
		Store:   common.HexToAddress("0xf1"),
		Account: common.HexToAddress("0xa1"),
	}
	outcomes := testOutcomes()

	pub := &mockOutcomePublisher{}
	pub.On("PublishOutcome", mock.Anything, key.Account, outcomes[0]).Return(nil).Once()
	pub.On("PublishOutcome", mock.Anything, key.Account, outcomes[1]).Return(errors.New("broker down")).Once()
	w := &mockOutcomeWriter{}
	w.On("WriteOutcome", mock.Anything, key, mock.Anything).Return(nil).Twice()

	var buf bytes.Buffer
	r := &outcomeRecorder{out: &buf, publisher: pub, writer: w, key: key, log: zap.NewNop().Sugar()}

	in := make(chan types.SubmissionOutcome, len(outcomes))
	for _, o := range outcomes {
		in <- o
	}
	close(in)
	require.NoError(t, r.drain(t.Context(), in))

	pub.AssertExpectations(t)
	w.AssertExpectations(t)

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)
	assert.Equal(t,
		"Forced inclusion #1 confirmed: nonce=40 hash="+common.HexToHash("0xaa").Hex()+" block=1234 attempts=2 fee=21000",
		string(lines[0]))
	assert.Equal(t, "Forced inclusion #2 failed: nonce=41 status=pending error=fee above ceiling", string(lines[1]))
}

func TestOutcomeRecorder_SinksOutliveCancellation(t *testing.T) {
	t.Parallel()

	o := testOutcomes()[0]
	w := &mockOutcomeWriter{}
	w.On("WriteOutcome", mock.MatchedBy(func(ctx context.Context) bool {
		return ctx.Err() == nil
	}), mock.Anything, o).Return(nil).Once()

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	var buf bytes.Buffer
	r := &outcomeRecorder{out: &buf, writer: w, log: zap.NewNop().Sugar()}
	require.NoError(t, r.record(ctx, o))
	w.AssertExpectations(t)
	assert.NotEmpty(t, buf.String())
}
