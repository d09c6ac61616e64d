package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/kafka/messages"
	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/types"
)

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Produce(ctx context.Context, msg Msg) error {
	return m.Called(ctx, msg).Error(0)
}

var (
	testStore   = common.HexToAddress("0x00000000000000000000000000000000000f1f1f")
	testAccount = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	testSinkCfg = ProducerConfig{ChangesTopic: "changes", OutcomesTopic: "outcomes"}
)

func TestSink_PublishChange(t *testing.T) {
	t.Parallel()
	p := &mockPublisher{}
	var got Msg
	p.On("Produce", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { got = args.Get(1).(Msg) }).
		Return(nil).Once()

	s := NewSink(p, testSinkCfg, 17000, testStore, nil)
	s.now = func() time.Time { return time.Unix(10, 0) }
	c := types.QueueChange{Kind: types.ChangeEnqueued, Key: types.EventKey{Block: 100, LogIndex: 2}, Provisional: true}
	require.NoError(t, s.PublishChange(t.Context(), c))

	assert.Equal(t, "changes", got.Topic)
	assert.Equal(t, testStore.Bytes(), got.Key)
	assert.Equal(t, messages.TypeQueueChange, got.Headers["type"])
	assert.Equal(t, "17000", got.Headers["chain_id"])

	env, err := messages.Open(got.Value)
	require.NoError(t, err)
	var m messages.QueueChange
	require.NoError(t, env.Decode(messages.TypeQueueChange, &m))
	assert.Equal(t, c, m.QueueChange)
	p.AssertExpectations(t)
}

func TestSink_PublishOutcome(t *testing.T) {
	t.Parallel()
	p := &mockPublisher{}
	p.On("Produce", mock.Anything, mock.MatchedBy(func(m Msg) bool {
		return m.Topic == "outcomes" && string(m.Key) == string(testAccount.Bytes())
	})).Return(nil).Once()

	s := NewSink(p, testSinkCfg, 17000, testStore, nil)
	o := types.SubmissionOutcome{Seq: 1, Nonce: 3, Status: types.StatusConfirmed, At: time.Unix(20, 0)}
	require.NoError(t, s.PublishOutcome(t.Context(), testAccount, o))
	p.AssertExpectations(t)
}

func TestSink_PublishError(t *testing.T) {
	t.Parallel()
	p := &mockPublisher{}
	brokerDown := errors.New("broker not available")
	p.On("Produce", mock.Anything, mock.Anything).Return(brokerDown).Once()

	s := NewSink(p, testSinkCfg, 17000, testStore, nil)
	err := s.PublishChange(t.Context(), types.QueueChange{Kind: types.ChangeProcessed})
	require.ErrorIs(t, err, brokerDown)
	assert.Contains(t, err.Error(), "changes")
}
