package chainclient

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/types"
)

type jsonErr struct {
	msg string
}

func (e jsonErr) Error() string  { return e.msg }
func (e jsonErr) ErrorCode() int { return -32000 }

func TestClassifySend(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		err        error
		wantReason types.RejectReason
		wantRPC    bool
	}{
		{name: "nonce too low", err: jsonErr{"nonce too low: next nonce 5, tx nonce 4"}, wantReason: types.RejectNonceTooLow},
		{name: "nonce too high", err: jsonErr{"nonce too high"}, wantReason: types.RejectNonceTooHigh},
		{name: "replacement underpriced", err: jsonErr{"replacement transaction underpriced"}, wantReason: types.RejectUnderpriced},
		{name: "underpriced", err: jsonErr{"transaction underpriced: tip needed 1, tip permitted 0"}, wantReason: types.RejectUnderpriced},
		{name: "blob fee", err: jsonErr{"max fee per blob gas less than block blob gas fee"}, wantReason: types.RejectUnderpriced},
		{name: "insufficient funds", err: jsonErr{"insufficient funds for gas * price + value"}, wantReason: types.RejectInsufficientFunds},
		{name: "fee cap", err: jsonErr{"max fee per gas less than block base fee"}, wantReason: types.RejectFeeCapBelowBaseFee},
		{name: "other node error", err: jsonErr{"intrinsic gas too low"}, wantReason: types.RejectOther},
		{name: "transport", err: errors.New("dial tcp: connection refused"), wantRPC: true},
		{name: "timeout", err: context.DeadlineExceeded, wantRPC: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := ClassifySend(fmt.Errorf("send: %w", tt.err))
			if tt.wantRPC {
				var rpcErr *types.RpcError
				require.ErrorAs(t, err, &rpcErr)
				assert.True(t, types.IsTransient(err))
				return
			}
			var rejected *types.RejectedByNodeError
			require.ErrorAs(t, err, &rejected)
			assert.Equal(t, tt.wantReason, rejected.Reason)
			assert.False(t, types.IsTransient(err))
		})
	}
}

func TestClassifySend_PassThrough(t *testing.T) {
	t.Parallel()

	require.NoError(t, ClassifySend(nil))
	require.ErrorIs(t, ClassifySend(context.Canceled), context.Canceled)
	assert.False(t, types.IsTransient(ClassifySend(context.Canceled)))
}

func TestClassify(t *testing.T) {
	t.Parallel()

	require.NoError(t, Classify("op", nil))
	require.ErrorIs(t, Classify("op", ethereum.NotFound), ethereum.NotFound)
	assert.False(t, types.IsTransient(Classify("op", ethereum.NotFound)))
	assert.True(t, types.IsTransient(Classify("op", errors.New("EOF"))))
	assert.True(t, types.IsTransient(Classify("op", jsonErr{"header not found"})))
}

type codedErr struct {
	code int
	msg  string
}

func (e codedErr) Error() string  { return e.msg }
func (e codedErr) ErrorCode() int { return e.code }

type revertErr struct {
	codedErr
	data any
}

func (e revertErr) ErrorData() any { return e.data }

func TestClassify_Reverts(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
	}{
		{name: "revert with data", err: revertErr{codedErr: codedErr{code: 3, msg: "execution reverted"}, data: "0x08c379a0"}},
		{name: "revert code without data", err: codedErr{code: 3, msg: "reverted"}},
		{name: "revert message", err: jsonErr{"execution reverted: index out of range"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := Classify("read_view latest", fmt.Errorf("call: %w", tt.err))
			var decodeErr *types.DecodeError
			require.ErrorAs(t, err, &decodeErr)
			assert.Equal(t, "read_view latest", decodeErr.What)
			assert.False(t, types.IsTransient(err), "a revert is not retried")
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestIsAlreadyKnown(t *testing.T) {
	t.Parallel()

	assert.True(t, IsAlreadyKnown(jsonErr{"already known"}))
	assert.True(t, IsAlreadyKnown(errors.New("ALREADY KNOWN")))
	assert.False(t, IsAlreadyKnown(nil))
	assert.False(t, IsAlreadyKnown(errors.New("nonce too low")))
}
