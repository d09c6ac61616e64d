package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/types"
)

func TestExitCode(t *testing.T) {
	t.Parallel()

	rpcErr := &types.RpcError{Op: "eth_call", Err: errors.New("connection refused")}

	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "nil", err: nil, want: exitOK},
		{name: "interrupted", err: fmt.Errorf("read queue: %w", context.Canceled), want: exitOK},
		{name: "invalid config", err: fmt.Errorf("%w: missing key", types.ErrInvalidConfig), want: exitConfig},
		{name: "rpc", err: rpcErr, want: exitRPC},
		{name: "rejected", err: &types.RejectedByNodeError{Reason: types.RejectInsufficientFunds, Err: errors.New("no funds")}, want: exitRejected},
		{name: "signing", err: &types.SigningError{Err: errors.New("bad key")}, want: exitSigning},
		{name: "decode", err: &types.DecodeError{What: "getForcedInclusion", Err: errors.New("short")}, want: exitBadState},
		{name: "inconsistent", err: types.NewInconsistentState("head %d past tail %d", 5, 4), want: exitBadState},
		{name: "fee too high", err: &types.FeeTooHighError{Required: big.NewInt(2), Max: big.NewInt(1)}, want: exitFeeTooHigh},
		{name: "submission failed", err: &types.SubmissionFailedError{Nonce: 3, Attempts: 5, Err: rpcErr}, want: exitSubmission},
		{name: "not confirmed", err: &notConfirmedError{Status: types.StatusReverted, Nonce: 3}, want: exitSubmission},
		{name: "stream terminated", err: &types.StreamTerminatedError{LastFinalized: 10, Err: rpcErr}, want: exitStreamClosed},
		{name: "unknown", err: errors.New("boom"), want: exitFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}

func TestIgnoreCanceled(t *testing.T) {
	t.Parallel()

	assert.NoError(t, ignoreCanceled(fmt.Errorf("wait: %w", context.Canceled)))
	boom := errors.New("boom")
	assert.Equal(t, boom, ignoreCanceled(boom))
}
