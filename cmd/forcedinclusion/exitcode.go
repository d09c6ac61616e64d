package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/types"
)

// Process exit codes, one per terminal error class.
const (
	exitOK           = 0
	exitFailure      = 1
	exitConfig       = 2
	exitRPC          = 3
	exitRejected     = 4
	exitSigning      = 5
	exitBadState     = 6
	exitFeeTooHigh   = 7
	exitSubmission   = 8
	exitStreamClosed = 9
)

// notConfirmedError is returned by send when the submission reached a terminal
// status other than Confirmed.
type notConfirmedError struct {
	Status types.SubmissionStatus
	Nonce  uint64
}

func (e *notConfirmedError) Error() string {
	return fmt.Sprintf("forced inclusion at nonce %d was not confirmed: %s", e.Nonce, e.Status)
}

func exitCode(err error) int {
	var (
		signErr      *types.SigningError
		feeErr       *types.FeeTooHighError
		rejected     *types.RejectedByNodeError
		failed       *types.SubmissionFailedError
		notConfirmed *notConfirmedError
		decodeErr    *types.DecodeError
		inconsistent *types.InconsistentStateError
		stream       *types.StreamTerminatedError
		rpcErr       *types.RpcError
	)
	// Order matters: wrappers are matched before the classes they may wrap.
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return exitOK
	case errors.Is(err, types.ErrInvalidConfig):
		return exitConfig
	case errors.As(err, &signErr):
		return exitSigning
	case errors.As(err, &feeErr):
		return exitFeeTooHigh
	case errors.As(err, &failed), errors.As(err, &notConfirmed):
		return exitSubmission
	case errors.As(err, &rejected):
		return exitRejected
	case errors.As(err, &decodeErr), errors.As(err, &inconsistent):
		return exitBadState
	case errors.As(err, &stream):
		return exitStreamClosed
	case errors.As(err, &rpcErr):
		return exitRPC
	default:
		return exitFailure
	}
}

// ignoreCanceled maps an interrupt to a clean exit.
func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
