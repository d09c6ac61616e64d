package submission

import (
	"context"
	"fmt"

	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/contracts"
	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/types"
)

type FeeSource interface {
	contracts.Viewer
	FeeEstimate(ctx context.Context) (types.FeeEstimate, error)
}

// FeeOracle combines the chain fee state with the store's inclusion fee.
type FeeOracle struct {
	chain FeeSource
	store contracts.Store
}

func NewFeeOracle(chain FeeSource, store contracts.Store) *FeeOracle {
	return &FeeOracle{chain: chain, store: store}
}

func (o *FeeOracle) Estimate(ctx context.Context) (types.FeeEstimate, error) {
	fees, err := o.chain.FeeEstimate(ctx)
	if err != nil {
		return types.FeeEstimate{}, fmt.Errorf("fee estimate: %w", err)
	}
	fee, err := o.store.InclusionFee(ctx, o.chain, nil)
	if err != nil {
		return types.FeeEstimate{}, fmt.Errorf("inclusion fee: %w", err)
	}
	fees.InclusionFee = fee
	return fees, nil
}
