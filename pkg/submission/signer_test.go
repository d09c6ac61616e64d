package submission

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/contracts/testutils"
	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/types"
)

func TestNewLocalSigner(t *testing.T) {
	t.Parallel()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	hexKey := common.Bytes2Hex(crypto.FromECDSA(key))
	want := crypto.PubkeyToAddress(key.PublicKey)

	tests := []struct {
		name    string
		key     string
		chainID *big.Int
		wantErr bool
	}{
		{name: "plain hex", key: hexKey, chainID: big.NewInt(1)},
		{name: "0x prefix", key: "0x" + hexKey, chainID: big.NewInt(1)},
		{name: "malformed", key: "0xnothex", chainID: big.NewInt(1), wantErr: true},
		{name: "missing chain id", key: hexKey, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s, err := NewLocalSigner(tt.key, tt.chainID)
			if tt.wantErr {
				require.ErrorIs(t, err, types.ErrInvalidConfig)
				assert.NotContains(t, err.Error(), hexKey)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, want, s.Address())
		})
	}
}

func TestLocalSigner_SignTx(t *testing.T) {
	t.Parallel()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	chainID := big.NewInt(167000)
	s := NewLocalSignerFromKey(key, chainID)

	tx := ethtypes.NewTx(&ethtypes.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     1,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(2),
		Gas:       21_000,
		To:        &common.Address{},
	})
	signed, err := s.SignTx(t.Context(), tx)
	require.NoError(t, err)

	sender, err := ethtypes.Sender(ethtypes.LatestSignerForChainID(chainID), signed)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), sender)

	// Wrong chain id in the transaction.
	bad := ethtypes.NewTx(&ethtypes.DynamicFeeTx{ChainID: big.NewInt(5), Gas: 21_000, To: &common.Address{}})
	_, err = s.SignTx(t.Context(), bad)
	var signErr *types.SigningError
	require.ErrorAs(t, err, &signErr)
}

func TestFeeOracle_Estimate(t *testing.T) {
	t.Parallel()
	chain := &mockChain{}
	chain.On("FeeEstimate", mock.Anything).Return(testFees(), nil).Once()
	store := testutils.NewStore(0)
	store.Fee = big.NewInt(42)

	fees, err := NewFeeOracle(chain, store).Estimate(t.Context())
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(42), fees.InclusionFee)
	assert.Equal(t, testFees().BaseFee, fees.BaseFee)

	store.Err = testutils.ErrRead
	chain.On("FeeEstimate", mock.Anything).Return(testFees(), nil).Once()
	_, err = NewFeeOracle(chain, store).Estimate(t.Context())
	require.ErrorIs(t, err, testutils.ErrRead)
}
