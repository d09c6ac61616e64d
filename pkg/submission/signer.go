package submission

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/types"
)

// Signer signs transactions for one account.
type Signer interface {
	Address() common.Address
	SignTx(ctx context.Context, tx *ethtypes.Transaction) (*ethtypes.Transaction, error)
}

// LocalSigner signs with an in-memory ECDSA key.
type LocalSigner struct {
	key    *ecdsa.PrivateKey
	addr   common.Address
	signer ethtypes.Signer
}

var _ Signer = (*LocalSigner)(nil)

// NewLocalSigner parses a hex private key, with or without 0x prefix.
func NewLocalSigner(hexKey string, chainID *big.Int) (*LocalSigner, error) {
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, fmt.Errorf("%w: signer chain id must be positive", types.ErrInvalidConfig)
	}
	// The parse error is dropped: it can echo key material.
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: malformed private key", types.ErrInvalidConfig)
	}
	return NewLocalSignerFromKey(key, chainID), nil
}

func NewLocalSignerFromKey(key *ecdsa.PrivateKey, chainID *big.Int) *LocalSigner {
	return &LocalSigner{
		key:    key,
		addr:   crypto.PubkeyToAddress(key.PublicKey),
		signer: ethtypes.LatestSignerForChainID(chainID),
	}
}

func (s *LocalSigner) Address() common.Address { return s.addr }

func (s *LocalSigner) SignTx(ctx context.Context, tx *ethtypes.Transaction) (*ethtypes.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	signed, err := ethtypes.SignTx(tx, s.signer, s.key)
	if err != nil {
		return nil, &types.SigningError{Err: err}
	}
	return signed, nil
}
