package blob

import (
	"crypto/sha256"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto/kzg4844"
	"github.com/ethereum/go-ethereum/params"
)

// Payload is data packed into blobs together with its KZG sidecar.
type Payload struct {
	Data    []byte
	Sidecar *types.BlobTxSidecar
	Hashes  []common.Hash
}

// NewPayload encodes data into blobs and computes commitments, proofs and
// versioned hashes.
func NewPayload(data []byte) (*Payload, error) {
	blobs, err := EncodeAll(data)
	if err != nil {
		return nil, err
	}
	sidecar, hashes, err := buildSidecar(blobs)
	if err != nil {
		return nil, err
	}
	return &Payload{Data: data, Sidecar: sidecar, Hashes: hashes}, nil
}

// Hash identifies the payload on chain: the versioned hash of its first blob.
func (p *Payload) Hash() common.Hash {
	if len(p.Hashes) == 0 {
		return common.Hash{}
	}
	return p.Hashes[0]
}

// NumBlobs returns how many blobs carry the payload.
func (p *Payload) NumBlobs() int {
	return len(p.Sidecar.Blobs)
}

// ByteSize returns the unpacked payload size.
func (p *Payload) ByteSize() uint64 {
	return uint64(len(p.Data))
}

// BlobGas returns the blob gas the payload consumes.
func (p *Payload) BlobGas() uint64 {
	return uint64(p.NumBlobs()) * params.BlobTxBlobGasPerBlob
}

func buildSidecar(blobs []kzg4844.Blob) (*types.BlobTxSidecar, []common.Hash, error) {
	sidecar := &types.BlobTxSidecar{
		Blobs:       blobs,
		Commitments: make([]kzg4844.Commitment, len(blobs)),
		Proofs:      make([]kzg4844.Proof, len(blobs)),
	}
	hashes := make([]common.Hash, len(blobs))
	hasher := sha256.New()
	for i := range blobs {
		c, err := kzg4844.BlobToCommitment(&blobs[i])
		if err != nil {
			return nil, nil, fmt.Errorf("blob %d commitment: %w", i, err)
		}
		p, err := kzg4844.ComputeBlobProof(&blobs[i], c)
		if err != nil {
			return nil, nil, fmt.Errorf("blob %d proof: %w", i, err)
		}
		sidecar.Commitments[i] = c
		sidecar.Proofs[i] = p
		hasher.Reset()
		hashes[i] = kzg4844.CalcBlobHashV1(hasher, &c)
	}
	return sidecar, hashes, nil
}
