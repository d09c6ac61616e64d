package blob

import (
	"bytes"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/klauspost/compress/zlib"
)

// maxDecompressedSize bounds Decompress against zip bombs.
const maxDecompressedSize = 8 * MaxDataSize

// BlockManifest describes one L2 block of a derivation source. Zero values
// let the sequencer fill in the block parameters.
type BlockManifest struct {
	Timestamp         uint64
	Coinbase          common.Address
	AnchorBlockNumber uint64
	GasLimit          uint64
	Transactions      types.Transactions
}

// DerivationSourceManifest is the payload format of shasta forced inclusions.
type DerivationSourceManifest struct {
	Blocks []BlockManifest
}

// NewManifest wraps txs into a single-block manifest with every block
// parameter left to the sequencer.
func NewManifest(txs types.Transactions) *DerivationSourceManifest {
	return &DerivationSourceManifest{Blocks: []BlockManifest{{Transactions: txs}}}
}

// EncodeAndCompress returns zlib(rlp(manifest)).
func (m *DerivationSourceManifest) EncodeAndCompress() ([]byte, error) {
	raw, err := rlp.EncodeToBytes(m)
	if err != nil {
		return nil, fmt.Errorf("rlp encode manifest: %w", err)
	}
	return Compress(raw)
}

// DecodeManifest reverses EncodeAndCompress.
func DecodeManifest(data []byte) (*DerivationSourceManifest, error) {
	raw, err := Decompress(data)
	if err != nil {
		return nil, err
	}
	var m DerivationSourceManifest
	if err := rlp.DecodeBytes(raw, &m); err != nil {
		return nil, fmt.Errorf("rlp decode manifest: %w", err)
	}
	return &m, nil
}

// CompressTxList returns zlib(rlp(txs)), the pacaya batch format.
func CompressTxList(txs types.Transactions) ([]byte, error) {
	raw, err := rlp.EncodeToBytes(txs)
	if err != nil {
		return nil, fmt.Errorf("rlp encode txs: %w", err)
	}
	return Compress(raw)
}

// DecompressTxList reverses CompressTxList.
func DecompressTxList(data []byte) (types.Transactions, error) {
	raw, err := Decompress(data)
	if err != nil {
		return nil, err
	}
	var txs types.Transactions
	if err := rlp.DecodeBytes(raw, &txs); err != nil {
		return nil, fmt.Errorf("rlp decode txs: %w", err)
	}
	return txs, nil
}

// Compress zlib-compresses data at the best compression level.
func Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, zlib.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("zlib write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("zlib close: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress inflates zlib data.
func Decompress(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("zlib reader: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(io.LimitReader(r, maxDecompressedSize+1))
	if err != nil {
		return nil, fmt.Errorf("zlib read: %w", err)
	}
	if len(out) > maxDecompressedSize {
		return nil, fmt.Errorf("zlib: decompressed size exceeds %d bytes", maxDecompressedSize)
	}
	return out, nil
}
