// Package blob packs arbitrary payloads into EIP-4844 blobs.
//
// The encoding stores 4 x 31 bytes plus 4 x 6 bits per round of 4 field
// elements, so no field element ever has its top two bits set. The first round
// carries a version byte and a 3-byte big-endian length.
package blob

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto/kzg4844"
)

const (
	// Size is the byte size of a blob.
	Size = 4096 * 32
	// MaxDataSize is the largest payload a single blob can carry.
	MaxDataSize = (4*31+3)*1024 - 4
	// EncodingVersion is written in the second byte of every blob.
	EncodingVersion = 0

	versionOffset = 1
	rounds        = 1024
)

var (
	ErrInputTooLarge       = errors.New("blob: input too large")
	ErrDataDidNotFit       = errors.New("blob: data did not fit")
	ErrInvalidVersion      = errors.New("blob: invalid encoding version")
	ErrInvalidLength       = errors.New("blob: invalid length")
	ErrInvalidFieldElement = errors.New("blob: invalid field element")
	ErrTrailingData        = errors.New("blob: non-zero trailing data")
	ErrEmptyData           = errors.New("blob: empty data")
)

// Encode packs data into a single blob.
func Encode(data []byte) (*kzg4844.Blob, error) {
	if len(data) > MaxDataSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInputTooLarge, len(data))
	}

	var b kzg4844.Blob
	readOffset := 0
	read1 := func() byte {
		if readOffset >= len(data) {
			return 0
		}
		out := data[readOffset]
		readOffset++
		return out
	}

	var buf31 [31]byte
	read31 := func() {
		if readOffset >= len(data) {
			buf31 = [31]byte{}
			return
		}
		n := copy(buf31[:], data[readOffset:])
		clear(buf31[n:])
		readOffset += n
	}

	writeOffset := 0
	write1 := func(v byte) {
		b[writeOffset] = v
		writeOffset++
	}
	write31 := func() {
		copy(b[writeOffset:], buf31[:])
		writeOffset += 31
	}

	for round := 0; round < rounds && readOffset < len(data); round++ {
		if round == 0 {
			buf31[0] = EncodingVersion
			n := uint32(len(data))
			buf31[1] = byte(n >> 16)
			buf31[2] = byte(n >> 8)
			buf31[3] = byte(n)
			readOffset += copy(buf31[4:], data)
		} else {
			read31()
		}

		x := read1()
		write1(x & 0b0011_1111)
		write31()

		read31()
		y := read1()
		write1((y & 0b0000_1111) | ((x & 0b1100_0000) >> 2))
		write31()

		read31()
		z := read1()
		write1(z & 0b0011_1111)
		write31()

		read31()
		write1(((z & 0b1100_0000) >> 2) | ((y & 0b1111_0000) >> 4))
		write31()
	}

	if readOffset < len(data) {
		return nil, fmt.Errorf("%w: consumed %d of %d bytes", ErrDataDidNotFit, readOffset, len(data))
	}
	return &b, nil
}

// EncodeAll splits data into as many blobs as needed.
func EncodeAll(data []byte) ([]kzg4844.Blob, error) {
	if len(data) == 0 {
		return nil, ErrEmptyData
	}
	blobs := make([]kzg4844.Blob, 0, (len(data)+MaxDataSize-1)/MaxDataSize)
	for start := 0; start < len(data); start += MaxDataSize {
		end := min(start+MaxDataSize, len(data))
		b, err := Encode(data[start:end])
		if err != nil {
			return nil, err
		}
		blobs = append(blobs, *b)
	}
	return blobs, nil
}

// Decode reverses Encode.
func Decode(b *kzg4844.Blob) ([]byte, error) {
	if b[versionOffset] != EncodingVersion {
		return nil, fmt.Errorf("%w: %d", ErrInvalidVersion, b[versionOffset])
	}
	outLen := uint32(b[2])<<16 | uint32(b[3])<<8 | uint32(b[4])
	if outLen > MaxDataSize {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLength, outLen)
	}

	out := make([]byte, MaxDataSize)
	copy(out[0:27], b[5:])

	var (
		encoded [4]byte
		err     error
	)
	opos, ipos := 28, 32
	encoded[0] = b[0]
	for i := 1; i < 4; i++ {
		encoded[i], opos, ipos, err = decodeFieldElement(b, opos, ipos, out)
		if err != nil {
			return nil, err
		}
	}
	opos = reassemble(opos, encoded, out)

	for i := 1; i < rounds && opos < int(outLen); i++ {
		for j := 0; j < 4; j++ {
			encoded[j], opos, ipos, err = decodeFieldElement(b, opos, ipos, out)
			if err != nil {
				return nil, err
			}
		}
		opos = reassemble(opos, encoded, out)
	}

	for i := int(outLen); i < len(out); i++ {
		if out[i] != 0 {
			return nil, fmt.Errorf("%w: output byte %d", ErrTrailingData, i)
		}
	}
	for ; ipos < Size; ipos++ {
		if b[ipos] != 0 {
			return nil, fmt.Errorf("%w: blob byte %d", ErrTrailingData, ipos)
		}
	}
	return out[:outLen], nil
}

// DecodeAll concatenates the payloads of blobs.
func DecodeAll(blobs []kzg4844.Blob) ([]byte, error) {
	var out []byte
	for i := range blobs {
		data, err := Decode(&blobs[i])
		if err != nil {
			return nil, fmt.Errorf("blob %d: %w", i, err)
		}
		out = append(out, data...)
	}
	return out, nil
}

func decodeFieldElement(b *kzg4844.Blob, opos, ipos int, out []byte) (byte, int, int, error) {
	if ipos+32 > Size {
		return 0, 0, 0, fmt.Errorf("%w: read past end of blob at %d", ErrInvalidLength, ipos)
	}
	if b[ipos]&0b1100_0000 != 0 {
		return 0, 0, 0, fmt.Errorf("%w: at %d", ErrInvalidFieldElement, ipos)
	}
	copy(out[opos:], b[ipos+1:ipos+32])
	return b[ipos], opos + 32, ipos + 32, nil
}

// reassemble writes the three bytes spread over the 6-bit prefixes of a round.
func reassemble(opos int, encoded [4]byte, out []byte) int {
	opos--
	x := (encoded[0] & 0b0011_1111) | ((encoded[1] & 0b0011_0000) << 2)
	y := (encoded[1] & 0b0000_1111) | ((encoded[3] & 0b0000_1111) << 4)
	z := (encoded[2] & 0b0011_1111) | ((encoded[3] & 0b0011_0000) << 2)
	out[opos-32] = z
	out[opos-32*2] = y
	out[opos-32*3] = x
	return opos
}
