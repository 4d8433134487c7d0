package cwire

import (
	"encoding/binary"
	"fmt"

	"github.com/bits-and-blooms/bitset"
	"github.com/golang/snappy"
)

// Bitset body encodings.
const (
	bitsetRaw    byte = 0
	bitsetSnappy byte = 1
)

// Largest bit length accepted when decoding a bitset.
const maxBitsetLen = 1 << 20

const bitsetHeaderSize = 1 + 4

// AppendBitset appends bs to dst.
//
// The body is an encoding byte, a uint32 bit length,
// and then either the raw little endian words
// or their snappy encoding, whichever is smaller.
// A bitset body must be the last field of a message,
// since the snappy form has no length of its own.
func AppendBitset(dst []byte, bs *bitset.BitSet) []byte {
	n := bs.Len()
	if n > maxBitsetLen {
		panic(fmt.Errorf("BUG: bitset of length %d is too large to encode", n))
	}

	words := bs.Words()[:wordsFor(n)]
	raw := make([]byte, 8*len(words))
	for i, w := range words {
		// Little endian, as it most likely matches the machine.
		binary.LittleEndian.PutUint64(raw[i*8:], w)
	}

	enc := snappy.Encode(nil, raw)

	// The raw form is used unless snappy saves at least one byte.
	if len(enc) < len(raw) {
		dst = append(dst, bitsetSnappy)
		dst = binary.BigEndian.AppendUint32(dst, uint32(n))
		return append(dst, enc...)
	}

	dst = append(dst, bitsetRaw)
	dst = binary.BigEndian.AppendUint32(dst, uint32(n))
	return append(dst, raw...)
}

// ParseBitset decodes a body produced by [AppendBitset].
func ParseBitset(b []byte) (*bitset.BitSet, error) {
	if len(b) < bitsetHeaderSize {
		return nil, &UnderflowError{What: "bitset header", Want: bitsetHeaderSize, Have: len(b)}
	}

	enc := b[0]
	n := uint(binary.BigEndian.Uint32(b[1:]))
	if n > maxBitsetLen {
		return nil, fmt.Errorf("bitset length %d exceeds limit %d", n, maxBitsetLen)
	}
	nBytes := 8 * wordsFor(n)
	body := b[bitsetHeaderSize:]

	var raw []byte
	switch enc {
	case bitsetRaw:
		raw = body
	case bitsetSnappy:
		decSz, err := snappy.DecodedLen(body)
		if err != nil {
			return nil, fmt.Errorf("failed to calculate snappy-decoded bitset length: %w", err)
		}
		if decSz != nBytes {
			return nil, fmt.Errorf(
				"calculated decoded size of %d bytes but expected %d",
				decSz, nBytes,
			)
		}
		raw, err = snappy.Decode(nil, body)
		if err != nil {
			return nil, fmt.Errorf("failed to decode snappy bitset: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown bitset encoding byte 0x%x", enc)
	}

	if len(raw) < nBytes {
		return nil, &UnderflowError{What: "bitset words", Want: nBytes, Have: len(raw)}
	}
	if len(raw) > nBytes {
		return nil, fmt.Errorf("%d trailing bytes after bitset words", len(raw)-nBytes)
	}

	bs := bitset.New(n)
	words := bs.Words()
	for i := range words {
		words[i] = binary.LittleEndian.Uint64(raw[i*8:])
	}
	return bs, nil
}

func wordsFor(n uint) int {
	return int((n + 63) / 64)
}
