// Package cwire contains the binary encoding of session packets.
//
// Every packet is a frame of one type byte, one flags byte,
// and a payload.
// Payloads at or above [CompressThreshold] bytes are snappy-compressed
// when that makes them smaller, which is reported in the flags.
//
// Multi-byte integers are big endian,
// except for bitset words, which are little endian.
package cwire

import (
	"fmt"

	"github.com/golang/snappy"
	"github.com/gordian-engine/coop/cpacket"
)

// CompressThreshold is the smallest payload size
// that is considered for compression.
const CompressThreshold = 128

// Frame flag bits.
const (
	FlagSnappy byte = 1 << iota

	knownFlags = FlagSnappy
)

// frameHeaderSize is the type byte plus the flags byte.
const frameHeaderSize = 2

// UnderflowError is returned when a buffer ends
// before the value being decoded.
type UnderflowError struct {
	What string

	Want, Have int
}

func (e *UnderflowError) Error() string {
	return fmt.Sprintf("buffer underflow decoding %s: need %d bytes, have %d", e.What, e.Want, e.Have)
}

// UnknownFlagsError is returned when a frame sets flag bits
// this package does not understand.
type UnknownFlagsError struct {
	Flags byte
}

func (e *UnknownFlagsError) Error() string {
	return fmt.Sprintf("unknown frame flags 0x%02x", e.Flags)
}

// AppendFrame appends the frame for t and payload to dst.
func AppendFrame(dst []byte, t cpacket.Type, payload []byte) []byte {
	if len(payload) >= CompressThreshold {
		enc := snappy.Encode(nil, payload)
		if len(enc) < len(payload) {
			dst = append(dst, byte(t), FlagSnappy)
			return append(dst, enc...)
		}
	}

	dst = append(dst, byte(t), 0)
	return append(dst, payload...)
}

// EncodeFrame returns a new frame for t and payload.
func EncodeFrame(t cpacket.Type, payload []byte) []byte {
	return AppendFrame(make([]byte, 0, frameHeaderSize+len(payload)), t, payload)
}

// DecodeFrame parses a frame produced by [AppendFrame].
// The returned payload may alias b when the frame is uncompressed.
func DecodeFrame(b []byte) (cpacket.Type, []byte, error) {
	if len(b) < frameHeaderSize {
		return 0, nil, &UnderflowError{What: "frame header", Want: frameHeaderSize, Have: len(b)}
	}

	t := cpacket.Type(b[0])
	flags := b[1]
	if flags&^knownFlags != 0 {
		return 0, nil, &UnknownFlagsError{Flags: flags}
	}

	payload := b[frameHeaderSize:]
	if flags&FlagSnappy == 0 {
		return t, payload, nil
	}

	dec, err := snappy.Decode(nil, payload)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to decompress %s frame: %w", t, err)
	}
	return t, dec, nil
}
