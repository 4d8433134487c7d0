package cquic

import (
	"encoding/binary"
	"fmt"
	"io"
)

// FrameTooLargeError is returned from [ReadFrame]
// when a length prefix exceeds the limit.
type FrameTooLargeError struct {
	Size, Max int
}

func (e *FrameTooLargeError) Error() string {
	return fmt.Sprintf("frame of %d bytes exceeds limit of %d", e.Size, e.Max)
}

// WriteFrame writes frame to w with a big endian uint32 length prefix.
func WriteFrame(w io.Writer, frame []byte) error {
	buf := make([]byte, 4, 4+len(frame))
	binary.BigEndian.PutUint32(buf, uint32(len(frame)))
	buf = append(buf, frame...)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r.
func ReadFrame(r io.Reader, max int) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}

	sz := int(binary.BigEndian.Uint32(hdr[:]))
	if sz > max {
		return nil, &FrameTooLargeError{Size: sz, Max: max}
	}

	frame := make([]byte, sz)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, fmt.Errorf("failed to read frame body: %w", err)
	}
	return frame, nil
}
