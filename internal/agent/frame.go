package agent

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Frames on the screen stream are a 4 byte big-endian length followed by
// one JPEG image.
const frameHeaderSize = 4

func writeFrame(w io.Writer, frame []byte) (int, error) {
	var hdr [frameHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(frame)))
	if _, err := w.Write(hdr[:]); err != nil {
		return 0, err
	}
	n, err := w.Write(frame)
	return n + frameHeaderSize, err
}

func readFrame(r io.Reader, limit int) ([]byte, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if int64(size) > int64(limit) {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit %d", size, limit)
	}
	frame := make([]byte, size)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, err
	}
	return frame, nil
}
