package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// WriteFrame encodes p and writes the whole frame to w.
// The caller must serialize writers sharing w, otherwise frames interleave.
func WriteFrame(w io.Writer, p *Packet) error {
	frame, err := EncodePacket(p)
	if err != nil {
		return err
	}
	return WriteFull(w, frame)
}

// WriteFull keeps writing until every byte of b is accepted by w.
// io.Writer allows short writes only together with an error, but wrapped
// streams are not always that well behaved.
func WriteFull(w io.Writer, b []byte) error {
	for len(b) > 0 {
		n, err := w.Write(b)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		b = b[n:]
	}
	return nil
}

// ReadFrame reads exactly one frame from r. It is the blocking counterpart of
// Decode, used where a goroutine can afford to block on each frame.
func ReadFrame(r io.Reader) (*Packet, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	total := binary.BigEndian.Uint32(header[0:4])
	if total < HeaderSize || total > MaxFrameSize {
		return nil, fmt.Errorf("%w: declared length %d", ErrMalformedFrame, total)
	}

	frame := make([]byte, total)
	copy(frame, header)
	if _, err := io.ReadFull(r, frame[HeaderSize:]); err != nil {
		return nil, err
	}
	_, _, p, err := Decode(frame)
	return p, err
}
