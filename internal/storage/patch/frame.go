package patch

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// FrameHeader precedes each window payload on the repair stream. A header
// with Index and Len both zero ends the stream.
type FrameHeader struct {
	Index uint32
	Len   uint32
}

const frameHdrLen = 4 + 4

var (
	ErrFrameTooLarge = errors.New("patch: frame exceeds window size")
	ErrShortFrame    = errors.New("patch: truncated frame")
)

// Sentinel reports whether h terminates the stream.
func (h FrameHeader) Sentinel() bool { return h.Index == 0 && h.Len == 0 }

// EncodeFrame writes a header followed by data.
func EncodeFrame(w io.Writer, idx uint32, data []byte) error {
	if uint64(len(data)) > uint64(^uint32(0)) {
		return ErrFrameTooLarge
	}
	var buf [frameHdrLen]byte
	binary.BigEndian.PutUint32(buf[0:4], idx)
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(data)))
	if _, err := w.Write(buf[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// EncodeSentinel writes the end-of-stream frame.
func EncodeSentinel(w io.Writer) error {
	return EncodeFrame(w, 0, nil)
}

// DecodeFrameHeader reads one frame header.
func DecodeFrameHeader(r io.Reader) (FrameHeader, error) {
	var buf [frameHdrLen]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return FrameHeader{}, ErrShortFrame
		}
		return FrameHeader{}, err
	}
	return FrameHeader{
		Index: binary.BigEndian.Uint32(buf[0:4]),
		Len:   binary.BigEndian.Uint32(buf[4:8]),
	}, nil
}

// ValidateFrame checks h against the window size of the target.
func ValidateFrame(h FrameHeader, windowSize int) error {
	if windowSize > 0 && int64(h.Len) > int64(windowSize) {
		return fmt.Errorf("%w: idx=%d len=%d ws=%d", ErrFrameTooLarge, h.Index, h.Len, windowSize)
	}
	return nil
}
