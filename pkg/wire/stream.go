package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// StreamWriter wraps an io.Writer to add length-prefix framing.
type StreamWriter struct {
	w io.Writer
}

// NewStreamWriter creates a new stream writer.
func NewStreamWriter(w io.Writer) *StreamWriter {
	return &StreamWriter{w: w}
}

// Write writes frame with a 4-byte little-endian length prefix in a single
// call to the underlying writer.
func (sw *StreamWriter) Write(frame []byte) (int, error) {
	return sw.w.Write(AppendLengthPrefix(nil, frame))
}

// WriteFrame encodes and writes f.
func (sw *StreamWriter) WriteFrame(f *Frame) error {
	_, err := sw.Write(f.Encode())
	return err
}

// StreamReader wraps an io.Reader to read length-prefixed frames.
type StreamReader struct {
	r        io.Reader
	maxFrame int
}

// NewStreamReader creates a stream reader that rejects frames longer than
// maxFrame bytes. A non-positive maxFrame disables the check.
func NewStreamReader(r io.Reader, maxFrame int) *StreamReader {
	return &StreamReader{r: r, maxFrame: maxFrame}
}

// Read reads one length-prefixed frame and returns it without the prefix.
// A clean end of stream is reported as io.EOF.
func (sr *StreamReader) Read() ([]byte, error) {
	var lenBuf [LengthPrefixSize]byte
	if _, err := io.ReadFull(sr.r, lenBuf[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: %v", ErrStreamReadFailed, err)
	}

	frameLen := binary.LittleEndian.Uint32(lenBuf[:])
	if frameLen == 0 {
		return nil, ErrInvalidLengthPrefix
	}
	if sr.maxFrame > 0 && int64(frameLen) > int64(sr.maxFrame) {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, frameLen, sr.maxFrame)
	}

	frame := make([]byte, frameLen)
	if _, err := io.ReadFull(sr.r, frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStreamReadFailed, err)
	}
	return frame, nil
}

// ReadFrame reads and decodes one frame.
func (sr *StreamReader) ReadFrame() (*Frame, error) {
	data, err := sr.Read()
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

// AppendLengthPrefix appends the 4-byte length prefix and frame to dst.
func AppendLengthPrefix(dst, frame []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(frame)))
	return append(dst, frame...)
}

// SplitLengthPrefix parses a single length-prefixed frame that occupies all
// of packet. It is used on message-oriented links that preserve boundaries.
func SplitLengthPrefix(packet []byte, maxFrame int) ([]byte, error) {
	if len(packet) < LengthPrefixSize {
		return nil, fmt.Errorf("%w: packet of %d bytes", ErrMalformedFrame, len(packet))
	}
	frameLen := binary.LittleEndian.Uint32(packet)
	if frameLen == 0 {
		return nil, ErrInvalidLengthPrefix
	}
	if maxFrame > 0 && int64(frameLen) > int64(maxFrame) {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, frameLen, maxFrame)
	}
	if int(frameLen) != len(packet)-LengthPrefixSize {
		return nil, fmt.Errorf("%w: prefix %d, packet body %d", ErrMalformedFrame, frameLen, len(packet)-LengthPrefixSize)
	}
	return packet[LengthPrefixSize:], nil
}
