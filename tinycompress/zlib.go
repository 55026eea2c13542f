// Package tinycompress writes zlib streams made of stored (uncompressed)
// deflate blocks. Any zlib reader can decode them, and the encoder needs no
// tables, so it fits on the MCU where compress/flate does not.
package tinycompress

import (
	"errors"
	"hash/adler32"
	"io"
)

// maxStored is the largest payload of one stored block.
const maxStored = 0xFFFF

// ErrClosed is returned by Write after Close.
var ErrClosed = errors.New("tinycompress: write after close")

// Compress returns data as a complete zlib stream.
func Compress(data []byte) []byte {
	blocks := (len(data) + maxStored - 1) / maxStored
	if blocks == 0 {
		blocks = 1
	}
	out := make([]byte, 0, 2+5*blocks+len(data)+4)

	// CMF/FLG: deflate, 32K window, default level
	out = append(out, 0x78, 0x9C)

	rest := data
	for {
		n := len(rest)
		if n > maxStored {
			n = maxStored
		}
		final := byte(0)
		if n == len(rest) {
			final = 1
		}
		length := uint16(n)
		out = append(out, final,
			byte(length), byte(length>>8),
			byte(^length), byte(^length>>8))
		out = append(out, rest[:n]...)
		rest = rest[n:]
		if final == 1 {
			break
		}
	}

	sum := adler32.Checksum(data)
	return append(out, byte(sum>>24), byte(sum>>16), byte(sum>>8), byte(sum))
}

// Writer collects everything written and emits one stream on Close.
type Writer struct {
	output io.Writer
	buf    []byte
	closed bool
}

// NewWriter returns a Writer sending the stream to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{output: w}
}

func (w *Writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, ErrClosed
	}
	w.buf = append(w.buf, p...)
	return len(p), nil
}

// Close writes the stream. Closing twice is a no-op.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	_, err := w.output.Write(Compress(w.buf))
	w.buf = nil
	return err
}
