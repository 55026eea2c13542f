package protocol

import "errors"

var (
	// ErrIncomplete means the buffer ends inside a block.
	ErrIncomplete = errors.New("incomplete message block")
	// ErrBadFrame means the length, sequence or sync byte is malformed.
	ErrBadFrame = errors.New("malformed message block")
	// ErrBadCRC means the block checksum did not match.
	ErrBadCRC = errors.New("message block crc mismatch")
	// ErrFrameTooLong means the payload does not fit in one block.
	ErrFrameTooLong = errors.New("message block too long")
)

// Frame is one decoded message block. Payload aliases the decoded buffer.
type Frame struct {
	Seq     uint8
	Payload []byte
}

// IsAck reports whether the block carries no commands.
func (f Frame) IsAck() bool {
	return len(f.Payload) == 0
}

// CommandHandler handles one command inside a payload. It must consume its
// own arguments from data.
type CommandHandler func(cmdID uint16, data *[]byte) error

// EncodeFrame writes a complete block with sequence byte seq. body writes the
// payload; a nil body produces an ack.
func EncodeFrame(out OutputBuffer, seq uint8, body func(output OutputBuffer)) error {
	cursor := out.CurPosition()
	out.Output([]byte{0, seq})
	if body != nil {
		body(out)
	}

	size := len(out.DataSince(cursor)) + MessageTrailerSize
	if size > MessageLengthMax {
		return ErrFrameTooLong
	}
	out.Update(cursor+MessagePositionLen, uint8(size))

	crc := CRC16(out.DataSince(cursor))
	out.Output([]byte{uint8(crc >> 8), uint8(crc), MessageValueSync})
	return nil
}

// EncodeAck writes an empty block announcing the next expected sequence.
func EncodeAck(out OutputBuffer, seq uint8) {
	_ = EncodeFrame(out, seq, nil)
}

// DecodeFrame decodes the block at the start of data. n is the number of
// bytes the caller may discard, including leading sync bytes.
//
// ErrIncomplete is returned when more input is needed. On ErrBadFrame and
// ErrBadCRC, n skips to where decoding can resynchronise (see resync).
func DecodeFrame(data []byte) (f Frame, n int, err error) {
	for n < len(data) && data[n] == MessageValueSync {
		n++
	}
	data = data[n:]
	if len(data) < MessageLengthMin {
		return Frame{}, n, ErrIncomplete
	}

	size := int(data[MessagePositionLen])
	seq := data[MessagePositionSeq]
	if size < MessageLengthMin || size > MessageLengthMax || seq&^MessageSeqMask != MessageDest {
		return Frame{}, n + resync(data), ErrBadFrame
	}
	if len(data) < size {
		return Frame{}, n, ErrIncomplete
	}
	if data[size-MessageTrailerSync] != MessageValueSync {
		return Frame{}, n + resync(data), ErrBadFrame
	}

	crc := uint16(data[size-MessageTrailerCRC])<<8 | uint16(data[size-MessageTrailerCRC+1])
	if crc != CRC16(data[:size-MessageTrailerSize]) {
		return Frame{}, n + resync(data), ErrBadCRC
	}

	return Frame{
		Seq:     seq,
		Payload: data[MessageHeaderSize : size-MessageTrailerSize],
	}, n + size, nil
}

// resync returns how many bytes of a malformed block to discard. It stops
// just past the next sync byte, or earlier where a complete valid block
// starts, so noise without a trailing sync does not swallow the block after
// it. Failing both, it keeps the first offset that may still begin a block.
func resync(data []byte) int {
	keep := len(data)
	for i := 1; i < len(data); i++ {
		if data[i-1] == MessageValueSync {
			return i
		}
		switch blockAt(data[i:]) {
		case blockValid:
			return i
		case blockPartial:
			keep = min(keep, i)
		}
	}
	return keep
}

type blockCheck uint8

const (
	blockInvalid blockCheck = iota
	blockPartial
	blockValid
)

// blockAt checks whether data starts with a block, as far as data goes.
func blockAt(data []byte) blockCheck {
	if len(data) == 0 {
		return blockPartial
	}
	size := int(data[MessagePositionLen])
	if size < MessageLengthMin || size > MessageLengthMax {
		return blockInvalid
	}
	if len(data) > MessagePositionSeq && data[MessagePositionSeq]&^MessageSeqMask != MessageDest {
		return blockInvalid
	}
	if len(data) < size {
		return blockPartial
	}
	if data[size-MessageTrailerSync] != MessageValueSync {
		return blockInvalid
	}
	crc := uint16(data[size-MessageTrailerCRC])<<8 | uint16(data[size-MessageTrailerCRC+1])
	if crc != CRC16(data[:size-MessageTrailerSize]) {
		return blockInvalid
	}
	return blockValid
}

// ForEachCommand walks a payload and calls handler for every command id.
// It stops at the first decode or handler error.
func ForEachCommand(payload []byte, handler CommandHandler) error {
	for len(payload) > 0 {
		id, err := DecodeVLQUint(&payload)
		if err != nil {
			return err
		}
		if err := handler(uint16(id), &payload); err != nil {
			return err
		}
	}
	return nil
}

// FrameReader splits a byte stream into blocks. It is not safe for
// concurrent use.
type FrameReader struct {
	buf *FifoBuffer

	// Dropped counts malformed blocks skipped while resynchronising.
	Dropped int
}

// NewFrameReader returns a reader buffering up to capacity bytes.
func NewFrameReader(capacity int) *FrameReader {
	if capacity < 2*MessageLengthMax {
		capacity = 2 * MessageLengthMax
	}
	return &FrameReader{buf: NewFifoBuffer(capacity)}
}

// Write buffers stream bytes. It returns ErrBufferTooSmall when the reader
// is full; the bytes that did not fit are lost.
func (r *FrameReader) Write(p []byte) (int, error) {
	n := r.buf.Write(p)
	if n < len(p) {
		return n, ErrBufferTooSmall
	}
	return n, nil
}

// Next returns the next complete block. The payload is a copy and stays
// valid after further writes.
func (r *FrameReader) Next() (Frame, bool) {
	for {
		f, n, err := DecodeFrame(r.buf.Data())
		switch err {
		case nil:
			f.Payload = append([]byte(nil), f.Payload...)
			r.buf.Pop(n)
			return f, true
		case ErrIncomplete:
			r.buf.Pop(n)
			return Frame{}, false
		default:
			r.Dropped++
			r.buf.Pop(n)
		}
	}
}
