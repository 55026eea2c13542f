package protocol

// Transport is the MCU side of the link. It decodes blocks from the host,
// dispatches their commands, acks every block and frames responses.
type Transport struct {
	nextSequence uint8 // expected from the host, echoed in acks and responses
	output       OutputBuffer
	handler      CommandHandler

	resetCallback func()
	flushCallback func()

	// Dropped counts blocks rejected for bad length, sync or crc.
	Dropped uint32
	// Errors counts payloads whose dispatch failed.
	Errors uint32
}

// NewTransport creates a transport writing to output.
func NewTransport(output OutputBuffer, handler CommandHandler) *Transport {
	return &Transport{
		nextSequence: MessageDest,
		output:       output,
		handler:      handler,
	}
}

// Receive decodes every complete block available in input and removes the
// consumed bytes. A trailing partial block is left for the next call.
func (t *Transport) Receive(input InputBuffer) {
	for {
		f, n, err := DecodeFrame(input.Data())
		switch err {
		case nil:
			t.accept(f)
		case ErrIncomplete:
			input.Pop(n)
			return
		default:
			t.Dropped++
			t.encodeAckNak()
		}
		input.Pop(n)
	}
}

func (t *Transport) accept(f Frame) {
	// Sequence back at the start means the host restarted
	if f.Seq == MessageDest && t.nextSequence != MessageDest {
		t.nextSequence = MessageDest
		if t.resetCallback != nil {
			t.resetCallback()
		}
	}

	// A repeated or out-of-order block is not run again; the ack below
	// tells the host which sequence is expected.
	if f.Seq == t.nextSequence {
		t.nextSequence = NextSequence(f.Seq)
		if err := t.dispatch(f.Payload); err != nil {
			t.Errors++
		}
	}
	t.encodeAckNak()
}

func (t *Transport) dispatch(payload []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = ErrBadFrame
		}
	}()
	if t.handler == nil {
		return nil
	}
	return ForEachCommand(payload, t.handler)
}

// encodeAckNak writes an empty block carrying the expected sequence and
// flushes it right away.
func (t *Transport) encodeAckNak() {
	EncodeAck(t.output, t.nextSequence)
	if t.flushCallback != nil {
		t.flushCallback()
	}
}

// SendCommand frames one response. Responses use the current sequence and
// do not advance it.
func (t *Transport) SendCommand(cmdID uint16, args func(output OutputBuffer)) {
	_ = EncodeFrame(t.output, t.nextSequence, func(output OutputBuffer) {
		EncodeVLQUint(output, uint32(cmdID))
		if args != nil {
			args(output)
		}
	})
}

// NextSequence returns the sequence expected from the host.
func (t *Transport) NextSequence() uint8 {
	return t.nextSequence
}

// Reset returns the transport to its power-on state, e.g. after USB
// reconnects.
func (t *Transport) Reset() {
	t.nextSequence = MessageDest
	if t.resetCallback != nil {
		t.resetCallback()
	}
}

// SetResetCallback sets a callback run when the host restarts the sequence.
func (t *Transport) SetResetCallback(callback func()) {
	t.resetCallback = callback
}

// SetFlushCallback sets a callback that pushes acks out immediately.
func (t *Transport) SetFlushCallback(callback func()) {
	t.flushCallback = callback
}
