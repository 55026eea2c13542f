package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestTransportDispatchAndAck(t *testing.T) {
	out := NewScratchOutput()
	var got []uint16
	tr := NewTransport(out, func(cmdID uint16, data *[]byte) error {
		got = append(got, cmdID)
		_, err := DecodeVLQInt(data)
		return err
	})

	block := encodeCommand(t, MessageDest, 4, 99)
	tr.Receive(NewSliceInputBuffer(block))

	if len(got) != 1 || got[0] != 4 {
		t.Fatalf("Expected command 4 dispatched once, got %v", got)
	}
	if tr.NextSequence() != MessageDest|1 {
		t.Errorf("Expected next sequence 0x11, got 0x%02x", tr.NextSequence())
	}

	f, _, err := DecodeFrame(out.Result())
	if err != nil {
		t.Fatalf("Decoding ack: %v", err)
	}
	if !f.IsAck() || f.Seq != MessageDest|1 {
		t.Errorf("Expected ack 0x11, got seq 0x%02x payload %v", f.Seq, f.Payload)
	}
}

func TestTransportIgnoresRepeatedBlock(t *testing.T) {
	out := NewScratchOutput()
	calls := 0
	tr := NewTransport(out, func(cmdID uint16, data *[]byte) error {
		calls++
		*data = (*data)[len(*data):]
		return nil
	})

	first := encodeCommand(t, MessageDest, 1)
	second := encodeCommand(t, MessageDest|1, 1)
	tr.Receive(NewSliceInputBuffer(first))
	tr.Receive(NewSliceInputBuffer(second))
	tr.Receive(NewSliceInputBuffer(second))

	if calls != 2 {
		t.Errorf("Expected 2 dispatches, got %d", calls)
	}
	if tr.NextSequence() != MessageDest|2 {
		t.Errorf("Expected next sequence 0x12, got 0x%02x", tr.NextSequence())
	}
}

func TestTransportHostRestart(t *testing.T) {
	out := NewScratchOutput()
	resets := 0
	tr := NewTransport(out, func(cmdID uint16, data *[]byte) error { return nil })
	tr.SetResetCallback(func() { resets++ })

	tr.Receive(NewSliceInputBuffer(encodeCommand(t, MessageDest, 1)))
	tr.Receive(NewSliceInputBuffer(encodeCommand(t, MessageDest|1, 1)))
	tr.Receive(NewSliceInputBuffer(encodeCommand(t, MessageDest, 1)))

	if resets != 1 {
		t.Errorf("Expected 1 reset, got %d", resets)
	}
	if tr.NextSequence() != MessageDest|1 {
		t.Errorf("Expected next sequence 0x11 after restart, got 0x%02x", tr.NextSequence())
	}
}

func TestTransportKeepsPartialBlock(t *testing.T) {
	out := NewScratchOutput()
	calls := 0
	tr := NewTransport(out, func(cmdID uint16, data *[]byte) error {
		calls++
		_, err := DecodeVLQInt(data)
		return err
	})

	block := encodeCommand(t, MessageDest, 3, 5)
	fifo := NewFifoBuffer(128)
	fifo.Write(block[:4])
	tr.Receive(fifo)
	if calls != 0 || fifo.Available() != 4 {
		t.Fatalf("Partial block was consumed: calls=%d available=%d", calls, fifo.Available())
	}

	fifo.Write(block[4:])
	tr.Receive(fifo)
	if calls != 1 || !fifo.IsEmpty() {
		t.Errorf("Completed block not handled: calls=%d available=%d", calls, fifo.Available())
	}
}

func TestTransportNaksCorruptBlock(t *testing.T) {
	out := NewScratchOutput()
	tr := NewTransport(out, nil)

	block := encodeCommand(t, MessageDest, 3, 5)
	block[2] ^= 0x40
	tr.Receive(NewSliceInputBuffer(block))

	if tr.Dropped != 1 {
		t.Errorf("Expected 1 dropped block, got %d", tr.Dropped)
	}
	expected := []byte{5, MessageDest, 0x9E, 0x81, MessageValueSync}
	if !bytes.Equal(out.Result(), expected) {
		t.Errorf("Expected nak %v, got %v", expected, out.Result())
	}
}

func TestTransportHandlerError(t *testing.T) {
	out := NewScratchOutput()
	tr := NewTransport(out, func(cmdID uint16, data *[]byte) error {
		return errors.New("unknown command")
	})

	tr.Receive(NewSliceInputBuffer(encodeCommand(t, MessageDest, 9)))
	if tr.Errors != 1 {
		t.Errorf("Expected 1 dispatch error, got %d", tr.Errors)
	}
	if tr.NextSequence() != MessageDest|1 {
		t.Errorf("Block with failing command must still be acked")
	}
}

func TestTransportSendCommand(t *testing.T) {
	out := NewScratchOutput()
	tr := NewTransport(out, nil)
	tr.SendCommand(12, func(output OutputBuffer) {
		EncodeVLQInt(output, -5)
	})

	f, n, err := DecodeFrame(out.Result())
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if n != len(out.Result()) {
		t.Errorf("Response not a single block")
	}
	if f.Seq != MessageDest {
		t.Errorf("Response should carry current sequence, got 0x%02x", f.Seq)
	}

	payload := f.Payload
	id, _ := DecodeVLQUint(&payload)
	v, _ := DecodeVLQInt(&payload)
	if id != 12 || v != -5 {
		t.Errorf("Decoded id=%d value=%d", id, v)
	}
}
