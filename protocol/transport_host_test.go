//go:build !tinygo

package protocol

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pkg/errors"
)

// fakeMCU runs an MCU-side Transport over one end of a pipe.
type fakeMCU struct {
	conn         net.Conn
	out          *ScratchOutput
	tr           *Transport
	corruptFirst bool
	silent       bool
}

func startFakeMCU(t *testing.T, conn net.Conn, handler func(tr *Transport, cmdID uint16, data *[]byte) error) *fakeMCU {
	t.Helper()
	m := &fakeMCU{conn: conn, out: NewScratchOutput()}
	m.tr = NewTransport(m.out, func(cmdID uint16, data *[]byte) error {
		return handler(m.tr, cmdID, data)
	})
	m.tr.SetFlushCallback(func() {
		if len(m.out.Result()) > 0 {
			_, _ = m.conn.Write(m.out.Result())
			m.out.Reset()
		}
	})
	return m
}

func (m *fakeMCU) run() {
	fifo := NewFifoBuffer(512)
	buf := make([]byte, 256)
	for {
		n, err := m.conn.Read(buf)
		if err != nil {
			return
		}
		if m.silent {
			continue
		}
		if m.corruptFirst && n > 2 {
			buf[2] ^= 0x55
			m.corruptFirst = false
		}
		fifo.Write(buf[:n])
		m.tr.Receive(fifo)
	}
}

// doubler answers command 5 with command 6 carrying twice the argument.
func doubler(tr *Transport, cmdID uint16, data *[]byte) error {
	v, err := DecodeVLQInt(data)
	if err != nil {
		return err
	}
	if cmdID == 5 {
		tr.SendCommand(6, func(output OutputBuffer) {
			EncodeVLQInt(output, v*2)
		})
	}
	return nil
}

func sendArg(v int32) func(OutputBuffer) {
	return func(output OutputBuffer) { EncodeVLQInt(output, v) }
}

func TestHostTransportRoundTrip(t *testing.T) {
	hostEnd, mcuEnd := net.Pipe()
	mcu := startFakeMCU(t, mcuEnd, doubler)
	go mcu.run()

	host := NewHostTransport(hostEnd)
	defer host.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := host.SendCommand(ctx, 5, sendArg(21)); err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	if host.Sequence() != MessageDest|1 {
		t.Errorf("Expected sequence 0x11, got 0x%02x", host.Sequence())
	}

	select {
	case f := <-host.Responses():
		payload := f.Payload
		id, _ := DecodeVLQUint(&payload)
		v, _ := DecodeVLQInt(&payload)
		if id != 6 || v != 42 {
			t.Errorf("Expected response 6 with 42, got %d with %d", id, v)
		}
	case <-ctx.Done():
		t.Fatal("No response received")
	}
}

func TestHostTransportSequenceWraps(t *testing.T) {
	hostEnd, mcuEnd := net.Pipe()
	mcu := startFakeMCU(t, mcuEnd, doubler)
	go mcu.run()

	host := NewHostTransport(hostEnd)
	defer host.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := 0; i < 20; i++ {
		if err := host.SendCommand(ctx, 1, sendArg(int32(i))); err != nil {
			t.Fatalf("SendCommand %d: %v", i, err)
		}
	}
	if host.Sequence() != MessageDest|4 {
		t.Errorf("Expected sequence 0x14 after 20 blocks, got 0x%02x", host.Sequence())
	}
}

func TestHostTransportRetransmitsAfterNak(t *testing.T) {
	hostEnd, mcuEnd := net.Pipe()
	mcu := startFakeMCU(t, mcuEnd, doubler)
	mcu.corruptFirst = true
	go mcu.run()

	host := NewHostTransport(hostEnd)
	defer host.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := host.SendCommand(ctx, 5, sendArg(1)); err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	if host.Sequence() != MessageDest|1 {
		t.Errorf("Expected sequence 0x11, got 0x%02x", host.Sequence())
	}
}

func TestHostTransportAckTimeout(t *testing.T) {
	hostEnd, mcuEnd := net.Pipe()
	mcu := startFakeMCU(t, mcuEnd, doubler)
	mcu.silent = true
	go mcu.run()

	host := NewHostTransport(hostEnd)
	defer host.Close()
	host.AckTimeout = 20 * time.Millisecond
	host.Retries = 1

	err := host.SendCommand(context.Background(), 5, sendArg(1))
	if errors.Cause(err) != ErrAckTimeout {
		t.Errorf("Expected ErrAckTimeout, got %v", err)
	}
}

func TestHostTransportClose(t *testing.T) {
	hostEnd, mcuEnd := net.Pipe()
	mcu := startFakeMCU(t, mcuEnd, doubler)
	go mcu.run()

	host := NewHostTransport(hostEnd)
	if err := host.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case _, ok := <-host.Responses():
		if ok {
			t.Errorf("Expected responses channel to be closed")
		}
	case <-time.After(time.Second):
		t.Fatal("Responses channel not closed")
	}

	err := host.SendCommand(context.Background(), 5, sendArg(1))
	if err == nil {
		t.Errorf("Expected error sending on closed transport")
	}
}

func TestHostTransportLeadsWithSync(t *testing.T) {
	hostEnd, mcuEnd := net.Pipe()
	defer mcuEnd.Close()

	host := NewHostTransport(hostEnd)
	defer host.Close()
	host.AckTimeout = 20 * time.Millisecond
	host.Retries = 0

	writes := make(chan []byte, 2)
	go func() {
		buf := make([]byte, 256)
		for {
			n, err := mcuEnd.Read(buf)
			if err != nil {
				close(writes)
				return
			}
			writes <- append([]byte(nil), buf[:n]...)
		}
	}()

	for i := 0; i < 2; i++ {
		_ = host.SendCommand(context.Background(), 5, sendArg(1))
	}

	first, second := <-writes, <-writes
	if len(first) == 0 || first[0] != MessageValueSync {
		t.Fatalf("First write should start with a sync byte, got % x", first)
	}
	if _, _, err := DecodeFrame(first[1:]); err != nil {
		t.Errorf("Block after the sync byte: %v", err)
	}
	if len(second) == 0 || second[0] == MessageValueSync {
		t.Errorf("Only the first write carries the sync byte, got % x", second)
	}
}
