//go:build !tinygo

package protocol

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrAckTimeout is returned when the MCU does not acknowledge a block.
	ErrAckTimeout = errors.New("ack timeout")
	// ErrClosed is returned after Close or once the port has failed.
	ErrClosed = errors.New("transport closed")
)

// Host transport defaults.
const (
	DefaultAckTimeout = 2 * time.Second
	DefaultRetries    = 3
)

// HostTransport is the host side of the link. Blocks are sent one at a time
// and each waits for its ack; everything with a payload is delivered on
// Responses.
type HostTransport struct {
	port io.ReadWriteCloser

	AckTimeout time.Duration
	Retries    int

	sendMu sync.Mutex
	seq    uint8
	synced bool // a sync byte has gone out ahead of the first block

	acks      chan uint8
	responses chan Frame

	stop     chan struct{}
	done     chan struct{}
	closeErr error
	once     sync.Once

	mu      sync.Mutex
	readErr error
	dropped int
}

// NewHostTransport starts reading from port in the background.
func NewHostTransport(port io.ReadWriteCloser) *HostTransport {
	t := &HostTransport{
		port:       port,
		AckTimeout: DefaultAckTimeout,
		Retries:    DefaultRetries,
		seq:        MessageDest,
		acks:       make(chan uint8, 1),
		responses:  make(chan Frame, 32),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go t.readLoop()
	return t
}

// SendCommand frames one command and waits for it to be acknowledged. A
// nak carrying a different sequence makes the block go out again under the
// sequence the MCU asked for.
func (t *HostTransport) SendCommand(ctx context.Context, cmdID uint16, args func(output OutputBuffer)) error {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	for attempt := 0; attempt <= t.Retries; attempt++ {
		out := NewScratchOutput()
		err := EncodeFrame(out, t.seq, func(output OutputBuffer) {
			EncodeVLQUint(output, uint32(cmdID))
			if args != nil {
				args(output)
			}
		})
		if err != nil {
			return err
		}
		select {
		case <-t.acks:
		default:
		}
		block := out.Result()
		if !t.synced {
			// flushes whatever a previous session left in the MCU's buffer
			block = append([]byte{MessageValueSync}, block...)
		}
		if _, err := t.port.Write(block); err != nil {
			return errors.Wrap(err, "write block")
		}
		t.synced = true

		next, err := t.waitForAck(ctx)
		if errors.Cause(err) == ErrAckTimeout {
			continue
		}
		if err != nil {
			return err
		}
		if next == NextSequence(t.seq) {
			t.seq = next
			return nil
		}
		t.seq = next
	}
	return errors.Wrapf(ErrAckTimeout, "command %d not acknowledged after %d attempts", cmdID, t.Retries+1)
}

func (t *HostTransport) waitForAck(ctx context.Context) (uint8, error) {
	timer := time.NewTimer(t.AckTimeout)
	defer timer.Stop()

	select {
	case seq := <-t.acks:
		return seq, nil
	case <-timer.C:
		return 0, ErrAckTimeout
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-t.done:
		return 0, t.err()
	}
}

// Responses delivers non-empty blocks from the MCU. It is closed when the
// read loop exits.
func (t *HostTransport) Responses() <-chan Frame {
	return t.responses
}

// Sequence returns the sequence the next command will use.
func (t *HostTransport) Sequence() uint8 {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	return t.seq
}

// Dropped returns the number of malformed blocks received.
func (t *HostTransport) Dropped() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dropped
}

// Err returns the error that stopped the read loop, if any.
func (t *HostTransport) Err() error {
	select {
	case <-t.done:
		return t.err()
	default:
		return nil
	}
}

func (t *HostTransport) err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.readErr != nil {
		return t.readErr
	}
	return ErrClosed
}

func (t *HostTransport) readLoop() {
	defer close(t.done)
	defer close(t.responses)

	reader := NewFrameReader(4 * MessageMax)
	buf := make([]byte, 256)
	for {
		n, err := t.port.Read(buf)
		if n > 0 {
			_, _ = reader.Write(buf[:n])
			t.drain(reader)
		}
		if err != nil {
			select {
			case <-t.stop:
				return
			default:
			}
			if err == io.EOF {
				t.setReadErr(errors.Wrap(ErrClosed, "port closed"))
				return
			}
			if isTimeout(err) {
				continue
			}
			t.setReadErr(errors.Wrap(err, "read port"))
			return
		}
		select {
		case <-t.stop:
			return
		default:
		}
	}
}

func (t *HostTransport) drain(reader *FrameReader) {
	for {
		f, ok := reader.Next()
		if !ok {
			break
		}
		if f.IsAck() {
			// keep only the latest ack
			select {
			case <-t.acks:
			default:
			}
			t.acks <- f.Seq
			continue
		}
		select {
		case t.responses <- f:
		default:
			// drop the oldest response rather than stall the reader
			select {
			case <-t.responses:
			default:
			}
			t.responses <- f
		}
	}

	t.mu.Lock()
	t.dropped = reader.Dropped
	t.mu.Unlock()
}

func (t *HostTransport) setReadErr(err error) {
	t.mu.Lock()
	t.readErr = err
	t.mu.Unlock()
}

// Close stops the read loop and closes the port.
func (t *HostTransport) Close() error {
	t.once.Do(func() {
		close(t.stop)
		t.closeErr = t.port.Close()
		<-t.done
	})
	return t.closeErr
}

func isTimeout(err error) bool {
	te, ok := errors.Cause(err).(interface{ Timeout() bool })
	return ok && te.Timeout()
}
