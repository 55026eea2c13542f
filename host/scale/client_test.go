package scale

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"loadcell/core"
	"loadcell/host/config"
	"loadcell/hx712"
	"loadcell/hx712/sim"
	"loadcell/protocol"
)

// simGPIO routes firmware pin numbers to a simulated chip.
type simGPIO map[core.GPIOPin]hx712.Pin

func (d simGPIO) line(pin core.GPIOPin) (hx712.Pin, error) {
	l, ok := d[pin]
	if !ok {
		return nil, errors.New("no such pin")
	}
	return l, nil
}

func (d simGPIO) ConfigureOutput(pin core.GPIOPin) error {
	l, err := d.line(pin)
	if err == nil {
		l.Output()
	}
	return err
}

func (d simGPIO) ConfigureInputPullUp(pin core.GPIOPin) error {
	l, err := d.line(pin)
	if err == nil {
		l.InputPullUp()
	}
	return err
}

func (d simGPIO) SetPin(pin core.GPIOPin, value bool) error {
	l, err := d.line(pin)
	if err == nil {
		l.Set(value)
	}
	return err
}

func (d simGPIO) ReadPin(pin core.GPIOPin) bool {
	l, err := d.line(pin)
	return err == nil && l.Get()
}

// startFirmware runs the real firmware core on one end of a pipe, advancing
// its clock by one tick per loop. The chip must be loaded before the call;
// the core and the chip belong to the firmware goroutine until cleanup.
func startFirmware(t *testing.T, chip *sim.Chip) net.Conn {
	t.Helper()
	hostEnd, mcuEnd := net.Pipe()

	core.InitCoreCommands()
	core.InitLoadCellCommands()
	core.ResetLoadCells()
	core.ResetFirmwareState()
	core.SetTime(0)
	core.TimerInit()
	core.SetGPIODriver(simGPIO{
		2: chip.ClockPin(),
		3: chip.DataPin(),
	})

	out := protocol.NewScratchOutput()
	flush := func() {
		if res := out.Result(); len(res) > 0 {
			_, _ = mcuEnd.Write(res)
			out.Reset()
		}
	}
	tr := protocol.NewTransport(out, core.DispatchCommand)
	tr.SetFlushCallback(flush)
	core.SetGlobalTransport(tr)

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		fifo := protocol.NewFifoBuffer(1024)
		buf := make([]byte, 256)
		for {
			select {
			case <-stop:
				return
			default:
			}
			_ = mcuEnd.SetReadDeadline(time.Now().Add(time.Millisecond))
			n, err := mcuEnd.Read(buf)
			if n > 0 {
				fifo.Write(buf[:n])
			}
			var ne net.Error
			if err != nil && !(errors.As(err, &ne) && ne.Timeout()) {
				return
			}
			if !fifo.IsEmpty() {
				tr.Receive(fifo)
			}
			core.SetTime(core.GetTime() + 1)
			core.ProcessTimers()
			core.LoadCellTask()
			flush()
		}
	}()

	t.Cleanup(func() {
		close(stop)
		_ = mcuEnd.Close()
		<-done
		core.SetGlobalTransport(nil)
		core.ResetLoadCells()
	})
	return hostEnd
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Converter.ClockPin = "gpio2"
	cfg.Converter.DataPin = "gpio3"
	cfg.Converter.ReadsUntilValid = 1
	cfg.Poll.ReportInterval = 20 * time.Millisecond
	return cfg
}

func newTestClient(t *testing.T, chip *sim.Chip) *Client {
	t.Helper()
	c := NewClient(startFirmware(t, chip), 0, zaptest.NewLogger(t).Sugar())
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func repeat(v int32, n int) []int32 {
	vals := make([]int32, n)
	for i := range vals {
		vals[i] = v
	}
	return vals
}

func TestClientSetupAndReadings(t *testing.T) {
	chip := sim.NewChip()
	chip.Push(1000, 1256)
	c := newTestClient(t, chip)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cfg := testConfig()
	cfg.Calibration.Tare = 1000 * 256
	require.NoError(t, c.Setup(ctx, cfg))

	r, err := c.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, hx712.Valid, r.Status)
	assert.Equal(t, int32(1000), r.Raw)
	assert.Equal(t, int32(1000), r.Smoothed)
	assert.Equal(t, int32(0), r.Adjusted)

	r2, err := c.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(1256), r2.Raw)
	// 256000 + (321536-256000)/256*200 = 307200
	assert.Equal(t, int32(1200), r2.Smoothed)
	assert.Equal(t, int32(200), r2.Adjusted)
	assert.Equal(t, uint32(20), r2.Clock-r.Clock)

	st, err := c.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, configCRC(cfg), st.CRC)
	assert.Equal(t, st.CRC != 0, st.Configured)
	assert.False(t, st.Shutdown)
}

func TestClientCalibrationCommands(t *testing.T) {
	chip := sim.NewChip()
	chip.Push(repeat(1000, 200)...)
	c := newTestClient(t, chip)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Setup(ctx, testConfig()))

	_, err := WaitValid(ctx, c)
	require.NoError(t, err)

	require.NoError(t, c.SetAlpha(ctx, 64))
	require.NoError(t, c.SetReadsUntilValid(ctx, 2))
	require.NoError(t, c.AdjustTo(ctx, 500, false))

	cal, err := c.Calibration(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(0), cal.Tare)
	assert.Equal(t, int32(1000*256/500), cal.Scale)
	assert.Equal(t, uint8(64), cal.Alpha)
	assert.Equal(t, uint8(2), cal.ReadsUntilValid)
	assert.Equal(t, hx712.Gain128Rate10, cal.Gain)

	require.NoError(t, c.Tare(ctx, false))
	require.NoError(t, c.SetGain(ctx, hx712.Gain128Rate40))
	cal, err = c.Calibration(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(1000*256), cal.Tare)
	assert.Equal(t, hx712.Gain128Rate40, cal.Gain)

	require.NoError(t, c.SetTare(ctx, 7))
	require.NoError(t, c.SetScale(ctx, 0))
	cal, err = c.Calibration(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(7), cal.Tare)
	assert.Equal(t, int32(1), cal.Scale, "zero scale is stored as one")
}

func TestClientEmergencyStop(t *testing.T) {
	chip := sim.NewChip()
	chip.Push(repeat(1000, 200)...)
	c := newTestClient(t, chip)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Setup(ctx, testConfig()))

	_, err := c.Next(ctx)
	require.NoError(t, err)

	require.NoError(t, c.EmergencyStop(ctx))
	for {
		_, err = c.Next(ctx)
		if err != nil {
			break
		}
	}
	assert.Equal(t, ErrShutdown, err)

	st, err := c.State(ctx)
	require.NoError(t, err)
	assert.True(t, st.Shutdown)

	require.NoError(t, c.ConfigReset(ctx))
	st, err = c.State(ctx)
	require.NoError(t, err)
	assert.False(t, st.Shutdown)
	assert.False(t, st.Configured)
}

func TestClientClockAndUptime(t *testing.T) {
	c := newTestClient(t, sim.NewChip())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first, err := c.Clock(ctx)
	require.NoError(t, err)
	second, err := c.Clock(ctx)
	require.NoError(t, err)
	assert.True(t, second > first, "firmware clock advances")

	up, err := c.Uptime(ctx)
	require.NoError(t, err)
	assert.True(t, up >= uint64(second))
}

func TestClientRejectsBadCommands(t *testing.T) {
	c := newTestClient(t, sim.NewChip())
	ctx := context.Background()

	assert.Error(t, c.Send(ctx, "no_such_command"))
	assert.Error(t, c.Send(ctx, "hx712_state", 0, 0, 0, 0, 0, 0), "responses cannot be sent")
	assert.Error(t, c.Send(ctx, "query_hx712", 0))

	cfg := testConfig()
	cfg.OID = 3
	assert.Error(t, c.Setup(ctx, cfg))
}

func TestClientConfigureUnknownPin(t *testing.T) {
	chip := sim.NewChip()
	c := newTestClient(t, chip)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// the firmware acks failed commands, so the failure shows up as a
	// missing converter
	require.NoError(t, c.Configure(ctx, 9, 3, hx712.Gain128Rate10, 1))
	c.ResponseTimeout = 100 * time.Millisecond
	_, err := c.Calibration(ctx)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestClientIdentify(t *testing.T) {
	c := newTestClient(t, sim.NewChip())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	dict, err := c.VerifyDictionary(ctx)
	require.NoError(t, err)
	assert.Equal(t, core.DictionaryVersion, dict.Version)
	assert.Equal(t, "1000", dict.Config["CLOCK_FREQ"])
	assert.Equal(t, 1, dict.Commands["identify offset=%u count=%c"])
	assert.Equal(t, 0, dict.Responses["identify_response offset=%u data=%.*s"])

	other := newRegistry()
	other.Register("hx712_future", "oid=%c", func(*[]byte) error { return nil })
	err = dict.Check(other)
	assert.ErrorIs(t, err, ErrDictionaryMismatch)
	assert.Contains(t, err.Error(), "hx712_future")
}

func TestParseDictionaryRejectsGarbage(t *testing.T) {
	_, err := ParseDictionary([]byte("not zlib"))
	assert.Error(t, err)
}
