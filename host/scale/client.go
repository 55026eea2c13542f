package scale

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"loadcell/core"
	"loadcell/host/config"
	"loadcell/hx712"
	"loadcell/protocol"
)

// DefaultResponseTimeout bounds how long a request waits for its answer.
const DefaultResponseTimeout = 2 * time.Second

// MCUState is the firmware's answer to get_config.
type MCUState struct {
	Configured bool
	CRC        uint32
	Shutdown   bool
}

// Client drives one HX712 on the firmware. Requests are serialised;
// hx712_state reports for the client's oid are queued for Next.
type Client struct {
	tr  *protocol.HostTransport
	reg *core.CommandRegistry
	log *zap.SugaredLogger
	oid uint8

	ResponseTimeout time.Duration

	reqMu   sync.Mutex
	mu      sync.Mutex
	waiters map[string]chan Message

	readings chan Reading
	done     chan struct{}

	haltMu sync.Mutex
	halted chan struct{} // closed while the firmware is shut down
}

// NewClient starts a client on an open serial link.
func NewClient(port io.ReadWriteCloser, oid uint8, log *zap.SugaredLogger) *Client {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	c := &Client{
		tr:              protocol.NewHostTransport(port),
		reg:             newRegistry(),
		log:             log,
		oid:             oid,
		ResponseTimeout: DefaultResponseTimeout,
		waiters:         make(map[string]chan Message),
		readings:        make(chan Reading, 64),
		done:            make(chan struct{}),
		halted:          make(chan struct{}),
	}
	go c.dispatch()
	return c
}

// Transport exposes the underlying link, mainly for its counters.
func (c *Client) Transport() *protocol.HostTransport {
	return c.tr
}

// OID returns the object id the client addresses.
func (c *Client) OID() uint8 {
	return c.oid
}

func (c *Client) dispatch() {
	defer close(c.done)
	for f := range c.tr.Responses() {
		err := protocol.ForEachCommand(f.Payload, func(id uint16, data *[]byte) error {
			cmd, ok := c.reg.GetCommand(id)
			if !ok {
				// unknown ids have unknown arguments; the rest of the block is lost
				return errors.Errorf("unknown response id %d", id)
			}
			msg, err := decodeMessage(cmd, data)
			if err != nil {
				return err
			}
			c.handle(msg)
			return nil
		})
		if err != nil {
			c.log.Warnw("dropping response block", "error", err)
		}
	}
	c.log.Debugw("response loop stopped", "error", c.tr.Err())
}

func (c *Client) handle(msg Message) {
	switch msg.Name {
	case "hx712_state":
		if uint8(msg.Args["oid"]) != c.oid {
			return
		}
		c.push(Reading{
			OID:      c.oid,
			Status:   hx712.Status(msg.Args["status"]),
			Raw:      msg.Args["raw"],
			Smoothed: msg.Args["smoothed"],
			Adjusted: msg.Args["adjusted"],
			Clock:    msg.Uint("next_clock"),
			Time:     time.Now(),
		})
		return
	case "shutdown":
		c.setShutdown(true)
		c.log.Warnw("firmware shut down", "clock", msg.Uint("clock"))
	}

	c.mu.Lock()
	ch, ok := c.waiters[msg.Name]
	if ok {
		delete(c.waiters, msg.Name)
	}
	c.mu.Unlock()
	if ok {
		ch <- msg
	}
}

// push queues a reading, discarding the oldest if nobody keeps up.
func (c *Client) push(r Reading) {
	select {
	case c.readings <- r:
		return
	default:
	}
	select {
	case <-c.readings:
	default:
	}
	select {
	case c.readings <- r:
	default:
	}
}

// Discard drops every queued reading.
func (c *Client) Discard() {
	for {
		select {
		case <-c.readings:
		default:
			return
		}
	}
}

// Send encodes and sends one command by name.
func (c *Client) Send(ctx context.Context, name string, args ...int32) error {
	cmd, ok := c.reg.GetCommandByName(name)
	if !ok || cmd.IsResponse() {
		return errors.Errorf("unknown command %q", name)
	}
	enc, err := encodeArgs(cmd, args)
	if err != nil {
		return err
	}
	c.log.Debugw("send", "command", name, "args", args)
	if err := c.tr.SendCommand(ctx, cmd.ID, enc); err != nil {
		if errors.Cause(err) == protocol.ErrClosed {
			return ErrClosed
		}
		return errors.Wrap(err, name)
	}
	return nil
}

// Request sends a command and waits for the named response.
func (c *Client) Request(ctx context.Context, name, response string, args ...int32) (Message, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	ch := make(chan Message, 1)
	c.mu.Lock()
	c.waiters[response] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.waiters[response] == ch {
			delete(c.waiters, response)
		}
		c.mu.Unlock()
	}()

	if err := c.Send(ctx, name, args...); err != nil {
		return Message{}, err
	}

	timer := time.NewTimer(c.ResponseTimeout)
	defer timer.Stop()
	select {
	case msg := <-ch:
		return msg, nil
	case <-timer.C:
		return Message{}, errors.Wrapf(ErrTimeout, "waiting for %s", response)
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-c.done:
		return Message{}, ErrClosed
	}
}

// Configure creates the converter on the firmware.
func (c *Client) Configure(ctx context.Context, clkPin, doutPin uint32, gain hx712.Gain, readsUntilValid uint8) error {
	return c.Send(ctx, "config_hx712", int32(c.oid), int32(clkPin), int32(doutPin), int32(gain), int32(readsUntilValid))
}

// Query schedules the first report at clock and one every restTicks after
// it. restTicks of 0 stops reporting.
func (c *Client) Query(ctx context.Context, clock, restTicks uint32) error {
	return c.Send(ctx, "query_hx712", int32(c.oid), int32(clock), int32(restTicks))
}

// Start begins periodic reports one interval from now.
func (c *Client) Start(ctx context.Context, interval time.Duration) error {
	rest := core.TimerFromMS(uint32(interval.Milliseconds()))
	if rest == 0 {
		return errors.Errorf("report interval %s is below one tick", interval)
	}
	now, err := c.Clock(ctx)
	if err != nil {
		return err
	}
	return c.Query(ctx, now+rest, rest)
}

// Stop ends periodic reports.
func (c *Client) Stop(ctx context.Context) error {
	return c.Query(ctx, 0, 0)
}

func (c *Client) SetGain(ctx context.Context, gain hx712.Gain) error {
	return c.Send(ctx, "hx712_set_gain", int32(c.oid), int32(gain))
}

// SetPower powers the chip down or back up.
func (c *Client) SetPower(ctx context.Context, on bool) error {
	return c.Send(ctx, "hx712_set_power", int32(c.oid), boolArg(on))
}

func (c *Client) SetAlpha(ctx context.Context, alpha uint8) error {
	return c.Send(ctx, "hx712_set_alpha", int32(c.oid), int32(alpha))
}

func (c *Client) SetReadsUntilValid(ctx context.Context, reads uint8) error {
	return c.Send(ctx, "hx712_set_reads", int32(c.oid), int32(reads))
}

// Tare takes the current reading as zero.
func (c *Client) Tare(ctx context.Context, smoothed bool) error {
	return c.Send(ctx, "hx712_tare", int32(c.oid), boolArg(smoothed))
}

func (c *Client) SetTare(ctx context.Context, tare int32) error {
	return c.Send(ctx, "hx712_set_tare", int32(c.oid), tare)
}

// AdjustTo sets the scale so the current reading reports as value.
func (c *Client) AdjustTo(ctx context.Context, value int32, smoothed bool) error {
	return c.Send(ctx, "hx712_adjust_to", int32(c.oid), value, boolArg(smoothed))
}

func (c *Client) SetScale(ctx context.Context, scale int32) error {
	return c.Send(ctx, "hx712_set_scale", int32(c.oid), scale)
}

// Calibration reads the converter settings back from the firmware.
func (c *Client) Calibration(ctx context.Context) (Calibration, error) {
	msg, err := c.Request(ctx, "hx712_query_calibration", "hx712_calibration", int32(c.oid))
	if err != nil {
		return Calibration{}, err
	}
	return Calibration{
		Gain:            hx712.Gain(msg.Args["gain"]),
		Alpha:           uint8(msg.Args["alpha"]),
		ReadsUntilValid: uint8(msg.Args["reads_until_valid"]),
		Tare:            msg.Args["tare"],
		Scale:           msg.Args["scale"],
	}, nil
}

// Clock returns the firmware tick counter.
func (c *Client) Clock(ctx context.Context) (uint32, error) {
	msg, err := c.Request(ctx, "get_clock", "clock")
	if err != nil {
		return 0, err
	}
	return msg.Uint("clock"), nil
}

// Uptime returns the firmware's 64-bit uptime in ticks.
func (c *Client) Uptime(ctx context.Context) (uint64, error) {
	msg, err := c.Request(ctx, "get_uptime", "uptime")
	if err != nil {
		return 0, err
	}
	return uint64(msg.Uint("high"))<<32 | uint64(msg.Uint("clock")), nil
}

// State returns the firmware configuration state.
func (c *Client) State(ctx context.Context) (MCUState, error) {
	msg, err := c.Request(ctx, "get_config", "config")
	if err != nil {
		return MCUState{}, err
	}
	st := MCUState{
		Configured: msg.Args["is_config"] != 0,
		CRC:        msg.Uint("crc"),
		Shutdown:   msg.Args["is_shutdown"] != 0,
	}
	c.setShutdown(st.Shutdown)
	return st, nil
}

// ConfigReset drops every converter and clears a shutdown.
func (c *Client) ConfigReset(ctx context.Context) error {
	if err := c.Send(ctx, "config_reset"); err != nil {
		return err
	}
	c.setShutdown(false)
	return nil
}

// EmergencyStop shuts the firmware down and powers every chip down.
func (c *Client) EmergencyStop(ctx context.Context) error {
	return c.Send(ctx, "emergency_stop")
}

// Setup checks the firmware dictionary, resets the firmware, configures the converter from cfg, restores
// the stored calibration and starts reporting.
func (c *Client) Setup(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "invalid config")
	}
	clk, dout, err := cfg.MCUPins()
	if err != nil {
		return err
	}
	if cfg.OID != c.oid {
		return errors.Errorf("config oid %d does not match client oid %d", cfg.OID, c.oid)
	}

	steps := []struct {
		what string
		run  func() error
	}{
		{"dictionary", func() error {
			_, err := c.VerifyDictionary(ctx)
			return err
		}},
		{"config_reset", func() error { return c.ConfigReset(ctx) }},
		{"configure", func() error {
			return c.Configure(ctx, clk, dout, cfg.Gain(), cfg.Converter.ReadsUntilValid)
		}},
		{"alpha", func() error { return c.SetAlpha(ctx, cfg.Converter.Alpha) }},
		{"tare", func() error { return c.SetTare(ctx, cfg.Calibration.Tare) }},
		{"scale", func() error { return c.SetScale(ctx, cfg.Calibration.Scale) }},
		{"finalize", func() error {
			return c.Send(ctx, "finalize_config", int32(configCRC(cfg)))
		}},
		{"start", func() error { return c.Start(ctx, cfg.Poll.ReportInterval) }},
	}
	for _, s := range steps {
		if err := s.run(); err != nil {
			return errors.Wrapf(err, "setup %s", s.what)
		}
	}
	c.log.Infow("load cell configured",
		"oid", c.oid,
		"clock_pin", clk,
		"data_pin", dout,
		"gain", cfg.Converter.Gain,
		"report_interval", cfg.Poll.ReportInterval)
	return nil
}

// configCRC identifies the converter section so get_config can tell
// whether the firmware still runs the same setup.
func configCRC(cfg *config.Config) uint32 {
	data, err := yaml.Marshal(cfg.Converter)
	if err != nil {
		return 0
	}
	return uint32(protocol.CRC16(data))
}

// Next returns the next report from the firmware.
func (c *Client) Next(ctx context.Context) (Reading, error) {
	select {
	case r := <-c.readings:
		return r, nil
	default:
	}
	select {
	case r := <-c.readings:
		return r, nil
	case <-c.haltedChan():
		return Reading{}, ErrShutdown
	case <-ctx.Done():
		return Reading{}, ctx.Err()
	case <-c.done:
		return Reading{}, ErrClosed
	}
}

func (c *Client) setShutdown(down bool) {
	c.haltMu.Lock()
	defer c.haltMu.Unlock()
	select {
	case <-c.halted:
		if !down {
			c.halted = make(chan struct{})
		}
	default:
		if down {
			close(c.halted)
		}
	}
}

func (c *Client) haltedChan() <-chan struct{} {
	c.haltMu.Lock()
	defer c.haltMu.Unlock()
	return c.halted
}

// Close stops reporting if the link is still up and closes it.
func (c *Client) Close() error {
	var err error
	if c.tr.Err() == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		err = c.Stop(ctx)
		cancel()
	}
	err = multierr.Append(err, c.tr.Close())
	<-c.done
	return err
}

func boolArg(b bool) int32 {
	if b {
		return 1
	}
	return 0
}
