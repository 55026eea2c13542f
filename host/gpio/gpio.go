// Package gpio connects an HX712 to single-board-computer GPIOs through
// periph.io.
package gpio

import (
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// Init loads the periph host drivers. It must run before Open.
func Init() error {
	if _, err := host.Init(); err != nil {
		return errors.Wrap(err, "periph host init")
	}
	return nil
}

// Pin adapts a periph pin to hx712.Pin. The first periph error is kept and
// reported by Err.
type Pin struct {
	io  gpio.PinIO
	err error
}

// Open looks a pin up by its periph name, e.g. "GPIO5".
func Open(name string) (*Pin, error) {
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, errors.Errorf("gpio %q not found", name)
	}
	return Wrap(p), nil
}

// OpenPair opens the clock and data pins, reporting both failures if
// neither exists.
func OpenPair(clkName, dataName string) (clk, data *Pin, err error) {
	clk, clkErr := Open(clkName)
	data, dataErr := Open(dataName)
	if err := multierr.Combine(clkErr, dataErr); err != nil {
		return nil, nil, err
	}
	return clk, data, nil
}

// Wrap adapts an already resolved periph pin.
func Wrap(p gpio.PinIO) *Pin {
	return &Pin{io: p}
}

func (p *Pin) Output() {
	p.record(p.io.Out(gpio.Low))
}

func (p *Pin) InputPullUp() {
	p.record(p.io.In(gpio.PullUp, gpio.NoEdge))
}

func (p *Pin) Set(high bool) {
	p.record(p.io.Out(gpio.Level(high)))
}

func (p *Pin) Get() bool {
	return p.io.Read() == gpio.High
}

// Name returns the periph pin name.
func (p *Pin) Name() string {
	return p.io.Name()
}

// Err returns the first error periph reported on this pin.
func (p *Pin) Err() error {
	return p.err
}

// Halt releases the pin.
func (p *Pin) Halt() error {
	return p.io.Halt()
}

func (p *Pin) record(err error) {
	if p.err == nil && err != nil {
		p.err = errors.Wrapf(err, "gpio %s", p.io.Name())
	}
}

// WallClock is an hx712.Clock counting milliseconds since it was created.
type WallClock struct {
	start time.Time
}

// NewWallClock starts a clock at zero.
func NewWallClock() *WallClock {
	return &WallClock{start: time.Now()}
}

// Millis returns elapsed milliseconds, wrapping at 2^32.
func (c *WallClock) Millis() uint32 {
	return uint32(time.Since(c.start).Milliseconds())
}
