// Package hx712 implements a polling driver for the HX712 24-bit bridge-sensor ADC.
//
// The chip is read over two lines: a clock driven by the MCU and a data line
// the chip pulls low once a conversion is ready. Poll never blocks; callers
// invoke it from their main loop (or a scheduler timer) and branch on Status
// once it reports completion.
package hx712

// Pin is a single GPIO line as seen by the converter.
type Pin interface {
	// Output configures the line as a push-pull output
	Output()

	// InputPullUp configures the line as an input with pull-up resistor
	InputPullUp()

	// Set drives the line high (true) or low (false)
	Set(high bool)

	// Get reads the line level. For the clock line this is the level
	// currently being driven.
	Get() bool
}

// Clock is a monotonic millisecond counter. It is allowed to wrap.
type Clock interface {
	Millis() uint32
}

// ClockFunc adapts a plain function to the Clock interface.
type ClockFunc func() uint32

// Millis implements Clock.
func (f ClockFunc) Millis() uint32 {
	return f()
}

// Timing constants
const (
	// TimeoutMillis is how long the data line may stay busy before the chip is
	// considered unresponsive. Settling after reset is ~400 ms at 10 Hz.
	TimeoutMillis = 500

	// SampleBits is the width of one conversion
	SampleBits = 24

	// Defaults taken from the reference Arduino library
	DefaultAlpha           = 200
	DefaultScale           = 256
	DefaultReadsUntilValid = 3
)

// Config holds the construction parameters of a Converter.
type Config struct {
	// ReadsUntilValid is the number of successful transfers after a reset or
	// gain change before readings are reported as Valid.
	ReadsUntilValid uint8

	// Gain is the initial gain/rate selection.
	Gain Gain
}

// DefaultConfig returns the default construction parameters.
func DefaultConfig() Config {
	return Config{
		ReadsUntilValid: DefaultReadsUntilValid,
		Gain:            Gain128Rate10,
	}
}

// Converter is the driver state for one physical chip.
//
// Samples are stored multiplied by 256 (the 24-bit value occupies the top
// three bytes of an int32) so the smoothing filter keeps sub-count precision.
type Converter struct {
	clk   Pin
	data  Pin
	clock Clock

	gain   Gain
	status Status

	raw      int32 // last transfer, x256
	smoothed int32 // exponentially smoothed raw, x256
	alpha    uint8 // weight/256 given to a new sample

	tare  int32 // x256 baseline
	scale int32 // divisor from tare-adjusted x256 counts to user units, never 0

	readCount       uint8
	readsUntilValid uint8

	cycleEnd uint32 // Millis() after the last clock pulse
}

// New creates a converter on the given lines and configures them: data as
// input with pull-up, clock as output.
func New(clk, data Pin, clock Clock, cfg Config) *Converter {
	data.InputPullUp()
	clk.Output()

	return &Converter{
		clk:             clk,
		data:            data,
		clock:           clock,
		gain:            cfg.Gain,
		status:          Initializing,
		alpha:           DefaultAlpha,
		scale:           DefaultScale,
		readsUntilValid: cfg.ReadsUntilValid,
		cycleEnd:        clock.Millis(),
	}
}

// Poll advances the read state machine by at most one transfer.
//
// It returns true when the call reached a conclusion the caller should look at
// (a new Valid sample, PoweredDown or TimedOut) and false when the chip is
// still converting or the converter is still warming up.
func (c *Converter) Poll() bool {
	// Clock held high means the chip is in power-down
	if c.clk.Get() {
		c.status = PoweredDown
		return true
	}

	// Data high means the conversion is not finished yet
	if c.data.Get() {
		// Unsigned subtraction keeps this correct across Millis() wraparound
		if c.clock.Millis()-c.cycleEnd >= TimeoutMillis {
			c.status = TimedOut
			return true
		}
		return false
	}

	// The chip came back after a timeout, so it has been reset and must warm up again
	if c.status == TimedOut {
		c.status = Initializing
		c.readCount = 0
	}

	c.raw = fromBits(c.shiftIn())

	// Extra pulses select gain and channel for the next conversion
	for n := PulseCount(c.gain); n > 0; n-- {
		c.pulse()
	}

	c.cycleEnd = c.clock.Millis()

	if c.readCount < c.readsUntilValid {
		c.readCount++
		if c.readCount < c.readsUntilValid {
			return false
		}
		// First valid read seeds the filter
		c.smoothed = c.raw
	} else {
		c.smoothed += smoothStep(c.raw, c.smoothed, c.alpha)
	}

	c.status = Valid
	return true
}

// shiftIn clocks 24 bits out of the chip, MSB first.
func (c *Converter) shiftIn() uint32 {
	var bits uint32
	for i := 0; i < SampleBits; i++ {
		c.clk.Set(true)
		bits <<= 1
		if c.data.Get() {
			bits |= 1
		}
		c.clk.Set(false)
	}
	return bits
}

func (c *Converter) pulse() {
	c.clk.Set(true)
	c.clk.Set(false)
}

// fromBits places a 24-bit two's-complement value in the top three bytes of an
// int32. Bit 23 lands on the int32 sign bit, so the result is the signed value
// multiplied by 256.
func fromBits(bits uint32) int32 {
	return int32((bits & 0xFFFFFF) << 8)
}

// smoothStep returns the exponential filter increment.
//
// The division happens before the multiplication, so the step is quantized to
// multiples of alpha. Reordering would change observable readings.
func smoothStep(raw, smoothed int32, alpha uint8) int32 {
	return (raw - smoothed) / 256 * int32(alpha)
}

// Status returns the outcome of the last Poll (or of the last reset).
func (c *Converter) Status() Status {
	return c.status
}

// SetGain selects the gain/rate used from the next transfer on. The converter
// goes back to Initializing; expect up to ~1.4 s before Valid readings.
func (c *Converter) SetGain(g Gain) {
	c.gain = g
	c.status = Initializing
	c.readCount = 0
}

// Gain returns the configured gain/rate.
func (c *Converter) Gain() Gain {
	return c.gain
}

// PowerDown holds the clock high. The next Poll reports PoweredDown.
func (c *Converter) PowerDown() {
	c.clk.Set(true)
}

// PowerUp releases the clock, which resets the chip.
func (c *Converter) PowerUp() {
	c.clk.Set(false)
	c.status = Initializing
	c.readCount = 0
	c.cycleEnd = c.clock.Millis()
}

// SetReadsUntilValid sets the warm-up length.
func (c *Converter) SetReadsUntilValid(n uint8) {
	c.readsUntilValid = n
}

// ReadsUntilValid returns the warm-up length.
func (c *Converter) ReadsUntilValid() uint8 {
	return c.readsUntilValid
}

// SetAlpha sets the smoothing factor; 128 gives weight 0.5 to new samples.
func (c *Converter) SetAlpha(alpha uint8) {
	c.alpha = alpha
}

// Alpha returns the smoothing factor.
func (c *Converter) Alpha() uint8 {
	return c.alpha
}
