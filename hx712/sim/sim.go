// Package sim provides a simulated HX712 chip and clock for exercising the
// driver without hardware.
package sim

import "loadcell/hx712"

// Transfer records one completed read as observed by the chip.
type Transfer struct {
	Value  int32 // 24-bit value that was shifted out
	Pulses int   // clock pulses after the 24 data bits

	// ConvertedWith is the pulse count that selected the mode this value was
	// converted in, i.e. the Pulses of the previous transfer (1 after reset).
	ConvertedWith int
}

// Chip emulates the HX712 side of the two-wire interface.
//
// Queued values are presented one per transfer. The data line reads high
// (busy) while the queue is empty or Busy is set.
type Chip struct {
	Busy bool

	queue     []int32
	clock     bool
	edges     int // rising edges in the current transfer
	shifting  bool
	current   int32
	selected  int
	transfers []Transfer

	// TotalEdges counts every rising edge on the clock line
	TotalEdges int

	clk  *clockLine
	data *dataLine
}

// NewChip returns a chip with an empty sample queue.
func NewChip() *Chip {
	c := &Chip{selected: 1}
	c.clk = &clockLine{chip: c}
	c.data = &dataLine{chip: c}
	return c
}

// Push queues conversions (in ADC counts, 24-bit signed range).
func (c *Chip) Push(values ...int32) {
	c.queue = append(c.queue, values...)
}

// Pending returns the number of queued conversions.
func (c *Chip) Pending() int {
	return len(c.queue)
}

// ClockPin returns the line the driver uses as clock.
func (c *Chip) ClockPin() hx712.Pin {
	return c.clk
}

// DataPin returns the line the driver uses as data.
func (c *Chip) DataPin() hx712.Pin {
	return c.data
}

// Transfers returns all completed transfers, finishing the one in progress.
func (c *Chip) Transfers() []Transfer {
	c.finish()
	return c.transfers
}

// LastTransfer returns the most recent completed transfer.
func (c *Chip) LastTransfer() (Transfer, bool) {
	t := c.Transfers()
	if len(t) == 0 {
		return Transfer{}, false
	}
	return t[len(t)-1], true
}

// ClockHigh reports the level the driver is driving on the clock line.
func (c *Chip) ClockHigh() bool {
	return c.clock
}

func (c *Chip) ready() bool {
	return !c.Busy && len(c.queue) > 0
}

func (c *Chip) setClock(high bool) {
	if high && !c.clock {
		c.TotalEdges++
		if !c.shifting && c.ready() {
			c.shifting = true
			c.current = c.queue[0]
			c.queue = c.queue[1:]
			c.edges = 0
		}
		if c.shifting {
			c.edges++
		}
	}
	c.clock = high
}

func (c *Chip) readData() bool {
	if c.shifting {
		if c.clock && c.edges <= hx712.SampleBits {
			bit := uint(hx712.SampleBits - c.edges)
			return uint32(c.current)>>bit&1 == 1
		}
		if !c.clock && c.edges >= hx712.SampleBits {
			c.finish()
		} else {
			return false
		}
	}
	return !c.ready()
}

func (c *Chip) finish() {
	if !c.shifting || c.edges < hx712.SampleBits {
		return
	}
	c.transfers = append(c.transfers, Transfer{
		Value:         c.current,
		Pulses:        c.edges - hx712.SampleBits,
		ConvertedWith: c.selected,
	})
	c.selected = c.edges - hx712.SampleBits
	c.shifting = false
	c.edges = 0
}

type clockLine struct {
	chip *Chip
}

func (l *clockLine) Output()       {}
func (l *clockLine) InputPullUp()  {}
func (l *clockLine) Set(high bool) { l.chip.setClock(high) }
func (l *clockLine) Get() bool     { return l.chip.clock }

type dataLine struct {
	chip *Chip
}

func (l *dataLine) Output()       {}
func (l *dataLine) InputPullUp()  {}
func (l *dataLine) Set(high bool) {}
func (l *dataLine) Get() bool     { return l.chip.readData() }

// Clock is a manually advanced millisecond clock.
type Clock struct {
	Now uint32
}

// Millis implements hx712.Clock.
func (c *Clock) Millis() uint32 {
	return c.Now
}

// Advance moves the clock forward, wrapping like a hardware counter.
func (c *Clock) Advance(ms uint32) {
	c.Now += ms
}
