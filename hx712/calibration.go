package hx712

func (c *Converter) sample(smoothed bool) int32 {
	if smoothed {
		return c.smoothed
	}
	return c.raw
}

// Raw returns the last reading in ADC counts.
func (c *Converter) Raw(smoothed bool) int32 {
	return c.sample(smoothed) / 256
}

// Tare takes the current reading as the new zero.
func (c *Converter) Tare(smoothed bool) {
	c.tare = c.sample(smoothed)
}

// SetTare restores a tare offset, in x256 units as returned by TareOffset.
func (c *Converter) SetTare(tare int32) {
	c.tare = tare
}

// TareOffset returns the tare offset in x256 units.
func (c *Converter) TareOffset() int32 {
	return c.tare
}

// RawMinusTare returns the tare-adjusted reading in ADC counts.
func (c *Converter) RawMinusTare(smoothed bool) int32 {
	return (c.sample(smoothed) - c.tare) / 256
}

// AdjustTo computes the scale so that Adjusted returns value for the current
// reading. A value of 0 is treated as 1.
func (c *Converter) AdjustTo(value int32, smoothed bool) {
	if value == 0 {
		value = 1
	}
	c.SetScale((c.sample(smoothed) - c.tare) / value)
}

// Scale returns the divisor applied by Adjusted.
func (c *Converter) Scale() int32 {
	return c.scale
}

// SetScale restores a scale. Zero is stored as 1.
func (c *Converter) SetScale(scale int32) {
	if scale == 0 {
		scale = 1
	}
	c.scale = scale
}

// Adjusted returns the tare-adjusted reading in user units.
func (c *Converter) Adjusted(smoothed bool) int32 {
	return (c.sample(smoothed) - c.tare) / c.scale
}
