package hx712

import "strings"

// Gain selects the input channel, PGA gain and output data rate.
type Gain uint8

const (
	Gain128Rate10 Gain = iota // channel A, gain 128, 10 Hz
	BatteryRate40             // battery monitor, 40 Hz
	Gain128Rate40             // channel A, gain 128, 40 Hz
	Gain256Rate10             // channel A, gain 256, 10 Hz
	Gain256Rate40             // channel A, gain 256, 40 Hz
)

// gainPulses is the number of clock pulses issued after the 24 data bits.
var gainPulses = [...]uint8{
	Gain128Rate10: 1,
	BatteryRate40: 2,
	Gain128Rate40: 3,
	Gain256Rate10: 4,
	Gain256Rate40: 5,
}

var gainNames = [...]string{
	Gain128Rate10: "gain128_rate10",
	BatteryRate40: "battery_rate40",
	Gain128Rate40: "gain128_rate40",
	Gain256Rate10: "gain256_rate10",
	Gain256Rate40: "gain256_rate40",
}

// PulseCount returns the extra clock pulses that select g. The selection takes
// effect on the conversion after the one being read. Unknown values select the
// chip default (one pulse).
func PulseCount(g Gain) int {
	if int(g) >= len(gainPulses) {
		return 1
	}
	return int(gainPulses[g])
}

// Valid reports whether g is one of the defined modes.
func (g Gain) Valid() bool {
	return int(g) < len(gainNames)
}

func (g Gain) String() string {
	if !g.Valid() {
		return "unknown"
	}
	return gainNames[g]
}

// ParseGain converts a mode name as returned by String back to a Gain.
func ParseGain(s string) (Gain, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range gainNames {
		if name == s {
			return Gain(i), true
		}
	}
	return 0, false
}

// Status is the outcome of the last poll.
type Status uint8

const (
	Initializing Status = iota // warming up after reset, power-up or gain change
	Valid                      // last reading is good
	PoweredDown                // clock line held high
	TimedOut                   // data line busy for TimeoutMillis, chip probably disconnected
)

func (s Status) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Valid:
		return "valid"
	case PoweredDown:
		return "powered_down"
	case TimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}
