//go:build rp2040

package main

import (
	"runtime/volatile"
	"unsafe"

	"loadcell/core"
)

// Unlatched views of the RP2040's free-running 1 MHz counter.
var (
	timeRawHigh = (*volatile.Register32)(unsafe.Pointer(uintptr(0x40054024)))
	timeRawLow  = (*volatile.Register32)(unsafe.Pointer(uintptr(0x40054028)))
)

// microseconds returns the 64-bit counter, retrying when the low word
// carried between the two high word reads.
func microseconds() uint64 {
	for {
		hi := timeRawHigh.Get()
		lo := timeRawLow.Get()
		if timeRawHigh.Get() == hi {
			return uint64(hi)<<32 | uint64(lo)
		}
	}
}

// syncClock sets the core tick counter to milliseconds since boot. The
// counter wraps at 2^32 like the firmware clock.
func syncClock() {
	core.SetTime(uint32(microseconds() / 1000))
}
