//go:build !tinygo

package core

// On the host the tick counter is only advanced by SetTime, which keeps
// tests deterministic.

func getSystemTicks() uint32 {
	return systemTicks
}

func setSystemTicks(ticks uint32) {
	systemTicks = ticks
}
