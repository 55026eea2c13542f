//go:build !tinygo

package core

// State stands in for the saved interrupt mask on hosted Go.
type State uintptr

// Hosted builds have no interrupts; timers and tasks run on one goroutine.
func disableInterrupts() State {
	return 0
}

func restoreInterrupts(State) {}
