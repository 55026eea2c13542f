//go:build tinygo

package core

import "runtime/interrupt"

// disableInterrupts masks interrupts around state shared by timers and tasks.
func disableInterrupts() interrupt.State {
	return interrupt.Disable()
}

func restoreInterrupts(state interrupt.State) {
	interrupt.Restore(state)
}
