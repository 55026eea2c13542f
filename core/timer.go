package core

// The load-cell firmware keeps time in milliseconds: the HX712 converts at
// 10 or 40 Hz and its busy timeout is specified in milliseconds, so a finer
// clock buys nothing and a millisecond counter wraps only every ~49 days.
const (
	TimerFreq = 1000
)

var (
	systemTicks uint32
	bootTime    uint32
	uptimeHigh  uint32 // wraps of the 32-bit tick counter
	lastTicks   uint32
)

// GetTime returns the current system time in timer ticks
func GetTime() uint32 {
	return getSystemTicks()
}

// SetTime sets the current system time (for testing/hardware integration)
func SetTime(ticks uint32) {
	setSystemTicks(ticks)
}

// GetUptime returns 64-bit uptime in timer ticks. It must be called at
// least once per counter wrap to track the high word.
func GetUptime() uint64 {
	now := GetTime()
	if now < lastTicks {
		uptimeHigh++
	}
	lastTicks = now
	return (uint64(uptimeHigh)<<32 | uint64(now)) - uint64(bootTime)
}

// TimerFromMS converts milliseconds to timer ticks
func TimerFromMS(ms uint32) uint32 {
	return ms * (TimerFreq / 1000)
}

// TimerToMS converts timer ticks to milliseconds
func TimerToMS(ticks uint32) uint32 {
	return ticks / (TimerFreq / 1000)
}

// TimerInit records the boot time
func TimerInit() {
	bootTime = GetTime()
	lastTicks = bootTime
	uptimeHigh = 0
}

// ProcessTimers runs every timer that is due
func ProcessTimers() {
	currentTime = GetTime()
	TimerDispatch()
}

// MillisClock exposes the system timer as an hx712.Clock.
type MillisClock struct{}

// Millis returns the current tick count.
func (MillisClock) Millis() uint32 {
	return TimerToMS(GetTime())
}
