package core

// DebugWriter is a function type for writing debug messages
type DebugWriter func(string)

// SampleEvent captures one load-cell or scheduler event for post-mortem
// analysis.
type SampleEvent struct {
	EventType uint8
	OID       uint8
	Clock     uint32
	Value1    uint32
	Value2    uint32
}

// Event type codes
const (
	EvtSample    = 1 // poll completed, v1=status v2=raw
	EvtTimeout   = 2 // chip stopped answering
	EvtPowerDown = 3 // power-down requested or detected
	EvtConfig    = 4 // converter configured, v1=clk pin v2=data pin
	EvtQuery     = 5 // polling (re)started, v1=clock v2=rest ticks
	EvtTimerPast = 6 // timer rescheduled in the past, v1=requested wake
)

const (
	SampleRingSize = 32
)

var (
	debugPrintln DebugWriter = func(s string) {}

	// debugEnabled gates DebugPrintln; the ring is always recorded
	debugEnabled bool = false

	sampleRing     [SampleRingSize]SampleEvent
	sampleRingHead uint8
)

// SetDebugWriter sets the platform-specific debug output function
// This allows platforms to redirect debug output to UART, USB, etc.
func SetDebugWriter(writer DebugWriter) {
	debugPrintln = writer
}

// SetDebugEnabled enables or disables debug output
func SetDebugEnabled(enabled bool) {
	debugEnabled = enabled
}

// IsDebugEnabled returns whether debug output is enabled
func IsDebugEnabled() bool {
	return debugEnabled
}

// DebugPrintln writes a debug message using the platform-specific writer
func DebugPrintln(msg string) {
	if debugEnabled && debugPrintln != nil {
		debugPrintln(msg)
	}
}

// RecordSample stores an event in the ring buffer. It never blocks and is
// safe to call from timer handlers.
func RecordSample(eventType, oid uint8, clock, value1, value2 uint32) {
	idx := sampleRingHead
	sampleRing[idx] = SampleEvent{
		EventType: eventType,
		OID:       oid,
		Clock:     clock,
		Value1:    value1,
		Value2:    value2,
	}
	sampleRingHead = (idx + 1) % SampleRingSize
}

// SampleEvents returns the recorded events, oldest first.
func SampleEvents() []SampleEvent {
	events := make([]SampleEvent, 0, SampleRingSize)
	start := sampleRingHead
	for i := uint8(0); i < SampleRingSize; i++ {
		evt := sampleRing[(start+i)%SampleRingSize]
		if evt.EventType == 0 {
			continue
		}
		events = append(events, evt)
	}
	return events
}

// DumpSampleRing writes the ring buffer through the debug writer
func DumpSampleRing() {
	if debugPrintln == nil {
		return
	}

	debugPrintln("[HX712] === Sample Ring Dump ===")
	for _, evt := range SampleEvents() {
		var name string
		switch evt.EventType {
		case EvtSample:
			name = "SAMPLE"
		case EvtTimeout:
			name = "TIMEOUT"
		case EvtPowerDown:
			name = "POWER_DOWN"
		case EvtConfig:
			name = "CONFIG"
		case EvtQuery:
			name = "QUERY"
		case EvtTimerPast:
			name = "TIMER_PAST!"
		default:
			name = "UNKNOWN"
		}

		debugPrintln("[HX712] " + name +
			" oid=" + itoa(int(evt.OID)) +
			" clock=" + utoa(evt.Clock) +
			" v1=" + utoa(evt.Value1) +
			" v2=" + itoa(int(int32(evt.Value2))))
	}
	debugPrintln("[HX712] === End Dump ===")
}

// ClearSampleRing clears the ring buffer
func ClearSampleRing() {
	for i := range sampleRing {
		sampleRing[i] = SampleEvent{}
	}
	sampleRingHead = 0
}
