// HX712 load-cell support
// A timer polls each converter and a task sends the readings, the same split
// Klipper uses for analog_in.
package core

import (
	"errors"

	"loadcell/hx712"
	"loadcell/protocol"
)

// PollRetryTicks is the delay before polling again while a conversion is
// not ready. Conversions take 25 or 100 ms, so a few ticks catches the
// ready edge without spinning the scheduler.
const PollRetryTicks = 5

var (
	errNoLoadCell  = errors.New("load cell not configured")
	errInvalidGain = errors.New("invalid hx712 gain")
)

// LoadCell is one configured HX712 and its polling state.
type LoadCell struct {
	OID       uint8
	ClockPin  GPIOPin
	DataPin   GPIOPin
	Converter *hx712.Converter

	Timer     Timer
	RestTicks uint32 // ticks between reports, 0 when idle
	NextClock uint32 // when the next report is due

	polling       bool
	reportPending bool
	report        loadCellReport
}

type loadCellReport struct {
	status    hx712.Status
	raw       int32
	smoothed  int32
	adjusted  int32
	nextClock uint32
}

// Global registry of load cells
var loadCells = make(map[uint8]*LoadCell)

// Wake flag for the load-cell task
var loadCellWake bool

// InitLoadCellCommands registers the load-cell commands in the global registry
func InitLoadCellCommands() {
	RegisterLoadCellCommands(globalRegistry)
}

// RegisterLoadCellCommands registers the HX712 commands and responses.
func RegisterLoadCellCommands(r *CommandRegistry) {
	r.Register("config_hx712", "oid=%c clk_pin=%u dout_pin=%u gain=%c reads_until_valid=%c", handleConfigHX712)
	r.Register("query_hx712", "oid=%c clock=%u rest_ticks=%u", handleQueryHX712)
	r.Register("hx712_set_gain", "oid=%c gain=%c", handleSetGain)
	r.Register("hx712_set_power", "oid=%c on=%c", handleSetPower)
	r.Register("hx712_set_alpha", "oid=%c alpha=%c", handleSetAlpha)
	r.Register("hx712_set_reads", "oid=%c reads_until_valid=%c", handleSetReads)
	r.Register("hx712_tare", "oid=%c smoothed=%c", handleTare)
	r.Register("hx712_set_tare", "oid=%c tare=%i", handleSetTare)
	r.Register("hx712_adjust_to", "oid=%c value=%i smoothed=%c", handleAdjustTo)
	r.Register("hx712_set_scale", "oid=%c scale=%i", handleSetScale)
	r.Register("hx712_query_calibration", "oid=%c", handleQueryCalibration)

	// Response messages (MCU → Host)
	r.Register("hx712_state", "oid=%c status=%c raw=%i smoothed=%i adjusted=%i next_clock=%u", nil)
	r.Register("hx712_calibration", "oid=%c gain=%c alpha=%c reads_until_valid=%c tare=%i scale=%i", nil)
}

// GetLoadCell returns the load cell configured under oid
func GetLoadCell(oid uint8) (*LoadCell, bool) {
	lc, ok := loadCells[oid]
	return lc, ok
}

func lookupLoadCell(data *[]byte) (*LoadCell, error) {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return nil, err
	}
	lc, ok := loadCells[uint8(oid)]
	if !ok {
		return nil, errNoLoadCell
	}
	return lc, nil
}

// handleConfigHX712 creates a converter on two HAL pins
// Format: config_hx712 oid=%c clk_pin=%u dout_pin=%u gain=%c reads_until_valid=%c
func handleConfigHX712(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	clkPin, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	doutPin, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	gain, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	reads, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	if !hx712.Gain(gain).Valid() {
		return errInvalidGain
	}

	if old, ok := loadCells[uint8(oid)]; ok {
		stopLoadCell(old)
	}

	drv := MustGPIO()
	clk := NewGPIOLine(drv, GPIOPin(clkPin))
	dout := NewGPIOLine(drv, GPIOPin(doutPin))
	conv := hx712.New(clk, dout, MillisClock{}, hx712.Config{
		ReadsUntilValid: uint8(reads),
		Gain:            hx712.Gain(gain),
	})
	if err := clk.Err(); err != nil {
		return err
	}
	if err := dout.Err(); err != nil {
		return err
	}

	lc := &LoadCell{
		OID:       uint8(oid),
		ClockPin:  GPIOPin(clkPin),
		DataPin:   GPIOPin(doutPin),
		Converter: conv,
	}
	// bound once here so the timer path never looks the cell up
	lc.Timer.Handler = lc.timerEvent
	loadCells[uint8(oid)] = lc
	RecordSample(EvtConfig, uint8(oid), GetTime(), clkPin, doutPin)
	return nil
}

// handleQueryHX712 starts or stops periodic polling
// Format: query_hx712 oid=%c clock=%u rest_ticks=%u
func handleQueryHX712(data *[]byte) error {
	lc, err := lookupLoadCell(data)
	if err != nil {
		return err
	}
	clock, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	restTicks, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	stopLoadCell(lc)
	RecordSample(EvtQuery, lc.OID, GetTime(), clock, restTicks)
	if restTicks == 0 || IsShutdown() {
		return nil
	}

	lc.RestTicks = restTicks
	lc.NextClock = clock
	lc.polling = true
	lc.Timer.WakeTime = clock
	ScheduleTimer(&lc.Timer)
	return nil
}

// handleSetGain selects a new gain/rate; the converter warms up again
func handleSetGain(data *[]byte) error {
	lc, err := lookupLoadCell(data)
	if err != nil {
		return err
	}
	gain, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	if !hx712.Gain(gain).Valid() {
		return errInvalidGain
	}
	lc.Converter.SetGain(hx712.Gain(gain))
	return nil
}

// handleSetPower powers the chip down (on=0) or back up (on=1)
func handleSetPower(data *[]byte) error {
	lc, err := lookupLoadCell(data)
	if err != nil {
		return err
	}
	on, err := protocol.DecodeVLQBool(data)
	if err != nil {
		return err
	}
	if on {
		lc.Converter.PowerUp()
	} else {
		lc.Converter.PowerDown()
		RecordSample(EvtPowerDown, lc.OID, GetTime(), 0, 0)
	}
	return nil
}

func handleSetAlpha(data *[]byte) error {
	lc, err := lookupLoadCell(data)
	if err != nil {
		return err
	}
	alpha, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	lc.Converter.SetAlpha(uint8(alpha))
	return nil
}

func handleSetReads(data *[]byte) error {
	lc, err := lookupLoadCell(data)
	if err != nil {
		return err
	}
	reads, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	lc.Converter.SetReadsUntilValid(uint8(reads))
	return nil
}

func handleTare(data *[]byte) error {
	lc, err := lookupLoadCell(data)
	if err != nil {
		return err
	}
	smoothed, err := protocol.DecodeVLQBool(data)
	if err != nil {
		return err
	}
	lc.Converter.Tare(smoothed)
	return nil
}

func handleSetTare(data *[]byte) error {
	lc, err := lookupLoadCell(data)
	if err != nil {
		return err
	}
	tare, err := protocol.DecodeVLQInt(data)
	if err != nil {
		return err
	}
	lc.Converter.SetTare(tare)
	return nil
}

func handleAdjustTo(data *[]byte) error {
	lc, err := lookupLoadCell(data)
	if err != nil {
		return err
	}
	value, err := protocol.DecodeVLQInt(data)
	if err != nil {
		return err
	}
	smoothed, err := protocol.DecodeVLQBool(data)
	if err != nil {
		return err
	}
	lc.Converter.AdjustTo(value, smoothed)
	return nil
}

func handleSetScale(data *[]byte) error {
	lc, err := lookupLoadCell(data)
	if err != nil {
		return err
	}
	scale, err := protocol.DecodeVLQInt(data)
	if err != nil {
		return err
	}
	lc.Converter.SetScale(scale)
	return nil
}

// handleQueryCalibration reports the settings the host needs to persist
func handleQueryCalibration(data *[]byte) error {
	lc, err := lookupLoadCell(data)
	if err != nil {
		return err
	}
	conv := lc.Converter
	SendResponse("hx712_calibration", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, uint32(lc.OID))
		protocol.EncodeVLQUint(output, uint32(conv.Gain()))
		protocol.EncodeVLQUint(output, uint32(conv.Alpha()))
		protocol.EncodeVLQUint(output, uint32(conv.ReadsUntilValid()))
		protocol.EncodeVLQInt(output, conv.TareOffset())
		protocol.EncodeVLQInt(output, conv.Scale())
	})
	return nil
}

// timerEvent polls the converter. While the conversion is not
// ready it retries every PollRetryTicks; once a poll completes the report is
// stashed for LoadCellTask and the timer moves to the next report slot.
func (lc *LoadCell) timerEvent(t *Timer) uint8 {
	if !lc.polling {
		return SF_DONE
	}

	now := GetTime()
	conv := lc.Converter
	if !conv.Poll() {
		t.WakeTime = now + PollRetryTicks
		return SF_RESCHEDULE
	}

	lc.NextClock += lc.RestTicks
	if timerBefore(lc.NextClock, now) {
		// fell more than a period behind; skip the missed slots
		lc.NextClock = now + lc.RestTicks
	}

	status := conv.Status()
	lc.report = loadCellReport{
		status:    status,
		raw:       conv.Raw(false),
		smoothed:  conv.Raw(true),
		adjusted:  conv.Adjusted(true),
		nextClock: lc.NextClock,
	}
	lc.reportPending = true

	switch status {
	case hx712.TimedOut:
		RecordSample(EvtTimeout, lc.OID, now, uint32(status), 0)
	default:
		RecordSample(EvtSample, lc.OID, now, uint32(status), uint32(lc.report.raw))
	}

	wakeLoadCellTask()

	t.WakeTime = lc.NextClock
	return SF_RESCHEDULE
}

// wakeLoadCellTask marks the load-cell task as needing to run.
func wakeLoadCellTask() {
	state := disableInterrupts()
	loadCellWake = true
	restoreInterrupts(state)
}

// LoadCellTask sends hx712_state for every load cell with a completed poll.
// It runs in task context so responses are never built inside a timer.
func LoadCellTask() {
	state := disableInterrupts()
	if !loadCellWake {
		restoreInterrupts(state)
		return
	}
	loadCellWake = false
	restoreInterrupts(state)

	for oid, lc := range loadCells {
		if lc == nil {
			continue
		}

		state = disableInterrupts()
		if !lc.reportPending {
			restoreInterrupts(state)
			continue
		}
		rep := lc.report
		lc.reportPending = false
		restoreInterrupts(state)

		SendResponse("hx712_state", func(output protocol.OutputBuffer) {
			protocol.EncodeVLQUint(output, uint32(oid))
			protocol.EncodeVLQUint(output, uint32(rep.status))
			protocol.EncodeVLQInt(output, rep.raw)
			protocol.EncodeVLQInt(output, rep.smoothed)
			protocol.EncodeVLQInt(output, rep.adjusted)
			protocol.EncodeVLQUint(output, rep.nextClock)
		})
	}
}

func stopLoadCell(lc *LoadCell) {
	lc.polling = false
	lc.RestTicks = 0
	lc.reportPending = false
	CancelTimer(&lc.Timer)
}

// ShutdownAllLoadCells stops polling and powers every chip down.
func ShutdownAllLoadCells() {
	for _, lc := range loadCells {
		if lc == nil {
			continue
		}
		stopLoadCell(lc)
		lc.Converter.PowerDown()
		RecordSample(EvtPowerDown, lc.OID, GetTime(), 0, 0)
	}
}

// ResetLoadCells stops every load cell and forgets its configuration.
func ResetLoadCells() {
	for oid, lc := range loadCells {
		if lc != nil {
			stopLoadCell(lc)
		}
		delete(loadCells, oid)
	}
	loadCellWake = false
}
