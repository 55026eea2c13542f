package core

import (
	"sync/atomic"

	"loadcell/protocol"
)

// FirmwareState holds the global firmware state
type FirmwareState struct {
	configCRC  uint32 // atomic
	isShutdown uint32 // atomic bool
}

var globalState = &FirmwareState{}

// Responder sends response messages to the host. protocol.Transport
// implements it on the target.
type Responder interface {
	SendCommand(cmdID uint16, args func(output protocol.OutputBuffer))
}

// Global transport for sending responses (set by main)
var globalTransport Responder

// SetGlobalTransport sets the transport used by SendResponse
func SetGlobalTransport(transport Responder) {
	globalTransport = transport
}

// InitCoreCommands registers the core commands in the global registry
func InitCoreCommands() {
	RegisterCoreCommands(globalRegistry)
}

// RegisterCoreCommands registers the commands every firmware build answers.
// Registration order fixes the ids, so it must not change between firmware
// and host releases without bumping protocol.Version.
func RegisterCoreCommands(r *CommandRegistry) {
	// identify keeps ids 0 and 1 so any host can fetch the dictionary
	r.Register("identify_response", "offset=%u data=%.*s", nil)
	r.Register("identify", "offset=%u count=%c", handleIdentify)

	r.Register("get_uptime", "", handleGetUptime)
	r.Register("get_clock", "", handleGetClock)
	r.Register("get_config", "", handleGetConfig)
	r.Register("config_reset", "", handleConfigReset)
	r.Register("finalize_config", "crc=%u", handleFinalizeConfig)
	r.Register("emergency_stop", "", handleEmergencyStop)
	r.Register("reset", "", handleReset)

	// Response messages (MCU → Host)
	r.Register("clock", "clock=%u", nil)
	r.Register("uptime", "high=%u clock=%u", nil)
	r.Register("config", "is_config=%c crc=%u is_shutdown=%c", nil)
	r.Register("shutdown", "clock=%u", nil)
}

// handleGetUptime returns the system uptime
func handleGetUptime(data *[]byte) error {
	uptime := GetUptime()
	high := uint32(uptime >> 32)
	low := uint32(uptime & 0xFFFFFFFF)

	SendResponse("uptime", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, high)
		protocol.EncodeVLQUint(output, low)
	})

	return nil
}

// handleGetClock returns the current clock value
func handleGetClock(data *[]byte) error {
	clock := GetTime()

	SendResponse("clock", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, clock)
	})

	return nil
}

// handleGetConfig returns the configuration state
func handleGetConfig(data *[]byte) error {
	crc := atomic.LoadUint32(&globalState.configCRC)

	SendResponse("config", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQBool(output, crc != 0)
		protocol.EncodeVLQUint(output, crc)
		protocol.EncodeVLQBool(output, IsShutdown())
	})

	return nil
}

// handleConfigReset drops every configured load cell
func handleConfigReset(data *[]byte) error {
	if IsShutdown() {
		atomic.StoreUint32(&globalState.isShutdown, 0)
	}
	ResetLoadCells()
	atomic.StoreUint32(&globalState.configCRC, 0)
	return nil
}

// handleFinalizeConfig finalizes the configuration with a CRC
func handleFinalizeConfig(data *[]byte) error {
	crc, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	atomic.StoreUint32(&globalState.configCRC, crc)
	return nil
}

// handleEmergencyStop powers every load cell down and stops polling
func handleEmergencyStop(data *[]byte) error {
	TryShutdown("emergency stop")
	return nil
}

// TryShutdown stops all load-cell activity and tells the host why
func TryShutdown(reason string) {
	if atomic.SwapUint32(&globalState.isShutdown, 1) != 0 {
		return
	}
	ShutdownAllLoadCells()
	DebugPrintln("[CORE] shutdown: " + reason)

	clock := GetTime()
	SendResponse("shutdown", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, clock)
	})
}

// IsShutdown returns true if the firmware is in shutdown state
func IsShutdown() bool {
	return atomic.LoadUint32(&globalState.isShutdown) != 0
}

// ResetFirmwareState resets the firmware state for reconnection
// This is called when USB reconnects or firmware restart is requested
func ResetFirmwareState() {
	atomic.StoreUint32(&globalState.configCRC, 0)
	atomic.StoreUint32(&globalState.isShutdown, 0)
}

// SendResponse sends a response message using the global transport
func SendResponse(responseName string, args func(output protocol.OutputBuffer)) {
	if globalTransport == nil {
		return
	}
	cmd, ok := globalRegistry.GetCommandByName(responseName)
	if !ok {
		// all responses are registered at init
		panic("Response not registered: " + responseName)
	}

	globalTransport.SendCommand(cmd.ID, args)
}

// Global reset handler (set by target-specific code)
var globalResetHandler func()

// resetPending is set when a reset command is received
// The actual reset happens in the main loop after ACK is sent
var resetPending uint32 // atomic bool

// SetResetHandler sets the platform-specific reset handler
func SetResetHandler(handler func()) {
	globalResetHandler = handler
}

// handleReset defers the hardware reset until the ack has gone out
func handleReset(_ *[]byte) error {
	atomic.StoreUint32(&resetPending, 1)
	return nil
}

// CheckPendingReset runs the reset handler if a reset was requested
// This should be called from the main loop after all pending messages are sent
func CheckPendingReset() bool {
	if atomic.LoadUint32(&resetPending) == 0 {
		return false
	}
	if globalResetHandler != nil {
		globalResetHandler()
	}
	return true
}
