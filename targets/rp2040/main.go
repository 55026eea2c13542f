//go:build rp2040

package main

import (
	"machine"
	"runtime"
	"time"

	"loadcell/core"
	"loadcell/protocol"
)

var (
	inputBuffer  *protocol.FifoBuffer
	outputBuffer *protocol.ScratchOutput
	transport    *protocol.Transport

	// Debug counters
	msgErrors                uint32
	consecutiveWriteFailures uint32
	usbWasDisconnected       bool
)

func main() {
	// Clear any watchdog state left over from a FIRMWARE_RESTART
	if err := machine.Watchdog.Configure(machine.WatchdogConfig{TimeoutMillis: 0}); err != nil {
		return
	}

	InitUSB()
	syncClock()
	core.TimerInit()

	// Registration order fixes command ids; the host registers the same way
	core.InitCoreCommands()
	core.InitLoadCellCommands()
	core.RegisterConstant("MCU", "rp2040")
	core.SetBuildVersions("tinygo " + runtime.Version())
	core.BuildDictionary()

	core.SetGPIODriver(NewRPGPIODriver())
	core.SetDebugWriter(func(s string) {
		// the USB port carries the binary protocol, so debug goes to UART0
		machine.UART0.Write([]byte(s + "\r\n"))
	})

	inputBuffer = protocol.NewFifoBuffer(256)
	outputBuffer = protocol.NewScratchOutput()

	transport = protocol.NewTransport(outputBuffer, core.DispatchCommand)
	transport.SetResetCallback(func() {
		outputBuffer.Reset()
		core.ResetLoadCells()
		core.ResetFirmwareState()
	})
	transport.SetFlushCallback(writeUSB)
	core.SetGlobalTransport(transport)

	core.SetResetHandler(func() {
		// watchdog reset re-enumerates USB reliably
		_ = machine.Watchdog.Configure(machine.WatchdogConfig{TimeoutMillis: 1})
		_ = machine.Watchdog.Start()
		for {
			time.Sleep(time.Millisecond)
		}
	})

	for {
		func() {
			defer func() {
				if r := recover(); r != nil {
					msgErrors++
					inputBuffer.Reset()
					outputBuffer.Reset()
					core.TryShutdown("panic in main loop")
					core.DumpSampleRing()
				}
			}()

			syncClock()
			readUSB()

			if !inputBuffer.IsEmpty() {
				transport.Receive(inputBuffer)
			}

			core.ProcessTimers()
			core.LoadCellTask()

			writeUSB()

			// reset only once the ack is out
			core.CheckPendingReset()
		}()

		time.Sleep(50 * time.Microsecond)
	}
}

// readUSB moves pending USB bytes into the input ring.
func readUSB() {
	for USBAvailable() > 0 {
		b, err := USBRead()
		if err != nil {
			msgErrors++
			return
		}

		if usbWasDisconnected {
			// host came back; start from a clean session
			usbWasDisconnected = false
			inputBuffer.Reset()
			outputBuffer.Reset()
			transport.Reset()
			consecutiveWriteFailures = 0
		}

		if inputBuffer.Write([]byte{b}) == 0 {
			msgErrors++
			return
		}
	}
}

// writeUSB flushes the output buffer. Repeated write failures mean the
// host is gone, so stale output is dropped instead of retried forever.
func writeUSB() {
	result := outputBuffer.Result()
	written := 0
	for written < len(result) {
		n, err := USBWriteBytes(result[written:])
		if err != nil || n == 0 {
			consecutiveWriteFailures++
			if consecutiveWriteFailures > 10 {
				usbWasDisconnected = true
				consecutiveWriteFailures = 0
				outputBuffer.Reset()
				inputBuffer.Reset()
			}
			return
		}
		written += n
	}
	consecutiveWriteFailures = 0
	outputBuffer.Reset()
}
